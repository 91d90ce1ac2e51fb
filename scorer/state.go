package scorer

import (
	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// State is the recurrent state of a sequence encoder: one [N, H] node per
// layer and direction, at index layer*directions + direction.
//
// GRU and simple RNN encoders use *HiddenState; LSTM encoders use *LSTMState,
// which adds the cell state. A state's values are available once the graph
// that computes it has run.
type State interface {
	// Hidden returns the hidden-state nodes.
	Hidden() []*gorgonia.Node
	// BatchSize is N.
	BatchSize() int
	// Detach returns a value-identical state made of fresh input nodes in g,
	// with no computation history behind them. g is usually the graph of the
	// next batch; nil keeps the nodes in the graph that produced s.
	Detach(g *gorgonia.ExprGraph) (State, error)
	// Tensor copies the hidden state into a [layers*directions, N, H] tensor.
	Tensor() (*tensor.Dense, error)
}

// HiddenState is the state of GRU and simple RNN encoders.
type HiddenState struct {
	H []*gorgonia.Node

	hv []gorgonia.Value
}

// LSTMState is the state of LSTM encoders.
type LSTMState struct {
	H, C []*gorgonia.Node

	hv, cv []gorgonia.Value
}

func (s *HiddenState) Hidden() []*gorgonia.Node { return s.H }
func (s *HiddenState) BatchSize() int           { return batchOf(s.H) }

func (s *HiddenState) Detach(g *gorgonia.ExprGraph) (State, error) {
	h, err := detachNodes(g, s.H, s.hv, "h_detached")
	if err != nil {
		return nil, err
	}
	return &HiddenState{H: h}, nil
}

func (s *HiddenState) Tensor() (*tensor.Dense, error) { return stack(s.H, s.hv) }

func (s *HiddenState) watch() { s.hv = watchNodes(s.H) }

func (s *LSTMState) Hidden() []*gorgonia.Node { return s.H }
func (s *LSTMState) BatchSize() int           { return batchOf(s.H) }

func (s *LSTMState) Detach(g *gorgonia.ExprGraph) (State, error) {
	h, err := detachNodes(g, s.H, s.hv, "h_detached")
	if err != nil {
		return nil, err
	}
	c, err := detachNodes(g, s.C, s.cv, "c_detached")
	if err != nil {
		return nil, err
	}
	return &LSTMState{H: h, C: c}, nil
}

func (s *LSTMState) Tensor() (*tensor.Dense, error) { return stack(s.H, s.hv) }

// CellTensor copies the cell state into a [layers*directions, N, H] tensor.
func (s *LSTMState) CellTensor() (*tensor.Dense, error) { return stack(s.C, s.cv) }

func (s *LSTMState) watch() {
	s.hv = watchNodes(s.H)
	s.cv = watchNodes(s.C)
}

// zeroState builds a zero state for a batch of n rows.
func zeroState(g *gorgonia.ExprGraph, cell CellType, slots, n, hidden int) State {
	zeros := func(prefix string) []*gorgonia.Node {
		nodes := make([]*gorgonia.Node, slots)
		for i := range nodes {
			nodes[i] = constant(g, prefix, n, hidden, make([]float32, n*hidden))
		}
		return nodes
	}
	if cell == LSTM {
		return &LSTMState{H: zeros("h0"), C: zeros("c0")}
	}
	return &HiddenState{H: zeros("h0")}
}

// checkState verifies that s lives in g and fits an encoder with the given
// cell type, slot count, batch size and hidden width.
func checkState(g *gorgonia.ExprGraph, s State, cell CellType, slots, n, hidden int) error {
	var groups [][]*gorgonia.Node
	switch st := s.(type) {
	case *LSTMState:
		if cell != LSTM {
			return inputErrorf("%v encoder given an LSTM state", cell)
		}
		groups = [][]*gorgonia.Node{st.H, st.C}
	case *HiddenState:
		if cell == LSTM {
			return inputErrorf("LSTM encoder needs a state with a cell component")
		}
		groups = [][]*gorgonia.Node{st.H}
	default:
		return inputErrorf("unsupported state type %T", s)
	}
	for _, nodes := range groups {
		if len(nodes) != slots {
			return inputErrorf("state has %d slots, encoder needs %d (layers x directions)", len(nodes), slots)
		}
		for i, node := range nodes {
			if node.Graph() != g {
				return inputErrorf("state slot %d belongs to another graph: detach it into this one first", i)
			}
			shape := node.Shape()
			if len(shape) != 2 || shape[0] != n || shape[1] != hidden {
				return inputErrorf("state slot %d has shape %v, want (%d, %d) for the current batch", i, shape, n, hidden)
			}
		}
	}
	return nil
}

func batchOf(nodes []*gorgonia.Node) int {
	if len(nodes) == 0 {
		return 0
	}
	return nodes[0].Shape()[0]
}

func watchNodes(nodes []*gorgonia.Node) []gorgonia.Value {
	vals := make([]gorgonia.Value, len(nodes))
	for i, n := range nodes {
		gorgonia.Read(n, &vals[i])
	}
	return vals
}

// valueAt returns the value read for nodes[i] if it was watched, else the
// value bound to the node.
func valueAt(nodes []*gorgonia.Node, read []gorgonia.Value, i int) (*tensor.Dense, error) {
	var v gorgonia.Value
	if i < len(read) {
		v = read[i]
	}
	if v == nil {
		v = nodes[i].Value()
	}
	if v == nil {
		return nil, inputErrorf("state slot %d has no value: run the graph first", i)
	}
	d, ok := v.(*tensor.Dense)
	if !ok {
		return nil, inputErrorf("state slot %d holds %T, not a dense tensor", i, v)
	}
	return d, nil
}

func detachNodes(g *gorgonia.ExprGraph, nodes []*gorgonia.Node, read []gorgonia.Value, prefix string) ([]*gorgonia.Node, error) {
	out := make([]*gorgonia.Node, len(nodes))
	for i, n := range nodes {
		v, err := valueAt(nodes, read, i)
		if err != nil {
			return nil, err
		}
		dst := g
		if dst == nil {
			dst = n.Graph()
		}
		out[i] = gorgonia.NewMatrix(dst, n.Dtype(),
			gorgonia.WithShape(n.Shape()...),
			gorgonia.WithName(uniqueName(prefix)),
			gorgonia.WithValue(v.Clone().(*tensor.Dense)))
	}
	return out, nil
}

func stack(nodes []*gorgonia.Node, read []gorgonia.Value) (*tensor.Dense, error) {
	if len(nodes) == 0 {
		return nil, inputErrorf("empty state")
	}
	vals := make([]tensor.Tensor, len(nodes))
	for i := range nodes {
		v, err := valueAt(nodes, read, i)
		if err != nil {
			return nil, err
		}
		vals[i] = v.Clone().(*tensor.Dense)
	}
	out, err := tensor.Stack(0, vals[0], vals[1:]...)
	if err != nil {
		return nil, errors.Wrap(err, "stacking state")
	}
	d := out.(*tensor.Dense)
	// A single slot comes back unstacked.
	shape := nodes[0].Shape()
	if err := d.Reshape(len(nodes), shape[0], shape[1]); err != nil {
		return nil, errors.Wrap(err, "stacking state")
	}
	return d, nil
}
