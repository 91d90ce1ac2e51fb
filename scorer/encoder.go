package scorer

import (
	"fmt"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// SequenceEncoder runs a (possibly stacked, possibly bidirectional)
// recurrent pass over a batch of variable-length sequences.
//
// Encode takes one [N, in] feature node per timestep and the true length of
// every row. Rows may come in any length order. Positions t >= lengths[i] do
// not touch row i's state and produce zero output, so padding never reaches
// pooled statistics or gradients of real tokens.
type SequenceEncoder interface {
	Encode(xs []*gorgonia.Node, lengths []int, init State, train bool) (*Encoded, error)
	ZeroState(g *gorgonia.ExprGraph, batchSize int) State
	Directions() int
	Hidden() int
}

// Encoded is the result of a SequenceEncoder pass.
type Encoded struct {
	// Outputs holds one [N, D*H] node per timestep. For bidirectional
	// encoders columns [0,H) are the forward pass and [H,2H) the backward one.
	Outputs    []*gorgonia.Node
	Lengths    []int
	Final      State
	Hidden     int
	Directions int

	outs []gorgonia.Value
}

// Watch makes the per-timestep outputs readable with Tensor after the graph
// runs. It must be called before the graph is compiled into a machine.
func (e *Encoded) Watch() {
	e.outs = watchNodes(e.Outputs)
}

// Tensor copies the outputs into a [M, N, D*H] tensor.
func (e *Encoded) Tensor() (*tensor.Dense, error) {
	return stack(e.Outputs, e.outs)
}

// rnnWeights are the parameters of one layer in one direction.
type rnnWeights struct {
	wih, whh, bih, bhh *gorgonia.Node
}

func rnnParamName(kind string, layer, dir int) string {
	name := fmt.Sprintf("rnn.%s_l%d", kind, layer)
	if dir == 1 {
		name += "_reverse"
	}
	return name
}

// stepFunc advances one layer/direction by one timestep. c is nil for cells
// without a cell state.
type stepFunc func(o *graphOps, x, h, c *gorgonia.Node, w rnnWeights) (hNew, cNew *gorgonia.Node)

// recurrent is the unrolling shared by all encoder implementations.
type recurrent struct {
	cell    CellType
	layers  int
	dirs    int
	hidden  int
	dropout float64
	weights [][]rnnWeights // [layer][direction]
}

func (r *recurrent) Directions() int { return r.dirs }
func (r *recurrent) Hidden() int     { return r.hidden }

func (r *recurrent) ZeroState(g *gorgonia.ExprGraph, batchSize int) State {
	return zeroState(g, r.cell, r.layers*r.dirs, batchSize, r.hidden)
}

func (r *recurrent) run(xs []*gorgonia.Node, lengths []int, init State, train bool, step stepFunc) (*Encoded, error) {
	if len(xs) == 0 {
		return nil, inputErrorf("no timesteps to encode")
	}
	g := xs[0].Graph()
	m, n := len(xs), xs[0].Shape()[0]
	if err := checkLengths(lengths, n, m); err != nil {
		return nil, err
	}
	slots := r.layers * r.dirs
	if init == nil {
		init = r.ZeroState(g, n)
	}
	if err := checkState(g, init, r.cell, slots, n, r.hidden); err != nil {
		return nil, err
	}
	h0 := init.Hidden()
	var c0 []*gorgonia.Node
	if st, ok := init.(*LSTMState); ok {
		c0 = st.C
	}

	keep := make([]*gorgonia.Node, m)
	hold := make([]*gorgonia.Node, m)
	for t, row := range mask(lengths, m) {
		inv := make([]float32, n)
		for i, v := range row {
			inv[i] = 1 - v
		}
		keep[t] = constant(g, "mask", n, 1, row)
		hold[t] = constant(g, "unmask", n, 1, inv)
	}

	o := &graphOps{}
	finalH := make([]*gorgonia.Node, slots)
	finalC := make([]*gorgonia.Node, slots)
	inputs := xs
	for l := 0; l < r.layers; l++ {
		if l > 0 && train && r.dropout > 0 {
			dropped := make([]*gorgonia.Node, m)
			for t, x := range inputs {
				dropped[t] = o.dropout(x, r.dropout)
			}
			inputs = dropped
		}

		outs := make([][]*gorgonia.Node, r.dirs)
		for d := 0; d < r.dirs; d++ {
			slot := l*r.dirs + d
			h := h0[slot]
			var c *gorgonia.Node
			if c0 != nil {
				c = c0[slot]
			}
			outs[d] = make([]*gorgonia.Node, m)
			for k := 0; k < m; k++ {
				t := k
				if d == 1 {
					t = m - 1 - k
				}
				hNew, cNew := step(o, inputs[t], h, c, r.weights[l][d])
				// Rows past their length keep the previous state.
				h = o.add(o.rowScale(hNew, keep[t]), o.rowScale(h, hold[t]))
				if c != nil {
					c = o.add(o.rowScale(cNew, keep[t]), o.rowScale(c, hold[t]))
				}
				outs[d][t] = o.rowScale(h, keep[t])
			}
			finalH[slot], finalC[slot] = h, c
		}

		layerOut := make([]*gorgonia.Node, m)
		for t := range layerOut {
			if r.dirs == 1 {
				layerOut[t] = outs[0][t]
			} else {
				layerOut[t] = o.concat(outs[0][t], outs[1][t])
			}
		}
		inputs = layerOut
	}
	if o.err != nil {
		return nil, o.err
	}

	var final State
	if r.cell == LSTM {
		st := &LSTMState{H: finalH, C: finalC}
		st.watch()
		final = st
	} else {
		st := &HiddenState{H: finalH}
		st.watch()
		final = st
	}
	return &Encoded{
		Outputs:    inputs,
		Lengths:    lengths,
		Final:      final,
		Hidden:     r.hidden,
		Directions: r.dirs,
	}, nil
}

// lstmEncoder uses gates (i, f, g, o) stacked in that order.
type lstmEncoder struct{ recurrent }

func (e *lstmEncoder) Encode(xs []*gorgonia.Node, lengths []int, init State, train bool) (*Encoded, error) {
	return e.run(xs, lengths, init, train, e.step)
}

func (e *lstmEncoder) step(o *graphOps, x, h, c *gorgonia.Node, w rnnWeights) (*gorgonia.Node, *gorgonia.Node) {
	hs := e.hidden
	gates := o.add(o.affine(x, w.wih, w.bih), o.affine(h, w.whh, w.bhh))
	in := o.sigmoid(o.cols(gates, 0, hs))
	forget := o.sigmoid(o.cols(gates, hs, 2*hs))
	cand := o.tanh(o.cols(gates, 2*hs, 3*hs))
	out := o.sigmoid(o.cols(gates, 3*hs, 4*hs))
	c = o.add(o.mul(forget, c), o.mul(in, cand))
	return o.mul(out, o.tanh(c)), c
}

// gruEncoder uses gates (r, z, n) stacked in that order.
type gruEncoder struct{ recurrent }

func (e *gruEncoder) Encode(xs []*gorgonia.Node, lengths []int, init State, train bool) (*Encoded, error) {
	return e.run(xs, lengths, init, train, e.step)
}

func (e *gruEncoder) step(o *graphOps, x, h, _ *gorgonia.Node, w rnnWeights) (*gorgonia.Node, *gorgonia.Node) {
	hs := e.hidden
	gi := o.affine(x, w.wih, w.bih)
	gh := o.affine(h, w.whh, w.bhh)
	reset := o.sigmoid(o.add(o.cols(gi, 0, hs), o.cols(gh, 0, hs)))
	update := o.sigmoid(o.add(o.cols(gi, hs, 2*hs), o.cols(gh, hs, 2*hs)))
	cand := o.tanh(o.add(o.cols(gi, 2*hs, 3*hs), o.mul(reset, o.cols(gh, 2*hs, 3*hs))))
	// (1-z)*n + z*h
	return o.add(cand, o.mul(update, o.sub(h, cand))), nil
}

// rnnEncoder is an Elman RNN with a tanh or relu nonlinearity.
type rnnEncoder struct {
	recurrent
	relu bool
}

func (e *rnnEncoder) Encode(xs []*gorgonia.Node, lengths []int, init State, train bool) (*Encoded, error) {
	return e.run(xs, lengths, init, train, e.step)
}

func (e *rnnEncoder) step(o *graphOps, x, h, _ *gorgonia.Node, w rnnWeights) (*gorgonia.Node, *gorgonia.Node) {
	pre := o.add(o.affine(x, w.wih, w.bih), o.affine(h, w.whh, w.bhh))
	if e.relu {
		return o.relu(pre), nil
	}
	return o.tanh(pre), nil
}

// newEncoder wires the recurrent parameters bound in b into the encoder for
// the given cell type.
func newEncoder(cell CellType, b *Bound, layers, dirs, hidden int, dropout float64) (SequenceEncoder, error) {
	r := recurrent{
		cell:    cell,
		layers:  layers,
		dirs:    dirs,
		hidden:  hidden,
		dropout: dropout,
		weights: make([][]rnnWeights, layers),
	}
	for l := range r.weights {
		r.weights[l] = make([]rnnWeights, dirs)
		for d := range r.weights[l] {
			w := rnnWeights{
				wih: b.Node(rnnParamName("weight_ih", l, d)),
				whh: b.Node(rnnParamName("weight_hh", l, d)),
				bih: b.Node(rnnParamName("bias_ih", l, d)),
				bhh: b.Node(rnnParamName("bias_hh", l, d)),
			}
			if w.wih == nil || w.whh == nil || w.bih == nil || w.bhh == nil {
				return nil, configErrorf("missing recurrent parameters for layer %d direction %d", l, d)
			}
			r.weights[l][d] = w
		}
	}

	switch cell {
	case LSTM:
		return &lstmEncoder{r}, nil
	case GRU:
		return &gruEncoder{r}, nil
	case RNNTanh:
		return &rnnEncoder{recurrent: r}, nil
	case RNNReLU:
		return &rnnEncoder{recurrent: r, relu: true}, nil
	}
	return nil, configErrorf("unsupported cell type %v", cell)
}
