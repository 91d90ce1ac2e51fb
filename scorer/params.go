package scorer

import (
	"strings"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
	"k8s.io/klog/v2"
)

// Param is a named, trainable tensor owned by a model.
type Param struct {
	Name   string
	Value  *tensor.Dense
	Frozen bool
}

// ParamSet is the ordered set of a model's parameters, keyed by stable
// component names such as "embedding.weight" or "rnn.weight_ih_l0_reverse".
type ParamSet struct {
	params []*Param
	byName map[string]*Param
}

func newParamSet() *ParamSet {
	return &ParamSet{byName: make(map[string]*Param)}
}

// add registers a zero-valued float32 parameter.
func (ps *ParamSet) add(name string, shape ...int) *Param {
	p := &Param{
		Name:  name,
		Value: tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(shape...)),
	}
	ps.params = append(ps.params, p)
	ps.byName[name] = p
	return p
}

// fill overwrites p with values drawn from init.
func (p *Param) fill(init gorgonia.InitWFn) {
	backing := init(tensor.Float32, p.Value.Shape()...).([]float32)
	copy(p.Value.Data().([]float32), backing)
}

// Get returns the parameter registered under name.
func (ps *ParamSet) Get(name string) (*Param, bool) {
	p, ok := ps.byName[name]
	return p, ok
}

// Names lists parameter names in registration order.
func (ps *ParamSet) Names() []string {
	names := make([]string, len(ps.params))
	for i, p := range ps.params {
		names[i] = p.Name
	}
	return names
}

// Len is the number of parameters.
func (ps *ParamSet) Len() int { return len(ps.params) }

// NumElements is the total number of scalars across all parameters.
func (ps *ParamSet) NumElements() int {
	n := 0
	for _, p := range ps.params {
		n += p.Value.Shape().TotalSize()
	}
	return n
}

// Set replaces the value of a parameter. The shape must match.
func (ps *ParamSet) Set(name string, v *tensor.Dense) error {
	p, ok := ps.byName[name]
	if !ok {
		return inputErrorf("unknown parameter %q", name)
	}
	if !p.Value.Shape().Eq(v.Shape()) {
		return inputErrorf("parameter %q has shape %v, got %v", name, p.Value.Shape(), v.Shape())
	}
	if v.Dtype() != tensor.Float32 {
		return inputErrorf("parameter %q must be float32, got %v", name, v.Dtype())
	}
	p.Value = v.Clone().(*tensor.Dense)
	return nil
}

// Freeze excludes every parameter whose name starts with prefix from
// training and returns how many were frozen.
func (ps *ParamSet) Freeze(prefix string) int {
	n := 0
	for _, p := range ps.params {
		if strings.HasPrefix(p.Name, prefix) && !p.Frozen {
			p.Frozen = true
			n++
			klog.V(1).Infof("Freezing parameter %s", p.Name)
		}
	}
	return n
}

// Frozen reports whether the named parameter is excluded from training.
func (ps *ParamSet) Frozen(name string) bool {
	p, ok := ps.byName[name]
	return ok && p.Frozen
}

// Bind creates one node per parameter in g, each holding a copy of the
// current value. Nodes are named after their parameter, so a ParamSet can be
// bound at most once per graph.
func (ps *ParamSet) Bind(g *gorgonia.ExprGraph) *Bound {
	b := &Bound{ps: ps, nodes: make(map[string]*gorgonia.Node, len(ps.params))}
	for _, p := range ps.params {
		b.nodes[p.Name] = gorgonia.NewMatrix(g, tensor.Float32,
			gorgonia.WithShape(p.Value.Shape()...),
			gorgonia.WithName(p.Name),
			gorgonia.WithValue(p.Value.Clone().(*tensor.Dense)))
	}
	return b
}

// Bound is a ParamSet bound into one expression graph.
type Bound struct {
	ps    *ParamSet
	nodes map[string]*gorgonia.Node
}

// Node returns the graph node of the named parameter, nil if there is none.
func (b *Bound) Node(name string) *gorgonia.Node {
	return b.nodes[name]
}

// Learnables returns the nodes of all parameters that are not frozen, in
// registration order.
func (b *Bound) Learnables() gorgonia.Nodes {
	nodes := make(gorgonia.Nodes, 0, len(b.ps.params))
	for _, p := range b.ps.params {
		if !p.Frozen {
			nodes = append(nodes, b.nodes[p.Name])
		}
	}
	return nodes
}

// Commit copies the node values of non-frozen parameters back into the
// ParamSet, typically after an optimizer step.
func (b *Bound) Commit() error {
	for _, p := range b.ps.params {
		if p.Frozen {
			continue
		}
		d, ok := b.nodes[p.Name].Value().(*tensor.Dense)
		if !ok {
			return inputErrorf("parameter %q has no dense value to commit", p.Name)
		}
		copy(p.Value.Data().([]float32), d.Data().([]float32))
	}
	return nil
}
