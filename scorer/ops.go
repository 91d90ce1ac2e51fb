package scorer

import (
	"fmt"
	"sync/atomic"

	"gonum.org/v1/gonum/stat/distuv"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

var constSeq atomic.Uint64

// uniqueName returns a graph-unique node name. Gorgonia merges input nodes
// that share a name and shape, so every constant needs its own.
func uniqueName(prefix string) string {
	return fmt.Sprintf("%s#%d", prefix, constSeq.Add(1))
}

// constant adds a float32 [rows, cols] input node holding data.
func constant(g *gorgonia.ExprGraph, prefix string, rows, cols int, data []float32) *gorgonia.Node {
	v := tensor.New(tensor.WithShape(rows, cols), tensor.WithBacking(data))
	return gorgonia.NewMatrix(g, tensor.Float32,
		gorgonia.WithShape(rows, cols),
		gorgonia.WithName(uniqueName(prefix)),
		gorgonia.WithValue(v))
}

// graphOps chains gorgonia operations and keeps the first error. Once an
// error is recorded every further call returns nil.
type graphOps struct {
	err error
}

func (o *graphOps) do(fn func() (*gorgonia.Node, error)) *gorgonia.Node {
	if o.err != nil {
		return nil
	}
	n, err := fn()
	if err != nil {
		o.err = err
		return nil
	}
	return n
}

func (o *graphOps) add(a, b *gorgonia.Node) *gorgonia.Node {
	return o.do(func() (*gorgonia.Node, error) { return gorgonia.Add(a, b) })
}

func (o *graphOps) sub(a, b *gorgonia.Node) *gorgonia.Node {
	return o.do(func() (*gorgonia.Node, error) { return gorgonia.Sub(a, b) })
}

func (o *graphOps) mul(a, b *gorgonia.Node) *gorgonia.Node {
	return o.do(func() (*gorgonia.Node, error) { return gorgonia.HadamardProd(a, b) })
}

// affine computes x·w + b with b shaped [1, cols].
func (o *graphOps) affine(x, w, b *gorgonia.Node) *gorgonia.Node {
	xw := o.do(func() (*gorgonia.Node, error) { return gorgonia.Mul(x, w) })
	return o.do(func() (*gorgonia.Node, error) { return gorgonia.BroadcastAdd(xw, b, nil, []byte{0}) })
}

// rowScale multiplies every row i of x [N, C] by s[i], with s shaped [N, 1].
func (o *graphOps) rowScale(x, s *gorgonia.Node) *gorgonia.Node {
	return o.do(func() (*gorgonia.Node, error) { return gorgonia.BroadcastHadamardProd(x, s, nil, []byte{1}) })
}

// rowDiv divides every row i of x [N, C] by s[i], with s shaped [N, 1].
func (o *graphOps) rowDiv(x, s *gorgonia.Node) *gorgonia.Node {
	return o.do(func() (*gorgonia.Node, error) { return gorgonia.BroadcastHadamardDiv(x, s, nil, []byte{1}) })
}

// cols slices columns [lo, hi) of a matrix.
func (o *graphOps) cols(x *gorgonia.Node, lo, hi int) *gorgonia.Node {
	return o.do(func() (*gorgonia.Node, error) { return gorgonia.Slice(x, nil, gorgonia.S(lo, hi)) })
}

func (o *graphOps) concat(nodes ...*gorgonia.Node) *gorgonia.Node {
	if len(nodes) == 1 {
		return nodes[0]
	}
	return o.do(func() (*gorgonia.Node, error) { return gorgonia.Concat(1, nodes...) })
}

func (o *graphOps) sigmoid(x *gorgonia.Node) *gorgonia.Node {
	return o.do(func() (*gorgonia.Node, error) { return gorgonia.Sigmoid(x) })
}

func (o *graphOps) tanh(x *gorgonia.Node) *gorgonia.Node {
	return o.do(func() (*gorgonia.Node, error) { return gorgonia.Tanh(x) })
}

func (o *graphOps) relu(x *gorgonia.Node) *gorgonia.Node {
	return o.do(func() (*gorgonia.Node, error) { return gorgonia.Rectify(x) })
}

// dropout zeroes each element of the matrix x with probability p and scales
// the survivors by 1/(1-p). The mask is drawn once, when the graph is built,
// and enters as a constant, so the gradient is scaled the same way.
func (o *graphOps) dropout(x *gorgonia.Node, p float64) *gorgonia.Node {
	if o.err != nil {
		return nil
	}
	shape := x.Shape()
	keep := distuv.Bernoulli{P: 1 - p}
	scale := float32(1 / (1 - p))
	m := make([]float32, shape.TotalSize())
	for i := range m {
		if keep.Rand() == 1 {
			m[i] = scale
		}
	}
	return o.mul(x, constant(x.Graph(), "dropmask", shape[0], shape[1], m))
}
