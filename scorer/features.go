package scorer

import (
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// embedStep gathers the table rows for the tokens of timestep t. Padding
// positions and token 0 are scaled to zero after the gather, so they embed to
// zero and the padding row never receives gradient.
func embedStep(o *graphOps, table *gorgonia.Node, ids, lengths []int, t int) *gorgonia.Node {
	if o.err != nil {
		return nil
	}
	g := table.Graph()
	n := len(ids)
	rows := make([]int, n)
	keep := make([]float32, n)
	for i, id := range ids {
		if t < lengths[i] && id != 0 {
			rows[i] = id
			keep[i] = 1
		}
	}
	idx := gorgonia.NewTensor(g, tensor.Int, 1,
		gorgonia.WithShape(n),
		gorgonia.WithName(uniqueName("ids")),
		gorgonia.WithValue(tensor.New(tensor.WithShape(n), tensor.WithBacking(rows))))
	gathered := o.do(func() (*gorgonia.Node, error) { return gorgonia.ByIndices(table, idx, 0) })
	return o.rowScale(gathered, constant(g, "embmask", n, 1, keep))
}

// convGeometry describes a full-width 1-D convolution over time.
type convGeometry struct {
	window, stride, pad int
}

// outLen is the number of output positions for an input of length m.
func (c convGeometry) outLen(m int) int {
	span := m + 2*c.pad - c.window
	if span < 0 {
		return 0
	}
	return span/c.stride + 1
}

// lengths recomputes true lengths after the convolution.
func (c convGeometry) lengths(lengths []int) ([]int, error) {
	out := make([]int, len(lengths))
	for i, l := range lengths {
		out[i] = c.outLen(l)
		if out[i] < 1 {
			return nil, inputErrorf("sequence %d of length %d is shorter than the convolution window %d (padding %d)",
				i, l, c.window, c.pad)
		}
	}
	return out, nil
}

// convolve slides the window over xs ([N, E] per timestep) and returns one
// [N, F] feature node per output position. Output position p reads input
// positions p*stride-pad+w for w in [0, window); positions outside the
// sequence read zeros.
func (c convGeometry) convolve(o *graphOps, xs []*gorgonia.Node, weight, bias *gorgonia.Node) []*gorgonia.Node {
	if o.err != nil {
		return nil
	}
	m := len(xs)
	mOut := c.outLen(m)
	if mOut < 1 {
		o.err = inputErrorf("%d positions are fewer than the convolution window %d (padding %d)", m, c.window, c.pad)
		return nil
	}
	n, e := xs[0].Shape()[0], xs[0].Shape()[1]

	var zero *gorgonia.Node
	outs := make([]*gorgonia.Node, mOut)
	for p := range outs {
		parts := make([]*gorgonia.Node, c.window)
		for w := range parts {
			s := p*c.stride - c.pad + w
			if s >= 0 && s < m {
				parts[w] = xs[s]
				continue
			}
			if zero == nil {
				zero = constant(weight.Graph(), "convpad", n, e, make([]float32, n*e))
			}
			parts[w] = zero
		}
		outs[p] = o.affine(o.concat(parts...), weight, bias)
	}
	return outs
}
