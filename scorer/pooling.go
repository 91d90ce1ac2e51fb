package scorer

import (
	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// MeanOverTime pools per-timestep [N, H] nodes into one [N, H] node whose
// row i is the arithmetic mean of seq[t] row i over t < lengths[i].
// Positions past a row's length are multiplied by zero before summing, so
// they must hold finite values. Encoder outputs are zero there already.
func MeanOverTime(seq []*gorgonia.Node, lengths []int) (*gorgonia.Node, error) {
	if len(seq) == 0 {
		return nil, inputErrorf("no timesteps to pool")
	}
	g := seq[0].Graph()
	n := seq[0].Shape()[0]
	if err := checkLengths(lengths, n, len(seq)); err != nil {
		return nil, err
	}
	longest := 0
	denom := make([]float32, n)
	for i, l := range lengths {
		denom[i] = float32(l)
		if l > longest {
			longest = l
		}
	}

	o := &graphOps{}
	masks := mask(lengths, longest)
	var sum *gorgonia.Node
	for t := 0; t < longest; t++ {
		term := o.rowScale(seq[t], constant(g, "poolmask", n, 1, masks[t]))
		if sum == nil {
			sum = term
		} else {
			sum = o.add(sum, term)
		}
	}
	mean := o.rowDiv(sum, constant(g, "poollen", n, 1, denom))
	if o.err != nil {
		return nil, o.err
	}
	return mean, nil
}

// MergeDirections pools the outputs of a bidirectional encoder. Each [N, 2H]
// step is split into its forward half (columns [0,H)) and backward half
// (columns [H,2H)); the halves are pooled independently and concatenated
// forward first.
func MergeDirections(seq []*gorgonia.Node, lengths []int, hidden int) (*gorgonia.Node, error) {
	if len(seq) == 0 {
		return nil, inputErrorf("no timesteps to pool")
	}
	if w := seq[0].Shape()[1]; w != 2*hidden {
		return nil, inputErrorf("bidirectional output has width %d, want %d", w, 2*hidden)
	}
	o := &graphOps{}
	fwd := make([]*gorgonia.Node, len(seq))
	bwd := make([]*gorgonia.Node, len(seq))
	for t, x := range seq {
		fwd[t] = o.cols(x, 0, hidden)
		bwd[t] = o.cols(x, hidden, 2*hidden)
	}
	if o.err != nil {
		return nil, o.err
	}
	pf, err := MeanOverTime(fwd, lengths)
	if err != nil {
		return nil, err
	}
	pb, err := MeanOverTime(bwd, lengths)
	if err != nil {
		return nil, err
	}
	merged := o.concat(pf, pb)
	if o.err != nil {
		return nil, o.err
	}
	return merged, nil
}

// MaskedMean is the tensor form of MeanOverTime: seq is [M, N, H] float32,
// the result is [N, H]. Only positions t < lengths[i] are read for row i, so
// padding may hold any value.
func MaskedMean(seq *tensor.Dense, lengths []int) (*tensor.Dense, error) {
	m, n, h, err := seqDims(seq)
	if err != nil {
		return nil, err
	}
	if err := checkLengths(lengths, n, m); err != nil {
		return nil, err
	}
	rows := make([]tensor.Tensor, n)
	for i, l := range lengths {
		view, err := seq.Slice(gorgonia.S(0, l), gorgonia.S(i))
		if err != nil {
			return nil, errors.Wrapf(err, "slicing sequence %d", i)
		}
		steps, err := materialize(view, l, h)
		if err != nil {
			return nil, err
		}
		sum, err := steps.Sum(0)
		if err != nil {
			return nil, errors.Wrapf(err, "summing sequence %d", i)
		}
		mean, err := sum.DivScalar(float32(l), true)
		if err != nil {
			return nil, errors.Wrapf(err, "averaging sequence %d", i)
		}
		if err := mean.Reshape(1, h); err != nil {
			return nil, errors.Wrapf(err, "averaging sequence %d", i)
		}
		rows[i] = mean
	}
	return concatDense(0, rows)
}

// SplitDirections splits a [M, N, 2H] bidirectional output into its forward
// and backward [M, N, H] halves.
func SplitDirections(seq *tensor.Dense) (fwd, bwd *tensor.Dense, err error) {
	m, n, w, err := seqDims(seq)
	if err != nil {
		return nil, nil, err
	}
	if w%2 != 0 {
		return nil, nil, inputErrorf("bidirectional output has odd width %d", w)
	}
	h := w / 2
	half := func(lo, hi int) (*tensor.Dense, error) {
		view, err := seq.Slice(nil, nil, gorgonia.S(lo, hi))
		if err != nil {
			return nil, errors.Wrap(err, "splitting directions")
		}
		return materialize(view, m, n, h)
	}
	if fwd, err = half(0, h); err != nil {
		return nil, nil, err
	}
	if bwd, err = half(h, w); err != nil {
		return nil, nil, err
	}
	return fwd, bwd, nil
}

// MergeDirectional is the tensor form of MergeDirections: [M, N, 2H] in,
// [N, 2H] out, forward half first.
func MergeDirectional(seq *tensor.Dense, lengths []int) (*tensor.Dense, error) {
	fwd, bwd, err := SplitDirections(seq)
	if err != nil {
		return nil, err
	}
	pf, err := MaskedMean(fwd, lengths)
	if err != nil {
		return nil, err
	}
	pb, err := MaskedMean(bwd, lengths)
	if err != nil {
		return nil, err
	}
	return concatDense(1, []tensor.Tensor{pf, pb})
}

func seqDims(seq *tensor.Dense) (m, n, h int, err error) {
	shape := seq.Shape()
	if len(shape) != 3 {
		return 0, 0, 0, inputErrorf("sequence tensor must be [time, batch, features], got shape %v", shape)
	}
	if seq.Dtype() != tensor.Float32 {
		return 0, 0, 0, inputErrorf("sequence tensor must be float32, got %v", seq.Dtype())
	}
	return shape[0], shape[1], shape[2], nil
}

// materialize copies a view into a fresh tensor of the given shape. Slicing
// drops size-one axes, so the shape is restored explicitly.
func materialize(v tensor.View, shape ...int) (*tensor.Dense, error) {
	d, ok := tensor.Materialize(v).(*tensor.Dense)
	if !ok {
		return nil, errors.Errorf("cannot copy a %T view", v)
	}
	if err := d.Reshape(shape...); err != nil {
		return nil, errors.Wrap(err, "restoring sliced shape")
	}
	return d, nil
}

func concatDense(axis int, parts []tensor.Tensor) (*tensor.Dense, error) {
	out, err := tensor.Concat(axis, parts[0], parts[1:]...)
	if err != nil {
		return nil, errors.Wrap(err, "concatenating")
	}
	return out.(*tensor.Dense), nil
}
