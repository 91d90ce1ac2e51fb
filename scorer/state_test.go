package scorer

import (
	"testing"

	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/gorgonia"
)

const (
	stateBatch  = 2
	stateInput  = 3
	stateHidden = 4
	stateSteps  = 3
)

var stateLengths = []int{3, 2}

func gruParams() *ParamSet {
	ps := newParamSet()
	gates := GRU.gates() * stateHidden
	ps.add(rnnParamName("weight_ih", 0, 0), stateInput, gates)
	ps.add(rnnParamName("weight_hh", 0, 0), stateHidden, gates)
	ps.add(rnnParamName("bias_ih", 0, 0), 1, gates)
	ps.add(rnnParamName("bias_hh", 0, 0), 1, gates)
	for _, p := range ps.params {
		p.fill(gorgonia.Uniform(-0.5, 0.5))
	}
	return ps
}

// stepInputs adds deterministic [N, in] constants for every timestep.
func stepInputs(g *gorgonia.ExprGraph, offset int) []*gorgonia.Node {
	xs := make([]*gorgonia.Node, stateSteps)
	for t := range xs {
		data := make([]float32, stateBatch*stateInput)
		for i := range data {
			data[i] = float32((i+t*5+offset*11)%7)/7 - 0.4
		}
		xs[t] = constant(g, "x", stateBatch, stateInput, data)
	}
	return xs
}

// hiddenGrad returns d mean(pooled outputs of enc) / d weight_hh.
func hiddenGrad(t *testing.T, g *gorgonia.ExprGraph, b *Bound, enc *Encoded) []float32 {
	pooled := must.M1(MeanOverTime(enc.Outputs, enc.Lengths))
	cost := must.M1(gorgonia.Mean(pooled))
	whh := b.Node(rnnParamName("weight_hh", 0, 0))
	_, err := gorgonia.Grad(cost, whh)
	require.NoError(t, err)

	vm := gorgonia.NewTapeMachine(g, gorgonia.BindDualValues(whh))
	defer vm.Close()
	require.NoError(t, vm.RunAll())
	grad := must.M1(whh.Grad())
	return append([]float32(nil), grad.Data().([]float32)...)
}

func newGRU(t *testing.T, b *Bound) SequenceEncoder {
	enc, err := newEncoder(GRU, b, 1, 1, stateHidden, 0)
	require.NoError(t, err)
	return enc
}

func TestDetachedStateHasNoHistory(t *testing.T) {
	ps := gruParams()

	// Two chunks in one graph, the second seeded with the first's final state.
	twoChunks := func(detach bool) ([]float32, State) {
		g := gorgonia.NewGraph()
		b := ps.Bind(g)
		enc := newGRU(t, b)
		first := must.M1(enc.Encode(stepInputs(g, 0), stateLengths, nil, false))
		init := first.Final
		if detach {
			vm := gorgonia.NewTapeMachine(g)
			require.NoError(t, vm.RunAll())
			vm.Close()
			init = must.M1(first.Final.Detach(nil))

			before := must.M1(first.Final.Tensor())
			after := must.M1(init.Tensor())
			assert.Equal(t, before.Data(), after.Data(), "detached state must keep its values")
		}
		second := must.M1(enc.Encode(stepInputs(g, 1), stateLengths, init, false))
		return hiddenGrad(t, g, b, second), init
	}
	detached, state := twoChunks(true)
	attached, _ := twoChunks(false)

	// The second chunk alone, started from constants holding the same values.
	g := gorgonia.NewGraph()
	b := ps.Bind(g)
	values := must.M1(state.Tensor())
	seed := &HiddenState{H: []*gorgonia.Node{
		constant(g, "h", stateBatch, stateHidden, append([]float32(nil), values.Data().([]float32)...)),
	}}
	second := must.M1(newGRU(t, b).Encode(stepInputs(g, 1), stateLengths, seed, false))
	standalone := hiddenGrad(t, g, b, second)

	assert.InDeltaSlice(t, standalone, detached, 1e-6)

	maxDiff := float32(0)
	for i := range attached {
		d := attached[i] - standalone[i]
		if d < 0 {
			d = -d
		}
		maxDiff = max(maxDiff, d)
	}
	assert.Greater(t, maxDiff, float32(1e-6), "an attached state must carry gradient from the first chunk")
}

func TestDetachBeforeRunFails(t *testing.T) {
	ps := gruParams()
	g := gorgonia.NewGraph()
	enc := newGRU(t, ps.Bind(g))
	out := must.M1(enc.Encode(stepInputs(g, 0), stateLengths, nil, false))
	_, err := out.Final.Detach(nil)
	assert.True(t, errors.Is(err, ErrInvalidInput), "got %v", err)
}

func TestEncoderRejectsMismatchedState(t *testing.T) {
	ps := gruParams()
	g := gorgonia.NewGraph()
	enc := newGRU(t, ps.Bind(g))

	_, err := enc.Encode(stepInputs(g, 0), stateLengths, enc.ZeroState(g, stateBatch+1), false)
	assert.True(t, errors.Is(err, ErrInvalidInput), "batch size: %v", err)

	lstm := zeroState(g, LSTM, 1, stateBatch, stateHidden)
	_, err = enc.Encode(stepInputs(g, 0), stateLengths, lstm, false)
	assert.True(t, errors.Is(err, ErrInvalidInput), "variant: %v", err)

	slots := zeroState(g, GRU, 2, stateBatch, stateHidden)
	_, err = enc.Encode(stepInputs(g, 0), stateLengths, slots, false)
	assert.True(t, errors.Is(err, ErrInvalidInput), "slots: %v", err)

	_, err = enc.Encode(stepInputs(g, 0), []int{3, 0}, nil, false)
	assert.True(t, errors.Is(err, ErrInvalidInput), "lengths: %v", err)

	other := gorgonia.NewGraph()
	_, err = enc.Encode(stepInputs(g, 0), stateLengths, zeroState(other, GRU, 1, stateBatch, stateHidden), false)
	assert.True(t, errors.Is(err, ErrInvalidInput), "foreign graph: %v", err)
}

func TestEncoderFinalStateStopsAtLength(t *testing.T) {
	ps := gruParams()
	g := gorgonia.NewGraph()
	enc := newGRU(t, ps.Bind(g))
	out := must.M1(enc.Encode(stepInputs(g, 0), stateLengths, nil, false))
	out.Watch()
	vm := gorgonia.NewTapeMachine(g)
	defer vm.Close()
	require.NoError(t, vm.RunAll())

	outputs := must.M1(out.Tensor())
	final := must.M1(out.Final.Tensor())
	assert.Equal(t, []int{stateSteps, stateBatch, stateHidden}, []int(outputs.Shape()))
	assert.Equal(t, []int{1, stateBatch, stateHidden}, []int(final.Shape()))
	o := outputs.Data().([]float32)
	f := final.Data().([]float32)
	rowAt := func(t, i int) []float32 {
		start := (t*stateBatch + i) * stateHidden
		return o[start : start+stateHidden]
	}
	// Row 1 has length 2: its final state is its output at t=1 and its
	// output at the padded t=2 is zero.
	assert.Equal(t, rowAt(1, 1), f[stateHidden:2*stateHidden])
	assert.Equal(t, rowAt(2, 0), f[:stateHidden])
	assert.Equal(t, make([]float32, stateHidden), rowAt(2, 1))
}
