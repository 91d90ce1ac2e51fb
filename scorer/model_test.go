package scorer

import (
	"fmt"
	"math"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// tokens returns a deterministic sequence of n ids in [1, vocab).
func tokens(n, vocab, offset int) []int {
	ids := make([]int, n)
	for i := range ids {
		ids[i] = 1 + (i*7+offset*3)%(vocab-1)
	}
	return ids
}

func TestNewRegistersParameters(t *testing.T) {
	c := tinyConfig()
	c.RNNType = "GRU"
	c.RNNLayers = 2
	c.Bidirectional = true
	c.InitialMeanValue = VectorPrior(0.3, 0.7)
	m := must.M1(New(c))

	assert.Equal(t, "BREGP", m.Name())
	assert.Equal(t, GRU, m.CellType())
	assert.Equal(t, 2, m.Directions())
	assert.Equal(t, 2, m.Outputs())

	shapes := map[string]tensor.Shape{
		EmbeddingWeight:            {20, 4},
		ConvWeight:                 {12, 5},
		ConvBias:                   {1, 5},
		"rnn.weight_ih_l0":         {5, 9},
		"rnn.weight_hh_l0_reverse": {3, 9},
		"rnn.weight_ih_l1":         {6, 9},
		"rnn.bias_hh_l1_reverse":   {1, 9},
		LinearWeight:               {6, 2},
		LinearBias:                 {1, 2},
	}
	for name, shape := range shapes {
		p, ok := m.Params().Get(name)
		require.True(t, ok, name)
		assert.Equal(t, shape, p.Value.Shape(), name)
	}
	// 3 shared + 2 layers x 2 directions x 4 recurrent + 2 head.
	assert.Equal(t, 21, m.Params().Len())

	emb, _ := m.Params().Get(EmbeddingWeight)
	assert.Equal(t, []float32{0, 0, 0, 0}, emb.Value.Data().([]float32)[:4], "padding row must start at zero")
}

func TestPredictAllCells(t *testing.T) {
	b := must.M1(NewBatch([][]int{tokens(5, 20, 0), tokens(2, 20, 1), tokens(8, 20, 2)}))
	for _, cell := range []string{"LSTM", "GRU", "RNN_TANH", "RNN_RELU"} {
		for _, bidir := range []bool{false, true} {
			t.Run(fmt.Sprintf("%s/bidirectional=%v", cell, bidir), func(t *testing.T) {
				c := tinyConfig()
				c.RNNType = cell
				c.Bidirectional = bidir
				c.RNNLayers = 2
				m := must.M1(New(c))
				scores := must.M1(m.Predict(b))
				assert.Equal(t, 3, scores.N)
				assert.Equal(t, 1, scores.K)
				for _, v := range scores.Values {
					assert.True(t, v > 0 && v < 1, "score %f outside (0,1)", v)
				}
				squeezed := must.M1(scores.Squeeze())
				assert.Len(t, squeezed, 3)
			})
		}
	}
}

func TestPredictIsOrderIndependent(t *testing.T) {
	seqs := [][]int{tokens(5, 20, 0), tokens(2, 20, 1), tokens(8, 20, 2)}
	perm := []int{2, 0, 1}
	permuted := make([][]int, len(seqs))
	for i, j := range perm {
		permuted[i] = seqs[j]
	}

	for _, bidir := range []bool{false, true} {
		c := tinyConfig()
		c.Bidirectional = bidir
		m := must.M1(New(c))
		a := must.M1(m.Predict(must.M1(NewBatch(seqs))))
		b := must.M1(m.Predict(must.M1(NewBatch(permuted))))
		for i, j := range perm {
			assert.InDelta(t, a.At(j, 0), b.At(i, 0), 1e-5, "bidirectional=%v sequence %d", bidir, j)
		}
	}
}

func TestPredictIgnoresPadding(t *testing.T) {
	short := tokens(3, 20, 4)
	for _, bidir := range []bool{false, true} {
		c := tinyConfig()
		c.Bidirectional = bidir
		c.RNNLayers = 2
		m := must.M1(New(c))
		alone := must.M1(m.Predict(must.M1(NewBatch([][]int{short, tokens(3, 20, 5)}))))
		padded := must.M1(m.Predict(must.M1(NewBatch([][]int{short, tokens(9, 20, 6)}))))
		assert.InDelta(t, alone.At(0, 0), padded.At(0, 0), 1e-5, "bidirectional=%v", bidir)
	}
}

func TestPredictRejectsShortSequences(t *testing.T) {
	c := tinyConfig()
	c.CNNPadSize = 0
	m := must.M1(New(c))
	_, err := m.Predict(must.M1(NewBatch([][]int{{1, 2, 3}, {4, 5}})))
	assert.True(t, errors.Is(err, ErrInvalidInput), "got %v", err)

	_, err = m.Predict(must.M1(NewBatch([][]int{{1, 2, 3}, {4, 25, 6}})))
	assert.True(t, errors.Is(err, ErrInvalidInput), "got %v", err)
}

func TestPredictDoesNotChangeParameters(t *testing.T) {
	m := must.M1(New(tinyConfig()))
	before := make(map[string][]float32)
	for _, name := range m.Params().Names() {
		p, _ := m.Params().Get(name)
		before[name] = append([]float32(nil), p.Value.Data().([]float32)...)
	}
	b := must.M1(NewBatch([][]int{tokens(4, 20, 0), tokens(6, 20, 1)}))
	first := must.M1(m.Predict(b))
	second := must.M1(m.Predict(b))
	assert.Equal(t, first.Values, second.Values)
	for name, want := range before {
		p, _ := m.Params().Get(name)
		assert.Equal(t, want, p.Value.Data(), name)
	}
}

func TestBiasFromPrior(t *testing.T) {
	zeroHead := func(m *Model) {
		w, _ := m.Params().Get(LinearWeight)
		require.NoError(t, m.Params().Set(LinearWeight,
			tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(w.Value.Shape()...))))
	}
	b := must.M1(NewBatch([][]int{tokens(4, 20, 0), tokens(6, 20, 1)}))

	c := tinyConfig()
	c.InitialMeanValue = ScalarPrior(0.5)
	m := must.M1(New(c))
	bias, _ := m.Params().Get(LinearBias)
	assert.InDelta(t, 0, bias.Value.Data().([]float32)[0], 1e-7)
	zeroHead(m)
	scores := must.M1(m.Predict(b))
	for _, v := range scores.Values {
		assert.InDelta(t, 0.5, v, 1e-6)
	}

	c.InitialMeanValue = VectorPrior(0.2, 0, 0.9)
	m = must.M1(New(c))
	assert.Equal(t, 3, m.Outputs())
	bias, _ = m.Params().Get(LinearBias)
	got := bias.Value.Data().([]float32)
	assert.InDelta(t, -1.3862944, got[0], 1e-5)
	assert.Equal(t, float32(0), got[1])
	assert.InDelta(t, math.Log(9), got[2], 1e-5)
	zeroHead(m)
	scores = must.M1(m.Predict(b))
	assert.Equal(t, 3, scores.K)
	assert.InDelta(t, 0.2, scores.At(1, 0), 1e-5)
	assert.InDelta(t, 0.5, scores.At(1, 1), 1e-5)
	assert.InDelta(t, 0.9, scores.At(1, 2), 1e-5)
	_, err := scores.Squeeze()
	assert.Error(t, err)

	c.SkipInitBias = true
	m = must.M1(New(c))
	bias, _ = m.Params().Get(LinearBias)
	assert.Equal(t, []float32{0, 0, 0}, bias.Value.Data())
}

func TestPretrainedEmbeddingIsKept(t *testing.T) {
	c := tinyConfig()
	table := make([]float32, 20*4)
	for i := range table {
		table[i] = float32(i) / 100
	}
	c.VocabSize, c.EmbDim = 0, 0
	c.EmbeddingPre = tensor.New(tensor.WithShape(20, 4), tensor.WithBacking(table))
	m := must.M1(New(c))
	emb, _ := m.Params().Get(EmbeddingWeight)
	assert.Equal(t, table, emb.Value.Data())
}

func TestBuildWithState(t *testing.T) {
	c := tinyConfig()
	c.Bidirectional = true
	m := must.M1(New(c))
	b := must.M1(NewBatch([][]int{tokens(4, 20, 0), tokens(6, 20, 1)}))

	g := gorgonia.NewGraph()
	_, err := m.Build(g, b, m.ZeroState(g, 3), false)
	assert.True(t, errors.Is(err, ErrInvalidInput), "batch size mismatch: %v", err)

	g = gorgonia.NewGraph()
	wrong := zeroState(g, GRU, 2, 2, c.HiddenSize)
	_, err = m.Build(g, b, wrong, false)
	assert.True(t, errors.Is(err, ErrInvalidInput), "GRU state for an LSTM: %v", err)

	g = gorgonia.NewGraph()
	f := must.M1(m.Build(g, b, m.ZeroState(g, 2), false))
	vm := gorgonia.NewTapeMachine(g)
	defer vm.Close()
	require.NoError(t, vm.RunAll())

	scores := must.M1(f.Result())
	assert.Equal(t, 2, scores.N)
	pooled := must.M1(f.PooledTensor())
	assert.Equal(t, tensor.Shape{2, 6}, pooled.Shape())

	final := must.M1(f.Encoded.Final.Tensor())
	assert.Equal(t, tensor.Shape{2, 2, 3}, final.Shape())
	_, isLSTM := f.Encoded.Final.(*LSTMState)
	assert.True(t, isLSTM)
	assert.Equal(t, 2, f.Encoded.Final.BatchSize())
}

func TestStateCarriesAcrossBatches(t *testing.T) {
	c := tinyConfig()
	c.Bidirectional = true
	m := must.M1(New(c))
	first := must.M1(NewBatch([][]int{tokens(4, 20, 0), tokens(6, 20, 1)}))
	second := must.M1(NewBatch([][]int{tokens(5, 20, 2), tokens(3, 20, 3)}))

	g1 := gorgonia.NewGraph()
	f1 := must.M1(m.Build(g1, first, nil, false))
	vm := gorgonia.NewTapeMachine(g1)
	require.NoError(t, vm.RunAll())
	vm.Close()

	g2 := gorgonia.NewGraph()
	_, err := m.Build(g2, second, f1.Encoded.Final, false)
	assert.True(t, errors.Is(err, ErrInvalidInput), "state from another graph: %v", err)

	run := func(seed func(g *gorgonia.ExprGraph) State) []float32 {
		g := gorgonia.NewGraph()
		f := must.M1(m.Build(g, second, seed(g), false))
		vm := gorgonia.NewTapeMachine(g)
		defer vm.Close()
		require.NoError(t, vm.RunAll())
		return must.M1(f.Result()).Values
	}
	carried := run(func(g *gorgonia.ExprGraph) State {
		return must.M1(f1.Encoded.Final.Detach(g))
	})

	// The same values entered as plain constants.
	final := f1.Encoded.Final.(*LSTMState)
	h := must.M1(final.Tensor())
	cell := must.M1(final.CellTensor())
	rebuilt := run(func(g *gorgonia.ExprGraph) State {
		slots := func(d *tensor.Dense, prefix string) []*gorgonia.Node {
			data := d.Data().([]float32)
			size := 2 * c.HiddenSize
			nodes := make([]*gorgonia.Node, d.Shape()[0])
			for i := range nodes {
				nodes[i] = constant(g, prefix, 2, c.HiddenSize, append([]float32(nil), data[i*size:(i+1)*size]...))
			}
			return nodes
		}
		return &LSTMState{H: slots(h, "h"), C: slots(cell, "c")}
	})
	zero := run(func(g *gorgonia.ExprGraph) State { return m.ZeroState(g, 2) })

	assert.InDeltaSlice(t, rebuilt, carried, 1e-6)
	assert.NotEqual(t, zero, carried, "the carried state must reach the second batch")
}
