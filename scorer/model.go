package scorer

import (
	"math"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
	"k8s.io/klog/v2"
)

// Stable parameter names. Recurrent parameters are named by rnnParamName.
const (
	EmbeddingWeight = "embedding.weight"
	ConvWeight      = "conv.weight"
	ConvBias        = "conv.bias"
	LinearWeight    = "linear.weight"
	LinearBias      = "linear.bias"
)

// Model scores token sequences: embedding, convolution, recurrent encoder,
// masked mean pooling (split per direction when bidirectional), linear head
// and sigmoid. With Bidirectional unset this is the REGP model, otherwise
// BREGP.
type Model struct {
	cfg     Config
	cell    CellType
	outputs int
	params  *ParamSet
}

// New validates cfg, allocates the parameter set and initializes it.
func New(cfg Config) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cell, err := ParseCellType(cfg.RNNType)
	if err != nil {
		return nil, err
	}
	m := &Model{
		cfg:     cfg,
		cell:    cell,
		outputs: cfg.InitialMeanValue.Outputs(),
	}
	m.params = m.newParams()
	if err := m.InitWeights(); err != nil {
		return nil, err
	}
	klog.V(1).Infof("Created %s model: cell=%s layers=%d hidden=%d outputs=%d parameters=%d",
		m.Name(), cell, cfg.RNNLayers, cfg.HiddenSize, m.outputs, m.params.NumElements())
	return m, nil
}

// Name is "BREGP" for bidirectional models and "REGP" otherwise.
func (m *Model) Name() string {
	if m.cfg.Bidirectional {
		return "BREGP"
	}
	return "REGP"
}

func (m *Model) Config() Config     { return m.cfg }
func (m *Model) Params() *ParamSet  { return m.params }
func (m *Model) CellType() CellType { return m.cell }
func (m *Model) Outputs() int       { return m.outputs }
func (m *Model) Directions() int    { return m.cfg.directions() }

// ZeroState returns an all-zero recurrent state for a batch of n sequences in
// g, suitable as the init argument of Build.
func (m *Model) ZeroState(g *gorgonia.ExprGraph, n int) State {
	return zeroState(g, m.cell, m.cfg.RNNLayers*m.cfg.directions(), n, m.cfg.HiddenSize)
}

func (m *Model) geometry() convGeometry {
	return convGeometry{window: m.cfg.WindowSize, stride: m.cfg.CNNStride, pad: m.cfg.CNNPadSize}
}

func (m *Model) newParams() *ParamSet {
	c := &m.cfg
	ps := newParamSet()
	ps.add(EmbeddingWeight, c.vocab(), c.embDim())
	ps.add(ConvWeight, c.WindowSize*c.embDim(), c.NumFilters)
	ps.add(ConvBias, 1, c.NumFilters)
	gates := m.cell.gates() * c.HiddenSize
	dirs := c.directions()
	for l := 0; l < c.RNNLayers; l++ {
		in := c.NumFilters
		if l > 0 {
			in = dirs * c.HiddenSize
		}
		for d := 0; d < dirs; d++ {
			ps.add(rnnParamName("weight_ih", l, d), in, gates)
			ps.add(rnnParamName("weight_hh", l, d), c.HiddenSize, gates)
			ps.add(rnnParamName("bias_ih", l, d), 1, gates)
			ps.add(rnnParamName("bias_hh", l, d), 1, gates)
		}
	}
	ps.add(LinearWeight, dirs*c.HiddenSize, m.outputs)
	ps.add(LinearBias, 1, m.outputs)
	return ps
}

// InitWeights (re)initializes every parameter.
//
// The embedding table is copied from the pretrained matrix when one is
// configured; otherwise it is Xavier-uniform with the padding row 0 zeroed.
// The linear weights are Xavier-uniform as well. The linear bias is
// logit(initial_mean_value) unless skip_init_bias is set. Convolution and
// recurrent parameters are uniform in ±1/sqrt(fan_in).
func (m *Model) InitWeights() error {
	c := &m.cfg
	for _, p := range m.params.params {
		switch p.Name {
		case EmbeddingWeight:
			if c.EmbeddingPre != nil {
				copy(p.Value.Data().([]float32), c.EmbeddingPre.Data().([]float32))
				continue
			}
			p.fill(gorgonia.GlorotU(1.0))
			row := p.Value.Data().([]float32)[:c.embDim()]
			for i := range row {
				row[i] = 0
			}
		case ConvWeight, ConvBias:
			b := 1 / math.Sqrt(float64(c.WindowSize*c.embDim()))
			p.fill(gorgonia.Uniform(-b, b))
		case LinearWeight:
			p.fill(gorgonia.GlorotU(1.0))
		case LinearBias:
			bias, err := headBias(c.InitialMeanValue, c.SkipInitBias, m.outputs)
			if err != nil {
				return err
			}
			copy(p.Value.Data().([]float32), bias)
		default:
			b := 1 / math.Sqrt(float64(c.HiddenSize))
			p.fill(gorgonia.Uniform(-b, b))
		}
	}
	return nil
}

// Forward is one forward pass built into an expression graph.
type Forward struct {
	Graph   *gorgonia.ExprGraph
	Bound   *Bound
	Encoded *Encoded
	// Pooled is [N, D*H]; Scores is [N, K].
	Pooled *gorgonia.Node
	Scores *gorgonia.Node

	scoreVal, poolVal gorgonia.Value
}

// Build adds a forward pass over b to g. When init is nil the recurrent
// state starts at zero, sized for b. train enables dropout.
//
// Build binds the parameter set into g, so it can be called once per graph.
func (m *Model) Build(g *gorgonia.ExprGraph, b *Batch, init State, train bool) (*Forward, error) {
	c := &m.cfg
	if err := b.Validate(c.vocab()); err != nil {
		return nil, err
	}
	geo := m.geometry()
	lengths, err := geo.lengths(b.Lengths)
	if err != nil {
		return nil, err
	}

	bound := m.params.Bind(g)
	o := &graphOps{}
	embedded := make([]*gorgonia.Node, b.MaxLen())
	for t, ids := range b.Tokens {
		embedded[t] = embedStep(o, bound.Node(EmbeddingWeight), ids, b.Lengths, t)
	}
	features := geo.convolve(o, embedded, bound.Node(ConvWeight), bound.Node(ConvBias))
	if o.err != nil {
		return nil, errors.Wrap(o.err, "embedding and convolution")
	}

	enc, err := newEncoder(m.cell, bound, c.RNNLayers, c.directions(), c.HiddenSize, c.DropoutU)
	if err != nil {
		return nil, err
	}
	if init == nil {
		init = enc.ZeroState(g, b.Size())
	}
	encoded, err := enc.Encode(features, lengths, init, train)
	if err != nil {
		return nil, err
	}

	outs := encoded.Outputs
	if train && c.DropoutW > 0 {
		dropped := make([]*gorgonia.Node, len(outs))
		for t, x := range outs {
			dropped[t] = o.dropout(x, c.DropoutW)
		}
		if o.err != nil {
			return nil, o.err
		}
		outs = dropped
	}

	var pooled *gorgonia.Node
	if c.Bidirectional {
		pooled, err = MergeDirections(outs, lengths, c.HiddenSize)
	} else {
		pooled, err = MeanOverTime(outs, lengths)
	}
	if err != nil {
		return nil, err
	}

	head := &OutputHead{Linear: bound.Node(LinearWeight), Bias: bound.Node(LinearBias)}
	scores, err := head.Forward(pooled)
	if err != nil {
		return nil, errors.Wrap(err, "output head")
	}

	f := &Forward{
		Graph:   g,
		Bound:   bound,
		Encoded: encoded,
		Pooled:  pooled,
		Scores:  scores,
	}
	gorgonia.Read(scores, &f.scoreVal)
	gorgonia.Read(pooled, &f.poolVal)
	return f, nil
}

// Result returns the scores computed by the last run of f's graph.
func (f *Forward) Result() (*Scores, error) {
	d, err := readDense(f.scoreVal, f.Scores)
	if err != nil {
		return nil, err
	}
	shape := d.Shape()
	return &Scores{
		N:      shape[0],
		K:      shape[1],
		Values: append([]float32(nil), d.Data().([]float32)...),
	}, nil
}

// PooledTensor returns a copy of the pooled representation from the last run.
func (f *Forward) PooledTensor() (*tensor.Dense, error) {
	d, err := readDense(f.poolVal, f.Pooled)
	if err != nil {
		return nil, err
	}
	return d.Clone().(*tensor.Dense), nil
}

func readDense(read gorgonia.Value, n *gorgonia.Node) (*tensor.Dense, error) {
	v := read
	if v == nil {
		v = n.Value()
	}
	if v == nil {
		return nil, errors.Errorf("node %s has no value: run the graph first", n.Name())
	}
	d, ok := v.(*tensor.Dense)
	if !ok {
		return nil, errors.Errorf("node %s holds %T, not a dense tensor", n.Name(), v)
	}
	return d, nil
}

// Predict runs the model in inference mode on b. The parameter set is not
// modified.
func (m *Model) Predict(b *Batch) (*Scores, error) {
	g := gorgonia.NewGraph()
	f, err := m.Build(g, b, nil, false)
	if err != nil {
		return nil, err
	}
	vm := gorgonia.NewTapeMachine(g)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		return nil, errors.Wrap(err, "running forward pass")
	}
	return f.Result()
}

// Scores holds the model output for N sequences and K aspects, row-major.
type Scores struct {
	N, K   int
	Values []float32
}

// At returns the score of sequence i for aspect k.
func (s *Scores) At(i, k int) float32 { return s.Values[i*s.K+k] }

// Row returns the K scores of sequence i.
func (s *Scores) Row(i int) []float32 { return s.Values[i*s.K : (i+1)*s.K] }

// Squeeze returns one score per sequence. It fails for multi-aspect output.
func (s *Scores) Squeeze() ([]float32, error) {
	if s.K != 1 {
		return nil, errors.Errorf("cannot squeeze %d scores per sequence", s.K)
	}
	return append([]float32(nil), s.Values...), nil
}
