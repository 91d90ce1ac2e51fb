package scorer

import (
	"math"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"gorgonia.org/tensor"
)

// CellType is the recurrence used by the sequence encoder.
type CellType int

const (
	LSTM CellType = iota
	GRU
	RNNTanh
	RNNReLU
)

var cellTypeNames = map[CellType]string{
	LSTM:    "LSTM",
	GRU:     "GRU",
	RNNTanh: "RNN_TANH",
	RNNReLU: "RNN_RELU",
}

func (c CellType) String() string {
	if s, ok := cellTypeNames[c]; ok {
		return s
	}
	return "CellType(?)"
}

// gates is the number of H-wide blocks stacked in the recurrent weights.
func (c CellType) gates() int {
	switch c {
	case LSTM:
		return 4
	case GRU:
		return 3
	default:
		return 1
	}
}

// ParseCellType maps an rnn_type option to a CellType.
func ParseCellType(s string) (CellType, error) {
	for c, name := range cellTypeNames {
		if name == s {
			return c, nil
		}
	}
	return 0, configErrorf("rnn_type %q: options are LSTM, GRU, RNN_TANH or RNN_RELU", s)
}

// MeanPrior is the initial_mean_value option: either a single prior mean or
// one per scoring aspect. The zero value means no prior was configured.
type MeanPrior struct {
	values []float64
	vector bool
}

// ScalarPrior returns a single-output prior.
func ScalarPrior(p float64) MeanPrior {
	return MeanPrior{values: []float64{p}}
}

// VectorPrior returns a prior with one component per output.
func VectorPrior(ps ...float64) MeanPrior {
	return MeanPrior{values: append([]float64(nil), ps...), vector: true}
}

// IsSet reports whether any prior was configured.
func (p MeanPrior) IsSet() bool { return len(p.values) > 0 }

// IsVector reports whether the prior was given as a list.
func (p MeanPrior) IsVector() bool { return p.vector }

// Values returns a copy of the prior components.
func (p MeanPrior) Values() []float64 { return append([]float64(nil), p.values...) }

// Outputs is the number of model outputs implied by the prior.
func (p MeanPrior) Outputs() int {
	if p.vector {
		return len(p.values)
	}
	return 1
}

// component returns the prior for output k, 0 when none is configured.
func (p MeanPrior) component(k int) float64 {
	switch {
	case !p.IsSet():
		return 0
	case p.vector:
		return p.values[k]
	default:
		return p.values[0]
	}
}

func (p *MeanPrior) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.ShortTag() == "!!null" {
			*p = MeanPrior{}
			return nil
		}
		var v float64
		if err := node.Decode(&v); err != nil {
			return errors.Wrap(err, "initial_mean_value")
		}
		*p = ScalarPrior(v)
	case yaml.SequenceNode:
		var vs []float64
		if err := node.Decode(&vs); err != nil {
			return errors.Wrap(err, "initial_mean_value")
		}
		*p = VectorPrior(vs...)
	default:
		return errors.Errorf("initial_mean_value: expected a number or a list, line %d", node.Line)
	}
	return nil
}

func (p MeanPrior) MarshalYAML() (interface{}, error) {
	switch {
	case !p.IsSet():
		return nil, nil
	case p.vector:
		return p.values, nil
	default:
		return p.values[0], nil
	}
}

// Config holds the options recognized by the scorer models.
type Config struct {
	VocabSize int `yaml:"vocab_size"`
	EmbDim    int `yaml:"emb_dim"`
	// EmbeddingPre seeds the embedding table when set, shaped [V, E].
	EmbeddingPre *tensor.Dense `yaml:"-"`

	NumFilters int `yaml:"num_filters"`
	WindowSize int `yaml:"window_size"`
	CNNStride  int `yaml:"cnn_stride"`
	CNNPadSize int `yaml:"cnn_pad_size"`

	RNNType       string  `yaml:"rnn_type"`
	HiddenSize    int     `yaml:"hidden_size"`
	RNNLayers     int     `yaml:"rnn_nlayers"`
	Bidirectional bool    `yaml:"bidirectional"`
	DropoutU      float64 `yaml:"dropout_U"`
	DropoutW      float64 `yaml:"dropout_W"`

	// BatchSize is only used by data loaders. Recurrent state is always
	// sized from the batch actually given to the model.
	BatchSize int `yaml:"batch_size"`

	InitialMeanValue MeanPrior `yaml:"initial_mean_value"`
	SkipInitBias     bool      `yaml:"skip_init_bias"`
}

// DefaultConfig returns the defaults used when a config file omits a key.
func DefaultConfig() Config {
	return Config{
		VocabSize:  4000,
		EmbDim:     50,
		NumFilters: 100,
		WindowSize: 3,
		CNNStride:  1,
		CNNPadSize: 1,
		RNNType:    LSTM.String(),
		HiddenSize: 300,
		RNNLayers:  1,
		DropoutU:   0.1,
		DropoutW:   0.5,
		BatchSize:  32,
	}
}

// LoadConfig reads a YAML config file on top of DefaultConfig. Unknown keys
// are rejected. The result is not validated.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "error opening config file: %s", path)
	}
	defer f.Close()

	c := DefaultConfig()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return nil, errors.Wrapf(err, "error decoding config file: %s", path)
	}
	return &c, nil
}

// Validate checks every option and returns an error wrapping ErrConfig on
// the first bad value.
func (c *Config) Validate() error {
	if c.EmbeddingPre != nil {
		shape := c.EmbeddingPre.Shape()
		if len(shape) != 2 {
			return configErrorf("embedding_pre must be a [vocab, dim] matrix, got shape %v", shape)
		}
		if c.EmbeddingPre.Dtype() != tensor.Float32 {
			return configErrorf("embedding_pre must be float32, got %v", c.EmbeddingPre.Dtype())
		}
		if c.VocabSize != 0 && c.VocabSize != shape[0] {
			return configErrorf("vocab_size %d does not match embedding_pre rows %d", c.VocabSize, shape[0])
		}
		if c.EmbDim != 0 && c.EmbDim != shape[1] {
			return configErrorf("emb_dim %d does not match embedding_pre columns %d", c.EmbDim, shape[1])
		}
	} else {
		if c.VocabSize <= 0 {
			return configErrorf("vocab_size must be set when no pretrained embedding is given")
		}
		if c.EmbDim <= 0 {
			return configErrorf("emb_dim must be set when no pretrained embedding is given")
		}
	}

	positive := []struct {
		name string
		v    int
	}{
		{"num_filters", c.NumFilters},
		{"window_size", c.WindowSize},
		{"cnn_stride", c.CNNStride},
		{"hidden_size", c.HiddenSize},
		{"rnn_nlayers", c.RNNLayers},
		{"batch_size", c.BatchSize},
	}
	for _, p := range positive {
		if p.v <= 0 {
			return configErrorf("%s must be positive, got %d", p.name, p.v)
		}
	}
	if c.CNNPadSize < 0 {
		return configErrorf("cnn_pad_size must not be negative, got %d", c.CNNPadSize)
	}
	if c.DropoutU < 0 || c.DropoutU >= 1 {
		return configErrorf("dropout_U must be in [0,1), got %g", c.DropoutU)
	}
	if c.DropoutW < 0 || c.DropoutW >= 1 {
		return configErrorf("dropout_W must be in [0,1), got %g", c.DropoutW)
	}
	if _, err := ParseCellType(c.RNNType); err != nil {
		return err
	}

	if c.InitialMeanValue.vector && len(c.InitialMeanValue.values) == 0 {
		return configErrorf("initial_mean_value list is empty")
	}
	for k, p := range c.InitialMeanValue.values {
		// logit(p) is only finite inside (0,1); 0 is read as "no prior".
		if math.IsNaN(p) || p < 0 || p >= 1 {
			return configErrorf("initial_mean_value[%d] = %g must be in [0,1)", k, p)
		}
	}
	return nil
}

func (c *Config) vocab() int {
	if c.EmbeddingPre != nil {
		return c.EmbeddingPre.Shape()[0]
	}
	return c.VocabSize
}

func (c *Config) embDim() int {
	if c.EmbeddingPre != nil {
		return c.EmbeddingPre.Shape()[1]
	}
	return c.EmbDim
}

func (c *Config) directions() int {
	if c.Bidirectional {
		return 2
	}
	return 1
}
