package scorer

import (
	"math"

	"gorgonia.org/gorgonia"
)

// OutputHead is the final prediction layer: an affine projection of the
// pooled representation to K outputs, squashed by a sigmoid.
type OutputHead struct {
	Linear *gorgonia.Node // Weights (D*H -> K)
	Bias   *gorgonia.Node // (1, K)
}

// Forward maps pooled [N, D*H] to scores [N, K] in (0,1).
func (h *OutputHead) Forward(pooled *gorgonia.Node) (*gorgonia.Node, error) {
	logits, err := gorgonia.Mul(pooled, h.Linear)
	if err != nil {
		return nil, err
	}

	// Broadcast Add Bias
	// Bias (1, K). Logits (N, K).
	logits, err = gorgonia.BroadcastAdd(logits, h.Bias, nil, []byte{0})
	if err != nil {
		return nil, err
	}

	return gorgonia.Sigmoid(logits)
}

// Logit is the inverse sigmoid ln(p) - ln(1-p). p must be in (0,1).
func Logit(p float64) (float64, error) {
	if math.IsNaN(p) || p <= 0 || p >= 1 {
		return 0, configErrorf("logit of %g is not finite", p)
	}
	return math.Log(p) - math.Log(1-p), nil
}

// headBias is the initial output bias: logit(prior) per output when a prior
// is configured and bias initialization is not skipped, otherwise zeros.
// A zero component means no prior for that output.
func headBias(prior MeanPrior, skip bool, outputs int) ([]float32, error) {
	bias := make([]float32, outputs)
	if skip || !prior.IsSet() {
		return bias, nil
	}
	for k := range bias {
		p := prior.component(k)
		if p == 0 {
			continue
		}
		v, err := Logit(p)
		if err != nil {
			return nil, err
		}
		bias[k] = float32(v)
	}
	return bias, nil
}
