package scorer

import (
	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"k8s.io/klog/v2"
)

// Trainer fits a model's non-frozen parameters to target scores with mean
// squared error and Adam.
//
// The set of frozen parameters is captured by NewTrainer; freeze before
// creating the trainer.
type Trainer struct {
	model     *Model
	solver    gorgonia.Solver
	learnable []string
	steps     int
}

// NewTrainer returns a trainer using Adam with the given learning rate.
func NewTrainer(m *Model, learnRate float64) (*Trainer, error) {
	if learnRate <= 0 {
		return nil, configErrorf("learning rate must be positive, got %g", learnRate)
	}
	var names []string
	for _, p := range m.params.params {
		if !p.Frozen {
			names = append(names, p.Name)
		}
	}
	if len(names) == 0 {
		return nil, configErrorf("every parameter is frozen")
	}
	return &Trainer{
		model:     m,
		solver:    gorgonia.NewAdamSolver(gorgonia.WithLearnRate(learnRate)),
		learnable: names,
	}, nil
}

// Steps is the number of optimizer steps taken so far.
func (t *Trainer) Steps() int { return t.steps }

// Step runs one forward and backward pass over b in training mode, updates
// the parameters and returns the loss before the update. targets holds one
// row of K scores per sequence.
func (t *Trainer) Step(b *Batch, targets [][]float32) (float32, error) {
	k := t.model.outputs
	if len(targets) != b.Size() {
		return 0, inputErrorf("got %d target rows for a batch of %d", len(targets), b.Size())
	}
	flat := make([]float32, 0, len(targets)*k)
	for i, row := range targets {
		if len(row) != k {
			return 0, inputErrorf("target row %d has %d scores, model has %d outputs", i, len(row), k)
		}
		flat = append(flat, row...)
	}

	g := gorgonia.NewGraph()
	f, err := t.model.Build(g, b, nil, true)
	if err != nil {
		return 0, err
	}
	y := constant(g, "target", len(targets), k, flat)

	o := &graphOps{}
	diff := o.sub(f.Scores, y)
	sq := o.do(func() (*gorgonia.Node, error) { return gorgonia.Square(diff) })
	loss := o.do(func() (*gorgonia.Node, error) { return gorgonia.Mean(sq) })
	if o.err != nil {
		return 0, errors.Wrap(o.err, "building loss")
	}
	var lossVal gorgonia.Value
	gorgonia.Read(loss, &lossVal)

	learnables := f.Bound.Learnables()
	if len(learnables) != len(t.learnable) {
		return 0, errors.Errorf("%d learnable parameters, trainer was created with %d", len(learnables), len(t.learnable))
	}
	if _, err := gorgonia.Grad(loss, learnables...); err != nil {
		return 0, errors.Wrap(err, "computing gradients")
	}

	machine := gorgonia.NewTapeMachine(g, gorgonia.BindDualValues(learnables...))
	defer machine.Close()
	if err := machine.RunAll(); err != nil {
		return 0, errors.Wrap(err, "running training step")
	}
	if err := t.solver.Step(gorgonia.NodesToValueGrads(learnables)); err != nil {
		return 0, errors.Wrap(err, "optimizer step")
	}
	if err := f.Bound.Commit(); err != nil {
		return 0, err
	}
	t.steps++

	l, ok := lossVal.Data().(float32)
	if !ok {
		return 0, errors.Errorf("loss holds %T", lossVal.Data())
	}
	klog.V(2).Infof("Step %d: batch=%d loss=%f", t.steps, b.Size(), l)
	return l, nil
}
