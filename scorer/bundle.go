package scorer

import (
	"io"
	"os"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"gorgonia.org/tensor"
	"k8s.io/klog/v2"
)

const bundleVersion = 1

// BundleOptions control how parameters are written.
type BundleOptions struct {
	// Half stores values as IEEE 754 half precision.
	Half bool
}

type bundleDoc struct {
	Version int            `cbor:"version"`
	Tensors []bundleTensor `cbor:"tensors"`
}

type bundleTensor struct {
	Name  string    `cbor:"name"`
	Shape []int     `cbor:"shape"`
	F32   []float32 `cbor:"f32,omitempty"`
	F16   []uint16  `cbor:"f16,omitempty"`
}

var bundleDecMode = func() cbor.DecMode {
	dm, err := cbor.DecOptions{ExtraReturnErrors: cbor.ExtraDecErrorUnknownField}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}()

// WriteBundle encodes every parameter of ps, in registration order, as a CBOR
// document.
func WriteBundle(w io.Writer, ps *ParamSet, opts BundleOptions) error {
	doc := bundleDoc{Version: bundleVersion, Tensors: make([]bundleTensor, 0, ps.Len())}
	for _, p := range ps.params {
		data := p.Value.Data().([]float32)
		t := bundleTensor{Name: p.Name, Shape: append([]int(nil), p.Value.Shape()...)}
		if opts.Half {
			t.F16 = make([]uint16, len(data))
			for i, v := range data {
				t.F16[i] = float16.Fromfloat32(v).Bits()
			}
		} else {
			t.F32 = append([]float32(nil), data...)
		}
		doc.Tensors = append(doc.Tensors, t)
	}
	if err := cbor.NewEncoder(w).Encode(doc); err != nil {
		return errors.Wrap(err, "encoding parameter bundle")
	}
	return nil
}

// ReadBundle decodes a bundle written by WriteBundle into ps. The bundle must
// hold exactly the parameters of ps with matching shapes; nothing is changed
// unless every tensor checks out.
func ReadBundle(r io.Reader, ps *ParamSet) error {
	var doc bundleDoc
	if err := bundleDecMode.NewDecoder(r).Decode(&doc); err != nil {
		return errors.Wrap(err, "decoding parameter bundle")
	}
	if doc.Version != bundleVersion {
		return inputErrorf("unsupported bundle version %d", doc.Version)
	}

	values := make(map[string]*tensor.Dense, len(doc.Tensors))
	for _, t := range doc.Tensors {
		p, ok := ps.Get(t.Name)
		if !ok {
			return inputErrorf("bundle holds unknown parameter %q", t.Name)
		}
		if _, dup := values[t.Name]; dup {
			return inputErrorf("bundle holds parameter %q twice", t.Name)
		}
		if !p.Value.Shape().Eq(tensor.Shape(t.Shape)) {
			return inputErrorf("parameter %q has shape %v, bundle has %v", t.Name, p.Value.Shape(), t.Shape)
		}
		data, err := t.values(p.Value.Shape().TotalSize())
		if err != nil {
			return err
		}
		values[t.Name] = tensor.New(tensor.WithShape(t.Shape...), tensor.WithBacking(data))
	}
	for _, name := range ps.Names() {
		if _, ok := values[name]; !ok {
			return inputErrorf("bundle is missing parameter %q", name)
		}
	}
	for name, v := range values {
		if err := ps.Set(name, v); err != nil {
			return err
		}
	}
	return nil
}

func (t *bundleTensor) values(size int) ([]float32, error) {
	switch {
	case t.F32 != nil && t.F16 != nil:
		return nil, inputErrorf("parameter %q stored in both precisions", t.Name)
	case t.F16 != nil:
		if len(t.F16) != size {
			return nil, inputErrorf("parameter %q has %d values, want %d", t.Name, len(t.F16), size)
		}
		data := make([]float32, size)
		for i, u := range t.F16 {
			data[i] = float16.Frombits(u).Float32()
		}
		return data, nil
	default:
		if len(t.F32) != size {
			return nil, inputErrorf("parameter %q has %d values, want %d", t.Name, len(t.F32), size)
		}
		return t.F32, nil
	}
}

// SaveBundle writes ps to path.
func SaveBundle(path string, ps *ParamSet, opts BundleOptions) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating bundle %s", path)
	}
	if err := WriteBundle(f, ps, opts); err != nil {
		f.Close()
		return errors.Wrapf(err, "writing bundle %s", path)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "closing bundle %s", path)
	}
	klog.V(1).Infof("Saved %d parameters to %s (half=%v)", ps.Len(), path, opts.Half)
	return nil
}

// LoadBundle reads the bundle at path into ps.
func LoadBundle(path string, ps *ParamSet) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "opening bundle %s", path)
	}
	defer f.Close()
	if err := ReadBundle(f, ps); err != nil {
		return errors.Wrapf(err, "reading bundle %s", path)
	}
	klog.V(1).Infof("Loaded %d parameters from %s", ps.Len(), path)
	return nil
}
