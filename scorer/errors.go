package scorer

import (
	"github.com/pkg/errors"
)

var (
	// ErrConfig marks an invalid or unsupported configuration value. It is
	// returned eagerly, when a model is constructed.
	ErrConfig = errors.New("invalid configuration")

	// ErrInvalidInput marks a malformed batch, length array or state.
	ErrInvalidInput = errors.New("invalid input")
)

func configErrorf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrConfig, format, args...)
}

func inputErrorf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidInput, format, args...)
}
