package emulator

import (
	"fmt"

	"github.com/pkg/errors"
)

// ConfigIncompatibleError reports a model configuration whose pieces cannot
// be composed: MLP widths that don't chain, a decoder that doesn't produce
// the declared label widths, an attention setup with no heads, and so on.
// It is detected when the model is constructed, before any graph is built.
type ConfigIncompatibleError struct {
	Reason string
}

func (e *ConfigIncompatibleError) Error() string {
	return "incompatible model configuration: " + e.Reason
}

// configIncompatiblef returns a *ConfigIncompatibleError wrapped with a
// stack trace.
func configIncompatiblef(format string, args ...any) error {
	return errors.WithStack(&ConfigIncompatibleError{Reason: fmt.Sprintf(format, args...)})
}

// IsConfigIncompatible reports whether err is (or wraps) a
// ConfigIncompatibleError.
func IsConfigIncompatible(err error) bool {
	var target *ConfigIncompatibleError
	return errors.As(err, &target)
}

// ShapeMismatchError reports runtime tensors whose dimensions disagree with
// the widths the model was configured for. Unlike ConfigIncompatibleError it
// can only be detected once actual data flows through the model, since input
// feature widths depend on the mesh being emulated.
type ShapeMismatchError struct {
	Reason string
}

func (e *ShapeMismatchError) Error() string {
	return "shape mismatch: " + e.Reason
}

// shapeMismatchf panics with a *ShapeMismatchError, to be recovered by
// Executor.Forward (or exceptions.TryCatch) at the API boundary. Graph
// building code panics on errors throughout, this keeps the model graph
// functions free of error plumbing.
func shapeMismatchf(format string, args ...any) {
	panic(errors.WithStack(&ShapeMismatchError{Reason: fmt.Sprintf(format, args...)}))
}

// IsShapeMismatch reports whether err is (or wraps) a ShapeMismatchError.
func IsShapeMismatch(err error) bool {
	var target *ShapeMismatchError
	return errors.As(err, &target)
}
