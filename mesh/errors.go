package mesh

import (
	"fmt"

	"github.com/pkg/errors"
)

// MalformedGraphError reports a mesh instance that cannot be indexed: dangling
// edge references or feature tensors that disagree with the declared layout.
// It is fatal per input instance -- the data pipeline decides whether to skip
// the record or abort.
type MalformedGraphError struct {
	Reason string
}

// Error implements the error interface.
func (e *MalformedGraphError) Error() string {
	return fmt.Sprintf("malformed mesh graph: %s", e.Reason)
}

func malformedf(format string, args ...any) error {
	return errors.WithStack(&MalformedGraphError{Reason: fmt.Sprintf(format, args...)})
}

// IsMalformedGraph checks whether err (or anything it wraps) is a
// MalformedGraphError.
func IsMalformedGraph(err error) bool {
	var target *MalformedGraphError
	return errors.As(err, &target)
}
