package stage1

import (
	"errors"
	"fmt"
)

// ErrLaneMismatch reports guidance lanes whose logits disagree in shape.
var ErrLaneMismatch = errors.New("stage1: guidance lanes disagree")

// ConfigurationError rejects a request before any model work is done.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "stage1: invalid configuration: " + e.Reason
	}
	return fmt.Sprintf("stage1: invalid configuration: %s: %s", e.Field, e.Reason)
}

func configErr(field, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// MissingCheckpointError is returned when a resume targets a segment that
// was never saved. It wraps checkpoint.ErrNotFound.
type MissingCheckpointError struct {
	Segment int
	Err     error
}

func (e *MissingCheckpointError) Error() string {
	return fmt.Sprintf("stage1: no checkpoint for segment %d: %v", e.Segment, e.Err)
}

func (e *MissingCheckpointError) Unwrap() error { return e.Err }

// StructuralDecodeError means the SOA/EOA markers of a sequence do not
// pair up, so no track can be exported from it.
type StructuralDecodeError struct {
	SOA    int
	EOA    int
	Reason string
}

func (e *StructuralDecodeError) Error() string {
	return fmt.Sprintf("stage1: malformed token sequence (%d soa, %d eoa): %s", e.SOA, e.EOA, e.Reason)
}
