package conflict

import (
	"errors"
	"fmt"
)

var (
	ErrFieldTypeMismatch = errors.New("field type mismatch")
	ErrInvalidPayload    = errors.New("payload is not a JSON object")
	ErrUnknownResolution = errors.New("unknown resolution")
	ErrEntityMismatch    = errors.New("payload does not belong to entity")
)

// FieldError reports a field level rule that cannot be applied to the
// values it was given.
type FieldError struct {
	Field string
	Rule  FieldRule
	Got   string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("field %q: rule %s cannot apply to %s", e.Field, e.Rule, e.Got)
}

func (e *FieldError) Unwrap() error {
	return ErrFieldTypeMismatch
}
