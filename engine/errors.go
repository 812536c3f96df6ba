package engine

import (
	"errors"
	"fmt"
)

// ErrInput matches every *InputError.
var ErrInput = errors.New("invalid input")

// InputError reports a caller mistake: a bad query or a workspace path that
// cannot be used. Nothing was changed.
type InputError struct {
	Field  string
	Reason string
	Err    error
}

func (e *InputError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid %s: %s: %v", e.Field, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *InputError) Is(target error) bool {
	return target == ErrInput
}

func (e *InputError) Unwrap() error {
	return e.Err
}

func inputError(field, reason string, err error) error {
	return &InputError{Field: field, Reason: reason, Err: err}
}
