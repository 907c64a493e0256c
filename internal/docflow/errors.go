package docflow

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidTransition is matched by errors.Is against
	// InvalidTransitionError values.
	ErrInvalidTransition = errors.New("docflow: invalid transition")
	// ErrAlreadyConverted indicates the source document already has a
	// live converted child.
	ErrAlreadyConverted = errors.New("docflow: document already converted")
	// ErrNotEligible indicates conversion preconditions are unmet.
	ErrNotEligible = errors.New("docflow: document not eligible for conversion")
)

// InvalidTransitionError reports a rejected operation together with the
// states it would have been legal from.
type InvalidTransitionError struct {
	Kind         string
	Operation    Operation
	Current      Status
	Allowed      []Status
	ApprovalGate bool
}

func (e *InvalidTransitionError) Error() string {
	if len(e.Allowed) == 0 {
		return fmt.Sprintf("docflow: %s does not support operation %q (current status %s)", e.Kind, e.Operation, e.Current)
	}
	allowed := make([]string, len(e.Allowed))
	for i, s := range e.Allowed {
		allowed[i] = string(s)
	}
	if e.ApprovalGate {
		return fmt.Sprintf("docflow: %s cannot %s: approval state does not permit it (status %s, allowed from %s)", e.Kind, e.Operation, e.Current, strings.Join(allowed, ", "))
	}
	return fmt.Sprintf("docflow: %s cannot %s from %s (allowed from %s)", e.Kind, e.Operation, e.Current, strings.Join(allowed, ", "))
}

// Is lets errors.Is(err, ErrInvalidTransition) match.
func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// ValidationError reports a payload field that failed validation for an
// operation (e.g. missing rejection remarks).
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("docflow: invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
