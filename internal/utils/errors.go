package utils

import (
	"errors"
	"fmt"
)

// NotFoundError reports that an entity does not exist for the tenant.
// Lookups never silently no-op on unknown ids.
type NotFoundError struct {
	Kind   string
	ID     string
	Tenant string
}

func (e *NotFoundError) Error() string {
	if e.Tenant == "" {
		return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
	}
	return fmt.Sprintf("%s %s not found for tenant %s", e.Kind, e.ID, e.Tenant)
}

// NewNotFound constructs a NotFoundError.
func NewNotFound(kind, id, tenant string) error {
	return &NotFoundError{Kind: kind, ID: id, Tenant: tenant}
}

// IsNotFound reports whether err wraps a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// InvalidStateTransitionError reports a lifecycle action attempted from a
// status that does not allow it, or a mutation forbidden in the current
// status.
type InvalidStateTransitionError struct {
	Action string
	From   string
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("cannot %s experiment in status %s", e.Action, e.From)
}

// NewInvalidTransition constructs an InvalidStateTransitionError.
func NewInvalidTransition(action, from string) error {
	return &InvalidStateTransitionError{Action: action, From: from}
}

// IsInvalidTransition reports whether err wraps an
// InvalidStateTransitionError.
func IsInvalidTransition(err error) bool {
	var ist *InvalidStateTransitionError
	return errors.As(err, &ist)
}

// ErrInvalidInput marks caller mistakes (bad enums, missing fields, values
// out of range). The API layer maps it to HTTP 400.
var ErrInvalidInput = errors.New("invalid input")
