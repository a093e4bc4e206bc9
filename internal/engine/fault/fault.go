// Package fault defines the error taxonomy shared by the engine and the HTTP
// layer. Each kind maps to one status code in the server's error handler.
package fault

import "fmt"

// ValidationError marks malformed or out-of-range input. Never retried; the
// caller must correct the request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// ForbiddenError marks an authorization failure on an existing entity.
type ForbiddenError struct {
	Reason string
}

func (e ForbiddenError) Error() string { return e.Reason }

// ConflictError marks a state-machine violation: already public, already
// approved, duplicate vote direction.
type ConflictError struct {
	Reason string
}

func (e ConflictError) Error() string { return e.Reason }

func Validation(field, reason string) error  { return ValidationError{Field: field, Reason: reason} }
func Forbidden(reason string) error          { return ForbiddenError{Reason: reason} }
func Conflict(reason string) error           { return ConflictError{Reason: reason} }
