package engine

import "fmt"

// ValidationError reports malformed or incomplete input. Callers fix the
// input; it is never retried automatically.
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

// ConflictError reports that a record already has an accepted agreement.
type ConflictError struct {
	Reason string
}

func (e ConflictError) Error() string {
	return "conflict: " + e.Reason
}

// StateError reports a transition attempted from a terminal state.
type StateError struct {
	Entity string
	ID     string
	Status string
}

func (e StateError) Error() string {
	return "this agreement has already been decided"
}

// Detail includes the current status for logs; Error stays user facing.
func (e StateError) Detail() string {
	return fmt.Sprintf("%s %s is %s", e.Entity, e.ID, e.Status)
}

func invalid(field, reason string) error {
	return ValidationError{Field: field, Reason: reason}
}
