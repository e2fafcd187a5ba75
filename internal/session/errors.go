package session

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned for operations against an unknown session id.
var ErrNotFound = errors.New("session not found")

// StateConflictError reports an operation attempted against a session in an
// incompatible state.
type StateConflictError struct {
	Op    string
	State string
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("cannot %s: session is %s", e.Op, e.State)
}

// IsStateConflict reports whether err is a state-conflict error.
func IsStateConflict(err error) bool {
	var sc *StateConflictError
	return errors.As(err, &sc)
}
