package reconcile

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownMessageReference is reported when a status names a message
	// id with no stored record. It is never escalated past the engine.
	ErrUnknownMessageReference = errors.New("status references unknown message")
	ErrInvalidOutbound         = errors.New("outbound message requires wa_id and text")
)

// PersistenceError wraps a store failure that aborted an application.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence error during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func persistenceError(op string, err error) error {
	return &PersistenceError{Op: op, Err: err}
}

// IsPersistenceError reports whether err carries a PersistenceError.
func IsPersistenceError(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}
