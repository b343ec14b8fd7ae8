package anchor

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when no queue row has the requested id.
	ErrNotFound = errors.New("anchor request not found")
	// ErrStaleRow is returned when a conditional update finds the row is no
	// longer pending, usually because an overlapping run got there first.
	ErrStaleRow = errors.New("anchor request is no longer pending")

	ErrInvalidHash    = errors.New("invalid hash")
	ErrCooldownActive = errors.New("anchor cooldown active")
	ErrRunInProgress  = errors.New("batch run already in progress")
)

// QueueStoreError wraps a persistence failure on the anchor queue.
type QueueStoreError struct {
	Op  string
	ID  uuid.UUID
	Err error
}

func (e *QueueStoreError) Error() string {
	if e.ID == uuid.Nil {
		return fmt.Sprintf("anchor queue %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("anchor queue %s %s: %v", e.Op, e.ID, e.Err)
}

func (e *QueueStoreError) Unwrap() error { return e.Err }

func storeErr(op string, id uuid.UUID, err error) error {
	if err == nil {
		return nil
	}
	return &QueueStoreError{Op: op, ID: id, Err: err}
}
