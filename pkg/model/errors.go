package model

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned for unknown conversations, profiles or turns.
	ErrNotFound = errors.New("not found")
	// ErrInvalid marks input that fails validation.
	ErrInvalid = errors.New("invalid argument")
)

// StorageError wraps a durable I/O failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Storage wraps err as a StorageError unless it is nil, already typed, or a sentinel.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalid) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// AppendError reports a turn that was not persisted.
type AppendError struct {
	ConversationID string
	Err            error
}

func (e *AppendError) Error() string {
	return fmt.Sprintf("append to conversation %s lost: %v", e.ConversationID, e.Err)
}

func (e *AppendError) Unwrap() error { return e.Err }

// DuplicateNameError is returned when a profile name is already taken.
type DuplicateNameError struct {
	Name string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("profile name %q already exists", e.Name)
}

// InUseError is returned when deleting a profile that conversations still reference.
type InUseError struct {
	ProfileID     string
	Conversations []string
}

func (e *InUseError) Error() string {
	return fmt.Sprintf("profile %s is in use by %d conversation(s): %s",
		e.ProfileID, len(e.Conversations), strings.Join(e.Conversations, ", "))
}

// ContextTooLargeError means the minimum floors cannot fit the configured maximum.
type ContextTooLargeError struct {
	Max       int
	Fixed     int
	FactFloor int
	TurnFloor int
}

// Required is the smallest payload size the floors allow.
func (e *ContextTooLargeError) Required() int {
	return e.Fixed + e.FactFloor + e.TurnFloor
}

func (e *ContextTooLargeError) Error() string {
	return fmt.Sprintf("context too large: need %d (fixed=%d fact_floor=%d turn_floor=%d), max %d",
		e.Required(), e.Fixed, e.FactFloor, e.TurnFloor, e.Max)
}
