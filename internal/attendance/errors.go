package attendance

import (
	"errors"
	"fmt"
)

var (
	ErrMalformedPayload = errors.New("malformed scan payload")
	ErrUnregisteredTag  = errors.New("nfc tag not registered")
	ErrAlreadyBound     = errors.New("nfc tag already registered")
	ErrDuplicateScan    = errors.New("already marked for this session")
	ErrNoActiveSession  = errors.New("no active session")
	ErrInvalidFormat    = errors.New("invalid import document")
	ErrStorageFailure   = errors.New("storage failure")

	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("already exists")
	ErrInvalidInput = errors.New("invalid input")
)

// errUnchanged lets a mutation callback finish without writing.
var errUnchanged = errors.New("unchanged")

// StorageError wraps a failure of the underlying store. It matches
// ErrStorageFailure under errors.Is.
type StorageError struct {
	Op         string
	Collection string
	Key        string
	Err        error
}

func (e *StorageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Collection, e.Err)
	}
	return fmt.Sprintf("%s %s/%s: %v", e.Op, e.Collection, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorageFailure }

func storageErr(op, collection, key string, err error) error {
	return &StorageError{Op: op, Collection: collection, Key: key, Err: err}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// ItemError is one failed item of a bulk operation.
type ItemError struct {
	Key   string `json:"key"`
	Error string `json:"error"`
}
