package digest

import (
	"errors"
	"fmt"
)

// ErrMalformedArticle marks an extracted article missing a required field.
var ErrMalformedArticle = errors.New("malformed article")

// ErrLocked is returned when another run holds the store's writer lock.
var ErrLocked = errors.New("store is locked by another run")

// DuplicateKeyError is returned by Store.Put when the key is already present.
type DuplicateKeyError struct {
	Key string
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("duplicate identity key %s", e.Key)
}

// BackendError wraps a failed classification call.
type BackendError struct {
	Backend string
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %s: %v", e.Backend, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// StoreError wraps a durable read or write failure. A StoreError during a
// run is fatal to the run.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// IsDuplicateKey reports whether err is or wraps a *DuplicateKeyError.
func IsDuplicateKey(err error) bool {
	var dk *DuplicateKeyError
	return errors.As(err, &dk)
}
