package corekv

import (
	"errors"
	"fmt"
)

// ErrInvalidKey is returned when a key fails ValidateKey: empty, or
// longer than MaxKeyLen.
var ErrInvalidKey = fmt.Errorf("corekv: invalid key")

// ErrInvalidValue is returned when a value fails ValidateValue: longer
// than MaxValueLen.
var ErrInvalidValue = fmt.Errorf("corekv: invalid value")

// ErrBackendFailure is returned, wrapped with context, when the storage
// backend fails an I/O operation.
var ErrBackendFailure = fmt.Errorf("corekv: backend failure")

// ErrPoisoned is returned by every operation on a DB whose background
// committer has given up after a persistent backend failure.
var ErrPoisoned = fmt.Errorf("corekv: database handle poisoned")

// ErrConflictingAssumption is the programmer error raised when a
// Transaction's assume_key is given a value that contradicts a reading
// already recorded for the same key.
var ErrConflictingAssumption = fmt.Errorf("corekv: conflicting read assumption for key")

// MissingResourceError is returned by Load when a hash names no
// resource known to the store. It never implies corruption: the
// resource may simply have been garbage collected.
type MissingResourceError struct {
	Hash Hash
}

func (e *MissingResourceError) Error() string {
	return fmt.Sprintf("corekv: missing resource %s", e.Hash)
}

// IsMissingResource reports whether err is (or wraps) a
// MissingResourceError.
func IsMissingResource(err error) bool {
	var mr *MissingResourceError
	return errors.As(err, &mr)
}
