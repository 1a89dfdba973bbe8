package nearcache

import (
	"fmt"

	"github.com/unkn0wn-root/nearcache/remote"
)

// ErrNotFound is the sentinel behind every KeyNotFoundError.
var ErrNotFound = remote.ErrNotFound

// KeyNotFoundError is returned by Get when the remote has no value for Key.
// errors.Is(err, ErrNotFound) holds for it.
type KeyNotFoundError struct {
	Key any
	Err error // remote error; wraps ErrNotFound
}

func (e *KeyNotFoundError) Error() string {
	return fmt.Sprintf("nearcache: key %v not found", e.Key)
}

func (e *KeyNotFoundError) Unwrap() error {
	if e.Err == nil {
		return ErrNotFound
	}
	return e.Err
}
