// Package lock implements the orchestrator's leader lock: an advisory,
// non-blocking, exclusive filesystem lock held for the orchestrator's
// active lifetime. Starting a second orchestrator against the same lock
// path fails with ErrLockHeld.
//
// Grounded on github.com/danjacques/gofslock/fslock (pulled into the
// teacher workspace transitively via the dropped sql module's go.mod): its
// published API is a non-blocking Lock(path) returning a Handle plus a
// sentinel ErrLockHeld, which this package wraps 1:1. No usage file for
// this library was present in the retrieval pack, so the call shape below
// follows its documented API rather than a copied file.
package lock

import (
	"errors"
	"fmt"

	"github.com/danjacques/gofslock/fslock"
)

// ErrLockHeld is returned by Acquire when another process already holds the
// lock at the configured path.
var ErrLockHeld = errors.New("lock: held by another process")

// Lock is an acquired leader lock. It must be released exactly once, via
// Release, when the orchestrator shuts down.
type Lock struct {
	handle fslock.Handle
	path   string
}

// Acquire attempts to take the exclusive advisory lock at path
// non-blockingly. It returns ErrLockHeld if another process currently
// holds it.
func Acquire(path string) (*Lock, error) {
	handle, err := fslock.Lock(path)
	if err != nil {
		if errors.Is(err, fslock.ErrLockHeld) {
			return nil, ErrLockHeld
		}
		return nil, fmt.Errorf("lock: acquire %s: %w", path, err)
	}
	return &Lock{handle: handle, path: path}, nil
}

// Release unlocks and closes the lock. Safe to call once; a nil receiver
// is a no-op so deferred Release calls remain safe after a failed Acquire.
func (l *Lock) Release() error {
	if l == nil || l.handle == nil {
		return nil
	}
	err := l.handle.Unlock()
	l.handle = nil
	if err != nil {
		return fmt.Errorf("lock: release %s: %w", l.path, err)
	}
	return nil
}
