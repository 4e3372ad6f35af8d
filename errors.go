package lockkeeper

import (
	"errors"
	"fmt"
)

// Sentinel errors. Use errors.Is to detect a kind without caring about
// the diagnostic payload, matching the ErrLockTimeout / ErrDeadlock /
// ErrLockNotHeld sentinel idiom lock_manager.go uses, generalized into
// typed structs (see AcquireLockTimeoutError etc. below) carrying the
// extra fields spec.md's error taxonomy calls for.
var (
	errTimeout  = errors.New("lockkeeper: lock acquisition timed out")
	errDeadlock = errors.New("lockkeeper: deadlock detected")
	errStopped  = errors.New("lockkeeper: client is stopped")
	errIllegal  = errors.New("lockkeeper: illegal state")
)

// AcquireLockTimeoutError is returned when a blocking acquire exceeds
// ManagerConfig.LockAcquisitionTimeout.
type AcquireLockTimeoutError struct {
	Type          int
	ID            ResourceID
	TimeoutMillis int64
}

func (e *AcquireLockTimeoutError) Error() string {
	return fmt.Sprintf("lockkeeper: timed out after %dms acquiring lock on (type=%d, id=%d)",
		e.TimeoutMillis, e.Type, e.ID)
}

// Unwrap lets callers use errors.Is(err, lockkeeper.ErrTimeout).
func (e *AcquireLockTimeoutError) Unwrap() error { return errTimeout }

// ErrTimeout is the sentinel wrapped by every AcquireLockTimeoutError.
var ErrTimeout = errTimeout

// DeadlockError is returned when the deadlock detector found a cycle
// and the resolution strategy picked this client as the victim.
type DeadlockError struct {
	Message string
}

func (e *DeadlockError) Error() string { return e.Message }

// Unwrap lets callers use errors.Is(err, lockkeeper.ErrDeadlock).
func (e *DeadlockError) Unwrap() error { return errDeadlock }

// ErrDeadlock is the sentinel wrapped by every DeadlockError.
var ErrDeadlock = errDeadlock

// LockClientStoppedError is returned when a stopped client attempts an
// acquisition.
type LockClientStoppedError struct {
	ClientID ClientID
}

func (e *LockClientStoppedError) Error() string {
	return fmt.Sprintf("lockkeeper: client %d is stopped", e.ClientID)
}

// Unwrap lets callers use errors.Is(err, lockkeeper.ErrStopped).
func (e *LockClientStoppedError) Unwrap() error { return errStopped }

// ErrStopped is the sentinel wrapped by every LockClientStoppedError.
var ErrStopped = errStopped

// IllegalStateError reports a programmer error: releasing a lock not
// held, an unknown lock variant encountered in the table, or a counter
// overflow. These are not recoverable; the caller should treat them as
// a bug, not a condition to retry.
type IllegalStateError struct {
	Message string
}

func (e *IllegalStateError) Error() string { return "lockkeeper: " + e.Message }

// Unwrap lets callers use errors.Is(err, lockkeeper.ErrIllegalState).
func (e *IllegalStateError) Unwrap() error { return errIllegal }

// ErrIllegalState is the sentinel wrapped by every IllegalStateError.
var ErrIllegalState = errIllegal
