/*
Package lockkeeper implements a client-side re-entrant lock manager for
arbitrating logical access to resources identified by a (resource-type,
resource-id) pair.

Many concurrent clients (typically one per transaction) acquire shared
and exclusive logical locks on resources, cooperatively detect
deadlocks, enforce per-client timeouts, and release locks predictably on
close. The package does not touch disk: it arbitrates in-memory logical
locks only, leaving persistence, the driving transaction layer, and the
resource-type registry to its caller.

# Usage

A Manager owns the lock table and the client pool. Callers check out a
Client, acquire shared or exclusive locks on resources, and close the
client when done:

	mgr := lockkeeper.NewManager(lockkeeper.DefaultManagerConfig(numResourceTypes))
	c := mgr.NewClient()
	defer c.Close()

	if err := c.AcquireExclusive(tracer, nodeType, 7); err != nil {
	    // AcquireLockTimeoutError, DeadlockError, or LockClientStoppedError
	}

# Concurrency

A Manager and every Client it hands out are safe for concurrent use by
multiple goroutines, except that a single Client is not re-entrant
across goroutines: it is meant to be used by one goroutine at a time,
the way one transaction drives one Client.

# Reentrancy and downgrade

A Client tracks its own shared/exclusive hold counts per resource.
Acquiring a lock it already holds increments a local counter instead of
contending on the table; releasing the last exclusive hold while a
shared hold is still armed downgrades in place rather than releasing
and reacquiring, closing the race window a release-then-reacquire would
open.

Reference: this is a from-scratch expansion of aalhour/rockyardkv's
lock_manager.go (global-mutex holder map with deadlock detection) into
a lock-free, reentrant, upgradeable design.
*/
package lockkeeper
