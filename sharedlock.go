package lockkeeper

import "sync"

// lockInstance is the tagged union of lock variants placed into a
// LockTable slot: *SharedLock or *ExclusiveLock. The acquire, release
// and downgrade paths dispatch on the variant with a type-switch; the
// deadlock walk calls the two methods below through the interface.
type lockInstance interface {
	// HoldersSnapshot returns the client ids currently holding this
	// lock instance, in no particular order.
	HoldersSnapshot() []ClientID
	// DetectDeadlock walks this lock's holders (and transitively, the
	// locks they are waiting on) looking for probe, bounded by depth.
	DetectDeadlock(d *DeadlockDetector, probe ClientID, depth int) (ClientID, bool)
}

// SharedLock is a resource lock held by zero or more clients
// concurrently, with an optional update-lock reservation held by at
// most one of those holders. It is placed into a LockTable slot under
// PutIfAbsent/Replace and is otherwise mutated only through its own
// methods.
type SharedLock struct {
	mu              sync.Mutex
	holders         map[ClientID]uint32
	updateHolder    ClientID
	hasUpdateHolder bool
	dead            bool
}

// newSharedLockWithHolder builds a SharedLock already held once by
// client, for the common case of installing a brand-new lock on first
// acquisition.
func newSharedLockWithHolder(client ClientID) *SharedLock {
	return &SharedLock{holders: map[ClientID]uint32{client: 1}}
}

// Acquire adds client to the holder set, incrementing its hold count.
// It fails if the lock has already died (holders emptied concurrently)
// or if an update lock is held by a different client.
func (s *SharedLock) Acquire(client ClientID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead {
		return false
	}
	if s.hasUpdateHolder && s.updateHolder != client {
		return false
	}
	s.holders[client]++
	return true
}

// Release decrements client's hold count, removing it from the holder
// set at zero. It returns true when the holder set has become empty
// ("dead"); the caller must then remove this instance from the table.
func (s *SharedLock) Release(client ClientID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.holders[client]; ok {
		if n <= 1 {
			delete(s.holders, client)
		} else {
			s.holders[client] = n - 1
		}
	}
	if len(s.holders) == 0 {
		s.dead = true
		return true
	}
	return false
}

// TryAcquireUpdateLock CASes the update-holder slot from empty to
// client, failing if an update lock is already held by anyone.
func (s *SharedLock) TryAcquireUpdateLock(client ClientID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasUpdateHolder {
		return false
	}
	s.hasUpdateHolder = true
	s.updateHolder = client
	return true
}

// ReleaseUpdateLock clears the update-holder slot unconditionally.
func (s *SharedLock) ReleaseUpdateLock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hasUpdateHolder = false
	s.updateHolder = 0
}

// CleanUpdateHolder is an alias for ReleaseUpdateLock used by
// release_global, matching the contract's naming.
func (s *SharedLock) CleanUpdateHolder() { s.ReleaseUpdateLock() }

// IsUpdateLock reports whether any client currently holds the update
// reservation.
func (s *SharedLock) IsUpdateLock() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasUpdateHolder
}

// IsUpdateHeldBy reports whether client specifically holds the update
// reservation.
func (s *SharedLock) IsUpdateHeldBy(client ClientID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasUpdateHolder && s.updateHolder == client
}

// NumberOfHolders returns the current holder count, used by the
// upgrade protocol's spin-wait to detect "sole holder".
func (s *SharedLock) NumberOfHolders() uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint(len(s.holders))
}

// holdsOnly reports whether client is the sole holder of this lock.
func (s *SharedLock) holdsOnly(client ClientID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.holders) != 1 {
		return false
	}
	_, ok := s.holders[client]
	return ok
}

// HoldersSnapshot implements lockInstance.
func (s *SharedLock) HoldersSnapshot() []ClientID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ClientID, 0, len(s.holders))
	for id := range s.holders {
		out = append(out, id)
	}
	return out
}

// CopyHolderWaitListsInto ORs every current holder's wait list into
// dst. Best-effort: the detector's re-check before raising a
// DeadlockError is what bounds the false positives this racy read can
// introduce, not anything done here.
func (s *SharedLock) CopyHolderWaitListsInto(dst *WaitSet, lookup func(ClientID) *Client) {
	for _, h := range s.HoldersSnapshot() {
		if c := lookup(h); c != nil {
			dst.Union(c.waitList)
		}
	}
}

// DetectDeadlock implements lockInstance.
func (s *SharedLock) DetectDeadlock(d *DeadlockDetector, probe ClientID, depth int) (ClientID, bool) {
	return d.walkHolders(s.HoldersSnapshot(), probe, depth)
}
