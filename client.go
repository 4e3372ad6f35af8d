package lockkeeper

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"
)

// Client is a per-transaction agent: it tracks local reentrancy
// counts for the resources it holds, its own wait list, and a
// stop/active-count lifecycle, then drives the LockTable and
// DeadlockDetector to acquire and release locks on the caller's
// behalf. A Client is single-threaded with respect to itself — it is
// meant to be driven by one goroutine at a time, the way one
// transaction drives one Client — but is a safe concurrent peer to
// every other live Client (its WaitSet is read by their deadlock
// walks).
type Client struct {
	id      ClientID
	manager *Manager

	sharedCounts    []map[ResourceID]uint64
	exclusiveCounts []map[ResourceID]uint64

	waitList   *WaitSet
	waitTarget atomic.Pointer[waitTargetHolder]

	state       stateHolder
	myExclusive *ExclusiveLock
}

// waitTargetHolder boxes the lockInstance a Client is currently
// blocked on so it can live behind an atomic.Pointer (which needs a
// concrete type, not the lockInstance interface).
type waitTargetHolder struct {
	lock lockInstance
}

func newClient(id ClientID, m *Manager) *Client {
	numTypes := m.config.NumResourceTypes
	c := &Client{
		id:              id,
		manager:         m,
		sharedCounts:    make([]map[ResourceID]uint64, numTypes),
		exclusiveCounts: make([]map[ResourceID]uint64, numTypes),
		waitList:        NewWaitSet(m.maxClients),
		myExclusive:     newExclusiveLock(id),
	}
	for i := 0; i < numTypes; i++ {
		c.sharedCounts[i] = make(map[ResourceID]uint64)
		c.exclusiveCounts[i] = make(map[ResourceID]uint64)
	}
	return c
}

func (c *Client) currentWaitTarget() lockInstance {
	h := c.waitTarget.Load()
	if h == nil {
		return nil
	}
	return h.lock
}

func (c *Client) setWaitTarget(l lockInstance) {
	if l == nil {
		c.waitTarget.Store(nil)
		return
	}
	c.waitTarget.Store(&waitTargetHolder{lock: l})
}

func tracerOrDiscard(t LockTracer) LockTracer {
	if t == nil {
		return DiscardTracer
	}
	return t
}

func bumpCounter(m map[ResourceID]uint64, id ResourceID) error {
	if m[id] == math.MaxUint64 {
		return &IllegalStateError{Message: fmt.Sprintf("counter overflow for resource %d", id)}
	}
	m[id]++
	return nil
}

// assertValid is called on every retry-loop iteration: it fails the
// wait the instant the client is stopped, or once the configured
// acquisition timeout has elapsed (timeout of 0 disables the check).
func (c *Client) assertValid(rt ResourceType, id ResourceID, waitStart time.Time) error {
	if c.state.IsStopped() {
		return &LockClientStoppedError{ClientID: c.id}
	}
	timeout := c.manager.config.LockAcquisitionTimeout
	if timeout > 0 && time.Since(waitStart) > timeout {
		return &AcquireLockTimeoutError{Type: rt.TypeID(), ID: id, TimeoutMillis: timeout.Milliseconds()}
	}
	return nil
}

// AcquireShared takes a shared lock on each of ids in turn, honoring
// reentrancy and the downgrade-armed case. It is not all-or-nothing:
// if an error occurs partway through, ids already acquired in this
// call remain held.
func (c *Client) AcquireShared(tracer LockTracer, rt ResourceType, ids ...ResourceID) error {
	if c.state.IsStopped() {
		return &LockClientStoppedError{ClientID: c.id}
	}
	c.state.IncrementActive()
	defer c.state.DecrementActive()
	tracer = tracerOrDiscard(tracer)
	for _, id := range ids {
		if err := c.acquireSharedOne(tracer, rt, id); err != nil {
			return err
		}
	}
	return nil
}

// AcquireExclusive takes an exclusive lock on each of ids in turn,
// applying the shared-to-exclusive upgrade grace rule. Not
// all-or-nothing; see AcquireShared.
func (c *Client) AcquireExclusive(tracer LockTracer, rt ResourceType, ids ...ResourceID) error {
	if c.state.IsStopped() {
		return &LockClientStoppedError{ClientID: c.id}
	}
	c.state.IncrementActive()
	defer c.state.DecrementActive()
	tracer = tracerOrDiscard(tracer)
	for _, id := range ids {
		if err := c.acquireExclusiveOne(tracer, rt, id); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) acquireSharedOne(tracer LockTracer, rt ResourceType, id ResourceID) error {
	typeIdx := rt.TypeID()
	sharedMap := c.sharedCounts[typeIdx]
	exclusiveMap := c.exclusiveCounts[typeIdx]

	if _, ok := sharedMap[id]; ok {
		return bumpCounter(sharedMap, id)
	}
	if _, ok := exclusiveMap[id]; ok {
		sharedMap[id] = 1 // arms the downgrade
		return nil
	}

	table := c.manager.tableFor(typeIdx)
	strategy := c.manager.waitStrategyFor(typeIdx)

	var event WaitEvent
	var created *SharedLock
	tries := 0
	waitStart := time.Now()

retryLoop:
	for {
		if err := c.assertValid(rt, id, waitStart); err != nil {
			if event != nil {
				event.Close()
			}
			c.setWaitTarget(nil)
			return err
		}

		existing := table.Get(id)
		var waitOn lockInstance

		switch {
		case existing == nil:
			if created == nil {
				created = newSharedLockWithHolder(c.id)
			}
			if prior := table.PutIfAbsent(id, created); prior == nil {
				break retryLoop
			}
			continue retryLoop
		default:
			if sl, ok := existing.(*SharedLock); ok {
				if sl.Acquire(c.id) {
					break retryLoop
				}
				waitOn = existing
			} else {
				waitOn = existing // Exclusive: wait
			}
		}

		if event == nil {
			event = tracer.WaitForLock(false, rt, id)
		}
		c.setWaitTarget(waitOn)
		strategy.Apply(tries)
		tries++
		if err := c.manager.detector.markAsWaitingFor(c, waitOn, rt, id); err != nil {
			if event != nil {
				event.Close()
			}
			return err
		}
	}

	if event != nil {
		event.Close()
	}
	c.setWaitTarget(nil)
	c.waitList.Reset()
	sharedMap[id] = 1
	return nil
}

func (c *Client) acquireExclusiveOne(tracer LockTracer, rt ResourceType, id ResourceID) error {
	typeIdx := rt.TypeID()
	exclusiveMap := c.exclusiveCounts[typeIdx]

	if _, ok := exclusiveMap[id]; ok {
		return bumpCounter(exclusiveMap, id)
	}

	table := c.manager.tableFor(typeIdx)
	strategy := c.manager.waitStrategyFor(typeIdx)

	var event WaitEvent
	tries := 0
	waitStart := time.Now()

	for {
		existing := table.PutIfAbsent(id, c.myExclusive)
		if existing == nil {
			break
		}

		if err := c.assertValid(rt, id, waitStart); err != nil {
			if event != nil {
				event.Close()
			}
			c.setWaitTarget(nil)
			return err
		}

		if tries > 50 {
			if sl, ok := existing.(*SharedLock); ok {
				upgraded, err := c.tryUpgrade(tracer, strategy, &event, rt, id, sl, waitStart)
				if err != nil {
					if event != nil {
						event.Close()
					}
					c.setWaitTarget(nil)
					return err
				}
				if upgraded {
					if event != nil {
						event.Close()
					}
					c.setWaitTarget(nil)
					c.waitList.Reset()
					exclusiveMap[id] = 1
					return nil
				}
			}
		}

		if event == nil {
			event = tracer.WaitForLock(true, rt, id)
		}
		c.setWaitTarget(existing)
		strategy.Apply(tries)
		tries++
		if err := c.manager.detector.markAsWaitingFor(c, existing, rt, id); err != nil {
			if event != nil {
				event.Close()
			}
			return err
		}
	}

	if event != nil {
		event.Close()
	}
	c.setWaitTarget(nil)
	c.waitList.Reset()
	exclusiveMap[id] = 1
	return nil
}

// tryUpgrade implements the upgrade protocol of a SharedLock s already
// installed at (rt, id) into an in-place exclusive hold, returning
// (true, nil) on success and (false, nil) when the attempt should
// simply be retried by the caller's outer loop.
func (c *Client) tryUpgrade(tracer LockTracer, strategy WaitStrategy, event *WaitEvent, rt ResourceType, id ResourceID, s *SharedLock, outerWaitStart time.Time) (bool, error) {
	typeIdx := rt.TypeID()
	sharedMap := c.sharedCounts[typeIdx]
	alreadyHeld := sharedMap[id] > 0

	if !alreadyHeld {
		if !s.Acquire(c.id) {
			return false, nil
		}
	}

	if !s.TryAcquireUpdateLock(c.id) {
		if !alreadyHeld {
			s.Release(c.id)
		}
		return false, nil
	}

	tries := 0
	for s.NumberOfHolders() > 1 {
		if err := c.assertValid(rt, id, outerWaitStart); err != nil {
			s.ReleaseUpdateLock()
			c.waitList.Reset()
			return false, err
		}
		if *event == nil {
			*event = tracer.WaitForLock(true, rt, id)
		}
		c.setWaitTarget(s)
		strategy.Apply(tries)
		tries++
		if err := c.manager.detector.markAsWaitingFor(c, s, rt, id); err != nil {
			s.ReleaseUpdateLock()
			var dl *DeadlockError
			if !errors.As(err, &dl) {
				c.waitList.Reset()
			}
			return false, err
		}
	}

	c.setWaitTarget(nil)
	if !alreadyHeld {
		sharedMap[id] = 1
	}
	return true, nil
}

// TryShared is a non-blocking best-effort acquire: it fails on any
// contention with an Exclusive lock or an update-held Shared lock.
func (c *Client) TryShared(rt ResourceType, id ResourceID) bool {
	if c.state.IsStopped() {
		return false
	}
	c.state.IncrementActive()
	defer c.state.DecrementActive()

	typeIdx := rt.TypeID()
	sharedMap := c.sharedCounts[typeIdx]
	exclusiveMap := c.exclusiveCounts[typeIdx]

	if _, ok := sharedMap[id]; ok {
		if err := bumpCounter(sharedMap, id); err != nil {
			c.logError(err)
			return false
		}
		return true
	}
	if _, ok := exclusiveMap[id]; ok {
		sharedMap[id] = 1
		return true
	}

	table := c.manager.tableFor(typeIdx)
	for {
		existing := table.Get(id)
		if existing == nil {
			created := newSharedLockWithHolder(c.id)
			if prior := table.PutIfAbsent(id, created); prior == nil {
				sharedMap[id] = 1
				return true
			}
			continue
		}
		sl, ok := existing.(*SharedLock)
		if !ok {
			return false
		}
		if sl.Acquire(c.id) {
			sharedMap[id] = 1
			return true
		}
		return false
	}
}

// TryExclusive is a non-blocking acquire; when the existing entry is a
// Shared lock this client already solely holds, it attempts in-place
// promotion to Exclusive. The sole-holder check and the table swap are
// bridged by reserving the update lock first, the same guard
// tryUpgrade uses: it blocks any new Acquire from landing on the
// SharedLock between the check and the Replace, closing the window
// where another client could otherwise acquire the about-to-be-
// replaced instance and be left with a phantom shared hold that has no
// table entry once the swap lands.
func (c *Client) TryExclusive(rt ResourceType, id ResourceID) bool {
	if c.state.IsStopped() {
		return false
	}
	c.state.IncrementActive()
	defer c.state.DecrementActive()

	typeIdx := rt.TypeID()
	exclusiveMap := c.exclusiveCounts[typeIdx]

	if _, ok := exclusiveMap[id]; ok {
		if err := bumpCounter(exclusiveMap, id); err != nil {
			c.logError(err)
			return false
		}
		return true
	}

	table := c.manager.tableFor(typeIdx)
	existing := table.PutIfAbsent(id, c.myExclusive)
	if existing == nil {
		exclusiveMap[id] = 1
		return true
	}
	sl, ok := existing.(*SharedLock)
	if !ok {
		return false
	}
	if !sl.TryAcquireUpdateLock(c.id) {
		return false
	}
	if !sl.holdsOnly(c.id) {
		sl.ReleaseUpdateLock()
		return false
	}
	if !table.Replace(id, existing, c.myExclusive) {
		sl.ReleaseUpdateLock()
		return false
	}
	exclusiveMap[id] = 1
	return true
}

// ReleaseShared decrements the local shared count for id; at zero it
// releases globally unless this client also holds id exclusively
// (deferred downgrade).
func (c *Client) ReleaseShared(rt ResourceType, id ResourceID) error {
	c.state.IncrementActive()
	defer c.state.DecrementActive()

	typeIdx := rt.TypeID()
	sharedMap := c.sharedCounts[typeIdx]
	exclusiveMap := c.exclusiveCounts[typeIdx]

	n, ok := sharedMap[id]
	if !ok {
		return &IllegalStateError{Message: fmt.Sprintf("release_shared: lock not held for (type=%d, id=%d)", typeIdx, id)}
	}
	if n > 1 {
		sharedMap[id] = n - 1
		return nil
	}
	delete(sharedMap, id)
	if _, heldExclusive := exclusiveMap[id]; heldExclusive {
		return nil
	}
	return c.releaseGlobal(c.manager.tableFor(typeIdx), id)
}

// ReleaseExclusive decrements the local exclusive count for id; at
// zero it downgrades in place if a shared count still exists,
// otherwise it removes the exclusive entry.
func (c *Client) ReleaseExclusive(rt ResourceType, id ResourceID) error {
	c.state.IncrementActive()
	defer c.state.DecrementActive()

	typeIdx := rt.TypeID()
	sharedMap := c.sharedCounts[typeIdx]
	exclusiveMap := c.exclusiveCounts[typeIdx]

	n, ok := exclusiveMap[id]
	if !ok {
		return &IllegalStateError{Message: fmt.Sprintf("release_exclusive: lock not held for (type=%d, id=%d)", typeIdx, id)}
	}
	if n > 1 {
		exclusiveMap[id] = n - 1
		return nil
	}
	delete(exclusiveMap, id)

	if _, sharedHeld := sharedMap[id]; sharedHeld {
		return c.downgrade(typeIdx, id)
	}

	table := c.manager.tableFor(typeIdx)
	existing := table.Get(id)
	if ex, ok := existing.(*ExclusiveLock); ok && ex.Owner() == c.id {
		table.RemoveIf(id, existing)
	}
	return nil
}

// downgrade implements the exclusive-to-shared transition in place:
// if an upgrade is in progress the table entry is already the
// original SharedLock, so only the update slot needs clearing;
// otherwise a fresh SharedLock replaces the ExclusiveLock entry.
func (c *Client) downgrade(typeIdx int, id ResourceID) error {
	table := c.manager.tableFor(typeIdx)
	existing := table.Get(id)
	switch l := existing.(type) {
	case *SharedLock:
		if l.IsUpdateHeldBy(c.id) {
			l.ReleaseUpdateLock()
		}
		return nil
	case *ExclusiveLock:
		fresh := newSharedLockWithHolder(c.id)
		if !table.Replace(id, existing, fresh) {
			return &IllegalStateError{Message: fmt.Sprintf("downgrade race on (type=%d, id=%d)", typeIdx, id)}
		}
		return nil
	default:
		return &IllegalStateError{Message: fmt.Sprintf("downgrade: unknown lock variant for (type=%d, id=%d)", typeIdx, id)}
	}
}

// releaseGlobal implements release_global(table, id): removes an
// Exclusive entry outright, or decrements a Shared entry's holder
// count and removes it once empty.
func (c *Client) releaseGlobal(table *lockTable, id ResourceID) error {
	existing := table.Get(id)
	switch l := existing.(type) {
	case *ExclusiveLock:
		table.RemoveIf(id, existing)
		return nil
	case *SharedLock:
		if l.Release(c.id) {
			l.CleanUpdateHolder()
			table.RemoveIf(id, existing)
		}
		return nil
	default:
		return &IllegalStateError{Message: fmt.Sprintf("release_global: no lock installed for id %d", id)}
	}
}

// Stop marks this client stopped, waking any goroutine waiting inside
// an acquire loop at its next assertValid check, then blocks until
// every in-flight operation has drained.
func (c *Client) Stop() {
	c.state.Stop()
	for c.state.HasActiveClients() {
		time.Sleep(10 * time.Millisecond)
	}
}

// Close stops the client, releases every lock it still holds, and
// returns it to its Manager's pool.
func (c *Client) Close() {
	c.Stop()
	c.releaseAll()
	c.manager.pool.release(c)
}

// releaseAll implements release-all-on-close: exclusive holds are
// released first (clearing any mirrored shared count rather than
// downgrading, since downgrade is deliberately skipped on close), then
// remaining shared holds are released.
func (c *Client) releaseAll() {
	for typeIdx := range c.exclusiveCounts {
		table := c.manager.tableFor(typeIdx)
		exclusiveMap := c.exclusiveCounts[typeIdx]
		sharedMap := c.sharedCounts[typeIdx]

		for id := range exclusiveMap {
			c.releaseGlobal(table, id)
			delete(sharedMap, id)
		}
		clearCounterMap(&c.exclusiveCounts[typeIdx])

		for id := range sharedMap {
			c.releaseGlobal(table, id)
		}
		clearCounterMap(&c.sharedCounts[typeIdx])
	}
	c.waitList.Reset()
	c.setWaitTarget(nil)
}

// reset prepares a closed client for reuse by a new checkout. It must
// be idempotent and must not touch any lock table — every lock has
// already been released by Close (or by contract, if the caller
// misbehaved).
func (c *Client) reset() {
	c.state.Reset()
	c.waitList.Reset()
	c.setWaitTarget(nil)
}

func clearCounterMap(m *map[ResourceID]uint64) {
	if len(*m) <= 32 {
		for k := range *m {
			delete(*m, k)
		}
		return
	}
	*m = make(map[ResourceID]uint64)
}

func (c *Client) logError(err error) {
	c.manager.config.Logger.Errorf("client %d: %v", c.id, err)
}

// ActiveLocks enumerates a snapshot of every resource currently held
// by this client. Single-threaded with respect to this client, like
// every other Client method.
func (c *Client) ActiveLocks() []HeldLock {
	var out []HeldLock
	for typeIdx, m := range c.exclusiveCounts {
		for id := range m {
			out = append(out, HeldLock{Type: typeIdx, ID: id, Mode: Exclusive})
		}
	}
	for typeIdx, m := range c.sharedCounts {
		for id := range m {
			out = append(out, HeldLock{Type: typeIdx, ID: id, Mode: Shared})
		}
	}
	return out
}

// WaitListSize returns the number of client ids currently recorded in
// this client's wait list.
func (c *Client) WaitListSize() int {
	return len(c.waitList.CopyTo(nil))
}

// IsWaitingFor reports whether this client's wait list contains id.
func (c *Client) IsWaitingFor(id ClientID) bool {
	return c.waitList.Test(id)
}

// CopyWaitListTo ORs this client's wait list into dst.
func (c *Client) CopyWaitListTo(dst *WaitSet) {
	dst.Union(c.waitList)
}

// LockSessionID returns this client's id.
func (c *Client) LockSessionID() ClientID {
	return c.id
}
