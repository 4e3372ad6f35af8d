package lockkeeper

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// fence is touched once per deadlock decision to approximate the
// load-fence step of mark_as_waiting_for: an atomic operation gives
// the runtime a synchronization point to order subsequent reads after
// the abort decision, for the sake of the diagnostic message built
// right after it.
var fence atomic.Int64

// DeadlockDetector walks the wait-for graph implied by clients'
// WaitSets: client c waits on lock l's holders; if any holder's own
// wait list already contains c (directly, or transitively through the
// lock that holder is itself waiting on), a cycle exists. There is no
// shared adjacency structure — the walk reads each client's WaitSet
// directly, bounded by the current number of live clients so it always
// terminates even under a corrupt or racy snapshot.
type DeadlockDetector struct {
	lookup          func(ClientID) *Client
	liveClientCount func() int
	resolution      ResolutionStrategy
}

func newDeadlockDetector(lookup func(ClientID) *Client, liveClientCount func() int, resolution ResolutionStrategy) *DeadlockDetector {
	return &DeadlockDetector{lookup: lookup, liveClientCount: liveClientCount, resolution: resolution}
}

// walkHolders implements detect_deadlock(probe)'s transitive walk: for
// each holder h, if h's wait list contains probe, h is the blocker;
// otherwise recurse through the lock h is itself waiting on.
func (d *DeadlockDetector) walkHolders(holders []ClientID, probe ClientID, depth int) (ClientID, bool) {
	if depth <= 0 {
		return 0, false
	}
	for _, h := range holders {
		c := d.lookup(h)
		if c == nil {
			continue
		}
		if c.waitList.Test(probe) {
			return h, true
		}
		if target := c.currentWaitTarget(); target != nil {
			if victim, ok := target.DetectDeadlock(d, probe, depth-1); ok {
				return victim, true
			}
		}
	}
	return 0, false
}

// unionHolderWaitLists ORs every current holder of lock's wait list
// into dst, the step copy_holder_wait_lists_into performs for a
// SharedLock and which applies identically to an ExclusiveLock's
// single owner.
func (d *DeadlockDetector) unionHolderWaitLists(lock lockInstance, dst *WaitSet) {
	if sl, ok := lock.(*SharedLock); ok {
		sl.CopyHolderWaitListsInto(dst, d.lookup)
		return
	}
	for _, h := range lock.HoldersSnapshot() {
		if c := d.lookup(h); c != nil {
			dst.Union(c.waitList)
		}
	}
}

// markAsWaitingFor implements §4.5's mark_as_waiting_for: self is
// about to wait on lock (installed at (rt, id)). It records the wait
// edge, checks for a cycle, and — if this client is the resolution
// strategy's chosen victim — raises DeadlockError.
func (d *DeadlockDetector) markAsWaitingFor(self *Client, lock lockInstance, rt ResourceType, id ResourceID) error {
	self.waitList.Reset()
	self.waitList.Set(self.id)
	d.unionHolderWaitLists(lock, self.waitList)

	depth := d.liveClientCount()
	blocker, found := lock.DetectDeadlock(d, self.id, depth)
	if !found {
		return nil
	}
	blockerClient := d.lookup(blocker)
	if blockerClient == nil {
		return nil
	}
	if !d.resolution.ShouldAbort(self, blockerClient) {
		return nil
	}
	fence.Add(1)
	msg := diagnosticMessage(self, blockerClient, rt, id)

	// Re-run detection to reduce false positives before committing to
	// an abort: the wait lists read above are racy by design.
	if _, found2 := lock.DetectDeadlock(d, self.id, depth); found2 {
		self.waitList.Reset()
		return &DeadlockError{Message: msg}
	}
	return nil
}

func diagnosticMessage(self, blocker *Client, rt ResourceType, id ResourceID) string {
	members := self.waitList.CopyTo(nil)
	parts := make([]string, 0, len(members))
	for _, m := range members {
		parts = append(parts, fmt.Sprintf("%d", m))
	}
	return fmt.Sprintf(
		"deadlock detected: client %d waiting on client %d for (type=%d, id=%d); wait list={%s}",
		self.id, blocker.id, rt.TypeID(), id, strings.Join(parts, ","),
	)
}
