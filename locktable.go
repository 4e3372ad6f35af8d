package lockkeeper

import "sync"

// tableShardCount is the number of independent shards a lockTable
// stripes its resource ids across, bounding contention on any one
// mutex to roughly 1/tableShardCount of the table's traffic.
const tableShardCount = 16

// lockTable is a concurrent mapping from resource-id to the current
// lock instance for one resource type. It never iterates resources
// globally; every key is touched only through Get/PutIfAbsent/Remove/
// Replace, each individually linearizable.
type lockTable struct {
	shards [tableShardCount]lockShard
}

type lockShard struct {
	mu sync.RWMutex
	m  map[ResourceID]lockInstance
}

func newLockTable() *lockTable {
	t := &lockTable{}
	for i := range t.shards {
		t.shards[i].m = make(map[ResourceID]lockInstance)
	}
	return t
}

func (t *lockTable) shardFor(id ResourceID) *lockShard {
	h := uint64(id)
	h ^= h >> 33
	h *= 0xff51afd7ed558ccd
	h ^= h >> 33
	return &t.shards[h%tableShardCount]
}

// Get returns the current lock instance for id, or nil if absent.
func (t *lockTable) Get(id ResourceID) lockInstance {
	sh := t.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.m[id]
}

// PutIfAbsent installs li at id if no entry currently exists, returning
// nil on success. If an entry already exists, it is returned unchanged
// and li is not installed.
func (t *lockTable) PutIfAbsent(id ResourceID, li lockInstance) lockInstance {
	sh := t.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if existing, ok := sh.m[id]; ok {
		return existing
	}
	sh.m[id] = li
	return nil
}

// Remove unconditionally deletes the entry at id, if any.
func (t *lockTable) Remove(id ResourceID) {
	sh := t.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.m, id)
}

// RemoveIf deletes the entry at id only if it is still expect,
// guarding against removing an entry a concurrent acquirer has since
// replaced.
func (t *lockTable) RemoveIf(id ResourceID, expect lockInstance) bool {
	sh := t.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.m[id] != expect {
		return false
	}
	delete(sh.m, id)
	return true
}

// Replace atomically swaps the entry at id from oldVal to newVal,
// failing if the current entry is no longer oldVal. Used for
// downgrade-in-place and for try_exclusive's in-place promotion.
func (t *lockTable) Replace(id ResourceID, oldVal, newVal lockInstance) bool {
	sh := t.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.m[id] != oldVal {
		return false
	}
	sh.m[id] = newVal
	return true
}
