package lockkeeper

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// newFastManager builds a Manager whose wait strategy yields instead of
// sleeping, keeping contention-heavy tests fast.
func newFastManager(numTypes int) *Manager {
	cfg := DefaultManagerConfig(numTypes)
	strategies := make([]WaitStrategy, numTypes)
	for i := range strategies {
		strategies[i] = SpinYield{YieldAfter: 1000}
	}
	cfg.WaitStrategies = strategies
	return NewManager(cfg)
}

func TestClient_ReentrantShared(t *testing.T) {
	m := newFastManager(1)
	rt := ResourceTypeOf(0)
	c1 := m.NewClient()
	defer c1.Close()

	if err := c1.AcquireShared(nil, rt, 7); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if err := c1.AcquireShared(nil, rt, 7); err != nil {
		t.Fatalf("reentrant acquire: %v", err)
	}

	table := m.tableFor(0)
	if table.Get(7) == nil {
		t.Fatal("expected the table entry to remain installed")
	}

	if err := c1.ReleaseShared(rt, 7); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if table.Get(7) == nil {
		t.Fatal("expected the table entry to still be present with one matching release left")
	}

	if err := c1.ReleaseShared(rt, 7); err != nil {
		t.Fatalf("final release: %v", err)
	}
	if table.Get(7) != nil {
		t.Fatal("expected the table entry removed after the final release")
	}
}

func TestClient_Downgrade(t *testing.T) {
	m := newFastManager(1)
	rt := ResourceTypeOf(0)
	c1 := m.NewClient()
	defer c1.Close()
	c2 := m.NewClient()
	defer c2.Close()

	if err := c1.AcquireShared(nil, rt, 7); err != nil {
		t.Fatalf("acquire shared: %v", err)
	}
	if err := c1.AcquireExclusive(nil, rt, 7); err != nil {
		t.Fatalf("acquire exclusive: %v", err)
	}
	if err := c1.ReleaseExclusive(rt, 7); err != nil {
		t.Fatalf("release exclusive: %v", err)
	}

	if _, ok := m.tableFor(0).Get(7).(*SharedLock); !ok {
		t.Fatal("expected the table entry to be a SharedLock after downgrade")
	}
	if !c2.TryShared(rt, 7) {
		t.Fatal("expected a concurrent shared acquire to succeed after downgrade")
	}
}

func TestClient_UpgradeWithWaiters(t *testing.T) {
	m := newFastManager(1)
	rt := ResourceTypeOf(0)
	c1 := m.NewClient()
	defer c1.Close()
	c2 := m.NewClient()
	defer c2.Close()
	c3 := m.NewClient()
	defer c3.Close()

	if err := c1.AcquireShared(nil, rt, 7); err != nil {
		t.Fatalf("c1 acquire shared: %v", err)
	}
	if err := c2.AcquireShared(nil, rt, 7); err != nil {
		t.Fatalf("c2 acquire shared: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- c1.AcquireExclusive(nil, rt, 7)
	}()

	time.Sleep(100 * time.Millisecond)

	if c3.TryShared(rt, 7) {
		t.Fatal("expected try_shared from a third client to fail while an update lock is held")
	}

	if err := c2.ReleaseShared(rt, 7); err != nil {
		t.Fatalf("c2 release shared: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected c1's upgrade to succeed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for c1's upgrade to complete")
	}
}

func TestClient_Deadlock(t *testing.T) {
	cfg := DefaultManagerConfig(1)
	cfg.LockAcquisitionTimeout = 300 * time.Millisecond
	cfg.WaitStrategies = []WaitStrategy{SpinYield{YieldAfter: 1000}}
	m := NewManager(cfg)
	rt := ResourceTypeOf(0)

	c1 := m.NewClient()
	defer c1.Close()
	c2 := m.NewClient()
	defer c2.Close()

	if err := c1.AcquireExclusive(nil, rt, 100); err != nil {
		t.Fatalf("c1 acquire A: %v", err)
	}
	if err := c2.AcquireExclusive(nil, rt, 200); err != nil {
		t.Fatalf("c2 acquire B: %v", err)
	}

	var wg sync.WaitGroup
	var err1, err2 error
	wg.Add(2)
	go func() {
		defer wg.Done()
		err1 = c1.AcquireExclusive(nil, rt, 200) // C1 wants B, held by C2
	}()
	time.Sleep(20 * time.Millisecond)
	go func() {
		defer wg.Done()
		err2 = c2.AcquireExclusive(nil, rt, 100) // C2 wants A, held by C1: cycle
	}()
	wg.Wait()

	var dl *DeadlockError
	gotDeadlock := errors.As(err1, &dl) || errors.As(err2, &dl)
	if !gotDeadlock {
		t.Fatalf("expected at least one side to detect the deadlock, got err1=%v err2=%v", err1, err2)
	}
	if err1 == nil || err2 == nil {
		t.Fatalf("expected both sides to end in an error (deadlock on one, timeout on the other), got err1=%v err2=%v", err1, err2)
	}
}

func TestClient_Timeout(t *testing.T) {
	cfg := DefaultManagerConfig(1)
	cfg.LockAcquisitionTimeout = 50 * time.Millisecond
	cfg.WaitStrategies = []WaitStrategy{SpinYield{YieldAfter: 1000}}
	m := NewManager(cfg)
	rt := ResourceTypeOf(0)

	c1 := m.NewClient()
	defer c1.Close()
	c2 := m.NewClient()
	defer c2.Close()

	if err := c1.AcquireExclusive(nil, rt, 1); err != nil {
		t.Fatalf("c1 acquire: %v", err)
	}

	start := time.Now()
	err := c2.AcquireExclusive(nil, rt, 1)
	elapsed := time.Since(start)

	var te *AcquireLockTimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected AcquireLockTimeoutError, got %v", err)
	}
	if te.TimeoutMillis != 50 {
		t.Fatalf("expected configured timeout of 50ms in the error, got %d", te.TimeoutMillis)
	}
	if elapsed < 50*time.Millisecond {
		t.Fatalf("expected at least 50ms to elapse, took %v", elapsed)
	}
}

func TestClient_TimeoutZeroNeverFires(t *testing.T) {
	cfg := DefaultManagerConfig(1)
	cfg.WaitStrategies = []WaitStrategy{SpinYield{YieldAfter: 1000}}
	m := NewManager(cfg)
	rt := ResourceTypeOf(0)

	c1 := m.NewClient()
	defer c1.Close()
	c2 := m.NewClient()
	defer c2.Close()

	if err := c1.AcquireExclusive(nil, rt, 1); err != nil {
		t.Fatalf("c1 acquire: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- c2.AcquireExclusive(nil, rt, 1)
	}()

	select {
	case err := <-errCh:
		t.Fatalf("expected acquire to keep waiting with timeout disabled, got %v", err)
	case <-time.After(150 * time.Millisecond):
	}

	if err := c1.ReleaseExclusive(rt, 1); err != nil {
		t.Fatalf("c1 release: %v", err)
	}

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("expected c2's acquire to eventually succeed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for c2's acquire after release")
	}
}

func TestClient_StopDuringWait(t *testing.T) {
	m := newFastManager(1)
	rt := ResourceTypeOf(0)
	c1 := m.NewClient()
	defer c1.Close()
	c2 := m.NewClient()

	if err := c1.AcquireExclusive(nil, rt, 1); err != nil {
		t.Fatalf("c1 acquire: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- c2.AcquireExclusive(nil, rt, 1)
	}()

	time.Sleep(50 * time.Millisecond)
	c2.Stop()

	select {
	case err := <-errCh:
		var se *LockClientStoppedError
		if !errors.As(err, &se) {
			t.Fatalf("expected LockClientStoppedError, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the stopped client's acquire to fail")
	}

	c2.Close()
}

func TestClient_ReleaseNotHeldIsIllegalState(t *testing.T) {
	m := newFastManager(1)
	rt := ResourceTypeOf(0)
	c1 := m.NewClient()
	defer c1.Close()

	err := c1.ReleaseShared(rt, 1)
	var ise *IllegalStateError
	if !errors.As(err, &ise) {
		t.Fatalf("expected IllegalStateError, got %v", err)
	}

	err = c1.ReleaseExclusive(rt, 1)
	if !errors.As(err, &ise) {
		t.Fatalf("expected IllegalStateError, got %v", err)
	}
}

func TestClient_TryExclusivePromotion(t *testing.T) {
	m := newFastManager(1)
	rt := ResourceTypeOf(0)
	c1 := m.NewClient()
	defer c1.Close()
	c2 := m.NewClient()
	defer c2.Close()

	if err := c1.AcquireShared(nil, rt, 5); err != nil {
		t.Fatalf("acquire shared: %v", err)
	}
	if !c1.TryExclusive(rt, 5) {
		t.Fatal("expected sole holder to promote in place")
	}
	if _, ok := m.tableFor(0).Get(5).(*ExclusiveLock); !ok {
		t.Fatal("expected the table entry to become an ExclusiveLock after promotion")
	}

	if c2.TryShared(rt, 5) {
		t.Fatal("expected try_shared to fail against an exclusive holder")
	}
}

func TestClient_CloseReleasesEverything(t *testing.T) {
	m := newFastManager(2)
	rtA := ResourceTypeOf(0)
	rtB := ResourceTypeOf(1)
	c1 := m.NewClient()

	if err := c1.AcquireShared(nil, rtA, 1, 2, 3); err != nil {
		t.Fatalf("acquire shared: %v", err)
	}
	if err := c1.AcquireExclusive(nil, rtB, 9); err != nil {
		t.Fatalf("acquire exclusive: %v", err)
	}
	c1.Close()

	for _, id := range []ResourceID{1, 2, 3} {
		if m.tableFor(0).Get(id) != nil {
			t.Fatalf("expected resource %d released after close", id)
		}
	}
	if m.tableFor(1).Get(9) != nil {
		t.Fatal("expected exclusive resource released after close")
	}
}

func TestClient_ConcurrentSharedReaders(t *testing.T) {
	m := newFastManager(1)
	rt := ResourceTypeOf(0)

	var succeeded atomic.Int64
	var wg sync.WaitGroup
	clients := make([]*Client, 20)
	for i := range clients {
		clients[i] = m.NewClient()
	}
	for _, c := range clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			if err := c.AcquireShared(nil, rt, 42); err == nil {
				succeeded.Add(1)
			}
		}(c)
	}
	wg.Wait()

	if succeeded.Load() != int64(len(clients)) {
		t.Fatalf("expected all %d shared acquires to succeed, got %d", len(clients), succeeded.Load())
	}

	for _, c := range clients {
		if err := c.ReleaseShared(rt, 42); err != nil {
			t.Fatalf("release: %v", err)
		}
		c.Close()
	}

	if m.tableFor(0).Get(42) != nil {
		t.Fatal("expected the resource released once every reader has released")
	}
}
