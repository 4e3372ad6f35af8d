package lockkeeper

import "testing"

func TestDefaultManagerConfig(t *testing.T) {
	cfg := DefaultManagerConfig(4)
	if cfg.NumResourceTypes != 4 {
		t.Fatalf("got %d resource types, want 4", cfg.NumResourceTypes)
	}
	if cfg.LockAcquisitionTimeout != 0 {
		t.Fatal("expected timeout disabled by default")
	}
	if cfg.ResolutionStrategy == nil {
		t.Fatal("expected a default resolution strategy")
	}
}

func TestNewManager_NewClientIsLive(t *testing.T) {
	m := NewManager(DefaultManagerConfig(2))
	c := m.NewClient()
	if m.lookupClient(c.id) != c {
		t.Fatal("expected a freshly checked-out client to be registered as live")
	}
	if m.liveClientCount() < 1 {
		t.Fatal("expected at least one live client")
	}
	c.Close()
	if m.lookupClient(c.id) != nil {
		t.Fatal("expected a closed client to be unregistered")
	}
}

func TestNewManager_DefaultWaitStrategyPerType(t *testing.T) {
	m := NewManager(DefaultManagerConfig(3))
	for i := 0; i < 3; i++ {
		if m.waitStrategyFor(i) == nil {
			t.Fatalf("expected a default wait strategy for type %d", i)
		}
	}
}

func TestNewManager_CustomWaitStrategy(t *testing.T) {
	custom := ConstantSleep{Interval: 1}
	cfg := DefaultManagerConfig(1)
	cfg.WaitStrategies = []WaitStrategy{custom}
	m := NewManager(cfg)
	if m.waitStrategyFor(0) != WaitStrategy(custom) {
		t.Fatal("expected the configured wait strategy to be wired for type 0")
	}
}
