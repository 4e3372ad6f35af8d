package lockkeeper

import (
	"sync"
	"time"

	"github.com/aalhour/lockkeeper/internal/logging"
)

// ManagerConfig configures a Manager. Zero-value duration fields mean
// "apply the default", matching the teacher's
// Options/DefaultXOptions() pattern.
type ManagerConfig struct {
	// NumResourceTypes is the fixed number of resource-type namespaces
	// this Manager arbitrates locks for. Must be positive.
	NumResourceTypes int

	// MaxClients bounds the capacity of every Client's WaitSet. 0
	// selects a default of 4096.
	MaxClients int

	// LockAcquisitionTimeout bounds how long a blocking acquire may
	// wait before failing with AcquireLockTimeoutError. 0 disables
	// the check.
	LockAcquisitionTimeout time.Duration

	// ResolutionStrategy picks the deadlock victim. Defaults to
	// AbortYoungerStrategy.
	ResolutionStrategy ResolutionStrategy

	// WaitStrategies is indexed by resource-type TypeID(); a nil or
	// short entry falls back to ExponentialBackoff.
	WaitStrategies []WaitStrategy

	// Logger receives lifecycle and error messages. Defaults via
	// logging.OrDefault when nil.
	Logger logging.Logger
}

// DefaultManagerConfig returns a ManagerConfig for numResourceTypes
// resource types with every other field set to its default.
func DefaultManagerConfig(numResourceTypes int) ManagerConfig {
	return ManagerConfig{
		NumResourceTypes:       numResourceTypes,
		MaxClients:             4096,
		LockAcquisitionTimeout: 0,
		ResolutionStrategy:     AbortYoungerStrategy{},
		Logger:                 logging.Discard,
	}
}

// Manager is the top-level facade: it owns the LockTable for each
// resource type, the ClientPool, and the DeadlockDetector, and hands
// out Clients to callers. Grounded on the teacher's TransactionDB as
// the wiring point between a lock manager and its callers, trimmed of
// everything specific to driving an actual key/value store.
type Manager struct {
	config         ManagerConfig
	tables         []*lockTable
	waitStrategies []WaitStrategy
	maxClients     int

	pool     *ClientPool
	detector *DeadlockDetector

	mu          sync.RWMutex
	clientsByID map[ClientID]*Client
}

// NewManager constructs a Manager from cfg. An invalid
// NumResourceTypes is an irrecoverable configuration error and is
// reported through Logger.Fatalf, not returned, since there is no
// sensible Manager to hand back.
func NewManager(cfg ManagerConfig) *Manager {
	cfg.Logger = logging.OrDefault(cfg.Logger)
	if cfg.NumResourceTypes <= 0 {
		cfg.Logger.Fatalf(logging.NSClient+"NewManager: NumResourceTypes must be positive, got %d", cfg.NumResourceTypes)
	}
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = 4096
	}
	if cfg.ResolutionStrategy == nil {
		cfg.ResolutionStrategy = AbortYoungerStrategy{}
	}

	strategies := make([]WaitStrategy, cfg.NumResourceTypes)
	for i := range strategies {
		if i < len(cfg.WaitStrategies) && cfg.WaitStrategies[i] != nil {
			strategies[i] = cfg.WaitStrategies[i]
		} else {
			strategies[i] = ExponentialBackoff{}
		}
	}

	m := &Manager{
		config:         cfg,
		tables:         make([]*lockTable, cfg.NumResourceTypes),
		waitStrategies: strategies,
		maxClients:     cfg.MaxClients,
		clientsByID:    make(map[ClientID]*Client),
	}
	for i := range m.tables {
		m.tables[i] = newLockTable()
	}
	m.pool = newClientPool(m)
	m.detector = newDeadlockDetector(m.lookupClient, m.liveClientCount, cfg.ResolutionStrategy)

	if dl, ok := cfg.Logger.(*logging.DefaultLogger); ok {
		dl.SetFatalHandler(m.forceStopAll)
	}
	return m
}

// forceStopAll is wired as the configured Logger's FatalHandler when
// that Logger is a *logging.DefaultLogger (other Loggers, including the
// default logging.Discard, never call it): an
// irrecoverable error elsewhere in the Manager (currently, the client-id
// space running past MaxClients) forces every currently live client
// into the stopped state, so no caller keeps acquiring locks against a
// deadlock detector that can no longer see every participant. It only
// sets each client's stopped flag — it does not wait for in-flight
// operations to drain, since a FatalHandler must not block.
func (m *Manager) forceStopAll(msg string) {
	m.mu.RLock()
	clients := make([]*Client, 0, len(m.clientsByID))
	for _, c := range m.clientsByID {
		clients = append(clients, c)
	}
	m.mu.RUnlock()
	for _, c := range clients {
		c.state.Stop()
	}
}

func (m *Manager) tableFor(typeIdx int) *lockTable { return m.tables[typeIdx] }

func (m *Manager) waitStrategyFor(typeIdx int) WaitStrategy { return m.waitStrategies[typeIdx] }

func (m *Manager) lookupClient(id ClientID) *Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.clientsByID[id]
}

func (m *Manager) liveClientCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := len(m.clientsByID)
	if n == 0 {
		return 1
	}
	return n
}

func (m *Manager) unregister(c *Client) {
	m.mu.Lock()
	delete(m.clientsByID, c.id)
	m.mu.Unlock()
	m.config.Logger.Infof(logging.NSPool+"client %d released to pool", c.id)
}

// NewClient checks out a fresh or recycled Client and registers it as
// live, so it becomes visible to other clients' deadlock walks.
func (m *Manager) NewClient() *Client {
	c := m.pool.checkout()
	m.mu.Lock()
	m.clientsByID[c.id] = c
	m.mu.Unlock()
	m.config.Logger.Infof(logging.NSPool+"client %d checked out", c.id)
	return c
}
