package lockkeeper

import (
	"sync"

	"github.com/aalhour/lockkeeper/internal/logging"
)

// ClientPool hands out Clients from a free-list of previously closed
// ones, recycling both the struct and its client-id, and allocates a
// fresh Client only once the free-list is empty. Grounded on the
// teacher's activeTxns bookkeeping (checkout/unregister by id), trimmed
// to the free-list shape a lock manager actually needs.
type ClientPool struct {
	mu      sync.Mutex
	manager *Manager
	free    []*Client
	nextID  ClientID
}

func newClientPool(m *Manager) *ClientPool {
	return &ClientPool{manager: m}
}

// checkout returns a ready-to-use Client: a recycled one with its
// state reset, or a brand-new one with a fresh id. A fresh id that
// would run past the configured MaxClients is an irrecoverable
// configuration error: every Client's WaitSet is sized to MaxClients,
// so an id beyond that range would silently drop out of Set/Clear/Test
// (see WaitSet's out-of-capacity behavior) and the deadlock detector
// would stop seeing that client at all. Reported through Fatalf; when
// the configured Logger is a *logging.DefaultLogger, NewManager has
// wired that to force every already-live client to a stopped state
// rather than let them keep acquiring locks the detector can no longer
// reason about. With any other Logger nothing is stopped. In both
// cases the new Client is still returned.
func (p *ClientPool) checkout() *Client {
	p.mu.Lock()
	if n := len(p.free); n > 0 {
		c := p.free[n-1]
		p.free = p.free[:n-1]
		p.mu.Unlock()
		c.reset()
		return c
	}
	id := p.nextID
	p.nextID++
	p.mu.Unlock()

	if int(id) >= p.manager.maxClients {
		p.manager.config.Logger.Fatalf(logging.NSPool+"checkout: client id %d would exceed MaxClients=%d, WaitSet capacity exhausted", id, p.manager.maxClients)
	}

	return newClient(id, p.manager)
}

// release returns a closed client to the free-list. Called exactly
// once per client, from Client.Close.
func (p *ClientPool) release(c *Client) {
	p.manager.unregister(c)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, c)
}
