package lockkeeper

import "sync/atomic"

// stateHolder is the tri-state open/active-count/stopped machine every
// Client uses to make stop-then-close safe under contention: Client.Stop
// sets the stopped bit and then polls until the active count drains, so
// a client is not closed while an acquire or release is still in flight.
type stateHolder struct {
	active  atomic.Int64
	stopped atomic.Bool
}

// IncrementActive records the start of one operation. Called at the
// top of every Client acquire, try and release method before touching
// any lock state.
func (s *stateHolder) IncrementActive() {
	s.active.Add(1)
}

// DecrementActive records the end of one operation.
func (s *stateHolder) DecrementActive() {
	s.active.Add(-1)
}

// IsStopped reports whether Stop has been called.
func (s *stateHolder) IsStopped() bool {
	return s.stopped.Load()
}

// Stop marks the holder stopped; it does not itself wait for the
// active count to drain (callers needing that, i.e. Client.Stop,
// poll HasActiveClients separately).
func (s *stateHolder) Stop() {
	s.stopped.Store(true)
}

// HasActiveClients reports whether any operation is currently in
// flight.
func (s *stateHolder) HasActiveClients() bool {
	return s.active.Load() > 0
}

// Reset returns the holder to its initial open state, for reuse by a
// freshly checked-out pooled client. Must only be called once the
// active count has actually drained to zero.
func (s *stateHolder) Reset() {
	s.active.Store(0)
	s.stopped.Store(false)
}
