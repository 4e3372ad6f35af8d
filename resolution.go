package lockkeeper

import "math/rand/v2"

// ResolutionStrategy picks the victim when the deadlock detector finds
// a cycle. Given the same pair of clients on both sides of a detected
// cycle, exactly one side's ShouldAbort must return true; asymmetry is
// required to avoid both sides aborting (livelock) or neither aborting
// (the cycle is never broken).
type ResolutionStrategy interface {
	// ShouldAbort is called by self, the client that just detected it
	// is waiting (transitively) on blocker. Returning true means self
	// raises DeadlockError.
	ShouldAbort(self, blocker *Client) bool
}

// AbortYoungerStrategy aborts whichever of the two clients has the
// higher id, an arbitrary but deterministic and trivially asymmetric
// tie-break (no two distinct ids are equal, so exactly one side wins).
type AbortYoungerStrategy struct{}

// ShouldAbort implements ResolutionStrategy.
func (AbortYoungerStrategy) ShouldAbort(self, blocker *Client) bool {
	return self.id > blocker.id
}

// AlwaysAbortSelfStrategy always aborts the detecting side. Combined
// with any blocker-side strategy this is not guaranteed asymmetric on
// its own; it is intended for callers who want a simple, predictable
// policy and accept that the blocker side must use a complementary
// strategy (or never performs the symmetric check itself).
type AlwaysAbortSelfStrategy struct{}

// ShouldAbort implements ResolutionStrategy.
func (AlwaysAbortSelfStrategy) ShouldAbort(self, blocker *Client) bool {
	return true
}

// RandomStrategy picks a pseudo-random victim, but deterministically
// from the unordered pair of client ids: both clients, on either side
// of the same detected cycle, compute the identical coin flip, so
// exactly one of them observes true.
type RandomStrategy struct{}

// ShouldAbort implements ResolutionStrategy.
func (RandomStrategy) ShouldAbort(self, blocker *Client) bool {
	lo, hi := self.id, blocker.id
	if lo > hi {
		lo, hi = hi, lo
	}
	src := rand.New(rand.NewPCG(uint64(lo), uint64(hi)))
	winner := src.Uint64()%2 == 0
	if winner {
		return self.id == lo
	}
	return self.id == hi
}
