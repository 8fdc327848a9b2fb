// Package transact matches locally issued messages with their replies.
package transact

import "sync"

// Outcome is the terminal result of one tracked request.
type Outcome struct {
	Payload any
	Err     error
}

// Tracker holds pending continuations keyed by transaction id. An entry with
// no matching reply is never removed: "deliver eventually" is the policy, and
// the table growing without bound is the accepted cost.
type Tracker struct {
	mu      sync.Mutex
	pending map[string]chan Outcome
}

func New() *Tracker {
	return &Tracker{pending: make(map[string]chan Outcome)}
}

// Open registers a continuation for id. The returned channel receives exactly
// one outcome if a matching reply ever arrives.
func (t *Tracker) Open(id string) <-chan Outcome {
	ch := make(chan Outcome, 1)
	t.mu.Lock()
	t.pending[id] = ch
	t.mu.Unlock()
	return ch
}

// Settle resolves the continuation for id and removes it. Unknown ids
// (duplicate or already-settled replies) are a no-op.
func (t *Tracker) Settle(id string, out Outcome) bool {
	t.mu.Lock()
	ch, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	ch <- out
	return true
}

// Pending reports how many transactions are still waiting for a reply.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
