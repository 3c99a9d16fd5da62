package dispatch

import "sync/atomic"

// Waiter outcomes. A waiter resolves exactly once; the first claim wins
// and every later claim is a no-op.
const (
	waitPending int32 = iota
	waitMatched
	waitTimedOut
	waitCancelled
)

// waiter is a one-shot rendezvous between a parked poll request and the
// dispatcher. The done channel is closed on the winning claim.
type waiter struct {
	state atomic.Int32
	done  chan struct{}
}

func newWaiter() *waiter {
	return &waiter{done: make(chan struct{})}
}

// claim attempts to move the waiter from pending to the given terminal
// state. It reports whether this caller won the race.
func (w *waiter) claim(outcome int32) bool {
	if w.state.CompareAndSwap(waitPending, outcome) {
		close(w.done)
		return true
	}
	return false
}

func (w *waiter) outcome() int32 {
	return w.state.Load()
}
