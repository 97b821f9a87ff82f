// Package ackwait matches acknowledgment envelopes to the sends waiting on them.
package ackwait

import (
	"context"
	"sync"
	"time"

	"chatsync/pkg/envelope"
)

// DefaultTimeout is how long a send waits for its acknowledgment.
const DefaultTimeout = 2000 * time.Millisecond

type key struct {
	kind    envelope.Kind
	localID string
}

// Waiter tracks outstanding acknowledgments by kind and local id.
type Waiter struct {
	mu      sync.Mutex
	pending map[key][]*Future
}

// New returns an empty Waiter.
func New() *Waiter {
	return &Waiter{pending: make(map[key][]*Future)}
}

// Future completes when the matching acknowledgment arrives.
type Future struct {
	w    *Waiter
	key  key
	done chan struct{}
	once sync.Once
}

// Expect registers interest in an acknowledgment. Call it before publishing
// the envelope that will trigger the acknowledgment.
func (w *Waiter) Expect(kind envelope.Kind, localID string) *Future {
	f := &Future{w: w, key: key{kind: kind, localID: localID}, done: make(chan struct{})}
	w.mu.Lock()
	w.pending[f.key] = append(w.pending[f.key], f)
	w.mu.Unlock()
	return f
}

// Resolve completes every future waiting on kind and localID. It reports
// whether any was waiting.
func (w *Waiter) Resolve(kind envelope.Kind, localID string) bool {
	k := key{kind: kind, localID: localID}
	w.mu.Lock()
	futures := w.pending[k]
	delete(w.pending, k)
	w.mu.Unlock()
	for _, f := range futures {
		f.once.Do(func() { close(f.done) })
	}
	return len(futures) > 0
}

// Pending returns the number of registered futures.
func (w *Waiter) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, fs := range w.pending {
		n += len(fs)
	}
	return n
}

// Await blocks until the future resolves, the timeout elapses or ctx is done.
// It reports whether the acknowledgment arrived. The future is deregistered
// on return either way.
func (f *Future) Await(ctx context.Context, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	defer f.w.remove(f)
	select {
	case <-f.done:
		return true
	case <-timer.C:
	case <-ctx.Done():
	}
	// an acknowledgment racing the timeout still counts
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Cancel deregisters the future without waiting.
func (f *Future) Cancel() {
	f.w.remove(f)
}

// Done is closed once the future resolves.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

func (w *Waiter) remove(f *Future) {
	w.mu.Lock()
	defer w.mu.Unlock()
	futures := w.pending[f.key]
	for i, other := range futures {
		if other == f {
			futures = append(futures[:i], futures[i+1:]...)
			break
		}
	}
	if len(futures) == 0 {
		delete(w.pending, f.key)
	} else {
		w.pending[f.key] = futures
	}
}
