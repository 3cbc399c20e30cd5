package core

import (
	"context"
	"sync"
)

// AckTracker records the highest watermark a sink has acknowledged for a
// session and lets callers block until a given watermark is confirmed.
type AckTracker struct {
	mu     sync.Mutex
	cond   *sync.Cond
	latest int64
}

// NewAckTracker creates a tracker with no acknowledged watermark.
func NewAckTracker() *AckTracker {
	t := &AckTracker{latest: NonAddress}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Report records an acknowledged watermark. Older watermarks are ignored.
func (t *AckTracker) Report(watermark int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if watermark <= t.latest {
		return false
	}
	t.latest = watermark
	t.cond.Broadcast()
	return true
}

// Reset forgets the acknowledged watermark, e.g. when a new snapshot sync starts.
func (t *AckTracker) Reset(watermark int64) {
	t.mu.Lock()
	t.latest = watermark
	t.mu.Unlock()
}

// Latest returns the highest acknowledged watermark, or NonAddress.
func (t *AckTracker) Latest() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.latest
}

// WaitFor blocks until watermark has been acknowledged or ctx is done.
func (t *AckTracker) WaitFor(ctx context.Context, watermark int64) error {
	done := make(chan struct{})
	go func() {
		t.mu.Lock()
		for t.latest < watermark && ctx.Err() == nil {
			t.cond.Wait()
		}
		t.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		if t.Latest() >= watermark {
			return nil
		}
		return ctx.Err()
	case <-ctx.Done():
		// Wake the waiter so it observes the cancellation and exits.
		t.mu.Lock()
		t.cond.Broadcast()
		t.mu.Unlock()
		<-done
		if t.Latest() >= watermark {
			return nil
		}
		return ctx.Err()
	}
}
