package replication

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/INLOpen/nexusrepl/core"
)

// StatusPoller periodically republishes the backlog estimate of every
// registered AckReader. One poller serves the whole process; rounds run
// with a fixed delay between the end of one round and the start of the next.
type StatusPoller struct {
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	readers map[core.Session]*AckReader

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewStatusPoller creates a poller with the given delay between rounds.
func NewStatusPoller(interval time.Duration, logger *slog.Logger) *StatusPoller {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusPoller{
		interval: interval,
		logger:   logger.With("component", "StatusPoller"),
		readers:  make(map[core.Session]*AckReader),
		stopCh:   make(chan struct{}),
	}
}

// Add registers the ack reader of a session, replacing any previous one.
func (p *StatusPoller) Add(r *AckReader) {
	p.mu.Lock()
	p.readers[r.session] = r
	p.mu.Unlock()
}

// Remove unregisters a session.
func (p *StatusPoller) Remove(session core.Session) {
	p.mu.Lock()
	delete(p.readers, session)
	p.mu.Unlock()
}

// Start launches the scheduler goroutine. It exits on Stop or when ctx is done.
func (p *StatusPoller) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		timer := time.NewTimer(p.interval)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-timer.C:
				p.Poll(ctx)
				timer.Reset(p.interval)
			}
		}
	}()
	p.logger.Info("Status poller started", "interval", p.interval.String())
}

// Poll runs one round over the registered sessions. A failing session is
// retried once and logged; it never stops the round.
func (p *StatusPoller) Poll(ctx context.Context) {
	p.mu.Lock()
	readers := make([]*AckReader, 0, len(p.readers))
	for _, r := range p.readers {
		readers = append(readers, r)
	}
	p.mu.Unlock()

	for _, r := range readers {
		if ctx.Err() != nil {
			return
		}
		if err := r.UpdateRemainingEntries(ctx); err != nil {
			p.logger.Warn("Status update failed, retrying", "session", r.session.String(), "error", err)
			if err := r.UpdateRemainingEntries(ctx); err != nil {
				p.logger.Error("Status update failed", "session", r.session.String(), "error", err)
			}
		}
	}
}

// Stop stops the scheduler and waits for an in-flight round.
func (p *StatusPoller) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}
