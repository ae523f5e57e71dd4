package authsdk

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// refresher periodically runs tick until stopped or until tick reports that
// there is nothing left to keep alive.
type refresher struct {
	interval time.Duration
	tick     func(ctx context.Context) bool
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func newRefresher(interval time.Duration, logger *slog.Logger, tick func(ctx context.Context) bool) *refresher {
	if interval <= 0 {
		interval = time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &refresher{
		interval: interval,
		tick:     tick,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the background loop. It is non-blocking.
func (r *refresher) Start() {
	go r.run()
	r.logger.Debug("background refresh started", "interval", r.interval)
}

// Stop cancels any in-progress tick and tells the loop to exit. It does not
// wait, so hooks running on the loop's goroutine may call it. Safe to call
// more than once, and after the loop ended on its own.
func (r *refresher) Stop() {
	r.stopOnce.Do(func() {
		r.cancel()
		close(r.stopCh)
	})
}

// Wait blocks until the loop has exited. It must not be called from a tick.
func (r *refresher) Wait() {
	<-r.doneCh
}

func (r *refresher) run() {
	defer close(r.doneCh)
	defer r.logger.Debug("background refresh stopped")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// A tick and a stop can be ready together.
			if r.ctx.Err() != nil {
				return
			}
			if !r.tick(r.ctx) {
				return
			}
		case <-r.stopCh:
			return
		}
	}
}
