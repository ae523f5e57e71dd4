package stubserver

import (
	"log/slog"
	"time"
)

// Housekeeping periodically purges expired refresh tokens and access token
// ids so a long running stub does not grow without bound.
type Housekeeping struct {
	server   *Server
	logger   *slog.Logger
	interval time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewHousekeeping defaults the interval to one hour.
func NewHousekeeping(s *Server, logger *slog.Logger, interval time.Duration) *Housekeeping {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Housekeeping{
		server:   s,
		logger:   logger,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (h *Housekeeping) Start() {
	go h.run()
	h.logger.Info("housekeeping started", "interval", h.interval)
}

// Stop blocks until an in-progress sweep has finished.
func (h *Housekeeping) Stop() {
	close(h.stopCh)
	<-h.doneCh
	h.logger.Info("housekeeping stopped")
}

func (h *Housekeeping) run() {
	defer close(h.doneCh)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n := h.server.Sweep()
			h.logger.Debug("housekeeping sweep", "deleted", n)
		case <-h.stopCh:
			return
		}
	}
}

// Sweep deletes expired refresh tokens and returns how many were removed.
func (s *Server) Sweep() int {
	now := s.cfg.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for fp, entry := range s.refresh {
		if !now.Before(entry.expiresAt) {
			delete(s.refresh, fp)
			deleted++
		}
	}
	return deleted
}
