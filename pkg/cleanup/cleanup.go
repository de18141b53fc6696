// Package cleanup runs the retention loop: comm-log entries older than the
// configured retention are pruned on an interval. The comm log is audit data
// only, so pruning never touches authoritative state.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/taskfleet/taskfleet/pkg/config"
	"github.com/taskfleet/taskfleet/pkg/store"
)

// Service is the retention loop.
type Service struct {
	store *store.Store
	cfg   config.RetentionConfig
	now   func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a retention service.
func New(st *store.Store, cfg config.RetentionConfig) *Service {
	return &Service{
		store: st,
		cfg:   cfg,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Start launches the loop. One pass runs immediately so a long-stopped
// controller catches up without waiting a full interval.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(s.cfg.CleanupInterval)
		defer ticker.Stop()

		s.runOnce(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runOnce(ctx)
			}
		}
	}()

	slog.Info("Cleanup service started",
		"comm_log_retention", s.cfg.CommLogRetention, "interval", s.cfg.CleanupInterval)
}

// Stop shuts the loop down and waits for it.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) runOnce(ctx context.Context) {
	cutoff := s.now().Add(-s.cfg.CommLogRetention)
	pruned, err := s.store.PruneCommLogs(ctx, cutoff)
	if err != nil {
		slog.Warn("Comm log pruning failed", "error", err)
		return
	}
	if pruned > 0 {
		slog.Info("Pruned comm log entries", "count", pruned, "cutoff", cutoff)
	}
}
