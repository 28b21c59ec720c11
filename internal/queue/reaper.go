package queue

import (
	"context"
	"time"

	"github.com/noetl/noetl/internal/pkg/dbctx"
)

// ReaperConfig bounds the background sweeps. PurgeGrace is how long done
// jobs linger before physical deletion; events are never purged here.
type ReaperConfig struct {
	Interval   time.Duration
	PurgeGrace time.Duration
}

// StartReaper runs the lease reaper until ctx is done. Expired leases go
// back to pending with their attempt counter intact, so a reaped job still
// burns an attempt; done jobs past the grace window are deleted.
func (s *Service) StartReaper(ctx context.Context, cfg ReaperConfig) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.log.Info("Queue reaper stopped")
				return
			case <-ticker.C:
				s.sweep(ctx, cfg)
			}
		}
	}()
}

func (s *Service) sweep(ctx context.Context, cfg ReaperConfig) {
	dbc := dbctx.Context{Ctx: ctx}
	now := time.Now()
	reaped, err := s.jobs.ReapExpired(dbc, now)
	if err != nil {
		s.log.Warn("Lease reap failed", "error", err)
	} else if reaped > 0 {
		s.log.Info("Reaped expired leases", "count", reaped)
	}
	if cfg.PurgeGrace > 0 {
		purged, err := s.jobs.PurgeDone(dbc, now.Add(-cfg.PurgeGrace))
		if err != nil {
			s.log.Warn("Done-job purge failed", "error", err)
		} else if purged > 0 {
			s.log.Debug("Purged done jobs", "count", purged)
		}
	}
}
