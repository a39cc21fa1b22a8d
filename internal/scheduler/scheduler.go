// Package scheduler drives the engine's periodic ticks: recent syncs, gap
// sweeps, demographics dispatch, and stale-job pruning.
package scheduler

import (
	"context"
	"fmt"

	"github.com/insight-sync/internal/config"
	"github.com/insight-sync/internal/logging"
	"github.com/robfig/cron/v3"
)

// SyncTicker is the slice of the sync service the scheduler drives
type SyncTicker interface {
	EnqueueRecent(ctx context.Context) error
	SweepGaps(ctx context.Context) error
	PruneStale(ctx context.Context) int
}

// DemographicsTicker triggers one dispatcher pass
type DemographicsTicker interface {
	Dispatch(ctx context.Context) error
}

// Janitor removes terminal job rows that have aged out of the durable table
type Janitor interface {
	DeleteTerminal(ctx context.Context, olderThanDays int) (int, error)
}

// terminalRetentionDays is how long completed and dead job rows stay
// inspectable before the prune tick drops them
const terminalRetentionDays = 30

// Scheduler registers the periodic ticks with a cron runner
type Scheduler struct {
	cron         *cron.Cron
	sync         SyncTicker
	demographics DemographicsTicker
	janitor      Janitor
	cfg          *config.SchedulerConfig
	logger       *logging.Logger
}

// NewScheduler creates a scheduler from config
func NewScheduler(cfg *config.SchedulerConfig, sync SyncTicker, demographics DemographicsTicker, janitor Janitor) (*Scheduler, error) {
	if sync == nil {
		return nil, fmt.Errorf("sync ticker cannot be nil")
	}

	return &Scheduler{
		cron:         cron.New(),
		sync:         sync,
		demographics: demographics,
		janitor:      janitor,
		cfg:          cfg,
		logger:       logging.GetGlobalLogger().WithField("component", "scheduler"),
	}, nil
}

// Start registers every tick and starts the cron runner. ctx bounds each
// tick's work, not the runner's lifetime; call Stop to halt the runner.
func (s *Scheduler) Start(ctx context.Context) error {
	ticks := []struct {
		name string
		spec string
		run  func() error
	}{
		{"recent_sync", s.cfg.RecentSyncSpec, func() error { return s.sync.EnqueueRecent(ctx) }},
		{"gap_sweep", s.cfg.GapSweepSpec, func() error { return s.sync.SweepGaps(ctx) }},
		{"prune", s.cfg.PruneSpec, func() error {
			pruned := s.sync.PruneStale(ctx)
			if pruned > 0 {
				s.logger.Infof("Pruned %d stale jobs", pruned)
			}
			if s.janitor != nil {
				dropped, err := s.janitor.DeleteTerminal(ctx, terminalRetentionDays)
				if err != nil {
					return err
				}
				if dropped > 0 {
					s.logger.Infof("Dropped %d aged terminal job rows", dropped)
				}
			}
			return nil
		}},
	}
	if s.demographics != nil {
		ticks = append(ticks, struct {
			name string
			spec string
			run  func() error
		}{"demographics_dispatch", s.cfg.DemographicsSpec, func() error { return s.demographics.Dispatch(ctx) }})
	}

	for _, tick := range ticks {
		tick := tick
		if tick.spec == "" {
			continue
		}
		_, err := s.cron.AddFunc(tick.spec, func() {
			s.logger.WithField("tick", tick.name).Debug("Tick started")
			if err := tick.run(); err != nil {
				s.logger.WithField("tick", tick.name).ErrorWithErr("Tick failed", err)
			}
		})
		if err != nil {
			return fmt.Errorf("failed to register %s tick (%q): %w", tick.name, tick.spec, err)
		}
	}

	s.cron.Start()
	s.logger.Info("Scheduler started")
	return nil
}

// Stop halts the cron runner and waits for running ticks to finish
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("Scheduler stopped")
}
