// Package sentinel sweeps for overdue step instances and applies their
// configured timeout actions, and runs periodic maintenance (idempotency key
// expiry, terminal instance retention).
package sentinel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/warekit/procflow/internal/store"
	"github.com/warekit/procflow/pkg/schema"
)

// TimeoutApplier applies the timeout action of one overdue step instance.
// Satisfied by the engine supervisor.
type TimeoutApplier interface {
	HandleTimeout(ctx context.Context, stepInstanceID string) error
}

// Config tunes the sweep loop.
type Config struct {
	// SweepInterval is how often due steps are collected. Default 30s.
	SweepInterval time.Duration
	// BatchSize caps the number of due steps handled per sweep. Default 100.
	BatchSize int
	// FailureCooldown holds a step out of sweeps after its timeout action
	// errored, so a broken action does not burn every tick. Default 5m.
	FailureCooldown time.Duration
	// MaintenanceCron schedules the maintenance tick. Default "0 3 * * *"
	// (daily at 03:00).
	MaintenanceCron string
	// Retention is how long terminal instances are kept before purging.
	// Zero disables the purge.
	Retention time.Duration
}

func (c *Config) withDefaults() {
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FailureCooldown <= 0 {
		c.FailureCooldown = 5 * time.Minute
	}
	if c.MaintenanceCron == "" {
		c.MaintenanceCron = "0 3 * * *"
	}
}

// Sentinel is the background loop. One instance per process; the step
// version guard makes concurrent sentinels across processes safe, each
// overdue action applies exactly once.
type Sentinel struct {
	store   store.Store
	applier TimeoutApplier
	cfg     Config
	logger  *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{}
	cooldown   map[string]time.Time

	nextMaintenance time.Time
	schedule        cron.Schedule
	now             func() time.Time
}

func New(st store.Store, applier TimeoutApplier, cfg Config, logger *slog.Logger) (*Sentinel, error) {
	cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cfg.MaintenanceCron)
	if err != nil {
		return nil, fmt.Errorf("parse maintenance cron %q: %w", cfg.MaintenanceCron, err)
	}
	return &Sentinel{
		store:    st,
		applier:  applier,
		cfg:      cfg,
		logger:   logger,
		inflight: make(map[string]struct{}),
		cooldown: make(map[string]time.Time),
		schedule: schedule,
		now:      time.Now,
	}, nil
}

// Start launches the background sweep loop.
func (s *Sentinel) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("sentinel already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.nextMaintenance = s.schedule.Next(s.now().UTC())
	s.mu.Unlock()

	go s.loop(loopCtx)
	s.logger.Info("sentinel started",
		slog.Duration("sweep_interval", s.cfg.SweepInterval),
		slog.String("maintenance_cron", s.cfg.MaintenanceCron))
	return nil
}

// Stop gracefully shuts down the loop, waiting for an in-flight sweep.
func (s *Sentinel) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
	s.logger.Info("sentinel stopped")
	return nil
}

func (s *Sentinel) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	// Run an initial sweep immediately so overdue steps from before a
	// restart are picked up.
	s.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
			s.maybeMaintain(ctx)
		}
	}
}

// Sweep collects due step instances and applies their timeout actions. A
// CONFLICT from the applier means someone settled the step mid-sweep and is
// skipped silently.
func (s *Sentinel) Sweep(ctx context.Context) {
	now := s.now().UTC()
	due, err := s.store.ListDueStepInstances(ctx, now, s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("failed to list due steps", slog.String("error", err.Error()))
		return
	}

	for _, si := range due {
		if s.coolingDown(si.ID, now) {
			continue
		}
		if !s.tryAcquire(si.ID) {
			continue
		}
		err := s.applier.HandleTimeout(ctx, si.ID)
		s.release(si.ID)
		switch {
		case err == nil:
			// settled or no longer due
		case schema.IsConflict(err), schema.IsNotFound(err):
			// lost the race to a concurrent actor
		default:
			s.logger.Error("timeout action failed",
				slog.String("step_instance_id", si.ID),
				slog.String("step_code", si.StepCode),
				slog.String("error", err.Error()))
			s.holdOut(si.ID, now.Add(s.cfg.FailureCooldown))
		}
	}
}

// maybeMaintain runs the maintenance tick when its cron schedule is due.
func (s *Sentinel) maybeMaintain(ctx context.Context) {
	now := s.now().UTC()
	s.mu.Lock()
	due := !now.Before(s.nextMaintenance)
	if due {
		s.nextMaintenance = s.schedule.Next(now)
	}
	s.mu.Unlock()
	if !due {
		return
	}
	s.Maintain(ctx)
}

// Maintain expires idempotency keys, purges old terminal instances, and
// compacts the database.
func (s *Sentinel) Maintain(ctx context.Context) {
	now := s.now().UTC()

	expired, err := s.store.DeleteExpiredIdempotencyKeys(ctx, now)
	if err != nil {
		s.logger.Error("idempotency key sweep failed", slog.String("error", err.Error()))
	} else if expired > 0 {
		s.logger.Info("expired idempotency keys deleted", slog.Int64("count", expired))
	}

	if s.cfg.Retention > 0 {
		purged, err := s.store.PurgeTerminalInstancesBefore(ctx, now.Add(-s.cfg.Retention))
		if err != nil {
			s.logger.Error("retention purge failed", slog.String("error", err.Error()))
		} else if purged > 0 {
			s.logger.Info("terminal instances purged", slog.Int64("count", purged))
		}
	}

	if err := s.store.Vacuum(ctx); err != nil {
		s.logger.Error("vacuum failed", slog.String("error", err.Error()))
	}

	// Drop stale cooldown entries while we are here.
	s.inflightMu.Lock()
	for id, until := range s.cooldown {
		if until.Before(now) {
			delete(s.cooldown, id)
		}
	}
	s.inflightMu.Unlock()
}

func (s *Sentinel) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Sentinel) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

func (s *Sentinel) coolingDown(id string, now time.Time) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	until, ok := s.cooldown[id]
	return ok && now.Before(until)
}

func (s *Sentinel) holdOut(id string, until time.Time) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	s.cooldown[id] = until
}
