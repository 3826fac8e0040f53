package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"sentinel/internal/config"
	"sentinel/internal/model"
	"sentinel/internal/ratelimit"
	"sentinel/internal/storage"
)

// CacheSweeper evicts expired recent-event entries.
type CacheSweeper interface {
	Sweep() int
}

// AlertRetrier re-attempts undelivered alerts.
type AlertRetrier interface {
	RetrySweep(ctx context.Context) (int, error)
}

// ResolutionCounter lets the sweep keep the live unresolved total honest.
type ResolutionCounter interface {
	RecordResolved(n int)
}

// Scheduler drives the periodic sweep: auto-resolution, cache eviction, and
// the alert retry pass, in that order. A tick that fires while the previous
// sweep is still running is skipped, never run concurrently. Restart applies
// new config timings.
type Scheduler struct {
	store    storage.Store
	cache    CacheSweeper
	retrier  AlertRetrier
	limiter  *ratelimit.Limiter
	counters ResolutionCounter
	cfg      *config.Manager
	logger   *slog.Logger
	now      func() time.Time

	running   sync.Mutex
	restartCh chan struct{}
}

func New(store storage.Store, cache CacheSweeper, retrier AlertRetrier, limiter *ratelimit.Limiter, counters ResolutionCounter, cfg *config.Manager, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:     store,
		cache:     cache,
		retrier:   retrier,
		limiter:   limiter,
		counters:  counters,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		restartCh: make(chan struct{}, 1),
	}
}

// Run blocks until ctx is done, sweeping once per configured interval.
func (s *Scheduler) Run(ctx context.Context) {
	interval := s.cfg.Get().Sweep.Interval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			go s.RunOnce(ctx)
		case <-s.restartCh:
			next := s.cfg.Get().Sweep.Interval
			if next != interval {
				interval = next
				ticker.Reset(interval)
				if s.logger != nil {
					s.logger.Info("sweep interval updated", "interval", interval)
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// Restart picks up new timings after a config update.
func (s *Scheduler) Restart() {
	select {
	case s.restartCh <- struct{}{}:
	default:
	}
}

// RunOnce performs one sweep. Each phase catches its own failure so a broken
// store cannot stop cache eviction or the retry pass in the same tick.
func (s *Scheduler) RunOnce(ctx context.Context) {
	if !s.running.TryLock() {
		if s.logger != nil {
			s.logger.Warn("sweep still running, skipping tick")
		}
		return
	}
	defer s.running.Unlock()

	s.autoResolve(ctx)
	s.evictCaches()
	s.retryAlerts(ctx)
}

func (s *Scheduler) autoResolve(ctx context.Context) {
	mon := s.cfg.Get().Monitoring
	if !mon.AutoResolution {
		return
	}
	cutoff := s.now().Add(-time.Duration(mon.AutoResolutionDelayHours) * time.Hour)
	n, err := s.store.ResolveStaleEvents(ctx, model.SeverityLow, cutoff, "system", "auto-resolved: low severity past retention delay", s.now())
	if err != nil {
		if s.logger != nil {
			s.logger.Error("auto-resolution failed", "err", err)
		}
		return
	}
	if n > 0 {
		if s.counters != nil {
			s.counters.RecordResolved(n)
		}
		if s.logger != nil {
			s.logger.Info("auto-resolved stale events", "count", n)
		}
	}
}

func (s *Scheduler) evictCaches() {
	if s.cache != nil {
		if n := s.cache.Sweep(); n > 0 && s.logger != nil {
			s.logger.Debug("evicted cached events", "count", n)
		}
	}
	if s.limiter != nil {
		s.limiter.Cleanup(s.cfg.Get().Sweep.CacheMaxAge)
	}
}

func (s *Scheduler) retryAlerts(ctx context.Context) {
	if s.retrier == nil {
		return
	}
	n, err := s.retrier.RetrySweep(ctx)
	if err != nil {
		if s.logger != nil {
			s.logger.Error("alert retry sweep failed", "err", err)
		}
		return
	}
	if n > 0 && s.logger != nil {
		s.logger.Info("retried pending alerts", "count", n)
	}
}
