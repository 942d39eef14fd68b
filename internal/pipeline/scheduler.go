package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// windowOverlap is added to each scheduled fetch window so calls landing on a
// tick boundary are never missed. The store deduplicates the overlap.
const windowOverlap = 5 * time.Minute

// Scheduler runs the recurring passes: fetch the trailing window, process the
// backlog, resync directories. Any interval <= 0 disables that loop.
type Scheduler struct {
	orch     *Orchestrator
	resyncer *Resyncer

	fetchInterval   time.Duration
	processInterval time.Duration
	resyncInterval  time.Duration

	log   *slog.Logger
	clock func() time.Time
}

func NewScheduler(orch *Orchestrator, resyncer *Resyncer, fetchInterval, processInterval, resyncInterval time.Duration, log *slog.Logger) *Scheduler {
	return &Scheduler{
		orch:            orch,
		resyncer:        resyncer,
		fetchInterval:   fetchInterval,
		processInterval: processInterval,
		resyncInterval:  resyncInterval,
		log:             log,
		clock:           time.Now,
	}
}

// Run blocks until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup

	s.loop(ctx, &wg, "fetch", s.fetchInterval, func(ctx context.Context) {
		to := s.clock().UTC()
		from := to.Add(-s.fetchInterval - windowOverlap)
		if _, err := s.orch.FetchPass(ctx, from, to); err != nil {
			s.log.Error("scheduled fetch failed", slog.String("error", err.Error()))
		}
	})

	s.loop(ctx, &wg, "process", s.processInterval, func(ctx context.Context) {
		if _, err := s.orch.ProcessPass(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("scheduled process failed", slog.String("error", err.Error()))
		}
	})

	s.loop(ctx, &wg, "resync", s.resyncInterval, func(ctx context.Context) {
		if _, err := s.resyncer.ResyncExtensions(ctx); err != nil {
			s.log.Error("scheduled extension resync failed", slog.String("error", err.Error()))
		}
		if _, err := s.resyncer.ResyncOwners(ctx); err != nil {
			s.log.Error("scheduled owner resync failed", slog.String("error", err.Error()))
		}
	})

	wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, wg *sync.WaitGroup, name string, interval time.Duration, run func(context.Context)) {
	if interval <= 0 {
		s.log.Info("schedule disabled", slog.String("job", name))
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		s.log.Info("schedule started", slog.String("job", name), slog.Duration("interval", interval))
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				run(ctx)
			}
		}
	}()
}
