package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron"
	"golang.org/x/sync/errgroup"

	"github.com/i474232898/water-quality-aggregation/internal/metrics"
	"github.com/i474232898/water-quality-aggregation/internal/quality"
)

// Refresher forces a network refresh of every municipality behind a postal code.
type Refresher interface {
	Refresh(ctx context.Context, postalCode string) (quality.RefreshReport, error)
}

// Reloader swaps in a replaced mapping file.
type Reloader interface {
	ReloadIfChanged() (bool, error)
}

// Config holds the scheduler's jobs and their periods.
type Config struct {
	PostalCodes  []string
	WarmInterval time.Duration
	WarmTimeout  time.Duration
	// WarmConcurrency caps how many postal codes are refreshed at once.
	WarmConcurrency int
	ReloadInterval  time.Duration // 0 disables mapping reload
}

// Scheduler periodically warms the cache for configured postal codes and
// picks up a replaced mapping file.
type Scheduler struct {
	scheduler *gocron.Scheduler
	cfg       Config
	refresher Refresher
	reloader  Reloader
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// New creates a new Scheduler.
func New(cfg Config, refresher Refresher, reloader Reloader, logger *slog.Logger, m *metrics.Metrics) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WarmTimeout <= 0 {
		cfg.WarmTimeout = 5 * time.Minute
	}
	if cfg.WarmConcurrency <= 0 {
		cfg.WarmConcurrency = 2
	}
	return &Scheduler{
		scheduler: gocron.NewScheduler(time.UTC),
		cfg:       cfg,
		refresher: refresher,
		reloader:  reloader,
		logger:    logger.With("component", "scheduler"),
		metrics:   m,
	}
}

// Start schedules the jobs and starts the underlying scheduler.
func (s *Scheduler) Start() error {
	scheduled := 0

	if len(s.cfg.PostalCodes) > 0 && s.cfg.WarmInterval > 0 && s.refresher != nil {
		if _, err := s.scheduler.Every(s.cfg.WarmInterval).SingletonMode().Do(s.WarmUp); err != nil {
			return err
		}
		scheduled++
	}

	if s.cfg.ReloadInterval > 0 && s.reloader != nil {
		// The first reload check waits one full interval; the mapping is loaded at startup.
		if _, err := s.scheduler.Every(s.cfg.ReloadInterval).WaitForSchedule().SingletonMode().Do(s.ReloadMapping); err != nil {
			return err
		}
		scheduled++
	}

	if scheduled == 0 {
		s.logger.Info("no jobs configured; nothing to schedule")
		return nil
	}

	s.scheduler.StartAsync()
	return nil
}

// Stop stops the scheduler and cancels any future jobs.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}

// WarmUp refreshes the configured postal codes, at most WarmConcurrency at a time.
func (s *Scheduler) WarmUp() {
	s.logger.Info("running cache warm-up", "postal_codes", len(s.cfg.PostalCodes))

	var g errgroup.Group
	g.SetLimit(s.cfg.WarmConcurrency)
	for _, code := range s.cfg.PostalCodes {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WarmTimeout)
			defer cancel()

			report, err := s.refresher.Refresh(ctx, code)
			if err != nil {
				s.logger.Error("warm-up failed", "postal_code", code, "error", err)
				return nil
			}
			s.logger.Info("warm-up done",
				"postal_code", code,
				"fresh", report.Fresh,
				"cached", report.Cached,
				"unavailable", report.Unavailable)
			return nil
		})
	}
	_ = g.Wait()
	s.logger.Info("completed cache warm-up")
}

// ReloadMapping reloads the mapping file if it was replaced.
func (s *Scheduler) ReloadMapping() {
	changed, err := s.reloader.ReloadIfChanged()
	switch {
	case err != nil:
		s.metrics.IncMappingReload("error")
		s.logger.Error("mapping reload failed; keeping previous table", "error", err)
	case changed:
		s.metrics.IncMappingReload("reloaded")
		s.logger.Info("mapping reloaded")
	default:
		s.metrics.IncMappingReload("unchanged")
	}
}
