package quality

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/i474232898/water-quality-aggregation/internal/metrics"
)

const (
	defaultMaxConcurrency  = 8
	defaultFetchTimeout    = 20 * time.Second
	defaultRetryBackoff    = 500 * time.Millisecond
	defaultMaxRetryBackoff = 5 * time.Second
)

// Options tunes the Service.
type Options struct {
	// MaxConcurrency caps simultaneous upstream fetches within one request.
	MaxConcurrency int
	// FetchTimeout bounds each upstream call.
	FetchTimeout time.Duration
	// Retries is the number of extra fetch attempts before falling back to the cache.
	Retries         int
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
	// CacheMaxAge, when positive, serves cache records younger than this without a fetch.
	CacheMaxAge time.Duration
	// Coalesce shares one in-flight fetch between concurrent requests for the same municipality.
	Coalesce bool

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Service resolves postal codes, refreshes per-municipality data from the
// upstream source and falls back to the cache when a refresh fails.
type Service struct {
	resolver Resolver
	fetcher  Fetcher
	cache    CacheStore
	opts     Options
	logger   *slog.Logger
	metrics  *metrics.Metrics
	flight   singleflight.Group
	now      func() time.Time
}

// NewService creates a new Service.
func NewService(resolver Resolver, fetcher Fetcher, cache CacheStore, opts Options) *Service {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = defaultMaxConcurrency
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = defaultFetchTimeout
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = defaultRetryBackoff
	}
	if opts.MaxRetryBackoff <= 0 {
		opts.MaxRetryBackoff = defaultMaxRetryBackoff
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		resolver: resolver,
		fetcher:  fetcher,
		cache:    cache,
		opts:     opts,
		logger:   logger,
		metrics:  opts.Metrics,
		now:      time.Now,
	}
}

// Aggregate returns the water-quality data of every municipality behind
// postalCode that yielded data, in mapping order.
func (s *Service) Aggregate(ctx context.Context, postalCode string) (AggregatedResult, error) {
	outcomes, err := s.resolveAll(ctx, postalCode, false)
	if err != nil {
		s.metrics.IncRequest(requestResult(err))
		return nil, err
	}

	result := buildResult(outcomes)
	if len(result) == 0 {
		s.metrics.IncRequest(requestResult(ErrNoDataAvailable))
		return nil, fmt.Errorf("%w: %s", ErrNoDataAvailable, postalCode)
	}

	s.metrics.IncRequest("ok")
	return result, nil
}

// Refresh fetches every municipality behind postalCode, ignoring the
// freshness window, and reports where each one's data ended up coming from.
func (s *Service) Refresh(ctx context.Context, postalCode string) (RefreshReport, error) {
	outcomes, err := s.resolveAll(ctx, postalCode, true)
	if err != nil {
		return RefreshReport{}, err
	}

	report := RefreshReport{PostalCode: postalCode}
	for _, o := range outcomes {
		switch o.Source {
		case SourceFresh:
			report.Fresh++
		case SourceCached:
			report.Cached++
		default:
			report.Unavailable++
		}
	}
	return report, nil
}

func (s *Service) resolveAll(ctx context.Context, postalCode string, force bool) ([]Outcome, error) {
	refs, err := s.resolver.Resolve(postalCode)
	if err != nil {
		switch {
		case errors.Is(err, ErrLookupMiss):
			return nil, fmt.Errorf("%w: %s", ErrNoSuchPostalCode, postalCode)
		case errors.Is(err, ErrMappingUnavailable):
			return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
		default:
			return nil, fmt.Errorf("resolve %s: %w", postalCode, err)
		}
	}

	logger := s.loggerFor(ctx).With("postal_code", postalCode)
	logger.Debug("resolving municipalities", "count", len(refs), "force", force)

	// Tasks are detached from the caller's cancellation so a client that goes
	// away does not interrupt a fetch or a cache write halfway through.
	taskCtx := context.WithoutCancel(ctx)

	outcomes := make([]Outcome, len(refs))
	var g errgroup.Group
	g.SetLimit(s.concurrency(len(refs)))

	for i, ref := range refs {
		g.Go(func() error {
			outcomes[i] = s.resolveMunicipality(taskCtx, logger, ref, force)
			return nil
		})
	}
	_ = g.Wait()

	return outcomes, nil
}

func (s *Service) concurrency(n int) int {
	if n > s.opts.MaxConcurrency {
		n = s.opts.MaxConcurrency
	}
	if n < 1 {
		n = 1
	}
	return n
}

// resolveMunicipality runs the freshness check, tryFetch and tryCacheFallback
// for one municipality. It never fails: every problem ends in an Outcome.
func (s *Service) resolveMunicipality(ctx context.Context, logger *slog.Logger, ref MunicipalityRef, force bool) (out Outcome) {
	logger = logger.With("insee", ref.InseeCode)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("municipality resolution panicked", "panic", r)
			out = Outcome{Municipality: ref, Source: SourceUnavailable, Err: fmt.Errorf("panic: %v", r)}
		}
		s.metrics.IncSource(string(out.Source))
	}()

	if !force && s.opts.CacheMaxAge > 0 {
		if rec, ok := s.cache.Read(ref.InseeCode); ok && s.now().Sub(rec.StoredAt) < s.opts.CacheMaxAge {
			logger.Debug("cache record is fresh; skipping fetch", "stored_at", rec.StoredAt)
			return Outcome{Municipality: ref, Source: SourceCached, Payload: rec.Record.Data}
		}
	}

	payload, err := s.tryFetch(ctx, logger, ref.InseeCode)
	if err == nil {
		logger.Debug("using fresh data", "count", payload.Count, "measurements", len(payload.Data))
		return Outcome{Municipality: ref, Source: SourceFresh, Payload: payload}
	}

	return s.tryCacheFallback(logger, ref, err)
}

// tryFetch refreshes one municipality from upstream and writes it through the
// cache. A failed cache write is logged and does not fail the fetch.
func (s *Service) tryFetch(ctx context.Context, logger *slog.Logger, inseeCode string) (QualityPayload, error) {
	refresh := func() (QualityPayload, error) {
		payload, err := s.fetchWithRetry(ctx, logger, inseeCode)
		if err != nil {
			return QualityPayload{}, err
		}
		if err := s.cache.Write(inseeCode, payload); err != nil {
			s.metrics.IncCacheWriteError()
			logger.Error("failed to persist cache record; serving fetched data uncached", "error", err)
		}
		return payload, nil
	}

	if !s.opts.Coalesce {
		return refresh()
	}

	v, err, shared := s.flight.Do(inseeCode, func() (interface{}, error) {
		return refresh()
	})
	if shared {
		logger.Debug("joined in-flight fetch")
	}
	if err != nil {
		return QualityPayload{}, err
	}
	return v.(QualityPayload), nil
}

func (s *Service) tryCacheFallback(logger *slog.Logger, ref MunicipalityRef, fetchErr error) Outcome {
	if rec, ok := s.cache.Read(ref.InseeCode); ok {
		logger.Warn("fetch failed; using cached data", "error", fetchErr, "stored_at", rec.StoredAt)
		return Outcome{Municipality: ref, Source: SourceCached, Payload: rec.Record.Data, Err: fetchErr}
	}

	logger.Warn("fetch failed and no cache record; omitting municipality", "error", fetchErr)
	return Outcome{Municipality: ref, Source: SourceUnavailable, Err: fetchErr}
}

func (s *Service) fetchWithRetry(ctx context.Context, logger *slog.Logger, inseeCode string) (QualityPayload, error) {
	var lastErr error
	for attempt := 0; attempt <= s.opts.Retries; attempt++ {
		if attempt > 0 {
			delay := s.backoff(attempt)
			logger.Debug("retrying fetch", "attempt", attempt, "delay", delay, "error", lastErr)

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return QualityPayload{}, ctx.Err()
			case <-timer.C:
			}
		}

		payload, err := s.fetchOnce(ctx, inseeCode)
		if err == nil {
			return payload, nil
		}
		lastErr = err
	}
	return QualityPayload{}, lastErr
}

// backoff returns the exponential delay before the given retry attempt (1-based).
func (s *Service) backoff(attempt int) time.Duration {
	delay := s.opts.RetryBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= s.opts.MaxRetryBackoff {
			return s.opts.MaxRetryBackoff
		}
	}
	if delay > s.opts.MaxRetryBackoff {
		delay = s.opts.MaxRetryBackoff
	}
	return delay
}

func (s *Service) fetchOnce(ctx context.Context, inseeCode string) (QualityPayload, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
	defer cancel()

	start := time.Now()
	payload, err := s.fetcher.Fetch(ctx, inseeCode)
	elapsed := time.Since(start)

	switch {
	case err != nil:
		s.metrics.ObserveFetch("error", elapsed)
		return QualityPayload{}, err
	case len(payload.Data) == 0:
		// Empty answers are not cached so an older, populated record survives.
		s.metrics.ObserveFetch("empty", elapsed)
		return QualityPayload{}, fmt.Errorf("fetch %s: %w", inseeCode, errEmptyResult)
	}

	s.metrics.ObserveFetch("success", elapsed)
	return payload, nil
}

func (s *Service) loggerFor(ctx context.Context) *slog.Logger {
	if id := RequestID(ctx); id != "" {
		return s.logger.With("request_id", id)
	}
	return s.logger
}

func requestResult(err error) string {
	switch {
	case errors.Is(err, ErrNoSuchPostalCode):
		return "no_postal_code"
	case errors.Is(err, ErrNoDataAvailable):
		return "no_data"
	default:
		return "error"
	}
}
