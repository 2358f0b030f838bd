package quality

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/water-quality-aggregation/internal/metrics"
)

type fakeResolver struct {
	table    map[string][]MunicipalityRef
	err      error
	resolved chan string
}

func (r *fakeResolver) Resolve(postalCode string) ([]MunicipalityRef, error) {
	if r.resolved != nil {
		r.resolved <- postalCode
	}
	if r.err != nil {
		return nil, r.err
	}
	refs, ok := r.table[postalCode]
	if !ok {
		return nil, ErrLookupMiss
	}
	return refs, nil
}

type fetchFunc func(ctx context.Context, inseeCode string) (QualityPayload, error)

type fakeFetcher struct {
	fn          fetchFunc
	calls       sync.Map // insee -> *atomic.Int32
	inflight    atomic.Int32
	maxInflight atomic.Int32
}

func (f *fakeFetcher) Name() string { return "fake" }

func (f *fakeFetcher) Fetch(ctx context.Context, inseeCode string) (QualityPayload, error) {
	c, _ := f.calls.LoadOrStore(inseeCode, new(atomic.Int32))
	c.(*atomic.Int32).Add(1)

	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		cur := f.maxInflight.Load()
		if n <= cur || f.maxInflight.CompareAndSwap(cur, n) {
			break
		}
	}
	return f.fn(ctx, inseeCode)
}

func (f *fakeFetcher) callCount(inseeCode string) int {
	c, ok := f.calls.Load(inseeCode)
	if !ok {
		return 0
	}
	return int(c.(*atomic.Int32).Load())
}

type memCache struct {
	mu       sync.Mutex
	records  map[string]CachedRecord
	writeErr error
	writes   int
}

func newMemCache() *memCache {
	return &memCache{records: make(map[string]CachedRecord)}
}

func (c *memCache) Read(inseeCode string) (CachedRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[inseeCode]
	return rec, ok
}

func (c *memCache) Write(inseeCode string, payload QualityPayload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes++
	if c.writeErr != nil {
		return c.writeErr
	}
	c.records[inseeCode] = CachedRecord{Record: CacheRecord{Data: payload}, StoredAt: time.Now()}
	return nil
}

func (c *memCache) put(inseeCode string, payload QualityPayload, storedAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records[inseeCode] = CachedRecord{Record: CacheRecord{Data: payload}, StoredAt: storedAt}
}

func samplePayload(count int, tag string) QualityPayload {
	p := QualityPayload{Count: count}
	for i := 0; i < count; i++ {
		p.Data = append(p.Data, Measurement(fmt.Sprintf(`{"tag":%q,"i":%d}`, tag, i)))
	}
	return p
}

func tags(t *testing.T, data []Measurement) []string {
	t.Helper()
	var out []string
	for _, m := range data {
		var v struct {
			Tag string `json:"tag"`
		}
		require.NoError(t, json.Unmarshal(m, &v))
		out = append(out, v.Tag)
	}
	return out
}

var errUpstream = errors.New("upstream down")

func TestAggregateFreshDataIsCached(t *testing.T) {
	resolver := &fakeResolver{table: map[string][]MunicipalityRef{
		"75001": {{Name: "Paris 1er", InseeCode: "75101"}},
	}}
	fetcher := &fakeFetcher{fn: func(ctx context.Context, id string) (QualityPayload, error) {
		return samplePayload(2, "fresh"), nil
	}}
	cache := newMemCache()
	svc := NewService(resolver, fetcher, cache, Options{})

	result, err := svc.Aggregate(context.Background(), "75001")
	require.NoError(t, err)
	require.Len(t, result, 1)
	assert.Equal(t, "Paris 1er", result[0].CommuneName)
	assert.Equal(t, "75101", result[0].InseeCode)
	assert.Equal(t, SourceFresh, result[0].Source)
	assert.Equal(t, []string{"fresh", "fresh"}, tags(t, result[0].Data))

	rec, ok := cache.Read("75101")
	require.True(t, ok)
	assert.Equal(t, 2, rec.Record.Data.Count)
}

func TestAggregateIsolatesFailures(t *testing.T) {
	resolver := &fakeResolver{table: map[string][]MunicipalityRef{
		"01100": {
			{Name: "Oyonnax", InseeCode: "01283"},
			{Name: "Arbent", InseeCode: "01016"},
			{Name: "Dortan", InseeCode: "01134"},
		},
	}}
	fetcher := &fakeFetcher{fn: func(ctx context.Context, id string) (QualityPayload, error) {
		if id == "01016" {
			return samplePayload(1, "fresh-arbent"), nil
		}
		return QualityPayload{}, errUpstream
	}}
	cache := newMemCache()
	cache.put("01283", samplePayload(1, "cached-oyonnax"), time.Now().Add(-48*time.Hour))

	svc := NewService(resolver, fetcher, cache, Options{})

	result, err := svc.Aggregate(context.Background(), "01100")
	require.NoError(t, err)
	require.Len(t, result, 2)

	assert.Equal(t, "01283", result[0].InseeCode)
	assert.Equal(t, SourceCached, result[0].Source)
	assert.Equal(t, []string{"cached-oyonnax"}, tags(t, result[0].Data))

	assert.Equal(t, "01016", result[1].InseeCode)
	assert.Equal(t, SourceFresh, result[1].Source)
	assert.Equal(t, []string{"fresh-arbent"}, tags(t, result[1].Data))
}

func TestAggregateUnknownPostalCode(t *testing.T) {
	resolver := &fakeResolver{table: map[string][]MunicipalityRef{}}
	svc := NewService(resolver, &fakeFetcher{}, newMemCache(), Options{})

	_, err := svc.Aggregate(context.Background(), "00000")
	require.ErrorIs(t, err, ErrNoSuchPostalCode)
	assert.NotErrorIs(t, err, ErrNoDataAvailable)
}

func TestAggregateMappingUnavailable(t *testing.T) {
	resolver := &fakeResolver{err: fmt.Errorf("%w: open postal_to_insee.json: no such file", ErrMappingUnavailable)}
	svc := NewService(resolver, &fakeFetcher{}, newMemCache(), Options{})

	_, err := svc.Aggregate(context.Background(), "75001")
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestAggregateNoDataAvailable(t *testing.T) {
	resolver := &fakeResolver{table: map[string][]MunicipalityRef{
		"75001": {{Name: "Paris 1er", InseeCode: "75101"}},
	}}
	fetcher := &fakeFetcher{fn: func(ctx context.Context, id string) (QualityPayload, error) {
		return QualityPayload{}, errUpstream
	}}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	svc := NewService(resolver, fetcher, newMemCache(), Options{Metrics: m})

	_, err := svc.Aggregate(context.Background(), "75001")
	require.ErrorIs(t, err, ErrNoDataAvailable)
	assert.NotErrorIs(t, err, ErrNoSuchPostalCode)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("no_data")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SourceTotal.WithLabelValues("unavailable")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FetchTotal.WithLabelValues("error")))
}

func TestAggregateServesFetchedDataWhenCacheWriteFails(t *testing.T) {
	resolver := &fakeResolver{table: map[string][]MunicipalityRef{
		"75001": {{Name: "Paris 1er", InseeCode: "75101"}},
	}}
	fetcher := &fakeFetcher{fn: func(ctx context.Context, id string) (QualityPayload, error) {
		return samplePayload(1, "fresh"), nil
	}}
	cache := newMemCache()
	cache.writeErr = errors.New("disk full")
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	svc := NewService(resolver, fetcher, cache, Options{Metrics: m})

	result, err := svc.Aggregate(context.Background(), "75001")
	require.NoError(t, err)
	require.Len(t, result, 1)
	assert.Equal(t, []string{"fresh"}, tags(t, result[0].Data))
	assert.Equal(t, 1, cache.writes)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheWriteErrors))
}

func TestAggregateEmptyUpstreamResultFallsBackToCache(t *testing.T) {
	resolver := &fakeResolver{table: map[string][]MunicipalityRef{
		"75001": {{Name: "Paris 1er", InseeCode: "75101"}},
	}}
	fetcher := &fakeFetcher{fn: func(ctx context.Context, id string) (QualityPayload, error) {
		return QualityPayload{Count: 0, Data: []Measurement{}}, nil
	}}
	cache := newMemCache()
	cache.put("75101", samplePayload(1, "cached"), time.Now().Add(-time.Hour))
	svc := NewService(resolver, fetcher, cache, Options{})

	result, err := svc.Aggregate(context.Background(), "75001")
	require.NoError(t, err)
	require.Len(t, result, 1)
	assert.Equal(t, SourceCached, result[0].Source)
	assert.Equal(t, 0, cache.writes)
}

func TestAggregateBoundsConcurrency(t *testing.T) {
	var refs []MunicipalityRef
	for i := 0; i < 20; i++ {
		refs = append(refs, MunicipalityRef{Name: fmt.Sprintf("Commune %d", i), InseeCode: fmt.Sprintf("01%03d", i)})
	}
	resolver := &fakeResolver{table: map[string][]MunicipalityRef{"01000": refs}}
	fetcher := &fakeFetcher{fn: func(ctx context.Context, id string) (QualityPayload, error) {
		time.Sleep(5 * time.Millisecond)
		return samplePayload(1, id), nil
	}}
	svc := NewService(resolver, fetcher, newMemCache(), Options{MaxConcurrency: 3})

	result, err := svc.Aggregate(context.Background(), "01000")
	require.NoError(t, err)
	require.Len(t, result, 20)
	assert.LessOrEqual(t, fetcher.maxInflight.Load(), int32(3))

	for i, r := range result {
		assert.Equal(t, refs[i].InseeCode, r.InseeCode)
		assert.Equal(t, []string{refs[i].InseeCode}, tags(t, r.Data))
	}
}

func TestAggregateServesFreshCacheWithoutFetching(t *testing.T) {
	resolver := &fakeResolver{table: map[string][]MunicipalityRef{
		"75001": {{Name: "Paris 1er", InseeCode: "75101"}, {Name: "Paris 2e", InseeCode: "75102"}},
	}}
	fetcher := &fakeFetcher{fn: func(ctx context.Context, id string) (QualityPayload, error) {
		return samplePayload(1, "fresh"), nil
	}}
	cache := newMemCache()
	cache.put("75101", samplePayload(1, "recent"), time.Now().Add(-10*time.Minute))
	cache.put("75102", samplePayload(1, "stale"), time.Now().Add(-3*time.Hour))

	svc := NewService(resolver, fetcher, cache, Options{CacheMaxAge: time.Hour})

	result, err := svc.Aggregate(context.Background(), "75001")
	require.NoError(t, err)
	require.Len(t, result, 2)
	assert.Equal(t, []string{"recent"}, tags(t, result[0].Data))
	assert.Equal(t, SourceCached, result[0].Source)
	assert.Equal(t, []string{"fresh"}, tags(t, result[1].Data))
	assert.Equal(t, 0, fetcher.callCount("75101"))
	assert.Equal(t, 1, fetcher.callCount("75102"))
}

func TestRefreshIgnoresFreshnessWindow(t *testing.T) {
	resolver := &fakeResolver{table: map[string][]MunicipalityRef{
		"01100": {
			{Name: "Oyonnax", InseeCode: "01283"},
			{Name: "Arbent", InseeCode: "01016"},
			{Name: "Dortan", InseeCode: "01134"},
		},
	}}
	fetcher := &fakeFetcher{fn: func(ctx context.Context, id string) (QualityPayload, error) {
		if id == "01283" {
			return samplePayload(1, "fresh"), nil
		}
		return QualityPayload{}, errUpstream
	}}
	cache := newMemCache()
	cache.put("01283", samplePayload(1, "recent"), time.Now())
	cache.put("01016", samplePayload(1, "old"), time.Now().Add(-24*time.Hour))

	svc := NewService(resolver, fetcher, cache, Options{CacheMaxAge: time.Hour})

	report, err := svc.Refresh(context.Background(), "01100")
	require.NoError(t, err)
	assert.Equal(t, RefreshReport{PostalCode: "01100", Fresh: 1, Cached: 1, Unavailable: 1}, report)
	assert.Equal(t, 1, fetcher.callCount("01283"))

	_, err = svc.Refresh(context.Background(), "99999")
	require.ErrorIs(t, err, ErrNoSuchPostalCode)
}

func TestAggregateRetriesBeforeFallback(t *testing.T) {
	resolver := &fakeResolver{table: map[string][]MunicipalityRef{
		"75001": {{Name: "Paris 1er", InseeCode: "75101"}},
	}}
	var attempts atomic.Int32
	fetcher := &fakeFetcher{fn: func(ctx context.Context, id string) (QualityPayload, error) {
		if attempts.Add(1) == 1 {
			return QualityPayload{}, errUpstream
		}
		return samplePayload(1, "second-try"), nil
	}}
	svc := NewService(resolver, fetcher, newMemCache(), Options{Retries: 2, RetryBackoff: time.Millisecond})

	result, err := svc.Aggregate(context.Background(), "75001")
	require.NoError(t, err)
	assert.Equal(t, []string{"second-try"}, tags(t, result[0].Data))
	assert.Equal(t, int32(2), attempts.Load())
}

func TestAggregateNoRetriesByDefault(t *testing.T) {
	resolver := &fakeResolver{table: map[string][]MunicipalityRef{
		"75001": {{Name: "Paris 1er", InseeCode: "75101"}},
	}}
	fetcher := &fakeFetcher{fn: func(ctx context.Context, id string) (QualityPayload, error) {
		return QualityPayload{}, errUpstream
	}}
	svc := NewService(resolver, fetcher, newMemCache(), Options{})

	_, err := svc.Aggregate(context.Background(), "75001")
	require.ErrorIs(t, err, ErrNoDataAvailable)
	assert.Equal(t, 1, fetcher.callCount("75101"))
}

func TestAggregateTimeoutFallsBackToCache(t *testing.T) {
	resolver := &fakeResolver{table: map[string][]MunicipalityRef{
		"75001": {{Name: "Paris 1er", InseeCode: "75101"}},
	}}
	fetcher := &fakeFetcher{fn: func(ctx context.Context, id string) (QualityPayload, error) {
		<-ctx.Done()
		return QualityPayload{}, ctx.Err()
	}}
	cache := newMemCache()
	cache.put("75101", samplePayload(1, "cached"), time.Now().Add(-time.Hour))
	svc := NewService(resolver, fetcher, cache, Options{FetchTimeout: 20 * time.Millisecond})

	result, err := svc.Aggregate(context.Background(), "75001")
	require.NoError(t, err)
	assert.Equal(t, SourceCached, result[0].Source)
}

func TestAggregateCompletesAfterCallerCancels(t *testing.T) {
	resolver := &fakeResolver{table: map[string][]MunicipalityRef{
		"75001": {{Name: "Paris 1er", InseeCode: "75101"}},
	}}
	fetcher := &fakeFetcher{fn: func(ctx context.Context, id string) (QualityPayload, error) {
		if err := ctx.Err(); err != nil {
			return QualityPayload{}, err
		}
		return samplePayload(1, "fresh"), nil
	}}
	cache := newMemCache()
	svc := NewService(resolver, fetcher, cache, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := svc.Aggregate(ctx, "75001")
	require.NoError(t, err)
	assert.Equal(t, SourceFresh, result[0].Source)
	assert.Equal(t, 1, cache.writes)
}

func TestAggregateRecoversFromPanickingFetch(t *testing.T) {
	resolver := &fakeResolver{table: map[string][]MunicipalityRef{
		"75001": {{Name: "Paris 1er", InseeCode: "75101"}, {Name: "Paris 2e", InseeCode: "75102"}},
	}}
	fetcher := &fakeFetcher{fn: func(ctx context.Context, id string) (QualityPayload, error) {
		if id == "75101" {
			panic("boom")
		}
		return samplePayload(1, "fresh"), nil
	}}
	svc := NewService(resolver, fetcher, newMemCache(), Options{})

	result, err := svc.Aggregate(context.Background(), "75001")
	require.NoError(t, err)
	require.Len(t, result, 1)
	assert.Equal(t, "75102", result[0].InseeCode)
}

func TestAggregateCoalescesConcurrentFetches(t *testing.T) {
	resolved := make(chan string, 2)
	resolver := &fakeResolver{
		table:    map[string][]MunicipalityRef{"75001": {{Name: "Paris 1er", InseeCode: "75101"}}},
		resolved: resolved,
	}
	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	fetcher := &fakeFetcher{fn: func(ctx context.Context, id string) (QualityPayload, error) {
		entered <- struct{}{}
		<-release
		return samplePayload(1, "shared"), nil
	}}
	cache := newMemCache()
	svc := NewService(resolver, fetcher, cache, Options{Coalesce: true})

	var wg sync.WaitGroup
	results := make([]AggregatedResult, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := svc.Aggregate(context.Background(), "75001")
			assert.NoError(t, err)
			results[i] = r
		}()
	}

	<-resolved
	<-resolved
	<-entered
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, 1, fetcher.callCount("75101"))
	assert.Equal(t, 1, cache.writes)
	for _, r := range results {
		require.Len(t, r, 1)
		assert.Equal(t, []string{"shared"}, tags(t, r[0].Data))
	}
}

func TestBackoff(t *testing.T) {
	svc := NewService(&fakeResolver{}, &fakeFetcher{}, newMemCache(), Options{
		RetryBackoff:    100 * time.Millisecond,
		MaxRetryBackoff: time.Second,
	})

	assert.Equal(t, 100*time.Millisecond, svc.backoff(1))
	assert.Equal(t, 200*time.Millisecond, svc.backoff(2))
	assert.Equal(t, 400*time.Millisecond, svc.backoff(3))
	assert.Equal(t, 800*time.Millisecond, svc.backoff(4))
	assert.Equal(t, time.Second, svc.backoff(5))
	assert.Equal(t, time.Second, svc.backoff(12))
}

func TestAssemble(t *testing.T) {
	resp := Assemble(nil)
	raw, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"results":[]}`, string(raw))

	resp = Assemble(buildResult([]Outcome{
		{Municipality: MunicipalityRef{Name: "Paris 1er", InseeCode: "75101"}, Source: SourceCached, Payload: QualityPayload{Count: 0}},
		{Municipality: MunicipalityRef{Name: "Paris 2e", InseeCode: "75102"}, Source: SourceUnavailable},
	}))
	raw, err = json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"results":[{"commune_name":"Paris 1er","insee":"75101","data":[]}]}`, string(raw))
}

func TestRequestIDContext(t *testing.T) {
	ctx := WithRequestID(context.Background(), "abc")
	assert.Equal(t, "abc", RequestID(ctx))
	assert.Empty(t, RequestID(context.Background()))
}
