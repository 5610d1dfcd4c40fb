package locate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/incentive-matcher/internal/cost"
	"github.com/sells-group/incentive-matcher/internal/geocache"
	"github.com/sells-group/incentive-matcher/internal/model"
	"github.com/sells-group/incentive-matcher/internal/resilience"
	"github.com/sells-group/incentive-matcher/pkg/geocode"
)

// fakeClient answers lookups from a script keyed by company name.
type fakeClient struct {
	mu     sync.Mutex
	calls  map[string]int
	answer func(name string, attempt int) (*geocode.Result, error)
}

func newFakeClient(answer func(name string, attempt int) (*geocode.Result, error)) *fakeClient {
	return &fakeClient{calls: make(map[string]int), answer: answer}
}

func (f *fakeClient) Lookup(_ context.Context, q geocode.Query) (*geocode.Result, error) {
	f.mu.Lock()
	f.calls[q.Name]++
	n := f.calls[q.Name]
	f.mu.Unlock()
	return f.answer(q.Name, n)
}

func (f *fakeClient) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func foundEverywhere(name string, _ int) (*geocode.Result, error) {
	return &geocode.Result{Found: true, Address: name + ", Lisboa, Portugal", Lat: 38.7, Lon: -9.1}, nil
}

func fastOptions() Options {
	return Options{
		Concurrency: 4,
		Retry: resilience.RetryConfig{
			MaxAttempts:    2,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     time.Millisecond,
			Multiplier:     1,
		},
		Circuit: resilience.CircuitBreakerConfig{FailureThreshold: 100, ResetTimeout: time.Second},
	}
}

func newCache(t *testing.T) geocache.Cache {
	t.Helper()
	c, err := geocache.OpenBadger("", true)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() }) //nolint:errcheck
	return geocache.NewDeduped(c)
}

func companies(ids ...string) []model.Company {
	out := make([]model.Company, len(ids))
	for i, id := range ids {
		out[i] = model.Company{ID: id, Name: "name-" + id}
	}
	return out
}

func TestResolve_MissThenHit(t *testing.T) {
	cache := newCache(t)
	client := newFakeClient(foundEverywhere)
	r := NewResolver(cache, client, NewBudget(0), fastOptions())
	ctx := context.Background()

	locs, err := r.Resolve(ctx, companies("a", "b"))
	require.NoError(t, err)
	assert.Equal(t, model.LocationFound, locs["a"].Status)
	assert.Equal(t, "name-a, Lisboa, Portugal", locs["a"].Address)
	assert.Equal(t, 2, client.total())

	cached, err := cache.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, model.LocationFound, cached.Status)

	_, err = r.Resolve(ctx, companies("a", "b"))
	require.NoError(t, err)
	assert.Equal(t, 2, client.total(), "second resolve must be served from cache")

	s := r.Stats()
	assert.Equal(t, int64(2), s.Hits)
	assert.Equal(t, int64(2), s.Misses)
	assert.Equal(t, int64(2), s.Calls)
	assert.InDelta(t, 0.5, s.HitRate(), 1e-9)
}

func TestResolve_NoResultCachedAsNotFound(t *testing.T) {
	cache := newCache(t)
	client := newFakeClient(func(string, int) (*geocode.Result, error) {
		return &geocode.Result{Found: false}, nil
	})
	r := NewResolver(cache, client, NewBudget(0), fastOptions())
	ctx := context.Background()

	locs, err := r.Resolve(ctx, companies("a"))
	require.NoError(t, err)
	assert.Equal(t, model.LocationNotFound, locs["a"].Status)

	_, err = r.Resolve(ctx, companies("a"))
	require.NoError(t, err)
	assert.Equal(t, 1, client.total(), "a cached failure is not retried")
}

func TestResolve_TransientRetriedOnceThenCachedFailed(t *testing.T) {
	cache := newCache(t)
	client := newFakeClient(func(string, int) (*geocode.Result, error) {
		return nil, resilience.NewTransientError(errors.New("timeout"), 503)
	})
	r := NewResolver(cache, client, NewBudget(0), fastOptions())
	ctx := context.Background()

	locs, err := r.Resolve(ctx, companies("a"))
	require.NoError(t, err)
	assert.Equal(t, model.LocationFailed, locs["a"].Status)
	assert.False(t, locs["a"].Found())
	assert.Equal(t, 2, client.total())
	assert.Equal(t, int64(1), r.Stats().Failures)

	cached, err := cache.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, model.LocationFailed, cached.Status)

	// Later incentives in the same run reuse the failure.
	_, err = r.Resolve(ctx, companies("a"))
	require.NoError(t, err)
	assert.Equal(t, 2, client.total())
}

func TestResolve_FailedLookupRetriedNextRun(t *testing.T) {
	cache := newCache(t)
	ctx := context.Background()

	down := newFakeClient(func(string, int) (*geocode.Result, error) {
		return nil, resilience.NewTransientError(errors.New("unavailable"), 503)
	})
	first := NewResolver(cache, down, NewBudget(0), fastOptions())
	locs, err := first.Resolve(ctx, companies("a"))
	require.NoError(t, err)
	require.Equal(t, model.LocationFailed, locs["a"].Status)

	up := newFakeClient(foundEverywhere)
	second := NewResolver(cache, up, NewBudget(0), fastOptions())
	second.started = time.Now().UTC().Add(time.Second)

	locs, err = second.Resolve(ctx, companies("a"))
	require.NoError(t, err)
	assert.Equal(t, model.LocationFound, locs["a"].Status)
	assert.Equal(t, 1, up.total())

	cached, err := cache.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, model.LocationFound, cached.Status)
}

func TestResolve_NotFoundStaysPermanentAcrossRuns(t *testing.T) {
	cache := newCache(t)
	ctx := context.Background()
	none := func(string, int) (*geocode.Result, error) { return &geocode.Result{Found: false}, nil }

	first := NewResolver(cache, newFakeClient(none), NewBudget(0), fastOptions())
	_, err := first.Resolve(ctx, companies("a"))
	require.NoError(t, err)

	client := newFakeClient(foundEverywhere)
	second := NewResolver(cache, client, NewBudget(0), fastOptions())
	second.started = time.Now().UTC().Add(time.Second)
	locs, err := second.Resolve(ctx, companies("a"))
	require.NoError(t, err)
	assert.Equal(t, model.LocationNotFound, locs["a"].Status)
	assert.Zero(t, client.total())
}

func TestResolve_SharedLookupSurvivesCancelledCaller(t *testing.T) {
	release := make(chan struct{})
	client := newFakeClient(func(name string, attempt int) (*geocode.Result, error) {
		<-release
		return foundEverywhere(name, attempt)
	})
	r := NewResolver(newCache(t), client, NewBudget(0), fastOptions())

	cctx, cancel := context.WithCancel(context.Background())
	cancelled := make(chan error, 1)
	go func() {
		_, err := r.Resolve(cctx, companies("a"))
		cancelled <- err
	}()
	require.Eventually(t, func() bool { return client.total() == 1 }, time.Second, time.Millisecond)

	other := make(chan map[string]model.Location, 1)
	go func() {
		locs, err := r.Resolve(context.Background(), companies("a"))
		assert.NoError(t, err)
		other <- locs
	}()

	cancel()
	assert.Error(t, <-cancelled)

	close(release)
	locs := <-other
	assert.Equal(t, model.LocationFound, locs["a"].Status)
	assert.Equal(t, 1, client.total())
}

func TestResolve_TransientThenSuccess(t *testing.T) {
	client := newFakeClient(func(name string, attempt int) (*geocode.Result, error) {
		if attempt == 1 {
			return nil, resilience.NewTransientError(errors.New("rate limited"), 429)
		}
		return foundEverywhere(name, attempt)
	})
	r := NewResolver(newCache(t), client, NewBudget(0), fastOptions())

	locs, err := r.Resolve(context.Background(), companies("a"))
	require.NoError(t, err)
	assert.Equal(t, model.LocationFound, locs["a"].Status)
	assert.Equal(t, 2, client.total())
}

func TestResolve_BudgetExhaustedLeavesUnknownUncached(t *testing.T) {
	cache := newCache(t)
	client := newFakeClient(foundEverywhere)
	opts := fastOptions()
	opts.Concurrency = 1
	r := NewResolver(cache, client, NewBudget(1), opts)
	ctx := context.Background()

	locs, err := r.Resolve(ctx, companies("a", "b", "c"))
	require.NoError(t, err)
	assert.Equal(t, 1, client.total())

	found, unknown := 0, 0
	for _, id := range []string{"a", "b", "c"} {
		switch locs[id].Status {
		case model.LocationFound:
			found++
		case model.LocationUnknown:
			unknown++
			cached, err := cache.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, model.LocationUnknown, cached.Status, "budget misses must not be cached")
		}
	}
	assert.Equal(t, 1, found)
	assert.Equal(t, 2, unknown)
	assert.Equal(t, int64(2), r.Stats().Deferred)
	assert.Equal(t, int64(0), r.Budget().Remaining())
}

func TestResolve_PermanentErrorFailsWithoutCaching(t *testing.T) {
	cache := newCache(t)
	client := newFakeClient(func(string, int) (*geocode.Result, error) {
		return nil, eris.New("geocode: places status REQUEST_DENIED")
	})
	r := NewResolver(cache, client, NewBudget(0), fastOptions())

	_, err := r.Resolve(context.Background(), companies("a"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REQUEST_DENIED")
	assert.Equal(t, 1, client.total(), "permanent errors are not retried")

	cached, err := cache.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, model.LocationUnknown, cached.Status)
}

func TestResolve_StaleNotFoundIsRetried(t *testing.T) {
	cache := newCache(t)
	ctx := context.Background()
	require.NoError(t, cache.Put(ctx, model.Location{
		CompanyID: "old", Status: model.LocationNotFound, UpdatedAt: time.Now().Add(-48 * time.Hour),
	}))
	require.NoError(t, cache.Put(ctx, model.Location{
		CompanyID: "recent", Status: model.LocationNotFound, UpdatedAt: time.Now(),
	}))

	client := newFakeClient(foundEverywhere)
	opts := fastOptions()
	opts.RetryNotFoundAfter = 24 * time.Hour
	r := NewResolver(cache, client, NewBudget(0), opts)

	locs, err := r.Resolve(ctx, companies("old", "recent"))
	require.NoError(t, err)
	assert.Equal(t, model.LocationFound, locs["old"].Status)
	assert.Equal(t, model.LocationNotFound, locs["recent"].Status)
	assert.Equal(t, 1, client.total())
}

func TestResolve_HitRateClimbsAcrossIncentives(t *testing.T) {
	client := newFakeClient(foundEverywhere)
	r := NewResolver(newCache(t), client, NewBudget(0), fastOptions())
	ctx := context.Background()

	_, err := r.Resolve(ctx, companies("a", "b", "c", "d"))
	require.NoError(t, err)
	first := client.total()

	_, err = r.Resolve(ctx, companies("b", "c", "d", "e"))
	require.NoError(t, err)
	second := client.total() - first

	assert.Equal(t, 4, first)
	assert.Equal(t, 1, second)
	assert.LessOrEqual(t, second, first)
}

func TestResolve_ConcurrentIncentivesShareLookups(t *testing.T) {
	client := newFakeClient(func(name string, attempt int) (*geocode.Result, error) {
		time.Sleep(5 * time.Millisecond)
		return foundEverywhere(name, attempt)
	})
	r := NewResolver(newCache(t), client, NewBudget(0), fastOptions())

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			locs, err := r.Resolve(context.Background(), companies("a", "b", "c"))
			assert.NoError(t, err)
			assert.Len(t, locs, 3)
		}()
	}
	wg.Wait()

	client.mu.Lock()
	defer client.mu.Unlock()
	for _, n := range client.calls {
		assert.LessOrEqual(t, n, 8)
	}
}

func TestResolve_RecordsGeocodeCost(t *testing.T) {
	tracker := cost.NewTracker(cost.NewCalculator(cost.Rates{GeocodePerCall: 0.01}))
	opts := fastOptions()
	opts.Costs = tracker
	r := NewResolver(newCache(t), newFakeClient(foundEverywhere), NewBudget(0), opts)

	_, err := r.Resolve(context.Background(), companies("a", "b", "c"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), tracker.Snapshot().GeocodeCalls)
	assert.InDelta(t, 0.03, tracker.Total(), 1e-9)
}

func TestResolve_CancelledContext(t *testing.T) {
	r := NewResolver(newCache(t), newFakeClient(foundEverywhere), NewBudget(0), fastOptions())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Resolve(ctx, companies("a", "b"))
	assert.Error(t, err)
}

func TestResolve_Empty(t *testing.T) {
	r := NewResolver(newCache(t), newFakeClient(foundEverywhere), NewBudget(0), fastOptions())
	locs, err := r.Resolve(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, locs)
}

func TestBudget(t *testing.T) {
	b := NewBudget(2)
	require.NoError(t, b.Take())
	require.NoError(t, b.Take())
	assert.ErrorIs(t, b.Take(), ErrBudgetExhausted)
	assert.Equal(t, int64(2), b.Used())
	assert.Equal(t, int64(0), b.Remaining())

	unlimited := NewBudget(0)
	for range 100 {
		require.NoError(t, unlimited.Take())
	}
	assert.Equal(t, int64(-1), unlimited.Remaining())
	assert.Equal(t, int64(100), unlimited.Used())
}

func TestBudget_Concurrent(t *testing.T) {
	b := NewBudget(50)
	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for range 200 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.Take() == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, granted)
}
