// Package locate resolves company locations through the location cache,
// calling the geocoding provider only on a cache miss.
package locate

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/sells-group/incentive-matcher/internal/cost"
	"github.com/sells-group/incentive-matcher/internal/geocache"
	"github.com/sells-group/incentive-matcher/internal/model"
	"github.com/sells-group/incentive-matcher/internal/resilience"
	"github.com/sells-group/incentive-matcher/pkg/geocode"
)

// Options tunes a Resolver.
type Options struct {
	// Concurrency bounds in-flight cache reads and provider calls per Resolve.
	Concurrency int
	// RetryNotFoundAfter makes cached not_found rows older than this count as
	// unknown again. Zero keeps them forever.
	RetryNotFoundAfter time.Duration
	// LookupTimeout bounds one provider lookup, retries included. Lookups
	// are shared between incentives, so they do not inherit a caller's
	// deadline.
	LookupTimeout time.Duration
	Retry              resilience.RetryConfig
	Circuit            resilience.CircuitBreakerConfig
	Costs              *cost.Tracker
}

// Stats counts cache and provider activity since the Resolver was created.
type Stats struct {
	Hits     int64 `json:"hits"`
	Misses   int64 `json:"misses"`
	Calls    int64 `json:"calls"`
	Failures int64 `json:"failures"`
	Deferred int64 `json:"deferred"`
}

// HitRate returns hits / (hits + misses), or 0 before any lookup.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Resolver is safe for concurrent use by many incentive runs.
type Resolver struct {
	cache   geocache.Cache
	client  geocode.Client
	budget  *Budget
	breaker *resilience.CircuitBreaker
	opts    Options
	flights singleflight.Group
	now     func() time.Time
	started time.Time

	hits, misses, calls, failures, deferred atomic.Int64
}

// NewResolver creates a Resolver.
func NewResolver(cache geocache.Cache, client geocode.Client, budget *Budget, opts Options) *Resolver {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 5
	}
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = time.Minute
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = resilience.DefaultRetryConfig()
	}
	opts.Retry.ShouldRetry = func(err error) bool {
		return !errors.Is(err, ErrBudgetExhausted) &&
			!errors.Is(err, resilience.ErrCircuitOpen) &&
			resilience.IsTransient(err)
	}
	opts.Retry.OnRetry = resilience.RetryLogger("geocode", "lookup")

	cb := opts.Circuit
	cb.ShouldTrip = resilience.IsTransient
	if cb.OnStateChange == nil {
		cb.OnStateChange = resilience.StateLogger("geocode")
	}

	return &Resolver{
		cache:   cache,
		client:  client,
		budget:  budget,
		breaker: resilience.NewCircuitBreaker(cb),
		opts:    opts,
		now:     time.Now,
		started: time.Now().UTC(),
	}
}

// Resolve returns the location of every company. Companies the provider
// could not be asked about (budget spent) come back unknown and are not
// cached. Companies the provider failed on come back failed. The returned error is non-nil only for cache failures, permanent
// provider errors, or cancellation.
func (r *Resolver) Resolve(ctx context.Context, companies []model.Company) (map[string]model.Location, error) {
	out := make([]model.Location, len(companies))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Concurrency)
	for i := range companies {
		g.Go(func() error {
			loc, err := r.resolveOne(gctx, companies[i])
			if err != nil {
				return err
			}
			out[i] = loc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	locs := make(map[string]model.Location, len(companies))
	for i, c := range companies {
		locs[c.ID] = out[i]
	}
	return locs, nil
}

func (r *Resolver) resolveOne(ctx context.Context, c model.Company) (model.Location, error) {
	if err := ctx.Err(); err != nil {
		return model.Location{}, eris.Wrap(err, "locate: resolve")
	}
	loc, err := r.cache.Get(ctx, c.ID)
	if err != nil {
		return model.Location{}, eris.Wrapf(err, "locate: cache read %s", c.ID)
	}
	if r.fresh(loc) {
		r.hits.Add(1)
		return loc, nil
	}
	r.misses.Add(1)

	// Concurrent incentives sharing a candidate issue one provider call.
	// The flight outlives any single caller's cancellation.
	ch := r.flights.DoChan(c.ID, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.LookupTimeout)
		defer cancel()
		return r.lookup(fctx, c)
	})
	select {
	case <-ctx.Done():
		return model.Location{}, eris.Wrapf(ctx.Err(), "locate: resolve %s", c.ID)
	case res := <-ch:
		if res.Err != nil {
			return model.Location{}, res.Err
		}
		return res.Val.(model.Location), nil
	}
}

// fresh reports whether a cached location can be used without a new lookup.
func (r *Resolver) fresh(loc model.Location) bool {
	switch loc.Status {
	case model.LocationFound:
		return true
	case model.LocationNotFound:
		if r.opts.RetryNotFoundAfter <= 0 || loc.UpdatedAt.IsZero() {
			return true
		}
		return r.now().Sub(loc.UpdatedAt) < r.opts.RetryNotFoundAfter
	case model.LocationFailed:
		return !loc.UpdatedAt.Before(r.started)
	default:
		return false
	}
}

func (r *Resolver) lookup(ctx context.Context, c model.Company) (model.Location, error) {
	log := zap.L().With(zap.String("company", c.ID))

	res, err := resilience.DoVal(ctx, r.opts.Retry, func(ctx context.Context) (*geocode.Result, error) {
		if err := r.budget.Take(); err != nil {
			return nil, err
		}
		r.calls.Add(1)
		r.opts.Costs.AddGeocode(1)
		return resilience.ExecuteVal(ctx, r.breaker, func(ctx context.Context) (*geocode.Result, error) {
			return r.client.Lookup(ctx, geocode.Query{Name: c.Name})
		})
	})

	now := r.now().UTC()
	switch {
	case err == nil && res != nil && res.Found:
		loc := model.Location{
			CompanyID: c.ID,
			Status:    model.LocationFound,
			Address:   res.Address,
			Lat:       res.Lat,
			Lon:       res.Lon,
			UpdatedAt: now,
		}
		return loc, r.put(ctx, loc)

	case err == nil:
		loc := model.Location{CompanyID: c.ID, Status: model.LocationNotFound, UpdatedAt: now}
		return loc, r.put(ctx, loc)

	case errors.Is(err, ErrBudgetExhausted):
		r.deferred.Add(1)
		log.Debug("locate: budget exhausted, leaving unknown")
		return model.Location{CompanyID: c.ID, Status: model.LocationUnknown}, nil

	case ctx.Err() != nil || resilience.IsTransient(err):
		r.failures.Add(1)
		log.Warn("locate: lookup failed after retry, retrying next run", zap.Error(err))
		loc := model.Location{CompanyID: c.ID, Status: model.LocationFailed, UpdatedAt: now}
		return loc, r.put(context.WithoutCancel(ctx), loc)

	default:
		r.failures.Add(1)
		return model.Location{}, eris.Wrapf(err, "locate: lookup %s", c.ID)
	}
}

func (r *Resolver) put(ctx context.Context, loc model.Location) error {
	return eris.Wrapf(r.cache.Put(ctx, loc), "locate: cache write %s", loc.CompanyID)
}

// Stats returns a snapshot of the counters.
func (r *Resolver) Stats() Stats {
	return Stats{
		Hits:     r.hits.Load(),
		Misses:   r.misses.Load(),
		Calls:    r.calls.Load(),
		Failures: r.failures.Load(),
		Deferred: r.deferred.Load(),
	}
}

// Budget exposes the call budget.
func (r *Resolver) Budget() *Budget {
	return r.budget
}
