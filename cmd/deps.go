package main

import (
	"context"
	"io"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/incentive-matcher/internal/cost"
	"github.com/sells-group/incentive-matcher/internal/embed"
	"github.com/sells-group/incentive-matcher/internal/geocache"
	"github.com/sells-group/incentive-matcher/internal/geofilter"
	"github.com/sells-group/incentive-matcher/internal/llm"
	"github.com/sells-group/incentive-matcher/internal/locate"
	"github.com/sells-group/incentive-matcher/internal/matcher"
	"github.com/sells-group/incentive-matcher/internal/resilience"
	"github.com/sells-group/incentive-matcher/internal/scoring"
	"github.com/sells-group/incentive-matcher/internal/store"
	"github.com/sells-group/incentive-matcher/internal/vindex"
	"github.com/sells-group/incentive-matcher/pkg/geocode"
)

func newCostTracker() *cost.Tracker {
	return cost.NewTracker(cost.NewCalculator(cost.RatesFromConfig(cfg.Pricing)))
}

func openIndex() (*vindex.Index, error) {
	idx, err := vindex.Open(cfg.VIndex.Path, false, cfg.VIndex.Shards)
	if err != nil {
		return nil, eris.Wrap(err, "open vector index")
	}
	return idx, nil
}

// openGeocache returns the configured location cache and a closer for it.
func openGeocache(st store.Store) (geocache.Cache, io.Closer, error) {
	switch cfg.Geocache.Driver {
	case "badger":
		bc, err := geocache.OpenBadger(cfg.Geocache.BadgerPath, false)
		if err != nil {
			return nil, nil, eris.Wrap(err, "open badger geocache")
		}
		return geocache.NewDeduped(bc), bc, nil
	case "store", "":
		return geocache.NewDeduped(geocache.NewStoreCache(st)), nopCloser{}, nil
	default:
		return nil, nil, eris.Errorf("unsupported geocache driver: %s", cfg.Geocache.Driver)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func newGeocodeClient() geocode.Client {
	return geocode.NewClient(cfg.Geocode.GoogleKey,
		geocode.WithBaseURL(cfg.Geocode.BaseURL),
		geocode.WithRateLimit(cfg.Geocode.RatePerSec),
		geocode.WithRegion(cfg.Geocode.Region),
		geocode.WithLanguage(cfg.Geocode.Language),
		geocode.WithCountry(cfg.Geocode.Country),
		geocode.WithTimeout(time.Duration(cfg.Geocode.TimeoutSecs)*time.Second),
	)
}

// matchDeps holds everything a matching run needs. close releases the
// index and cache handles.
type matchDeps struct {
	engine   *matcher.Engine
	resolver *locate.Resolver
	costs    *cost.Tracker
	closers  []io.Closer
}

func (d *matchDeps) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i].Close() //nolint:errcheck
	}
}

func buildMatchDeps(_ context.Context, st store.Store) (*matchDeps, error) {
	d := &matchDeps{costs: newCostTracker()}

	embedder, err := embed.New(cfg, d.costs)
	if err != nil {
		return nil, err
	}
	idx, err := openIndex()
	if err != nil {
		return nil, err
	}
	d.closers = append(d.closers, idx)
	if idx.Len() == 0 {
		d.close()
		return nil, eris.New("vector index is empty, run `index build` first")
	}

	cache, cacheCloser, err := openGeocache(st)
	if err != nil {
		d.close()
		return nil, err
	}
	d.closers = append(d.closers, cacheCloser)

	retry := resilience.FromRetryConfig(cfg.Retry)
	d.resolver = locate.NewResolver(cache, newGeocodeClient(), locate.NewBudget(cfg.Geocode.MaxCallsPerRun), locate.Options{
		Concurrency:        cfg.Geocode.Concurrency,
		RetryNotFoundAfter: time.Duration(cfg.Geocode.RetryNotFoundAfterDays) * 24 * time.Hour,
		LookupTimeout:      time.Duration(cfg.Geocode.TimeoutSecs*retry.MaxAttempts)*time.Second + retry.MaxBackoff,
		Retry:              retry,
		Circuit:            resilience.FromCircuitConfig(cfg.Circuit),
		Costs:              d.costs,
	})

	completer, err := llm.New(cfg, d.costs)
	if err != nil {
		d.close()
		return nil, err
	}
	filter := geofilter.New(completer, geofilter.Options{
		BatchSize: cfg.Classifier.BatchSize,
		MaxTokens: cfg.Classifier.MaxTokens,
		Country:   cfg.Geocode.Country,
		Retry:     retry,
	})

	d.engine = matcher.NewEngine(st, vindex.NewRetriever(idx, embedder), d.resolver, filter,
		scoring.New(scoring.DefaultWeights()),
		matcher.Config{
			InitialK: cfg.Matcher.InitialK,
			Step:     cfg.Matcher.Step,
			MaxK:     cfg.Matcher.MaxK,
			Target:   cfg.Matcher.Target,
		})
	return d, nil
}
