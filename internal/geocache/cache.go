// Package geocache stores the geocoding outcome of each company so that a
// company is looked up at most once across incentives and runs.
package geocache

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/incentive-matcher/internal/model"
)

// ErrUnknownStatus is returned when Put is given a location that records no
// lookup outcome.
var ErrUnknownStatus = eris.New("geocache: refusing to cache unknown location")

// Cache is a per-company location cache. Get returns a location with status
// unknown when nothing is cached.
type Cache interface {
	Get(ctx context.Context, companyID string) (model.Location, error)
	Put(ctx context.Context, loc model.Location) error
}

// LocationStore is the subset of the store used by the store-backed cache.
type LocationStore interface {
	GetLocation(ctx context.Context, companyID string) (model.Location, error)
	UpsertLocation(ctx context.Context, loc model.Location) error
}

// StoreCache keeps locations in the matching database.
type StoreCache struct {
	st LocationStore
}

// NewStoreCache wraps a store as a Cache.
func NewStoreCache(st LocationStore) *StoreCache {
	return &StoreCache{st: st}
}

// Get implements Cache.
func (c *StoreCache) Get(ctx context.Context, companyID string) (model.Location, error) {
	loc, err := c.st.GetLocation(ctx, companyID)
	if err != nil {
		return model.Location{}, eris.Wrapf(err, "geocache: get %s", companyID)
	}
	return loc, nil
}

// Put implements Cache.
func (c *StoreCache) Put(ctx context.Context, loc model.Location) error {
	if err := checkPut(&loc); err != nil {
		return err
	}
	return eris.Wrapf(c.st.UpsertLocation(ctx, loc), "geocache: put %s", loc.CompanyID)
}

func checkPut(loc *model.Location) error {
	if loc.CompanyID == "" {
		return eris.New("geocache: missing company id")
	}
	if !loc.Known() {
		return ErrUnknownStatus
	}
	if loc.UpdatedAt.IsZero() {
		loc.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func unknown(companyID string) model.Location {
	return model.Location{CompanyID: companyID, Status: model.LocationUnknown}
}
