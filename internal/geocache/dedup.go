package geocache

import (
	"context"

	"golang.org/x/sync/singleflight"

	"github.com/sells-group/incentive-matcher/internal/model"
)

// Deduped collapses concurrent operations on the same company into one call
// to the wrapped cache. Different companies never wait on each other.
type Deduped struct {
	inner Cache
	gets  singleflight.Group
}

// NewDeduped wraps c.
func NewDeduped(c Cache) *Deduped {
	return &Deduped{inner: c}
}

// Get implements Cache.
func (d *Deduped) Get(ctx context.Context, companyID string) (model.Location, error) {
	v, err, _ := d.gets.Do(companyID, func() (any, error) {
		return d.inner.Get(ctx, companyID)
	})
	if err != nil {
		return model.Location{}, err
	}
	return v.(model.Location), nil
}

// Put implements Cache.
func (d *Deduped) Put(ctx context.Context, loc model.Location) error {
	err := d.inner.Put(ctx, loc)
	d.gets.Forget(loc.CompanyID)
	return err
}
