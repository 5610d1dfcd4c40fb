package geocache

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/dgraph-io/badger/v4"
	"github.com/rotisserie/eris"

	"github.com/sells-group/incentive-matcher/internal/kv"
	"github.com/sells-group/incentive-matcher/internal/model"
)

const locationPrefix = "loc:"

// BadgerCache keeps locations in a local badger database, for runs where the
// matching database is read-only or shared.
type BadgerCache struct {
	db *badger.DB
}

// OpenBadger opens (or creates) a badger-backed cache at dir.
func OpenBadger(dir string, inMemory bool) (*BadgerCache, error) {
	db, err := kv.Open(dir, inMemory)
	if err != nil {
		return nil, eris.Wrap(err, "geocache: open badger")
	}
	return &BadgerCache{db: db}, nil
}

// Close releases the database.
func (c *BadgerCache) Close() error {
	return c.db.Close()
}

// Get implements Cache.
func (c *BadgerCache) Get(_ context.Context, companyID string) (model.Location, error) {
	var loc model.Location
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(locationPrefix + companyID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &loc)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return unknown(companyID), nil
	}
	if err != nil {
		return model.Location{}, eris.Wrapf(err, "geocache: get %s", companyID)
	}
	return loc, nil
}

// Put implements Cache.
func (c *BadgerCache) Put(_ context.Context, loc model.Location) error {
	if err := checkPut(&loc); err != nil {
		return err
	}
	val, err := json.Marshal(loc)
	if err != nil {
		return eris.Wrap(err, "geocache: marshal location")
	}
	err = c.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(locationPrefix+loc.CompanyID), val)
	})
	return eris.Wrapf(err, "geocache: put %s", loc.CompanyID)
}

// Len counts cached locations.
func (c *BadgerCache) Len() (int, error) {
	n := 0
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(locationPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, eris.Wrap(err, "geocache: count")
}
