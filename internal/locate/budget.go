package locate

import (
	"sync/atomic"

	"github.com/rotisserie/eris"
)

// ErrBudgetExhausted is returned once the per-run geocoding call ceiling is
// reached.
var ErrBudgetExhausted = eris.New("locate: geocode call budget exhausted")

// Budget caps the number of provider calls issued in one run. A limit of zero
// or less means unlimited.
type Budget struct {
	limit int64
	used  atomic.Int64
}

// NewBudget creates a Budget allowing limit calls.
func NewBudget(limit int64) *Budget {
	return &Budget{limit: limit}
}

// Take reserves one call.
func (b *Budget) Take() error {
	if b == nil || b.limit <= 0 {
		if b != nil {
			b.used.Add(1)
		}
		return nil
	}
	for {
		n := b.used.Load()
		if n >= b.limit {
			return ErrBudgetExhausted
		}
		if b.used.CompareAndSwap(n, n+1) {
			return nil
		}
	}
}

// Used returns the number of calls reserved so far.
func (b *Budget) Used() int64 {
	if b == nil {
		return 0
	}
	return b.used.Load()
}

// Remaining returns the calls left, or -1 when unlimited.
func (b *Budget) Remaining() int64 {
	if b == nil || b.limit <= 0 {
		return -1
	}
	return max(b.limit-b.used.Load(), 0)
}
