// Package reverse inverts the scored match records into a per-company list
// of the best incentives.
package reverse

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/incentive-matcher/internal/model"
)

// Store is the persistence the builder needs.
type Store interface {
	ScanScoredMatches(ctx context.Context, fn func(*model.MatchRecord) error) error
	ReplaceReverseIndex(ctx context.Context, entries []model.ReverseIndexEntry) (int64, error)
}

// Stats describes one build.
type Stats struct {
	Records   int           `json:"records"`
	Pairs     int           `json:"pairs"`
	Companies int           `json:"companies"`
	Rows      int64         `json:"rows"`
	Duration  time.Duration `json:"duration"`
}

// Builder rebuilds the reverse index from scratch.
type Builder struct {
	store Store
}

// NewBuilder creates a Builder.
func NewBuilder(st Store) *Builder {
	return &Builder{store: st}
}

// Build scans every scored record and replaces the whole reverse index.
// Running it twice over the same records yields the same index.
func (b *Builder) Build(ctx context.Context) (*Stats, error) {
	start := time.Now()
	stats := &Stats{}

	byCompany := make(map[string][]model.ReverseEntry)
	err := b.store.ScanScoredMatches(ctx, func(r *model.MatchRecord) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		stats.Records++
		for _, e := range r.Entries {
			byCompany[e.CompanyID] = append(byCompany[e.CompanyID], model.ReverseEntry{
				IncentiveID:   r.IncentiveID,
				IncentiveRank: e.Rank,
				Score:         e.FinalScore,
			})
			stats.Pairs++
		}
		return nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "reverse: scan match records")
	}

	entries := Invert(byCompany)
	stats.Companies = len(entries)

	rows, err := b.store.ReplaceReverseIndex(ctx, entries)
	if err != nil {
		return nil, eris.Wrap(err, "reverse: replace index")
	}
	stats.Rows = rows
	stats.Duration = time.Since(start)

	zap.L().Info("reverse: index rebuilt",
		zap.Int("records", stats.Records),
		zap.Int("pairs", stats.Pairs),
		zap.Int("companies", stats.Companies),
		zap.Int64("rows", stats.Rows),
		zap.Duration("duration", stats.Duration),
	)
	return stats, nil
}

// Invert keeps the model.MaxMatches best incentives per company, ordered by
// score desc then incentive id asc, and assigns ranks 1..k. The result is
// ordered by company id.
func Invert(byCompany map[string][]model.ReverseEntry) []model.ReverseIndexEntry {
	out := make([]model.ReverseIndexEntry, 0, len(byCompany))
	for companyID, list := range byCompany {
		sort.Slice(list, func(i, j int) bool {
			if list[i].Score != list[j].Score {
				return list[i].Score > list[j].Score
			}
			return list[i].IncentiveID < list[j].IncentiveID
		})
		if len(list) > model.MaxMatches {
			list = list[:model.MaxMatches]
		}
		for i := range list {
			list[i].Rank = i + 1
		}
		out = append(out, model.ReverseIndexEntry{CompanyID: companyID, Entries: list})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CompanyID < out[j].CompanyID })
	return out
}
