// Package store persists incentives, companies, cached locations, match
// records and the reverse index.
package store

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/sells-group/incentive-matcher/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = eris.New("store: not found")

// IncentiveCounts summarizes processing progress.
type IncentiveCounts struct {
	Total   int `json:"total"`
	Scored  int `json:"scored"`
	Pending int `json:"pending"`
}

// Store defines the persistence interface for the matching pipeline.
type Store interface {
	// Incentives
	GetIncentive(ctx context.Context, id string) (*model.Incentive, error)
	// ListPendingIncentives returns ids of incentives without a scored match
	// record, ordered by id. limit <= 0 means no limit.
	ListPendingIncentives(ctx context.Context, limit int) ([]string, error)
	CountIncentives(ctx context.Context) (*IncentiveCounts, error)

	// Companies
	GetCompanies(ctx context.Context, ids []string) (map[string]model.Company, error)
	// ListCompanies pages through companies ordered by id, starting after afterID.
	ListCompanies(ctx context.Context, afterID string, limit int) ([]model.Company, error)

	// Location cache
	GetLocation(ctx context.Context, companyID string) (model.Location, error)
	UpsertLocation(ctx context.Context, loc model.Location) error

	// Match records
	HasScoredMatch(ctx context.Context, incentiveID string) (bool, error)
	SaveMatchResults(ctx context.Context, semantic, scored *model.MatchRecord) error
	GetMatchRecord(ctx context.Context, incentiveID string, kind model.MatchKind) (*model.MatchRecord, error)
	ScanScoredMatches(ctx context.Context, fn func(*model.MatchRecord) error) error

	// Reverse index
	ReplaceReverseIndex(ctx context.Context, entries []model.ReverseIndexEntry) (int64, error)
	GetReverseIndex(ctx context.Context, companyID string) (*model.ReverseIndexEntry, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// encodeRecord validates a match record before it is written.
func encodeRecord(r *model.MatchRecord) ([]byte, error) {
	if r == nil {
		return nil, eris.New("store: nil match record")
	}
	if err := r.Validate(); err != nil {
		return nil, eris.Wrap(err, "store: encode match record")
	}
	b, err := json.Marshal(r)
	return b, eris.Wrap(err, "store: marshal match record")
}

// decodeRecord parses and validates a stored match record.
func decodeRecord(b []byte) (*model.MatchRecord, error) {
	var r model.MatchRecord
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal match record")
	}
	if err := r.Validate(); err != nil {
		return nil, eris.Wrap(err, "store: decode match record")
	}
	return &r, nil
}

// checkPair ensures the two records saved together describe one incentive.
func checkPair(semantic, scored *model.MatchRecord) error {
	if semantic == nil || scored == nil {
		return eris.New("store: both semantic and scored records are required")
	}
	if semantic.Kind != model.KindSemantic || scored.Kind != model.KindScored {
		return eris.New("store: record kinds must be semantic and scored")
	}
	if semantic.IncentiveID != scored.IncentiveID {
		return eris.Errorf("store: record incentive mismatch %s != %s", semantic.IncentiveID, scored.IncentiveID)
	}
	return nil
}

// reverseRows flattens reverse index entries into COPY/INSERT rows.
func reverseRows(entries []model.ReverseIndexEntry) ([][]any, error) {
	var rows [][]any
	for i := range entries {
		e := &entries[i]
		if err := e.Validate(); err != nil {
			return nil, eris.Wrap(err, "store: reverse index")
		}
		for _, r := range e.Entries {
			rows = append(rows, []any{e.CompanyID, r.IncentiveID, r.Rank, r.IncentiveRank, r.Score})
		}
	}
	return rows, nil
}

var reverseColumns = []string{"company_id", "incentive_id", "rank", "incentive_rank", "score"}
