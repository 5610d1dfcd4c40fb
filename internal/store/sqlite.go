package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/incentive-matcher/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It serves local runs
// and tests; production batches use Postgres.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS incentives (
	id               TEXT PRIMARY KEY,
	title            TEXT NOT NULL DEFAULT '',
	sector           TEXT NOT NULL DEFAULT '',
	geo_requirement  TEXT NOT NULL DEFAULT '',
	eligible_actions TEXT NOT NULL DEFAULT '',
	description      TEXT NOT NULL DEFAULT '',
	funding_rate     REAL NOT NULL DEFAULT 0,
	budget_ceiling   REAL NOT NULL DEFAULT 0,
	org_direction    INTEGER
);

CREATE TABLE IF NOT EXISTS companies (
	id                   TEXT PRIMARY KEY,
	name                 TEXT NOT NULL,
	classification_code  TEXT NOT NULL DEFAULT '',
	classification_label TEXT NOT NULL DEFAULT '',
	activity             TEXT NOT NULL DEFAULT '',
	website              TEXT NOT NULL DEFAULT '',
	legal_form           TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS company_locations (
	company_id TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	address    TEXT NOT NULL DEFAULT '',
	lat        REAL NOT NULL DEFAULT 0,
	lon        REAL NOT NULL DEFAULT 0,
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS match_results (
	incentive_id TEXT NOT NULL,
	kind         TEXT NOT NULL,
	record       TEXT NOT NULL,
	processed_at DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (incentive_id, kind)
);

CREATE TABLE IF NOT EXISTS reverse_index (
	company_id     TEXT NOT NULL,
	incentive_id   TEXT NOT NULL,
	rank           INTEGER NOT NULL,
	incentive_rank INTEGER NOT NULL,
	score          REAL NOT NULL,
	PRIMARY KEY (company_id, incentive_id)
);

CREATE INDEX IF NOT EXISTS idx_match_results_kind ON match_results(kind);
CREATE INDEX IF NOT EXISTS idx_reverse_index_company ON reverse_index(company_id, rank);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetIncentive(ctx context.Context, id string) (*model.Incentive, error) {
	var inc model.Incentive
	var dir sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, sector, geo_requirement, eligible_actions, description, funding_rate, budget_ceiling, org_direction
		 FROM incentives WHERE id = ?`,
		id,
	).Scan(&inc.ID, &inc.Title, &inc.Sector, &inc.GeoRequirement, &inc.EligibleActions,
		&inc.Description, &inc.FundingRate, &inc.BudgetCeiling, &dir)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "incentive %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get incentive %s", id)
	}
	if dir.Valid {
		d := int(dir.Int64)
		inc.OrgDirection = &d
	}
	return &inc, nil
}

func (s *SQLiteStore) ListPendingIncentives(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT i.id FROM incentives i
		 WHERE NOT EXISTS (SELECT 1 FROM match_results m WHERE m.incentive_id = i.id AND m.kind = 'scored')
		 ORDER BY i.id LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list pending incentives")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan pending incentive")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "sqlite: list pending incentives iterate")
}

func (s *SQLiteStore) CountIncentives(ctx context.Context) (*IncentiveCounts, error) {
	var c IncentiveCounts
	err := s.db.QueryRowContext(ctx,
		`SELECT
			(SELECT count(*) FROM incentives),
			(SELECT count(*) FROM match_results m JOIN incentives i ON i.id = m.incentive_id WHERE m.kind = 'scored')`,
	).Scan(&c.Total, &c.Scored)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count incentives")
	}
	c.Pending = c.Total - c.Scored
	return &c, nil
}

func (s *SQLiteStore) GetCompanies(ctx context.Context, ids []string) (map[string]model.Company, error) {
	out := make(map[string]model.Company, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, classification_code, classification_label, activity, website, legal_form
		 FROM companies WHERE id IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get companies")
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanCompany(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan company")
		}
		out[c.ID] = *c
	}
	return out, eris.Wrap(rows.Err(), "sqlite: get companies iterate")
}

func (s *SQLiteStore) ListCompanies(ctx context.Context, afterID string, limit int) ([]model.Company, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, classification_code, classification_label, activity, website, legal_form
		 FROM companies WHERE id > ? ORDER BY id LIMIT ?`,
		afterID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list companies")
	}
	defer rows.Close()

	var companies []model.Company
	for rows.Next() {
		c, err := scanCompany(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan company")
		}
		companies = append(companies, *c)
	}
	return companies, eris.Wrap(rows.Err(), "sqlite: list companies iterate")
}

func (s *SQLiteStore) GetLocation(ctx context.Context, companyID string) (model.Location, error) {
	loc := model.Location{CompanyID: companyID}
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT status, address, lat, lon, updated_at FROM company_locations WHERE company_id = ?`,
		companyID,
	).Scan(&status, &loc.Address, &loc.Lat, &loc.Lon, &loc.UpdatedAt)
	if err == sql.ErrNoRows {
		loc.Status = model.LocationUnknown
		return loc, nil
	}
	if err != nil {
		return loc, eris.Wrapf(err, "sqlite: get location %s", companyID)
	}
	loc.Status = model.LocationStatus(status)
	return loc, nil
}

func (s *SQLiteStore) UpsertLocation(ctx context.Context, loc model.Location) error {
	if !loc.Known() {
		return eris.Errorf("sqlite: refusing to cache location %s with status %q", loc.CompanyID, loc.Status)
	}
	if loc.UpdatedAt.IsZero() {
		loc.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO company_locations (company_id, status, address, lat, lon, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (company_id) DO UPDATE SET
			status = excluded.status, address = excluded.address,
			lat = excluded.lat, lon = excluded.lon, updated_at = excluded.updated_at`,
		loc.CompanyID, string(loc.Status), loc.Address, loc.Lat, loc.Lon, loc.UpdatedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: upsert location %s", loc.CompanyID)
}

func (s *SQLiteStore) HasScoredMatch(ctx context.Context, incentiveID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM match_results WHERE incentive_id = ? AND kind = 'scored'`,
		incentiveID,
	).Scan(&n)
	return n > 0, eris.Wrapf(err, "sqlite: has scored match %s", incentiveID)
}

func (s *SQLiteStore) SaveMatchResults(ctx context.Context, semantic, scored *model.MatchRecord) error {
	if err := checkPair(semantic, scored); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin save match results")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, r := range []*model.MatchRecord{semantic, scored} {
		b, err := encodeRecord(r)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO match_results (incentive_id, kind, record, processed_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT (incentive_id, kind) DO UPDATE SET record = excluded.record, processed_at = excluded.processed_at`,
			r.IncentiveID, string(r.Kind), string(b), r.ProcessedAt.UTC(),
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert %s match record %s", r.Kind, r.IncentiveID)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit match results")
}

func (s *SQLiteStore) GetMatchRecord(ctx context.Context, incentiveID string, kind model.MatchKind) (*model.MatchRecord, error) {
	var b string
	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM match_results WHERE incentive_id = ? AND kind = ?`,
		incentiveID, string(kind),
	).Scan(&b)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "%s match record %s", kind, incentiveID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get match record %s", incentiveID)
	}
	return decodeRecord([]byte(b))
}

func (s *SQLiteStore) ScanScoredMatches(ctx context.Context, fn func(*model.MatchRecord) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record FROM match_results WHERE kind = 'scored' ORDER BY incentive_id`,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: scan scored matches")
	}
	defer rows.Close()

	for rows.Next() {
		var b string
		if err := rows.Scan(&b); err != nil {
			return eris.Wrap(err, "sqlite: scan match record")
		}
		r, err := decodeRecord([]byte(b))
		if err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return eris.Wrap(rows.Err(), "sqlite: scan scored matches iterate")
}

func (s *SQLiteStore) ReplaceReverseIndex(ctx context.Context, entries []model.ReverseIndexEntry) (int64, error) {
	rows, err := reverseRows(entries)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin replace reverse index")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM reverse_index`); err != nil {
		return 0, eris.Wrap(err, "sqlite: clear reverse index")
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO reverse_index (company_id, incentive_id, rank, incentive_rank, score) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare reverse index insert")
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return 0, eris.Wrap(err, "sqlite: insert reverse index row")
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit reverse index")
	}
	return int64(len(rows)), nil
}

func (s *SQLiteStore) GetReverseIndex(ctx context.Context, companyID string) (*model.ReverseIndexEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.incentive_id, COALESCE(i.title, ''), r.rank, r.incentive_rank, r.score
		 FROM reverse_index r LEFT JOIN incentives i ON i.id = r.incentive_id
		 WHERE r.company_id = ? ORDER BY r.rank`,
		companyID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get reverse index %s", companyID)
	}
	defer rows.Close()

	entry := &model.ReverseIndexEntry{CompanyID: companyID}
	for rows.Next() {
		var e model.ReverseEntry
		if err := rows.Scan(&e.IncentiveID, &e.IncentiveTitle, &e.Rank, &e.IncentiveRank, &e.Score); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan reverse entry")
		}
		entry.Entries = append(entry.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: get reverse index iterate")
	}
	if len(entry.Entries) == 0 {
		return nil, eris.Wrapf(ErrNotFound, "reverse index %s", companyID)
	}
	return entry, nil
}
