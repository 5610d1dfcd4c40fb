package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/incentive-matcher/internal/db"
	"github.com/sells-group/incentive-matcher/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32
	MinConns int32
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS incentives (
	id               TEXT PRIMARY KEY,
	title            TEXT NOT NULL DEFAULT '',
	sector           TEXT NOT NULL DEFAULT '',
	geo_requirement  TEXT NOT NULL DEFAULT '',
	eligible_actions TEXT NOT NULL DEFAULT '',
	description      TEXT NOT NULL DEFAULT '',
	funding_rate     DOUBLE PRECISION NOT NULL DEFAULT 0,
	budget_ceiling   DOUBLE PRECISION NOT NULL DEFAULT 0,
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
	lat        DOUBLE PRECISION NOT NULL DEFAULT 0,
	lon        DOUBLE PRECISION NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS match_results (
	incentive_id TEXT NOT NULL,
	kind         TEXT NOT NULL,
	record       JSONB NOT NULL,
	processed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (incentive_id, kind)
);

CREATE TABLE IF NOT EXISTS reverse_index (
	company_id     TEXT NOT NULL,
	incentive_id   TEXT NOT NULL,
	rank           INTEGER NOT NULL,
	incentive_rank INTEGER NOT NULL,
	score          DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (company_id, incentive_id)
);

CREATE INDEX IF NOT EXISTS idx_match_results_kind ON match_results(kind);
CREATE INDEX IF NOT EXISTS idx_reverse_index_company ON reverse_index(company_id, rank);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) GetIncentive(ctx context.Context, id string) (*model.Incentive, error) {
	var inc model.Incentive
	err := s.pool.QueryRow(ctx,
		`SELECT id, title, sector, geo_requirement, eligible_actions, description, funding_rate, budget_ceiling, org_direction
		 FROM incentives WHERE id = $1`,
		id,
	).Scan(&inc.ID, &inc.Title, &inc.Sector, &inc.GeoRequirement, &inc.EligibleActions,
		&inc.Description, &inc.FundingRate, &inc.BudgetCeiling, &inc.OrgDirection)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "incentive %s", id)
		}
		return nil, eris.Wrapf(err, "postgres: get incentive %s", id)
	}
	return &inc, nil
}

func (s *PostgresStore) ListPendingIncentives(ctx context.Context, limit int) ([]string, error) {
	query := `SELECT i.id FROM incentives i
		WHERE NOT EXISTS (SELECT 1 FROM match_results m WHERE m.incentive_id = i.id AND m.kind = 'scored')
		ORDER BY i.id`
	var args []any
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list pending incentives")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan pending incentive")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "postgres: list pending incentives iterate")
}

func (s *PostgresStore) CountIncentives(ctx context.Context) (*IncentiveCounts, error) {
	var c IncentiveCounts
	err := s.pool.QueryRow(ctx,
		`SELECT
			(SELECT count(*) FROM incentives),
			(SELECT count(*) FROM match_results m JOIN incentives i ON i.id = m.incentive_id WHERE m.kind = 'scored')`,
	).Scan(&c.Total, &c.Scored)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count incentives")
	}
	c.Pending = c.Total - c.Scored
	return &c, nil
}

func (s *PostgresStore) GetCompanies(ctx context.Context, ids []string) (map[string]model.Company, error) {
	out := make(map[string]model.Company, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, name, classification_code, classification_label, activity, website, legal_form
		 FROM companies WHERE id = ANY($1)`,
		ids,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get companies")
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanCompany(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan company")
		}
		out[c.ID] = *c
	}
	return out, eris.Wrap(rows.Err(), "postgres: get companies iterate")
}

func (s *PostgresStore) ListCompanies(ctx context.Context, afterID string, limit int) ([]model.Company, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, classification_code, classification_label, activity, website, legal_form
		 FROM companies WHERE id > $1 ORDER BY id LIMIT $2`,
		afterID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list companies")
	}
	defer rows.Close()

	var companies []model.Company
	for rows.Next() {
		c, err := scanCompany(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan company")
		}
		companies = append(companies, *c)
	}
	return companies, eris.Wrap(rows.Err(), "postgres: list companies iterate")
}

func (s *PostgresStore) GetLocation(ctx context.Context, companyID string) (model.Location, error) {
	loc := model.Location{CompanyID: companyID}
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT status, address, lat, lon, updated_at FROM company_locations WHERE company_id = $1`,
		companyID,
	).Scan(&status, &loc.Address, &loc.Lat, &loc.Lon, &loc.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			loc.Status = model.LocationUnknown
			return loc, nil
		}
		return loc, eris.Wrapf(err, "postgres: get location %s", companyID)
	}
	loc.Status = model.LocationStatus(status)
	return loc, nil
}

// UpsertLocation writes one company's geocode. The single-row upsert is
// atomic, so concurrent writers for different companies never contend.
func (s *PostgresStore) UpsertLocation(ctx context.Context, loc model.Location) error {
	if !loc.Known() {
		return eris.Errorf("postgres: refusing to cache location %s with status %q", loc.CompanyID, loc.Status)
	}
	if loc.UpdatedAt.IsZero() {
		loc.UpdatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO company_locations (company_id, status, address, lat, lon, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (company_id) DO UPDATE SET
			status = EXCLUDED.status, address = EXCLUDED.address,
			lat = EXCLUDED.lat, lon = EXCLUDED.lon, updated_at = EXCLUDED.updated_at`,
		loc.CompanyID, string(loc.Status), loc.Address, loc.Lat, loc.Lon, loc.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: upsert location %s", loc.CompanyID)
}

func (s *PostgresStore) HasScoredMatch(ctx context.Context, incentiveID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM match_results WHERE incentive_id = $1 AND kind = 'scored')`,
		incentiveID,
	).Scan(&exists)
	return exists, eris.Wrapf(err, "postgres: has scored match %s", incentiveID)
}

// SaveMatchResults writes both result sets of an incentive in one transaction.
func (s *PostgresStore) SaveMatchResults(ctx context.Context, semantic, scored *model.MatchRecord) error {
	if err := checkPair(semantic, scored); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin save match results")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, r := range []*model.MatchRecord{semantic, scored} {
		b, err := encodeRecord(r)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO match_results (incentive_id, kind, record, processed_at) VALUES ($1, $2, $3, $4)
			 ON CONFLICT (incentive_id, kind) DO UPDATE SET record = EXCLUDED.record, processed_at = EXCLUDED.processed_at`,
			r.IncentiveID, string(r.Kind), b, r.ProcessedAt,
		); err != nil {
			return eris.Wrapf(err, "postgres: insert %s match record %s", r.Kind, r.IncentiveID)
		}
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit match results")
}

func (s *PostgresStore) GetMatchRecord(ctx context.Context, incentiveID string, kind model.MatchKind) (*model.MatchRecord, error) {
	var b []byte
	err := s.pool.QueryRow(ctx,
		`SELECT record FROM match_results WHERE incentive_id = $1 AND kind = $2`,
		incentiveID, string(kind),
	).Scan(&b)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "%s match record %s", kind, incentiveID)
		}
		return nil, eris.Wrapf(err, "postgres: get match record %s", incentiveID)
	}
	return decodeRecord(b)
}

func (s *PostgresStore) ScanScoredMatches(ctx context.Context, fn func(*model.MatchRecord) error) error {
	rows, err := s.pool.Query(ctx,
		`SELECT record FROM match_results WHERE kind = 'scored' ORDER BY incentive_id`,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: scan scored matches")
	}
	defer rows.Close()

	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil {
			return eris.Wrap(err, "postgres: scan match record")
		}
		r, err := decodeRecord(b)
		if err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return eris.Wrap(rows.Err(), "postgres: scan scored matches iterate")
}

func (s *PostgresStore) ReplaceReverseIndex(ctx context.Context, entries []model.ReverseIndexEntry) (int64, error) {
	rows, err := reverseRows(entries)
	if err != nil {
		return 0, err
	}
	n, err := db.ReplaceTable(ctx, s.pool, "reverse_index", reverseColumns, rows)
	return n, eris.Wrap(err, "postgres: replace reverse index")
}

func (s *PostgresStore) GetReverseIndex(ctx context.Context, companyID string) (*model.ReverseIndexEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT r.incentive_id, COALESCE(i.title, ''), r.rank, r.incentive_rank, r.score
		 FROM reverse_index r LEFT JOIN incentives i ON i.id = r.incentive_id
		 WHERE r.company_id = $1 ORDER BY r.rank`,
		companyID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get reverse index %s", companyID)
	}
	defer rows.Close()

	entry := &model.ReverseIndexEntry{CompanyID: companyID}
	for rows.Next() {
		var e model.ReverseEntry
		if err := rows.Scan(&e.IncentiveID, &e.IncentiveTitle, &e.Rank, &e.IncentiveRank, &e.Score); err != nil {
			return nil, eris.Wrap(err, "postgres: scan reverse entry")
		}
		entry.Entries = append(entry.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: get reverse index iterate")
	}
	if len(entry.Entries) == 0 {
		return nil, eris.Wrapf(ErrNotFound, "reverse index %s", companyID)
	}
	return entry, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanCompany(row scannable) (*model.Company, error) {
	var c model.Company
	if err := row.Scan(&c.ID, &c.Name, &c.ClassificationCode, &c.ClassificationLabel,
		&c.Activity, &c.Website, &c.LegalForm); err != nil {
		return nil, err
	}
	return &c, nil
}
