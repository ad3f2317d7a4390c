package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/coverage-watch/internal/db"
	"github.com/sells-group/coverage-watch/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
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
	return &PostgresStore{pool: pool, closeFn: pool.Close, nowFunc: time.Now}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS page_hashes (
	hash_key     TEXT PRIMARY KEY,
	source_id    TEXT NOT NULL DEFAULT '',
	page_type    TEXT NOT NULL DEFAULT '',
	url          TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	content      TEXT NOT NULL DEFAULT '',
	fetched_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS document_hashes (
	policy_id            TEXT PRIMARY KEY,
	payer_id             TEXT NOT NULL,
	url                  TEXT NOT NULL DEFAULT '',
	doc_type             TEXT NOT NULL DEFAULT '',
	content_hash         TEXT NOT NULL,
	metadata_hash        TEXT,
	criteria_hash        TEXT,
	codes_hash           TEXT,
	metadata             JSONB NOT NULL DEFAULT '{}',
	codes                JSONB NOT NULL DEFAULT '{}',
	named_tests          JSONB NOT NULL DEFAULT '[]',
	stance               TEXT NOT NULL DEFAULT 'unknown',
	last_fetched         TIMESTAMPTZ NOT NULL,
	last_changed         TIMESTAMPTZ,
	last_change_priority TEXT NOT NULL DEFAULT 'none',
	last_change_summary  TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS document_revisions (
	policy_id      TEXT NOT NULL,
	fetched_at     TIMESTAMPTZ NOT NULL,
	content_hash   TEXT NOT NULL,
	metadata_hash  TEXT,
	criteria_hash  TEXT,
	codes_hash     TEXT,
	priority       TEXT NOT NULL,
	changed_hashes JSONB NOT NULL DEFAULT '[]',
	summary        TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (policy_id, fetched_at)
);

CREATE TABLE IF NOT EXISTS url_health (
	url                  TEXT PRIMARY KEY,
	source_id            TEXT NOT NULL DEFAULT '',
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	last_success         TIMESTAMPTZ,
	last_failure         TIMESTAMPTZ,
	last_error           TEXT NOT NULL DEFAULT '',
	total_successes      INTEGER NOT NULL DEFAULT 0,
	total_failures       INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS staged_discoveries (
	discovery_id          TEXT PRIMARY KEY,
	payer_id              TEXT NOT NULL DEFAULT '',
	url                   TEXT NOT NULL,
	title                 TEXT NOT NULL DEFAULT '',
	link_text             TEXT NOT NULL DEFAULT '',
	link_context          TEXT NOT NULL DEFAULT '',
	content_type          TEXT NOT NULL DEFAULT '',
	source                TEXT NOT NULL DEFAULT '',
	confidence            DOUBLE PRECISION NOT NULL DEFAULT 0,
	classification_reason TEXT NOT NULL DEFAULT '',
	status                TEXT NOT NULL DEFAULT 'pending',
	reviewed_by           TEXT NOT NULL DEFAULT '',
	reviewed_at           TIMESTAMPTZ,
	review_notes          TEXT NOT NULL DEFAULT '',
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS coverage_assertions (
	assertion_id     TEXT PRIMARY KEY,
	payer_id         TEXT NOT NULL,
	test_id          TEXT NOT NULL,
	layer            TEXT NOT NULL,
	status           TEXT NOT NULL,
	criteria         JSONB NOT NULL DEFAULT '{}',
	source_policy_id TEXT NOT NULL CHECK (source_policy_id <> ''),
	source_url       TEXT NOT NULL DEFAULT '',
	source_citation  TEXT NOT NULL DEFAULT '',
	source_quote     TEXT NOT NULL DEFAULT '',
	effective_date   TEXT NOT NULL DEFAULT '',
	expiration_date  TEXT NOT NULL DEFAULT '',
	confidence       DOUBLE PRECISION NOT NULL DEFAULT 0,
	review_status    TEXT NOT NULL DEFAULT 'pending',
	reviewed_by      TEXT NOT NULL DEFAULT '',
	reviewed_at      TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (payer_id, test_id, layer, source_policy_id)
);

CREATE TABLE IF NOT EXISTS run_summaries (
	run_id      TEXT PRIMARY KEY,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL,
	stats_json  JSONB NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_page_hashes_source ON page_hashes(source_id);
CREATE INDEX IF NOT EXISTS idx_document_hashes_payer ON document_hashes(payer_id);
CREATE INDEX IF NOT EXISTS idx_url_health_failures ON url_health(consecutive_failures);
CREATE UNIQUE INDEX IF NOT EXISTS ux_staged_discoveries_pending_url ON staged_discoveries(url) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_staged_discoveries_status ON staged_discoveries(status);
CREATE INDEX IF NOT EXISTS idx_coverage_assertions_test ON coverage_assertions(test_id);
CREATE INDEX IF NOT EXISTS idx_coverage_assertions_review ON coverage_assertions(review_status);
CREATE INDEX IF NOT EXISTS idx_run_summaries_started ON run_summaries(started_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

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

func (s *PostgresStore) now() time.Time {
	if s.nowFunc == nil {
		return time.Now().UTC()
	}
	return s.nowFunc().UTC()
}

// Page hashes

func (s *PostgresStore) GetPageHash(ctx context.Context, hashKey string) (*model.PageHashRecord, error) {
	var r model.PageHashRecord
	err := s.pool.QueryRow(ctx,
		`SELECT hash_key, source_id, page_type, url, content_hash, content, fetched_at
		 FROM page_hashes WHERE hash_key = $1`, hashKey,
	).Scan(&r.HashKey, &r.SourceID, &r.PageType, &r.URL, &r.ContentHash, &r.Content, &r.FetchedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get page hash %s", hashKey)
	}
	r.FetchedAt = r.FetchedAt.UTC()
	return &r, nil
}

func (s *PostgresStore) SetPageHash(ctx context.Context, rec model.PageHashRecord) error {
	if rec.FetchedAt.IsZero() {
		rec.FetchedAt = s.now()
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO page_hashes (hash_key, source_id, page_type, url, content_hash, content, fetched_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (hash_key) DO UPDATE SET
	source_id = EXCLUDED.source_id,
	page_type = EXCLUDED.page_type,
	url = EXCLUDED.url,
	content_hash = EXCLUDED.content_hash,
	content = EXCLUDED.content,
	fetched_at = EXCLUDED.fetched_at`,
		rec.HashKey, rec.SourceID, rec.PageType, rec.URL, rec.ContentHash,
		model.CapContent(rec.Content), rec.FetchedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: set page hash %s", rec.HashKey)
}

func (s *PostgresStore) CountPageHashes(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM page_hashes`).Scan(&n)
	return n, eris.Wrap(err, "postgres: count page hashes")
}

// ImportPageHashes bulk-loads recs with COPY and merges them on hash_key.
func (s *PostgresStore) ImportPageHashes(ctx context.Context, recs []model.PageHashRecord) (int, error) {
	now := s.now()
	rows := make([][]any, 0, len(recs))
	for _, rec := range recs {
		if rec.FetchedAt.IsZero() {
			rec.FetchedAt = now
		}
		rows = append(rows, []any{
			rec.HashKey, rec.SourceID, rec.PageType, rec.URL, rec.ContentHash,
			model.CapContent(rec.Content), rec.FetchedAt.UTC(),
		})
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "page_hashes",
		Columns:      []string{"hash_key", "source_id", "page_type", "url", "content_hash", "content", "fetched_at"},
		ConflictKeys: []string{"hash_key"},
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: import page hashes")
	}
	return int(n), nil
}

// URL health

const pgHealthColumns = `url, source_id, consecutive_failures, last_success, last_failure, last_error,
	total_successes, total_failures`

func (s *PostgresStore) GetURLHealth(ctx context.Context, url string) (*model.URLHealthRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgHealthColumns+` FROM url_health WHERE url = $1`, url)
	r, err := scanPgHealth(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get url health %s", url)
	}
	return r, nil
}

func scanPgHealth(row scannable) (*model.URLHealthRecord, error) {
	var r model.URLHealthRecord
	if err := row.Scan(&r.URL, &r.SourceID, &r.ConsecutiveFailures, &r.LastSuccess, &r.LastFailure,
		&r.LastError, &r.TotalSuccesses, &r.TotalFailures); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) RecordURLSuccess(ctx context.Context, url, sourceID string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO url_health (url, source_id, consecutive_failures, last_success, total_successes, total_failures)
VALUES ($1, $2, 0, $3, 1, 0)
ON CONFLICT (url) DO UPDATE SET
	source_id = COALESCE(NULLIF(EXCLUDED.source_id, ''), url_health.source_id),
	consecutive_failures = 0,
	last_success = EXCLUDED.last_success,
	total_successes = url_health.total_successes + 1`,
		url, sourceID, at.UTC(),
	)
	return eris.Wrapf(err, "postgres: record url success %s", url)
}

func (s *PostgresStore) RecordURLFailure(ctx context.Context, url, sourceID, errMsg string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO url_health (url, source_id, consecutive_failures, last_failure, last_error, total_successes, total_failures)
VALUES ($1, $2, 1, $3, $4, 0, 1)
ON CONFLICT (url) DO UPDATE SET
	source_id = COALESCE(NULLIF(EXCLUDED.source_id, ''), url_health.source_id),
	consecutive_failures = url_health.consecutive_failures + 1,
	last_failure = EXCLUDED.last_failure,
	last_error = EXCLUDED.last_error,
	total_failures = url_health.total_failures + 1`,
		url, sourceID, at.UTC(), truncateError(errMsg),
	)
	return eris.Wrapf(err, "postgres: record url failure %s", url)
}

func (s *PostgresStore) ListUnhealthyURLs(ctx context.Context, threshold int) ([]model.URLHealthRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgHealthColumns+` FROM url_health
		 WHERE consecutive_failures >= $1
		 ORDER BY consecutive_failures DESC, url`, threshold)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list unhealthy urls")
	}
	defer rows.Close()

	var out []model.URLHealthRecord
	for rows.Next() {
		r, err := scanPgHealth(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan url health")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list unhealthy urls iterate")
}

// Run summaries

func (s *PostgresStore) SaveRunSummary(ctx context.Context, r *model.RunSummary) error {
	stats, err := json.Marshal(r.Sources)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal run stats")
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO run_summaries (run_id, started_at, finished_at, stats_json) VALUES ($1, $2, $3, $4)
ON CONFLICT (run_id) DO UPDATE SET
	finished_at = EXCLUDED.finished_at,
	stats_json = EXCLUDED.stats_json`,
		r.RunID, r.StartedAt.UTC(), r.FinishedAt.UTC(), stats,
	)
	return eris.Wrapf(err, "postgres: save run summary %s", r.RunID)
}

func (s *PostgresStore) ListRunSummaries(ctx context.Context, limit int) ([]model.RunSummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, started_at, finished_at, stats_json FROM run_summaries
		 ORDER BY started_at DESC LIMIT $1`, listLimit(limit))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list run summaries")
	}
	defer rows.Close()

	var out []model.RunSummary
	for rows.Next() {
		var (
			r     model.RunSummary
			stats []byte
		)
		if err := rows.Scan(&r.RunID, &r.StartedAt, &r.FinishedAt, &stats); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run summary")
		}
		if len(stats) > 0 {
			if err := json.Unmarshal(stats, &r.Sources); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal run stats")
			}
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list run summaries iterate")
}

// helpers

func checkTag(tag pgconn.CommandTag, entity, id string) error {
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}
