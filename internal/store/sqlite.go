package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/coverage-watch/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// sqliteConnPragmas apply to every pooled connection, not just the first.
const sqliteConnPragmas = "_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", sqliteDSN(dsn))
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
	return &SQLiteStore{db: db, nowFunc: time.Now}, nil
}

func sqliteDSN(dsn string) string {
	if dsn == ":memory:" || strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&" + sqliteConnPragmas
	}
	return dsn + "?" + sqliteConnPragmas
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS page_hashes (
	hash_key     TEXT PRIMARY KEY,
	source_id    TEXT NOT NULL DEFAULT '',
	page_type    TEXT NOT NULL DEFAULT '',
	url          TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	content      TEXT NOT NULL DEFAULT '',
	fetched_at   DATETIME NOT NULL
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
	metadata             TEXT NOT NULL DEFAULT '{}',
	codes                TEXT NOT NULL DEFAULT '{}',
	named_tests          TEXT NOT NULL DEFAULT '[]',
	stance               TEXT NOT NULL DEFAULT 'unknown',
	last_fetched         DATETIME NOT NULL,
	last_changed         DATETIME,
	last_change_priority TEXT NOT NULL DEFAULT 'none',
	last_change_summary  TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS document_revisions (
	policy_id      TEXT NOT NULL,
	fetched_at     DATETIME NOT NULL,
	content_hash   TEXT NOT NULL,
	metadata_hash  TEXT,
	criteria_hash  TEXT,
	codes_hash     TEXT,
	priority       TEXT NOT NULL,
	changed_hashes TEXT NOT NULL DEFAULT '[]',
	summary        TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (policy_id, fetched_at)
);

CREATE TABLE IF NOT EXISTS url_health (
	url                  TEXT PRIMARY KEY,
	source_id            TEXT NOT NULL DEFAULT '',
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	last_success         DATETIME,
	last_failure         DATETIME,
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
	confidence            REAL NOT NULL DEFAULT 0,
	classification_reason TEXT NOT NULL DEFAULT '',
	status                TEXT NOT NULL DEFAULT 'pending',
	reviewed_by           TEXT NOT NULL DEFAULT '',
	reviewed_at           DATETIME,
	review_notes          TEXT NOT NULL DEFAULT '',
	created_at            DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS coverage_assertions (
	assertion_id     TEXT PRIMARY KEY,
	payer_id         TEXT NOT NULL,
	test_id          TEXT NOT NULL,
	layer            TEXT NOT NULL,
	status           TEXT NOT NULL,
	criteria         TEXT NOT NULL DEFAULT '{}',
	source_policy_id TEXT NOT NULL CHECK (source_policy_id <> ''),
	source_url       TEXT NOT NULL DEFAULT '',
	source_citation  TEXT NOT NULL DEFAULT '',
	source_quote     TEXT NOT NULL DEFAULT '',
	effective_date   TEXT NOT NULL DEFAULT '',
	expiration_date  TEXT NOT NULL DEFAULT '',
	confidence       REAL NOT NULL DEFAULT 0,
	review_status    TEXT NOT NULL DEFAULT 'pending',
	reviewed_by      TEXT NOT NULL DEFAULT '',
	reviewed_at      DATETIME,
	created_at       DATETIME NOT NULL,
	updated_at       DATETIME NOT NULL,
	UNIQUE (payer_id, test_id, layer, source_policy_id)
);

CREATE TABLE IF NOT EXISTS run_summaries (
	run_id      TEXT PRIMARY KEY,
	started_at  DATETIME NOT NULL,
	finished_at DATETIME NOT NULL,
	stats_json  TEXT NOT NULL DEFAULT '{}'
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

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) now() time.Time {
	return s.nowFunc().UTC()
}

// sqlExecer is satisfied by *sql.DB and *sql.Conn.
type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withWriteTx runs fn on a dedicated connection inside BEGIN IMMEDIATE, so
// the write lock is taken before fn reads. Concurrent writers to the same
// key queue on busy_timeout and see each other's committed rows.
func (s *SQLiteStore) withWriteTx(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return eris.Wrap(err, "sqlite: acquire conn")
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return eris.Wrap(err, "sqlite: begin immediate")
	}
	if err := fn(conn); err != nil {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), "ROLLBACK")
		return err
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), "ROLLBACK")
		return eris.Wrap(err, "sqlite: commit")
	}
	return nil
}

// Page hashes

func (s *SQLiteStore) GetPageHash(ctx context.Context, hashKey string) (*model.PageHashRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT hash_key, source_id, page_type, url, content_hash, content, fetched_at
		 FROM page_hashes WHERE hash_key = ?`, hashKey)

	var r model.PageHashRecord
	err := row.Scan(&r.HashKey, &r.SourceID, &r.PageType, &r.URL, &r.ContentHash, &r.Content, &r.FetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get page hash %s", hashKey)
	}
	return &r, nil
}

const sqlitePageUpsert = `
INSERT INTO page_hashes (hash_key, source_id, page_type, url, content_hash, content, fetched_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(hash_key) DO UPDATE SET
	source_id = excluded.source_id,
	page_type = excluded.page_type,
	url = excluded.url,
	content_hash = excluded.content_hash,
	content = excluded.content,
	fetched_at = excluded.fetched_at`

func (s *SQLiteStore) SetPageHash(ctx context.Context, rec model.PageHashRecord) error {
	if rec.FetchedAt.IsZero() {
		rec.FetchedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, sqlitePageUpsert,
		rec.HashKey, rec.SourceID, rec.PageType, rec.URL, rec.ContentHash,
		model.CapContent(rec.Content), rec.FetchedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: set page hash %s", rec.HashKey)
}

func (s *SQLiteStore) CountPageHashes(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM page_hashes`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count page hashes")
}

// ImportPageHashes upserts recs in a single transaction.
func (s *SQLiteStore) ImportPageHashes(ctx context.Context, recs []model.PageHashRecord) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin import")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, sqlitePageUpsert)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare import")
	}
	defer stmt.Close()

	now := s.now()
	for _, rec := range recs {
		if rec.FetchedAt.IsZero() {
			rec.FetchedAt = now
		}
		if _, err := stmt.ExecContext(ctx,
			rec.HashKey, rec.SourceID, rec.PageType, rec.URL, rec.ContentHash,
			model.CapContent(rec.Content), rec.FetchedAt.UTC(),
		); err != nil {
			return 0, eris.Wrapf(err, "sqlite: import page hash %s", rec.HashKey)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit import")
	}
	return len(recs), nil
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	v := nt.Time.UTC()
	return &v
}
