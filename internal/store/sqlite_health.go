package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/coverage-watch/internal/model"
)

const healthColumns = `url, source_id, consecutive_failures, last_success, last_failure, last_error,
	total_successes, total_failures`

func (s *SQLiteStore) GetURLHealth(ctx context.Context, url string) (*model.URLHealthRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+healthColumns+` FROM url_health WHERE url = ?`, url)
	rec, err := scanHealth(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get url health %s", url)
	}
	return rec, nil
}

func scanHealth(row scannable) (*model.URLHealthRecord, error) {
	var (
		r                        model.URLHealthRecord
		lastSuccess, lastFailure sql.NullTime
	)
	if err := row.Scan(&r.URL, &r.SourceID, &r.ConsecutiveFailures, &lastSuccess, &lastFailure,
		&r.LastError, &r.TotalSuccesses, &r.TotalFailures); err != nil {
		return nil, err
	}
	r.LastSuccess = timePtr(lastSuccess)
	r.LastFailure = timePtr(lastFailure)
	return &r, nil
}

// RecordURLSuccess resets the failure streak in a single upsert.
func (s *SQLiteStore) RecordURLSuccess(ctx context.Context, url, sourceID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO url_health (url, source_id, consecutive_failures, last_success, total_successes, total_failures)
VALUES (?, ?, 0, ?, 1, 0)
ON CONFLICT(url) DO UPDATE SET
	source_id = CASE WHEN excluded.source_id <> '' THEN excluded.source_id ELSE url_health.source_id END,
	consecutive_failures = 0,
	last_success = excluded.last_success,
	total_successes = url_health.total_successes + 1`,
		url, sourceID, at.UTC(),
	)
	return eris.Wrapf(err, "sqlite: record url success %s", url)
}

// RecordURLFailure extends the failure streak by exactly one in a single upsert.
func (s *SQLiteStore) RecordURLFailure(ctx context.Context, url, sourceID, errMsg string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO url_health (url, source_id, consecutive_failures, last_failure, last_error, total_successes, total_failures)
VALUES (?, ?, 1, ?, ?, 0, 1)
ON CONFLICT(url) DO UPDATE SET
	source_id = CASE WHEN excluded.source_id <> '' THEN excluded.source_id ELSE url_health.source_id END,
	consecutive_failures = url_health.consecutive_failures + 1,
	last_failure = excluded.last_failure,
	last_error = excluded.last_error,
	total_failures = url_health.total_failures + 1`,
		url, sourceID, at.UTC(), truncateError(errMsg),
	)
	return eris.Wrapf(err, "sqlite: record url failure %s", url)
}

func (s *SQLiteStore) ListUnhealthyURLs(ctx context.Context, threshold int) ([]model.URLHealthRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+healthColumns+` FROM url_health
		 WHERE consecutive_failures >= ?
		 ORDER BY consecutive_failures DESC, url`, threshold)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list unhealthy urls")
	}
	defer rows.Close()

	var out []model.URLHealthRecord
	for rows.Next() {
		r, err := scanHealth(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan url health")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list unhealthy urls iterate")
}

// Run summaries

func (s *SQLiteStore) SaveRunSummary(ctx context.Context, r *model.RunSummary) error {
	stats, err := json.Marshal(r.Sources)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal run stats")
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO run_summaries (run_id, started_at, finished_at, stats_json) VALUES (?, ?, ?, ?)
ON CONFLICT(run_id) DO UPDATE SET
	finished_at = excluded.finished_at,
	stats_json = excluded.stats_json`,
		r.RunID, r.StartedAt.UTC(), r.FinishedAt.UTC(), string(stats),
	)
	return eris.Wrapf(err, "sqlite: save run summary %s", r.RunID)
}

func (s *SQLiteStore) ListRunSummaries(ctx context.Context, limit int) ([]model.RunSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, started_at, finished_at, stats_json FROM run_summaries
		 ORDER BY started_at DESC LIMIT ?`, listLimit(limit))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list run summaries")
	}
	defer rows.Close()

	var out []model.RunSummary
	for rows.Next() {
		var (
			r     model.RunSummary
			stats string
		)
		if err := rows.Scan(&r.RunID, &r.StartedAt, &r.FinishedAt, &stats); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run summary")
		}
		if err := unmarshalBlob(stats, &r.Sources); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal run stats")
		}
		r.StartedAt, r.FinishedAt = r.StartedAt.UTC(), r.FinishedAt.UTC()
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list run summaries iterate")
}
