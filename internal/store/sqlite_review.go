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

const discoveryColumns = `discovery_id, payer_id, url, title, link_text, link_context, content_type,
	source, confidence, classification_reason, status, reviewed_by, reviewed_at, review_notes, created_at`

// StageDiscovery inserts d as a new candidate. The id is derived when empty.
// A URL that is already pending review returns ErrDuplicateDiscovery.
func (s *SQLiteStore) StageDiscovery(ctx context.Context, d *model.StagedDiscovery) error {
	if err := prepareDiscovery(d, s.now()); err != nil {
		return err
	}
	return s.withWriteTx(ctx, func(conn *sql.Conn) error {
		var one int
		err := conn.QueryRowContext(ctx,
			`SELECT 1 FROM staged_discoveries WHERE url = ? AND status = 'pending'`, d.URL).Scan(&one)
		if err == nil {
			return eris.Wrapf(ErrDuplicateDiscovery, "url %s", d.URL)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return eris.Wrapf(err, "sqlite: check pending discovery %s", d.URL)
		}

		_, err = conn.ExecContext(ctx,
			`INSERT INTO staged_discoveries (`+discoveryColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			d.DiscoveryID, d.PayerID, d.URL, d.Title, d.LinkText, d.LinkContext, d.ContentType,
			d.Source, d.Confidence, d.ClassificationReason, string(d.Status), d.ReviewedBy,
			nullTime(d.ReviewedAt), d.ReviewNotes, d.CreatedAt,
		)
		return eris.Wrapf(err, "sqlite: stage discovery %s", d.DiscoveryID)
	})
}

func (s *SQLiteStore) GetDiscovery(ctx context.Context, id string) (*model.StagedDiscovery, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+discoveryColumns+` FROM staged_discoveries WHERE discovery_id = ?`, id)
	d, err := scanDiscovery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get discovery %s", id)
	}
	return d, nil
}

func (s *SQLiteStore) HasPendingDiscovery(ctx context.Context, url string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM staged_discoveries WHERE url = ? AND status = 'pending'`, url).Scan(&n)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: check pending discovery %s", url)
	}
	return n > 0, nil
}

// ListDiscoveries returns discoveries newest first. An empty status lists all.
func (s *SQLiteStore) ListDiscoveries(ctx context.Context, status model.DiscoveryStatus, limit int) ([]model.StagedDiscovery, error) {
	query := `SELECT ` + discoveryColumns + ` FROM staged_discoveries`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, confidence DESC LIMIT ?`
	args = append(args, listLimit(limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list discoveries")
	}
	defer rows.Close()

	var out []model.StagedDiscovery
	for rows.Next() {
		d, err := scanDiscovery(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan discovery")
		}
		out = append(out, *d)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list discoveries iterate")
}

func (s *SQLiteStore) ReviewDiscovery(ctx context.Context, id string, status model.DiscoveryStatus, reviewer, notes string) error {
	if !status.Valid() {
		return eris.Errorf("sqlite: invalid discovery status %q", status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE staged_discoveries SET status = ?, reviewed_by = ?, reviewed_at = ?, review_notes = ?
		 WHERE discovery_id = ?`,
		string(status), reviewer, s.now(), notes, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: review discovery %s", id)
	}
	return checkRowsAffected(res, "discovery", id)
}

func scanDiscovery(row scannable) (*model.StagedDiscovery, error) {
	var (
		d          model.StagedDiscovery
		status     string
		reviewedAt sql.NullTime
	)
	if err := row.Scan(&d.DiscoveryID, &d.PayerID, &d.URL, &d.Title, &d.LinkText, &d.LinkContext,
		&d.ContentType, &d.Source, &d.Confidence, &d.ClassificationReason, &status, &d.ReviewedBy,
		&reviewedAt, &d.ReviewNotes, &d.CreatedAt); err != nil {
		return nil, err
	}
	d.Status = model.DiscoveryStatus(status)
	d.ReviewedAt = timePtr(reviewedAt)
	d.CreatedAt = d.CreatedAt.UTC()
	return &d, nil
}

// Coverage assertions

const assertionColumns = `assertion_id, payer_id, test_id, layer, status, criteria, source_policy_id,
	source_url, source_citation, source_quote, effective_date, expiration_date, confidence,
	review_status, reviewed_by, reviewed_at, created_at, updated_at`

// sqliteAssertionUpsert keeps created_at and resets the review when the
// claim itself (status or criteria) changes.
const sqliteAssertionUpsert = `
INSERT INTO coverage_assertions (` + assertionColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(payer_id, test_id, layer, source_policy_id) DO UPDATE SET
	status = excluded.status,
	criteria = excluded.criteria,
	source_url = excluded.source_url,
	source_citation = excluded.source_citation,
	source_quote = excluded.source_quote,
	effective_date = excluded.effective_date,
	expiration_date = excluded.expiration_date,
	confidence = excluded.confidence,
	review_status = CASE
		WHEN coverage_assertions.status <> excluded.status OR coverage_assertions.criteria <> excluded.criteria
		THEN 'pending' ELSE coverage_assertions.review_status END,
	reviewed_by = CASE
		WHEN coverage_assertions.status <> excluded.status OR coverage_assertions.criteria <> excluded.criteria
		THEN '' ELSE coverage_assertions.reviewed_by END,
	reviewed_at = CASE
		WHEN coverage_assertions.status <> excluded.status OR coverage_assertions.criteria <> excluded.criteria
		THEN NULL ELSE coverage_assertions.reviewed_at END,
	updated_at = excluded.updated_at`

func (s *SQLiteStore) UpsertAssertion(ctx context.Context, a model.CoverageAssertion) (*model.CoverageAssertion, error) {
	prepareAssertion(&a, s.now())
	criteria, err := json.Marshal(a.Criteria)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal criteria")
	}

	var out *model.CoverageAssertion
	err = s.withWriteTx(ctx, func(conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx, sqliteAssertionUpsert,
			a.AssertionID, a.PayerID, a.TestID, string(a.Layer), string(a.Status), string(criteria),
			a.SourcePolicyID, a.SourceURL, a.SourceCitation, a.SourceQuote, a.EffectiveDate,
			a.ExpirationDate, a.Confidence, string(a.ReviewStatus), a.ReviewedBy,
			nullTime(a.ReviewedAt), a.CreatedAt, a.UpdatedAt,
		); err != nil {
			return eris.Wrapf(err, "sqlite: upsert assertion %s", a.AssertionID)
		}
		row := conn.QueryRowContext(ctx,
			`SELECT `+assertionColumns+` FROM coverage_assertions
			 WHERE payer_id = ? AND test_id = ? AND layer = ? AND source_policy_id = ?`,
			a.PayerID, a.TestID, string(a.Layer), a.SourcePolicyID)
		var err error
		out, err = scanAssertion(row)
		return eris.Wrapf(err, "sqlite: read back assertion %s", a.AssertionID)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLiteStore) GetAssertion(ctx context.Context, id string) (*model.CoverageAssertion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+assertionColumns+` FROM coverage_assertions WHERE assertion_id = ?`, id)
	a, err := scanAssertion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get assertion %s", id)
	}
	return a, nil
}

func (s *SQLiteStore) ListAssertionsByTest(ctx context.Context, testID string) ([]model.CoverageAssertion, error) {
	return s.queryAssertions(ctx,
		`SELECT `+assertionColumns+` FROM coverage_assertions WHERE test_id = ? ORDER BY payer_id, assertion_id`,
		testID)
}

func (s *SQLiteStore) ListPendingAssertions(ctx context.Context) ([]model.CoverageAssertion, error) {
	return s.queryAssertions(ctx,
		`SELECT `+assertionColumns+` FROM coverage_assertions WHERE review_status = ? ORDER BY payer_id, test_id, assertion_id`,
		string(model.ReviewPending))
}

// UpdateAssertionReview writes only the review fields.
func (s *SQLiteStore) UpdateAssertionReview(ctx context.Context, id string, status model.ReviewStatus, reviewer string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE coverage_assertions SET review_status = ?, reviewed_by = ?, reviewed_at = ? WHERE assertion_id = ?`,
		string(status), reviewer, at.UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: review assertion %s", id)
	}
	return checkRowsAffected(res, "assertion", id)
}

func (s *SQLiteStore) queryAssertions(ctx context.Context, query string, args ...any) ([]model.CoverageAssertion, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list assertions")
	}
	defer rows.Close()

	var out []model.CoverageAssertion
	for rows.Next() {
		a, err := scanAssertion(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan assertion")
		}
		out = append(out, *a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list assertions iterate")
}

func scanAssertion(row scannable) (*model.CoverageAssertion, error) {
	var (
		a                           model.CoverageAssertion
		layer, status, review, crit string
		reviewedAt                  sql.NullTime
	)
	if err := row.Scan(&a.AssertionID, &a.PayerID, &a.TestID, &layer, &status, &crit,
		&a.SourcePolicyID, &a.SourceURL, &a.SourceCitation, &a.SourceQuote, &a.EffectiveDate,
		&a.ExpirationDate, &a.Confidence, &review, &a.ReviewedBy, &reviewedAt,
		&a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Layer = model.Layer(layer)
	a.Status = model.AssertionStatus(status)
	a.ReviewStatus = model.ReviewStatus(review)
	a.ReviewedAt = timePtr(reviewedAt)
	a.CreatedAt, a.UpdatedAt = a.CreatedAt.UTC(), a.UpdatedAt.UTC()
	if err := unmarshalBlob(crit, &a.Criteria); err != nil {
		return nil, eris.Wrap(err, "unmarshal criteria")
	}
	return &a, nil
}
