package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/coverage-watch/internal/model"
)

// StageDiscovery inserts d unless its URL is already pending. The partial
// unique index on pending URLs makes the insert itself race-safe.
func (s *PostgresStore) StageDiscovery(ctx context.Context, d *model.StagedDiscovery) error {
	if err := prepareDiscovery(d, s.now()); err != nil {
		return err
	}
	pending, err := s.HasPendingDiscovery(ctx, d.URL)
	if err != nil {
		return err
	}
	if pending {
		return eris.Wrapf(ErrDuplicateDiscovery, "url %s", d.URL)
	}

	tag, err := s.pool.Exec(ctx, `
INSERT INTO staged_discoveries (`+discoveryColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
ON CONFLICT (url) WHERE status = 'pending' DO NOTHING`,
		d.DiscoveryID, d.PayerID, d.URL, d.Title, d.LinkText, d.LinkContext, d.ContentType,
		d.Source, d.Confidence, d.ClassificationReason, string(d.Status), d.ReviewedBy,
		d.ReviewedAt, d.ReviewNotes, d.CreatedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: stage discovery %s", d.DiscoveryID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrDuplicateDiscovery, "url %s", d.URL)
	}
	return nil
}

func (s *PostgresStore) GetDiscovery(ctx context.Context, id string) (*model.StagedDiscovery, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+discoveryColumns+` FROM staged_discoveries WHERE discovery_id = $1`, id)
	d, err := scanPgDiscovery(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get discovery %s", id)
	}
	return d, nil
}

func (s *PostgresStore) HasPendingDiscovery(ctx context.Context, url string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM staged_discoveries WHERE url = $1 AND status = 'pending')`, url,
	).Scan(&exists)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: check pending discovery %s", url)
	}
	return exists, nil
}

func (s *PostgresStore) ListDiscoveries(ctx context.Context, status model.DiscoveryStatus, limit int) ([]model.StagedDiscovery, error) {
	query := `SELECT ` + discoveryColumns + ` FROM staged_discoveries`
	args := []any{}
	if status != "" {
		args = append(args, string(status))
		query += ` WHERE status = $1`
	}
	args = append(args, listLimit(limit))
	if status != "" {
		query += ` ORDER BY created_at DESC, confidence DESC LIMIT $2`
	} else {
		query += ` ORDER BY created_at DESC, confidence DESC LIMIT $1`
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list discoveries")
	}
	defer rows.Close()

	var out []model.StagedDiscovery
	for rows.Next() {
		d, err := scanPgDiscovery(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan discovery")
		}
		out = append(out, *d)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list discoveries iterate")
}

func (s *PostgresStore) ReviewDiscovery(ctx context.Context, id string, status model.DiscoveryStatus, reviewer, notes string) error {
	if !status.Valid() {
		return eris.Errorf("postgres: invalid discovery status %q", status)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE staged_discoveries SET status = $1, reviewed_by = $2, reviewed_at = $3, review_notes = $4
		 WHERE discovery_id = $5`,
		string(status), reviewer, s.now(), notes, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: review discovery %s", id)
	}
	return checkTag(tag, "discovery", id)
}

func scanPgDiscovery(row scannable) (*model.StagedDiscovery, error) {
	var (
		d      model.StagedDiscovery
		status string
	)
	if err := row.Scan(&d.DiscoveryID, &d.PayerID, &d.URL, &d.Title, &d.LinkText, &d.LinkContext,
		&d.ContentType, &d.Source, &d.Confidence, &d.ClassificationReason, &status, &d.ReviewedBy,
		&d.ReviewedAt, &d.ReviewNotes, &d.CreatedAt); err != nil {
		return nil, err
	}
	d.Status = model.DiscoveryStatus(status)
	return &d, nil
}

// Coverage assertions

func (s *PostgresStore) UpsertAssertion(ctx context.Context, a model.CoverageAssertion) (*model.CoverageAssertion, error) {
	prepareAssertion(&a, s.now())
	criteria, err := json.Marshal(a.Criteria)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal criteria")
	}

	row := s.pool.QueryRow(ctx, `
INSERT INTO coverage_assertions (`+assertionColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
ON CONFLICT (payer_id, test_id, layer, source_policy_id) DO UPDATE SET
	status = EXCLUDED.status,
	criteria = EXCLUDED.criteria,
	source_url = EXCLUDED.source_url,
	source_citation = EXCLUDED.source_citation,
	source_quote = EXCLUDED.source_quote,
	effective_date = EXCLUDED.effective_date,
	expiration_date = EXCLUDED.expiration_date,
	confidence = EXCLUDED.confidence,
	review_status = CASE
		WHEN coverage_assertions.status <> EXCLUDED.status OR coverage_assertions.criteria <> EXCLUDED.criteria
		THEN 'pending' ELSE coverage_assertions.review_status END,
	reviewed_by = CASE
		WHEN coverage_assertions.status <> EXCLUDED.status OR coverage_assertions.criteria <> EXCLUDED.criteria
		THEN '' ELSE coverage_assertions.reviewed_by END,
	reviewed_at = CASE
		WHEN coverage_assertions.status <> EXCLUDED.status OR coverage_assertions.criteria <> EXCLUDED.criteria
		THEN NULL ELSE coverage_assertions.reviewed_at END,
	updated_at = EXCLUDED.updated_at
RETURNING `+assertionColumns,
		a.AssertionID, a.PayerID, a.TestID, string(a.Layer), string(a.Status), criteria,
		a.SourcePolicyID, a.SourceURL, a.SourceCitation, a.SourceQuote, a.EffectiveDate,
		a.ExpirationDate, a.Confidence, string(a.ReviewStatus), a.ReviewedBy, a.ReviewedAt,
		a.CreatedAt, a.UpdatedAt,
	)
	out, err := scanPgAssertion(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: upsert assertion %s", a.AssertionID)
	}
	return out, nil
}

func (s *PostgresStore) GetAssertion(ctx context.Context, id string) (*model.CoverageAssertion, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+assertionColumns+` FROM coverage_assertions WHERE assertion_id = $1`, id)
	a, err := scanPgAssertion(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get assertion %s", id)
	}
	return a, nil
}

func (s *PostgresStore) ListAssertionsByTest(ctx context.Context, testID string) ([]model.CoverageAssertion, error) {
	return s.queryAssertions(ctx,
		`SELECT `+assertionColumns+` FROM coverage_assertions WHERE test_id = $1 ORDER BY payer_id, assertion_id`,
		testID)
}

func (s *PostgresStore) ListPendingAssertions(ctx context.Context) ([]model.CoverageAssertion, error) {
	return s.queryAssertions(ctx,
		`SELECT `+assertionColumns+` FROM coverage_assertions WHERE review_status = $1 ORDER BY payer_id, test_id, assertion_id`,
		string(model.ReviewPending))
}

func (s *PostgresStore) UpdateAssertionReview(ctx context.Context, id string, status model.ReviewStatus, reviewer string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE coverage_assertions SET review_status = $1, reviewed_by = $2, reviewed_at = $3 WHERE assertion_id = $4`,
		string(status), reviewer, at.UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: review assertion %s", id)
	}
	return checkTag(tag, "assertion", id)
}

func (s *PostgresStore) queryAssertions(ctx context.Context, query string, args ...any) ([]model.CoverageAssertion, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list assertions")
	}
	defer rows.Close()

	var out []model.CoverageAssertion
	for rows.Next() {
		a, err := scanPgAssertion(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan assertion")
		}
		out = append(out, *a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list assertions iterate")
}

func scanPgAssertion(row scannable) (*model.CoverageAssertion, error) {
	var (
		a                     model.CoverageAssertion
		layer, status, review string
		crit                  []byte
	)
	if err := row.Scan(&a.AssertionID, &a.PayerID, &a.TestID, &layer, &status, &crit,
		&a.SourcePolicyID, &a.SourceURL, &a.SourceCitation, &a.SourceQuote, &a.EffectiveDate,
		&a.ExpirationDate, &a.Confidence, &review, &a.ReviewedBy, &a.ReviewedAt,
		&a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Layer = model.Layer(layer)
	a.Status = model.AssertionStatus(status)
	a.ReviewStatus = model.ReviewStatus(review)
	if len(crit) > 0 {
		if err := json.Unmarshal(crit, &a.Criteria); err != nil {
			return nil, eris.Wrap(err, "unmarshal criteria")
		}
	}
	return &a, nil
}
