package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/coverage-watch/internal/model"
)

func (s *PostgresStore) GetDocumentHash(ctx context.Context, policyID string) (*model.DocumentHashRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM document_hashes WHERE policy_id = $1`, policyID)
	rec, err := scanPgDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get document hash %s", policyID)
	}
	return rec, nil
}

func scanPgDocument(row scannable) (*model.DocumentHashRecord, error) {
	var (
		r                  model.DocumentHashRecord
		meta, codes, named []byte
		stance, priority   string
	)
	err := row.Scan(&r.PolicyID, &r.PayerID, &r.URL, &r.DocType, &r.Hashes.ContentHash,
		&r.Hashes.MetadataHash, &r.Hashes.CriteriaHash, &r.Hashes.CodesHash,
		&meta, &codes, &named, &stance, &r.LastFetched, &r.LastChanged, &priority, &r.LastChangeSummary)
	if err != nil {
		return nil, err
	}
	r.Stance = model.Stance(stance)
	r.LastChangePriority = model.Priority(priority)
	r.LastFetched = r.LastFetched.UTC()
	if r.LastChanged != nil {
		t := r.LastChanged.UTC()
		r.LastChanged = &t
	}
	if err := decodeDocument(&r, documentBlobs{metadata: string(meta), codes: string(codes), namedTests: string(named)}); err != nil {
		return nil, err
	}
	return &r, nil
}

// UpsertDocumentHashes serializes writers per policy with a transaction-scoped
// advisory lock, then reads, compares and writes in the same transaction.
func (s *PostgresStore) UpsertDocumentHashes(ctx context.Context, rec model.DocumentHashRecord) (model.Comparison, error) {
	if strings.TrimSpace(rec.PolicyID) == "" {
		return model.Comparison{}, eris.New("postgres: document policy id is required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.Comparison{}, eris.Wrap(err, "postgres: begin document upsert")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, rec.PolicyID); err != nil {
		return model.Comparison{}, eris.Wrapf(err, "postgres: lock document %s", rec.PolicyID)
	}

	prev, err := scanPgDocument(tx.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM document_hashes WHERE policy_id = $1 FOR UPDATE`, rec.PolicyID))
	if errors.Is(err, pgx.ErrNoRows) {
		prev, err = nil, nil
	}
	if err != nil {
		return model.Comparison{}, eris.Wrapf(err, "postgres: read document hash %s", rec.PolicyID)
	}

	merged, cmp := mergeDocument(prev, rec, s.now())
	blobs, err := encodeDocument(merged)
	if err != nil {
		return model.Comparison{}, err
	}

	if _, err := tx.Exec(ctx, `
INSERT INTO document_hashes (`+documentColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
ON CONFLICT (policy_id) DO UPDATE SET
	payer_id = EXCLUDED.payer_id,
	url = EXCLUDED.url,
	doc_type = EXCLUDED.doc_type,
	content_hash = EXCLUDED.content_hash,
	metadata_hash = EXCLUDED.metadata_hash,
	criteria_hash = EXCLUDED.criteria_hash,
	codes_hash = EXCLUDED.codes_hash,
	metadata = EXCLUDED.metadata,
	codes = EXCLUDED.codes,
	named_tests = EXCLUDED.named_tests,
	stance = EXCLUDED.stance,
	last_fetched = EXCLUDED.last_fetched,
	last_changed = EXCLUDED.last_changed,
	last_change_priority = EXCLUDED.last_change_priority,
	last_change_summary = EXCLUDED.last_change_summary`,
		merged.PolicyID, merged.PayerID, merged.URL, merged.DocType, merged.Hashes.ContentHash,
		merged.Hashes.MetadataHash, merged.Hashes.CriteriaHash, merged.Hashes.CodesHash,
		blobs.metadata, blobs.codes, blobs.namedTests, string(merged.Stance), merged.LastFetched,
		merged.LastChanged, string(merged.LastChangePriority), merged.LastChangeSummary,
	); err != nil {
		return model.Comparison{}, eris.Wrapf(err, "postgres: upsert document hash %s", merged.PolicyID)
	}

	if cmp.Changed {
		rev := revisionFor(merged, cmp)
		changed, err := marshalStrings(rev.ChangedHashes)
		if err != nil {
			return model.Comparison{}, eris.Wrap(err, "postgres: marshal changed hashes")
		}
		if _, err := tx.Exec(ctx, `
INSERT INTO document_revisions (policy_id, fetched_at, content_hash, metadata_hash, criteria_hash,
	codes_hash, priority, changed_hashes, summary)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (policy_id, fetched_at) DO NOTHING`,
			rev.PolicyID, rev.FetchedAt, rev.Hashes.ContentHash, rev.Hashes.MetadataHash,
			rev.Hashes.CriteriaHash, rev.Hashes.CodesHash, string(rev.Priority), changed, rev.Summary,
		); err != nil {
			return model.Comparison{}, eris.Wrapf(err, "postgres: append revision %s", rev.PolicyID)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Comparison{}, eris.Wrap(err, "postgres: commit document upsert")
	}
	return cmp, nil
}

func (s *PostgresStore) ListDocumentHashes(ctx context.Context, filter DocumentFilter) ([]model.DocumentHashRecord, error) {
	query := `SELECT ` + documentColumns + ` FROM document_hashes WHERE 1=1`
	var args []any

	if filter.PayerID != "" {
		args = append(args, filter.PayerID)
		query += ` AND payer_id = $1`
	}
	if filter.MinPriority != "" {
		args = append(args, prioritiesAtLeast(filter.MinPriority))
		query += ` AND last_change_priority = ANY($` + strconv.Itoa(len(args)) + `)`
	}
	args = append(args, listLimit(filter.Limit))
	query += ` ORDER BY last_changed DESC NULLS LAST, policy_id LIMIT $` + strconv.Itoa(len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list document hashes")
	}
	defer rows.Close()

	var out []model.DocumentHashRecord
	for rows.Next() {
		r, err := scanPgDocument(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan document hash")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list document hashes iterate")
}

func (s *PostgresStore) DocumentRevisions(ctx context.Context, policyID string, limit int) ([]model.DocumentRevision, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT policy_id, fetched_at, content_hash, metadata_hash, criteria_hash, codes_hash,
		        priority, changed_hashes, summary
		 FROM document_revisions WHERE policy_id = $1
		 ORDER BY fetched_at DESC LIMIT $2`, policyID, listLimit(limit))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list revisions %s", policyID)
	}
	defer rows.Close()

	var out []model.DocumentRevision
	for rows.Next() {
		var (
			rev      model.DocumentRevision
			priority string
			changed  []byte
		)
		if err := rows.Scan(&rev.PolicyID, &rev.FetchedAt, &rev.Hashes.ContentHash,
			&rev.Hashes.MetadataHash, &rev.Hashes.CriteriaHash, &rev.Hashes.CodesHash,
			&priority, &changed, &rev.Summary); err != nil {
			return nil, eris.Wrap(err, "postgres: scan revision")
		}
		rev.FetchedAt = rev.FetchedAt.UTC()
		rev.Priority = model.Priority(priority)
		if len(changed) > 0 {
			if err := json.Unmarshal(changed, &rev.ChangedHashes); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal changed hashes")
			}
		}
		out = append(out, rev)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list revisions iterate")
}
