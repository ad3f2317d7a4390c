package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/coverage-watch/internal/model"
)

const documentColumns = `policy_id, payer_id, url, doc_type, content_hash, metadata_hash, criteria_hash,
	codes_hash, metadata, codes, named_tests, stance, last_fetched, last_changed,
	last_change_priority, last_change_summary`

func (s *SQLiteStore) GetDocumentHash(ctx context.Context, policyID string) (*model.DocumentHashRecord, error) {
	return sqliteGetDocument(ctx, s.db, policyID)
}

func sqliteGetDocument(ctx context.Context, q sqlExecer, policyID string) (*model.DocumentHashRecord, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM document_hashes WHERE policy_id = ?`, policyID)
	rec, err := scanSQLiteDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get document hash %s", policyID)
	}
	return rec, nil
}

func scanSQLiteDocument(row scannable) (*model.DocumentHashRecord, error) {
	var (
		r                         model.DocumentHashRecord
		metaHash, critHash, cHash sql.NullString
		blobs                     documentBlobs
		lastChanged               sql.NullTime
		stance, priority          string
	)
	err := row.Scan(&r.PolicyID, &r.PayerID, &r.URL, &r.DocType, &r.Hashes.ContentHash,
		&metaHash, &critHash, &cHash, &blobs.metadata, &blobs.codes, &blobs.namedTests,
		&stance, &r.LastFetched, &lastChanged, &priority, &r.LastChangeSummary)
	if err != nil {
		return nil, err
	}
	r.Hashes.MetadataHash = stringPtr(metaHash)
	r.Hashes.CriteriaHash = stringPtr(critHash)
	r.Hashes.CodesHash = stringPtr(cHash)
	r.Stance = model.Stance(stance)
	r.LastChangePriority = model.Priority(priority)
	r.LastChanged = timePtr(lastChanged)
	r.LastFetched = r.LastFetched.UTC()
	if err := decodeDocument(&r, blobs); err != nil {
		return nil, err
	}
	return &r, nil
}

const sqliteDocumentUpsert = `
INSERT INTO document_hashes (` + documentColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(policy_id) DO UPDATE SET
	payer_id = excluded.payer_id,
	url = excluded.url,
	doc_type = excluded.doc_type,
	content_hash = excluded.content_hash,
	metadata_hash = excluded.metadata_hash,
	criteria_hash = excluded.criteria_hash,
	codes_hash = excluded.codes_hash,
	metadata = excluded.metadata,
	codes = excluded.codes,
	named_tests = excluded.named_tests,
	stance = excluded.stance,
	last_fetched = excluded.last_fetched,
	last_changed = excluded.last_changed,
	last_change_priority = excluded.last_change_priority,
	last_change_summary = excluded.last_change_summary`

const sqliteRevisionInsert = `
INSERT INTO document_revisions (policy_id, fetched_at, content_hash, metadata_hash, criteria_hash,
	codes_hash, priority, changed_hashes, summary)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(policy_id, fetched_at) DO NOTHING`

// UpsertDocumentHashes reads the prior record, compares, and writes inside
// one IMMEDIATE transaction.
func (s *SQLiteStore) UpsertDocumentHashes(ctx context.Context, rec model.DocumentHashRecord) (model.Comparison, error) {
	if strings.TrimSpace(rec.PolicyID) == "" {
		return model.Comparison{}, eris.New("sqlite: document policy id is required")
	}

	var cmp model.Comparison
	err := s.withWriteTx(ctx, func(conn *sql.Conn) error {
		prev, err := sqliteGetDocument(ctx, conn, rec.PolicyID)
		if err != nil {
			return err
		}

		var merged model.DocumentHashRecord
		merged, cmp = mergeDocument(prev, rec, s.now())
		blobs, err := encodeDocument(merged)
		if err != nil {
			return err
		}

		if _, err := conn.ExecContext(ctx, sqliteDocumentUpsert,
			merged.PolicyID, merged.PayerID, merged.URL, merged.DocType, merged.Hashes.ContentHash,
			nullString(merged.Hashes.MetadataHash), nullString(merged.Hashes.CriteriaHash),
			nullString(merged.Hashes.CodesHash), blobs.metadata, blobs.codes, blobs.namedTests,
			string(merged.Stance), merged.LastFetched, nullTime(merged.LastChanged),
			string(merged.LastChangePriority), merged.LastChangeSummary,
		); err != nil {
			return eris.Wrapf(err, "sqlite: upsert document hash %s", merged.PolicyID)
		}

		if !cmp.Changed {
			return nil
		}
		rev := revisionFor(merged, cmp)
		changed, err := marshalStrings(rev.ChangedHashes)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal changed hashes")
		}
		_, err = conn.ExecContext(ctx, sqliteRevisionInsert,
			rev.PolicyID, rev.FetchedAt, rev.Hashes.ContentHash,
			nullString(rev.Hashes.MetadataHash), nullString(rev.Hashes.CriteriaHash),
			nullString(rev.Hashes.CodesHash), string(rev.Priority), changed, rev.Summary,
		)
		return eris.Wrapf(err, "sqlite: append revision %s", rev.PolicyID)
	})
	if err != nil {
		return model.Comparison{}, err
	}
	return cmp, nil
}

func (s *SQLiteStore) ListDocumentHashes(ctx context.Context, filter DocumentFilter) ([]model.DocumentHashRecord, error) {
	query := `SELECT ` + documentColumns + ` FROM document_hashes WHERE 1=1`
	var args []any

	if filter.PayerID != "" {
		query += ` AND payer_id = ?`
		args = append(args, filter.PayerID)
	}
	if filter.MinPriority != "" {
		allowed := prioritiesAtLeast(filter.MinPriority)
		query += ` AND last_change_priority IN (?` + strings.Repeat(", ?", len(allowed)-1) + `)`
		for _, p := range allowed {
			args = append(args, p)
		}
	}
	query += ` ORDER BY last_changed DESC NULLS LAST, policy_id LIMIT ?`
	args = append(args, listLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list document hashes")
	}
	defer rows.Close()

	var out []model.DocumentHashRecord
	for rows.Next() {
		r, err := scanSQLiteDocument(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan document hash")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list document hashes iterate")
}

func (s *SQLiteStore) DocumentRevisions(ctx context.Context, policyID string, limit int) ([]model.DocumentRevision, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT policy_id, fetched_at, content_hash, metadata_hash, criteria_hash, codes_hash,
		        priority, changed_hashes, summary
		 FROM document_revisions WHERE policy_id = ?
		 ORDER BY fetched_at DESC LIMIT ?`, policyID, listLimit(limit))
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list revisions %s", policyID)
	}
	defer rows.Close()

	var out []model.DocumentRevision
	for rows.Next() {
		var (
			rev                       model.DocumentRevision
			metaHash, critHash, cHash sql.NullString
			priority, changed         string
		)
		if err := rows.Scan(&rev.PolicyID, &rev.FetchedAt, &rev.Hashes.ContentHash,
			&metaHash, &critHash, &cHash, &priority, &changed, &rev.Summary); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan revision")
		}
		rev.FetchedAt = rev.FetchedAt.UTC()
		rev.Hashes.MetadataHash = stringPtr(metaHash)
		rev.Hashes.CriteriaHash = stringPtr(critHash)
		rev.Hashes.CodesHash = stringPtr(cHash)
		rev.Priority = model.Priority(priority)
		if err := unmarshalBlob(changed, &rev.ChangedHashes); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal changed hashes")
		}
		out = append(out, rev)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list revisions iterate")
}
