package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/coverage-watch/internal/model"
)

const legacyFixture = `{
  "aetna:policy:https://aetna.example.com/cpb/0352": {
    "hash": "aaa",
    "content": "genetic testing policy",
    "fetchedAt": "2025-11-02T08:30:00.000Z"
  },
  "fda:feed:https://fda.example.gov/510k": "bbb",
  "bare-key": {"hash": "ccc", "url": "https://other.example.com"},
  "no-hash": {"content": "skipped"}
}`

func writeLegacy(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hashes.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestMigrateLegacy_Imports(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t)

	res, err := MigrateLegacy(ctx, s, writeLegacy(t, legacyFixture))
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, 3, res.Imported)

	rec, err := s.GetPageHash(ctx, "aetna:policy:https://aetna.example.com/cpb/0352")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "aaa", rec.ContentHash)
	assert.Equal(t, "aetna", rec.SourceID)
	assert.Equal(t, "policy", rec.PageType)
	assert.Equal(t, "https://aetna.example.com/cpb/0352", rec.URL)
	assert.True(t, time.Date(2025, 11, 2, 8, 30, 0, 0, time.UTC).Equal(rec.FetchedAt))

	rec, err = s.GetPageHash(ctx, "fda:feed:https://fda.example.gov/510k")
	require.NoError(t, err)
	assert.Equal(t, "bbb", rec.ContentHash)
	assert.Empty(t, rec.Content)

	rec, err = s.GetPageHash(ctx, "bare-key")
	require.NoError(t, err)
	assert.Equal(t, "https://other.example.com", rec.URL)
}

func TestMigrateLegacy_SkipsPopulatedStore(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t)
	require.NoError(t, s.SetPageHash(ctx, model.PageHashRecord{HashKey: "k", URL: "https://x", ContentHash: "h"}))

	// The file is never read, so an unparsable one is fine.
	res, err := MigrateLegacy(ctx, s, writeLegacy(t, "not json"))
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, 0, res.Imported)
}

func TestMigrateLegacy_MissingFile(t *testing.T) {
	s := newTestSQLiteStore(t)
	res, err := MigrateLegacy(context.Background(), s, filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.True(t, res.Skipped)
}

func TestMigrateLegacy_BadJSON(t *testing.T) {
	s := newTestSQLiteStore(t)
	_, err := MigrateLegacy(context.Background(), s, writeLegacy(t, "{"))
	require.Error(t, err)
}
