package store

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/coverage-watch/internal/model"
)

// LegacyResult reports what MigrateLegacy did.
type LegacyResult struct {
	Imported int    `json:"imported"`
	Skipped  bool   `json:"skipped"`
	Reason   string `json:"reason,omitempty"`
}

// legacyEntry is one value of the flat-file hash map. Older files store the
// hex digest directly instead of an object.
type legacyEntry struct {
	Hash      string `json:"hash"`
	Content   string `json:"content"`
	FetchedAt string `json:"fetchedAt"`
	URL       string `json:"url"`
}

func (e *legacyEntry) UnmarshalJSON(b []byte) error {
	var digest string
	if err := json.Unmarshal(b, &digest); err == nil {
		*e = legacyEntry{Hash: digest}
		return nil
	}
	type plain legacyEntry
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*e = legacyEntry(p)
	return nil
}

// MigrateLegacy imports a flat-file JSON hash map into st. It is a no-op when
// st already holds page hashes or the file does not exist.
func MigrateLegacy(ctx context.Context, st PageStore, path string) (LegacyResult, error) {
	log := zap.L().With(zap.String("component", "store.legacy"))

	n, err := st.CountPageHashes(ctx)
	if err != nil {
		return LegacyResult{}, eris.Wrap(err, "legacy: count existing hashes")
	}
	if n > 0 {
		log.Info("legacy: store already populated, skipping", zap.Int("existing", n))
		return LegacyResult{Skipped: true, Reason: "store already populated"}, nil
	}

	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		log.Info("legacy: no hash file found", zap.String("path", path))
		return LegacyResult{Skipped: true, Reason: "file not found"}, nil
	}
	if err != nil {
		return LegacyResult{}, eris.Wrapf(err, "legacy: read %s", path)
	}

	var entries map[string]legacyEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return LegacyResult{}, eris.Wrapf(err, "legacy: parse %s", path)
	}

	recs := legacyRecords(entries, time.Now().UTC())
	imported, err := st.ImportPageHashes(ctx, recs)
	if err != nil {
		return LegacyResult{}, eris.Wrap(err, "legacy: import")
	}
	log.Info("legacy: imported page hashes", zap.Int("count", imported), zap.String("path", path))
	return LegacyResult{Imported: imported}, nil
}

// legacyRecords converts entries in key order. Keys follow the
// sourceID:pageType:url layout; the url part may itself contain colons.
func legacyRecords(entries map[string]legacyEntry, now time.Time) []model.PageHashRecord {
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	recs := make([]model.PageHashRecord, 0, len(keys))
	for _, key := range keys {
		e := entries[key]
		if e.Hash == "" {
			continue
		}
		rec := model.PageHashRecord{
			HashKey:     key,
			URL:         e.URL,
			ContentHash: e.Hash,
			Content:     e.Content,
			FetchedAt:   now,
		}
		if sourceID, pageType, u, ok := model.SplitHashKey(key); ok {
			rec.SourceID, rec.PageType = sourceID, pageType
			if rec.URL == "" {
				rec.URL = u
			}
		}
		if rec.URL == "" {
			rec.URL = key
		}
		if t, err := time.Parse(time.RFC3339, e.FetchedAt); err == nil {
			rec.FetchedAt = t.UTC()
		}
		recs = append(recs, rec)
	}
	return recs
}
