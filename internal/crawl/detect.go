package crawl

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/coverage-watch/internal/model"
	"github.com/sells-group/coverage-watch/internal/multihash"
)

// MaxDiffChars caps the unified diff returned by DetectChange.
const MaxDiffChars = 10000

// ChangeResult is the page-level change verdict.
type ChangeResult struct {
	HasChanged   bool   `json:"has_changed"`
	IsFirstCrawl bool   `json:"is_first_crawl"`
	Diff         string `json:"diff,omitempty"`
	OldHash      string `json:"old_hash,omitempty"`
	NewHash      string `json:"new_hash"`
}

// DetectChange canonicalizes content, compares its hash with the stored
// page hash under hashKey, and stores the new state. Unchanged pages only
// have their fetch time refreshed.
func (e *Executor) DetectChange(ctx context.Context, rawURL, content, hashKey string) (*ChangeResult, error) {
	canon := e.deps.Canon.Canonicalize(content)
	res := &ChangeResult{NewHash: multihash.Digest(canon)}

	prev, err := e.deps.Pages.GetPageHash(ctx, hashKey)
	if err != nil {
		return nil, eris.Wrapf(err, "crawl: load page hash %s", hashKey)
	}

	switch {
	case prev == nil:
		res.HasChanged, res.IsFirstCrawl = true, true
	case prev.ContentHash != res.NewHash:
		res.HasChanged = true
		res.OldHash = prev.ContentHash
		res.Diff = UnifiedDiff(prev.Content, model.CapContent(canon))
	default:
		res.OldHash = prev.ContentHash
	}

	sourceID, pageType, _, ok := model.SplitHashKey(hashKey)
	if !ok {
		sourceID, pageType = "", ""
	}
	rec := model.PageHashRecord{
		HashKey:     hashKey,
		SourceID:    sourceID,
		PageType:    pageType,
		URL:         rawURL,
		ContentHash: res.NewHash,
		Content:     canon,
	}
	if err := e.deps.Pages.SetPageHash(ctx, rec); err != nil {
		return nil, eris.Wrapf(err, "crawl: store page hash %s", hashKey)
	}

	if res.HasChanged && !res.IsFirstCrawl {
		e.log.Info("page changed", zap.String("url", rawURL), zap.String("hash_key", hashKey))
	}
	return res, nil
}

// UnifiedDiff diffs two canonical texts sentence by sentence, capped at
// MaxDiffChars.
func UnifiedDiff(before, after string) string {
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(sentences(before)),
		B:        difflib.SplitLines(sentences(after)),
		FromFile: "previous",
		ToFile:   "current",
		Context:  1,
	})
	if err != nil {
		return ""
	}
	if utf8.RuneCountInString(diff) > MaxDiffChars {
		diff = string([]rune(diff)[:MaxDiffChars])
	}
	return diff
}

var sentenceBreaks = strings.NewReplacer(". ", ".\n", "? ", "?\n", "! ", "!\n", "; ", ";\n")

// sentences puts each sentence of single-line canonical text on its own
// line so the diff is readable.
func sentences(s string) string {
	if s == "" {
		return ""
	}
	return sentenceBreaks.Replace(s) + "\n"
}
