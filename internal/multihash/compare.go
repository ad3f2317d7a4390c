package multihash

import (
	"fmt"
	"strings"

	"github.com/sells-group/coverage-watch/internal/model"
)

// Compare classifies the change from prev to next. A nil prev means the
// document has never been seen.
//
// Priority: criteria or codes changed is high, metadata changed is medium,
// content alone is low, and no change is none.
func Compare(prev *model.MultiHash, next model.MultiHash) model.Comparison {
	if prev == nil {
		return model.Comparison{
			Changed:       true,
			Priority:      model.PriorityHigh,
			ChangedHashes: []string{model.HashNewDocument},
			Analysis:      "new document",
		}
	}

	changed := make([]string, 0, 4)
	if !equalPtr(prev.CriteriaHash, next.CriteriaHash) {
		changed = append(changed, model.HashCriteria)
	}
	if !equalPtr(prev.CodesHash, next.CodesHash) {
		changed = append(changed, model.HashCodes)
	}
	if !equalPtr(prev.MetadataHash, next.MetadataHash) {
		changed = append(changed, model.HashMetadata)
	}
	if prev.ContentHash != next.ContentHash {
		changed = append(changed, model.HashContent)
	}

	priority := priorityFor(changed)
	c := model.Comparison{
		Changed:       len(changed) > 0,
		Priority:      priority,
		ChangedHashes: changed,
	}
	if c.Changed {
		c.Analysis = fmt.Sprintf("%s changed (%s)", strings.Join(changed, ", "), priority)
	} else {
		c.Analysis = "no change"
	}
	return c
}

func priorityFor(changed []string) model.Priority {
	has := func(name string) bool {
		for _, c := range changed {
			if c == name {
				return true
			}
		}
		return false
	}
	switch {
	case has(model.HashCriteria) || has(model.HashCodes):
		return model.PriorityHigh
	case has(model.HashMetadata):
		return model.PriorityMedium
	case has(model.HashContent):
		return model.PriorityLow
	default:
		return model.PriorityNone
	}
}

// ShouldAnalyze reports whether a comparison warrants downstream
// classification at the given minimum priority.
func ShouldAnalyze(c model.Comparison, min model.Priority) bool {
	return c.Changed && c.Priority.AtLeast(min)
}

func equalPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
