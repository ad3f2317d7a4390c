// Package multihash computes the four independent digests of a document and
// classifies the priority of a change between two revisions.
package multihash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/sells-group/coverage-watch/internal/model"
)

// Digest returns the hex SHA-256 of s's UTF-8 bytes.
func Digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// digestJSON hashes the JSON encoding of v. encoding/json writes map keys in
// sorted order, which makes the encoding deterministic.
func digestJSON(v map[string]any) *string {
	b, err := json.Marshal(v)
	if err != nil {
		// Only strings and string slices are encoded here.
		panic(err)
	}
	d := Digest(string(b))
	return &d
}

// Compute derives the MultiHash of a document from its canonical text and
// extracted fields.
func Compute(canonicalText string, f model.ExtractedFields) model.MultiHash {
	return model.MultiHash{
		ContentHash:  Digest(canonicalText),
		MetadataHash: metadataHash(f.Metadata),
		CriteriaHash: criteriaHash(f),
		CodesHash:    codesHash(f.Codes),
	}
}

func metadataHash(m model.DocumentMetadata) *string {
	if m.IsEmpty() {
		return nil
	}
	return digestJSON(map[string]any{
		"effectiveDate": strings.TrimSpace(m.EffectiveDate),
		"revisionDate":  strings.TrimSpace(m.RevisionDate),
		"lastReviewed":  strings.TrimSpace(m.LastReviewed),
		"policyId":      strings.TrimSpace(m.PolicyID),
		"policyNumber":  strings.TrimSpace(m.PolicyNumber),
		"version":       strings.TrimSpace(m.Version),
	})
}

func criteriaHash(f model.ExtractedFields) *string {
	if excerpt := strings.TrimSpace(f.CriteriaExcerpt); excerpt != "" {
		d := Digest(excerpt)
		return &d
	}

	stance := f.Stance
	if stance == model.StanceUnknown {
		stance = ""
	}
	indications := sorted(f.Criteria.Indications)
	limitations := sorted(f.Criteria.Limitations)
	requirements := sorted(f.Criteria.Requirements)
	exclusions := sorted(f.Criteria.Exclusions)
	namedTests := sorted(f.NamedTests)

	if stance == "" && len(indications) == 0 && len(limitations) == 0 &&
		len(requirements) == 0 && len(exclusions) == 0 && len(namedTests) == 0 {
		return nil
	}
	return digestJSON(map[string]any{
		"stance":       string(stance),
		"indications":  indications,
		"limitations":  limitations,
		"requirements": requirements,
		"exclusions":   exclusions,
		"namedTests":   namedTests,
	})
}

func codesHash(c model.CodeSet) *string {
	n := c.Normalized()
	if n.IsEmpty() {
		return nil
	}
	return digestJSON(map[string]any{
		"cpt":   nonNil(n.CPT),
		"pla":   nonNil(n.PLA),
		"hcpcs": nonNil(n.HCPCS),
		"icd10": nonNil(n.ICD10),
	})
}

func sorted(values []string) []string {
	return nonNil(model.NormalizeSet(values, nil))
}

// nonNil keeps empty lists encoding as [] rather than null.
func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
