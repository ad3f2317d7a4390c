// Package codes finds billing and diagnosis code candidates in free text.
package codes

import (
	"regexp"
	"strings"

	"github.com/sells-group/coverage-watch/internal/model"
)

var (
	// PLA codes are CPT Proprietary Laboratory Analyses: four digits then U,
	// starting with 0.
	plaRe   = regexp.MustCompile(`\b0\d{3}U\b`)
	cptRe   = regexp.MustCompile(`\b(?:8\d{4}|0\d{3}T)\b`)
	hcpcsRe = regexp.MustCompile(`\b[A-CEGHJ-MP-V]\d{4}\b`)
	icd10Re = regexp.MustCompile(`\b[C-D]\d{2}(?:\.\d{1,4})?\b|\bZ(?:12|15|80|85)(?:\.\d{1,4})?\b`)

	plaExact = regexp.MustCompile(`^0\d{3}U$`)
)

// IsPLA reports whether code is shaped like a PLA code.
func IsPLA(code string) bool {
	return plaExact.MatchString(strings.ToUpper(strings.TrimSpace(code)))
}

// Find returns the normalized code candidates in text.
func Find(text string) model.CodeSet {
	upper := strings.ToUpper(text)
	return model.CodeSet{
		PLA:   plaRe.FindAllString(upper, -1),
		CPT:   cptRe.FindAllString(upper, -1),
		HCPCS: hcpcsRe.FindAllString(upper, -1),
		ICD10: icd10Re.FindAllString(upper, -1),
	}.Normalized()
}

// Flatten lists every code in the set, PLA first.
func Flatten(c model.CodeSet) []string {
	out := make([]string, 0, len(c.PLA)+len(c.CPT)+len(c.HCPCS)+len(c.ICD10))
	out = append(out, c.PLA...)
	out = append(out, c.CPT...)
	out = append(out, c.HCPCS...)
	out = append(out, c.ICD10...)
	return out
}
