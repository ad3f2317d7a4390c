package fetcher

import (
	"context"
	"encoding/csv"
	"io"
	"strings"

	"github.com/rotisserie/eris"
)

// CSVOptions configures the CSV reader.
type CSVOptions struct {
	Delimiter rune // default ','
	Comment   rune // 0 = none
	// MaxRows stops reading after this many rows; 0 reads everything.
	MaxRows int
}

// ParseCSV reads every row of a CSV file. Fields are trimmed, rows may have
// differing field counts, and bare quotes are tolerated, since reference
// files from public agencies are rarely strict CSV.
func ParseCSV(ctx context.Context, r io.Reader, opts CSVOptions) ([][]string, error) {
	reader := csv.NewReader(r)
	if opts.Delimiter != 0 {
		reader.Comma = opts.Delimiter
	}
	reader.Comment = opts.Comment
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1

	var rows [][]string
	for {
		if err := ctx.Err(); err != nil {
			return rows, eris.Wrap(err, "csv: context cancelled")
		}
		record, err := reader.Read()
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return rows, eris.Wrapf(err, "csv: read row %d", len(rows)+1)
		}
		for i, field := range record {
			record[i] = strings.TrimSpace(field)
		}
		rows = append(rows, record)
		if opts.MaxRows > 0 && len(rows) >= opts.MaxRows {
			return rows, nil
		}
	}
}

// HeaderIndex finds the first row within the first limit rows that
// contains every wanted column name (case-insensitive). It returns the row
// index and a name to column map, or -1 when no row qualifies.
func HeaderIndex(rows [][]string, limit int, want ...string) (int, map[string]int) {
	if limit <= 0 || limit > len(rows) {
		limit = len(rows)
	}
	for i := 0; i < limit; i++ {
		cols := make(map[string]int, len(rows[i]))
		for j, name := range rows[i] {
			key := strings.ToUpper(strings.TrimSpace(name))
			if _, dup := cols[key]; !dup {
				cols[key] = j
			}
		}
		ok := true
		for _, w := range want {
			if _, found := cols[strings.ToUpper(w)]; !found {
				ok = false
				break
			}
		}
		if ok {
			return i, cols
		}
	}
	return -1, nil
}
