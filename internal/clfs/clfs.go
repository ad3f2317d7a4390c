// Package clfs loads Proprietary Laboratory Analyses (PLA) codes from the
// CMS Clinical Laboratory Fee Schedule so that classifiers can tell real
// PLA codes from look-alike strings.
package clfs

import (
	"context"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/coverage-watch/internal/codes"
	"github.com/sells-group/coverage-watch/internal/fetcher"
)

// headerSearchRows bounds the scan for the header row; CLFS files open
// with several rows of notes.
const headerSearchRows = 25

// Registry maps PLA codes to their short descriptors.
type Registry struct {
	codes map[string]string
}

// NewRegistry builds a registry from code to descriptor pairs. Codes that
// are not PLA codes are ignored.
func NewRegistry(entries map[string]string) *Registry {
	r := &Registry{codes: make(map[string]string, len(entries))}
	for code, desc := range entries {
		r.add(code, desc)
	}
	return r
}

func (r *Registry) add(code, desc string) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if !codes.IsPLA(code) {
		return
	}
	if _, ok := r.codes[code]; !ok || desc != "" {
		r.codes[code] = strings.TrimSpace(desc)
	}
}

// Describe returns the descriptor of a known PLA code.
func (r *Registry) Describe(code string) (string, bool) {
	if r == nil {
		return "", false
	}
	desc, ok := r.codes[strings.ToUpper(strings.TrimSpace(code))]
	return desc, ok
}

// Len returns the number of codes.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.codes)
}

// Codes returns the known codes in order.
func (r *Registry) Codes() []string {
	out := make([]string, 0, r.Len())
	if r == nil {
		return out
	}
	for c := range r.codes {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// FromRows parses fee schedule rows. The header row must name an HCPCS
// column; SHORTDESC is preferred over LONGDESC for the descriptor.
func FromRows(rows [][]string) (*Registry, error) {
	idx, cols := fetcher.HeaderIndex(rows, headerSearchRows, "HCPCS")
	if idx < 0 {
		return nil, eris.New("clfs: no HCPCS header row")
	}
	codeCol := cols["HCPCS"]
	descCol, ok := cols["SHORTDESC"]
	if !ok {
		descCol, ok = cols["LONGDESC"]
	}
	if !ok {
		descCol = -1
	}

	r := &Registry{codes: map[string]string{}}
	for _, row := range rows[idx+1:] {
		if codeCol >= len(row) {
			continue
		}
		var desc string
		if descCol >= 0 && descCol < len(row) {
			desc = row[descCol]
		}
		r.add(row[codeCol], desc)
	}
	return r, nil
}

// Load downloads the fee schedule at rawURL, which may be a ZIP archive or
// a bare .xlsx or .csv file, and parses its PLA codes.
func Load(ctx context.Context, f fetcher.Fetcher, rawURL string) (*Registry, error) {
	dir, err := os.MkdirTemp("", "clfs-*")
	if err != nil {
		return nil, eris.Wrap(err, "clfs: create temp dir")
	}
	defer os.RemoveAll(dir) //nolint:errcheck

	name := "clfs" + urlExt(rawURL)
	dest := filepath.Join(dir, name)
	n, err := f.DownloadToFile(ctx, rawURL, dest)
	if err != nil {
		return nil, eris.Wrapf(err, "clfs: download %s", rawURL)
	}
	zap.L().Info("clfs: downloaded fee schedule", zap.String("url", rawURL), zap.Int64("bytes", n))

	return loadPath(ctx, dest, dir)
}

// LoadFile parses a fee schedule already on disk.
func LoadFile(ctx context.Context, path string) (*Registry, error) {
	dir, err := os.MkdirTemp("", "clfs-*")
	if err != nil {
		return nil, eris.Wrap(err, "clfs: create temp dir")
	}
	defer os.RemoveAll(dir) //nolint:errcheck
	return loadPath(ctx, path, dir)
}

func loadPath(ctx context.Context, p, workDir string) (*Registry, error) {
	switch strings.ToLower(filepath.Ext(p)) {
	case ".xlsx":
		return loadXLSX(p)
	case ".csv", ".txt":
		return loadCSV(ctx, p)
	}

	files, err := fetcher.ExtractZIP(p, workDir, ".xlsx", ".csv")
	if err != nil {
		return nil, eris.Wrap(err, "clfs: extract")
	}
	// Prefer the spreadsheet; CMS ships the CSV as a secondary format.
	sort.SliceStable(files, func(i, j int) bool {
		return strings.EqualFold(filepath.Ext(files[i]), ".xlsx") && !strings.EqualFold(filepath.Ext(files[j]), ".xlsx")
	})
	if len(files) == 0 {
		return nil, eris.New("clfs: archive holds no .xlsx or .csv file")
	}
	if strings.EqualFold(filepath.Ext(files[0]), ".xlsx") {
		return loadXLSX(files[0])
	}
	return loadCSV(ctx, files[0])
}

func loadXLSX(p string) (*Registry, error) {
	rows, err := fetcher.ReadXLSX(p, fetcher.XLSXOptions{})
	if err != nil {
		return nil, eris.Wrap(err, "clfs: read xlsx")
	}
	return FromRows(rows)
}

func loadCSV(ctx context.Context, p string) (*Registry, error) {
	file, err := os.Open(p)
	if err != nil {
		return nil, eris.Wrapf(err, "clfs: open %s", p)
	}
	defer file.Close() //nolint:errcheck

	rows, err := fetcher.ParseCSV(ctx, file, fetcher.CSVOptions{})
	if err != nil {
		return nil, eris.Wrap(err, "clfs: read csv")
	}
	return FromRows(rows)
}

func urlExt(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ".zip"
	}
	switch ext := strings.ToLower(path.Ext(u.Path)); ext {
	case ".xlsx", ".csv", ".txt":
		return ext
	default:
		return ".zip"
	}
}
