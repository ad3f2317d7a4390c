package fetcher

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"
)

func TestParseCSV(t *testing.T) {
	in := "CLFS 2026 Q1\n\"Copyright AMA\"\nHCPCS , SHORTDESC,RATE\n0037U, Tgt gen seq dna 324 genes ,3500.00\n81528,Oncology colorectal scr,508.87,extra\n"
	rows, err := ParseCSV(context.Background(), strings.NewReader(in), CSVOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 5)
	assert.Equal(t, []string{"CLFS 2026 Q1"}, rows[0])
	assert.Equal(t, []string{"0037U", "Tgt gen seq dna 324 genes", "3500.00"}, rows[3])
	assert.Len(t, rows[4], 4)

	idx, cols := HeaderIndex(rows, 10, "hcpcs", "shortdesc")
	assert.Equal(t, 2, idx)
	assert.Equal(t, 0, cols["HCPCS"])
	assert.Equal(t, 1, cols["SHORTDESC"])

	idx, _ = HeaderIndex(rows, 2, "hcpcs")
	assert.Equal(t, -1, idx)
}

func TestParseCSV_OptionsAndCancel(t *testing.T) {
	in := "# comment\na;b\nc;d\ne;f\n"
	rows, err := ParseCSV(context.Background(), strings.NewReader(in), CSVOptions{Delimiter: ';', Comment: '#', MaxRows: 2})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a", "b"}, {"c", "d"}}, rows)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = ParseCSV(ctx, strings.NewReader(in), CSVOptions{})
	assert.Error(t, err)
}

type rssDoc struct {
	Items []struct {
		Title string `xml:"title"`
		Link  string `xml:"link"`
	} `xml:"channel>item"`
}

func TestDecodeXML(t *testing.T) {
	feed := `<?xml version="1.0" encoding="ISO-8859-1"?>
<rss version="2.0"><channel><title>News</title>
<item><title>Launch of Shield&nbsp;MCD</title><link>https://vendor.example.com/a</link></item>
<item><title>Caf` + "\xe9" + ` results</title><link>https://vendor.example.com/b</link></item>
</channel></rss>`
	doc, err := DecodeXML[rssDoc](strings.NewReader(feed))
	require.NoError(t, err)
	require.Len(t, doc.Items, 2)
	assert.Equal(t, "https://vendor.example.com/a", doc.Items[0].Link)
	assert.Contains(t, doc.Items[0].Title, "Shield")
	assert.Equal(t, "Café results", doc.Items[1].Title)
}

func TestDecodeXML_Invalid(t *testing.T) {
	_, err := DecodeXML[rssDoc](strings.NewReader(""))
	assert.Error(t, err)
}

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		Results []struct {
			ID string `json:"id"`
		} `json:"results"`
	}
	got, err := DecodeJSON[payload](strings.NewReader(`{"results":[{"id":"K123"},{"id":"P456"}]}`))
	require.NoError(t, err)
	require.Len(t, got.Results, 2)
	assert.Equal(t, "P456", got.Results[1].ID)

	_, err = DecodeJSON[payload](strings.NewReader(`{"results":`))
	assert.Error(t, err)
}

func createTestXLSX(t *testing.T, sheets map[string][][]string) string {
	t.Helper()
	f := xlsx.NewFile()
	for name, rows := range sheets {
		sheet, err := f.AddSheet(name)
		require.NoError(t, err)
		for _, rowData := range rows {
			row := sheet.AddRow()
			for _, cellData := range rowData {
				row.AddCell().SetString(cellData)
			}
		}
	}
	path := filepath.Join(t.TempDir(), "test.xlsx")
	require.NoError(t, f.Save(path))
	return path
}

func TestReadXLSX(t *testing.T) {
	path := createTestXLSX(t, map[string][][]string{
		"CLFS": {
			{"HCPCS", "SHORTDESC"},
			{" 0037U ", "Tgt gen seq dna 324 genes"},
			{"", ""},
		},
	})

	rows, err := ReadXLSX(path, XLSXOptions{})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"HCPCS", "SHORTDESC"}, {"0037U", "Tgt gen seq dna 324 genes"}}, rows)

	rows, err = ReadXLSX(path, XLSXOptions{SheetName: "CLFS", SkipRows: 1})
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	_, err = ReadXLSX(path, XLSXOptions{SheetName: "missing"})
	assert.Error(t, err)
	_, err = ReadXLSX(path, XLSXOptions{SheetIndex: 3})
	assert.Error(t, err)
}

func createTestZIP(t *testing.T, files map[string]string) string {
	t.Helper()
	zipPath := filepath.Join(t.TempDir(), "test.zip")
	f, err := os.Create(zipPath)
	require.NoError(t, err)
	defer f.Close() //nolint:errcheck

	w := zip.NewWriter(f)
	for name, content := range files {
		fw, err := w.Create(name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return zipPath
}

func TestExtractZIP(t *testing.T) {
	zipPath := createTestZIP(t, map[string]string{
		"CLFS2026Q1.csv":       "HCPCS,SHORTDESC",
		"docs/readme.txt":      "read me",
		"nested/CLFS2026.XLSX": "xlsx",
	})

	dest := t.TempDir()
	all, err := ExtractZIP(zipPath, dest)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	data, err := os.ReadFile(filepath.Join(dest, "docs", "readme.txt"))
	require.NoError(t, err)
	assert.Equal(t, "read me", string(data))

	only, err := ExtractZIP(zipPath, t.TempDir(), ".csv", ".xlsx")
	require.NoError(t, err)
	assert.Len(t, only, 2)
}

func TestExtractZIP_RejectsZipSlip(t *testing.T) {
	zipPath := createTestZIP(t, map[string]string{"../evil.txt": "x"})
	dest := t.TempDir()
	_, err := ExtractZIP(zipPath, dest)
	require.Error(t, err)
	_, statErr := os.Stat(filepath.Join(filepath.Dir(dest), "evil.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestExtractZIP_MissingArchive(t *testing.T) {
	_, err := ExtractZIP(filepath.Join(t.TempDir(), "none.zip"), t.TempDir())
	assert.Error(t, err)
}
