// Package fetcher downloads feeds and reference files and decodes the
// formats they arrive in: JSON, XML, CSV, XLSX and ZIP.
package fetcher

import (
	"context"
	"io"
)

// Fetcher downloads remote data.
type Fetcher interface {
	// Download fetches the URL and returns the response body.
	Download(ctx context.Context, url string) (io.ReadCloser, error)

	// DownloadToFile fetches the URL into path and returns the bytes written.
	DownloadToFile(ctx context.Context, url, path string) (int64, error)
}

var _ Fetcher = (*HTTPFetcher)(nil)
