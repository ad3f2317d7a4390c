package crawl

import (
	"fmt"

	"github.com/rotisserie/eris"
)

var (
	// ErrFetchFailure matches every *FetchError via errors.Is.
	ErrFetchFailure = eris.New("crawl: fetch failed")

	// ErrSkipped is returned without a network call when a URL's health
	// circuit is open.
	ErrSkipped = eris.New("crawl: url skipped, too many consecutive failures")

	// ErrUnsupportedContent is returned for responses that are not HTML or
	// plain text.
	ErrUnsupportedContent = eris.New("crawl: unsupported content type")

	// ErrBlocked is returned when a response is an anti-bot interstitial.
	ErrBlocked = eris.New("crawl: blocked by anti-bot challenge")
)

// FetchError reports a fetch that did not produce content. Permanent is true
// when retrying would not help (invalid URL, 4xx, unsupported content).
type FetchError struct {
	URL       string
	Attempts  int
	Permanent bool
	Err       error
}

func (e *FetchError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("crawl: fetch %s failed (%s, %d attempts): %v", e.URL, kind, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrFetchFailure) true for any FetchError.
func (e *FetchError) Is(target error) bool { return target == ErrFetchFailure }
