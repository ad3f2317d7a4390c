package crawl

import (
	"context"
	"crypto/tls"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/coverage-watch/internal/codes"
	"github.com/sells-group/coverage-watch/internal/model"
	"github.com/sells-group/coverage-watch/internal/resilience"
)

// maxBodyBytes caps how much of a response body is read.
const maxBodyBytes = 10 << 20

// DefaultUserAgent identifies the crawler when no user agent is configured.
const DefaultUserAgent = "Mozilla/5.0 (compatible; CoverageWatch/1.0; +https://github.com/sells-group/coverage-watch)"

// FetchOptions are per-request transport settings.
type FetchOptions struct {
	Timeout   time.Duration
	UserAgent string
}

// Page is a fetched and extracted document.
type Page struct {
	URL            string
	FinalURL       string
	StatusCode     int
	ContentType    string
	HTML           string
	Text           string
	Title          string
	Links          []model.Link
	Dates          []string
	CodeCandidates []string
	Extracted      model.ExtractedFields
}

// Transport fetches one URL. Implementations return resilience-classified
// errors so the executor can tell transient from permanent failures.
type Transport interface {
	Fetch(ctx context.Context, url string, opts FetchOptions) (*Page, error)
	Name() string
}

// HTTPTransport is the default net/http transport.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport builds an HTTPTransport with pooled connections.
func NewHTTPTransport() *HTTPTransport {
	return &HTTPTransport{client: &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:   true,
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}}
}

func (t *HTTPTransport) Name() string { return "http" }

// Fetch implements Transport. Redirects are followed by net/http.
func (t *HTTPTransport) Fetch(ctx context.Context, rawURL string, opts FetchOptions) (*Page, error) {
	resp, err := get(ctx, t.client, rawURL, opts)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	return readPage(rawURL, resp)
}

// HTTP11Transport forces HTTP/1.1 and follows redirects itself. It is the
// fallback for servers whose HTTP/2 support is broken.
type HTTP11Transport struct {
	client       *http.Client
	maxRedirects int
}

// NewHTTP11Transport builds the HTTP/1.1 fallback transport.
func NewHTTP11Transport(maxRedirects int) *HTTP11Transport {
	if maxRedirects <= 0 {
		maxRedirects = 10
	}
	return &HTTP11Transport{
		maxRedirects: maxRedirects,
		client: &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				ForceAttemptHTTP2:   false,
				TLSNextProto:        map[string]func(string, *tls.Conn) http.RoundTripper{},
				TLSHandshakeTimeout: 10 * time.Second,
			},
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (t *HTTP11Transport) Name() string { return "http1.1" }

// Fetch implements Transport.
func (t *HTTP11Transport) Fetch(ctx context.Context, rawURL string, opts FetchOptions) (*Page, error) {
	current, err := url.Parse(rawURL)
	if err != nil {
		return nil, resilience.NewPermanentError(eris.Wrapf(err, "http1.1: parse %s", rawURL), 0)
	}

	for hop := 0; ; hop++ {
		resp, err := get(ctx, t.client, current.String(), opts)
		if err != nil {
			return nil, err
		}
		if !isRedirect(resp.StatusCode) {
			defer func() { _ = resp.Body.Close() }()
			page, err := readPage(rawURL, resp)
			if page != nil {
				page.FinalURL = current.String()
			}
			return page, err
		}

		loc := resp.Header.Get("Location")
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		_ = resp.Body.Close()

		if loc == "" {
			return nil, resilience.NewPermanentError(
				eris.Errorf("http1.1: %d redirect without Location from %s", resp.StatusCode, current), resp.StatusCode)
		}
		if hop >= t.maxRedirects {
			return nil, resilience.NewPermanentError(
				eris.Errorf("http1.1: stopped after %d redirects from %s", t.maxRedirects, rawURL), resp.StatusCode)
		}
		next, err := url.Parse(loc)
		if err != nil {
			return nil, resilience.NewPermanentError(eris.Wrapf(err, "http1.1: bad Location %q", loc), resp.StatusCode)
		}
		current = current.ResolveReference(next)
	}
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	default:
		return false
	}
}

func get(ctx context.Context, client *http.Client, rawURL string, opts FetchOptions) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, resilience.NewPermanentError(eris.Wrap(err, "crawl: create request"), 0)
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.5")
	req.Header.Set("Accept-Language", "en-US,en;q=0.8")

	resp, err := client.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "crawl: get %s", rawURL)
	}
	return resp, nil
}

// readPage turns a final (non-redirect) response into a Page or a
// classified error.
func readPage(requested string, resp *http.Response) (*Page, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrapf(err, "crawl: read body %s", requested), 0)
	}

	if block := DetectBlock(resp.StatusCode, resp.Header, body); block != BlockNone {
		return nil, resilience.NewPermanentError(
			eris.Wrapf(ErrBlocked, "%s (%s)", requested, block), resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, resilience.HTTPStatusError(resp.StatusCode, requested)
	}

	finalURL := requested
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	return buildPage(requested, finalURL, resp.StatusCode, resp.Header.Get("Content-Type"), body)
}

// buildPage runs extraction for a body of the given content type.
func buildPage(requested, finalURL string, status int, contentType string, body []byte) (*Page, error) {
	mediaType := "text/html"
	if contentType != "" {
		if mt, _, err := mime.ParseMediaType(contentType); err == nil {
			mediaType = mt
		}
	}

	var ex Extraction
	switch mediaType {
	case "text/html", "application/xhtml+xml":
		ex = Extract(string(body), finalURL)
	case "text/plain":
		ex = ExtractText(string(body))
	default:
		return nil, resilience.NewPermanentError(
			eris.Wrapf(ErrUnsupportedContent, "%s: %s", requested, mediaType), status)
	}

	page := &Page{
		URL:         requested,
		FinalURL:    finalURL,
		StatusCode:  status,
		ContentType: mediaType,
		Text:        ex.Text,
		Title:       ex.Title,
		Links:       ex.Fields.Links,
		Dates:       ex.Fields.Dates,
		Extracted:   ex.Fields,
	}
	if mediaType != "text/plain" {
		page.HTML = string(body)
	}
	page.CodeCandidates = codes.Flatten(ex.Fields.Codes)
	if strings.TrimSpace(page.Text) == "" {
		return nil, resilience.NewTransientError(eris.Errorf("crawl: empty document %s", requested), status)
	}
	return page, nil
}
