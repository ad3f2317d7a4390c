// Package crawl fetches monitored URLs with retry, rate limiting, transport
// fallback and per-URL health tracking, and decides whether a fetched page
// changed since the last crawl.
package crawl

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/coverage-watch/internal/canonical"
	"github.com/sells-group/coverage-watch/internal/health"
	"github.com/sells-group/coverage-watch/internal/metrics"
	"github.com/sells-group/coverage-watch/internal/model"
	"github.com/sells-group/coverage-watch/internal/resilience"
	"github.com/sells-group/coverage-watch/internal/store"
)

// Options tunes an Executor. Use DefaultOptions and override fields.
type Options struct {
	MaxRetries         int
	RetryDelayBase     time.Duration
	MinRequestInterval time.Duration
	Timeout            time.Duration
	UserAgent          string
	FailureThreshold   int
	// FallbackDomains are hosts (or parent domains) always fetched with the
	// fallback transport.
	FallbackDomains []string
	MaxRedirects    int
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		MaxRetries:         3,
		RetryDelayBase:     2 * time.Second,
		MinRequestInterval: 3 * time.Second,
		Timeout:            60 * time.Second,
		FailureThreshold:   health.DefaultThreshold,
		MaxRedirects:       10,
	}
}

// Deps are the collaborators an Executor uses.
type Deps struct {
	Health    *health.Tracker
	Pages     store.PageStore
	Canon     *canonical.Canonicalizer
	Transport Transport
	// Fallback handles FallbackDomains and protocol-level failures of the
	// primary transport. Nil disables fallback.
	Fallback Transport
	// Browser renders sources marked render. Nil falls back to Transport.
	Browser Transport
	Metrics *metrics.Crawl
}

// FetchHints carry per-source settings into a fetch.
type FetchHints struct {
	SourceID string
	Render   bool
	// ForceFallback routes the fetch through the fallback transport.
	ForceFallback bool
}

// FetchResult is a successful fetch.
type FetchResult struct {
	URL       string
	FinalURL  string
	Title     string
	Content   string
	RawText   string
	Extracted model.ExtractedFields
	Transport string
	Attempts  int
}

// Executor fetches URLs for one worker. It owns its rate limiter, so
// workers never share a request budget.
type Executor struct {
	deps    Deps
	opts    Options
	limiter *rate.Limiter
	log     *zap.Logger
}

// NewExecutor builds an Executor. Zero Timeout, FailureThreshold and
// MaxRedirects take their defaults; a nil Canon uses the default denylist.
func NewExecutor(deps Deps, opts Options) *Executor {
	def := DefaultOptions()
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = def.FailureThreshold
	}
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = def.MaxRedirects
	}
	if deps.Canon == nil {
		deps.Canon = canonical.New()
	}
	if deps.Transport == nil {
		deps.Transport = NewHTTPTransport()
	}

	limit := rate.Inf
	if opts.MinRequestInterval > 0 {
		limit = rate.Every(opts.MinRequestInterval)
	}
	return &Executor{
		deps:    deps,
		opts:    opts,
		limiter: rate.NewLimiter(limit, 1),
		log:     zap.L().With(zap.String("component", "crawl.executor")),
	}
}

// Options returns the effective options.
func (e *Executor) Options() Options { return e.opts }

// Canonicalizer returns the executor's canonicalizer.
func (e *Executor) Canonicalizer() *canonical.Canonicalizer { return e.deps.Canon }

// Fetch fetches rawURL with default hints.
func (e *Executor) Fetch(ctx context.Context, rawURL string) (*FetchResult, error) {
	return e.FetchWith(ctx, rawURL, FetchHints{})
}

// FetchWith validates, health-checks and fetches rawURL, retrying transient
// failures with exponential backoff. Every completed attempt is recorded
// with the health tracker.
func (e *Executor) FetchWith(ctx context.Context, rawURL string, hints FetchHints) (*FetchResult, error) {
	u, err := validateURL(rawURL)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Permanent: true, Err: err}
	}

	if e.deps.Health != nil && e.deps.Health.ShouldSkip(ctx, rawURL, e.opts.FailureThreshold) {
		e.deps.Metrics.ObserveSkip()
		e.log.Info("skipping unhealthy url", zap.String("url", rawURL))
		return nil, ErrSkipped
	}

	transport := e.pickTransport(u, hints)
	fetchOpts := FetchOptions{Timeout: e.opts.Timeout, UserAgent: e.opts.UserAgent}

	retry := resilience.FetchRetryConfig(e.opts.MaxRetries, e.opts.RetryDelayBase)
	retry.ShouldRetry = resilience.IsTransient
	retry.OnRetry = func(n int, delay time.Duration, err error) {
		e.deps.Metrics.ObserveRetry(rawURL)
		e.log.Warn("retrying fetch",
			zap.String("url", rawURL),
			zap.Int("retry", n),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	}

	attempts := 0
	page, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (*Page, error) {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		attempts++

		page, next, err := e.attempt(ctx, rawURL, transport, fetchOpts)
		transport = next
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err != nil {
			e.recordFailure(ctx, rawURL, hints.SourceID, err)
			return nil, err
		}
		if e.deps.Health != nil {
			e.deps.Health.RecordSuccess(ctx, rawURL, hints.SourceID)
		}
		return page, nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, &FetchError{URL: rawURL, Attempts: attempts, Err: ctxErr}
		}
		return nil, &FetchError{
			URL:       rawURL,
			Attempts:  attempts,
			Permanent: !resilience.IsTransient(err),
			Err:       err,
		}
	}

	return &FetchResult{
		URL:       rawURL,
		FinalURL:  page.FinalURL,
		Title:     page.Title,
		Content:   e.deps.Canon.Canonicalize(page.Text),
		RawText:   page.Text,
		Extracted: page.Extracted,
		Transport: transport.Name(),
		Attempts:  attempts,
	}, nil
}

// attempt runs one fetch under the per-request timeout. A protocol-level
// failure on the primary transport is retried once on the fallback
// transport, which then serves the rest of the fetch. The fallback request
// waits on the rate limiter like any other. The returned transport is the
// one that should be used for further attempts.
func (e *Executor) attempt(ctx context.Context, rawURL string, t Transport, opts FetchOptions) (*Page, Transport, error) {
	page, err := e.once(ctx, rawURL, t, opts)
	if err != nil && e.deps.Fallback != nil && t != e.deps.Fallback && resilience.IsProtocolError(err) {
		e.log.Info("protocol error, switching to fallback transport",
			zap.String("url", rawURL),
			zap.String("fallback", e.deps.Fallback.Name()),
			zap.Error(err),
		)
		t = e.deps.Fallback
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, t, err
		}
		page, err = e.once(ctx, rawURL, t, opts)
	}
	return page, t, err
}

func (e *Executor) once(ctx context.Context, rawURL string, t Transport, opts FetchOptions) (*Page, error) {
	tctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	start := time.Now()
	page, err := t.Fetch(tctx, rawURL, opts)
	outcome := "success"
	if err != nil {
		outcome = string(resilience.Classify(err))
		// A per-request timeout is a transient failure of this URL.
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = resilience.NewTransientError(eris.Wrapf(err, "crawl: timeout after %s", e.opts.Timeout), 0)
			outcome = string(resilience.ClassTransient)
		}
	}
	e.deps.Metrics.ObserveFetch(rawURL, t.Name(), outcome, time.Since(start))
	return page, err
}

func (e *Executor) recordFailure(ctx context.Context, rawURL, sourceID string, err error) {
	if e.deps.Health == nil {
		return
	}
	e.deps.Health.RecordFailure(ctx, rawURL, sourceID, err.Error())
}

func (e *Executor) pickTransport(u *url.URL, hints FetchHints) Transport {
	if hints.Render && e.deps.Browser != nil {
		return e.deps.Browser
	}
	if e.deps.Fallback != nil && (hints.ForceFallback || matchesDomain(u.Hostname(), e.opts.FallbackDomains)) {
		return e.deps.Fallback
	}
	return e.deps.Transport
}

// matchesDomain reports whether host equals or is a subdomain of any entry.
func matchesDomain(host string, domains []string) bool {
	host = strings.ToLower(host)
	for _, d := range domains {
		d = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(d), "."))
		if d == "" {
			continue
		}
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func validateURL(rawURL string) (*url.URL, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, eris.New("crawl: empty url")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, eris.Wrapf(err, "crawl: malformed url %q", rawURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, eris.Errorf("crawl: unsupported scheme %q in %q", u.Scheme, rawURL)
	}
	if u.Host == "" {
		return nil, eris.Errorf("crawl: missing host in %q", rawURL)
	}
	return u, nil
}
