package crawl

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"
	"github.com/rotisserie/eris"

	"github.com/sells-group/coverage-watch/internal/resilience"
)

// BrowserTransport renders pages in headless Chrome for sources that need
// JavaScript. The allocator starts lazily on the first fetch.
type BrowserTransport struct {
	settle time.Duration

	mu          sync.Mutex
	allocCtx    context.Context
	allocCancel context.CancelFunc
}

// NewBrowserTransport creates a BrowserTransport. settle is how long to
// wait after the body is ready for client-side rendering to finish.
func NewBrowserTransport(settle time.Duration) *BrowserTransport {
	if settle <= 0 {
		settle = 750 * time.Millisecond
	}
	return &BrowserTransport{settle: settle}
}

func (b *BrowserTransport) Name() string { return "browser" }

func (b *BrowserTransport) allocator() context.Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.allocCtx == nil {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", "new"),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("enable-automation", false),
		)
		b.allocCtx, b.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	}
	return b.allocCtx
}

// Close shuts down the browser. The next Fetch starts a new one.
func (b *BrowserTransport) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.allocCancel != nil {
		b.allocCancel()
	}
	b.allocCtx, b.allocCancel = nil, nil
	return nil
}

// Fetch implements Transport.
func (b *BrowserTransport) Fetch(ctx context.Context, rawURL string, opts FetchOptions) (*Page, error) {
	tabCtx, tabCancel := chromedp.NewContext(b.allocator())
	defer tabCancel()

	// Tie the tab to the caller's deadline and cancellation.
	stop := context.AfterFunc(ctx, tabCancel)
	defer stop()
	if deadline, ok := ctx.Deadline(); ok {
		var cancel context.CancelFunc
		tabCtx, cancel = context.WithDeadline(tabCtx, deadline)
		defer cancel()
	}

	ua := opts.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}

	var html, finalURL string
	err := chromedp.Run(tabCtx,
		emulation.SetUserAgentOverride(ua),
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(b.settle),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, resilience.NewTransientError(eris.Wrapf(err, "browser: render %s", rawURL), 0)
		}
		// Start a fresh browser on the next attempt.
		_ = b.Close()
		return nil, classifyRenderError(eris.Wrapf(err, "browser: render %s", rawURL))
	}

	if finalURL == "" {
		finalURL = rawURL
	}
	if block := DetectBlock(200, nil, []byte(html)); block != BlockNone {
		return nil, resilience.NewPermanentError(eris.Wrapf(ErrBlocked, "%s (%s)", rawURL, block), 0)
	}
	return buildPage(rawURL, finalURL, 200, "text/html", []byte(html))
}

// classifyRenderError marks Chromium network failures (net::ERR_*) as
// transient so rendered sources retry them like plain HTTP fetches.
func classifyRenderError(err error) error {
	if resilience.IsTransient(err) {
		return resilience.NewTransientError(err, 0)
	}
	return err
}
