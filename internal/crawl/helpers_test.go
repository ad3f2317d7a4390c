package crawl

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/coverage-watch/internal/health"
	"github.com/sells-group/coverage-watch/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "crawl.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func fastOptions() Options {
	opts := DefaultOptions()
	opts.MaxRetries = 2
	opts.RetryDelayBase = time.Millisecond
	opts.MinRequestInterval = 0
	opts.Timeout = 5 * time.Second
	return opts
}

func newTestExecutor(t *testing.T, s *store.SQLiteStore, primary, fallback Transport, opts Options) *Executor {
	t.Helper()
	return NewExecutor(Deps{
		Health:    health.NewTracker(s, opts.FailureThreshold),
		Pages:     s,
		Transport: primary,
		Fallback:  fallback,
	}, opts)
}

// fakeTransport serves canned pages or errors and counts calls.
type fakeTransport struct {
	name string
	fn   func(url string) (*Page, error)

	mu    sync.Mutex
	calls []string
	times []time.Time
}

func (f *fakeTransport) Name() string { return f.name }

func (f *fakeTransport) Fetch(_ context.Context, url string, _ FetchOptions) (*Page, error) {
	f.mu.Lock()
	f.calls = append(f.calls, url)
	f.times = append(f.times, time.Now())
	f.mu.Unlock()
	return f.fn(url)
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeTransport) callTimes() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.times...)
}

func htmlPage(url, html string) (*Page, error) {
	return buildPage(url, url, 200, "text/html; charset=utf-8", []byte(html))
}
