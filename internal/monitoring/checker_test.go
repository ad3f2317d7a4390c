package monitoring

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/coverage-watch/internal/config"
	"github.com/sells-group/coverage-watch/internal/coverage"
	"github.com/sells-group/coverage-watch/internal/model"
)

func TestChecker_RunStopsOnCancel(t *testing.T) {
	cfg := config.MonitoringConfig{CheckIntervalSecs: 1, LookbackWindowHours: 24}
	checker := NewChecker(newTestCollector(CollectorDeps{}), NewAlerter(cfg), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestChecker_DefaultInterval(t *testing.T) {
	checker := NewChecker(newTestCollector(CollectorDeps{}), NewAlerter(config.MonitoringConfig{}), config.MonitoringConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx)
}

func TestChecker_Check(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	cfg := config.MonitoringConfig{
		LookbackWindowHours: 24,
		UnhealthyThreshold:  1,
		ConflictThreshold:   1,
		WebhookURL:          srv.URL,
	}
	collector := newTestCollector(CollectorDeps{
		Health: &fakeHealth{recs: []model.URLHealthRecord{{URL: "https://payer.example/a", ConsecutiveFailures: 5}}},
		Conflicts: fakeConflicts{groups: []coverage.ConflictGroup{
			{PayerID: "aetna", TestID: "signatera"},
		}},
	})

	checker := NewChecker(collector, NewAlerter(cfg), cfg)
	alerts := checker.Check(context.Background())
	require.Len(t, alerts, 2)
	assert.Equal(t, int32(2), hits.Load())

	// Same state again: the alerts are still active but not re-sent.
	alerts = checker.Check(context.Background())
	require.Len(t, alerts, 2)
	assert.Equal(t, int32(2), hits.Load())
}

func TestChecker_ResendsAfterClearing(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	cfg := config.MonitoringConfig{UnhealthyThreshold: 1, WebhookURL: srv.URL}
	health := &fakeHealth{recs: []model.URLHealthRecord{{URL: "https://payer.example/a", ConsecutiveFailures: 5}}}
	checker := NewChecker(newTestCollector(CollectorDeps{Health: health}), NewAlerter(cfg), cfg)

	require.Len(t, checker.Check(context.Background()), 1)
	assert.Equal(t, int32(1), hits.Load())

	health.recs = nil
	assert.Empty(t, checker.Check(context.Background()))

	health.recs = []model.URLHealthRecord{{URL: "https://payer.example/a", ConsecutiveFailures: 6}}
	require.Len(t, checker.Check(context.Background()), 1)
	assert.Equal(t, int32(2), hits.Load())
}

func TestChecker_RunChecksImmediately(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	cfg := config.MonitoringConfig{CheckIntervalSecs: 3600, UnhealthyThreshold: 1, WebhookURL: srv.URL}
	health := &fakeHealth{recs: []model.URLHealthRecord{{URL: "https://payer.example/a", ConsecutiveFailures: 5}}}
	checker := NewChecker(newTestCollector(CollectorDeps{Health: health}), NewAlerter(cfg), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return hits.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	<-done
}

func TestChecker_CheckCollectError(t *testing.T) {
	cfg := config.MonitoringConfig{UnhealthyThreshold: 1}
	collector := newTestCollector(CollectorDeps{Health: &fakeHealth{err: assert.AnError}})
	assert.Nil(t, NewChecker(collector, NewAlerter(cfg), cfg).Check(context.Background()))
}
