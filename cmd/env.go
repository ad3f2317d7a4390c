package main

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/coverage-watch/internal/canonical"
	"github.com/sells-group/coverage-watch/internal/classify"
	"github.com/sells-group/coverage-watch/internal/clfs"
	"github.com/sells-group/coverage-watch/internal/crawl"
	"github.com/sells-group/coverage-watch/internal/fetcher"
	"github.com/sells-group/coverage-watch/internal/health"
	"github.com/sells-group/coverage-watch/internal/metrics"
	"github.com/sells-group/coverage-watch/internal/store"
	anthropicpkg "github.com/sells-group/coverage-watch/pkg/anthropic"
)

func executorOptions() crawl.Options {
	c := cfg.Crawl
	return crawl.Options{
		MaxRetries:         c.MaxRetries,
		RetryDelayBase:     time.Duration(c.RetryDelayBaseMs) * time.Millisecond,
		MinRequestInterval: time.Duration(c.MinRequestIntervalMs) * time.Millisecond,
		Timeout:            time.Duration(c.TimeoutSecs) * time.Second,
		UserAgent:          c.UserAgent,
		FailureThreshold:   c.FailureThreshold,
		FallbackDomains:    c.FallbackDomains,
		MaxRedirects:       c.MaxRedirects,
	}
}

func buildCanonicalizer() (*canonical.Canonicalizer, error) {
	if cfg.Canonical.DenylistPath == "" {
		return canonical.New(), nil
	}
	phrases, err := canonical.LoadDenylist(cfg.Canonical.DenylistPath)
	if err != nil {
		return nil, err
	}
	return canonical.New(canonical.WithPhrases(phrases...)), nil
}

// executorFactory returns a constructor for per-worker executors. Each
// executor owns its transports, including a browser when rendering is on.
func executorFactory(st store.Store, tracker *health.Tracker, canon *canonical.Canonicalizer, m *metrics.Crawl) func() *crawl.Executor {
	opts := executorOptions()
	return func() *crawl.Executor {
		deps := crawl.Deps{
			Health:    tracker,
			Pages:     st,
			Canon:     canon,
			Transport: crawl.NewHTTPTransport(),
			Fallback:  crawl.NewHTTP11Transport(opts.MaxRedirects),
			Metrics:   m,
		}
		if cfg.Crawl.RenderEnabled {
			deps.Browser = crawl.NewBrowserTransport(time.Duration(cfg.Crawl.RenderSettleMs) * time.Millisecond)
		}
		return crawl.NewExecutor(deps, opts)
	}
}

// buildClassifier chains the LLM classifier, when a key is configured, in
// front of the deterministic fallback. A nil registry leaves PLA codes
// unconfirmed.
func buildClassifier(reg *clfs.Registry) classify.Classifier {
	var registry classify.CodeRegistry
	if reg != nil {
		registry = reg
	}
	fallback := classify.NewFallback(registry)
	if cfg.Anthropic.Key == "" {
		zap.L().Info("no anthropic key configured, using keyword classifier")
		return fallback
	}
	llm := classify.NewLLM(anthropicpkg.NewClient(cfg.Anthropic.Key), classify.LLMConfig{
		Model:     cfg.Anthropic.Model,
		MaxTokens: int64(cfg.Anthropic.MaxTokens),
	})
	return classify.Chain{llm, fallback}
}

func newFetcher() *fetcher.HTTPFetcher {
	limiters := make(map[string]*fetcher.AdaptiveLimiter, len(cfg.Discovery.RateLimits))
	for host, perSec := range cfg.Discovery.RateLimits {
		if perSec <= 0 {
			continue
		}
		burst := int(perSec)
		if burst < 1 {
			burst = 1
		}
		limiters[strings.ToLower(host)] = fetcher.NewAdaptiveLimiter(rate.Limit(perSec), burst)
	}
	return fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent:  cfg.Crawl.UserAgent,
		Timeout:    time.Duration(cfg.Crawl.TimeoutSecs) * time.Second,
		MaxRetries: cfg.Crawl.MaxRetries,
		RetryBase:  time.Duration(cfg.Crawl.RetryDelayBaseMs) * time.Millisecond,
		Limiters:   limiters,
	})
}

// loadRegistry loads the CLFS PLA registry when a URL is configured. A
// failed load is logged; classification then runs without code
// confirmation.
func loadRegistry(ctx context.Context, f fetcher.Fetcher) *clfs.Registry {
	if cfg.Discovery.CLFSURL == "" {
		return nil
	}
	var (
		reg *clfs.Registry
		err error
	)
	if strings.HasPrefix(cfg.Discovery.CLFSURL, "http://") || strings.HasPrefix(cfg.Discovery.CLFSURL, "https://") {
		reg, err = clfs.Load(ctx, f, cfg.Discovery.CLFSURL)
	} else {
		reg, err = clfs.LoadFile(ctx, cfg.Discovery.CLFSURL)
	}
	if err != nil {
		zap.L().Warn("clfs registry unavailable", zap.Error(eris.Wrap(err, "load clfs")))
		return nil
	}
	zap.L().Info("clfs registry loaded", zap.Int("pla_codes", reg.Len()))
	return reg
}
