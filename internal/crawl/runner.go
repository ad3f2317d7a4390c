package crawl

import (
	"context"
	"errors"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/coverage-watch/internal/classify"
	"github.com/sells-group/coverage-watch/internal/metrics"
	"github.com/sells-group/coverage-watch/internal/model"
	"github.com/sells-group/coverage-watch/internal/multihash"
	"github.com/sells-group/coverage-watch/internal/source"
	"github.com/sells-group/coverage-watch/internal/store"
)

// RunnerStore is the persistence a Runner needs beyond page hashes.
type RunnerStore interface {
	store.DocumentStore
	store.RunStore
	Ping(ctx context.Context) error
}

// AssertionSink accepts classifier-derived coverage assertions.
type AssertionSink interface {
	UpsertAssertion(ctx context.Context, a model.CoverageAssertion) (*model.CoverageAssertion, error)
}

// RunnerDeps are a Runner's collaborators.
type RunnerDeps struct {
	// NewExecutor builds one executor per worker.
	NewExecutor func() *Executor
	Store       RunnerStore
	Classifier  classify.Classifier
	Assertions  AssertionSink
	Metrics     *metrics.Crawl
}

// RunnerOptions tune a Runner.
type RunnerOptions struct {
	// MinAnalyzePriority gates classification of changed documents.
	MinAnalyzePriority model.Priority
}

// Runner crawls a catalog with one worker per source type.
type Runner struct {
	deps    RunnerDeps
	opts    RunnerOptions
	log     *zap.Logger
	nowFunc func() time.Time
}

// NewRunner creates a Runner.
func NewRunner(deps RunnerDeps, opts RunnerOptions) *Runner {
	if opts.MinAnalyzePriority == "" {
		opts.MinAnalyzePriority = model.PriorityMedium
	}
	return &Runner{
		deps:    deps,
		opts:    opts,
		log:     zap.L().With(zap.String("component", "crawl.runner")),
		nowFunc: time.Now,
	}
}

// Run crawls every URL of every source and persists a run summary. URLs
// within a source type are processed in order; types run concurrently.
// Per-URL failures are counted, never returned. Cancelling ctx lets the
// in-flight fetch finish and starts no new ones.
func (r *Runner) Run(ctx context.Context, sources []source.Source) (*model.RunSummary, error) {
	if err := r.deps.Store.Ping(ctx); err != nil {
		r.deps.Metrics.ObserveRun(err)
		return nil, eris.Wrap(err, "crawl: store unreachable")
	}

	summary := &model.RunSummary{
		RunID:     uuid.NewString(),
		StartedAt: r.nowFunc().UTC(),
		Sources:   make(map[string]*model.SourceStats),
	}

	groups := make(map[source.Type][]source.Source)
	var order []source.Type
	for _, s := range sources {
		if _, ok := groups[s.Type]; !ok {
			order = append(order, s.Type)
			summary.Sources[string(s.Type)] = &model.SourceStats{}
		}
		groups[s.Type] = append(groups[s.Type], s)
	}

	log := r.log.With(zap.String("run_id", summary.RunID))
	log.Info("crawl run started", zap.Int("source_types", len(order)), zap.Int("sources", len(sources)))

	var g errgroup.Group
	for _, t := range order {
		stats := summary.Sources[string(t)]
		srcs := groups[t]
		g.Go(func() error {
			r.work(ctx, log.With(zap.String("source_type", string(t))), srcs, stats)
			return nil
		})
	}
	_ = g.Wait()

	summary.FinishedAt = r.nowFunc().UTC()
	// Persist even when cancelled; the run's context may already be done.
	if err := r.deps.Store.SaveRunSummary(context.WithoutCancel(ctx), summary); err != nil {
		log.Error("save run summary failed", zap.Error(err))
	}
	r.deps.Metrics.ObserveRun(nil)

	totals := summary.Totals()
	log.Info("crawl run finished",
		zap.Int("processed", totals.Processed),
		zap.Int("changed", totals.Changed),
		zap.Int("first_crawls", totals.FirstCrawls),
		zap.Int("skipped", totals.Skipped),
		zap.Int("failed", totals.Failed),
		zap.Duration("elapsed", summary.FinishedAt.Sub(summary.StartedAt)),
	)
	return summary, nil
}

func (r *Runner) work(ctx context.Context, log *zap.Logger, sources []source.Source, stats *model.SourceStats) {
	exec := r.deps.NewExecutor()
	defer exec.Close()

	for _, src := range sources {
		for _, u := range src.URLs {
			if ctx.Err() != nil {
				log.Info("worker stopping", zap.Error(ctx.Err()))
				return
			}
			r.processURL(ctx, log, exec, src, u, stats)
		}
	}
}

func (r *Runner) processURL(ctx context.Context, log *zap.Logger, exec *Executor, src source.Source, rawURL string, stats *model.SourceStats) {
	stats.Processed++
	log = log.With(zap.String("source_id", src.ID), zap.String("url", rawURL))

	res, err := exec.FetchWith(ctx, rawURL, FetchHints{SourceID: src.ID, Render: src.Render, ForceFallback: src.Fallback})
	if err != nil {
		reason := FailureReason(err)
		if reason == model.ReasonSkipped {
			stats.Skipped++
		} else {
			stats.Failed++
		}
		stats.Failures = append(stats.Failures, model.URLFailure{URL: rawURL, Reason: reason, Error: err.Error()})
		log.Warn("fetch failed", zap.String("reason", string(reason)), zap.Error(err))
		return
	}

	change, err := exec.DetectChange(ctx, rawURL, res.RawText, model.HashKey(src.ID, src.PageType, rawURL))
	if err != nil {
		r.storeFailure(log, stats, rawURL, err)
		return
	}
	stats.Succeeded++
	switch {
	case change.IsFirstCrawl:
		stats.FirstCrawls++
	case change.HasChanged:
		stats.Changed++
	}

	if src.TracksDocuments() {
		r.processDocument(ctx, log, src, rawURL, res, stats)
	}
}

func (r *Runner) processDocument(ctx context.Context, log *zap.Logger, src source.Source, rawURL string, res *FetchResult, stats *model.SourceStats) {
	fields := res.Extracted
	rec := model.DocumentHashRecord{
		PolicyID: documentPolicyID(src, rawURL),
		PayerID:  src.PayerID,
		URL:      rawURL,
		DocType:  src.DocType,
		Hashes:   multihash.Compute(res.Content, fields),
		Metadata: fields.Metadata,
		Codes:    fields.Codes,
		Stance:   fields.Stance,
	}
	if len(fields.NamedTests) > 0 {
		rec.NamedTests = fields.NamedTests
	}

	cmp, err := r.deps.Store.UpsertDocumentHashes(ctx, rec)
	if err != nil {
		r.storeFailure(log, stats, rawURL, err)
		return
	}
	if cmp.Changed {
		r.deps.Metrics.ObserveChange(string(cmp.Priority))
		if cmp.Priority == model.PriorityHigh {
			stats.HighPriority++
		}
		log.Info("document changed",
			zap.String("policy_id", rec.PolicyID),
			zap.String("priority", string(cmp.Priority)),
			zap.Strings("changed_hashes", cmp.ChangedHashes),
		)
	}

	if r.deps.Classifier == nil || !multihash.ShouldAnalyze(cmp, r.opts.MinAnalyzePriority) {
		return
	}
	result, err := r.deps.Classifier.Classify(ctx, classify.Request{
		Kind:      classify.KindPolicy,
		URL:       rawURL,
		PayerID:   src.PayerID,
		PolicyID:  rec.PolicyID,
		Title:     res.Title,
		Content:   res.RawText,
		Extracted: fields,
		Change:    cmp,
	})
	if err != nil || result == nil {
		log.Warn("classification unavailable", zap.String("policy_id", rec.PolicyID), zap.Error(err))
		return
	}

	rec.Stance = result.Stance
	rec.NamedTests = result.NamedTests
	if _, err := r.deps.Store.UpsertDocumentHashes(ctx, rec); err != nil {
		log.Warn("store classification failed", zap.String("policy_id", rec.PolicyID), zap.Error(err))
	}

	if r.deps.Assertions == nil {
		return
	}
	for _, a := range classify.Drafts(result, src.PayerID, rec.PolicyID, rawURL) {
		if _, err := r.deps.Assertions.UpsertAssertion(ctx, a); err != nil {
			log.Warn("assertion rejected", zap.String("test_id", a.TestID), zap.Error(err))
			continue
		}
		stats.AssertionsSaved++
	}
}

func (r *Runner) storeFailure(log *zap.Logger, stats *model.SourceStats, rawURL string, err error) {
	stats.Failed++
	stats.Failures = append(stats.Failures, model.URLFailure{URL: rawURL, Reason: model.ReasonStoreError, Error: err.Error()})
	log.Error("store error", zap.Error(err))
}

// FailureReason maps a FetchWith error onto a run-summary reason.
func FailureReason(err error) model.FailureReason {
	if errors.Is(err, ErrSkipped) {
		return model.ReasonSkipped
	}
	var fe *FetchError
	if errors.As(err, &fe) && fe.Permanent {
		return model.ReasonFailedPermanent
	}
	return model.ReasonFailedTransient
}

// DocumentID is the derived policy id of a document tracked at rawURL: a
// readable slug plus a short digest of the URL with its query, so pages
// told apart only by query parameters keep separate records.
func DocumentID(payerID, rawURL string) string {
	return payerID + ":" + model.URLSlug(rawURL) + "-" + multihash.Digest(documentKey(rawURL))[:8]
}

// documentKey normalizes rawURL for DocumentID. The host is case-folded and
// the scheme and fragment are ignored; path and query are kept as given.
func documentKey(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return strings.TrimSpace(rawURL)
	}
	key := strings.ToLower(u.Host) + u.EscapedPath()
	if u.RawQuery != "" {
		key += "?" + u.RawQuery
	}
	return key
}

func documentPolicyID(src source.Source, rawURL string) string {
	if id := src.PolicyID(rawURL); id != "" {
		return id
	}
	return DocumentID(src.PayerID, rawURL)
}

// Close releases the executor's transports that hold resources, such as a
// browser.
func (e *Executor) Close() {
	for _, t := range []Transport{e.deps.Browser, e.deps.Fallback, e.deps.Transport} {
		if c, ok := t.(io.Closer); ok {
			_ = c.Close()
		}
	}
}
