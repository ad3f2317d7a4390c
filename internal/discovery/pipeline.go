package discovery

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/coverage-watch/internal/classify"
	"github.com/sells-group/coverage-watch/internal/model"
	"github.com/sells-group/coverage-watch/internal/resilience"
)

// Stager persists candidates for review.
type Stager interface {
	PendingChecker
	StageDiscovery(ctx context.Context, d *model.StagedDiscovery) error
}

// PipelineStats summarizes one discovery run.
type PipelineStats struct {
	StartedAt       time.Time         `json:"started_at"`
	FinishedAt      time.Time         `json:"finished_at"`
	Collected       map[string]int    `json:"collected"`
	CollectorErrors map[string]string `json:"collector_errors,omitempty"`
	Normalize       NormalizeStats    `json:"normalize"`
	Irrelevant      int               `json:"irrelevant"`
	Unclassified    int               `json:"unclassified"`
	Staged          int               `json:"staged"`
	AlreadyStaged   int               `json:"already_staged"`
	StageErrors     int               `json:"stage_errors"`
	OpenBreakers    []string          `json:"open_breakers,omitempty"`
}

// PipelineDeps wires a Pipeline.
type PipelineDeps struct {
	Collectors []Collector
	Normalizer *Normalizer
	Classifier classify.Classifier
	Stager     Stager
	// Breakers isolate a repeatedly failing collector across runs. Nil
	// creates a private set.
	Breakers *resilience.ServiceBreakers
}

// Pipeline collects, normalizes, scores and stages candidates.
type Pipeline struct {
	deps PipelineDeps
	log  *zap.Logger

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewPipeline creates a Pipeline.
func NewPipeline(deps PipelineDeps) *Pipeline {
	if deps.Breakers == nil {
		deps.Breakers = resilience.NewServiceBreakers(resilience.DefaultCircuitBreakerConfig())
	}
	if deps.Normalizer == nil {
		deps.Normalizer = NewNormalizer(deps.Stager, classify.KnownTests)
	}
	return &Pipeline{
		deps:    deps,
		log:     zap.L().With(zap.String("component", "discovery")),
		nowFunc: time.Now,
	}
}

// Run executes one discovery pass. A failing collector is recorded in the
// stats and does not stop the others. Errors are returned only for store
// failures or cancellation.
func (p *Pipeline) Run(ctx context.Context) (*PipelineStats, error) {
	stats := &PipelineStats{
		StartedAt:       p.nowFunc().UTC(),
		Collected:       map[string]int{},
		CollectorErrors: map[string]string{},
	}

	candidates := p.collect(ctx, stats)
	if err := ctx.Err(); err != nil {
		return stats, err
	}

	fresh, nstats, err := p.deps.Normalizer.Normalize(ctx, candidates)
	stats.Normalize = nstats
	if err != nil {
		return stats, err
	}

	for _, c := range fresh {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		d, keep := p.enrich(ctx, c, stats)
		if !keep {
			continue
		}
		if err := p.deps.Stager.StageDiscovery(ctx, d); err != nil {
			if isDuplicate(err) {
				stats.AlreadyStaged++
				continue
			}
			stats.StageErrors++
			p.log.Error("discovery: stage failed", zap.String("url", c.URL), zap.Error(err))
			continue
		}
		stats.Staged++
	}

	for name, state := range p.deps.Breakers.States() {
		if state != resilience.CircuitClosed {
			stats.OpenBreakers = append(stats.OpenBreakers, name)
		}
	}
	sort.Strings(stats.OpenBreakers)

	stats.FinishedAt = p.nowFunc().UTC()
	p.log.Info("discovery run complete",
		zap.Int("candidates", len(candidates)),
		zap.Int("staged", stats.Staged),
		zap.Int("irrelevant", stats.Irrelevant),
		zap.Int("collector_errors", len(stats.CollectorErrors)),
	)
	return stats, nil
}

func (p *Pipeline) collect(ctx context.Context, stats *PipelineStats) []Candidate {
	var (
		mu  sync.Mutex
		all = make([][]Candidate, len(p.deps.Collectors))
		g   errgroup.Group
	)
	for i, c := range p.deps.Collectors {
		g.Go(func() error {
			found, err := resilience.ExecuteVal(ctx, p.deps.Breakers.Get(c.Name()), c.Collect)
			mu.Lock()
			defer mu.Unlock()
			stats.Collected[c.Name()] += len(found)
			if err != nil {
				stats.CollectorErrors[c.Name()] = err.Error()
				p.log.Warn("discovery: collector failed", zap.String("collector", c.Name()), zap.Error(err))
			}
			all[i] = found
			return nil
		})
	}
	_ = g.Wait()

	var out []Candidate
	for _, found := range all {
		out = append(out, found...)
	}
	return out
}

// enrich scores a candidate. Candidates the classifier could not score are
// staged with zero confidence; candidates it judged irrelevant are dropped,
// except explorer links, which matched a policy pattern already.
func (p *Pipeline) enrich(ctx context.Context, c Candidate, stats *PipelineStats) (*model.StagedDiscovery, bool) {
	d := &model.StagedDiscovery{
		PayerID:     c.PayerID,
		URL:         c.URL,
		Title:       c.Title,
		LinkText:    c.LinkText,
		LinkContext: c.LinkContext,
		ContentType: c.ContentType,
		Source:      c.Source,
		Status:      model.DiscoveryPending,
	}

	var (
		res *classify.Result
		err error
	)
	if p.deps.Classifier != nil {
		res, err = p.deps.Classifier.Classify(ctx, classify.Request{
			Kind:    classify.KindCandidate,
			URL:     c.URL,
			PayerID: c.PayerID,
			Title:   c.Title,
			Content: c.Summary,
			Source:  c.Source,
			Company: c.Company,
			Date:    c.Date,
		})
	}
	if err != nil || res == nil {
		stats.Unclassified++
		d.Confidence = 0
		d.ClassificationReason = "classification unavailable"
		if err != nil {
			p.log.Debug("discovery: classify failed", zap.String("url", c.URL), zap.Error(err))
		}
		return d, true
	}

	if !res.Relevant && c.Source != SourceExplorer {
		stats.Irrelevant++
		return nil, false
	}
	d.Confidence = res.Confidence
	d.ClassificationReason = res.Reason
	if res.TestName != "" && d.Title == "" {
		d.Title = res.TestName
	}
	return d, true
}
