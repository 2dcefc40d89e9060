package retrieval

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"fotopoisk/internal/catalog"
	"fotopoisk/internal/config"
	"fotopoisk/internal/errors"
)

// escalationLadder holds the descending similarity thresholds tried in
// order until a rung yields enough candidates.
var escalationLadder = []float64{0.50, 0.40, 0.30, 0.25, 0.20, 0.15, 0.10}

// escalationFloor is tried when every rung of the ladder comes up short.
// It sits below the user-facing floor so that "nothing in the ballpark"
// produces an empty result instead of arbitrary noise.
const escalationFloor = 0.05

// ErrNilDependency is returned when a required dependency is nil.
var ErrNilDependency = stderrors.New("nil dependency")

// Result is one ranked catalog item.
type Result struct {
	ItemID     string
	Picture    string
	URL        string
	Name       string
	Department string
	Similarity float64
}

// Options carries per-search overrides. Zero values fall back to the
// engine's configured defaults.
type Options struct {
	// StabilityPasses repeats the escalation and averages similarities.
	StabilityPasses int
	// Aggressive skips thresholding and returns the raw nearest items.
	Aggressive bool
}

// Reranker adjusts similarities after ranking. Brand or color boosts live
// behind this interface, never inside the engine itself.
type Reranker interface {
	Rerank(ctx context.Context, query []float32, results []Result) ([]Result, error)
}

// Engine runs threshold-escalation retrieval over a Searcher and enriches
// the winners from the catalog store.
type Engine struct {
	searcher   Searcher
	store      *catalog.Store
	topK       int
	passes     int
	userFloor  float64
	aggressive bool
	reranker   Reranker
	logger     *slog.Logger
}

// EngineOption configures the engine.
type EngineOption func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithReranker installs a post-retrieval similarity adjuster.
func WithReranker(r Reranker) EngineOption {
	return func(e *Engine) {
		e.reranker = r
	}
}

// NewEngine builds an engine over a searcher and the catalog store.
func NewEngine(searcher Searcher, store *catalog.Store, cfg config.SearchConfig, opts ...EngineOption) (*Engine, error) {
	if searcher == nil {
		return nil, fmt.Errorf("%w: searcher is required", ErrNilDependency)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: catalog store is required", ErrNilDependency)
	}

	e := &Engine{
		searcher:   searcher,
		store:      store,
		topK:       cfg.TopNResults,
		passes:     cfg.StabilityPasses,
		userFloor:  cfg.SimilarityThreshold,
		aggressive: cfg.Aggressive,
		logger:     slog.Default(),
	}
	if e.topK <= 0 {
		e.topK = 5
	}
	if e.passes <= 0 {
		e.passes = 1
	}
	if e.userFloor <= 0 {
		e.userFloor = 0.20
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// TopK reports the configured default result count.
func (e *Engine) TopK() int { return e.topK }

// Mode names the strategy the configured defaults select: "aggressive",
// "stability" or "escalation".
func (e *Engine) Mode() string {
	switch {
	case e.aggressive:
		return "aggressive"
	case e.passes > 1:
		return "stability"
	default:
		return "escalation"
	}
}

// Search ranks catalog items against a unit-norm query vector. department
// "" or ALL searches the whole catalog. topK <= 0 returns empty without
// touching the store. An empty result is a valid outcome, never an error.
func (e *Engine) Search(ctx context.Context, query []float32, department string, topK int, opts Options) ([]Result, error) {
	start := time.Now()

	if topK <= 0 {
		return nil, nil
	}
	if len(query) == 0 {
		return nil, errors.New(errors.ErrCodeInvalidArgument, "query vector is empty", nil)
	}

	passes := opts.StabilityPasses
	if passes <= 0 {
		passes = e.passes
	}
	aggressive := opts.Aggressive || e.aggressive

	var (
		cands []Candidate
		err   error
	)
	switch {
	case aggressive:
		cands, err = e.searcher.Search(ctx, query, department, topK, math.Inf(-1))
	case passes > 1:
		cands, err = e.stabilitySearch(ctx, query, department, topK, passes)
	default:
		cands, err = e.escalate(ctx, query, department, topK)
	}
	if err != nil {
		return nil, err
	}

	results, err := e.enrich(ctx, cands)
	if err != nil {
		return nil, err
	}

	if e.reranker != nil && len(results) > 0 {
		results, err = e.reranker.Rerank(ctx, query, results)
		if err != nil {
			return nil, err
		}
		sortResults(results)
		if len(results) > topK {
			results = results[:topK]
		}
	}

	e.logger.Debug("search_complete",
		slog.String("department", department),
		slog.Int("top_k", topK),
		slog.Int("passes", passes),
		slog.Bool("aggressive", aggressive),
		slog.Int("results", len(results)),
		slog.Duration("duration", time.Since(start)))
	return results, nil
}

// escalate walks the threshold ladder. A rung that yields at least topK
// candidates wins; the user floor is then applied unless it would empty
// the result. When every rung comes up short the floor returns whatever
// it finds, possibly fewer than topK.
func (e *Engine) escalate(ctx context.Context, query []float32, department string, topK int) ([]Candidate, error) {
	for _, threshold := range escalationLadder {
		cands, err := e.searcher.Search(ctx, query, department, 2*topK, threshold)
		if err != nil {
			return nil, err
		}
		if len(cands) < topK {
			e.logger.Debug("escalation_rung_short",
				slog.Float64("threshold", threshold),
				slog.Int("found", len(cands)))
			continue
		}

		filtered := make([]Candidate, 0, len(cands))
		for _, c := range cands {
			if c.Similarity >= e.userFloor {
				filtered = append(filtered, c)
			}
		}
		if len(filtered) > 0 {
			cands = filtered
		}
		if len(cands) > topK {
			cands = cands[:topK]
		}
		return cands, nil
	}

	cands, err := e.searcher.Search(ctx, query, department, 2*topK, escalationFloor)
	if err != nil {
		return nil, err
	}
	if len(cands) > topK {
		cands = cands[:topK]
	}
	return cands, nil
}

// stabilitySearch repeats the escalation and keeps every item seen in at
// least one pass, reporting its mean similarity. Means below the user
// floor are dropped. Near-threshold jitter averages out instead of
// flickering items in and out of the result.
func (e *Engine) stabilitySearch(ctx context.Context, query []float32, department string, topK, passes int) ([]Candidate, error) {
	passResults := make([][]Candidate, passes)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < passes; i++ {
		i := i
		g.Go(func() error {
			cands, err := e.escalate(gctx, query, department, topK)
			if err != nil {
				return err
			}
			passResults[i] = cands
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	type acc struct {
		sum  float64
		seen int
	}
	agg := make(map[string]*acc)
	for _, cands := range passResults {
		for _, c := range cands {
			a, ok := agg[c.ItemID]
			if !ok {
				a = &acc{}
				agg[c.ItemID] = a
			}
			a.sum += c.Similarity
			a.seen++
		}
	}

	merged := make([]Candidate, 0, len(agg))
	for itemID, a := range agg {
		mean := a.sum / float64(a.seen)
		if mean < e.userFloor {
			continue
		}
		merged = append(merged, Candidate{ItemID: itemID, Similarity: mean})
	}
	sortCandidates(merged)
	if len(merged) > topK {
		merged = merged[:topK]
	}
	return merged, nil
}

// enrich resolves candidates into full results. Items that vanished from
// the catalog between ranking and lookup are skipped.
func (e *Engine) enrich(ctx context.Context, cands []Candidate) ([]Result, error) {
	results := make([]Result, 0, len(cands))
	for _, c := range cands {
		p, err := e.store.Get(ctx, c.ItemID)
		if err != nil {
			if errors.GetCode(err) == errors.ErrCodeItemNotFound {
				e.logger.Debug("result_item_vanished", slog.String("item_id", c.ItemID))
				continue
			}
			return nil, err
		}
		results = append(results, Result{
			ItemID:     p.ItemID,
			Picture:    p.Picture,
			URL:        p.URL,
			Name:       p.Name,
			Department: p.Department,
			Similarity: c.Similarity,
		})
	}
	return results, nil
}

func sortResults(results []Result) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].ItemID < results[j].ItemID
	})
}
