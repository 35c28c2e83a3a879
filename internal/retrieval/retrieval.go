// Package retrieval implements hybrid search over a site's content corpus.
// Strategies (vector, fulltext, structured) run in parallel and their ranked
// lists are fused with reciprocal rank fusion; slow strategies are dropped at
// a soft deadline so one stalled backend cannot hold up an answer.
package retrieval

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voxwire/voxwire/pkg/types"
)

// Strategy names.
const (
	StrategyVector     = "vector"
	StrategyFulltext   = "fulltext"
	StrategyStructured = "structured"
)

// SnippetLimit caps the relevant-snippet length in characters.
const SnippetLimit = 200

// Query is one retrieval request.
type Query struct {
	Principal types.Principal
	Query     string
	TopK      int
	Locale    string

	// Strategies restricts which searchers run. Empty means all registered.
	Strategies []string

	// Filters constrain the structured strategy (field → exact value).
	Filters map[string]string
}

// Item is one fused result.
type Item struct {
	ID       string
	Content  string
	URL      string
	Title    string
	Score    float64
	Snippet  string
	Metadata map[string]string
}

// StrategyReport describes which strategies contributed to a result.
type StrategyReport struct {
	Requested []string
	Executed  []string
	TimedOut  []string
}

// FusionReport carries fusion statistics for analytics.
type FusionReport struct {
	// CombinedCount is the number of distinct items across all lists before
	// consensus filtering.
	CombinedCount int
}

// Result is the fused outcome of one search.
type Result struct {
	Items      []Item
	Strategies StrategyReport
	Fusion     FusionReport
	CacheHit   bool

	// TopScore is the top item's fused score normalized to [0, 1]: 1.0
	// means every executed strategy ranked it first. Zero when empty.
	TopScore float64
}

// Searcher is one retrieval strategy.
type Searcher interface {
	Name() string
	Search(ctx context.Context, q Query) ([]Item, error)
}

// Options configure a [Client].
type Options struct {
	Searchers []Searcher
	Log       *slog.Logger

	// SoftTimeout is how long Search waits for stragglers before fusing a
	// partial result. Default 500ms.
	SoftTimeout time.Duration
	// HardTimeout bounds the whole call. Default 1s.
	HardTimeout time.Duration
	// RRFK is the rank offset in 1/(k+rank). Default 60.
	RRFK int
	// MinConsensus is how many strategy lists an item must appear in,
	// clamped to the number of strategies that executed. Default 2.
	MinConsensus int
	// CacheTTL enables the stale-while-revalidate cache when positive.
	CacheTTL time.Duration
	// CacheSize caps cached entries. Default 256.
	CacheSize int
}

// Client fans a query out to its searchers and fuses the ranked lists.
type Client struct {
	searchers map[string]Searcher
	order     []string
	log       *slog.Logger

	soft         time.Duration
	hard         time.Duration
	rrfK         int
	minConsensus int

	cache *swrCache
}

// NewClient creates a client over the given searchers.
func NewClient(opts Options) *Client {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.SoftTimeout <= 0 {
		opts.SoftTimeout = 500 * time.Millisecond
	}
	if opts.HardTimeout <= 0 {
		opts.HardTimeout = time.Second
	}
	if opts.RRFK <= 0 {
		opts.RRFK = 60
	}
	if opts.MinConsensus <= 0 {
		opts.MinConsensus = 2
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 256
	}

	c := &Client{
		searchers:    make(map[string]Searcher, len(opts.Searchers)),
		log:          opts.Log.With("component", "retrieval"),
		soft:         opts.SoftTimeout,
		hard:         opts.HardTimeout,
		rrfK:         opts.RRFK,
		minConsensus: opts.MinConsensus,
	}
	for _, s := range opts.Searchers {
		if _, ok := c.searchers[s.Name()]; !ok {
			c.order = append(c.order, s.Name())
		}
		c.searchers[s.Name()] = s
	}
	if opts.CacheTTL > 0 {
		c.cache = newSWRCache(opts.CacheTTL, opts.CacheSize)
	}
	return c
}

// Search runs the requested strategies and fuses their results.
//
// Strategies still running at the soft deadline are reported in TimedOut and
// excluded from fusion; the hard deadline cancels them outright. A cached
// result within its TTL is returned immediately; a stale one is returned
// immediately while a single background refresh repopulates the entry.
func (c *Client) Search(ctx context.Context, q Query) (Result, error) {
	if q.TopK <= 0 {
		q.TopK = 5
	}

	var key string
	if c.cache != nil {
		key = cacheKey(q)
		if res, fresh, ok := c.cache.get(key); ok {
			res.CacheHit = true
			if !fresh {
				c.revalidate(key, q)
			}
			return res, nil
		}
	}

	res, err := c.search(ctx, q)
	if err != nil {
		return Result{}, err
	}
	if c.cache != nil {
		c.cache.put(key, res)
	}
	return res, nil
}

// revalidate refreshes one cache entry in the background. Only one refresh
// per key runs at a time.
func (c *Client) revalidate(key string, q Query) {
	if !c.cache.beginRefresh(key) {
		return
	}
	go func() {
		defer c.cache.endRefresh(key)

		ctx, cancel := context.WithTimeout(context.Background(), c.hard)
		defer cancel()
		res, err := c.search(ctx, q)
		if err != nil {
			c.log.Warn("cache revalidation failed", "err", err)
			return
		}
		c.cache.put(key, res)
	}()
}

// strategyResult is one searcher's outcome.
type strategyResult struct {
	name  string
	items []Item
	err   error
}

func (c *Client) search(ctx context.Context, q Query) (Result, error) {
	names := q.Strategies
	if len(names) == 0 {
		names = c.order
	}

	var run []string
	for _, name := range names {
		if _, ok := c.searchers[name]; ok {
			run = append(run, name)
		}
	}
	res := Result{Strategies: StrategyReport{Requested: names}}
	if len(run) == 0 {
		return res, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.hard)
	defer cancel()

	results := make(chan strategyResult, len(run))
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range run {
		searcher := c.searchers[name]
		g.Go(func() error {
			items, err := searcher.Search(gctx, q)
			results <- strategyResult{name: searcher.Name(), items: items, err: err}
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(results)
	}()

	// Collect until every strategy reported or the soft deadline passed.
	lists := make(map[string][]Item, len(run))
	soft := time.NewTimer(c.soft)
	defer soft.Stop()

	done := make(map[string]bool, len(run))
collect:
	for len(done) < len(run) {
		select {
		case sr, ok := <-results:
			if !ok {
				break collect
			}
			done[sr.name] = true
			if sr.err != nil {
				c.log.Warn("retrieval strategy failed", "strategy", sr.name, "err", sr.err)
				continue
			}
			res.Strategies.Executed = append(res.Strategies.Executed, sr.name)
			lists[sr.name] = sr.items
		case <-soft.C:
			break collect
		case <-ctx.Done():
			break collect
		}
	}
	for _, name := range run {
		if !done[name] {
			res.Strategies.TimedOut = append(res.Strategies.TimedOut, name)
		}
	}
	sort.Strings(res.Strategies.Executed)
	sort.Strings(res.Strategies.TimedOut)

	consensus := c.minConsensus
	if n := len(res.Strategies.Executed); n > 0 && n < consensus {
		consensus = n
	}
	fused, combined := fuse(lists, c.rrfK, consensus)
	if len(fused) > q.TopK {
		fused = fused[:q.TopK]
	}
	for i := range fused {
		fused[i].Snippet = snippet(fused[i].Content, q.Query)
	}
	res.Items = fused
	res.Fusion = FusionReport{CombinedCount: combined}
	if n := len(res.Strategies.Executed); n > 0 && len(fused) > 0 {
		// A perfect score is rank 1 in every executed strategy.
		res.TopScore = fused[0].Score * float64(c.rrfK+1) / float64(n)
	}
	return res, nil
}
