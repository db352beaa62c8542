// Package search runs the three-tier retrieval cascade.
//
// L1 consults the in-process index, L2 the durable keyword search, L3 the
// vector search. Each tier only runs when the previous one left the result
// set too thin, so the common case never touches the database. Results are
// deduplicated, ranked, trimmed to a token budget, expanded one hop along
// the link graph and annotated with staleness before they are returned.
package search

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/papercomputeco/recall/pkg/embeddings"
	"github.com/papercomputeco/recall/pkg/fragment"
	"github.com/papercomputeco/recall/pkg/index"
	"github.com/papercomputeco/recall/pkg/store"
)

const (
	// DefaultMinResults is the cascade cutoff. A tier with at least this
	// many hits stops the cascade.
	DefaultMinResults = 3

	// DefaultL2Limit caps durable keyword search results.
	DefaultL2Limit = 30

	// DefaultL3Limit caps semantic search results.
	DefaultL3Limit = 10

	// DefaultL3MinSim is the cosine floor for semantic matches.
	DefaultL3MinSim = 0.3

	// DefaultTokenBudget bounds the returned set when the caller does not
	// supply a budget.
	DefaultTokenBudget = 1000

	// DefaultLinkLimit caps one-hop link expansion.
	DefaultLinkLimit = 10

	// DefaultRecentFallback is how many recent fragments L1 returns when
	// the caller supplied no filter at all.
	DefaultRecentFallback = 20
)

// defaultLinkRelations is the relation whitelist applied when the caller
// does not name one.
var defaultLinkRelations = map[fragment.RelationType]bool{
	fragment.RelationCausedBy:   true,
	fragment.RelationResolvedBy: true,
	fragment.RelationRelated:    true,
}

// Config tunes the cascade and ranking.
type Config struct {
	MinResults  int
	L2Limit     int
	L3Limit     int
	L3MinSim    float64
	TokenBudget int
	LinkLimit   int

	// Ranking holds the composite-score parameters.
	Ranking RankConfig

	// Stale holds the per-type verification windows.
	Stale StaleConfig
}

func (c Config) withDefaults() Config {
	if c.MinResults <= 0 {
		c.MinResults = DefaultMinResults
	}
	if c.L2Limit <= 0 {
		c.L2Limit = DefaultL2Limit
	}
	if c.L3Limit <= 0 {
		c.L3Limit = DefaultL3Limit
	}
	if c.L3MinSim <= 0 {
		c.L3MinSim = DefaultL3MinSim
	}
	if c.TokenBudget <= 0 {
		c.TokenBudget = DefaultTokenBudget
	}
	if c.LinkLimit <= 0 {
		c.LinkLimit = DefaultLinkLimit
	}
	c.Ranking = c.Ranking.withDefaults()
	c.Stale = c.Stale.withDefaults()
	return c
}

// Options describes a single retrieval request.
type Options struct {
	// Text is the free-text query used at L3. Empty disables L3.
	Text string

	// Keywords, Topic and Type are the L1/L2 filters.
	Keywords []string
	Topic    string
	Type     fragment.Type

	// MinImportance cannot be expressed at L1 and forces L2.
	MinImportance float64

	// Threshold, when set, drops fragments whose similarity is known and
	// below it. Fragments without a similarity score survive.
	Threshold *float64

	// TokenBudget overrides the configured budget when positive.
	TokenBudget int

	// IncludeLinks toggles one-hop expansion. Nil means true.
	IncludeLinks *bool

	// LinkRelation narrows expansion to a single relation type.
	LinkRelation *fragment.RelationType

	// AgentID scopes every store call.
	AgentID string
}

func (o Options) hasFilter() bool {
	return len(o.Keywords) > 0 || o.Topic != "" || o.Type != ""
}

// Scored is a fragment with its retrieval metadata.
type Scored struct {
	Fragment *fragment.Fragment `json:"fragment"`

	// Similarity is set only for L3 hits.
	Similarity *float64 `json:"similarity,omitempty"`

	// Linked marks fragments pulled in by link expansion.
	Linked bool `json:"linked,omitempty"`

	// Relation is the edge label for linked fragments.
	Relation fragment.RelationType `json:"relation,omitempty"`

	Stale                 bool   `json:"stale,omitempty"`
	StaleWarning          string `json:"warning,omitempty"`
	DaysSinceVerification int    `json:"days_since_verification,omitempty"`
}

// Result is the outcome of one cascade run.
type Result struct {
	Fragments   []*Scored
	TotalTokens int

	// SearchPath is a human-readable trace like "L1:3 → HotCache:1 → L2:2".
	SearchPath string

	Count int
}

// Searcher orchestrates the cascade over the injected collaborators.
type Searcher struct {
	store    store.Driver
	index    *index.Index
	embedder embeddings.Embedder
	config   Config
	logger   *zap.Logger
	now      func() time.Time
}

// NewSearcher returns a Searcher. embedder may be nil, which disables L3.
func NewSearcher(st store.Driver, ix *index.Index, embedder embeddings.Embedder, cfg Config, logger *zap.Logger) *Searcher {
	return &Searcher{
		store:    st,
		index:    ix,
		embedder: embedder,
		config:   cfg.withDefaults(),
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock overrides the time source. Used in tests.
func (s *Searcher) WithClock(now func() time.Time) *Searcher {
	s.now = now
	return s
}

// Search runs the full cascade and post-processing for opts.
func (s *Searcher) Search(ctx context.Context, opts Options) (*Result, error) {
	var path []string
	acc := newCandidates()

	// L1: candidate ids from the in-process index.
	l1IDs := s.l1(opts)
	if len(l1IDs) > 0 {
		path = append(path, fmt.Sprintf("L1:%d", len(l1IDs)))
	}

	// Materialise L1 hits, preferring the hot cache.
	var missing []string
	hot := 0
	for _, id := range l1IDs {
		if f := s.index.CachedFragment(id); f != nil {
			acc.add(f, nil)
			hot++
			continue
		}
		missing = append(missing, id)
	}
	if hot > 0 {
		path = append(path, fmt.Sprintf("HotCache:%d", hot))
	}
	if len(missing) > 0 {
		fetched, err := s.store.GetByIDs(ctx, missing, opts.AgentID)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch index hits: %w", err)
		}
		for _, f := range fetched {
			acc.add(f, nil)
		}
	}

	// L2: durable keyword search when L1 came up short or the caller asked
	// for a filter the index cannot express.
	if len(l1IDs) < s.config.MinResults || opts.MinImportance > 0 {
		found, err := s.store.SearchByKeywords(ctx, opts.AgentID, store.KeywordQuery{
			Keywords:      opts.Keywords,
			Topic:         opts.Topic,
			Type:          opts.Type,
			MinImportance: opts.MinImportance,
			Limit:         s.config.L2Limit,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to search keywords: %w", err)
		}
		added := 0
		for _, f := range found {
			if acc.add(f, nil) {
				added++
			}
		}
		if added > 0 {
			path = append(path, fmt.Sprintf("L2:%d", added))
		}
	}

	// L3: semantic search when still thin and a text query is available.
	if acc.len() < s.config.MinResults && opts.Text != "" && s.embedder != nil {
		added, err := s.l3(ctx, opts, acc)
		if err != nil {
			s.logger.Debug("semantic tier skipped", zap.Error(err))
		} else if added > 0 {
			path = append(path, fmt.Sprintf("L3:%d", added))
		}
	}

	ranked := acc.list()
	s.rank(ctx, opts.AgentID, ranked)

	// Token budget trim.
	budget := opts.TokenBudget
	if budget <= 0 {
		budget = s.config.TokenBudget
	}
	results, total := trimToBudget(ranked, budget)

	// One-hop link expansion. Linked fragments only claim whatever budget
	// the primaries left over; a neighbour that does not fit is dropped, a
	// primary is never evicted for one.
	if (opts.IncludeLinks == nil || *opts.IncludeLinks) && len(results) > 0 {
		expanded, err := s.expandLinks(ctx, opts, results)
		if err != nil {
			s.logger.Debug("link expansion skipped", zap.Error(err))
		} else {
			admitted := 0
			for _, sc := range expanded {
				if total+sc.Fragment.EstimatedTokens > budget {
					continue
				}
				results = append(results, sc)
				total += sc.Fragment.EstimatedTokens
				admitted++
			}
			// Re-rank so primaries and linked fragments compete on the
			// same scale.
			if admitted > 0 {
				s.rank(ctx, opts.AgentID, results)
			}
		}
	}

	s.annotateStale(results)
	results = applyThreshold(results, opts.Threshold)

	// Access bookkeeping is best effort and off the request path.
	s.touchAsync(opts.AgentID, results)

	return &Result{
		Fragments:   results,
		TotalTokens: total,
		SearchPath:  strings.Join(path, " → "),
		Count:       len(results),
	}, nil
}

// l1 builds the candidate id set from the in-process index.
func (s *Searcher) l1(opts Options) []string {
	if s.index == nil {
		return nil
	}
	if !opts.hasFilter() {
		return s.index.Recent(DefaultRecentFallback)
	}

	var sets [][]string
	if len(opts.Keywords) > 0 {
		sets = append(sets, s.index.SearchByKeywords(opts.Keywords, s.config.MinResults))
	}
	if opts.Topic != "" {
		sets = append(sets, s.index.ByTopic(opts.Topic))
	}
	if opts.Type != "" {
		sets = append(sets, s.index.ByType(opts.Type))
	}

	out := sets[0]
	for _, next := range sets[1:] {
		out = intersectIDs(out, next)
	}
	return out
}

// l3 embeds the query text and adds semantic matches to acc. Returns the
// number of newly added candidates.
func (s *Searcher) l3(ctx context.Context, opts Options, acc *candidates) (int, error) {
	query := embeddings.Prepare(opts.Text)
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to embed query: %w", err)
	}
	matches, err := s.store.SearchBySemantic(ctx, opts.AgentID, vec, s.config.L3Limit, s.config.L3MinSim)
	if err != nil {
		return 0, fmt.Errorf("failed to search semantically: %w", err)
	}
	added := 0
	for _, m := range matches {
		sim := m.Similarity
		if acc.add(m.Fragment, &sim) {
			added++
		}
	}
	return added, nil
}

// expandLinks fetches one-hop neighbours of the current results.
func (s *Searcher) expandLinks(ctx context.Context, opts Options, results []*Scored) ([]*Scored, error) {
	seen := make(map[string]bool, len(results))
	ids := make([]string, 0, len(results))
	for _, sc := range results {
		seen[sc.Fragment.ID] = true
		ids = append(ids, sc.Fragment.ID)
	}

	var filter *fragment.RelationType
	if opts.LinkRelation != nil {
		if !opts.LinkRelation.Valid() {
			return nil, fmt.Errorf("unknown relation type %q", *opts.LinkRelation)
		}
		filter = opts.LinkRelation
	}

	linked, err := s.store.GetLinkedFragments(ctx, ids, filter, s.config.LinkLimit, opts.AgentID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch linked fragments: %w", err)
	}

	var out []*Scored
	for _, lf := range linked {
		if seen[lf.Fragment.ID] {
			continue
		}
		if filter == nil && !defaultLinkRelations[lf.Relation] {
			continue
		}
		seen[lf.Fragment.ID] = true
		out = append(out, &Scored{Fragment: lf.Fragment, Linked: true, Relation: lf.Relation})
	}
	return out, nil
}

// touchAsync bumps access counters and repopulates the hot cache off the
// request path.
func (s *Searcher) touchAsync(agentID string, results []*Scored) {
	if len(results) == 0 {
		return
	}
	frags := make([]*fragment.Fragment, len(results))
	ids := make([]string, len(results))
	for i, sc := range results {
		frags[i] = sc.Fragment
		ids[i] = sc.Fragment.ID
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.store.IncrementAccess(ctx, ids, agentID); err != nil {
			s.logger.Debug("failed to bump access counters", zap.Error(err))
		}
		if s.index != nil {
			for _, f := range frags {
				s.index.CacheFragment(f)
			}
		}
	}()
}

// candidates accumulates fragments in insertion order, deduplicating by id
// and keeping the higher similarity for repeats.
type candidates struct {
	order []*Scored
	byID  map[string]*Scored
}

func newCandidates() *candidates {
	return &candidates{byID: make(map[string]*Scored)}
}

// add returns true when f was not already present.
func (c *candidates) add(f *fragment.Fragment, sim *float64) bool {
	if existing, ok := c.byID[f.ID]; ok {
		if sim != nil && (existing.Similarity == nil || *sim > *existing.Similarity) {
			existing.Similarity = sim
		}
		return false
	}
	sc := &Scored{Fragment: f, Similarity: sim}
	c.byID[f.ID] = sc
	c.order = append(c.order, sc)
	return true
}

func (c *candidates) len() int { return len(c.order) }

func (c *candidates) list() []*Scored {
	out := make([]*Scored, len(c.order))
	copy(out, c.order)
	return out
}

func intersectIDs(a, b []string) []string {
	set := make(map[string]bool, len(b))
	for _, id := range b {
		set[id] = true
	}
	var out []string
	for _, id := range a {
		if set[id] {
			out = append(out, id)
		}
	}
	return out
}
