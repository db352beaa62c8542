// Package index provides the in-process L1 layer: keyword, topic and type
// sets over fragment ids, recency ordering, a hot fragment cache, working
// memory, per-session fragment sets, and the background-work queues.
//
// The layer is best-effort. A disabled index turns every operation into a
// no-op and callers must not assume L1 success.
package index

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"go.uber.org/zap"

	"github.com/papercomputeco/recall/pkg/fragment"
)

const (
	// DefaultMaxSetSize caps a keyword set before pruning kicks in.
	DefaultMaxSetSize = 1000

	// DefaultWMMaxTokens is the working-memory token ceiling per session.
	DefaultWMMaxTokens = 500

	// DefaultSessionTTL bounds how long a session fragment set lives.
	DefaultSessionTTL = 24 * time.Hour

	// DefaultHotTTL bounds how long a materialised fragment stays hot.
	DefaultHotTTL = 2 * time.Hour
)

// Config holds configuration for the keyword index.
type Config struct {
	// Disabled turns every operation into a no-op.
	Disabled bool

	// WMMaxTokens is the working-memory token ceiling per session.
	// Defaults to DefaultWMMaxTokens.
	WMMaxTokens int

	// MaxSetSize caps keyword sets for Prune. Defaults to DefaultMaxSetSize.
	MaxSetSize int

	// SessionTTL is the session fragment set lifetime. Defaults to
	// DefaultSessionTTL.
	SessionTTL time.Duration

	// HotTTL is the hot cache entry lifetime. Defaults to DefaultHotTTL.
	HotTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.WMMaxTokens <= 0 {
		c.WMMaxTokens = DefaultWMMaxTokens
	}
	if c.MaxSetSize <= 0 {
		c.MaxSetSize = DefaultMaxSetSize
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = DefaultSessionTTL
	}
	if c.HotTTL <= 0 {
		c.HotTTL = DefaultHotTTL
	}
	return c
}

type recentEntry struct {
	id    string
	epoch int64
}

type sessionSet struct {
	ids     map[string]struct{}
	order   []string
	expires time.Time
}

// Index is the in-process keyword index. All methods are safe for
// concurrent use.
type Index struct {
	config Config
	logger *zap.Logger

	mu       sync.RWMutex
	keywords map[string]map[string]struct{}
	topics   map[string]map[string]struct{}
	types    map[string]map[string]struct{}
	recent   []recentEntry
	sessions map[string]*sessionSet
	wm       map[string][]WorkingMemoryEntry
	queues   map[string][][]byte

	hot *ristretto.Cache

	now func() time.Time
}

// New creates a keyword index. A disabled config yields an index whose
// every operation is a no-op.
func New(cfg Config, logger *zap.Logger) (*Index, error) {
	cfg = cfg.withDefaults()

	ix := &Index{
		config:   cfg,
		logger:   logger,
		keywords: make(map[string]map[string]struct{}),
		topics:   make(map[string]map[string]struct{}),
		types:    make(map[string]map[string]struct{}),
		sessions: make(map[string]*sessionSet),
		wm:       make(map[string][]WorkingMemoryEntry),
		queues:   make(map[string][][]byte),
		now:      time.Now,
	}

	if cfg.Disabled {
		return ix, nil
	}

	hot, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 100_000,
		MaxCost:     64 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	ix.hot = hot

	return ix, nil
}

// WithClock overrides the index clock. Used by tests.
func (ix *Index) WithClock(now func() time.Time) *Index {
	ix.now = now
	return ix
}

// Index adds the fragment to the keyword, topic, type and recency
// structures, materialises it in the hot cache, and records it against
// the session when one is given.
func (ix *Index) Index(f *fragment.Fragment, sessionID string) {
	if ix.config.Disabled || f == nil {
		return
	}

	ix.mu.Lock()
	for _, kw := range f.Keywords {
		addMember(ix.keywords, kw, f.ID)
	}
	if f.Topic != "" {
		addMember(ix.topics, f.Topic, f.ID)
	}
	addMember(ix.types, string(f.Type), f.ID)
	ix.recent = append(ix.recent, recentEntry{id: f.ID, epoch: ix.now().UnixNano()})
	if sessionID != "" {
		ix.addToSessionLocked(sessionID, f.ID)
	}
	ix.mu.Unlock()

	ix.CacheFragment(f)
}

// Deindex removes the fragment from every keyspace and the hot cache.
func (ix *Index) Deindex(id string, keywords []string, topic string, typ fragment.Type) {
	if ix.config.Disabled {
		return
	}

	ix.mu.Lock()
	for _, kw := range keywords {
		dropMember(ix.keywords, kw, id)
	}
	dropMember(ix.topics, topic, id)
	dropMember(ix.types, string(typ), id)
	for i, e := range ix.recent {
		if e.id == id {
			ix.recent = append(ix.recent[:i], ix.recent[i+1:]...)
			break
		}
	}
	ix.mu.Unlock()

	if ix.hot != nil {
		ix.hot.Del(id)
	}
}

// SearchByKeywords intersects the keyword sets. When the intersection has
// fewer than minResults members and at least two keywords were given, it
// falls back to the union.
func (ix *Index) SearchByKeywords(keywords []string, minResults int) []string {
	if ix.config.Disabled || len(keywords) == 0 {
		return nil
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	intersection := intersect(ix.keywords, keywords)
	if len(intersection) >= minResults || len(keywords) < 2 {
		return sortedIDs(intersection)
	}

	union := make(map[string]struct{})
	for _, kw := range keywords {
		for id := range ix.keywords[kw] {
			union[id] = struct{}{}
		}
	}
	return sortedIDs(union)
}

// ByTopic returns the topic set as-is.
func (ix *Index) ByTopic(topic string) []string {
	if ix.config.Disabled {
		return nil
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return sortedIDs(ix.topics[topic])
}

// ByType returns the type set as-is.
func (ix *Index) ByType(typ fragment.Type) []string {
	if ix.config.Disabled {
		return nil
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return sortedIDs(ix.types[string(typ)])
}

// Recent returns up to n fragment ids in newest-first order.
func (ix *Index) Recent(n int) []string {
	if ix.config.Disabled || n <= 0 {
		return nil
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	ids := make([]string, 0, n)
	for i := len(ix.recent) - 1; i >= 0 && len(ids) < n; i-- {
		ids = append(ids, ix.recent[i].id)
	}
	return ids
}

// CacheFragment materialises the fragment body in the hot cache.
func (ix *Index) CacheFragment(f *fragment.Fragment) {
	if ix.config.Disabled || ix.hot == nil || f == nil {
		return
	}
	cost := int64(len(f.Content))
	if cost == 0 {
		cost = 1
	}
	ix.hot.SetWithTTL(f.ID, f.Clone(), cost, ix.config.HotTTL)
}

// CachedFragment returns the hot copy of a fragment, or nil on a miss.
func (ix *Index) CachedFragment(id string) *fragment.Fragment {
	if ix.config.Disabled || ix.hot == nil {
		return nil
	}
	v, ok := ix.hot.Get(id)
	if !ok {
		return nil
	}
	f, ok := v.(*fragment.Fragment)
	if !ok {
		return nil
	}
	return f.Clone()
}

// SessionFragments returns the ids recorded for the session in emission
// order. An expired session returns nothing.
func (ix *Index) SessionFragments(sessionID string) []string {
	if ix.config.Disabled {
		return nil
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()

	s := ix.sessions[sessionID]
	if s == nil {
		return nil
	}
	if ix.now().After(s.expires) {
		delete(ix.sessions, sessionID)
		return nil
	}
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Prune scans every keyword set and removes a random sample of members
// from any set exceeding maxSetSize. Returns the number of removals.
func (ix *Index) Prune(maxSetSize int) int {
	if ix.config.Disabled {
		return 0
	}
	if maxSetSize <= 0 {
		maxSetSize = ix.config.MaxSetSize
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	removed := 0
	for kw, set := range ix.keywords {
		excess := len(set) - maxSetSize
		if excess <= 0 {
			continue
		}
		members := make([]string, 0, len(set))
		for id := range set {
			members = append(members, id)
		}
		rand.Shuffle(len(members), func(i, j int) {
			members[i], members[j] = members[j], members[i]
		})
		for _, id := range members[:excess] {
			delete(set, id)
			removed++
		}
		ix.logger.Debug("pruned keyword set",
			zap.String("keyword", kw),
			zap.Int("removed", excess),
		)
	}
	return removed
}

// Close releases the hot cache.
func (ix *Index) Close() {
	if ix.hot != nil {
		ix.hot.Close()
	}
}

func (ix *Index) addToSessionLocked(sessionID, id string) {
	s := ix.sessions[sessionID]
	if s == nil || ix.now().After(s.expires) {
		s = &sessionSet{ids: make(map[string]struct{})}
		ix.sessions[sessionID] = s
	}
	s.expires = ix.now().Add(ix.config.SessionTTL)
	if _, ok := s.ids[id]; ok {
		return
	}
	s.ids[id] = struct{}{}
	s.order = append(s.order, id)
}

func addMember(keyspace map[string]map[string]struct{}, key, id string) {
	if key == "" {
		return
	}
	set := keyspace[key]
	if set == nil {
		set = make(map[string]struct{})
		keyspace[key] = set
	}
	set[id] = struct{}{}
}

func dropMember(keyspace map[string]map[string]struct{}, key, id string) {
	set := keyspace[key]
	if set == nil {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(keyspace, key)
	}
}

func intersect(keyspace map[string]map[string]struct{}, keywords []string) map[string]struct{} {
	var out map[string]struct{}
	for _, kw := range keywords {
		set := keyspace[kw]
		if len(set) == 0 {
			return nil
		}
		if out == nil {
			out = make(map[string]struct{}, len(set))
			for id := range set {
				out[id] = struct{}{}
			}
			continue
		}
		for id := range out {
			if _, ok := set[id]; !ok {
				delete(out, id)
			}
		}
		if len(out) == 0 {
			return nil
		}
	}
	return out
}

func sortedIDs(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
