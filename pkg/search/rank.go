package search

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/papercomputeco/recall/pkg/fragment"
)

const (
	// DefaultImportanceWeight and DefaultRecencyWeight form the composite
	// score. They must sum to 1.
	DefaultImportanceWeight = 0.6
	DefaultRecencyWeight    = 0.4

	// DefaultRecencyWindowDays is the linear recency horizon. A fragment
	// older than this contributes zero recency.
	DefaultRecencyWindowDays = 90

	// DefaultActivationThreshold is the store size at which composite
	// ranking replaces the plain importance sort.
	DefaultActivationThreshold = 100
)

// RankConfig tunes the composite score.
type RankConfig struct {
	ImportanceWeight    float64
	RecencyWeight       float64
	RecencyWindowDays   float64
	ActivationThreshold int
}

func (c RankConfig) withDefaults() RankConfig {
	if c.ImportanceWeight <= 0 && c.RecencyWeight <= 0 {
		c.ImportanceWeight = DefaultImportanceWeight
		c.RecencyWeight = DefaultRecencyWeight
	}
	if c.RecencyWindowDays <= 0 {
		c.RecencyWindowDays = DefaultRecencyWindowDays
	}
	if c.ActivationThreshold <= 0 {
		c.ActivationThreshold = DefaultActivationThreshold
	}
	return c
}

// StaleConfig holds the per-type verification windows in days.
type StaleConfig struct {
	ProcedureDays int
	FactDays      int
	DecisionDays  int
	DefaultDays   int
}

func (c StaleConfig) withDefaults() StaleConfig {
	if c.ProcedureDays <= 0 {
		c.ProcedureDays = 30
	}
	if c.FactDays <= 0 {
		c.FactDays = 60
	}
	if c.DecisionDays <= 0 {
		c.DecisionDays = 90
	}
	if c.DefaultDays <= 0 {
		c.DefaultDays = 60
	}
	return c
}

func (c StaleConfig) daysFor(typ fragment.Type) int {
	switch typ {
	case fragment.TypeProcedure:
		return c.ProcedureDays
	case fragment.TypeFact:
		return c.FactDays
	case fragment.TypeDecision:
		return c.DecisionDays
	default:
		return c.DefaultDays
	}
}

// rank sorts results in place. Below the activation threshold a plain
// importance sort applies; at or above it the composite score blends
// importance with linear recency.
func (s *Searcher) rank(ctx context.Context, agentID string, results []*Scored) {
	total, err := s.store.Count(ctx, agentID)
	if err != nil {
		s.logger.Debug("failed to count fragments for ranking", zap.Error(err))
		total = 0
	}

	if total < s.config.Ranking.ActivationThreshold {
		sort.SliceStable(results, func(i, j int) bool {
			return results[i].Fragment.Importance > results[j].Fragment.Importance
		})
		return
	}

	now := s.now()
	sort.SliceStable(results, func(i, j int) bool {
		return s.compositeScore(results[i].Fragment, now) > s.compositeScore(results[j].Fragment, now)
	})
}

func (s *Searcher) compositeScore(f *fragment.Fragment, now time.Time) float64 {
	ageDays := now.Sub(f.CreatedAt).Hours() / 24
	recency := 1 - ageDays/s.config.Ranking.RecencyWindowDays
	if recency < 0 {
		recency = 0
	}
	return s.config.Ranking.ImportanceWeight*f.Importance + s.config.Ranking.RecencyWeight*recency
}

// trimToBudget keeps fragments in rank order until the next one would
// exceed the token budget.
func trimToBudget(results []*Scored, budget int) ([]*Scored, int) {
	var out []*Scored
	total := 0
	for _, sc := range results {
		if total+sc.Fragment.EstimatedTokens > budget {
			break
		}
		out = append(out, sc)
		total += sc.Fragment.EstimatedTokens
	}
	return out, total
}

// annotateStale marks fragments whose last verification is older than the
// per-type window.
func (s *Searcher) annotateStale(results []*Scored) {
	now := s.now()
	for _, sc := range results {
		verified := sc.Fragment.VerifiedAt
		if verified.IsZero() {
			verified = sc.Fragment.CreatedAt
		}
		days := int(now.Sub(verified).Hours() / 24)
		window := s.config.Stale.daysFor(sc.Fragment.Type)
		if days > window {
			sc.Stale = true
			sc.DaysSinceVerification = days
			sc.StaleWarning = fmt.Sprintf("not verified for %d days, expected every %d", days, window)
		}
	}
}

// applyThreshold drops fragments whose similarity is known and below the
// threshold. Fragments without a similarity score are preserved.
func applyThreshold(results []*Scored, threshold *float64) []*Scored {
	if threshold == nil {
		return results
	}
	out := results[:0]
	for _, sc := range results {
		if sc.Similarity != nil && *sc.Similarity < *threshold {
			continue
		}
		out = append(out, sc)
	}
	return out
}
