package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/papercomputeco/recall/pkg/fragment"
	"github.com/papercomputeco/recall/pkg/search"
)

const (
	// coreBudgetShare and workingBudgetShare split the context budget
	// between core and working memory. They sum to 1.
	coreBudgetShare    = 0.65
	workingBudgetShare = 0.35

	// charsPerToken is the approximation used when sizing injection text.
	charsPerToken = 4

	// coreMinImportance filters the core memory recall.
	coreMinImportance = 0.3

	// hintSessionLimit caps the unreflected sessions named in the hint.
	hintSessionLimit = 5
)

// defaultContextTypes are the buckets core memory draws from.
var defaultContextTypes = []fragment.Type{
	fragment.TypePreference,
	fragment.TypeError,
	fragment.TypeProcedure,
}

// ContextParams describe one context-assembly request.
type ContextParams struct {
	TokenBudget int
	Types       []fragment.Type
	SessionID   string
	AgentID     string
}

// ContextResult is the assembled injection text plus its composition.
type ContextResult struct {
	InjectionText string `json:"injection_text"`
	CoreCount     int    `json:"core_count"`
	WorkingCount  int    `json:"working_count"`
}

// Context assembles the injection text for a fresh agent turn: core memory
// from the durable store, working memory from the session, and a hint when
// unreflected sessions exist.
func (m *Manager) Context(ctx context.Context, params ContextParams) (*ContextResult, error) {
	budget := params.TokenBudget
	if budget <= 0 {
		budget = m.config.ContextBudget
	}
	types := params.Types
	if len(types) == 0 {
		types = defaultContextTypes
	}

	coreChars := int(float64(budget) * coreBudgetShare * charsPerToken)
	workingChars := int(float64(budget) * workingBudgetShare * charsPerToken)

	core := m.loadCore(ctx, types, budget, coreChars, params.AgentID)

	var working []string
	if m.index != nil && params.SessionID != "" {
		used := 0
		for _, entry := range m.index.WorkingMemory(params.SessionID) {
			if used+len(entry.Content) > workingChars {
				break
			}
			working = append(working, entry.Content)
			used += len(entry.Content)
		}
	}

	var b strings.Builder
	if len(core) > 0 {
		b.WriteString("[CORE MEMORY]\n")
		for _, line := range core {
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	if len(working) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("[WORKING MEMORY]\n")
		for _, line := range working {
			b.WriteString("- ")
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	if m.activity != nil {
		if open := m.activity.Unreflected(hintSessionLimit); len(open) > 0 {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			fmt.Fprintf(&b, "[SYSTEM HINT]\nunreflected sessions: %s\n", strings.Join(open, ", "))
		}
	}

	if m.activity != nil && params.SessionID != "" {
		m.activity.RecordToolCall(params.SessionID, params.AgentID, "context")
	}

	return &ContextResult{
		InjectionText: b.String(),
		CoreCount:     len(core),
		WorkingCount:  len(working),
	}, nil
}

// loadCore recalls one bucket per type and packs lines into the character
// budget, guaranteeing the top fragment of every type a slot first.
func (m *Manager) loadCore(ctx context.Context, types []fragment.Type, tokenBudget, charBudget int, agentID string) []string {
	noLinks := false
	buckets := make([][]*search.Scored, 0, len(types))
	for _, typ := range types {
		res, err := m.searcher.Search(ctx, search.Options{
			Type:          typ,
			MinImportance: coreMinImportance,
			TokenBudget:   tokenBudget,
			IncludeLinks:  &noLinks,
			AgentID:       agentID,
		})
		if err != nil {
			m.logger.Debug("core memory bucket skipped", zap.String("type", string(typ)), zap.Error(err))
			continue
		}
		if len(res.Fragments) > 0 {
			buckets = append(buckets, res.Fragments)
		}
	}

	var lines []string
	used := 0
	add := func(sc *search.Scored) bool {
		line := fmt.Sprintf("- (%s) %s", sc.Fragment.Type, sc.Fragment.Content)
		if used+len(line) > charBudget {
			return false
		}
		lines = append(lines, line)
		used += len(line)
		return true
	}

	// Top-1 per type first.
	var rest []*search.Scored
	for _, bucket := range buckets {
		add(bucket[0])
		rest = append(rest, bucket[1:]...)
	}

	sort.SliceStable(rest, func(i, j int) bool {
		return rest[i].Fragment.Importance > rest[j].Fragment.Importance
	})
	for _, sc := range rest {
		if !add(sc) {
			break
		}
	}
	return lines
}
