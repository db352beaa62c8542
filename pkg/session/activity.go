// Package session tracks per-session activity and turns it into memory on
// session close.
//
// Activity is a rolling in-process document per session: which tools ran,
// which keywords and fragments came up, and whether the session has been
// reflected into long-term memory yet. AutoReflect consumes it when a
// session closes, expires or the server shuts down.
package session

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultTTL is how long an idle session document survives.
	DefaultTTL = 24 * time.Hour

	// MaxKeywords bounds the rolling keyword list per session.
	MaxKeywords = 50

	// MaxFragments bounds the rolling fragment list per session.
	MaxFragments = 100
)

// Config tunes the activity tracker.
type Config struct {
	// TTL is the idle lifetime of a session document. Defaults to
	// DefaultTTL.
	TTL time.Duration
}

// Record is the rolling activity document for one session.
type Record struct {
	SessionID    string
	AgentID      string
	StartedAt    time.Time
	LastActivity time.Time
	ToolCalls    map[string]int
	Keywords     []string
	Fragments    []string
	Reflected    bool
}

// Duration is the session span from first to last activity.
func (r *Record) Duration() time.Duration {
	return r.LastActivity.Sub(r.StartedAt)
}

// ToolSummary renders the call counts as "tool:count" pairs, sorted by
// tool name.
func (r *Record) ToolSummary() string {
	names := make([]string, 0, len(r.ToolCalls))
	for name := range r.ToolCalls {
		names = append(names, name)
	}
	sort.Strings(names)

	out := ""
	for i, name := range names {
		if i > 0 {
			out += ", "
		}
		out += name + ":" + itoa(r.ToolCalls[name])
	}
	return out
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func (r *Record) clone() *Record {
	out := *r
	out.ToolCalls = make(map[string]int, len(r.ToolCalls))
	for k, v := range r.ToolCalls {
		out.ToolCalls[k] = v
	}
	out.Keywords = append([]string(nil), r.Keywords...)
	out.Fragments = append([]string(nil), r.Fragments...)
	return &out
}

type trackedRecord struct {
	record  *Record
	expires time.Time
}

// Activity tracks rolling per-session documents with a TTL.
type Activity struct {
	ttl    time.Duration
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]*trackedRecord
	now      func() time.Time
}

// NewActivity returns an empty tracker.
func NewActivity(cfg Config, logger *zap.Logger) *Activity {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	return &Activity{
		ttl:      cfg.TTL,
		logger:   logger,
		sessions: make(map[string]*trackedRecord),
		now:      time.Now,
	}
}

// WithClock overrides the time source. Used in tests.
func (a *Activity) WithClock(now func() time.Time) *Activity {
	a.now = now
	return a
}

// touchLocked returns the live record for sessionID, creating or reviving
// it as needed, and refreshes its TTL.
func (a *Activity) touchLocked(sessionID, agentID string) *Record {
	now := a.now()
	tr, ok := a.sessions[sessionID]
	if !ok || now.After(tr.expires) {
		tr = &trackedRecord{record: &Record{
			SessionID: sessionID,
			AgentID:   agentID,
			StartedAt: now,
			ToolCalls: make(map[string]int),
		}}
		a.sessions[sessionID] = tr
	}
	if agentID != "" {
		tr.record.AgentID = agentID
	}
	tr.record.LastActivity = now
	tr.expires = now.Add(a.ttl)
	return tr.record
}

// RecordToolCall bumps the per-tool counter for the session.
func (a *Activity) RecordToolCall(sessionID, agentID, tool string) {
	if sessionID == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	r := a.touchLocked(sessionID, agentID)
	r.ToolCalls[tool]++
}

// RecordKeywords appends unique keywords, keeping the most recent
// MaxKeywords.
func (a *Activity) RecordKeywords(sessionID string, keywords []string) {
	if sessionID == "" || len(keywords) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	r := a.touchLocked(sessionID, "")
	r.Keywords = appendBounded(r.Keywords, keywords, MaxKeywords)
}

// RecordFragment appends a unique fragment id, keeping the most recent
// MaxFragments.
func (a *Activity) RecordFragment(sessionID, fragmentID string) {
	if sessionID == "" || fragmentID == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	r := a.touchLocked(sessionID, "")
	r.Fragments = appendBounded(r.Fragments, []string{fragmentID}, MaxFragments)
}

// Get returns a copy of the session document, or nil when unknown or
// expired.
func (a *Activity) Get(sessionID string) *Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	tr, ok := a.sessions[sessionID]
	if !ok {
		return nil
	}
	if a.now().After(tr.expires) {
		delete(a.sessions, sessionID)
		return nil
	}
	return tr.record.clone()
}

// MarkReflected flags the session as reflected without refreshing its TTL.
func (a *Activity) MarkReflected(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if tr, ok := a.sessions[sessionID]; ok {
		tr.record.Reflected = true
	}
}

// Unreflected returns up to n live session ids that have activity but have
// not been reflected yet.
func (a *Activity) Unreflected(n int) []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	var out []string
	for id, tr := range a.sessions {
		if now.After(tr.expires) {
			delete(a.sessions, id)
			continue
		}
		if tr.record.Reflected || len(tr.record.ToolCalls) == 0 {
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// appendBounded appends items not already present and trims the front so
// at most max entries remain.
func appendBounded(list, items []string, max int) []string {
	present := make(map[string]bool, len(list))
	for _, v := range list {
		present[v] = true
	}
	for _, v := range items {
		if v == "" || present[v] {
			continue
		}
		present[v] = true
		list = append(list, v)
	}
	if len(list) > max {
		list = list[len(list)-max:]
	}
	return list
}
