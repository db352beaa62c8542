package fragment

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

// CreateParams are the caller-supplied inputs to Factory.Create.
type CreateParams struct {
	Content    string
	Topic      string
	Keywords   []string
	Type       Type
	Importance *float64
	Source     string
	AgentID    string
	LinkedTo   []string
	IsAnchor   bool
}

// Factory builds fragment records. It is stateless apart from the lazily
// initialised token counter; Create never touches storage.
type Factory struct {
	tokens *TokenCounter
	now    func() time.Time
}

// NewFactory creates a fragment factory.
func NewFactory(logger *zap.Logger) *Factory {
	return &Factory{
		tokens: NewTokenCounter(logger),
		now:    time.Now,
	}
}

// WithClock overrides the factory clock. Test hook.
func (f *Factory) WithClock(now func() time.Time) *Factory {
	f.now = now
	return f
}

// Create builds a fragment from params: redacts PII, truncates content,
// computes the content hash over the redacted truncated form, infers the TTL
// tier and extracts keywords when the caller omitted them.
func (f *Factory) Create(params CreateParams) (*Fragment, error) {
	if strings.TrimSpace(params.Content) == "" {
		return nil, ValidationError{Field: "content", Reason: "must not be empty"}
	}
	if !params.Type.Valid() {
		return nil, ValidationError{Field: "type", Reason: "unknown type " + string(params.Type)}
	}

	content := Truncate(Redact(params.Content))

	importance := params.Type.DefaultImportance()
	if params.Importance != nil {
		importance = clamp01(*params.Importance)
	}

	keywords := NormalizeKeywords(params.Keywords)
	if len(keywords) == 0 {
		keywords = ExtractKeywords(content)
	}

	agentID := params.AgentID
	if agentID == "" {
		agentID = SharedAgentID
	}

	now := f.now()

	return &Fragment{
		ID:              NewID(),
		Content:         content,
		Topic:           params.Topic,
		Keywords:        keywords,
		Type:            params.Type,
		Importance:      importance,
		ContentHash:     HashContent(content),
		Source:          params.Source,
		LinkedTo:        append([]string(nil), params.LinkedTo...),
		AgentID:         agentID,
		AccessedAt:      now,
		CreatedAt:       now,
		TTLTier:         InferTier(params.Type, importance),
		EstimatedTokens: f.tokens.Count(content),
		UtilityScore:    1.0,
		VerifiedAt:      now,
		IsAnchor:        params.IsAnchor,
	}, nil
}

// Split builds a chain of fragments from a longer text. Each piece is at
// most MaxContentLen runes and links to its predecessor in insertion order.
func (f *Factory) Split(text string, params CreateParams) ([]*Fragment, error) {
	pieces := splitText(text, MaxContentLen)
	if len(pieces) == 0 {
		return nil, ValidationError{Field: "content", Reason: "must not be empty"}
	}

	fragments := make([]*Fragment, 0, len(pieces))
	for _, piece := range pieces {
		p := params
		p.Content = piece
		if len(fragments) > 0 {
			p.LinkedTo = append(append([]string(nil), params.LinkedTo...), fragments[len(fragments)-1].ID)
		}
		frag, err := f.Create(p)
		if err != nil {
			return nil, err
		}
		fragments = append(fragments, frag)
	}
	return fragments, nil
}

// CountTokens exposes the factory's token counter.
func (f *Factory) CountTokens(text string) int {
	return f.tokens.Count(text)
}

// Truncate caps s at MaxContentLen runes, marking the cut with an ellipsis.
func Truncate(s string) string {
	if utf8.RuneCountInString(s) <= MaxContentLen {
		return s
	}
	runes := []rune(s)
	return string(runes[:MaxContentLen-3]) + "..."
}

// HashContent returns the 16-hex prefix of SHA-256 over the redacted,
// truncated content. Stable under re-creation.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])[:16]
}

// splitText cuts text into pieces of at most maxLen runes, preferring
// sentence boundaries, then word boundaries.
func splitText(text string, maxLen int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var pieces []string
	runes := []rune(text)
	for len(runes) > 0 {
		if len(runes) <= maxLen {
			pieces = append(pieces, strings.TrimSpace(string(runes)))
			break
		}

		cut := breakPoint(runes, maxLen)
		piece := strings.TrimSpace(string(runes[:cut]))
		if piece != "" {
			pieces = append(pieces, piece)
		}
		runes = runes[cut:]
		for len(runes) > 0 && runes[0] == ' ' {
			runes = runes[1:]
		}
	}
	return pieces
}

// breakPoint picks a cut index at or below maxLen, preferring sentence
// boundaries, then spaces, falling back to a hard cut.
func breakPoint(runes []rune, maxLen int) int {
	for i := maxLen - 1; i > maxLen/2; i-- {
		switch runes[i] {
		case '.', '!', '?', '\n':
			return i + 1
		}
	}
	for i := maxLen - 1; i > maxLen/2; i-- {
		if runes[i] == ' ' {
			return i
		}
	}
	return maxLen
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
