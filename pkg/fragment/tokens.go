package fragment

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// TokenCounter estimates token counts for fragment content. It uses the
// cl100k_base tokenizer when it can be initialised and degrades silently to
// a chars/4 approximation otherwise. The failure is logged once.
type TokenCounter struct {
	logger *zap.Logger

	once     sync.Once
	encoding *tiktoken.Tiktoken
}

// NewTokenCounter creates a token counter. Initialisation of the underlying
// tokenizer is deferred until first use.
func NewTokenCounter(logger *zap.Logger) *TokenCounter {
	return &TokenCounter{logger: logger}
}

// Count returns the estimated token count for text.
func (t *TokenCounter) Count(text string) int {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			t.logger.Warn("tokenizer init failed, using chars/4 approximation", zap.Error(err))
			return
		}
		t.encoding = enc
	})

	if t.encoding != nil {
		return len(t.encoding.Encode(text, nil, nil))
	}

	return approxTokens(text)
}

// approxTokens is the ceil(len/4) fallback used process-wide when the
// tokenizer is unavailable.
func approxTokens(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + 3) / 4
}
