package fragment

import (
	"regexp"
	"sort"
	"strings"
)

const maxKeywords = 5

// wordPattern matches runs of letters and digits in any script, Hangul
// included. Everything else is a separator.
var wordPattern = regexp.MustCompile(`[\p{L}\p{N}]+`)

// stopwords is the fixed bilingual (English + Korean) stopword set removed
// before term-frequency ranking.
var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "are": true, "was": true,
	"were": true, "be": true, "been": true, "being": true, "to": true,
	"of": true, "in": true, "on": true, "at": true, "for": true, "with": true,
	"and": true, "or": true, "but": true, "not": true, "this": true,
	"that": true, "these": true, "those": true, "it": true, "its": true,
	"as": true, "by": true, "from": true, "has": true, "have": true,
	"had": true, "do": true, "does": true, "did": true, "will": true,
	"would": true, "can": true, "could": true, "should": true, "use": true,
	"using": true, "when": true, "where": true, "how": true, "what": true,
	"which": true, "who": true, "you": true, "your": true, "we": true,
	"our": true, "they": true, "their": true, "there": true, "here": true,
	"if": true, "then": true, "than": true, "so": true, "no": true,
	"yes": true, "all": true, "any": true, "each": true, "into": true,
	"about": true, "after": true, "before": true, "over": true, "under": true,
	"은": true, "는": true, "이": true, "가": true, "을": true, "를": true,
	"의": true, "에": true, "에서": true, "으로": true, "로": true, "와": true,
	"과": true, "도": true, "만": true, "하다": true, "있다": true, "없다": true,
	"되다": true, "그리고": true, "그러나": true, "하지만": true, "또한": true,
	"및": true, "등": true, "수": true, "것": true, "때": true, "더": true,
}

// ExtractKeywords lowercases text, splits on non-word boundaries, drops
// stopwords and single characters, and returns the top-five terms by
// frequency. Ties break by first occurrence.
func ExtractKeywords(text string) []string {
	words := wordPattern.FindAllString(strings.ToLower(text), -1)

	type term struct {
		word  string
		count int
		first int
	}

	counts := make(map[string]*term)
	order := make([]*term, 0, len(words))

	for i, w := range words {
		if len([]rune(w)) < 2 || stopwords[w] {
			continue
		}
		if t, ok := counts[w]; ok {
			t.count++
			continue
		}
		t := &term{word: w, count: 1, first: i}
		counts[w] = t
		order = append(order, t)
	}

	sort.SliceStable(order, func(i, j int) bool {
		if order[i].count != order[j].count {
			return order[i].count > order[j].count
		}
		return order[i].first < order[j].first
	})

	n := len(order)
	if n > maxKeywords {
		n = maxKeywords
	}

	keywords := make([]string, 0, n)
	for _, t := range order[:n] {
		keywords = append(keywords, t.word)
	}
	return keywords
}

// NormalizeKeywords lowercases and dedupes a caller-supplied keyword list,
// preserving order.
func NormalizeKeywords(keywords []string) []string {
	seen := make(map[string]bool, len(keywords))
	out := make([]string, 0, len(keywords))
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}
