package embeddings

import (
	"regexp"
	"strings"
)

// maxPrepareChars approximates an 8k-token ceiling at four chars per token.
const maxPrepareChars = 32000

var (
	frontmatterPattern  = regexp.MustCompile(`(?s)\A---\n.*?\n---\n`)
	codeBlockPattern    = regexp.MustCompile("(?s)```.*?```")
	markdownLinkPattern = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	htmlTagPattern      = regexp.MustCompile(`<[^>]+>`)
	whitespacePattern   = regexp.MustCompile(`[ \t]+`)
)

// Prepare normalizes free-form text into an embedding prompt: strips YAML
// frontmatter, collapses fenced code blocks to a marker, flattens markdown
// links to their text, removes HTML tags, squeezes whitespace and caps the
// result at roughly eight thousand tokens.
func Prepare(text string) string {
	text = frontmatterPattern.ReplaceAllString(text, "")
	text = codeBlockPattern.ReplaceAllString(text, "[code]")
	text = markdownLinkPattern.ReplaceAllString(text, "$1")
	text = htmlTagPattern.ReplaceAllString(text, "")
	text = whitespacePattern.ReplaceAllString(text, " ")
	text = strings.TrimSpace(text)

	if len(text) > maxPrepareChars {
		text = text[:maxPrepareChars]
	}
	return text
}
