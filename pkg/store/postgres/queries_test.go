package postgres

import (
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// splitExprs splits a SELECT list on top-level commas only, so a comma
// inside a function call does not count as a column boundary.
func splitExprs(list string) []string {
	var out []string
	depth, start := 0, 0
	for i, r := range list {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, strings.TrimSpace(list[start:i]))
				start = i + 1
			}
		}
	}
	return append(out, strings.TrimSpace(list[start:]))
}

var _ = Describe("column lists", func() {
	Describe("columnList", func() {
		It("emits one expression per fragment column", func() {
			Expect(splitExprs(columnList(""))).To(HaveLen(len(fragmentColumnNames)))
		})

		It("reads source through COALESCE", func() {
			Expect(columnList("")).To(ContainSubstring("COALESCE(source, '')"))
		})
	})

	Describe("prefixColumns", func() {
		It("qualifies every column with the alias", func() {
			exprs := splitExprs(prefixColumns("f"))
			Expect(exprs).To(HaveLen(len(fragmentColumnNames)))
			Expect(exprs[0]).To(Equal("f.id"))
			Expect(exprs[len(exprs)-1]).To(Equal("f.is_anchor"))
			Expect(exprs).To(ContainElement("COALESCE(f.source, '')"))
		})

		It("keeps the COALESCE term intact", func() {
			list := prefixColumns("f")
			Expect(list).NotTo(ContainSubstring("f.'')"))
			Expect(list).NotTo(ContainSubstring("f.COALESCE"))
		})
	})
})
