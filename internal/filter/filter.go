// Package filter screens chat message content before it is persisted or
// broadcast. Sensitive terms are masked in place rather than rejected, so
// the message still flows but the term never leaves the server.
package filter

import "strings"

// defaultTerms is the built-in sensitive-term list. Deployments extend it
// via NewFilterWithTerms.
var defaultTerms = []string{
	"暴力", "色情", "赌博", "毒品", "炸弹", "恐怖", "傻逼", "弱智",
}

// Filter masks sensitive terms in message content.
type Filter struct {
	terms []string
}

// NewFilter creates a Filter with the built-in term list.
func NewFilter() *Filter {
	return NewFilterWithTerms(defaultTerms)
}

// NewFilterWithTerms creates a Filter with a custom term list. Empty terms
// are ignored.
func NewFilterWithTerms(terms []string) *Filter {
	f := &Filter{}
	for _, t := range terms {
		if t != "" {
			f.terms = append(f.terms, t)
		}
	}
	return f
}

// Mask replaces every occurrence of a sensitive term with a run of '*' of
// the same rune length, so masked output keeps the original visual width.
func (f *Filter) Mask(content string) string {
	if content == "" {
		return content
	}
	for _, term := range f.terms {
		if strings.Contains(content, term) {
			mask := strings.Repeat("*", len([]rune(term)))
			content = strings.ReplaceAll(content, term, mask)
		}
	}
	return content
}
