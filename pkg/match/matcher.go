// Package match resolves free-text constituency names from result files to
// canonical constituency identifiers.
package match

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// stripMarks removes combining diacritical marks after NFD decomposition,
// so "Ynys Môn" and "Ynys Mon" normalize to the same key.
var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Normalize produces the lookup key for a constituency name: diacritics
// stripped, case folded, trimmed, inner whitespace collapsed. Reference data
// and input lines must be normalized identically.
func Normalize(name string) string {
	out, _, err := transform.String(stripMarks, name)
	if err != nil {
		out = name
	}
	return strings.Join(strings.Fields(strings.ToLower(out)), " ")
}

// Matcher looks up constituencies by normalized name. Exact match only; no
// fuzzy matching.
type Matcher struct {
	ids map[string]int64
}

// New returns an empty Matcher.
func New() *Matcher {
	return &Matcher{ids: make(map[string]int64)}
}

// Add registers a constituency under its normalized name. Later additions
// with the same normalized key win; reference data is expected to be unique.
func (m *Matcher) Add(name string, id int64) {
	m.ids[Normalize(name)] = id
}

// Match resolves a free-text name to a constituency id. The second return
// value is false when no normalized key matches.
func (m *Matcher) Match(name string) (int64, bool) {
	id, ok := m.ids[Normalize(name)]
	return id, ok
}

// Len returns the number of registered constituencies.
func (m *Matcher) Len() int {
	return len(m.ids)
}
