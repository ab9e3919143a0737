package memory

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// canonicalValues maps known aliases to their canonical token. Applied
// identically on write and on dedup lookup, after NFC + case folding.
// The table is data: extend it, do not special-case call sites.
var canonicalValues = map[string]string{
	// Locations
	"kiev":      "kyiv",
	"київ":      "kyiv",
	"kharkov":   "kharkiv",
	"харків":    "kharkiv",
	"odessa":    "odesa",
	"одеса":     "odesa",
	"lviv":      "lviv",
	"львів":     "lviv",
	"the usa":   "usa",
	"u.s.a.":    "usa",
	"états-unis": "usa",

	// Languages
	"ukrainian":  "ukrainian",
	"українська": "ukrainian",
	"rus":        "russian",
	"eng":        "english",
	"англійська": "english",

	// Programming languages
	"golang":     "go",
	"js":         "javascript",
	"ts":         "typescript",
	"py":         "python",
	"c sharp":    "c#",
	"cpp":        "c++",
	"postgres":   "postgresql",
}

// Normalize canonicalises a fact key or value for storage and dedup
// comparison: Unicode NFC, case folding, whitespace collapse, then the
// canonical-alias table. Idempotent by construction.
func Normalize(s string) string {
	s = norm.NFC.String(s)
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.Join(strings.Fields(s), " ")
	if canonical, ok := canonicalValues[s]; ok {
		return canonical
	}
	return s
}
