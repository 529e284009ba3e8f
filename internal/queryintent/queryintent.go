// Package queryintent classifies raw query strings so callers can
// decide whether to prioritize an exact item-number lookup alongside
// fuzzy search. Parsing is pure: no I/O, no state.
package queryintent

import (
	"strconv"
	"strings"
)

// Kind is the classified intent of a query.
type Kind string

const (
	// ExactItemNumber means the query is nothing but an item number.
	ExactItemNumber Kind = "exact_item_number"
	// ItemNumberWithText means the query combines an item number with
	// free text.
	ItemNumberWithText Kind = "item_number_with_text"
	// TextSearch means the query is free text only.
	TextSearch Kind = "text_search"
)

// Intent is the parse result. ItemNumber is zero unless the intent
// carries one.
type Intent struct {
	Kind       Kind
	ItemNumber int
	TextQuery  string
	Confidence float64
}

// anchorKeywords mark the token before a number as an explicit
// item-number reference.
var anchorKeywords = map[string]bool{
	"item": true,
	"mbs":  true,
	"#":    true,
}

// maxItemDigits bounds what we accept as an item number. The schedule
// uses up to five digits; six gives headroom for future revisions.
const maxItemDigits = 6

// Parse classifies a raw query string.
func Parse(raw string) Intent {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Intent{Kind: TextSearch, Confidence: 0.8}
	}

	// Pure numeric query: an exact item-number lookup.
	if n, ok := parseItemNumber(trimmed); ok {
		return Intent{Kind: ExactItemNumber, ItemNumber: n, Confidence: 1.0}
	}

	tokens := strings.Fields(trimmed)

	// Keyword-anchored number: "item 23 ...", "mbs 23", "# 23".
	for i, tok := range tokens {
		if !anchorKeywords[strings.ToLower(tok)] || i+1 >= len(tokens) {
			continue
		}
		if n, ok := parseItemNumber(tokens[i+1]); ok {
			rest := append(append([]string{}, tokens[:i]...), tokens[i+2:]...)
			return Intent{
				Kind:       ItemNumberWithText,
				ItemNumber: n,
				TextQuery:  strings.Join(rest, " "),
				Confidence: 0.9,
			}
		}
	}

	// "#23" with no space also counts as anchored.
	for i, tok := range tokens {
		if strings.HasPrefix(tok, "#") {
			if n, ok := parseItemNumber(tok[1:]); ok {
				rest := append(append([]string{}, tokens[:i]...), tokens[i+1:]...)
				return Intent{
					Kind:       ItemNumberWithText,
					ItemNumber: n,
					TextQuery:  strings.Join(rest, " "),
					Confidence: 0.9,
				}
			}
		}
	}

	// Positional number among free text: ambiguous, lower confidence.
	for i, tok := range tokens {
		if n, ok := parseItemNumber(tok); ok {
			rest := append(append([]string{}, tokens[:i]...), tokens[i+1:]...)
			return Intent{
				Kind:       ItemNumberWithText,
				ItemNumber: n,
				TextQuery:  strings.Join(rest, " "),
				Confidence: 0.7,
			}
		}
	}

	return Intent{Kind: TextSearch, TextQuery: trimmed, Confidence: 0.8}
}

// parseItemNumber accepts 1 to 6 digit positive integers.
func parseItemNumber(s string) (int, bool) {
	if len(s) == 0 || len(s) > maxItemDigits {
		return 0, false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
