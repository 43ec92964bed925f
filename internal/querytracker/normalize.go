package querytracker

import (
	"regexp"
	"strings"
)

var (
	stringLiteral  = regexp.MustCompile(`'(?:[^']|'')*'`)
	numericLiteral = regexp.MustCompile(`\b\d+(?:\.\d+)?\b`)
	whitespace     = regexp.MustCompile(`\s+`)
)

// Placeholder replaces literal values in normalized patterns.
const Placeholder = "?"

// Normalize maps statements that differ only in literal values to the same
// key. Quoted strings go first so digits inside them do not leave residue.
// Normalize(Normalize(s)) == Normalize(s).
func Normalize(statement string) string {
	s := stringLiteral.ReplaceAllString(statement, Placeholder)
	s = numericLiteral.ReplaceAllString(s, Placeholder)
	s = whitespace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

func truncate(statement string, max int) string {
	if len(statement) <= max {
		return statement
	}
	return strings.ToValidUTF8(statement[:max], "")
}

