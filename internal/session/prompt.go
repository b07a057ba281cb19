// internal/session/prompt.go
package session

import (
	"strings"

	"github.com/dlclark/regexp2"
)

// promptPatterns are the case-insensitive substrings that mark an upstream
// line (or the still-buffered partial) as a login/credential prompt
// (spec.md §4.5, confirmed against original_source/v3/app/mud/parser.py's
// detect_input_prompt). Plain substring matching is deliberately used here
// instead of regexp2: every pattern is a literal, and a compiled regex
// would add nothing but overhead.
var promptPatterns = []string{
	"[input]", "name:", "login:", "password:", "senha:",
}

// confirmPattern matches the MUD's "are you sure" confirmation prompt
// (spec.md §4.5), optionally bracketed, case-insensitive. This needs a
// real regex (anchoring plus an optional-bracket alternation), so it uses
// regexp2 rather than the plain substring check above.
var confirmPattern = regexp2.MustCompile(
	`^\[?are you sure you'd like to do this\?\]?$|enter "yes" or "no"`,
	regexp2.IgnoreCase,
)

// isLoginPrompt reports whether text contains a recognized credential
// prompt marker.
func isLoginPrompt(text string) bool {
	lower := strings.ToLower(text)
	for _, p := range promptPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// isConfirmPrompt reports whether text is a recognized confirmation
// prompt.
func isConfirmPrompt(text string) bool {
	trimmed := strings.TrimSpace(text)
	ok, err := confirmPattern.MatchString(trimmed)
	return err == nil && ok
}
