// File: internal/defect/filter.go
package defect

import (
	"strings"

	"github.com/nettleworks/ferret/internal/config"
)

// Filter decides whether an anomaly is known noise. Server errors always win:
// text matching a server-error pattern is escalated no matter what the
// ignore list says.
type Filter struct {
	ignore      []string
	console     []string
	serverError []string
}

// NewFilter builds a filter from the configured pattern lists. Matching is
// case insensitive substring containment.
func NewFilter(cfg config.DefectsConfig) *Filter {
	return &Filter{
		ignore:      lowerAll(cfg.IgnorePatterns),
		console:     lowerAll(cfg.ConsoleIgnorePatterns),
		serverError: lowerAll(cfg.ServerErrorPatterns),
	}
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}

// IsIgnorable reports whether the candidate text is noise that must not be
// escalated. The server-error override comes first: server errors are never
// treated as flake.
func (f *Filter) IsIgnorable(summary, description string) bool {
	text := strings.ToLower(summary + "\n" + description)
	if containsAny(text, f.serverError) {
		return false
	}
	return containsAny(text, f.ignore)
}

// IsConsoleNoise reports whether a single console message is on the known
// noise list. Server-error text still overrides.
func (f *Filter) IsConsoleNoise(message string) bool {
	text := strings.ToLower(message)
	if containsAny(text, f.serverError) {
		return false
	}
	return containsAny(text, f.console) || containsAny(text, f.ignore)
}

func containsAny(text string, patterns []string) bool {
	for _, p := range patterns {
		if p != "" && strings.Contains(text, p) {
			return true
		}
	}
	return false
}
