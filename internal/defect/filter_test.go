// internal/defect/filter_test.go
package defect

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nettleworks/ferret/internal/config"
)

func testDefectsConfig() config.DefectsConfig {
	return config.DefectsConfig{
		SimilarityThreshold:   0.6,
		IgnorePatterns:        []string{"favicon", "third-party cookie", "analytics"},
		ConsoleIgnorePatterns: []string{"deprecat", "source map"},
		ServerErrorPatterns:   []string{"500", "502", "503", "internal server error", "5xx"},
		SemanticGateWindow:    10,
		MaxSearchKeywords:     8,
		SummaryPrefix:         "[ferret]",
	}
}

func TestIsIgnorable(t *testing.T) {
	f := NewFilter(testDefectsConfig())

	tests := []struct {
		name    string
		summary string
		desc    string
		want    bool
	}{
		{"plain noise", "Failed to load favicon.ico", "", true},
		{"noise in description", "Resource warning", "blocked third-party cookie", true},
		{"real defect", "Checkout total wrong after coupon", "", false},
		{"case insensitive noise", "ANALYTICS script failed", "", true},
		{"server error overrides noise list", "analytics endpoint returned 500", "", false},
		{"server error phrase overrides", "favicon fetch: Internal Server Error", "", false},
		{"server error alone", "POST /api/cart returned 502", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.IsIgnorable(tt.summary, tt.desc))
		})
	}
}

func TestIsConsoleNoise(t *testing.T) {
	f := NewFilter(testDefectsConfig())

	assert.True(t, f.IsConsoleNoise("[Deprecation] feature X is deprecated"))
	assert.True(t, f.IsConsoleNoise("DevTools failed to load source map"))
	assert.True(t, f.IsConsoleNoise("GET favicon.ico 404"), "general ignore patterns apply to console too")
	assert.False(t, f.IsConsoleNoise("Uncaught TypeError: cart is undefined"))
	assert.False(t, f.IsConsoleNoise("deprecated API returned 500"),
		"the server-error override applies to console messages as well")
}
