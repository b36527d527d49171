// internal/memory/memory_test.go
package memory

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nettleworks/ferret/api/schemas"
	"github.com/nettleworks/ferret/internal/config"
)

func testConfig() config.MemoryConfig {
	return config.MemoryConfig{
		MaxActions:      80,
		RecentWindow:    5,
		RepeatWindow:    3,
		StuckThreshold:  3,
		MaxScrollsInRow: 5,
		KeyMaxLen:       80,
	}
}

func setupMemory(t *testing.T) *Memory {
	t.Helper()
	return New(testConfig(), zaptest.NewLogger(t))
}

func TestNormalizeKey(t *testing.T) {
	m := setupMemory(t)

	tests := []struct {
		in   string
		want string
	}{
		{"  Add To Cart  ", "add to cart"},
		{"Sign\nUp\r\nNow", "sign up now"},
		{"many    spaces\t here", "many spaces here"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, m.NormalizeKey(tt.in))
	}

	long := ""
	for i := 0; i < 50; i++ {
		long += "abc "
	}
	assert.Len(t, m.NormalizeKey(long), 80, "keys are capped at the configured length")
}

func TestRecordAndAlreadyDone(t *testing.T) {
	m := setupMemory(t)

	assert.False(t, m.AlreadyDone(schemas.KindClick, "Checkout", ""))

	m.Record(schemas.Action{Kind: schemas.KindClick, Target: "Checkout"}, "ok")
	assert.True(t, m.AlreadyDone(schemas.KindClick, "Checkout", ""))
	// Normalization makes dedup robust to whitespace and case drift.
	assert.True(t, m.AlreadyDone(schemas.KindClick, "  CHECKOUT ", ""))
	// Same target, different kind, is not a repeat.
	assert.False(t, m.AlreadyDone(schemas.KindHover, "Checkout", ""))

	// Monotonicity: recording more actions never un-does a key.
	for i := 0; i < 20; i++ {
		m.Record(schemas.Action{Kind: schemas.KindClick, Target: fmt.Sprintf("Item %d", i)}, "ok")
		assert.True(t, m.AlreadyDone(schemas.KindClick, "Checkout", ""))
	}
}

func TestSelectOptionDedupIsPairwise(t *testing.T) {
	m := setupMemory(t)

	m.Record(schemas.Action{Kind: schemas.KindSelectOption, Target: "Size", Value: "M"}, "ok")
	assert.True(t, m.AlreadyDone(schemas.KindSelectOption, "Size", "M"))
	assert.False(t, m.AlreadyDone(schemas.KindSelectOption, "Size", "L"),
		"a different option on the same control is a new action")
}

func TestLogIsBounded(t *testing.T) {
	cfg := testConfig()
	cfg.MaxActions = 10
	m := New(cfg, zaptest.NewLogger(t))

	for i := 0; i < 25; i++ {
		m.Record(schemas.Action{Kind: schemas.KindClick, Target: fmt.Sprintf("btn-%d", i)}, "ok")
	}

	steps := m.RecentSteps(0)
	require.Len(t, steps, 10, "the log is truncated to the configured bound")
	assert.Equal(t, "btn-15", steps[0].TargetKey, "oldest entries are dropped first")
	assert.Equal(t, 25, m.TotalActions(), "dropped entries still count toward the total")
	// Dedup keys are unaffected by log truncation.
	assert.True(t, m.AlreadyDone(schemas.KindClick, "btn-0", ""))
}

func TestIsStuck(t *testing.T) {
	m := setupMemory(t)
	broken := schemas.Action{Kind: schemas.KindClick, Target: "Broken Button"}

	// Two identical actions are not yet a run of three.
	m.Record(broken, "no effect")
	m.Record(broken, "no effect")
	assert.False(t, m.IsStuck())
	assert.Equal(t, 0, m.RepeatCount())

	// Third identical action completes the window and starts counting.
	m.Record(broken, "no effect")
	assert.Equal(t, 1, m.RepeatCount())
	assert.False(t, m.IsStuck())

	m.Record(broken, "no effect")
	m.Record(broken, "no effect")
	assert.Equal(t, 3, m.RepeatCount())
	assert.True(t, m.IsStuck())

	// A novel action resets the counter entirely.
	m.Record(schemas.Action{Kind: schemas.KindScroll, Direction: schemas.ScrollDown}, "ok")
	assert.Equal(t, 0, m.RepeatCount())
	assert.False(t, m.IsStuck())
}

func TestRecordRepeatSurvivesNovelSubstitute(t *testing.T) {
	m := setupMemory(t)
	m.Record(schemas.Action{Kind: schemas.KindClick, Target: "Broken Button"}, "no effect")

	// A recognized repeat bumps the counter even though a different action is
	// recorded in its place each time.
	substitutes := []schemas.Action{
		{Kind: schemas.KindCloseModal},
		{Kind: schemas.KindScroll, Direction: schemas.ScrollDown},
		{Kind: schemas.KindHover, Target: "Broken Button"},
		{Kind: schemas.KindScroll, Direction: schemas.ScrollUp},
	}
	for i, sub := range substitutes {
		m.RecordRepeat()
		m.Record(sub, "ok")
		assert.Equal(t, i+1, m.RepeatCount())
	}
	assert.True(t, m.IsStuck())

	// The hold lasts exactly one recording. A later novel action without a
	// preceding RecordRepeat resets the counter as usual.
	m.ResetRepeats()
	m.RecordRepeat()
	m.Record(schemas.Action{Kind: schemas.KindClick, Target: "Footer"}, "ok")
	require.Equal(t, 1, m.RepeatCount())
	m.Record(schemas.Action{Kind: schemas.KindClick, Target: "Header"}, "ok")
	assert.Equal(t, 0, m.RepeatCount())
}

func TestResetRepeats(t *testing.T) {
	m := setupMemory(t)
	a := schemas.Action{Kind: schemas.KindHover, Target: "Menu"}
	for i := 0; i < 5; i++ {
		m.Record(a, "ok")
	}
	require.True(t, m.IsStuck())

	m.ResetRepeats()
	assert.False(t, m.IsStuck())
	assert.Equal(t, 0, m.RepeatCount())
}

func TestShouldAvoidScroll(t *testing.T) {
	m := setupMemory(t)
	down := schemas.Action{Kind: schemas.KindScroll, Direction: schemas.ScrollDown}
	up := schemas.Action{Kind: schemas.KindScroll, Direction: schemas.ScrollUp}

	assert.False(t, m.ShouldAvoidScroll())

	// Alternating directions still saturate the window.
	m.Record(down, "ok")
	m.Record(up, "ok")
	m.Record(down, "ok")
	m.Record(up, "ok")
	assert.False(t, m.ShouldAvoidScroll())
	m.Record(down, "ok")
	assert.True(t, m.ShouldAvoidScroll())

	// A non-scroll action pushes a scroll out of the window.
	m.Record(schemas.Action{Kind: schemas.KindClick, Target: "Footer Link"}, "ok")
	assert.False(t, m.ShouldAvoidScroll())
}

func TestCoverageMap(t *testing.T) {
	m := setupMemory(t)
	page := "https://shop.example.com/cart"
	key := m.ElementKey(schemas.KindClick, "  Remove Item ")

	assert.Equal(t, "click:remove item", key)
	assert.False(t, m.Covered(page, key))

	m.MarkCovered(page, key)
	assert.True(t, m.Covered(page, key))
	assert.False(t, m.Covered("https://shop.example.com/", key),
		"coverage is scoped to the page identity")

	// Coverage survives interleaved activity on other pages.
	m.MarkCovered("https://shop.example.com/", m.ElementKey(schemas.KindClick, "Cart"))
	assert.True(t, m.Covered(page, key))
}

func TestRecentStepsAndSummary(t *testing.T) {
	m := setupMemory(t)
	m.Record(schemas.Action{Kind: schemas.KindClick, Target: "Login"}, "navigated")
	m.Record(schemas.Action{Kind: schemas.KindType, Target: "Email", Value: "a@b.c"}, "ok")
	m.Record(schemas.Action{Kind: schemas.KindScroll, Direction: schemas.ScrollDown}, "ok")

	last2 := m.RecentSteps(2)
	require.Len(t, last2, 2)
	assert.Equal(t, schemas.KindType, last2[0].Kind)
	assert.Equal(t, schemas.KindScroll, last2[1].Kind)

	summary := m.Summary()
	assert.Contains(t, summary, "3 actions")
	assert.Contains(t, summary, "1 clicks")
	assert.Contains(t, summary, "1 scrolls down")
}
