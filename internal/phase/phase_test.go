// internal/phase/phase_test.go
package phase

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nettleworks/ferret/internal/config"
)

func setupMachine(t *testing.T, stepsPerPhase int) *Machine {
	t.Helper()
	return NewMachine(config.PhaseConfig{StepsPerPhase: stepsPerPhase}, zaptest.NewLogger(t))
}

func TestMachineStartsInOrient(t *testing.T) {
	m := setupMachine(t, 5)
	assert.Equal(t, Orient, m.Current())
	assert.Equal(t, 0, m.StepsInPhase())
}

func TestNaturalProgression(t *testing.T) {
	m := setupMachine(t, 5)

	step5 := func() bool {
		advanced := false
		for i := 0; i < 5; i++ {
			m.RecordStep()
			if m.MaybeAdvance() {
				advanced = true
			}
		}
		return advanced
	}

	require.True(t, step5())
	assert.Equal(t, Smoke, m.Current())
	require.True(t, step5())
	assert.Equal(t, CriticalPath, m.Current())
	require.True(t, step5())
	assert.Equal(t, Exploratory, m.Current())

	// Exploratory is terminal: any further budget exhaustion stays put.
	for i := 0; i < 30; i++ {
		m.RecordStep()
		m.MaybeAdvance()
	}
	assert.Equal(t, Exploratory, m.Current())
}

func TestNoAdvanceBeforeBudget(t *testing.T) {
	m := setupMachine(t, 5)
	for i := 0; i < 4; i++ {
		m.RecordStep()
		assert.False(t, m.MaybeAdvance())
	}
	assert.Equal(t, Orient, m.Current())
	assert.Equal(t, 4, m.StepsInPhase())
}

func TestForceAdvance(t *testing.T) {
	m := setupMachine(t, 100)

	require.True(t, m.ForceAdvance())
	assert.Equal(t, Smoke, m.Current())
	assert.Equal(t, 0, m.StepsInPhase(), "forced transitions reset the step budget")

	require.True(t, m.ForceAdvance())
	require.True(t, m.ForceAdvance())
	assert.Equal(t, Exploratory, m.Current())

	// Forcing past the terminal phase is a no-op.
	assert.False(t, m.ForceAdvance())
	assert.Equal(t, Exploratory, m.Current())
}

func TestPhaseNeverRegresses(t *testing.T) {
	m := setupMachine(t, 2)
	highest := m.Current()

	// Interleave natural and forced transitions; the index must be
	// non-decreasing throughout.
	for i := 0; i < 40; i++ {
		m.RecordStep()
		if i%7 == 0 {
			m.ForceAdvance()
		} else {
			m.MaybeAdvance()
		}
		require.GreaterOrEqual(t, m.Current(), highest)
		highest = m.Current()
	}
	assert.Equal(t, Exploratory, m.Current())
}

func TestGuidance(t *testing.T) {
	m := setupMachine(t, 5)
	seen := map[string]bool{}
	for {
		g := m.Guidance()
		require.NotEmpty(t, g, "every phase carries guidance text")
		assert.False(t, seen[g], "guidance differs per phase")
		seen[g] = true
		if !m.ForceAdvance() {
			break
		}
	}
	assert.Len(t, seen, 4)
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "orient", Orient.String())
	assert.Equal(t, "smoke", Smoke.String())
	assert.Equal(t, "critical_path", CriticalPath.String())
	assert.Equal(t, "exploratory", Exploratory.String())
	assert.Equal(t, "unknown", Phase(99).String())
}
