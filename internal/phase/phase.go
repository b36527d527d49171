// File: internal/phase/phase.go
package phase

import (
	"go.uber.org/zap"

	"github.com/nettleworks/ferret/internal/config"
)

// Phase is one stage of the session's test strategy. Phases only ever move
// forward; Exploratory is terminal and self-loops.
type Phase int

const (
	Orient Phase = iota
	Smoke
	CriticalPath
	Exploratory
)

func (p Phase) String() string {
	switch p {
	case Orient:
		return "orient"
	case Smoke:
		return "smoke"
	case CriticalPath:
		return "critical_path"
	case Exploratory:
		return "exploratory"
	default:
		return "unknown"
	}
}

// guidance biases the reasoning requests issued during each phase.
var guidance = map[Phase]string{
	Orient: "You are orienting. Prefer observation over interaction: read the page, " +
		"hover over navigation, note the main user journeys. Avoid destructive actions.",
	Smoke: "You are smoke testing. Exercise the most prominent controls quickly: " +
		"primary buttons, the main form, top navigation. One action per control is enough.",
	CriticalPath: "You are testing the critical path. Follow the core user journey end " +
		"to end (search, add to cart, checkout, submit) and verify each step's outcome.",
	Exploratory: "You are exploring. Favor breadth and edge cases: unusual inputs, " +
		"boundary values, rapid toggling, less visited pages. Try what a user would not.",
}

// Machine tracks the current phase and the number of steps spent in it. Like
// the rest of the session state it is owned by the foreground loop.
type Machine struct {
	logger  *zap.Logger
	cfg     config.PhaseConfig
	current Phase
	steps   int
}

// NewMachine starts a machine in the Orient phase.
func NewMachine(cfg config.PhaseConfig, logger *zap.Logger) *Machine {
	return &Machine{
		logger: logger.Named("phase"),
		cfg:    cfg,
	}
}

// Current returns the active phase.
func (m *Machine) Current() Phase {
	return m.current
}

// StepsInPhase returns how many steps have been recorded since the last
// transition.
func (m *Machine) StepsInPhase() int {
	return m.steps
}

// Guidance returns the instruction bias for the active phase.
func (m *Machine) Guidance() string {
	return guidance[m.current]
}

// RecordStep counts one pipeline step against the phase budget.
func (m *Machine) RecordStep() {
	m.steps++
}

// MaybeAdvance performs a natural transition once the phase budget is spent.
// It returns true when a transition happened.
func (m *Machine) MaybeAdvance() bool {
	if m.steps < m.cfg.StepsPerPhase {
		return false
	}
	return m.advance("budget")
}

// ForceAdvance transitions immediately, regardless of the budget. Used when
// the anti-loop detector reports a stuck session or after self-healing.
func (m *Machine) ForceAdvance() bool {
	return m.advance("forced")
}

func (m *Machine) advance(cause string) bool {
	if m.current == Exploratory {
		// Terminal phase: reset the step counter but stay put.
		m.steps = 0
		return false
	}
	from := m.current
	m.current++
	m.steps = 0
	m.logger.Info("Phase transition",
		zap.String("from", from.String()),
		zap.String("to", m.current.String()),
		zap.String("cause", cause))
	return true
}
