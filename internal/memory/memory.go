// File: internal/memory/memory.go
package memory

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nettleworks/ferret/api/schemas"
	"github.com/nettleworks/ferret/internal/config"
)

// Entry is one recorded step in the session's action log.
type Entry struct {
	Kind      schemas.ActionKind
	TargetKey string
	Value     string
	Timestamp time.Time
	Outcome   string
}

// Signature identifies an action for repeat detection, independent of its
// value or outcome.
type Signature struct {
	Kind      schemas.ActionKind
	TargetKey string
}

// Memory is the per-session record of everything the agent has tried. It is
// owned by the foreground pipeline loop and must only be mutated from there;
// with that discipline no locking is needed.
type Memory struct {
	logger *zap.Logger
	cfg    config.MemoryConfig

	log    []Entry
	recent []Signature // sliding window, newest last

	clicked  map[string]struct{}
	hovered  map[string]struct{}
	typed    map[string]struct{}
	selected map[string]struct{} // "target\x00value" pairs

	modalCloses  int
	scrollsDown  int
	scrollsUp    int
	repeatCount  int
	keepRepeat   bool
	totalDropped int

	coverage map[string]map[string]struct{} // page identity -> element keys
}

// New creates an empty session memory.
func New(cfg config.MemoryConfig, logger *zap.Logger) *Memory {
	return &Memory{
		logger:   logger.Named("memory"),
		cfg:      cfg,
		clicked:  make(map[string]struct{}),
		hovered:  make(map[string]struct{}),
		typed:    make(map[string]struct{}),
		selected: make(map[string]struct{}),
		coverage: make(map[string]map[string]struct{}),
	}
}

// NormalizeKey derives a stable dedup key from a target description: trimmed,
// lower cased, newlines folded to spaces, runs of whitespace collapsed, and
// capped at the configured length.
func (m *Memory) NormalizeKey(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.Join(strings.Fields(s), " ")
	max := m.cfg.KeyMaxLen
	if max > 0 && len(s) > max {
		s = s[:max]
	}
	return s
}

// Record appends an action and its outcome to the log, updates the dedup set
// for its kind, and advances the repeat detector.
func (m *Memory) Record(action schemas.Action, outcome string) {
	key := m.NormalizeKey(action.Target)
	entry := Entry{
		Kind:      action.Kind,
		TargetKey: key,
		Value:     action.Value,
		Timestamp: time.Now(),
		Outcome:   outcome,
	}

	m.log = append(m.log, entry)
	if m.cfg.MaxActions > 0 && len(m.log) > m.cfg.MaxActions {
		drop := len(m.log) - m.cfg.MaxActions
		m.log = m.log[drop:]
		m.totalDropped += drop
	}

	switch action.Kind {
	case schemas.KindClick:
		m.clicked[key] = struct{}{}
	case schemas.KindHover:
		m.hovered[key] = struct{}{}
	case schemas.KindType:
		m.typed[key] = struct{}{}
	case schemas.KindSelectOption:
		m.selected[pairKey(key, action.Value)] = struct{}{}
	case schemas.KindCloseModal:
		m.modalCloses++
	case schemas.KindScroll:
		if action.Direction == schemas.ScrollUp {
			m.scrollsUp++
		} else {
			m.scrollsDown++
		}
	}

	m.pushSignature(Signature{Kind: action.Kind, TargetKey: key})
}

func pairKey(target, value string) string {
	return target + "\x00" + value
}

// pushSignature maintains the recent window and the repeat counter. The
// counter increments when the last repeat-window signatures are identical and
// resets as soon as a novel signature breaks the run.
func (m *Memory) pushSignature(sig Signature) {
	keep := m.keepRepeat
	m.keepRepeat = false

	m.recent = append(m.recent, sig)
	window := m.cfg.RecentWindow
	if window > 0 && len(m.recent) > window {
		m.recent = m.recent[len(m.recent)-window:]
	}

	run := m.cfg.RepeatWindow
	if run <= 0 || len(m.recent) < run {
		return
	}
	tail := m.recent[len(m.recent)-run:]
	for _, s := range tail {
		if s != sig {
			if !keep {
				m.repeatCount = 0
			}
			return
		}
	}
	m.repeatCount++
	m.logger.Debug("Repeated action pattern detected",
		zap.String("kind", string(sig.Kind)),
		zap.String("target", sig.TargetKey),
		zap.Int("repeat_count", m.repeatCount))
}

// AlreadyDone answers whether this exact action would be a repeat of one
// performed earlier in the session.
func (m *Memory) AlreadyDone(kind schemas.ActionKind, target, value string) bool {
	key := m.NormalizeKey(target)
	switch kind {
	case schemas.KindClick:
		_, ok := m.clicked[key]
		return ok
	case schemas.KindHover:
		_, ok := m.hovered[key]
		return ok
	case schemas.KindType:
		_, ok := m.typed[key]
		return ok
	case schemas.KindSelectOption:
		_, ok := m.selected[pairKey(key, value)]
		return ok
	default:
		return false
	}
}

// IsStuck reports whether the repeat counter has crossed its threshold,
// meaning recent actions form a short repeating cycle.
func (m *Memory) IsStuck() bool {
	return m.repeatCount >= m.cfg.StuckThreshold
}

// ShouldAvoidScroll reports whether the recent window is saturated with
// scroll actions, biasing the next choice away from scrolling.
func (m *Memory) ShouldAvoidScroll() bool {
	scrolls := 0
	for _, sig := range m.recent {
		if sig.Kind == schemas.KindScroll {
			scrolls++
		}
	}
	return scrolls >= m.cfg.MaxScrollsInRow
}

// RecordRepeat bumps the repeat counter when a proposed action was recognized
// as a repeat before a substitute was chosen in its place. The substitute
// recorded for the step carries a different signature, so the counter is held
// across that one recording instead of being reset by it.
func (m *Memory) RecordRepeat() {
	m.repeatCount++
	m.keepRepeat = true
	m.logger.Debug("Repeated proposal recognized", zap.Int("repeat_count", m.repeatCount))
}

// ResetRepeats clears the repeat counter, typically after a forced phase
// advance or a self-healing recovery.
func (m *Memory) ResetRepeats() {
	m.repeatCount = 0
}

// RepeatCount exposes the current repeat run length for diagnostics.
func (m *Memory) RepeatCount() int {
	return m.repeatCount
}

// -- Coverage Map --

// ElementKey builds the coverage key for an element: the action kind joined
// with the normalized target.
func (m *Memory) ElementKey(kind schemas.ActionKind, target string) string {
	return string(kind) + ":" + m.NormalizeKey(target)
}

// MarkCovered records that an element has been exercised on a logical page.
// Coverage survives navigating away and back to the same page identity.
func (m *Memory) MarkCovered(pageID, elementKey string) {
	set, ok := m.coverage[pageID]
	if !ok {
		set = make(map[string]struct{})
		m.coverage[pageID] = set
	}
	set[elementKey] = struct{}{}
}

// Covered reports whether an element was already exercised on the page.
func (m *Memory) Covered(pageID, elementKey string) bool {
	_, ok := m.coverage[pageID][elementKey]
	return ok
}

// -- Reporting helpers --

// RecentSteps returns up to n most recent log entries, oldest first. Used for
// reproduction steps in defect reports and for reasoning context.
func (m *Memory) RecentSteps(n int) []Entry {
	if n <= 0 || n >= len(m.log) {
		out := make([]Entry, len(m.log))
		copy(out, m.log)
		return out
	}
	out := make([]Entry, n)
	copy(out, m.log[len(m.log)-n:])
	return out
}

// Summary returns a compact per-kind account of the session for the report
// and for reasoning prompts.
func (m *Memory) Summary() string {
	total := len(m.log) + m.totalDropped
	return fmt.Sprintf(
		"%d actions (%d clicks, %d hovers, %d inputs, %d selects, %d modal closes, %d scrolls down, %d up)",
		total, len(m.clicked), len(m.hovered), len(m.typed), len(m.selected),
		m.modalCloses, m.scrollsDown, m.scrollsUp)
}

// TotalActions counts every recorded action, including entries dropped from
// the bounded log.
func (m *Memory) TotalActions() int {
	return len(m.log) + m.totalDropped
}
