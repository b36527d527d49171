// File: internal/pipeline/pipeline_test.go
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/nettleworks/ferret/api/schemas"
	"github.com/nettleworks/ferret/internal/config"
	"github.com/nettleworks/ferret/internal/defect"
	"github.com/nettleworks/ferret/internal/framediff"
	"github.com/nettleworks/ferret/internal/phase"
	"github.com/nettleworks/ferret/internal/reasoning"
)

// fakeDriver serves a static inventory and records every action. A small
// delay per action keeps background goroutines comfortably ahead of the
// foreground loop in tests that rely on a proposal resolving.
type fakeDriver struct {
	mu          sync.Mutex
	affs        []schemas.Affordance
	acted       []schemas.Action
	actErr      error
	actErrCount int
	pageID      func(step int) string
	console     []schemas.ConsoleEntry
	network     []schemas.NetworkEntry
	actDelay    time.Duration
}

func (d *fakeDriver) Navigate(ctx context.Context, rawURL string) error { return nil }

func (d *fakeDriver) CaptureFrame(ctx context.Context) ([]byte, error) { return nil, nil }

func (d *fakeDriver) PageIdentity(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pageID == nil {
		return "https://site.test/page", nil
	}
	return d.pageID(len(d.acted)), nil
}

func (d *fakeDriver) Inventory(ctx context.Context) ([]schemas.Affordance, error) {
	return d.affs, nil
}

func (d *fakeDriver) Act(ctx context.Context, action schemas.Action) error {
	if d.actDelay > 0 {
		time.Sleep(d.actDelay)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acted = append(d.acted, action)
	if d.actErr != nil && d.actErrCount > 0 {
		d.actErrCount--
		return d.actErr
	}
	return nil
}

func (d *fakeDriver) Evaluate(ctx context.Context, script string, out any) error {
	if s, ok := out.(*string); ok {
		*s = "Page Title"
	}
	return nil
}

func (d *fakeDriver) EnsureOnOrigin(ctx context.Context) error { return nil }

func (d *fakeDriver) ConsoleMessages() []schemas.ConsoleEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.console
	d.console = nil
	return out
}

func (d *fakeDriver) FailedRequests() []schemas.NetworkEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.network
	d.network = nil
	return out
}

func (d *fakeDriver) actions() []schemas.Action {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]schemas.Action, len(d.acted))
	copy(out, d.acted)
	return out
}

type fakeReasoner struct {
	mu        sync.Mutex
	available bool
	propose   func(ctx context.Context, snap reasoning.Snapshot) (schemas.Action, error)
	verdict   reasoning.Verdict
	snapshots []reasoning.Snapshot
	analyzed  int
}

func (r *fakeReasoner) Available() bool { return r.available }

func (r *fakeReasoner) ProposeAction(ctx context.Context, snap reasoning.Snapshot) (schemas.Action, error) {
	r.mu.Lock()
	r.snapshots = append(r.snapshots, snap)
	fn := r.propose
	r.mu.Unlock()
	if fn == nil {
		return schemas.ExploreAction("no proposal"), nil
	}
	return fn(ctx, snap)
}

func (r *fakeReasoner) Analyze(ctx context.Context, req reasoning.AnalysisRequest) (reasoning.Verdict, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.analyzed++
	return r.verdict, nil
}

func (r *fakeReasoner) seenSnapshots() []reasoning.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]reasoning.Snapshot, len(r.snapshots))
	copy(out, r.snapshots)
	return out
}

type fakeEscalator struct {
	mu      sync.Mutex
	outcome defect.Outcome
	delay   time.Duration
	cands   []defect.Candidate
}

func (e *fakeEscalator) Process(ctx context.Context, cand defect.Candidate) defect.Outcome {
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cands = append(e.cands, cand)
	return e.outcome
}

func (e *fakeEscalator) candidates() []defect.Candidate {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]defect.Candidate, len(e.cands))
	copy(out, e.cands)
	return out
}

func testConfig(t *testing.T, maxSteps int) config.Interface {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.SessionCfg.TargetURL = "https://site.test"
	cfg.SessionCfg.MaxSteps = maxSteps
	cfg.SessionCfg.ReportPath = ""
	cfg.SessionCfg.ProbeInterval = 0
	cfg.DefectsCfg.EvidenceDir = ""
	return cfg
}

func newTestPipeline(t *testing.T, cfg config.Interface, drv Driver, rsn Reasoner, esc Escalator) *Pipeline {
	t.Helper()
	logger := zaptest.NewLogger(t)
	builder := defect.NewBuilder(cfg.Defects(), logger)
	detector := framediff.NewDetector(cfg.Diff())
	return New(cfg, drv, rsn, esc, defect.NewFilter(cfg.Defects()), builder, detector, logger)
}

func TestRunFallbackWhileProposalPending(t *testing.T) {
	defer goleak.VerifyNone(t)

	drv := &fakeDriver{
		affs: []schemas.Affordance{
			{Kind: schemas.AffordanceButton, Text: "Checkout", Primary: true},
			{Kind: schemas.AffordanceInput, Text: "Email"},
			{Kind: schemas.AffordanceLink, Text: "Help"},
		},
	}
	// A proposal that never resolves until the session shuts down.
	rsn := &fakeReasoner{
		available: true,
		propose: func(ctx context.Context, snap reasoning.Snapshot) (schemas.Action, error) {
			<-ctx.Done()
			return schemas.Action{}, ctx.Err()
		},
	}
	esc := &fakeEscalator{outcome: defect.Outcome{Status: defect.StatusAccepted}}

	p := newTestPipeline(t, testConfig(t, 3), drv, rsn, esc)

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline blocked on a pending reasoning proposal")
	}

	acted := drv.actions()
	require.Len(t, acted, 3, "every step executed a local fallback")
	assert.Equal(t, schemas.KindClick, acted[0].Kind)
	assert.Equal(t, "Checkout", acted[0].Target)
	assert.Equal(t, schemas.KindType, acted[1].Kind)
	assert.Equal(t, "Email", acted[1].Target)
}

func TestRunAdoptsProposalForSnapshottedContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	drv := &fakeDriver{
		affs: []schemas.Affordance{
			{Kind: schemas.AffordanceLink, Text: "About"},
		},
		pageID: func(actions int) string {
			return fmt.Sprintf("https://site.test/page-%d", actions)
		},
		actDelay: 2 * time.Millisecond,
	}
	rsn := &fakeReasoner{
		available: true,
		propose: func(ctx context.Context, snap reasoning.Snapshot) (schemas.Action, error) {
			return schemas.Action{Kind: schemas.KindClick, Target: "Proposed Button"}, nil
		},
	}
	esc := &fakeEscalator{outcome: defect.Outcome{Status: defect.StatusAccepted}}

	p := newTestPipeline(t, testConfig(t, 6), drv, rsn, esc)
	require.NoError(t, p.Run(context.Background()))

	var adopted bool
	for _, a := range drv.actions() {
		if a.Target == "Proposed Button" {
			adopted = true
		}
	}
	assert.True(t, adopted, "resolved proposal was adopted on a later step")

	snaps := rsn.seenSnapshots()
	require.NotEmpty(t, snaps)
	// The first request was issued before any action ran, so its context is
	// the page as it was at that moment.
	assert.Equal(t, "https://site.test/page-0", snaps[0].PageID)
	assert.NotEmpty(t, snaps[0].Guidance)
	assert.Equal(t, snaps[0].Affordances, drv.affs)
}

func TestRunEscalatesDefectVerdict(t *testing.T) {
	defer goleak.VerifyNone(t)

	drv := &fakeDriver{
		affs: []schemas.Affordance{
			{Kind: schemas.AffordanceButton, Text: "Save", Primary: true},
			{Kind: schemas.AffordanceButton, Text: "Load", Primary: true},
			{Kind: schemas.AffordanceButton, Text: "Del", Primary: true},
		},
		console: []schemas.ConsoleEntry{{Level: "error", Text: "TypeError: x is undefined"}},
	}
	rsn := &fakeReasoner{
		available: true,
		verdict: reasoning.Verdict{
			Defect:      true,
			Summary:     "Save button throws a TypeError",
			Description: "Clicking Save logs an uncaught TypeError.",
		},
		propose: func(ctx context.Context, snap reasoning.Snapshot) (schemas.Action, error) {
			<-ctx.Done()
			return schemas.Action{}, ctx.Err()
		},
	}
	esc := &fakeEscalator{outcome: defect.Outcome{Status: defect.StatusFiled, IssueID: "FER-12"}}

	p := newTestPipeline(t, testConfig(t, 4), drv, rsn, esc)
	require.NoError(t, p.Run(context.Background()))

	cands := esc.candidates()
	require.NotEmpty(t, cands, "defect verdict became a filing candidate")
	assert.Contains(t, cands[0].Summary, "Save button throws a TypeError")
	assert.False(t, cands[0].ServerError)
	assert.Equal(t, 1, p.tally[defect.StatusFiled])
}

func TestRunServerErrorAlwaysProducesCandidate(t *testing.T) {
	defer goleak.VerifyNone(t)

	drv := &fakeDriver{
		affs: []schemas.Affordance{
			{Kind: schemas.AffordanceButton, Text: "Submit", Primary: true},
		},
		network: []schemas.NetworkEntry{
			{URL: "https://site.test/api/orders", Method: "POST", Status: 500},
		},
	}
	// No reasoning service at all: the 5xx must still escalate.
	rsn := &fakeReasoner{available: false}
	esc := &fakeEscalator{outcome: defect.Outcome{Status: defect.StatusFiled, IssueID: "FER-44"}}

	p := newTestPipeline(t, testConfig(t, 3), drv, rsn, esc)
	require.NoError(t, p.Run(context.Background()))

	cands := esc.candidates()
	require.NotEmpty(t, cands)
	assert.True(t, cands[0].ServerError)
	assert.Contains(t, cands[0].Description, "orders")
}

func TestRunSkipsAnalysisForNoisyConsole(t *testing.T) {
	defer goleak.VerifyNone(t)

	// Only messages on the configured console noise list; with no buttons to
	// click the session has nothing else worth an oracle consult.
	drv := &fakeDriver{
		console: []schemas.ConsoleEntry{
			{Level: "warning", Text: "[Deprecation] Synchronous XHR is deprecated"},
			{Level: "error", Text: "Failed to load resource: favicon.ico"},
		},
	}
	rsn := &fakeReasoner{available: true}
	esc := &fakeEscalator{}

	p := newTestPipeline(t, testConfig(t, 3), drv, rsn, esc)
	require.NoError(t, p.Run(context.Background()))

	assert.Zero(t, rsn.analyzed, "noise alone must not consult the oracle")
	assert.Empty(t, esc.candidates())
	for _, snap := range rsn.seenSnapshots() {
		assert.Empty(t, snap.ConsoleErrors, "noise must not reach reasoning prompts")
	}
}

func TestSelfHealResetsCountersAndAdvancesPhase(t *testing.T) {
	drv := &fakeDriver{affs: []schemas.Affordance{{Kind: schemas.AffordanceLink, Text: "Home"}}}
	rsn := &fakeReasoner{
		available: true,
		propose: func(ctx context.Context, snap reasoning.Snapshot) (schemas.Action, error) {
			return schemas.Action{Kind: schemas.KindClick, Target: "Alternative"}, nil
		},
	}
	p := newTestPipeline(t, testConfig(t, 0), drv, rsn, &fakeEscalator{})

	same := schemas.Action{Kind: schemas.KindClick, Target: "Retry"}
	for i := 0; i < 6; i++ {
		p.mem.Record(same, "ok")
	}
	require.True(t, p.mem.IsStuck())
	p.consecutiveFailures = 2
	p.plan = []schemas.Action{{Kind: schemas.KindScroll, Direction: schemas.ScrollDown}}

	p.selfHeal(context.Background())

	assert.False(t, p.mem.IsStuck())
	assert.Zero(t, p.consecutiveFailures)
	assert.Equal(t, phase.Smoke, p.phases.Current(), "forced advance")
	require.Len(t, p.plan, 1, "stale plan replaced by the out-of-band proposal")
	assert.Equal(t, "Alternative", p.plan[0].Target)
}

func TestAntiLoopSubstitution(t *testing.T) {
	drv := &fakeDriver{}
	p := newTestPipeline(t, testConfig(t, 0), drv, &fakeReasoner{}, &fakeEscalator{})

	repeat := schemas.Action{Kind: schemas.KindClick, Target: "Buy Now"}

	t.Run("novel action passes through", func(t *testing.T) {
		assert.Equal(t, repeat, p.antiLoopCheck(repeat))
	})

	p.mem.Record(repeat, "ok")

	t.Run("repeat becomes a modal close", func(t *testing.T) {
		sub := p.antiLoopCheck(repeat)
		assert.Equal(t, schemas.KindCloseModal, sub.Kind)
	})

	t.Run("modal close is not chained", func(t *testing.T) {
		p.mem.Record(schemas.Action{Kind: schemas.KindCloseModal}, "ok")
		sub := p.antiLoopCheck(repeat)
		assert.Equal(t, schemas.KindScroll, sub.Kind)
	})
}

func TestRepeatedProposalsTripStuckDetector(t *testing.T) {
	drv := &fakeDriver{}
	p := newTestPipeline(t, testConfig(t, 0), drv, &fakeReasoner{}, &fakeEscalator{})

	// A reasoner fixated on the same click, as from a broken handler that
	// never changes the page, must eventually register as stuck even though
	// every substituted action carries a fresh signature.
	repeat := schemas.Action{Kind: schemas.KindClick, Target: "Buy Now"}
	p.mem.Record(repeat, "ok")

	stuckAfter := -1
	for i := 0; i < 20; i++ {
		sub := p.antiLoopCheck(repeat)
		require.NotEqual(t, repeat, sub)
		p.mem.Record(sub, "ok")
		if p.mem.IsStuck() {
			stuckAfter = i + 1
			break
		}
	}
	require.NotEqual(t, -1, stuckAfter, "stuck detector never fired on repeated proposals")
	assert.Equal(t, p.cfg.Memory().StuckThreshold, stuckAfter)
}

func TestExecuteRetriesOnceThenCountsFailure(t *testing.T) {
	drv := &fakeDriver{actErr: assert.AnError, actErrCount: 2}
	p := newTestPipeline(t, testConfig(t, 0), drv, &fakeReasoner{}, &fakeEscalator{})

	outcome := p.execute(context.Background(), schemas.Action{Kind: schemas.KindClick, Target: "Flaky"})
	assert.Equal(t, "errored", outcome)
	assert.Equal(t, 1, p.consecutiveFailures)
	assert.Len(t, drv.actions(), 2, "one immediate retry")

	outcome = p.execute(context.Background(), schemas.Action{Kind: schemas.KindClick, Target: "Fine"})
	assert.Equal(t, "ok", outcome)
	assert.Zero(t, p.consecutiveFailures, "success resets the counter")
}

func TestExecuteQueuesSubmitAfterTyping(t *testing.T) {
	drv := &fakeDriver{}
	p := newTestPipeline(t, testConfig(t, 0), drv, &fakeReasoner{}, &fakeEscalator{})

	outcome := p.execute(context.Background(), schemas.Action{
		Kind: schemas.KindType, Target: "Search", Value: "boots",
	})
	require.Equal(t, "ok", outcome)
	require.Len(t, p.plan, 1)
	assert.Equal(t, schemas.KindPressKey, p.plan[0].Kind)
	assert.Equal(t, "Enter", p.plan[0].Value)
}

func TestShutdownLetsFilingFinish(t *testing.T) {
	defer goleak.VerifyNone(t)

	drv := &fakeDriver{
		affs: []schemas.Affordance{
			{Kind: schemas.AffordanceButton, Text: "Pay", Primary: true},
		},
		network: []schemas.NetworkEntry{
			{URL: "https://site.test/api/pay", Method: "POST", Status: 502},
		},
	}
	rsn := &fakeReasoner{available: false}
	esc := &fakeEscalator{
		outcome: defect.Outcome{Status: defect.StatusFiled, IssueID: "FER-7"},
		delay:   20 * time.Millisecond,
	}

	p := newTestPipeline(t, testConfig(t, 2), drv, rsn, esc)
	require.NoError(t, p.Run(context.Background()))

	require.NotEmpty(t, esc.candidates(), "in-flight filing completed before exit")
	assert.Equal(t, 1, p.tally[defect.StatusFiled])
}

func TestRenderReport(t *testing.T) {
	drv := &fakeDriver{}
	p := newTestPipeline(t, testConfig(t, 0), drv, &fakeReasoner{}, &fakeEscalator{})
	p.startedAt = time.Now().Add(-90 * time.Second)
	p.stepsRun = 12
	p.tally[defect.StatusFiled] = 2
	p.tally[defect.StatusDuplicateLocal] = 3
	p.filed = []string{"FER-1  [ferret] Checkout total is wrong"}
	p.mem.Record(schemas.Action{Kind: schemas.KindClick, Target: "Buy"}, "ok")

	out := p.renderReport()
	assert.Contains(t, out, "https://site.test")
	assert.Contains(t, out, "Steps:       12")
	assert.Contains(t, out, "Final phase: orient")
	assert.Contains(t, out, fmt.Sprintf("%-20s %d", defect.StatusFiled, 2))
	assert.Contains(t, out, fmt.Sprintf("%-20s %d", defect.StatusDuplicateLocal, 3))
	assert.Contains(t, out, "FER-1  [ferret] Checkout total is wrong")
	assert.Contains(t, out, "1 actions (1 clicks")
}

func TestReportWrittenToConfiguredPath(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.SessionCfg.TargetURL = "https://site.test"
	cfg.SessionCfg.ReportPath = t.TempDir() + "/session.txt"
	cfg.DefectsCfg.EvidenceDir = ""

	p := newTestPipeline(t, cfg, &fakeDriver{}, &fakeReasoner{}, &fakeEscalator{})
	p.startedAt = time.Now()
	require.NoError(t, p.writeReport())

	assert.FileExists(t, cfg.SessionCfg.ReportPath)
}
