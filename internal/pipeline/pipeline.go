// File: internal/pipeline/pipeline.go
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nettleworks/ferret/api/schemas"
	"github.com/nettleworks/ferret/internal/config"
	"github.com/nettleworks/ferret/internal/defect"
	"github.com/nettleworks/ferret/internal/framediff"
	"github.com/nettleworks/ferret/internal/memory"
	"github.com/nettleworks/ferret/internal/phase"
	"github.com/nettleworks/ferret/internal/reasoning"
)

// Driver is the subset of the browser driver the pipeline depends on. The
// driver is not reentrant: every call happens on the foreground loop.
type Driver interface {
	Navigate(ctx context.Context, rawURL string) error
	CaptureFrame(ctx context.Context) ([]byte, error)
	PageIdentity(ctx context.Context) (string, error)
	Inventory(ctx context.Context) ([]schemas.Affordance, error)
	Act(ctx context.Context, action schemas.Action) error
	Evaluate(ctx context.Context, script string, out any) error
	EnsureOnOrigin(ctx context.Context) error
	ConsoleMessages() []schemas.ConsoleEntry
	FailedRequests() []schemas.NetworkEntry
}

// Reasoner proposes actions and classifies observed outcomes.
type Reasoner interface {
	Available() bool
	ProposeAction(ctx context.Context, snap reasoning.Snapshot) (schemas.Action, error)
	Analyze(ctx context.Context, req reasoning.AnalysisRequest) (reasoning.Verdict, error)
}

// Escalator pushes a defect candidate through the deduplication gates.
type Escalator interface {
	Process(ctx context.Context, cand defect.Candidate) defect.Outcome
}

// NoiseFilter screens individual console messages against the configured
// noise lists before they reach analysis.
type NoiseFilter interface {
	IsConsoleNoise(message string) bool
}

// stepEvidence is everything captured around one executed action, handed to
// the background analysis unit and carried back with its verdict.
type stepEvidence struct {
	pageID    string
	phaseName string
	action    schemas.Action
	outcome   string
	before    []byte
	after     []byte
	console   []schemas.ConsoleEntry
	network   []schemas.NetworkEntry
	steps     []memory.Entry
}

type analysisOutcome struct {
	verdict  reasoning.Verdict
	err      error
	diff     framediff.Result
	evidence stepEvidence
}

type filingDone struct {
	cand    defect.Candidate
	outcome defect.Outcome
}

// Pipeline drives the exploratory session: a strictly serialized foreground
// loop for every driver call paired with a bounded background pool for
// reasoning, analysis and issue filing. All session state (memory, phases,
// the filing queue) is mutated only from the foreground loop; background
// units are pure and report over channels consumed at the top of the next
// step.
type Pipeline struct {
	logger   *zap.Logger
	cfg      config.Interface
	driver   Driver
	reasoner Reasoner
	escalate Escalator
	noise    NoiseFilter
	builder  *defect.Builder
	detector *framediff.Detector
	mem      *memory.Memory
	phases   *phase.Machine

	group    *errgroup.Group
	groupCtx context.Context

	pending        pendingReasoning
	analyses       chan analysisOutcome
	filings        chan filingDone
	filingQueue    []defect.Candidate
	filingInFlight bool

	// plan holds queued follow-up actions. It is cleared on self-heal.
	plan                []schemas.Action
	consecutiveFailures int

	lastFrame   []byte
	lastPageID  string
	lastConsole []string

	startedAt time.Time
	stepsRun  int
	tally     map[defect.Status]int
	filed     []string
}

// New assembles a pipeline around the given collaborators. Session memory
// and the phase machine are created fresh: a pipeline is single-use.
func New(cfg config.Interface, driver Driver, reasoner Reasoner, escalate Escalator,
	noise NoiseFilter, builder *defect.Builder, detector *framediff.Detector, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		logger:   logger.Named("pipeline"),
		cfg:      cfg,
		driver:   driver,
		reasoner: reasoner,
		escalate: escalate,
		noise:    noise,
		builder:  builder,
		detector: detector,
		mem:      memory.New(cfg.Memory(), logger),
		phases:   phase.NewMachine(cfg.Phase(), logger),
		tally:    make(map[defect.Status]int),
	}
}

// Run executes the session until the step budget is spent or the context is
// cancelled, then writes the session report. A zero max steps runs until
// interrupted.
func (p *Pipeline) Run(ctx context.Context) error {
	session := p.cfg.Session()
	p.startedAt = time.Now()

	p.group, p.groupCtx = errgroup.WithContext(ctx)
	p.group.SetLimit(session.Workers)
	p.analyses = make(chan analysisOutcome, session.Workers)
	p.filings = make(chan filingDone, 1)

	if err := p.driver.Navigate(ctx, session.TargetURL); err != nil {
		return fmt.Errorf("opening target: %w", err)
	}
	p.refreshPageState(ctx)

	p.logger.Info("Session started",
		zap.String("target", session.TargetURL),
		zap.Int("max_steps", session.MaxSteps))

	for step := 1; session.MaxSteps == 0 || step <= session.MaxSteps; step++ {
		if ctx.Err() != nil {
			break
		}
		p.stepsRun = step
		p.step(ctx, step)
	}

	p.shutdown(ctx)
	return p.writeReport()
}

// step runs one iteration of the foreground loop: consume last step's
// background results, choose and execute an action, then hand the heavier
// analysis back to the pool.
func (p *Pipeline) step(ctx context.Context, step int) {
	p.consumeAnalyses()
	p.consumeFilings()

	action := p.chooseAction(ctx)
	if p.pending.Idle() {
		p.issueReasoning(ctx)
	}
	action = p.antiLoopCheck(action)

	before := p.lastFrame
	pageID := p.lastPageID
	outcome := p.execute(ctx, action)
	p.mem.Record(action, outcome)

	if action.Kind == schemas.KindFlagDefect {
		p.flagDefectCandidate(action)
	}

	p.refreshPageState(ctx)
	console := p.filterConsole(p.driver.ConsoleMessages())
	network := p.driver.FailedRequests()
	p.lastConsole = consoleTexts(console)

	p.submitAnalysis(stepEvidence{
		pageID:    pageID,
		phaseName: p.phases.Current().String(),
		action:    action,
		outcome:   outcome,
		before:    before,
		after:     p.lastFrame,
		console:   console,
		network:   network,
		steps:     p.mem.RecentSteps(p.cfg.Memory().RecentWindow),
	})

	p.phases.RecordStep()
	p.phases.MaybeAdvance()

	if interval := p.cfg.Session().ProbeInterval; interval > 0 && step%interval == 0 {
		p.runProbes(ctx)
	}

	if p.mem.IsStuck() || p.consecutiveFailures >= p.cfg.Memory().StuckThreshold {
		p.selfHeal(ctx)
	}

	if err := p.driver.EnsureOnOrigin(ctx); err != nil {
		p.logger.Debug("Could not return to origin", zap.Error(err))
	}

	p.launchFiling(ctx)
}

// chooseAction picks the step's action: a queued plan entry first, then a
// resolved reasoning proposal, then the local fallback. The poll never
// blocks; a still pending proposal stays in its slot for a later step.
func (p *Pipeline) chooseAction(ctx context.Context) schemas.Action {
	if len(p.plan) > 0 {
		action := p.plan[0]
		p.plan = p.plan[1:]
		return action
	}

	if prop, ok := p.pending.Poll(); ok {
		if prop.err != nil {
			p.logger.Warn("Reasoning proposal failed, using local fallback", zap.Error(prop.err))
			return p.fallbackAction(ctx)
		}
		if prop.pageID != p.lastPageID {
			// The proposal was computed against the snapshot it was issued
			// with; adopt it anyway, staleness is bounded to one step.
			p.logger.Debug("Adopting proposal from an earlier page",
				zap.String("proposed_for", prop.pageID),
				zap.String("current", p.lastPageID))
		}
		p.logger.Debug("Adopting reasoning proposal",
			zap.String("kind", string(prop.action.Kind)),
			zap.String("target", prop.action.Target),
			zap.String("reasoning", prop.action.Reasoning))
		return prop.action
	}

	return p.fallbackAction(ctx)
}

// issueReasoning snapshots the current context and occupies the single
// reasoning slot. The snapshot is taken before this step's action runs so
// the eventual proposal is consistent with the moment it was requested.
func (p *Pipeline) issueReasoning(ctx context.Context) {
	if !p.reasoner.Available() {
		return
	}
	snap, err := p.snapshot(ctx)
	if err != nil {
		p.logger.Debug("Could not snapshot page for reasoning request", zap.Error(err))
		return
	}

	reqCtx, cancel := context.WithCancel(ctx)
	results := p.pending.Issue(cancel)
	pageID := p.lastPageID

	if ok := p.group.TryGo(func() error {
		action, err := p.reasoner.ProposeAction(reqCtx, snap)
		results <- proposal{action: action, pageID: pageID, err: err}
		return nil
	}); !ok {
		p.pending.Cancel()
	}
}

func (p *Pipeline) snapshot(ctx context.Context) (reasoning.Snapshot, error) {
	affs, err := p.driver.Inventory(ctx)
	if err != nil {
		return reasoning.Snapshot{}, fmt.Errorf("collecting page inventory: %w", err)
	}
	recent := p.mem.RecentSteps(p.cfg.Memory().RecentWindow)
	steps := make([]string, 0, len(recent))
	for _, e := range recent {
		steps = append(steps, fmt.Sprintf("%s %q (%s)", e.Kind, e.TargetKey, e.Outcome))
	}
	return reasoning.Snapshot{
		PageID:         p.lastPageID,
		Guidance:       p.phases.Guidance(),
		HistorySummary: p.mem.Summary(),
		RecentSteps:    steps,
		Affordances:    affs,
		ConsoleErrors:  p.lastConsole,
	}, nil
}

// antiLoopCheck substitutes a deterministic alternative when the chosen
// action would repeat one performed earlier in the session. Substitution
// order: close a possible overlay, scroll for new content, hover the target.
func (p *Pipeline) antiLoopCheck(action schemas.Action) schemas.Action {
	if !p.mem.AlreadyDone(action.Kind, action.Target, action.Value) {
		return action
	}
	p.mem.RecordRepeat()
	p.logger.Debug("Substituting repeated action",
		zap.String("kind", string(action.Kind)),
		zap.String("target", action.Target))

	recent := p.mem.RecentSteps(1)
	justClosedModal := len(recent) > 0 && recent[0].Kind == schemas.KindCloseModal

	subs := []schemas.Action{
		{Kind: schemas.KindCloseModal, Reasoning: "anti-loop: dismiss a possible overlay"},
		{Kind: schemas.KindScroll, Direction: schemas.ScrollDown, Reasoning: "anti-loop: scroll for new content"},
		{Kind: schemas.KindHover, Target: action.Target, Reasoning: "anti-loop: hover instead of repeating"},
	}
	for _, sub := range subs {
		if sub.Kind == schemas.KindCloseModal && justClosedModal {
			continue
		}
		if sub.Kind == schemas.KindScroll && p.mem.ShouldAvoidScroll() {
			continue
		}
		if p.mem.AlreadyDone(sub.Kind, sub.Target, sub.Value) {
			continue
		}
		return sub
	}
	return schemas.ExploreAction("every alternative to a repeated action is exhausted")
}

// execute runs the action with one immediate retry and maintains the
// consecutive failure counter. Successful element interactions are marked in
// the coverage map for the current page.
func (p *Pipeline) execute(ctx context.Context, action schemas.Action) string {
	err := p.driver.Act(ctx, action)
	if err != nil {
		p.logger.Debug("Action failed, retrying once", zap.Error(err))
		err = p.driver.Act(ctx, action)
	}
	if err != nil {
		p.consecutiveFailures++
		p.logger.Warn("Action failed after retry",
			zap.String("kind", string(action.Kind)),
			zap.String("target", action.Target),
			zap.Int("consecutive_failures", p.consecutiveFailures),
			zap.Error(err))
		return "errored"
	}
	p.consecutiveFailures = 0

	switch action.Kind {
	case schemas.KindClick, schemas.KindHover, schemas.KindType, schemas.KindSelectOption:
		p.mem.MarkCovered(p.lastPageID, p.mem.ElementKey(action.Kind, action.Target))
	}
	// Typing alone rarely exercises anything; queue a submit keypress unless
	// a plan is already in motion.
	if action.Kind == schemas.KindType && len(p.plan) == 0 {
		p.plan = append(p.plan, schemas.Action{
			Kind:      schemas.KindPressKey,
			Value:     "Enter",
			Reasoning: "submit the value typed in the previous step",
		})
	}
	return "ok"
}

// flagDefectCandidate turns an explicit flag_defect proposal into a
// candidate without waiting for the background analysis.
func (p *Pipeline) flagDefectCandidate(action schemas.Action) {
	p.enqueueReport(defect.Report{
		Anomaly:    action.Summary,
		Details:    action.Description,
		PageID:     p.lastPageID,
		Phase:      p.phases.Current().String(),
		Screenshot: p.lastFrame,
		Steps:      p.mem.RecentSteps(p.cfg.Memory().RecentWindow),
	})
}

// submitAnalysis hands the heavier anomaly checks to the background pool:
// frame diffing and, when there is a signal worth classifying, an oracle
// consult. The unit is pure with respect to session state; its result is
// consumed at the top of the next step.
func (p *Pipeline) submitAnalysis(ev stepEvidence) {
	if ok := p.group.TryGo(func() error {
		out := analysisOutcome{evidence: ev}
		out.diff = p.detector.Diff(ev.before, ev.after)
		if p.shouldConsultOracle(ev, out.diff) {
			out.verdict, out.err = p.reasoner.Analyze(p.groupCtx, reasoning.AnalysisRequest{
				PageID:           ev.pageID,
				Action:           ev.action,
				Outcome:          ev.outcome,
				ChangeZone:       string(out.diff.Zone),
				MagnitudePercent: out.diff.MagnitudePercent,
				ConsoleErrors:    consoleTexts(ev.console),
				FailedRequests:   networkLines(ev.network),
			})
		}
		select {
		case p.analyses <- out:
		case <-p.groupCtx.Done():
		}
		return nil
	}); !ok {
		p.logger.Debug("Background pool saturated, skipping analysis for this step")
	}
}

// shouldConsultOracle gates the expensive classification call on an actual
// signal: console errors, failed requests, a driver failure, or a click that
// visibly changed nothing.
func (p *Pipeline) shouldConsultOracle(ev stepEvidence, diff framediff.Result) bool {
	if !p.reasoner.Available() {
		return false
	}
	if len(ev.console) > 0 || len(ev.network) > 0 || ev.outcome == "errored" {
		return true
	}
	return ev.action.Kind == schemas.KindClick && !diff.Changed
}

// consumeAnalyses drains every resolved analysis without blocking and turns
// defect verdicts into filing candidates. Post-action server errors always
// produce a candidate, verdict or not.
func (p *Pipeline) consumeAnalyses() {
	for {
		select {
		case out := <-p.analyses:
			p.handleAnalysis(out)
		default:
			return
		}
	}
}

func (p *Pipeline) handleAnalysis(out analysisOutcome) {
	if out.err != nil {
		p.logger.Warn("Anomaly analysis failed", zap.Error(out.err))
	}
	serverErr := false
	for _, n := range out.evidence.network {
		if n.ServerError() {
			serverErr = true
			break
		}
	}
	if !serverErr && !out.verdict.Defect {
		return
	}

	anomaly := out.verdict.Summary
	details := out.verdict.Description
	if anomaly == "" {
		anomaly = fmt.Sprintf("Server error after %s %q",
			out.evidence.action.Kind, out.evidence.action.Target)
		details = "One or more requests returned a 5xx status after the action."
	}
	p.enqueueReport(defect.Report{
		Anomaly:     anomaly,
		Details:     details,
		PageID:      out.evidence.pageID,
		Phase:       out.evidence.phaseName,
		Screenshot:  out.evidence.after,
		Console:     out.evidence.console,
		Network:     out.evidence.network,
		Steps:       out.evidence.steps,
		ServerError: serverErr,
	})
}

func (p *Pipeline) enqueueReport(r defect.Report) {
	p.filingQueue = append(p.filingQueue, p.builder.Build(r))
}

// launchFiling starts the next queued candidate. Filings run one at a time
// so the dedup registry keeps a single writer, and on a detached context so
// an issue mid-creation is never lost to session shutdown.
func (p *Pipeline) launchFiling(ctx context.Context) {
	if p.filingInFlight || len(p.filingQueue) == 0 {
		return
	}
	cand := p.filingQueue[0]
	fileCtx := context.WithoutCancel(ctx)

	if ok := p.group.TryGo(func() error {
		p.filings <- filingDone{cand: cand, outcome: p.escalate.Process(fileCtx, cand)}
		return nil
	}); ok {
		p.filingQueue = p.filingQueue[1:]
		p.filingInFlight = true
	}
}

func (p *Pipeline) consumeFilings() {
	select {
	case done := <-p.filings:
		p.filingInFlight = false
		p.recordFiling(done)
	default:
	}
}

func (p *Pipeline) recordFiling(done filingDone) {
	p.tally[done.outcome.Status]++
	switch done.outcome.Status {
	case defect.StatusFiled:
		p.filed = append(p.filed, fmt.Sprintf("%s  %s", done.outcome.IssueID, done.cand.Summary))
		p.logger.Info("Defect filed",
			zap.String("issue_id", done.outcome.IssueID),
			zap.String("summary", done.cand.Summary))
	case defect.StatusFilingFailed:
		p.logger.Warn("Defect filing failed", zap.String("summary", done.cand.Summary))
	default:
		p.logger.Debug("Defect candidate resolved",
			zap.String("status", string(done.outcome.Status)),
			zap.String("summary", done.cand.Summary))
	}
}

// selfHeal recovers a stuck or persistently failing loop: one synchronous
// out-of-band consult for an alternative action, a forced phase advance, the
// queued plan cleared and both counters reset.
func (p *Pipeline) selfHeal(ctx context.Context) {
	p.logger.Warn("Session is stuck, self-healing",
		zap.Int("repeat_count", p.mem.RepeatCount()),
		zap.Int("consecutive_failures", p.consecutiveFailures))

	p.plan = nil
	p.pending.Cancel()

	if p.reasoner.Available() {
		if snap, err := p.snapshot(ctx); err == nil {
			if action, err := p.reasoner.ProposeAction(ctx, snap); err == nil {
				p.plan = append(p.plan, action)
			} else {
				p.logger.Warn("Out-of-band consult failed, next step uses the local heuristic", zap.Error(err))
			}
		}
	}

	p.phases.ForceAdvance()
	p.mem.ResetRepeats()
	p.consecutiveFailures = 0
}

// runProbes performs cheap foreground sanity checks whose anomalies feed the
// same candidate path as everything else.
func (p *Pipeline) runProbes(ctx context.Context) {
	var title string
	if err := p.driver.Evaluate(ctx, "document.title", &title); err != nil {
		p.logger.Debug("Probe evaluation failed", zap.Error(err))
		return
	}
	if strings.TrimSpace(title) == "" {
		p.enqueueReport(defect.Report{
			Anomaly: "Page renders without a document title",
			Details: "The current page has an empty document title, which usually " +
				"indicates a broken render or a bare error page.",
			PageID:     p.lastPageID,
			Phase:      p.phases.Current().String(),
			Screenshot: p.lastFrame,
			Steps:      p.mem.RecentSteps(p.cfg.Memory().RecentWindow),
		})
	}
}

func (p *Pipeline) refreshPageState(ctx context.Context) {
	frame, err := p.driver.CaptureFrame(ctx)
	if err != nil {
		p.logger.Debug("Frame capture failed", zap.Error(err))
		frame = nil
	}
	p.lastFrame = frame
	if id, err := p.driver.PageIdentity(ctx); err == nil {
		p.lastPageID = id
	}
}

// shutdown stops new work and waits for in-flight background units, then
// finishes remaining candidates on the foreground. The outstanding reasoning
// request is cancelled best-effort; filings already run detached from the
// session context and complete on their own.
func (p *Pipeline) shutdown(ctx context.Context) {
	p.pending.Cancel()
	if err := p.group.Wait(); err != nil {
		p.logger.Warn("Background pool reported an error", zap.Error(err))
	}

	p.consumeAnalyses()
	p.consumeFilings()

	fileCtx := context.WithoutCancel(ctx)
	for _, cand := range p.filingQueue {
		p.recordFiling(filingDone{cand: cand, outcome: p.escalate.Process(fileCtx, cand)})
	}
	p.filingQueue = nil
}

// filterConsole drops console entries on the configured noise lists so known
// chatty pages neither trigger oracle consults nor pollute defect evidence.
func (p *Pipeline) filterConsole(entries []schemas.ConsoleEntry) []schemas.ConsoleEntry {
	if p.noise == nil {
		return entries
	}
	kept := entries[:0]
	for _, e := range entries {
		if p.noise.IsConsoleNoise(e.Text) {
			p.logger.Debug("Dropping noisy console message", zap.String("text", e.Text))
			continue
		}
		kept = append(kept, e)
	}
	return kept
}

func consoleTexts(entries []schemas.ConsoleEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Text)
	}
	return out
}

func networkLines(entries []schemas.NetworkEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, fmt.Sprintf("%s %s -> %d", e.Method, e.URL, e.Status))
	}
	return out
}
