// File: internal/defect/dedup.go
package defect

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/nettleworks/ferret/api/schemas"
	"github.com/nettleworks/ferret/internal/config"
)

// Tracker is the slice of the issue tracker the deduplicator needs. An
// unconfigured tracker reports Enabled() == false and turns the remote gate
// and filing into no-ops.
type Tracker interface {
	Enabled() bool
	Search(ctx context.Context, keywords []string) ([]schemas.Issue, error)
	Create(ctx context.Context, summary, description string) (string, error)
	Attach(ctx context.Context, issueID, path string) error
}

// Oracle answers the semantic gate's strict yes/no duplicate question.
type Oracle interface {
	YesNo(ctx context.Context, question string) (bool, error)
}

// Candidate is a potential defect on its way through the gates.
type Candidate struct {
	ID          string
	Summary     string
	Description string
	// ServerError forces escalation past the ignorable filter; 5xx responses
	// observed after an action are never noise.
	ServerError bool
	// EvidencePaths are files to attach once an issue is filed.
	EvidencePaths []string
}

// Status classifies what happened to a candidate.
type Status string

const (
	StatusIgnored           Status = "ignored"
	StatusDuplicateLocal    Status = "duplicate_local"
	StatusDuplicateRemote   Status = "duplicate_remote"
	StatusDuplicateSemantic Status = "duplicate_semantic"
	StatusFiled             Status = "filed"
	StatusFilingFailed      Status = "filing_failed"
	// StatusAccepted is used when no tracker is configured: the candidate
	// passed every gate and is registered locally, but nothing was filed.
	StatusAccepted Status = "accepted"
)

// Outcome is the result of pushing one candidate through the pipeline.
type Outcome struct {
	Status  Status
	IssueID string
}

// registered is one entry in the session-local registry consulted by the
// local gate.
type registered struct {
	normalized string
	issueID    string
}

// Deduplicator runs the ignorable filter and the three escalating dedup
// gates. It is owned by the foreground loop: Process must not be called
// concurrently.
type Deduplicator struct {
	logger     *zap.Logger
	cfg        config.DefectsConfig
	filter     *Filter
	similarity Similarity
	tracker    Tracker
	oracle     Oracle
	registry   []registered
}

// NewDeduplicator wires the gates together. A nil oracle disables the
// semantic gate.
func NewDeduplicator(cfg config.DefectsConfig, filter *Filter, sim Similarity, tracker Tracker, oracle Oracle, logger *zap.Logger) *Deduplicator {
	if sim == nil {
		sim = TokenSetJaccard{}
	}
	return &Deduplicator{
		logger:     logger.Named("dedup"),
		cfg:        cfg,
		filter:     filter,
		similarity: sim,
		tracker:    tracker,
		oracle:     oracle,
	}
}

var (
	urlPattern    = regexp.MustCompile(`https?://\S+`)
	punctPattern  = regexp.MustCompile(`[^\w\s]`)
	spacesPattern = regexp.MustCompile(`\s+`)
)

// normalizeSummary strips the filing prefix, URLs and punctuation, lower
// cases, collapses whitespace and caps the length. Both the registry and
// incoming candidates go through this before comparison.
func (d *Deduplicator) normalizeSummary(s string) string {
	s = strings.ToLower(s)
	if p := strings.ToLower(d.cfg.SummaryPrefix); p != "" {
		s = strings.TrimPrefix(s, p)
	}
	s = urlPattern.ReplaceAllString(s, " ")
	s = punctPattern.ReplaceAllString(s, " ")
	s = strings.TrimSpace(spacesPattern.ReplaceAllString(s, " "))
	if len(s) > 160 {
		s = s[:160]
	}
	return s
}

// Process pushes a candidate through the filter and the gates, filing a new
// issue only when everything else fails to match.
func (d *Deduplicator) Process(ctx context.Context, cand Candidate) Outcome {
	if !cand.ServerError && d.filter.IsIgnorable(cand.Summary, cand.Description) {
		d.logger.Debug("Candidate matched the noise list", zap.String("summary", cand.Summary))
		return Outcome{Status: StatusIgnored}
	}

	normalized := d.normalizeSummary(cand.Summary)

	// Gate 1: session-local registry, exact then fuzzy. No network involved.
	if id, hit := d.localGate(normalized); hit {
		d.logger.Info("Duplicate suppressed by the local gate",
			zap.String("summary", cand.Summary), zap.String("issue_id", id))
		return Outcome{Status: StatusDuplicateLocal, IssueID: id}
	}

	// Gate 2: search the tracker for an open issue covering the same defect.
	if issue, hit := d.remoteGate(ctx, normalized); hit {
		// Register both phrasings so either guards the local gate next time.
		d.register(normalized, issue.ID)
		d.register(d.normalizeSummary(issue.Summary), issue.ID)
		return Outcome{Status: StatusDuplicateRemote, IssueID: issue.ID}
	}

	// Gate 3: ask the oracle whether any recently registered summary already
	// describes this defect.
	if d.semanticGate(ctx, cand) {
		d.register(normalized, "")
		return Outcome{Status: StatusDuplicateSemantic}
	}

	return d.file(ctx, cand, normalized)
}

func (d *Deduplicator) localGate(normalized string) (string, bool) {
	for _, r := range d.registry {
		if r.normalized == normalized {
			return r.issueID, true
		}
		if d.similarity.Score(normalized, r.normalized) >= d.cfg.SimilarityThreshold {
			return r.issueID, true
		}
	}
	return "", false
}

func (d *Deduplicator) remoteGate(ctx context.Context, normalized string) (schemas.Issue, bool) {
	if d.tracker == nil || !d.tracker.Enabled() {
		return schemas.Issue{}, false
	}
	keywords := Keywords(normalized, d.cfg.MaxSearchKeywords)
	if len(keywords) == 0 {
		return schemas.Issue{}, false
	}
	issues, err := d.tracker.Search(ctx, keywords)
	if err != nil {
		// A broken tracker must not suppress a real defect; let the gate pass.
		d.logger.Warn("Tracker search failed, skipping remote gate", zap.Error(err))
		return schemas.Issue{}, false
	}
	for _, issue := range issues {
		if d.similarity.Score(normalized, d.normalizeSummary(issue.Summary)) >= d.cfg.SimilarityThreshold {
			d.logger.Info("Duplicate matched an existing tracker issue",
				zap.String("issue_id", issue.ID), zap.String("summary", issue.Summary))
			return issue, true
		}
	}
	return schemas.Issue{}, false
}

func (d *Deduplicator) semanticGate(ctx context.Context, cand Candidate) bool {
	if d.oracle == nil || len(d.registry) == 0 {
		return false
	}
	window := d.cfg.SemanticGateWindow
	start := 0
	if window > 0 && len(d.registry) > window {
		start = len(d.registry) - window
	}
	var recent []string
	for _, r := range d.registry[start:] {
		recent = append(recent, "- "+r.normalized)
	}

	question := fmt.Sprintf(
		"A web testing agent found this defect:\n%s\n\nAlready reported defects:\n%s\n\n"+
			"Does any already reported defect describe the same underlying problem? Answer strictly yes or no.",
		cand.Summary, strings.Join(recent, "\n"))

	dup, err := d.oracle.YesNo(ctx, question)
	if err != nil {
		d.logger.Warn("Semantic gate unavailable, letting candidate through", zap.Error(err))
		return false
	}
	return dup
}

func (d *Deduplicator) file(ctx context.Context, cand Candidate, normalized string) Outcome {
	if d.tracker == nil || !d.tracker.Enabled() {
		// No tracker: remember the defect locally so the session does not
		// rediscover it every step.
		d.register(normalized, "")
		d.logger.Info("Defect accepted without filing (tracker unconfigured)",
			zap.String("summary", cand.Summary))
		return Outcome{Status: StatusAccepted}
	}

	id, err := d.tracker.Create(ctx, cand.Summary, cand.Description)
	if err != nil {
		// Deliberately not registered: the candidate may be retried later and
		// will face the same gates again.
		d.logger.Error("Failed to file defect", zap.Error(err), zap.String("summary", cand.Summary))
		return Outcome{Status: StatusFilingFailed}
	}

	for _, path := range cand.EvidencePaths {
		if err := d.tracker.Attach(ctx, id, path); err != nil {
			d.logger.Warn("Failed to attach evidence",
				zap.String("issue_id", id), zap.String("path", path), zap.Error(err))
		}
	}

	d.register(normalized, id)
	d.logger.Info("Defect filed", zap.String("issue_id", id), zap.String("summary", cand.Summary))
	return Outcome{Status: StatusFiled, IssueID: id}
}

func (d *Deduplicator) register(normalized, issueID string) {
	d.registry = append(d.registry, registered{normalized: normalized, issueID: issueID})
}

// RegisteredCount exposes the registry size for the session report.
func (d *Deduplicator) RegisteredCount() int {
	return len(d.registry)
}
