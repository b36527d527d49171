// File: internal/defect/builder.go
package defect

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/nettleworks/ferret/api/schemas"
	"github.com/nettleworks/ferret/internal/config"
	"github.com/nettleworks/ferret/internal/memory"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Report holds everything known about an anomaly at the moment it was
// observed, before the builder turns it into a candidate.
type Report struct {
	Anomaly    string
	Details    string
	PageID     string
	Phase      string
	Screenshot []byte
	Console    []schemas.ConsoleEntry
	Network    []schemas.NetworkEntry
	Steps      []memory.Entry
	// ServerError marks candidates that bypass the ignorable filter.
	ServerError bool
}

// Builder assembles defect candidates: summary with the configured prefix,
// a sectioned description with reproduction steps, and an on-disk evidence
// bundle.
type Builder struct {
	logger *zap.Logger
	cfg    config.DefectsConfig
}

func NewBuilder(cfg config.DefectsConfig, logger *zap.Logger) *Builder {
	return &Builder{
		logger: logger.Named("defect-builder"),
		cfg:    cfg,
	}
}

// Build produces a candidate ready for the deduplicator, writing the
// evidence bundle as a side effect. Evidence failures degrade to a candidate
// without attachments; they never block escalation.
func (b *Builder) Build(r Report) Candidate {
	id := uuid.NewString()
	cand := Candidate{
		ID:          id,
		Summary:     b.summary(r.Anomaly),
		Description: b.description(r),
		ServerError: r.ServerError,
	}

	paths, err := b.writeEvidence(id, r)
	if err != nil {
		b.logger.Warn("Failed to write evidence bundle", zap.String("candidate", id), zap.Error(err))
	}
	cand.EvidencePaths = paths
	return cand
}

func (b *Builder) summary(anomaly string) string {
	anomaly = strings.TrimSpace(strings.Join(strings.Fields(anomaly), " "))
	if len(anomaly) > 120 {
		anomaly = anomaly[:120]
	}
	if b.cfg.SummaryPrefix == "" {
		return anomaly
	}
	return b.cfg.SummaryPrefix + " " + anomaly
}

func (b *Builder) description(r Report) string {
	var sb strings.Builder

	sb.WriteString("h3. What happened\n")
	sb.WriteString(r.Anomaly)
	if r.Details != "" {
		sb.WriteString("\n\n")
		sb.WriteString(r.Details)
	}
	sb.WriteString("\n\n")

	sb.WriteString("h3. Where\n")
	fmt.Fprintf(&sb, "Page: %s\nTest phase: %s\nObserved: %s\n\n",
		r.PageID, r.Phase, time.Now().Format(time.RFC3339))

	if len(r.Steps) > 0 {
		sb.WriteString("h3. Steps to reproduce\n")
		for i, step := range r.Steps {
			line := fmt.Sprintf("%d. %s %q", i+1, step.Kind, step.TargetKey)
			if step.Value != "" {
				line += fmt.Sprintf(" with value %q", step.Value)
			}
			if step.Outcome != "" {
				line += " -> " + step.Outcome
			}
			sb.WriteString(line + "\n")
		}
		sb.WriteString("\n")
	}

	if len(r.Network) > 0 {
		sb.WriteString("h3. Failed requests\n")
		for _, n := range r.Network {
			fmt.Fprintf(&sb, "%s %s -> %d\n", n.Method, n.URL, n.Status)
		}
		sb.WriteString("\n")
	}

	if len(r.Console) > 0 {
		sb.WriteString("h3. Console excerpt\n")
		limit := len(r.Console)
		if limit > 15 {
			limit = 15
		}
		for _, c := range r.Console[len(r.Console)-limit:] {
			fmt.Fprintf(&sb, "[%s] %s\n", c.Level, c.Text)
		}
	}

	return strings.TrimSpace(sb.String())
}

// writeEvidence persists screenshot.png, console.log, network.log and
// candidate.json under a per-candidate directory.
func (b *Builder) writeEvidence(id string, r Report) ([]string, error) {
	if b.cfg.EvidenceDir == "" {
		return nil, nil
	}
	dir := filepath.Join(b.cfg.EvidenceDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating evidence dir: %w", err)
	}

	var paths []string
	write := func(name string, data []byte) {
		if len(data) == 0 {
			return
		}
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, data, 0o644); err != nil {
			b.logger.Warn("Failed to write evidence file", zap.String("path", p), zap.Error(err))
			return
		}
		paths = append(paths, p)
	}

	write("screenshot.png", r.Screenshot)

	if len(r.Console) > 0 {
		var lines []string
		for _, c := range r.Console {
			lines = append(lines, fmt.Sprintf("%s [%s] %s",
				c.Timestamp.Format(time.RFC3339), c.Level, c.Text))
		}
		write("console.log", []byte(strings.Join(lines, "\n")+"\n"))
	}

	if len(r.Network) > 0 {
		var lines []string
		for _, n := range r.Network {
			lines = append(lines, fmt.Sprintf("%s %s %s -> %d",
				n.Timestamp.Format(time.RFC3339), n.Method, n.URL, n.Status))
		}
		write("network.log", []byte(strings.Join(lines, "\n")+"\n"))
	}

	meta, err := json.MarshalIndent(map[string]any{
		"id":      id,
		"anomaly": r.Anomaly,
		"page":    r.PageID,
		"phase":   r.Phase,
	}, "", "  ")
	if err == nil {
		write("candidate.json", meta)
	}

	return paths, nil
}
