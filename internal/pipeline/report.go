// File: internal/pipeline/report.go
package pipeline

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nettleworks/ferret/internal/defect"
)

// reportOrder fixes the listing order of candidate outcomes in the report.
var reportOrder = []defect.Status{
	defect.StatusFiled,
	defect.StatusAccepted,
	defect.StatusDuplicateLocal,
	defect.StatusDuplicateRemote,
	defect.StatusDuplicateSemantic,
	defect.StatusIgnored,
	defect.StatusFilingFailed,
}

// writeReport renders the end-of-session summary and writes it to the
// configured path. An empty path only logs the summary.
func (p *Pipeline) writeReport() error {
	text := p.renderReport()
	p.logger.Info("Session finished",
		zap.Int("steps", p.stepsRun),
		zap.String("final_phase", p.phases.Current().String()),
		zap.Int("defects_filed", p.tally[defect.StatusFiled]))

	path := p.cfg.Session().ReportPath
	if path == "" {
		return nil
	}
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return fmt.Errorf("writing session report: %w", err)
	}
	p.logger.Info("Session report written", zap.String("path", path))
	return nil
}

func (p *Pipeline) renderReport() string {
	session := p.cfg.Session()

	var b strings.Builder
	b.WriteString("ferret session report\n")
	b.WriteString("=====================\n\n")
	fmt.Fprintf(&b, "Target:      %s\n", session.TargetURL)
	fmt.Fprintf(&b, "Started:     %s\n", p.startedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Duration:    %s\n", time.Since(p.startedAt).Round(time.Second))
	fmt.Fprintf(&b, "Steps:       %d\n", p.stepsRun)
	fmt.Fprintf(&b, "Final phase: %s\n", p.phases.Current())
	fmt.Fprintf(&b, "Actions:     %s\n", p.mem.Summary())

	b.WriteString("\nDefect candidates\n-----------------\n")
	total := 0
	for _, status := range reportOrder {
		if count := p.tally[status]; count > 0 {
			fmt.Fprintf(&b, "%-20s %d\n", status, count)
			total += count
		}
	}
	if total == 0 {
		b.WriteString("none\n")
	}

	if len(p.filed) > 0 {
		b.WriteString("\nFiled issues\n------------\n")
		for _, line := range p.filed {
			fmt.Fprintf(&b, "%s\n", line)
		}
	}
	return b.String()
}
