// File: internal/reasoning/prompts.go
package reasoning

import (
	"fmt"
	"strings"
)

const proposeSystemPrompt = `You are an exploratory web tester driving a real browser.
Given the current page context, propose exactly one next action as a JSON object:
{"action": "<click|type|scroll|hover|close_modal|select_option|press_key|flag_defect|explore>",
 "target": "<visible text or label of the element>",
 "value": "<text to type, option to pick, or key to press>",
 "direction": "<up|down, scroll only>",
 "reasoning": "<one short sentence>"}
Rules: never repeat an action listed as already performed; prefer elements not yet
exercised on this page; use flag_defect with a "summary" field only for behavior a
real user would report as broken. Respond with the JSON object only.`

const analyzeSystemPrompt = `You are the test oracle for an exploratory web testing agent.
Judge whether the observed outcome of an action indicates a genuine product defect,
not flakiness or expected behavior. Respond with a JSON object:
{"is_defect": <bool>, "summary": "<one line, only if is_defect>",
 "description": "<what is broken and why it matters>", "reasoning": "<short>"}
Be conservative: visual change alone is not a defect. Server errors after an action
always are.`

func buildProposePrompt(snap Snapshot) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Current page: %s\n\n", snap.PageID)
	fmt.Fprintf(&sb, "Testing strategy: %s\n\n", snap.Guidance)

	if snap.HistorySummary != "" {
		fmt.Fprintf(&sb, "Session so far: %s\n\n", snap.HistorySummary)
	}

	if len(snap.RecentSteps) > 0 {
		sb.WriteString("Recent actions (do not repeat):\n")
		for _, s := range snap.RecentSteps {
			sb.WriteString("- " + s + "\n")
		}
		sb.WriteString("\n")
	}

	if len(snap.Affordances) > 0 {
		sb.WriteString("Interactable elements on this page:\n")
		for _, a := range snap.Affordances {
			marker := ""
			if a.Primary {
				marker = " (primary)"
			}
			fmt.Fprintf(&sb, "- [%s]%s %q\n", a.Kind, marker, a.Text)
		}
		sb.WriteString("\n")
	}

	if len(snap.ConsoleErrors) > 0 {
		sb.WriteString("Recent console errors:\n")
		for _, e := range snap.ConsoleErrors {
			sb.WriteString("- " + e + "\n")
		}
		sb.WriteString("\n")
	}

	sb.WriteString("Propose the single next action as JSON.")
	return sb.String()
}

func buildAnalyzePrompt(req AnalysisRequest) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Page: %s\n", req.PageID)
	fmt.Fprintf(&sb, "Action performed: %s %q", req.Action.Kind, req.Action.Target)
	if req.Action.Value != "" {
		fmt.Fprintf(&sb, " with value %q", req.Action.Value)
	}
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "Driver outcome: %s\n", req.Outcome)
	fmt.Fprintf(&sb, "Visual change: %s zone, %.1f%% of the viewport\n",
		req.ChangeZone, req.MagnitudePercent)

	if len(req.ConsoleErrors) > 0 {
		sb.WriteString("Console errors after the action:\n")
		for _, e := range req.ConsoleErrors {
			sb.WriteString("- " + e + "\n")
		}
	}
	if len(req.FailedRequests) > 0 {
		sb.WriteString("Failed requests after the action:\n")
		for _, r := range req.FailedRequests {
			sb.WriteString("- " + r + "\n")
		}
	}

	sb.WriteString("\nIs this a genuine defect? Respond with the JSON verdict.")
	return sb.String()
}
