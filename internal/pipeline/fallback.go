// File: internal/pipeline/fallback.go
package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/nettleworks/ferret/api/schemas"
)

// fallbackValue is typed into input fields chosen by the local heuristic.
const fallbackValue = "test input"

// fallbackAction derives a step from the page's static affordances without
// consulting the reasoning service, so the foreground never blocks on a
// pending proposal. Priority: uncovered primary buttons, then inputs and
// selects, then navigation links, then scroll. Chosen elements are marked
// covered immediately so consecutive fallbacks spread across the page.
func (p *Pipeline) fallbackAction(ctx context.Context) schemas.Action {
	affs, err := p.driver.Inventory(ctx)
	if err != nil {
		p.logger.Debug("Inventory unavailable, falling back to scroll", zap.Error(err))
		affs = nil
	}

	for _, a := range affs {
		if a.Kind != schemas.AffordanceButton || !a.Primary {
			continue
		}
		if act, ok := p.adoptFallback(schemas.Action{
			Kind:      schemas.KindClick,
			Target:    a.Text,
			Reasoning: "local fallback: untried primary button",
		}); ok {
			return act
		}
	}

	for _, a := range affs {
		switch a.Kind {
		case schemas.AffordanceInput:
			if act, ok := p.adoptFallback(schemas.Action{
				Kind:      schemas.KindType,
				Target:    a.Text,
				Value:     fallbackValue,
				Reasoning: "local fallback: untried input field",
			}); ok {
				return act
			}
		case schemas.AffordanceSelect:
			// Options are unknown without the reasoning service; clicking at
			// least opens the control and exercises its handlers.
			if act, ok := p.adoptFallback(schemas.Action{
				Kind:      schemas.KindClick,
				Target:    a.Text,
				Reasoning: "local fallback: untried select",
			}); ok {
				return act
			}
		}
	}

	for _, a := range affs {
		if a.Kind != schemas.AffordanceLink {
			continue
		}
		if act, ok := p.adoptFallback(schemas.Action{
			Kind:      schemas.KindClick,
			Target:    a.Text,
			Reasoning: "local fallback: untried link",
		}); ok {
			return act
		}
	}

	if !p.mem.ShouldAvoidScroll() {
		return schemas.Action{
			Kind:      schemas.KindScroll,
			Direction: schemas.ScrollDown,
			Reasoning: "local fallback: scroll for new content",
		}
	}
	if len(affs) > 0 {
		return schemas.Action{
			Kind:      schemas.KindHover,
			Target:    affs[0].Text,
			Reasoning: "local fallback: scrolling saturated, hovering instead",
		}
	}
	return schemas.ExploreAction("no affordances available on this page")
}

// adoptFallback accepts a candidate action unless the coverage map or the
// action memory says it has been tried, and marks coverage on adoption.
func (p *Pipeline) adoptFallback(action schemas.Action) (schemas.Action, bool) {
	if action.Target == "" {
		return schemas.Action{}, false
	}
	key := p.mem.ElementKey(action.Kind, action.Target)
	if p.mem.Covered(p.lastPageID, key) {
		return schemas.Action{}, false
	}
	if p.mem.AlreadyDone(action.Kind, action.Target, action.Value) {
		return schemas.Action{}, false
	}
	p.mem.MarkCovered(p.lastPageID, key)
	return action, true
}
