// File: internal/browser/actions.go
package browser

import (
	"context"
	"fmt"

	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"go.uber.org/zap"

	"github.com/nettleworks/ferret/api/schemas"
)

// markAttr is set on the element resolved for the current action, giving
// chromedp a stable selector regardless of how the element was found.
const markAttr = "data-ferret-target"

const markedSelector = "[" + markAttr + "]"

// Act executes a single action against the current page. Explore and
// flag_defect carry no page interaction and return immediately.
func (d *Driver) Act(ctx context.Context, action schemas.Action) error {
	switch action.Kind {
	case schemas.KindExplore, schemas.KindFlagDefect:
		return nil
	case schemas.KindScroll:
		return d.scroll(action.Direction)
	case schemas.KindPressKey:
		return d.pressKey(action.Value)
	case schemas.KindCloseModal:
		return d.closeModal()
	case schemas.KindClick:
		return d.withMarked(action.Target, "button, a, [role=button], input[type=submit], input[type=button]",
			chromedp.Click(markedSelector, chromedp.ByQuery))
	case schemas.KindHover:
		return d.withMarked(action.Target, "*",
			chromedp.Evaluate(hoverMarkedScript, nil))
	case schemas.KindType:
		return d.withMarked(action.Target, "input, textarea, [contenteditable=true]",
			chromedp.Focus(markedSelector, chromedp.ByQuery),
			chromedp.SetValue(markedSelector, "", chromedp.ByQuery),
			chromedp.SendKeys(markedSelector, action.Value, chromedp.ByQuery))
	case schemas.KindSelectOption:
		return d.withMarked(action.Target, "select",
			chromedp.SetAttributeValue(markedSelector, "data-ferret-option", action.Value, chromedp.ByQuery),
			chromedp.Evaluate(selectMarkedOptionScript, nil))
	default:
		return fmt.Errorf("unknown action kind %q", action.Kind)
	}
}

// withMarked resolves the target description to an element, tags it with the
// marker attribute and runs the given actions against it. The marker is
// cleared afterwards.
func (d *Driver) withMarked(target, scopeSelector string, actions ...chromedp.Action) error {
	opCtx, cancel := context.WithTimeout(d.tabCtx, d.cfg.ActionTimeout)
	defer cancel()

	var found bool
	if err := chromedp.Run(opCtx,
		chromedp.Evaluate(markTargetScript(target, scopeSelector), &found),
	); err != nil {
		return fmt.Errorf("locating %q: %w", target, err)
	}
	if !found {
		return fmt.Errorf("no element matching %q", target)
	}
	defer d.clearMark()

	if err := chromedp.Run(opCtx, actions...); err != nil {
		return fmt.Errorf("acting on %q: %w", target, err)
	}
	return nil
}

func (d *Driver) clearMark() {
	opCtx, cancel := context.WithTimeout(d.tabCtx, d.cfg.ActionTimeout)
	defer cancel()
	if err := chromedp.Run(opCtx, chromedp.Evaluate(clearMarkScript, nil)); err != nil {
		d.logger.Debug("Failed to clear target marker", zap.Error(err))
	}
}

func (d *Driver) scroll(direction schemas.ScrollDirection) error {
	pixels := d.cfg.ScrollPixels
	if direction == schemas.ScrollUp {
		pixels = -pixels
	}
	opCtx, cancel := context.WithTimeout(d.tabCtx, d.cfg.ActionTimeout)
	defer cancel()
	script := fmt.Sprintf("window.scrollBy({top: %d, behavior: 'instant'}); true", pixels)
	return chromedp.Run(opCtx, chromedp.Evaluate(script, nil))
}

func (d *Driver) pressKey(key string) error {
	opCtx, cancel := context.WithTimeout(d.tabCtx, d.cfg.ActionTimeout)
	defer cancel()
	return chromedp.Run(opCtx, chromedp.KeyEvent(normalizeKeyName(key)))
}

// normalizeKeyName maps common key names onto the characters chromedp's
// KeyEvent expects.
func normalizeKeyName(key string) string {
	switch key {
	case "Enter", "enter", "return":
		return "\r"
	case "Tab", "tab":
		return "\t"
	case "Escape", "escape", "esc":
		return kb.Escape
	default:
		return key
	}
}

// closeModal tries dedicated close controls first, then falls back to the
// escape key.
func (d *Driver) closeModal() error {
	opCtx, cancel := context.WithTimeout(d.tabCtx, d.cfg.ActionTimeout)
	defer cancel()

	var closed bool
	if err := chromedp.Run(opCtx, chromedp.Evaluate(closeModalScript, &closed)); err != nil {
		return fmt.Errorf("closing modal: %w", err)
	}
	if closed {
		return nil
	}
	return chromedp.Run(opCtx, chromedp.KeyEvent(kb.Escape))
}
