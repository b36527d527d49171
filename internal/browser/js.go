// File: internal/browser/js.go
package browser

import (
	"fmt"
	"strings"
)

// jsString encodes a Go string as a safe JS string literal.
func jsString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `\'`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	return "'" + s + "'"
}

// inventoryScript lists visible interactable elements. Returned objects match
// schemas.Affordance.
const inventoryScript = `(() => {
	const visible = (el) => {
		const r = el.getBoundingClientRect();
		if (r.width === 0 || r.height === 0) return false;
		if (r.bottom < 0 || r.top > window.innerHeight) return false;
		const style = getComputedStyle(el);
		return style.visibility !== 'hidden' && style.display !== 'none';
	};
	const label = (el) => {
		const text = (el.innerText || el.value || el.placeholder ||
			el.getAttribute('aria-label') || el.name || '').trim();
		return text.replace(/\s+/g, ' ').slice(0, 80);
	};
	const cssPath = (el) => {
		const parts = [];
		while (el && el.nodeType === 1 && parts.length < 6) {
			let part = el.localName;
			if (el.id) { parts.unshift(part + '#' + CSS.escape(el.id)); break; }
			const parent = el.parentElement;
			if (parent) {
				const siblings = Array.from(parent.children).filter(c => c.localName === el.localName);
				if (siblings.length > 1) part += ':nth-of-type(' + (siblings.indexOf(el) + 1) + ')';
			}
			parts.unshift(part);
			el = parent;
		}
		return parts.join(' > ');
	};
	const out = [];
	const push = (el, kind, primary) => {
		if (!visible(el)) return;
		const text = label(el);
		if (!text && kind !== 'input') return;
		out.push({kind, text, selector: cssPath(el), primary: !!primary});
	};
	document.querySelectorAll('button, [role=button], input[type=submit], input[type=button]').forEach(el => {
		const primary = el.type === 'submit' ||
			/primary|cta|btn-main/.test(el.className || '');
		push(el, 'button', primary);
	});
	document.querySelectorAll('input:not([type=submit]):not([type=button]):not([type=hidden]), textarea').forEach(el => push(el, 'input'));
	document.querySelectorAll('select').forEach(el => push(el, 'select'));
	document.querySelectorAll('a[href]').forEach(el => push(el, 'link'));
	return out.slice(0, 60);
})()`

// markTargetScript finds the best element for a target description inside a
// scope selector and tags it with the marker attribute. Match order: exact
// text, text prefix, substring.
func markTargetScript(target, scopeSelector string) string {
	return fmt.Sprintf(`(() => {
	const wanted = %s.trim().toLowerCase();
	const scope = %s;
	document.querySelectorAll('[%s]').forEach(el => el.removeAttribute('%s'));
	const label = (el) => (el.innerText || el.value || el.placeholder ||
		el.getAttribute('aria-label') || el.name || '').trim().toLowerCase().replace(/\s+/g, ' ');
	const candidates = Array.from(document.querySelectorAll(scope));
	let best = candidates.find(el => label(el) === wanted) ||
		candidates.find(el => label(el).startsWith(wanted)) ||
		candidates.find(el => label(el).includes(wanted));
	if (!best) return false;
	best.setAttribute('%s', '1');
	return true;
})()`, jsString(target), jsString(scopeSelector), markAttr, markAttr, markAttr)
}

// clearMarkScript removes the marker attribute wherever it landed.
const clearMarkScript = `(() => {
	document.querySelectorAll('[` + markAttr + `]').forEach(el => {
		el.removeAttribute('` + markAttr + `');
		el.removeAttribute('data-ferret-option');
	});
	return true;
})()`

// hoverMarkedScript fires the hover event chain on the marked element.
const hoverMarkedScript = `(() => {
	const el = document.querySelector('` + markedSelector + `');
	if (!el) return false;
	for (const type of ['pointerover', 'mouseover', 'mouseenter']) {
		el.dispatchEvent(new MouseEvent(type, {bubbles: true, cancelable: true, view: window}));
	}
	return true;
})()`

// selectMarkedOptionScript picks the option stashed on the marked select and
// fires change.
const selectMarkedOptionScript = `(() => {
	const el = document.querySelector('` + markedSelector + `');
	if (!el) return false;
	const wanted = (el.getAttribute('data-ferret-option') || '').trim().toLowerCase();
	const option = Array.from(el.options).find(o =>
		o.text.trim().toLowerCase() === wanted || o.value.toLowerCase() === wanted);
	if (!option) return false;
	el.value = option.value;
	el.dispatchEvent(new Event('change', {bubbles: true}));
	return true;
})()`

// closeModalScript clicks the first visible dedicated close control.
const closeModalScript = `(() => {
	const selectors = [
		'[aria-label="Close"]', '[aria-label="close"]', '[data-dismiss]',
		'.modal-close', '.close-button', 'button.close',
		'[class*="modal"] [class*="close"]',
	];
	for (const sel of selectors) {
		const el = document.querySelector(sel);
		if (el && el.offsetParent !== null) { el.click(); return true; }
	}
	return false;
})()`

// cookieBannerScript clicks the first visible button whose label matches one
// of the configured consent texts.
func cookieBannerScript(texts []string) string {
	quoted := make([]string, len(texts))
	for i, t := range texts {
		quoted[i] = jsString(strings.ToLower(t))
	}
	return fmt.Sprintf(`(() => {
	const wanted = [%s];
	const buttons = Array.from(document.querySelectorAll('button, [role=button], a'));
	for (const el of buttons) {
		const text = (el.innerText || '').trim().toLowerCase();
		if (text && wanted.some(w => text === w) && el.offsetParent !== null) {
			el.click();
			return true;
		}
	}
	return false;
})()`, strings.Join(quoted, ", "))
}
