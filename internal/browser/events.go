// File: internal/browser/events.go
package browser

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"github.com/nettleworks/ferret/api/schemas"
)

// eventBuffer accumulates console and failed-network events delivered on
// chromedp's listener goroutine. Both logs are ring-capped: the newest
// entries win.
type eventBuffer struct {
	mu           sync.Mutex
	console      []schemas.ConsoleEntry
	network      []schemas.NetworkEntry
	popups       []target.ID
	consoleLimit int
	networkLimit int
}

func newEventBuffer(consoleLimit, networkLimit int) *eventBuffer {
	return &eventBuffer{
		consoleLimit: consoleLimit,
		networkLimit: networkLimit,
	}
}

func (b *eventBuffer) addConsole(e schemas.ConsoleEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.console = append(b.console, e)
	if b.consoleLimit > 0 && len(b.console) > b.consoleLimit {
		b.console = b.console[len(b.console)-b.consoleLimit:]
	}
}

func (b *eventBuffer) addNetwork(e schemas.NetworkEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.network = append(b.network, e)
	if b.networkLimit > 0 && len(b.network) > b.networkLimit {
		b.network = b.network[len(b.network)-b.networkLimit:]
	}
}

func (b *eventBuffer) addPopup(id target.ID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.popups = append(b.popups, id)
}

// takePopup removes and returns the oldest pending popup target.
func (b *eventBuffer) takePopup() (target.ID, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.popups) == 0 {
		return "", false
	}
	id := b.popups[0]
	b.popups = b.popups[1:]
	return id, true
}

// drainConsole returns and clears the captured console entries.
func (b *eventBuffer) drainConsole() []schemas.ConsoleEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.console
	b.console = nil
	return out
}

// drainNetwork returns and clears the captured failed responses.
func (b *eventBuffer) drainNetwork() []schemas.NetworkEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.network
	b.network = nil
	return out
}

// listen wires CDP events into the buffer.
func (d *Driver) listen(ctx context.Context) {
	chromedp.ListenTarget(ctx, func(ev any) {
		switch e := ev.(type) {
		case *runtime.EventConsoleAPICalled:
			if e.Type != runtime.APITypeError && e.Type != runtime.APITypeWarning {
				return
			}
			var parts []string
			for _, arg := range e.Args {
				if len(arg.Value) > 0 {
					parts = append(parts, strings.Trim(string(arg.Value), `"`))
				} else if arg.Description != "" {
					parts = append(parts, arg.Description)
				}
			}
			d.events.addConsole(schemas.ConsoleEntry{
				Level:     string(e.Type),
				Text:      strings.Join(parts, " "),
				Timestamp: time.Now(),
			})

		case *runtime.EventExceptionThrown:
			text := "Uncaught exception"
			if e.ExceptionDetails != nil {
				text = e.ExceptionDetails.Text
				if e.ExceptionDetails.Exception != nil && e.ExceptionDetails.Exception.Description != "" {
					text = e.ExceptionDetails.Exception.Description
				}
			}
			d.events.addConsole(schemas.ConsoleEntry{
				Level:     "exception",
				Text:      text,
				Timestamp: time.Now(),
			})

		case *network.EventResponseReceived:
			if e.Response == nil || e.Response.Status < 400 {
				return
			}
			d.events.addNetwork(schemas.NetworkEntry{
				URL:       e.Response.URL,
				Status:    int(e.Response.Status),
				Timestamp: time.Now(),
			})
		}
	})
}

// listenBrowser watches browser-level target events for popups opened by page
// actions (target=_blank links, window.open). The listener only records the
// target id; adoption happens later on the pipeline goroutine.
func (d *Driver) listenBrowser(ctx context.Context) {
	chromedp.ListenBrowser(ctx, func(ev any) {
		e, ok := ev.(*target.EventTargetCreated)
		if !ok {
			return
		}
		info := e.TargetInfo
		if info == nil || info.Type != "page" || info.OpenerID == "" {
			return
		}
		d.events.addPopup(info.TargetID)
	})
}

// ConsoleMessages drains the captured console errors and exceptions.
func (d *Driver) ConsoleMessages() []schemas.ConsoleEntry {
	return d.events.drainConsole()
}

// FailedRequests drains the captured failed network responses.
func (d *Driver) FailedRequests() []schemas.NetworkEntry {
	return d.events.drainNetwork()
}
