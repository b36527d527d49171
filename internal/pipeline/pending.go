// File: internal/pipeline/pending.go
package pipeline

import (
	"context"

	"github.com/nettleworks/ferret/api/schemas"
)

// proposal is the result of one background reasoning request, tagged with the
// page identity it was snapshotted against.
type proposal struct {
	action schemas.Action
	pageID string
	err    error
}

// pendingReasoning is the single-slot handle for the outstanding reasoning
// request. At most one request is in flight at a time; a second request is
// never issued until the first resolves or is cancelled. The slot is owned by
// the foreground loop, the result channel is the only crossing point.
type pendingReasoning struct {
	cancel  context.CancelFunc
	results chan proposal
}

// Idle reports whether a new request may be issued.
func (p *pendingReasoning) Idle() bool {
	return p.results == nil
}

// Issue occupies the slot. The background worker must send exactly one
// proposal on the returned channel; capacity one guarantees the send never
// blocks even if the slot is abandoned on shutdown.
func (p *pendingReasoning) Issue(cancel context.CancelFunc) chan<- proposal {
	p.cancel = cancel
	p.results = make(chan proposal, 1)
	return p.results
}

// Poll checks for a resolved proposal without blocking. On a hit the slot
// returns to idle.
func (p *pendingReasoning) Poll() (proposal, bool) {
	if p.results == nil {
		return proposal{}, false
	}
	select {
	case prop := <-p.results:
		p.clear()
		return prop, true
	default:
		return proposal{}, false
	}
}

// Cancel aborts the outstanding request, if any, and frees the slot.
func (p *pendingReasoning) Cancel() {
	if p.cancel != nil {
		p.cancel()
	}
	p.clear()
}

func (p *pendingReasoning) clear() {
	p.cancel = nil
	p.results = nil
}
