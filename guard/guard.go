/*
	Package guard tracks file readiness and gates operations on their
	reads, the way repeatr's scheduler gates a Formula on its Inputs
	being resolvable -- except here the granularity is a single file
	path rather than a whole content-addressed input, since the CORE
	memoizes at the operation level.

	A Guard is only ever touched from the memoizer's single driver
	goroutine (spec §5: "no locking is required on these in-process
	structures"), so it carries no internal synchronization.
*/
package guard

import "github.com/polydawn/memo/op"

// FileState is where a tracked path stands.
type FileState int

const (
	Unknown FileState = iota
	Ready
	Never
)

type pending struct {
	op        *op.Operation
	remaining map[string]struct{}
}

// Guard maps file paths to readiness and holds the set of operations
// still waiting on their reads.
type Guard struct {
	files map[string]FileState

	// ops registered but not yet allowed, keyed by op for O(1) removal.
	pending map[*op.Operation]*pending
	// index: which pending ops are unblocked by a given path becoming Ready.
	waiters map[string][]*op.Operation

	allowed []*op.Operation
}

// New returns an empty Guard.
func New() *Guard {
	return &Guard{
		files:   make(map[string]FileState),
		pending: make(map[*op.Operation]*pending),
		waiters: make(map[string][]*op.Operation),
	}
}

// Add registers o. If its reads are already all satisfied it becomes
// immediately allowed; if any read is Never, o is marked Aborted and
// still made allowed so the memoizer can surface the failure.
func (g *Guard) Add(o *op.Operation) {
	remaining := make(map[string]struct{}, len(o.Reads))
	for path := range o.Reads {
		switch g.files[path] {
		case Never:
			o.Status = op.Aborted
			g.allowed = append(g.allowed, o)
			return
		case Ready:
			// satisfied, nothing to wait on
		default:
			remaining[path] = struct{}{}
		}
	}

	if len(remaining) == 0 {
		g.allowed = append(g.allowed, o)
		return
	}

	p := &pending{op: o, remaining: remaining}
	g.pending[o] = p
	for path := range remaining {
		g.waiters[path] = append(g.waiters[path], o)
	}
}

// SetFileReady transitions path to Ready. Idempotent: calling it twice,
// or calling it on a path already Ready, has no further effect. A path
// already Never never regresses to Ready; the call is ignored.
func (g *Guard) SetFileReady(path string) {
	switch g.files[path] {
	case Ready, Never:
		return
	}
	g.files[path] = Ready
	g.wake(path)
}

// SetFileNever transitions path to Never, aborting any operation still
// waiting on it. A path already Ready never regresses; the call is
// ignored, matching the invariant that a path never regresses from a
// terminal state.
func (g *Guard) SetFileNever(path string) {
	switch g.files[path] {
	case Ready, Never:
		return
	}
	g.files[path] = Never
	g.wake(path)
}

// wake unblocks every op waiting on path, whichever way path resolved.
func (g *Guard) wake(path string) {
	waiting := g.waiters[path]
	delete(g.waiters, path)
	state := g.files[path]
	for _, o := range waiting {
		p, ok := g.pending[o]
		if !ok {
			continue // already resolved via another path in the same batch
		}
		if state == Never {
			delete(g.pending, o)
			o.Status = op.Aborted
			g.allowed = append(g.allowed, o)
			continue
		}
		delete(p.remaining, path)
		if len(p.remaining) == 0 {
			delete(g.pending, o)
			g.allowed = append(g.allowed, o)
		}
	}
}

// Allowed pops one allowed op, FIFO over allowance order, or reports
// false if none is currently allowed.
func (g *Guard) Allowed() (*op.Operation, bool) {
	if len(g.allowed) == 0 {
		return nil, false
	}
	o := g.allowed[0]
	g.allowed = g.allowed[1:]
	return o, true
}

// Idle reports whether the guard has nothing allowed and nothing
// pending -- used by the memoizer's stir loop to detect quiescence.
func (g *Guard) Idle() bool {
	return len(g.allowed) == 0 && len(g.pending) == 0
}

// FileState reports the current state of path.
func (g *Guard) FileState(path string) FileState {
	return g.files[path]
}

// PendingOps returns the operations still waiting on unmet reads, for use
// by cycle/never-ready diagnosis in the memoizer.
func (g *Guard) PendingOps() []*op.Operation {
	out := make([]*op.Operation, 0, len(g.pending))
	for o := range g.pending {
		out = append(out, o)
	}
	return out
}

// UnmetReads returns the set of paths o is still waiting on, or nil if o
// isn't currently pending.
func (g *Guard) UnmetReads(o *op.Operation) []string {
	p, ok := g.pending[o]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(p.remaining))
	for path := range p.remaining {
		out = append(out, path)
	}
	return out
}
