// Package guard enforces at-most-one-active-run-per-key semantics. A newer
// admission for a key cancels the in-flight run's context, which propagates
// to the executor subprocess.
package guard

import (
	"context"
	"errors"
	"sync"
)

// ErrSuperseded is the cancellation cause set on a run displaced by a newer
// admission for the same key.
var ErrSuperseded = errors.New("run superseded by a newer run for the same workflow key")

// IsSuperseded reports whether ctx was canceled because its run was
// superseded.
func IsSuperseded(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), ErrSuperseded)
}

// Key identifies a logical workflow. Runs with equal keys supersede each
// other; runs with distinct keys proceed independently.
type Key struct {
	Workflow string // workflow name
	Event    string // trigger event type, e.g. "push"
	Ref      string // branch or ref
}

// Guard admits runs and cancels in-flight runs that have been superseded.
// The zero value is not usable; use New.
type Guard struct {
	mu     sync.Mutex
	active map[Key]*Admission
}

// Admission is a run's claim on a workflow key. The run must use Context()
// for all downstream work and call Release() when it reaches a terminal
// state.
type Admission struct {
	key    Key
	ctx    context.Context
	cancel context.CancelCauseFunc
	guard  *Guard
}

// New creates a new Guard.
func New() *Guard {
	return &Guard{active: make(map[Key]*Admission)}
}

// Admit registers a run for key. Any in-flight run for the same key is
// canceled with ErrSuperseded before the new admission is returned.
func (g *Guard) Admit(ctx context.Context, key Key) *Admission {
	g.mu.Lock()
	defer g.mu.Unlock()

	if prev, ok := g.active[key]; ok {
		prev.cancel(ErrSuperseded)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	adm := &Admission{
		key:    key,
		ctx:    runCtx,
		cancel: cancel,
		guard:  g,
	}
	g.active[key] = adm
	return adm
}

// Context returns the run-scoped context. It is canceled with ErrSuperseded
// when a newer run is admitted for the same key.
func (a *Admission) Context() context.Context {
	return a.ctx
}

// Key returns the workflow key this admission holds.
func (a *Admission) Key() Key {
	return a.key
}

// Release ends the admission. The key slot is freed only if this admission
// still holds it; a superseding admission is never displaced.
func (a *Admission) Release() {
	a.cancel(nil)

	a.guard.mu.Lock()
	defer a.guard.mu.Unlock()
	if a.guard.active[a.key] == a {
		delete(a.guard.active, a.key)
	}
}
