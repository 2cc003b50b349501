package pool

import (
	"sync"
	"time"

	"github.com/emotescope/emotescope/internal/browser"
)

// Outcome is the caller's verdict on a handle when a lease is returned.
type Outcome int

const (
	// OutcomeHealthy returns the handle to the idle set for reuse.
	OutcomeHealthy Outcome = iota
	// OutcomeUnhealthy discards the handle; it is never handed out again.
	OutcomeUnhealthy
)

// Lease is a time-bounded, single-owner right to use one pooled browser.
// It references the handle, it does not own it: ownership stays with the
// pool and comes back on Release.
type Lease struct {
	id       string
	h        *handle
	p        *Pool
	deadline time.Time

	once sync.Once
}

// ID is the opaque lease identity.
func (l *Lease) ID() string { return l.id }

// HandleID identifies the leased browser handle.
func (l *Lease) HandleID() string { return l.h.proc.ID() }

// Deadline is the instant by which the lease must be released. Callers
// should bound their work by it.
func (l *Lease) Deadline() time.Time { return l.deadline }

// Process exposes the leased browser for task execution. Valid only until
// Release.
func (l *Lease) Process() browser.Process { return l.h.proc }

// Release returns the handle to the pool. Only the first call has any
// effect; calling again is a no-op, which makes exactly-once release easy
// to guarantee on every exit path.
func (l *Lease) Release(outcome Outcome) {
	l.once.Do(func() {
		l.p.release(l.h, outcome == OutcomeHealthy)
	})
}
