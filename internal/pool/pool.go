// Package pool owns a bounded set of browser process handles and hands
// them out to callers as leases. It is the single synchronization point
// for handle state: handles are mutated only here and by exactly one
// execution context at a time via a lease.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/emotescope/emotescope/internal/browser"
	"github.com/emotescope/emotescope/pkg/models"
)

var (
	// ErrPoolExhausted means the wait queue was full at acquire time.
	// Surfaced to callers as service-busy, never retried internally.
	ErrPoolExhausted = errors.New("pool exhausted")

	// ErrAcquireTimeout means the caller waited past its deadline.
	ErrAcquireTimeout = errors.New("acquire timed out")

	// ErrPoolClosed means the pool has been shut down.
	ErrPoolClosed = errors.New("pool closed")
)

// HandleState tracks a handle through its lifecycle. Transitions are
// monotonic: Starting -> Idle <-> Leased, Idle/Leased -> Crashed,
// Idle/Crashed -> Terminating. Nothing re-enters Starting.
type HandleState string

const (
	StateStarting    HandleState = "STARTING"
	StateIdle        HandleState = "IDLE"
	StateLeased      HandleState = "LEASED"
	StateCrashed     HandleState = "CRASHED"
	StateTerminating HandleState = "TERMINATING"
)

const maxLaunchBackoff = time.Minute

// Config fixes the pool's limits at startup.
type Config struct {
	// MaxHandles caps concurrently live browser processes.
	MaxHandles int
	// MaxQueueDepth caps callers waiting for a handle. Zero means
	// acquire fails immediately once capacity is reached.
	MaxQueueDepth int
	// IdleTTL reclaims handles unused for this long.
	IdleTTL time.Duration
	// LeaseTimeout bounds how long a caller may hold a lease.
	LeaseTimeout time.Duration
	// StartupTimeout bounds a single launch attempt.
	StartupTimeout time.Duration
	// LaunchBackoff is the base delay between launch retries after a
	// failure; it doubles per consecutive failure.
	LaunchBackoff time.Duration
}

type handle struct {
	proc      browser.Process
	state     HandleState
	createdAt time.Time
	lastUsed  time.Time
}

type grant struct {
	lease *Lease
	err   error
}

type waiter struct {
	ch chan grant
}

// Pool is a bounded browser-process pool. Idle handles are reused LIFO so
// warm processes absorb the next request; queued acquirers are served
// strictly FIFO.
type Pool struct {
	cfg      Config
	launcher browser.Launcher
	log      *logrus.Entry
	listener Listener

	mu       sync.Mutex
	idle     []*handle // LIFO stack
	leased   map[string]*handle
	waiters  []*waiter // FIFO queue
	starting int
	checking int // idle handles detached for a sweep health check
	closed   bool

	failures      int
	retryAfter    time.Time
	lastLaunchErr error

	spawned   uint64
	discarded uint64
	swept     uint64
}

// Option configures optional pool behavior.
type Option func(*Pool)

// WithListener registers a pool event listener.
func WithListener(l Listener) Option {
	return func(p *Pool) { p.listener = l }
}

// New creates a pool. No processes are spawned until first demand.
func New(cfg Config, launcher browser.Launcher, log *logrus.Logger, opts ...Option) *Pool {
	p := &Pool{
		cfg:      cfg,
		launcher: launcher,
		log:      log.WithField("component", "pool"),
		leased:   make(map[string]*handle),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pool) liveLocked() int {
	return len(p.idle) + len(p.leased) + p.starting + p.checking
}

// Acquire returns a lease on a browser handle. Selection order: warmest
// idle handle, then a fresh spawn if under capacity and nobody is queued,
// then a FIFO queue slot. Fails with ErrPoolExhausted when the queue is
// full and with ErrAcquireTimeout when ctx expires first. A caller that
// cancels while queued is removed without side effects.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	if n := len(p.idle); n > 0 {
		h := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.leased[h.proc.ID()] = h
		l := p.newLeaseLocked(h)
		p.emit(EventLeased, h.proc.ID())
		p.mu.Unlock()
		return l, nil
	}

	if p.liveLocked() < p.cfg.MaxHandles {
		wait := time.Until(p.retryAfter)
		if len(p.waiters) == 0 {
			if wait > 0 {
				err := p.lastLaunchErr
				p.mu.Unlock()
				return nil, fmt.Errorf("spawn backed off for %s: %w", wait.Round(time.Millisecond), err)
			}
			p.starting++
			p.mu.Unlock()
			return p.spawn(ctx)
		}
		// Capacity freed up during a backoff episode while callers were
		// queued: it belongs to the queue head, not this newcomer, who
		// joins the queue behind them.
		if wait <= 0 {
			w := p.popWaiterLocked()
			p.starting++
			go func() {
				l, err := p.spawn(context.Background())
				w.ch <- grant{lease: l, err: err}
			}()
		}
	}

	if len(p.waiters) >= p.cfg.MaxQueueDepth {
		p.mu.Unlock()
		return nil, ErrPoolExhausted
	}
	w := &waiter{ch: make(chan grant, 1)}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	select {
	case g := <-w.ch:
		return g.lease, g.err
	case <-ctx.Done():
		p.mu.Lock()
		removed := p.removeWaiterLocked(w)
		p.mu.Unlock()
		if !removed {
			// A grant raced the cancellation. Take it and hand the
			// lease straight back so the handle is not stranded.
			go func() {
				g := <-w.ch
				if g.lease != nil {
					g.lease.Release(OutcomeHealthy)
				}
			}()
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrAcquireTimeout
		}
		return nil, ctx.Err()
	}
}

// spawn launches a fresh process for the caller. The starting slot has
// already been reserved under the lock.
func (p *Pool) spawn(ctx context.Context) (*Lease, error) {
	proc := p.launcher.New()

	sctx, cancel := context.WithTimeout(ctx, p.cfg.StartupTimeout)
	err := proc.Start(sctx)
	cancel()

	if err != nil {
		p.mu.Lock()
		p.starting--
		callerGone := ctx.Err() != nil
		fails := p.failures
		if !callerGone {
			p.failures++
			fails = p.failures
			p.lastLaunchErr = err
			p.retryAfter = time.Now().Add(p.backoffLocked())
		}
		p.mu.Unlock()

		if callerGone {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ErrAcquireTimeout
			}
			return nil, ctx.Err()
		}
		p.log.WithError(err).WithField("failures", fails).Warn("browser launch failed")
		return nil, err
	}

	now := time.Now()
	h := &handle{proc: proc, state: StateStarting, createdAt: now, lastUsed: now}

	p.mu.Lock()
	p.starting--
	if p.closed {
		p.mu.Unlock()
		h.state = StateTerminating
		_ = proc.Terminate(context.Background())
		return nil, ErrPoolClosed
	}
	p.leased[proc.ID()] = h
	p.failures = 0
	p.retryAfter = time.Time{}
	p.lastLaunchErr = nil
	p.spawned++
	l := p.newLeaseLocked(h)
	p.emit(EventSpawned, proc.ID())
	p.emit(EventLeased, proc.ID())
	p.mu.Unlock()

	p.log.WithField("handle", proc.ID()).Debug("spawned browser handle")
	return l, nil
}

func (p *Pool) backoffLocked() time.Duration {
	d := p.cfg.LaunchBackoff
	for i := 1; i < p.failures && d < maxLaunchBackoff; i++ {
		d *= 2
	}
	if d > maxLaunchBackoff {
		d = maxLaunchBackoff
	}
	return d
}

func (p *Pool) newLeaseLocked(h *handle) *Lease {
	h.state = StateLeased
	return &Lease{
		id:       uuid.NewString(),
		h:        h,
		p:        p,
		deadline: time.Now().Add(p.cfg.LeaseTimeout),
	}
}

// release is reached exclusively through Lease.Release, which guarantees
// it runs at most once per lease.
func (p *Pool) release(h *handle, healthy bool) {
	id := h.proc.ID()

	if healthy {
		p.mu.Lock()
		if p.closed {
			delete(p.leased, id)
			h.state = StateTerminating
			p.mu.Unlock()
			go func() { _ = h.proc.Terminate(context.Background()) }()
			return
		}
		h.lastUsed = time.Now()
		if w := p.popWaiterLocked(); w != nil {
			// Direct FIFO handoff: the handle never passes through
			// Idle, so a later acquirer cannot barge in front.
			l := p.newLeaseLocked(h)
			w.ch <- grant{lease: l}
			p.emit(EventReleased, id)
			p.emit(EventLeased, id)
			p.mu.Unlock()
			return
		}
		delete(p.leased, id)
		h.state = StateIdle
		p.idle = append(p.idle, h)
		p.emit(EventReleased, id)
		p.mu.Unlock()
		return
	}

	p.mu.Lock()
	delete(p.leased, id)
	h.state = StateCrashed
	p.discarded++
	var w *waiter
	if !p.closed && len(p.waiters) > 0 && p.liveLocked() < p.cfg.MaxHandles && !time.Now().Before(p.retryAfter) {
		// Freed capacity plus a queued waiter is next demand: spawn the
		// lazy replacement for the head of the queue.
		w = p.popWaiterLocked()
		p.starting++
	}
	p.emit(EventDiscarded, id)
	p.mu.Unlock()

	p.log.WithField("handle", id).Info("discarded unhealthy browser handle")
	h.state = StateTerminating
	go func() { _ = h.proc.Terminate(context.Background()) }()

	if w != nil {
		go func() {
			l, err := p.spawn(context.Background())
			w.ch <- grant{lease: l, err: err}
		}()
	}
}

func (p *Pool) popWaiterLocked() *waiter {
	if len(p.waiters) == 0 {
		return nil
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	return w
}

func (p *Pool) removeWaiterLocked(w *waiter) bool {
	for i, cand := range p.waiters {
		if cand == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// Sweep health-checks idle handles and reclaims ones past the idle TTL.
// Leased handles are never touched. Called periodically by the
// supervisor.
func (p *Pool) Sweep(ctx context.Context) {
	now := time.Now()

	p.mu.Lock()
	if p.closed || len(p.idle) == 0 {
		p.mu.Unlock()
		return
	}
	// Detach the idle set so health checks run outside the lock while
	// the handles stay unreachable to acquirers. checking keeps them in
	// the live count so capacity is not overshot meanwhile.
	detached := p.idle
	p.idle = nil
	p.checking = len(detached)
	p.mu.Unlock()

	var keep, drop []*handle
	var expired, dead uint64
	for _, h := range detached {
		switch {
		case now.Sub(h.lastUsed) > p.cfg.IdleTTL:
			expired++
			drop = append(drop, h)
		case !h.proc.Alive(ctx):
			dead++
			h.state = StateCrashed
			drop = append(drop, h)
		default:
			keep = append(keep, h)
		}
	}

	p.mu.Lock()
	p.checking = 0
	p.swept += expired
	p.discarded += dead
	for _, h := range keep {
		if p.closed {
			drop = append(drop, h)
			continue
		}
		if w := p.popWaiterLocked(); w != nil {
			p.leased[h.proc.ID()] = h
			h.lastUsed = time.Now()
			l := p.newLeaseLocked(h)
			w.ch <- grant{lease: l}
			p.emit(EventLeased, h.proc.ID())
			continue
		}
		p.idle = append(p.idle, h)
	}
	for _, h := range drop {
		p.emit(EventSwept, h.proc.ID())
	}
	p.mu.Unlock()

	for _, h := range drop {
		h.state = StateTerminating
		_ = h.proc.Terminate(ctx)
	}
	if expired+dead > 0 {
		p.log.WithFields(logrus.Fields{
			"expired": expired,
			"dead":    dead,
		}).Info("swept idle browser handles")
	}
}

// Stats returns a snapshot of pool occupancy and lifetime counters.
func (p *Pool) Stats() models.PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return models.PoolStats{
		Live:      p.liveLocked(),
		Idle:      len(p.idle) + p.checking,
		Leased:    len(p.leased),
		Starting:  p.starting,
		Waiting:   len(p.waiters),
		Spawned:   p.spawned,
		Discarded: p.discarded,
		Swept:     p.swept,
	}
}

// Close shuts the pool down: queued waiters fail with ErrPoolClosed and
// idle handles are terminated. Outstanding leases terminate their handles
// on release.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	ws := p.waiters
	p.waiters = nil
	hs := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, w := range ws {
		w.ch <- grant{err: ErrPoolClosed}
	}
	for _, h := range hs {
		h.state = StateTerminating
		_ = h.proc.Terminate(context.Background())
	}
}
