package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emotescope/emotescope/internal/browser"
)

type fakeProc struct {
	id         string
	startErr   error
	startGate  chan struct{}
	alive      atomic.Bool
	terminated atomic.Bool
	runFn      func(ctx context.Context, task browser.Task) (any, error)
}

func (p *fakeProc) ID() string { return p.id }

func (p *fakeProc) Start(ctx context.Context) error {
	if p.startGate != nil {
		select {
		case <-p.startGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if p.startErr != nil {
		return p.startErr
	}
	p.alive.Store(true)
	return nil
}

func (p *fakeProc) Alive(ctx context.Context) bool {
	return p.alive.Load() && !p.terminated.Load()
}

func (p *fakeProc) Run(ctx context.Context, task browser.Task) (any, error) {
	if p.runFn != nil {
		return p.runFn(ctx, task)
	}
	return "ok", nil
}

func (p *fakeProc) Terminate(ctx context.Context) error {
	p.terminated.Store(true)
	p.alive.Store(false)
	return nil
}

type fakeLauncher struct {
	mu        sync.Mutex
	n         int
	startErr  error
	startGate chan struct{}
	procs     []*fakeProc
}

func (l *fakeLauncher) New() browser.Process {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.n++
	p := &fakeProc{id: fmt.Sprintf("proc-%d", l.n), startErr: l.startErr, startGate: l.startGate}
	l.procs = append(l.procs, p)
	return p
}

func (l *fakeLauncher) setStartErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.startErr = err
}

func (l *fakeLauncher) setStartGate(gate chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.startGate = gate
}

func (l *fakeLauncher) launched() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.n
}

func (l *fakeLauncher) proc(i int) *fakeProc {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[i]
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func testConfig() Config {
	return Config{
		MaxHandles:     2,
		MaxQueueDepth:  4,
		IdleTTL:        time.Minute,
		LeaseTimeout:   time.Minute,
		StartupTimeout: time.Second,
		LaunchBackoff:  50 * time.Millisecond,
	}
}

func TestAcquireReusesWarmHandleLIFO(t *testing.T) {
	launcher := &fakeLauncher{}
	p := New(testConfig(), launcher, quietLogger())
	defer p.Close()

	l1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	first := l1.HandleID()
	l1.Release(OutcomeHealthy)

	l2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, l2.HandleID(), "warm handle should be reused")
	assert.Equal(t, 1, launcher.launched())
	l2.Release(OutcomeHealthy)
}

func TestCapacityOneSecondAcquirerBlocksUntilRelease(t *testing.T) {
	cfg := testConfig()
	cfg.MaxHandles = 1
	launcher := &fakeLauncher{}
	p := New(cfg, launcher, quietLogger())
	defer p.Close()

	l1, err := p.Acquire(context.Background())
	require.NoError(t, err)

	got := make(chan *Lease, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		l, err := p.Acquire(ctx)
		require.NoError(t, err)
		got <- l
	}()

	require.Eventually(t, func() bool { return p.Stats().Waiting == 1 }, time.Second, time.Millisecond)
	select {
	case <-got:
		t.Fatal("second acquire should block while the lease is held")
	case <-time.After(50 * time.Millisecond):
	}

	l1.Release(OutcomeHealthy)
	select {
	case l2 := <-got:
		assert.Equal(t, l1.HandleID(), l2.HandleID())
		l2.Release(OutcomeHealthy)
	case <-time.After(time.Second):
		t.Fatal("second acquire never completed after release")
	}
	assert.Equal(t, 1, launcher.launched())
}

func TestQueueFullFailsImmediately(t *testing.T) {
	cfg := testConfig()
	cfg.MaxHandles = 2
	cfg.MaxQueueDepth = 0
	p := New(cfg, &fakeLauncher{}, quietLogger())
	defer p.Close()

	l1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	l2, err := p.Acquire(context.Background())
	require.NoError(t, err)

	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolExhausted)

	l1.Release(OutcomeHealthy)
	l2.Release(OutcomeHealthy)
}

func TestQueuedAcquirersServedFIFO(t *testing.T) {
	cfg := testConfig()
	cfg.MaxHandles = 1
	cfg.MaxQueueDepth = 3
	p := New(cfg, &fakeLauncher{}, quietLogger())
	defer p.Close()

	holder, err := p.Acquire(context.Background())
	require.NoError(t, err)

	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 1; i <= 3; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := p.Acquire(context.Background())
			require.NoError(t, err)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			l.Release(OutcomeHealthy)
		}()
		// Each waiter must be queued before the next arrives, so
		// arrival order is deterministic.
		require.Eventually(t, func() bool { return p.Stats().Waiting == i }, time.Second, time.Millisecond)
	}

	holder.Release(OutcomeHealthy)
	wg.Wait()
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestAcquireTimesOutPastDeadline(t *testing.T) {
	cfg := testConfig()
	cfg.MaxHandles = 1
	p := New(cfg, &fakeLauncher{}, quietLogger())
	defer p.Close()

	holder, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer holder.Release(OutcomeHealthy)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, ErrAcquireTimeout)
	assert.Equal(t, 0, p.Stats().Waiting)
}

func TestCancelledAcquireLeavesNoWaiter(t *testing.T) {
	cfg := testConfig()
	cfg.MaxHandles = 1
	p := New(cfg, &fakeLauncher{}, quietLogger())
	defer p.Close()

	holder, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx)
		errc <- err
	}()
	require.Eventually(t, func() bool { return p.Stats().Waiting == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
	assert.Equal(t, 0, p.Stats().Waiting)

	// The pool still works afterwards.
	holder.Release(OutcomeHealthy)
	l, err := p.Acquire(context.Background())
	require.NoError(t, err)
	l.Release(OutcomeHealthy)
}

func TestUnhealthyReleaseDiscardsHandle(t *testing.T) {
	launcher := &fakeLauncher{}
	p := New(testConfig(), launcher, quietLogger())
	defer p.Close()

	l1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	first := l1.HandleID()
	l1.Release(OutcomeUnhealthy)

	require.Eventually(t, func() bool { return launcher.proc(0).terminated.Load() }, time.Second, time.Millisecond)

	l2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, first, l2.HandleID(), "discarded handle must never be reused")
	l2.Release(OutcomeHealthy)

	stats := p.Stats()
	assert.Equal(t, uint64(2), stats.Spawned)
	assert.Equal(t, uint64(1), stats.Discarded)
}

func TestUnhealthyReleaseSpawnsReplacementForWaiter(t *testing.T) {
	cfg := testConfig()
	cfg.MaxHandles = 1
	launcher := &fakeLauncher{}
	p := New(cfg, launcher, quietLogger())
	defer p.Close()

	l1, err := p.Acquire(context.Background())
	require.NoError(t, err)

	got := make(chan *Lease, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		l, err := p.Acquire(ctx)
		require.NoError(t, err)
		got <- l
	}()
	require.Eventually(t, func() bool { return p.Stats().Waiting == 1 }, time.Second, time.Millisecond)

	l1.Release(OutcomeUnhealthy)

	select {
	case l2 := <-got:
		assert.NotEqual(t, l1.HandleID(), l2.HandleID())
		l2.Release(OutcomeHealthy)
	case <-time.After(time.Second):
		t.Fatal("queued acquirer never got a replacement handle")
	}
	assert.Equal(t, 2, launcher.launched())
}

func TestReleaseIsIdempotent(t *testing.T) {
	p := New(testConfig(), &fakeLauncher{}, quietLogger())
	defer p.Close()

	l, err := p.Acquire(context.Background())
	require.NoError(t, err)
	l.Release(OutcomeHealthy)
	l.Release(OutcomeHealthy)
	l.Release(OutcomeUnhealthy)

	stats := p.Stats()
	assert.Equal(t, 1, stats.Idle)
	assert.Equal(t, 1, stats.Live)
	assert.Equal(t, uint64(0), stats.Discarded)
}

func TestLaunchFailureBacksOff(t *testing.T) {
	launcher := &fakeLauncher{}
	launcher.setStartErr(fmt.Errorf("%w: no chromium", browser.ErrLaunch))
	p := New(testConfig(), launcher, quietLogger())
	defer p.Close()

	_, err := p.Acquire(context.Background())
	require.ErrorIs(t, err, browser.ErrLaunch)

	// Inside the backoff window the pool fails fast without another
	// launch attempt.
	_, err = p.Acquire(context.Background())
	require.ErrorIs(t, err, browser.ErrLaunch)
	assert.Equal(t, 1, launcher.launched())

	launcher.setStartErr(nil)
	time.Sleep(60 * time.Millisecond)
	l, err := p.Acquire(context.Background())
	require.NoError(t, err)
	l.Release(OutcomeHealthy)
}

func TestSpawnFailureDoesNotLetNewcomersBargeQueue(t *testing.T) {
	cfg := testConfig()
	cfg.LaunchBackoff = 20 * time.Millisecond
	launcher := &fakeLauncher{}
	p := New(cfg, launcher, quietLogger())
	defer p.Close()

	l1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer l1.Release(OutcomeHealthy)

	// A launch attempt that hangs until released, then fails. While it is
	// in flight the pool is at capacity, so the next caller queues.
	gate := make(chan struct{})
	launcher.setStartGate(gate)
	launcher.setStartErr(fmt.Errorf("%w: no chromium", browser.ErrLaunch))

	spawnErr := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		spawnErr <- err
	}()
	require.Eventually(t, func() bool { return p.Stats().Starting == 1 }, time.Second, time.Millisecond)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	acquireInOrder := func(i int) {
		defer wg.Done()
		l, err := p.Acquire(context.Background())
		require.NoError(t, err)
		mu.Lock()
		order = append(order, i)
		mu.Unlock()
		l.Release(OutcomeHealthy)
	}
	wg.Add(1)
	go acquireInOrder(1)
	require.Eventually(t, func() bool { return p.Stats().Waiting == 1 }, time.Second, time.Millisecond)

	// The launch fails, freeing capacity with a caller still queued.
	close(gate)
	require.ErrorIs(t, <-spawnErr, browser.ErrLaunch)
	require.Equal(t, 1, p.Stats().Waiting)

	launcher.setStartGate(nil)
	launcher.setStartErr(nil)
	time.Sleep(30 * time.Millisecond) // past the backoff window

	// A newcomer arriving now must not take the freed capacity ahead of
	// the queued caller.
	wg.Add(1)
	go acquireInOrder(2)
	wg.Wait()

	assert.Equal(t, []int{1, 2}, order)
}

func TestListenerObservesStateChangesInOrder(t *testing.T) {
	cfg := testConfig()
	cfg.MaxHandles = 1

	var mu sync.Mutex
	var types []EventType
	p := New(cfg, &fakeLauncher{}, quietLogger(), WithListener(func(ev Event) {
		mu.Lock()
		types = append(types, ev.Type)
		mu.Unlock()
	}))
	defer p.Close()

	l1, err := p.Acquire(context.Background())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		l, err := p.Acquire(context.Background())
		require.NoError(t, err)
		l.Release(OutcomeHealthy)
	}()
	require.Eventually(t, func() bool { return p.Stats().Waiting == 1 }, time.Second, time.Millisecond)

	l1.Release(OutcomeHealthy)
	<-done

	// Direct handoff: the previous holder's release must appear on the
	// stream before the next holder's lease.
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventType{
		EventSpawned, EventLeased, // first acquire
		EventReleased, EventLeased, // handoff to the waiter
		EventReleased, // waiter done, handle idles
	}, types)
}

func TestSweepReclaimsExpiredIdleHandles(t *testing.T) {
	cfg := testConfig()
	cfg.IdleTTL = 10 * time.Millisecond
	launcher := &fakeLauncher{}
	p := New(cfg, launcher, quietLogger())
	defer p.Close()

	l, err := p.Acquire(context.Background())
	require.NoError(t, err)
	l.Release(OutcomeHealthy)
	require.Equal(t, 1, p.Stats().Idle)

	time.Sleep(20 * time.Millisecond)
	p.Sweep(context.Background())

	stats := p.Stats()
	assert.Equal(t, 0, stats.Idle)
	assert.Equal(t, uint64(1), stats.Swept)
	assert.True(t, launcher.proc(0).terminated.Load())
}

func TestSweepDiscardsDeadIdleHandles(t *testing.T) {
	launcher := &fakeLauncher{}
	p := New(testConfig(), launcher, quietLogger())
	defer p.Close()

	l, err := p.Acquire(context.Background())
	require.NoError(t, err)
	l.Release(OutcomeHealthy)

	launcher.proc(0).alive.Store(false)
	p.Sweep(context.Background())

	stats := p.Stats()
	assert.Equal(t, 0, stats.Idle)
	assert.Equal(t, uint64(1), stats.Discarded)
}

func TestSweepKeepsFreshHealthyHandles(t *testing.T) {
	p := New(testConfig(), &fakeLauncher{}, quietLogger())
	defer p.Close()

	l, err := p.Acquire(context.Background())
	require.NoError(t, err)
	first := l.HandleID()
	l.Release(OutcomeHealthy)

	p.Sweep(context.Background())
	require.Equal(t, 1, p.Stats().Idle)

	l2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, l2.HandleID())
	l2.Release(OutcomeHealthy)
}

func TestCloseFailsWaitersAndTerminatesIdle(t *testing.T) {
	cfg := testConfig()
	cfg.MaxHandles = 1
	launcher := &fakeLauncher{}
	p := New(cfg, launcher, quietLogger())

	holder, err := p.Acquire(context.Background())
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		errc <- err
	}()
	require.Eventually(t, func() bool { return p.Stats().Waiting == 1 }, time.Second, time.Millisecond)

	p.Close()
	assert.ErrorIs(t, <-errc, ErrPoolClosed)

	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)

	// An outstanding lease released after close terminates its handle.
	holder.Release(OutcomeHealthy)
	require.Eventually(t, func() bool { return launcher.proc(0).terminated.Load() }, time.Second, time.Millisecond)
}

func TestConcurrentLeasesNeverExceedCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.MaxHandles = 3
	cfg.MaxQueueDepth = 64
	p := New(cfg, &fakeLauncher{}, quietLogger())
	defer p.Close()

	var current, peak int64
	var held sync.Map // handle id -> struct{}, detects double-leasing
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				l, err := p.Acquire(context.Background())
				if errors.Is(err, ErrPoolExhausted) {
					continue
				}
				require.NoError(t, err)

				if _, loaded := held.LoadOrStore(l.HandleID(), struct{}{}); loaded {
					t.Errorf("handle %s leased twice concurrently", l.HandleID())
				}
				n := atomic.AddInt64(&current, 1)
				for {
					old := atomic.LoadInt64(&peak)
					if n <= old || atomic.CompareAndSwapInt64(&peak, old, n) {
						break
					}
				}

				time.Sleep(time.Millisecond)

				atomic.AddInt64(&current, -1)
				held.Delete(l.HandleID())
				l.Release(OutcomeHealthy)
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(3))
}
