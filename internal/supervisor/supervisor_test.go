package supervisor

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/emotescope/emotescope/internal/browser"
	"github.com/emotescope/emotescope/internal/pool"
)

type fakeProc struct {
	id    string
	alive atomic.Bool
}

func (p *fakeProc) ID() string { return p.id }

func (p *fakeProc) Start(ctx context.Context) error {
	p.alive.Store(true)
	return nil
}

func (p *fakeProc) Alive(ctx context.Context) bool { return p.alive.Load() }

func (p *fakeProc) Run(ctx context.Context, task browser.Task) (any, error) {
	return nil, nil
}

func (p *fakeProc) Terminate(ctx context.Context) error {
	p.alive.Store(false)
	return nil
}

type fakeLauncher struct {
	mu sync.Mutex
	n  int
}

func (l *fakeLauncher) New() browser.Process {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.n++
	return &fakeProc{id: fmt.Sprintf("proc-%d", l.n)}
}

func TestSupervisorReclaimsIdleHandlesWithoutTraffic(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)

	p := pool.New(pool.Config{
		MaxHandles:     2,
		MaxQueueDepth:  4,
		IdleTTL:        10 * time.Millisecond,
		LeaseTimeout:   time.Minute,
		StartupTimeout: time.Second,
		LaunchBackoff:  50 * time.Millisecond,
	}, &fakeLauncher{}, log)
	defer p.Close()

	l, err := p.Acquire(context.Background())
	require.NoError(t, err)
	l.Release(pool.OutcomeHealthy)
	require.Equal(t, 1, p.Stats().Idle)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- New(p, 5*time.Millisecond, log).Run(ctx)
	}()

	// No request traffic at all: the supervisor alone reclaims it.
	require.Eventually(t, func() bool {
		s := p.Stats()
		return s.Idle == 0 && s.Swept == 1
	}, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
