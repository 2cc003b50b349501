// Package executor binds one task to one pool lease and runs it to
// completion exactly once. It owns the per-task timeout and the
// release-outcome decision, so every exit path releases the lease exactly
// once with an honest verdict on the handle.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/emotescope/emotescope/internal/browser"
	"github.com/emotescope/emotescope/internal/pool"
)

const aliveProbeTimeout = 3 * time.Second

// Executor runs tasks against leased browser handles.
type Executor struct {
	pool           *pool.Pool
	defaultTimeout time.Duration
	log            *logrus.Entry
}

// New creates an executor. defaultTimeout applies when Do is called with a
// non-positive timeout.
func New(p *pool.Pool, defaultTimeout time.Duration, log *logrus.Logger) *Executor {
	return &Executor{
		pool:           p,
		defaultTimeout: defaultTimeout,
		log:            log.WithField("component", "executor"),
	}
}

// Do acquires a lease, runs the task with the given timeout, and releases
// the lease. The run deadline is the tighter of the task timeout and the
// lease deadline, so a lease is never held past its term.
func (e *Executor) Do(ctx context.Context, task browser.Task, timeout time.Duration) (any, error) {
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	lease, err := e.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	outcome := pool.OutcomeHealthy
	defer func() { lease.Release(outcome) }()

	deadline := time.Now().Add(timeout)
	if lease.Deadline().Before(deadline) {
		deadline = lease.Deadline()
	}
	runCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	start := time.Now()
	result, err := lease.Process().Run(runCtx, task)
	elapsed := time.Since(start)

	fields := logrus.Fields{
		"task":    task.Name(),
		"lease":   lease.ID(),
		"handle":  lease.HandleID(),
		"elapsed": elapsed.Round(time.Millisecond),
	}

	switch {
	case err == nil:
		e.log.WithFields(fields).Debug("task completed")
		return result, nil

	case errors.Is(err, browser.ErrProcessCrashed):
		outcome = pool.OutcomeUnhealthy
		e.log.WithFields(fields).WithError(err).Warn("browser crashed mid-task")
		return nil, err

	case errors.Is(err, browser.ErrTaskTimeout), errors.Is(err, context.DeadlineExceeded):
		// A slow task does not imply a broken process: verify before
		// deciding whether the handle can be recycled.
		probeCtx, probeCancel := context.WithTimeout(context.Background(), aliveProbeTimeout)
		alive := lease.Process().Alive(probeCtx)
		probeCancel()
		if !alive {
			outcome = pool.OutcomeUnhealthy
			e.log.WithFields(fields).Warn("task timed out on a dead browser")
			return nil, fmt.Errorf("task %s: %w: %w", task.Name(), browser.ErrTaskTimeout, browser.ErrProcessCrashed)
		}
		e.log.WithFields(fields).Warn("task timed out, browser recycled")
		if errors.Is(err, browser.ErrTaskTimeout) {
			return nil, err
		}
		return nil, fmt.Errorf("task %s: %w", task.Name(), browser.ErrTaskTimeout)

	default:
		// Task-logic failure on a healthy process, or caller
		// cancellation: the handle goes back to the pool either way.
		e.log.WithFields(fields).WithError(err).Debug("task failed")
		return nil, err
	}
}
