// Package browser manages individual headless-browser processes and the
// tasks that run against them. A Process wraps exactly one browser and
// exposes a narrow lifecycle surface; the pool package owns how processes
// are shared between requests.
package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/playwright-community/playwright-go"
)

var (
	// ErrLaunch means a browser process failed to become ready within its
	// startup deadline. The spawn attempt is fatal; the pool retries on
	// later demand with backoff.
	ErrLaunch = errors.New("browser launch failed")

	// ErrProcessCrashed means the browser died during a health check or
	// mid-task. The process must be discarded, never reused.
	ErrProcessCrashed = errors.New("browser process crashed")

	// ErrTaskTimeout means the task exceeded its own deadline. Process
	// health is verified separately before deciding whether to recycle.
	ErrTaskTimeout = errors.New("task timed out")
)

// TaskError wraps an automation-logic failure on a healthy process. It is
// distinct from ErrProcessCrashed so the pool knows the process can be
// recycled.
type TaskError struct {
	Task string
	Err  error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s failed: %v", e.Task, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

// Task is one unit of automation work executed against a leased browser.
// Tasks must be safe to abandon: when the run context expires the task
// goroutine may still be mid-operation; the process keeps the page away
// from the next task until the abandoned one has finished.
type Task interface {
	Name() string
	Run(ctx context.Context, page playwright.Page) (any, error)
}

// TaskFunc adapts a function to the Task interface.
type TaskFunc struct {
	TaskName string
	Fn       func(ctx context.Context, page playwright.Page) (any, error)
}

func (t TaskFunc) Name() string { return t.TaskName }

func (t TaskFunc) Run(ctx context.Context, page playwright.Page) (any, error) {
	return t.Fn(ctx, page)
}

// Process is the pool's view of one managed browser process.
type Process interface {
	// ID is an opaque identity, stable for the life of the process.
	ID() string

	// Start launches the underlying browser. It fails with ErrLaunch if
	// the process does not reach its ready signal before ctx expires.
	Start(ctx context.Context) error

	// Alive reports whether the process is still usable. No side effects.
	Alive(ctx context.Context) bool

	// Run executes one task. Errors are classified as ErrProcessCrashed,
	// ErrTaskTimeout, or *TaskError.
	Run(ctx context.Context, task Task) (any, error)

	// Terminate tears the process down. Idempotent: safe on an already
	// dead process.
	Terminate(ctx context.Context) error
}

// Launcher creates unstarted processes for the pool to spawn.
type Launcher interface {
	New() Process
}

// drainTimeout bounds how long the next run waits for an abandoned task
// to let go of the page before giving up on the process.
var drainTimeout = 5 * time.Second

// pageRunner drives tasks against one page, one at a time, and classifies
// the outcome. The connected probe distinguishes a crashed browser from a
// task-logic failure. A timed-out task is abandoned, not killed: its
// goroutine may still be issuing playwright calls, so the next run waits
// for it to finish before touching the page. Shared by the local and
// docker process implementations; the pool's one-lease-per-handle
// invariant makes runs sequential.
type pageRunner struct {
	pending <-chan struct{} // closed when the abandoned task goroutine exits
}

func (r *pageRunner) run(ctx context.Context, page playwright.Page, connected func() bool, task Task) (any, error) {
	if err := r.awaitAbandoned(ctx, task); err != nil {
		return nil, err
	}

	if page != nil {
		if deadline, ok := ctx.Deadline(); ok {
			page.SetDefaultTimeout(float64(time.Until(deadline).Milliseconds()))
		}
	}

	type result struct {
		val any
		err error
	}
	done := make(chan result, 1)
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		val, err := task.Run(ctx, page)
		done <- result{val, err}
	}()

	select {
	case res := <-done:
		if res.err == nil {
			return res.val, nil
		}
		if !connected() {
			return nil, fmt.Errorf("task %s: %v: %w", task.Name(), res.err, ErrProcessCrashed)
		}
		return nil, &TaskError{Task: task.Name(), Err: res.err}
	case <-ctx.Done():
		// The task goroutine keeps running. Remember it so the page is not
		// handed to the next task while this one still drives it.
		r.pending = finished
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("task %s: %w", task.Name(), ErrTaskTimeout)
		}
		return nil, ctx.Err()
	}
}

// awaitAbandoned blocks until the previously abandoned task has released
// the page. A task that never returns makes the process unusable, reported
// as a crash so the pool discards the handle.
func (r *pageRunner) awaitAbandoned(ctx context.Context, task Task) error {
	if r.pending == nil {
		return nil
	}
	timer := time.NewTimer(drainTimeout)
	defer timer.Stop()
	select {
	case <-r.pending:
		r.pending = nil
		return nil
	case <-timer.C:
		return fmt.Errorf("task %s: abandoned task still holds the page: %w", task.Name(), ErrProcessCrashed)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("task %s: %w", task.Name(), ErrTaskTimeout)
		}
		return ctx.Err()
	}
}
