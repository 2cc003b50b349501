package browser

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/playwright-community/playwright-go"
	"github.com/sirupsen/logrus"
)

const (
	defaultViewportWidth  = 1280
	defaultViewportHeight = 800
)

// ChromiumLauncher launches headless Chromium processes on the local host
// through the Playwright driver. One driver instance is shared by every
// process it creates.
type ChromiumLauncher struct {
	pw       *playwright.Playwright
	headless bool
	log      *logrus.Entry
}

// NewChromiumLauncher installs the Playwright driver if needed and starts
// it. Must be called once before any process is created.
func NewChromiumLauncher(log *logrus.Logger, headless bool) (*ChromiumLauncher, error) {
	opts := &playwright.RunOptions{
		Verbose: false,
		Stdout:  io.Discard,
		Stderr:  io.Discard,
	}

	if err := playwright.Install(opts); err != nil {
		return nil, fmt.Errorf("install playwright driver: %w", err)
	}

	pw, err := playwright.Run(opts)
	if err != nil {
		return nil, fmt.Errorf("start playwright driver: %w", err)
	}

	return &ChromiumLauncher{
		pw:       pw,
		headless: headless,
		log:      log.WithField("component", "chromium"),
	}, nil
}

// New returns an unstarted local Chromium process.
func (l *ChromiumLauncher) New() Process {
	return &chromiumProcess{
		id: uuid.NewString(),
		l:  l,
	}
}

// Close stops the Playwright driver. Processes must be terminated first.
func (l *ChromiumLauncher) Close() error {
	return l.pw.Stop()
}

type chromiumProcess struct {
	id string
	l  *ChromiumLauncher

	browser playwright.Browser
	bctx    playwright.BrowserContext
	page    playwright.Page
	runner  pageRunner

	terminated atomic.Bool
}

func (p *chromiumProcess) ID() string { return p.id }

func (p *chromiumProcess) Start(ctx context.Context) error {
	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(p.l.headless),
	}
	if deadline, ok := ctx.Deadline(); ok {
		launchOpts.Timeout = playwright.Float(float64(time.Until(deadline).Milliseconds()))
	}

	browser, err := p.l.pw.Chromium.Launch(launchOpts)
	if err != nil {
		return fmt.Errorf("%w: chromium: %v", ErrLaunch, err)
	}

	bctx, err := browser.NewContext(playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{
			Width:  defaultViewportWidth,
			Height: defaultViewportHeight,
		},
	})
	if err != nil {
		browser.Close()
		return fmt.Errorf("%w: new context: %v", ErrLaunch, err)
	}

	page, err := bctx.NewPage()
	if err != nil {
		bctx.Close()
		browser.Close()
		return fmt.Errorf("%w: new page: %v", ErrLaunch, err)
	}

	p.browser = browser
	p.bctx = bctx
	p.page = page
	p.l.log.WithField("handle", p.id).Debug("chromium process started")
	return nil
}

func (p *chromiumProcess) Alive(ctx context.Context) bool {
	return !p.terminated.Load() && p.browser != nil && p.browser.IsConnected()
}

func (p *chromiumProcess) Run(ctx context.Context, task Task) (any, error) {
	if p.terminated.Load() || p.browser == nil || !p.browser.IsConnected() {
		return nil, fmt.Errorf("task %s: %w", task.Name(), ErrProcessCrashed)
	}
	return p.runner.run(ctx, p.page, p.browser.IsConnected, task)
}

func (p *chromiumProcess) Terminate(ctx context.Context) error {
	if p.terminated.Swap(true) {
		return nil
	}
	// Errors are ignored so teardown keeps going even when the browser is
	// already gone.
	if p.page != nil {
		_ = p.page.Close()
	}
	if p.bctx != nil {
		_ = p.bctx.Close()
	}
	if p.browser != nil {
		_ = p.browser.Close()
	}
	p.l.log.WithField("handle", p.id).Debug("chromium process terminated")
	return nil
}
