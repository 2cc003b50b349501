package browser

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"github.com/playwright-community/playwright-go"
	"github.com/sirupsen/logrus"
)

const dockerChromePort = "3000/tcp"

// DockerLauncher runs each browser in its own browserless/chrome container
// and attaches to it over CDP. Useful when Chromium should not share the
// service host.
type DockerLauncher struct {
	cli   *client.Client
	pw    *playwright.Playwright
	image string
	log   *logrus.Entry
}

// NewDockerLauncher connects to the local Docker daemon. The Playwright
// driver is only used for the CDP attachment, not for launching.
func NewDockerLauncher(log *logrus.Logger, image string) (*DockerLauncher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	opts := &playwright.RunOptions{
		Verbose: false,
		Stdout:  io.Discard,
		Stderr:  io.Discard,
	}
	if err := playwright.Install(opts); err != nil {
		cli.Close()
		return nil, fmt.Errorf("install playwright driver: %w", err)
	}
	pw, err := playwright.Run(opts)
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("start playwright driver: %w", err)
	}

	return &DockerLauncher{
		cli:   cli,
		pw:    pw,
		image: image,
		log:   log.WithField("component", "docker"),
	}, nil
}

// EnsureImage pulls the browser image if it is not present locally.
func (l *DockerLauncher) EnsureImage(ctx context.Context) error {
	images, err := l.cli.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return err
	}
	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == l.image {
				return nil
			}
		}
	}

	l.log.WithField("image", l.image).Info("pulling browser image")
	reader, err := l.cli.ImagePull(ctx, l.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", l.image, err)
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

// New returns an unstarted container-backed process.
func (l *DockerLauncher) New() Process {
	return &dockerProcess{
		id: uuid.NewString(),
		l:  l,
	}
}

// Close stops the Playwright driver and the Docker client. Processes must
// be terminated first.
func (l *DockerLauncher) Close() error {
	if err := l.pw.Stop(); err != nil {
		l.cli.Close()
		return err
	}
	return l.cli.Close()
}

type dockerProcess struct {
	id string
	l  *DockerLauncher

	containerID string
	browser     playwright.Browser
	bctx        playwright.BrowserContext
	page        playwright.Page
	runner      pageRunner

	terminated atomic.Bool
}

func (p *dockerProcess) ID() string { return p.id }

func (p *dockerProcess) Start(ctx context.Context) error {
	containerConfig := &container.Config{
		Image: p.l.image,
		Labels: map[string]string{
			"handle-id":  p.id,
			"managed-by": "emotescope",
		},
		Env: []string{
			"CONNECTION_TIMEOUT=-1",
			"MAX_CONCURRENT_SESSIONS=1",
			"PREBOOT_CHROME=true",
			"KEEP_ALIVE=true",
			"EXIT_ON_HEALTH_FAILURE=false",
		},
		ExposedPorts: nat.PortSet{
			dockerChromePort: struct{}{},
		},
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			dockerChromePort: []nat.PortBinding{
				{HostIP: "0.0.0.0", HostPort: "0"},
			},
		},
		AutoRemove: false,
	}

	resp, err := p.l.cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil,
		fmt.Sprintf("emotescope-%s", p.id[:8]))
	if err != nil {
		return fmt.Errorf("%w: create container: %v", ErrLaunch, err)
	}
	p.containerID = resp.ID

	if err := p.l.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		p.removeContainer()
		return fmt.Errorf("%w: start container: %v", ErrLaunch, err)
	}

	inspect, err := p.l.cli.ContainerInspect(ctx, resp.ID)
	if err != nil {
		p.removeContainer()
		return fmt.Errorf("%w: inspect container: %v", ErrLaunch, err)
	}
	bindings := inspect.NetworkSettings.Ports[dockerChromePort]
	if len(bindings) == 0 {
		p.removeContainer()
		return fmt.Errorf("%w: no host port bound for %s", ErrLaunch, dockerChromePort)
	}
	port := bindings[0].HostPort

	if err := p.waitForReady(ctx, port); err != nil {
		p.removeContainer()
		return fmt.Errorf("%w: %v", ErrLaunch, err)
	}

	browser, err := p.l.pw.Chromium.ConnectOverCDP(fmt.Sprintf("http://localhost:%s", port))
	if err != nil {
		p.removeContainer()
		return fmt.Errorf("%w: connect over cdp: %v", ErrLaunch, err)
	}

	bctx, err := browser.NewContext()
	if err != nil {
		browser.Close()
		p.removeContainer()
		return fmt.Errorf("%w: new context: %v", ErrLaunch, err)
	}
	page, err := bctx.NewPage()
	if err != nil {
		bctx.Close()
		browser.Close()
		p.removeContainer()
		return fmt.Errorf("%w: new page: %v", ErrLaunch, err)
	}

	p.browser = browser
	p.bctx = bctx
	p.page = page
	p.l.log.WithFields(logrus.Fields{
		"handle":    p.id,
		"container": p.containerID[:12],
		"port":      port,
	}).Debug("container browser started")
	return nil
}

// waitForReady polls the DevTools version endpoint until the browser inside
// the container accepts connections.
func (p *dockerProcess) waitForReady(ctx context.Context, port string) error {
	url := fmt.Sprintf("http://localhost:%s/json/version", port)

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("browser not ready before deadline: %w", ctx.Err())
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (p *dockerProcess) Alive(ctx context.Context) bool {
	if p.terminated.Load() || p.browser == nil || !p.browser.IsConnected() {
		return false
	}
	inspect, err := p.l.cli.ContainerInspect(ctx, p.containerID)
	if err != nil {
		return false
	}
	return inspect.State.Running
}

func (p *dockerProcess) Run(ctx context.Context, task Task) (any, error) {
	if p.terminated.Load() || p.browser == nil || !p.browser.IsConnected() {
		return nil, fmt.Errorf("task %s: %w", task.Name(), ErrProcessCrashed)
	}
	return p.runner.run(ctx, p.page, p.browser.IsConnected, task)
}

func (p *dockerProcess) Terminate(ctx context.Context) error {
	if p.terminated.Swap(true) {
		return nil
	}
	if p.page != nil {
		_ = p.page.Close()
	}
	if p.bctx != nil {
		_ = p.bctx.Close()
	}
	if p.browser != nil {
		_ = p.browser.Close()
	}

	if p.containerID != "" {
		timeout := 10
		if err := p.l.cli.ContainerStop(ctx, p.containerID, container.StopOptions{Timeout: &timeout}); err != nil {
			p.l.log.WithField("container", p.containerID[:12]).WithError(err).Warn("container stop failed")
		}
		if err := p.l.cli.ContainerRemove(ctx, p.containerID, container.RemoveOptions{Force: true}); err != nil {
			p.l.log.WithField("container", p.containerID[:12]).WithError(err).Warn("container remove failed")
		}
	}
	return nil
}

func (p *dockerProcess) removeContainer() {
	if p.containerID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = p.l.cli.ContainerRemove(ctx, p.containerID, container.RemoveOptions{Force: true})
}
