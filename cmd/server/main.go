package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/emotescope/emotescope/internal/api"
	"github.com/emotescope/emotescope/internal/browser"
	"github.com/emotescope/emotescope/internal/config"
	"github.com/emotescope/emotescope/internal/emotes"
	"github.com/emotescope/emotescope/internal/executor"
	"github.com/emotescope/emotescope/internal/pool"
	"github.com/emotescope/emotescope/internal/ratelimit"
	"github.com/emotescope/emotescope/internal/supervisor"
)

func main() {
	log := logrus.New()

	if err := godotenv.Load(); err != nil {
		log.Info("no .env file found, using system environment")
	}

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}
	if cfg.Debug {
		log.SetLevel(logrus.DebugLevel)
	}

	launcher, closer, err := newLauncher(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("failed to set up browser launcher")
	}

	hub := api.NewEventHub(log)
	browserPool := pool.New(pool.Config{
		MaxHandles:     cfg.MaxBrowsers,
		MaxQueueDepth:  cfg.MaxQueueDepth,
		IdleTTL:        cfg.IdleTTL,
		LeaseTimeout:   cfg.LeaseTimeout,
		StartupTimeout: cfg.StartupTimeout,
		LaunchBackoff:  cfg.LaunchBackoff,
	}, launcher, log, pool.WithListener(hub.Publish))

	exec := executor.New(browserPool, cfg.TaskTimeout, log)
	catalog := emotes.NewCatalog(exec, emotes.Config{
		BaseURL:     cfg.BaseURL,
		ListTTL:     cfg.ListCacheTTL,
		DetailTTL:   cfg.DetailCacheTTL,
		TaskTimeout: cfg.TaskTimeout,
	}, log)

	limiter := ratelimit.NewLimiter(cfg.RatePerMinute, cfg.RateBurst)
	handler := api.NewHandler(catalog, exec, browserPool, cfg.StaticDir, log)
	router := handler.SetupRoutes(hub, limiter, cfg.RatePerMinute)

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.TaskTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithFields(logrus.Fields{
			"addr":    cfg.Addr(),
			"backend": cfg.BrowserBackend,
			"pool":    cfg.MaxBrowsers,
		}).Info("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return supervisor.New(browserPool, cfg.SweepInterval, log).Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Error("server exited with error")
	}

	browserPool.Close()
	if err := closer.Close(); err != nil {
		log.WithError(err).Warn("launcher shutdown failed")
	}
	log.Info("server stopped")
}

// newLauncher picks the browser backend. Docker pulls its image up front
// so the first request does not pay for it.
func newLauncher(cfg *config.Config, log *logrus.Logger) (browser.Launcher, interface{ Close() error }, error) {
	if cfg.BrowserBackend == config.BackendDocker {
		dl, err := browser.NewDockerLauncher(log, cfg.BrowserImage)
		if err != nil {
			return nil, nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := dl.EnsureImage(ctx); err != nil {
			dl.Close()
			return nil, nil, err
		}
		return dl, dl, nil
	}

	cl, err := browser.NewChromiumLauncher(log, cfg.Headless)
	if err != nil {
		return nil, nil, err
	}
	return cl, cl, nil
}
