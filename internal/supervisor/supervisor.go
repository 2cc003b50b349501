// Package supervisor runs the pool's background sweep independently of
// request traffic.
package supervisor

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/emotescope/emotescope/internal/pool"
)

// Supervisor periodically sweeps the pool: dead idle handles are
// discarded and handles past the idle TTL are terminated. Leased handles
// are left alone.
type Supervisor struct {
	pool     *pool.Pool
	interval time.Duration
	log      *logrus.Entry
}

func New(p *pool.Pool, interval time.Duration, log *logrus.Logger) *Supervisor {
	return &Supervisor{
		pool:     p,
		interval: interval,
		log:      log.WithField("component", "supervisor"),
	}
}

// Run loops until ctx is cancelled. Returns nil on shutdown so it can sit
// in an errgroup next to the HTTP server.
func (s *Supervisor) Run(ctx context.Context) error {
	s.log.WithField("interval", s.interval).Info("supervisor started")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("supervisor stopped")
			return nil
		case <-ticker.C:
			s.pool.Sweep(ctx)
		}
	}
}
