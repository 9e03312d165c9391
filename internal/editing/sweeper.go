package editing

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kimhsiao/coedit/internal/clock"
)

// Sweeper is the server-side timer behind the protocol's liveness
// guarantees: it auto-approves handshakes whose window elapsed and
// removes stale locks, independent of any client still being
// connected. It also garbage-collects old drafts and terminal
// requests on a slower cadence.
type Sweeper struct {
	svc           *Service
	clock         clock.Clock
	cfg           Config
	log           *logrus.Entry
	lastRetention time.Time
}

// NewSweeper creates a sweeper over the editing service.
func NewSweeper(svc *Service, clk clock.Clock, cfg Config, log *logrus.Logger) *Sweeper {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Sweeper{
		svc:   svc,
		clock: clk,
		cfg:   cfg,
		log:   log.WithField("component", "sweeper"),
	}
}

// Run sweeps until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.log.WithField("interval", s.cfg.SweepInterval).Info("sweeper started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweeper stopped")
			return
		case <-s.clock.After(s.cfg.SweepInterval):
			s.Sweep()
		}
	}
}

// Sweep runs one pass. Exported so tests can drive it directly.
func (s *Sweeper) Sweep() {
	expired, err := s.svc.repo.ExpiredPendingRequests()
	if err != nil {
		s.log.WithError(err).Error("failed to list expired requests")
	} else {
		for _, req := range expired {
			s.svc.resolveExpired(req)
		}
	}

	if n, err := s.svc.repo.DeleteStaleLocks(s.cfg.StaleAfter); err != nil {
		s.log.WithError(err).Error("failed to delete stale locks")
	} else if n > 0 {
		s.svc.stats.LocksReclaimed(n)
		s.log.WithField("count", n).Info("removed stale locks")
	}

	// Retention cleanup runs hourly, not every tick.
	now := s.clock.Now()
	if now.Sub(s.lastRetention) < time.Hour {
		return
	}
	s.lastRetention = now

	if n, err := s.svc.repo.DeleteOldDrafts(s.cfg.DraftRetention); err != nil {
		s.log.WithError(err).Error("failed to delete old drafts")
	} else if n > 0 {
		s.log.WithField("count", n).Info("removed old drafts")
	}
	if n, err := s.svc.repo.DeleteOldRequests(s.cfg.RequestRetention); err != nil {
		s.log.WithError(err).Error("failed to delete old requests")
	} else if n > 0 {
		s.log.WithField("count", n).Info("removed old takeover requests")
	}
}
