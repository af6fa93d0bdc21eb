// Package cleanup enforces session retention: a TTL sweep that expires
// idle sessions and a purge that removes terminal sessions past the
// retention horizon.
package cleanup

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/rvastories/storyloom/pkg/config"
	"github.com/rvastories/storyloom/pkg/observe"
	"github.com/rvastories/storyloom/pkg/store"
)

// Service runs the sweep and purge loops in the background. Both
// operations are idempotent and safe to run from multiple replicas;
// they contend only through the store's own synchronization.
type Service struct {
	config  *config.RetentionConfig
	store   store.Store
	metrics *observe.Metrics
	logger  *slog.Logger

	// now is swappable for tests.
	now func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Service.
type Option func(*Service)

// WithMetrics records expired-session counts on the given bag.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger replaces the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock replaces the retention clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a cleanup service over the given store.
func NewService(cfg *config.RetentionConfig, st store.Store, opts ...Option) *Service {
	s := &Service{
		config: cfg,
		store:  st,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the background loops. Calling Start twice is a no-op.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	s.logger.Info("cleanup service started",
		slog.Duration("sweep_interval", s.config.SweepInterval),
		slog.Duration("terminal_retention", s.config.TerminalRetention),
		slog.Duration("purge_interval", s.config.PurgeInterval))
}

// Stop signals the loops to exit and waits for them to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	// Jitter the first pass so replicas starting together do not sweep
	// in lockstep.
	select {
	case <-ctx.Done():
		return
	case <-time.After(jitter(s.config.SweepInterval / 10)):
	}
	s.sweep(ctx)
	s.purge(ctx)

	sweepTicker := time.NewTicker(s.config.SweepInterval)
	defer sweepTicker.Stop()
	purgeTicker := time.NewTicker(s.config.PurgeInterval)
	defer purgeTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweepTicker.C:
			s.sweep(ctx)
		case <-purgeTicker.C:
			s.purge(ctx)
		}
	}
}

// sweep expires every active session that idled past its TTL deadline.
func (s *Service) sweep(ctx context.Context) {
	count, err := s.store.Sweep(ctx)
	if err != nil {
		s.logger.Error("retention: sweep failed", slog.Any("error", err))
		return
	}
	s.metrics.RecordSessionsExpired(ctx, count)
	if count > 0 {
		s.logger.Info("retention: expired idle sessions", slog.Int("count", count))
	} else {
		s.logger.Debug("retention: sweep found nothing to expire")
	}
}

// purge removes terminal sessions last touched before the horizon.
func (s *Service) purge(ctx context.Context) {
	horizon := s.now().Add(-s.config.TerminalRetention)
	count, err := s.store.PurgeTerminal(ctx, horizon)
	if err != nil {
		s.logger.Error("retention: purge failed", slog.Any("error", err))
		return
	}
	if count > 0 {
		s.logger.Info("retention: purged terminal sessions",
			slog.Int("count", count),
			slog.Time("horizon", horizon))
	} else {
		s.logger.Debug("retention: purge found nothing to remove")
	}
}

func jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}
