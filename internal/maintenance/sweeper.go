// Package maintenance reclaims aged sessions and artifacts on a cron
// schedule. Session expiry and artifact sweeping run independently on the
// same age cutoff; a session reference to already-swept bytes surfaces as a
// not-found condition at request time, never as a crash.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jbarasa/hesabu/internal/artifact"
	"github.com/jbarasa/hesabu/internal/observability"
	"github.com/jbarasa/hesabu/internal/ratelimit"
	"github.com/jbarasa/hesabu/internal/session"
)

// HistoryPurger removes aged operation-log records. Optional.
type HistoryPurger interface {
	PurgeOlderThan(ctx context.Context, maxAge time.Duration) (int64, error)
}

// Sweeper runs periodic cleanup passes.
type Sweeper struct {
	registry *session.Registry
	store    *artifact.Store
	history  HistoryPurger
	limiter  *ratelimit.Limiter
	metrics  *observability.MetricsCollector
	logger   *slog.Logger

	maxAge   time.Duration
	schedule cron.Schedule
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithHistoryPurger also prunes the persistent operation log each pass.
func WithHistoryPurger(p HistoryPurger) Option {
	return func(s *Sweeper) { s.history = p }
}

// WithRateLimiter drops the token buckets of expired sessions each pass.
func WithRateLimiter(l *ratelimit.Limiter) Option {
	return func(s *Sweeper) { s.limiter = l }
}

// WithMetrics reports session gauge and expiry counters.
func WithMetrics(m *observability.MetricsCollector) Option {
	return func(s *Sweeper) { s.metrics = m }
}

// New creates a Sweeper. spec is a five-field cron expression.
func New(registry *session.Registry, store *artifact.Store, maxAge time.Duration, spec string, logger *slog.Logger, opts ...Option) (*Sweeper, error) {
	if logger == nil {
		logger = slog.Default()
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parsing sweep schedule %q: %w", spec, err)
	}
	s := &Sweeper{
		registry: registry,
		store:    store,
		logger:   logger.With(slog.String("component", "maintenance")),
		maxAge:   maxAge,
		schedule: schedule,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start begins the sweep loop. Returns a cancel function.
func (s *Sweeper) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		s.logger.InfoContext(ctx, "maintenance sweeper started",
			slog.Duration("max_age", s.maxAge))
		for {
			next := s.schedule.Next(time.Now())
			timer := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				timer.Stop()
				s.logger.Info("maintenance sweeper stopped")
				return
			case <-timer.C:
				s.Sweep(ctx)
			}
		}
	}()

	return cancel
}

// Sweep runs one cleanup pass. Each stage is independent; a failing stage is
// logged and the rest still run.
func (s *Sweeper) Sweep(ctx context.Context) {
	start := time.Now()

	expired := s.registry.ExpireOlderThan(s.maxAge)
	if s.limiter != nil {
		for _, id := range expired {
			s.limiter.Forget(id)
		}
	}

	swept, err := s.store.SweepOlderThan(s.maxAge)
	if err != nil {
		s.logger.ErrorContext(ctx, "artifact sweep failed", slog.String("error", err.Error()))
	}

	var purged int64
	if s.history != nil {
		purged, err = s.history.PurgeOlderThan(ctx, s.maxAge)
		if err != nil {
			s.logger.ErrorContext(ctx, "history purge failed", slog.String("error", err.Error()))
		}
	}

	if s.metrics != nil {
		s.metrics.SessionsExpired.Add(float64(len(expired)))
		s.metrics.ActiveSessions.Set(float64(s.registry.Count()))
	}

	s.logger.InfoContext(ctx, "sweep completed",
		slog.Int("sessions_expired", len(expired)),
		slog.Int("artifact_scopes_swept", len(swept)),
		slog.Int64("history_records_purged", purged),
		slog.Duration("elapsed", time.Since(start)))
}
