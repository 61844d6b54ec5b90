// Package worker runs the periodic mutual closure sweeps.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

const (
	JobExpire   = "expire"
	JobReminder = "reminder"
	JobRelay    = "outbox_relay"
)

// Sweeper is the part of the closure service the worker drives.
type Sweeper interface {
	ProcessExpiredRequests(ctx context.Context) (int, error)
	SendReminders(ctx context.Context) (int, error)
}

// Relayer drains the transactional outbox.
type Relayer interface {
	DeliverPending(ctx context.Context) (int, error)
}

type SweepRecorder interface {
	Sweep(job string, handled int, err error, started time.Time)
}

type Config struct {
	ExpiryInterval   time.Duration
	ReminderInterval time.Duration
	// RelayInterval is only used once a Relayer is attached.
	RelayInterval time.Duration
}

// Runner ticks each sweep on its own interval. A failed run is logged and the
// loop waits for the next tick.
type Runner struct {
	sweeper  Sweeper
	relayer  Relayer
	cfg      Config
	recorder SweepRecorder
	logger   *slog.Logger
}

func NewRunner(sweeper Sweeper, cfg Config, recorder SweepRecorder, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{sweeper: sweeper, cfg: cfg, recorder: recorder, logger: logger}
}

// WithRelay adds the outbox relay as a third loop.
func (r *Runner) WithRelay(relayer Relayer) *Runner {
	r.relayer = relayer
	return r
}

// Run blocks until ctx is cancelled. Both sweeps run once immediately.
func (r *Runner) Run(ctx context.Context) error {
	if r.cfg.ExpiryInterval <= 0 || r.cfg.ReminderInterval <= 0 {
		return errors.New("worker: sweep intervals must be positive")
	}
	if r.relayer != nil && r.cfg.RelayInterval <= 0 {
		return errors.New("worker: relay interval must be positive")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.loop(ctx, JobExpire, r.cfg.ExpiryInterval, r.sweeper.ProcessExpiredRequests)
	})
	g.Go(func() error {
		return r.loop(ctx, JobReminder, r.cfg.ReminderInterval, r.sweeper.SendReminders)
	})
	if r.relayer != nil {
		g.Go(func() error {
			return r.loop(ctx, JobRelay, r.cfg.RelayInterval, r.relayer.DeliverPending)
		})
	}
	return g.Wait()
}

func (r *Runner) loop(ctx context.Context, job string, every time.Duration, fn func(context.Context) (int, error)) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		r.RunOnce(ctx, job, fn)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce executes a single sweep and reports it.
func (r *Runner) RunOnce(ctx context.Context, job string, fn func(context.Context) (int, error)) {
	if ctx.Err() != nil {
		return
	}
	ctx, span := otel.Tracer("toolshare/worker").Start(ctx, "sweep "+job)
	defer span.End()

	started := time.Now()
	n, err := fn(ctx)
	span.SetAttributes(attribute.String("sweep.job", job), attribute.Int("sweep.handled", n))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sweep failed")
	}
	if r.recorder != nil {
		r.recorder.Sweep(job, n, err, started)
	}
	if err != nil {
		r.logger.ErrorContext(ctx, "sweep failed", slog.String("job", job), slog.Any("error", err))
		return
	}
	if n > 0 {
		r.logger.InfoContext(ctx, "sweep completed", slog.String("job", job), slog.Int("handled", n))
	}
}
