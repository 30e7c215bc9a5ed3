// Package scheduler periodically seeds work orders from due maintenance schedules.
package scheduler

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"maintline/internal/engine"
	"maintline/internal/logging"
)

const defaultInterval = time.Minute

// Runner calls RunDueSchedules on every tick until its context is done.
type Runner struct {
	Engine   engine.Engine
	Interval time.Duration
	Log      *logrus.Logger
	Now      func() time.Time
}

func New(e engine.Engine, interval time.Duration, log *logrus.Logger) *Runner {
	return &Runner{Engine: e, Interval: interval, Log: log}
}

// Run ticks immediately and then every Interval. It returns nil once ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	interval := r.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	r.log().WithField("interval", interval.String()).Info("scheduler started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		r.Tick(ctx)
		select {
		case <-ctx.Done():
			r.log().Info("scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick runs one pass over the due schedules. Failures are logged and retried on the next tick.
func (r *Runner) Tick(ctx context.Context) engine.ScheduleRun {
	if ctx.Err() != nil {
		return engine.ScheduleRun{}
	}
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	run, err := r.Engine.RunDueSchedules(ctx, now(), engine.SchedulerActor)
	entry := r.log().WithField("as_of", run.AsOf.Format("2006-01-02"))
	if err != nil {
		if ctx.Err() == nil {
			entry.WithError(err).Error("schedule run failed")
		}
		return run
	}
	for _, f := range run.Failed {
		entry.WithFields(logrus.Fields{"schedule_id": f.ID, "code": f.Code}).WithError(f.Err).Warn("schedule not triggered")
	}
	if len(run.Created) > 0 {
		entry.WithField("created", len(run.Created)).Info("scheduled work orders created")
	}
	return run
}

func (r *Runner) log() *logrus.Logger {
	if r.Log == nil {
		return logging.Discard()
	}
	return r.Log
}
