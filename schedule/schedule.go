// Package schedule runs periodic daily and weekly alert sweeps in-process.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"jobalert-notifier/pkg/notifier"
	"jobalert-notifier/poll"
)

// DefaultSpec fires a sweep every hour. Alerts that are not yet due are
// filtered out by the sweep itself, so a tick more frequent than a day is fine.
const DefaultSpec = "@every 1h"

// Sweeper runs one sweep of a polled frequency.
type Sweeper interface {
	RunSweep(ctx context.Context, frequency notifier.Frequency, asOf time.Time) (*poll.Report, error)
}

// Scheduler wraps robfig/cron and manages the sweep loop.
type Scheduler struct {
	cron    *cron.Cron
	sweeper Sweeper
	logger  *slog.Logger
	now     func() time.Time
	spec    string
}

// Enabled reports whether spec turns the in-process schedule on.
func Enabled(spec string) bool {
	s := strings.ToLower(strings.TrimSpace(spec))
	return s != "off" && s != "disabled" && s != "none"
}

// New creates a scheduler firing on spec (cron syntax or "@every <duration>").
func New(sweeper Sweeper, spec string, logger *slog.Logger) (*Scheduler, error) {
	if spec == "" {
		spec = DefaultSpec
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}

	cl := cronLogger{logger: logger}
	return &Scheduler{
		cron:    cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		sweeper: sweeper,
		logger:  logger,
		now:     time.Now,
		spec:    spec,
	}, nil
}

// Start registers the sweep and starts the scheduler. One sweep also runs
// immediately so due alerts don't wait for the first tick.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.spec, func() { s.Tick(ctx) }); err != nil {
		return fmt.Errorf("cron.AddFunc: %w", err)
	}

	s.cron.Start()
	s.logger.Info("Sweep schedule started", "spec", s.spec)

	go s.Tick(ctx)
	return nil
}

// Stop stops the scheduler and waits for a running sweep to finish or ctx
// to expire.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("Sweep schedule stopped")
	case <-ctx.Done():
		s.logger.Warn("Sweep schedule stop timed out", "error", ctx.Err())
	}
}

// Tick sweeps the daily then the weekly tier. A failed tier is logged and
// does not prevent the other from running.
func (s *Scheduler) Tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	asOf := s.now()
	for _, f := range []notifier.Frequency{notifier.FrequencyDaily, notifier.FrequencyWeekly} {
		if _, err := s.sweeper.RunSweep(ctx, f, asOf); err != nil {
			s.logger.Error("Scheduled sweep failed", "frequency", f, "error", err)
		}
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
