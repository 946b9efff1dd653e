// Package poll selects alerts that are due, evaluates them against new jobs
// and hands the matches to the dispatcher.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/sync/errgroup"

	"jobalert-notifier/dispatch"
	"jobalert-notifier/match"
	"jobalert-notifier/pkg/notifier"
	"jobalert-notifier/storage"
)

const (
	// DefaultWorkers is the sweep concurrency when none is configured.
	DefaultWorkers = 4
	// DefaultLeaseTTL bounds how long a crashed worker can block an alert.
	DefaultLeaseTTL = 2 * time.Minute
	// DefaultInstantLeaseAttempts is how often an instant evaluation tries
	// to take a lease held by another publish event before deferring.
	DefaultInstantLeaseAttempts = 6
)

var (
	// ErrLeaseBusy means another processor held the alert for the whole
	// wait. Instant matches reported with it must be re-published.
	ErrLeaseBusy = errors.New("alert lease held by another processor")
	// ErrLeaseLost means the lease expired or was taken over mid-work.
	ErrLeaseLost = errors.New("alert lease lost before dispatch")
)

// Store interface for alert and job reads.
type Store interface {
	Alert(ctx context.Context, id string) (*notifier.Alert, error)
	ListActiveDue(ctx context.Context, frequency notifier.Frequency, asOf time.Time) ([]*notifier.Alert, error)
	ListActive(ctx context.Context, frequency notifier.Frequency) ([]*notifier.Alert, error)
	CandidateJobs(ctx context.Context, after, upTo time.Time) ([]*notifier.Job, error)
}

// Dispatcher interface for delivering matches.
type Dispatcher interface {
	Dispatch(ctx context.Context, alert *notifier.Alert, matches []*notifier.Job, asOf time.Time) dispatch.Result
}

// Config holds monitor dependencies.
type Config struct {
	Store      Store
	Locker     storage.Locker
	Dispatcher Dispatcher
	Logger     *slog.Logger
	Workers    int
	LeaseTTL   time.Duration
	// InstantLeaseAttempts bounds the wait for a contended instant alert.
	InstantLeaseAttempts int
}

// Monitor runs sweeps and instant evaluations.
type Monitor struct {
	store      Store
	locker     storage.Locker
	dispatcher Dispatcher
	logger     *slog.Logger
	now        func() time.Time
	workers    int
	leaseTTL   time.Duration

	instantAttempts uint
	leaseRetryDelay time.Duration
	leaseRetryMax   time.Duration
}

// New creates a new poll monitor.
func New(cfg *Config) *Monitor {
	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	leaseTTL := cfg.LeaseTTL
	if leaseTTL <= 0 {
		leaseTTL = DefaultLeaseTTL
	}
	locker := cfg.Locker
	if locker == nil {
		locker = storage.NewMemoryLocker()
	}
	attempts := cfg.InstantLeaseAttempts
	if attempts <= 0 {
		attempts = DefaultInstantLeaseAttempts
	}
	return &Monitor{
		store:           cfg.Store,
		locker:          locker,
		dispatcher:      cfg.Dispatcher,
		logger:          cfg.Logger,
		now:             time.Now,
		workers:         workers,
		leaseTTL:        leaseTTL,
		instantAttempts: uint(attempts),
		leaseRetryDelay: 200 * time.Millisecond,
		leaseRetryMax:   2 * time.Second,
	}
}

// Failure records one alert that could not be processed.
type Failure struct {
	AlertID string `json:"alert_id"`
	Error   string `json:"error"`
}

// Report summarizes one sweep or instant evaluation.
type Report struct {
	AsOf       time.Time          `json:"as_of"`
	Frequency  notifier.Frequency `json:"frequency"`
	JobID      string             `json:"job_id,omitempty"`
	Failures   []Failure          `json:"failures,omitempty"`
	Considered int                `json:"considered"`
	Sent       int                `json:"sent"`
	Suppressed int                `json:"suppressed"`
	NoMatches  int                `json:"no_matches"`
	Deferred   int                `json:"deferred"`
	Skipped    int                `json:"skipped"`
	mu         sync.Mutex
}

func (r *Report) record(alertID string, res dispatch.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch res.Outcome {
	case dispatch.Sent:
		r.Sent++
	case dispatch.Suppressed:
		r.Suppressed++
	case dispatch.NoMatches:
		r.NoMatches++
	case dispatch.Deferred:
		r.Deferred++
	default:
		r.Skipped++
	}
	if res.Err != nil {
		r.Failures = append(r.Failures, Failure{AlertID: alertID, Error: res.Err.Error()})
	}
}

// Due reports whether alert should be evaluated by a sweep at asOf.
func Due(alert *notifier.Alert, asOf time.Time) bool {
	return alert.IsDue(asOf)
}

// Window returns the (after, upTo] creation-time range of jobs that are new
// for alert at asOf. The upper bound keeps a job created during a sweep out of
// this cycle so it is delivered exactly once, next cycle.
func Window(alert *notifier.Alert, asOf time.Time) (after, upTo time.Time) {
	return alert.Watermark(), asOf
}

// normalize drops sub-microsecond precision so watermarks survive a
// round-trip through Postgres timestamptz unchanged.
func normalize(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// RunSweep evaluates every due alert of a polled frequency. Only a failure to
// list due alerts is returned as an error; per-alert failures are reported.
func (m *Monitor) RunSweep(ctx context.Context, frequency notifier.Frequency, asOf time.Time) (*Report, error) {
	if frequency.Period() == 0 {
		return nil, fmt.Errorf("frequency %q is not swept", frequency)
	}
	asOf = normalize(asOf)

	alerts, err := m.store.ListActiveDue(ctx, frequency, asOf)
	if err != nil {
		return nil, fmt.Errorf("list due alerts: %w", err)
	}

	m.logger.Info("Starting alert sweep",
		"frequency", frequency,
		"due", len(alerts),
		"as_of", asOf.Format(time.RFC3339))

	report := &Report{AsOf: asOf, Frequency: frequency, Considered: len(alerts)}
	m.each(ctx, alerts, report, func(ctx context.Context, alert *notifier.Alert) dispatch.Result {
		return m.processDue(ctx, alert.ID, frequency, asOf)
	})

	m.logger.Info("Alert sweep completed",
		"frequency", frequency,
		"considered", report.Considered,
		"sent", report.Sent,
		"suppressed", report.Suppressed,
		"no_matches", report.NoMatches,
		"deferred", report.Deferred,
		"skipped", report.Skipped)
	return report, nil
}

// OnJobPublished evaluates every active instant alert against job alone.
func (m *Monitor) OnJobPublished(ctx context.Context, job *notifier.Job) (*Report, error) {
	asOf := normalize(m.now())
	report := &Report{AsOf: asOf, Frequency: notifier.FrequencyInstant, JobID: job.ID}
	if job.Status != notifier.JobStatusActive {
		m.logger.Info("Ignoring publish event for inactive job", "job_id", job.ID, "status", job.Status)
		return report, nil
	}

	alerts, err := m.store.ListActive(ctx, notifier.FrequencyInstant)
	if err != nil {
		return nil, fmt.Errorf("list instant alerts: %w", err)
	}
	report.Considered = len(alerts)

	m.each(ctx, alerts, report, func(ctx context.Context, alert *notifier.Alert) dispatch.Result {
		return m.processInstant(ctx, alert.ID, job, asOf)
	})

	m.logger.Info("Instant alerts evaluated",
		"job_id", job.ID,
		"considered", report.Considered,
		"sent", report.Sent,
		"deferred", report.Deferred)
	return report, nil
}

// each runs fn for every alert on a bounded pool. Cancellation stops new
// alerts from starting; alerts already running finish.
func (m *Monitor) each(ctx context.Context, alerts []*notifier.Alert, report *Report, fn func(context.Context, *notifier.Alert) dispatch.Result) {
	var g errgroup.Group
	g.SetLimit(m.workers)

	for _, alert := range alerts {
		if ctx.Err() != nil {
			m.logger.Info("Context cancelled, stopping sweep", "error", ctx.Err())
			break
		}
		g.Go(func() error {
			res := fn(ctx, alert)
			if res.Err != nil {
				m.logger.Warn("Alert processing failed",
					"alert_id", alert.ID,
					"outcome", res.Outcome,
					"error", res.Err)
			}
			report.record(alert.ID, res)
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Monitor) processDue(ctx context.Context, alertID string, frequency notifier.Frequency, asOf time.Time) dispatch.Result {
	// Whoever holds the lease covers the same window, so one attempt is enough.
	return m.withLease(ctx, alertID, 1, func(alert *notifier.Alert, confirm func() error) dispatch.Result {
		// The listing may be stale; re-check against the fresh read.
		if !alert.IsActive || alert.Frequency != frequency || !Due(alert, asOf) {
			m.logger.Debug("Skipping alert (no longer due)", "alert_id", alertID)
			return dispatch.Result{Outcome: dispatch.Skipped}
		}

		after, upTo := Window(alert, asOf)
		jobs, err := m.store.CandidateJobs(ctx, after, upTo)
		if err != nil {
			return dispatch.Result{Outcome: dispatch.Deferred, Err: fmt.Errorf("fetch candidate jobs: %w", err)}
		}

		matches := match.Filter(jobs, alert)
		m.logger.Debug("Alert evaluated",
			"alert_id", alertID,
			"candidates", len(jobs),
			"matches", len(matches),
			"after", after.Format(time.RFC3339),
			"up_to", upTo.Format(time.RFC3339))

		if len(matches) > 0 {
			if err := confirm(); err != nil {
				return dispatch.Result{Outcome: dispatch.Deferred, Err: err}
			}
		}
		return m.dispatcher.Dispatch(ctx, alert, matches, asOf)
	})
}

func (m *Monitor) processInstant(ctx context.Context, alertID string, job *notifier.Job, asOf time.Time) dispatch.Result {
	// Another publish event may hold the lease for a different job; waiting
	// is the only way this job's match is not lost.
	return m.withLease(ctx, alertID, m.instantAttempts, func(alert *notifier.Alert, confirm func() error) dispatch.Result {
		if !alert.IsActive || alert.Frequency != notifier.FrequencyInstant {
			return dispatch.Result{Outcome: dispatch.Skipped}
		}
		if !match.Matches(job, alert) {
			return dispatch.Result{Outcome: dispatch.NoMatches}
		}
		if err := confirm(); err != nil {
			return dispatch.Result{Outcome: dispatch.Deferred, Err: err}
		}
		return m.dispatcher.Dispatch(ctx, alert, []*notifier.Job{job}, asOf)
	})
}

// withLease runs fn on a fresh copy of the alert while holding its lease.
// A lease still held by someone else after attempts tries is Skipped for a
// single attempt and Deferred with ErrLeaseBusy otherwise. fn calls confirm
// right before side effects; it extends the lease or reports it lost.
func (m *Monitor) withLease(ctx context.Context, alertID string, attempts uint, fn func(alert *notifier.Alert, confirm func() error) dispatch.Result) dispatch.Result {
	token, busy, err := m.acquire(ctx, alertID, attempts)
	switch {
	case token != "":
	case busy && attempts <= 1:
		m.logger.Info("Alert is being processed elsewhere", "alert_id", alertID)
		return dispatch.Result{Outcome: dispatch.Skipped}
	case busy:
		return dispatch.Result{Outcome: dispatch.Deferred, Err: ErrLeaseBusy}
	default:
		return dispatch.Result{Outcome: dispatch.Deferred, Err: fmt.Errorf("acquire lease: %w", err)}
	}
	defer func() {
		if err := m.locker.Release(context.WithoutCancel(ctx), alertID, token); err != nil {
			m.logger.Warn("Failed to release alert lease", "alert_id", alertID, "error", err)
		}
	}()

	confirm := func() error {
		ok, err := m.locker.Renew(ctx, alertID, token, m.leaseTTL)
		if err != nil {
			return fmt.Errorf("renew lease: %w", err)
		}
		if !ok {
			m.logger.Warn("Alert lease expired before dispatch", "alert_id", alertID, "lease_ttl", m.leaseTTL)
			return ErrLeaseLost
		}
		return nil
	}

	alert, err := m.store.Alert(ctx, alertID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return dispatch.Result{Outcome: dispatch.Skipped}
		}
		return dispatch.Result{Outcome: dispatch.Deferred, Err: fmt.Errorf("reload alert: %w", err)}
	}
	return fn(alert, confirm)
}

// acquire tries to take the alert's lease up to attempts times with backoff.
// busy reports that the last attempt found the lease held.
func (m *Monitor) acquire(ctx context.Context, alertID string, attempts uint) (token string, busy bool, err error) {
	if attempts == 0 {
		attempts = 1
	}
	err = retry.Do(
		func() error {
			t, ok, acquireErr := m.locker.Acquire(ctx, alertID, m.leaseTTL)
			if acquireErr != nil {
				busy = false
				return retry.Unrecoverable(acquireErr)
			}
			if !ok {
				busy = true
				return ErrLeaseBusy
			}
			token, busy = t, false
			return nil
		},
		retry.Attempts(attempts),
		retry.Delay(m.leaseRetryDelay),
		retry.MaxDelay(m.leaseRetryMax),
		retry.MaxJitter(m.leaseRetryDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
	return token, busy, err
}
