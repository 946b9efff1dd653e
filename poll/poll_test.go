package poll

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"jobalert-notifier/dispatch"
	"jobalert-notifier/email"
	"jobalert-notifier/pkg/notifier"
	"jobalert-notifier/storage"
)

type sentDigest struct {
	to      string
	alertID string
	jobIDs  []string
}

type fakeMailer struct {
	failFor map[string]bool // recipient addresses whose sends fail
	sent    []sentDigest
	mu      sync.Mutex
}

func (m *fakeMailer) SendDigest(_ context.Context, to string, alert *notifier.Alert, jobs []*notifier.Job) (*email.Sent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failFor[to] {
		return nil, errors.New("transport exploded")
	}
	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}
	m.sent = append(m.sent, sentDigest{to: to, alertID: alert.ID, jobIDs: ids})
	return &email.Sent{Subject: email.DigestSubject(alert, len(jobs)), MessageID: "m"}, nil
}

func (m *fakeMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type harness struct {
	store   *storage.Store
	locker  *storage.MemoryLocker
	mailer  *fakeMailer
	monitor *Monitor
	now     time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.New(nil, "", t.TempDir(), logger)
	locker := storage.NewMemoryLocker()
	mailer := &fakeMailer{failFor: map[string]bool{}}
	now := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)

	m := New(&Config{
		Store:      store,
		Locker:     locker,
		Dispatcher: dispatch.New(store, mailer, logger, time.Second),
		Logger:     logger,
		Workers:    2,
	})
	m.now = func() time.Time { return now }

	return &harness{store: store, locker: locker, mailer: mailer, monitor: m, now: now}
}

func (h *harness) addOwner(t *testing.T, id string) {
	t.Helper()
	if err := h.store.SaveProfile(context.Background(), &notifier.Profile{ID: id, Email: id + "@example.com"}); err != nil {
		t.Fatal(err)
	}
}

func (h *harness) addAlert(t *testing.T, a *notifier.Alert) {
	t.Helper()
	a.IsActive = true
	if a.CreatedAt.IsZero() {
		a.CreatedAt = h.now.Add(-30 * 24 * time.Hour)
	}
	a.UpdatedAt = a.CreatedAt
	if a.Title == "" {
		a.Title = a.ID
	}
	if err := h.store.CreateAlert(context.Background(), a); err != nil {
		t.Fatal(err)
	}
}

func (h *harness) addJob(t *testing.T, j *notifier.Job) {
	t.Helper()
	if j.Status == "" {
		j.Status = notifier.JobStatusActive
	}
	if err := h.store.SaveJob(context.Background(), j); err != nil {
		t.Fatal(err)
	}
}

func (h *harness) alert(t *testing.T, id string) *notifier.Alert {
	t.Helper()
	a, err := h.store.Alert(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestDueAndWindow(t *testing.T) {
	asOf := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
	created := asOf.Add(-10 * 24 * time.Hour)
	a := &notifier.Alert{IsActive: true, Frequency: notifier.FrequencyDaily, CreatedAt: created}

	if !Due(a, asOf) {
		t.Error("never-sent daily alert not due")
	}
	after, upTo := Window(a, asOf)
	if !after.Equal(created) || !upTo.Equal(asOf) {
		t.Errorf("Window() = (%v, %v), want (%v, %v)", after, upTo, created, asOf)
	}

	sent := asOf.Add(-time.Hour)
	a.LastSentAt = &sent
	if Due(a, asOf) {
		t.Error("daily alert sent an hour ago is due")
	}
	if after, _ := Window(a, asOf); !after.Equal(sent) {
		t.Errorf("Window() after = %v, want %v", after, sent)
	}
}

// A keyword alert receives only the matching job, and its watermark moves to asOf.
func TestSweepDeliversMatchingJobs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addOwner(t, "owner")
	h.addAlert(t, &notifier.Alert{ID: "a", OwnerID: "owner", Keywords: []string{"GoHighLevel"}, Frequency: notifier.FrequencyDaily})
	h.addJob(t, &notifier.Job{ID: "job1", Title: "GoHighLevel Specialist", CreatedAt: h.now.Add(-2 * time.Hour)})
	h.addJob(t, &notifier.Job{ID: "job2", Title: "Backend Engineer", CreatedAt: h.now.Add(-time.Hour)})

	report, err := h.monitor.RunSweep(ctx, notifier.FrequencyDaily, h.now)
	if err != nil {
		t.Fatalf("RunSweep: %v", err)
	}
	if report.Considered != 1 || report.Sent != 1 {
		t.Errorf("report = %+v, want 1 considered, 1 sent", report)
	}
	if len(h.mailer.sent) != 1 || len(h.mailer.sent[0].jobIDs) != 1 || h.mailer.sent[0].jobIDs[0] != "job1" {
		t.Fatalf("sent = %+v, want one digest with job1", h.mailer.sent)
	}
	if got := h.alert(t, "a").LastSentAt; got == nil || !got.Equal(h.now) {
		t.Errorf("last_sent_at = %v, want %v", got, h.now)
	}
}

// A weekly alert sent three days ago is not due.
func TestSweepSkipsAlertsNotDue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addOwner(t, "owner")
	h.addAlert(t, &notifier.Alert{ID: "w", OwnerID: "owner", RemoteOnly: true, Frequency: notifier.FrequencyWeekly})
	threeDaysAgo := h.now.Add(-72 * time.Hour)
	if err := h.store.AdvanceLastSent(ctx, "w", nil, threeDaysAgo); err != nil {
		t.Fatal(err)
	}
	h.addJob(t, &notifier.Job{ID: "j", Title: "Remote Go", Remote: true, CreatedAt: h.now.Add(-time.Hour)})

	report, err := h.monitor.RunSweep(ctx, notifier.FrequencyWeekly, h.now)
	if err != nil {
		t.Fatal(err)
	}
	if report.Considered != 0 || h.mailer.count() != 0 {
		t.Errorf("report = %+v, sent = %d; want nothing", report, h.mailer.count())
	}
	if got := h.alert(t, "w").LastSentAt; got == nil || !got.Equal(threeDaysAgo) {
		t.Errorf("last_sent_at = %v, want unchanged %v", got, threeDaysAgo)
	}
}

func TestSweepTwiceSendsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addOwner(t, "owner")
	h.addAlert(t, &notifier.Alert{ID: "a", OwnerID: "owner", Frequency: notifier.FrequencyDaily})
	h.addJob(t, &notifier.Job{ID: "j", Title: "Anything", CreatedAt: h.now.Add(-time.Hour)})

	for range 2 {
		if _, err := h.monitor.RunSweep(ctx, notifier.FrequencyDaily, h.now); err != nil {
			t.Fatal(err)
		}
	}
	if got := h.mailer.count(); got != 1 {
		t.Errorf("sent %d digests, want 1", got)
	}
}

// A job created after asOf belongs to the next cycle, not this one.
func TestSweepWindowUpperBound(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addOwner(t, "owner")
	h.addAlert(t, &notifier.Alert{ID: "a", OwnerID: "owner", Frequency: notifier.FrequencyDaily})
	h.addJob(t, &notifier.Job{ID: "early", Title: "x", CreatedAt: h.now.Add(-time.Hour)})
	h.addJob(t, &notifier.Job{ID: "late", Title: "y", CreatedAt: h.now.Add(time.Second)})

	if _, err := h.monitor.RunSweep(ctx, notifier.FrequencyDaily, h.now); err != nil {
		t.Fatal(err)
	}
	next := h.now.Add(24 * time.Hour)
	if _, err := h.monitor.RunSweep(ctx, notifier.FrequencyDaily, next); err != nil {
		t.Fatal(err)
	}

	if len(h.mailer.sent) != 2 {
		t.Fatalf("sent = %+v, want two digests", h.mailer.sent)
	}
	if ids := h.mailer.sent[0].jobIDs; len(ids) != 1 || ids[0] != "early" {
		t.Errorf("first digest = %v, want [early]", ids)
	}
	if ids := h.mailer.sent[1].jobIDs; len(ids) != 1 || ids[0] != "late" {
		t.Errorf("second digest = %v, want [late]", ids)
	}
}

// One alert's transport failure leaves it untouched and does not stop the sweep.
func TestSweepIsolatesFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addOwner(t, "good")
	h.addOwner(t, "bad")
	h.addAlert(t, &notifier.Alert{ID: "bad-alert", OwnerID: "bad", Frequency: notifier.FrequencyDaily})
	h.addAlert(t, &notifier.Alert{ID: "good-alert", OwnerID: "good", Frequency: notifier.FrequencyDaily, CreatedAt: h.now.Add(-29 * 24 * time.Hour)})
	h.addAlert(t, &notifier.Alert{ID: "orphan", OwnerID: "nobody", Frequency: notifier.FrequencyDaily, CreatedAt: h.now.Add(-28 * 24 * time.Hour)})
	h.addJob(t, &notifier.Job{ID: "j", Title: "x", CreatedAt: h.now.Add(-time.Hour)})
	h.mailer.failFor["bad@example.com"] = true

	report, err := h.monitor.RunSweep(ctx, notifier.FrequencyDaily, h.now)
	if err != nil {
		t.Fatalf("RunSweep: %v", err)
	}
	if report.Sent != 1 || report.Deferred != 2 || len(report.Failures) != 2 {
		t.Errorf("report = %+v, want 1 sent, 2 deferred", report)
	}
	if h.alert(t, "bad-alert").LastSentAt != nil {
		t.Error("failed alert advanced last_sent_at")
	}
	if h.alert(t, "good-alert").LastSentAt == nil {
		t.Error("healthy alert not advanced")
	}
	logs, err := h.store.EmailLogs(ctx, "bad-alert")
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 0 {
		t.Errorf("failed alert wrote %d email logs", len(logs))
	}
}

// Opting out consumes windows; opting back in resumes with new jobs only.
func TestSuppressionThenResume(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addOwner(t, "owner")
	h.addAlert(t, &notifier.Alert{ID: "a", OwnerID: "owner", Frequency: notifier.FrequencyDaily})
	h.addJob(t, &notifier.Job{ID: "while-off", Title: "x", CreatedAt: h.now.Add(-time.Hour)})
	if err := h.store.SavePreference(ctx, &notifier.Preference{OwnerID: "owner", EmailJobAlerts: false}); err != nil {
		t.Fatal(err)
	}

	report, err := h.monitor.RunSweep(ctx, notifier.FrequencyDaily, h.now)
	if err != nil {
		t.Fatal(err)
	}
	if report.Suppressed != 1 || h.mailer.count() != 0 {
		t.Fatalf("report = %+v, sent = %d; want suppressed", report, h.mailer.count())
	}

	if err := h.store.SavePreference(ctx, &notifier.Preference{OwnerID: "owner", EmailJobAlerts: true}); err != nil {
		t.Fatal(err)
	}
	h.addJob(t, &notifier.Job{ID: "after-on", Title: "y", CreatedAt: h.now.Add(time.Hour)})

	next := h.now.Add(24 * time.Hour)
	if _, err := h.monitor.RunSweep(ctx, notifier.FrequencyDaily, next); err != nil {
		t.Fatal(err)
	}
	if len(h.mailer.sent) != 1 {
		t.Fatalf("sent = %+v, want one digest", h.mailer.sent)
	}
	if ids := h.mailer.sent[0].jobIDs; len(ids) != 1 || ids[0] != "after-on" {
		t.Errorf("digest = %v, want [after-on]", ids)
	}
}

func TestSweepSkipsLeasedAlert(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addOwner(t, "owner")
	h.addAlert(t, &notifier.Alert{ID: "a", OwnerID: "owner", Frequency: notifier.FrequencyDaily})
	h.addJob(t, &notifier.Job{ID: "j", Title: "x", CreatedAt: h.now.Add(-time.Hour)})

	if _, ok, _ := h.locker.Acquire(ctx, "a", time.Hour); !ok {
		t.Fatal("could not pre-acquire lease")
	}

	report, err := h.monitor.RunSweep(ctx, notifier.FrequencyDaily, h.now)
	if err != nil {
		t.Fatal(err)
	}
	if report.Skipped != 1 || h.mailer.count() != 0 {
		t.Errorf("report = %+v, sent = %d; want skipped", report, h.mailer.count())
	}
}

func TestConcurrentSweepsSendOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addOwner(t, "owner")
	h.addAlert(t, &notifier.Alert{ID: "a", OwnerID: "owner", Frequency: notifier.FrequencyDaily})
	h.addJob(t, &notifier.Job{ID: "j", Title: "x", CreatedAt: h.now.Add(-time.Hour)})

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.monitor.RunSweep(ctx, notifier.FrequencyDaily, h.now); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if got := h.mailer.count(); got != 1 {
		t.Errorf("sent %d digests, want 1", got)
	}
}

func TestRunSweepRejectsInstant(t *testing.T) {
	h := newHarness(t)
	if _, err := h.monitor.RunSweep(context.Background(), notifier.FrequencyInstant, h.now); err == nil {
		t.Error("RunSweep(instant) succeeded")
	}
}

type failingStore struct {
	Store
}

func (failingStore) ListActiveDue(context.Context, notifier.Frequency, time.Time) ([]*notifier.Alert, error) {
	return nil, errors.New("database unavailable")
}

func TestRunSweepListFailureAborts(t *testing.T) {
	h := newHarness(t)
	h.monitor.store = failingStore{Store: h.store}

	if _, err := h.monitor.RunSweep(context.Background(), notifier.FrequencyDaily, h.now); err == nil {
		t.Error("RunSweep succeeded despite listing failure")
	}
}

func TestRunSweepCancelledStartsNothing(t *testing.T) {
	h := newHarness(t)
	h.addOwner(t, "owner")
	h.addAlert(t, &notifier.Alert{ID: "a", OwnerID: "owner", Frequency: notifier.FrequencyDaily})
	h.addJob(t, &notifier.Job{ID: "j", Title: "x", CreatedAt: h.now.Add(-time.Hour)})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := h.monitor.RunSweep(ctx, notifier.FrequencyDaily, h.now)
	if err != nil {
		t.Fatal(err)
	}
	if h.mailer.count() != 0 || report.Sent != 0 {
		t.Errorf("cancelled sweep sent %d digests", h.mailer.count())
	}
}

func TestOnJobPublishedEvaluatesOnlyThatJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addOwner(t, "owner")
	h.addAlert(t, &notifier.Alert{ID: "go", OwnerID: "owner", Keywords: []string{"go"}, Frequency: notifier.FrequencyInstant})
	h.addAlert(t, &notifier.Alert{ID: "rust", OwnerID: "owner", Keywords: []string{"rust"}, Frequency: notifier.FrequencyInstant})
	h.addAlert(t, &notifier.Alert{ID: "daily", OwnerID: "owner", Frequency: notifier.FrequencyDaily})
	h.addJob(t, &notifier.Job{ID: "older", Title: "Go veteran", CreatedAt: h.now.Add(-time.Hour)})

	published := &notifier.Job{ID: "new", Title: "Go engineer", Status: notifier.JobStatusActive, CreatedAt: h.now}
	h.addJob(t, published)

	report, err := h.monitor.OnJobPublished(ctx, published)
	if err != nil {
		t.Fatalf("OnJobPublished: %v", err)
	}
	if report.Considered != 2 || report.Sent != 1 || report.NoMatches != 1 {
		t.Errorf("report = %+v", report)
	}
	if len(h.mailer.sent) != 1 || h.mailer.sent[0].alertID != "go" {
		t.Fatalf("sent = %+v, want one digest for alert go", h.mailer.sent)
	}
	if ids := h.mailer.sent[0].jobIDs; len(ids) != 1 || ids[0] != "new" {
		t.Errorf("digest = %v, want [new]", ids)
	}
}

func TestOnJobPublishedIgnoresInactiveJob(t *testing.T) {
	h := newHarness(t)
	h.addOwner(t, "owner")
	h.addAlert(t, &notifier.Alert{ID: "any", OwnerID: "owner", Frequency: notifier.FrequencyInstant})

	report, err := h.monitor.OnJobPublished(context.Background(), &notifier.Job{ID: "d", Title: "x", Status: notifier.JobStatusDraft})
	if err != nil {
		t.Fatal(err)
	}
	if report.Considered != 0 || h.mailer.count() != 0 {
		t.Errorf("report = %+v, sent = %d; want nothing", report, h.mailer.count())
	}
}

// gatedDispatcher holds the dispatch of one job until released.
type gatedDispatcher struct {
	Dispatcher
	jobID   string
	entered chan struct{}
	release chan struct{}
}

func (d *gatedDispatcher) Dispatch(ctx context.Context, alert *notifier.Alert, matches []*notifier.Job, asOf time.Time) dispatch.Result {
	if len(matches) == 1 && matches[0].ID == d.jobID {
		close(d.entered)
		<-d.release
	}
	return d.Dispatcher.Dispatch(ctx, alert, matches, asOf)
}

func (h *harness) publish(t *testing.T, id string) *notifier.Job {
	t.Helper()
	j := &notifier.Job{ID: id, Title: "Go engineer", Status: notifier.JobStatusActive, CreatedAt: h.now}
	h.addJob(t, j)
	return j
}

// Two publish events for the same instant alert overlap: the second waits
// for the first to release the alert and then delivers its own job.
func TestOnJobPublishedWaitsForBusyAlert(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addOwner(t, "owner")
	h.addAlert(t, &notifier.Alert{ID: "a", OwnerID: "owner", Frequency: notifier.FrequencyInstant})
	first := h.publish(t, "first")
	second := h.publish(t, "second")

	gate := &gatedDispatcher{
		Dispatcher: h.monitor.dispatcher,
		jobID:      "first",
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	h.monitor.dispatcher = gate
	h.monitor.instantAttempts = 100
	h.monitor.leaseRetryDelay = 5 * time.Millisecond
	h.monitor.leaseRetryMax = 20 * time.Millisecond

	reports := make(chan *Report, 2)
	run := func(j *notifier.Job) {
		r, err := h.monitor.OnJobPublished(ctx, j)
		if err != nil {
			t.Error(err)
		}
		reports <- r
	}

	go run(first)
	<-gate.entered
	go run(second)
	time.Sleep(50 * time.Millisecond)
	close(gate.release)

	for range 2 {
		if r := <-reports; r == nil || r.Sent != 1 || r.Deferred != 0 {
			t.Errorf("report = %+v, want one sent", r)
		}
	}
	if got := h.mailer.count(); got != 2 {
		t.Fatalf("sent %d digests, want 2", got)
	}
	var delivered []string
	for _, d := range h.mailer.sent {
		delivered = append(delivered, d.jobIDs...)
	}
	if len(delivered) != 2 || delivered[0] != "first" || delivered[1] != "second" {
		t.Errorf("delivered = %v, want [first second]", delivered)
	}
}

func TestOnJobPublishedDefersWhenAlertStaysBusy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addOwner(t, "owner")
	h.addAlert(t, &notifier.Alert{ID: "a", OwnerID: "owner", Frequency: notifier.FrequencyInstant})
	job := h.publish(t, "j")
	h.monitor.instantAttempts = 3
	h.monitor.leaseRetryDelay = time.Millisecond
	h.monitor.leaseRetryMax = time.Millisecond

	if _, ok, _ := h.locker.Acquire(ctx, "a", time.Hour); !ok {
		t.Fatal("could not pre-acquire lease")
	}

	report, err := h.monitor.OnJobPublished(ctx, job)
	if err != nil {
		t.Fatal(err)
	}
	if report.Deferred != 1 || report.Skipped != 0 || h.mailer.count() != 0 {
		t.Fatalf("report = %+v, sent = %d; want deferred", report, h.mailer.count())
	}
	if len(report.Failures) != 1 || report.Failures[0].Error != ErrLeaseBusy.Error() {
		t.Errorf("failures = %+v, want lease busy", report.Failures)
	}
}

// expiringLocker grants leases that are already gone when renewed.
type expiringLocker struct {
	*storage.MemoryLocker
	renewErr error
}

func (l expiringLocker) Renew(context.Context, string, string, time.Duration) (bool, error) {
	return false, l.renewErr
}

func TestLostLeaseAbortsDispatch(t *testing.T) {
	tests := []struct {
		name      string
		frequency notifier.Frequency
		renewErr  error
	}{
		{name: "sweep expired", frequency: notifier.FrequencyDaily},
		{name: "sweep renew error", frequency: notifier.FrequencyDaily, renewErr: errors.New("redis down")},
		{name: "instant expired", frequency: notifier.FrequencyInstant},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			h.monitor.locker = expiringLocker{MemoryLocker: h.locker, renewErr: tt.renewErr}
			h.addOwner(t, "owner")
			h.addAlert(t, &notifier.Alert{ID: "a", OwnerID: "owner", Frequency: tt.frequency})
			job := h.publish(t, "j")

			var report *Report
			var err error
			if tt.frequency == notifier.FrequencyInstant {
				report, err = h.monitor.OnJobPublished(ctx, job)
			} else {
				report, err = h.monitor.RunSweep(ctx, tt.frequency, h.now.Add(time.Minute))
			}
			if err != nil {
				t.Fatal(err)
			}
			if report.Deferred != 1 || len(report.Failures) != 1 {
				t.Errorf("report = %+v, want one deferred failure", report)
			}
			if h.mailer.count() != 0 {
				t.Error("sent a digest without holding the lease")
			}
			if h.alert(t, "a").LastSentAt != nil {
				t.Error("last_sent_at advanced without holding the lease")
			}
		})
	}
}

type unreadableJobsStore struct {
	Store
}

func (unreadableJobsStore) CandidateJobs(context.Context, time.Time, time.Time) ([]*notifier.Job, error) {
	return nil, errors.New("load job job-x: object read failed")
}

func TestSweepDefersWhenCandidatesUnreadable(t *testing.T) {
	h := newHarness(t)
	h.addOwner(t, "owner")
	h.addAlert(t, &notifier.Alert{ID: "a", OwnerID: "owner", Frequency: notifier.FrequencyDaily})
	h.addJob(t, &notifier.Job{ID: "j", Title: "x", CreatedAt: h.now.Add(-time.Hour)})
	h.monitor.store = unreadableJobsStore{Store: h.store}

	report, err := h.monitor.RunSweep(context.Background(), notifier.FrequencyDaily, h.now)
	if err != nil {
		t.Fatal(err)
	}
	if report.Deferred != 1 || h.mailer.count() != 0 {
		t.Errorf("report = %+v, sent = %d; want deferred", report, h.mailer.count())
	}
	if h.alert(t, "a").LastSentAt != nil {
		t.Error("window advanced past unreadable jobs")
	}
}
