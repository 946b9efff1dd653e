// Package dispatch turns an alert's matched jobs into at most one digest email.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"jobalert-notifier/email"
	"jobalert-notifier/pkg/notifier"
	"jobalert-notifier/storage"
)

const (
	// DefaultSendTimeout bounds a single provider call.
	DefaultSendTimeout = 30 * time.Second
	// recordTimeout bounds the bookkeeping writes after a send.
	recordTimeout = 10 * time.Second
)

// Outcome is the result of processing one alert.
type Outcome string

const (
	NoMatches  Outcome = "no_matches"
	Suppressed Outcome = "suppressed"
	Sent       Outcome = "sent"
	Deferred   Outcome = "deferred" // retried on a later cycle
	Skipped    Outcome = "skipped"  // not processed by this worker
)

// Result describes what happened to one alert.
type Result struct {
	Err       error
	Outcome   Outcome
	MessageID string
}

// Store is the persistence the dispatcher needs.
type Store interface {
	Preference(ctx context.Context, ownerID string) (*notifier.Preference, error)
	Profile(ctx context.Context, id string) (*notifier.Profile, error)
	AppendEmailLog(ctx context.Context, entry *notifier.EmailLog) error
	AdvanceLastSent(ctx context.Context, alertID string, expected *time.Time, to time.Time) error
}

// Mailer renders and sends digests.
type Mailer interface {
	SendDigest(ctx context.Context, to string, alert *notifier.Alert, jobs []*notifier.Job) (*email.Sent, error)
}

// Dispatcher sends digests and records their delivery.
type Dispatcher struct {
	store       Store
	mailer      Mailer
	logger      *slog.Logger
	sendTimeout time.Duration
}

// New creates a dispatcher. A zero sendTimeout uses DefaultSendTimeout.
func New(store Store, mailer Mailer, logger *slog.Logger, sendTimeout time.Duration) *Dispatcher {
	if sendTimeout <= 0 {
		sendTimeout = DefaultSendTimeout
	}
	return &Dispatcher{
		store:       store,
		mailer:      mailer,
		logger:      logger,
		sendTimeout: sendTimeout,
	}
}

// Dispatch delivers matches for alert as of asOf. LastSentAt is only
// advanced after a successful send or an explicit opt-out, and only if it
// still holds the value alert was read with.
func (d *Dispatcher) Dispatch(ctx context.Context, alert *notifier.Alert, matches []*notifier.Job, asOf time.Time) Result {
	if len(matches) == 0 {
		return Result{Outcome: NoMatches}
	}

	pref, err := d.store.Preference(ctx, alert.OwnerID)
	if err != nil {
		d.logger.Warn("Failed to load notification preference",
			"alert_id", alert.ID, "owner_id", alert.OwnerID, "error", err)
		return Result{Outcome: Deferred, Err: fmt.Errorf("load preference: %w", err)}
	}
	if pref != nil && !pref.EmailJobAlerts {
		return d.suppress(ctx, alert, len(matches), asOf)
	}

	profile, err := d.store.Profile(ctx, alert.OwnerID)
	if err != nil {
		d.logger.Warn("Failed to load recipient",
			"alert_id", alert.ID, "owner_id", alert.OwnerID, "error", err)
		return Result{Outcome: Deferred, Err: fmt.Errorf("load recipient: %w", err)}
	}
	if profile.Email == "" {
		d.logger.Warn("Recipient has no email address", "alert_id", alert.ID, "owner_id", alert.OwnerID)
		return Result{Outcome: Deferred, Err: errors.New("recipient has no email address")}
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	sent, err := d.mailer.SendDigest(sendCtx, profile.Email, alert, matches)
	cancel()
	if err != nil {
		d.logger.Error("Failed to send alert digest",
			"alert_id", alert.ID,
			"owner_id", alert.OwnerID,
			"job_count", len(matches),
			"error", err)
		return Result{Outcome: Deferred, Err: fmt.Errorf("send digest: %w", err)}
	}

	entry := &notifier.EmailLog{
		ID:        uuid.NewString(),
		AlertID:   alert.ID,
		Recipient: profile.Email,
		Type:      notifier.EmailTypeJobAlert,
		Subject:   sent.Subject,
		Status:    notifier.EmailStatusSent,
		MessageID: sent.MessageID,
		SentAt:    asOf,
	}
	// The email is out, so a cancelled caller must not skip recording it.
	recordCtx, cancelRecord := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancelRecord()

	if err := d.store.AppendEmailLog(recordCtx, entry); err != nil {
		d.logger.Warn("Failed to append email log", "alert_id", alert.ID, "error", err)
	}

	// A failed advance means at most one repeat next cycle.
	if err := d.store.AdvanceLastSent(recordCtx, alert.ID, alert.LastSentAt, asOf); err != nil {
		d.logger.Warn("Failed to advance last_sent_at after send",
			"alert_id", alert.ID,
			"conflict", errors.Is(err, storage.ErrConflict),
			"error", err)
	}

	d.logger.Info("Alert digest sent",
		"alert_id", alert.ID,
		"owner_id", alert.OwnerID,
		"frequency", alert.Frequency,
		"job_count", len(matches),
		"message_id", sent.MessageID)
	return Result{Outcome: Sent, MessageID: sent.MessageID}
}

// suppress consumes the window without sending so that re-enabling alerts
// does not replay everything matched while opted out.
func (d *Dispatcher) suppress(ctx context.Context, alert *notifier.Alert, matched int, asOf time.Time) Result {
	if err := d.store.AdvanceLastSent(ctx, alert.ID, alert.LastSentAt, asOf); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			d.logger.Info("Alert advanced concurrently, skipping", "alert_id", alert.ID)
			return Result{Outcome: Skipped}
		}
		d.logger.Warn("Failed to advance suppressed alert", "alert_id", alert.ID, "error", err)
		return Result{Outcome: Deferred, Err: fmt.Errorf("advance suppressed alert: %w", err)}
	}

	d.logger.Info("Alert digest suppressed by preference",
		"alert_id", alert.ID,
		"owner_id", alert.OwnerID,
		"job_count", matched)
	return Result{Outcome: Suppressed}
}
