// Package email renders job alert digests and sends them via multiple providers.
package email

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"jobalert-notifier/pkg/notifier"
)

// maxJobsPerEmail caps how many postings a digest lists; the rest are counted.
const maxJobsPerEmail = 5

// Provider defines the interface for email sending implementations.
type Provider interface {
	// Send sends an email and returns the provider's message id.
	Send(ctx context.Context, to, subject, htmlBody string) (string, error)
}

// Sender sends alert digests using a pluggable provider.
type Sender struct {
	provider Provider
	logger   *slog.Logger
	baseURL  string // For links in emails
}

// New creates a new email sender with the given provider.
func New(provider Provider, logger *slog.Logger, baseURL string) *Sender {
	return &Sender{
		provider: provider,
		logger:   logger,
		baseURL:  baseURL,
	}
}

// Sent describes a delivered digest.
type Sent struct {
	Subject   string
	MessageID string
}

// SendDigest sends one digest listing jobs for alert to the given address.
func (s *Sender) SendDigest(ctx context.Context, to string, alert *notifier.Alert, jobs []*notifier.Job) (*Sent, error) {
	if len(jobs) == 0 {
		return nil, fmt.Errorf("digest for alert %s has no jobs", alert.ID)
	}

	subject := DigestSubject(alert, len(jobs))
	body := s.formatDigestBody(alert, jobs)

	s.logger.Info("Sending alert digest",
		"to", to,
		"alert_id", alert.ID,
		"subject", subject,
		"job_count", len(jobs))

	id, err := s.provider.Send(ctx, to, subject, body)
	if err != nil {
		return nil, err
	}
	return &Sent{Subject: subject, MessageID: id}, nil
}

// DigestSubject builds the subject line for a digest of n jobs.
func DigestSubject(alert *notifier.Alert, n int) string {
	title := alert.Title
	if title == "" {
		title = "your job alert"
	}
	if n == 1 {
		return fmt.Sprintf("1 new job for %s", title)
	}
	return fmt.Sprintf("%d new jobs for %s", n, title)
}

// sendRetry is the retry policy shared by the network providers.
func sendRetry(ctx context.Context, logger *slog.Logger, provider string) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2 * time.Minute),
		retry.MaxJitter(10 * time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.Info("Retrying email send after error", "provider", provider, "attempt", n, "error", err)
		}),
	}
}

// permanent reports whether an HTTP status will fail the same way on retry.
func permanent(status int) bool {
	return status >= 400 && status < 500 && status != http.StatusTooManyRequests
}
