package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

const brevoEndpoint = "https://api.brevo.com/v3/smtp/email"

// BrevoProvider sends emails via Brevo (formerly Sendinblue) API.
type BrevoProvider struct {
	client   *http.Client
	logger   *slog.Logger
	apiKey   string
	sender   brevoContact
	endpoint string
}

// NewBrevoProvider creates a new Brevo email provider.
func NewBrevoProvider(apiKey, fromAddr, fromName string, logger *slog.Logger) *BrevoProvider {
	return &BrevoProvider{
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
		apiKey:   apiKey,
		sender:   brevoContact{Email: fromAddr, Name: fromName},
		endpoint: brevoEndpoint,
	}
}

type brevoMessage struct {
	Sender  brevoContact   `json:"sender"`
	To      []brevoContact `json:"to"`
	Subject string         `json:"subject"`
	HTML    string         `json:"htmlContent"`
	Tags    []string       `json:"tags,omitempty"`
}

type brevoContact struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// Send posts a transactional email tagged as a job alert and returns
// Brevo's message id.
func (b *BrevoProvider) Send(ctx context.Context, to, subject, htmlBody string) (string, error) {
	payload, err := json.Marshal(brevoMessage{
		Sender:  b.sender,
		To:      []brevoContact{{Email: to}},
		Subject: subject,
		HTML:    htmlBody,
		Tags:    []string{"job_alert"},
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	var messageID string
	err = retry.Do(func() error {
		start := time.Now()
		id, err := b.post(ctx, payload)
		if err != nil {
			b.logger.Warn("Brevo send attempt failed",
				"to", to,
				"duration_ms", time.Since(start).Milliseconds(),
				"error", err)
			return err
		}
		messageID = id
		b.logger.Info("Brevo send completed",
			"to", to,
			"message_id", id,
			"duration_ms", time.Since(start).Milliseconds())
		return nil
	}, sendRetry(ctx, b.logger, "brevo")...)
	if err != nil {
		return "", err
	}
	return messageID, nil
}

// post performs one API round trip. Errors that cannot succeed on retry are
// marked unrecoverable.
func (b *BrevoProvider) post(ctx context.Context, payload []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", retry.Unrecoverable(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("api-key", b.apiKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			b.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := fmt.Errorf("brevo: HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(body))
		if permanent(resp.StatusCode) {
			return "", retry.Unrecoverable(statusErr)
		}
		return "", statusErr
	}

	var out struct {
		MessageID string `json:"messageId"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		b.logger.Warn("Brevo response had no message id", "error", err)
	}
	return out.MessageID, nil
}
