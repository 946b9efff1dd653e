package email

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
)

// GmailProvider sends emails via Gmail API.
type GmailProvider struct {
	service  *gmail.Service
	logger   *slog.Logger
	fromAddr string
	fromName string
}

// NewGmailProvider creates a new Gmail email provider. fromAddr may be empty,
// in which case Gmail uses the authenticated account.
func NewGmailProvider(service *gmail.Service, fromAddr, fromName string, logger *slog.Logger) *GmailProvider {
	return &GmailProvider{
		service:  service,
		logger:   logger,
		fromAddr: fromAddr,
		fromName: fromName,
	}
}

// sanitizeEmailHeader removes CR, LF and other control characters so a value
// cannot inject additional headers.
func sanitizeEmailHeader(s string) string {
	var result strings.Builder
	for _, r := range s {
		if r >= 32 && r != 127 {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// buildMIMEMessage assembles the raw RFC 5322 message.
func (g *GmailProvider) buildMIMEMessage(to, subject, htmlBody string) string {
	var msg strings.Builder
	msg.WriteString("MIME-Version: 1.0\r\n")
	if g.fromAddr != "" {
		from := sanitizeEmailHeader(g.fromAddr)
		if g.fromName != "" {
			from = fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", sanitizeEmailHeader(g.fromName)), from)
		}
		msg.WriteString(fmt.Sprintf("From: %s\r\n", from))
	}
	msg.WriteString(fmt.Sprintf("To: %s\r\n", sanitizeEmailHeader(to)))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", mime.QEncoding.Encode("utf-8", sanitizeEmailHeader(subject))))
	msg.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
	msg.WriteString(htmlBody)
	return msg.String()
}

// Send sends an email via Gmail API and returns the Gmail message id.
func (g *GmailProvider) Send(ctx context.Context, to, subject, htmlBody string) (string, error) {
	raw := base64.URLEncoding.EncodeToString([]byte(g.buildMIMEMessage(to, subject, htmlBody)))

	var messageID string
	err := retry.Do(func() error {
		start := time.Now()
		sent, err := g.service.Users.Messages.Send("me", &gmail.Message{Raw: raw}).Context(ctx).Do()
		if err != nil {
			g.logger.Warn("Gmail send attempt failed",
				"to", to,
				"duration_ms", time.Since(start).Milliseconds(),
				"error", err)
			var apiErr *googleapi.Error
			if errors.As(err, &apiErr) && permanent(apiErr.Code) {
				return retry.Unrecoverable(err)
			}
			return err
		}
		messageID = sent.Id
		g.logger.Info("Gmail send completed",
			"to", to,
			"message_id", messageID,
			"duration_ms", time.Since(start).Milliseconds())
		return nil
	}, sendRetry(ctx, g.logger, "gmail")...)
	if err != nil {
		return "", err
	}
	return messageID, nil
}
