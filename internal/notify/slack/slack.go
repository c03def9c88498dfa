// Package slack delivers triage alerts to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/hush/internal/triage"
)

const (
	maxBodyLen  = 3000
	httpTimeout = 10 * time.Second
)

// Notifier posts alerts to a Slack webhook. It implements triage.Sink.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
	now        func() time.Time
}

// New creates a Slack notifier. It panics if webhookURL is empty; callers
// without a webhook should use a different sink.
func New(webhookURL string, logger log.Logger) *Notifier {
	if webhookURL == "" {
		panic(xerrors.New("slack webhook url is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
		now:        time.Now,
	}
}

// Deliver posts a to the configured webhook.
func (n *Notifier) Deliver(ctx context.Context, a *triage.Alert) error {
	if a == nil {
		return errors.New("slack: nil alert")
	}

	body, err := json.Marshal(buildMessage(a, n.now()))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}

	n.logger.Info(ctx, "alert posted to slack", "title", a.Title, "urgency", string(a.Urgency))
	return nil
}

func buildMessage(a *triage.Alert, now time.Time) map[string]any {
	return map[string]any{
		"text": a.Title,
		"blocks": []map[string]any{
			headerBlock(a),
			bodyBlock(a),
			{"type": "divider"},
			contextBlock(a, now),
		},
	}
}

func headerBlock(a *triage.Alert) map[string]any {
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": fmt.Sprintf("%s %s", urgencyEmoji(a.Urgency), a.Title),
		},
	}
}

func bodyBlock(a *triage.Alert) map[string]any {
	text := truncate(a.Body, maxBodyLen)
	if text == "" {
		text = "_No details._"
	}
	if a.Urgency == triage.UrgencyLow {
		// digests are preformatted
		text = "```" + text + "```"
	}
	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": text,
		},
	}
}

func contextBlock(a *triage.Alert, now time.Time) map[string]any {
	text := fmt.Sprintf("hush • %s", now.UTC().Format("2006-01-02 15:04 UTC"))
	if a.Rationale != "" {
		text = fmt.Sprintf("hush • %s • %s", a.Rationale, now.UTC().Format("2006-01-02 15:04 UTC"))
	}
	return map[string]any{
		"type": "context",
		"elements": []map[string]any{
			{"type": "mrkdwn", "text": text},
		},
	}
}

func urgencyEmoji(u triage.Urgency) string {
	switch u {
	case triage.UrgencyHigh:
		return "\U0001f534" // red circle
	case triage.UrgencyLow:
		return "\U0001f4ec" // mailbox
	default:
		return "\U0001f7e1" // yellow circle
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
