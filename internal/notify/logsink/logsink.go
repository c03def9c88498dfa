// Package logsink delivers triage alerts to the structured log. It is the
// default sink when no webhook is configured.
package logsink

import (
	"context"
	"errors"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/hush/internal/triage"
)

// Sink writes each alert as one log record. It implements triage.Sink.
type Sink struct {
	logger log.Logger
}

// New returns a Sink writing to logger.
func New(logger log.Logger) *Sink {
	if logger == nil {
		logger = log.Nop()
	}
	return &Sink{logger: logger.With("component", "alert_sink")}
}

// Deliver logs a. High urgency alerts are logged at warn level.
func (s *Sink) Deliver(ctx context.Context, a *triage.Alert) error {
	if a == nil {
		return errors.New("logsink: nil alert")
	}
	kv := []any{
		"title", a.Title,
		"body", a.Body,
		"urgency", string(a.Urgency),
		"rationale", a.Rationale,
	}
	if a.Source != "" {
		kv = append(kv, "source", a.Source)
	}
	if a.Urgency == triage.UrgencyHigh {
		s.logger.Warn(ctx, "alert", kv...)
		return nil
	}
	s.logger.Info(ctx, "alert", kv...)
	return nil
}
