package triage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

var tracer = otel.Tracer("github.com/linnemanlabs/hush/internal/triage")

const (
	// DefaultPollInterval bounds how long the pipeline waits on an empty source.
	DefaultPollInterval = time.Second

	maxAlertBody    = 200
	recentSenderAge = time.Hour
)

// PipelineHooks are optional callbacks for ingestion instrumentation.
type PipelineHooks struct {
	OnDecision    func(d Disposition, dur time.Duration)
	OnIngestError func(stage string)
	OnAlert       func(kind string, err error)
}

// Outcome is the result of ingesting one event.
type Outcome struct {
	Event            *Event   `json:"event"`
	Decision         Decision `json:"decision"`
	Alerted          bool     `json:"alerted"`
	RecentFromSender int      `json:"recent_from_sender"`
}

// Pipeline records, decides and alerts for one event at a time.
type Pipeline struct {
	events       EventStore
	engine       *Engine
	sink         Sink
	forwarder    Forwarder
	logger       log.Logger
	hooks        PipelineHooks
	now          func() time.Time
	newID        func() string
	pollInterval time.Duration

	// mu serializes events so decisions are ordered against policy mutations
	mu sync.Mutex
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithForwarder relays every recorded event to f.
func WithForwarder(f Forwarder) PipelineOption {
	return func(p *Pipeline) { p.forwarder = f }
}

// WithPipelineHooks installs instrumentation hooks.
func WithPipelineHooks(h PipelineHooks) PipelineOption {
	return func(p *Pipeline) { p.hooks = h }
}

// WithPipelineClock overrides the ingestion clock.
func WithPipelineClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) { p.now = now }
}

// WithPollInterval sets how long Run waits on an empty source before re-checking shutdown.
func WithPollInterval(d time.Duration) PipelineOption {
	return func(p *Pipeline) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// WithIDGenerator overrides event id generation.
func WithIDGenerator(fn func() string) PipelineOption {
	return func(p *Pipeline) { p.newID = fn }
}

// NewPipeline creates an ingestion pipeline.
func NewPipeline(events EventStore, engine *Engine, sink Sink, logger log.Logger, opts ...PipelineOption) *Pipeline {
	if logger == nil {
		logger = log.Nop()
	}
	p := &Pipeline{
		events:       events,
		engine:       engine,
		sink:         sink,
		logger:       logger,
		now:          time.Now,
		newID:        func() string { return ulid.Make().String() },
		pollInterval: DefaultPollInterval,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Validate rejects raw events missing required fields.
func (r *RawEvent) Validate() error {
	var errs []error
	if strings.TrimSpace(r.Source) == "" {
		errs = append(errs, invalidf("source is required"))
	}
	if strings.TrimSpace(r.Title) == "" && strings.TrimSpace(r.Body) == "" {
		errs = append(errs, invalidf("title or body is required"))
	}
	if r.OriginAt.IsZero() {
		errs = append(errs, invalidf("origin timestamp is required"))
	}
	return errors.Join(errs...)
}

// Process runs one event through record, decide, persist and alert.
// Storage failures are returned; alert failures are logged only. Once
// recording starts, cancelling ctx no longer interrupts the sequence, so a
// recorded event is never left pending by a departed caller.
func (p *Pipeline) Process(ctx context.Context, raw *RawEvent) (*Outcome, error) {
	if err := raw.Validate(); err != nil {
		p.ingestError("validate")
		p.logger.Warn(ctx, "invalid event rejected", "source", raw.Source, "error", err)
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	ctx = context.WithoutCancel(ctx)

	ctx, span := tracer.Start(ctx, "triage.ingest", trace.WithAttributes(
		attribute.String("hush.event.source", raw.Source),
	))
	defer span.End()

	ev := &Event{
		ID:               p.newID(),
		Source:           strings.TrimSpace(raw.Source),
		Title:            raw.Title,
		Body:             raw.Body,
		Sender:           strings.TrimSpace(raw.Sender),
		ConversationHint: raw.ConversationHint,
		OriginAt:         raw.OriginAt.UTC(),
		IngestedAt:       p.now().UTC(),
		Disposition:      DispositionPending,
	}
	span.SetAttributes(attribute.String("hush.event.id", ev.ID))
	L := p.logger.With("event_id", ev.ID, "source", ev.Source)

	// received -> recorded
	if err := p.events.Record(ctx, ev); err != nil {
		p.ingestError("record")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("record event: %w", err)
	}

	if p.forwarder != nil {
		cp := *ev
		p.forwarder.Forward(&cp)
	}

	// recorded -> decided
	start := time.Now()
	dec := p.engine.Decide(ctx, ev)
	if p.hooks.OnDecision != nil {
		p.hooks.OnDecision(dec.Disposition, time.Since(start))
	}

	if err := p.events.SetDisposition(ctx, ev.ID, dec.Disposition, dec.Rationale); err != nil {
		p.ingestError("persist")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		L.Error(ctx, err, "failed to persist decision, event left pending", "disposition", dec.Disposition)
		return nil, fmt.Errorf("persist decision: %w", err)
	}
	ev.Disposition = dec.Disposition
	ev.Rationale = dec.Rationale
	span.SetAttributes(attribute.String("hush.event.disposition", string(dec.Disposition)))

	out := &Outcome{Event: ev, Decision: dec}

	if ev.Sender != "" {
		n, err := p.events.CountFromSender(ctx, ev.Sender, p.now().Add(-recentSenderAge))
		if err != nil {
			L.Warn(ctx, "recent sender count unavailable", "error", err)
		}
		out.RecentFromSender = n
	}

	// decided -> alerted
	if dec.Disposition == DispositionSurfaced && p.sink != nil {
		err := p.sink.Deliver(ctx, surfaceAlert(ev, dec))
		if p.hooks.OnAlert != nil {
			p.hooks.OnAlert("surface", err)
		}
		if err != nil {
			L.Error(ctx, fmt.Errorf("%w: %w", ErrSinkDelivery, err), "alert delivery failed, decision kept")
		} else {
			out.Alerted = true
		}
	}

	L.Info(ctx, "event triaged",
		"disposition", dec.Disposition,
		"rationale", dec.Rationale,
		"title", truncate(ev.Title, 40),
	)
	return out, nil
}

// Run drains src until ctx is done or src is closed. Each dequeued event
// finishes its full sequence even if ctx is cancelled meanwhile.
func (p *Pipeline) Run(ctx context.Context, src Source) error {
	p.logger.Info(ctx, "ingestion pipeline started", "poll_interval", p.pollInterval.String())
	defer p.logger.Info(context.WithoutCancel(ctx), "ingestion pipeline stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}

		pollCtx, cancel := context.WithTimeout(ctx, p.pollInterval)
		raw, err := src.Next(pollCtx)
		cancel()
		if err != nil {
			switch {
			case errors.Is(err, ErrSourceClosed):
				return nil
			case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
				continue
			default:
				p.logger.Error(ctx, err, "event source failed")
				continue
			}
		}

		// invalid events are logged by Process
		if _, err := p.Process(ctx, raw); err != nil && !errors.Is(err, ErrInvalidInput) {
			p.logger.Error(ctx, err, "event dropped", "source", raw.Source)
		}
	}
}

func (p *Pipeline) ingestError(stage string) {
	if p.hooks.OnIngestError != nil {
		p.hooks.OnIngestError(stage)
	}
}

func surfaceAlert(ev *Event, dec Decision) *Alert {
	who := ev.Sender
	if who == "" {
		who = ev.Title
	}
	body := ev.Body
	if strings.TrimSpace(body) == "" {
		body = ev.Title
	}
	return &Alert{
		Title:     ev.Source + " | " + who,
		Body:      truncate(body, maxAlertBody),
		Urgency:   UrgencyNormal,
		Rationale: dec.Rationale,
		Source:    ev.Source,
	}
}

// truncate shortens s to at most limit runes, marking the cut with "...".
func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return string(r[:limit-3]) + "..."
}
