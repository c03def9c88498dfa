package triage

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

const (
	// DefaultDigestLookback is used when a digest request carries no lookback.
	DefaultDigestLookback = 24 * time.Hour

	maxDigestItems   = 20
	maxGroupSenders  = 3
	emptyDigestText  = "No notifications in this timeframe."
	defaultDigestTag = "scheduled"
)

// DigestRequest describes one digest generation.
type DigestRequest struct {
	Label    string        `json:"label"`
	Lookback time.Duration `json:"-"`
	Clear    bool          `json:"clear"`
}

// SourceGroup summarizes held events from one source.
type SourceGroup struct {
	Source  string   `json:"source"`
	Count   int      `json:"count"`
	Senders []string `json:"senders,omitempty"`
}

// Digest is a grouped summary of held events.
type Digest struct {
	Label       string        `json:"label"`
	GeneratedAt time.Time     `json:"generated_at"`
	Lookback    float64       `json:"lookback_hours"`
	Total       int           `json:"total_pending"`
	Groups      []SourceGroup `json:"groups"`
	Items       []*Event      `json:"items"`
	Truncated   bool          `json:"truncated"`
	Stats       *Stats        `json:"statistics"`
	Cleared     int           `json:"cleared_count"`
	Delivered   bool          `json:"delivered"`
	Text        string        `json:"summary_text"`
}

// Empty reports whether the digest holds no events.
func (d *Digest) Empty() bool { return d.Total == 0 }

// DigestHooks are optional callbacks for digest instrumentation.
type DigestHooks struct {
	OnRun     func(label string, err error)
	OnDrained func(n int)
	OnAlert   func(kind string, err error)
}

// Digester builds digests from held events and delivers them.
type Digester struct {
	events EventStore
	sink   Sink
	logger log.Logger
	hooks  DigestHooks
	now    func() time.Time
}

// DigesterOption configures a Digester.
type DigesterOption func(*Digester)

// WithDigestHooks installs instrumentation hooks.
func WithDigestHooks(h DigestHooks) DigesterOption {
	return func(d *Digester) { d.hooks = h }
}

// WithDigestClock overrides the digest clock.
func WithDigestClock(now func() time.Time) DigesterOption {
	return func(d *Digester) { d.now = now }
}

// NewDigester creates a Digester.
func NewDigester(events EventStore, sink Sink, logger log.Logger, opts ...DigesterOption) *Digester {
	if logger == nil {
		logger = log.Nop()
	}
	d := &Digester{
		events: events,
		sink:   sink,
		logger: logger,
		now:    time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Generate lists held events within the lookback, groups them by source,
// drains the held events it listed when req.Clear is set, and delivers a low
// urgency alert when anything was held. Events held after the listing stay
// held for the next digest.
func (d *Digester) Generate(ctx context.Context, req DigestRequest) (*Digest, error) {
	if req.Label == "" {
		req.Label = defaultDigestTag
	}
	if req.Lookback <= 0 {
		req.Lookback = DefaultDigestLookback
	}

	ctx, span := tracer.Start(ctx, "triage.digest", trace.WithAttributes(
		attribute.String("hush.digest.label", req.Label),
		attribute.Bool("hush.digest.clear", req.Clear),
	))
	defer span.End()

	L := d.logger.With("digest", req.Label)
	now := d.now().UTC()
	since := now.Add(-req.Lookback)

	// one snapshot of everything held; older events are drained with it
	all, err := d.events.ListByDisposition(ctx, DispositionDigest, time.Time{})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.observe(req.Label, err)
		return nil, fmt.Errorf("list held events: %w", err)
	}
	held := make([]*Event, 0, len(all))
	for _, ev := range all {
		if ev.OriginAt.After(since) {
			held = append(held, ev)
		}
	}

	stats, err := d.events.Statistics(ctx, since)
	if err != nil {
		L.Warn(ctx, "digest statistics unavailable", "error", err)
		stats = NewStats(req.Lookback)
		stats.Degraded = true
	}

	dg := &Digest{
		Label:       req.Label,
		GeneratedAt: now,
		Lookback:    req.Lookback.Hours(),
		Total:       len(held),
		Groups:      groupBySource(held),
		Items:       held,
		Stats:       stats,
	}
	if len(held) > maxDigestItems {
		dg.Items = held[:maxDigestItems]
		dg.Truncated = true
	}
	dg.Text = digestText(stats, dg.Groups)

	if req.Clear {
		ids := make([]string, len(all))
		for i, ev := range all {
			ids[i] = ev.ID
		}
		n, err := d.events.DrainDigest(ctx, ids)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			d.observe(req.Label, err)
			return nil, fmt.Errorf("drain digest: %w", err)
		}
		dg.Cleared = n
		if d.hooks.OnDrained != nil {
			d.hooks.OnDrained(n)
		}
	}

	if !dg.Empty() && d.sink != nil {
		err := d.sink.Deliver(ctx, &Alert{
			Title:     digestTitle(req.Label),
			Body:      dg.Text,
			Urgency:   UrgencyLow,
			Rationale: fmt.Sprintf("%d held event(s) in the last %s", dg.Total, req.Lookback),
		})
		if d.hooks.OnAlert != nil {
			d.hooks.OnAlert("digest", err)
		}
		if err != nil {
			L.Error(ctx, fmt.Errorf("%w: %w", ErrSinkDelivery, err), "digest delivery failed")
		} else {
			dg.Delivered = true
		}
	}

	span.SetAttributes(
		attribute.Int("hush.digest.total", dg.Total),
		attribute.Int("hush.digest.cleared", dg.Cleared),
	)
	d.observe(req.Label, nil)

	L.Info(ctx, "digest generated",
		"total", dg.Total,
		"groups", len(dg.Groups),
		"cleared", dg.Cleared,
		"delivered", dg.Delivered,
	)
	return dg, nil
}

func (d *Digester) observe(label string, err error) {
	if d.hooks.OnRun != nil {
		d.hooks.OnRun(label, err)
	}
}

// groupBySource orders groups by descending count, then source name.
func groupBySource(events []*Event) []SourceGroup {
	idx := make(map[string]int)
	seen := make(map[string]map[string]struct{})
	var groups []SourceGroup

	for _, ev := range events {
		i, ok := idx[ev.Source]
		if !ok {
			i = len(groups)
			idx[ev.Source] = i
			groups = append(groups, SourceGroup{Source: ev.Source})
			seen[ev.Source] = make(map[string]struct{})
		}
		groups[i].Count++
		if ev.Sender == "" {
			continue
		}
		if _, dup := seen[ev.Source][ev.Sender]; !dup {
			seen[ev.Source][ev.Sender] = struct{}{}
			groups[i].Senders = append(groups[i].Senders, ev.Sender)
		}
	}

	for i := range groups {
		slices.Sort(groups[i].Senders)
	}
	slices.SortFunc(groups, func(a, b SourceGroup) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return cmp.Compare(a.Source, b.Source)
	})
	if groups == nil {
		groups = []SourceGroup{}
	}
	return groups
}

func digestText(stats *Stats, groups []SourceGroup) string {
	if stats.Total == 0 && len(groups) == 0 {
		return emptyDigestText
	}

	var b strings.Builder
	if !stats.Degraded {
		fmt.Fprintf(&b, "Received %d notifications:\n", stats.Total)
		fmt.Fprintf(&b, "  - %d surfaced to you\n", stats.ByDisposition[DispositionSurfaced])
		fmt.Fprintf(&b, "  - %d suppressed (noise)\n", stats.ByDisposition[DispositionSuppressed])
		fmt.Fprintf(&b, "  - %d held for this digest\n", stats.ByDisposition[DispositionDigest])
		b.WriteString("\n")
	}

	if len(groups) > 0 {
		b.WriteString("Breakdown by source:\n")
		for _, g := range groups {
			fmt.Fprintf(&b, "  - %s: %d notification(s)%s\n", g.Source, g.Count, sendersSuffix(g.Senders))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func sendersSuffix(senders []string) string {
	if len(senders) == 0 {
		return ""
	}
	shown := senders
	if len(shown) > maxGroupSenders {
		shown = shown[:maxGroupSenders]
	}
	s := " from " + strings.Join(shown, ", ")
	if extra := len(senders) - len(shown); extra > 0 {
		s += fmt.Sprintf(" and %d others", extra)
	}
	return s
}

func digestTitle(label string) string {
	if label == "" {
		return "Digest"
	}
	r := []rune(label)
	return strings.ToUpper(string(r[0])) + string(r[1:]) + " Digest"
}
