// Package redisfwd relays recorded events to a remote instance through a
// Redis stream. Forwarding is fire-and-forget: the ingestion pipeline hands
// events to a bounded buffer and never waits on the network.
package redisfwd

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/hush/internal/triage"
)

const (
	DefaultBufferSize  = 256
	DefaultMaxAttempts = 5
	DefaultBaseBackoff = 200 * time.Millisecond
	DefaultMaxBackoff  = 10 * time.Second
	publishTimeout     = 5 * time.Second
)

// Outcomes reported to Hooks.OnForward.
const (
	OutcomeSent    = "sent"
	OutcomeDropped = "dropped"
	OutcomeFailed  = "failed"
)

// Publisher writes one event to the remote side.
type Publisher interface {
	Publish(ctx context.Context, ev *triage.Event) error
}

// Hooks are optional callbacks for forwarder instrumentation.
type Hooks struct {
	OnForward func(outcome string)
}

// Config tunes buffering and retry.
type Config struct {
	BufferSize  int
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (c *Config) withDefaults() {
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = DefaultBaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
}

// Forwarder buffers events and publishes them from a single goroutine.
// It implements triage.Forwarder.
type Forwarder struct {
	pub    Publisher
	cfg    Config
	logger log.Logger
	hooks  Hooks

	mu     sync.RWMutex
	ch     chan *triage.Event
	closed bool
}

// Option configures a Forwarder.
type Option func(*Forwarder)

// WithHooks installs instrumentation hooks.
func WithHooks(h Hooks) Option {
	return func(f *Forwarder) { f.hooks = h }
}

// New creates a Forwarder publishing through pub.
func New(pub Publisher, cfg Config, logger log.Logger, opts ...Option) *Forwarder {
	if logger == nil {
		logger = log.Nop()
	}
	cfg.withDefaults()
	f := &Forwarder{
		pub:    pub,
		cfg:    cfg,
		logger: logger.With("component", "forwarder"),
		ch:     make(chan *triage.Event, cfg.BufferSize),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Forward queues ev for publishing. A full buffer drops ev.
func (f *Forwarder) Forward(ev *triage.Event) {
	if ev == nil {
		return
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		f.observe(OutcomeDropped)
		return
	}
	select {
	case f.ch <- ev:
	default:
		f.logger.Warn(context.Background(), "forward buffer full, dropping event", "event_id", ev.ID, "source", ev.Source)
		f.observe(OutcomeDropped)
	}
}

// Pending returns the number of buffered events.
func (f *Forwarder) Pending() int { return len(f.ch) }

// Close stops accepting events. Run publishes what is already buffered and returns.
func (f *Forwarder) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.ch)
	}
}

// Run publishes buffered events until ctx is cancelled or Close is called.
// Events still buffered at cancellation are logged and counted as dropped.
func (f *Forwarder) Run(ctx context.Context) error {
	f.logger.Info(ctx, "forwarder started", "buffer", f.cfg.BufferSize)
	for {
		select {
		case <-ctx.Done():
			f.discard(ctx)
			return nil
		case ev, ok := <-f.ch:
			if !ok {
				f.logger.Info(ctx, "forwarder stopped")
				return nil
			}
			f.send(ctx, ev)
		}
	}
}

func (f *Forwarder) send(ctx context.Context, ev *triage.Event) {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = f.cfg.BaseBackoff
	exp.Multiplier = 2
	exp.MaxInterval = f.cfg.MaxBackoff
	exp.MaxElapsedTime = 0
	exp.Reset()

	attempt := 0
	op := func() error {
		attempt++
		pctx, cancel := context.WithTimeout(ctx, publishTimeout)
		defer cancel()
		err := f.pub.Publish(pctx, ev)
		if errors.Is(err, ErrInvalidEvent) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		f.logger.Warn(ctx, "forward attempt failed, retrying",
			"event_id", ev.ID,
			"attempt", attempt,
			"retry_in", wait,
			"error", err.Error(),
		)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(f.cfg.MaxAttempts-1)), ctx)
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		f.logger.Error(ctx, fmt.Errorf("forward event %s: %w", ev.ID, err), "forward failed, event not relayed",
			"event_id", ev.ID,
			"attempts", attempt,
		)
		f.observe(OutcomeFailed)
		return
	}
	f.observe(OutcomeSent)
}

func (f *Forwarder) discard(ctx context.Context) {
	n := 0
	for {
		select {
		case ev, ok := <-f.ch:
			if !ok {
				f.logDiscarded(ctx, n)
				return
			}
			f.logger.Warn(ctx, "forwarder stopping, event not relayed", "event_id", ev.ID)
			f.observe(OutcomeDropped)
			n++
		default:
			f.logDiscarded(ctx, n)
			return
		}
	}
}

func (f *Forwarder) logDiscarded(ctx context.Context, n int) {
	if n > 0 {
		f.logger.Warn(ctx, "forwarder stopped with buffered events", "dropped", n)
		return
	}
	f.logger.Info(ctx, "forwarder stopped")
}

func (f *Forwarder) observe(outcome string) {
	if f.hooks.OnForward != nil {
		f.hooks.OnForward(outcome)
	}
}
