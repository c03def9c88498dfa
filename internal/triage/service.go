package triage

import (
	"context"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// Service is the business boundary for triage operations used by the API,
// the scheduler and startup seeding.
type Service struct {
	policy   *PolicyStore
	events   EventStore
	pipeline *Pipeline
	queue    *QueueSource
	digester *Digester
	logger   log.Logger
	now      func() time.Time
}

// NewService creates a triage service. queue may be nil when events are only
// ingested synchronously.
func NewService(policy *PolicyStore, events EventStore, pipeline *Pipeline, digester *Digester, queue *QueueSource, logger log.Logger) *Service {
	if logger == nil {
		logger = log.Nop()
	}
	return &Service{
		policy:   policy,
		events:   events,
		pipeline: pipeline,
		queue:    queue,
		digester: digester,
		logger:   logger,
		now:      time.Now,
	}
}

// Policy exposes the policy store for seeding.
func (s *Service) Policy() *PolicyStore { return s.policy }

// Ingest triages raw synchronously and returns the outcome.
func (s *Service) Ingest(ctx context.Context, raw *RawEvent) (*Outcome, error) {
	return s.pipeline.Process(ctx, raw)
}

// Enqueue validates raw and hands it to the ingestion queue.
func (s *Service) Enqueue(raw *RawEvent) error {
	if s.queue == nil {
		return fmt.Errorf("enqueue: %w", ErrSourceClosed)
	}
	if err := raw.Validate(); err != nil {
		return err
	}
	return s.queue.Enqueue(raw)
}

// Get returns one event by id.
func (s *Service) Get(ctx context.Context, id string) (*Event, bool, error) {
	return s.events.Get(ctx, id)
}

// List returns events with disposition d and origin within window, newest first.
func (s *Service) List(ctx context.Context, d Disposition, window time.Duration) ([]*Event, error) {
	if !d.Valid() {
		return nil, invalidf("unknown disposition %q", d)
	}
	return s.events.ListByDisposition(ctx, d, s.now().Add(-window))
}

// Statistics aggregates the window. A storage failure yields empty, degraded stats.
func (s *Service) Statistics(ctx context.Context, window time.Duration) *Stats {
	st, err := s.events.Statistics(ctx, s.now().Add(-window))
	if err != nil {
		s.logger.Error(ctx, err, "statistics unavailable", "window", window.String())
		st = NewStats(window)
		st.Degraded = true
		return st
	}
	st.Window = window
	st.WindowHours = window.Hours()
	return st
}

// Policies returns a display snapshot of all policies.
func (s *Service) Policies() *Policies {
	return s.policy.Policies()
}

// Digest generates a digest on demand.
func (s *Service) Digest(ctx context.Context, req DigestRequest) (*Digest, error) {
	return s.digester.Generate(ctx, req)
}

// Prune removes terminal events ingested more than keep ago.
func (s *Service) Prune(ctx context.Context, keep time.Duration) (int, error) {
	cutoff := s.now().Add(-keep)
	n, err := s.events.Prune(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	s.logger.Info(ctx, "retention cleanup complete", "removed", n, "cutoff", cutoff.UTC().Format(time.RFC3339))
	return n, nil
}
