package triage

import (
	"context"
	"time"
)

// EventStore is the append-only event log with decision state.
//
// Implementations must serialize writers so that DrainDigest never observes a
// half-written event, and DrainDigest must be atomic with respect to readers.
type EventStore interface {
	// Record persists ev as pending. ev.ID and ev.IngestedAt are set by the caller.
	Record(ctx context.Context, ev *Event) error
	// SetDisposition updates one event; returns ErrNotFound for unknown ids.
	SetDisposition(ctx context.Context, id string, d Disposition, rationale string) error
	Get(ctx context.Context, id string) (*Event, bool, error)
	// ListByDisposition returns events with disposition d and origin after since, newest first.
	ListByDisposition(ctx context.Context, d Disposition, since time.Time) ([]*Event, error)
	// DrainDigest moves the events in ids that are still held for the digest
	// to processed and returns how many moved. Other events are untouched.
	DrainDigest(ctx context.Context, ids []string) (int, error)
	Statistics(ctx context.Context, since time.Time) (*Stats, error)
	// CountFromSender counts events from sender (case-insensitive) with origin after since.
	CountFromSender(ctx context.Context, sender string, since time.Time) (int, error)
	// Prune deletes surfaced, suppressed and processed events ingested before cutoff.
	Prune(ctx context.Context, before time.Time) (int, error)
}

// PolicyBackend is the durable side of the PolicyStore. Keys arrive normalized.
// Delete methods report whether the key existed.
type PolicyBackend interface {
	LoadPolicies(ctx context.Context) (*PolicySet, error)
	PutVIP(ctx context.Context, sender, note string) error
	DeleteVIP(ctx context.Context, sender string) (bool, error)
	PutKeyword(ctx context.Context, keyword string) error
	DeleteKeyword(ctx context.Context, keyword string) (bool, error)
	PutMute(ctx context.Context, source string, until *time.Time) error
	DeleteMute(ctx context.Context, source string) (bool, error)
	PutSuppressPattern(ctx context.Context, pattern string) error
	DeleteSuppressPattern(ctx context.Context, pattern string) (bool, error)
}

// Sink delivers alerts to the user. A non-nil error is treated as a failed delivery.
type Sink interface {
	Deliver(ctx context.Context, a *Alert) error
}

// Forwarder relays recorded events to a remote instance. Forward must not block.
type Forwarder interface {
	Forward(ev *Event)
}
