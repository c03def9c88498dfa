// Package memstore provides an in-memory implementation of triage.EventStore
// and triage.PolicyBackend.
package memstore

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/linnemanlabs/hush/internal/triage"
)

// Store holds events and policies in memory. Suitable for dev/testing.
type Store struct {
	mu       sync.RWMutex
	events   map[string]*triage.Event // event ID -> event
	order    []string                 // event IDs in insertion order
	policies *triage.PolicySet
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		events:   make(map[string]*triage.Event),
		policies: triage.NewPolicySet(),
	}
}

// Record stores a copy of ev as pending.
func (s *Store) Record(_ context.Context, ev *triage.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ev
	cp.Disposition = triage.DispositionPending
	if _, exists := s.events[ev.ID]; !exists {
		s.order = append(s.order, ev.ID)
	}
	s.events[ev.ID] = &cp
	return nil
}

// SetDisposition updates one event in place.
func (s *Store) SetDisposition(_ context.Context, id string, d triage.Disposition, rationale string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return triage.ErrNotFound
	}
	ev.Disposition = d
	ev.Rationale = rationale
	return nil
}

// Get retrieves an event by its ID. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*triage.Event, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.events[id]
	if !ok {
		return nil, false, nil
	}
	cp := *ev
	return &cp, true, nil
}

// ListByDisposition returns copies of matching events, newest origin first.
func (s *Store) ListByDisposition(_ context.Context, d triage.Disposition, since time.Time) ([]*triage.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*triage.Event{}
	for _, id := range s.order {
		ev := s.events[id]
		if ev.Disposition == d && ev.OriginAt.After(since) {
			cp := *ev
			out = append(out, &cp)
		}
	}
	slices.SortStableFunc(out, func(a, b *triage.Event) int {
		return b.OriginAt.Compare(a.OriginAt)
	})
	return out, nil
}

// DrainDigest moves the held events among ids to processed under one write lock.
func (s *Store) DrainDigest(_ context.Context, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range ids {
		ev, ok := s.events[id]
		if ok && ev.Disposition == triage.DispositionDigest {
			ev.Disposition = triage.DispositionProcessed
			n++
		}
	}
	return n, nil
}

// Statistics aggregates events with origin after since.
func (s *Store) Statistics(_ context.Context, since time.Time) (*triage.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := triage.NewStats(time.Since(since))
	senders := make(map[string]int)
	for _, ev := range s.events {
		if !ev.OriginAt.After(since) {
			continue
		}
		st.Total++
		st.ByDisposition[ev.Disposition]++
		st.BySource[ev.Source]++
		if ev.Sender != "" {
			senders[ev.Sender]++
		}
	}
	for sender, n := range senders {
		st.TopSenders = append(st.TopSenders, triage.SenderCount{Sender: sender, Count: n})
	}
	slices.SortFunc(st.TopSenders, func(a, b triage.SenderCount) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return cmp.Compare(a.Sender, b.Sender)
	})
	if len(st.TopSenders) > triage.TopSendersLimit {
		st.TopSenders = st.TopSenders[:triage.TopSendersLimit]
	}
	return st, nil
}

// CountFromSender counts events from sender, case-insensitively.
func (s *Store) CountFromSender(_ context.Context, sender string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, ev := range s.events {
		if strings.EqualFold(ev.Sender, sender) && ev.OriginAt.After(since) {
			n++
		}
	}
	return n, nil
}

// Prune deletes terminal events ingested before the cutoff.
func (s *Store) Prune(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	kept := s.order[:0]
	for _, id := range s.order {
		ev := s.events[id]
		if prunable(ev.Disposition) && ev.IngestedAt.Before(before) {
			delete(s.events, id)
			n++
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	return n, nil
}

func prunable(d triage.Disposition) bool {
	switch d {
	case triage.DispositionSurfaced, triage.DispositionSuppressed, triage.DispositionProcessed:
		return true
	}
	return false
}

// LoadPolicies returns a deep copy of the stored policy set.
func (s *Store) LoadPolicies(_ context.Context) (*triage.PolicySet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := triage.NewPolicySet()
	for k, v := range s.policies.VIPs {
		out.VIPs[k] = v
	}
	for k := range s.policies.Keywords {
		out.Keywords[k] = struct{}{}
	}
	for k, v := range s.policies.Mutes {
		if v != nil {
			t := *v
			v = &t
		}
		out.Mutes[k] = v
	}
	for k := range s.policies.SuppressPatterns {
		out.SuppressPatterns[k] = struct{}{}
	}
	return out, nil
}

func (s *Store) PutVIP(_ context.Context, sender, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies.VIPs[sender] = note
	return nil
}

func (s *Store) DeleteVIP(_ context.Context, sender string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.policies.VIPs[sender]
	delete(s.policies.VIPs, sender)
	return ok, nil
}

func (s *Store) PutKeyword(_ context.Context, keyword string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies.Keywords[keyword] = struct{}{}
	return nil
}

func (s *Store) DeleteKeyword(_ context.Context, keyword string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.policies.Keywords[keyword]
	delete(s.policies.Keywords, keyword)
	return ok, nil
}

func (s *Store) PutMute(_ context.Context, source string, until *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if until != nil {
		t := *until
		until = &t
	}
	s.policies.Mutes[source] = until
	return nil
}

func (s *Store) DeleteMute(_ context.Context, source string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.policies.Mutes[source]
	delete(s.policies.Mutes, source)
	return ok, nil
}

func (s *Store) PutSuppressPattern(_ context.Context, pattern string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies.SuppressPatterns[pattern] = struct{}{}
	return nil
}

func (s *Store) DeleteSuppressPattern(_ context.Context, pattern string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.policies.SuppressPatterns[pattern]
	delete(s.policies.SuppressPatterns, pattern)
	return ok, nil
}
