package triage

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

var errBoom = errors.New("boom")

// mockStore implements EventStore and PolicyBackend for testing.
type mockStore struct {
	mu       sync.Mutex
	events   map[string]*Event
	policies *PolicySet

	recordErr error
	setErr    error
	listErr   error
	statsErr  error
	drainErr  error
	putErr    error
	deleteErr error
	loadErr   error

	deleteMuteCalls int

	// called outside the lock, to interleave work with the code under test
	afterRecord func(ctx context.Context, ev *Event)
	beforeDrain func()
}

func newMockStore() *mockStore {
	return &mockStore{
		events:   make(map[string]*Event),
		policies: NewPolicySet(),
	}
}

func (m *mockStore) Record(ctx context.Context, ev *Event) error {
	m.mu.Lock()
	if m.recordErr != nil {
		m.mu.Unlock()
		return m.recordErr
	}
	cp := *ev
	cp.Disposition = DispositionPending
	m.events[ev.ID] = &cp
	hook := m.afterRecord
	m.mu.Unlock()

	if hook != nil {
		hook(ctx, ev)
	}
	return nil
}

func (m *mockStore) SetDisposition(ctx context.Context, id string, d Disposition, rationale string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return m.setErr
	}
	ev, ok := m.events[id]
	if !ok {
		return ErrNotFound
	}
	ev.Disposition = d
	ev.Rationale = rationale
	return nil
}

func (m *mockStore) Get(_ context.Context, id string) (*Event, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok {
		return nil, false, nil
	}
	cp := *ev
	return &cp, true, nil
}

func (m *mockStore) ListByDisposition(_ context.Context, d Disposition, since time.Time) ([]*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []*Event
	for _, ev := range m.events {
		if ev.Disposition == d && ev.OriginAt.After(since) {
			cp := *ev
			out = append(out, &cp)
		}
	}
	slices.SortFunc(out, func(a, b *Event) int {
		if c := b.OriginAt.Compare(a.OriginAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (m *mockStore) DrainDigest(_ context.Context, ids []string) (int, error) {
	if m.beforeDrain != nil {
		m.beforeDrain()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.drainErr != nil {
		return 0, m.drainErr
	}
	n := 0
	for _, id := range ids {
		if ev, ok := m.events[id]; ok && ev.Disposition == DispositionDigest {
			ev.Disposition = DispositionProcessed
			n++
		}
	}
	return n, nil
}

func (m *mockStore) Statistics(_ context.Context, since time.Time) (*Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.statsErr != nil {
		return nil, m.statsErr
	}
	st := NewStats(0)
	for _, ev := range m.events {
		if !ev.OriginAt.After(since) {
			continue
		}
		st.Total++
		st.ByDisposition[ev.Disposition]++
		st.BySource[ev.Source]++
	}
	return st, nil
}

func (m *mockStore) CountFromSender(_ context.Context, sender string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ev := range m.events {
		if strings.EqualFold(ev.Sender, sender) && ev.OriginAt.After(since) {
			n++
		}
	}
	return n, nil
}

func (m *mockStore) Prune(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, ev := range m.events {
		if ev.Disposition != DispositionDigest && ev.Disposition != DispositionPending && ev.IngestedAt.Before(before) {
			delete(m.events, id)
			n++
		}
	}
	return n, nil
}

func (m *mockStore) disposition(id string) Disposition {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev, ok := m.events[id]; ok {
		return ev.Disposition
	}
	return ""
}

func (m *mockStore) LoadPolicies(_ context.Context) (*PolicySet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	out := NewPolicySet()
	for k, v := range m.policies.VIPs {
		out.VIPs[k] = v
	}
	for k := range m.policies.Keywords {
		out.Keywords[k] = struct{}{}
	}
	for k, v := range m.policies.Mutes {
		out.Mutes[k] = v
	}
	for k := range m.policies.SuppressPatterns {
		out.SuppressPatterns[k] = struct{}{}
	}
	return out, nil
}

func (m *mockStore) put(fn func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	fn()
	return nil
}

func (m *mockStore) del(fn func() bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return false, m.deleteErr
	}
	return fn(), nil
}

func (m *mockStore) PutVIP(_ context.Context, sender, note string) error {
	return m.put(func() { m.policies.VIPs[sender] = note })
}

func (m *mockStore) DeleteVIP(_ context.Context, sender string) (bool, error) {
	return m.del(func() bool {
		_, ok := m.policies.VIPs[sender]
		delete(m.policies.VIPs, sender)
		return ok
	})
}

func (m *mockStore) PutKeyword(_ context.Context, keyword string) error {
	return m.put(func() { m.policies.Keywords[keyword] = struct{}{} })
}

func (m *mockStore) DeleteKeyword(_ context.Context, keyword string) (bool, error) {
	return m.del(func() bool {
		_, ok := m.policies.Keywords[keyword]
		delete(m.policies.Keywords, keyword)
		return ok
	})
}

func (m *mockStore) PutMute(_ context.Context, source string, until *time.Time) error {
	return m.put(func() { m.policies.Mutes[source] = until })
}

func (m *mockStore) DeleteMute(_ context.Context, source string) (bool, error) {
	return m.del(func() bool {
		m.deleteMuteCalls++
		_, ok := m.policies.Mutes[source]
		delete(m.policies.Mutes, source)
		return ok
	})
}

func (m *mockStore) PutSuppressPattern(_ context.Context, pattern string) error {
	return m.put(func() { m.policies.SuppressPatterns[pattern] = struct{}{} })
}

func (m *mockStore) DeleteSuppressPattern(_ context.Context, pattern string) (bool, error) {
	return m.del(func() bool {
		_, ok := m.policies.SuppressPatterns[pattern]
		delete(m.policies.SuppressPatterns, pattern)
		return ok
	})
}

// mockSink records delivered alerts.
type mockSink struct {
	mu     sync.Mutex
	alerts []*Alert
	err    error
}

func (s *mockSink) Deliver(_ context.Context, a *Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
	return s.err
}

func (s *mockSink) delivered() []*Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Alert, len(s.alerts))
	copy(out, s.alerts)
	return out
}

// fakeClock is a settable clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingLogger keeps warn and error messages.
type recordingLogger struct {
	mu    sync.Mutex
	warns []string
	errs  []string
}

func (l *recordingLogger) With(...any) log.Logger { return l }

func (l *recordingLogger) Debug(context.Context, string, ...any) {}

func (l *recordingLogger) Info(context.Context, string, ...any) {}

func (l *recordingLogger) Sync() error { return nil }

func (l *recordingLogger) Warn(_ context.Context, msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, msg)
}

func (l *recordingLogger) Error(_ context.Context, _ error, msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, msg)
}

func (l *recordingLogger) warnings() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.warns)
}
