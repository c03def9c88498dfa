package triage

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestPolicy(t *testing.T, store *mockStore, opts ...PolicyOption) *PolicyStore {
	t.Helper()
	p, err := NewPolicyStore(context.Background(), store, log.Nop(), opts...)
	if err != nil {
		t.Fatalf("NewPolicyStore: %v", err)
	}
	return p
}

func TestPolicy_AddRemoveVIPRoundTrip(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	p := newTestPolicy(t, store)
	ctx := context.Background()

	if err := p.AddVIP(ctx, "  Alice ", "manager"); err != nil {
		t.Fatalf("AddVIP: %v", err)
	}
	if !p.IsVIP("ALICE") {
		t.Error("IsVIP(ALICE) = false, want true")
	}
	if store.policies.VIPs["alice"] != "manager" {
		t.Errorf("backend VIPs = %v, want alice normalized", store.policies.VIPs)
	}

	found, err := p.RemoveVIP(ctx, "alice")
	if err != nil {
		t.Fatalf("RemoveVIP: %v", err)
	}
	if !found {
		t.Error("RemoveVIP found = false, want true")
	}
	if p.IsVIP("alice") {
		t.Error("IsVIP after remove = true")
	}

	found, err = p.RemoveVIP(ctx, "alice")
	if err != nil {
		t.Fatalf("RemoveVIP: %v", err)
	}
	if found {
		t.Error("second RemoveVIP found = true, want false")
	}
}

func TestPolicy_AddIsIdempotent(t *testing.T) {
	t.Parallel()

	p := newTestPolicy(t, newMockStore())
	ctx := context.Background()

	for range 3 {
		if err := p.AddKeyword(ctx, "Urgent"); err != nil {
			t.Fatalf("AddKeyword: %v", err)
		}
	}
	got := p.Policies().Keywords
	if !slices.Equal(got, []string{"urgent"}) {
		t.Errorf("Keywords = %v, want [urgent]", got)
	}
}

func TestPolicy_EmptyKeysRejected(t *testing.T) {
	t.Parallel()

	p := newTestPolicy(t, newMockStore())
	ctx := context.Background()

	tests := []struct {
		name string
		fn   func() error
	}{
		{"vip", func() error { return p.AddVIP(ctx, "  ", "") }},
		{"keyword", func() error { return p.AddKeyword(ctx, "") }},
		{"mute", func() error { return p.MuteSource(ctx, "\t", nil) }},
		{"pattern", func() error { return p.AddSuppressPattern(ctx, " ") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); !errors.Is(err, ErrInvalidInput) {
				t.Errorf("err = %v, want ErrInvalidInput", err)
			}
		})
	}

	found, err := p.RemoveKeyword(ctx, "  ")
	if err != nil || found {
		t.Errorf("RemoveKeyword(empty) = %v, %v, want false, nil", found, err)
	}
}

func TestPolicy_MatchingIsCaseInsensitiveAndOrdered(t *testing.T) {
	t.Parallel()

	p := newTestPolicy(t, newMockStore())
	ctx := context.Background()
	for _, kw := range []string{"zebra", "alpha", "deploy"} {
		if err := p.AddKeyword(ctx, kw); err != nil {
			t.Fatalf("AddKeyword: %v", err)
		}
	}
	for _, pat := range []string{"weekly", "newsletter"} {
		if err := p.AddSuppressPattern(ctx, pat); err != nil {
			t.Fatalf("AddSuppressPattern: %v", err)
		}
	}

	got := p.MatchedKeywords("ZEBRA crossing before ALPHA Deploy")
	if want := []string{"alpha", "deploy", "zebra"}; !slices.Equal(got, want) {
		t.Errorf("MatchedKeywords = %v, want %v", got, want)
	}

	pat, ok := p.MatchedSuppressPattern("Your WEEKLY Newsletter")
	if !ok || pat != "newsletter" {
		t.Errorf("MatchedSuppressPattern = %q, %v, want newsletter, true", pat, ok)
	}

	if _, ok := p.MatchedSuppressPattern("nothing here"); ok {
		t.Error("MatchedSuppressPattern matched unrelated text")
	}
}

func TestPolicy_MuteExpiryEvicts(t *testing.T) {
	t.Parallel()

	clock := newFakeClock(t0)
	store := newMockStore()

	var evicted []string
	p := newTestPolicy(t, store,
		WithPolicyClock(clock.Now),
		WithPolicyHooks(PolicyHooks{OnEviction: func(s string) { evicted = append(evicted, s) }}),
	)
	ctx := context.Background()

	until := t0.Add(time.Hour)
	if err := p.MuteSource(ctx, "Chat", &until); err != nil {
		t.Fatalf("MuteSource: %v", err)
	}
	if !p.IsMuted(ctx, "chat") {
		t.Fatal("IsMuted before expiry = false, want true")
	}

	clock.Advance(2 * time.Hour)

	if p.IsMuted(ctx, "chat") {
		t.Fatal("IsMuted after expiry = true, want false")
	}
	if _, ok := store.policies.Mutes["chat"]; ok {
		t.Error("expired mute still in backend")
	}
	if _, ok := p.Policies().Muted["chat"]; ok {
		t.Error("expired mute still in mirror")
	}
	if !slices.Equal(evicted, []string{"chat"}) {
		t.Errorf("evicted = %v, want [chat]", evicted)
	}

	// a second read does not touch the backend again
	_ = p.IsMuted(ctx, "chat")
	if store.deleteMuteCalls != 1 {
		t.Errorf("DeleteMute calls = %d, want 1", store.deleteMuteCalls)
	}
}

func TestPolicy_IndefiniteMute(t *testing.T) {
	t.Parallel()

	clock := newFakeClock(t0)
	p := newTestPolicy(t, newMockStore(), WithPolicyClock(clock.Now))
	ctx := context.Background()

	if err := p.MuteSource(ctx, "games", nil); err != nil {
		t.Fatalf("MuteSource: %v", err)
	}
	clock.Advance(365 * 24 * time.Hour)
	if !p.IsMuted(ctx, "Games") {
		t.Error("indefinite mute expired")
	}
	if got := p.Policies().Muted["games"]; got != "indefinite" {
		t.Errorf("Muted[games] = %q, want indefinite", got)
	}
}

func TestPolicy_EvictionFailureKeepsMirror(t *testing.T) {
	t.Parallel()

	clock := newFakeClock(t0)
	store := newMockStore()
	p := newTestPolicy(t, store, WithPolicyClock(clock.Now))
	ctx := context.Background()

	until := t0.Add(time.Minute)
	if err := p.MuteSource(ctx, "chat", &until); err != nil {
		t.Fatalf("MuteSource: %v", err)
	}
	clock.Advance(time.Hour)
	store.deleteErr = errBoom

	if p.IsMuted(ctx, "chat") {
		t.Error("expired mute reported as muted")
	}
	if _, ok := p.Policies().Muted["chat"]; !ok {
		t.Error("mirror changed despite backend failure")
	}
}

func TestPolicy_BackendFailureLeavesMirrorUnchanged(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	var (
		ops  []string
		errs int
	)
	p := newTestPolicy(t, store, WithPolicyHooks(PolicyHooks{
		OnMutation: func(op string, err error) {
			ops = append(ops, op)
			if err != nil {
				errs++
			}
		},
	}))
	ctx := context.Background()

	store.putErr = errBoom
	err := p.AddVIP(ctx, "bob", "")
	if !errors.Is(err, errBoom) {
		t.Fatalf("err = %v, want errBoom", err)
	}
	if p.IsVIP("bob") {
		t.Error("mirror updated despite backend failure")
	}
	if len(ops) != 1 || ops[0] != "add_vip" || errs != 1 {
		t.Errorf("hooks = %v (errs=%d), want [add_vip] with 1 error", ops, errs)
	}
}

func TestPolicy_LoadsExistingState(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	store.policies.VIPs["carol"] = "cto"
	store.policies.Keywords["outage"] = struct{}{}
	store.policies.SuppressPatterns["promo"] = struct{}{}
	store.policies.Mutes["social"] = nil

	p := newTestPolicy(t, store)
	if !p.IsVIP("Carol") {
		t.Error("VIP not loaded")
	}
	if got := p.MatchedKeywords("big OUTAGE"); !slices.Equal(got, []string{"outage"}) {
		t.Errorf("MatchedKeywords = %v", got)
	}
	if !p.IsMuted(context.Background(), "social") {
		t.Error("mute not loaded")
	}
}

func TestPolicy_LoadFailure(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	store.loadErr = errBoom
	if _, err := NewPolicyStore(context.Background(), store, log.Nop()); !errors.Is(err, errBoom) {
		t.Fatalf("err = %v, want errBoom", err)
	}
}

func TestPolicy_ConcurrentReadsAndWrites(t *testing.T) {
	t.Parallel()

	p := newTestPolicy(t, newMockStore())
	ctx := context.Background()
	const n = 50

	var wg sync.WaitGroup
	wg.Add(n * 2)
	for i := range n {
		go func() {
			defer wg.Done()
			kw := string(rune('a' + i%26))
			_ = p.AddKeyword(ctx, kw)
			_, _ = p.RemoveKeyword(ctx, kw)
		}()
		go func() {
			defer wg.Done()
			_ = p.MatchedKeywords("the quick brown fox")
			_ = p.IsMuted(ctx, "chat")
			_ = p.Policies()
		}()
	}
	wg.Wait()
}
