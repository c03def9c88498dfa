package triage

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

func newTestService(t *testing.T) (*Service, *mockStore) {
	t.Helper()
	store := newMockStore()
	clock := func() time.Time { return t0 }
	policy := newTestPolicy(t, store, WithPolicyClock(clock))
	sink := &mockSink{}
	pipeline := NewPipeline(store, NewEngine(policy), sink, log.Nop(), WithPipelineClock(clock))
	digester := NewDigester(store, sink, log.Nop(), WithDigestClock(clock))
	svc := NewService(policy, store, pipeline, digester, NewQueueSource(4), log.Nop())
	svc.now = clock
	return svc, store
}

func TestParsePolicyOp(t *testing.T) {
	t.Parallel()

	for op, name := range policyOpNames {
		got, err := ParsePolicyOp(name)
		if err != nil {
			t.Fatalf("ParsePolicyOp(%q): %v", name, err)
		}
		if got != op {
			t.Errorf("ParsePolicyOp(%q) = %v, want %v", name, got, op)
		}
		if op.String() != name {
			t.Errorf("String() = %q, want %q", op.String(), name)
		}
	}

	if _, err := ParsePolicyOp("drop_tables"); !errors.Is(err, ErrUnknownOperation) {
		t.Errorf("err = %v, want ErrUnknownOperation", err)
	}

	names := PolicyOpNames()
	if len(names) != 13 || !slices.IsSorted(names) {
		t.Errorf("PolicyOpNames = %v", names)
	}
}

func TestApplyPolicy_AddAndRemove(t *testing.T) {
	t.Parallel()

	svc, store := newTestService(t)
	ctx := context.Background()

	res, err := svc.ApplyPolicy(ctx, PolicyCommand{Op: OpAddVIP, Target: "Alice", Value: "manager"})
	if err != nil {
		t.Fatalf("add_vip: %v", err)
	}
	if res.Target != "alice" || !res.Found {
		t.Errorf("result = %+v", res)
	}
	if store.policies.VIPs["alice"] != "manager" {
		t.Errorf("backend VIPs = %v", store.policies.VIPs)
	}

	res, err = svc.ApplyPolicy(ctx, PolicyCommand{Op: OpRemoveVIP, Target: "ALICE"})
	if err != nil {
		t.Fatalf("remove_vip: %v", err)
	}
	if !res.Found {
		t.Error("remove_vip Found = false")
	}

	res, err = svc.ApplyPolicy(ctx, PolicyCommand{Op: OpRemoveVIP, Target: "alice"})
	if err != nil {
		t.Fatalf("remove_vip: %v", err)
	}
	if res.Found {
		t.Error("second remove_vip Found = true")
	}
	if res.Message != `VIP "alice" not found` {
		t.Errorf("Message = %q", res.Message)
	}
}

func TestApplyPolicy_MuteWithDuration(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	ctx := context.Background()

	res, err := svc.ApplyPolicy(ctx, PolicyCommand{Op: OpMuteSource, Target: "Chat", Value: "2h"})
	if err != nil {
		t.Fatalf("mute_source: %v", err)
	}
	if res.Until == nil || !res.Until.Equal(t0.Add(2*time.Hour)) {
		t.Errorf("Until = %v, want %v", res.Until, t0.Add(2*time.Hour))
	}
	if !svc.Policy().IsMuted(ctx, "chat") {
		t.Error("chat not muted")
	}

	if _, err := svc.ApplyPolicy(ctx, PolicyCommand{Op: OpMuteSource, Target: "Chat", Value: "whenever"}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("bad duration err = %v, want ErrInvalidInput", err)
	}
}

func TestApplyPolicy_Lists(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	ctx := context.Background()
	cmds := []PolicyCommand{
		{Op: OpAddKeyword, Target: "outage"},
		{Op: OpAddSuppressPattern, Target: "promo"},
		{Op: OpMuteSource, Target: "games"},
		{Op: OpAddVIP, Target: "bob"},
	}
	for _, c := range cmds {
		if _, err := svc.ApplyPolicy(ctx, c); err != nil {
			t.Fatalf("%s: %v", c.Op, err)
		}
	}

	res, err := svc.ApplyPolicy(ctx, PolicyCommand{Op: OpListKeywords})
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(res.Policies.Keywords, []string{"outage"}) || res.Policies.VIPs != nil {
		t.Errorf("list_keywords = %+v", res.Policies)
	}

	res, err = svc.ApplyPolicy(ctx, PolicyCommand{Op: OpListMuted})
	if err != nil {
		t.Fatal(err)
	}
	if res.Policies.Muted["games"] != "indefinite" {
		t.Errorf("list_muted = %+v", res.Policies.Muted)
	}

	res, err = svc.ApplyPolicy(ctx, PolicyCommand{Op: OpListAll})
	if err != nil {
		t.Fatal(err)
	}
	p := res.Policies
	if len(p.VIPs) != 1 || len(p.Keywords) != 1 || len(p.Muted) != 1 || len(p.SuppressPatterns) != 1 {
		t.Errorf("list_all = %+v", p)
	}
}

func TestApplyPolicy_GetStats(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	ctx := context.Background()
	if _, err := svc.Ingest(ctx, &RawEvent{Source: "Mail", Title: "hi", OriginAt: t0.Add(-time.Minute)}); err != nil {
		t.Fatal(err)
	}

	res, err := svc.ApplyPolicy(ctx, PolicyCommand{Op: OpGetStats, Value: "1h"})
	if err != nil {
		t.Fatalf("get_stats: %v", err)
	}
	if res.Stats.Total != 1 || res.Stats.WindowHours != 1 {
		t.Errorf("stats = %+v", res.Stats)
	}

	if _, err := svc.ApplyPolicy(ctx, PolicyCommand{Op: OpGetStats, Value: "yesterday"}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("err = %v, want ErrInvalidInput", err)
	}
}

func TestApplyPolicy_Errors(t *testing.T) {
	t.Parallel()

	svc, store := newTestService(t)
	ctx := context.Background()

	if _, err := svc.ApplyPolicy(ctx, PolicyCommand{Op: PolicyOp(99)}); !errors.Is(err, ErrUnknownOperation) {
		t.Errorf("unknown op err = %v", err)
	}
	if _, err := svc.ApplyPolicy(ctx, PolicyCommand{Op: OpRemoveKeyword, Target: " "}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("empty remove err = %v", err)
	}

	store.putErr = NewStorageError("put keyword", errBoom)
	_, err := svc.ApplyPolicy(ctx, PolicyCommand{Op: OpAddKeyword, Target: "x"})
	if !IsStorageError(err) {
		t.Errorf("err = %v, want StorageError", err)
	}
}
