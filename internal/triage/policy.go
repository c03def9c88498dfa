package triage

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// PolicyHooks are optional callbacks for policy instrumentation.
type PolicyHooks struct {
	OnMutation func(op string, err error)
	OnEviction func(source string)
}

// PolicyStore owns the policy set: durable storage plus an in-memory mirror.
//
// Reads use only the mirror and never take a lock. Mutations are serialized by
// mu and write the backend first; the mirror is replaced only after the
// backend write succeeds.
type PolicyStore struct {
	backend PolicyBackend
	logger  log.Logger
	hooks   PolicyHooks
	now     func() time.Time

	mu     sync.Mutex
	mirror atomic.Pointer[mirror]
}

type mirror struct {
	vips     map[string]string
	keywords []string // sorted
	mutes    map[string]*time.Time
	patterns []string // sorted
}

// PolicyOption configures a PolicyStore.
type PolicyOption func(*PolicyStore)

// WithPolicyClock overrides the clock used for mute expiry.
func WithPolicyClock(now func() time.Time) PolicyOption {
	return func(p *PolicyStore) { p.now = now }
}

// WithPolicyHooks installs instrumentation hooks.
func WithPolicyHooks(h PolicyHooks) PolicyOption {
	return func(p *PolicyStore) { p.hooks = h }
}

// NewPolicyStore loads the durable policy set into a fresh mirror.
func NewPolicyStore(ctx context.Context, backend PolicyBackend, logger log.Logger, opts ...PolicyOption) (*PolicyStore, error) {
	if logger == nil {
		logger = log.Nop()
	}
	p := &PolicyStore{
		backend: backend,
		logger:  logger,
		now:     time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	if err := p.Reload(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// Reload replaces the mirror with the current durable state.
func (p *PolicyStore) Reload(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	set, err := p.backend.LoadPolicies(ctx)
	if err != nil {
		return fmt.Errorf("load policies: %w", err)
	}
	p.mirror.Store(mirrorFromSet(set))
	return nil
}

// Normalize case-folds and trims a policy key.
func Normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// IsVIP reports whether sender is a VIP. Empty senders are never VIPs.
func (p *PolicyStore) IsVIP(sender string) bool {
	key := Normalize(sender)
	if key == "" {
		return false
	}
	_, ok := p.mirror.Load().vips[key]
	return ok
}

// MatchedKeywords returns every keyword contained in text, in lexicographic order.
func (p *PolicyStore) MatchedKeywords(text string) []string {
	lower := strings.ToLower(text)
	var out []string
	for _, kw := range p.mirror.Load().keywords {
		if strings.Contains(lower, kw) {
			out = append(out, kw)
		}
	}
	return out
}

// MatchedSuppressPattern returns the lexicographically first pattern contained in text.
func (p *PolicyStore) MatchedSuppressPattern(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, pat := range p.mirror.Load().patterns {
		if strings.Contains(lower, pat) {
			return pat, true
		}
	}
	return "", false
}

// IsMuted reports whether source is currently muted. An expired mute is
// evicted from durable storage and the mirror as a side effect.
func (p *PolicyStore) IsMuted(ctx context.Context, source string) bool {
	key := Normalize(source)
	if key == "" {
		return false
	}
	until, ok := p.mirror.Load().mutes[key]
	if !ok {
		return false
	}
	if until == nil || p.now().Before(*until) {
		return true
	}
	p.evictMute(ctx, key)
	return false
}

func (p *PolicyStore) evictMute(ctx context.Context, key string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// re-check under the lock, a concurrent MuteSource may have extended it
	cur := p.mirror.Load()
	until, ok := cur.mutes[key]
	if !ok || until == nil || p.now().Before(*until) {
		return
	}

	if _, err := p.backend.DeleteMute(ctx, key); err != nil {
		p.logger.Error(ctx, err, "failed to evict expired mute", "source", key)
		return
	}
	next := cur.clone()
	delete(next.mutes, key)
	p.mirror.Store(next)

	p.logger.Info(ctx, "expired mute evicted", "source", key, "expired_at", until.Format(time.RFC3339))
	if p.hooks.OnEviction != nil {
		p.hooks.OnEviction(key)
	}
}

// AddVIP adds sender to the VIP set or updates its note.
func (p *PolicyStore) AddVIP(ctx context.Context, sender, note string) error {
	key := Normalize(sender)
	if key == "" {
		return invalidf("vip sender is empty")
	}
	return p.mutate(ctx, "add_vip",
		func() error { return p.backend.PutVIP(ctx, key, note) },
		func(m *mirror) { m.vips[key] = note },
	)
}

// RemoveVIP removes sender from the VIP set and reports whether it was present.
func (p *PolicyStore) RemoveVIP(ctx context.Context, sender string) (bool, error) {
	key := Normalize(sender)
	return p.remove(ctx, "remove_vip", key,
		func() (bool, error) { return p.backend.DeleteVIP(ctx, key) },
		func(m *mirror) { delete(m.vips, key) },
	)
}

// AddKeyword adds a priority keyword.
func (p *PolicyStore) AddKeyword(ctx context.Context, keyword string) error {
	key := Normalize(keyword)
	if key == "" {
		return invalidf("keyword is empty")
	}
	return p.mutate(ctx, "add_keyword",
		func() error { return p.backend.PutKeyword(ctx, key) },
		func(m *mirror) { m.keywords = insertSorted(m.keywords, key) },
	)
}

// RemoveKeyword removes a priority keyword and reports whether it was present.
func (p *PolicyStore) RemoveKeyword(ctx context.Context, keyword string) (bool, error) {
	key := Normalize(keyword)
	return p.remove(ctx, "remove_keyword", key,
		func() (bool, error) { return p.backend.DeleteKeyword(ctx, key) },
		func(m *mirror) { m.keywords = deleteSorted(m.keywords, key) },
	)
}

// MuteSource mutes source until the given time, or indefinitely when until is nil.
func (p *PolicyStore) MuteSource(ctx context.Context, source string, until *time.Time) error {
	key := Normalize(source)
	if key == "" {
		return invalidf("source is empty")
	}
	var exp *time.Time
	if until != nil {
		t := until.UTC()
		exp = &t
	}
	return p.mutate(ctx, "mute_source",
		func() error { return p.backend.PutMute(ctx, key, exp) },
		func(m *mirror) { m.mutes[key] = exp },
	)
}

// UnmuteSource removes a mute and reports whether one was present.
func (p *PolicyStore) UnmuteSource(ctx context.Context, source string) (bool, error) {
	key := Normalize(source)
	return p.remove(ctx, "unmute_source", key,
		func() (bool, error) { return p.backend.DeleteMute(ctx, key) },
		func(m *mirror) { delete(m.mutes, key) },
	)
}

// AddSuppressPattern adds a noise pattern.
func (p *PolicyStore) AddSuppressPattern(ctx context.Context, pattern string) error {
	key := Normalize(pattern)
	if key == "" {
		return invalidf("suppress pattern is empty")
	}
	return p.mutate(ctx, "add_suppress_pattern",
		func() error { return p.backend.PutSuppressPattern(ctx, key) },
		func(m *mirror) { m.patterns = insertSorted(m.patterns, key) },
	)
}

// RemoveSuppressPattern removes a noise pattern and reports whether it was present.
func (p *PolicyStore) RemoveSuppressPattern(ctx context.Context, pattern string) (bool, error) {
	key := Normalize(pattern)
	return p.remove(ctx, "remove_suppress_pattern", key,
		func() (bool, error) { return p.backend.DeleteSuppressPattern(ctx, key) },
		func(m *mirror) { m.patterns = deleteSorted(m.patterns, key) },
	)
}

// Policies returns a display snapshot of the mirror.
func (p *PolicyStore) Policies() *Policies {
	m := p.mirror.Load()
	out := &Policies{
		VIPs:             maps.Clone(m.vips),
		Keywords:         slices.Clone(m.keywords),
		Muted:            make(map[string]string, len(m.mutes)),
		SuppressPatterns: slices.Clone(m.patterns),
	}
	for src, until := range m.mutes {
		if until == nil {
			out.Muted[src] = "indefinite"
			continue
		}
		out.Muted[src] = until.Format(time.RFC3339)
	}
	if out.Keywords == nil {
		out.Keywords = []string{}
	}
	if out.SuppressPatterns == nil {
		out.SuppressPatterns = []string{}
	}
	return out
}

func (p *PolicyStore) mutate(ctx context.Context, op string, durable func() error, apply func(*mirror)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := durable(); err != nil {
		p.observe(op, err)
		return fmt.Errorf("%s: %w", op, err)
	}
	next := p.mirror.Load().clone()
	apply(next)
	p.mirror.Store(next)
	p.observe(op, nil)
	return nil
}

func (p *PolicyStore) remove(ctx context.Context, op, key string, durable func() (bool, error), apply func(*mirror)) (bool, error) {
	if key == "" {
		return false, nil
	}
	var existed bool
	err := p.mutate(ctx, op,
		func() error {
			var err error
			existed, err = durable()
			return err
		},
		apply,
	)
	return existed, err
}

func (p *PolicyStore) observe(op string, err error) {
	if p.hooks.OnMutation != nil {
		p.hooks.OnMutation(op, err)
	}
}

func mirrorFromSet(set *PolicySet) *mirror {
	m := &mirror{
		vips:  make(map[string]string, len(set.VIPs)),
		mutes: make(map[string]*time.Time, len(set.Mutes)),
	}
	for k, v := range set.VIPs {
		m.vips[Normalize(k)] = v
	}
	for k, v := range set.Mutes {
		m.mutes[Normalize(k)] = v
	}
	for k := range set.Keywords {
		m.keywords = insertSorted(m.keywords, Normalize(k))
	}
	for k := range set.SuppressPatterns {
		m.patterns = insertSorted(m.patterns, Normalize(k))
	}
	return m
}

func (m *mirror) clone() *mirror {
	return &mirror{
		vips:     maps.Clone(m.vips),
		keywords: slices.Clone(m.keywords),
		mutes:    maps.Clone(m.mutes),
		patterns: slices.Clone(m.patterns),
	}
}

func insertSorted(s []string, v string) []string {
	i, found := slices.BinarySearch(s, v)
	if found {
		return s
	}
	return slices.Insert(s, i, v)
}

func deleteSorted(s []string, v string) []string {
	i, found := slices.BinarySearch(s, v)
	if !found {
		return s
	}
	return slices.Delete(s, i, i+1)
}
