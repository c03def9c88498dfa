package triage

import (
	"context"
	"fmt"
	"strings"
)

// maxRationaleKeywords caps how many matched keywords appear in a rationale.
const maxRationaleKeywords = 3

// Rationale texts for the fixed rules.
const (
	RationaleMuted    = "source muted"
	RationaleVIP      = "VIP sender"
	RationaleNoMatch  = "no rule matched, held for digest"
	rationalePattern  = "matches suppression pattern: %q"
	rationaleKeywords = "priority keywords: %s"
)

// PolicyReader is the read side of the policy set consulted by the Engine.
type PolicyReader interface {
	IsMuted(ctx context.Context, source string) bool
	MatchedSuppressPattern(text string) (string, bool)
	IsVIP(sender string) bool
	MatchedKeywords(text string) []string
}

// Engine evaluates events against the policy set. It performs no I/O of its
// own; expired-mute eviction happens inside the PolicyReader.
type Engine struct {
	policy PolicyReader
}

// NewEngine creates an Engine reading from policy.
func NewEngine(policy PolicyReader) *Engine {
	return &Engine{policy: policy}
}

// Decide applies the rules in priority order, first match wins:
// muted source, suppression pattern, VIP sender, priority keyword, digest.
func (e *Engine) Decide(ctx context.Context, ev *Event) Decision {
	if e.policy.IsMuted(ctx, ev.Source) {
		return Decision{Disposition: DispositionSuppressed, Rationale: RationaleMuted}
	}

	text := ev.Text()

	if pat, ok := e.policy.MatchedSuppressPattern(text); ok {
		return Decision{
			Disposition: DispositionSuppressed,
			Rationale:   fmt.Sprintf(rationalePattern, pat),
			Pattern:     pat,
		}
	}

	if e.policy.IsVIP(ev.Sender) {
		return Decision{Disposition: DispositionSurfaced, Rationale: RationaleVIP}
	}

	if kws := e.policy.MatchedKeywords(text); len(kws) > 0 {
		shown := kws
		if len(shown) > maxRationaleKeywords {
			shown = shown[:maxRationaleKeywords]
		}
		return Decision{
			Disposition: DispositionSurfaced,
			Rationale:   fmt.Sprintf(rationaleKeywords, strings.Join(shown, ", ")),
			Keywords:    kws,
		}
	}

	return Decision{Disposition: DispositionDigest, Rationale: RationaleNoMatch}
}
