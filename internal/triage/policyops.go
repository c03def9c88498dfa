package triage

import (
	"context"
	"fmt"
	"slices"
	"time"
)

// PolicyOp is the closed set of policy operations exposed to callers.
type PolicyOp int

const (
	OpAddVIP PolicyOp = iota + 1
	OpRemoveVIP
	OpListVIPs
	OpAddKeyword
	OpRemoveKeyword
	OpListKeywords
	OpMuteSource
	OpUnmuteSource
	OpListMuted
	OpAddSuppressPattern
	OpRemoveSuppressPattern
	OpListAll
	OpGetStats
)

var policyOpNames = map[PolicyOp]string{
	OpAddVIP:                "add_vip",
	OpRemoveVIP:             "remove_vip",
	OpListVIPs:              "list_vips",
	OpAddKeyword:            "add_keyword",
	OpRemoveKeyword:         "remove_keyword",
	OpListKeywords:          "list_keywords",
	OpMuteSource:            "mute_source",
	OpUnmuteSource:          "unmute_source",
	OpListMuted:             "list_muted",
	OpAddSuppressPattern:    "add_suppress_pattern",
	OpRemoveSuppressPattern: "remove_suppress_pattern",
	OpListAll:               "list_all",
	OpGetStats:              "get_stats",
}

func (o PolicyOp) String() string {
	if s, ok := policyOpNames[o]; ok {
		return s
	}
	return fmt.Sprintf("PolicyOp(%d)", int(o))
}

// ParsePolicyOp maps an operation name to its PolicyOp.
func ParsePolicyOp(name string) (PolicyOp, error) {
	for op, n := range policyOpNames {
		if n == name {
			return op, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownOperation, name)
}

// PolicyOpNames lists every valid operation name, sorted.
func PolicyOpNames() []string {
	out := make([]string, 0, len(policyOpNames))
	for _, n := range policyOpNames {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}

// PolicyCommand is one policy operation with its arguments. Value carries the
// VIP note for add_vip and the duration for mute_source.
type PolicyCommand struct {
	Op     PolicyOp
	Target string
	Value  string
}

// PolicyResult is the outcome of a PolicyCommand.
type PolicyResult struct {
	Operation string     `json:"operation"`
	Target    string     `json:"target,omitempty"`
	Found     bool       `json:"found"`
	Message   string     `json:"message"`
	Until     *time.Time `json:"until,omitempty"`
	Policies  *Policies  `json:"policies,omitempty"`
	Stats     *Stats     `json:"stats,omitempty"`
}

// ApplyPolicy dispatches cmd to its handler.
func (s *Service) ApplyPolicy(ctx context.Context, cmd PolicyCommand) (*PolicyResult, error) {
	switch cmd.Op {
	case OpAddVIP:
		return s.addVIP(ctx, cmd)
	case OpRemoveVIP:
		return s.removeWith(ctx, cmd, "VIP", s.policy.RemoveVIP)
	case OpAddKeyword:
		return s.addWith(ctx, cmd, "keyword", s.policy.AddKeyword)
	case OpRemoveKeyword:
		return s.removeWith(ctx, cmd, "keyword", s.policy.RemoveKeyword)
	case OpMuteSource:
		return s.muteSource(ctx, cmd)
	case OpUnmuteSource:
		return s.removeWith(ctx, cmd, "mute", s.policy.UnmuteSource)
	case OpAddSuppressPattern:
		return s.addWith(ctx, cmd, "suppress pattern", s.policy.AddSuppressPattern)
	case OpRemoveSuppressPattern:
		return s.removeWith(ctx, cmd, "suppress pattern", s.policy.RemoveSuppressPattern)
	case OpListVIPs:
		p := s.policy.Policies()
		return s.listResult(cmd, &Policies{VIPs: p.VIPs}, fmt.Sprintf("%d VIP sender(s)", len(p.VIPs))), nil
	case OpListKeywords:
		p := s.policy.Policies()
		return s.listResult(cmd, &Policies{Keywords: p.Keywords}, fmt.Sprintf("%d keyword(s)", len(p.Keywords))), nil
	case OpListMuted:
		p := s.policy.Policies()
		return s.listResult(cmd, &Policies{Muted: p.Muted}, fmt.Sprintf("%d muted source(s)", len(p.Muted))), nil
	case OpListAll:
		return s.listResult(cmd, s.policy.Policies(), "all policies"), nil
	case OpGetStats:
		window := DefaultDigestLookback
		if cmd.Value != "" {
			d, err := time.ParseDuration(cmd.Value)
			if err != nil || d <= 0 {
				return nil, invalidf("bad stats window %q", cmd.Value)
			}
			window = d
		}
		st := s.Statistics(ctx, window)
		return &PolicyResult{Operation: cmd.Op.String(), Found: true, Message: "statistics", Stats: st}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, cmd.Op)
}

func (s *Service) addVIP(ctx context.Context, cmd PolicyCommand) (*PolicyResult, error) {
	if err := s.policy.AddVIP(ctx, cmd.Target, cmd.Value); err != nil {
		return nil, err
	}
	return &PolicyResult{
		Operation: cmd.Op.String(),
		Target:    Normalize(cmd.Target),
		Found:     true,
		Message:   fmt.Sprintf("added %s to VIP list", cmd.Target),
	}, nil
}

func (s *Service) muteSource(ctx context.Context, cmd PolicyCommand) (*PolicyResult, error) {
	until, err := ParseMuteUntil(cmd.Value, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.policy.MuteSource(ctx, cmd.Target, until); err != nil {
		return nil, err
	}
	msg := fmt.Sprintf("muted %s indefinitely", cmd.Target)
	if until != nil {
		msg = fmt.Sprintf("muted %s until %s", cmd.Target, until.Format(time.RFC3339))
	}
	return &PolicyResult{
		Operation: cmd.Op.String(),
		Target:    Normalize(cmd.Target),
		Found:     true,
		Message:   msg,
		Until:     until,
	}, nil
}

func (s *Service) addWith(ctx context.Context, cmd PolicyCommand, kind string, add func(context.Context, string) error) (*PolicyResult, error) {
	if err := add(ctx, cmd.Target); err != nil {
		return nil, err
	}
	return &PolicyResult{
		Operation: cmd.Op.String(),
		Target:    Normalize(cmd.Target),
		Found:     true,
		Message:   fmt.Sprintf("added %s %q", kind, Normalize(cmd.Target)),
	}, nil
}

func (s *Service) removeWith(ctx context.Context, cmd PolicyCommand, kind string, remove func(context.Context, string) (bool, error)) (*PolicyResult, error) {
	if Normalize(cmd.Target) == "" {
		return nil, invalidf("%s target is empty", kind)
	}
	found, err := remove(ctx, cmd.Target)
	if err != nil {
		return nil, err
	}
	msg := fmt.Sprintf("removed %s %q", kind, Normalize(cmd.Target))
	if !found {
		msg = fmt.Sprintf("%s %q not found", kind, Normalize(cmd.Target))
	}
	return &PolicyResult{
		Operation: cmd.Op.String(),
		Target:    Normalize(cmd.Target),
		Found:     found,
		Message:   msg,
	}, nil
}

func (s *Service) listResult(cmd PolicyCommand, p *Policies, msg string) *PolicyResult {
	return &PolicyResult{Operation: cmd.Op.String(), Found: true, Message: msg, Policies: p}
}
