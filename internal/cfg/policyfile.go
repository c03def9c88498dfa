package cfg

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/hush/internal/scheduler"
	"github.com/linnemanlabs/hush/internal/triage"
)

const (
	// DefaultCleanupDays is the retention applied when cleanup_days is absent.
	DefaultCleanupDays = 7

	hourlyLookback = time.Hour
	minEvery       = time.Minute
)

// PolicyFile is the YAML policy seed file. Only the global section is read;
// other top-level keys are ignored.
type PolicyFile struct {
	Global GlobalPolicy `yaml:"global"`
}

// GlobalPolicy holds the seed policies and digest schedule.
type GlobalPolicy struct {
	VIPSenders       []string      `yaml:"vip_senders"`
	PriorityKeywords []string      `yaml:"priority_keywords"`
	SuppressPatterns []string      `yaml:"suppress_patterns"`
	DigestSchedule   []DigestEntry `yaml:"digest_schedule"`
	HourlyDigest     bool          `yaml:"hourly_digest"`
	CleanupDays      *int          `yaml:"cleanup_days"`
}

// DigestEntry is one scheduled digest. Exactly one of Time ("09:00"), Cron
// ("0 9 * * 1-5") or Every ("4h") sets when it runs.
type DigestEntry struct {
	Time          string  `yaml:"time"`
	Cron          string  `yaml:"cron"`
	Every         string  `yaml:"every"`
	Type          string  `yaml:"type"`
	LookbackHours float64 `yaml:"lookback_hours"`
}

// Trigger builds the entry's trigger and a short name for it.
func (e DigestEntry) Trigger() (scheduler.Trigger, string, error) {
	tm, cr, ev := strings.TrimSpace(e.Time), strings.TrimSpace(e.Cron), strings.TrimSpace(e.Every)
	set := 0
	for _, v := range []string{tm, cr, ev} {
		if v != "" {
			set++
		}
	}
	if set != 1 {
		return nil, "", errors.New("exactly one of time, cron or every is required")
	}

	switch {
	case tm != "":
		t, err := scheduler.ParseClock(tm)
		return t, tm, err
	case cr != "":
		t, err := scheduler.Cron(cr)
		return t, "cron", err
	default:
		d, err := time.ParseDuration(ev)
		if err != nil {
			return nil, "", fmt.Errorf("invalid every %q: %w", ev, err)
		}
		if d < minEvery {
			return nil, "", fmt.Errorf("every %s is below the %s minimum", d, minEvery)
		}
		return scheduler.Every(d), "every-" + d.String(), nil
	}
}

// PolicySeeder receives seed policies at startup.
type PolicySeeder interface {
	AddVIP(ctx context.Context, sender, note string) error
	AddKeyword(ctx context.Context, keyword string) error
	AddSuppressPattern(ctx context.Context, pattern string) error
}

// JobTarget is the work scheduled jobs perform.
type JobTarget interface {
	Digest(ctx context.Context, req triage.DigestRequest) (*triage.Digest, error)
	Prune(ctx context.Context, keep time.Duration) (int, error)
}

// LoadPolicyFile reads and validates the seed file at path. An empty path
// yields an empty file with default retention.
func LoadPolicyFile(path string) (*PolicyFile, error) {
	if path == "" {
		return &PolicyFile{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file %s: %w", path, err)
	}
	pf, err := ParsePolicyFile(data)
	if err != nil {
		return nil, fmt.Errorf("policy file %s: %w", path, err)
	}
	return pf, nil
}

// ParsePolicyFile decodes and validates seed file contents.
func ParsePolicyFile(data []byte) (*PolicyFile, error) {
	var pf PolicyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if err := pf.Validate(); err != nil {
		return nil, err
	}
	return &pf, nil
}

// Validate checks schedule entries and retention.
func (pf *PolicyFile) Validate() error {
	var errs []error
	for i, e := range pf.Global.DigestSchedule {
		if _, _, err := e.Trigger(); err != nil {
			errs = append(errs, fmt.Errorf("digest_schedule[%d]: %w", i, err))
		}
		if e.LookbackHours < 0 {
			errs = append(errs, fmt.Errorf("digest_schedule[%d]: lookback_hours %v must not be negative", i, e.LookbackHours))
		}
	}
	if d := pf.Global.CleanupDays; d != nil && (*d < 1 || *d > 3650) {
		errs = append(errs, fmt.Errorf("invalid cleanup_days %d (must be 1..3650)", *d))
	}
	return errors.Join(errs...)
}

// RetentionDays returns cleanup_days or DefaultCleanupDays.
func (pf *PolicyFile) RetentionDays() int {
	if pf.Global.CleanupDays == nil {
		return DefaultCleanupDays
	}
	return *pf.Global.CleanupDays
}

// Seed applies the seed policies through p. Seeding is idempotent: existing
// entries are rewritten with the same normalized key.
func (pf *PolicyFile) Seed(ctx context.Context, p PolicySeeder) error {
	g := pf.Global
	for _, s := range g.VIPSenders {
		if err := p.AddVIP(ctx, s, ""); err != nil {
			return fmt.Errorf("seed vip %q: %w", s, err)
		}
	}
	for _, k := range g.PriorityKeywords {
		if err := p.AddKeyword(ctx, k); err != nil {
			return fmt.Errorf("seed keyword %q: %w", k, err)
		}
	}
	for _, s := range g.SuppressPatterns {
		if err := p.AddSuppressPattern(ctx, s); err != nil {
			return fmt.Errorf("seed suppress pattern %q: %w", s, err)
		}
	}
	return nil
}

// Jobs builds the scheduled jobs: one per digest_schedule entry, the hourly
// digest when enabled, and the 03:00 retention cleanup.
func (pf *PolicyFile) Jobs(t JobTarget, logger log.Logger) ([]scheduler.Job, error) {
	if logger == nil {
		logger = log.Nop()
	}

	var jobs []scheduler.Job
	for i, e := range pf.Global.DigestSchedule {
		trig, name, err := e.Trigger()
		if err != nil {
			return nil, fmt.Errorf("digest_schedule[%d]: %w", i, err)
		}
		label := strings.TrimSpace(e.Type)
		if label == "" {
			label = "scheduled"
		}
		lookback := time.Duration(e.LookbackHours * float64(time.Hour))
		if lookback <= 0 {
			lookback = triage.DefaultDigestLookback
		}
		jobs = append(jobs, scheduler.Job{
			ID:      fmt.Sprintf("digest-%d-%s", i, name),
			Label:   label,
			Trigger: trig,
			Run:     digestRun(t, logger, label, lookback),
		})
	}

	if pf.Global.HourlyDigest {
		jobs = append(jobs, scheduler.Job{
			ID:      "hourly-digest",
			Label:   "hourly",
			Trigger: scheduler.Hourly(),
			Run:     digestRun(t, logger, "hourly", hourlyLookback),
		})
	}

	cleanup, err := scheduler.DailyAt(3, 0)
	if err != nil {
		return nil, err
	}
	keep := time.Duration(pf.RetentionDays()) * 24 * time.Hour
	jobs = append(jobs, scheduler.Job{
		ID:      "daily-cleanup",
		Label:   "cleanup",
		Trigger: cleanup,
		Run: func(ctx context.Context) error {
			n, err := t.Prune(ctx, keep)
			if err != nil {
				return err
			}
			logger.Info(ctx, "retention cleanup finished", "pruned", n, "keep_days", pf.RetentionDays())
			return nil
		},
	})
	return jobs, nil
}

func digestRun(t JobTarget, logger log.Logger, label string, lookback time.Duration) func(context.Context) error {
	return func(ctx context.Context) error {
		dg, err := t.Digest(ctx, triage.DigestRequest{Label: label, Lookback: lookback, Clear: true})
		if err != nil {
			return err
		}
		logger.Info(ctx, "scheduled digest generated", "label", label, "total", dg.Total, "cleared", dg.Cleared)
		return nil
	}
}
