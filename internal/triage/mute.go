package triage

import (
	"strconv"
	"strings"
	"time"
)

var clockLayouts = []string{
	"3:04PM",
	"3:04 PM",
	"3PM",
	"3 PM",
	"15:04",
}

// ParseMuteUntil turns a mute duration into an expiry relative to now.
// Accepted forms: "" or "indefinite" (nil expiry), "2h", "30m", any Go
// duration, "until 2pm", "14:00". Clock times already past today roll to tomorrow.
func ParseMuteUntil(value string, now time.Time) (*time.Time, error) {
	v := strings.ToLower(strings.TrimSpace(value))
	if v == "" || v == "indefinite" {
		return nil, nil
	}

	if rest, ok := strings.CutPrefix(v, "until "); ok {
		return parseClock(strings.TrimSpace(rest), now)
	}

	for suffix, unit := range map[string]time.Duration{"h": time.Hour, "m": time.Minute} {
		if n, ok := strings.CutSuffix(v, suffix); ok {
			if i, err := strconv.Atoi(n); err == nil && i > 0 {
				t := now.Add(time.Duration(i) * unit)
				return &t, nil
			}
		}
	}

	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		t := now.Add(d)
		return &t, nil
	}

	return parseClock(v, now)
}

func parseClock(s string, now time.Time) (*time.Time, error) {
	up := strings.ToUpper(s)
	for _, layout := range clockLayouts {
		parsed, err := time.Parse(layout, up)
		if err != nil {
			continue
		}
		t := time.Date(now.Year(), now.Month(), now.Day(), parsed.Hour(), parsed.Minute(), 0, 0, now.Location())
		if t.Before(now) {
			t = t.AddDate(0, 0, 1)
		}
		return &t, nil
	}
	return nil, invalidf("unrecognized mute duration %q", s)
}
