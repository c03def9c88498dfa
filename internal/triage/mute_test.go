package triage

import (
	"errors"
	"testing"
	"time"
)

func TestParseMuteUntil(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 15, 30, 0, 0, time.UTC)

	tests := []struct {
		in   string
		want *time.Time
	}{
		{"", nil},
		{"indefinite", nil},
		{"2h", ptr(now.Add(2 * time.Hour))},
		{"30m", ptr(now.Add(30 * time.Minute))},
		{"1h30m", ptr(now.Add(90 * time.Minute))},
		{"until 5pm", ptr(time.Date(2026, 3, 1, 17, 0, 0, 0, time.UTC))},
		{"until 5:45 PM", ptr(time.Date(2026, 3, 1, 17, 45, 0, 0, time.UTC))},
		{"09:00", ptr(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))},
		{"until 2pm", ptr(time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC))},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseMuteUntil(tt.in, now)
			if err != nil {
				t.Fatalf("ParseMuteUntil(%q): %v", tt.in, err)
			}
			switch {
			case tt.want == nil && got != nil:
				t.Errorf("got %v, want indefinite", *got)
			case tt.want != nil && (got == nil || !got.Equal(*tt.want)):
				t.Errorf("got %v, want %v", got, *tt.want)
			}
		})
	}
}

func TestParseMuteUntil_Invalid(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"soon", "-2h", "until lunch", "0h"} {
		if _, err := ParseMuteUntil(in, t0); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("ParseMuteUntil(%q) err = %v, want ErrInvalidInput", in, err)
		}
	}
}

func ptr(t time.Time) *time.Time { return &t }
