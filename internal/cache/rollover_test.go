package cache

import (
	"testing"
	"time"
)

func TestRollover_DayKey(t *testing.T) {
	t.Parallel()
	r, err := NewRollover("Asia/Kolkata", 6)
	if err != nil {
		t.Skipf("time zone data unavailable: %v", err)
	}

	cases := []struct {
		local string
		want  string
	}{
		{"2026-10-16T05:59:59", "2026-10-15"},
		{"2026-10-16T06:00:00", "2026-10-16"},
		{"2026-10-16T23:59:59", "2026-10-16"},
		{"2026-10-17T00:30:00", "2026-10-16"},
	}
	for _, tc := range cases {
		at, err := time.ParseInLocation("2006-01-02T15:04:05", tc.local, r.Location)
		if err != nil {
			t.Fatalf("parse %q: %v", tc.local, err)
		}
		if got := r.DayKey(at.UTC()); got != tc.want {
			t.Errorf("DayKey(%s) = %s, want %s", tc.local, got, tc.want)
		}
	}
}

func TestRollover_Next(t *testing.T) {
	t.Parallel()
	r := Rollover{Location: time.UTC, Hour: 6}

	before := time.Date(2026, 10, 16, 5, 0, 0, 0, time.UTC)
	if got, want := r.Next(before), time.Date(2026, 10, 16, 6, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("Next(%v) = %v, want %v", before, got, want)
	}

	at := time.Date(2026, 10, 16, 6, 0, 0, 0, time.UTC)
	if got, want := r.Next(at), time.Date(2026, 10, 17, 6, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("Next at boundary = %v, want %v", got, want)
	}

	if got := r.Until(before); got != time.Hour {
		t.Errorf("Until = %v, want 1h", got)
	}
}

func TestNewRollover_RejectsBadHour(t *testing.T) {
	t.Parallel()
	if _, err := NewRollover("", 24); err == nil {
		t.Error("expected error for hour 24")
	}
}
