package health

import (
	"testing"
	"time"
)

func intPtr(v int) *int { return &v }

func TestScore_PerfectDevice(t *testing.T) {
	now := time.Now()
	r := Score(Metrics{Sent: 50, IsOnline: true, LastSeen: &now, Now: now, BatteryLevel: intPtr(90)})
	if r.Score != 100 || r.Status != StatusExcellent {
		t.Errorf("score = %d %s, want 100 EXCELLENT", r.Score, r.Status)
	}
	if len(r.Recommendations) != 0 {
		t.Errorf("recommendations = %v, want none", r.Recommendations)
	}
}

func TestScore_BatteryAndFailuresScenario(t *testing.T) {
	now := time.Now()
	r := Score(Metrics{
		Sent:         3,
		Failed:       2,
		BatteryLevel: intPtr(10),
		IsOnline:     true,
		LastSeen:     &now,
		Now:          now,
	})
	// 100 - (0.4-0.15)*200 - (20-10)*1.5 = 35
	if r.Score != 35 {
		t.Errorf("score = %d, want 35", r.Score)
	}
	if r.Status != StatusCritical {
		t.Errorf("status = %s, want CRITICAL", r.Status)
	}
	want := map[string]bool{RecCheckConnection: true, RecChargeDevice: true}
	if len(r.Recommendations) != len(want) {
		t.Fatalf("recommendations = %v", r.Recommendations)
	}
	for _, rec := range r.Recommendations {
		if !want[rec] {
			t.Errorf("unexpected recommendation %q", rec)
		}
	}
}

func TestScore_Penalties(t *testing.T) {
	now := time.Now()
	seen := func(ago time.Duration) *time.Time { ts := now.Add(-ago); return &ts }

	tests := []struct {
		name string
		m    Metrics
		want int
	}{
		{"offline", Metrics{IsOnline: false, Now: now}, 80},
		{"stale 8 minutes", Metrics{IsOnline: true, LastSeen: seen(8 * time.Minute), Now: now}, 92},
		{"stale capped", Metrics{IsOnline: true, LastSeen: seen(3 * time.Hour), Now: now}, 85},
		{"fresh", Metrics{IsOnline: true, LastSeen: seen(time.Minute), Now: now}, 100},
		{"slow 50s", Metrics{Sent: 10, AvgResponseSec: 50, IsOnline: true, Now: now}, 90},
		{"slow capped", Metrics{Sent: 10, AvgResponseSec: 500, IsOnline: true, Now: now}, 70},
		{"consecutive 5", Metrics{Sent: 40, Failed: 5, ConsecutiveFailures: 5, IsOnline: true, Now: now}, 100},
		{"consecutive 8", Metrics{Sent: 92, Failed: 8, ConsecutiveFailures: 8, IsOnline: true, Now: now}, 85},
		{"battery at floor", Metrics{BatteryLevel: intPtr(20), IsOnline: true, Now: now}, 100},
		{"clamped", Metrics{Failed: 10, BatteryLevel: intPtr(0), IsOnline: false, Now: now, ConsecutiveFailures: 10}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Score(tt.m).Score; got != tt.want {
				t.Errorf("score = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestScore_MonotoneInFailureRate(t *testing.T) {
	now := time.Now()
	prev := 101
	for failed := 0; failed <= 100; failed++ {
		r := Score(Metrics{Sent: 100 - failed, Failed: failed, IsOnline: true, Now: now})
		if r.Score > prev {
			t.Fatalf("score rose from %d to %d at %d failures", prev, r.Score, failed)
		}
		if r.Score < 0 || r.Score > 100 {
			t.Fatalf("score %d out of range", r.Score)
		}
		prev = r.Score
	}
}

func TestBucket(t *testing.T) {
	tests := []struct {
		score int
		want  Status
	}{
		{100, StatusExcellent},
		{90, StatusExcellent},
		{89, StatusGood},
		{75, StatusGood},
		{60, StatusFair},
		{40, StatusPoor},
		{39, StatusCritical},
		{0, StatusCritical},
	}
	for _, tt := range tests {
		if got := Bucket(tt.score); got != tt.want {
			t.Errorf("Bucket(%d) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

func TestRecommendations(t *testing.T) {
	now := time.Now()
	r := Score(Metrics{
		Sent:                6,
		Failed:              4,
		ConsecutiveFailures: 4,
		AvgResponseSec:      45,
		BatteryLevel:        intPtr(25),
		IsOnline:            false,
		Now:                 now,
	})
	want := []string{RecCheckConnection, RecChargeDevice, RecRestart, RecReconnect, RecReduceRate}
	if len(r.Recommendations) != len(want) {
		t.Fatalf("recommendations = %v, want %v", r.Recommendations, want)
	}
	for i := range want {
		if r.Recommendations[i] != want[i] {
			t.Errorf("recommendations[%d] = %q, want %q", i, r.Recommendations[i], want[i])
		}
	}
}
