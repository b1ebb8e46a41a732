// Package health scores device reliability from recent send history and
// enqueues corrective commands for unhealthy devices.
package health

import (
	"math"
	"time"
)

// Status is the bucket a score falls into.
type Status string

// Score buckets.
const (
	StatusExcellent Status = "EXCELLENT"
	StatusGood      Status = "GOOD"
	StatusFair      Status = "FAIR"
	StatusPoor      Status = "POOR"
	StatusCritical  Status = "CRITICAL"
)

// Recommendations attached to a report.
const (
	RecCheckConnection = "High failure rate: check connection"
	RecChargeDevice    = "Battery low: charge device"
	RecRestart         = "Repeated failures: restart device"
	RecReconnect       = "Device offline: reconnect"
	RecReduceRate      = "Slow responses: reduce sending rate"
)

// Scoring thresholds.
const (
	failureRateFloor    = 0.15
	failureRateAdvice   = 0.10
	slowResponseSec     = 30.0
	maxSlowPenalty      = 30.0
	batteryFloor        = 20
	batteryAdvice       = 30
	consecutiveLimit    = 5
	consecutiveAdvice   = 3
	offlinePenalty      = 20.0
	staleAfter          = 5 * time.Minute
	maxStalePenalty     = 15.0
	windowDuration      = 24 * time.Hour
	autoHealStaleAfter  = 10 * time.Minute
	autoHealFailureRuns = consecutiveLimit
)

// Metrics are the inputs to Score, aggregated over the trailing 24h.
type Metrics struct {
	Sent                int // SENT or DELIVERED
	Failed              int
	AvgResponseSec      float64 // mean sent_at - created_at
	ConsecutiveFailures int     // trailing run of FAILED
	BatteryLevel        *int
	IsOnline            bool
	LastSeen            *time.Time
	Now                 time.Time
}

// FailureRate is failed / (sent + failed), 0 with no finished messages.
func (m Metrics) FailureRate() float64 {
	total := m.Sent + m.Failed
	if total == 0 {
		return 0
	}
	return float64(m.Failed) / float64(total)
}

// Report is a scored device.
type Report struct {
	DeviceID            string   `json:"device_id"`
	Score               int      `json:"score"`
	Status              Status   `json:"status"`
	FailureRate         float64  `json:"failure_rate"`
	AvgResponseSec      float64  `json:"avg_response_sec"`
	ConsecutiveFailures int      `json:"consecutive_failures"`
	BatteryLevel        *int     `json:"battery_level,omitempty"`
	IsOnline            bool     `json:"is_online"`
	Recommendations     []string `json:"recommendations"`
}

// Score computes a 0–100 score from m. Each penalty is independent; the
// result is clamped and rounded.
func Score(m Metrics) Report {
	score := 100.0
	rate := m.FailureRate()

	if rate > failureRateFloor {
		score -= (rate - failureRateFloor) * 200
	}
	if m.AvgResponseSec > slowResponseSec {
		score -= math.Min(maxSlowPenalty, (m.AvgResponseSec-slowResponseSec)*0.5)
	}
	if m.BatteryLevel != nil && *m.BatteryLevel < batteryFloor {
		score -= float64(batteryFloor-*m.BatteryLevel) * 1.5
	}
	if m.ConsecutiveFailures > consecutiveLimit {
		score -= float64(5 * (m.ConsecutiveFailures - consecutiveLimit))
	}
	if !m.IsOnline {
		score -= offlinePenalty
	} else if m.LastSeen != nil {
		if since := m.Now.Sub(*m.LastSeen); since > staleAfter {
			score -= math.Min(maxStalePenalty, math.Floor(since.Minutes()))
		}
	}

	final := int(math.Round(math.Max(0, math.Min(100, score))))
	return Report{
		Score:               final,
		Status:              Bucket(final),
		FailureRate:         rate,
		AvgResponseSec:      m.AvgResponseSec,
		ConsecutiveFailures: m.ConsecutiveFailures,
		BatteryLevel:        m.BatteryLevel,
		IsOnline:            m.IsOnline,
		Recommendations:     recommend(m, rate),
	}
}

// Bucket maps a score to its status.
func Bucket(score int) Status {
	switch {
	case score >= 90:
		return StatusExcellent
	case score >= 75:
		return StatusGood
	case score >= 60:
		return StatusFair
	case score >= 40:
		return StatusPoor
	default:
		return StatusCritical
	}
}

func recommend(m Metrics, rate float64) []string {
	recs := []string{}
	if rate > failureRateAdvice {
		recs = append(recs, RecCheckConnection)
	}
	if m.BatteryLevel != nil && *m.BatteryLevel < batteryAdvice {
		recs = append(recs, RecChargeDevice)
	}
	if m.ConsecutiveFailures > consecutiveAdvice {
		recs = append(recs, RecRestart)
	}
	if !m.IsOnline {
		recs = append(recs, RecReconnect)
	}
	if m.AvgResponseSec > slowResponseSec {
		recs = append(recs, RecReduceRate)
	}
	return recs
}
