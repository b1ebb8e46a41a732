// Package schedule derives per-device send windows from delivery history
// and turns them into multi-day campaign plans.
package schedule

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/zulandar/switchyard/internal/cache"
	"github.com/zulandar/switchyard/internal/device"
	"github.com/zulandar/switchyard/internal/logging"
	"github.com/zulandar/switchyard/internal/models"
	"github.com/zulandar/switchyard/internal/msglog"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// MessageType selects the default send hours used when history is thin.
type MessageType string

// Message types.
const (
	Business      MessageType = "business"
	Personal      MessageType = "personal"
	International MessageType = "international"
)

// ParseMessageType normalises s. An empty string yields Business.
func ParseMessageType(s string) (MessageType, error) {
	switch mt := MessageType(strings.ToLower(strings.TrimSpace(s))); mt {
	case "":
		return Business, nil
	case Business, Personal, International:
		return mt, nil
	}
	return "", fmt.Errorf("schedule: unknown message type %q", s)
}

// Confidence grades a timing result by the amount of history behind it.
type Confidence string

// Confidence levels.
const (
	ConfidenceHigh    Confidence = "HIGH"
	ConfidenceMedium  Confidence = "MEDIUM"
	ConfidenceLow     Confidence = "LOW"
	ConfidenceVeryLow Confidence = "VERY_LOW"
)

const (
	historyWindow  = 30 * 24 * time.Hour
	minDataPoints  = 10
	minHourSamples = 3
	topHours       = 6
	speedCeilingMs = 60000.0
)

var defaultHours = map[MessageType][]int{
	Business:      {9, 10, 11, 14, 15, 16},
	Personal:      {10, 12, 13, 18, 19, 20},
	International: {8, 9, 10, 14, 15, 16},
}

// DefaultHours returns the static hour table for mt.
func DefaultHours(mt MessageType) []int {
	hours, ok := defaultHours[mt]
	if !ok {
		hours = defaultHours[Business]
	}
	return append([]int(nil), hours...)
}

// ConfidenceFor grades n data points.
func ConfidenceFor(n int) Confidence {
	switch {
	case n >= 100:
		return ConfidenceHigh
	case n >= 50:
		return ConfidenceMedium
	case n >= 20:
		return ConfidenceLow
	default:
		return ConfidenceVeryLow
	}
}

// HourStat summarises one hour of the day.
type HourStat struct {
	Hour          int     `json:"hour"`
	Samples       int     `json:"samples"`
	SuccessRate   float64 `json:"success_rate"`
	AvgDeliveryMs float64 `json:"avg_delivery_ms"`
	Score         float64 `json:"score"`
}

// Timing is the optimal-hours result for one device.
type Timing struct {
	DeviceID     string      `json:"device_id"`
	MessageType  MessageType `json:"message_type"`
	Hours        []int       `json:"hours"`
	Confidence   Confidence  `json:"confidence"`
	DataPoints   int         `json:"data_points"`
	UsedDefaults bool        `json:"used_defaults"`
	Stats        []HourStat  `json:"stats,omitempty"`
}

// Analyze ranks hours of the day from SENT and DELIVERED logs. Each hour
// scores successRate*0.7 + speedScore*0.3, where successRate is the share of
// its messages that were delivered and speedScore falls linearly from 1 to 0
// as the mean delivery time approaches 60s. Fewer than 10 logs, or no hour
// with 3 samples, yields the default table for mt.
func Analyze(logs []models.DeviceLog, mt MessageType, loc *time.Location) Timing {
	if loc == nil {
		loc = time.Local
	}
	t := Timing{MessageType: mt, DataPoints: len(logs), Confidence: ConfidenceFor(len(logs))}
	if len(logs) < minDataPoints {
		t.Hours = DefaultHours(mt)
		t.UsedDefaults = true
		return t
	}

	type bucket struct {
		samples, delivered, timed int
		deliveryMs                int64
	}
	var hours [24]bucket
	for _, l := range logs {
		if l.SentAt == nil {
			continue
		}
		b := &hours[l.SentAt.In(loc).Hour()]
		b.samples++
		if l.Status == models.LogDelivered {
			b.delivered++
			if l.DeliveryTimeMs != nil {
				b.timed++
				b.deliveryMs += *l.DeliveryTimeMs
			}
		}
	}

	var stats []HourStat
	for h, b := range hours {
		if b.samples < minHourSamples {
			continue
		}
		s := HourStat{Hour: h, Samples: b.samples}
		s.SuccessRate = float64(b.delivered) / float64(b.samples)
		speed := 0.0
		if b.timed > 0 {
			s.AvgDeliveryMs = float64(b.deliveryMs) / float64(b.timed)
			speed = max(0, 1-s.AvgDeliveryMs/speedCeilingMs)
		}
		s.Score = s.SuccessRate*0.7 + speed*0.3
		stats = append(stats, s)
	}
	if len(stats) == 0 {
		t.Hours = DefaultHours(mt)
		t.UsedDefaults = true
		return t
	}

	sort.SliceStable(stats, func(i, j int) bool {
		if stats[i].Score != stats[j].Score {
			return stats[i].Score > stats[j].Score
		}
		if stats[i].Samples != stats[j].Samples {
			return stats[i].Samples > stats[j].Samples
		}
		return stats[i].Hour < stats[j].Hour
	})
	if len(stats) > topHours {
		stats = stats[:topHours]
	}
	t.Stats = stats
	for _, s := range stats {
		t.Hours = append(t.Hours, s.Hour)
	}
	return t
}

// Options configures an Optimizer.
type Options struct {
	Cache     cache.Store // default in-process cache
	CacheTTL  time.Duration
	KeyPrefix string
	Location  *time.Location // hour-of-day zone, default time.Local
	Logger    *zap.Logger
}

// Optimizer computes timings and campaign plans from the store.
type Optimizer struct {
	db     *gorm.DB
	cache  cache.Store
	ttl    time.Duration
	prefix string
	loc    *time.Location
	log    *zap.Logger
	now    func() time.Time
}

// NewOptimizer creates an Optimizer.
func NewOptimizer(db *gorm.DB, opts Options) *Optimizer {
	if opts.Cache == nil {
		opts.Cache = cache.NewMemory()
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 15 * time.Minute
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	opts.Logger = logging.OrNop(opts.Logger)
	return &Optimizer{
		db:     db,
		cache:  opts.Cache,
		ttl:    opts.CacheTTL,
		prefix: opts.KeyPrefix,
		loc:    opts.Location,
		log:    opts.Logger.Named("schedule"),
		now:    time.Now,
	}
}

// CalculateOptimalTiming returns the best send hours for a device from its
// last 30 days of SENT and DELIVERED logs. Results are cached.
func (o *Optimizer) CalculateOptimalTiming(ctx context.Context, deviceID string, mt MessageType) (Timing, error) {
	if mt == "" {
		mt = Business
	}
	key := cache.Key(o.prefix, "timing", deviceID, string(mt))
	return cache.Load(ctx, o.cache, key, o.ttl, func(ctx context.Context) (Timing, error) {
		db := o.db.WithContext(ctx)
		if _, err := device.Get(db, deviceID); err != nil {
			return Timing{}, err
		}
		logs, err := msglog.Since(db, deviceID, o.now().Add(-historyWindow), models.LogSent, models.LogDelivered)
		if err != nil {
			return Timing{}, fmt.Errorf("schedule: timing %s: %w", deviceID, err)
		}
		t := Analyze(logs, mt, o.loc)
		t.DeviceID = deviceID
		return t, nil
	})
}
