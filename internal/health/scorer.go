package health

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/zulandar/switchyard/internal/cache"
	"github.com/zulandar/switchyard/internal/command"
	"github.com/zulandar/switchyard/internal/device"
	"github.com/zulandar/switchyard/internal/logging"
	"github.com/zulandar/switchyard/internal/models"
	"github.com/zulandar/switchyard/internal/msglog"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DefaultSummaryTTL is how long a fleet summary is served from cache.
const DefaultSummaryTTL = time.Minute

// Options configures a Scorer.
type Options struct {
	Cache      cache.Store // default in-process cache
	SummaryTTL time.Duration
	KeyPrefix  string
	Logger     *zap.Logger
}

// Scorer computes health reports from the store.
type Scorer struct {
	db     *gorm.DB
	cache  cache.Store
	ttl    time.Duration
	prefix string
	log    *zap.Logger
	now    func() time.Time
}

// NewScorer creates a Scorer.
func NewScorer(db *gorm.DB, opts Options) *Scorer {
	if opts.Cache == nil {
		opts.Cache = cache.NewMemory()
	}
	if opts.SummaryTTL <= 0 {
		opts.SummaryTTL = DefaultSummaryTTL
	}
	opts.Logger = logging.OrNop(opts.Logger)
	return &Scorer{
		db:     db,
		cache:  opts.Cache,
		ttl:    opts.SummaryTTL,
		prefix: opts.KeyPrefix,
		log:    opts.Logger.Named("health"),
		now:    time.Now,
	}
}

// Metrics aggregates dev's trailing 24h of logs.
func (s *Scorer) Metrics(ctx context.Context, dev *models.Device) (Metrics, error) {
	now := s.now()
	logs, err := msglog.Since(s.db.WithContext(ctx), dev.ID, now.Add(-windowDuration))
	if err != nil {
		return Metrics{}, fmt.Errorf("health: metrics %s: %w", dev.ID, err)
	}
	m := Aggregate(logs)
	m.BatteryLevel = dev.BatteryLevel
	m.IsOnline = dev.IsOnline
	m.LastSeen = dev.LastSeen
	m.Now = now
	return m, nil
}

// Aggregate derives the log-based fields of Metrics from logs ordered oldest
// first. QUEUED logs carry no outcome and are ignored.
func Aggregate(logs []models.DeviceLog) Metrics {
	var m Metrics
	var respTotal float64
	var respCount int
	run := 0
	for _, l := range logs {
		switch l.Status {
		case models.LogSent, models.LogDelivered:
			m.Sent++
			run = 0
		case models.LogFailed:
			m.Failed++
			run++
		default:
			continue
		}
		if l.SentAt != nil {
			respTotal += l.SentAt.Sub(l.CreatedAt).Seconds()
			respCount++
		}
	}
	if respCount > 0 {
		m.AvgResponseSec = respTotal / float64(respCount)
	}
	m.ConsecutiveFailures = run
	return m
}

// ComputeHealthScore scores one device.
func (s *Scorer) ComputeHealthScore(ctx context.Context, deviceID string) (Report, error) {
	dev, err := device.Get(s.db.WithContext(ctx), deviceID)
	if err != nil {
		return Report{}, err
	}
	return s.score(ctx, dev)
}

func (s *Scorer) score(ctx context.Context, dev *models.Device) (Report, error) {
	m, err := s.Metrics(ctx, dev)
	if err != nil {
		return Report{}, err
	}
	r := Score(m)
	r.DeviceID = dev.ID
	return r, nil
}

// HealthScore returns only the numeric score.
func (s *Scorer) HealthScore(ctx context.Context, deviceID string) (int, error) {
	r, err := s.ComputeHealthScore(ctx, deviceID)
	if err != nil {
		return 0, err
	}
	return r.Score, nil
}

// Summary aggregates a user's fleet.
type Summary struct {
	UserID       string         `json:"user_id"`
	DeviceCount  int            `json:"device_count"`
	AverageScore float64        `json:"average_score"`
	ByStatus     map[Status]int `json:"by_status"`
	Critical     int            `json:"critical"`
	Offline      int            `json:"offline"`
	Devices      []Report       `json:"devices"`
	GeneratedAt  time.Time      `json:"generated_at"`
}

// GetHealthSummary scores every device of userID. Results are cached for the
// summary TTL.
func (s *Scorer) GetHealthSummary(ctx context.Context, userID string) (Summary, error) {
	key := cache.Key(s.prefix, "health", "summary", userID)
	return cache.Load(ctx, s.cache, key, s.ttl, func(ctx context.Context) (Summary, error) {
		return s.summarize(ctx, userID)
	})
}

// InvalidateSummary drops the cached summary for userID.
func (s *Scorer) InvalidateSummary(ctx context.Context, userID string) error {
	return s.cache.Delete(ctx, cache.Key(s.prefix, "health", "summary", userID))
}

func (s *Scorer) summarize(ctx context.Context, userID string) (Summary, error) {
	devices, err := device.List(s.db.WithContext(ctx), userID)
	if err != nil {
		return Summary{}, err
	}
	sum := Summary{
		UserID:      userID,
		DeviceCount: len(devices),
		ByStatus:    map[Status]int{},
		Devices:     make([]Report, 0, len(devices)),
		GeneratedAt: s.now(),
	}
	total := 0
	for i := range devices {
		r, err := s.score(ctx, &devices[i])
		if err != nil {
			return Summary{}, err
		}
		sum.Devices = append(sum.Devices, r)
		sum.ByStatus[r.Status]++
		total += r.Score
		if r.Status == StatusCritical {
			sum.Critical++
		}
		if !devices[i].IsOnline {
			sum.Offline++
		}
	}
	if len(devices) > 0 {
		sum.AverageScore = float64(total) / float64(len(devices))
	}
	sort.SliceStable(sum.Devices, func(i, j int) bool { return sum.Devices[i].Score < sum.Devices[j].Score })
	return sum, nil
}

// HealResult lists the commands AutoHeal enqueued.
type HealResult struct {
	DeviceID string `json:"device_id"`
	Restart  *uint  `json:"restart_command_id,omitempty"`
	Sync     *uint  `json:"sync_command_id,omitempty"`
}

// Acted reports whether any command was enqueued.
func (h HealResult) Acted() bool { return h.Restart != nil || h.Sync != nil }

// AutoHeal enqueues RESTART when the device's trailing failure run exceeds
// the limit and SYNC_STATUS when it has not been seen for 10 minutes, unless
// the same command is already pending. It only writes commands; delivery is
// left to the gateway.
func (s *Scorer) AutoHeal(ctx context.Context, deviceID string) (HealResult, error) {
	db := s.db.WithContext(ctx)
	dev, err := device.Get(db, deviceID)
	if err != nil {
		return HealResult{}, err
	}
	m, err := s.Metrics(ctx, dev)
	if err != nil {
		return HealResult{}, err
	}

	res := HealResult{DeviceID: deviceID}
	if m.ConsecutiveFailures > autoHealFailureRuns {
		id, err := s.enqueueOnce(db, deviceID, models.CommandRestart,
			map[string]string{"reason": fmt.Sprintf("%d consecutive failures", m.ConsecutiveFailures)}, 10)
		if err != nil {
			return res, err
		}
		res.Restart = id
	}
	if m.LastSeen != nil && m.Now.Sub(*m.LastSeen) > autoHealStaleAfter {
		id, err := s.enqueueOnce(db, deviceID, models.CommandSyncStatus, nil, 5)
		if err != nil {
			return res, err
		}
		res.Sync = id
	}
	if res.Acted() {
		s.log.Info("auto-heal",
			zap.String("device_id", deviceID),
			zap.Bool("restart", res.Restart != nil),
			zap.Bool("sync", res.Sync != nil))
	}
	return res, nil
}

// enqueueOnce enqueues a command unless one of the same type is already
// pending for the device. It returns nil when nothing was enqueued.
func (s *Scorer) enqueueOnce(db *gorm.DB, deviceID, commandType string, payload interface{}, priority int) (*uint, error) {
	pending, err := command.HasPending(db, deviceID, commandType)
	if err != nil {
		return nil, fmt.Errorf("health: auto-heal %s: %w", deviceID, err)
	}
	if pending {
		return nil, nil
	}
	cmd, err := command.Enqueue(db, deviceID, commandType, payload, command.EnqueueOpts{Priority: priority})
	if err != nil {
		return nil, fmt.Errorf("health: auto-heal %s %s: %w", commandType, deviceID, err)
	}
	return &cmd.ID, nil
}
