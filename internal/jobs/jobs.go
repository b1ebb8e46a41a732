// Package jobs runs the periodic fleet maintenance: the daily counter reset
// and the health sweep that heals devices and raises alerts.
package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zulandar/switchyard/internal/alert"
	"github.com/zulandar/switchyard/internal/cache"
	"github.com/zulandar/switchyard/internal/device"
	"github.com/zulandar/switchyard/internal/health"
	"github.com/zulandar/switchyard/internal/logging"
	"github.com/zulandar/switchyard/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Default schedules.
const (
	DefaultResetCron = "0 0 * * *"
	DefaultSweepCron = "*/5 * * * *"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Connections reports whether a device has a live socket.
type Connections interface {
	IsConnected(deviceID string) bool
}

// Options configures a Runner.
type Options struct {
	ResetCron      string
	SweepCron      string
	StaleThreshold time.Duration  // default device.DefaultStaleThreshold
	Location       *time.Location // cron zone, default time.Local
	Notifier       alert.Notifier // default alert.Nop
	Connections    Connections    // nil treats every device as disconnected
	Cache          cache.Store    // in-process stores are purged each sweep
	Logger         *zap.Logger
}

// SweepReport summarises one health sweep.
type SweepReport struct {
	Checked       int
	MarkedOffline int
	Critical      int // devices that entered CRITICAL this sweep
	Recovered     int // devices that left CRITICAL this sweep
	Healed        int
	Purged        int // expired cache entries dropped
	Errors        int
}

// Runner owns the cron scheduler and the per-device alert state.
type Runner struct {
	db       *gorm.DB
	scorer   *health.Scorer
	opts     Options
	notifier alert.Notifier
	log      *zap.Logger
	now      func() time.Time

	mu       sync.Mutex
	critical map[string]bool
	cron     *cron.Cron
}

// New validates the schedules and creates a Runner.
func New(db *gorm.DB, scorer *health.Scorer, opts Options) (*Runner, error) {
	if db == nil {
		return nil, fmt.Errorf("jobs: db is required")
	}
	if scorer == nil {
		return nil, fmt.Errorf("jobs: scorer is required")
	}
	if opts.ResetCron == "" {
		opts.ResetCron = DefaultResetCron
	}
	if opts.SweepCron == "" {
		opts.SweepCron = DefaultSweepCron
	}
	for _, expr := range []string{opts.ResetCron, opts.SweepCron} {
		if _, err := cronParser.Parse(expr); err != nil {
			return nil, fmt.Errorf("jobs: parse cron %q: %w", expr, err)
		}
	}
	if opts.StaleThreshold <= 0 {
		opts.StaleThreshold = device.DefaultStaleThreshold
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	opts.Logger = logging.OrNop(opts.Logger)
	log := opts.Logger.Named("jobs")
	notifier := opts.Notifier
	if notifier == nil {
		notifier = alert.Nop{Log: log}
	}
	return &Runner{
		db:       db,
		scorer:   scorer,
		opts:     opts,
		notifier: notifier,
		log:      log,
		now:      time.Now,
		critical: make(map[string]bool),
	}, nil
}

// ResetCounters zeroes every device's daily send counter.
func (r *Runner) ResetCounters(ctx context.Context) (int64, error) {
	n, err := device.ResetDailyCounters(r.db.WithContext(ctx))
	if err != nil {
		return 0, err
	}
	r.log.Info("daily counters reset", zap.Int64("devices", n))
	return n, nil
}

// Sweep marks devices offline that are flagged online but have neither a
// live socket nor a recent report, then scores every active device. Devices
// entering or leaving CRITICAL raise an alert, and AutoHeal runs for each.
// Per-device failures are logged and counted; the sweep continues.
func (r *Runner) Sweep(ctx context.Context) (SweepReport, error) {
	var rep SweepReport
	db := r.db.WithContext(ctx)

	stale, err := device.CheckStale(db, r.opts.StaleThreshold, r.now())
	if err != nil {
		return rep, err
	}
	for _, d := range stale {
		if r.opts.Connections != nil && r.opts.Connections.IsConnected(d.ID) {
			continue
		}
		if err := device.MarkOffline(db, d.ID); err != nil {
			r.log.Error("mark stale device offline", zap.String("device_id", d.ID), zap.Error(err))
			rep.Errors++
			continue
		}
		rep.MarkedOffline++
	}

	var devices []models.Device
	if err := db.Where("is_active = ?", true).Order("id ASC").Find(&devices).Error; err != nil {
		return rep, fmt.Errorf("jobs: load devices: %w", err)
	}

	users := map[string]bool{}
	for i := range devices {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		dev := &devices[i]
		rep.Checked++
		users[dev.UserID] = true

		report, err := r.scorer.ComputeHealthScore(ctx, dev.ID)
		if err != nil {
			r.log.Error("score device", zap.String("device_id", dev.ID), zap.Error(err))
			rep.Errors++
			continue
		}
		switch r.transition(dev.ID, report.Status == health.StatusCritical) {
		case entered:
			rep.Critical++
			r.notify(ctx, alert.FormatCritical(dev, report))
		case left:
			rep.Recovered++
			r.notify(ctx, alert.FormatRecovered(dev, report))
		}

		healed, err := r.scorer.AutoHeal(ctx, dev.ID)
		if err != nil {
			r.log.Error("auto-heal", zap.String("device_id", dev.ID), zap.Error(err))
			rep.Errors++
			continue
		}
		if healed.Acted() {
			rep.Healed++
			r.notify(ctx, alert.FormatHealed(dev, healed))
		}
	}

	for u := range users {
		if err := r.scorer.InvalidateSummary(ctx, u); err != nil {
			r.log.Warn("invalidate health summary", zap.String("user_id", u), zap.Error(err))
		}
	}

	if p, ok := r.opts.Cache.(interface{ Purge() int }); ok {
		rep.Purged = p.Purge()
	}

	r.log.Info("health sweep complete",
		zap.Int("checked", rep.Checked),
		zap.Int("offline", rep.MarkedOffline),
		zap.Int("critical", rep.Critical),
		zap.Int("recovered", rep.Recovered),
		zap.Int("healed", rep.Healed),
		zap.Int("purged", rep.Purged),
		zap.Int("errors", rep.Errors))
	return rep, nil
}

type change int

const (
	unchanged change = iota
	entered
	left
)

// transition records whether deviceID is critical and reports the edge.
// The first observation of a critical device counts as entering.
func (r *Runner) transition(deviceID string, critical bool) change {
	r.mu.Lock()
	defer r.mu.Unlock()
	was := r.critical[deviceID]
	switch {
	case critical && !was:
		r.critical[deviceID] = true
		return entered
	case !critical && was:
		delete(r.critical, deviceID)
		return left
	}
	return unchanged
}

func (r *Runner) notify(ctx context.Context, a alert.Alert) {
	if err := r.notifier.Notify(ctx, a); err != nil {
		r.log.Warn("send alert", zap.String("title", a.Title), zap.Error(err))
	}
}

// Start schedules the reset and sweep jobs and runs them until ctx is
// cancelled.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.cron != nil {
		r.mu.Unlock()
		return fmt.Errorf("jobs: already started")
	}
	c := cron.New(cron.WithParser(cronParser), cron.WithLocation(r.opts.Location))
	r.cron = c
	r.mu.Unlock()

	if _, err := c.AddFunc(r.opts.ResetCron, func() {
		if _, err := r.ResetCounters(ctx); err != nil {
			r.log.Error("reset daily counters", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("jobs: schedule reset: %w", err)
	}
	if _, err := c.AddFunc(r.opts.SweepCron, func() {
		if _, err := r.Sweep(ctx); err != nil {
			r.log.Error("health sweep", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("jobs: schedule sweep: %w", err)
	}

	c.Start()
	r.log.Info("jobs started",
		zap.String("reset_cron", r.opts.ResetCron),
		zap.String("sweep_cron", r.opts.SweepCron))

	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
		r.log.Info("jobs stopped")
	}()
	return nil
}
