package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zulandar/switchyard/internal/cache"
	"github.com/zulandar/switchyard/internal/command"
	"github.com/zulandar/switchyard/internal/device"
	"github.com/zulandar/switchyard/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(&models.Device{}, &models.DeviceCommand{}, &models.DeviceLog{}); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

func newDevice(t *testing.T, db *gorm.DB, userID string, online bool, battery *int, lastSeen time.Time) *models.Device {
	t.Helper()
	dev, err := device.Register(db, device.RegisterOpts{UserID: userID})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	device.MarkOnline(db, dev.ID, "", lastSeen)
	if !online {
		device.MarkOffline(db, dev.ID)
	}
	if battery != nil {
		device.Touch(db, dev.ID, lastSeen, device.Vitals{BatteryLevel: battery})
	}
	return dev
}

// addLog inserts a finished log created at created with a 2s send latency.
func addLog(t *testing.T, db *gorm.DB, deviceID, status string, created time.Time) {
	t.Helper()
	sent := created.Add(2 * time.Second)
	l := models.DeviceLog{
		DeviceID:        deviceID,
		RecipientNumber: "+1555",
		Status:          status,
		CreatedAt:       created,
	}
	if status != models.LogFailed {
		l.SentAt = &sent
	}
	if err := db.Create(&l).Error; err != nil {
		t.Fatalf("create log: %v", err)
	}
}

func TestAggregate(t *testing.T) {
	base := time.Now().Add(-time.Hour)
	sent := base.Add(40 * time.Second)
	logs := []models.DeviceLog{
		{Status: models.LogFailed, CreatedAt: base},
		{Status: models.LogDelivered, CreatedAt: base, SentAt: &sent},
		{Status: models.LogFailed, CreatedAt: base},
		{Status: models.LogQueued, CreatedAt: base},
		{Status: models.LogFailed, CreatedAt: base},
	}
	m := Aggregate(logs)
	if m.Sent != 1 || m.Failed != 3 {
		t.Errorf("sent/failed = %d/%d, want 1/3", m.Sent, m.Failed)
	}
	if m.ConsecutiveFailures != 2 {
		t.Errorf("consecutive = %d, want 2", m.ConsecutiveFailures)
	}
	if m.AvgResponseSec != 40 {
		t.Errorf("avg response = %v, want 40", m.AvgResponseSec)
	}
}

func TestComputeHealthScore_Scenario(t *testing.T) {
	db := testDB(t)
	now := time.Now()
	dev := newDevice(t, db, "u1", true, intPtr(10), now)

	statuses := []string{models.LogSent, models.LogFailed, models.LogDelivered, models.LogFailed, models.LogSent}
	for i, st := range statuses {
		addLog(t, db, dev.ID, st, now.Add(-time.Duration(5-i)*time.Hour))
	}
	// Outside the 24h window.
	addLog(t, db, dev.ID, models.LogFailed, now.Add(-30*time.Hour))

	s := NewScorer(db, Options{})
	r, err := s.ComputeHealthScore(context.Background(), dev.ID)
	if err != nil {
		t.Fatalf("ComputeHealthScore: %v", err)
	}
	if r.Score != 35 || r.Status != StatusCritical {
		t.Errorf("score = %d %s, want 35 CRITICAL", r.Score, r.Status)
	}
	if r.DeviceID != dev.ID {
		t.Errorf("DeviceID = %q", r.DeviceID)
	}

	score, err := s.HealthScore(context.Background(), dev.ID)
	if err != nil || score != 35 {
		t.Errorf("HealthScore = %d, %v", score, err)
	}
}

func TestComputeHealthScore_NotFound(t *testing.T) {
	s := NewScorer(testDB(t), Options{})
	if _, err := s.ComputeHealthScore(context.Background(), "dev-none"); !errors.Is(err, device.ErrNotFound) {
		t.Errorf("err = %v, want device.ErrNotFound", err)
	}
}

func TestGetHealthSummary_Cached(t *testing.T) {
	db := testDB(t)
	now := time.Now()
	newDevice(t, db, "u1", true, intPtr(90), now)
	newDevice(t, db, "u1", false, nil, now)
	newDevice(t, db, "u2", true, nil, now)

	mem := cache.NewMemory()
	s := NewScorer(db, Options{Cache: mem, SummaryTTL: time.Minute})
	sum, err := s.GetHealthSummary(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetHealthSummary: %v", err)
	}
	if sum.DeviceCount != 2 || sum.Offline != 1 {
		t.Errorf("count=%d offline=%d, want 2/1", sum.DeviceCount, sum.Offline)
	}
	if sum.AverageScore != 90 {
		t.Errorf("average = %v, want 90", sum.AverageScore)
	}
	if sum.ByStatus[StatusExcellent] != 1 || sum.ByStatus[StatusGood] != 1 {
		t.Errorf("by status = %v", sum.ByStatus)
	}
	if sum.Devices[0].Score != 80 {
		t.Errorf("devices should be sorted worst first, got %v", sum.Devices)
	}

	// A new device does not show up until the cached summary expires.
	newDevice(t, db, "u1", true, nil, now)
	cached, _ := s.GetHealthSummary(context.Background(), "u1")
	if cached.DeviceCount != 2 {
		t.Errorf("cached count = %d, want 2", cached.DeviceCount)
	}
	s.InvalidateSummary(context.Background(), "u1")
	fresh, _ := s.GetHealthSummary(context.Background(), "u1")
	if fresh.DeviceCount != 3 {
		t.Errorf("fresh count = %d, want 3", fresh.DeviceCount)
	}
}

func TestAutoHeal(t *testing.T) {
	db := testDB(t)
	now := time.Now()
	ctx := context.Background()

	healthy := newDevice(t, db, "u1", true, nil, now)
	res, err := NewScorer(db, Options{}).AutoHeal(ctx, healthy.ID)
	if err != nil {
		t.Fatalf("AutoHeal healthy: %v", err)
	}
	if res.Acted() {
		t.Errorf("healthy device should not be healed: %+v", res)
	}

	sick := newDevice(t, db, "u1", true, nil, now.Add(-15*time.Minute))
	for i := 0; i < 6; i++ {
		addLog(t, db, sick.ID, models.LogFailed, now.Add(-time.Duration(60-i)*time.Minute))
	}
	s := NewScorer(db, Options{})
	res, err = s.AutoHeal(ctx, sick.ID)
	if err != nil {
		t.Fatalf("AutoHeal sick: %v", err)
	}
	if res.Restart == nil || res.Sync == nil {
		t.Fatalf("expected RESTART and SYNC_STATUS, got %+v", res)
	}
	pending, _ := command.Pending(db, sick.ID, 0)
	if len(pending) != 2 || pending[0].CommandType != models.CommandRestart {
		t.Errorf("pending = %+v, want RESTART first", pending)
	}

	// Second run does not duplicate pending commands.
	res, err = s.AutoHeal(ctx, sick.ID)
	if err != nil {
		t.Fatalf("AutoHeal again: %v", err)
	}
	if res.Acted() {
		t.Errorf("second run enqueued %+v", res)
	}
	pending, _ = command.Pending(db, sick.ID, 0)
	if len(pending) != 2 {
		t.Errorf("pending after second run = %d, want 2", len(pending))
	}
}

func TestAutoHeal_FiveFailuresIsNotEnough(t *testing.T) {
	db := testDB(t)
	now := time.Now()
	dev := newDevice(t, db, "u1", true, nil, now)
	for i := 0; i < 5; i++ {
		addLog(t, db, dev.ID, models.LogFailed, now.Add(-time.Duration(10-i)*time.Minute))
	}
	res, err := NewScorer(db, Options{}).AutoHeal(context.Background(), dev.ID)
	if err != nil {
		t.Fatalf("AutoHeal: %v", err)
	}
	if res.Restart != nil {
		t.Error("five failures should not trigger a restart")
	}
}
