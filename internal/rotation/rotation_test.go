package rotation

import (
	"context"
	"errors"
	"testing"
	"time"

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
	if err := db.AutoMigrate(&models.Device{}); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

type devSpec struct {
	stage  int
	limit  int
	used   int
	online bool
}

// seed registers devices and returns their IDs in argument order.
func seed(t *testing.T, db *gorm.DB, specs ...devSpec) []string {
	t.Helper()
	ids := make([]string, 0, len(specs))
	for _, s := range specs {
		stage := s.stage
		if stage == 0 {
			stage = 1
		}
		dev, err := device.Register(db, device.RegisterOpts{UserID: "u1", WarmupStage: stage, DailyLimit: s.limit})
		if err != nil {
			t.Fatalf("Register: %v", err)
		}
		if s.online {
			device.MarkOnline(db, dev.ID, "", time.Now())
		}
		if s.used > 0 {
			db.Model(&models.Device{}).Where("id = ?", dev.ID).Update("messages_sent_today", s.used)
		}
		ids = append(ids, dev.ID)
	}
	return ids
}

func countsByID(allocs []Allocation) map[string]int {
	m := make(map[string]int, len(allocs))
	for _, a := range allocs {
		m[a.DeviceID] = a.Count
	}
	return m
}

func sum(allocs []Allocation) int {
	n := 0
	for _, a := range allocs {
		n += a.Count
	}
	return n
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"", ModeWarmupAware, false},
		{"random", ModeRandom, false},
		{"ROUND_ROBIN", ModeRoundRobin, false},
		{" least_used ", ModeLeastUsed, false},
		{"fastest", "", true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseMode(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestSelectDevice_Errors(t *testing.T) {
	db := testDB(t)
	e := New(db, Options{})
	ctx := context.Background()

	if _, err := e.SelectDevice(ctx, nil, ModeWarmupAware); !errors.Is(err, ErrNoDevicesAvailable) {
		t.Errorf("empty candidates err = %v", err)
	}

	offline := seed(t, db, devSpec{limit: 20})
	if _, err := e.SelectDevice(ctx, offline, ModeWarmupAware); !errors.Is(err, ErrNoDevicesAvailable) {
		t.Errorf("offline err = %v, want ErrNoDevicesAvailable", err)
	}

	full := seed(t, db, devSpec{limit: 20, used: 20, online: true})
	if _, err := e.SelectDevice(ctx, full, ModeWarmupAware); !errors.Is(err, ErrAllDevicesAtLimit) {
		t.Errorf("full err = %v, want ErrAllDevicesAtLimit", err)
	}

	inactive := seed(t, db, devSpec{limit: 20, online: true})
	device.SetActive(db, inactive[0], false)
	if _, err := e.SelectDevice(ctx, inactive, ModeRandom); !errors.Is(err, ErrNoDevicesAvailable) {
		t.Errorf("inactive err = %v, want ErrNoDevicesAvailable", err)
	}
}

func TestSelectDevice_NeverOffline(t *testing.T) {
	db := testDB(t)
	ids := seed(t, db,
		devSpec{stage: 4, limit: 200},
		devSpec{stage: 1, limit: 20, online: true},
		devSpec{stage: 4, limit: 200},
	)
	e := New(db, Options{Seed: 7})
	for _, mode := range []Mode{ModeRandom, ModeRoundRobin, ModeLeastUsed, ModeWarmupAware} {
		for i := 0; i < 10; i++ {
			d, err := e.SelectDevice(context.Background(), ids, mode)
			if err != nil {
				t.Fatalf("%s: %v", mode, err)
			}
			if d.ID != ids[1] {
				t.Fatalf("%s selected offline device %s", mode, d.ID)
			}
		}
	}
}

func TestSelectDevice_WarmupAware(t *testing.T) {
	db := testDB(t)
	ids := seed(t, db,
		devSpec{stage: 2, limit: 50, online: true},
		devSpec{stage: 3, limit: 100, used: 90, online: true},
		devSpec{stage: 3, limit: 100, used: 10, online: true},
	)
	d, err := New(db, Options{}).SelectDevice(context.Background(), ids, ModeWarmupAware)
	if err != nil {
		t.Fatalf("SelectDevice: %v", err)
	}
	if d.ID != ids[2] {
		t.Errorf("selected %s, want highest stage with most remaining %s", d.ID, ids[2])
	}
}

func TestSelectDevice_LeastUsed(t *testing.T) {
	db := testDB(t)
	ids := seed(t, db,
		devSpec{limit: 50, used: 9, online: true},
		devSpec{limit: 50, used: 3, online: true},
		devSpec{limit: 50, used: 5, online: true},
	)
	d, _ := New(db, Options{}).SelectDevice(context.Background(), ids, ModeLeastUsed)
	if d.ID != ids[1] {
		t.Errorf("selected %s, want %s", d.ID, ids[1])
	}
}

func TestSelectDevice_RoundRobinCursorPersists(t *testing.T) {
	db := testDB(t)
	ids := seed(t, db,
		devSpec{limit: 50, online: true},
		devSpec{limit: 50, online: true},
		devSpec{limit: 50, online: true},
	)
	e := New(db, Options{})
	seen := map[string]int{}
	for i := 0; i < 6; i++ {
		d, err := e.SelectDevice(context.Background(), ids, ModeRoundRobin)
		if err != nil {
			t.Fatalf("SelectDevice: %v", err)
		}
		seen[d.ID]++
	}
	for _, id := range ids {
		if seen[id] != 2 {
			t.Errorf("device %s selected %d times, want 2", id, seen[id])
		}
	}
}

type fixedRanker map[string]int

func (f fixedRanker) HealthScore(_ context.Context, id string) (int, error) {
	return f[id], nil
}

func TestSelectDevice_HealthFloor(t *testing.T) {
	db := testDB(t)
	ids := seed(t, db,
		devSpec{stage: 4, limit: 200, online: true},
		devSpec{stage: 1, limit: 20, online: true},
	)
	e := New(db, Options{MinHealthScore: 60, Ranker: fixedRanker{ids[0]: 30, ids[1]: 90}})
	d, err := e.SelectDevice(context.Background(), ids, ModeWarmupAware)
	if err != nil {
		t.Fatalf("SelectDevice: %v", err)
	}
	if d.ID != ids[1] {
		t.Errorf("selected %s, want healthy %s", d.ID, ids[1])
	}

	e = New(db, Options{MinHealthScore: 95, Ranker: fixedRanker{}})
	if _, err := e.SelectDevice(context.Background(), ids, ModeWarmupAware); !errors.Is(err, ErrNoDevicesAvailable) {
		t.Errorf("err = %v, want ErrNoDevicesAvailable", err)
	}
}

func TestDistributeMessages_ProportionalScenario(t *testing.T) {
	db := testDB(t)
	ids := seed(t, db,
		devSpec{limit: 15, online: true},
		devSpec{limit: 40, online: true},
		devSpec{limit: 100, online: true},
	)
	allocs, err := New(db, Options{}).DistributeMessages(context.Background(), ids, 50, ModeWarmupAware)
	if err != nil {
		t.Fatalf("DistributeMessages: %v", err)
	}
	if got := sum(allocs); got != 50 {
		t.Errorf("sum = %d, want 50", got)
	}
	m := countsByID(allocs)
	if m[ids[0]] != 4 || m[ids[1]] != 12 || m[ids[2]] != 34 {
		t.Errorf("allocation = %v, want 4/12/34", m)
	}
}

func TestDistributeMessages_SharesWithinCapacity(t *testing.T) {
	db := testDB(t)
	ids := seed(t, db,
		devSpec{stage: 2, limit: 50, used: 47, online: true},
		devSpec{stage: 1, limit: 20, used: 0, online: true},
		devSpec{stage: 1, limit: 20, used: 1, online: true},
		devSpec{stage: 3, limit: 100, used: 99, online: true},
	)
	remaining := map[string]int{ids[0]: 3, ids[1]: 20, ids[2]: 19, ids[3]: 1}
	e := New(db, Options{})
	for total := 1; total <= 43; total++ {
		allocs, err := e.DistributeMessages(context.Background(), ids, total, ModeWarmupAware)
		if err != nil {
			t.Fatalf("total %d: %v", total, err)
		}
		if got := sum(allocs); got != total {
			t.Errorf("total %d: sum = %d", total, got)
		}
		for _, a := range allocs {
			if a.Count > remaining[a.DeviceID] {
				t.Errorf("total %d: %s got %d > remaining %d", total, a.DeviceID, a.Count, remaining[a.DeviceID])
			}
		}
	}
}

func TestDistributeMessages_OverCapacityProceeds(t *testing.T) {
	db := testDB(t)
	ids := seed(t, db,
		devSpec{limit: 10, online: true},
		devSpec{limit: 20, online: true},
	)
	allocs, err := New(db, Options{}).DistributeMessages(context.Background(), ids, 45, ModeWarmupAware)
	if err != nil {
		t.Fatalf("DistributeMessages: %v", err)
	}
	if got := sum(allocs); got != 45 {
		t.Errorf("sum = %d, want 45", got)
	}
	m := countsByID(allocs)
	if m[ids[0]] != 10 || m[ids[1]] != 35 {
		t.Errorf("allocation = %v, want 10/35", m)
	}
}

func TestDistributeMessages_RoundRobin(t *testing.T) {
	db := testDB(t)
	ids := seed(t, db,
		devSpec{limit: 2, online: true},
		devSpec{limit: 10, online: true},
		devSpec{limit: 10, online: true},
	)
	allocs, err := New(db, Options{}).DistributeMessages(context.Background(), ids, 10, ModeRoundRobin)
	if err != nil {
		t.Fatalf("DistributeMessages: %v", err)
	}
	m := countsByID(allocs)
	if m[ids[0]] != 2 || m[ids[1]] != 4 || m[ids[2]] != 4 {
		t.Errorf("allocation = %v, want 2/4/4", m)
	}

	for _, mode := range []Mode{ModeRandom, ModeLeastUsed} {
		allocs, err := New(db, Options{Seed: 3}).DistributeMessages(context.Background(), ids, 30, mode)
		if err != nil {
			t.Fatalf("%s: %v", mode, err)
		}
		if got := sum(allocs); got != 30 {
			t.Errorf("%s: sum = %d, want 30", mode, got)
		}
	}
}

func TestDistributeMessages_Validation(t *testing.T) {
	db := testDB(t)
	ids := seed(t, db, devSpec{limit: 10, online: true})
	e := New(db, Options{})
	if _, err := e.DistributeMessages(context.Background(), ids, 0, ModeWarmupAware); err == nil {
		t.Error("expected error for zero total")
	}
	if _, err := e.DistributeMessages(context.Background(), ids, 5, Mode("FASTEST")); err == nil {
		t.Error("expected error for unknown mode")
	}
}
