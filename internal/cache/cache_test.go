package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

type point struct {
	Hour  int     `json:"hour"`
	Score float64 `json:"score"`
}

func newTestMemory(now *time.Time) *Memory {
	m := NewMemory()
	m.now = func() time.Time { return *now }
	return m
}

func TestMemory_SetGet(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m := newTestMemory(&now)
	ctx := context.Background()

	if err := m.Set(ctx, "k", point{Hour: 9, Score: 0.8}, time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}

	var got point
	ok, err := m.Get(ctx, "k", &got)
	if err != nil || !ok {
		t.Fatalf("Get = %v, %v; want hit", ok, err)
	}
	if got.Hour != 9 || got.Score != 0.8 {
		t.Errorf("Get = %+v, want {9 0.8}", got)
	}
}

func TestMemory_Expiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m := newTestMemory(&now)
	ctx := context.Background()

	m.Set(ctx, "k", 1, time.Minute)
	now = now.Add(time.Minute)

	var got int
	ok, _ := m.Get(ctx, "k", &got)
	if ok {
		t.Error("expected miss at exact expiry")
	}
	if m.Len() != 0 {
		t.Errorf("Len = %d, want 0 after lazy eviction", m.Len())
	}
}

func TestMemory_ZeroTTLNotStored(t *testing.T) {
	m := NewMemory()
	m.Set(context.Background(), "k", 1, 0)
	if m.Len() != 0 {
		t.Errorf("Len = %d, want 0", m.Len())
	}
}

func TestMemory_DeleteAndPurge(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m := newTestMemory(&now)
	ctx := context.Background()

	m.Set(ctx, "a", 1, time.Minute)
	m.Set(ctx, "b", 2, time.Hour)
	m.Set(ctx, "c", 3, time.Hour)
	m.Delete(ctx, "c")

	now = now.Add(2 * time.Minute)
	if n := m.Purge(); n != 1 {
		t.Errorf("Purge = %d, want 1", n)
	}
	if m.Len() != 1 {
		t.Errorf("Len = %d, want 1", m.Len())
	}
}

func TestLoad_CachesResult(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	calls := 0
	fn := func(context.Context) (int, error) {
		calls++
		return 42, nil
	}

	for i := 0; i < 3; i++ {
		v, err := Load(ctx, m, "answer", time.Minute, fn)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if v != 42 {
			t.Errorf("Load = %d, want 42", v)
		}
	}
	if calls != 1 {
		t.Errorf("fn called %d times, want 1", calls)
	}
}

func TestLoad_ErrorNotCached(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	boom := errors.New("boom")

	_, err := Load(ctx, m, "k", time.Minute, func(context.Context) (int, error) { return 0, boom })
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if m.Len() != 0 {
		t.Errorf("Len = %d, want 0", m.Len())
	}
}

func TestLoad_NilStore(t *testing.T) {
	v, err := Load(context.Background(), nil, "k", time.Minute, func(context.Context) (string, error) { return "x", nil })
	if err != nil || v != "x" {
		t.Errorf("Load = %q, %v", v, err)
	}
}

func TestKey(t *testing.T) {
	tests := []struct {
		prefix string
		parts  []string
		want   string
	}{
		{"switchyard", []string{"timing", "dev-1"}, "switchyard:timing:dev-1"},
		{"switchyard", []string{"timing", "", "dev-1"}, "switchyard:timing:dev-1"},
		{"", []string{"health", "u1"}, "health:u1"},
	}
	for _, tt := range tests {
		if got := Key(tt.prefix, tt.parts...); got != tt.want {
			t.Errorf("Key(%q, %v) = %q, want %q", tt.prefix, tt.parts, got, tt.want)
		}
	}
}

func TestNewRedis_RequiresAddr(t *testing.T) {
	if _, err := NewRedis(context.Background(), RedisOpts{}); err == nil {
		t.Fatal("expected error for empty addr")
	}
}
