// Package rotation picks sending devices and splits message batches across
// them within their daily limits.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zulandar/switchyard/internal/logging"
	"github.com/zulandar/switchyard/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Mode selects how devices are chosen.
type Mode string

// Rotation modes.
const (
	ModeRandom      Mode = "RANDOM"
	ModeRoundRobin  Mode = "ROUND_ROBIN"
	ModeLeastUsed   Mode = "LEAST_USED"
	ModeWarmupAware Mode = "WARMUP_AWARE"
)

// Selection errors.
var (
	ErrNoDevicesAvailable = errors.New("rotation: no devices available")
	ErrAllDevicesAtLimit  = errors.New("rotation: all devices at daily limit")
)

// ParseMode converts s to a Mode. An empty string yields ModeWarmupAware.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToUpper(strings.TrimSpace(s))); m {
	case "":
		return ModeWarmupAware, nil
	case ModeRandom, ModeRoundRobin, ModeLeastUsed, ModeWarmupAware:
		return m, nil
	}
	return "", fmt.Errorf("rotation: unknown mode %q", s)
}

// HealthRanker scores devices 0–100.
type HealthRanker interface {
	HealthScore(ctx context.Context, deviceID string) (int, error)
}

// Options configures an Engine.
type Options struct {
	// MinHealthScore excludes devices scoring below it. Requires Ranker.
	MinHealthScore int
	Ranker         HealthRanker
	Logger         *zap.Logger
	Seed           int64 // RANDOM mode seed; 0 seeds from the clock
}

// Allocation is one device's share of a batch.
type Allocation struct {
	DeviceID string `json:"device_id"`
	Count    int    `json:"count"`
}

// Engine selects devices. Capacity is read without locking, so concurrent
// callers may over-allocate a device; callers that need a hard bound must
// serialise themselves.
type Engine struct {
	db   *gorm.DB
	opts Options
	log  *zap.Logger

	mu     sync.Mutex
	cursor int
	rng    *rand.Rand
}

// New creates an Engine.
func New(db *gorm.DB, opts Options) *Engine {
	log := logging.OrNop(opts.Logger)
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Engine{
		db:   db,
		opts: opts,
		log:  log.Named("rotation"),
		rng:  rand.New(rand.NewSource(seed)),
	}
}

// eligible loads the candidates that are active, online, healthy enough and
// under their daily limit.
func (e *Engine) eligible(ctx context.Context, candidateIDs []string) ([]models.Device, error) {
	if len(candidateIDs) == 0 {
		return nil, ErrNoDevicesAvailable
	}
	var devices []models.Device
	if err := e.db.WithContext(ctx).
		Where("id IN ? AND is_active = ? AND is_online = ?", candidateIDs, true, true).
		Order("id ASC").
		Find(&devices).Error; err != nil {
		return nil, fmt.Errorf("rotation: load devices: %w", err)
	}

	if e.opts.Ranker != nil && e.opts.MinHealthScore > 0 {
		healthy := devices[:0]
		for _, d := range devices {
			score, err := e.opts.Ranker.HealthScore(ctx, d.ID)
			if err != nil {
				e.log.Warn("health score unavailable", zap.String("device_id", d.ID), zap.Error(err))
				continue
			}
			if score >= e.opts.MinHealthScore {
				healthy = append(healthy, d)
			}
		}
		devices = healthy
	}
	if len(devices) == 0 {
		return nil, ErrNoDevicesAvailable
	}

	var open []models.Device
	for _, d := range devices {
		if d.MessagesSentToday < d.DailyLimit {
			open = append(open, d)
		}
	}
	if len(open) == 0 {
		return nil, ErrAllDevicesAtLimit
	}
	return open, nil
}

// SelectDevice picks one eligible device from candidateIDs.
func (e *Engine) SelectDevice(ctx context.Context, candidateIDs []string, mode Mode) (*models.Device, error) {
	devices, err := e.eligible(ctx, candidateIDs)
	if err != nil {
		return nil, err
	}

	var pick models.Device
	switch mode {
	case ModeRandom:
		e.mu.Lock()
		pick = devices[e.rng.Intn(len(devices))]
		e.mu.Unlock()
	case ModeRoundRobin:
		pick = devices[e.advance(len(devices))]
	case ModeLeastUsed:
		pick = devices[0]
		for _, d := range devices[1:] {
			if d.MessagesSentToday < pick.MessagesSentToday {
				pick = d
			}
		}
	case ModeWarmupAware, "":
		sortWarmup(devices)
		pick = devices[0]
	default:
		return nil, fmt.Errorf("rotation: unknown mode %q", mode)
	}
	return &pick, nil
}

// advance returns the round-robin index for a pool of size n and moves the
// cursor on.
func (e *Engine) advance(n int) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := e.cursor % n
	e.cursor++
	return i
}

// sortWarmup orders devices by warm-up stage descending, then remaining
// capacity descending, then utilization ascending.
func sortWarmup(devices []models.Device) {
	sort.SliceStable(devices, func(i, j int) bool {
		a, b := &devices[i], &devices[j]
		if a.WarmupStage != b.WarmupStage {
			return a.WarmupStage > b.WarmupStage
		}
		if ra, rb := a.RemainingCapacity(), b.RemainingCapacity(); ra != rb {
			return ra > rb
		}
		return a.Utilization() < b.Utilization()
	})
}

// DistributeMessages splits total messages across the eligible candidates.
// When total exceeds the pool's remaining capacity the split still covers
// every message and a warning is logged.
func (e *Engine) DistributeMessages(ctx context.Context, candidateIDs []string, total int, mode Mode) ([]Allocation, error) {
	if total <= 0 {
		return nil, fmt.Errorf("rotation: total must be positive, got %d", total)
	}
	devices, err := e.eligible(ctx, candidateIDs)
	if err != nil {
		return nil, err
	}

	remaining := 0
	for i := range devices {
		remaining += devices[i].RemainingCapacity()
	}
	if total > remaining {
		e.log.Warn("batch exceeds remaining capacity",
			zap.Int("total", total),
			zap.Int("remaining", remaining),
			zap.Int("devices", len(devices)))
	}

	var counts []int
	switch mode {
	case ModeWarmupAware, "":
		sortWarmup(devices)
		counts = proportional(devices, total, remaining)
	case ModeRoundRobin:
		counts = roundRobin(devices, total, e.advance(len(devices)))
	case ModeRandom:
		e.mu.Lock()
		e.rng.Shuffle(len(devices), func(i, j int) { devices[i], devices[j] = devices[j], devices[i] })
		e.mu.Unlock()
		counts = roundRobin(devices, total, 0)
	case ModeLeastUsed:
		sort.SliceStable(devices, func(i, j int) bool {
			return devices[i].MessagesSentToday < devices[j].MessagesSentToday
		})
		counts = roundRobin(devices, total, 0)
	default:
		return nil, fmt.Errorf("rotation: unknown mode %q", mode)
	}

	out := make([]Allocation, 0, len(devices))
	for i, n := range counts {
		if n > 0 {
			out = append(out, Allocation{DeviceID: devices[i].ID, Count: n})
		}
	}
	return out, nil
}

// proportional gives each device floor(total*remaining_i/remaining), capped
// by its own capacity and by what is still unallocated. The rounding
// remainder goes to the device with the most remaining capacity, spilling to
// the next one only when that device is full. Anything beyond pool capacity
// lands on the largest device.
func proportional(devices []models.Device, total, remaining int) []int {
	counts := make([]int, len(devices))
	left := total
	for i := range devices {
		room := devices[i].RemainingCapacity()
		share := int(int64(total) * int64(room) / int64(remaining))
		share = min(share, room, left)
		counts[i] = share
		left -= share
	}
	if left == 0 {
		return counts
	}

	order := make([]int, len(devices))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return devices[order[a]].RemainingCapacity() > devices[order[b]].RemainingCapacity()
	})
	for _, i := range order {
		if left == 0 {
			break
		}
		take := min(devices[i].RemainingCapacity()-counts[i], left)
		if take <= 0 {
			continue
		}
		counts[i] += take
		left -= take
	}
	counts[order[0]] += left
	return counts
}

// roundRobin hands out messages one at a time starting at start, skipping
// devices that are full. Once every device is full it keeps rotating.
func roundRobin(devices []models.Device, total, start int) []int {
	n := len(devices)
	counts := make([]int, n)
	pos := start % n
	for k := 0; k < total; k++ {
		target := pos
		for step := 0; step < n; step++ {
			i := (pos + step) % n
			if counts[i] < devices[i].RemainingCapacity() {
				target = i
				break
			}
		}
		counts[target]++
		pos = (target + 1) % n
	}
	return counts
}
