package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/zulandar/switchyard/internal/device"
	"github.com/zulandar/switchyard/internal/models"
	"github.com/zulandar/switchyard/internal/msglog"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Campaign errors.
var (
	ErrNoCapacity       = errors.New("schedule: no sending capacity")
	ErrNotFound         = errors.New("schedule: campaign not found")
	ErrAlreadyScheduled = errors.New("schedule: campaign already scheduled")
	ErrInvalidRequest   = errors.New("schedule: invalid request")
)

// campaignSlots is the number of send hours used per campaign day.
const campaignSlots = 8

const dateLayout = "2006-01-02"

// Slot is one send hour of a campaign day.
type Slot struct {
	Hour     int `json:"hour"`
	Messages int `json:"messages"`
}

// DayPlan is one day of a campaign.
type DayPlan struct {
	Day       int      `json:"day"` // 1-based
	Date      string   `json:"date"`
	Messages  int      `json:"messages"`
	Slots     []Slot   `json:"slots"`
	DeviceIDs []string `json:"device_ids"`
}

// Plan is a campaign's multi-day send schedule.
type Plan struct {
	CampaignID    string      `json:"campaign_id"`
	MessageType   MessageType `json:"message_type"`
	TotalMessages int         `json:"total_messages"`
	DailyCapacity int         `json:"daily_capacity"`
	DaysNeeded    int         `json:"days_needed"`
	StartDate     time.Time   `json:"start_date"`
	Hours         []int       `json:"hours"`
	DeviceIDs     []string    `json:"device_ids"`
	Days          []DayPlan   `json:"days"`
}

// planBody is the JSON stored in CampaignSchedule.Plan.
type planBody struct {
	Hours []int     `json:"hours"`
	Days  []DayPlan `json:"days"`
}

// CampaignOpts holds the inputs of ScheduleSmartCampaign.
type CampaignOpts struct {
	DeviceIDs     []string
	TotalMessages int
	MessageType   MessageType
	StartAt       time.Time // default now
	DailyCap      int       // optional upper bound on messages per day
}

// ScheduleSmartCampaign plans total messages over as many days as the
// devices' remaining daily capacity requires. Each day sends in the 8 hours
// most often ranked best across the devices' timings. The plan is persisted.
func (o *Optimizer) ScheduleSmartCampaign(ctx context.Context, campaignID string, opts CampaignOpts) (*Plan, error) {
	if campaignID == "" {
		return nil, fmt.Errorf("%w: campaign id is required", ErrInvalidRequest)
	}
	if opts.TotalMessages <= 0 {
		return nil, fmt.Errorf("%w: total messages must be positive", ErrInvalidRequest)
	}
	if len(opts.DeviceIDs) == 0 {
		return nil, fmt.Errorf("%w: at least one device is required", ErrInvalidRequest)
	}
	if opts.MessageType == "" {
		opts.MessageType = Business
	}
	if opts.StartAt.IsZero() {
		opts.StartAt = o.now()
	}

	db := o.db.WithContext(ctx)
	var existing int64
	if err := db.Model(&models.CampaignSchedule{}).Where("campaign_id = ?", campaignID).Count(&existing).Error; err != nil {
		return nil, fmt.Errorf("schedule: check campaign %s: %w", campaignID, err)
	}
	if existing > 0 {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyScheduled, campaignID)
	}

	devices, err := device.ListByIDs(db, opts.DeviceIDs)
	if err != nil {
		return nil, err
	}
	capacity := 0
	var ids []string
	votes := map[int]int{}
	for i := range devices {
		d := &devices[i]
		if !d.IsActive {
			continue
		}
		capacity += d.RemainingCapacity()
		ids = append(ids, d.ID)

		t, err := o.CalculateOptimalTiming(ctx, d.ID, opts.MessageType)
		if err != nil {
			return nil, err
		}
		for _, h := range t.Hours {
			votes[h]++
		}
	}
	if opts.DailyCap > 0 && opts.DailyCap < capacity {
		capacity = opts.DailyCap
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: campaign %s", ErrNoCapacity, campaignID)
	}

	p := &Plan{
		CampaignID:    campaignID,
		MessageType:   opts.MessageType,
		TotalMessages: opts.TotalMessages,
		DailyCapacity: capacity,
		StartDate:     startOfDay(opts.StartAt.In(o.loc)),
		Hours:         topVoted(votes, campaignSlots),
		DeviceIDs:     ids,
	}
	p.Days = buildDays(p.StartDate, 1, opts.TotalMessages, capacity, p.Hours, ids)
	p.DaysNeeded = len(p.Days)

	if err := o.save(db, p, true); err != nil {
		return nil, err
	}
	o.log.Info("campaign scheduled",
		zap.String("campaign_id", campaignID),
		zap.Int("total", p.TotalMessages),
		zap.Int("daily_capacity", capacity),
		zap.Int("days", p.DaysNeeded))
	return p, nil
}

// topVoted returns up to n hours with the most votes, in chronological order.
func topVoted(votes map[int]int, n int) []int {
	hours := make([]int, 0, len(votes))
	for h := range votes {
		hours = append(hours, h)
	}
	sort.Slice(hours, func(i, j int) bool {
		if votes[hours[i]] != votes[hours[j]] {
			return votes[hours[i]] > votes[hours[j]]
		}
		return hours[i] < hours[j]
	})
	if len(hours) > n {
		hours = hours[:n]
	}
	sort.Ints(hours)
	return hours
}

// buildDays lays out total messages from day number first onward, at most
// capacity per day, spread evenly over hours. Earlier hours take the
// remainder.
func buildDays(start time.Time, first, total, capacity int, hours []int, deviceIDs []string) []DayPlan {
	var days []DayPlan
	left := total
	for day := first; left > 0; day++ {
		n := min(capacity, left)
		left -= n
		days = append(days, DayPlan{
			Day:       day,
			Date:      start.AddDate(0, 0, day-1).Format(dateLayout),
			Messages:  n,
			Slots:     splitSlots(n, hours),
			DeviceIDs: append([]string(nil), deviceIDs...),
		})
	}
	return days
}

func splitSlots(n int, hours []int) []Slot {
	if len(hours) == 0 {
		return nil
	}
	slots := make([]Slot, len(hours))
	base, extra := n/len(hours), n%len(hours)
	for i, h := range hours {
		slots[i] = Slot{Hour: h, Messages: base}
		if i < extra {
			slots[i].Messages++
		}
	}
	return slots
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// Adjustment changes a plan from day FromDay onward. Days before FromDay are
// left exactly as they were.
type Adjustment struct {
	DailyCap          *int     `json:"daily_cap,omitempty"`
	ExcludeHours      []int    `json:"exclude_hours,omitempty"`
	PriorityDeviceIDs []string `json:"priority_device_ids,omitempty"`
	FromDay           int      `json:"from_day"` // 1-based, default 1
}

// AdjustSchedule re-plans the days from adj.FromDay with a new daily cap,
// without the excluded hours and with the priority devices moved to the
// front. The number of days grows or shrinks to fit the remaining messages.
func (o *Optimizer) AdjustSchedule(ctx context.Context, campaignID string, adj Adjustment) (*Plan, error) {
	db := o.db.WithContext(ctx)
	p, err := o.load(db, campaignID)
	if err != nil {
		return nil, err
	}

	from := adj.FromDay
	if from == 0 {
		from = 1
	}
	if from < 1 || from > len(p.Days) {
		return nil, fmt.Errorf("%w: from_day %d out of range [1,%d]", ErrInvalidRequest, from, len(p.Days))
	}

	capacity := p.DailyCapacity
	if adj.DailyCap != nil {
		if *adj.DailyCap <= 0 {
			return nil, fmt.Errorf("%w: daily cap must be positive", ErrInvalidRequest)
		}
		capacity = *adj.DailyCap
	}

	hours := p.Hours
	if len(adj.ExcludeHours) > 0 {
		excluded := make(map[int]bool, len(adj.ExcludeHours))
		for _, h := range adj.ExcludeHours {
			excluded[h] = true
		}
		hours = nil
		for _, h := range p.Hours {
			if !excluded[h] {
				hours = append(hours, h)
			}
		}
		if len(hours) == 0 {
			return nil, fmt.Errorf("%w: adjustment excludes every send hour", ErrInvalidRequest)
		}
	}

	ids := prioritize(p.DeviceIDs, adj.PriorityDeviceIDs)

	kept := p.Days[:from-1]
	planned := 0
	for _, d := range kept {
		planned += d.Messages
	}
	p.Days = append(append([]DayPlan(nil), kept...),
		buildDays(p.StartDate, from, p.TotalMessages-planned, capacity, hours, ids)...)
	p.DaysNeeded = len(p.Days)
	p.DailyCapacity = capacity
	p.Hours = hours
	p.DeviceIDs = ids

	if err := o.save(db, p, false); err != nil {
		return nil, err
	}
	o.log.Info("campaign adjusted",
		zap.String("campaign_id", campaignID),
		zap.Int("from_day", from),
		zap.Int("days", p.DaysNeeded))
	return p, nil
}

// prioritize moves the known ids in priority to the front of ids, keeping
// the relative order of the rest.
func prioritize(ids, priority []string) []string {
	known := make(map[string]bool, len(ids))
	for _, id := range ids {
		known[id] = true
	}
	out := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range priority {
		if known[id] && !seen[id] {
			out = append(out, id)
			seen[id] = true
		}
	}
	for _, id := range ids {
		if !seen[id] {
			out = append(out, id)
		}
	}
	return out
}

// Progress is a campaign's plan merged with live log counts.
type Progress struct {
	CampaignID    string           `json:"campaign_id"`
	TotalMessages int              `json:"total_messages"`
	Counts        map[string]int64 `json:"counts"`
	Completed     int64            `json:"completed"`
	CompletionPct float64          `json:"completion_pct"`
	DaysNeeded    int              `json:"days_needed"`
	NextSlot      *time.Time       `json:"next_slot,omitempty"`
}

// ScheduleStatus reports progress for a campaign: messages with an outcome
// (SENT, DELIVERED or FAILED) over the total, and the next planned send
// hour after now.
func (o *Optimizer) ScheduleStatus(ctx context.Context, campaignID string, now time.Time) (*Progress, error) {
	db := o.db.WithContext(ctx)
	p, err := o.load(db, campaignID)
	if err != nil {
		return nil, err
	}
	counts, err := msglog.CampaignCounts(db, campaignID)
	if err != nil {
		return nil, err
	}

	done := counts[models.LogSent] + counts[models.LogDelivered] + counts[models.LogFailed]
	pct := 0.0
	if p.TotalMessages > 0 {
		pct = min(100, float64(done)*100/float64(p.TotalMessages))
	}
	return &Progress{
		CampaignID:    campaignID,
		TotalMessages: p.TotalMessages,
		Counts:        counts,
		Completed:     done,
		CompletionPct: pct,
		DaysNeeded:    p.DaysNeeded,
		NextSlot:      o.nextSlot(p, now),
	}, nil
}

func (o *Optimizer) nextSlot(p *Plan, now time.Time) *time.Time {
	for _, d := range p.Days {
		date, err := time.ParseInLocation(dateLayout, d.Date, o.loc)
		if err != nil {
			continue
		}
		for _, s := range d.Slots {
			if s.Messages == 0 {
				continue
			}
			at := date.Add(time.Duration(s.Hour) * time.Hour)
			if at.After(now) {
				return &at
			}
		}
	}
	return nil
}

// GetPlan loads a persisted plan.
func (o *Optimizer) GetPlan(ctx context.Context, campaignID string) (*Plan, error) {
	return o.load(o.db.WithContext(ctx), campaignID)
}

func (o *Optimizer) load(db *gorm.DB, campaignID string) (*Plan, error) {
	var row models.CampaignSchedule
	if err := db.Where("campaign_id = ?", campaignID).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, campaignID)
		}
		return nil, fmt.Errorf("schedule: load %s: %w", campaignID, err)
	}

	p := &Plan{
		CampaignID:    row.CampaignID,
		MessageType:   MessageType(row.MessageType),
		TotalMessages: row.TotalMessages,
		DailyCapacity: row.DailyCapacity,
		DaysNeeded:    row.DaysNeeded,
		StartDate:     row.StartDate.In(o.loc),
	}
	if len(row.DeviceIDs) > 0 {
		if err := json.Unmarshal(row.DeviceIDs, &p.DeviceIDs); err != nil {
			return nil, fmt.Errorf("schedule: decode devices %s: %w", campaignID, err)
		}
	}
	var body planBody
	if len(row.Plan) > 0 {
		if err := json.Unmarshal(row.Plan, &body); err != nil {
			return nil, fmt.Errorf("schedule: decode plan %s: %w", campaignID, err)
		}
	}
	p.Hours = body.Hours
	p.Days = body.Days
	return p, nil
}

func (o *Optimizer) save(db *gorm.DB, p *Plan, create bool) error {
	ids, err := json.Marshal(p.DeviceIDs)
	if err != nil {
		return fmt.Errorf("schedule: encode devices: %w", err)
	}
	body, err := json.Marshal(planBody{Hours: p.Hours, Days: p.Days})
	if err != nil {
		return fmt.Errorf("schedule: encode plan: %w", err)
	}

	if create {
		row := models.CampaignSchedule{
			CampaignID:    p.CampaignID,
			MessageType:   string(p.MessageType),
			TotalMessages: p.TotalMessages,
			DailyCapacity: p.DailyCapacity,
			DaysNeeded:    p.DaysNeeded,
			StartDate:     p.StartDate,
			DeviceIDs:     datatypes.JSON(ids),
			Plan:          datatypes.JSON(body),
		}
		if err := db.Create(&row).Error; err != nil {
			return fmt.Errorf("schedule: save %s: %w", p.CampaignID, err)
		}
		return nil
	}

	if err := db.Model(&models.CampaignSchedule{}).Where("campaign_id = ?", p.CampaignID).Updates(map[string]interface{}{
		"daily_capacity": p.DailyCapacity,
		"days_needed":    p.DaysNeeded,
		"device_ids":     datatypes.JSON(ids),
		"plan":           datatypes.JSON(body),
	}).Error; err != nil {
		return fmt.Errorf("schedule: update %s: %w", p.CampaignID, err)
	}
	return nil
}
