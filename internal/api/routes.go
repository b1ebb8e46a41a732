package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/switchyard/internal/command"
	"github.com/zulandar/switchyard/internal/device"
	"github.com/zulandar/switchyard/internal/models"
	"github.com/zulandar/switchyard/internal/outbox"
	"github.com/zulandar/switchyard/internal/rotation"
	"github.com/zulandar/switchyard/internal/schedule"
	"go.uber.org/zap"
)

type handlers struct {
	Services
	log *zap.Logger
}

// registerRoutes sets up all API routes on the gin router.
func registerRoutes(router *gin.Engine, h *handlers) {
	router.GET("/healthz", h.healthz)
	if h.Gateway != nil {
		router.GET("/ws", h.Gateway.Handler())
	}

	api := router.Group("/api")

	api.POST("/devices", h.registerDevice)
	api.GET("/devices", h.listDevices)
	api.GET("/devices/:id", h.getDevice)
	api.PUT("/devices/:id/stage", h.setStage)
	api.PUT("/devices/:id/active", h.setActive)
	api.GET("/devices/:id/health", h.deviceHealth)
	api.POST("/devices/:id/heal", h.autoHeal)
	api.GET("/devices/:id/timing", h.timing)
	api.GET("/devices/:id/commands", h.listCommands)

	api.GET("/health/summary", h.healthSummary)

	api.GET("/gateway/connections", h.connections)

	api.POST("/rotation/select", h.selectDevice)
	api.POST("/rotation/distribute", h.distribute)

	api.POST("/outbox", h.enqueue)

	api.POST("/campaigns", h.createCampaign)
	api.GET("/campaigns/:id", h.getCampaign)
	api.PATCH("/campaigns/:id/schedule", h.adjustCampaign)
	api.GET("/campaigns/:id/status", h.campaignStatus)
}

// deviceView is the public shape of a device. The token is never included.
type deviceView struct {
	ID                string     `json:"id"`
	UserID            string     `json:"user_id"`
	Name              string     `json:"name,omitempty"`
	PhoneNumber       string     `json:"phone_number,omitempty"`
	IsOnline          bool       `json:"is_online"`
	IsActive          bool       `json:"is_active"`
	Connected         bool       `json:"connected"`
	WarmupStage       int        `json:"warmup_stage"`
	DailyLimit        int        `json:"daily_limit"`
	MessagesSentToday int        `json:"messages_sent_today"`
	BatteryLevel      *int       `json:"battery_level,omitempty"`
	NetworkType       string     `json:"network_type,omitempty"`
	AppVersion        string     `json:"app_version,omitempty"`
	LastSeen          *time.Time `json:"last_seen,omitempty"`
	TotalSent         int64      `json:"total_sent"`
	TotalFailed       int64      `json:"total_failed"`
	CreatedAt         time.Time  `json:"created_at"`
}

func (h *handlers) view(d *models.Device) deviceView {
	return deviceView{
		ID:                d.ID,
		UserID:            d.UserID,
		Name:              d.Name,
		PhoneNumber:       d.PhoneNumber,
		IsOnline:          d.IsOnline,
		IsActive:          d.IsActive,
		Connected:         h.Gateway != nil && h.Gateway.IsConnected(d.ID),
		WarmupStage:       d.WarmupStage,
		DailyLimit:        d.DailyLimit,
		MessagesSentToday: d.MessagesSentToday,
		BatteryLevel:      d.BatteryLevel,
		NetworkType:       d.NetworkType,
		AppVersion:        d.AppVersion,
		LastSeen:          d.LastSeen,
		TotalSent:         d.TotalSent,
		TotalFailed:       d.TotalFailed,
		CreatedAt:         d.CreatedAt,
	}
}

func (h *handlers) healthz(c *gin.Context) {
	connected := 0
	if h.Gateway != nil {
		connected = h.Gateway.Registry().Len()
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "connected": connected})
}

// connections lists the devices with a live socket on this instance.
func (h *handlers) connections(c *gin.Context) {
	ids := []string{}
	if h.Gateway != nil {
		ids = h.Gateway.Registry().DeviceIDs()
	}
	c.JSON(http.StatusOK, gin.H{"count": len(ids), "device_ids": ids})
}

type registerRequest struct {
	UserID      string `json:"user_id" binding:"required"`
	Name        string `json:"name"`
	PhoneNumber string `json:"phone_number"`
	WarmupStage int    `json:"warmup_stage"`
	DailyLimit  int    `json:"daily_limit"`
}

func (h *handlers) registerDevice(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if req.WarmupStage != 0 {
		if _, err := device.StageLimit(req.WarmupStage); err != nil {
			badRequest(c, err.Error())
			return
		}
	}
	if req.DailyLimit < 0 {
		badRequest(c, "daily_limit must not be negative")
		return
	}
	dev, err := device.Register(h.DB.WithContext(c.Request.Context()), device.RegisterOpts{
		UserID:      req.UserID,
		Name:        req.Name,
		PhoneNumber: req.PhoneNumber,
		WarmupStage: req.WarmupStage,
		DailyLimit:  req.DailyLimit,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"device": h.view(dev), "token": dev.Token})
}

func (h *handlers) listDevices(c *gin.Context) {
	devices, err := device.List(h.DB.WithContext(c.Request.Context()), c.Query("user_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]deviceView, 0, len(devices))
	for i := range devices {
		out = append(out, h.view(&devices[i]))
	}
	c.JSON(http.StatusOK, gin.H{"devices": out})
}

func (h *handlers) getDevice(c *gin.Context) {
	dev, err := device.Get(h.DB.WithContext(c.Request.Context()), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.view(dev))
}

func (h *handlers) setStage(c *gin.Context) {
	var req struct {
		Stage int `json:"stage" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if _, err := device.StageLimit(req.Stage); err != nil {
		badRequest(c, err.Error())
		return
	}
	db := h.DB.WithContext(c.Request.Context())
	if err := device.SetWarmupStage(db, c.Param("id"), req.Stage); err != nil {
		h.fail(c, err)
		return
	}
	h.getDevice(c)
}

func (h *handlers) setActive(c *gin.Context) {
	var req struct {
		Active *bool `json:"active" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	db := h.DB.WithContext(c.Request.Context())
	if err := device.SetActive(db, c.Param("id"), *req.Active); err != nil {
		h.fail(c, err)
		return
	}
	h.getDevice(c)
}

func (h *handlers) deviceHealth(c *gin.Context) {
	report, err := h.Health.ComputeHealthScore(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *handlers) autoHeal(c *gin.Context) {
	ctx := c.Request.Context()
	res, err := h.Health.AutoHeal(ctx, c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if h.Gateway != nil {
		for _, id := range []*uint{res.Restart, res.Sync} {
			if id == nil {
				continue
			}
			if cmd, err := command.Get(h.DB.WithContext(ctx), *id); err == nil {
				h.Gateway.DispatchCommand(cmd.DeviceID, cmd)
			}
		}
	}
	c.JSON(http.StatusOK, res)
}

func (h *handlers) timing(c *gin.Context) {
	mt, err := schedule.ParseMessageType(c.Query("type"))
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	t, err := h.Schedule.CalculateOptimalTiming(c.Request.Context(), c.Param("id"), mt)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

type commandView struct {
	ID          uint       `json:"id"`
	CommandType string     `json:"command_type"`
	Priority    int        `json:"priority"`
	Status      string     `json:"status"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func (h *handlers) listCommands(c *gin.Context) {
	db := h.DB.WithContext(c.Request.Context())
	id := c.Param("id")
	if _, err := device.Get(db, id); err != nil {
		h.fail(c, err)
		return
	}
	cmds, err := command.List(db, id, c.Query("status"))
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]commandView, 0, len(cmds))
	for _, cmd := range cmds {
		out = append(out, commandView{
			ID:          cmd.ID,
			CommandType: cmd.CommandType,
			Priority:    cmd.Priority,
			Status:      cmd.Status,
			Result:      cmd.Result,
			Error:       cmd.ErrorMessage,
			SentAt:      cmd.SentAt,
			CompletedAt: cmd.CompletedAt,
			CreatedAt:   cmd.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"commands": out})
}

func (h *handlers) healthSummary(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		badRequest(c, "user_id is required")
		return
	}
	s, err := h.Health.GetHealthSummary(c.Request.Context(), userID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

type rotationRequest struct {
	UserID    string   `json:"user_id"`
	DeviceIDs []string `json:"device_ids"`
	Mode      string   `json:"mode"`
	Total     int      `json:"total"`
}

// candidates resolves the request's device ids, defaulting to every active
// device of the user.
func (h *handlers) candidates(c *gin.Context, req rotationRequest) ([]string, rotation.Mode, bool) {
	mode, err := rotation.ParseMode(req.Mode)
	if err != nil {
		badRequest(c, err.Error())
		return nil, "", false
	}
	ids := req.DeviceIDs
	if len(ids) == 0 {
		if req.UserID == "" {
			badRequest(c, "device_ids or user_id is required")
			return nil, "", false
		}
		ids, err = device.ActiveIDs(h.DB.WithContext(c.Request.Context()), req.UserID)
		if err != nil {
			h.fail(c, err)
			return nil, "", false
		}
	}
	return ids, mode, true
}

func (h *handlers) selectDevice(c *gin.Context) {
	var req rotationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	ids, mode, ok := h.candidates(c, req)
	if !ok {
		return
	}
	dev, err := h.Rotation.SelectDevice(c.Request.Context(), ids, mode)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.view(dev))
}

func (h *handlers) distribute(c *gin.Context) {
	var req rotationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if req.Total <= 0 {
		badRequest(c, "total must be positive")
		return
	}
	ids, mode, ok := h.candidates(c, req)
	if !ok {
		return
	}
	allocs, err := h.Rotation.DistributeMessages(c.Request.Context(), ids, req.Total, mode)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"allocations": allocs})
}

func (h *handlers) enqueue(c *gin.Context) {
	var b outbox.Batch
	if err := c.ShouldBindJSON(&b); err != nil {
		badRequest(c, err.Error())
		return
	}
	mode, err := rotation.ParseMode(string(b.Mode))
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	b.Mode = mode
	res, err := h.Outbox.Enqueue(c.Request.Context(), b)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, res)
}

type campaignRequest struct {
	CampaignID    string    `json:"campaign_id" binding:"required"`
	DeviceIDs     []string  `json:"device_ids"`
	TotalMessages int       `json:"total_messages"`
	MessageType   string    `json:"message_type"`
	StartAt       time.Time `json:"start_at"`
	DailyCap      int       `json:"daily_cap"`
}

func (h *handlers) createCampaign(c *gin.Context) {
	var req campaignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	mt, err := schedule.ParseMessageType(req.MessageType)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	p, err := h.Schedule.ScheduleSmartCampaign(c.Request.Context(), req.CampaignID, schedule.CampaignOpts{
		DeviceIDs:     req.DeviceIDs,
		TotalMessages: req.TotalMessages,
		MessageType:   mt,
		StartAt:       req.StartAt,
		DailyCap:      req.DailyCap,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (h *handlers) getCampaign(c *gin.Context) {
	p, err := h.Schedule.GetPlan(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *handlers) adjustCampaign(c *gin.Context) {
	var adj schedule.Adjustment
	if err := c.ShouldBindJSON(&adj); err != nil {
		badRequest(c, err.Error())
		return
	}
	p, err := h.Schedule.AdjustSchedule(c.Request.Context(), c.Param("id"), adj)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *handlers) campaignStatus(c *gin.Context) {
	now := time.Now()
	if at := c.Query("at"); at != "" {
		parsed, err := time.Parse(time.RFC3339, at)
		if err != nil {
			badRequest(c, "at must be RFC3339: "+strconv.Quote(at))
			return
		}
		now = parsed
	}
	st, err := h.Schedule.ScheduleStatus(c.Request.Context(), c.Param("id"), now)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}
