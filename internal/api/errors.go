package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/switchyard/internal/command"
	"github.com/zulandar/switchyard/internal/device"
	"github.com/zulandar/switchyard/internal/outbox"
	"github.com/zulandar/switchyard/internal/rotation"
	"github.com/zulandar/switchyard/internal/schedule"
	"go.uber.org/zap"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string `json:"error"`
}

// statusFor maps package sentinels to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, device.ErrNotFound),
		errors.Is(err, command.ErrNotFound),
		errors.Is(err, schedule.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, schedule.ErrAlreadyScheduled):
		return http.StatusConflict
	case errors.Is(err, rotation.ErrNoDevicesAvailable),
		errors.Is(err, rotation.ErrAllDevicesAtLimit),
		errors.Is(err, schedule.ErrNoCapacity):
		return http.StatusUnprocessableEntity
	case errors.Is(err, outbox.ErrInvalidBatch),
		errors.Is(err, schedule.ErrInvalidRequest):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (h *handlers) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.log.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	c.AbortWithStatusJSON(status, errorBody{Error: err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorBody{Error: msg})
}
