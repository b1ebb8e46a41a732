// Package api serves the collaborator HTTP API and the device websocket
// endpoint on one gin router.
package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/switchyard/internal/gateway"
	"github.com/zulandar/switchyard/internal/health"
	"github.com/zulandar/switchyard/internal/logging"
	"github.com/zulandar/switchyard/internal/outbox"
	"github.com/zulandar/switchyard/internal/rotation"
	"github.com/zulandar/switchyard/internal/schedule"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Services are the components the API exposes. Gateway may be nil, in which
// case /ws is not mounted and outbox commands wait for the next connect.
type Services struct {
	DB       *gorm.DB
	Gateway  *gateway.Gateway
	Rotation *rotation.Engine
	Health   *health.Scorer
	Schedule *schedule.Optimizer
	Outbox   *outbox.Outbox
	Logger   *zap.Logger
}

// StartOpts holds configuration for the API server.
type StartOpts struct {
	Services
	Port int
	Out  io.Writer
}

// NewRouter builds the gin router with every route registered.
func NewRouter(s Services) (*gin.Engine, error) {
	if s.DB == nil {
		return nil, fmt.Errorf("api: db is required")
	}
	s.Logger = logging.OrNop(s.Logger)
	if s.Rotation == nil {
		s.Rotation = rotation.New(s.DB, rotation.Options{Logger: s.Logger})
	}
	if s.Health == nil {
		s.Health = health.NewScorer(s.DB, health.Options{Logger: s.Logger})
	}
	if s.Schedule == nil {
		s.Schedule = schedule.NewOptimizer(s.DB, schedule.Options{Logger: s.Logger})
	}
	if s.Outbox == nil {
		var disp outbox.Dispatcher
		if s.Gateway != nil {
			disp = s.Gateway
		}
		s.Outbox = outbox.New(s.DB, s.Rotation, disp, s.Logger)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, &handlers{Services: s, log: s.Logger.Named("api")})
	return router, nil
}

// Start launches the HTTP server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Port <= 0 {
		opts.Port = 8080
	}
	gin.SetMode(gin.ReleaseMode)
	router, err := NewRouter(opts.Services)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Switchyard listening on http://localhost:%d (websocket at /ws)\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}
