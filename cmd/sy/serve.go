package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchyard/internal/alert"
	"github.com/zulandar/switchyard/internal/api"
	"github.com/zulandar/switchyard/internal/config"
	"github.com/zulandar/switchyard/internal/db"
	"github.com/zulandar/switchyard/internal/events"
	"github.com/zulandar/switchyard/internal/gateway"
	"github.com/zulandar/switchyard/internal/health"
	"github.com/zulandar/switchyard/internal/jobs"
	"github.com/zulandar/switchyard/internal/logging"
	"github.com/zulandar/switchyard/internal/outbox"
	"github.com/zulandar/switchyard/internal/rotation"
	"github.com/zulandar/switchyard/internal/schedule"
	"go.uber.org/zap"
)

func newServeCmd() *cobra.Command {
	var configPath string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the device gateway, HTTP API and maintenance jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if port > 0 {
				cfg.Gateway.Port = port
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cmd, cfg)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (overrides gateway.port)")
	return cmd
}

func runServe(ctx context.Context, cmd *cobra.Command, cfg *config.Config) error {
	log := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	defer log.Sync()

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}

	store, closeCache := newCache(ctx, cfg, log)
	defer closeCache()

	var pub events.Publisher = events.Nop{Log: log}
	if cfg.AMQP.URL != "" {
		p, err := events.DialAMQP(cfg.AMQP.URL, cfg.AMQP.Exchange, log)
		if err != nil {
			log.Warn("amqp unavailable, status callbacks disabled", zap.Error(err))
		} else {
			pub = p
		}
	}
	defer pub.Close()

	gw, err := gateway.New(gormDB, gateway.Options{
		PingInterval: cfg.Gateway.PingInterval,
		FlushLimit:   cfg.Gateway.PendingFlushLimit,
		SendBuffer:   cfg.Gateway.SendBuffer,
		MaxMessage:   cfg.Gateway.MaxMessageSize,
		Publisher:    pub,
		Logger:       log,
	})
	if err != nil {
		return err
	}

	scorer := health.NewScorer(gormDB, health.Options{
		Cache:      store,
		SummaryTTL: cfg.Health.CacheTTL,
		Logger:     log,
	})
	engine := rotation.New(gormDB, rotation.Options{
		MinHealthScore: int(cfg.Health.MinSelectScore),
		Ranker:         scorer,
		Logger:         log,
	})
	optimizer := schedule.NewOptimizer(gormDB, schedule.Options{
		Cache:    store,
		CacheTTL: cfg.Schedule.CacheTTL,
		Location: cfg.Location(),
		Logger:   log,
	})

	notifier, err := newNotifier(cfg.Alerts, log)
	if err != nil {
		return err
	}
	defer notifier.Close()

	runner, err := jobs.New(gormDB, scorer, jobs.Options{
		ResetCron:   cfg.Health.ResetCron,
		SweepCron:   cfg.Health.SweepCron,
		Location:    cfg.Location(),
		Notifier:    notifier,
		Connections: gw,
		Cache:       store,
		Logger:      log,
	})
	if err != nil {
		return err
	}
	if err := runner.Start(ctx); err != nil {
		return err
	}

	go gw.Run(ctx)
	defer gw.Shutdown()

	return api.Start(ctx, api.StartOpts{
		Services: api.Services{
			DB:       gormDB,
			Gateway:  gw,
			Rotation: engine,
			Health:   scorer,
			Schedule: optimizer,
			Outbox:   outbox.New(gormDB, engine, gw, log),
			Logger:   log,
		},
		Port: cfg.Gateway.Port,
		Out:  cmd.OutOrStdout(),
	})
}

// newNotifier builds the alert fan-out from the configured chat channels.
func newNotifier(cfg config.AlertsConfig, log *zap.Logger) (alert.Notifier, error) {
	var m alert.Multi
	if cfg.Slack.BotToken != "" {
		s, err := alert.NewSlack(alert.SlackOpts{BotToken: cfg.Slack.BotToken, ChannelID: cfg.Slack.ChannelID})
		if err != nil {
			return nil, err
		}
		m = append(m, s)
	}
	if cfg.Discord.BotToken != "" {
		d, err := alert.NewDiscord(alert.DiscordOpts{BotToken: cfg.Discord.BotToken, ChannelID: cfg.Discord.ChannelID})
		if err != nil {
			return nil, err
		}
		m = append(m, d)
	}
	if len(m) == 0 {
		return alert.Nop{Log: log}, nil
	}
	return m, nil
}
