// Package config provides YAML-based configuration loading for Switchyard.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config is the top-level Switchyard configuration, loaded from switchyard.yaml.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Health   HealthConfig   `yaml:"health"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Redis    RedisConfig    `yaml:"redis"`
	AMQP     AMQPConfig     `yaml:"amqp"`
	Alerts   AlertsConfig   `yaml:"alerts"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DatabaseConfig selects the SQL backend. Driver is one of mysql, postgres, sqlite.
type DatabaseConfig struct {
	Driver   string `yaml:"driver" env:"SWITCHYARD_DB_DRIVER"`
	Host     string `yaml:"host" env:"SWITCHYARD_DB_HOST"`
	Port     int    `yaml:"port" env:"SWITCHYARD_DB_PORT"`
	User     string `yaml:"user" env:"SWITCHYARD_DB_USER"`
	Password string `yaml:"password" env:"SWITCHYARD_DB_PASSWORD"`
	Database string `yaml:"database" env:"SWITCHYARD_DB_NAME"`
	SSLMode  string `yaml:"sslmode" env:"SWITCHYARD_DB_SSLMODE"`
	Path     string `yaml:"path" env:"SWITCHYARD_DB_PATH"` // sqlite file
}

// GatewayConfig holds websocket gateway and HTTP API settings.
type GatewayConfig struct {
	Port              int           `yaml:"port" env:"SWITCHYARD_PORT"`
	PingInterval      time.Duration `yaml:"ping_interval" env:"SWITCHYARD_PING_INTERVAL"`
	PendingFlushLimit int           `yaml:"pending_flush_limit"`
	SendBuffer        int           `yaml:"send_buffer"`
	MaxMessageSize    int64         `yaml:"max_message_size"`
}

// HealthConfig controls the health sweep and summary caching.
type HealthConfig struct {
	CacheTTL       time.Duration `yaml:"cache_ttl"`
	SweepCron      string        `yaml:"sweep_cron"`
	ResetCron      string        `yaml:"reset_cron"`
	MinSelectScore float64       `yaml:"min_select_score"`
}

// ScheduleConfig controls the timing optimizer.
type ScheduleConfig struct {
	Timezone string        `yaml:"timezone" env:"SWITCHYARD_TIMEZONE"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// RedisConfig enables the shared Redis cache when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"SWITCHYARD_REDIS_ADDR"`
	Password string `yaml:"password" env:"SWITCHYARD_REDIS_PASSWORD"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// AMQPConfig enables status callbacks over RabbitMQ when URL is set.
type AMQPConfig struct {
	URL      string `yaml:"url" env:"SWITCHYARD_AMQP_URL"`
	Exchange string `yaml:"exchange"`
}

// AlertsConfig holds chat destinations for critical-device alerts.
type AlertsConfig struct {
	Slack   ChatConfig `yaml:"slack" envPrefix:"SWITCHYARD_SLACK_"`
	Discord ChatConfig `yaml:"discord" envPrefix:"SWITCHYARD_DISCORD_"`
}

// ChatConfig is a bot token plus the channel alerts are posted to.
type ChatConfig struct {
	BotToken  string `yaml:"bot_token" env:"BOT_TOKEN"`
	ChannelID string `yaml:"channel_id" env:"CHANNEL_ID"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"SWITCHYARD_LOG_LEVEL"`
	Format string `yaml:"format" env:"SWITCHYARD_LOG_FORMAT"` // console, json
}

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Load reads a YAML config file from path and returns a validated Config.
// Environment variables override file values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("config: env overrides: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Location resolves the schedule timezone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	switch c.Database.Driver {
	case "mysql":
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
	case "postgres":
		if c.Database.Port == 0 {
			c.Database.Port = 5432
		}
		if c.Database.SSLMode == "" {
			c.Database.SSLMode = "disable"
		}
	case "sqlite":
		if c.Database.Path == "" {
			c.Database.Path = "switchyard.db"
		}
	}
	if c.Database.Host == "" {
		c.Database.Host = "127.0.0.1"
	}
	if c.Database.Database == "" {
		c.Database.Database = "switchyard"
	}

	if c.Gateway.Port == 0 {
		c.Gateway.Port = 8080
	}
	if c.Gateway.PingInterval <= 0 {
		c.Gateway.PingInterval = 30 * time.Second
	}
	if c.Gateway.PendingFlushLimit <= 0 {
		c.Gateway.PendingFlushLimit = 10
	}
	if c.Gateway.SendBuffer <= 0 {
		c.Gateway.SendBuffer = 256
	}
	if c.Gateway.MaxMessageSize <= 0 {
		c.Gateway.MaxMessageSize = 8 << 10
	}

	if c.Health.CacheTTL <= 0 {
		c.Health.CacheTTL = time.Minute
	}
	if c.Health.SweepCron == "" {
		c.Health.SweepCron = "*/5 * * * *"
	}
	if c.Health.ResetCron == "" {
		c.Health.ResetCron = "0 0 * * *"
	}

	if c.Schedule.Timezone == "" {
		c.Schedule.Timezone = "Local"
	}
	if c.Schedule.CacheTTL <= 0 {
		c.Schedule.CacheTTL = 15 * time.Minute
	}

	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "switchyard"
	}
	if c.AMQP.Exchange == "" {
		c.AMQP.Exchange = "switchyard.status"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string

	switch c.Database.Driver {
	case "mysql", "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q must be one of mysql, postgres, sqlite", c.Database.Driver))
	}
	if c.Gateway.Port < 1 || c.Gateway.Port > 65535 {
		errs = append(errs, fmt.Sprintf("gateway.port %d out of range", c.Gateway.Port))
	}
	if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("schedule.timezone %q: %v", c.Schedule.Timezone, err))
	}
	if _, err := cronParser.Parse(c.Health.SweepCron); err != nil {
		errs = append(errs, fmt.Sprintf("health.sweep_cron %q: %v", c.Health.SweepCron, err))
	}
	if _, err := cronParser.Parse(c.Health.ResetCron); err != nil {
		errs = append(errs, fmt.Sprintf("health.reset_cron %q: %v", c.Health.ResetCron, err))
	}
	if c.Health.MinSelectScore < 0 || c.Health.MinSelectScore > 100 {
		errs = append(errs, "health.min_select_score must be within [0,100]")
	}
	if c.Alerts.Slack.BotToken != "" && c.Alerts.Slack.ChannelID == "" {
		errs = append(errs, "alerts.slack.channel_id is required when bot_token is set")
	}
	if c.Alerts.Discord.BotToken != "" && c.Alerts.Discord.ChannelID == "" {
		errs = append(errs, "alerts.discord.channel_id is required when bot_token is set")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "console", "json":
	default:
		errs = append(errs, fmt.Sprintf("logging.format %q must be console or json", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
