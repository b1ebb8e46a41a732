package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/zulandar/switchyard/internal/cache"
	"github.com/zulandar/switchyard/internal/config"
	"github.com/zulandar/switchyard/internal/db"
	"go.uber.org/zap"
	"golang.org/x/term"
	"gorm.io/gorm"
)

const defaultConfigPath = "switchyard.yaml"

// loadDotEnv reads .env from the working directory when present, so
// SWITCHYARD_* overrides can live next to the config file.
func loadDotEnv() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: .env: %v\n", err)
	}
}

func addConfigFlag(cmd *cobra.Command, path *string) {
	cmd.Flags().StringVarP(path, "config", "c", defaultConfigPath, "path to Switchyard config file")
}

// openDB loads the config and connects to its database.
func openDB(configPath string) (*config.Config, *gorm.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	return cfg, gormDB, nil
}

// newCache returns the Redis cache when configured, else an in-process one.
func newCache(ctx context.Context, cfg *config.Config, log *zap.Logger) (cache.Store, func()) {
	if cfg.Redis.Addr == "" {
		return cache.NewMemory(), func() {}
	}
	r, err := cache.NewRedis(ctx, cache.RedisOpts{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Prefix:   cfg.Redis.Prefix,
	})
	if err != nil {
		log.Warn("redis unavailable, using in-process cache", zap.Error(err))
		return cache.NewMemory(), func() {}
	}
	return r, func() { r.Close() }
}

// ANSI colors used when writing to a terminal.
const (
	colorReset  = "\033[0m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorRed    = "\033[31m"
	colorGray   = "\033[90m"
)

// colorizer wraps text in ANSI colors only when out is a terminal.
type colorizer struct {
	enabled bool
}

func newColorizer(out io.Writer) colorizer {
	f, ok := out.(*os.File)
	return colorizer{enabled: ok && term.IsTerminal(int(f.Fd()))}
}

func (c colorizer) wrap(color, s string) string {
	if !c.enabled {
		return s
	}
	return color + s + colorReset
}
