// Lootcore - fair-play reward container backend
package main

import (
	"context"
	"os"

	"github.com/mbd888/lootcore/internal/config"
	"github.com/mbd888/lootcore/internal/logging"
	"github.com/mbd888/lootcore/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting lootcore",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"open_rate_limit", cfg.OpenRateLimit,
		"open_rate_window", cfg.OpenRateWindow,
		"auto_keep_after", cfg.AutoKeepAfter,
		"redis", cfg.RedisURL != "",
		"nats", cfg.NATSURL != "",
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
