// Walletgate - prepaid wallet and billing gateway for LLM proxy traffic
package main

import (
	"context"
	"os"

	"github.com/mbd888/walletgate/internal/config"
	"github.com/mbd888/walletgate/internal/logging"
	"github.com/mbd888/walletgate/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")
	logger.Info("starting walletgate",
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
		"wallet_driver", cfg.WalletDriver,
		"shards", cfg.Shards,
		"reconciliation", cfg.AnalyticsURL != "",
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
