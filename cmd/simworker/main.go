// Command simworker runs the persona UX simulation worker.
//
// Usage:
//
//	simworker -config simworker.yaml
//	simworker -config simworker.yaml -http :8090
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/uxsim/simworker"
)

func main() {
	configPath := flag.String("config", "", "path to simworker.yaml (defaults and UXSIM_* env when empty)")
	httpAddr := flag.String("http", "", "override http_addr")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *configPath, *httpAddr); err != nil {
		logger.Error("simworker: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, configPath, httpAddr string) error {
	cfg, err := simworker.LoadConfigFile(configPath)
	if err != nil {
		return err
	}
	if httpAddr != "" {
		cfg.HTTPAddr = httpAddr
	}

	db, err := simworker.OpenDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	svc, err := simworker.New(db, cfg, logger)
	if err != nil {
		return err
	}
	logger.Info("simworker: starting",
		"database", cfg.Database,
		"provisioner", cfg.Browser.Provisioner,
		"model", cfg.Completion.DefaultModel)
	return svc.Run(ctx)
}
