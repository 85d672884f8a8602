package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/StricklySoft/tauth/internal/server"
	"github.com/StricklySoft/tauth/pkg/config"
)

// loadConfig reads the server configuration for cmd.
func loadConfig(cmd *cli.Command) (*server.Config, error) {
	loader := config.New().WithEnvPrefix(server.EnvPrefix)
	if path := cmd.String("config"); path != "" {
		loader = loader.WithFile(path)
	}
	var cfg server.Config
	if err := loader.Load(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// newLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func newLogger(cfg *server.Config, w io.Writer) (*slog.Logger, error) {
	level, err := server.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(w, opts)), nil
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	if cfg.SecretKey == "" {
		logger.Warn("SECRET_KEY is not set; issuing internal API keys is disabled")
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	comp, err := server.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	srv, err := server.New(cfg, comp, version, server.WithLogger(logger))
	if err != nil {
		comp.Close()
		return err
	}
	if err := srv.Start(ctx); err != nil {
		comp.Close()
		return err
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
	case runErr = <-srv.Errors():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("server stopped")
	return runErr
}
