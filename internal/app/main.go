package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bissquit/fanfest-signup/internal/config"
	"github.com/bissquit/fanfest-signup/internal/version"
)

// configPathEnv names the config file when -config is not given.
const configPathEnv = "FANFEST_CONFIG"

// Main runs a binary in role until SIGINT or SIGTERM and returns the exit
// code.
func Main(name string, role Role) int {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	configPath := fs.String("config", os.Getenv(configPathEnv), "path to the YAML config file")
	showVersion := fs.Bool("version", false, "print version and exit")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	if *showVersion {
		v := version.Get()
		fmt.Printf("%s %s (commit %s, built %s)\n", name, v.Version, v.Commit, v.BuildDate)
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := New(ctx, cfg, role)
	if err != nil {
		slog.Error("failed to start", "role", role.String(), "error", err)
		return 1
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- application.Run()
	}()

	code := 0
	select {
	case err := <-errCh:
		if err != nil {
			slog.Error("server stopped", "error", err)
			code = 1
		}
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	}

	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown incomplete", "error", err)
		code = 1
	}

	return code
}
