// agentgate serves a conversational agent engine over HTTP: stateless
// queries, long-lived sessions with per-session query serialization, and
// buffered or Server-Sent Events responses.
//
// On SIGINT or SIGTERM the gateway stops accepting work, drains in-flight
// queries for up to the configured drain timeout, cancels the rest and closes
// every session before exiting.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/hupe1980/agentgate/config"
	"github.com/hupe1980/agentgate/logging"
	"github.com/hupe1980/agentgate/server"
	"github.com/hupe1980/agentgate/supervisor"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		configFile   string
		envFile      string
		host         string
		port         int
		backend      string
		model        string
		logLevel     string
		drainTimeout time.Duration
	)

	flagSet := pflag.NewFlagSet("agentgate", pflag.ContinueOnError)
	flagSet.StringVarP(&configFile, "config", "c", "", "path to YAML config file")
	flagSet.StringVar(&envFile, "env-file", ".env", "path to .env file with credentials (ignored if missing)")
	flagSet.StringVar(&host, "host", "", "listen host (overrides config)")
	flagSet.IntVarP(&port, "port", "p", 0, "listen port (overrides config)")
	flagSet.StringVar(&backend, "backend", "", "default engine backend: anthropic, openai or mock (overrides config)")
	flagSet.StringVar(&model, "model", "", "default model identifier (overrides config)")
	flagSet.StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides config)")
	flagSet.DurationVar(&drainTimeout, "drain-timeout", 0, "how long shutdown waits for in-flight queries (overrides config)")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if err := config.LoadEnvFile(envFile, !flagSet.Changed("env-file")); err != nil {
		return err
	}

	cfg := config.Default()
	if configFile != "" {
		loaded, err := config.Load(configFile)
		if err != nil {
			return err
		}
		cfg = *loaded
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return err
	}

	cfg.Merge(&config.Config{
		Server:     config.ServerConfig{Host: host, Port: port},
		Supervisor: config.SupervisorConfig{DrainTimeout: drainTimeout},
		Logging:    config.LoggingConfig{Level: logLevel},
	})
	if backend != "" {
		cfg.Engine.Defaults.Backend = backend
	}
	if model != "" {
		cfg.Engine.Defaults.Model = model
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		return err
	}

	return serve(&cfg, logger)
}

func serve(cfg *config.Config, logger *logging.SlogAdapter) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sup := supervisor.New(cfg.SupervisorOptions(logger.With("component", "supervisor")))
	if err := sup.Start(ctx); err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           server.New(sup, cfg.ServerOptions(logger.With("component", "http"))),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Listening", "addr", httpServer.Addr, "backend", cfg.Engine.Defaults.Backend)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			_ = sup.Shutdown(context.Background())
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	}

	// Leave slack past the drain timeout for cancellation and session close.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Supervisor.DrainTimeout+cfg.Session.CloseTimeout)
	defer cancel()

	// The supervisor goes first so open SSE responses end before the
	// listener waits on them.
	supErr := sup.Shutdown(shutdownCtx)
	httpErr := httpServer.Shutdown(shutdownCtx)

	return errors.Join(supErr, httpErr)
}
