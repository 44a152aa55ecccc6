package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	orchestrator "github.com/dataops-infra/itest-orchestrator"
	"github.com/dataops-infra/itest-orchestrator/exitcodes"
	"github.com/dataops-infra/itest-orchestrator/flags"
)

var (
	Version   = "v0.1.0"
	GitCommit = ""
	GitDate   = ""
)

func main() {
	app := cli.NewApp()
	app.Version = fmt.Sprintf("%s-%s-%s", Version, GitCommit, GitDate)
	app.Name = "itest-orchestrator"
	app.Usage = "Integration Test Orchestrator"
	app.Description = "Provisions short-lived cloud credentials, isolates a remote test target per run, executes the test suite against it, and collects results as artifacts even on partial failure."
	app.Flags = flags.Flags
	app.Action = run
	app.ExitErrHandler = func(c *cli.Context, err error) {
		var exitErr cli.ExitCoder
		if errors.As(err, &exitErr) {
			cli.HandleExitCoder(exitErr)
		} else if err != nil {
			if orchestrator.IsRuntimeError(err) {
				cli.HandleExitCoder(cli.Exit(err.Error(), exitcodes.RuntimeErr))
			} else {
				cli.HandleExitCoder(cli.Exit(err.Error(), exitcodes.TestFailure))
			}
		}
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitcodes.RuntimeErr)
	}
}

func run(c *cli.Context) error {
	log := newLogger(c.String(flags.LogLevel.Name), c.String(flags.LogFormat.Name))
	slog.SetDefault(log)

	cfg, err := orchestrator.NewConfig(c, log)
	if err != nil {
		return orchestrator.NewRuntimeError(fmt.Errorf("failed to create config: %w", err))
	}

	orch, err := orchestrator.New(cfg)
	if err != nil {
		return orchestrator.NewRuntimeError(fmt.Errorf("failed to create orchestrator: %w", err))
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if addr := c.String(flags.MetricsAddr.Name); addr != "" {
		go func() {
			log.Info("Serving metrics", "addr", addr)
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Error("Metrics server failed", "error", err)
			}
		}()
	}

	if cfg.Interval == 0 {
		log.Info("Starting in run-once mode")
		_, err := orch.Run(ctx)
		return err
	}

	log.Info("Starting in continuous mode", "interval", cfg.Interval)
	runDetached := func() {
		go func() {
			if _, err := orch.Run(ctx); err != nil {
				log.Error("Run finished with error", "error", err)
			}
		}()
	}

	runDetached()
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			runDetached()
		case <-ctx.Done():
			log.Info("Shutting down")
			return nil
		}
	}
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
