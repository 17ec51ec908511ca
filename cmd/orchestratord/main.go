// Command orchestratord runs the durable task orchestrator as a standalone
// process: it loads configuration, wires internal/logging, starts the
// Orchestrator, and blocks until SIGINT/SIGTERM triggers a graceful
// shutdown (spec.md §6's exit codes, SPEC_FULL.md §6's config precedence).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/automaxprocs/maxprocs"

	orchestrator "github.com/joeycumines/orchestrator"
	"github.com/joeycumines/orchestrator/internal/config"
	"github.com/joeycumines/orchestrator/internal/lock"
	"github.com/joeycumines/orchestrator/internal/logging"
	"github.com/joeycumines/orchestrator/internal/wal"
)

const (
	exitGeneric       = 1
	exitLockHeld      = 2
	exitWALCorrupt    = 3
	exitInvalidConfig = 4
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if _, err := maxprocs.Set(); err != nil {
		fmt.Fprintf(os.Stderr, "orchestratord: maxprocs: %v\n", err)
	}

	fs := flag.NewFlagSet("orchestratord", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to config file (json/yaml/toml)")
	if err := fs.Parse(args); err != nil {
		return exitGeneric
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "orchestratord: config: %v\n", err)
		return exitInvalidConfig
	}

	logger := logging.New(
		logging.WithLevel(logging.ParseLevel(cfg.LogLevel)),
		logging.WithFormat(cfg.LogFormat),
	)

	o, err := orchestrator.New(cfg, orchestrator.WithLogger(logger))
	if err != nil {
		fmt.Fprintf(os.Stderr, "orchestratord: %v\n", err)
		return exitInvalidConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := o.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "orchestratord: start: %v\n", err)
		switch {
		case errors.Is(err, lock.ErrLockHeld):
			return exitLockHeld
		case isWALCorrupt(err):
			return exitWALCorrupt
		default:
			return exitGeneric
		}
	}

	logger.Info("orchestratord_started", map[string]any{"admin_port": o.AdminPort()})

	<-ctx.Done()
	logger.Info("orchestratord_stopping", nil)

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriodDuration())
	defer cancel()
	if err := o.Stop(stopCtx); err != nil {
		fmt.Fprintf(os.Stderr, "orchestratord: stop: %v\n", err)
		return exitGeneric
	}
	return 0
}

func loadConfig(path string) (config.Config, error) {
	cfg := config.Default()
	if path != "" {
		loaded, err := config.Load(path, config.FormatFromExtension(path))
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// applyEnvOverrides implements SPEC_FULL.md §6's ORCH_* precedence tier,
// sitting between the config file and admin runtime overrides.
func applyEnvOverrides(cfg *config.Config) {
	if v, ok := os.LookupEnv("ORCH_WAL_PATH"); ok {
		cfg.WALPath = v
	}
	if v, ok := envInt("ORCH_MAX_CONCURRENCY"); ok {
		cfg.MaxConcurrency = v
	}
	if v, ok := envInt("ORCH_RETRY_ATTEMPTS"); ok {
		cfg.RetryAttempts = v
	}
	if v, ok := envFloat("ORCH_BACKOFF_FACTOR"); ok {
		cfg.BackoffFactor = v
	}
	if v, ok := envInt("ORCH_CIRCUIT_BREAKER_THRESHOLD"); ok {
		cfg.CircuitBreakerThreshold = v
	}
	if v, ok := envFloat("ORCH_CIRCUIT_BREAKER_TIMEOUT"); ok {
		cfg.CircuitBreakerTimeout = v
	}
	if v, ok := envFloat("ORCH_TASK_TIMEOUT"); ok {
		cfg.TaskTimeout = v
	}
	if v, ok := envInt("ORCH_ADMIN_PORT"); ok {
		cfg.AdminPort = v
	}
	if v, ok := os.LookupEnv("ORCH_LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}
	if v, ok := os.LookupEnv("ORCH_LOG_FORMAT"); ok {
		cfg.LogFormat = v
	}
}

func envInt(name string) (int, bool) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, false
	}
	return n, true
}

func envFloat(name string) (float64, bool) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func isWALCorrupt(err error) bool {
	var corrupt *wal.ErrCorrupt
	return errors.As(err, &corrupt)
}
