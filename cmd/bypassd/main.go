// Bypassd is a fork-race solve service with a FlareSolverr-compatible API.
//
// Every solve request runs a primary attempt plus optional delayed fork
// attempts; the first attempt to succeed wins and the rest are
// cancelled. Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	bypassd serve                 Start the API server
//	bypassd solve <url> [cmd]     Solve one URL and print the envelope
//	bypassd init [dir]            Write a default config into dir
//	bypassd version               Print version and build information
//	bypassd -o json version       Output version information as JSON
//	bypassd -forks 2:1,5:2 serve  Override the configured fork plan
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/bypassd/internal/api"
	"github.com/nugget/bypassd/internal/buildinfo"
	"github.com/nugget/bypassd/internal/config"
	"github.com/nugget/bypassd/internal/events"
	"github.com/nugget/bypassd/internal/history"
	"github.com/nugget/bypassd/internal/httpsolver"
	"github.com/nugget/bypassd/internal/isolate"
	"github.com/nugget/bypassd/internal/mqtt"
	"github.com/nugget/bypassd/internal/solve"
	"github.com/nugget/bypassd/internal/solver"
)

// main only builds the OS-level environment and hands off to [run], so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// options are the global flags shared by every subcommand.
type options struct {
	configPath string
	outputFmt  string  // "text" (default) or "json"
	forks      *string // nil unless -forks was given
}

// run is the real entry point. Arguments are parsed by hand; the flag
// package's global FlagSet would stop tests from calling run
// concurrently.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var opts options
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			opts.configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			opts.configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			opts.outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			opts.outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			opts.outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-forks" && i+1 < len(args):
			v := args[i+1]
			opts.forks = &v
			i++
		case strings.HasPrefix(args[i], "-forks="):
			v := strings.TrimPrefix(args[i], "-forks=")
			opts.forks = &v
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if opts.outputFmt == "" {
		opts.outputFmt = "text"
	}
	if opts.outputFmt != "text" && opts.outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", opts.outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, opts)
	case "solve":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: bypassd solve <url> [command]")
		}
		return runSolve(ctx, stdout, stderr, opts, cmdArgs)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, opts.outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "bypassd - fork-race solve service")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: bypassd [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve              Start the API server")
	fmt.Fprintln(w, "  solve <url> [cmd]  Solve one URL and print the result")
	fmt.Fprintln(w, "  init [dir]         Write a default config.yaml (default: .)")
	fmt.Fprintln(w, "  version            Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>     Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt   Output format: text (default) or json")
	fmt.Fprintln(w, "  -forks <plan>      Fork plan override, e.g. 2.5:1,5:2 (\"\" disables)")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/bypassd/config.yaml, /etc/bypassd/config.yaml")
	return nil
}

// runServe runs the API server until ctx is cancelled or SIGINT/SIGTERM
// arrives.
func runServe(ctx context.Context, stdout io.Writer, opts options) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting bypassd", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	if err := applyForksOverride(cfg, opts.forks); err != nil {
		return err
	}
	logger = configuredLogger(stdout, cfg)

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"forks", len(cfg.Solver.Forks),
		"default_max_timeout_ms", cfg.Solver.DefaultMaxTimeoutMs,
	)

	// --- Data directory ---
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Solve history ---
	dbPath := filepath.Join(cfg.DataDir, "bypassd.db")
	store, err := history.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open history database %s: %w", dbPath, err)
	}
	defer store.Close()
	logger.Info("history database opened", "path", dbPath)

	// --- Solve service ---
	bus := events.New()
	svc, err := newService(cfg, logger, bus, store)
	if err != nil {
		return err
	}
	logger.Info("solve service ready", "commands", svc.Commands())

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, svc, logger)
	server.SetHistory(store)
	server.SetEventBus(bus)
	server.SetUserAgent(cfg.Solver.UserAgent)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- History retention ---
	if retention := cfg.HistoryRetention(); retention > 0 {
		go pruneHistory(ctx, store, retention, time.Hour, logger)
	}

	// --- MQTT publishing ---
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
		logger.Info("mqtt instance ID loaded", "instance_id", instanceID)

		mqttPub = mqtt.New(cfg.MQTT, instanceID, &mqttStatsAdapter{svc: svc}, bus, logger)
		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"device_name", cfg.MQTT.DeviceName,
		)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		if mqttPub != nil {
			offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offlineCancel()
			if err := mqttPub.Stop(offlineCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("api shutdown failed", "error", err)
		}
	}()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("bypassd stopped")
	return nil
}

// runSolve processes a single request without starting the server.
// Logs go to stderr so stdout carries only the result. A failed solve
// is returned as an error after the result is printed.
func runSolve(ctx context.Context, stdout, stderr io.Writer, opts options, args []string) error {
	cfg, err := loadConfigOrDefault(opts.configPath)
	if err != nil {
		return err
	}
	if err := applyForksOverride(cfg, opts.forks); err != nil {
		return err
	}
	logger := configuredLogger(stderr, cfg)

	svc, err := newService(cfg, logger, nil, nil)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	in := solve.Input{URL: args[0]}
	if len(args) > 1 {
		in.Command = args[1]
	}
	env := svc.Process(ctx, in)

	if err := printEnvelope(stdout, env, opts.outputFmt); err != nil {
		return err
	}
	if env.Status != solve.StatusOK {
		return errors.New(env.Message)
	}
	return nil
}

// printEnvelope writes env as indented JSON or as a short human summary.
func printEnvelope(w io.Writer, env *solve.Envelope, outputFmt string) error {
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(env)
	}

	elapsed := time.Duration((env.EndTimestamp - env.StartTimestamp) * float64(time.Second))
	fmt.Fprintf(w, "%s: %s (%s)\n", env.Status, env.Message, elapsed.Round(time.Millisecond))
	if env.Solution == nil {
		return nil
	}
	fmt.Fprintf(w, "  %-11s %s\n", "url:", env.Solution.URL)
	fmt.Fprintf(w, "  %-11s %s\n", "user agent:", env.Solution.Identity)
	fmt.Fprintf(w, "  %-11s %d\n", "cookies:", len(env.Solution.Cookies))
	for _, c := range env.Solution.Cookies {
		fmt.Fprintf(w, "    %s=%s (domain %s, path %s)\n", c.Name, c.Value, c.Domain, c.Path)
	}
	return nil
}

// newService wires the HTTP solver and its supporting pieces into a
// solve service. bus and store may be nil.
func newService(cfg *config.Config, logger *slog.Logger, bus *events.Bus, store *history.Store) (*solve.Service, error) {
	commands, err := solver.DefaultRegistry(cfg.Solver.Commands)
	if err != nil {
		return nil, fmt.Errorf("solver.commands: %w", err)
	}

	// A nil *history.Store must not become a non-nil Recorder.
	var recorder solve.Recorder
	if store != nil {
		recorder = store
	}

	return solve.NewService(solve.Options{
		Solver:   httpsolver.New(httpsolver.Options{}),
		Isolator: isolate.New(cfg.Solver.DebugDir, cfg.Solver.ChallengeScreenshotsDir),
		Base: solver.Environment{
			UserAgent:    cfg.Solver.UserAgent,
			IdentityURL:  cfg.Solver.IdentityURL,
			Headless:     cfg.Solver.Headless,
			DisableGPU:   cfg.Solver.DisableGPU,
			MaxBodyBytes: cfg.Solver.MaxBodyBytes,
			Commands:     commands,
		},
		DefaultForks:      solve.ForkGroupsFromConfig(cfg.Solver.Forks),
		DefaultMaxTimeout: time.Duration(cfg.Solver.DefaultMaxTimeoutMs) * time.Millisecond,
		Logger:            logger,
		Bus:               bus,
		Recorder:          recorder,
	}), nil
}

// applyForksOverride replaces the configured fork plan with the -forks
// value when one was given. An empty value disables forking.
func applyForksOverride(cfg *config.Config, forks *string) error {
	if forks == nil {
		return nil
	}
	parsed, err := config.ParseForks(*forks)
	if err != nil {
		return fmt.Errorf("-forks: %w", err)
	}
	cfg.Solver.Forks = parsed
	return cfg.Validate()
}

// pruneHistory deletes solve records older than retention, once at
// start and then every interval, until ctx is cancelled.
func pruneHistory(ctx context.Context, store *history.Store, retention, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		n, err := store.Prune(ctx, time.Now().Add(-retention))
		switch {
		case err != nil:
			logger.Warn("history prune failed", "error", err)
		case n > 0:
			logger.Info("history pruned", "removed", n, "retention", retention)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Any format other than "json" yields text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// configuredLogger builds the logger described by cfg.
func configuredLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	return newLogger(w, cfg.Level(), cfg.LogFormat)
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist).
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// loadConfigOrDefault is loadConfig for one-shot commands: with no
// explicit path and no config file found, it falls back to defaults.
func loadConfigOrDefault(explicit string) (*config.Config, error) {
	if explicit == "" {
		if _, err := config.FindConfig(""); err != nil {
			return config.Default(), nil
		}
	}
	cfg, _, err := loadConfig(explicit)
	return cfg, err
}

// mqttStatsAdapter bridges the solve service and build info to the
// MQTT publisher's [mqtt.StatsSource] interface.
type mqttStatsAdapter struct {
	svc *solve.Service
}

func (a *mqttStatsAdapter) Uptime() time.Duration { return buildinfo.Uptime() }
func (a *mqttStatsAdapter) Version() string       { return buildinfo.Version }

func (a *mqttStatsAdapter) SolveStats() mqtt.SolveStats {
	s := a.svc.Stats().Snapshot()
	return mqtt.SolveStats{
		OK:        s.OK,
		Failed:    s.Failed,
		Attempts:  s.Attempts,
		LastSolve: s.LastSolve,
		LastError: s.LastError,
	}
}
