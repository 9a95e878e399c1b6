// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/codeloop/lib/agentdef"
	"github.com/bureau-foundation/codeloop/lib/catalog"
	"github.com/bureau-foundation/codeloop/lib/codec"
	"github.com/bureau-foundation/codeloop/lib/config"
	"github.com/bureau-foundation/codeloop/lib/engine"
	llmcontext "github.com/bureau-foundation/codeloop/lib/llm/context"
	"github.com/bureau-foundation/codeloop/lib/process"
	"github.com/bureau-foundation/codeloop/lib/protocol"
	"github.com/bureau-foundation/codeloop/lib/store"
	"github.com/bureau-foundation/codeloop/lib/thread"
	"github.com/bureau-foundation/codeloop/lib/tool"
	"github.com/bureau-foundation/codeloop/lib/tool/builtin"
	"github.com/bureau-foundation/codeloop/lib/usage"
	"github.com/bureau-foundation/codeloop/lib/version"
)

func main() {
	process.Exit(run())
}

type options struct {
	configPath string
	socketPath string
	stdio      bool
	framing    string
	workspace  string
	logLevel   string
	logFormat  string
}

func run() error {
	var opts options
	var showVersion bool

	flagSet := pflag.NewFlagSet("codeloop", pflag.ContinueOnError)
	flagSet.StringVar(&opts.configPath, "config", "", "path to codeloop.yaml (default: $"+config.ConfigEnvVar+", then built-in defaults)")
	flagSet.StringVar(&opts.socketPath, "socket", "", "unix socket to listen on (overrides server.socket_path)")
	flagSet.BoolVar(&opts.stdio, "stdio", false, "serve one client on stdin/stdout instead of a socket")
	flagSet.StringVar(&opts.framing, "framing", "", "wire framing: json or cbor (overrides server.framing)")
	flagSet.StringVarP(&opts.workspace, "workspace", "w", "", "directory the tools operate in (overrides paths.workspace)")
	flagSet.StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn, or error")
	flagSet.StringVar(&opts.logFormat, "log-format", "json", "log format: json or text")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return &process.UsageError{Err: err}
	}
	if showVersion {
		fmt.Printf("codeloop %s\n", version.Info())
		return nil
	}
	if args := flagSet.Args(); len(args) > 0 {
		return &process.UsageError{Err: fmt.Errorf("unexpected argument: %s", args[0])}
	}

	logger, err := newLogger(opts.logLevel, opts.logFormat)
	if err != nil {
		return &process.UsageError{Err: err}
	}

	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	if opts.socketPath != "" {
		cfg.Server.SocketPath = opts.socketPath
	}
	if opts.framing != "" {
		cfg.Server.Framing = opts.framing
	}
	if opts.workspace != "" {
		cfg.Paths.Workspace = opts.workspace
	}
	framing, err := codec.ParseFormat(cfg.Server.Framing)
	if err != nil {
		return &process.UsageError{Err: err}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, opts.stdio, framing, logger)
}

// loadConfig reads the file named by --config, then the one named by
// the environment, and otherwise starts from the defaults.
func loadConfig(path string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	switch {
	case path != "":
		cfg, err = config.LoadFile(path)
	case os.Getenv(config.ConfigEnvVar) != "":
		cfg, err = config.Load()
	default:
		cfg, err = config.Parse(nil)
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(level, format string) (*slog.Logger, error) {
	var slogLevel slog.Level
	if err := slogLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", level)
	}
	handlerOptions := &slog.HandlerOptions{Level: slogLevel}
	switch strings.ToLower(format) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, handlerOptions)), nil
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, handlerOptions)), nil
	}
	return nil, fmt.Errorf("invalid --log-format %q (want json or text)", format)
}

func serve(ctx context.Context, cfg *config.Config, stdio bool, framing codec.Format, logger *slog.Logger) error {
	credentials, err := catalog.LoadCredentials(cfg.Paths.EnvFile)
	if err != nil {
		return err
	}
	models, err := catalog.Load(cfg.Paths.ProvidersFile, credentials, nil)
	if err != nil {
		return err
	}

	workspace, err := builtin.OpenWorkspace(cfg.Paths.Workspace)
	if err != nil {
		return err
	}
	defer workspace.Close()

	registry := tool.NewRegistry()
	if err := registry.Register(builtin.Tools(workspace)...); err != nil {
		return err
	}
	agents, err := agentdef.LoadDir(cfg.Paths.AgentsDir, registry.Names())
	if err != nil {
		return err
	}

	threads, err := store.Open(ctx, store.Config{
		Path:   cfg.Paths.StateDB,
		Logger: logger.With("component", "store"),
	})
	if err != nil {
		return err
	}
	defer threads.Close()

	tokenCounter := usage.NewTokenizerEstimator()
	turnEngine := engine.New(engine.Config{
		Executor: tool.NewExecutor(tool.ExecutorConfig{
			Registry:       registry,
			MaxConcurrency: cfg.Engine.MaxToolConcurrency,
			GracePeriod:    cfg.Engine.CancelGracePeriod,
			Logger:         logger.With("component", "tool"),
		}),
		Estimator:       tokenCounter,
		TokenEstimator:  llmcontext.NewTokenizerEstimator(tokenCounter),
		MaxSteps:        cfg.Engine.MaxSteps,
		IdleTimeout:     cfg.Engine.IdleTimeout,
		MaxOutputTokens: cfg.Engine.MaxOutputTokens,
		OverheadTokens:  cfg.Compaction.OverheadTokens,
		Retry: engine.RetryPolicy{
			MaxAttempts: cfg.Engine.Retry.MaxAttempts,
			BaseDelay:   cfg.Engine.Retry.BaseDelay,
			MaxDelay:    cfg.Engine.Retry.MaxDelay,
		},
		Logger: logger.With("component", "engine"),
	})

	manager := thread.NewManager(thread.Config{
		Store:  threads,
		Engine: turnEngine,
		Models: models,
		Agents: agents,
		Compaction: thread.CompactionPolicy{
			Strategy:        cfg.Compaction.Strategy,
			ProtectedGroups: cfg.Compaction.ProtectedGroups,
			SummaryModel:    cfg.Compaction.SummaryModel,
		},
		Workspace: workspace.Dir(),
		Logger:    logger.With("component", "thread"),
	})

	server := protocol.NewServer(protocol.Config{
		Manager: manager,
		Catalog: models,
		Agents:  agents,
		Defaults: thread.Session{
			Provider: cfg.Defaults.Provider,
			Model:    cfg.Defaults.Model,
			Agent:    cfg.Defaults.Agent,
		},
		Framing: framing,
		Logger:  logger.With("component", "protocol"),
	})

	logger.Info("codeloop starting",
		"version", version.Info(),
		"workspace", workspace.Dir(),
		"state_db", cfg.Paths.StateDB,
		"providers", len(models.Providers()),
		"agents", len(agents.List()),
		"framing", framing,
		"stdio", stdio,
	)

	if stdio {
		err = serveStdio(ctx, server, manager, logger)
	} else {
		logger.Info("listening", "socket", cfg.Server.SocketPath)
		err = server.Serve(ctx, cfg.Server.SocketPath)
	}
	if err != nil {
		return err
	}
	logger.Info("codeloop stopped")
	return nil
}

// serveStdio serves the single stdin/stdout client until it hangs up
// or a signal arrives. A blocked stdin read cannot be interrupted, so
// on a signal the turns are drained and the process exits without
// waiting for the connection.
func serveStdio(ctx context.Context, server *protocol.Server, manager *thread.Manager, logger *slog.Logger) error {
	served := make(chan error, 1)
	go func() { served <- server.ServeConn(ctx, os.Stdin, os.Stdout) }()

	var err error
	select {
	case err = <-served:
	case <-ctx.Done():
		logger.Info("signal received, cancelling turns")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if shutdownErr := manager.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Warn("turns still running at exit", "error", shutdownErr)
	}
	return err
}
