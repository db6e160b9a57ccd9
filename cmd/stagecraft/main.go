// Package main provides the stagecraft binary entry point.
// Stagecraft is an autonomous delivery pipeline orchestrator: a workflow
// engine, phase coordinators, and a metrics aggregator over a message bus,
// with model-backed agents run as separate processes.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/c360studio/stagecraft/agent"
	"github.com/c360studio/stagecraft/aggregator"
	"github.com/c360studio/stagecraft/bus"
	"github.com/c360studio/stagecraft/bus/membus"
	"github.com/c360studio/stagecraft/bus/natsbus"
	"github.com/c360studio/stagecraft/config"
	"github.com/c360studio/stagecraft/coordinator"
	"github.com/c360studio/stagecraft/engine"
	"github.com/c360studio/stagecraft/envelope"
	"github.com/c360studio/stagecraft/kvstore"
	"github.com/c360studio/stagecraft/kvstore/memkv"
	"github.com/c360studio/stagecraft/kvstore/natskv"
	"github.com/c360studio/stagecraft/llm"
	"github.com/c360studio/stagecraft/resilience"
	"github.com/c360studio/stagecraft/workflow"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "stagecraft"
)

// Exit codes. 0 and 1 follow the usual convention; 2 is reserved for
// panics, 3 for configuration errors, 4 for unreachable dependencies.
const (
	exitConfig     = 3
	exitDependency = 4
)

// exitError carries a process exit code alongside the cause.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func configErr(err error) error     { return &exitError{code: exitConfig, err: err} }
func dependencyErr(err error) error { return &exitError{code: exitDependency, err: err} }

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var logLevel string

	cmd := &cobra.Command{
		Use:   "stagecraft",
		Short: "Autonomous delivery pipeline orchestrator",
		Long: `Stagecraft drives software delivery workflows through staged pipelines.

The root command runs the orchestrator: workflow engine, phase
coordinators, and the metrics aggregator with its websocket broadcaster.
Agents run as separate processes via the agent subcommand.

Configuration is layered: defaults, ~/.config/stagecraft/config.yaml,
stagecraft.yaml in the project tree, then environment variables.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOrchestrator(logLevel)
		},
	}

	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	var concurrency int
	agentCmd := &cobra.Command{
		Use:   "agent <type>",
		Short: "Run a single agent process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(args[0], logLevel, concurrency)
		},
	}
	agentCmd.Flags().IntVar(&concurrency, "concurrency", 1, "Maximum tasks executed in parallel")
	cmd.AddCommand(agentCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func setupLogger(logLevel string) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	cfg, err := config.NewLoader(logger).Load()
	if err != nil {
		return nil, configErr(fmt.Errorf("load config: %w", err))
	}
	return cfg, nil
}

// infra bundles the connected transport. nats is nil in embedded mode.
type infra struct {
	bus   bus.Bus
	kv    kvstore.Store
	nats  *natsbus.Bus
	close func()
}

// connectInfra wires the bus and KV store. Embedded mode uses the in-process
// adapters; otherwise the bus connection is dialed from MESSAGE_BUS_URL and
// the KV bucket is created on the same server unless KV_URL points elsewhere.
func connectInfra(ctx context.Context, cfg *config.Config, clientName string, logger *slog.Logger) (*infra, error) {
	if cfg.Bus.Embedded {
		logger.Info("Using embedded bus and KV store")
		return &infra{
			bus:   membus.New(logger),
			kv:    memkv.New(),
			close: func() {},
		}, nil
	}

	logger.Info("Connecting to message bus", "url", cfg.Bus.URL)
	nb, err := natsbus.Connect(ctx, cfg.Bus.URL, clientName, 24*time.Hour, natsbus.WithLogger(logger))
	if err != nil {
		return nil, dependencyErr(err)
	}

	js := nb.JetStream()
	closers := []func(){nb.Close}
	if cfg.KV.URL != "" && cfg.KV.URL != cfg.Bus.URL {
		logger.Info("Connecting to KV server", "url", cfg.KV.URL)
		nc, err := nats.Connect(cfg.KV.URL, nats.Name(clientName+"-kv"), nats.MaxReconnects(-1))
		if err != nil {
			nb.Close()
			return nil, dependencyErr(fmt.Errorf("connect KV server %s: %w", cfg.KV.URL, err))
		}
		kvJS, err := jetstream.New(nc)
		if err != nil {
			nc.Close()
			nb.Close()
			return nil, dependencyErr(fmt.Errorf("create KV jetstream context: %w", err))
		}
		js = kvJS
		closers = append(closers, nc.Close)
	}

	store, err := natskv.Ensure(ctx, js, cfg.KV.Namespace, cfg.KV.DefaultTTL)
	if err != nil {
		for _, fn := range closers {
			fn()
		}
		return nil, dependencyErr(err)
	}

	return &infra{
		bus:  nb,
		kv:   store,
		nats: nb,
		close: func() {
			for i := len(closers) - 1; i >= 0; i-- {
				closers[i]()
			}
		},
	}, nil
}

func runOrchestrator(logLevel string) error {
	logger := setupLogger(logLevel)

	cfg, err := loadConfig(logger)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	inf, err := connectInfra(ctx, cfg, appName, logger)
	if err != nil {
		return err
	}
	defer inf.close()

	// Definition store feeding the resolver. Updates invalidate the local
	// cache directly and broadcast to every other engine instance.
	var resolver *workflow.Resolver
	defStore := workflow.NewStore(cfg.Definitions.Dir,
		workflow.WithStoreLogger(logger),
		workflow.WithChangeFunc(func(platformID, workflowType string) {
			if resolver != nil {
				resolver.Invalidate(platformID, workflowType)
			}
			env, err := envelope.New(workflow.EventDefinitionUpdated, &workflow.DefinitionUpdatedEvent{
				PlatformID:   platformID,
				WorkflowType: workflowType,
			})
			if err == nil {
				_ = inf.bus.Publish(ctx, bus.TopicEvents, env, bus.PublishOptions{})
			}
		}))
	if cfg.Definitions.Dir != "" {
		if err := defStore.Load(ctx); err != nil {
			return configErr(fmt.Errorf("load workflow definitions: %w", err))
		}
		if cfg.Definitions.Watch {
			// Watch runs its reload loop until ctx ends; a healthy watcher
			// only ever returns ctx.Err().
			go func() {
				if err := defStore.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Warn("Definition hot-reload stopped", "error", err)
				}
			}()
		}
	}
	resolver = workflow.NewResolver(defStore, workflow.WithResolverLogger(logger))

	eng := engine.New(inf.bus, inf.kv, resolver, engine.WithLogger(logger))
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer eng.Stop(context.Background())

	coordinators, err := coordinator.NewGroup(inf.bus, cfg.Coordinators.Enabled(), logger)
	if err != nil {
		return configErr(err)
	}
	if err := coordinators.Start(ctx); err != nil {
		return fmt.Errorf("start coordinators: %w", err)
	}
	defer func() { _ = coordinators.Stop(context.Background()) }()

	agg := aggregator.New(inf.bus,
		aggregator.WithLogger(logger),
		aggregator.WithCounterSource(func() (int64, int64) {
			m := eng.Metrics()
			return m.LateResultsDiscarded, m.DuplicateResultsIgnored
		}))
	if err := agg.Start(ctx); err != nil {
		return fmt.Errorf("start aggregator: %w", err)
	}
	defer func() { _ = agg.Stop(context.Background()) }()

	broadcaster := aggregator.NewBroadcaster(agg, logger)
	go broadcaster.Run(ctx)

	if inf.nats != nil {
		go pollStreamLag(ctx, inf.nats, agg, logger)
	}

	var srv *http.Server
	if cfg.Aggregator.ListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(agg.Registry(), promhttp.HandlerOpts{}))
		mux.Handle("/ws", broadcaster)
		srv = &http.Server{Addr: cfg.Aggregator.ListenAddr, Handler: mux}
		go func() {
			logger.Info("Serving metrics and websocket", "addr", cfg.Aggregator.ListenAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("HTTP server failed", "error", err)
			}
		}()
	}

	logger.Info("Stagecraft ready",
		"version", Version,
		"coordinators", cfg.Coordinators.Enabled(),
		"embedded", cfg.Bus.Embedded)

	<-ctx.Done()
	logger.Info("Received shutdown signal")

	if srv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}

	logger.Info("Stagecraft shutdown complete")
	return nil
}

// pollStreamLag feeds the engine consumer group's stream lag to the gauge.
func pollStreamLag(ctx context.Context, nb *natsbus.Bus, agg *aggregator.Aggregator, logger *slog.Logger) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lag, err := nb.StreamLag(ctx, engine.DefaultConsumerGroup)
			if err != nil {
				logger.Debug("Stream lag unavailable", "error", err)
				continue
			}
			agg.SetStreamLag(float64(lag))
		}
	}
}

func runAgent(agentType, logLevel string, concurrency int) error {
	logger := setupLogger(logLevel)

	cfg, err := loadConfig(logger)
	if err != nil {
		return err
	}
	if !agent.IsBuiltinType(agentType) {
		return configErr(fmt.Errorf("unknown agent type %q", agentType))
	}
	if cfg.Model.APIKey == "" {
		return configErr(fmt.Errorf("MODEL_API_KEY is required to run agents"))
	}

	client, err := llm.New(cfg.Model.Endpoint, cfg.Model.APIKey,
		llm.WithModel(cfg.Model.Name),
		llm.WithLogger(logger))
	if err != nil {
		return configErr(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	inf, err := connectInfra(ctx, cfg, appName+"-agent-"+agentType, logger)
	if err != nil {
		return err
	}
	defer inf.close()

	executor, err := agent.NewModelExecutor(agentType, client,
		resilience.NewBreaker(resilience.DefaultBreaker("model-"+agentType), logger), logger)
	if err != nil {
		return configErr(err)
	}

	a, err := agent.New(inf.bus, inf.kv, executor, agent.Config{
		Type:          agentType,
		Version:       Version,
		MaxConcurrent: concurrency,
	}, logger)
	if err != nil {
		return configErr(err)
	}
	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("start agent: %w", err)
	}

	logger.Info("Agent ready", "agent_type", agentType, "agent_id", a.ID())

	<-ctx.Done()
	logger.Info("Received shutdown signal")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx); err != nil {
		logger.Error("Agent stop failed", "error", err)
	}

	logger.Info("Agent shutdown complete")
	return nil
}
