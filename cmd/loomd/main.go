// Command loomd runs the agent runtime: the websocket chat gateway, the
// delegation task surface and the durable task worker, over a sqlite or
// postgres store.
//
// Configuration is a YAML file selected by -config or the LOOM_CONFIG
// environment variable. With no temporal.host_port configured the process
// runs the in-memory engine, which is the single-node development mode.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"goa.design/clue/log"

	"github.com/loomhq/loom/config"
	"github.com/loomhq/loom/features/model/anthropic"
	"github.com/loomhq/loom/features/model/middleware"
	"github.com/loomhq/loom/features/model/openai"
	redisstream "github.com/loomhq/loom/features/stream/redis"
	"github.com/loomhq/loom/gateway"
	"github.com/loomhq/loom/runtime/catalog"
	"github.com/loomhq/loom/runtime/delegate"
	"github.com/loomhq/loom/runtime/engine"
	"github.com/loomhq/loom/runtime/engine/inmem"
	"github.com/loomhq/loom/runtime/engine/temporal"
	"github.com/loomhq/loom/runtime/factory"
	"github.com/loomhq/loom/runtime/leader"
	"github.com/loomhq/loom/runtime/model"
	"github.com/loomhq/loom/runtime/orchestrator"
	"github.com/loomhq/loom/runtime/task"
	"github.com/loomhq/loom/runtime/telemetry"
	"github.com/loomhq/loom/storage"
	"github.com/loomhq/loom/storage/postgres"
	"github.com/loomhq/loom/storage/sqlite"
)

// Agent class names registered at startup. Static catalog entries reference
// these through their class_name field.
const (
	classChatAgent   = "loom.ChatAgent"
	classLeaderAgent = "loom.LeaderAgent"
)

// stores groups the backend-specific sub-stores behind the shared contracts.
type stores struct {
	agents   storage.AgentStore
	sessions storage.SessionStore
	history  storage.HistoryStore
	tasks    task.Store
	close    func()
}

func main() {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))

	if err := run(ctx); err != nil {
		log.Fatalf(ctx, err, "loomd exited")
	}
}

func run(ctx context.Context) error {
	path := os.Getenv("LOOM_CONFIG")
	if len(os.Args) > 2 && os.Args[1] == "-config" {
		path = os.Args[2]
	}
	if path == "" {
		path = "loom.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	if cfg.App.LogLevel == "debug" {
		ctx = log.Context(ctx, log.WithDebug())
	}

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewOtelMetrics()

	st, err := openStores(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer st.close()

	modelClient, modelName, err := buildModel(cfg.AI)
	if err != nil {
		return err
	}

	registry := catalog.NewRegistry()
	registry.Register(classChatAgent, factory.NewChatAgent(factory.Deps{
		Model:     modelClient,
		ModelName: modelName,
		Servers:   cfg.MCP.Servers,
		Logger:    logger,
		Metrics:   metrics,
	}))
	registry.Register(classLeaderAgent, leader.New(leader.Deps{
		Model:     modelClient,
		ModelName: modelName,
		Logger:    logger,
		Metrics:   metrics,
	}))

	cat := catalog.New(st.agents, registry, cfg.AI.Agents, logger)
	if err := cat.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap catalog: %w", err)
	}

	fact, err := factory.New(factory.Options{
		Catalog:      cat,
		Registry:     registry,
		Capacity:     cfg.AI.MaxConcurrentAgents,
		DefaultClass: classChatAgent,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	runner := task.NewRunner(task.RunnerOptions{
		Store:   st.tasks,
		Factory: fact,
		Catalog: cat,
		Logger:  logger,
	})

	eng, stopEngine, err := startEngine(ctx, cfg.Temporal, runner)
	if err != nil {
		return err
	}
	defer stopEngine()

	bridge := delegate.NewBridge(delegate.Options{
		Engine:    eng,
		Store:     st.tasks,
		TaskQueue: cfg.Temporal.TaskQueue,
		Heartbeat: temporal.RecordHeartbeat,
		Logger:    logger,
	})

	var mirror orchestrator.Mirror
	if cfg.App.RedisAddr != "" {
		rdb := goredis.NewClient(&goredis.Options{Addr: cfg.App.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis %s: %w", cfg.App.RedisAddr, err)
		}
		defer rdb.Close()
		mirror, err = redisstream.New(redisstream.Options{
			Redis:            rdb,
			OperationTimeout: 2 * time.Second,
			Logger:           logger,
		})
		if err != nil {
			return err
		}
		log.Print(ctx, log.KV{K: "msg", V: "stream fan-out enabled"}, log.KV{K: "redis", V: cfg.App.RedisAddr})
	}

	orch, err := orchestrator.New(orchestrator.Options{
		Factory:  fact,
		Sessions: st.sessions,
		History:  st.history,
		Logger:   logger,
		Metrics:  metrics,
		Mirror:   mirror,
	})
	if err != nil {
		return err
	}

	gw, err := gateway.New(gateway.Options{
		Orchestrator:      orch,
		AuthorizedOrigins: cfg.Security.AuthorizedOrigins,
		Logger:            logger,
		Metrics:           metrics,
	})
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/", gw.Handler())
	mountTaskRoutes(mux, bridge, st.tasks, logger)

	addr := net.JoinHostPort(cfg.App.Address, strconv.Itoa(cfg.App.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           log.HTTP(ctx)(mux),
		ReadHeaderTimeout: 60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("signal: %s", <-c)
	}()
	go func() {
		log.Printf(ctx, "listening on %q", addr)
		errc <- srv.ListenAndServe()
	}()

	err = <-errc
	log.Printf(ctx, "shutting down: %v", err)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		log.Printf(ctx, "shutdown: %v", serr)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// openStores selects the persistence backend from configuration.
func openStores(ctx context.Context, cfg config.Storage) (*stores, error) {
	switch cfg.Driver {
	case "", "sqlite":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = ":memory:"
		}
		s, err := sqlite.Open(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return &stores{
			agents:   s.Agents(),
			sessions: s.Sessions(),
			history:  s.History(),
			tasks:    s.Tasks(),
			close:    func() { _ = s.Close() },
		}, nil
	case "postgres":
		s, err := postgres.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return &stores{
			agents:   s.Agents(),
			sessions: s.Sessions(),
			history:  s.History(),
			tasks:    s.Tasks(),
			close:    s.Close,
		}, nil
	default:
		return nil, fmt.Errorf("storage: unknown driver %q", cfg.Driver)
	}
}

// buildModel constructs the provider client named by the configuration,
// wrapped in the rate-limiting middleware when a budget is set.
func buildModel(cfg config.AI) (model.Client, string, error) {
	var (
		client model.Client
		err    error
	)
	switch {
	case cfg.Providers.OpenAI.APIKey != "":
		client, err = openai.NewFromAPIKey(
			cfg.Providers.OpenAI.APIKey, cfg.Providers.OpenAI.BaseURL, cfg.DefaultChatModel)
	case cfg.Providers.Anthropic.APIKey != "":
		client, err = anthropic.NewFromAPIKey(
			cfg.Providers.Anthropic.APIKey, cfg.Providers.Anthropic.BaseURL, cfg.DefaultChatModel)
	default:
		return nil, "", errors.New("ai.providers: no provider api key configured")
	}
	if err != nil {
		return nil, "", fmt.Errorf("build model client: %w", err)
	}
	if tpm := cfg.Providers.TokensPerMinute; tpm > 0 {
		client = middleware.NewAdaptiveRateLimiter(tpm, tpm).Middleware()(client)
	}
	return client, cfg.DefaultChatModel, nil
}

// startEngine wires the durable engine. With a Temporal frontend configured
// it also runs the worker hosting the delegation workflow and the runner
// activity; otherwise the in-memory engine serves single-node development.
func startEngine(ctx context.Context, cfg config.Temporal, runner *task.Runner) (engine.Engine, func(), error) {
	if cfg.HostPort == "" {
		e := inmem.New()
		runner.RegisterInmem(e)
		log.Printf(ctx, "durable engine: in-memory (no temporal.host_port configured)")
		return e, func() {}, nil
	}

	eng, err := temporal.Dial(cfg)
	if err != nil {
		return nil, nil, err
	}
	w := worker.New(eng.Client(), cfg.TaskQueue, worker.Options{})
	w.RegisterWorkflowWithOptions(task.DelegationWorkflow, workflow.RegisterOptions{Name: task.WorkflowName})
	w.RegisterActivityWithOptions(runner.Run, activity.RegisterOptions{Name: task.ActivityName})
	if err := w.Start(); err != nil {
		eng.Close()
		return nil, nil, fmt.Errorf("start temporal worker: %w", err)
	}
	log.Printf(ctx, "durable engine: temporal at %s queue %s", cfg.HostPort, cfg.TaskQueue)
	return eng, func() { w.Stop(); eng.Close() }, nil
}
