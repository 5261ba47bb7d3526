package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/c360studio/conductor/artifact"
	"github.com/c360studio/conductor/config"
	"github.com/c360studio/conductor/event"
	"github.com/c360studio/conductor/ratelimit"
	"github.com/c360studio/conductor/router"
	"github.com/c360studio/conductor/sandbox"
	"github.com/c360studio/conductor/scheduler"
	"github.com/c360studio/conductor/worker"
	"github.com/c360studio/conductor/workflow"
)

// App wires the engine together: bus, router, sandbox, artifact store,
// worker registry, and scheduler.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	bus       event.Bus
	redis     *redis.Client
	limits    ratelimit.Store
	stopWatch func() error

	stateStore scheduler.StateStore
	boltStore  *scheduler.BoltStore
	sched      *scheduler.Scheduler
	registry   *worker.Registry
	artifacts  *artifact.Store
	metricsSrv *http.Server
}

// NewApp builds every component from the configuration. Nothing is started
// yet; Start subscribes the registry and serves metrics.
func NewApp(ctx context.Context, cfg config.Config, workDir string, logger *slog.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}

	if cfg.Bus.Transport == config.TransportRemote {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.Bus.RedisAddr})
		a.bus = event.NewRedisBus(a.redis)
		a.limits = ratelimit.NewRedisStore(a.redis)
	} else {
		a.bus = event.NewMemoryBus()
		a.limits = ratelimit.NewMemoryStore()
	}

	completer, err := a.buildCompleter()
	if err != nil {
		return nil, err
	}

	if cfg.Artifact.RepoRoot != "" {
		store, err := artifact.NewStore(ctx, cfg.Artifact.StoreConfig(), artifact.WithBus(a.bus))
		if err != nil {
			return nil, fmt.Errorf("artifact store: %w", err)
		}
		a.artifacts = store
	}

	if err := a.buildWorkers(completer, workDir); err != nil {
		return nil, err
	}

	if cfg.State.Path != "" {
		bolt, err := scheduler.OpenBoltStore(cfg.State.Path)
		if err != nil {
			return nil, err
		}
		a.boltStore = bolt
		a.stateStore = bolt
	} else {
		a.stateStore = scheduler.NewMemoryStore()
	}

	sched, err := scheduler.New(cfg.Scheduler.SchedulerConfig(), a.bus, a.stateStore,
		scheduler.WithMetrics(scheduler.NewMetrics(prometheus.DefaultRegisterer)))
	if err != nil {
		return nil, err
	}
	a.sched = sched
	return a, nil
}

// buildCompleter returns the multi-key router, or the direct single-key
// client when the router is disabled.
func (a *App) buildCompleter() (worker.Completer, error) {
	secrets := router.NewEnvSource(a.cfg.Router.SecretEnvPrefix)

	if !a.cfg.Router.Enabled {
		if a.cfg.Router.CredentialsFile == "" {
			return nil, fmt.Errorf("router.credentials_file is required even for the direct client")
		}
		creds, err := router.LoadCredentialsFile(a.cfg.Router.CredentialsFile)
		if err != nil {
			return nil, err
		}
		if len(creds) == 0 {
			return nil, fmt.Errorf("no credentials configured")
		}
		a.logger.Info("router disabled, using direct client", "key_id", creds[0].KeyID)
		return &directCompleter{client: router.NewDirectClient(creds[0], secrets)}, nil
	}

	list, err := router.LoadCredentialsFile(a.cfg.Router.CredentialsFile)
	if err != nil {
		return nil, err
	}
	creds, err := router.NewCredentials(list)
	if err != nil {
		return nil, err
	}

	stop, err := router.WatchCredentialsFile(a.cfg.Router.CredentialsFile, creds, a.limits, a.logger)
	if err != nil {
		a.logger.Warn("credential hot reload unavailable", "error", err)
	} else {
		a.stopWatch = stop
	}

	return router.New(creds, a.limits, secrets,
		router.WithRetryConfig(a.cfg.Router.RetryConfig()),
		router.WithMetrics(router.NewMetrics(prometheus.DefaultRegisterer))), nil
}

// directCompleter adapts the single-key client to the adapter contract.
type directCompleter struct {
	client *router.DirectClient
}

func (d *directCompleter) Complete(ctx context.Context, req router.Request) (*router.Response, error) {
	return d.client.Complete(ctx, req.Messages, req.MaxTokens)
}

func (a *App) buildWorkers(completer worker.Completer, workDir string) error {
	runner := sandbox.NewDockerRunner(a.cfg.Sandbox.DockerConfig())
	gateway := sandbox.NewGateway(runner)

	validator, err := worker.NewValidator(gateway, filepath.Join(workDir, "sandbox"))
	if err != nil {
		return err
	}

	a.registry = worker.NewRegistry(a.bus)
	a.registry.Register(workflow.RoleValidate, validator)

	roles := map[string]string{
		workflow.RoleDesign:    router.TierHeavy,
		workflow.RoleImplement: router.TierMedium,
		workflow.RoleRepair:    router.TierMedium,
	}
	for role, tier := range roles {
		opts := []worker.LLMOption{}
		if a.artifacts != nil {
			opts = append(opts, worker.WithArtifactStore(a.artifacts))
		}
		adapter, err := worker.NewLLMAdapter(role, completer, worker.LLMConfig{
			Tier:    tier,
			WorkDir: filepath.Join(workDir, "deliverables"),
		}, opts...)
		if err != nil {
			return err
		}
		a.registry.Register(role, adapter)
	}
	return nil
}

// Start subscribes the worker registry and serves metrics when configured.
func (a *App) Start(ctx context.Context, metricsAddr string) error {
	if err := a.registry.Start(ctx); err != nil {
		return err
	}
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		a.metricsSrv = &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := a.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				a.logger.Error("metrics server", "error", err)
			}
		}()
	}
	return nil
}

// Close tears down in reverse dependency order.
func (a *App) Close() {
	if a.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = a.metricsSrv.Shutdown(ctx)
		cancel()
	}
	if a.registry != nil {
		_ = a.registry.Close()
	}
	if a.sched != nil {
		_ = a.sched.Close()
	}
	if a.stopWatch != nil {
		_ = a.stopWatch()
	}
	if a.boltStore != nil {
		_ = a.boltStore.Close()
	}
	if a.bus != nil {
		_ = a.bus.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
}

func run(ctx context.Context, configPath, graphPath, metricsAddr, logLevel string) error {
	setupLogging(logLevel)
	logger := slog.Default().With("component", appName)

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	} else {
		// Without a config file there is no credential inventory to route
		// across; fall back to the direct client path requirements.
		cfg.Router.Enabled = false
		logger.Warn("no config file given, router disabled")
	}

	workDir, err := os.MkdirTemp("", "conductor-*")
	if err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(ctx, cfg, workDir, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.Start(ctx, metricsAddr); err != nil {
		return err
	}

	producer := &worker.DocumentProducer{Path: graphPath}
	graph, err := producer.Produce(ctx)
	if err != nil {
		return err
	}

	wf, err := app.sched.CreateWorkflow(ctx, graph)
	if err != nil {
		return err
	}
	fmt.Printf("workflow %s created from graph %s (%d tasks)\n",
		wf.WorkflowID, graph.GraphID, len(graph.Tasks))

	// A signal cancels the workflow; in-flight tasks finish and are
	// discarded.
	go func() {
		<-ctx.Done()
		cancelCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = app.sched.Cancel(cancelCtx, wf.WorkflowID)
	}()

	if err := app.sched.Execute(context.WithoutCancel(ctx), wf.WorkflowID); err != nil {
		return err
	}

	final, err := app.stateStore.LoadWorkflow(context.Background(), wf.WorkflowID)
	if err != nil {
		return err
	}
	fmt.Printf("workflow %s finished: %s\n", final.WorkflowID, final.Status)
	for id, st := range final.TaskStates {
		fmt.Printf("  %-24s %-10s attempts=%d\n", id, st.Status, st.Attempts)
	}
	if final.Status != workflow.WorkflowCompleted {
		return fmt.Errorf("workflow %s", final.Status)
	}
	return nil
}

func setupLogging(level string) {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}
