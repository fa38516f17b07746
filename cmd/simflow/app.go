package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gopkg.in/yaml.v3"

	"github.com/c360studio/simflow/agent"
	"github.com/c360studio/simflow/config"
	"github.com/c360studio/simflow/events"
	"github.com/c360studio/simflow/llm"
	"github.com/c360studio/simflow/llm/providers"
	"github.com/c360studio/simflow/model"
	"github.com/c360studio/simflow/pipeline"
	checkpointgate "github.com/c360studio/simflow/processor/checkpoint-gate"
	checkpointtimeout "github.com/c360studio/simflow/processor/checkpoint-timeout"
	stageexecutor "github.com/c360studio/simflow/processor/stage-executor"
	workflowapi "github.com/c360studio/simflow/processor/workflow-api"
	workflowengine "github.com/c360studio/simflow/processor/workflow-engine"
	"github.com/c360studio/simflow/storage"
	"github.com/c360studio/simflow/storage/postgres"
	"github.com/c360studio/simflow/storage/sqlite"
	"github.com/c360studio/simflow/workflow"
)

// disciplineStages always get an agent, so templates loaded later can use
// them without a restart.
var disciplineStages = []string{"geometry", "mesh", "materials", "physics"}

// App wires the engine, its store and the API together.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *prometheus.Registry

	// NATS
	embeddedServer *server.Server
	natsConn       *nats.Conn
	js             jetstream.JetStream

	store     storage.Store
	templates *pipeline.Registry
	watcher   *pipeline.Watcher
	engine    *workflowengine.Engine
	expirer   *checkpointtimeout.Component
	api       *workflowapi.Server
	checks    map[string]workflowapi.HealthCheck
}

// NewApp creates a new application instance.
func NewApp(cfg *config.Config, logger *slog.Logger) *App {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return &App{
		cfg:     cfg,
		logger:  logger,
		metrics: reg,
		checks:  make(map[string]workflowapi.HealthCheck),
	}
}

// Build connects the store and constructs every component without starting
// any background work.
func (a *App) Build(ctx context.Context) error {
	if a.cfg.Storage.Backend == config.BackendNATS || a.cfg.NATS.PublishEvents {
		if err := a.startNATS(ctx); err != nil {
			return fmt.Errorf("start NATS: %w", err)
		}
	}

	if err := a.openStore(ctx); err != nil {
		return fmt.Errorf("open %s store: %w", a.cfg.Storage.Backend, err)
	}

	templates, err := loadTemplates(a.cfg, a.logger)
	if err != nil {
		a.logger.Warn("Some templates failed to load", "error", err)
	}
	a.templates = templates

	agents, err := a.buildAgents(stageNames(templates.List()))
	if err != nil {
		return fmt.Errorf("build agents: %w", err)
	}

	var publisher events.Publisher = events.Noop{}
	if a.cfg.NATS.PublishEvents {
		pub, err := events.NewNATSPublisher(ctx, a.js, a.cfg.NATS.SubjectPrefix)
		if err != nil {
			return err
		}
		publisher = pub
	}

	executor := stageexecutor.New(agents, a.store,
		stageexecutor.WithTimeout(a.cfg.Engine.StageTimeout),
		stageexecutor.WithLogger(a.logger),
		stageexecutor.WithRegisterer(a.metrics))
	gate := checkpointgate.New(a.store,
		checkpointgate.WithDefaultTimeout(a.cfg.Checkpoints.DefaultTimeout),
		checkpointgate.WithLogger(a.logger),
		checkpointgate.WithRegisterer(a.metrics))
	a.engine = workflowengine.New(a.store, executor, gate, templates,
		workflowengine.WithEvents(publisher),
		workflowengine.WithDefaultTemplate(a.cfg.Engine.DefaultTemplate),
		workflowengine.WithMaxIterations(a.cfg.Engine.MaxIterations),
		workflowengine.WithLogger(a.logger),
		workflowengine.WithRegisterer(a.metrics))

	a.expirer, err = checkpointtimeout.NewComponent(checkpointtimeout.Config{
		CheckInterval: a.cfg.Checkpoints.CheckInterval,
	}, a.engine, a.logger)
	if err != nil {
		return err
	}

	if a.cfg.Templates.Watch && a.cfg.Templates.Glob != "" {
		a.watcher, err = pipeline.NewWatcher(templates, a.cfg.Templates.Glob, pipeline.DefaultDebounce, a.logger)
		if err != nil {
			return fmt.Errorf("template watcher: %w", err)
		}
	}

	apiCfg := workflowapi.DefaultConfig()
	apiCfg.ListenAddr = a.cfg.API.ListenAddr
	apiCfg.MetricsEnabled = a.cfg.API.MetricsEnabled
	apiCfg.TracingEnabled = a.cfg.API.TracingEnabled
	opts := []workflowapi.Option{
		workflowapi.WithGatherer(a.metrics),
		workflowapi.WithLogger(a.logger),
	}
	for name, check := range a.checks {
		opts = append(opts, workflowapi.WithHealthCheck(name, check))
	}
	a.api, err = workflowapi.NewServer(apiCfg, a.engine, templates, opts...)
	return err
}

// Run builds the app, serves until ctx is done and shuts down.
func (a *App) Run(ctx context.Context) error {
	if err := a.Build(ctx); err != nil {
		a.Close()
		return err
	}

	if n, err := a.engine.ResumeInterrupted(ctx); err != nil {
		a.logger.Warn("Some workflows could not be resumed", "error", err)
	} else if n > 0 {
		a.logger.Info("Resumed interrupted workflows", "count", n)
	}

	if err := a.expirer.Start(ctx); err != nil {
		a.Close()
		return err
	}
	if a.watcher != nil {
		if err := a.watcher.Start(ctx); err != nil {
			a.logger.Warn("Template hot reload disabled", "error", err)
			a.watcher = nil
		}
	}

	a.logger.Info("Simflow ready",
		"version", Version,
		"storage", a.cfg.Storage.Backend,
		"agents", a.cfg.Agents.Mode,
		"templates", len(a.templates.Names()))

	serveErr := a.api.Run(ctx)
	a.Shutdown(10 * time.Second)
	return serveErr
}

// Shutdown stops background work, waits for run loops and closes
// connections.
func (a *App) Shutdown(timeout time.Duration) {
	a.logger.Info("Shutting down")

	if a.watcher != nil {
		if err := a.watcher.Stop(); err != nil {
			a.logger.Warn("Failed to stop template watcher", "error", err)
		}
	}
	if a.expirer != nil {
		if err := a.expirer.Stop(timeout); err != nil {
			a.logger.Warn("Failed to stop checkpoint expiry", "error", err)
		}
	}
	if a.engine != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := a.engine.Shutdown(ctx); err != nil {
			a.logger.Warn("Run loops still active at shutdown", "error", err)
		}
		cancel()
	}
	a.Close()
}

// Close releases the store and the NATS connection.
func (a *App) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("Failed to close store", "error", err)
		}
	}
	if a.natsConn != nil {
		if err := a.natsConn.Drain(); err != nil {
			a.natsConn.Close()
		}
	}
	if a.embeddedServer != nil {
		a.embeddedServer.Shutdown()
		a.embeddedServer.WaitForShutdown()
	}
}

func (a *App) startNATS(ctx context.Context) error {
	url := a.cfg.NATS.URL
	if a.cfg.NATS.Embedded {
		a.logger.Info("Starting embedded NATS server")
		ns, err := server.NewServer(&server.Options{
			Port:      -1,
			JetStream: true,
			NoLog:     true,
			NoSigs:    true,
		})
		if err != nil {
			return fmt.Errorf("create embedded NATS server: %w", err)
		}
		go ns.Start()
		if !ns.ReadyForConnections(5 * time.Second) {
			ns.Shutdown()
			return errors.New("embedded NATS server failed to start")
		}
		a.embeddedServer = ns
		url = ns.ClientURL()
	}

	a.logger.Info("Connecting to NATS", "url", url)
	conn, err := nats.Connect(url,
		nats.Name(appName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second))
	if err != nil {
		return fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	a.natsConn = conn

	js, err := jetstream.New(conn)
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}
	a.js = js

	a.checks["nats"] = func(context.Context) error {
		if s := conn.Status(); s != nats.CONNECTED {
			return fmt.Errorf("nats connection %s", s)
		}
		return nil
	}
	return nil
}

func (a *App) openStore(ctx context.Context) error {
	switch a.cfg.Storage.Backend {
	case config.BackendMemory:
		a.logger.Warn("Using in-memory store; workflows are lost on restart")
		a.store = storage.NewMemoryStore()
	case config.BackendNATS:
		s, err := storage.NewKVStore(ctx, a.js)
		if err != nil {
			return err
		}
		a.store = s
	case config.BackendPostgres:
		s, err := postgres.New(ctx, a.cfg.Storage.DSN, postgres.WithLogger(a.logger))
		if err != nil {
			return err
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return err
		}
		a.store = s
		a.checks["postgres"] = s.Ping
	case config.BackendSQLite:
		s, err := sqlite.New(a.cfg.Storage.SQLitePath)
		if err != nil {
			return err
		}
		a.store = s
	default:
		return fmt.Errorf("unknown backend %q", a.cfg.Storage.Backend)
	}
	return nil
}

func (a *App) buildAgents(stages []string) (agent.Bindings, error) {
	if a.cfg.Agents.Mode == config.AgentsStatic {
		a.logger.Info("Using static agents; stage results are synthetic", "stages", stages)
		return agent.NewStaticBindings(stages), nil
	}

	registry := model.NewDefaultRegistry()
	if a.cfg.ModelRegistry != "" {
		r, err := model.LoadFromFile(a.cfg.ModelRegistry)
		if err != nil {
			return nil, err
		}
		registry = r
	}
	client := llm.NewClient(registry,
		llm.WithProviders(providers.All()...),
		llm.WithLogger(a.logger))

	opts := []agent.LLMOption{
		agent.WithTemperature(a.cfg.Agents.Temperature),
		agent.WithLogger(a.logger),
	}
	if a.cfg.Agents.MaxTokens > 0 {
		opts = append(opts, agent.WithMaxTokens(a.cfg.Agents.MaxTokens))
	}
	return agent.NewLLMBindings(client, stages, opts...), nil
}

// loadTemplates returns the built-in templates plus those matched by the
// configured glob. The registry is usable even when some files fail.
func loadTemplates(cfg *config.Config, logger *slog.Logger) (*pipeline.Registry, error) {
	reg := pipeline.NewRegistry(logger)
	if cfg.Templates.Glob == "" {
		return reg, nil
	}
	n, err := reg.LoadGlob(cfg.Templates.Glob)
	logger.Info("Loaded pipeline templates", "pattern", cfg.Templates.Glob, "count", n)
	return reg, err
}

// stageNames returns the discipline stages plus every stage named by
// templates, sorted and unique.
func stageNames(templates []workflow.Template) []string {
	seen := make(map[string]bool)
	for _, s := range disciplineStages {
		seen[s] = true
	}
	for _, t := range templates {
		for _, s := range t.Stages {
			seen[s.Name] = true
		}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func marshalConfig(cfg *config.Config) ([]byte, error) {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
