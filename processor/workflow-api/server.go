// Package workflowapi exposes the workflow engine over HTTP: starting and
// inspecting workflows, answering checkpoints and listing templates.
package workflowapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	workflowengine "github.com/c360studio/simflow/processor/workflow-engine"
	"github.com/c360studio/simflow/workflow"
)

// ServiceName is the name reported in traces.
const ServiceName = "simflow-api"

// Engine is the part of the workflow engine the API drives.
type Engine interface {
	Start(ctx context.Context, req workflowengine.StartRequest) (string, error)
	GetStatus(ctx context.Context, workflowID string) (*workflowengine.Status, error)
	List(ctx context.Context, filter workflow.StateFilter) ([]*workflowengine.Status, error)
	RespondToCheckpoint(ctx context.Context, checkpointID string, resp workflowengine.Response) error
	Cancel(ctx context.Context, workflowID string) error
	ListCheckpoints(ctx context.Context, workflowID string) ([]*workflow.Checkpoint, error)
	History(ctx context.Context, workflowID string) (*workflowengine.History, error)
}

// Catalog lists the pipeline templates workflows can start on.
type Catalog interface {
	Lookup(name string) (workflow.Template, bool)
	List() []workflow.Template
	Source(name string) string
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Server is the HTTP front of the engine.
type Server struct {
	cfg      Config
	engine   Engine
	catalog  Catalog
	gatherer prometheus.Gatherer
	checks   map[string]HealthCheck
	logger   *slog.Logger
	echo     *echo.Echo
}

// Option configures a Server.
type Option func(*Server)

// WithGatherer sets the registry served on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		if g != nil {
			s.gatherer = g
		}
	}
}

// WithHealthCheck adds a named check to /healthz.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(s *Server) {
		s.checks[name] = check
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer builds the server and its routes.
func NewServer(cfg Config, engine Engine, catalog Catalog, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid api config: %w", err)
	}
	if engine == nil || catalog == nil {
		return nil, errors.New("engine and catalog are required")
	}

	s := &Server{
		cfg:      cfg,
		engine:   engine,
		catalog:  catalog,
		gatherer: prometheus.DefaultGatherer,
		checks:   make(map[string]HealthCheck),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "workflow-api")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Debug("Request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency)
			return nil
		},
	}))
	if cfg.TracingEnabled {
		e.Use(otelecho.Middleware(ServiceName))
	}

	e.GET("/healthz", s.health)
	if cfg.MetricsEnabled {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	api := e.Group("/api/v1")
	api.POST("/workflows", s.startWorkflow)
	api.GET("/workflows", s.listWorkflows)
	api.GET("/workflows/:id", s.getWorkflow)
	api.POST("/workflows/:id/cancel", s.cancelWorkflow)
	api.GET("/workflows/:id/checkpoints", s.listCheckpoints)
	api.GET("/workflows/:id/history", s.history)
	api.POST("/checkpoints/:id/respond", s.respond)
	api.GET("/templates", s.listTemplates)
	api.GET("/templates/:name", s.getTemplate)

	s.echo = e
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.echo,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API listening", "addr", s.cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown api: %w", err)
	}
	s.logger.Info("API stopped")
	return nil
}

// StartedResponse acknowledges a new workflow.
type StartedResponse struct {
	WorkflowID string                 `json:"workflow_id"`
	StatusURL  string                 `json:"status_url"`
	Workflow   *workflowengine.Status `json:"workflow,omitempty"`
}

// AcceptedResponse acknowledges an asynchronous command.
type AcceptedResponse struct {
	WorkflowID   string `json:"workflow_id,omitempty"`
	CheckpointID string `json:"checkpoint_id,omitempty"`
	Accepted     bool   `json:"accepted"`
}

// TemplateView is a template plus where it was loaded from.
type TemplateView struct {
	workflow.Template
	Source string `json:"source"`
}

func (s *Server) startWorkflow(c echo.Context) error {
	var req workflowengine.StartRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	id, err := s.engine.Start(ctx, req)
	if err != nil {
		return err
	}

	url := "/api/v1/workflows/" + id
	resp := StartedResponse{WorkflowID: id, StatusURL: url}
	if st, err := s.engine.GetStatus(ctx, id); err == nil {
		resp.Workflow = st
	}
	c.Response().Header().Set(echo.HeaderLocation, url)
	return c.JSON(http.StatusAccepted, resp)
}

func (s *Server) listWorkflows(c echo.Context) error {
	filter := workflow.StateFilter{ProjectID: c.QueryParam("project_id")}
	for _, raw := range c.QueryParams()["status"] {
		for _, v := range strings.Split(raw, ",") {
			st := workflow.Status(strings.TrimSpace(v))
			if st == "" {
				continue
			}
			if !st.IsValid() {
				return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown status %q", st))
			}
			filter.Statuses = append(filter.Statuses, st)
		}
	}

	list, err := s.engine.List(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) getWorkflow(c echo.Context) error {
	st, err := s.engine.GetStatus(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) cancelWorkflow(c echo.Context) error {
	id := c.Param("id")
	if err := s.engine.Cancel(c.Request().Context(), id); err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, AcceptedResponse{WorkflowID: id, Accepted: true})
}

func (s *Server) listCheckpoints(c echo.Context) error {
	cps, err := s.engine.ListCheckpoints(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	if cps == nil {
		cps = []*workflow.Checkpoint{}
	}
	return c.JSON(http.StatusOK, cps)
}

func (s *Server) history(c echo.Context) error {
	h, err := s.engine.History(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, h)
}

func (s *Server) respond(c echo.Context) error {
	var resp workflowengine.Response
	if err := c.Bind(&resp); err != nil {
		return err
	}
	id := c.Param("id")
	if err := s.engine.RespondToCheckpoint(c.Request().Context(), id, resp); err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, AcceptedResponse{CheckpointID: id, Accepted: true})
}

func (s *Server) listTemplates(c echo.Context) error {
	tpls := s.catalog.List()
	out := make([]TemplateView, 0, len(tpls))
	for _, t := range tpls {
		out = append(out, TemplateView{Template: t, Source: s.catalog.Source(t.Name)})
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) getTemplate(c echo.Context) error {
	name := c.Param("name")
	t, ok := s.catalog.Lookup(name)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("template %q not found", name))
	}
	return c.JSON(http.StatusOK, TemplateView{Template: t, Source: s.catalog.Source(name)})
}

// HealthResponse is the body of /healthz.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (s *Server) health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	resp := HealthResponse{Status: "ok", Checks: make(map[string]string, len(names))}
	code := http.StatusOK
	for _, name := range names {
		if err := s.checks[name](ctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	return c.JSON(code, resp)
}
