// Package api serves the controller's HTTP surface: task and agent CRUD, the
// result ingestion endpoints agents report through, the subtask catalog, the
// comm log view, and the websocket channel upgrade. Every response except the
// heartbeat uses the {success, data?, error?} envelope.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/taskfleet/taskfleet/pkg/collector"
	"github.com/taskfleet/taskfleet/pkg/database"
	"github.com/taskfleet/taskfleet/pkg/hub"
	"github.com/taskfleet/taskfleet/pkg/metrics"
	"github.com/taskfleet/taskfleet/pkg/presence"
	"github.com/taskfleet/taskfleet/pkg/store"
	"github.com/taskfleet/taskfleet/pkg/subtask"
	"github.com/taskfleet/taskfleet/pkg/subtask/runner"
)

// Kicker lets handlers nudge the scheduler after mutations that create
// dispatchable work.
type Kicker interface {
	Kick()
}

// Server bundles the handler dependencies.
type Server struct {
	store     *store.Store
	db        *database.Client
	tracker   *presence.Tracker
	hub       *hub.Hub
	collector *collector.Collector
	scheduler Kicker
	registry  *subtask.Registry
	executor  *runner.Executor
	metrics   *metrics.Metrics

	httpSrv *http.Server
}

// NewServer creates the API server.
func NewServer(st *store.Store, db *database.Client, tracker *presence.Tracker,
	h *hub.Hub, c *collector.Collector, scheduler Kicker,
	registry *subtask.Registry, executor *runner.Executor, m *metrics.Metrics) *Server {
	return &Server{
		store:     st,
		db:        db,
		tracker:   tracker,
		hub:       h,
		collector: c,
		scheduler: scheduler,
		registry:  registry,
		executor:  executor,
		metrics:   m,
	}
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(requestLogger(), recovery())

	r.GET("/health", s.Health)
	r.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	api := r.Group("/api")
	api.GET("/channel", gin.WrapF(s.hub.HandleConnection))

	tasks := api.Group("/tasks")
	tasks.GET("", s.ListTasks)
	tasks.POST("", s.CreateTask)
	tasks.GET("/:id", s.GetTask)
	tasks.PUT("/:id", s.UpdateTask)
	tasks.DELETE("/:id", s.DeleteTask)
	tasks.POST("/:id/cancel", s.CancelTask)
	tasks.GET("/:id/subtask-executions", s.ListSubtaskExecutions)
	tasks.POST("/:id/subtask-executions", s.PostSubtaskExecution)

	agents := api.Group("/agents")
	agents.POST("/register", s.RegisterAgent)
	agents.POST("/update_config", s.UpdateAgentConfig)
	agents.POST("/unregister", s.UnregisterAgent)
	agents.POST("/heartbeat", s.Heartbeat)
	agents.POST("/validate_name", s.ValidateAgentName)
	agents.GET("", s.ListAgents)
	agents.GET("/names", s.AgentNames)
	agents.GET("/:name", s.GetAgent)
	agents.DELETE("/:name", s.DeleteAgent)

	subtasks := api.Group("/subtasks")
	subtasks.GET("", s.ListSubtaskKinds)
	subtasks.POST("/:name/test", s.TestSubtask)

	api.POST("/execute", s.ExecuteStarted)
	api.POST("/result", s.AgentResult)
	api.POST("/subtask_result", s.SubtaskResult)
	api.GET("/logs", s.CommLogs)

	return r
}

// Start begins serving on the given port. Blocks until the listener fails or
// Shutdown is called; a closed-server error is swallowed.
func (s *Server) Start(port string) error {
	s.httpSrv = &http.Server{
		Addr:              ":" + port,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("API server listening", "port", port)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
