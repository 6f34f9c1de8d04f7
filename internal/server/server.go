// Package server exposes run status and revocation over HTTP.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"runtrack/internal/controller"
	"runtrack/internal/observability"
)

// Config controls the HTTP listener.
type Config struct {
	Host         string
	Port         int
	EnableCORS   bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server serves run status queries and revoke triggers. All task state reads
// go through the synchronized tracker view; the aggregator itself is owned
// by the ingestion goroutine.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	tracker    *controller.SyncTracker
	ctl        *controller.Controller
	logger     *observability.Logger
}

// New builds the server and its routes.
func New(cfg Config, tracker *controller.SyncTracker, ctl *controller.Controller, logger *observability.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	if cfg.EnableCORS {
		engine.Use(cors.Default())
	}

	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}

	s := &Server{
		engine:  engine,
		tracker: tracker,
		ctl:     ctl,
		logger:  observability.OrNop(logger).WithComponent("server"),
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:      engine,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.engine.Group("/api/v1")
	api.GET("/run", s.runStatus)
	api.GET("/tasks", s.listTasks)
	api.GET("/tasks/:uuid", s.getTask)
	api.POST("/revoke", s.postRevoke)
	api.GET("/revoke/latest", s.latestRevoke)
}

func (s *Server) runStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"root_uuid":          s.tracker.RootUUID(),
		"root_complete":      s.tracker.IsRootComplete(),
		"all_tasks_complete": s.tracker.AllTasksComplete(),
		"task_count":         s.tracker.TaskCount(),
		"revoked":            s.ctl.IsRunRevoked(),
	})
}

func (s *Server) listTasks(c *gin.Context) {
	c.JSON(http.StatusOK, s.tracker.Tasks())
}

func (s *Server) getTask(c *gin.Context) {
	task, ok := s.tracker.Task(c.Param("uuid"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown task"})
		return
	}
	c.JSON(http.StatusOK, task)
}

type revokeRequest struct {
	TaskUUID string `json:"task_uuid"`
	Reason   string `json:"reason" binding:"required"`
	User     string `json:"user"`
	RunScope bool   `json:"run_scope"`
}

func (s *Server) postRevoke(c *gin.Context) {
	var body revokeRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	taskUUID := body.TaskUUID
	if body.RunScope && taskUUID == "" {
		taskUUID = s.tracker.RootUUID()
	}
	if taskUUID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "task_uuid required (no root task known yet)"})
		return
	}

	req, err := s.ctl.RevokeTask(c.Request.Context(), taskUUID, body.Reason, body.User, body.RunScope)
	if err != nil {
		s.logger.Warn("revoke request failed", "task_uuid", taskUUID, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "record_id": req.RecordID})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"record_id": req.RecordID, "task_uuid": taskUUID})
}

func (s *Server) latestRevoke(c *gin.Context) {
	latest, err := s.ctl.CurrentRunRevoke()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if latest == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run has not been revoked"})
		return
	}
	c.JSON(http.StatusOK, latest)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
