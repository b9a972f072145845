// Package server exposes the orchestrator over HTTP: a JSON API for mission
// control, a websocket event stream per mission, and the Prometheus scrape
// endpoint.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"helmsman/internal/config"
	"helmsman/internal/logging"
	"helmsman/internal/orchestrator"
)

// Server hosts the HTTP API over one orchestrator.
type Server struct {
	orchestrator *orchestrator.Orchestrator
	engine       *gin.Engine
	httpServer   *http.Server
	upgrader     websocket.Upgrader
	logger       logging.Logger
	startTime    time.Time
}

// New builds the server and its routes.
func New(cfg config.ServerConfig, orch *orchestrator.Orchestrator, logger logging.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(cfg.CORSOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.CORSOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.AllowWebSockets = true
	engine.Use(cors.New(corsConfig))

	s := &Server{
		orchestrator: orch,
		engine:       engine,
		logger:       logging.OrNop(logger),
		startTime:    time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	s.httpServer = &http.Server{
		Addr:        cfg.Addr(),
		Handler:     engine,
		ReadTimeout: 30 * time.Second,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/healthz", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.engine.Group("/api")

	missions := api.Group("/missions")
	{
		missions.POST("", s.handleCreateMission)
		missions.GET("", s.handleListMissions)
		missions.GET("/:id", s.handleGetMission)
		missions.GET("/:id/events", s.handleListEvents)
		missions.GET("/:id/stream", s.handleStream)
		missions.POST("/:id/start", s.handleStartMission)
		missions.POST("/:id/pause", s.handlePauseMission)
		missions.POST("/:id/resume", s.handleResumeMission)
		missions.POST("/:id/cancel", s.handleCancelMission)
	}

	approvals := api.Group("/approvals")
	{
		approvals.GET("", s.handleListApprovals)
		approvals.POST("/:id/reply", s.handleApprovalReply)
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.logger.Info("helmsman API listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	})
}
