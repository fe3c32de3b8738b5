// Package rest serves the read-only observation API and the operator stop
// endpoint over HTTP.
package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenCellCycler/internal/api/websocket"
	"github.com/KevinKickass/OpenCellCycler/internal/auth"
	"github.com/KevinKickass/OpenCellCycler/internal/config"
	"github.com/KevinKickass/OpenCellCycler/internal/interfaces"
)

type Server struct {
	router      *gin.Engine
	lm          interfaces.LifecycleManager
	logger      *zap.Logger
	server      *http.Server
	wsHub       *websocket.Hub
	authService *auth.AuthService

	hubCtx    context.Context
	hubCancel context.CancelFunc
}

func NewServer(cfg *config.Config, lm interfaces.LifecycleManager, authService *auth.AuthService, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	hubCtx, hubCancel := context.WithCancel(context.Background())
	s := &Server{
		router:      gin.New(),
		lm:          lm,
		logger:      logger,
		wsHub:       websocket.NewHub(logger, lm.Store()),
		authService: authService,
		hubCtx:      hubCtx,
		hubCancel:   hubCancel,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	go s.wsHub.Run(s.hubCtx)
	s.lm.Store().Subscribe(s.wsHub.BroadcastTest)

	s.logger.Info("Starting REST API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("REST server failed", zap.Error(err))
		}
	}()
	return nil
}

// BroadcastSystemStatus forwards system state changes to websocket clients
// until updates is closed.
func (s *Server) BroadcastSystemStatus(updates <-chan interfaces.SystemStatus) {
	go func() {
		for st := range updates {
			s.wsHub.Broadcast(websocket.NewSystemStatusMessage(st))
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down REST API server")
	defer s.hubCancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery())
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(CORSMiddleware())

	// Public routes (no auth required)
	s.router.GET("/health", s.healthCheck)

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/auth/token", s.issueToken)

		v1.GET("/system/status", s.getSystemStatus)
		v1.GET("/transports", s.listTransports)

		tests := v1.Group("/tests")
		{
			tests.GET("", s.listTests)
			tests.GET("/:name", s.getTest)
			tests.POST("/:name/stop",
				s.authService.AuthMiddleware(),
				auth.RequirePermission(auth.PermOperator),
				s.stopTest)
		}

		runs := v1.Group("/runs")
		{
			runs.GET("", s.listRuns)
			runs.GET("/:id/measurements", s.getRunMeasurements)
		}

		ws := v1.Group("/ws")
		{
			ws.GET("/live", s.wsLiveConnection)
			ws.GET("/status", s.wsStatus)
		}
	}
}

// WebSocket handlers
func (s *Server) wsLiveConnection(c *gin.Context) {
	websocket.ServeWs(s.wsHub, c.Writer, c.Request)
}

func (s *Server) wsStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected_clients": s.wsHub.GetClientCount(),
	})
}

// Health check (public)
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"state":     s.lm.GetCurrentStatus().State,
		"timestamp": time.Now().Unix(),
	})
}
