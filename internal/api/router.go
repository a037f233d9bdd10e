package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fleetpress/fleetpress/internal/api/handlers"
	"github.com/fleetpress/fleetpress/internal/api/middleware"
	"github.com/fleetpress/fleetpress/internal/config"
)

type Server struct {
	Config  *config.Config
	Router  *gin.Engine
	Handler *handlers.Handler
}

func NewServer(cfg *config.Config, handler *handlers.Handler, logger *zap.Logger) *Server {
	gin.SetMode(cfg.Server.Mode)
	router := gin.New()

	// Middleware
	router.Use(middleware.Logger(logger))
	router.Use(gin.Recovery())
	router.Use(middleware.CORS())

	server := &Server{
		Config:  cfg,
		Router:  router,
		Handler: handler,
	}

	server.setupRoutes()
	return server
}

func (s *Server) setupRoutes() {
	h := s.Handler

	s.Router.GET("/health", h.Health)
	s.Router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API routes (protected)
	api := s.Router.Group("/api/v1")
	api.Use(middleware.AuthRequired(s.Config.Auth.JWTSecret))

	// Infrastructure routes
	{
		api.POST("/infrastructure/init", h.InitInfrastructure)
		api.GET("/infrastructure/status", h.Status)
		api.GET("/infrastructure/validate", h.ValidateFleet)
	}

	// Release routes
	{
		api.POST("/releases/update", h.UpdateCore)
		api.POST("/releases/rollback", h.RollbackCore)
	}

	// Baseline routes
	{
		api.GET("/baseline", h.CurrentBaseline)
		api.POST("/baseline/propose", h.ProposeBaseline)
		api.POST("/baseline/apply", h.ApplyBaseline)
		api.POST("/baseline/rollback", h.RollbackBaseline)
		api.GET("/baseline/history", h.BaselineHistory)
	}

	// Tenant routes
	{
		api.GET("/tenants", h.ListTenants)
		api.POST("/tenants", h.RegisterTenant)
		api.GET("/tenants/:domain", h.GetTenant)
		api.DELETE("/tenants/:domain", h.RemoveTenant)
		api.POST("/tenants/:domain/enable", h.EnableTenant)
		api.POST("/tenants/:domain/disable", h.DisableTenant)
		api.POST("/tenants/:domain/unquarantine", h.UnquarantineTenant)
		api.POST("/tenants/:domain/converge", h.ConvergeTenant)
	}
}
