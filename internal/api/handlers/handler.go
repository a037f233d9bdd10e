package handlers

import (
	"go.uber.org/zap"

	"github.com/fleetpress/fleetpress/internal/converge"
	"github.com/fleetpress/fleetpress/internal/fleet"
	"github.com/fleetpress/fleetpress/internal/orchestrator"
)

type Handler struct {
	service   *orchestrator.Service
	registry  *fleet.Registry
	converger *converge.Converger
	logger    *zap.Logger
}

func NewHandler(service *orchestrator.Service, registry *fleet.Registry, converger *converge.Converger, logger *zap.Logger) *Handler {
	return &Handler{
		service:   service,
		registry:  registry,
		converger: converger,
		logger:    logger,
	}
}
