package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fleetpress/fleetpress/internal/baseline"
	"github.com/fleetpress/fleetpress/internal/core"
)

type initRequest struct {
	Extensions []core.Extension  `json:"extensions"`
	Theme      string            `json:"theme" binding:"required"`
	Options    map[string]string `json:"options"`
}

func (h *Handler) InitInfrastructure(c *gin.Context) {
	var req initRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	desired := baseline.DesiredState{
		Extensions: req.Extensions,
		Theme:      req.Theme,
		Options:    req.Options,
	}
	if err := h.service.Init(c.Request.Context(), desired); err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"message": "Fleet infrastructure initialized"})
}

func (h *Handler) Status(c *gin.Context) {
	status, err := h.service.Status()
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// ValidateFleet reports converged, behind, quarantined and disabled tenants
// without performing any mutation.
func (h *Handler) ValidateFleet(c *gin.Context) {
	state, err := h.service.Validate()
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}
