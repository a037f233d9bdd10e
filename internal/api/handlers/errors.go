package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fleetpress/fleetpress/internal/core"
)

// respondError maps the error taxonomy onto HTTP statuses. Canary failures
// are surfaced loudly as their own status so automation can distinguish a
// blocked gate from an internal fault.
func (h *Handler) respondError(c *gin.Context, err error) {
	var canaryErr *core.CanaryError
	var fetchErr *core.FetchError

	switch {
	case errors.Is(err, core.ErrNotInitialized):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, core.ErrConcurrentMutation):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, core.ErrReleaseNotFound),
		errors.Is(err, core.ErrVersionNotFound),
		errors.Is(err, core.ErrTenantNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, core.ErrNoPriorRelease):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.As(err, &canaryErr):
		c.JSON(http.StatusPreconditionFailed, gin.H{
			"error":  "canary gate failed",
			"tenant": canaryErr.Tenant,
			"reason": canaryErr.Reason,
		})
	case errors.As(err, &fetchErr):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":     "extension fetch failed",
			"extension": fetchErr.ExtensionID,
			"reason":    fetchErr.Err.Error(),
		})
	default:
		h.logger.Error("Internal error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}
