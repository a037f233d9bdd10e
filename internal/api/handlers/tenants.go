package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type registerTenantRequest struct {
	Domain string `json:"domain" binding:"required"`
	Canary bool   `json:"canary"`
}

func (h *Handler) ListTenants(c *gin.Context) {
	tenants, err := h.registry.List()
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenants": tenants, "count": len(tenants)})
}

func (h *Handler) GetTenant(c *gin.Context) {
	tenant, err := h.registry.Get(c.Param("domain"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tenant)
}

func (h *Handler) RegisterTenant(c *gin.Context) {
	var req registerTenantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tenant, err := h.registry.Register(req.Domain, req.Canary)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, tenant)
}

func (h *Handler) RemoveTenant(c *gin.Context) {
	if err := h.registry.Remove(c.Param("domain")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "tenant removed"})
}

func (h *Handler) EnableTenant(c *gin.Context) {
	h.setEnabled(c, true)
}

func (h *Handler) DisableTenant(c *gin.Context) {
	h.setEnabled(c, false)
}

func (h *Handler) setEnabled(c *gin.Context, enabled bool) {
	if err := h.registry.SetEnabled(c.Param("domain"), enabled); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"domain": c.Param("domain"), "enabled": enabled})
}

// UnquarantineTenant clears the quarantine flag and immediately converges the
// tenant so it does not linger behind until the next sweep.
func (h *Handler) UnquarantineTenant(c *gin.Context) {
	domain := c.Param("domain")
	if err := h.registry.Unquarantine(domain); err != nil {
		h.respondError(c, err)
		return
	}
	if err := h.converger.MaybeConverge(c.Request.Context(), domain); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"domain": domain, "quarantined": false})
}

func (h *Handler) ConvergeTenant(c *gin.Context) {
	domain := c.Param("domain")
	if err := h.converger.MaybeConverge(c.Request.Context(), domain); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"domain": domain, "message": "converged"})
}
