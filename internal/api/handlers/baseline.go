package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/fleetpress/fleetpress/internal/baseline"
	"github.com/fleetpress/fleetpress/internal/core"
)

type proposeRequest struct {
	Extensions []core.Extension  `json:"extensions"`
	Theme      string            `json:"theme" binding:"required"`
	Options    map[string]string `json:"options"`
	ApplyNow   bool              `json:"apply_now"`
	Force      bool              `json:"force"`
}

func (h *Handler) CurrentBaseline(c *gin.Context) {
	current, err := h.service.CurrentBaseline()
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"baseline": current})
}

func (h *Handler) ProposeBaseline(c *gin.Context) {
	var req proposeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	desired := baseline.DesiredState{
		Extensions: req.Extensions,
		Theme:      req.Theme,
		Options:    req.Options,
	}
	proposed, report, err := h.service.ProposeBaseline(c.Request.Context(), desired, req.ApplyNow, req.Force)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"baseline": proposed, "report": report})
}

func (h *Handler) ApplyBaseline(c *gin.Context) {
	force, _ := strconv.ParseBool(c.DefaultQuery("force", "false"))
	retry, _ := strconv.ParseBool(c.DefaultQuery("retry_quarantined", "false"))

	report, err := h.service.ApplyBaseline(c.Request.Context(), force, retry)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

func (h *Handler) BaselineHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	entries, err := h.service.History(limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": entries})
}

type rollbackRequest struct {
	ToVersion int64 `json:"to_version" binding:"required"`
	Apply     bool  `json:"apply"`
	Force     bool  `json:"force"`
}

func (h *Handler) RollbackBaseline(c *gin.Context) {
	var req rollbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	restored, report, err := h.service.RollbackBaseline(c.Request.Context(), req.ToVersion, req.Apply, req.Force)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"baseline": restored, "report": report})
}
