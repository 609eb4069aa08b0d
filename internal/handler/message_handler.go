package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"inbox-triage/internal/model"
	"inbox-triage/internal/orchestrator"
	"inbox-triage/internal/repository"
)

func queryLimit(c *gin.Context) int {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit < 1 || limit > 500 {
		limit = 50
	}
	return limit
}

// ListMessages returns message states, newest first
func (h *Handlers) ListMessages(c *gin.Context) {
	state := model.MessageState(c.Query("state"))
	records, err := h.repo.ListMessages(c.Request.Context(), c.Query("account"), state, queryLimit(c))
	if err != nil {
		abort(c, http.StatusInternalServerError, "database_error", "Failed to fetch messages")
		return
	}
	if records == nil {
		records = []model.MessageRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": records, "total": len(records)})
}

// Reclassify forces a fresh triage of a finished message
func (h *Handlers) Reclassify(c *gin.Context) {
	rec, err := h.orch.Reclassify(c.Request.Context(), c.Param("account"), c.Param("id"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, rec)
	case errors.Is(err, orchestrator.ErrUnknownAccount), errors.Is(err, orchestrator.ErrMessageNotFound):
		abort(c, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, orchestrator.ErrNotReclassifiable), errors.Is(err, orchestrator.ErrBusy):
		abort(c, http.StatusConflict, "conflict", err.Error())
	default:
		abort(c, http.StatusInternalServerError, "reclassify_failed", err.Error())
	}
}

// GetAudit returns recent audit entries
func (h *Handlers) GetAudit(c *gin.Context) {
	entries, err := h.repo.ListAudit(c.Request.Context(), repository.AuditFilter{
		AccountID: c.Query("account"),
		MessageID: c.Query("message_id"),
		Action:    c.Query("action"),
		Limit:     queryLimit(c),
	})
	if err != nil {
		abort(c, http.StatusInternalServerError, "database_error", "Failed to fetch audit entries")
		return
	}
	if entries == nil {
		entries = []model.AuditEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "total": len(entries)})
}

// GetAuditSummary counts audit entries per action over a window
func (h *Handlers) GetAuditSummary(c *gin.Context) {
	window, err := time.ParseDuration(c.DefaultQuery("since", "24h"))
	if err != nil || window <= 0 {
		abort(c, http.StatusBadRequest, "validation_error", "since must be a positive duration")
		return
	}

	counts, err := h.repo.AuditSummary(c.Request.Context(), time.Now().Add(-window))
	if err != nil {
		abort(c, http.StatusInternalServerError, "database_error", "Failed to summarize audit entries")
		return
	}
	c.JSON(http.StatusOK, gin.H{"since": window.String(), "actions": counts})
}
