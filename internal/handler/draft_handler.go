package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"inbox-triage/internal/model"
	"inbox-triage/internal/orchestrator"
)

// ListDrafts returns drafts awaiting approval, including failure notes
// from earlier send attempts
func (h *Handlers) ListDrafts(c *gin.Context) {
	drafts, err := h.orch.PendingDrafts(c.Request.Context())
	if err != nil {
		abort(c, http.StatusInternalServerError, "database_error", "Failed to fetch drafts")
		return
	}
	if drafts == nil {
		drafts = []model.Draft{}
	}
	c.JSON(http.StatusOK, gin.H{"drafts": drafts, "total": len(drafts)})
}

// GetDraft returns a specific draft
func (h *Handlers) GetDraft(c *gin.Context) {
	draft, err := h.orch.GetDraft(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.draftError(c, err)
		return
	}
	c.JSON(http.StatusOK, draft)
}

// ApproveDraft sends a pending draft
func (h *Handlers) ApproveDraft(c *gin.Context) {
	draft, err := h.orch.Approve(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.draftError(c, err)
		return
	}
	c.JSON(http.StatusOK, draft)
}

// RejectDraft discards a pending draft
func (h *Handlers) RejectDraft(c *gin.Context) {
	var req RejectRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abort(c, http.StatusBadRequest, "validation_error", "Invalid request body")
			return
		}
	}

	draft, err := h.orch.Reject(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		h.draftError(c, err)
		return
	}
	c.JSON(http.StatusOK, draft)
}

func (h *Handlers) draftError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrDraftNotFound):
		abort(c, http.StatusNotFound, "not_found", "Draft not found")
	case errors.Is(err, orchestrator.ErrDraftNotPending):
		abort(c, http.StatusConflict, "conflict", "Draft is not pending")
	case errors.Is(err, orchestrator.ErrNotAwaitingApproval):
		abort(c, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, orchestrator.ErrSendFailed):
		logrus.WithField("draft_id", c.Param("id")).WithError(err).Warn("Approved draft was not sent")
		abort(c, http.StatusBadGateway, "send_failed", err.Error())
	default:
		logrus.WithField("draft_id", c.Param("id")).WithError(err).Error("Draft action failed")
		abort(c, http.StatusInternalServerError, "database_error", "Failed to update draft")
	}
}
