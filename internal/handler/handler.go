package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	schedulerHandler "inbox-triage/internal/handler/scheduler"
	"inbox-triage/internal/model"
	"inbox-triage/internal/orchestrator"
	"inbox-triage/internal/repository"
	"inbox-triage/internal/resilience"
	schedulerSvc "inbox-triage/internal/scheduler"
)

// Handlers contains all HTTP handlers
type Handlers struct {
	db        *gorm.DB
	repo      *repository.Repository
	orch      *orchestrator.Orchestrator
	scheduler *schedulerSvc.Scheduler
	breakers  *resilience.Breakers
	metrics   http.Handler
}

// NewHandlers creates new HTTP handlers. metricsHandler may be nil, in
// which case the default Prometheus registry is served.
func NewHandlers(db *gorm.DB, repo *repository.Repository, orch *orchestrator.Orchestrator, scheduler *schedulerSvc.Scheduler, breakers *resilience.Breakers, metricsHandler http.Handler) *Handlers {
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	return &Handlers{
		db:        db,
		repo:      repo,
		orch:      orch,
		scheduler: scheduler,
		breakers:  breakers,
		metrics:   metricsHandler,
	}
}

// SetupRoutes sets up all HTTP routes
func (h *Handlers) SetupRoutes(router *gin.Engine) {
	router.GET("/healthz", h.HealthCheck)
	router.GET("/metrics", gin.WrapH(h.metrics))

	api := router.Group("/api/v1")
	{
		api.GET("/drafts", h.ListDrafts)
		api.GET("/drafts/:id", h.GetDraft)
		api.POST("/drafts/:id/approve", h.ApproveDraft)
		api.POST("/drafts/:id/reject", h.RejectDraft)

		api.GET("/messages", h.ListMessages)
		api.POST("/messages/:account/:id/reclassify", h.Reclassify)

		api.GET("/audit", h.GetAudit)
		api.GET("/audit/summary", h.GetAuditSummary)

		api.GET("/breakers", h.GetBreakers)

		api.POST("/scheduler/start", schedulerHandler.Start(h.scheduler))
		api.POST("/scheduler/stop", schedulerHandler.Stop(h.scheduler))
		api.POST("/scheduler/run-once", schedulerHandler.RunOnce(h.scheduler))
		api.GET("/scheduler/status", schedulerHandler.Status(h.scheduler))
	}
}

// HealthCheck handles health check requests
func (h *Handlers) HealthCheck(c *gin.Context) {
	response := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Database:  "ok",
		Scheduler: "stopped",
	}

	if err := h.db.WithContext(c.Request.Context()).Exec("SELECT 1").Error; err != nil {
		response.Status = "error"
		response.Database = "error"
		logrus.Errorf("Database health check failed: %v", err)
	}

	if h.scheduler.IsRunning() {
		response.Scheduler = "running"
	}

	for _, cs := range h.breakers.Snapshots() {
		if cs.State != resilience.StateClosed.String() {
			response.OpenCircuits = append(response.OpenCircuits, cs.Upstream)
		}
	}

	if n, err := h.repo.CountDrafts(c.Request.Context(), model.DraftPending); err == nil {
		response.PendingDrafts = n
	}

	statusCode := http.StatusOK
	if response.Status == "error" {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, response)
}

// GetBreakers returns the circuit state of every upstream
func (h *Handlers) GetBreakers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"breakers": h.breakers.Snapshots()})
}

func abort(c *gin.Context, status int, code, message string) {
	c.JSON(status, ErrorResponse{
		Error:   code,
		Message: message,
		Code:    status,
	})
}
