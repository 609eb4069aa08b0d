package scheduler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	schedulerSvc "inbox-triage/internal/scheduler"
)

// Start starts the per-account polling loops
func Start(s *schedulerSvc.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.IsRunning() {
			fail(c, http.StatusConflict, "Scheduler is already running")
			return
		}
		if err := s.Start(); err != nil {
			fail(c, http.StatusInternalServerError, "Failed to start scheduler: "+err.Error())
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"message":  "Scheduler started successfully",
			"status":   "running",
			"accounts": len(s.Accounts()),
		})
	}
}

// Stop stops the polling loops, waiting for in-flight cycles to end
func Stop(s *schedulerSvc.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.Stop(); err != nil {
			fail(c, http.StatusInternalServerError, "Failed to stop scheduler: "+err.Error())
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"message": "Scheduler stopped successfully",
			"status":  "stopped",
		})
	}
}
