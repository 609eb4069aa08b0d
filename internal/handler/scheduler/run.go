package scheduler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	schedulerSvc "inbox-triage/internal/scheduler"
)

// RunOnce runs one polling cycle for ?account=, or for every account
func RunOnce(s *schedulerSvc.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		account := c.Query("account")
		if account == "" {
			results := s.RunAll(c.Request.Context())
			c.JSON(http.StatusOK, gin.H{
				"message": "Polling cycles completed",
				"results": results,
			})
			return
		}

		result, err := s.RunOnce(c.Request.Context(), account)
		switch {
		case errors.Is(err, schedulerSvc.ErrUnknownAccount):
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: err.Error(), Code: http.StatusNotFound})
			return
		case errors.Is(err, schedulerSvc.ErrCycleRunning):
			fail(c, http.StatusConflict, err.Error())
			return
		}

		// a failed cycle still reports how far it got
		status := http.StatusOK
		if err != nil {
			status = http.StatusBadGateway
		}
		c.JSON(status, gin.H{
			"message": "Polling cycle completed",
			"results": []schedulerSvc.CycleResult{result},
		})
	}
}
