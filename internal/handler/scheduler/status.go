package scheduler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	schedulerSvc "inbox-triage/internal/scheduler"
)

// Status returns the scheduler state and the last cycle of every account
func Status(s *schedulerSvc.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		st := s.Status()
		state := "stopped"
		if st.Running {
			state = "running"
		}

		c.JSON(http.StatusOK, gin.H{
			"status":   state,
			"accounts": st.Accounts,
		})
	}
}
