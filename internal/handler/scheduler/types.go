package scheduler

import "github.com/gin-gonic/gin"

// ErrorResponse mirrors the API-wide error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func fail(c *gin.Context, status int, message string) {
	c.JSON(status, ErrorResponse{Error: "scheduler_error", Message: message, Code: status})
}
