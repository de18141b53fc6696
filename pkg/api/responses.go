package api

import "github.com/gin-gonic/gin"

// envelope is the uniform response shape. The heartbeat endpoint is the one
// exception: it answers 200 with no body.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func respond(c *gin.Context, status int, data any) {
	c.JSON(status, envelope{Success: true, Data: data})
}

func respondError(c *gin.Context, status int, msg string) {
	c.JSON(status, envelope{Success: false, Error: msg})
}

func respondStoreError(c *gin.Context, err error) {
	status, msg := mapStoreError(err)
	respondError(c, status, msg)
}
