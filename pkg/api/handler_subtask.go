package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/taskfleet/taskfleet/pkg/subtask/runner"
)

// ListSubtaskKinds handles GET /api/subtasks: the registry catalog.
func (s *Server) ListSubtaskKinds(c *gin.Context) {
	respond(c, http.StatusOK, s.registry.List())
}

type testSubtaskRequest struct {
	Args           []string        `json:"args"`
	Kwargs         json.RawMessage `json:"kwargs"`
	TimeoutSeconds int             `json:"timeout"`
}

// TestSubtask handles POST /api/subtasks/:name/test: runs a subtask locally
// on the controller for debugging. The outcome is data either way; a failed
// run is still a 200.
func (s *Server) TestSubtask(c *gin.Context) {
	name := c.Param("name")
	if !s.registry.Known(name) {
		respondError(c, http.StatusNotFound, "unknown subtask kind")
		return
	}
	var req testSubtaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	outcome := s.executor.Run(c.Request.Context(), runner.Request{
		Kind:    name,
		Args:    req.Args,
		Kwargs:  req.Kwargs,
		Timeout: time.Duration(req.TimeoutSeconds) * time.Second,
	})
	respond(c, http.StatusOK, gin.H{
		"status":            outcome.Status,
		"result":            outcome.Result,
		"error":             outcome.Error,
		"execution_seconds": outcome.Elapsed,
	})
}
