package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/taskfleet/taskfleet/pkg/collector"
	"github.com/taskfleet/taskfleet/pkg/models"
)

// ingestExecutionUpdate routes one agent-side execution update into the
// collector: RUNNING marks the start, a terminal status records the result.
func (s *Server) ingestExecutionUpdate(c *gin.Context, taskID int64, req executionUpdateRequest) {
	status := models.ExecutionStatus(req.Status)
	ctx := c.Request.Context()

	switch {
	case status == models.ExecutionRunning:
		if req.ExecutionID == "" {
			respondError(c, http.StatusBadRequest, "execution_id is required for a running update")
			return
		}
		if err := s.collector.SubtaskStarted(ctx, req.ExecutionID); err != nil {
			respondStoreError(c, err)
			return
		}
		respond(c, http.StatusOK, gin.H{"execution_id": req.ExecutionID})

	case status.Terminal():
		err := s.collector.SubtaskResult(ctx, collector.Result{
			TaskID:      taskID,
			ExecutionID: req.ExecutionID,
			SubtaskName: req.SubtaskName,
			AgentName:   req.AgentName,
			Status:      status,
			Result:      req.Result,
			Error:       req.Error,
			Elapsed:     req.ExecutionSeconds,
		})
		if err != nil {
			respondStoreError(c, err)
			return
		}
		s.scheduler.Kick()
		respond(c, http.StatusOK, gin.H{"task_id": taskID, "subtask_name": req.SubtaskName})

	default:
		respondError(c, http.StatusBadRequest, "status must be running or terminal")
	}
}

// executeRequest is the agent's start notification.
type executeRequest struct {
	TaskID      int64  `json:"task_id" binding:"required"`
	ExecutionID string `json:"execution_id" binding:"required"`
	SubtaskName string `json:"subtask_name"`
	AgentName   string `json:"agent_name"`
}

// ExecuteStarted handles POST /api/execute.
func (s *Server) ExecuteStarted(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.collector.SubtaskStarted(c.Request.Context(), req.ExecutionID); err != nil {
		respondStoreError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"execution_id": req.ExecutionID})
}

// subtaskResultRequest is one subtask completion report.
type subtaskResultRequest struct {
	TaskID           int64  `json:"task_id" binding:"required"`
	ExecutionID      string `json:"execution_id"`
	SubtaskName      string `json:"subtask_name" binding:"required"`
	AgentName        string `json:"agent_name" binding:"required"`
	Status           string `json:"status" binding:"required"`
	Result           string `json:"result"`
	Error            string `json:"error"`
	ExecutionSeconds float64 `json:"execution_seconds"`
}

func (r *subtaskResultRequest) collectorResult() collector.Result {
	return collector.Result{
		TaskID:      r.TaskID,
		ExecutionID: r.ExecutionID,
		SubtaskName: r.SubtaskName,
		AgentName:   r.AgentName,
		Status:      models.ExecutionStatus(r.Status),
		Result:      r.Result,
		Error:       r.Error,
		Elapsed:     r.ExecutionSeconds,
	}
}

// SubtaskResult handles POST /api/subtask_result.
func (s *Server) SubtaskResult(c *gin.Context) {
	var req subtaskResultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	if !models.ExecutionStatus(req.Status).Terminal() {
		respondError(c, http.StatusBadRequest, "status must be terminal")
		return
	}
	if err := s.collector.SubtaskResult(c.Request.Context(), req.collectorResult()); err != nil {
		respondStoreError(c, err)
		return
	}
	s.scheduler.Kick()
	respond(c, http.StatusOK, gin.H{"task_id": req.TaskID, "subtask_name": req.SubtaskName})
}

// agentResultRequest is an agent's aggregate report: the per-subtask
// breakdown of everything it ran for one task.
type agentResultRequest struct {
	TaskID    int64 `json:"task_id" binding:"required"`
	AgentName string `json:"agent_name" binding:"required"`
	Subtasks  []struct {
		ExecutionID      string  `json:"execution_id"`
		Name             string  `json:"name" binding:"required"`
		Status           string  `json:"status" binding:"required"`
		Result           string  `json:"result"`
		Error            string  `json:"error"`
		ExecutionSeconds float64 `json:"execution_seconds"`
	} `json:"subtasks" binding:"required"`
}

// AgentResult handles POST /api/result. Each terminal entry feeds the
// collector independently; replays inside the batch are absorbed like any
// other replay.
func (s *Server) AgentResult(c *gin.Context) {
	var req agentResultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	accepted := 0
	for _, sub := range req.Subtasks {
		status := models.ExecutionStatus(sub.Status)
		if !status.Terminal() {
			continue
		}
		err := s.collector.SubtaskResult(c.Request.Context(), collector.Result{
			TaskID:      req.TaskID,
			ExecutionID: sub.ExecutionID,
			SubtaskName: sub.Name,
			AgentName:   req.AgentName,
			Status:      status,
			Result:      sub.Result,
			Error:       sub.Error,
			Elapsed:     sub.ExecutionSeconds,
		})
		if err != nil {
			respondStoreError(c, err)
			return
		}
		accepted++
	}
	s.scheduler.Kick()
	respond(c, http.StatusOK, gin.H{"task_id": req.TaskID, "accepted": accepted})
}

// CommLogs handles GET /api/logs[?agent_address=…&limit=…].
func (s *Server) CommLogs(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := parsePositiveInt(raw)
		if err != nil {
			respondError(c, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}
	entries, err := s.store.CommLogs(c.Request.Context(), c.Query("agent_address"), limit)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	respond(c, http.StatusOK, entries)
}
