package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/taskfleet/taskfleet/pkg/models"
	"github.com/taskfleet/taskfleet/pkg/store"
)

// subtaskRequest is one subtask definition in a task create/update body.
// The wire key for the timeout is "timeout" (seconds).
type subtaskRequest struct {
	Name          string          `json:"name" binding:"required"`
	TargetAgent   string          `json:"target_agent" binding:"required"`
	Order         int             `json:"order"`
	Args          []string        `json:"args"`
	Kwargs        json.RawMessage `json:"kwargs"`
	Timeout       int             `json:"timeout"`
	MaxRetries    *int            `json:"max_retries"`
	StopOnFailure bool            `json:"stop_on_failure"`
}

type taskRequest struct {
	Name            string           `json:"name" binding:"required"`
	Subtasks        []subtaskRequest `json:"subtasks" binding:"required"`
	ScheduleTime    *time.Time       `json:"schedule_time"`
	CronExpression  string           `json:"cron_expression"`
	MaxRetries      int              `json:"max_retries"`
	SendEmail       bool             `json:"send_email"`
	EmailRecipients []string         `json:"email_recipients"`
}

func (r *taskRequest) model() *models.Task {
	t := &models.Task{
		Name:            r.Name,
		ScheduleTime:    r.ScheduleTime,
		CronExpression:  r.CronExpression,
		MaxRetries:      r.MaxRetries,
		SendEmail:       r.SendEmail,
		EmailRecipients: r.EmailRecipients,
	}
	for _, sub := range r.Subtasks {
		t.Subtasks = append(t.Subtasks, models.Subtask{
			Name:           sub.Name,
			TargetAgent:    sub.TargetAgent,
			Order:          sub.Order,
			Args:           sub.Args,
			Kwargs:         sub.Kwargs,
			TimeoutSeconds: sub.Timeout,
			MaxRetries:     sub.MaxRetries,
			StopOnFailure:  sub.StopOnFailure,
		})
	}
	return t
}

func taskID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid task id")
		return 0, false
	}
	return id, true
}

// ListTasks handles GET /api/tasks.
func (s *Server) ListTasks(c *gin.Context) {
	tasks, err := s.store.ListTasks(c.Request.Context())
	if err != nil {
		respondStoreError(c, err)
		return
	}
	respond(c, http.StatusOK, tasks)
}

// CreateTask handles POST /api/tasks.
func (s *Server) CreateTask(c *gin.Context) {
	var req taskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	task := req.model()
	if _, err := s.store.CreateTask(c.Request.Context(), task); err != nil {
		respondStoreError(c, err)
		return
	}
	s.scheduler.Kick()
	respond(c, http.StatusCreated, task)
}

// GetTask handles GET /api/tasks/:id.
func (s *Server) GetTask(c *gin.Context) {
	id, ok := taskID(c)
	if !ok {
		return
	}
	task, err := s.store.GetTask(c.Request.Context(), id)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	if task == nil {
		respondError(c, http.StatusNotFound, "task not found")
		return
	}
	respond(c, http.StatusOK, task)
}

// UpdateTask handles PUT /api/tasks/:id. Only PENDING tasks are editable.
func (s *Server) UpdateTask(c *gin.Context) {
	id, ok := taskID(c)
	if !ok {
		return
	}
	var req taskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	task := req.model()
	task.ID = id
	if err := s.store.UpdateTask(c.Request.Context(), task); err != nil {
		respondStoreError(c, err)
		return
	}
	updated, err := s.store.GetTask(c.Request.Context(), id)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	s.scheduler.Kick()
	respond(c, http.StatusOK, updated)
}

// DeleteTask handles DELETE /api/tasks/:id.
func (s *Server) DeleteTask(c *gin.Context) {
	id, ok := taskID(c)
	if !ok {
		return
	}
	if err := s.store.DeleteTask(c.Request.Context(), id); err != nil {
		respondStoreError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"deleted": id})
}

// CancelTask handles POST /api/tasks/:id/cancel.
func (s *Server) CancelTask(c *gin.Context) {
	id, ok := taskID(c)
	if !ok {
		return
	}
	if err := s.collector.CancelTask(c.Request.Context(), id); err != nil {
		respondStoreError(c, err)
		return
	}
	task, err := s.store.GetTask(c.Request.Context(), id)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	respond(c, http.StatusOK, task)
}

// ListSubtaskExecutions handles GET /api/tasks/:id/subtask-executions[?agent=].
func (s *Server) ListSubtaskExecutions(c *gin.Context) {
	id, ok := taskID(c)
	if !ok {
		return
	}
	task, err := s.store.GetTask(c.Request.Context(), id)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	if task == nil {
		respondError(c, http.StatusNotFound, "task not found")
		return
	}
	rows, err := s.store.ExecutionsFor(c.Request.Context(), id, store.ExecutionFilter{
		AgentName: c.Query("agent"),
	})
	if err != nil {
		respondStoreError(c, err)
		return
	}
	respond(c, http.StatusOK, rows)
}

// executionUpdateRequest is an agent-side status/result update for one
// execution of the task in the URL.
type executionUpdateRequest struct {
	ExecutionID      string  `json:"execution_id"`
	SubtaskName      string  `json:"subtask_name" binding:"required"`
	AgentName        string  `json:"agent_name" binding:"required"`
	Status           string  `json:"status" binding:"required"`
	Result           string  `json:"result"`
	Error            string  `json:"error"`
	ExecutionSeconds float64 `json:"execution_seconds"`
}

// PostSubtaskExecution handles POST /api/tasks/:id/subtask-executions.
func (s *Server) PostSubtaskExecution(c *gin.Context) {
	id, ok := taskID(c)
	if !ok {
		return
	}
	var req executionUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	s.ingestExecutionUpdate(c, id, req)
}
