package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/taskfleet/taskfleet/pkg/models"
)

type registerAgentRequest struct {
	Name         string          `json:"name" binding:"required"`
	Address      string          `json:"address" binding:"required"`
	Capabilities []string        `json:"capabilities"`
	Fingerprint  json.RawMessage `json:"fingerprint"`
}

// RegisterAgent handles POST /api/agents/register. Idempotent for the same
// (name, address); a different address for a known name is rejected.
func (s *Server) RegisterAgent(c *gin.Context) {
	var req registerAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	agent := &models.Agent{
		Name:         req.Name,
		Address:      req.Address,
		Capabilities: req.Capabilities,
		Fingerprint:  req.Fingerprint,
	}
	created, err := s.store.RegisterAgent(c.Request.Context(), agent)
	if err != nil {
		respondStoreError(c, err)
		return
	}

	canonical, err := s.store.GetAgent(c.Request.Context(), req.Name)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	canonical.Status = s.tracker.Presence(canonical)

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	respond(c, status, canonical)
}

type agentConfigRequest struct {
	Name        string          `json:"name" binding:"required"`
	Fingerprint json.RawMessage `json:"fingerprint"`
}

// UpdateAgentConfig handles POST /api/agents/update_config.
func (s *Server) UpdateAgentConfig(c *gin.Context) {
	var req agentConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.UpdateAgentConfig(c.Request.Context(), req.Name, req.Fingerprint); err != nil {
		respondStoreError(c, err)
		return
	}
	agent, err := s.store.GetAgent(c.Request.Context(), req.Name)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	agent.Status = s.tracker.Presence(agent)
	respond(c, http.StatusOK, agent)
}

type agentNameRequest struct {
	Name string `json:"name" binding:"required"`
}

// UnregisterAgent handles POST /api/agents/unregister.
func (s *Server) UnregisterAgent(c *gin.Context) {
	var req agentNameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.DeleteAgent(c.Request.Context(), req.Name); err != nil {
		respondStoreError(c, err)
		return
	}
	s.tracker.Forget(req.Name)
	respond(c, http.StatusOK, gin.H{"unregistered": req.Name})
}

type heartbeatRequest struct {
	Name        string          `json:"name" binding:"required"`
	Status      string          `json:"status"`
	Fingerprint json.RawMessage `json:"fingerprint"`
}

// Heartbeat handles POST /api/agents/heartbeat. Success is a bare 200 with no
// body; the self-reported status field is accepted and ignored, presence is
// always derived.
func (s *Server) Heartbeat(c *gin.Context) {
	var req heartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.TouchHeartbeat(c.Request.Context(), req.Name, req.Fingerprint); err != nil {
		respondStoreError(c, err)
		return
	}
	s.metrics.HeartbeatsTotal.Inc()
	c.Status(http.StatusOK)
}

// ListAgents handles GET /api/agents.
func (s *Server) ListAgents(c *gin.Context) {
	agents, err := s.store.ListAgents(c.Request.Context())
	if err != nil {
		respondStoreError(c, err)
		return
	}
	s.tracker.Decorate(agents)
	respond(c, http.StatusOK, agents)
}

// GetAgent handles GET /api/agents/:name.
func (s *Server) GetAgent(c *gin.Context) {
	agent, err := s.store.GetAgent(c.Request.Context(), c.Param("name"))
	if err != nil {
		respondStoreError(c, err)
		return
	}
	if agent == nil {
		respondError(c, http.StatusNotFound, "agent not found")
		return
	}
	agent.Status = s.tracker.Presence(agent)
	respond(c, http.StatusOK, agent)
}

// DeleteAgent handles DELETE /api/agents/:name.
func (s *Server) DeleteAgent(c *gin.Context) {
	name := c.Param("name")
	if err := s.store.DeleteAgent(c.Request.Context(), name); err != nil {
		respondStoreError(c, err)
		return
	}
	s.tracker.Forget(name)
	respond(c, http.StatusOK, gin.H{"deleted": name})
}

// AgentNames handles GET /api/agents/names[?online=true].
func (s *Server) AgentNames(c *gin.Context) {
	agents, err := s.store.ListAgents(c.Request.Context())
	if err != nil {
		respondStoreError(c, err)
		return
	}
	onlineOnly := false
	if raw := c.Query("online"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			respondError(c, http.StatusBadRequest, "invalid online filter")
			return
		}
		onlineOnly = parsed
	}

	names := make([]string, 0, len(agents))
	for _, a := range agents {
		if onlineOnly && s.tracker.Presence(a) == models.PresenceOffline {
			continue
		}
		names = append(names, a.Name)
	}
	respond(c, http.StatusOK, names)
}

// ValidateAgentName handles POST /api/agents/validate_name: installers check
// a proposed machine name before registering under it.
func (s *Server) ValidateAgentName(c *gin.Context) {
	var req agentNameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	if reason := agentNameProblem(req.Name); reason != "" {
		respond(c, http.StatusOK, gin.H{"name": req.Name, "valid": false, "reason": reason})
		return
	}
	existing, err := s.store.GetAgent(c.Request.Context(), req.Name)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	if existing != nil {
		respond(c, http.StatusOK, gin.H{
			"name": req.Name, "valid": false,
			"reason": fmt.Sprintf("name %q is already registered", req.Name),
		})
		return
	}
	respond(c, http.StatusOK, gin.H{"name": req.Name, "valid": true})
}

func agentNameProblem(name string) string {
	if strings.TrimSpace(name) == "" {
		return "name must not be empty"
	}
	if strings.ContainsAny(name, " \t\n/\\") {
		return "name must not contain whitespace or slashes"
	}
	return ""
}

func parsePositiveInt(raw string) (int, error) {
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if v <= 0 {
		return 0, fmt.Errorf("must be positive, got %d", v)
	}
	return v, nil
}
