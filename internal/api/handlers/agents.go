package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dhruvalgolakiya/taskdex-sub000/internal/session"
	"github.com/dhruvalgolakiya/taskdex-sub000/shared/wire"
)

// AgentSource is the read side of the session registry.
type AgentSource interface {
	List() []wire.AgentSummary
	Get(id string) (wire.AgentSummary, error)
}

type AgentHandler struct {
	agents AgentSource
}

func NewAgentHandler(agents AgentSource) *AgentHandler {
	return &AgentHandler{agents: agents}
}

// ListAgents handles GET /v1/agents. Message logs are omitted unless
// ?messages=true is passed.
func (h *AgentHandler) ListAgents(c *gin.Context) {
	withMessages := c.Query("messages") == "true"

	agents := h.agents.List()
	if !withMessages {
		for i := range agents {
			agents[i].Messages = nil
		}
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

// GetAgent handles GET /v1/agents/:id
func (h *AgentHandler) GetAgent(c *gin.Context) {
	agent, err := h.agents.Get(c.Param("id"))
	if errors.Is(err, session.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, agent)
}

// Health handles GET /health
func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
