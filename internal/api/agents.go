package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/craftastic/craftastic/internal/auth"
	apperrors "github.com/craftastic/craftastic/internal/common/errors"
	"github.com/craftastic/craftastic/internal/store"
	v1 "github.com/craftastic/craftastic/pkg/api/v1"
)

// CreateAgent registers an agent credential holder. The credential passes
// through the sealer before it reaches the store.
// POST /api/agents
func (h *Handler) CreateAgent(c *gin.Context) {
	var req CreateAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.logger, apperrors.BadRequest(err.Error()))
		return
	}

	agent := &store.Agent{
		ID:     uuid.New().String(),
		UserID: callerID(c),
		Name:   req.Name,
		Kind:   v1.AgentKind(req.Kind),
	}
	if err := h.store.CreateAgent(c.Request.Context(), agent); err != nil {
		respondError(c, h.logger, err)
		return
	}

	if req.Credential != "" {
		sealed, err := h.sealer.Seal([]byte(req.Credential))
		if err != nil {
			respondError(c, h.logger, apperrors.Internal("failed to seal credential", err))
			return
		}
		if err := h.store.SetAgentCredential(c.Request.Context(), agent.ID, sealed); err != nil {
			respondError(c, h.logger, err)
			return
		}
	}

	h.logger.Info("agent created",
		zap.String("agent_id", agent.ID),
		zap.String("kind", string(agent.Kind)),
	)
	c.JSON(http.StatusOK, agentToResponse(agent))
}

// ListAgents lists the caller's agents.
// GET /api/agents
func (h *Handler) ListAgents(c *gin.Context) {
	agents, err := h.store.ListAgents(c.Request.Context(), callerID(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	resp := make([]*AgentResponse, len(agents))
	for i, a := range agents {
		resp[i] = agentToResponse(a)
	}
	c.JSON(http.StatusOK, gin.H{"agents": resp, "total": len(resp)})
}

// GetAgent fetches one of the caller's agents.
// GET /api/agents/:id
func (h *Handler) GetAgent(c *gin.Context) {
	agent, ok := h.ownedAgent(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, agentToResponse(agent))
}

// DeleteAgent removes an agent and its sealed credential.
// DELETE /api/agents/:id
func (h *Handler) DeleteAgent(c *gin.Context) {
	agent, ok := h.ownedAgent(c)
	if !ok {
		return
	}
	if err := h.store.DeleteAgent(c.Request.Context(), agent.ID); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handler) ownedAgent(c *gin.Context) (*store.Agent, bool) {
	agent, err := h.store.GetAgent(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return nil, false
	}
	if agent.UserID != callerID(c) {
		respondError(c, h.logger, apperrors.Forbidden("agent belongs to another user"))
		return nil, false
	}
	return agent, true
}

// IssueToken mints a refresh token for the caller. The surrounding OAuth
// flow lives outside this service.
// POST /api/auth/token
func (h *Handler) IssueToken(c *gin.Context) {
	token, err := h.tokens.Issue(c.Request.Context(), callerID(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "expiresAt": time.Now().UTC().Add(auth.DefaultTokenTTL)})
}

// ListGitHubRepositories serves the cached repository discovery rows.
// GET /api/github/repositories
func (h *Handler) ListGitHubRepositories(c *gin.Context) {
	repos, err := h.store.ListGitHubRepositories(c.Request.Context(), callerID(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"repositories": repos, "total": len(repos)})
}
