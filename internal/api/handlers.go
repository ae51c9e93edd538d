package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/craftastic/craftastic/internal/auth"
	apperrors "github.com/craftastic/craftastic/internal/common/errors"
	"github.com/craftastic/craftastic/internal/common/logger"
	"github.com/craftastic/craftastic/internal/environment"
	"github.com/craftastic/craftastic/internal/gitops"
	"github.com/craftastic/craftastic/internal/store"
	v1 "github.com/craftastic/craftastic/pkg/api/v1"
)

// Handler contains the HTTP handlers of the orchestrator API.
type Handler struct {
	svc    *environment.Service
	git    *gitops.Facade
	broker StreamBroker
	store  store.Store
	sealer auth.Sealer
	tokens *auth.TokenService
	health HealthChecker
	logger *logger.Logger
}

// HealthChecker reports reachability of the service's collaborators.
type HealthChecker func() map[string]bool

// NewHandler creates the API handler.
func NewHandler(
	svc *environment.Service,
	git *gitops.Facade,
	broker StreamBroker,
	st store.Store,
	sealer auth.Sealer,
	tokens *auth.TokenService,
	health HealthChecker,
	log *logger.Logger,
) *Handler {
	return &Handler{
		svc:    svc,
		git:    git,
		broker: broker,
		store:  st,
		sealer: sealer,
		tokens: tokens,
		health: health,
		logger: log,
	}
}

// Environment endpoints

// CreateEnvironment creates an environment.
// POST /api/environments
func (h *Handler) CreateEnvironment(c *gin.Context) {
	var req CreateEnvironmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.logger, apperrors.BadRequest(err.Error()))
		return
	}

	env, err := h.svc.CreateEnvironment(c.Request.Context(), &environment.CreateEnvironmentRequest{
		UserID:        callerID(c),
		Name:          req.Name,
		RepositoryURL: req.RepositoryURL,
		Branch:        req.Branch,
	})
	if err != nil {
		h.logger.Error("failed to create environment", zap.Error(err))
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, environmentToResponse(env))
}

// ListEnvironments lists a user's environments.
// GET /api/environments/user/:userId
func (h *Handler) ListEnvironments(c *gin.Context) {
	userID := c.Param("userId")
	if userID != callerID(c) {
		respondError(c, h.logger, apperrors.Forbidden("cannot list another user's environments"))
		return
	}

	envs, err := h.svc.ListEnvironments(c.Request.Context(), userID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	resp := make([]*EnvironmentResponse, len(envs))
	for i, e := range envs {
		resp[i] = environmentToResponse(e)
	}
	c.JSON(http.StatusOK, gin.H{"environments": resp, "total": len(resp)})
}

// GetEnvironment fetches an environment by ID.
// GET /api/environments/:id
func (h *Handler) GetEnvironment(c *gin.Context) {
	env, err := h.svc.GetEnvironment(c.Request.Context(), callerID(c), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, environmentToResponse(env))
}

// DeleteEnvironment deletes an environment and everything it owns.
// DELETE /api/environments/:id
func (h *Handler) DeleteEnvironment(c *gin.Context) {
	if err := h.svc.DeleteEnvironment(c.Request.Context(), callerID(c), c.Param("id")); err != nil {
		h.logger.Error("failed to delete environment", zap.String("environment_id", c.Param("id")), zap.Error(err))
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// CheckEnvironmentName reports name availability.
// GET /api/environments/check-name?name=…
func (h *Handler) CheckEnvironmentName(c *gin.Context) {
	name := c.Query("name")
	if name == "" {
		respondError(c, h.logger, apperrors.BadRequest("name is required"))
		return
	}

	avail, err := h.svc.CheckNameAvailability(c.Request.Context(), callerID(c), name)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, avail)
}

// Session endpoints

// CreateSession creates a session inside an environment.
// POST /api/sessions
func (h *Handler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.logger, apperrors.BadRequest(err.Error()))
		return
	}

	sess, err := h.svc.CreateSession(c.Request.Context(), &environment.CreateSessionRequest{
		UserID:           callerID(c),
		EnvironmentID:    req.EnvironmentID,
		Name:             req.Name,
		Branch:           req.Branch,
		Kind:             v1.SessionKind(req.SessionType),
		AgentID:          req.AgentID,
		WorkingDirectory: req.WorkingDirectory,
	})
	if err != nil {
		h.logger.Error("failed to create session", zap.Error(err))
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, sessionToResponse(sess))
}

// ListSessions lists an environment's sessions.
// GET /api/sessions/environment/:envId
func (h *Handler) ListSessions(c *gin.Context) {
	sessions, err := h.svc.ListSessions(c.Request.Context(), callerID(c), c.Param("envId"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	resp := make([]*SessionResponse, len(sessions))
	for i, s := range sessions {
		resp[i] = sessionToResponse(s)
	}
	c.JSON(http.StatusOK, gin.H{"sessions": resp, "total": len(resp)})
}

// GetSession fetches a session by ID.
// GET /api/sessions/:id
func (h *Handler) GetSession(c *gin.Context) {
	sess, err := h.svc.GetSession(c.Request.Context(), callerID(c), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, sessionToResponse(sess))
}

// DeleteSession deletes a session.
// DELETE /api/sessions/:id
func (h *Handler) DeleteSession(c *gin.Context) {
	if err := h.svc.DeleteSession(c.Request.Context(), callerID(c), c.Param("id")); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// CheckSessionName reports session name availability.
// GET /api/sessions/check-name?environmentId=…&name=…
func (h *Handler) CheckSessionName(c *gin.Context) {
	envID, name := c.Query("environmentId"), c.Query("name")
	if envID == "" || name == "" {
		respondError(c, h.logger, apperrors.BadRequest("environmentId and name are required"))
		return
	}

	avail, err := h.svc.CheckSessionName(c.Request.Context(), callerID(c), envID, name)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, avail)
}

// CheckBranch reports branch availability.
// GET /api/sessions/check-branch?environmentId=…&branch=…
func (h *Handler) CheckBranch(c *gin.Context) {
	envID, branch := c.Query("environmentId"), c.Query("branch")
	if envID == "" || branch == "" {
		respondError(c, h.logger, apperrors.BadRequest("environmentId and branch are required"))
		return
	}

	avail, err := h.svc.CheckBranch(c.Request.Context(), callerID(c), envID, branch)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, avail)
}

// HealthCheck reports collaborator reachability.
// GET /health
func (h *Handler) HealthCheck(c *gin.Context) {
	components := map[string]bool{}
	if h.health != nil {
		components = h.health()
	}
	healthy := true
	for _, ok := range components {
		if !ok {
			healthy = false
		}
	}
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"healthy": healthy, "components": components})
}
