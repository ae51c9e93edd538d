package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	apperrors "github.com/craftastic/craftastic/internal/common/errors"
	"github.com/craftastic/craftastic/internal/store"
)

// resolveSessionSandbox loads a session (checking ownership) and the
// sandbox hosting it.
func (h *Handler) resolveSessionSandbox(c *gin.Context, sessionID string) (*store.Session, string, bool) {
	sess, err := h.svc.GetSession(c.Request.Context(), callerID(c), sessionID)
	if err != nil {
		respondError(c, h.logger, err)
		return nil, "", false
	}

	env, err := h.svc.GetEnvironment(c.Request.Context(), callerID(c), sess.EnvironmentID)
	if err != nil {
		respondError(c, h.logger, err)
		return nil, "", false
	}
	if env.SandboxID == "" {
		respondError(c, h.logger, apperrors.State(apperrors.CodeSandboxUnreachable, "environment has no sandbox"))
		return nil, "", false
	}
	return sess, env.SandboxID, true
}

// GitStatus returns the worktree status of a session.
// GET /api/git/status/:sessionId
func (h *Handler) GitStatus(c *gin.Context) {
	sess, sandboxID, ok := h.resolveSessionSandbox(c, c.Param("sessionId"))
	if !ok {
		return
	}

	status, err := h.git.Status(c.Request.Context(), sess, sandboxID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// GitDiff returns a diff of the session worktree.
// GET /api/git/diff/:sessionId?file=…&staged=…
func (h *Handler) GitDiff(c *gin.Context) {
	sess, sandboxID, ok := h.resolveSessionSandbox(c, c.Param("sessionId"))
	if !ok {
		return
	}

	staged, _ := strconv.ParseBool(c.Query("staged"))
	diff, err := h.git.Diff(c.Request.Context(), sess, sandboxID, c.Query("file"), staged)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"diff": diff})
}

// GitLog returns structured commit history.
// GET /api/git/log/:sessionId?limit=…&offset=…
func (h *Handler) GitLog(c *gin.Context) {
	sess, sandboxID, ok := h.resolveSessionSandbox(c, c.Param("sessionId"))
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	commits, err := h.git.Log(c.Request.Context(), sess, sandboxID, limit, offset)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"commits": commits, "total": len(commits)})
}

// GitCommit stages and commits in the session worktree.
// POST /api/git/commit/:sessionId
func (h *Handler) GitCommit(c *gin.Context) {
	sess, sandboxID, ok := h.resolveSessionSandbox(c, c.Param("sessionId"))
	if !ok {
		return
	}

	var req CommitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.logger, apperrors.BadRequest(err.Error()))
		return
	}

	hash, err := h.git.Commit(c.Request.Context(), sess, sandboxID, req.Message, req.Files)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "hash": hash})
}

// GitPush pushes the session branch to a remote.
// POST /api/git/push/:sessionId
func (h *Handler) GitPush(c *gin.Context) {
	sess, sandboxID, ok := h.resolveSessionSandbox(c, c.Param("sessionId"))
	if !ok {
		return
	}

	var req PushRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.logger, apperrors.BadRequest(err.Error()))
		return
	}

	if err := h.git.Push(c.Request.Context(), sess, sandboxID, req.Remote, req.Branch); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// GitRepoInfo reports the bare repo backing an environment.
// GET /api/git/repo/:envId
func (h *Handler) GitRepoInfo(c *gin.Context) {
	refresh, _ := strconv.ParseBool(c.Query("refresh"))
	info, err := h.svc.GetRepoInfo(c.Request.Context(), callerID(c), c.Param("envId"), refresh)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, info)
}
