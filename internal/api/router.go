package api

import (
	"github.com/gin-gonic/gin"

	"github.com/craftastic/craftastic/internal/auth"
	"github.com/craftastic/craftastic/internal/common/logger"
	"github.com/craftastic/craftastic/internal/store"
)

// SetupRoutes configures the orchestrator API routes.
func SetupRoutes(router *gin.Engine, handler *Handler, st store.Store, tokens *auth.TokenService, log *logger.Logger) {
	router.Use(Recovery(log))
	router.Use(RequestLogger(log))
	router.Use(CORS())

	router.GET("/health", handler.HealthCheck)

	api := router.Group("/api")
	api.Use(Identity(st, tokens, log))
	{
		environments := api.Group("/environments")
		{
			environments.POST("", handler.CreateEnvironment)
			environments.GET("/check-name", handler.CheckEnvironmentName)
			environments.GET("/user/:userId", handler.ListEnvironments)
			environments.GET("/:id", handler.GetEnvironment)
			environments.DELETE("/:id", handler.DeleteEnvironment)
		}

		sessions := api.Group("/sessions")
		{
			sessions.POST("", handler.CreateSession)
			sessions.GET("/check-name", handler.CheckSessionName)
			sessions.GET("/check-branch", handler.CheckBranch)
			sessions.GET("/environment/:envId", handler.ListSessions)
			sessions.GET("/:id", handler.GetSession)
			sessions.DELETE("/:id", handler.DeleteSession)
		}

		git := api.Group("/git")
		{
			git.GET("/status/:sessionId", handler.GitStatus)
			git.GET("/diff/:sessionId", handler.GitDiff)
			git.GET("/log/:sessionId", handler.GitLog)
			git.POST("/commit/:sessionId", handler.GitCommit)
			git.POST("/push/:sessionId", handler.GitPush)
			git.GET("/repo/:envId", handler.GitRepoInfo)
		}

		agents := api.Group("/agents")
		{
			agents.POST("", handler.CreateAgent)
			agents.GET("", handler.ListAgents)
			agents.GET("/:id", handler.GetAgent)
			agents.DELETE("/:id", handler.DeleteAgent)
		}

		api.POST("/auth/token", handler.IssueToken)
		api.GET("/github/repositories", handler.ListGitHubRepositories)

		api.GET("/terminal/ws/:sessionId", handler.TerminalWS)
	}
}
