// Package api provides the HTTP and streaming surface of the orchestrator.
package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/craftastic/craftastic/internal/auth"
	apperrors "github.com/craftastic/craftastic/internal/common/errors"
	"github.com/craftastic/craftastic/internal/common/logger"
	"github.com/craftastic/craftastic/internal/store"
)

const userIDKey = "user_id"

// RequestLogger logs all incoming requests.
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := uuid.New().String()
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)

		c.Next()

		log.Info("Request completed",
			zap.String("path", c.Request.URL.Path),
			zap.String("method", c.Request.Method),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", requestID),
		)
	}
}

// Recovery recovers from panics and logs them.
func Recovery(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("Panic recovered",
					zap.Any("panic", r),
					zap.String("path", c.Request.URL.Path),
					zap.String("method", c.Request.Method),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"success": false,
					"error":   string(apperrors.KindRuntime),
					"message": "An internal server error occurred",
				})
			}
		}()
		c.Next()
	}
}

// CORS adds CORS headers for cross-origin requests.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Request-ID, X-User-ID")
		c.Header("Access-Control-Expose-Headers", "X-Request-ID")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// Identity resolves the caller from a bearer token or the X-User-ID header
// (identity issuance happens out-of-band) and ensures the user row exists.
func Identity(st store.Store, tokens *auth.TokenService, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var userID string

		if header := c.GetHeader("Authorization"); strings.HasPrefix(header, "Bearer ") {
			token := strings.TrimPrefix(header, "Bearer ")
			resolved, err := tokens.Resolve(c.Request.Context(), token)
			if err != nil {
				respondError(c, log, err)
				c.Abort()
				return
			}
			userID = resolved
		} else {
			userID = c.GetHeader("X-User-ID")
		}

		if userID == "" {
			respondError(c, log, apperrors.Unauthorized("missing caller identity"))
			c.Abort()
			return
		}

		if _, err := st.GetUser(c.Request.Context(), userID); apperrors.IsNotFound(err) {
			if err := st.CreateUser(c.Request.Context(), &store.User{ID: userID, Name: userID}); err != nil && !apperrors.IsConflict(err) {
				respondError(c, log, err)
				c.Abort()
				return
			}
		}

		c.Set(userIDKey, userID)
		c.Next()
	}
}

func callerID(c *gin.Context) string {
	return c.GetString(userIDKey)
}

// respondError writes the error envelope for an error, logging invariant
// violations at error level.
func respondError(c *gin.Context, log *logger.Logger, err error) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		appErr = apperrors.Internal("An internal server error occurred", err)
	}

	if appErr.Kind == apperrors.KindInvariant {
		log.Error("invariant violation",
			zap.String("path", c.Request.URL.Path),
			zap.String("code", appErr.Code),
			zap.String("message", appErr.Message),
		)
	}

	body := gin.H{
		"success": false,
		"error":   appErr.Envelope(),
		"message": appErr.Message,
	}
	if len(appErr.Suggestions) > 0 {
		body["suggestions"] = appErr.Suggestions
	}
	if appErr.HTTPStatus >= http.StatusInternalServerError && appErr.Kind != apperrors.KindInvariant {
		c.Header("Retry-After", "30")
	}
	c.JSON(appErr.HTTPStatus, body)
}
