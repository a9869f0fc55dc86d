package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lalith-99/insightops/internal/auth"
)

// Context keys for values the auth middleware stores on gin.Context.
const (
	ContextKeyWorkspaceID = "workspace_id"
	ContextKeySubject     = "subject"
)

// AuthMiddleware rejects requests without a valid bearer token and scopes
// the rest of the chain to the token's workspace.
//
// Browsers cannot set headers on a websocket upgrade, so a GET carrying an
// "access_token" query parameter is accepted as well.
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := bearerToken(c)
		if !ok {
			return
		}

		claims, err := auth.ParseToken(tokenString, secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid or expired token",
			})
			return
		}

		c.Set(ContextKeyWorkspaceID, claims.WorkspaceID)
		c.Set(ContextKeySubject, claims.Subject)
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	if header == "" {
		if token := c.Query("access_token"); token != "" && c.Request.Method == http.MethodGet {
			return token, true
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": "missing authorization header",
		})
		return "", false
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": "invalid authorization format, expected: Bearer <token>",
		})
		return "", false
	}
	return parts[1], true
}

// GetWorkspaceID returns uuid.Nil outside an authenticated route.
func GetWorkspaceID(c *gin.Context) uuid.UUID {
	val, exists := c.Get(ContextKeyWorkspaceID)
	if !exists {
		return uuid.Nil
	}
	id, ok := val.(uuid.UUID)
	if !ok {
		return uuid.Nil
	}
	return id
}

func GetSubject(c *gin.Context) string {
	val, exists := c.Get(ContextKeySubject)
	if !exists {
		return ""
	}
	subject, ok := val.(string)
	if !ok {
		return ""
	}
	return subject
}
