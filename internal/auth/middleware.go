package auth

import (
	"net/http"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"
)

const permissionsKey = "permissions"

// AuthMiddleware rejects requests without a valid bearer token.
func (a *AuthService) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing authorization header",
			})
			return
		}

		scheme, token, ok := strings.Cut(authHeader, " ")
		if !ok || scheme != "Bearer" || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid authorization header format",
			})
			return
		}

		permissions, err := a.ValidateToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid or expired token",
			})
			return
		}

		c.Set(permissionsKey, permissions)
		c.Next()
	}
}

// RequirePermission must run after AuthMiddleware.
func RequirePermission(required Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		perms, ok := c.Get(permissionsKey)
		if !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "no permissions found",
			})
			return
		}

		if permissions, _ := perms.([]Permission); !slices.Contains(permissions, required) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":    "insufficient permissions",
				"required": string(required),
			})
			return
		}
		c.Next()
	}
}
