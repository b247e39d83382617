package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	ContextSubjectKey = "auth_subject"
	ContextClaimsKey  = "auth_claims"
)

func Middleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ExtractBearer(c.GetHeader("Authorization"))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": "missing token"})
			return
		}

		claims, err := ParseJWT(token, secret)
		if err != nil || claims.Subject == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": "invalid token"})
			return
		}

		c.Set(ContextSubjectKey, claims.Subject)
		c.Set(ContextClaimsKey, claims)
		c.Next()
	}
}

// RequireRole must run after Middleware.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		val, _ := c.Get(ContextClaimsKey)
		claims, _ := val.(*Claims)
		if !claims.HasRole(role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"code": "FORBIDDEN", "message": "missing role " + role})
			return
		}
		c.Next()
	}
}

func SubjectFrom(c *gin.Context) string {
	if val, ok := c.Get(ContextSubjectKey); ok {
		if s, ok := val.(string); ok {
			return s
		}
	}
	return ""
}
