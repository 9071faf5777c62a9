package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/zulandar/senderyard/internal/api"
)

// requireBearer rejects requests whose bearer token is not secret.
func requireBearer(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			abort(c, http.StatusUnauthorized, api.CodeUnauthorized, "missing authorization header")
			return
		}
		parts := strings.Split(header, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			abort(c, http.StatusUnauthorized, api.CodeUnauthorized, "invalid authorization header")
			return
		}
		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(secret)) != 1 {
			abort(c, http.StatusUnauthorized, api.CodeUnauthorized, "invalid token")
			return
		}
		c.Next()
	}
}
