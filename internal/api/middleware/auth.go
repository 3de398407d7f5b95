package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/dhruvalgolakiya/taskdex-sub000/internal/crypto"
)

const clientIDKey = "clientID"

// AuthMiddleware accepts a Bearer credential that is either the shared key or
// a resume token issued by the gateway. tokens may be nil.
func AuthMiddleware(sharedKey string, tokens *crypto.TokenManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header format"})
			return
		}
		credential := strings.TrimSpace(parts[1])

		if crypto.KeyMatches(credential, sharedKey) {
			c.Set(clientIDKey, "")
			c.Next()
			return
		}
		if tokens != nil {
			if claims, err := tokens.Verify(credential); err == nil {
				c.Set(clientIDKey, claims.ClientID)
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
	}
}

// GetClientID returns the client id of a token-authenticated request. It is
// empty for shared-key requests.
func GetClientID(c *gin.Context) (string, bool) {
	v, exists := c.Get(clientIDKey)
	if !exists {
		return "", false
	}
	id, _ := v.(string)
	return id, true
}
