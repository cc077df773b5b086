package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/kospibot/daytrader/internal/config"
)

const HeaderAPIKey = "X-API-Key"

// Auth guards the control channel with the configured API key. With no key
// configured the channel is open; intended for localhost-only deployments.
func Auth(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.Server.APIKey == "" {
			c.Next()
			return
		}
		key := c.GetHeader(HeaderAPIKey)
		if key == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing API key"})
			c.Abort()
			return
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(cfg.Server.APIKey)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid API key"})
			c.Abort()
			return
		}
		c.Next()
	}
}
