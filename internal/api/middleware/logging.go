package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dhruvalgolakiya/taskdex-sub000/shared/logger"
)

// LoggingMiddleware logs HTTP requests.
func LoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path = path + "?" + raw
		}

		c.Next()

		status := c.Writer.Status()
		latency := time.Since(start)
		if status >= 500 {
			logger.Warnf("[http] [%s] %s - %d (%v)", c.Request.Method, path, status, latency)
			return
		}
		logger.Debugf("[http] [%s] %s - %d (%v)", c.Request.Method, path, status, latency)
	}
}
