package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"skillswap-backend/pkg/logger"
	"skillswap-backend/pkg/response"
)

// Recovery recovers from panics and returns 500 error
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("Panic recovered",
					zap.Any("panic", err),
					zap.String("path", c.Request.URL.Path),
					zap.ByteString("stack", debug.Stack()))

				response.InternalError(c, "Internal server error")
				c.Abort()
			}
		}()
		c.Next()
	}
}

// HealthCheck answers /health with the result of check
func HealthCheck(serviceName string, check func(c *gin.Context) map[string]string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path != "/health" {
			c.Next()
			return
		}

		status := http.StatusOK
		body := gin.H{"status": "healthy", "service": serviceName}
		if check != nil {
			deps := check(c)
			for _, state := range deps {
				if state != "ok" {
					body["status"] = "degraded"
				}
			}
			body["dependencies"] = deps
		}
		c.JSON(status, body)
		c.Abort()
	}
}

// NotFound answers unmatched routes in the standard error envelope
func NotFound() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.NotFound(c, "Route not found")
	}
}
