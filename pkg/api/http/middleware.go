package http

import (
	"github.com/gin-gonic/gin"
)

const (
	workspaceHeader = "X-Workspace-ID"
	workspaceKey    = "workspace_id"

	defaultWorkspace = "default"
)

// CORS middleware
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, X-Workspace-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// workspaceMiddleware scopes the request to the workspace named by the
// X-Workspace-ID header.
func workspaceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ws := c.GetHeader(workspaceHeader)
		if ws == "" {
			ws = defaultWorkspace
		}
		c.Set(workspaceKey, ws)
		c.Next()
	}
}

// workspaceID prefers an explicit value from the request body.
func workspaceID(c *gin.Context, explicit string) string {
	if explicit != "" {
		return explicit
	}
	return c.GetString(workspaceKey)
}
