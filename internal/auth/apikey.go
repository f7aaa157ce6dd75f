package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// viewerCtxKey is the Gin context key used to store the authenticated viewer.
const viewerCtxKey = "viewer_id"

// Guest is the viewer assigned to every request when no keys are configured.
const Guest = "guest"

// APIKeyMiddleware maps X-API-Key to a viewer name. An empty key map runs the
// server in guest mode: every request is accepted as Guest.
func APIKeyMiddleware(keys map[string]string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(keys) == 0 {
			c.Set(viewerCtxKey, Guest)
			c.Next()
			return
		}
		apiKey := strings.TrimSpace(c.GetHeader("X-API-Key"))
		if apiKey == "" {
			// EventSource cannot set headers, so the stream accepts a query key.
			apiKey = strings.TrimSpace(c.Query("api_key"))
		}
		viewer, ok := keys[apiKey]
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(viewerCtxKey, viewer)
		c.Next()
	}
}

// ViewerID returns the authenticated viewer from the request context.
func ViewerID(c *gin.Context) string {
	v, _ := c.Get(viewerCtxKey)
	s, _ := v.(string)
	return s
}
