package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"shrike/internal/config"
)

// adminOnly gates the admin group on the configured token. An empty
// configured token disables the group entirely.
func adminOnly(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.AdminToken == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin API is disabled"})
			return
		}
		got := strings.TrimSpace(c.GetHeader("X-Admin-Token"))
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.AdminToken)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid admin token"})
			return
		}
		c.Next()
	}
}

// POST /api/admin/reload
//
// Re-reads the config file and swaps in a freshly introspected snapshot.
// A config that fails the lint leaves the running snapshot untouched and
// reports every issue, so a bad edit never takes the API down.
func AdminReloadHandler(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg, err := config.Load(s.ConfigPath)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "config load error", "details": err.Error()})
			return
		}
		if err := s.Registry.Reload(c.Request.Context(), cfg.APIs); err != nil {
			writeError(c, principalFrom(c), err)
			return
		}
		snap := s.Registry.Snapshot()
		c.JSON(http.StatusOK, gin.H{
			"ok":     true,
			"tables": len(snap.Exposed()),
		})
	}
}
