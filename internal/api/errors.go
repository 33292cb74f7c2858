package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"shrike/internal/auth"
	"shrike/internal/expand"
	"shrike/internal/schema"
	"shrike/internal/store"
)

// busyRetryAfter is what we tell clients to wait before retrying a write
// that lost the busy-timeout race.
const busyRetryAfter = 1 // seconds

// writeError maps a domain error onto the wire. Authorization failures
// distinguish 401 (no identity presented) from 403 (identity lacks the
// grant) so clients know whether re-authenticating can help.
func writeError(c *gin.Context, p auth.Principal, err error) {
	var vErr *store.ValidationError
	var cErr *store.ConflictError
	var nfErr *store.NotFoundError
	var lintErr *schema.LintError

	switch {
	case errors.Is(err, schema.ErrUnknownTable):
		c.JSON(http.StatusNotFound, gin.H{"error": "table not found"})
	case errors.As(err, &nfErr):
		c.JSON(http.StatusNotFound, gin.H{"error": "record not found"})
	case errors.Is(err, auth.ErrForbidden):
		if !p.Authenticated() {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		c.JSON(http.StatusForbidden, gin.H{"error": "operation not permitted"})
	case errors.Is(err, auth.ErrInvalidToken):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
	case errors.As(err, &vErr):
		c.JSON(http.StatusBadRequest, gin.H{"errors": vErr.Fields})
	case errors.As(err, &cErr):
		c.JSON(http.StatusConflict, gin.H{"errors": cErr.Fields})
	case errors.Is(err, expand.ErrInvalidExpansion):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.As(err, &lintErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": lintErr.Error(), "issues": lintErr.Issues})
	case errors.Is(err, store.ErrBusy):
		c.Header("Retry-After", strconv.Itoa(busyRetryAfter))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "database is busy, retry"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
