package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"shrike/internal/auth"
	"shrike/internal/expand"
	"shrike/internal/notify"
	"shrike/internal/schema"
	"shrike/internal/store"
)

// Server bundles the collaborators the handlers run against.
type Server struct {
	Store    *store.Store
	Registry *schema.Registry
	Auth     *auth.Evaluator
	Expand   *expand.Resolver
	Notify   *notify.Manager
	Verifier auth.TokenVerifier

	AdminToken string
	ConfigPath string

	routes []RouteFunc
}

// RouteFunc registers custom endpoints on the authenticated /api group.
type RouteFunc func(*gin.RouterGroup)

// Register queues a route-registration callback for custom handlers. The
// callbacks run when the router is built, against the same group the record
// routes live under, so they see the auth middleware and can resolve the
// caller with the usual helpers. Custom handlers reach the store and the
// subscription manager through the Server they closed over.
func (s *Server) Register(fn RouteFunc) {
	s.routes = append(s.routes, fn)
}

// POST /api/records/:table
func CreateHandler(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap := s.Registry.Snapshot()
		table := c.Param("table")
		p := principalFrom(c)

		_, cfg, err := snap.Resolve(table)
		if err != nil {
			writeError(c, p, err)
			return
		}
		dec, err := s.Auth.Authorize(cfg, p, schema.OpCreate)
		if err != nil {
			writeError(c, p, err)
			return
		}

		var obj map[string]any
		if err := c.ShouldBindJSON(&obj); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON"})
			return
		}
		// an owner-scoped create always belongs to the caller
		if dec.OwnerScoped && cfg.OwnerColumn != "" {
			obj[cfg.OwnerColumn] = p.Identity
		}

		rec, err := s.Store.Create(c.Request.Context(), snap, table, obj)
		if err != nil {
			writeError(c, p, err)
			return
		}
		c.JSON(http.StatusCreated, rec)
	}
}

// GET /api/records/:table/:id
func GetOneHandler(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap := s.Registry.Snapshot()
		table := c.Param("table")
		id := c.Param("id")
		p := principalFrom(c)

		_, cfg, err := snap.Resolve(table)
		if err != nil {
			writeError(c, p, err)
			return
		}
		dec, err := s.Auth.Authorize(cfg, p, schema.OpRead)
		if err != nil {
			writeError(c, p, err)
			return
		}
		if dec.OwnerScoped {
			if err := s.Auth.AuthorizeRecord(c.Request.Context(), cfg, p, schema.OpRead, id); err != nil {
				writeError(c, p, err)
				return
			}
		}

		cols, err := s.Expand.Parse(snap, table, c.Query("expand"))
		if err != nil {
			writeError(c, p, err)
			return
		}
		rec, err := s.Store.Read(c.Request.Context(), snap, table, id)
		if err != nil {
			writeError(c, p, err)
			return
		}
		if err := s.Expand.Apply(c.Request.Context(), snap, table, cols, []map[string]any{rec}); err != nil {
			writeError(c, p, err)
			return
		}
		c.JSON(http.StatusOK, rec)
	}
}

// GET /api/records/:table
func ListHandler(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap := s.Registry.Snapshot()
		table := c.Param("table")
		p := principalFrom(c)

		_, cfg, err := snap.Resolve(table)
		if err != nil {
			writeError(c, p, err)
			return
		}
		dec, err := s.Auth.Authorize(cfg, p, schema.OpList)
		if err != nil {
			writeError(c, p, err)
			return
		}

		opts, err := parseListOptions(c.Request.URL.Query())
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if dec.OwnerScoped {
			opts.OwnerIdentity = p.Identity
		}
		cols, err := s.Expand.Parse(snap, table, c.Query("expand"))
		if err != nil {
			writeError(c, p, err)
			return
		}

		page, err := s.Store.List(c.Request.Context(), snap, table, opts)
		if err != nil {
			writeError(c, p, err)
			return
		}
		if err := s.Expand.Apply(c.Request.Context(), snap, table, cols, page.Records); err != nil {
			writeError(c, p, err)
			return
		}

		resp := gin.H{"records": page.Records}
		if page.Cursor != "" {
			resp["cursor"] = page.Cursor
		}
		c.JSON(http.StatusOK, resp)
	}
}

// GET /api/records/:table/count
func CountHandler(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap := s.Registry.Snapshot()
		table := c.Param("table")
		p := principalFrom(c)

		_, cfg, err := snap.Resolve(table)
		if err != nil {
			writeError(c, p, err)
			return
		}
		dec, err := s.Auth.Authorize(cfg, p, schema.OpList)
		if err != nil {
			writeError(c, p, err)
			return
		}

		opts, err := parseListOptions(c.Request.URL.Query())
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if dec.OwnerScoped {
			opts.OwnerIdentity = p.Identity
		}

		total, err := s.Store.Count(c.Request.Context(), snap, table, opts)
		if err != nil {
			writeError(c, p, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"total": total})
	}
}

// PATCH /api/records/:table/:id
func UpdateHandler(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap := s.Registry.Snapshot()
		table := c.Param("table")
		id := c.Param("id")
		p := principalFrom(c)

		_, cfg, err := snap.Resolve(table)
		if err != nil {
			writeError(c, p, err)
			return
		}
		dec, err := s.Auth.Authorize(cfg, p, schema.OpUpdate)
		if err != nil {
			writeError(c, p, err)
			return
		}
		if dec.OwnerScoped {
			if err := s.Auth.AuthorizeRecord(c.Request.Context(), cfg, p, schema.OpUpdate, id); err != nil {
				writeError(c, p, err)
				return
			}
		}

		var patch map[string]any
		if err := c.ShouldBindJSON(&patch); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON"})
			return
		}
		rec, err := s.Store.Update(c.Request.Context(), snap, table, id, patch)
		if err != nil {
			writeError(c, p, err)
			return
		}
		c.JSON(http.StatusOK, rec)
	}
}

// DELETE /api/records/:table/:id
func DeleteHandler(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap := s.Registry.Snapshot()
		table := c.Param("table")
		id := c.Param("id")
		p := principalFrom(c)

		_, cfg, err := snap.Resolve(table)
		if err != nil {
			writeError(c, p, err)
			return
		}
		dec, err := s.Auth.Authorize(cfg, p, schema.OpDelete)
		if err != nil {
			writeError(c, p, err)
			return
		}
		if dec.OwnerScoped {
			if err := s.Auth.AuthorizeRecord(c.Request.Context(), cfg, p, schema.OpDelete, id); err != nil {
				writeError(c, p, err)
				return
			}
		}

		if err := s.Store.Delete(c.Request.Context(), snap, table, id); err != nil {
			writeError(c, p, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}
