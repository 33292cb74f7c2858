package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter wires the record API, the admin surface and the operational
// endpoints onto one engine.
func NewRouter(s *Server) *gin.Engine {
	r := gin.Default()

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	apiGroup := r.Group("/api", AuthMiddleware(s.Verifier))
	{
		apiGroup.GET("/meta", MetaListHandler(s))
		apiGroup.GET("/meta/:table", MetaTableHandler(s))

		rec := apiGroup.Group("/records")
		// static segments before the :id routes
		rec.GET("/:table/count", CountHandler(s))
		rec.GET("/:table/subscribe", SubscribeHandler(s))
		rec.GET("/:table/subscribe/:id", SubscribeHandler(s))

		rec.POST("/:table", CreateHandler(s))
		rec.GET("/:table", ListHandler(s))
		rec.GET("/:table/:id", GetOneHandler(s))
		rec.PATCH("/:table/:id", UpdateHandler(s))
		rec.DELETE("/:table/:id", DeleteHandler(s))

		for _, fn := range s.routes {
			fn(apiGroup)
		}
	}

	admin := r.Group("/api/admin", adminOnly(s))
	{
		admin.POST("/reload", AdminReloadHandler(s))
	}

	return r
}
