package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterOptions extends Options with the process-level endpoints.
type RouterOptions struct {
	Options
	// Gatherer backs /metrics; the default registry when nil.
	Gatherer prometheus.Gatherer
	// WebSocket is mounted on /ws when set.
	WebSocket http.Handler
}

// NewRouter builds the gin engine with health, metrics, websocket and API routes.
func NewRouter(opts RouterOptions) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "running": opts.Runner.Running()})
	})

	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	if opts.WebSocket != nil {
		r.GET("/ws", gin.WrapH(opts.WebSocket))
	}

	SetupRoutes(r.Group("/api/v1"), opts.Options)
	return r
}
