package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"quiz-session-service/internal/app"
)

// RouterConfig wires the HTTP surface.
type RouterConfig struct {
	Service     *app.SessionService
	Hub         *Hub
	Connections ConnectionRecorder
	Log         logrus.FieldLogger
	// Metrics is mounted at MetricsPath when non-nil.
	Metrics     http.Handler
	MetricsPath string
}

// NewRouter builds the gin engine with REST, websocket, health and metrics routes.
func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(cfg.Log), cors())

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "quiz session service running", "version": "1.0.0"})
	})
	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	if cfg.Metrics != nil {
		path := cfg.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.GET(path, gin.WrapH(cfg.Metrics))
	}

	ws := NewWSHandler(cfg.Service, cfg.Hub, cfg.Connections, cfg.Log.WithField("component", "gateway"))
	r.GET("/ws", gin.WrapF(ws.ServeWS))

	NewRESTHandler(cfg.Service, cfg.Hub, cfg.Log.WithField("component", "rest")).Register(r)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, envelope{Success: false, Message: "route not found"})
	})
	return r
}

func requestLogger(log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(logrus.Fields{
			"component":  "rest",
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"latency_ms": time.Since(start).Milliseconds(),
		}).Info("request")
	}
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
