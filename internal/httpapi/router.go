package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Config struct {
	Addr    string `mapstructure:"addr"`
	Release bool   `mapstructure:"release"`
}

// NewRouter wires the routes behind recovery and request logging.
func NewRouter(h *Handler, log *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(log))

	router.GET("/health", h.Health)

	v1 := router.Group("/v1")
	{
		v1.POST("/accounts/:id/sync", h.SyncAccount)
		v1.POST("/listings/:id/process", h.ProcessListing)
		v1.POST("/digests", h.DispatchDigest)
		v1.GET("/jobs/:stage/:key", h.GetJob)
	}

	return router
}

func NewServer(cfg Config, h *Handler, log *zap.Logger) *http.Server {
	if cfg.Release {
		gin.SetMode(gin.ReleaseMode)
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           NewRouter(h, log),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			log.Warn("request", fields...)
			return
		}
		log.Debug("request", fields...)
	}
}
