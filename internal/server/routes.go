package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"MarketPulse/internal/logger"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// RegisterRoutes mounts the API under /api/v1.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/healthz", h.Health)

	api := r.Group("/api/v1")
	{
		api.GET("/symbols", h.ListSymbols)
		api.PUT("/symbols", h.SetSymbols)
		api.POST("/symbols/:symbol", h.AddSymbol)
		api.DELETE("/symbols/:symbol", h.RemoveSymbol)

		api.GET("/prices/:symbol", h.Price)
		api.GET("/stats/:symbol", h.Stats)
		api.GET("/series/:symbol", h.Series)
		api.GET("/overview", h.Overview)
		api.GET("/events", h.Events)

		api.POST("/refresh", h.Refresh)
		api.GET("/refresh/runs", h.History)

		api.GET("/products/:id", h.Product)
		api.GET("/feed", h.FeedStats)
	}
}

// NewRouter builds the engine with recovery, request logging and CORS.
func NewRouter(h *Handler, allowOrigins []string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())
	_ = r.SetTrustedProxies(nil)

	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(allowOrigins) == 0 || (len(allowOrigins) == 1 && allowOrigins[0] == "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = allowOrigins
	}
	r.Use(cors.New(cfg))

	h.RegisterRoutes(r)
	return r
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debugf("[http] %s %s %d %s", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

// Server wraps http.Server for graceful shutdown.
type Server struct {
	srv *http.Server
}

func New(addr string, handler http.Handler) *Server {
	return &Server{srv: &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}}
}

// Start serves in the background. Listen errors other than shutdown are logged.
func (s *Server) Start() {
	go func() {
		logger.Infof("[http] listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("[http] server: %v", err)
		}
	}()
}

// Shutdown stops accepting requests and waits for active ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
