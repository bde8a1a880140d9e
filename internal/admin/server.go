// Package admin serves the HTTP admin surface of a runtime: liveness,
// readiness, prometheus metrics and the adapter listing.
package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/danmuck/objrpc/internal/auth"
	"github.com/danmuck/objrpc/internal/config"
	"github.com/danmuck/objrpc/internal/endpoint"
	"github.com/danmuck/objrpc/internal/observability"
	"github.com/danmuck/objrpc/internal/runtime"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

type Server struct {
	rt      *runtime.Runtime
	addr    string
	token   string
	logger  zerolog.Logger
	router  *gin.Engine
	http    *http.Server
	started time.Time
}

// AdapterInfo is one entry of GET /adapters.
type AdapterInfo struct {
	Name               string   `json:"name"`
	State              string   `json:"state"`
	Endpoints          []string `json:"endpoints"`
	PublishedEndpoints []string `json:"published_endpoints"`
	Connections        int      `json:"connections"`
}

func New(rt *runtime.Runtime, cfg config.Admin, logger zerolog.Logger) *Server {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.HTTPObserver(logger))
	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: cfg.CORSOrigins,
			AllowMethods: []string{"GET"},
			AllowHeaders: []string{"Origin", "Content-Type"},
			MaxAge:       12 * time.Hour,
		}))
	}
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		rt:      rt,
		addr:    cfg.Addr,
		token:   cfg.Token,
		logger:  logger,
		router:  r,
		started: time.Now(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) registerRoutes() {
	public := s.router.Group("/", observability.RouteGroup("public"))
	public.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"uptime": time.Since(s.started).Round(time.Second).String(),
		})
	})
	public.GET("/ready", func(c *gin.Context) {
		if s.rt.IsShutdown() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "shutting down"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready", "adapters": len(s.rt.Adapters().Adapters())})
	})
	private := s.router.Group("/", observability.RouteGroup("private"))
	if s.token != "" {
		private.Use(auth.Middleware(auth.StaticToken{Token: s.token}))
	}
	private.GET("/metrics", gin.WrapH(promhttp.Handler()))
	private.GET("/adapters", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"adapters": s.ListAdapters()})
	})
	private.GET("/adapters/:name", func(c *gin.Context) {
		for _, info := range s.ListAdapters() {
			if info.Name == c.Param("name") {
				c.JSON(http.StatusOK, info)
				return
			}
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "adapter not found"})
	})
}

// ListAdapters describes every adapter, sorted by name.
func (s *Server) ListAdapters() []AdapterInfo {
	adapters := s.rt.Adapters().Adapters()
	list := make([]AdapterInfo, 0, len(adapters))
	for _, a := range adapters {
		list = append(list, AdapterInfo{
			Name:               a.Name(),
			State:              a.State().String(),
			Endpoints:          endpointStrings(a.Endpoints()),
			PublishedEndpoints: endpointStrings(a.PublishedEndpoints()),
			Connections:        a.Connections(),
		})
	}
	return list
}

func endpointStrings(eps []endpoint.Endpoint) []string {
	out := make([]string, 0, len(eps))
	for _, ep := range eps {
		out = append(out, ep.String())
	}
	return out
}

// Serve blocks serving on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.http = &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	s.logger.Info().Msgf("admin.Server.Serve addr=%s", ln.Addr())
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
