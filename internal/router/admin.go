package router

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/portroute/internal/address"
	"github.com/danmuck/portroute/internal/auth"
	"github.com/danmuck/portroute/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const adminVersion = "0.1.0"

// RouteView is the admin rendering of one route.
type RouteView struct {
	Address      string    `json:"address"`
	RegisteredAt time.Time `json:"registered_at"`
	Remote       bool      `json:"remote"`
	Session      string    `json:"session,omitempty"`
}

// Admin serves the read-only HTTP surface of a router.
type Admin struct {
	router  *Router
	service *Service
	engine  *gin.Engine
	started time.Time
}

// AdminConfig configures the admin API.
type AdminConfig struct {
	CORSOrigins []string
	// Auth, when set, guards every route with a bearer token.
	Auth auth.Validator
}

// NewAdmin builds the admin API. service may be nil for an in-process router.
func NewAdmin(r *Router, service *Service, cfg AdminConfig) *Admin {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	e := gin.New()
	e.Use(gin.Recovery())
	e.Use(observability.RequestLogger(log.Logger))
	e.Use(observability.RequestMetricsMiddleware(r.Name()))
	e.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CORSOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = e.SetTrustedProxies([]string{"127.0.0.1", "::1"})
	e.Use(auth.Middleware(cfg.Auth))

	a := &Admin{router: r, service: service, engine: e, started: time.Now()}
	a.registerRoutes()
	return a
}

func (a *Admin) Handler() http.Handler {
	return a.engine
}

// ListenAndServe serves until ctx ends, then shuts down gracefully.
func (a *Admin) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("router.admin listening")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (a *Admin) registerRoutes() {
	a.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(a.started).String(),
			"router":  a.router.Name(),
			"version": adminVersion,
		})
	})

	a.engine.GET("/ready", func(c *gin.Context) {
		status := http.StatusOK
		if !a.router.Running() {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":  a.router.Running(),
			"policy": a.router.Policy().String(),
			"routes": len(a.router.Routes()),
		})
	})

	a.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	a.engine.GET("/routes", func(c *gin.Context) {
		entries := a.router.Routes()
		views := make([]RouteView, 0, len(entries))
		for _, e := range entries {
			views = append(views, viewOf(e))
		}
		c.JSON(http.StatusOK, gin.H{"routes": views})
	})

	a.engine.GET("/routes/:addr", func(c *gin.Context) {
		addr, err := address.Parse(c.Param("addr"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		e, ok := a.router.Route(addr)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
			return
		}
		c.JSON(http.StatusOK, viewOf(e))
	})

	a.engine.GET("/sessions", func(c *gin.Context) {
		if a.service == nil {
			c.JSON(http.StatusOK, gin.H{"sessions": []SessionInfo{}})
			return
		}
		c.JSON(http.StatusOK, gin.H{"sessions": a.service.Sessions()})
	})
}

func viewOf(e Entry) RouteView {
	v := RouteView{Address: e.Address.String(), RegisteredAt: e.RegisteredAt}
	if remote, ok := e.Handler.(*remoteEndpoint); ok {
		v.Remote = true
		v.Session = remote.conn.ID()
	}
	return v
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"http://localhost:3000"}
	}
	return out
}
