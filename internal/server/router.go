// Package server assembles the gin engine: middleware chain, open routes,
// and the authenticated API group.
package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nebula-cp/nebula/internal/actions"
	"github.com/nebula-cp/nebula/internal/approval"
	"github.com/nebula-cp/nebula/internal/auth"
	"github.com/nebula-cp/nebula/internal/enums"
	"github.com/nebula-cp/nebula/internal/health"
	"github.com/nebula-cp/nebula/internal/repository"
	"github.com/nebula-cp/nebula/internal/scope"
	"github.com/nebula-cp/nebula/internal/server/handler"
	"github.com/nebula-cp/nebula/internal/store"
)

// Config carries the HTTP-surface settings.
type Config struct {
	CORSOrigins []string
	// OpenRPS/OpenBurst bound the unauthenticated endpoints per client host.
	OpenRPS   int
	OpenBurst int
	// Window/Max bound authenticated requests per credential per route.
	Window time.Duration
	Max    int
	Auth   handler.AuthConfig
}

// Deps bundles the wired components the router needs.
type Deps struct {
	Store      *store.Store
	Repos      *repository.Set
	Registry   *enums.Registry
	Mediator   *scope.Mediator
	Authn      *auth.Authenticator
	Sessions   *auth.SessionIssuer
	Engine     *approval.Engine
	Enrollment *approval.Enrollment
	Dispatcher *actions.Dispatcher
	Health     *health.Checker
	Logger     *zap.Logger
}

// New builds the router.
func New(cfg Config, d Deps) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.Config{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept", "X-Related-Job"},
		ExposeHeaders:    []string{"Content-Length", "Retry-After"},
		AllowCredentials: !containsWildcard(cfg.CORSOrigins),
		MaxAge:           12 * time.Hour,
	}
	router.Use(cors.New(corsConfig))

	// Security headers
	router.Use(func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	})

	// Request body size limit (1 MB)
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20)
		c.Next()
	})

	router.Use(handler.PrometheusMiddleware())
	router.Use(requestLogger(d.Logger))

	authMw := handler.NewAuth(d.Authn, d.Sessions, d.Repos, d.Registry, cfg.Auth, d.Logger)
	limiter := handler.NewSlidingLimiter()

	agentH := handler.NewAgentHandler(d.Repos, d.Dispatcher, d.Enrollment, authMw, d.Logger)
	keyH := handler.NewKeyHandler(d.Repos, d.Store, d.Authn, d.Sessions, d.Registry, d.Mediator, d.Logger)
	healthH := handler.NewHealthHandler(d.Health)

	// Open surface: health, metrics, login, registration, enrollment.
	open := router.Group("/")
	if cfg.OpenRPS > 0 {
		open.Use(handler.HostRateLimiter(cfg.OpenRPS, cfg.OpenBurst))
	}
	healthH.Register(open)
	open.GET("/metrics", handler.MetricsHandler())
	keyH.RegisterOpen(open)
	agentH.RegisterOpen(open)

	// Authenticated surface.
	api := router.Group("/")
	api.Use(authMw.Require())
	if cfg.Max > 0 {
		api.Use(limiter.Middleware(cfg.Window, cfg.Max))
	}

	handler.NewEntityHandler(d.Repos, d.Registry, d.Mediator, d.Dispatcher, d.Logger).Register(api)
	handler.NewKnowledgeHandler(d.Repos, d.Registry, d.Mediator, d.Dispatcher, d.Logger).Register(api)
	handler.NewRelationshipHandler(d.Repos, d.Mediator, d.Dispatcher, d.Logger).Register(api)
	handler.NewJobHandler(d.Repos, d.Registry, d.Mediator, d.Dispatcher, d.Logger).Register(api)
	handler.NewLogHandler(d.Repos, d.Registry, d.Dispatcher, d.Logger).Register(api)
	handler.NewFileHandler(d.Repos, d.Mediator, d.Dispatcher, d.Logger).Register(api)
	handler.NewProtocolHandler(d.Repos, d.Mediator, d.Dispatcher, d.Logger).Register(api)
	handler.NewApprovalHandler(d.Engine, d.Repos, d.Logger).Register(api)
	handler.NewTaxonomyHandler(d.Repos, d.Registry, d.Mediator, d.Logger).Register(api)
	handler.NewActionHandler(d.Dispatcher, d.Logger).Register(api)
	agentH.Register(api)
	keyH.Register(api)

	return router
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

// requestLogger logs each request with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
