package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/inspectctl/internal/inspector"
	"github.com/danmuck/inspectctl/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const (
	serviceName     = "inspectctl"
	readyTimeout    = 2 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Inspector is the session surface the admin routes read from.
type Inspector interface {
	ID() uuid.UUID
	CurrentSelection() *inspector.Node
	Roots() *inspector.RootSet
	Paused() bool
	PendingEchoes() int
	IsWidgetTreeReady(ctx context.Context) (bool, error)
	ForceRefresh(ctx context.Context) error
}

// ExtensionLister reports the service extensions the target registered.
type ExtensionLister interface {
	List() []string
}

type Options struct {
	Addr        string
	CORSOrigins []string
}

// Admin is the local HTTP surface of a running inspector session.
type Admin struct {
	addr       string
	session    Inspector
	extensions ExtensionLister
	router     *gin.Engine
	appeared   time.Time
}

func NewAdmin(session Inspector, exts ExtensionLister, opts Options) *Admin {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.AdminRequests(observability.Component("admin"), session.ID().String()))
	if len(opts.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:  opts.CORSOrigins,
			AllowMethods:  []string{"GET", "POST"},
			AllowHeaders:  []string{"Origin", "Content-Type", observability.RequestIDHeader},
			ExposeHeaders: []string{observability.RequestIDHeader},
			MaxAge:        12 * time.Hour,
		}))
	}
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	a := &Admin{
		addr:       opts.Addr,
		session:    session,
		extensions: exts,
		router:     r,
		appeared:   time.Now(),
	}
	a.registerRoutes()
	return a
}

func (a *Admin) HTTPRouter() *gin.Engine {
	return a.router
}

func (a *Admin) registerRoutes() {
	a.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(a.appeared).String(),
			"service": serviceName,
			"session": a.session.ID().String(),
		})
	})

	a.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	a.router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), readyTimeout)
		defer cancel()
		ready, err := a.session.IsWidgetTreeReady(ctx)
		body := gin.H{
			"ready":   ready,
			"paused":  a.session.Paused(),
			"service": serviceName,
		}
		if err != nil {
			body["error"] = err.Error()
		}
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, body)
	})

	a.router.GET("/selection", func(c *gin.Context) {
		node := a.session.CurrentSelection()
		if node == nil {
			c.JSON(http.StatusOK, gin.H{"selection": nil, "pending_echoes": a.session.PendingEchoes()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"selection": gin.H{
				"id":          node.ValueRef.ID,
				"description": node.Description,
				"node":        node.Raw,
			},
			"pending_echoes": a.session.PendingEchoes(),
		})
	})

	a.router.POST("/selection/refresh", func(c *gin.Context) {
		if err := a.session.ForceRefresh(c.Request.Context()); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	a.router.GET("/roots", func(c *gin.Context) {
		roots := a.session.Roots()
		c.JSON(http.StatusOK, gin.H{
			"directories": roots.Directories(),
			"packages":    roots.Packages(),
			"prefixes":    roots.Prefixes(),
		})
	})

	a.router.GET("/extensions", func(c *gin.Context) {
		var names []string
		if a.extensions != nil {
			names = a.extensions.List()
		}
		if names == nil {
			names = []string{}
		}
		c.JSON(http.StatusOK, gin.H{"extensions": names})
	})
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (a *Admin) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.addr,
		Handler:           a.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", a.addr).Msg("server.Admin listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("server.Admin shutdown")
		return err
	}
	log.Info().Str("addr", a.addr).Msg("server.Admin stopped")
	return nil
}
