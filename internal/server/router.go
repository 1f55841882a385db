package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/botkeeper/internal/auth"
	"github.com/loykin/botkeeper/internal/exchange"
	"github.com/loykin/botkeeper/internal/group"
	"github.com/loykin/botkeeper/internal/metrics"
	"github.com/loykin/botkeeper/internal/store"
	"github.com/loykin/botkeeper/internal/supervisor"
)

// Options configures a Router. Records and Reconciler are optional; the
// account endpoints answer 503 without them.
type Options struct {
	BasePath   string
	Supervisor *supervisor.Supervisor
	Records    store.RecordStore
	Reconciler *exchange.Reconciler
	Gate       *auth.Gate
	// Metrics mounts /metrics outside the base path, unauthenticated.
	Metrics bool
	Logger  *slog.Logger
}

// Router provides embeddable HTTP handlers for the worker control surface.
// Endpoints, relative to the base path:
//
//	GET    /workers                 list workers
//	POST   /workers                 create a worker
//	GET    /workers/:id             worker with live status
//	PATCH  /workers/:id             update name, description, content, account
//	DELETE /workers/:id             stop and remove a worker
//	GET    /workers/:id/script      script content
//	POST   /workers/:id/start       start
//	POST   /workers/:id/stop        stop
//	POST   /workers/:id/restart     stop if running, then start
//	GET    /workers/:id/status      live status
//	POST   /workers/:id/autorestart toggle auto-restart
//	GET    /workers/:id/logs        recent log entries (?limit=)
//	DELETE /workers/:id/logs        clear one worker's logs
//	DELETE /logs                    clear all logs
//	POST   /logs/rotate             wipe all logs now
//	GET    /accounts                exchange accounts
//	POST   /accounts                register an account
//	GET    /accounts/:id            account with stored positions
//	DELETE /accounts/:id            remove an account and its records
//	GET    /accounts/:id/trades     recorded trades (?limit=)
//	POST   /accounts/:id/orders     place an order and record the fill
//	POST   /accounts/:id/sync       reconcile with the exchange
//	POST   /accounts/:id/halt       stop every worker bound to the account
//	POST   /accounts/:id/resume     start them again, all or none
//	POST   /auth/login              exchange basic credentials for a token
//
// /healthz is always public.
type Router struct {
	sup      *supervisor.Supervisor
	grp      *group.Group
	records  store.RecordStore
	rec      *exchange.Reconciler
	gate     *auth.Gate
	basePath string
	metrics  bool
	log      *slog.Logger
}

// NewRouter constructs a Router.
func NewRouter(opts Options) (*Router, error) {
	if opts.Supervisor == nil {
		return nil, errors.New("server: supervisor is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Router{
		sup:      opts.Supervisor,
		grp:      group.New(opts.Supervisor),
		records:  opts.Records,
		rec:      opts.Reconciler,
		gate:     opts.Gate,
		basePath: sanitizeBase(opts.BasePath),
		metrics:  opts.Metrics,
		log:      opts.Logger,
	}, nil
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), r.requestLog())
	g.GET("/healthz", func(c *gin.Context) { writeJSON(c, http.StatusOK, okResp{OK: true}) })
	if r.metrics {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	r.Mount(g.Group(r.basePath))
	return g
}

// Mount registers the control endpoints on group, behind the auth gate.
func (r *Router) Mount(group *gin.RouterGroup) {
	group.POST("/auth/login", r.handleLogin)

	api := group.Group("")
	api.Use(r.gate.GinAuth())

	api.GET("/workers", r.handleListWorkers)
	api.POST("/workers", r.handleCreateWorker)
	api.GET("/workers/:id", r.handleGetWorker)
	api.PATCH("/workers/:id", r.handleUpdateWorker)
	api.DELETE("/workers/:id", r.handleDeleteWorker)
	api.GET("/workers/:id/script", r.handleScript)
	api.POST("/workers/:id/start", r.handleStart)
	api.POST("/workers/:id/stop", r.handleStop)
	api.POST("/workers/:id/restart", r.handleRestart)
	api.GET("/workers/:id/status", r.handleStatus)
	api.POST("/workers/:id/autorestart", r.handleToggleAutoRestart)
	api.GET("/workers/:id/logs", r.handleLogs)
	api.DELETE("/workers/:id/logs", r.handleClearLogs)
	api.DELETE("/logs", r.handleClearAllLogs)
	api.POST("/logs/rotate", r.handleRotateLogs)

	api.GET("/accounts", r.handleListAccounts)
	api.POST("/accounts", r.handleCreateAccount)
	api.GET("/accounts/:id", r.handleGetAccount)
	api.DELETE("/accounts/:id", r.handleDeleteAccount)
	api.GET("/accounts/:id/trades", r.handleTrades)
	api.POST("/accounts/:id/orders", r.handlePlaceOrder)
	api.POST("/accounts/:id/sync", r.handleSync)
	api.POST("/accounts/:id/halt", r.handleHalt)
	api.POST("/accounts/:id/resume", r.handleResume)
}

func (r *Router) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		lvl := slog.LevelDebug
		if c.Writer.Status() >= http.StatusInternalServerError {
			lvl = slog.LevelWarn
		}
		r.log.Log(c.Request.Context(), lvl, "http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

type loginResp struct {
	Principal auth.Principal `json:"principal"`
	Token     auth.Token     `json:"token"`
}

func (r *Router) handleLogin(c *gin.Context) {
	if !r.gate.CanIssue() {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "token login is not configured"})
		return
	}
	user, pass, ok := c.Request.BasicAuth()
	if !ok {
		writeJSON(c, http.StatusUnauthorized, errorResp{Error: "basic credentials required"})
		return
	}
	p, err := r.gate.Login(user, pass)
	if err != nil {
		writeJSON(c, http.StatusUnauthorized, errorResp{Error: err.Error()})
		return
	}
	tok, err := r.gate.Issue(p)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, loginResp{Principal: p, Token: tok})
}

// NewServer builds an http.Server for addr using this router. The caller
// runs ListenAndServe (or ListenAndServeTLS) and Shutdown.
func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Stop may hold a request for the grace window plus the kill wait
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
