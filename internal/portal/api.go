package portal

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"kyri56xcaesar/pms-portal/internal/authmw"
	"kyri56xcaesar/pms-portal/internal/billing"
	"kyri56xcaesar/pms-portal/internal/events"
	"kyri56xcaesar/pms-portal/internal/logging"
	"kyri56xcaesar/pms-portal/internal/metrics"
	"kyri56xcaesar/pms-portal/internal/store"
	"kyri56xcaesar/pms-portal/internal/workflow"
)

const (
	apiVersion = "/api/v1"
)

var (
	config Config
	engine *gin.Engine
)

// Authenticator guards routes and talks to the identity provider.
type Authenticator interface {
	Require(anyOf ...workflow.Role) gin.HandlerFunc
	VerifyCredentials(ctx context.Context, username, password string) (*authmw.Identity, error)
	Provision(ctx context.Context, acc authmw.NewAccount) (*workflow.User, error)
}

// Pinger reports storage readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

type RouterDeps struct {
	Svc            *workflow.Service
	Auth           Authenticator
	Health         Pinger
	Log            logrus.FieldLogger
	RequestTimeout time.Duration

	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
}

// OpenStore opens the configured backend and applies the schema.
func OpenStore(ctx context.Context, cfg Config) (*store.Store, error) {
	var (
		s   *store.Store
		err error
	)
	switch cfg.StoreDriver {
	case "postgres", "pg", "":
		s, err = store.OpenPostgres(ctx, cfg.DSN())
	case "sqlite":
		s, err = store.OpenSQLite(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
	if err != nil {
		return nil, err
	}

	if err := s.Migrate(ctx, cfg.InitSQLPath); err != nil {
		s.Close()
		return nil, err
	}

	return s, nil
}

// NewService wires billing and, when NATS_URL is set, the event publisher
// around st. The returned publisher is nil without NATS and must be closed
// otherwise.
func NewService(cfg Config, st workflow.Store, logger logrus.FieldLogger) (*workflow.Service, *events.Publisher, error) {
	var (
		publisher workflow.Publisher
		nc        *events.Publisher
		err       error
	)
	if cfg.NATSURL != "" {
		nc, err = events.Connect(cfg.NATSURL, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to nats: %w", err)
		}
		publisher = nc
	}

	svc := workflow.New(workflow.Deps{
		Store: st,
		Billing: billing.New(billing.Config{
			URL:     cfg.BillingURL,
			Token:   cfg.BillingToken,
			Timeout: cfg.BillingTimeout,
		}, logger),
		Events: publisher,
		Log:    logger,
	})

	return svc, nc, nil
}

func setCors(r *gin.Engine, d RouterDeps) {
	corsconfig := cors.DefaultConfig()
	corsconfig.AllowOrigins = d.AllowedOrigins
	corsconfig.AllowMethods = d.AllowedMethods
	corsconfig.AllowHeaders = d.AllowedHeaders
	if len(corsconfig.AllowOrigins) == 0 || (len(corsconfig.AllowOrigins) == 1 && corsconfig.AllowOrigins[0] == "*") {
		corsconfig.AllowOrigins = nil
		corsconfig.AllowAllOrigins = true
	}
	if len(corsconfig.AllowMethods) == 0 {
		corsconfig.AllowMethods = cors.DefaultConfig().AllowMethods
	}
	if len(corsconfig.AllowHeaders) == 0 {
		corsconfig.AllowHeaders = cors.DefaultConfig().AllowHeaders
	}
	r.Use(cors.New(corsconfig))
}

// requestTimeout bounds the context every handler passes down.
func requestTimeout(d time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if d <= 0 {
			c.Next()
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func observe(logger logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		elapsed := time.Since(start)
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(status)).Observe(elapsed.Seconds())

		entry := logger.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"route":   route,
			"status":  status,
			"elapsed": elapsed.String(),
			"client":  c.ClientIP(),
		})
		if status >= http.StatusInternalServerError {
			entry.Warn("request failed")
		} else {
			entry.Debug("request served")
		}
	}
}

// NewRouter wires the HTTP surface over the workflow service.
func NewRouter(d RouterDeps) *gin.Engine {
	if d.Log == nil {
		d.Log = logrus.StandardLogger()
	}

	r := gin.New()
	r.Use(gin.Recovery(), observe(d.Log), requestTimeout(d.RequestTimeout))
	setCors(r, d)

	h := &api{svc: d.Svc, auth: d.Auth, log: d.Log}

	root := r.Group("/")
	{
		root.GET("/healthz", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "alive"})
		})
		root.GET("/readyz", func(c *gin.Context) {
			if d.Health != nil {
				if err := d.Health.Ping(c.Request.Context()); err != nil {
					d.Log.WithError(err).Warn("readiness check failed")
					c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
					return
				}
			}
			c.JSON(http.StatusOK, gin.H{"status": "ready"})
		})
		root.GET("/metrics", metrics.Handler())
	}

	v1 := r.Group(apiVersion)
	v1.POST("/login", h.login)

	// every portal role; the engines decide per operation
	authed := v1.Group("/")
	authed.Use(d.Auth.Require())
	{
		authed.GET("/me", h.me)

		authed.POST("/proposals", h.createProposal)
		authed.GET("/proposals", h.listProposals)
		authed.GET("/proposals/:id", h.getProposal)
		authed.POST("/proposals/:id/submit", h.submitProposal)
		authed.POST("/proposals/:id/assign-pm", h.assignPM)
		authed.POST("/proposals/:id/review", h.requestReview)
		authed.POST("/proposals/:id/approve", h.approveProposal)
		authed.POST("/proposals/:id/reject", h.rejectProposal)
		authed.POST("/proposals/:id/rework", h.reworkProposal)
		authed.POST("/proposals/:id/cancel", h.cancelProposal)
		authed.POST("/proposals/:id/complete", h.completeProposal)
		authed.POST("/proposals/:id/comments", h.commentProposal)

		authed.GET("/pms/:id/load", h.pmLoad)
		authed.GET("/pm-loads", h.pmLoads)

		authed.GET("/projects", h.listProjects)
		authed.GET("/projects/:id", h.getProject)
		authed.GET("/projects/:id/tasks", h.projectTree)
		authed.POST("/projects/:id/milestones", h.createMilestone)
		authed.POST("/projects/:id/developers", h.assignDeveloper)
		authed.GET("/projects/:id/team", h.projectTeam)
		authed.POST("/projects/:id/meetings", h.scheduleMeeting)
		authed.GET("/projects/:id/meetings", h.listMeetings)

		authed.POST("/tasks/:id/subtasks", h.createSubtask)
		authed.POST("/tasks/:id/lock", h.lockTask)
		authed.POST("/tasks/:id/status", h.setTaskStatus)
		authed.POST("/tasks/:id/unlock", h.unlockTask)
	}

	admin := v1.Group("/admin")
	admin.Use(d.Auth.Require(workflow.RoleAdmin))
	{
		admin.POST("/users", h.provisionUser)
		admin.POST("/invoices/retry", h.retryInvoices)
	}

	return r
}

// InitAndServe loads the config at confPath, wires every collaborator and
// serves until SIGINT or SIGTERM.
func InitAndServe(confPath string) {
	config = LoadConfig(confPath)
	setGinMode(config.ApiGinMode)

	logger, err := logging.Init(logging.Config{
		System: "pms-portal",
		Level:  config.LogLevel,
		Format: config.LogFormat,
		File:   config.LogFile,
	})
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// init db conn
	openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	st, err := OpenStore(openCtx, config)
	cancel()
	if err != nil {
		logger.WithError(err).Fatal("could not open the store")
	}

	svc, nc, err := NewService(config, st, logger)
	if err != nil {
		logger.WithError(err).Fatal("could not wire the workflow service")
	}

	kc, err := authmw.NewService(
		config.AuthAddress,
		config.Realm,
		config.ClientID,
		config.Issuer,
		config.Audience,
		config.ClientSecret,
		st,
	)
	if err != nil {
		logger.WithError(err).Fatal("failed to init the keycloak service")
	}

	engine = NewRouter(RouterDeps{
		Svc:            svc,
		Auth:           kc,
		Health:         st,
		Log:            logger,
		RequestTimeout: config.RequestTimeout,
		AllowedOrigins: config.AllowedOrigins,
		AllowedMethods: config.AllowedMethods,
		AllowedHeaders: config.AllowedHeaders,
	})

	// serve http
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", config.Port),
		Handler:           engine,
		ReadHeaderTimeout: time.Second * 5,
	}

	go func() {
		logger.WithField("port", config.Port).Info("listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("listen")
		}
	}()

	<-ctx.Done()

	stop()
	logger.Info("shutting down gracefully, press Ctrl+C again to force")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("server forced to shutdown")
	}

	if nc != nil {
		if err := nc.Close(); err != nil {
			logger.WithError(err).Warn("failed to drain nats")
		}
	}
	st.Close()

	logger.Info("server exiting")
}

func setGinMode(mode string) {
	switch strings.ToLower(mode) {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "debug":
		gin.SetMode(gin.DebugMode)
	case "envgin":
		gin.SetMode(gin.EnvGinMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}
}
