// Package httpapi is the service's HTTP surface: the tenant-facing
// notification API, provider webhook intake, the unsubscribe endpoint,
// admin operations on the queues and health/metrics for the platform.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/venuetix/notification-service/internal/breaker"
	"github.com/venuetix/notification-service/internal/compliance"
	"github.com/venuetix/notification-service/internal/config"
	"github.com/venuetix/notification-service/internal/degrade"
	"github.com/venuetix/notification-service/internal/metrics"
	"github.com/venuetix/notification-service/internal/notification"
	"github.com/venuetix/notification-service/internal/provider"
	"github.com/venuetix/notification-service/internal/queue"
	"github.com/venuetix/notification-service/internal/ratelimit"
	"github.com/venuetix/notification-service/internal/telemetry"
	"github.com/venuetix/notification-service/internal/webhook"
)

func init() {
	// Enum fields reject unknown values at bind time, before the
	// domain-level Validate runs.
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		_ = v.RegisterValidation("notifchannel", func(fl validator.FieldLevel) bool {
			return notification.Channel(fl.Field().String()).Valid()
		})
		_ = v.RegisterValidation("notiftype", func(fl validator.FieldLevel) bool {
			return notification.Type(fl.Field().String()).Valid()
		})
		_ = v.RegisterValidation("notifpriority", func(fl validator.FieldLevel) bool {
			return notification.Priority(fl.Field().String()).Valid()
		})
	}
}

// Repository is the persistence slice the API reads and writes.
type Repository interface {
	CreateRequest(ctx context.Context, req *notification.Request, idem *notification.IdempotencyRecord) error
	GetIdempotency(ctx context.Context, tenantID, key string) (*notification.IdempotencyRecord, error)
	GetRequest(ctx context.Context, tenantID string, id uuid.UUID) (*notification.Request, error)
	LatestAttempt(ctx context.Context, requestID uuid.UUID) (*notification.Attempt, error)
	ListAttempts(ctx context.Context, requestID uuid.UUID) ([]notification.Attempt, error)
	AddSuppression(ctx context.Context, entry notification.SuppressionEntry) error
	RemoveSuppression(ctx context.Context, tenantID string, channel notification.Channel, recipientHash string) error
	ListSuppressions(ctx context.Context, tenantID string, channel *notification.Channel, limit int) ([]notification.SuppressionEntry, error)
}

// CheckFunc probes one dependency for the readiness endpoints.
type CheckFunc func(ctx context.Context) error

// Deps carries everything the server composes. All fields are required
// except Checks.
type Deps struct {
	Config   *config.Config
	Logger   *telemetry.Logger
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	Repo     Repository
	Queue    queue.Queue
	Limiter  *ratelimit.Limiter
	Degrade  *degrade.Controller
	Webhooks *webhook.Processor
	Breakers *breaker.Manager
	Board    *provider.Board
	Tokens   *compliance.TokenCodec
	Checks   map[string]CheckFunc
}

// Server serves the HTTP API.
type Server struct {
	cfg      *config.Config
	logger   *telemetry.Logger
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	repo     Repository
	queue    queue.Queue
	limiter  *ratelimit.Limiter
	degrade  *degrade.Controller
	webhooks *webhook.Processor
	breakers *breaker.Manager
	board    *provider.Board
	tokens   *compliance.TokenCodec
	checks   map[string]CheckFunc

	engine  *gin.Engine
	httpSrv *http.Server
}

// New builds the server and its routes.
func New(d Deps) *Server {
	s := &Server{
		cfg:      d.Config,
		logger:   d.Logger,
		metrics:  d.Metrics,
		gatherer: d.Gatherer,
		repo:     d.Repo,
		queue:    d.Queue,
		limiter:  d.Limiter,
		degrade:  d.Degrade,
		webhooks: d.Webhooks,
		breakers: d.Breakers,
		board:    d.Board,
		tokens:   d.Tokens,
		checks:   d.Checks,
	}

	if s.cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(
		otelgin.Middleware("notification-service"),
		s.correlationMiddleware(),
		s.recoveryMiddleware(),
		s.requestLogMiddleware(),
	)
	s.routes(engine)
	s.engine = engine

	return s
}

func (s *Server) routes(engine *gin.Engine) {
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	health := engine.Group("/health")
	{
		health.GET("/live", s.healthLive)
		health.GET("/ready", s.healthReady)
		health.GET("/startup", s.healthReady)
		health.GET("/detailed", s.healthDetailed)
	}

	// Providers authenticate with signatures, unsubscribe links with a
	// signed token; neither carries a tenant JWT.
	engine.POST("/v1/webhooks/:provider", s.ipLimitMiddleware(), s.handleProviderWebhook)
	engine.POST("/v1/unsubscribe/:token", s.ipLimitMiddleware(), s.handleUnsubscribe)

	v1 := engine.Group("/v1", s.ipLimitMiddleware(), s.authMiddleware())
	{
		v1.POST("/notifications", s.createNotification)
		v1.POST("/notifications/batch", s.createNotificationBatch)
		v1.GET("/notifications/:id", s.getNotification)
	}

	admin := engine.Group("/v1/admin", s.authMiddleware(), s.requireAdmin())
	{
		admin.GET("/dlq", s.listDLQ)
		admin.POST("/dlq/replay", s.replayDLQ)
		admin.GET("/dlq/stats", s.dlqStats)
		admin.GET("/queue/stats", s.queueStats)
		admin.GET("/suppressions", s.listSuppressions)
		admin.POST("/suppressions", s.addSuppression)
		admin.DELETE("/suppressions", s.removeSuppression)
	}
}

// Handler exposes the router, used by tests and by Run.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	s.httpSrv = &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.WithField("addr", s.cfg.HTTPAddr).Info("HTTP server listening")

	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests until the context expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
