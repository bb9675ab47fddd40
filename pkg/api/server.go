// Package api exposes the HTTP surface: the inbound webhook, flow
// management, transcripts, and health.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/flowrelay/flowrelay/pkg/flowstore"
	"github.com/flowrelay/flowrelay/pkg/models"
	"github.com/flowrelay/flowrelay/pkg/session"
)

// Server wires the HTTP handlers to the session manager and the stores.
type Server struct {
	sessions *session.Manager
	flows    *flowstore.Store
	flowMod  FlowModExecutor
	rdb      *redis.Client
	logger   *slog.Logger
}

// FlowModExecutor applies a flow-modification instruction out of band,
// for the management endpoint.
type FlowModExecutor interface {
	Execute(ctx context.Context, flowID, instruction string, isAdmin bool) models.ActionResult
}

// NewServer creates the API server. rdb and flows are used by the health
// endpoint; flowMod may be nil.
func NewServer(sessions *session.Manager, flows *flowstore.Store, flowMod FlowModExecutor, rdb *redis.Client, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		sessions: sessions,
		flows:    flows,
		flowMod:  flowMod,
		rdb:      rdb,
		logger:   logger,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/health", s.Health)
	r.POST("/webhook/:tenant", s.HandleWebhook)

	flows := r.Group("/api/flows")
	{
		flows.POST("", s.CreateFlow)
		flows.GET("", s.ListFlows)
		flows.GET("/:id", s.GetFlow)
		flows.PUT("/:id", s.UpdateFlow)
		flows.DELETE("/:id", s.DeleteFlow)
		flows.GET("/:id/versions/:version", s.GetFlowVersion)
		flows.POST("/:id/modify", s.ModifyFlow)
	}

	r.GET("/api/sessions/:id/transcript", s.GetTranscript)
	return r
}

// requestLogger logs one line per request in the structured log.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}

const (
	healthStatusHealthy   = "healthy"
	healthStatusUnhealthy = "unhealthy"
)

// HealthCheck is one component's health entry.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Health handles GET /health. Only the service's own dependencies (Redis,
// PostgreSQL) are checked; the LLM provider is excluded so an upstream
// outage does not trip orchestrator restarts.
func (s *Server) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	if err := s.rdb.Ping(ctx).Err(); err != nil {
		status = healthStatusUnhealthy
		checks["redis"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
	} else {
		checks["redis"] = HealthCheck{Status: healthStatusHealthy}
	}

	if s.flows != nil {
		if err := s.flows.DB().PingContext(ctx); err != nil {
			status = healthStatusUnhealthy
			checks["database"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
		} else {
			checks["database"] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, gin.H{"status": status, "checks": checks})
}
