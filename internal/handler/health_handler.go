package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prohmpiriya/conference-registration/internal/eventsourcing"
	"github.com/prohmpiriya/conference-registration/pkg/database"
	"github.com/prohmpiriya/conference-registration/pkg/redis"
	"github.com/prohmpiriya/conference-registration/pkg/response"
)

// Pinger is any dependency that can report liveness
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health check endpoints
type HealthHandler struct {
	db        *database.PostgresDB
	redis     *redis.Client
	kafka     Pinger
	publisher *eventsourcing.Publisher
}

// NewHealthHandler creates a new HealthHandler. Any dependency may be nil.
func NewHealthHandler(db *database.PostgresDB, redis *redis.Client, kafka Pinger, publisher *eventsourcing.Publisher) *HealthHandler {
	return &HealthHandler{
		db:        db,
		redis:     redis,
		kafka:     kafka,
		publisher: publisher,
	}
}

// HealthResponse represents health check response
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadyResponse represents readiness check response
type ReadyResponse struct {
	Status     string            `json:"status"`
	Timestamp  string            `json:"timestamp"`
	Components map[string]string `json:"components"`
}

// Health returns a simple health check (liveness probe)
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Ready returns a readiness check (readiness probe)
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	components := make(map[string]string)
	allHealthy := true

	check := func(name string, configured bool, ping func(context.Context) error) {
		if !configured {
			components[name] = "not configured"
			return
		}
		if err := ping(ctx); err != nil {
			components[name] = "unhealthy: " + err.Error()
			allHealthy = false
			return
		}
		components[name] = "healthy"
	}

	check("database", h.db != nil, func(ctx context.Context) error { return h.db.HealthCheck(ctx) })
	check("redis", h.redis != nil, func(ctx context.Context) error { return h.redis.HealthCheck(ctx) })
	check("kafka", h.kafka != nil, func(ctx context.Context) error { return h.kafka.Ping(ctx) })

	response := ReadyResponse{
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Components: components,
	}

	if allHealthy {
		response.Status = "ready"
		c.JSON(http.StatusOK, response)
	} else {
		response.Status = "not ready"
		c.JSON(http.StatusServiceUnavailable, response)
	}
}

// Outbox reports the event publisher state
func (h *HealthHandler) Outbox(c *gin.Context) {
	if h.publisher == nil {
		response.NotFound(c, "event publisher not running in this process")
		return
	}

	stats, err := h.publisher.GetStats(c.Request.Context())
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Success(c, stats)
}

// Register mounts the health routes on router
func (h *HealthHandler) Register(router gin.IRouter) {
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
	router.GET("/outbox", h.Outbox)
}
