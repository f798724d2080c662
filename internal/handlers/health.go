package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/ruralpay/echobank/internal/services"
)

type DBPinger interface {
	PingContext(ctx context.Context) error
}

type HealthHandler struct {
	db    DBPinger
	redis *redis.Client
}

// NewHealthHandler builds a health check; redisClient may be nil when the
// service runs with in-memory sessions
func NewHealthHandler(db DBPinger, redisClient *redis.Client) *HealthHandler {
	return &HealthHandler{db: db, redis: redisClient}
}

// Health reports dependency status; any failed check returns 503
// @Summary Health check
// @Tags Health
// @Produce json
// @Success 200 {object} object{status=string,checks=map[string]string}
// @Failure 503 {object} object{status=string,checks=map[string]string}
// @Router /health [get]
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "healthy"
	code := http.StatusOK
	checks := map[string]string{}

	if h.db != nil {
		checks["database"] = "ok"
		if err := h.db.PingContext(ctx); err != nil {
			checks["database"] = err.Error()
			status, code = "unhealthy", http.StatusServiceUnavailable
		}
	}

	checks["redis"] = "disabled"
	if h.redis != nil {
		checks["redis"] = "ok"
		if err := h.redis.Ping(ctx).Err(); err != nil {
			checks["redis"] = err.Error()
			status, code = "unhealthy", http.StatusServiceUnavailable
		}
	}

	services.SendJSON(w, code, map[string]any{"status": status, "checks": checks})
}
