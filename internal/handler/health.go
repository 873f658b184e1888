package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/talkbank/ba2-server/internal/store"
	"github.com/talkbank/ba2-server/pkg/response"
)

const readinessTimeout = 2 * time.Second

// HealthChecker is implemented by pipelines that can report on their backend.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

type HealthHandler struct {
	store    *store.Store
	redis    redis.UniversalClient // nil unless the asynq backend is used
	pipeline HealthChecker         // nil when the pipeline has no remote backend
	backend  string
	mode     string
}

func NewHealthHandler(st *store.Store, rdb redis.UniversalClient, pipeline HealthChecker, backend, mode string) *HealthHandler {
	return &HealthHandler{
		store:    st,
		redis:    rdb,
		pipeline: pipeline,
		backend:  backend,
		mode:     mode,
	}
}

// Live handles GET /health
func (h *HealthHandler) Live(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":   "ok",
		"executor": h.backend,
		"pipeline": h.mode,
	})
}

// Ready handles GET /health/ready. The pipeline check is reported but does
// not fail readiness; jobs submitted meanwhile simply record the failure.
func (h *HealthHandler) Ready(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), readinessTimeout)
	defer cancel()

	checks := fiber.Map{}
	ready := true

	if err := h.store.Writable(); err != nil {
		checks["store"] = err.Error()
		ready = false
	} else {
		checks["store"] = "ok"
	}

	if h.redis != nil {
		if err := h.redis.Ping(ctx).Err(); err != nil {
			checks["redis"] = err.Error()
			ready = false
		} else {
			checks["redis"] = "ok"
		}
	}

	if h.pipeline != nil {
		if err := h.pipeline.HealthCheck(ctx); err != nil {
			checks["pipeline"] = err.Error()
		} else {
			checks["pipeline"] = "ok"
		}
	}

	if !ready {
		return response.Unavailable(c, "Service not ready", checks)
	}
	return c.JSON(fiber.Map{"status": "ok", "checks": checks})
}
