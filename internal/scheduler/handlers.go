package scheduler

import (
	"github.com/gin-gonic/gin"
	"github.com/ksred/insider-api/pkg/response"
)

// GinHandlers contains HTTP handlers for the scheduler's monitoring surface
type GinHandlers struct {
	scheduler *Scheduler
}

// NewGinHandlers creates a new set of HTTP handlers for scheduler endpoints
func NewGinHandlers(scheduler *Scheduler) *GinHandlers {
	return &GinHandlers{
		scheduler: scheduler,
	}
}

// QueueHealthHandler handles GET requests for per-queue job counts
func (h *GinHandlers) QueueHealthHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, h.scheduler.Health())
	}
}
