package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nebula-cp/nebula/internal/health"
)

// HealthHandler serves GET /health from the cached checker verdict.
type HealthHandler struct {
	checker *health.Checker
}

// NewHealthHandler builds the handler.
func NewHealthHandler(checker *health.Checker) *HealthHandler {
	return &HealthHandler{checker: checker}
}

// Register registers the open health route.
func (h *HealthHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/health", h.Health)
}

// Health handles GET /health. Degraded deployments answer 503 so load
// balancers rotate them out.
func (h *HealthHandler) Health(c *gin.Context) {
	status := h.checker.Current()
	code := http.StatusOK
	if status.State != "ok" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}
