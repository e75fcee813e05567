// Package public provides the partner-facing and browser-facing HTTP handlers.
package public

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/rpbridge/internal/service"
)

// Handler handles public HTTP requests.
type Handler struct {
	service *service.Service
}

// NewHandler creates a new handler.
func NewHandler(service *service.Service) *Handler {
	return &Handler{
		service: service,
	}
}

// RegisterRoutes registers public routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// Partner handshake
	e.POST("/integration/assessment-launch", h.Launch)

	// Browser flow
	e.GET(service.LaunchPagePath, h.LaunchPage)
	e.GET("/assessment/sessions/:session_id/return", h.ReturnToPartner)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "healthy",
	})
}
