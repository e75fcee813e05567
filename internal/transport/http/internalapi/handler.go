// Package internalapi provides HTTP handlers for the roleplay runtime and
// operators. These APIs are served on the internal listener only.
package internalapi

import (
	"github.com/labstack/echo/v4"

	"github.com/xiaot623/rpbridge/internal/service"
)

// Handler handles internal HTTP requests.
type Handler struct {
	service *service.Service
	feed    echo.HandlerFunc
}

// NewHandler creates a new internal API handler. feed serves the delivery
// event stream and may be nil.
func NewHandler(service *service.Service, feed echo.HandlerFunc) *Handler {
	return &Handler{
		service: service,
		feed:    feed,
	}
}

// RegisterRoutes registers internal routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// Roleplay runtime
	e.POST("/internal/sessions/:session_id/status", h.UpdateSessionStatus)
	e.GET("/internal/sessions/:session_id", h.GetSession)

	// Cluster announcements
	e.PUT("/internal/clusters/:cluster_id", h.UpsertCluster)
	e.GET("/internal/clusters", h.ListClusters)

	// Delivery operations
	e.GET("/internal/deliveries", h.ListDeliveries)
	if h.feed != nil {
		e.GET("/internal/deliveries/feed", h.feed)
	}
	e.GET("/internal/deliveries/:session_id", h.GetDelivery)
	e.POST("/internal/deliveries/:session_id/redeliver", h.Redeliver)
}
