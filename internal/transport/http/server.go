// Package http provides the HTTP server implementation for the bridge.
package http

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/xiaot623/rpbridge/internal/service"
	"github.com/xiaot623/rpbridge/internal/transport/http/internalapi"
	"github.com/xiaot623/rpbridge/internal/transport/http/public"
)

// NewPublicServer creates the partner- and browser-facing HTTP server.
func NewPublicServer(svc *service.Service) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("64K"))
	e.Use(middleware.CORS())

	// Handlers
	publicHandler := public.NewHandler(svc)

	// Register Routes
	publicHandler.RegisterRoutes(e)

	return e
}

// NewInternalServer creates the HTTP server for the roleplay runtime and
// operators. feed may be nil.
func NewInternalServer(svc *service.Service, feed echo.HandlerFunc) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	// Handlers
	internalHandler := internalapi.NewHandler(svc, feed)

	// Register Routes
	internalHandler.RegisterRoutes(e)

	return e
}
