package internalapi

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/rpbridge/internal/domain"
	"github.com/xiaot623/rpbridge/internal/transport/http/apierror"
)

// UpdateSessionStatus records progress reported by the roleplay runtime.
// POST /internal/sessions/:session_id/status
func (h *Handler) UpdateSessionStatus(c echo.Context) error {
	ctx := c.Request().Context()

	var req domain.SessionStatusUpdate
	if err := apierror.DecodeStrict(c.Request().Body, &req); err != nil {
		return apierror.Write(c, err)
	}

	sess, err := h.service.UpdateSessionStatus(ctx, c.Param("session_id"), req, time.Now())
	if err != nil {
		return apierror.Write(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"success": true,
		"session": sess,
	})
}

// GetSession returns a session.
// GET /internal/sessions/:session_id
func (h *Handler) GetSession(c echo.Context) error {
	ctx := c.Request().Context()

	sess, err := h.service.GetSession(ctx, c.Param("session_id"))
	if err != nil {
		return apierror.Write(c, err)
	}
	return c.JSON(http.StatusOK, sess)
}
