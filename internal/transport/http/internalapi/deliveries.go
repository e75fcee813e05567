package internalapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/rpbridge/internal/domain"
	"github.com/xiaot623/rpbridge/internal/transport/http/apierror"
)

// ListDeliveries lists deliveries by status, permanently failed by default.
// GET /internal/deliveries?status=&limit=
func (h *Handler) ListDeliveries(c echo.Context) error {
	ctx := c.Request().Context()

	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return apierror.Write(c, domain.NewError(domain.KindMalformedRequest, "limit must be a non-negative integer"))
		}
		limit = n
	}

	deliveries, err := h.service.ListDeliveries(ctx, c.QueryParam("status"), limit)
	if err != nil {
		return apierror.Write(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"deliveries": deliveries,
	})
}

// GetDelivery returns a delivery with its attempt log.
// GET /internal/deliveries/:session_id
func (h *Handler) GetDelivery(c echo.Context) error {
	ctx := c.Request().Context()

	detail, err := h.service.GetDelivery(ctx, c.Param("session_id"))
	if err != nil {
		return apierror.Write(c, err)
	}
	return c.JSON(http.StatusOK, detail)
}

// Redeliver schedules a permanently failed delivery again.
// POST /internal/deliveries/:session_id/redeliver
func (h *Handler) Redeliver(c echo.Context) error {
	ctx := c.Request().Context()

	del, err := h.service.Redeliver(ctx, c.Param("session_id"), time.Now())
	if err != nil {
		return apierror.Write(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"success":  true,
		"delivery": del,
	})
}
