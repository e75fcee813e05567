package public

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/rpbridge/internal/domain"
	"github.com/xiaot623/rpbridge/internal/transport/http/apierror"
)

// Launch starts or resumes a session for a partner launch request.
// POST /integration/assessment-launch
func (h *Handler) Launch(c echo.Context) error {
	ctx := c.Request().Context()

	var req domain.LaunchRequest
	if err := apierror.DecodeStrict(c.Request().Body, &req); err != nil {
		return apierror.Write(c, err)
	}

	res, err := h.service.Launch(ctx, req, time.Now())
	if err != nil {
		return apierror.Write(c, err)
	}

	return c.JSON(http.StatusOK, domain.LaunchResponse{
		Success:     true,
		RedirectURL: res.RedirectURL,
		SessionID:   res.SessionID,
		Attempt:     res.Attempt,
		Resumed:     res.Resumed,
	})
}
