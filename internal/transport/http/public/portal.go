package public

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/rpbridge/internal/domain"
	"github.com/xiaot623/rpbridge/internal/transport/http/apierror"
)

// LaunchPage routes the browser to the first roleplay of the session's cluster.
// GET /assessment/launch?assessment_cluster_id=&session_id=
func (h *Handler) LaunchPage(c echo.Context) error {
	ctx := c.Request().Context()

	clusterID := c.QueryParam("assessment_cluster_id")
	sessionID := c.QueryParam("session_id")
	if clusterID == "" || sessionID == "" {
		return apierror.Write(c, domain.NewError(domain.KindMalformedRequest, "assessment_cluster_id and session_id are required"))
	}

	target, err := h.service.ResolveLaunchPage(ctx, clusterID, sessionID, time.Now())
	if err != nil {
		return apierror.Write(c, err)
	}
	return c.Redirect(http.StatusFound, target)
}

// ReturnToPartner sends the browser back to the partner after a session ends.
// GET /assessment/sessions/:session_id/return
func (h *Handler) ReturnToPartner(c echo.Context) error {
	ctx := c.Request().Context()

	target, err := h.service.ReturnURL(ctx, c.Param("session_id"))
	if err != nil {
		return apierror.Write(c, err)
	}
	return c.Redirect(http.StatusFound, target)
}
