package internalapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/rpbridge/internal/domain"
	"github.com/xiaot623/rpbridge/internal/transport/http/apierror"
)

// UpsertCluster stores a cluster announced by the roleplay system.
// PUT /internal/clusters/:cluster_id
func (h *Handler) UpsertCluster(c echo.Context) error {
	ctx := c.Request().Context()

	var req domain.ClusterDefinition
	if err := apierror.DecodeStrict(c.Request().Body, &req); err != nil {
		return apierror.Write(c, err)
	}

	cluster, changed, err := h.service.UpsertCluster(ctx, c.Param("cluster_id"), req)
	if err != nil {
		return apierror.Write(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"success": true,
		"changed": changed,
		"cluster": cluster,
	})
}

// ListClusters lists known clusters.
// GET /internal/clusters
func (h *Handler) ListClusters(c echo.Context) error {
	ctx := c.Request().Context()

	clusters, err := h.service.ListClusters(ctx)
	if err != nil {
		return apierror.Write(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"clusters": clusters,
	})
}
