package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/xiaot623/rpbridge/internal/adapter/partner"
	"github.com/xiaot623/rpbridge/internal/domain"
	"github.com/xiaot623/rpbridge/internal/observability"
)

// MetadataPoster sends cluster metadata to the partner.
type MetadataPoster interface {
	PostClusterMetadata(ctx context.Context, payload domain.ClusterMetadataPayload) error
}

// MetadataSyncer pushes cluster changes to the partner in the background.
// Failures are logged and never propagated to the cluster write.
type MetadataSyncer struct {
	poster  MetadataPoster
	timeout time.Duration
	log     *logrus.Entry
	wg      sync.WaitGroup
}

func NewMetadataSyncer(poster MetadataPoster, timeout time.Duration, log *logrus.Entry) *MetadataSyncer {
	return &MetadataSyncer{poster: poster, timeout: timeout, log: log}
}

// Push sends the event without blocking the caller.
func (m *MetadataSyncer) Push(cluster domain.Cluster, event domain.ClusterEvent) {
	payload := domain.NewClusterMetadataPayload(cluster, event)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.send(payload)
	}()
}

func (m *MetadataSyncer) send(payload domain.ClusterMetadataPayload) {
	ctx := context.Background()
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}
	ctx, span := observability.StartSpan(ctx, "metadata.Push",
		attribute.String("cluster.id", payload.ClusterID), attribute.String("cluster.event", string(payload.Event)))
	defer span.End()

	log := m.log.WithFields(logrus.Fields{"cluster_id": payload.ClusterID, "event": payload.Event})
	err := m.poster.PostClusterMetadata(ctx, payload)
	switch {
	case err == nil:
		log.Info("cluster metadata pushed to partner")
	case errors.Is(err, partner.ErrNotConfigured):
		log.Debug("partner metadata endpoint not configured, skipping push")
	default:
		log.WithError(err).Warn("failed to push cluster metadata")
	}
}

// Wait blocks until in-flight pushes finish.
func (m *MetadataSyncer) Wait() {
	m.wg.Wait()
}
