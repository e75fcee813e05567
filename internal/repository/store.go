// Package store defines the storage interface and implementations.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/xiaot623/rpbridge/internal/domain"
)

// Store defines the interface for data persistence.
type Store interface {
	// Cluster operations
	UpsertCluster(ctx context.Context, cluster *domain.Cluster) (changed bool, created bool, err error)
	GetCluster(ctx context.Context, clusterID string) (*domain.Cluster, error)
	ListClusters(ctx context.Context) ([]domain.Cluster, error)

	// Session operations
	FindOrCreateLiveSession(ctx context.Context, candidate *domain.Session) (*domain.Session, bool, error)
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	TransitionSession(ctx context.Context, sessionID string, to domain.SessionStatus, outcome json.RawMessage, at time.Time) (*domain.Session, error)

	// Delivery operations
	CreateDelivery(ctx context.Context, delivery *domain.Delivery) (bool, error)
	GetDelivery(ctx context.Context, sessionID string) (*domain.Delivery, error)
	UpdateDelivery(ctx context.Context, delivery *domain.Delivery) error
	ResetDelivery(ctx context.Context, sessionID string, at time.Time) (bool, error)
	ListDeliveries(ctx context.Context, status domain.DeliveryStatus, limit int) ([]domain.Delivery, error)
	RecordDeliveryAttempt(ctx context.Context, attempt *domain.DeliveryAttempt) error
	ListDeliveryAttempts(ctx context.Context, sessionID string) ([]domain.DeliveryAttempt, error)

	// Lifecycle
	Close() error
}
