package helpers

import (
	"context"
	"testing"

	"github.com/xiaot623/rpbridge/internal/domain"
	"github.com/xiaot623/rpbridge/internal/repository"
)

func NewTestSQLiteStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}

	t.Cleanup(func() {
		_ = s.Close()
	})

	return s
}

// SeedCluster stores an assessment cluster with the given roleplays.
func SeedCluster(t *testing.T, s store.Store, clusterID string, roleplayIDs ...string) *domain.Cluster {
	t.Helper()

	c := &domain.Cluster{
		ClusterID:   clusterID,
		Name:        "Cluster " + clusterID,
		Type:        domain.ClusterTypeAssessment,
		RoleplayIDs: roleplayIDs,
	}
	if _, _, err := s.UpsertCluster(context.Background(), c); err != nil {
		t.Fatalf("failed to seed cluster: %v", err)
	}
	return c
}
