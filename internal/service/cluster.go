package service

import (
	"context"
	"strings"

	"github.com/xiaot623/rpbridge/internal/domain"
)

// ResolveCluster returns the cluster definition or an unknown_cluster error.
func (s *Service) ResolveCluster(ctx context.Context, clusterID string) (*domain.Cluster, error) {
	cluster, err := s.store.GetCluster(ctx, clusterID)
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, "failed to load cluster", err)
	}
	if cluster == nil {
		return nil, domain.NewError(domain.KindUnknownCluster, "cluster "+clusterID+" does not exist")
	}
	return cluster, nil
}

// FirstRoleplayInCluster returns the first roleplay in the cluster's order.
func (s *Service) FirstRoleplayInCluster(ctx context.Context, clusterID string) (string, error) {
	cluster, err := s.ResolveCluster(ctx, clusterID)
	if err != nil {
		return "", err
	}
	if len(cluster.RoleplayIDs) == 0 {
		return "", domain.NewError(domain.KindEmptyCluster, "cluster "+clusterID+" has no roleplays")
	}
	return cluster.RoleplayIDs[0], nil
}

// ListClusters returns every known cluster.
func (s *Service) ListClusters(ctx context.Context) ([]domain.Cluster, error) {
	clusters, err := s.store.ListClusters(ctx)
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, "failed to list clusters", err)
	}
	if clusters == nil {
		clusters = []domain.Cluster{}
	}
	return clusters, nil
}

// UpsertCluster stores a cluster announced by the roleplay system. When the
// definition changed the partner is notified in the background; the local
// write never waits on the partner.
func (s *Service) UpsertCluster(ctx context.Context, clusterID string, def domain.ClusterDefinition) (*domain.Cluster, bool, error) {
	cluster, err := normalizeCluster(clusterID, def)
	if err != nil {
		return nil, false, err
	}

	changed, created, err := s.store.UpsertCluster(ctx, cluster)
	if err != nil {
		return nil, false, domain.WrapError(domain.KindInternal, "failed to store cluster", err)
	}
	if changed {
		event := domain.ClusterEventUpdated
		if created {
			event = domain.ClusterEventCreated
		}
		s.log.WithField("cluster_id", cluster.ClusterID).WithField("event", event).Info("cluster changed")
		if s.metadata != nil {
			s.metadata.Push(*cluster, event)
		}
	}
	return cluster, changed, nil
}

// SeedClusters upserts clusters loaded at startup.
func (s *Service) SeedClusters(ctx context.Context, clusters []domain.Cluster) error {
	for _, c := range clusters {
		def := domain.ClusterDefinition{Name: c.Name, Type: c.Type, RoleplayIDs: c.RoleplayIDs}
		if _, _, err := s.UpsertCluster(ctx, c.ClusterID, def); err != nil {
			return err
		}
	}
	return nil
}

func normalizeCluster(clusterID string, def domain.ClusterDefinition) (*domain.Cluster, error) {
	clusterID = strings.TrimSpace(clusterID)
	if clusterID == "" {
		return nil, domain.NewError(domain.KindMalformedRequest, "cluster id is required")
	}
	name := strings.TrimSpace(def.Name)
	if name == "" {
		return nil, domain.NewError(domain.KindMalformedRequest, "cluster name is required")
	}
	typ := domain.ClusterType(strings.ToLower(strings.TrimSpace(string(def.Type))))
	if !typ.Valid() {
		return nil, domain.NewError(domain.KindMalformedRequest, "unknown cluster type "+string(def.Type))
	}
	ids := make([]string, 0, len(def.RoleplayIDs))
	seen := make(map[string]bool, len(def.RoleplayIDs))
	for _, id := range def.RoleplayIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, domain.NewError(domain.KindMalformedRequest, "roleplay ids must not be empty")
		}
		if seen[id] {
			return nil, domain.NewError(domain.KindMalformedRequest, "duplicate roleplay id "+id)
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return &domain.Cluster{ClusterID: clusterID, Name: name, Type: typ, RoleplayIDs: ids}, nil
}
