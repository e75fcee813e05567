package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/xiaot623/rpbridge/internal/domain"
)

// ClusterSeed is the YAML document listing clusters to load at startup.
type ClusterSeed struct {
	Clusters []ClusterSeedEntry `yaml:"clusters"`
}

// ClusterSeedEntry is one cluster definition in the seed file.
type ClusterSeedEntry struct {
	ID        string   `yaml:"id"`
	Name      string   `yaml:"name"`
	Type      string   `yaml:"type"`
	Roleplays []string `yaml:"roleplays"`
}

// LoadClusterSeed reads and validates a cluster seed file.
func LoadClusterSeed(path string) ([]domain.Cluster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cluster seed: %w", err)
	}
	return ParseClusterSeed(data)
}

// ParseClusterSeed decodes seed YAML into clusters.
func ParseClusterSeed(data []byte) ([]domain.Cluster, error) {
	var seed ClusterSeed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("decode cluster seed: %w", err)
	}
	seen := make(map[string]bool, len(seed.Clusters))
	clusters := make([]domain.Cluster, 0, len(seed.Clusters))
	for i, entry := range seed.Clusters {
		id := strings.TrimSpace(entry.ID)
		if id == "" {
			return nil, fmt.Errorf("cluster seed entry %d: id is required", i)
		}
		if seen[id] {
			return nil, fmt.Errorf("cluster seed entry %d: duplicate id %q", i, id)
		}
		seen[id] = true
		ct := domain.ClusterType(strings.ToLower(strings.TrimSpace(entry.Type)))
		if !ct.Valid() {
			return nil, fmt.Errorf("cluster seed %q: unknown type %q", id, entry.Type)
		}
		clusters = append(clusters, domain.Cluster{
			ClusterID:   id,
			Name:        strings.TrimSpace(entry.Name),
			Type:        ct,
			RoleplayIDs: entry.Roleplays,
		})
	}
	return clusters, nil
}
