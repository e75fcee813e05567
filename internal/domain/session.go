package domain

import (
	"encoding/json"
	"time"
)

// Session is one subject's attempt at a cluster, from launch to terminal status.
type Session struct {
	SessionID   string          `json:"session_id"`
	UserID      string          `json:"user_id"`
	UserName    string          `json:"user_name"`
	ClusterID   string          `json:"assessment_cluster_id"`
	Attempt     int             `json:"attempt"`
	Status      SessionStatus   `json:"status"`
	ReturnURL   string          `json:"return_url"`
	ResultsURL  string          `json:"results_url"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Outcome     json.RawMessage `json:"outcome,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Cluster is a named, ordered group of roleplay activities.
type Cluster struct {
	ClusterID   string      `json:"cluster_id"`
	Name        string      `json:"name"`
	Type        ClusterType `json:"type"`
	RoleplayIDs []string    `json:"roleplay_ids"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// SameDefinition reports whether c and other describe the same cluster contents.
func (c Cluster) SameDefinition(other Cluster) bool {
	if c.ClusterID != other.ClusterID || c.Name != other.Name || c.Type != other.Type {
		return false
	}
	if len(c.RoleplayIDs) != len(other.RoleplayIDs) {
		return false
	}
	for i := range c.RoleplayIDs {
		if c.RoleplayIDs[i] != other.RoleplayIDs[i] {
			return false
		}
	}
	return true
}
