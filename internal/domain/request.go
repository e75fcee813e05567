package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// PayloadVersion is stamped on every outbound partner payload.
const PayloadVersion = "v1"

// LaunchRequest is the body of POST /integration/assessment-launch.
type LaunchRequest struct {
	UserID     string `json:"user_id"`
	UserName   string `json:"user_name"`
	ClusterID  string `json:"assessment_cluster_id"`
	AuthToken  string `json:"auth_token"`
	ReturnURL  string `json:"return_url"`
	ResultsURL string `json:"results_url"`
}

// Validate checks that every required field is present.
func (r LaunchRequest) Validate() error {
	missing := make([]string, 0, 6)
	for _, f := range []struct {
		name  string
		value string
	}{
		{"user_id", r.UserID},
		{"user_name", r.UserName},
		{"assessment_cluster_id", r.ClusterID},
		{"auth_token", r.AuthToken},
		{"return_url", r.ReturnURL},
		{"results_url", r.ResultsURL},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return NewError(KindMalformedRequest, "missing required fields: "+strings.Join(missing, ", "))
	}
	return nil
}

// LaunchResult is what a successful launch produces.
type LaunchResult struct {
	RedirectURL string
	SessionID   string
	Attempt     int
	Resumed     bool
}

// LaunchResponse is the 200 body of the launch endpoint.
type LaunchResponse struct {
	Success     bool   `json:"success"`
	RedirectURL string `json:"redirect_url"`
	SessionID   string `json:"session_id"`
	Attempt     int    `json:"attempt"`
	Resumed     bool   `json:"resumed"`
}

// ErrorResponse is the non-200 body of every endpoint.
type ErrorResponse struct {
	Success bool      `json:"success"`
	Kind    ErrorKind `json:"kind"`
	Detail  string    `json:"detail"`
}

// SessionStatusUpdate is sent by the roleplay runtime as a session progresses.
type SessionStatusUpdate struct {
	Status  SessionStatus   `json:"status"`
	Outcome json.RawMessage `json:"outcome,omitempty"`
}

// ClusterDefinition is the body of a cluster create/update announcement.
type ClusterDefinition struct {
	Name        string      `json:"name"`
	Type        ClusterType `json:"type"`
	RoleplayIDs []string    `json:"roleplay_ids"`
}

// ResultsPayload is POSTed to the partner's results URL.
// SessionID is stable across attempts so the partner can dedup on it.
type ResultsPayload struct {
	Version     string          `json:"version"`
	SessionID   string          `json:"session_id"`
	UserID      string          `json:"user_id"`
	ClusterID   string          `json:"assessment_cluster_id"`
	Attempt     int             `json:"attempt"`
	Status      SessionStatus   `json:"status"`
	Outcome     json.RawMessage `json:"outcome"`
	CompletedAt string          `json:"completed_at"`
}

// NewResultsPayload builds the results payload for a terminal session.
func NewResultsPayload(s *Session) ResultsPayload {
	outcome := s.Outcome
	if len(outcome) == 0 {
		outcome = json.RawMessage(`{}`)
	}
	completedAt := ""
	if s.CompletedAt != nil {
		completedAt = s.CompletedAt.UTC().Format(time.RFC3339)
	}
	return ResultsPayload{
		Version:     PayloadVersion,
		SessionID:   s.SessionID,
		UserID:      s.UserID,
		ClusterID:   s.ClusterID,
		Attempt:     s.Attempt,
		Status:      s.Status,
		Outcome:     outcome,
		CompletedAt: completedAt,
	}
}

// ClusterMetadataPayload is POSTed to the partner's metadata endpoint.
type ClusterMetadataPayload struct {
	Version     string       `json:"version"`
	Event       ClusterEvent `json:"event"`
	ClusterID   string       `json:"cluster_id"`
	Name        string       `json:"name"`
	Type        ClusterType  `json:"type"`
	RoleplayIDs []string     `json:"roleplay_ids"`
}

// NewClusterMetadataPayload builds the metadata payload for a cluster change.
func NewClusterMetadataPayload(c Cluster, event ClusterEvent) ClusterMetadataPayload {
	ids := c.RoleplayIDs
	if ids == nil {
		ids = []string{}
	}
	return ClusterMetadataPayload{
		Version:     PayloadVersion,
		Event:       event,
		ClusterID:   c.ClusterID,
		Name:        c.Name,
		Type:        c.Type,
		RoleplayIDs: ids,
	}
}

// PartnerAck is the response body expected from partner endpoints.
// Success is a pointer so a missing field is distinguishable from false.
type PartnerAck struct {
	Success *bool  `json:"success"`
	Detail  string `json:"detail,omitempty"`
}
