// Package domain defines the core domain models for the integration bridge.
package domain

// SessionStatus represents the lifecycle state of an assessment session.
type SessionStatus string

const (
	SessionStatusPending    SessionStatus = "pending"
	SessionStatusInProgress SessionStatus = "in_progress"
	SessionStatusCompleted  SessionStatus = "completed"
	SessionStatusAbandoned  SessionStatus = "abandoned"
)

// IsTerminal reports whether no further mutation is expected.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusAbandoned
}

// Valid reports whether s is a known status.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionStatusPending, SessionStatusInProgress, SessionStatusCompleted, SessionStatusAbandoned:
		return true
	}
	return false
}

// CanTransitionTo reports whether a session may move from s to next.
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	switch s {
	case SessionStatusPending:
		return next == SessionStatusInProgress || next.IsTerminal()
	case SessionStatusInProgress:
		return next.IsTerminal()
	}
	return false
}

// ClusterType classifies a cluster.
type ClusterType string

const (
	ClusterTypeAssessment ClusterType = "assessment"
	ClusterTypeTraining   ClusterType = "training"
)

// Valid reports whether t is part of the closed set of cluster types.
func (t ClusterType) Valid() bool {
	return t == ClusterTypeAssessment || t == ClusterTypeTraining
}

// DeliveryStatus represents the state of a results delivery.
type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "pending"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusFailed    DeliveryStatus = "failed"
)

// Valid reports whether s is a known delivery status.
func (s DeliveryStatus) Valid() bool {
	switch s {
	case DeliveryStatusPending, DeliveryStatusDelivered, DeliveryStatusFailed:
		return true
	}
	return false
}

// DeliveryEventType names an entry in the delivery event stream.
type DeliveryEventType string

const (
	DeliveryEventAttemptFailed     DeliveryEventType = "attempt_failed"
	DeliveryEventDelivered         DeliveryEventType = "delivered"
	DeliveryEventFailedPermanently DeliveryEventType = "failed_permanently"
)

// ClusterEvent names a cluster metadata change pushed to the partner.
type ClusterEvent string

const (
	ClusterEventCreated ClusterEvent = "created"
	ClusterEventUpdated ClusterEvent = "updated"
)
