package domain

import "time"

// Delivery tracks the results delivery for one terminal session.
// SessionID is the dedup key: a session has at most one delivery record.
// Attempts counts the current generation only; a redelivery starts the next
// generation with a fresh budget.
type Delivery struct {
	SessionID   string         `json:"session_id"`
	TargetURL   string         `json:"target_url"`
	Status      DeliveryStatus `json:"status"`
	Attempts    int            `json:"attempts"`
	Generation  int            `json:"generation"`
	LastError   string         `json:"last_error,omitempty"`
	NextRetryAt *time.Time     `json:"next_retry_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeliveredAt *time.Time     `json:"delivered_at,omitempty"`
}

// DeliveryAttempt is the log entry for a single POST to the partner.
type DeliveryAttempt struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id"`
	Attempt    int       `json:"attempt"`
	Generation int       `json:"generation"`
	StatusCode int       `json:"status_code,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// DeliveryEvent is published to observers as deliveries progress.
type DeliveryEvent struct {
	Type       DeliveryEventType `json:"type"`
	Ts         int64             `json:"ts"`
	SessionID  string            `json:"session_id"`
	TargetURL  string            `json:"target_url"`
	Attempt    int               `json:"attempt"`
	Generation int               `json:"generation"`
	Error      string            `json:"error,omitempty"`
}

// DeliveryDetail is a delivery with its attempt log, for operators.
type DeliveryDetail struct {
	Delivery
	AttemptLog []DeliveryAttempt `json:"attempt_log"`
}
