// Package partner provides the HTTP client for the partner platform's inbound endpoints.
package partner

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/xiaot623/rpbridge/internal/domain"
)

const (
	// MetadataPath is appended to the partner base URL for cluster metadata.
	MetadataPath = "/receive-cluster-metadata"

	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderSignature      = "X-Signature"

	maxAckBody = 64 << 10
)

// ErrNotConfigured is returned when no partner metadata endpoint is set.
var ErrNotConfigured = errors.New("partner metadata endpoint not configured")

// ResponseError reports a partner response that was not a positive acknowledgement.
type ResponseError struct {
	StatusCode int
	Reason     string
}

func (e *ResponseError) Error() string {
	if e.StatusCode == 0 {
		return e.Reason
	}
	return fmt.Sprintf("partner returned status %d: %s", e.StatusCode, e.Reason)
}

// Client posts signed JSON payloads to the partner.
type Client struct {
	httpClient  *http.Client
	metadataURL string
	secret      []byte
}

// NewClient creates a partner client. metadataBase may be empty, in which case
// PostClusterMetadata returns ErrNotConfigured.
func NewClient(metadataBase string, secret []byte) *Client {
	return &Client{
		httpClient: &http.Client{
			// Callers bound each request with a context; this is a backstop.
			Timeout: 2 * time.Minute,
		},
		metadataURL: strings.TrimSpace(metadataBase),
		secret:      secret,
	}
}

// Sign returns the X-Signature value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// PostResults sends a pre-encoded results payload to targetURL. The same body
// and idempotency key are expected on every attempt for a session.
// It returns the HTTP status code when a response was received.
func (c *Client) PostResults(ctx context.Context, targetURL, idempotencyKey string, body []byte) (int, error) {
	return c.post(ctx, targetURL, idempotencyKey, body)
}

// PostClusterMetadata sends a cluster metadata event to the partner.
func (c *Client) PostClusterMetadata(ctx context.Context, payload domain.ClusterMetadataPayload) error {
	if c.metadataURL == "" {
		return ErrNotConfigured
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	url := strings.TrimSuffix(c.metadataURL, "/") + MetadataPath
	key := fmt.Sprintf("%s:%s", payload.ClusterID, payload.Event)
	_, err = c.post(ctx, url, key, body)
	return err
}

func (c *Client) post(ctx context.Context, url, idempotencyKey string, body []byte) (int, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if idempotencyKey != "" {
		httpReq.Header.Set(HeaderIdempotencyKey, idempotencyKey)
	}
	if len(c.secret) > 0 {
		httpReq.Header.Set(HeaderSignature, Sign(c.secret, body))
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("failed to reach partner: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxAckBody))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, &ResponseError{StatusCode: resp.StatusCode, Reason: snippet(respBody)}
	}
	return resp.StatusCode, parseAck(resp.StatusCode, respBody)
}

// parseAck requires an explicit {"success": true}. Anything else is ambiguous
// and treated as a failure.
func parseAck(status int, body []byte) error {
	var ack domain.PartnerAck
	if err := json.Unmarshal(body, &ack); err != nil {
		return &ResponseError{StatusCode: status, Reason: "undecodable acknowledgement"}
	}
	if ack.Success == nil {
		return &ResponseError{StatusCode: status, Reason: "acknowledgement missing success"}
	}
	if !*ack.Success {
		reason := "partner reported success=false"
		if ack.Detail != "" {
			reason += ": " + ack.Detail
		}
		return &ResponseError{StatusCode: status, Reason: reason}
	}
	return nil
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	if s == "" {
		s = "empty body"
	}
	return s
}
