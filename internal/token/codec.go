// Package token verifies the signed launch tokens minted by the partner.
package token

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultMaxLifetime is the protocol ceiling on exp - iat.
	DefaultMaxLifetime = 900 * time.Second
	// DefaultClockSkew tolerates partner clocks running slightly ahead.
	DefaultClockSkew = 30 * time.Second

	signingMethod = "HS256"
)

// ErrorKind classifies a verification failure.
type ErrorKind string

const (
	KindBadSignature    ErrorKind = "bad_signature"
	KindExpired         ErrorKind = "expired"
	KindMalformedClaims ErrorKind = "malformed_claims"
	KindLifetimeTooLong ErrorKind = "lifetime_too_long"
	KindIssuedInFuture  ErrorKind = "issued_in_future"
)

// VerificationError reports why a token was rejected.
type VerificationError struct {
	Kind   ErrorKind
	Detail string
	Cause  error
}

func (e *VerificationError) Error() string {
	return "launch token " + string(e.Kind) + ": " + e.Detail
}

func (e *VerificationError) Unwrap() error {
	return e.Cause
}

// Is matches another *VerificationError by kind.
func (e *VerificationError) Is(target error) bool {
	if t, ok := target.(*VerificationError); ok {
		return e.Kind == t.Kind
	}
	return false
}

// KindOf returns the verification kind in err's chain, or "".
func KindOf(err error) ErrorKind {
	var ve *VerificationError
	if errors.As(err, &ve) {
		return ve.Kind
	}
	return ""
}

// Claims are the validated contents of a launch token.
type Claims struct {
	UserID    string
	ClusterID string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// wireClaims is the JWT body: {user_id, assessment_cluster_id, iat, exp}.
type wireClaims struct {
	jwt.RegisteredClaims
	UserID    string `json:"user_id"`
	ClusterID string `json:"assessment_cluster_id"`
}

// Option configures a Codec.
type Option func(*Codec)

// WithMaxLifetime overrides the exp - iat ceiling.
func WithMaxLifetime(d time.Duration) Option {
	return func(c *Codec) {
		if d > 0 {
			c.maxLifetime = d
		}
	}
}

// WithClockSkew overrides how far in the future iat may be.
func WithClockSkew(d time.Duration) Option {
	return func(c *Codec) {
		if d >= 0 {
			c.clockSkew = d
		}
	}
}

// Codec signs and verifies launch tokens with one shared secret.
// It holds no mutable state and is safe for concurrent use.
type Codec struct {
	secret      []byte
	maxLifetime time.Duration
	clockSkew   time.Duration
}

// NewCodec creates a codec bound to secret.
func NewCodec(secret []byte, opts ...Option) (*Codec, error) {
	if len(secret) == 0 {
		return nil, errors.New("launch token secret is required")
	}
	c := &Codec{
		secret:      append([]byte(nil), secret...),
		maxLifetime: DefaultMaxLifetime,
		clockSkew:   DefaultClockSkew,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// MaxLifetime returns the enforced exp - iat ceiling.
func (c *Codec) MaxLifetime() time.Duration {
	return c.maxLifetime
}

// Verify checks the token with the package defaults.
func Verify(raw string, secret []byte, now time.Time) (Claims, error) {
	c, err := NewCodec(secret)
	if err != nil {
		return Claims{}, err
	}
	return c.Verify(raw, now)
}

// Verify checks, in order: signature, required claims, expiry, lifetime
// ceiling, and issue time. Any failure rejects the whole token.
func (c *Codec) Verify(raw string, now time.Time) (Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Claims{}, &VerificationError{Kind: KindMalformedClaims, Detail: "token is empty"}
	}

	var parsed wireClaims
	_, err := jwt.ParseWithClaims(raw, &parsed, func(*jwt.Token) (any, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{signingMethod}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return Claims{}, mapJWTError(err)
	}

	if strings.TrimSpace(parsed.UserID) == "" {
		return Claims{}, &VerificationError{Kind: KindMalformedClaims, Detail: "user_id claim is required"}
	}
	if strings.TrimSpace(parsed.ClusterID) == "" {
		return Claims{}, &VerificationError{Kind: KindMalformedClaims, Detail: "assessment_cluster_id claim is required"}
	}
	if parsed.IssuedAt == nil {
		return Claims{}, &VerificationError{Kind: KindMalformedClaims, Detail: "iat claim is required"}
	}
	if parsed.ExpiresAt == nil {
		return Claims{}, &VerificationError{Kind: KindMalformedClaims, Detail: "exp claim is required"}
	}

	iat := parsed.IssuedAt.Time.UTC()
	exp := parsed.ExpiresAt.Time.UTC()
	now = now.UTC()

	if !now.Before(exp) {
		return Claims{}, &VerificationError{Kind: KindExpired, Detail: "token is expired"}
	}
	if exp.Sub(iat) > c.maxLifetime {
		return Claims{}, &VerificationError{
			Kind:   KindLifetimeTooLong,
			Detail: fmt.Sprintf("token lifetime %s exceeds %s", exp.Sub(iat), c.maxLifetime),
		}
	}
	if iat.After(now.Add(c.clockSkew)) {
		return Claims{}, &VerificationError{Kind: KindIssuedInFuture, Detail: "token issued in the future"}
	}

	return Claims{
		UserID:    parsed.UserID,
		ClusterID: parsed.ClusterID,
		IssuedAt:  iat,
		ExpiresAt: exp,
	}, nil
}

// Sign mints a token for claims. The partner owns issuance in production;
// this exists for tooling and tests.
func (c *Codec) Sign(claims Claims) (string, error) {
	wc := wireClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(claims.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(claims.ExpiresAt),
		},
		UserID:    claims.UserID,
		ClusterID: claims.ClusterID,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, wc).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("sign launch token: %w", err)
	}
	return signed, nil
}

// Fingerprint returns a short non-reversible identifier for raw, safe to log.
func Fingerprint(raw string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(raw)))
	return hex.EncodeToString(sum[:])[:12]
}

// mapJWTError translates jwt library errors to verification errors.
func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return &VerificationError{Kind: KindBadSignature, Detail: "signature is invalid", Cause: err}
	case errors.Is(err, jwt.ErrTokenMalformed):
		return &VerificationError{Kind: KindMalformedClaims, Detail: "token is malformed", Cause: err}
	}
	return &VerificationError{Kind: KindMalformedClaims, Detail: "token is invalid", Cause: err}
}
