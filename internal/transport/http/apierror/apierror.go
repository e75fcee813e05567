// Package apierror maps domain errors to HTTP responses.
package apierror

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/rpbridge/internal/domain"
)

// Status returns the HTTP status for an error kind.
func Status(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindMalformedRequest:
		return http.StatusBadRequest
	case domain.KindUnauthorized:
		return http.StatusUnauthorized
	case domain.KindClaimMismatch:
		return http.StatusForbidden
	case domain.KindUnknownCluster, domain.KindSessionNotFound:
		return http.StatusNotFound
	case domain.KindTokenReplayed, domain.KindInvalidTransition, domain.KindEmptyCluster:
		return http.StatusConflict
	case domain.KindPolicyDenied:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// Write renders err as {success:false, kind, detail}. Internal causes are
// logged by echo and never included in the body.
func Write(c echo.Context, err error) error {
	kind := domain.KindOf(err)
	detail := "internal error"
	var de *domain.Error
	if kind != domain.KindInternal && errors.As(err, &de) {
		detail = de.Detail
	}
	if kind == domain.KindInternal {
		c.Logger().Errorf("request failed: %v", err)
	}
	return c.JSON(Status(kind), domain.ErrorResponse{Success: false, Kind: kind, Detail: detail})
}

// DecodeStrict decodes a JSON body into v, rejecting unknown fields and
// trailing content.
func DecodeStrict(body io.Reader, v interface{}) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return domain.NewError(domain.KindMalformedRequest, "failed to read request body")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domain.NewError(domain.KindMalformedRequest, fmt.Sprintf("invalid request body: %v", err))
	}
	if dec.More() {
		return domain.NewError(domain.KindMalformedRequest, "invalid request body: trailing data")
	}
	return nil
}
