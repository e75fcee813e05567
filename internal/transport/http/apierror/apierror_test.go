package apierror

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/rpbridge/internal/domain"
)

func TestStatusMapping(t *testing.T) {
	cases := map[domain.ErrorKind]int{
		domain.KindMalformedRequest:  http.StatusBadRequest,
		domain.KindUnauthorized:      http.StatusUnauthorized,
		domain.KindClaimMismatch:     http.StatusForbidden,
		domain.KindUnknownCluster:    http.StatusNotFound,
		domain.KindSessionNotFound:   http.StatusNotFound,
		domain.KindTokenReplayed:     http.StatusConflict,
		domain.KindInvalidTransition: http.StatusConflict,
		domain.KindPolicyDenied:      http.StatusUnprocessableEntity,
		domain.KindInternal:          http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := Status(kind); got != want {
			t.Fatalf("%s: expected %d, got %d", kind, want, got)
		}
	}
}

func TestWriteHidesInternalCause(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

	err := domain.WrapError(domain.KindInternal, "failed to load", errors.New("disk path /var/secret"))
	if werr := Write(c, err); werr != nil {
		t.Fatalf("Write failed: %v", werr)
	}
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "/var/secret") {
		t.Fatalf("internal cause leaked: %s", rec.Body.String())
	}
}

func TestWriteDomainError(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

	cause := errors.New("signature is invalid")
	if err := Write(c, domain.WrapError(domain.KindUnauthorized, "launch token rejected: bad_signature", cause)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	var body domain.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if body.Success || body.Kind != domain.KindUnauthorized || body.Detail != "launch token rejected: bad_signature" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestDecodeStrict(t *testing.T) {
	var v struct {
		A string `json:"a"`
	}
	if err := DecodeStrict(strings.NewReader(`{"a":"x"}`), &v); err != nil || v.A != "x" {
		t.Fatalf("expected decode to succeed: %v", err)
	}
	for _, body := range []string{`{"a":"x","b":1}`, `{"a":"x"} {}`, `not json`, ``} {
		if err := DecodeStrict(strings.NewReader(body), &v); domain.KindOf(err) != domain.KindMalformedRequest {
			t.Fatalf("%q: expected malformed_request, got %v", body, err)
		}
	}
}
