package public

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/rpbridge/internal/adapter/partner"
	"github.com/xiaot623/rpbridge/internal/config"
	"github.com/xiaot623/rpbridge/internal/dispatch"
	"github.com/xiaot623/rpbridge/internal/domain"
	"github.com/xiaot623/rpbridge/internal/observability"
	"github.com/xiaot623/rpbridge/internal/policy"
	"github.com/xiaot623/rpbridge/internal/repository"
	"github.com/xiaot623/rpbridge/internal/service"
	"github.com/xiaot623/rpbridge/internal/token"
	"github.com/xiaot623/rpbridge/tests/helpers"
)

var secret = []byte("handler-secret-0123456789")

func newTestHandler(t *testing.T) (*Handler, store.Store, *token.Codec) {
	t.Helper()
	ctx := context.Background()
	cfg := &config.Config{PublicBaseURL: "https://rp.example"}
	db := helpers.NewTestSQLiteStore(t)
	log := observability.Component(observability.DiscardLogger(), "test")

	codec, err := token.NewCodec(secret)
	if err != nil {
		t.Fatalf("NewCodec failed: %v", err)
	}
	policyEngine, err := policy.NewEngine(ctx, policy.DefaultPolicy, policy.Options{})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	client := partner.NewClient("", secret)
	d := dispatch.New(db, client, dispatch.Config{MaxAttempts: 1, QueueSize: 4}, log)
	metadata := service.NewMetadataSyncer(client, time.Second, log)
	svc := service.New(db, codec, policyEngine, d, metadata, cfg, log)
	return NewHandler(svc), db, codec
}

func launchBody(t *testing.T, codec *token.Codec, user, cluster string) string {
	t.Helper()
	now := time.Now()
	raw, err := codec.Sign(token.Claims{UserID: user, ClusterID: cluster, IssuedAt: now, ExpiresAt: now.Add(15 * time.Minute)})
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	body, _ := json.Marshal(domain.LaunchRequest{
		UserID:     user,
		UserName:   "Grace",
		ClusterID:  cluster,
		AuthToken:  raw,
		ReturnURL:  "https://partner.example/return",
		ResultsURL: "https://partner.example/receive-assessment-results",
	})
	return string(body)
}

func postLaunch(t *testing.T, h *Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/integration/assessment-launch", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := h.Launch(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	return rec
}

func TestLaunchSuccess(t *testing.T) {
	h, db, codec := newTestHandler(t)
	helpers.SeedCluster(t, db, "C1", "rp-1")

	rec := postLaunch(t, h, launchBody(t, codec, "U1", "C1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp domain.LaunchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !resp.Success || resp.SessionID == "" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if !strings.HasPrefix(resp.RedirectURL, "https://rp.example/assessment/launch?") {
		t.Fatalf("unexpected redirect: %s", resp.RedirectURL)
	}

	again := postLaunch(t, h, launchBody(t, codec, "U1", "C1"))
	var second domain.LaunchResponse
	if err := json.Unmarshal(again.Body.Bytes(), &second); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if second.SessionID != resp.SessionID || !second.Resumed {
		t.Fatalf("expected resumed session, got %+v", second)
	}
}

func TestLaunchErrors(t *testing.T) {
	h, db, codec := newTestHandler(t)
	helpers.SeedCluster(t, db, "C1", "rp-1")

	cases := []struct {
		name string
		body string
		code int
		kind domain.ErrorKind
	}{
		{"unknown field", `{"user_id":"U1","extra":true}`, http.StatusBadRequest, domain.KindMalformedRequest},
		{"missing fields", `{"user_id":"U1"}`, http.StatusBadRequest, domain.KindMalformedRequest},
		{"bad token", strings.Replace(launchBody(t, codec, "U1", "C1"), `"auth_token":"`, `"auth_token":"x`, 1), http.StatusUnauthorized, domain.KindUnauthorized},
		{"unknown cluster", launchBody(t, codec, "U1", "C9"), http.StatusNotFound, domain.KindUnknownCluster},
	}
	for _, tc := range cases {
		rec := postLaunch(t, h, tc.body)
		if rec.Code != tc.code {
			t.Fatalf("%s: expected %d, got %d: %s", tc.name, tc.code, rec.Code, rec.Body.String())
		}
		var resp domain.ErrorResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("%s: decode failed: %v", tc.name, err)
		}
		if resp.Success || resp.Kind != tc.kind {
			t.Fatalf("%s: unexpected response: %+v", tc.name, resp)
		}
	}
}

func TestLaunchPageRedirectsToFirstRoleplay(t *testing.T) {
	h, db, codec := newTestHandler(t)
	helpers.SeedCluster(t, db, "C1", "rp-1", "rp-2")

	var launch domain.LaunchResponse
	if err := json.Unmarshal(postLaunch(t, h, launchBody(t, codec, "U1", "C1")).Body.Bytes(), &launch); err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/assessment/launch?assessment_cluster_id=C1&session_id="+launch.SessionID, nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := h.LaunchPage(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/roleplay/rp-1?session_id="+launch.SessionID {
		t.Fatalf("unexpected location: %s", loc)
	}
}

func TestReturnToPartnerRequiresTerminalSession(t *testing.T) {
	h, db, codec := newTestHandler(t)
	helpers.SeedCluster(t, db, "C1", "rp-1")

	var launch domain.LaunchResponse
	if err := json.Unmarshal(postLaunch(t, h, launchBody(t, codec, "U1", "C1")).Body.Bytes(), &launch); err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("session_id")
	c.SetParamValues(launch.SessionID)
	if err := h.ReturnToPartner(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}

	if _, err := db.TransitionSession(context.Background(), launch.SessionID, domain.SessionStatusCompleted, nil, time.Now()); err != nil {
		t.Fatalf("TransitionSession failed: %v", err)
	}
	rec = httptest.NewRecorder()
	c = e.NewContext(req, rec)
	c.SetParamNames("session_id")
	c.SetParamValues(launch.SessionID)
	if err := h.ReturnToPartner(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); !strings.HasPrefix(loc, "https://partner.example/return?") {
		t.Fatalf("unexpected location: %s", loc)
	}
}

func TestHealth(t *testing.T) {
	h, _, _ := newTestHandler(t)
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/health", nil), rec)
	if err := h.Health(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
