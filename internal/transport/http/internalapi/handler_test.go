package internalapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
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

func newTestHandler(t *testing.T) (*Handler, store.Store) {
	t.Helper()
	ctx := context.Background()
	cfg := &config.Config{PublicBaseURL: "https://rp.example"}
	db := helpers.NewTestSQLiteStore(t)
	log := observability.Component(observability.DiscardLogger(), "test")

	codec, err := token.NewCodec([]byte("internal-secret-0123456789"))
	if err != nil {
		t.Fatalf("NewCodec failed: %v", err)
	}
	policyEngine, err := policy.NewEngine(ctx, policy.DefaultPolicy, policy.Options{})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	client := partner.NewClient("", nil)
	d := dispatch.New(db, client, dispatch.Config{MaxAttempts: 1, QueueSize: 4}, log)
	metadata := service.NewMetadataSyncer(client, time.Second, log)
	svc := service.New(db, codec, policyEngine, d, metadata, cfg, log)
	t.Cleanup(metadata.Wait)
	return NewHandler(svc, nil), db
}

func seedSession(t *testing.T, db store.Store, sessionID string) {
	t.Helper()
	helpers.SeedCluster(t, db, "C1", "rp-1")
	_, _, err := db.FindOrCreateLiveSession(context.Background(), &domain.Session{
		SessionID:  sessionID,
		UserID:     "U1",
		UserName:   "Grace",
		ClusterID:  "C1",
		ReturnURL:  "https://partner.example/return",
		ResultsURL: "https://partner.example/results",
		StartedAt:  time.Now(),
	})
	if err != nil {
		t.Fatalf("FindOrCreateLiveSession failed: %v", err)
	}
}

func newContext(method, target, body string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, target, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestUpdateSessionStatusEnqueuesDelivery(t *testing.T) {
	h, db := newTestHandler(t)
	seedSession(t, db, "s1")

	c, rec := newContext(http.MethodPost, "/internal/sessions/s1/status", `{"status":"completed","outcome":{"score":88}}`)
	c.SetParamNames("session_id")
	c.SetParamValues("s1")
	if err := h.UpdateSessionStatus(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	del, err := db.GetDelivery(context.Background(), "s1")
	if err != nil {
		t.Fatalf("GetDelivery failed: %v", err)
	}
	if del == nil || del.Status != domain.DeliveryStatusPending {
		t.Fatalf("expected pending delivery, got %+v", del)
	}
}

func TestUpdateSessionStatusErrors(t *testing.T) {
	h, db := newTestHandler(t)
	seedSession(t, db, "s1")

	cases := []struct {
		session string
		body    string
		code    int
	}{
		{"s1", `{"status":"completed","note":"x"}`, http.StatusBadRequest},
		{"s1", `{"status":"finished"}`, http.StatusBadRequest},
		{"s1", `{"status":"completed","outcome":"not-an-object"`, http.StatusBadRequest},
		{"nope", `{"status":"completed"}`, http.StatusNotFound},
	}
	for _, tc := range cases {
		c, rec := newContext(http.MethodPost, "/", tc.body)
		c.SetParamNames("session_id")
		c.SetParamValues(tc.session)
		if err := h.UpdateSessionStatus(c); err != nil {
			t.Fatalf("handler error: %v", err)
		}
		if rec.Code != tc.code {
			t.Fatalf("%s: expected %d, got %d: %s", tc.body, tc.code, rec.Code, rec.Body.String())
		}
	}
}

func TestGetSession(t *testing.T) {
	h, db := newTestHandler(t)
	seedSession(t, db, "s1")

	c, rec := newContext(http.MethodGet, "/", "")
	c.SetParamNames("session_id")
	c.SetParamValues("s1")
	if err := h.GetSession(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var sess domain.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &sess); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if sess.SessionID != "s1" || sess.Attempt != 1 {
		t.Fatalf("unexpected session: %+v", sess)
	}
}

func TestUpsertCluster(t *testing.T) {
	h, db := newTestHandler(t)

	c, rec := newContext(http.MethodPut, "/", `{"name":"Negotiation","type":"assessment","roleplay_ids":["rp-1","rp-2"]}`)
	c.SetParamNames("cluster_id")
	c.SetParamValues("C7")
	if err := h.UpsertCluster(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	cluster, err := db.GetCluster(context.Background(), "C7")
	if err != nil {
		t.Fatalf("GetCluster failed: %v", err)
	}
	if cluster == nil || len(cluster.RoleplayIDs) != 2 {
		t.Fatalf("unexpected cluster: %+v", cluster)
	}

	c, rec = newContext(http.MethodPut, "/", `{"name":"Negotiation","type":"workshop","roleplay_ids":[]}`)
	c.SetParamNames("cluster_id")
	c.SetParamValues("C7")
	if err := h.UpsertCluster(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestDeliveryEndpoints(t *testing.T) {
	h, db := newTestHandler(t)
	seedSession(t, db, "s1")

	c, rec := newContext(http.MethodGet, "/internal/deliveries?limit=abc", "")
	if err := h.ListDeliveries(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	c, rec = newContext(http.MethodGet, "/internal/deliveries?status=failed", "")
	if err := h.ListDeliveries(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	c, rec = newContext(http.MethodGet, "/", "")
	c.SetParamNames("session_id")
	c.SetParamValues("s1")
	if err := h.GetDelivery(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	if _, err := db.TransitionSession(context.Background(), "s1", domain.SessionStatusCompleted, nil, time.Now()); err != nil {
		t.Fatalf("TransitionSession failed: %v", err)
	}
	now := time.Now()
	if _, err := db.CreateDelivery(context.Background(), &domain.Delivery{
		SessionID: "s1", TargetURL: "https://partner.example/results", Status: domain.DeliveryStatusPending, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("CreateDelivery failed: %v", err)
	}

	c, rec = newContext(http.MethodPost, "/", "")
	c.SetParamNames("session_id")
	c.SetParamValues("s1")
	if err := h.Redeliver(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for pending delivery, got %d", rec.Code)
	}

	c, rec = newContext(http.MethodGet, "/", "")
	c.SetParamNames("session_id")
	c.SetParamValues("s1")
	if err := h.GetDelivery(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var detail domain.DeliveryDetail
	if err := json.Unmarshal(rec.Body.Bytes(), &detail); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if detail.SessionID != "s1" || detail.AttemptLog == nil {
		t.Fatalf("unexpected detail: %+v", detail)
	}
}
