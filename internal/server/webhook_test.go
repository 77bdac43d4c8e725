package server_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/soloventures/advai/internal/config"
	"github.com/soloventures/advai/internal/identity"
	obsmetrics "github.com/soloventures/advai/internal/observability/metrics"
	reconciledomain "github.com/soloventures/advai/internal/reconcile/domain"
	"github.com/soloventures/advai/internal/server"
	"go.uber.org/zap"
)

// One metrics instance per test binary; promauto registers globally.
var httpMetrics = obsmetrics.NewHTTPMetrics()

type fakeReconciler struct {
	outcome reconciledomain.Outcome
	err     error
	events  []*reconciledomain.GatewayEvent
}

func (r *fakeReconciler) Process(_ context.Context, event *reconciledomain.GatewayEvent) (reconciledomain.Outcome, error) {
	r.events = append(r.events, event)
	if r.err != nil {
		return "", r.err
	}
	return r.outcome, nil
}

func setupServer(t *testing.T, rec *fakeReconciler) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	engine := server.NewEngine(zap.NewNop(), httpMetrics)
	srv := server.NewServer(server.ServerParams{
		Gin:       engine,
		Cfg:       config.Config{APIToken: "secret"},
		Log:       zap.NewNop(),
		Identity:  identity.New(identity.Params{Config: config.Config{APIToken: "secret"}}),
		Reconcile: rec,
	})
	srv.RegisterRoutes()
	return engine
}

func postWebhook(engine *gin.Engine, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/asaas", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func TestWebhookAcknowledgesProcessedEvent(t *testing.T) {
	rec := &fakeReconciler{outcome: reconciledomain.OutcomeGranted}
	engine := setupServer(t, rec)

	w := postWebhook(engine, `{"event":"PAYMENT_CONFIRMED","payment":{"id":"pay_1","value":200,"externalReference":"credits_123"}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"received":true`) {
		t.Fatalf("body = %s", w.Body.String())
	}
	if len(rec.events) != 1 || rec.events[0].Payment.ID != "pay_1" {
		t.Fatalf("reconciler saw %+v", rec.events)
	}
}

func TestWebhookRejectsMalformedBody(t *testing.T) {
	rec := &fakeReconciler{}
	engine := setupServer(t, rec)

	w := postWebhook(engine, `{"event":""}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if len(rec.events) != 0 {
		t.Fatal("malformed body reached the reconciler")
	}
}

func TestWebhookSurfacesInternalFailure(t *testing.T) {
	rec := &fakeReconciler{err: errors.New("db unavailable")}
	engine := setupServer(t, rec)

	// A 500 makes the gateway retry the delivery later.
	w := postWebhook(engine, `{"event":"PAYMENT_CONFIRMED","payment":{"id":"pay_1"}}`)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
}

func TestBillingRoutesRequireAuth(t *testing.T) {
	engine := setupServer(t, &fakeReconciler{})

	req := httptest.NewRequest(http.MethodGet, "/api/billing/transactions", nil)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 without a bearer token", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/billing/transactions", nil)
	req.Header.Set("Authorization", "Bearer secret")
	w = httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 without a team header", w.Code)
	}
}
