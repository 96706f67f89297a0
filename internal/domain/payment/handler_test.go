package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/agentpay/agentpay-api/internal/middleware"
	"github.com/agentpay/agentpay-api/internal/pkg/jwt"
)

type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type paymentAPI struct {
	*fixture
	router http.Handler
	jwt    *jwt.Service
}

func newPaymentAPI(t *testing.T) *paymentAPI {
	t.Helper()
	f := newFixture(t)
	f.svc.RegisterGateway(&fakeGateway{provider: ProviderWave, result: GatewayResult{CheckoutURL: "https://pay.wave.com/c/test"}})

	h := NewHandler(f.svc, f.rec)
	jwtSvc := jwt.NewService("payment-handler-secret", time.Hour)
	auth := middleware.Auth(jwtSvc)

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Mount("/payments", h.Routes(auth))
		r.Mount("/admin/payments", h.AdminRoutes(auth))
	})
	r.Mount("/webhooks/payments", h.WebhookRoutes())
	return &paymentAPI{fixture: f, router: r, jwt: jwtSvc}
}

func (a *paymentAPI) token(t *testing.T, id uuid.UUID, role string) string {
	t.Helper()
	token, err := a.jwt.GenerateAccessToken(id, role, "")
	if err != nil {
		t.Fatalf("generate token failed: %v", err)
	}
	return token
}

func (a *paymentAPI) do(t *testing.T, req *http.Request) (*httptest.ResponseRecorder, apiResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)

	var out apiResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response failed: %v; body=%s", err, rec.Body.String())
	}
	return rec, out
}

func jsonRequest(t *testing.T, method, path, token string, payload interface{}) *http.Request {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			t.Fatalf("encode payload failed: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func webhookRequest(path string, raw []byte, header, signature string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if header != "" {
		req.Header.Set(header, signature)
	}
	return req
}

func TestInitiateEndpoint(t *testing.T) {
	api := newPaymentAPI(t)
	token := api.token(t, api.user, middleware.RoleUser)

	t.Run("POST /payments creates pending session", func(t *testing.T) {
		rec, body := api.do(t, jsonRequest(t, http.MethodPost, "/api/v1/payments", token, map[string]interface{}{
			"amount":   2500,
			"provider": "wave",
		}))
		if rec.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d %s", rec.Code, rec.Body.String())
		}
		var out InitiateResponse
		if err := json.Unmarshal(body.Data, &out); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if out.Status != StatusPending || out.CheckoutURL == "" || out.SessionID == uuid.Nil {
			t.Fatalf("response = %+v", out)
		}

		rec, _ = api.do(t, jsonRequest(t, http.MethodGet, "/api/v1/payments/"+out.SessionID.String(), token, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200 on own session, got %d", rec.Code)
		}
		stranger := api.token(t, uuid.New(), middleware.RoleUser)
		rec, _ = api.do(t, jsonRequest(t, http.MethodGet, "/api/v1/payments/"+out.SessionID.String(), stranger, nil))
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404 for another user's session, got %d", rec.Code)
		}
	})

	t.Run("POST /payments validates provider", func(t *testing.T) {
		rec, body := api.do(t, jsonRequest(t, http.MethodPost, "/api/v1/payments", token, map[string]interface{}{
			"amount":   100,
			"provider": "paypal",
		}))
		if rec.Code != http.StatusUnprocessableEntity || body.Error == nil || body.Error.Code != "VALIDATION_ERROR" {
			t.Fatalf("expected 422, got %d %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("POST /payments requires auth", func(t *testing.T) {
		rec, _ := api.do(t, jsonRequest(t, http.MethodPost, "/api/v1/payments", "", map[string]interface{}{"amount": 1, "provider": "wave"}))
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rec.Code)
		}
	})
}

func TestWebhookEndpoint(t *testing.T) {
	api := newPaymentAPI(t)
	s := api.session(t, ProviderMTNMoMo, api.user, 10000)
	raw, sig := momoCallback(t, s.ID, "SUCCESSFUL", "10000")

	t.Run("forged signature returns 401", func(t *testing.T) {
		rec, body := api.do(t, webhookRequest("/webhooks/payments", raw, "X-Signature", "00"))
		if rec.Code != http.StatusUnauthorized || body.Error.Code != "INVALID_SIGNATURE" {
			t.Fatalf("expected 401, got %d %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("malformed body returns 400", func(t *testing.T) {
		rec, _ := api.do(t, webhookRequest("/webhooks/payments", []byte("<xml/>"), "X-Signature", sig))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("verified delivery returns 200 twice", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			rec, _ := api.do(t, webhookRequest("/webhooks/payments", raw, "Signature", sig))
			if rec.Code != http.StatusOK {
				t.Fatalf("delivery %d: expected 200, got %d %s", i, rec.Code, rec.Body.String())
			}
		}
		if got := api.balance(t, api.user); got != 10000 {
			t.Fatalf("balance = %d, want 10000", got)
		}
	})

	t.Run("unknown session returns 503 with Retry-After", func(t *testing.T) {
		orphan, orphanSig := flutterwaveEvent(t, uuid.New(), "successful", 10)
		rec, body := api.do(t, webhookRequest("/webhooks/payments/flutterwave", orphan, "verif-hash", orphanSig))
		if rec.Code != http.StatusServiceUnavailable || rec.Header().Get("Retry-After") == "" {
			t.Fatalf("expected 503 with Retry-After, got %d", rec.Code)
		}
		if body.Error.Code != "SESSION_NOT_FOUND" {
			t.Fatalf("code = %s", body.Error.Code)
		}
	})

	t.Run("unknown provider path returns 404", func(t *testing.T) {
		rec, _ := api.do(t, webhookRequest("/webhooks/payments/paypal", raw, "X-Signature", sig))
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rec.Code)
		}
	})

	t.Run("credit_failed still returns 200", func(t *testing.T) {
		mismatch := api.session(t, ProviderWave, api.user, 100)
		raw, sig := waveEvent(t, mismatch.ID, "checkout.session.completed", "succeeded", 999, time.Now())
		rec, body := api.do(t, webhookRequest("/webhooks/payments/wave", raw, "Wave-Signature", sig))
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d %s", rec.Code, rec.Body.String())
		}
		var out Outcome
		_ = json.Unmarshal(body.Data, &out)
		if out.Result != OutcomeCreditFailed {
			t.Fatalf("outcome = %q", out.Result)
		}
	})
}

func TestAdminReconciliationEndpoints(t *testing.T) {
	api := newPaymentAPI(t)
	s := api.session(t, ProviderOrangeMoney, api.user, 300)
	raw, sig := orangeNotification(t, s.ID, "SUCCESS", 301)
	if _, err := api.rec.HandleCallback(context.Background(), raw, sig, ""); err != nil {
		t.Fatalf("callback: %v", err)
	}

	operator := api.token(t, uuid.New(), middleware.RoleOperator)
	user := api.token(t, api.user, middleware.RoleUser)

	rec, _ := api.do(t, jsonRequest(t, http.MethodGet, "/api/v1/admin/payments/sessions?status=credit_failed", user, nil))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("user on admin route: expected 403, got %d", rec.Code)
	}

	rec, body := api.do(t, jsonRequest(t, http.MethodGet, "/api/v1/admin/payments/sessions?status=credit_failed", operator, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var sessions []Session
	if err := json.Unmarshal(body.Data, &sessions); err != nil || len(sessions) != 1 || sessions[0].ID != s.ID {
		t.Fatalf("sessions = %+v (%v)", sessions, err)
	}

	rec, body = api.do(t, jsonRequest(t, http.MethodGet, "/api/v1/admin/payments/sessions/"+s.ID.String()+"/callbacks", operator, nil))
	var callbacks []Callback
	if err := json.Unmarshal(body.Data, &callbacks); err != nil || rec.Code != http.StatusOK || len(callbacks) != 1 {
		t.Fatalf("callbacks = %d %+v (%v)", rec.Code, callbacks, err)
	}

	path := "/api/v1/admin/payments/sessions/" + s.ID.String() + "/resolve"
	rec, _ = api.do(t, jsonRequest(t, http.MethodPost, path, operator, map[string]string{"action": "refund"}))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("bad action: expected 422, got %d", rec.Code)
	}

	rec, _ = api.do(t, jsonRequest(t, http.MethodPost, path, operator, map[string]string{"action": "recredit", "note": "statement checked"}))
	if rec.Code != http.StatusOK {
		t.Fatalf("recredit: expected 200, got %d %s", rec.Code, rec.Body.String())
	}
	if got := api.balance(t, api.user); got != 300 {
		t.Fatalf("balance = %d, want 300", got)
	}

	rec, _ = api.do(t, jsonRequest(t, http.MethodPost, path, operator, map[string]string{"action": "recredit"}))
	if rec.Code != http.StatusConflict {
		t.Fatalf("second recredit: expected 409, got %d", rec.Code)
	}
}
