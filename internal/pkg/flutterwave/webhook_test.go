package flutterwave

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestVerifyHash(t *testing.T) {
	if !VerifyHash("my-hash", "my-hash") {
		t.Fatal("matching hash rejected")
	}
	if VerifyHash("my-hash", "other") {
		t.Fatal("wrong hash accepted")
	}
	if VerifyHash("", "") {
		t.Fatal("empty hash accepted")
	}
}

func TestEventDecodesDecimalAmount(t *testing.T) {
	var e Event
	raw := `{"event":"charge.completed","data":{"id":285959875,"tx_ref":"s-1","flw_ref":"FLW-1","amount":7500.00,"currency":"XAF","status":"successful"}}`
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !e.Data.Amount.IsInteger() || e.Data.Amount.IntPart() != 7500 {
		t.Fatalf("unexpected amount %s", e.Data.Amount)
	}
}

func TestCreatePayment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req PaymentRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.TxRef != "s-2" || req.Amount != 5000 {
			t.Errorf("unexpected request %+v", req)
		}
		w.Write([]byte(`{"status":"success","message":"Hosted Link","data":{"link":"https://checkout.flutterwave.com/v3/hosted/pay/abc"}}`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, SecretKey: "FLWSECK", Currency: "XAF", Timeout: time.Second})
	link, err := c.CreatePayment(context.Background(), "s-2", 5000, "")
	if err != nil {
		t.Fatalf("create payment failed: %v", err)
	}
	if link == "" {
		t.Fatal("expected link")
	}
}
