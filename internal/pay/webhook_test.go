package pay

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"bot-danfe/internal/entitlement"
)

const webhookSecret = "super-secret"

type fakeProcessor struct {
	events []entitlement.PaymentEvent
	err    error
}

func (f *fakeProcessor) HandlePaymentEvent(_ context.Context, event entitlement.PaymentEvent) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, event)
	return nil
}

func signFor(dataID, requestID, ts string) string {
	manifest := fmt.Sprintf("id:%s;request-id:%s;ts:%s;", dataID, requestID, ts)
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	mac.Write([]byte(manifest))
	return hex.EncodeToString(mac.Sum(nil))
}

func newWebhookRequest(t *testing.T, dataID string, sign bool) *http.Request {
	t.Helper()
	body := fmt.Sprintf(`{"type":"payment","action":"payment.updated","data":{"id":"%s"}}`, dataID)
	req := httptest.NewRequest(http.MethodPost, "/webhook/mercadopago?data.id="+dataID, strings.NewReader(body))
	req.Header.Set("x-request-id", "req-1")
	if sign {
		ts := "1700000000"
		req.Header.Set("x-signature", fmt.Sprintf("ts=%s,v1=%s", ts, signFor(dataID, "req-1", ts)))
	}
	return req
}

func newHandlerWithAPI(t *testing.T, processor EventProcessor, paymentStatus string) (*WebhookHandler, *httptest.Server) {
	t.Helper()
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/v1/payments/") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id":                 123456,
			"status":             paymentStatus,
			"external_reference": "user-1",
			"transaction_amount": 14.90,
			"date_approved":      time.Now().Format(time.RFC3339),
		})
	}))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := New(Config{BaseURL: api.URL, AccessToken: "token"}, logger, nil)
	handler := NewWebhookHandler(logger, nil, webhookSecret, client, processor)
	return handler, api
}

func TestWebhookRejectsMissingSignature(t *testing.T) {
	handler, api := newHandlerWithAPI(t, &fakeProcessor{}, "approved")
	defer api.Close()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, newWebhookRequest(t, "123456", false))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status: %d", rec.Code)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	handler, api := newHandlerWithAPI(t, &fakeProcessor{}, "approved")
	defer api.Close()

	req := newWebhookRequest(t, "123456", false)
	req.Header.Set("x-signature", "ts=1700000000,v1=deadbeef")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status: %d", rec.Code)
	}
}

func TestWebhookForwardsApprovedPayment(t *testing.T) {
	processor := &fakeProcessor{}
	handler, api := newHandlerWithAPI(t, processor, "approved")
	defer api.Close()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, newWebhookRequest(t, "123456", true))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d body: %s", rec.Code, rec.Body.String())
	}

	if len(processor.events) != 1 {
		t.Fatalf("expected one event, got %d", len(processor.events))
	}
	event := processor.events[0]
	if event.TransactionID != "123456" {
		t.Fatalf("transaction id: %s", event.TransactionID)
	}
	if event.UserID != "user-1" {
		t.Fatalf("user id: %s", event.UserID)
	}
	if event.AmountCents != 1490 {
		t.Fatalf("amount cents: %d", event.AmountCents)
	}
	if event.Timestamp.IsZero() {
		t.Fatal("missing timestamp")
	}
}

func TestWebhookIgnoresPendingPayment(t *testing.T) {
	processor := &fakeProcessor{}
	handler, api := newHandlerWithAPI(t, processor, "pending")
	defer api.Close()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, newWebhookRequest(t, "123456", true))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	if len(processor.events) != 0 {
		t.Fatalf("pending payment must not be forwarded")
	}
}

func TestWebhookIgnoresNonPaymentEvents(t *testing.T) {
	processor := &fakeProcessor{}
	handler, api := newHandlerWithAPI(t, processor, "approved")
	defer api.Close()

	body := `{"type":"plan","action":"updated","data":{"id":"9"}}`
	req := httptest.NewRequest(http.MethodPost, "/webhook/mercadopago?data.id=9", strings.NewReader(body))
	req.Header.Set("x-request-id", "req-1")
	ts := "1700000000"
	req.Header.Set("x-signature", fmt.Sprintf("ts=%s,v1=%s", ts, signFor("9", "req-1", ts)))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	if len(processor.events) != 0 {
		t.Fatal("non-payment event forwarded")
	}
}

func TestWebhookSignalsProcessingFailure(t *testing.T) {
	processor := &fakeProcessor{err: fmt.Errorf("store down")}
	handler, api := newHandlerWithAPI(t, processor, "approved")
	defer api.Close()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, newWebhookRequest(t, "123456", true))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 so the provider redelivers, got %d", rec.Code)
	}
}

func TestWebhookMethodNotAllowed(t *testing.T) {
	handler, api := newHandlerWithAPI(t, &fakeProcessor{}, "approved")
	defer api.Close()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhook/mercadopago", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status: %d", rec.Code)
	}
}
