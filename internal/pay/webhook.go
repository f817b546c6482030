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
	"strings"

	"bot-danfe/internal/entitlement"
	"bot-danfe/internal/metrics"
)

// EventProcessor settles confirmed payments handed over by the webhook.
type EventProcessor interface {
	HandlePaymentEvent(ctx context.Context, event entitlement.PaymentEvent) error
}

// WebhookHandler verifies Mercado Pago webhook signatures and forwards
// approved payment confirmations. Deliveries are at least once; the
// settlement layer dedups on transaction id, so replays are safe here.
type WebhookHandler struct {
	logger    *slog.Logger
	metrics   *metrics.Metrics
	secret    string
	client    *Client
	processor EventProcessor
}

// NewWebhookHandler creates a new webhook handler.
func NewWebhookHandler(logger *slog.Logger, metricRegistry *metrics.Metrics, secret string, client *Client, processor EventProcessor) *WebhookHandler {
	return &WebhookHandler{
		logger:    logger.With("component", "mercadopago_webhook"),
		metrics:   metricRegistry,
		secret:    secret,
		client:    client,
		processor: processor,
	}
}

// ServeHTTP satisfies http.Handler.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	dataID := r.URL.Query().Get("data.id")

	if err := h.validateSignature(r, dataID); err != nil {
		h.logger.Warn("webhook signature rejected", "error", err)
		if h.metrics != nil {
			h.metrics.Errors.WithLabelValues("mercadopago_webhook_auth").Inc()
		}
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var notification struct {
		Type   string `json:"type"`
		Action string `json:"action"`
		Data   struct {
			ID json.Number `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &notification); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	if dataID == "" {
		dataID = notification.Data.ID.String()
	}
	if notification.Type != "payment" || dataID == "" {
		// Not a payment notification; acknowledge and move on.
		writeOK(w)
		return
	}

	if err := h.process(r.Context(), dataID); err != nil {
		h.logger.Error("failed processing payment notification", "error", err, "transaction_id", dataID)
		if h.metrics != nil {
			h.metrics.Errors.WithLabelValues("mercadopago_webhook_process").Inc()
		}
		// Non-2xx makes the provider redeliver later.
		http.Error(w, "failed to process", http.StatusInternalServerError)
		return
	}

	writeOK(w)
}

func (h *WebhookHandler) process(ctx context.Context, transactionID string) error {
	info, err := h.client.GetPayment(ctx, transactionID)
	if err != nil {
		return err
	}
	if !info.Approved() {
		h.logger.Info("payment not approved yet, ignoring", "transaction_id", transactionID, "status", info.Status)
		return nil
	}
	if info.UserRef == "" {
		return fmt.Errorf("approved payment %s has no external reference", transactionID)
	}

	event := entitlement.PaymentEvent{
		TransactionID: info.TransactionID,
		UserID:        info.UserRef,
		AmountCents:   info.AmountCents,
	}
	if info.ApprovedAt != nil {
		event.Timestamp = *info.ApprovedAt
	}

	if h.processor == nil {
		return nil
	}
	return h.processor.HandlePaymentEvent(ctx, event)
}

// validateSignature checks the x-signature header: "ts=...,v1=..." where
// v1 is the hex HMAC-SHA256 of "id:{data.id};request-id:{x-request-id};ts:{ts};".
func (h *WebhookHandler) validateSignature(r *http.Request, dataID string) error {
	if h.secret == "" {
		return nil
	}

	signature := r.Header.Get("x-signature")
	if signature == "" {
		return fmt.Errorf("missing x-signature header")
	}

	var ts, v1 string
	for _, part := range strings.Split(signature, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch key {
		case "ts":
			ts = value
		case "v1":
			v1 = value
		}
	}
	if ts == "" || v1 == "" {
		return fmt.Errorf("malformed x-signature header")
	}

	manifest := fmt.Sprintf("id:%s;request-id:%s;ts:%s;", dataID, r.Header.Get("x-request-id"), ts)
	mac := hmac.New(sha256.New, []byte(h.secret))
	mac.Write([]byte(manifest))
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(v1))) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

func writeOK(w http.ResponseWriter) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
