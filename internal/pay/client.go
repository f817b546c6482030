// Package pay integrates with Mercado Pago: Pix charge creation, payment
// lookup and the confirmation webhook.
package pay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"bot-danfe/internal/metrics"

	"github.com/google/uuid"
)

const chargeExpiry = 30 * time.Minute

// Config holds Mercado Pago client configuration.
type Config struct {
	BaseURL         string
	AccessToken     string
	Timeout         time.Duration
	NotificationURL string
}

// Client provides typed access to the Mercado Pago payments API.
type Client struct {
	logger          *slog.Logger
	baseURL         string
	accessToken     string
	http            *http.Client
	metrics         *metrics.Metrics
	notificationURL string
}

// New creates a new Mercado Pago client.
func New(cfg Config, logger *slog.Logger, metricRegistry *metrics.Metrics) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "https://api.mercadopago.com"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		logger:          logger.With("component", "mercadopago"),
		baseURL:         base,
		accessToken:     cfg.AccessToken,
		http:            &http.Client{Timeout: timeout},
		metrics:         metricRegistry,
		notificationURL: cfg.NotificationURL,
	}
}

// PixCharge is a freshly created Pix charge.
type PixCharge struct {
	TransactionID string
	QRCode        string
	QRCodeBase64  string
	AmountCents   int64
	ExpiresAt     time.Time
}

// CreatePixCharge creates a Pix charge for the subscription. The user id
// travels as external_reference so the webhook can route the confirmation.
func (c *Client) CreatePixCharge(ctx context.Context, userID string, amountCents int64, description string) (*PixCharge, error) {
	expiry := time.Now().Add(chargeExpiry)

	payload := map[string]any{
		"transaction_amount": float64(amountCents) / 100,
		"description":        description,
		"payment_method_id":  "pix",
		"external_reference": userID,
		"date_of_expiration": expiry.Format(time.RFC3339),
		"payer": map[string]any{
			"email": fmt.Sprintf("user-%s@bot-danfe.local", userID),
		},
	}
	if c.notificationURL != "" {
		payload["notification_url"] = c.notificationURL
	}

	var resp paymentResponse
	if err := c.do(ctx, http.MethodPost, "/v1/payments", payload, &resp); err != nil {
		return nil, fmt.Errorf("create pix charge: %w", err)
	}

	tx := resp.PointOfInteraction.TransactionData
	if tx.QRCode == "" || tx.QRCodeBase64 == "" {
		return nil, fmt.Errorf("mercadopago returned no pix data for payment %d", resp.ID)
	}

	return &PixCharge{
		TransactionID: fmt.Sprintf("%d", resp.ID),
		QRCode:        tx.QRCode,
		QRCodeBase64:  tx.QRCodeBase64,
		AmountCents:   amountCents,
		ExpiresAt:     expiry,
	}, nil
}

// PaymentInfo describes a payment fetched from the provider.
type PaymentInfo struct {
	TransactionID string
	Status        string
	UserRef       string
	AmountCents   int64
	ApprovedAt    *time.Time
}

// Approved reports whether the payment was confirmed by the provider.
func (p *PaymentInfo) Approved() bool {
	return p.Status == "approved"
}

// GetPayment fetches the current state of a payment by provider id.
func (c *Client) GetPayment(ctx context.Context, transactionID string) (*PaymentInfo, error) {
	var resp paymentResponse
	if err := c.do(ctx, http.MethodGet, "/v1/payments/"+transactionID, nil, &resp); err != nil {
		return nil, fmt.Errorf("get payment %s: %w", transactionID, err)
	}

	info := &PaymentInfo{
		TransactionID: fmt.Sprintf("%d", resp.ID),
		Status:        resp.Status,
		UserRef:       resp.ExternalReference,
		AmountCents:   int64(resp.TransactionAmount*100 + 0.5),
	}
	if resp.DateApproved != "" {
		if ts, err := time.Parse(time.RFC3339, resp.DateApproved); err == nil {
			info.ApprovedAt = &ts
		} else {
			c.logger.Warn("unparseable approval date", "transaction_id", transactionID, "value", resp.DateApproved)
		}
	}
	return info, nil
}

type paymentResponse struct {
	ID                 int64   `json:"id"`
	Status             string  `json:"status"`
	ExternalReference  string  `json:"external_reference"`
	TransactionAmount  float64 `json:"transaction_amount"`
	DateApproved       string  `json:"date_approved"`
	PointOfInteraction struct {
		TransactionData struct {
			QRCode       string `json:"qr_code"`
			QRCodeBase64 string `json:"qr_code_base64"`
		} `json:"transaction_data"`
	} `json:"point_of_interaction"`
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload any, dest any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if method == http.MethodPost {
		req.Header.Set("X-Idempotency-Key", uuid.NewString())
	}

	res, err := c.http.Do(req)
	if err != nil {
		if c.metrics != nil {
			c.metrics.Errors.WithLabelValues("mercadopago").Inc()
		}
		return fmt.Errorf("mercadopago request: %w", err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		var apiErr struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("mercadopago %s: %s (status %d)", endpoint, apiErr.Message, res.StatusCode)
		}
		return fmt.Errorf("mercadopago %s: status %d", endpoint, res.StatusCode)
	}

	if dest != nil {
		if err := json.Unmarshal(data, dest); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
