package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/lexflowhq/lexpay/app/models"
	"github.com/lexflowhq/lexpay/internal/pkg/env"
)

const defaultAbacatePayBaseURL = "https://api.abacatepay.com"

// AbacatePayClient talks to an AbacatePay-style PSP. Authentication is a
// static API key, so there is no token cache on this path; webhook calls are
// authenticated by the shared secret in the query string.
type AbacatePayClient struct {
	BaseURL string
	APIKey  string

	// ChargeExpirySeconds is how long a generated QR code stays payable.
	ChargeExpirySeconds int

	webhookSecret string
	httpClient    *RetryingClient
}

// NewAbacatePayClientFromEnv builds the AbacatePay client from environment
// configuration.
func NewAbacatePayClientFromEnv() *AbacatePayClient {
	return &AbacatePayClient{
		BaseURL:             strings.TrimRight(env.GetEnv("ABACATEPAY_BASE_URL", defaultAbacatePayBaseURL), "/"),
		APIKey:              strings.TrimSpace(env.GetEnv("ABACATEPAY_API_KEY", "")),
		ChargeExpirySeconds: 3600,
		webhookSecret:       strings.TrimSpace(env.GetEnv("ABACATEPAY_WEBHOOK_SECRET", "")),
		httpClient:          NewRetryingClient(models.PaymentProviderAbacatePay, defaultMaxAttempts),
	}
}

func (c *AbacatePayClient) Name() string { return models.PaymentProviderAbacatePay }

func (c *AbacatePayClient) WebhookSecret() string { return c.webhookSecret }

// CreateCharge creates a PIX QR code charge.
func (c *AbacatePayClient) CreateCharge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	if c.APIKey == "" {
		return nil, errors.New("ABACATEPAY_API_KEY is not configured")
	}

	payload := map[string]interface{}{
		"amount":      req.AmountCents,
		"expiresIn":   c.ChargeExpirySeconds,
		"description": req.Description,
		"customer": map[string]string{
			"name":  req.Payer.Name,
			"email": req.Payer.Email,
			"taxId": req.Payer.TaxID,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/pixQrCode/create", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var out struct {
		Data struct {
			ID     string `json:"id"`
			BRCode string `json:"brCode"`
			URL    string `json:"url"`
			Status string `json:"status"`
		} `json:"data"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decoding abacatepay response: %w", err)
	}
	if out.Error != "" {
		return nil, &ProviderError{Provider: c.Name(), Status: resp.StatusCode, Body: out.Error}
	}
	if strings.TrimSpace(out.Data.ID) == "" {
		return nil, fmt.Errorf("abacatepay response missing charge id: %s", string(raw))
	}

	return &ChargeResult{
		ProviderChargeID: out.Data.ID,
		QRCodePayload:    out.Data.BRCode,
		RedirectURL:      out.Data.URL,
		RawResponse:      string(raw),
	}, nil
}

// ParseWebhook normalizes an AbacatePay delivery. billing.paid settles the
// charge, billing.failed rejects it; every other event (including the
// provider's own pending notices) is ignored.
func (c *AbacatePayClient) ParseWebhook(payload []byte) ([]CanonicalEvent, error) {
	var raw struct {
		Event string `json:"event"`
		Data  struct {
			PixQrCode struct {
				ID     string `json:"id"`
				Amount int64  `json:"amount"`
			} `json:"pixQrCode"`
			Billing struct {
				ID     string `json:"id"`
				Amount int64  `json:"amount"`
			} `json:"billing"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, nil
	}

	var outcome EventOutcome
	switch strings.ToLower(strings.TrimSpace(raw.Event)) {
	case "billing.paid":
		outcome = OutcomeConfirmed
	case "billing.failed":
		outcome = OutcomeFailed
	default:
		return nil, nil
	}

	chargeID := strings.TrimSpace(raw.Data.PixQrCode.ID)
	amount := raw.Data.PixQrCode.Amount
	if chargeID == "" {
		chargeID = strings.TrimSpace(raw.Data.Billing.ID)
		amount = raw.Data.Billing.Amount
	}
	if chargeID == "" {
		return nil, nil
	}

	return []CanonicalEvent{{
		Provider:         c.Name(),
		ProviderChargeID: chargeID,
		AmountCents:      amount,
		Outcome:          outcome,
		RawSnapshot:      string(payload),
	}}, nil
}
