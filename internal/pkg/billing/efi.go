package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lexflowhq/lexpay/app/models"
	"github.com/lexflowhq/lexpay/internal/pkg/env"
)

const defaultEfiBaseURL = "https://pix.api.efipay.com.br"

// EfiClient talks to an Efí-style PIX PSP: OAuth client-credentials token
// exchange, immediate-charge (cob) creation and batched payment webhooks.
type EfiClient struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	PixKey       string

	// ChargeExpirySeconds is how long a generated QR code stays payable.
	ChargeExpirySeconds int

	webhookSecret string
	httpClient    *RetryingClient
	tokens        *TokenCache
}

// NewEfiClientFromEnv builds the Efí client from environment configuration.
func NewEfiClientFromEnv() *EfiClient {
	c := &EfiClient{
		BaseURL:             strings.TrimRight(env.GetEnv("EFI_BASE_URL", defaultEfiBaseURL), "/"),
		ClientID:            strings.TrimSpace(env.GetEnv("EFI_CLIENT_ID", "")),
		ClientSecret:        strings.TrimSpace(env.GetEnv("EFI_CLIENT_SECRET", "")),
		PixKey:              strings.TrimSpace(env.GetEnv("EFI_PIX_KEY", "")),
		ChargeExpirySeconds: 3600,
		webhookSecret:       strings.TrimSpace(env.GetEnv("EFI_WEBHOOK_SECRET", "")),
		httpClient:          NewRetryingClient(models.PaymentProviderEfi, defaultMaxAttempts),
	}
	c.tokens = NewTokenCache(c.fetchToken)
	return c
}

func (c *EfiClient) Name() string { return models.PaymentProviderEfi }

func (c *EfiClient) WebhookSecret() string { return c.webhookSecret }

// fetchToken performs the OAuth client-credentials exchange. Efí declares the
// token lifetime via expires_in; when absent the cache falls back to its
// one-hour default.
func (c *EfiClient) fetchToken(ctx context.Context) (string, time.Duration, error) {
	if c.ClientID == "" || c.ClientSecret == "" {
		return "", 0, &AuthError{Provider: c.Name(), Err: errors.New("EFI_CLIENT_ID/EFI_CLIENT_SECRET are not configured")}
	}

	body := []byte(`{"grant_type":"client_credentials"}`)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/oauth/token", bytes.NewReader(body))
	if err != nil {
		return "", 0, err
	}
	req.SetBasicAuth(c.ClientID, c.ClientSecret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", 0, &AuthError{Provider: c.Name(), Err: err}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
		TokenType   string `json:"token_type"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", 0, &AuthError{Provider: c.Name(), Err: err}
	}
	if strings.TrimSpace(out.AccessToken) == "" {
		return "", 0, &AuthError{Provider: c.Name(), Err: errors.New("token exchange returned empty access_token")}
	}
	return out.AccessToken, time.Duration(out.ExpiresIn) * time.Second, nil
}

// CreateCharge creates an immediate PIX charge (cob) and resolves its
// copy-and-paste QR payload.
func (c *EfiClient) CreateCharge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	if c.PixKey == "" {
		return nil, errors.New("EFI_PIX_KEY is not configured")
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	// Efí requires a 26-35 char alphanumeric txid; a dash-less uuid fits.
	txid := strings.ReplaceAll(uuid.New().String(), "-", "")

	payload := map[string]interface{}{
		"calendario": map[string]interface{}{"expiracao": c.ChargeExpirySeconds},
		"devedor": map[string]string{
			"cpf":  req.Payer.TaxID,
			"nome": req.Payer.Name,
		},
		"valor":              map[string]string{"original": formatCentsBRL(req.AmountCents)},
		"chave":              c.PixKey,
		"solicitacaoPagador": req.Description,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, c.BaseURL+"/v2/cob/"+txid, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		var provErr *ProviderError
		if errors.As(err, &provErr) && provErr.Status == http.StatusUnauthorized {
			// The PSP stopped accepting the cached token before its declared
			// expiry; drop it so the next call refreshes.
			c.tokens.Invalidate()
		}
		return nil, err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var out struct {
		Txid string `json:"txid"`
		Loc  struct {
			ID       int64  `json:"id"`
			Location string `json:"location"`
		} `json:"loc"`
		PixCopiaECola string `json:"pixCopiaECola"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decoding efi cob response: %w", err)
	}
	if strings.TrimSpace(out.Txid) == "" {
		out.Txid = txid
	}

	qr := strings.TrimSpace(out.PixCopiaECola)
	if qr == "" && out.Loc.ID > 0 {
		qr, err = c.fetchQRCode(ctx, token, out.Loc.ID)
		if err != nil {
			return nil, err
		}
	}

	return &ChargeResult{
		ProviderChargeID: out.Txid,
		QRCodePayload:    qr,
		RedirectURL:      out.Loc.Location,
		RawResponse:      string(raw),
	}, nil
}

func (c *EfiClient) fetchQRCode(ctx context.Context, token string, locID int64) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/v2/loc/%d/qrcode", c.BaseURL, locID), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var out struct {
		QRCode string `json:"qrcode"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decoding efi qrcode response: %w", err)
	}
	return out.QRCode, nil
}

// ParseWebhook normalizes an Efí delivery. Received payments arrive batched
// under "pix" (one entry per settled charge); a removed cob arrives under
// "cob" with a REMOVIDA_* status. Anything else is ignored.
func (c *EfiClient) ParseWebhook(payload []byte) ([]CanonicalEvent, error) {
	var raw struct {
		Pix []struct {
			Txid    string `json:"txid"`
			Valor   string `json:"valor"`
			EndToEnd string `json:"endToEndId"`
		} `json:"pix"`
		Cob struct {
			Txid   string `json:"txid"`
			Status string `json:"status"`
		} `json:"cob"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, nil
	}

	var events []CanonicalEvent
	for _, p := range raw.Pix {
		txid := strings.TrimSpace(p.Txid)
		if txid == "" {
			continue
		}
		cents, err := parseBRLToCents(p.Valor)
		if err != nil {
			continue
		}
		events = append(events, CanonicalEvent{
			Provider:         c.Name(),
			ProviderChargeID: txid,
			AmountCents:      cents,
			Outcome:          OutcomeConfirmed,
			RawSnapshot:      string(payload),
		})
	}

	if txid := strings.TrimSpace(raw.Cob.Txid); txid != "" &&
		strings.HasPrefix(strings.ToUpper(raw.Cob.Status), "REMOVIDA") {
		events = append(events, CanonicalEvent{
			Provider:         c.Name(),
			ProviderChargeID: txid,
			Outcome:          OutcomeFailed,
			RawSnapshot:      string(payload),
		})
	}

	return events, nil
}

// formatCentsBRL renders minor units as the "9.90" decimal string the PSP
// expects.
func formatCentsBRL(cents int64) string {
	return fmt.Sprintf("%d.%02d", cents/100, cents%100)
}

// parseBRLToCents converts a "9.90" decimal string to minor units.
func parseBRLToCents(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty amount")
	}
	whole, frac := s, "0"
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	switch len(frac) {
	case 0:
		frac = "00"
	case 1:
		frac += "0"
	case 2:
	default:
		frac = frac[:2]
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, err
	}
	return w*100 + f, nil
}
