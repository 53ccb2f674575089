package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// HTTPGateway talks to a culqi-style card processing API. Amounts go over the
// wire in cents; the idempotency key travels as a header so provider-side
// dedup works across network retries.
type HTTPGateway struct {
	baseURL    string
	secretKey  string
	httpClient *http.Client
}

type HTTPConfig struct {
	BaseURL   string
	SecretKey string
	Timeout   time.Duration
}

func NewHTTPGateway(cfg HTTPConfig) *HTTPGateway {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPGateway{
		baseURL:   cfg.BaseURL,
		secretKey: cfg.SecretKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type tokenRequest struct {
	CardNumber string `json:"card_number"`
	CVV        string `json:"cvv"`
	ExpMonth   int    `json:"expiration_month"`
	ExpYear    int    `json:"expiration_year"`
	Email      string `json:"email"`
}

type tokenResponse struct {
	ID     string `json:"id"`
	CardID string `json:"card_id"`
	Iin    struct {
		CardBrand string `json:"card_brand"`
	} `json:"iin"`
	Last4    string `json:"last_four"`
	ExpMonth int    `json:"expiration_month"`
	ExpYear  int    `json:"expiration_year"`
}

func (g *HTTPGateway) Tokenize(ctx context.Context, card CardDetails) (*Token, error) {
	body := tokenRequest{
		CardNumber: card.Number,
		CVV:        card.CVV,
		ExpMonth:   card.ExpMonth,
		ExpYear:    card.ExpYear,
		Email:      card.Email,
	}

	var resp tokenResponse
	if err := g.post(ctx, "/tokens", "", body, &resp); err != nil {
		return nil, err
	}

	return &Token{
		ID:       resp.ID,
		Brand:    resp.Iin.CardBrand,
		Last4:    resp.Last4,
		ExpMonth: resp.ExpMonth,
		ExpYear:  resp.ExpYear,
		CardID:   resp.CardID,
	}, nil
}

type chargeRequest struct {
	Source string            `json:"source_id"`
	Amount int64             `json:"amount"`
	Auth   map[string]string `json:"authentication_3ds,omitempty"`
}

type chargeResponse struct {
	ID     string `json:"id"`
	Object string `json:"object"`

	// "reviewed" with a user_message means a 3DS challenge is required.
	Action      string `json:"action_code"`
	DeclineCode string `json:"decline_code"`
	UserMessage string `json:"user_message"`
}

func (g *HTTPGateway) Charge(ctx context.Context, tokenRef string, amount decimal.Decimal, idempotencyKey string) (*Outcome, error) {
	return g.submitCharge(ctx, chargeRequest{
		Source: tokenRef,
		Amount: toCents(amount),
	}, idempotencyKey)
}

func (g *HTTPGateway) ChargeWithAuth(ctx context.Context, tokenRef string, amount decimal.Decimal, idempotencyKey string, proof AuthProof) (*Outcome, error) {
	return g.submitCharge(ctx, chargeRequest{
		Source: tokenRef,
		Amount: toCents(amount),
		Auth:   proof.Parameters,
	}, idempotencyKey)
}

func (g *HTTPGateway) submitCharge(ctx context.Context, body chargeRequest, idempotencyKey string) (*Outcome, error) {
	var resp chargeResponse
	if err := g.post(ctx, "/charges", idempotencyKey, body, &resp); err != nil {
		return nil, err
	}

	switch resp.Action {
	case "challenge_required":
		return &Outcome{Kind: OutcomeRequiresChallenge, ChargeID: resp.ID}, nil
	case "declined":
		return &Outcome{
			Kind:           OutcomeDeclined,
			ChargeID:       resp.ID,
			DeclineCode:    resp.DeclineCode,
			DeclineMessage: resp.UserMessage,
		}, nil
	case "":
		// success is the one shape with no action code; anything else must
		// never be mistaken for money having moved
		if resp.ID == "" {
			return nil, fmt.Errorf("gateway response missing charge id")
		}
		return &Outcome{Kind: OutcomeSuccess, ChargeID: resp.ID}, nil
	default:
		return nil, fmt.Errorf("gateway returned unknown action code %q", resp.Action)
	}
}

func (g *HTTPGateway) post(ctx context.Context, path, idempotencyKey string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.secretKey)
	if idempotencyKey != "" {
		req.Header.Set("X-Idempotency-Key", idempotencyKey)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("gateway response read failed: %w", err)
	}

	if resp.StatusCode >= 500 {
		return fmt.Errorf("gateway unavailable: status %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusPaymentRequired {
		return fmt.Errorf("gateway rejected request: status %d: %s", resp.StatusCode, raw)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("gateway response decode failed: %w", err)
	}
	return nil
}

func toCents(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).IntPart()
}
