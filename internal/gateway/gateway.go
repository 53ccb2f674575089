package gateway

import (
	"context"

	"github.com/shopspring/decimal"
)

// CardDetails is the raw card input exchanged for a token. It is never
// persisted; only the token and the display fields survive the call.
type CardDetails struct {
	Number   string
	CVV      string
	ExpMonth int
	ExpYear  int
	Email    string
}

// Token is the gateway's reference for a tokenized card. One-time tokens can
// go through step-up authentication; persistent card ids cannot.
type Token struct {
	ID       string
	Brand    string
	Last4    string
	ExpMonth int
	ExpYear  int

	// CardID is set when the gateway also enrolled the card for future
	// charges. Empty for pure one-time tokens.
	CardID string
}

type OutcomeKind string

const (
	OutcomeSuccess           OutcomeKind = "success"
	OutcomeDeclined          OutcomeKind = "declined"
	OutcomeRequiresChallenge OutcomeKind = "requires_challenge"
)

// Outcome is the closed set of results a charge submission can produce.
// Callers branch on Kind instead of poking at gateway payload fields.
type Outcome struct {
	Kind     OutcomeKind
	ChargeID string

	// Decline details, set only for OutcomeDeclined.
	DeclineCode    string
	DeclineMessage string
}

// AuthProof is the step-up authentication evidence delivered through the
// out-of-band channel and resubmitted with the original charge.
type AuthProof struct {
	Parameters map[string]string
}

// Gateway is the contract this engine requires from the payment provider.
// Charge and ChargeWithAuth must honor the idempotency key: resubmitting the
// same key never moves funds twice.
type Gateway interface {
	Tokenize(ctx context.Context, card CardDetails) (*Token, error)
	Charge(ctx context.Context, tokenRef string, amount decimal.Decimal, idempotencyKey string) (*Outcome, error)
	ChargeWithAuth(ctx context.Context, tokenRef string, amount decimal.Decimal, idempotencyKey string, proof AuthProof) (*Outcome, error)
}
