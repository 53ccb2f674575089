package domain

import (
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type ChargeStatus string

const (
	ChargeInitiated         ChargeStatus = "initiated"
	ChargeRequiresChallenge ChargeStatus = "requires_challenge"
	ChargeConfirmed         ChargeStatus = "confirmed"
	ChargeFailed            ChargeStatus = "failed"
	ChargeExpired           ChargeStatus = "expired"
)

// Failure reasons stored on a failed/expired attempt.
const (
	FailReasonDeclined           = "card_declined"
	FailReasonChallengeTimeout   = "challenge_timeout"
	FailReasonChallengeCancelled = "challenge_cancelled"
	FailReasonChallengeRejected  = "challenge_rejected"
)

// ChargeAttempt is one try at charging an installment through the gateway.
type ChargeAttempt struct {
	ID             string
	InstallmentID  string
	StudentID      int64
	Amount         decimal.Decimal
	IdempotencyKey string
	Status         ChargeStatus
	TokenRef       string

	GatewayChargeID *string
	DeclineCode     *string
	FailReason      *string

	CreatedAt *time.Time
	UpdatedAt *time.Time
}

func (a *ChargeAttempt) Terminal() bool {
	switch a.Status {
	case ChargeConfirmed, ChargeFailed, ChargeExpired:
		return true
	}
	return false
}

// IdempotencyKey derives the deterministic key for one logical charge, so a
// retried client request for the same (installment, token, amount) never
// submits a second time to the gateway.
func IdempotencyKey(installmentID, tokenRef string, amount decimal.Decimal) string {
	sum := sha256.Sum256([]byte(installmentID + "|" + tokenRef + "|" + amount.StringFixed(2)))
	return fmt.Sprintf("%x", sum)
}
