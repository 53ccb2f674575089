package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type ChallengeStatus string

const (
	ChallengePending   ChallengeStatus = "pending"
	ChallengeFulfilled ChallengeStatus = "fulfilled"
	ChallengeExpired   ChallengeStatus = "expired"
	ChallengeCancelled ChallengeStatus = "cancelled"
)

// ChallengeSession is the ephemeral state of one in-flight step-up
// authentication. Exactly one authentication result may ever be consumed;
// duplicate deliveries from the out-of-band channel are expected and ignored.
type ChallengeSession struct {
	ID              string
	TokenRef        string
	ChargeAttemptID string
	Amount          decimal.Decimal
	Email           string

	Status    ChallengeStatus
	CreatedAt time.Time
	ExpiresAt time.Time
}

func (s *ChallengeSession) ExpiredAt(asOf time.Time) bool {
	return s.Status == ChallengePending && asOf.After(s.ExpiresAt)
}
