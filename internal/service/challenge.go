package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"tuitionpay/internal/clients"
	"tuitionpay/internal/domain"
	"tuitionpay/internal/gateway"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// ChallengeCompleter is the slice of the charge processor the orchestrator
// drives: resubmission with proof on success, failure marking on timeout or
// abandonment.
type ChallengeCompleter interface {
	ChargeWithChallengeResult(ctx context.Context, attemptID string, proof gateway.AuthProof) (*domain.ChargeAttempt, error)
	FailChallenge(ctx context.Context, attemptID, reason string) error
}

// ChallengeOrchestrator correlates asynchronous step-up authentication
// results back to pending charge attempts. Sessions live in memory with a
// per-session expiry timer; redis mirrors them (nil-safe) so operators can
// inspect in-flight challenges and a restart can be swept.
type ChallengeOrchestrator struct {
	completer ChallengeCompleter
	redis     *clients.RedisClient
	ttl       time.Duration
	log       *logrus.Logger

	mu       sync.Mutex
	sessions map[string]*domain.ChallengeSession // keyed by token ref
	timers   map[string]*time.Timer              // keyed by session id
}

func NewChallengeOrchestrator(redis *clients.RedisClient, ttl time.Duration, log *logrus.Logger) *ChallengeOrchestrator {
	if ttl == 0 {
		ttl = 5 * time.Minute
	}
	return &ChallengeOrchestrator{
		redis:    redis,
		ttl:      ttl,
		log:      log,
		sessions: make(map[string]*domain.ChallengeSession),
		timers:   make(map[string]*time.Timer),
	}
}

// SetCompleter breaks the construction cycle with the charge service.
func (o *ChallengeOrchestrator) SetCompleter(c ChallengeCompleter) {
	o.completer = c
}

// Begin opens a session for a charge the gateway wants authenticated. Calling
// Begin again for the same token while a session is still pending returns the
// existing session instead of racing a second timer.
func (o *ChallengeOrchestrator) Begin(ctx context.Context, tokenRef string, amount decimal.Decimal, email, chargeAttemptID string) (*domain.ChallengeSession, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if existing, ok := o.sessions[tokenRef]; ok && existing.Status == domain.ChallengePending {
		return existing, nil
	}

	now := time.Now()
	session := &domain.ChallengeSession{
		ID:              uuid.NewString(),
		TokenRef:        tokenRef,
		ChargeAttemptID: chargeAttemptID,
		Amount:          amount,
		Email:           email,
		Status:          domain.ChallengePending,
		CreatedAt:       now,
		ExpiresAt:       now.Add(o.ttl),
	}

	o.sessions[tokenRef] = session
	o.timers[session.ID] = time.AfterFunc(o.ttl, func() {
		if err := o.Expire(context.Background(), session.ID); err != nil {
			o.log.WithError(err).WithField("session_id", session.ID).Warn("challenge expiry failed")
		}
	})

	o.mirror(ctx, session)

	o.log.WithFields(logrus.Fields{
		"session_id": session.ID,
		"attempt_id": chargeAttemptID,
		"expires_at": session.ExpiresAt,
	}).Info("challenge session started")

	return session, nil
}

// DeliverResult is the single entry point for an authentication result from
// the out-of-band channel. The channel is untrusted and at-least-once:
// delivery to an already fulfilled session is a no-op, not an error.
func (o *ChallengeOrchestrator) DeliverResult(ctx context.Context, tokenRef string, parameters map[string]string) error {
	o.mu.Lock()
	session, ok := o.sessions[tokenRef]
	if !ok {
		o.mu.Unlock()
		return domain.ErrNotFound
	}

	switch session.Status {
	case domain.ChallengeFulfilled:
		o.mu.Unlock()
		return nil
	case domain.ChallengeExpired:
		o.mu.Unlock()
		return domain.ErrChallengeExpired
	case domain.ChallengeCancelled:
		o.mu.Unlock()
		return domain.ErrChallengeCancelled
	}

	// Single consumption: the status flips under the lock, so a duplicate
	// delivery racing this one lands in the no-op branch above.
	session.Status = domain.ChallengeFulfilled
	o.stopTimer(session.ID)
	o.mu.Unlock()

	o.mirror(ctx, session)

	_, err := o.completer.ChargeWithChallengeResult(ctx, session.ChargeAttemptID, gateway.AuthProof{Parameters: parameters})
	if err != nil {
		o.log.WithError(err).WithField("session_id", session.ID).Warn("challenge completion failed")
		return err
	}

	o.log.WithField("session_id", session.ID).Info("challenge fulfilled")
	return nil
}

// Expire is triggered by the per-session timer, or by the sweep for timers
// lost to a restart. The attempt fails with a timeout reason and the
// installment becomes chargeable again.
func (o *ChallengeOrchestrator) Expire(ctx context.Context, sessionID string) error {
	session, ok := o.terminate(sessionID, domain.ChallengeExpired)
	if !ok {
		return nil
	}

	o.mirror(ctx, session)
	o.log.WithField("session_id", session.ID).Info("challenge session expired")

	return o.completer.FailChallenge(ctx, session.ChargeAttemptID, domain.FailReasonChallengeTimeout)
}

// Cancel is user-initiated abandonment. After fulfillment it is a no-op.
func (o *ChallengeOrchestrator) Cancel(ctx context.Context, sessionID string) error {
	session, ok := o.terminate(sessionID, domain.ChallengeCancelled)
	if !ok {
		return nil
	}

	o.mirror(ctx, session)
	o.log.WithField("session_id", session.ID).Info("challenge session cancelled")

	return o.completer.FailChallenge(ctx, session.ChargeAttemptID, domain.FailReasonChallengeCancelled)
}

// SweepExpired expires every pending session past its deadline. Run from cron
// as a backstop for timers that died with the process. Terminal sessions stay
// one extra TTL window so duplicate deliveries still hit the no-op branch,
// then get dropped to keep the map bounded.
func (o *ChallengeOrchestrator) SweepExpired(ctx context.Context) {
	now := time.Now()

	o.mu.Lock()
	var stale []string
	for ref, s := range o.sessions {
		if s.Status != domain.ChallengePending {
			if now.Sub(s.ExpiresAt) > o.ttl {
				delete(o.sessions, ref)
			}
			continue
		}
		if s.ExpiredAt(now) {
			stale = append(stale, s.ID)
		}
	}
	o.mu.Unlock()

	for _, id := range stale {
		if err := o.Expire(ctx, id); err != nil {
			o.log.WithError(err).WithField("session_id", id).Warn("challenge sweep expiry failed")
		}
	}
}

// terminate flips a pending session to a terminal status. Returns false when
// the session is unknown or already terminal.
func (o *ChallengeOrchestrator) terminate(sessionID string, status domain.ChallengeStatus) (*domain.ChallengeSession, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, s := range o.sessions {
		if s.ID != sessionID {
			continue
		}
		if s.Status != domain.ChallengePending {
			return nil, false
		}
		s.Status = status
		o.stopTimer(s.ID)
		return s, true
	}
	return nil, false
}

// stopTimer must be called with the lock held.
func (o *ChallengeOrchestrator) stopTimer(sessionID string) {
	if t, ok := o.timers[sessionID]; ok {
		t.Stop()
		delete(o.timers, sessionID)
	}
}

func (o *ChallengeOrchestrator) mirror(ctx context.Context, session *domain.ChallengeSession) {
	if o.redis == nil {
		return
	}
	data, err := json.Marshal(session)
	if err != nil {
		return
	}
	if err := o.redis.Set(ctx, "challenges:"+session.ID, string(data), o.ttl); err != nil {
		o.log.WithError(err).WithField("session_id", session.ID).Warn("challenge mirror failed")
	}
}
