package service

import (
	"context"
	"fmt"
	"time"

	"tuitionpay/internal/domain"
	"tuitionpay/internal/gateway"
	"tuitionpay/internal/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type ChargeStore interface {
	Get(ctx context.Context, id string) (*domain.ChargeAttempt, error)
	FindByKey(ctx context.Context, key string) (*domain.ChargeAttempt, error)
	InsertActive(ctx context.Context, a *domain.ChargeAttempt) error
	Transition(ctx context.Context, id string, from domain.ChargeStatus, upd repository.ChargeUpdate) (*domain.ChargeAttempt, error)
}

type PaymentMethodStore interface {
	Get(ctx context.Context, id string) (*domain.PaymentMethod, error)
	ListByStudent(ctx context.Context, studentID int64) ([]domain.PaymentMethod, error)
	Insert(ctx context.Context, m *domain.PaymentMethod) error
}

// ChallengeStarter opens a step-up authentication session for an attempt the
// gateway refused to authorize outright.
type ChallengeStarter interface {
	Begin(ctx context.Context, tokenRef string, amount decimal.Decimal, email, chargeAttemptID string) (*domain.ChallengeSession, error)
}

const failReasonGatewayError = "gateway_error"

type ChargeInput struct {
	InstallmentID string
	StudentID     int64
	TokenRef      string
	Amount        decimal.Decimal
	Email         string
}

// ChargeResult is what the caller gets back: the attempt, and the challenge
// session handle when the gateway demanded step-up authentication.
type ChargeResult struct {
	Attempt   *domain.ChargeAttempt
	Challenge *domain.ChallengeSession
}

type ChargeService struct {
	charges      ChargeStore
	methods      PaymentMethodStore
	installments InstallmentStore
	ledger       *LedgerService
	gw           gateway.Gateway
	challenges   ChallengeStarter
	notifier     Notifier
	log          *logrus.Logger
}

func NewChargeService(
	charges ChargeStore,
	methods PaymentMethodStore,
	installments InstallmentStore,
	ledger *LedgerService,
	gw gateway.Gateway,
	notifier Notifier,
	log *logrus.Logger,
) *ChargeService {
	return &ChargeService{
		charges:      charges,
		methods:      methods,
		installments: installments,
		ledger:       ledger,
		gw:           gw,
		notifier:     notifier,
		log:          log,
	}
}

// SetChallengeStarter breaks the construction cycle between the charge
// service and the challenge orchestrator, which each call the other.
func (s *ChargeService) SetChallengeStarter(c ChallengeStarter) {
	s.challenges = c
}

// nowFunc is swapped in tests to pin the clock.
var nowFunc = time.Now

// TokenizeAndCharge runs one logical charge for an installment using a fresh
// one-time token. The idempotency key is deterministic over (installment,
// token, amount): a retried request replays the confirmed attempt without a
// second gateway submission.
func (s *ChargeService) TokenizeAndCharge(ctx context.Context, in ChargeInput) (*ChargeResult, error) {
	if in.TokenRef == "" {
		return nil, &domain.ValidationError{Field: "token", Message: "el token de tarjeta es obligatorio"}
	}
	return s.charge(ctx, in, false)
}

// ChargeSavedCard charges a stored payment method by its persistent gateway
// id. If the gateway demands step-up authentication the attempt cannot be
// completed with the stored id alone: the payer must re-enter card details
// and go through TokenizeAndCharge with a fresh token.
func (s *ChargeService) ChargeSavedCard(ctx context.Context, methodID string, in ChargeInput) (*ChargeResult, error) {
	m, err := s.methods.Get(ctx, methodID)
	if err != nil {
		return nil, err
	}
	if !m.Chargeable() {
		return nil, domain.ErrMethodNotChargeable
	}

	in.TokenRef = *m.GatewayCardID
	return s.charge(ctx, in, true)
}

// SaveCard tokenizes raw card details and stores the result as a payment
// method. The method is chargeable later only if the gateway also enrolled
// the card and returned a persistent id.
func (s *ChargeService) SaveCard(ctx context.Context, studentID int64, card gateway.CardDetails) (*domain.PaymentMethod, error) {
	tok, err := s.gw.Tokenize(ctx, card)
	if err != nil {
		return nil, fmt.Errorf("tokenize failed: %w", err)
	}

	m := &domain.PaymentMethod{
		ID:        uuid.NewString(),
		StudentID: studentID,
		Brand:     tok.Brand,
		Last4:     tok.Last4,
		ExpMonth:  tok.ExpMonth,
		ExpYear:   tok.ExpYear,
	}
	if tok.CardID != "" {
		cardID := tok.CardID
		m.GatewayCardID = &cardID
	}

	if err := s.methods.Insert(ctx, m); err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"method_id":  m.ID,
		"student_id": studentID,
		"chargeable": m.Chargeable(),
	}).Info("payment method saved")

	return m, nil
}

func (s *ChargeService) ListMethods(ctx context.Context, studentID int64) ([]domain.PaymentMethod, error) {
	return s.methods.ListByStudent(ctx, studentID)
}

func (s *ChargeService) charge(ctx context.Context, in ChargeInput, savedCard bool) (*ChargeResult, error) {
	if !in.Amount.IsPositive() {
		return nil, &domain.ValidationError{Field: "amount", Message: "el monto debe ser mayor a cero"}
	}

	key := domain.IdempotencyKey(in.InstallmentID, in.TokenRef, in.Amount)

	if prev, err := s.charges.FindByKey(ctx, key); err == nil {
		if prev.Status == domain.ChargeConfirmed || !prev.Terminal() {
			// Idempotent replay: same logical charge, return what we have.
			return &ChargeResult{Attempt: prev}, nil
		}
	}

	inst, err := s.installments.Get(ctx, in.InstallmentID)
	if err != nil {
		return nil, err
	}
	if inst.Status != domain.InstallmentPending {
		return nil, domain.ErrInvalidStateTransition
	}

	due := s.ledger.TotalDue(ctx, inst, nowFunc())
	if !in.Amount.Equal(due) {
		return nil, &domain.ValidationError{
			Field:   "amount",
			Message: fmt.Sprintf("el monto %s no coincide con el total adeudado %s", in.Amount.StringFixed(2), due.StringFixed(2)),
		}
	}

	attempt := &domain.ChargeAttempt{
		ID:             uuid.NewString(),
		InstallmentID:  in.InstallmentID,
		StudentID:      in.StudentID,
		Amount:         in.Amount,
		IdempotencyKey: key,
		Status:         domain.ChargeInitiated,
		TokenRef:       in.TokenRef,
	}
	if err := s.charges.InsertActive(ctx, attempt); err != nil {
		return nil, err
	}

	outcome, err := s.gw.Charge(ctx, in.TokenRef, in.Amount, key)
	if err != nil {
		// Network-level failure: the attempt is released so the caller can
		// retry with the same idempotency key, which the gateway dedups.
		reason := failReasonGatewayError
		if _, ferr := s.charges.Transition(ctx, attempt.ID, domain.ChargeInitiated, repository.ChargeUpdate{
			Status:     domain.ChargeFailed,
			FailReason: &reason,
		}); ferr != nil {
			s.log.WithError(ferr).WithField("attempt_id", attempt.ID).Error("failed to release attempt after gateway error")
		}
		return nil, fmt.Errorf("gateway charge failed: %w", err)
	}

	return s.settleOutcome(ctx, attempt, outcome, in.Email, savedCard)
}

// ChargeWithChallengeResult resubmits the original charge together with the
// authentication proof, under the same idempotency key. Invoked by the
// challenge orchestrator on first delivery of a result.
func (s *ChargeService) ChargeWithChallengeResult(ctx context.Context, attemptID string, proof gateway.AuthProof) (*domain.ChargeAttempt, error) {
	attempt, err := s.charges.Get(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if attempt.Status != domain.ChargeRequiresChallenge {
		return nil, domain.ErrInvalidStateTransition
	}

	outcome, err := s.gw.ChargeWithAuth(ctx, attempt.TokenRef, attempt.Amount, attempt.IdempotencyKey, proof)
	if err != nil {
		reason := failReasonGatewayError
		if _, ferr := s.charges.Transition(ctx, attempt.ID, domain.ChargeRequiresChallenge, repository.ChargeUpdate{
			Status:     domain.ChargeFailed,
			FailReason: &reason,
		}); ferr != nil {
			s.log.WithError(ferr).WithField("attempt_id", attempt.ID).Error("failed to release attempt after gateway error")
		}
		return nil, fmt.Errorf("gateway charge with auth failed: %w", err)
	}

	switch outcome.Kind {
	case gateway.OutcomeSuccess:
		confirmed, err := s.confirm(ctx, attempt, domain.ChargeRequiresChallenge, outcome)
		if err != nil {
			return nil, err
		}
		return confirmed, nil
	default:
		// Declined after authentication, or anything unexpected: terminal for
		// this attempt, installment becomes chargeable again.
		reason := domain.FailReasonChallengeRejected
		code := outcome.DeclineCode
		failed, ferr := s.charges.Transition(ctx, attempt.ID, domain.ChargeRequiresChallenge, repository.ChargeUpdate{
			Status:      domain.ChargeFailed,
			DeclineCode: &code,
			FailReason:  &reason,
		})
		if ferr != nil {
			return nil, ferr
		}
		if err := s.notifier.ChargeFailed(ctx, attempt.StudentID, attempt.InstallmentID, reason); err != nil {
			s.log.WithError(err).Warn("charge failed notification failed")
		}
		return failed, &domain.CardDeclinedError{Code: outcome.DeclineCode, Message: outcome.DeclineMessage}
	}
}

// FailChallenge marks an attempt whose challenge expired or was abandoned.
// The installment's artifact slot frees up for a new attempt.
func (s *ChargeService) FailChallenge(ctx context.Context, attemptID, reason string) error {
	attempt, err := s.charges.Transition(ctx, attemptID, domain.ChargeRequiresChallenge, repository.ChargeUpdate{
		Status:     domain.ChargeFailed,
		FailReason: &reason,
	})
	if err != nil {
		return err
	}
	if err := s.notifier.ChargeFailed(ctx, attempt.StudentID, attempt.InstallmentID, reason); err != nil {
		s.log.WithError(err).Warn("charge failed notification failed")
	}
	return nil
}

func (s *ChargeService) settleOutcome(ctx context.Context, attempt *domain.ChargeAttempt, outcome *gateway.Outcome, email string, savedCard bool) (*ChargeResult, error) {
	switch outcome.Kind {
	case gateway.OutcomeSuccess:
		confirmed, err := s.confirm(ctx, attempt, domain.ChargeInitiated, outcome)
		if err != nil {
			return nil, err
		}
		return &ChargeResult{Attempt: confirmed}, nil

	case gateway.OutcomeDeclined:
		code := outcome.DeclineCode
		reason := domain.FailReasonDeclined
		if _, err := s.charges.Transition(ctx, attempt.ID, domain.ChargeInitiated, repository.ChargeUpdate{
			Status:      domain.ChargeFailed,
			DeclineCode: &code,
			FailReason:  &reason,
		}); err != nil {
			return nil, err
		}
		if err := s.notifier.ChargeFailed(ctx, attempt.StudentID, attempt.InstallmentID, reason); err != nil {
			s.log.WithError(err).Warn("charge failed notification failed")
		}
		return nil, &domain.CardDeclinedError{Code: outcome.DeclineCode, Message: outcome.DeclineMessage}

	case gateway.OutcomeRequiresChallenge:
		if savedCard {
			// Hard gateway constraint: a persistent card id cannot go through
			// step-up authentication. Fail the attempt and tell the payer to
			// re-enter card details.
			reason := domain.FailReasonChallengeRejected
			if _, err := s.charges.Transition(ctx, attempt.ID, domain.ChargeInitiated, repository.ChargeUpdate{
				Status:     domain.ChargeFailed,
				FailReason: &reason,
			}); err != nil {
				return nil, err
			}
			return nil, domain.ErrSavedCardNeedsToken
		}

		pending, err := s.charges.Transition(ctx, attempt.ID, domain.ChargeInitiated, repository.ChargeUpdate{
			Status: domain.ChargeRequiresChallenge,
		})
		if err != nil {
			return nil, err
		}
		session, err := s.challenges.Begin(ctx, attempt.TokenRef, attempt.Amount, email, attempt.ID)
		if err != nil {
			return nil, fmt.Errorf("challenge session start failed: %w", err)
		}
		return &ChargeResult{Attempt: pending, Challenge: session}, nil

	default:
		return nil, fmt.Errorf("unexpected gateway outcome %q", outcome.Kind)
	}
}

func (s *ChargeService) confirm(ctx context.Context, attempt *domain.ChargeAttempt, from domain.ChargeStatus, outcome *gateway.Outcome) (*domain.ChargeAttempt, error) {
	gwID := outcome.ChargeID
	confirmed, err := s.charges.Transition(ctx, attempt.ID, from, repository.ChargeUpdate{
		Status:          domain.ChargeConfirmed,
		GatewayChargeID: &gwID,
	})
	if err != nil {
		return nil, err
	}

	inst, err := s.installments.Get(ctx, attempt.InstallmentID)
	if err != nil {
		return nil, err
	}
	if _, err := s.ledger.ApplyConfirmedCharge(ctx, inst, confirmed); err != nil {
		return nil, fmt.Errorf("charge %s confirmed but installment not verified: %w", attempt.ID, err)
	}

	if err := s.notifier.ChargeConfirmed(ctx, attempt.StudentID, attempt.InstallmentID, attempt.Amount); err != nil {
		s.log.WithError(err).Warn("charge confirmed notification failed")
	}
	return confirmed, nil
}
