package service

import (
	"context"
	"time"

	"tuitionpay/internal/domain"
	"tuitionpay/internal/repository"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// InstallmentStore is the slice of the installment repository the ledger and
// its sibling services need. The guarded update is the concurrency primitive
// everything serializes through.
type InstallmentStore interface {
	Get(ctx context.Context, id string) (*domain.Installment, error)
	ListByEnrollment(ctx context.Context, enrollmentID string) ([]domain.Installment, error)
	UpdateGuarded(ctx context.Context, id string, from domain.InstallmentStatus, version int64, upd repository.InstallmentUpdate) (*domain.Installment, error)
	CacheLateFee(ctx context.Context, id string, fee decimal.Decimal) error
}

const (
	LateFeeFixed   = "fixed"
	LateFeePercent = "percent"
)

// LateFeeConfig describes how the fee accrues once an installment stays
// pending past due date + grace.
type LateFeeConfig struct {
	Mode        string // "fixed" or "percent"
	Amount      decimal.Decimal
	Rate        decimal.Decimal // percent of principal
	GracePeriod time.Duration
}

type LedgerService struct {
	installments InstallmentStore
	fee          LateFeeConfig
	log          *logrus.Logger
}

func NewLedgerService(installments InstallmentStore, fee LateFeeConfig, log *logrus.Logger) *LedgerService {
	return &LedgerService{installments: installments, fee: fee, log: log}
}

func (s *LedgerService) GracePeriod() time.Duration {
	return s.fee.GracePeriod
}

// TotalDue returns principal plus late fee as of the given instant. The fee
// exists only once due date + grace has passed while the installment is still
// pending; once computed it is cached on the row until payment so the amount
// the student saw does not drift.
func (s *LedgerService) TotalDue(ctx context.Context, inst *domain.Installment, asOf time.Time) decimal.Decimal {
	if !inst.Overdue(asOf, s.fee.GracePeriod) {
		return inst.Amount
	}

	fee := inst.LateFee
	if fee.IsZero() {
		fee = s.computeFee(inst.Amount)
		if err := s.installments.CacheLateFee(ctx, inst.ID, fee); err != nil {
			s.log.WithError(err).WithField("installment_id", inst.ID).Warn("late fee cache failed")
		}
	}
	return inst.Amount.Add(fee)
}

func (s *LedgerService) computeFee(principal decimal.Decimal) decimal.Decimal {
	if s.fee.Mode == LateFeePercent {
		return principal.Mul(s.fee.Rate).Div(decimal.NewFromInt(100)).Round(2)
	}
	return s.fee.Amount
}

// ApplyApprovedVoucher settles the installment from an approved voucher:
// paid -> verified, paid_amount set to the declared amount. Invoked inside
// the voucher approval transaction, never on its own.
func (s *LedgerService) ApplyApprovedVoucher(ctx context.Context, inst *domain.Installment, v *domain.Voucher) (*domain.Installment, error) {
	if inst.Status == domain.InstallmentVerified {
		return nil, domain.ErrAlreadyVerified
	}
	if inst.Status != domain.InstallmentPaid {
		return nil, domain.ErrInvalidStateTransition
	}

	paidDate := time.Now()
	if v.DecidedAt != nil {
		paidDate = *v.DecidedAt
	}
	paid := v.DeclaredAmount

	updated, err := s.installments.UpdateGuarded(ctx, inst.ID, domain.InstallmentPaid, inst.Version, repository.InstallmentUpdate{
		Status:     domain.InstallmentVerified,
		PaidAmount: &paid,
		PaidDate:   &paidDate,
	})
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"installment_id": inst.ID,
		"voucher_id":     v.ID,
		"paid_amount":    paid.StringFixed(2),
	}).Info("installment verified from voucher")

	return updated, nil
}

// ApplyConfirmedCharge settles the installment from a confirmed gateway
// charge: pending -> verified directly, the gateway being the authority for
// funds movement.
func (s *LedgerService) ApplyConfirmedCharge(ctx context.Context, inst *domain.Installment, a *domain.ChargeAttempt) (*domain.Installment, error) {
	if inst.Status == domain.InstallmentVerified {
		return nil, domain.ErrAlreadyVerified
	}
	if inst.Status != domain.InstallmentPending {
		return nil, domain.ErrInvalidStateTransition
	}

	paidDate := time.Now()
	paid := a.Amount

	updated, err := s.installments.UpdateGuarded(ctx, inst.ID, domain.InstallmentPending, inst.Version, repository.InstallmentUpdate{
		Status:     domain.InstallmentVerified,
		PaidAmount: &paid,
		PaidDate:   &paidDate,
	})
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"installment_id": inst.ID,
		"attempt_id":     a.ID,
		"paid_amount":    paid.StringFixed(2),
	}).Info("installment verified from charge")

	return updated, nil
}
