package service

import (
	"context"
	"fmt"
	"time"

	"tuitionpay/internal/domain"
	"tuitionpay/internal/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type VoucherStore interface {
	Get(ctx context.Context, id string) (*domain.Voucher, error)
	ListByInstallment(ctx context.Context, installmentID string) ([]domain.Voucher, error)
	InsertPending(ctx context.Context, v *domain.Voucher) error
	Withdraw(ctx context.Context, id string) error
	Replace(ctx context.Context, oldID string, v *domain.Voucher) error
	Decide(ctx context.Context, id string, status domain.VoucherStatus, reason *string, decidedBy int64) (*domain.Voucher, error)
}

// Notifier publishes payment events to the realtime channel after a state
// transition has committed. Delivery is best effort and never part of the
// transaction.
type Notifier interface {
	PaymentVerified(ctx context.Context, studentID int64, installmentID string, amount decimal.Decimal) error
	PaymentRejected(ctx context.Context, studentID int64, installmentID, reason string) error
	ChargeConfirmed(ctx context.Context, studentID int64, installmentID string, amount decimal.Decimal) error
	ChargeFailed(ctx context.Context, studentID int64, installmentID, reason string) error
}

type SubmitVoucherInput struct {
	InstallmentID  string
	StudentID      int64
	ArtifactRef    string
	DeclaredAmount decimal.Decimal
	DeclaredMethod string
	DeclaredDate   time.Time
}

type DecideVoucherInput struct {
	VoucherID string
	Approve   bool
	Reason    string
	CashierID int64
}

type VoucherService struct {
	vouchers     VoucherStore
	installments InstallmentStore
	ledger       *LedgerService
	notifier     Notifier
	log          *logrus.Logger
}

func NewVoucherService(vouchers VoucherStore, installments InstallmentStore, ledger *LedgerService, notifier Notifier, log *logrus.Logger) *VoucherService {
	return &VoucherService{
		vouchers:     vouchers,
		installments: installments,
		ledger:       ledger,
		notifier:     notifier,
		log:          log,
	}
}

// Submit registers a proof-of-payment for a pending installment and moves the
// installment to paid (awaiting review). The insert is the race guard: two
// simultaneous submissions leave exactly one pending voucher.
func (s *VoucherService) Submit(ctx context.Context, in SubmitVoucherInput) (*domain.Voucher, error) {
	if err := validateVoucherInput(in.ArtifactRef, in.DeclaredAmount); err != nil {
		return nil, err
	}

	inst, err := s.installments.Get(ctx, in.InstallmentID)
	if err != nil {
		return nil, err
	}
	switch inst.Status {
	case domain.InstallmentPending:
		// first submission, or resubmission after a rejection
	case domain.InstallmentPaid:
		return nil, domain.ErrDuplicateActiveVoucher
	default:
		return nil, domain.ErrInvalidStateTransition
	}

	v := &domain.Voucher{
		ID:             uuid.NewString(),
		InstallmentID:  in.InstallmentID,
		StudentID:      in.StudentID,
		ArtifactRef:    in.ArtifactRef,
		DeclaredAmount: in.DeclaredAmount,
		DeclaredMethod: in.DeclaredMethod,
		DeclaredDate:   in.DeclaredDate,
		Status:         domain.VoucherPending,
	}

	if err := s.vouchers.InsertPending(ctx, v); err != nil {
		return nil, err
	}

	// The voucher now holds the installment's artifact slot, so the row can
	// only have moved if someone raced us before the insert landed.
	inst, err = s.installments.Get(ctx, in.InstallmentID)
	if err != nil {
		return nil, err
	}
	if _, err := s.installments.UpdateGuarded(ctx, inst.ID, domain.InstallmentPending, inst.Version, repository.InstallmentUpdate{
		Status: domain.InstallmentPaid,
	}); err != nil {
		// The voucher must not keep holding the slot when the installment
		// never left pending.
		if werr := s.vouchers.Withdraw(ctx, v.ID); werr != nil {
			s.log.WithError(werr).WithField("voucher_id", v.ID).Warn("voucher withdrawal after lost race failed")
		}
		return nil, fmt.Errorf("voucher %s created but installment not marked paid: %w", v.ID, err)
	}

	s.log.WithFields(logrus.Fields{
		"voucher_id":     v.ID,
		"installment_id": in.InstallmentID,
		"student_id":     in.StudentID,
	}).Info("voucher submitted")

	return v, nil
}

// Replace swaps a not-yet-reviewed voucher for a new one in a single atomic
// operation. Legal only while the existing voucher is pending.
func (s *VoucherService) Replace(ctx context.Context, voucherID string, in SubmitVoucherInput) (*domain.Voucher, error) {
	if err := validateVoucherInput(in.ArtifactRef, in.DeclaredAmount); err != nil {
		return nil, err
	}

	old, err := s.vouchers.Get(ctx, voucherID)
	if err != nil {
		return nil, err
	}
	if old.Status != domain.VoucherPending {
		return nil, domain.ErrAlreadyDecided
	}

	v := &domain.Voucher{
		ID:             uuid.NewString(),
		InstallmentID:  old.InstallmentID,
		StudentID:      old.StudentID,
		ArtifactRef:    in.ArtifactRef,
		DeclaredAmount: in.DeclaredAmount,
		DeclaredMethod: in.DeclaredMethod,
		DeclaredDate:   in.DeclaredDate,
		Status:         domain.VoucherPending,
	}

	if err := s.vouchers.Replace(ctx, old.ID, v); err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"old_voucher_id": old.ID,
		"voucher_id":     v.ID,
		"installment_id": old.InstallmentID,
	}).Info("voucher replaced")

	return v, nil
}

// Decide records the cashier's verdict, exactly once. Approval settles the
// installment; rejection reverts it to pending so the student can resubmit.
func (s *VoucherService) Decide(ctx context.Context, in DecideVoucherInput) (*domain.Voucher, error) {
	v, err := s.vouchers.Get(ctx, in.VoucherID)
	if err != nil {
		return nil, err
	}
	if v.Status != domain.VoucherPending {
		return nil, domain.ErrAlreadyDecided
	}

	inst, err := s.installments.Get(ctx, v.InstallmentID)
	if err != nil {
		return nil, err
	}

	if in.Approve {
		decided, err := s.vouchers.Decide(ctx, v.ID, domain.VoucherApproved, nil, in.CashierID)
		if err != nil {
			return nil, err
		}
		if _, err := s.ledger.ApplyApprovedVoucher(ctx, inst, decided); err != nil {
			return nil, fmt.Errorf("voucher %s approved but installment not verified: %w", v.ID, err)
		}
		if err := s.notifier.PaymentVerified(ctx, v.StudentID, v.InstallmentID, decided.DeclaredAmount); err != nil {
			s.log.WithError(err).Warn("payment verified notification failed")
		}
		return decided, nil
	}

	if in.Reason == "" {
		return nil, &domain.ValidationError{Field: "reason", Message: "el motivo de rechazo es obligatorio"}
	}

	reason := in.Reason
	decided, err := s.vouchers.Decide(ctx, v.ID, domain.VoucherRejected, &reason, in.CashierID)
	if err != nil {
		return nil, err
	}

	// No valid payment exists after a rejection, so the installment goes back
	// to pending and a new voucher can be uploaded.
	if _, err := s.installments.UpdateGuarded(ctx, inst.ID, domain.InstallmentPaid, inst.Version, repository.InstallmentUpdate{
		Status: domain.InstallmentPending,
	}); err != nil {
		return nil, fmt.Errorf("voucher %s rejected but installment not released: %w", v.ID, err)
	}

	if err := s.notifier.PaymentRejected(ctx, v.StudentID, v.InstallmentID, reason); err != nil {
		s.log.WithError(err).Warn("payment rejected notification failed")
	}

	return decided, nil
}

func validateVoucherInput(artifactRef string, amount decimal.Decimal) error {
	if artifactRef == "" {
		return &domain.ValidationError{Field: "artifact_ref", Message: "el comprobante de pago es obligatorio"}
	}
	if !amount.IsPositive() {
		return &domain.ValidationError{Field: "declared_amount", Message: "el monto declarado debe ser mayor a cero"}
	}
	return nil
}
