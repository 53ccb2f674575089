package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type VoucherStatus string

const (
	VoucherPending  VoucherStatus = "pending"
	VoucherApproved VoucherStatus = "approved"
	VoucherRejected VoucherStatus = "rejected"

	// VoucherReplaced is the terminal state of a pending voucher the student
	// swapped out before review. It never carries a cashier decision.
	VoucherReplaced VoucherStatus = "replaced"
)

// Voucher is a student-submitted proof of an out-of-band payment, reviewed by
// a cashier. At most one voucher per installment may be pending at a time.
type Voucher struct {
	ID             string
	InstallmentID  string
	StudentID      int64
	ArtifactRef    string
	DeclaredAmount decimal.Decimal
	DeclaredMethod string
	DeclaredDate   time.Time
	Status         VoucherStatus

	RejectReason *string
	DecidedBy    *int64
	DecidedAt    *time.Time

	CreatedAt *time.Time
	UpdatedAt *time.Time
}

// Decided reports whether the voucher already received its one allowed
// cashier decision (replaced vouchers were withdrawn, not decided).
func (v *Voucher) Decided() bool {
	return v.Status == VoucherApproved || v.Status == VoucherRejected
}
