package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type InstallmentStatus string

const (
	InstallmentPending   InstallmentStatus = "pending"
	InstallmentPaid      InstallmentStatus = "paid"
	InstallmentVerified  InstallmentStatus = "verified"
	InstallmentCancelled InstallmentStatus = "cancelled"
)

// Installment is one scheduled tuition obligation. It is the single shared
// mutable resource of the engine: vouchers, charges and challenge results all
// serialize through its status + version pair.
type Installment struct {
	ID           string
	EnrollmentID string
	Sequence     int
	DueDate      time.Time
	Amount       decimal.Decimal
	LateFee      decimal.Decimal
	Status       InstallmentStatus
	PaidAmount   decimal.Decimal
	PaidDate     *time.Time

	// Version is the optimistic counter every conditional update checks and
	// increments. Within one installment all status changes are totally
	// ordered by it.
	Version int64

	CreatedAt *time.Time
	UpdatedAt *time.Time
}

// Overdue is a read-time derivation, never a stored state: an installment is
// overdue when it is still pending past due date + grace.
func (i *Installment) Overdue(asOf time.Time, grace time.Duration) bool {
	if i.Status != InstallmentPending {
		return false
	}
	return asOf.After(i.DueDate.Add(grace))
}
