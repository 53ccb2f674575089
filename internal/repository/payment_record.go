package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentRecord is one settled payment (approved voucher or confirmed charge)
// as it appears in the cashier's report.
type PaymentRecord struct {
	InstallmentID string
	EnrollmentID  string
	StudentID     int64
	Sequence      int
	DueDate       time.Time
	Amount        decimal.Decimal
	LateFee       decimal.Decimal
	PaidAmount    decimal.Decimal
	PaidDate      *time.Time
	Source        string // "voucher" or "charge"
	Reference     string // voucher id or gateway charge id
}

type PaymentRecordsFilter struct {
	EnrollmentID *string
	StudentID    *int64
	PaidFrom     *time.Time
	PaidTo       *time.Time
}

type PaymentRecordRepository struct {
	db *sql.DB
}

func NewPaymentRecordRepository(db *sql.DB) *PaymentRecordRepository {
	return &PaymentRecordRepository{db: db}
}

// ListVerified returns verified installments joined with the artifact that
// settled them, voucher approvals and confirmed charges unioned together.
func (r *PaymentRecordRepository) ListVerified(ctx context.Context, f PaymentRecordsFilter) ([]PaymentRecord, error) {
	base := `
		SELECT i.id, i.enrollment_id, e.student_id, i.sequence, i.due_date, i.amount, i.late_fee, i.paid_amount, i.paid_date,
		       s.source, s.reference
		FROM installments i
		JOIN enrollments e ON e.id = i.enrollment_id
		JOIN (
			SELECT installment_id, 'voucher' AS source, id AS reference, decided_at AS settled_at
			FROM vouchers WHERE status = 'approved'
			UNION ALL
			SELECT installment_id, 'charge' AS source, COALESCE(gateway_charge_id, id) AS reference, updated_at AS settled_at
			FROM charge_attempts WHERE status = 'confirmed'
		) s ON s.installment_id = i.id
		WHERE i.status = 'verified'`

	where := []string{}
	args := []any{}
	i := 1

	if f.EnrollmentID != nil && *f.EnrollmentID != "" {
		where = append(where, fmt.Sprintf("i.enrollment_id = $%d", i))
		args = append(args, *f.EnrollmentID)
		i++
	}
	if f.StudentID != nil {
		where = append(where, fmt.Sprintf("e.student_id = $%d", i))
		args = append(args, *f.StudentID)
		i++
	}
	if f.PaidFrom != nil {
		where = append(where, fmt.Sprintf("i.paid_date >= $%d", i))
		args = append(args, *f.PaidFrom)
		i++
	}
	if f.PaidTo != nil {
		where = append(where, fmt.Sprintf("i.paid_date <= $%d", i))
		args = append(args, *f.PaidTo)
		i++
	}

	query := base
	if len(where) > 0 {
		query += " AND " + strings.Join(where, " AND ")
	}
	query += " ORDER BY i.paid_date"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PaymentRecord
	for rows.Next() {
		var (
			rec      PaymentRecord
			paidDate sql.NullTime
		)
		if err := rows.Scan(
			&rec.InstallmentID,
			&rec.EnrollmentID,
			&rec.StudentID,
			&rec.Sequence,
			&rec.DueDate,
			&rec.Amount,
			&rec.LateFee,
			&rec.PaidAmount,
			&paidDate,
			&rec.Source,
			&rec.Reference,
		); err != nil {
			return nil, err
		}
		if paidDate.Valid {
			rec.PaidDate = &paidDate.Time
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
