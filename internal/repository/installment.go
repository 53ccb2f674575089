package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"tuitionpay/internal/domain"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

const installmentColumns = `id, enrollment_id, sequence, due_date, amount, late_fee, status, paid_amount, paid_date, version, created_at, updated_at`

type InstallmentRepository struct {
	db *sql.DB
}

func NewInstallmentRepository(db *sql.DB) *InstallmentRepository {
	return &InstallmentRepository{db: db}
}

// InstallmentUpdate carries the fields a guarded transition may set alongside
// the status change. Nil fields keep their current value.
type InstallmentUpdate struct {
	Status     domain.InstallmentStatus
	PaidAmount *decimal.Decimal
	PaidDate   *time.Time
	LateFee    *decimal.Decimal
}

func (r *InstallmentRepository) Get(ctx context.Context, id string) (*domain.Installment, error) {
	query := `SELECT ` + installmentColumns + ` FROM installments WHERE id = $1`
	return scanInstallment(r.db.QueryRowContext(ctx, query, id))
}

func (r *InstallmentRepository) ListByEnrollment(ctx context.Context, enrollmentID string) ([]domain.Installment, error) {
	query := `SELECT ` + installmentColumns + ` FROM installments WHERE enrollment_id = $1 ORDER BY sequence`

	rows, err := r.db.QueryContext(ctx, query, enrollmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Installment
	for rows.Next() {
		inst, err := scanInstallment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inst)
	}
	return out, rows.Err()
}

// UpdateGuarded is the compare-and-swap every mutator goes through: the row is
// updated only if status and version still match what the caller read. Zero
// rows affected means somebody else won the race.
func (r *InstallmentRepository) UpdateGuarded(ctx context.Context, id string, from domain.InstallmentStatus, version int64, upd InstallmentUpdate) (*domain.Installment, error) {
	query := `
		UPDATE installments
		SET status = $1,
		    paid_amount = COALESCE($2, paid_amount),
		    paid_date = COALESCE($3, paid_date),
		    late_fee = COALESCE($4, late_fee),
		    version = version + 1,
		    updated_at = now()
		WHERE id = $5 AND status = $6 AND version = $7
		RETURNING ` + installmentColumns

	inst, err := scanInstallment(r.db.QueryRowContext(ctx, query,
		upd.Status, upd.PaidAmount, upd.PaidDate, upd.LateFee, id, from, version))
	if err == nil {
		return inst, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	// Distinguish "row changed underneath" from "no such installment".
	if _, getErr := r.Get(ctx, id); getErr != nil {
		return nil, getErr
	}
	return nil, domain.ErrVersionConflict
}

// CacheLateFee stores the fee once computed past the grace boundary. The fee
// is a function of time and config, so a lost race here is harmless: the
// winner wrote the same value.
func (r *InstallmentRepository) CacheLateFee(ctx context.Context, id string, fee decimal.Decimal) error {
	query := `UPDATE installments SET late_fee = $1, updated_at = now() WHERE id = $2 AND status = 'pending'`
	_, err := r.db.ExecContext(ctx, query, fee, id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

// lockInstallment takes the row lock every artifact-slot writer serializes
// on. Without it two concurrent check-and-insert statements each snapshot the
// artifact tables before the other commits and both claims land.
func lockInstallment(ctx context.Context, tx *sql.Tx, id string) error {
	var found string
	err := tx.QueryRowContext(ctx, `SELECT id FROM installments WHERE id = $1 FOR UPDATE`, id).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func scanInstallment(row rowScanner) (*domain.Installment, error) {
	var (
		inst     domain.Installment
		paidDate sql.NullTime
	)
	err := row.Scan(
		&inst.ID,
		&inst.EnrollmentID,
		&inst.Sequence,
		&inst.DueDate,
		&inst.Amount,
		&inst.LateFee,
		&inst.Status,
		&inst.PaidAmount,
		&paidDate,
		&inst.Version,
		&inst.CreatedAt,
		&inst.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if paidDate.Valid {
		inst.PaidDate = &paidDate.Time
	}
	return &inst, nil
}
