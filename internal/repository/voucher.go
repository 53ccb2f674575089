package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"tuitionpay/internal/domain"
)

const voucherColumns = `id, installment_id, student_id, artifact_ref, declared_amount, declared_method, declared_date, status, reject_reason, decided_by, decided_at, created_at, updated_at`

type VoucherRepository struct {
	db *sql.DB
}

func NewVoucherRepository(db *sql.DB) *VoucherRepository {
	return &VoucherRepository{db: db}
}

func (r *VoucherRepository) Get(ctx context.Context, id string) (*domain.Voucher, error) {
	query := `SELECT ` + voucherColumns + ` FROM vouchers WHERE id = $1`
	return scanVoucher(r.db.QueryRowContext(ctx, query, id))
}

func (r *VoucherRepository) ListByInstallment(ctx context.Context, installmentID string) ([]domain.Voucher, error) {
	query := `SELECT ` + voucherColumns + ` FROM vouchers WHERE installment_id = $1 ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, query, installmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Voucher
	for rows.Next() {
		v, err := scanVoucher(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

// InsertPending creates the voucher only if no other artifact for the same
// installment is still awaiting a decision. The installment row is locked
// first, so concurrent claimants (voucher or charge) serialize on it and the
// loser's existence check sees the winner's committed row. A NOT EXISTS
// check alone is not enough: under READ COMMITTED two inserts each snapshot
// the tables before the other commits and both pass.
func (r *VoucherRepository) InsertPending(ctx context.Context, v *domain.Voucher) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := lockInstallment(ctx, tx, v.InstallmentID); err != nil {
		return err
	}

	query := `
		INSERT INTO vouchers (id, installment_id, student_id, artifact_ref, declared_amount, declared_method, declared_date, status, created_at, updated_at)
		SELECT $1, $2, $3, $4, $5, $6, $7, 'pending', now(), now()
		WHERE NOT EXISTS (
			SELECT 1 FROM vouchers WHERE installment_id = $2 AND status = 'pending'
		)
		AND NOT EXISTS (
			SELECT 1 FROM charge_attempts WHERE installment_id = $2 AND status IN ('initiated', 'requires_challenge')
		)`

	res, err := tx.ExecContext(ctx, query,
		v.ID, v.InstallmentID, v.StudentID, v.ArtifactRef,
		v.DeclaredAmount, v.DeclaredMethod, v.DeclaredDate)
	if err != nil {
		// ux_vouchers_pending backstop, in case a writer skipped the lock
		if isUniqueViolation(err) {
			return domain.ErrDuplicateActiveVoucher
		}
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrDuplicateActiveVoucher
	}
	return tx.Commit()
}

// Withdraw retires a pending voucher that never got its installment marked
// paid. Compensation for a lost CAS on the installment, not a user-facing
// operation.
func (r *VoucherRepository) Withdraw(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE vouchers SET status = 'replaced', updated_at = now() WHERE id = $1 AND status = 'pending'`,
		id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Replace withdraws the old pending voucher and inserts the new one in a
// single transaction, so there is never a moment with two pending vouchers
// nor one with none that another submission could slip into. Takes the same
// installment lock as the insert paths to keep writer ordering uniform.
func (r *VoucherRepository) Replace(ctx context.Context, oldID string, v *domain.Voucher) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := lockInstallment(ctx, tx, v.InstallmentID); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE vouchers SET status = 'replaced', updated_at = now() WHERE id = $1 AND status = 'pending'`,
		oldID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrAlreadyDecided
	}

	query := `
		INSERT INTO vouchers (id, installment_id, student_id, artifact_ref, declared_amount, declared_method, declared_date, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', now(), now())`
	if _, err := tx.ExecContext(ctx, query,
		v.ID, v.InstallmentID, v.StudentID, v.ArtifactRef,
		v.DeclaredAmount, v.DeclaredMethod, v.DeclaredDate); err != nil {
		return err
	}

	return tx.Commit()
}

// Decide records the one allowed cashier decision. The conditional update is
// the AlreadyDecided guard: a second decision finds no pending row.
func (r *VoucherRepository) Decide(ctx context.Context, id string, status domain.VoucherStatus, reason *string, decidedBy int64) (*domain.Voucher, error) {
	if status != domain.VoucherApproved && status != domain.VoucherRejected {
		return nil, fmt.Errorf("decide: unexpected target status %q", status)
	}

	query := `
		UPDATE vouchers
		SET status = $2, reject_reason = $3, decided_by = $4, decided_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + voucherColumns

	v, err := scanVoucher(r.db.QueryRowContext(ctx, query, id, status, reason, decidedBy))
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	if _, getErr := r.Get(ctx, id); getErr != nil {
		return nil, getErr
	}
	return nil, domain.ErrAlreadyDecided
}

func scanVoucher(row rowScanner) (*domain.Voucher, error) {
	var (
		v         domain.Voucher
		reason    sql.NullString
		decidedBy sql.NullInt64
		decidedAt sql.NullTime
	)
	err := row.Scan(
		&v.ID,
		&v.InstallmentID,
		&v.StudentID,
		&v.ArtifactRef,
		&v.DeclaredAmount,
		&v.DeclaredMethod,
		&v.DeclaredDate,
		&v.Status,
		&reason,
		&decidedBy,
		&decidedAt,
		&v.CreatedAt,
		&v.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if reason.Valid {
		v.RejectReason = &reason.String
	}
	if decidedBy.Valid {
		v.DecidedBy = &decidedBy.Int64
	}
	if decidedAt.Valid {
		v.DecidedAt = &decidedAt.Time
	}
	return &v, nil
}
