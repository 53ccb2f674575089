package repository

import (
	"context"
	"database/sql"
	"errors"

	"tuitionpay/internal/domain"
)

const chargeColumns = `id, installment_id, student_id, amount, idempotency_key, status, token_ref, gateway_charge_id, decline_code, fail_reason, created_at, updated_at`

type ChargeRepository struct {
	db *sql.DB
}

func NewChargeRepository(db *sql.DB) *ChargeRepository {
	return &ChargeRepository{db: db}
}

func (r *ChargeRepository) Get(ctx context.Context, id string) (*domain.ChargeAttempt, error) {
	query := `SELECT ` + chargeColumns + ` FROM charge_attempts WHERE id = $1`
	return scanCharge(r.db.QueryRowContext(ctx, query, id))
}

// FindByKey returns the latest attempt carrying the idempotency key. The
// charge processor uses it to replay confirmed attempts without a second
// gateway submission.
func (r *ChargeRepository) FindByKey(ctx context.Context, key string) (*domain.ChargeAttempt, error) {
	query := `SELECT ` + chargeColumns + ` FROM charge_attempts WHERE idempotency_key = $1 ORDER BY created_at DESC LIMIT 1`
	return scanCharge(r.db.QueryRowContext(ctx, query, key))
}

// InsertActive creates the attempt only if the installment has no other
// artifact awaiting a decision, neither another live attempt nor a pending
// voucher. The installment row lock serializes this against concurrent
// voucher submissions, so the loser's existence check sees the winner's
// committed row; money never moves while a voucher awaits review.
func (r *ChargeRepository) InsertActive(ctx context.Context, a *domain.ChargeAttempt) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := lockInstallment(ctx, tx, a.InstallmentID); err != nil {
		return err
	}

	query := `
		INSERT INTO charge_attempts (id, installment_id, student_id, amount, idempotency_key, status, token_ref, created_at, updated_at)
		SELECT $1, $2, $3, $4, $5, 'initiated', $6, now(), now()
		WHERE NOT EXISTS (
			SELECT 1 FROM charge_attempts WHERE installment_id = $2 AND status IN ('initiated', 'requires_challenge')
		)
		AND NOT EXISTS (
			SELECT 1 FROM vouchers WHERE installment_id = $2 AND status = 'pending'
		)`

	res, err := tx.ExecContext(ctx, query,
		a.ID, a.InstallmentID, a.StudentID, a.Amount, a.IdempotencyKey, a.TokenRef)
	if err != nil {
		// ux_charge_attempts_live backstop
		if isUniqueViolation(err) {
			return domain.ErrChargeInFlight
		}
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrChargeInFlight
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	a.Status = domain.ChargeInitiated
	return nil
}

// ChargeUpdate carries the optional fields a status transition records.
type ChargeUpdate struct {
	Status          domain.ChargeStatus
	GatewayChargeID *string
	DeclineCode     *string
	FailReason      *string
}

// Transition moves the attempt from one status to another, failing with
// InvalidStateTransition if the attempt is no longer where the caller
// left it.
func (r *ChargeRepository) Transition(ctx context.Context, id string, from domain.ChargeStatus, upd ChargeUpdate) (*domain.ChargeAttempt, error) {
	query := `
		UPDATE charge_attempts
		SET status = $2,
		    gateway_charge_id = COALESCE($3, gateway_charge_id),
		    decline_code = COALESCE($4, decline_code),
		    fail_reason = COALESCE($5, fail_reason),
		    updated_at = now()
		WHERE id = $1 AND status = $6
		RETURNING ` + chargeColumns

	a, err := scanCharge(r.db.QueryRowContext(ctx, query,
		id, upd.Status, upd.GatewayChargeID, upd.DeclineCode, upd.FailReason, from))
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	if _, getErr := r.Get(ctx, id); getErr != nil {
		return nil, getErr
	}
	return nil, domain.ErrInvalidStateTransition
}

func scanCharge(row rowScanner) (*domain.ChargeAttempt, error) {
	var (
		a         domain.ChargeAttempt
		gatewayID sql.NullString
		decline   sql.NullString
		reason    sql.NullString
	)
	err := row.Scan(
		&a.ID,
		&a.InstallmentID,
		&a.StudentID,
		&a.Amount,
		&a.IdempotencyKey,
		&a.Status,
		&a.TokenRef,
		&gatewayID,
		&decline,
		&reason,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if gatewayID.Valid {
		a.GatewayChargeID = &gatewayID.String
	}
	if decline.Valid {
		a.DeclineCode = &decline.String
	}
	if reason.Valid {
		a.FailReason = &reason.String
	}
	return &a, nil
}
