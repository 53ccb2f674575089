package repository

import (
	"context"
	"database/sql"
	"errors"

	"tuitionpay/internal/domain"
)

const paymentMethodColumns = `id, student_id, brand, last4, exp_month, exp_year, gateway_card_id, created_at`

type PaymentMethodRepository struct {
	db *sql.DB
}

func NewPaymentMethodRepository(db *sql.DB) *PaymentMethodRepository {
	return &PaymentMethodRepository{db: db}
}

func (r *PaymentMethodRepository) Get(ctx context.Context, id string) (*domain.PaymentMethod, error) {
	query := `SELECT ` + paymentMethodColumns + ` FROM payment_methods WHERE id = $1`
	return scanPaymentMethod(r.db.QueryRowContext(ctx, query, id))
}

func (r *PaymentMethodRepository) ListByStudent(ctx context.Context, studentID int64) ([]domain.PaymentMethod, error) {
	query := `SELECT ` + paymentMethodColumns + ` FROM payment_methods WHERE student_id = $1 ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query, studentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.PaymentMethod
	for rows.Next() {
		m, err := scanPaymentMethod(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (r *PaymentMethodRepository) Insert(ctx context.Context, m *domain.PaymentMethod) error {
	query := `
		INSERT INTO payment_methods (id, student_id, brand, last4, exp_month, exp_year, gateway_card_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())`
	_, err := r.db.ExecContext(ctx, query,
		m.ID, m.StudentID, m.Brand, m.Last4, m.ExpMonth, m.ExpYear, m.GatewayCardID)
	return err
}

func scanPaymentMethod(row rowScanner) (*domain.PaymentMethod, error) {
	var (
		m      domain.PaymentMethod
		cardID sql.NullString
	)
	err := row.Scan(
		&m.ID,
		&m.StudentID,
		&m.Brand,
		&m.Last4,
		&m.ExpMonth,
		&m.ExpYear,
		&cardID,
		&m.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if cardID.Valid {
		m.GatewayCardID = &cardID.String
	}
	return &m, nil
}
