package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/digkill/WellyBot/internal/models"
)

type PaymentRepository struct {
	db *sql.DB
}

func NewPaymentRepository(db *sql.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

const paymentColumns = `id, telegram_id, payment_id, amount, currency, generations, status`

func (r *PaymentRepository) Create(ctx context.Context, payment *models.Payment) error {
	const query = `
INSERT INTO payments (telegram_id, payment_id, amount, currency, generations, status)
VALUES (?, ?, ?, ?, ?, ?)`
	res, err := r.db.ExecContext(ctx, query, payment.TelegramID, payment.PaymentID, payment.Amount, payment.Currency, payment.Generations, payment.Status)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	payment.ID = id
	return nil
}

func (r *PaymentRepository) UpdateStatus(ctx context.Context, paymentID, status string) error {
	const query = `UPDATE payments SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE payment_id = ? AND status <> 'succeeded'`
	if _, err := r.db.ExecContext(ctx, query, status, paymentID); err != nil {
		return fmt.Errorf("update payment status: %w", err)
	}
	return nil
}

// MarkSucceeded transitions a payment to succeeded exactly once. Only the
// caller that gets true may credit the user.
func (r *PaymentRepository) MarkSucceeded(ctx context.Context, paymentID string) (bool, error) {
	const query = `
UPDATE payments SET status = 'succeeded', updated_at = CURRENT_TIMESTAMP
WHERE payment_id = ? AND status <> 'succeeded'`
	res, err := r.db.ExecContext(ctx, query, paymentID)
	if err != nil {
		return false, fmt.Errorf("mark payment succeeded: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("payment rows affected: %w", err)
	}
	return affected > 0, nil
}

func (r *PaymentRepository) FindByPaymentID(ctx context.Context, paymentID string) (*models.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE payment_id = ? LIMIT 1`
	row := r.db.QueryRowContext(ctx, query, paymentID)
	var p models.Payment
	if err := row.Scan(&p.ID, &p.TelegramID, &p.PaymentID, &p.Amount, &p.Currency, &p.Generations, &p.Status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan payment: %w", err)
	}
	return &p, nil
}

// ListPending returns payments that have not reached a final state.
func (r *PaymentRepository) ListPending(ctx context.Context) ([]models.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE status NOT IN ('succeeded', 'canceled') ORDER BY id ASC`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list pending payments: %w", err)
	}
	defer rows.Close()

	var payments []models.Payment
	for rows.Next() {
		var p models.Payment
		if err := rows.Scan(&p.ID, &p.TelegramID, &p.PaymentID, &p.Amount, &p.Currency, &p.Generations, &p.Status); err != nil {
			return nil, fmt.Errorf("scan pending payment: %w", err)
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}
