package store

import (
	"context"
	"database/sql"
	"fmt"

	"shop-core/internal/models"
)

// CreatePayment inserts a payment row. The unique index on
// (gateway, external_ref) is the system-wide idempotency key; a violation
// is returned as ErrDuplicatePayment, never as a raw driver error.
func (s *Store) CreatePayment(ctx context.Context, payment *models.Payment) error {
	query := `
		INSERT INTO payments (order_id, amount, gateway, external_ref, completed, comment)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`

	err := s.db.GetContext(ctx, payment, query,
		payment.OrderID, payment.Amount, payment.Gateway, payment.ExternalRef,
		payment.Completed, payment.Comment)
	if isUniqueViolation(err) {
		return fmt.Errorf("payment %s/%s: %w", payment.Gateway, payment.ExternalRef, ErrDuplicatePayment)
	}
	return err
}

// GetPaymentByID retrieves a payment by ID
func (s *Store) GetPaymentByID(ctx context.Context, id int64) (*models.Payment, error) {
	var payment models.Payment
	err := s.db.GetContext(ctx, &payment, "SELECT * FROM payments WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("payment %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// GetPaymentsByOrderID retrieves all payments for an order, oldest first
func (s *Store) GetPaymentsByOrderID(ctx context.Context, orderID int64) ([]models.Payment, error) {
	var payments []models.Payment
	err := s.db.SelectContext(ctx, &payments,
		"SELECT * FROM payments WHERE order_id = $1 ORDER BY id", orderID)
	return payments, err
}

// SumPaid returns the total of completed payments applied to an order
func (s *Store) SumPaid(ctx context.Context, orderID int64) (int64, error) {
	var total int64
	err := s.db.GetContext(ctx, &total,
		"SELECT COALESCE(SUM(amount), 0) FROM payments WHERE order_id = $1 AND completed", orderID)
	return total, err
}

// DeletePayment removes a payment row. Administrative only; the caller must
// re-run the order's paid-balance recomputation afterwards.
func (s *Store) DeletePayment(ctx context.Context, paymentID int64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM payments WHERE id = $1", paymentID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("payment %d: %w", paymentID, ErrNotFound)
	}
	return nil
}
