package store

import (
	"context"
	"database/sql"
	"fmt"

	"shop-core/internal/models"
)

// CreateOrder creates a new order
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (seq_num, token, user_id, guest_email, status, currency,
			subtotal, tax, shipping, handling, discount, credit_applied, credit_detail,
			total, billing, shipto, payment_method, gateway_ref)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		RETURNING id, created_at, updated_at`

	return s.db.GetContext(ctx, order, query,
		order.SeqNum, order.Token, order.UserID, order.GuestEmail, order.Status,
		order.Currency, order.Subtotal, order.Tax, order.Shipping, order.Handling,
		order.Discount, order.CreditApplied, order.CreditDetail, order.Total,
		order.Billing, order.Shipto, order.PaymentMethod, order.GatewayRef)
}

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("order %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByToken retrieves an order by its anonymous-access token
func (s *Store) GetOrderByToken(ctx context.Context, token string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE token = $1", token)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("order token: %w", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrdersByUserID retrieves orders for a user
func (s *Store) GetOrdersByUserID(ctx context.Context, userID int64) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders,
		"SELECT * FROM orders WHERE user_id = $1 ORDER BY created_at DESC", userID)
	return orders, err
}

// UpdateOrderStatus updates order status; paid_at is stamped the first time
// an order settles.
func (s *Store) UpdateOrderStatus(ctx context.Context, orderID int64, status string) error {
	query := "UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2"
	if models.StatusSettled(status) {
		query = "UPDATE orders SET status = $1, paid_at = COALESCE(paid_at, NOW()), updated_at = NOW() WHERE id = $2"
	}
	_, err := s.db.ExecContext(ctx, query, status, orderID)
	return err
}

// UpdateOrderTotals persists the recomputed money fields
func (s *Store) UpdateOrderTotals(ctx context.Context, order *models.Order) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET subtotal = $1, tax = $2, shipping = $3, handling = $4,
			discount = $5, credit_applied = $6, total = $7, updated_at = NOW()
		WHERE id = $8`,
		order.Subtotal, order.Tax, order.Shipping, order.Handling,
		order.Discount, order.CreditApplied, order.Total, order.ID)
	return err
}

// FinalizeOrder stamps the sequence number, access token, and address
// snapshots at checkout time.
func (s *Store) FinalizeOrder(ctx context.Context, orderID, seqNum int64, token string, billing, shipto models.Address) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET seq_num = $1, token = $2, billing = $3, shipto = $4, updated_at = NOW()
		WHERE id = $5`,
		seqNum, token, billing, shipto, orderID)
	return err
}

// UpdateOrderCredit persists the applied store-credit total and its
// per-code breakdown.
func (s *Store) UpdateOrderCredit(ctx context.Context, orderID, creditApplied int64, detail models.CreditMap) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE orders SET credit_applied = $1, credit_detail = $2, updated_at = NOW()
		WHERE id = $3`,
		creditApplied, detail, orderID)
	return err
}

// UpdateOrderItemSpecial rewrites an item's special fields (e.g. minted
// gift-card codes recorded at fulfillment time).
func (s *Store) UpdateOrderItemSpecial(ctx context.Context, itemID int64, special models.KV) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE order_items SET special = $1 WHERE id = $2", special, itemID)
	return err
}

// SetOrderNeedsReview flags an order for manual review (fulfillment failure)
func (s *Store) SetOrderNeedsReview(ctx context.Context, orderID int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE orders SET needs_review = TRUE, updated_at = NOW() WHERE id = $1", orderID)
	return err
}

// AppendStatusLog appends one row to the order's status/comment log
func (s *Store) AppendStatusLog(ctx context.Context, entry *models.StatusLogEntry) error {
	query := `
		INSERT INTO order_status_log (order_id, old_status, new_status, actor, comment, notify)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`

	return s.db.GetContext(ctx, entry, query,
		entry.OrderID, entry.OldStatus, entry.NewStatus, entry.Actor, entry.Comment, entry.Notify)
}

// GetStatusLog retrieves the status log for an order, oldest first
func (s *Store) GetStatusLog(ctx context.Context, orderID int64) ([]models.StatusLogEntry, error) {
	var entries []models.StatusLogEntry
	err := s.db.SelectContext(ctx, &entries,
		"SELECT * FROM order_status_log WHERE order_id = $1 ORDER BY id", orderID)
	return entries, err
}

// CreateOrderItem creates a new order item
func (s *Store) CreateOrderItem(ctx context.Context, item *models.OrderItem) error {
	query := `
		INSERT INTO order_items (order_id, product_id, kind, name, quantity, unit_price, tax_rate_bp, options, special)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`

	return s.db.GetContext(ctx, &item.ID, query,
		item.OrderID, item.ProductID, item.Kind, item.Name, item.Quantity,
		item.UnitPrice, item.TaxRateBP, item.Options, item.Special)
}

// UpdateOrderItemQuantity changes the quantity of a cart line
func (s *Store) UpdateOrderItemQuantity(ctx context.Context, itemID int64, quantity int) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE order_items SET quantity = $1 WHERE id = $2", quantity, itemID)
	return err
}

// DeleteOrderItem removes a cart line
func (s *Store) DeleteOrderItem(ctx context.Context, itemID int64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM order_items WHERE id = $1", itemID)
	return err
}

// GetOrderItemsByOrderID retrieves all items for an order
func (s *Store) GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := s.db.SelectContext(ctx, &items,
		"SELECT * FROM order_items WHERE order_id = $1 ORDER BY id", orderID)
	return items, err
}
