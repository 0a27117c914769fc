package store

import (
	"context"

	"shop-core/internal/models"
)

// RecordNotification appends one row for an inbound notification. Every
// call is logged regardless of verification outcome; rows are never
// mutated after insert.
func (s *Store) RecordNotification(ctx context.Context, n *models.NotificationRecord) error {
	query := `
		INSERT INTO notifications (provider, external_id, event_type, raw_payload, verified, order_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`

	return s.db.GetContext(ctx, n, query,
		n.Provider, n.ExternalID, n.EventType, n.RawPayload, n.Verified, n.OrderID)
}

// IsNotificationProcessed is the advisory pre-check of the idempotency
// gate. It bounds, but does not eliminate, the race between concurrent
// retries; MarkNotificationProcessed is the authoritative guard.
func (s *Store) IsNotificationProcessed(ctx context.Context, provider, externalID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_notifications WHERE provider = $1 AND external_id = $2)",
		provider, externalID)
	return exists, err
}

// MarkNotificationProcessed claims the (provider, externalID) key. The
// primary key plus ON CONFLICT DO NOTHING makes the losing side of a
// concurrent retry observe claimed == false and stop.
func (s *Store) MarkNotificationProcessed(ctx context.Context, provider, externalID, eventType string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_notifications (provider, external_id, event_type)
		VALUES ($1, $2, $3)
		ON CONFLICT (provider, external_id) DO NOTHING`,
		provider, externalID, eventType)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GetNotificationsByOrder retrieves the audit trail for an order
func (s *Store) GetNotificationsByOrder(ctx context.Context, orderID int64) ([]models.NotificationRecord, error) {
	var records []models.NotificationRecord
	err := s.db.SelectContext(ctx, &records,
		"SELECT * FROM notifications WHERE order_id = $1 ORDER BY id", orderID)
	return records, err
}
