package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"shop-core/internal/models"
)

// CreateCoupon inserts a new instrument. The unique index on code drives
// the caller's retry-until-unique generation loop via ErrDuplicateCode.
func (s *Store) CreateCoupon(ctx context.Context, coupon *models.Coupon) error {
	query := `
		INSERT INTO coupons (code, buyer_id, email, amount, balance, status, purchased_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`

	err := s.db.GetContext(ctx, &coupon.ID, query,
		coupon.Code, coupon.BuyerID, coupon.Email, coupon.Amount, coupon.Balance,
		coupon.Status, coupon.PurchasedAt, coupon.ExpiresAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("coupon %s: %w", coupon.Code, ErrDuplicateCode)
	}
	return err
}

// GetCouponByCode retrieves an instrument by its code
func (s *Store) GetCouponByCode(ctx context.Context, code string) (*models.Coupon, error) {
	var coupon models.Coupon
	err := s.db.GetContext(ctx, &coupon, "SELECT * FROM coupons WHERE code = $1", code)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("coupon: %w", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &coupon, nil
}

// GetCouponsByBuyer retrieves a buyer's valid, unexpired instruments in
// consumption order: oldest-redeemed first, never-redeemed last, id as the
// deterministic tie-break.
func (s *Store) GetCouponsByBuyer(ctx context.Context, buyerID int64) ([]models.Coupon, error) {
	var coupons []models.Coupon
	err := s.db.SelectContext(ctx, &coupons, `
		SELECT * FROM coupons
		WHERE buyer_id = $1 AND status = $2 AND balance > 0
		  AND (expires_at IS NULL OR expires_at > NOW())
		ORDER BY redeemed_at NULLS LAST, id`,
		buyerID, models.CouponStatusValid)
	return coupons, err
}

// planApplications walks instruments in consumption order, taking
// min(remaining, balance) from each until the requested amount is covered.
// All-or-nothing: if the aggregate balance is short, nothing is consumed.
func planApplications(coupons []models.Coupon, amount int64) (map[string]int64, error) {
	var available int64
	for _, c := range coupons {
		available += c.Balance
	}
	if available < amount {
		return nil, ErrInsufficientBalance
	}

	applied := make(map[string]int64)
	remaining := amount
	for _, c := range coupons {
		if remaining == 0 {
			break
		}
		take := c.Balance
		if take > remaining {
			take = remaining
		}
		applied[c.Code] = take
		remaining -= take
	}
	return applied, nil
}

// ApplyStoreCredit consumes the requested amount from the buyer's
// instruments inside one transaction. The SELECT ... FOR UPDATE serializes
// concurrent checkouts drawing from the same buyer's balance. One ledger
// entry is written per instrument debited, tagged with its code and the
// order, so each instrument's log accounts for every drain.
func (s *Store) ApplyStoreCredit(ctx context.Context, buyerID, amount, orderID int64, actor string) (map[string]int64, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("apply amount must be positive, got %d", amount)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var coupons []models.Coupon
	err = tx.SelectContext(ctx, &coupons, `
		SELECT * FROM coupons
		WHERE buyer_id = $1 AND status = $2 AND balance > 0
		  AND (expires_at IS NULL OR expires_at > NOW())
		ORDER BY redeemed_at NULLS LAST, id
		FOR UPDATE`,
		buyerID, models.CouponStatusValid)
	if err != nil {
		return nil, fmt.Errorf("failed to lock coupons: %w", err)
	}

	applied, err := planApplications(coupons, amount)
	if err != nil {
		return nil, err
	}

	for code, take := range applied {
		res, err := tx.ExecContext(ctx, `
			UPDATE coupons
			SET balance = balance - $1, redeemed_at = COALESCE(redeemed_at, NOW())
			WHERE code = $2 AND balance >= $1`,
			take, code)
		if err != nil {
			return nil, fmt.Errorf("failed to debit coupon: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n != 1 {
			return nil, fmt.Errorf("coupon %s balance changed under lock", code)
		}
	}

	for _, entry := range applicationLogEntries(buyerID, orderID, actor, applied) {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO coupon_log (code, user_id, actor, order_id, amount, reason)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			entry.Code, entry.UserID, entry.Actor, entry.OrderID, entry.Amount, entry.Reason)
		if err != nil {
			return nil, fmt.Errorf("failed to append coupon log: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return applied, nil
}

// applicationLogEntries expands an application plan into one audit row per
// debited instrument.
func applicationLogEntries(buyerID, orderID int64, actor string, applied map[string]int64) []models.CouponLogEntry {
	entries := make([]models.CouponLogEntry, 0, len(applied))
	for code, take := range applied {
		entries = append(entries, models.CouponLogEntry{
			Code:    code,
			UserID:  buyerID,
			Actor:   actor,
			OrderID: sql.NullInt64{Int64: orderID, Valid: orderID != 0},
			Amount:  take,
			Reason:  models.CouponReasonApply,
		})
	}
	return entries
}

// RestoreStoreCredit adds value back to an instrument when an order reverts
// from a payment-pending state. Restoration is capped at amount - balance so
// a balance can never exceed the instrument's original value; the capped
// figure is returned and logged.
func (s *Store) RestoreStoreCredit(ctx context.Context, code string, amount, orderID int64, actor string) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("restore amount must be positive, got %d", amount)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var coupon models.Coupon
	err = tx.GetContext(ctx, &coupon, "SELECT * FROM coupons WHERE code = $1 FOR UPDATE", code)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("coupon: %w", ErrNotFound)
	}
	if err != nil {
		return 0, err
	}

	restored := coupon.Amount - coupon.Balance
	if restored > amount {
		restored = amount
	}
	if restored <= 0 {
		return 0, tx.Commit()
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE coupons SET balance = balance + $1 WHERE code = $2", restored, code)
	if err != nil {
		return 0, fmt.Errorf("failed to restore coupon: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO coupon_log (code, user_id, actor, order_id, amount, reason)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		code, coupon.BuyerID, actor, orderID, restored, models.CouponReasonRestore)
	if err != nil {
		return 0, fmt.Errorf("failed to append coupon log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return restored, nil
}

// VoidCoupon flips a valid instrument to void. Permitted only while
// balance > 0.
func (s *Store) VoidCoupon(ctx context.Context, code, actor string) error {
	return s.flipCouponStatus(ctx, code, actor,
		models.CouponStatusValid, models.CouponStatusVoid, models.CouponReasonVoid)
}

// UnvoidCoupon flips a void instrument back to valid
func (s *Store) UnvoidCoupon(ctx context.Context, code, actor string) error {
	return s.flipCouponStatus(ctx, code, actor,
		models.CouponStatusVoid, models.CouponStatusValid, models.CouponReasonUnvoid)
}

func (s *Store) flipCouponStatus(ctx context.Context, code, actor, from, to, reason string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var coupon models.Coupon
	err = tx.GetContext(ctx, &coupon, "SELECT * FROM coupons WHERE code = $1 FOR UPDATE", code)
	if err == sql.ErrNoRows {
		return fmt.Errorf("coupon: %w", ErrNotFound)
	}
	if err != nil {
		return err
	}

	if coupon.Status != from || coupon.Balance <= 0 {
		return fmt.Errorf("coupon %s status=%s balance=%d: %w",
			code, coupon.Status, coupon.Balance, ErrCouponNotVoidable)
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE coupons SET status = $1 WHERE code = $2", to, code)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO coupon_log (code, user_id, actor, amount, reason)
		VALUES ($1, $2, $3, $4, $5)`,
		code, coupon.BuyerID, actor, coupon.Balance, reason)
	if err != nil {
		return fmt.Errorf("failed to append coupon log: %w", err)
	}

	return tx.Commit()
}

// ActivateCoupon moves a pending instrument to valid. No-op for codes
// already live.
func (s *Store) ActivateCoupon(ctx context.Context, code string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE coupons SET status = $1 WHERE code = $2 AND status = $3",
		models.CouponStatusValid, code, models.CouponStatusPending)
	return err
}

// ExpireCoupons zeroes the balance of every valid instrument past its
// expiry, logging one entry per instrument. Returns the instruments
// touched so callers can emit events.
func (s *Store) ExpireCoupons(ctx context.Context, now time.Time, actor string) ([]models.Coupon, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var expired []models.Coupon
	err = tx.SelectContext(ctx, &expired, `
		SELECT * FROM coupons
		WHERE status = $1 AND balance > 0 AND expires_at IS NOT NULL AND expires_at <= $2
		FOR UPDATE`,
		models.CouponStatusValid, now)
	if err != nil {
		return nil, fmt.Errorf("failed to lock expired coupons: %w", err)
	}

	for _, c := range expired {
		if _, err := tx.ExecContext(ctx,
			"UPDATE coupons SET balance = 0 WHERE id = $1", c.ID); err != nil {
			return nil, fmt.Errorf("failed to expire coupon: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO coupon_log (code, user_id, actor, amount, reason)
			VALUES ($1, $2, $3, $4, $5)`,
			c.Code, c.BuyerID, actor, c.Balance, models.CouponReasonExpire); err != nil {
			return nil, fmt.Errorf("failed to append coupon log: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return expired, nil
}

// AppendCouponLog appends one audit row outside of the transactional paths
// (purchase logging).
func (s *Store) AppendCouponLog(ctx context.Context, entry *models.CouponLogEntry) error {
	query := `
		INSERT INTO coupon_log (code, user_id, actor, order_id, amount, reason)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`

	return s.db.GetContext(ctx, entry, query,
		entry.Code, entry.UserID, entry.Actor, entry.OrderID, entry.Amount, entry.Reason)
}

// GetCouponLog retrieves the audit trail for a code, oldest first
func (s *Store) GetCouponLog(ctx context.Context, code string) ([]models.CouponLogEntry, error) {
	var entries []models.CouponLogEntry
	err := s.db.SelectContext(ctx, &entries,
		"SELECT * FROM coupon_log WHERE code = $1 ORDER BY id", code)
	return entries, err
}
