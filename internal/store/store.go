package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// Sentinel errors returned by store operations. Constraint violations are
// recovered here and converted to these values; callers never see raw
// driver errors for expected conditions.
var (
	ErrNotFound            = errors.New("not found")
	ErrDuplicatePayment    = errors.New("duplicate payment")
	ErrDuplicateCode       = errors.New("duplicate coupon code")
	ErrInsufficientBalance = errors.New("insufficient store-credit balance")
	ErrCouponNotVoidable   = errors.New("coupon not voidable")
)

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation. A failed insert, not a pre-check, is the authoritative
// idempotency guard.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// Purge deletes all transactional data. Destructive and administrative
// only; callers must gate it behind the shop-disabled flag.
func (s *Store) Purge(ctx context.Context) error {
	tables := []string{
		"processed_notifications",
		"notifications",
		"coupon_log",
		"coupons",
		"payments",
		"order_status_log",
		"order_items",
		"orders",
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range tables {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to purge %s: %w", table, err)
		}
	}
	return tx.Commit()
}
