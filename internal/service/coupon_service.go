package service

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"shop-core/config"
	"shop-core/internal/models"
	"shop-core/internal/store"
	"shop-core/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CouponStore is the persistence surface the coupon ledger needs.
type CouponStore interface {
	CreateCoupon(ctx context.Context, coupon *models.Coupon) error
	GetCouponByCode(ctx context.Context, code string) (*models.Coupon, error)
	GetCouponsByBuyer(ctx context.Context, buyerID int64) ([]models.Coupon, error)
	ApplyStoreCredit(ctx context.Context, buyerID, amount, orderID int64, actor string) (map[string]int64, error)
	RestoreStoreCredit(ctx context.Context, code string, amount, orderID int64, actor string) (int64, error)
	VoidCoupon(ctx context.Context, code, actor string) error
	UnvoidCoupon(ctx context.Context, code, actor string) error
	ActivateCoupon(ctx context.Context, code string) error
	ExpireCoupons(ctx context.Context, now time.Time, actor string) ([]models.Coupon, error)
	AppendCouponLog(ctx context.Context, entry *models.CouponLogEntry) error
	GetCouponLog(ctx context.Context, code string) ([]models.CouponLogEntry, error)
}

// BuyerLocker serializes store-credit application per buyer. Best-effort:
// a failed lock degrades to the database row locks, never blocks the
// request.
type BuyerLocker interface {
	AcquireBuyerLock(ctx context.Context, buyerID int64, ttl time.Duration) (bool, error)
	ReleaseBuyerLock(ctx context.Context, buyerID int64) error
}

// CouponService owns store-credit instruments, their balances, and the
// append-only activity log.
type CouponService struct {
	store  CouponStore
	locker BuyerLocker
	events EventSink
	cfg    config.CouponConfig
	logger *zap.Logger
}

// NewCouponService creates a new coupon service
func NewCouponService(store CouponStore, locker BuyerLocker, events EventSink, cfg config.CouponConfig) *CouponService {
	return &CouponService{
		store:  store,
		locker: locker,
		events: events,
		cfg:    cfg,
		logger: util.GetLogger(),
	}
}

// generateCode renders the configured mask with random characters from the
// configured alphabet. 'X' positions are substituted; everything else is
// literal.
func (cs *CouponService) generateCode() (string, error) {
	var b strings.Builder
	max := big.NewInt(int64(len(cs.cfg.Alphabet)))
	for _, ch := range cs.cfg.Mask {
		if ch != 'X' {
			b.WriteRune(ch)
			continue
		}
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to draw code character: %w", err)
		}
		b.WriteByte(cs.cfg.Alphabet[n.Int64()])
	}
	return b.String(), nil
}

// Purchase mints a new instrument with balance == amount, retrying code
// generation until the code index accepts it.
func (cs *CouponService) Purchase(ctx context.Context, buyerID int64, email string, amount, orderID int64) (string, error) {
	ctx, span := util.StartSpan(ctx, "CouponService.Purchase")
	defer span.End()

	if amount <= 0 {
		return "", fmt.Errorf("coupon amount must be positive, got %d", amount)
	}

	coupon := &models.Coupon{
		BuyerID:     buyerID,
		Email:       email,
		Amount:      amount,
		Balance:     amount,
		Status:      models.CouponStatusValid,
		PurchasedAt: time.Now(),
	}
	if cs.cfg.ExpiryDays > 0 {
		coupon.ExpiresAt = sql.NullTime{
			Time:  time.Now().AddDate(0, 0, cs.cfg.ExpiryDays),
			Valid: true,
		}
	}

	var err error
	for try := 0; try < cs.cfg.MaxCodeTry; try++ {
		coupon.Code, err = cs.generateCode()
		if err != nil {
			return "", err
		}
		err = cs.store.CreateCoupon(ctx, coupon)
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrDuplicateCode) {
			return "", fmt.Errorf("failed to create coupon: %w", err)
		}
	}
	if err != nil {
		return "", fmt.Errorf("could not find a free code in %d tries: %w", cs.cfg.MaxCodeTry, err)
	}

	entry := &models.CouponLogEntry{
		Code:   coupon.Code,
		UserID: buyerID,
		Actor:  "purchase",
		Amount: amount,
		Reason: models.CouponReasonPurchase,
	}
	if orderID != 0 {
		entry.OrderID = sql.NullInt64{Int64: orderID, Valid: true}
	}
	if err := cs.store.AppendCouponLog(ctx, entry); err != nil {
		cs.logger.Error("Failed to log coupon purchase", zap.Error(err))
	}

	cs.logger.Info("Coupon purchased",
		zap.String("code", coupon.Code),
		zap.Int64("buyer_id", buyerID),
		zap.Int64("amount", amount))

	event := &models.CouponPurchasedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeCouponPurchased,
			Timestamp: time.Now(),
		},
		Code:    coupon.Code,
		BuyerID: buyerID,
		Email:   email,
		Amount:  amount,
		OrderID: orderID,
	}
	if err := cs.events.PublishCouponPurchased(ctx, event); err != nil {
		cs.logger.Error("Failed to publish CouponPurchased event", zap.Error(err))
	}

	return coupon.Code, nil
}

// Apply consumes amount from the buyer's aggregate balance. All-or-nothing:
// if the balance is short it returns store.ErrInsufficientBalance and no
// instrument changes. On success the returned map's values sum to amount.
func (cs *CouponService) Apply(ctx context.Context, buyerID, amount, orderID int64, actor string) (map[string]int64, error) {
	ctx, span := util.StartSpan(ctx, "CouponService.Apply")
	defer span.End()

	if cs.locker != nil {
		locked, err := cs.locker.AcquireBuyerLock(ctx, buyerID, 10*time.Second)
		if err != nil {
			cs.logger.Warn("Buyer lock unavailable, relying on row locks",
				zap.Int64("buyer_id", buyerID), zap.Error(err))
		} else if locked {
			defer func() {
				if err := cs.locker.ReleaseBuyerLock(ctx, buyerID); err != nil {
					cs.logger.Warn("Failed to release buyer lock", zap.Error(err))
				}
			}()
		}
	}

	applied, err := cs.store.ApplyStoreCredit(ctx, buyerID, amount, orderID, actor)
	if err != nil {
		if errors.Is(err, store.ErrInsufficientBalance) {
			util.CouponsInsufficientTotal.Inc()
			return nil, err
		}
		return nil, fmt.Errorf("failed to apply store credit: %w", err)
	}

	util.CouponsAppliedTotal.Inc()
	cs.logger.Info("Store credit applied",
		zap.Int64("buyer_id", buyerID),
		zap.Int64("order_id", orderID),
		zap.Int64("amount", amount),
		zap.Int("instruments", len(applied)))

	event := &models.CouponAppliedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeCouponApplied,
			Timestamp: time.Now(),
		},
		BuyerID: buyerID,
		OrderID: orderID,
		Amount:  amount,
	}
	if err := cs.events.PublishCouponApplied(ctx, event); err != nil {
		cs.logger.Error("Failed to publish CouponApplied event", zap.Error(err))
	}

	return applied, nil
}

// Restore adds value back to an instrument when an order reverts. The store
// caps the restoration at amount - balance; an overshoot is logged as a
// warning with the capped figure.
func (cs *CouponService) Restore(ctx context.Context, code string, amount, orderID int64, actor string) error {
	restored, err := cs.store.RestoreStoreCredit(ctx, code, amount, orderID, actor)
	if err != nil {
		return fmt.Errorf("failed to restore store credit: %w", err)
	}
	if restored < amount {
		cs.logger.Warn("Restore capped at instrument headroom",
			zap.String("code", code),
			zap.Int64("requested", amount),
			zap.Int64("restored", restored))
	}
	return nil
}

// IssuePending mints a staff-issued instrument that stays inert until
// activated.
func (cs *CouponService) IssuePending(ctx context.Context, buyerID int64, email string, amount int64) (string, error) {
	if amount <= 0 {
		return "", fmt.Errorf("coupon amount must be positive, got %d", amount)
	}

	coupon := &models.Coupon{
		BuyerID:     buyerID,
		Email:       email,
		Amount:      amount,
		Balance:     amount,
		Status:      models.CouponStatusPending,
		PurchasedAt: time.Now(),
	}
	var err error
	for try := 0; try < cs.cfg.MaxCodeTry; try++ {
		coupon.Code, err = cs.generateCode()
		if err != nil {
			return "", err
		}
		err = cs.store.CreateCoupon(ctx, coupon)
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrDuplicateCode) {
			return "", fmt.Errorf("failed to create coupon: %w", err)
		}
	}
	if err != nil {
		return "", fmt.Errorf("could not find a free code in %d tries: %w", cs.cfg.MaxCodeTry, err)
	}

	cs.logger.Info("Pending coupon issued",
		zap.String("code", coupon.Code),
		zap.Int64("buyer_id", buyerID),
		zap.Int64("amount", amount))
	return coupon.Code, nil
}

// Activate flips a pending instrument to valid and notifies the recipient
func (cs *CouponService) Activate(ctx context.Context, code string) error {
	if err := cs.store.ActivateCoupon(ctx, code); err != nil {
		return fmt.Errorf("failed to activate coupon: %w", err)
	}

	coupon, err := cs.store.GetCouponByCode(ctx, code)
	if err != nil {
		return err
	}
	event := &models.CouponPurchasedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeCouponPurchased,
			Timestamp: time.Now(),
		},
		Code:    coupon.Code,
		BuyerID: coupon.BuyerID,
		Email:   coupon.Email,
		Amount:  coupon.Balance,
	}
	if err := cs.events.PublishCouponPurchased(ctx, event); err != nil {
		cs.logger.Error("Failed to publish CouponPurchased event", zap.Error(err))
	}
	return nil
}

// Void flips a valid instrument to void; permitted only while balance > 0
func (cs *CouponService) Void(ctx context.Context, code, actor string) error {
	return cs.store.VoidCoupon(ctx, code, actor)
}

// Unvoid flips a void instrument back to valid
func (cs *CouponService) Unvoid(ctx context.Context, code, actor string) error {
	return cs.store.UnvoidCoupon(ctx, code, actor)
}

// Expire zeroes balances on instruments past expiry, one logged entry per
// instrument, and emits one event per instrument for recipient notice.
func (cs *CouponService) Expire(ctx context.Context, actor string) (int, error) {
	ctx, span := util.StartSpan(ctx, "CouponService.Expire")
	defer span.End()

	expired, err := cs.store.ExpireCoupons(ctx, time.Now(), actor)
	if err != nil {
		return 0, fmt.Errorf("failed to expire coupons: %w", err)
	}

	for _, c := range expired {
		util.CouponsExpiredTotal.Inc()
		event := &models.CouponExpiredEvent{
			BaseEvent: models.BaseEvent{
				EventID:   uuid.New().String(),
				EventType: models.EventTypeCouponExpired,
				Timestamp: time.Now(),
			},
			Code:    c.Code,
			BuyerID: c.BuyerID,
			Email:   c.Email,
			Amount:  c.Balance,
		}
		if err := cs.events.PublishCouponExpired(ctx, event); err != nil {
			cs.logger.Error("Failed to publish CouponExpired event", zap.Error(err))
		}
	}
	return len(expired), nil
}

// Balance looks up an instrument for the balance-inquiry endpoint. The
// email must match what the instrument was issued to.
func (cs *CouponService) Balance(ctx context.Context, code, email string) (*models.Coupon, error) {
	coupon, err := cs.store.GetCouponByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if coupon.Email != "" && !strings.EqualFold(coupon.Email, email) {
		return nil, fmt.Errorf("coupon: %w", store.ErrNotFound)
	}
	return coupon, nil
}

// History returns the audit trail for a code
func (cs *CouponService) History(ctx context.Context, code string) ([]models.CouponLogEntry, error) {
	return cs.store.GetCouponLog(ctx, code)
}
