package service

import (
	"context"
	"fmt"
	"strconv"

	"shop-core/internal/models"
	"shop-core/internal/util"

	"go.uber.org/zap"
)

// Fulfiller carries the product-kind-specific side effects that run when an
// order is marked paid or refunded. The item's kind discriminator selects
// the implementation.
type Fulfiller interface {
	HandlePurchase(ctx context.Context, order *models.Order, item *models.OrderItem) error
	HandleRefund(ctx context.Context, order *models.Order, item *models.OrderItem) error
	IsPhysical() bool
}

// PluginHook is an externally supplied fulfiller for plugin-kind items,
// registered by product ID.
type PluginHook interface {
	Fulfiller
}

// physicalFulfiller queues shipment work. Carrier integration is outside
// the core, so here it only records intent.
type physicalFulfiller struct {
	logger *zap.Logger
}

func (f *physicalFulfiller) HandlePurchase(ctx context.Context, order *models.Order, item *models.OrderItem) error {
	f.logger.Info("Item queued for shipment",
		zap.Int64("order_id", order.ID),
		zap.Int64("item_id", item.ID),
		zap.Int("quantity", item.Quantity))
	return nil
}

func (f *physicalFulfiller) HandleRefund(ctx context.Context, order *models.Order, item *models.OrderItem) error {
	f.logger.Info("Item flagged for return handling",
		zap.Int64("order_id", order.ID),
		zap.Int64("item_id", item.ID))
	return nil
}

func (f *physicalFulfiller) IsPhysical() bool { return true }

// downloadFulfiller grants and revokes download access.
type downloadFulfiller struct {
	logger *zap.Logger
}

func (f *downloadFulfiller) HandlePurchase(ctx context.Context, order *models.Order, item *models.OrderItem) error {
	f.logger.Info("Download access granted",
		zap.Int64("order_id", order.ID),
		zap.Int64("product_id", item.ProductID))
	return nil
}

func (f *downloadFulfiller) HandleRefund(ctx context.Context, order *models.Order, item *models.OrderItem) error {
	f.logger.Info("Download access revoked",
		zap.Int64("order_id", order.ID),
		zap.Int64("product_id", item.ProductID))
	return nil
}

func (f *downloadFulfiller) IsPhysical() bool { return false }

// couponFulfiller mints one store-credit instrument per quantity unit when
// a gift-card line item is paid, and voids them on refund. Minted codes are
// written back onto the item's special fields so a refund can find them.
type couponFulfiller struct {
	coupons *CouponService
	store   OrderStore
	logger  *zap.Logger
}

func (f *couponFulfiller) HandlePurchase(ctx context.Context, order *models.Order, item *models.OrderItem) error {
	recipient := item.Special["recipient_email"]
	if recipient == "" {
		recipient = order.GuestEmail
	}

	if item.Special == nil {
		item.Special = models.KV{}
	}

	for i := 0; i < item.Quantity; i++ {
		key := "coupon_code_" + strconv.Itoa(i)
		if item.Special[key] != "" {
			continue // already minted on a prior attempt
		}

		code, err := f.coupons.Purchase(ctx, order.UserID, recipient, item.UnitPrice, order.ID)
		if err != nil {
			return fmt.Errorf("failed to mint gift card: %w", err)
		}
		item.Special[key] = code
	}

	if err := f.store.UpdateOrderItemSpecial(ctx, item.ID, item.Special); err != nil {
		return fmt.Errorf("failed to record minted codes: %w", err)
	}
	return nil
}

func (f *couponFulfiller) HandleRefund(ctx context.Context, order *models.Order, item *models.OrderItem) error {
	for i := 0; i < item.Quantity; i++ {
		code := item.Special["coupon_code_"+strconv.Itoa(i)]
		if code == "" {
			continue
		}
		if err := f.coupons.Void(ctx, code, "refund"); err != nil {
			// a fully spent instrument cannot be voided; log and move on
			f.logger.Warn("Could not void gift card on refund",
				zap.String("code", code),
				zap.Int64("order_id", order.ID),
				zap.Error(err))
		}
	}
	return nil
}

func (f *couponFulfiller) IsPhysical() bool { return false }

// pluginFulfiller dispatches to externally registered hooks by product ID.
type pluginFulfiller struct {
	hooks  map[int64]PluginHook
	logger *zap.Logger
}

func (f *pluginFulfiller) HandlePurchase(ctx context.Context, order *models.Order, item *models.OrderItem) error {
	if hook, ok := f.hooks[item.ProductID]; ok {
		return hook.HandlePurchase(ctx, order, item)
	}
	f.logger.Warn("No plugin hook registered for product",
		zap.Int64("product_id", item.ProductID))
	return nil
}

func (f *pluginFulfiller) HandleRefund(ctx context.Context, order *models.Order, item *models.OrderItem) error {
	if hook, ok := f.hooks[item.ProductID]; ok {
		return hook.HandleRefund(ctx, order, item)
	}
	return nil
}

func (f *pluginFulfiller) IsPhysical() bool { return false }

func newFulfillers(coupons *CouponService, store OrderStore, hooks map[int64]PluginHook) map[string]Fulfiller {
	logger := util.GetLogger()
	return map[string]Fulfiller{
		models.ItemKindPhysical: &physicalFulfiller{logger: logger},
		models.ItemKindDownload: &downloadFulfiller{logger: logger},
		models.ItemKindCoupon:   &couponFulfiller{coupons: coupons, store: store, logger: logger},
		models.ItemKindPlugin:   &pluginFulfiller{hooks: hooks, logger: logger},
	}
}
