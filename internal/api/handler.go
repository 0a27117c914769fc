package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"shop-core/config"
	"shop-core/internal/gateway"
	"shop-core/internal/models"
	"shop-core/internal/service"
	"shop-core/internal/store"
	"shop-core/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler contains HTTP handlers
type Handler struct {
	orderService   *service.OrderService
	paymentService *service.PaymentService
	couponService  *service.CouponService
	processor      *gateway.Processor
	db             *store.Store
	cfg            *config.Config
}

// NewHandler creates a new HTTP handler
func NewHandler(
	orderService *service.OrderService,
	paymentService *service.PaymentService,
	couponService *service.CouponService,
	processor *gateway.Processor,
	db *store.Store,
	cfg *config.Config,
) *Handler {
	return &Handler{
		orderService:   orderService,
		paymentService: paymentService,
		couponService:  couponService,
		processor:      processor,
		db:             db,
		cfg:            cfg,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Gateways post here with their own content types; the raw body is
	// handed to the provider adapter untouched.
	router.POST("/webhooks/:provider", h.handleWebhook)

	v1 := router.Group("/api/v1")
	{
		v1.POST("/orders", h.createCart)
		v1.GET("/orders/:id", h.getOrder)
		v1.GET("/orders/:id/log", h.getStatusLog)
		v1.GET("/orders/:id/payments", h.listPayments)
		v1.GET("/orders/:id/balance", h.getBalanceDue)
		v1.POST("/orders/:id/items", h.addItem)
		v1.PATCH("/orders/:id/items/:itemID", h.updateItem)
		v1.DELETE("/orders/:id/items/:itemID", h.removeItem)
		v1.POST("/orders/:id/checkout", h.checkout)
		v1.POST("/orders/:id/credit", h.applyCredit)
		v1.GET("/orders/by-token/:token", h.getOrderByToken)
		v1.GET("/users/:id/orders", h.listUserOrders)
		v1.POST("/coupons", h.purchaseCoupon)
		v1.POST("/coupons/balance", h.couponBalance)
	}

	admin := router.Group("/admin/v1")
	{
		admin.POST("/orders/:id/status", h.setStatus)
		admin.GET("/orders/:id/notifications", h.listNotifications)
		admin.POST("/orders/:id/payments", h.recordManualPayment)
		admin.DELETE("/payments/:id", h.deletePayment)
		admin.POST("/coupons", h.issueCoupon)
		admin.POST("/coupons/:code/activate", h.activateCoupon)
		admin.POST("/coupons/:code/void", h.voidCoupon)
		admin.POST("/coupons/:code/unvoid", h.unvoidCoupon)
		admin.GET("/coupons/:code/log", h.couponLog)
		admin.POST("/coupons/expire", h.expireCoupons)
		admin.POST("/purge", h.purge)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	if err := h.db.GetDB().PingContext(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// handleWebhook feeds one inbound gateway notification into the shared
// pipeline. The response carries no internal detail; the status code alone
// tells the gateway whether to retry.
func (h *Handler) handleWebhook(c *gin.Context) {
	provider := c.Param("provider")

	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}

	outcome := h.processor.Handle(c.Request.Context(), provider, raw, c.Request.Header)
	switch outcome {
	case gateway.OutcomeProcessed, gateway.OutcomeDuplicate:
		c.Status(http.StatusOK)
	case gateway.OutcomeVerifyFailed:
		c.Status(http.StatusBadRequest)
	case gateway.OutcomeUnknownOrder:
		// Non-2xx keeps the gateway retrying; the order may not exist yet.
		c.Status(http.StatusNotFound)
	default:
		c.Status(http.StatusInternalServerError)
	}
}

// createCart opens a new cart order
func (h *Handler) createCart(c *gin.Context) {
	var req struct {
		UserID     int64  `json:"user_id"`
		GuestEmail string `json:"guest_email"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	order, err := h.orderService.CreateCart(c.Request.Context(), req.UserID, req.GuestEmail)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to create order",
			"details": err.Error(),
		})
		return
	}
	c.JSON(http.StatusCreated, order)
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}

	order, items, err := h.orderService.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"order": order,
		"items": items,
	})
}

// getOrderByToken serves guest order access via the checkout token
func (h *Handler) getOrderByToken(c *gin.Context) {
	order, items, err := h.orderService.GetOrderByToken(c.Request.Context(), c.Param("token"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"order": order,
		"items": items,
	})
}

// listUserOrders returns a buyer's order history
func (h *Handler) listUserOrders(c *gin.Context) {
	userID, ok := pathID(c, "id")
	if !ok {
		return
	}

	orders, err := h.orderService.OrdersByUser(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

// getStatusLog returns the order's status/comment history
func (h *Handler) getStatusLog(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}

	log, err := h.orderService.StatusLog(c.Request.Context(), orderID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"log": log})
}

// listPayments returns the payment ledger rows for an order
func (h *Handler) listPayments(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}

	payments, err := h.paymentService.List(c.Request.Context(), orderID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payments": payments})
}

// getBalanceDue returns what remains to be paid on an order
func (h *Handler) getBalanceDue(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}

	due, err := h.orderService.BalanceDue(c.Request.Context(), orderID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance_due": due})
}

// addItem appends a line to a cart
func (h *Handler) addItem(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req service.AddItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	item, err := h.orderService.AddItem(c.Request.Context(), orderID, &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, item)
}

// updateItem changes a cart line's quantity
func (h *Handler) updateItem(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}
	itemID, ok := pathID(c, "itemID")
	if !ok {
		return
	}

	var req struct {
		Quantity int `json:"quantity" binding:"required,min=1"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	if err := h.orderService.UpdateItemQuantity(c.Request.Context(), orderID, itemID, req.Quantity); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// removeItem drops a cart line
func (h *Handler) removeItem(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}
	itemID, ok := pathID(c, "itemID")
	if !ok {
		return
	}

	if err := h.orderService.RemoveItem(c.Request.Context(), orderID, itemID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// checkout finalizes a cart into a pending order
func (h *Handler) checkout(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req struct {
		Billing       models.Address `json:"billing"`
		Shipto        models.Address `json:"shipto"`
		PaymentMethod string         `json:"payment_method"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	order, err := h.orderService.Checkout(c.Request.Context(), orderID, req.Billing, req.Shipto, req.PaymentMethod)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// applyCredit draws the buyer's store credit onto an order
func (h *Handler) applyCredit(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req struct {
		Amount int64 `json:"amount" binding:"required,min=1"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	applied, err := h.orderService.ApplyCredit(c.Request.Context(), orderID, req.Amount)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"applied": applied})
}

// purchaseCoupon mints a standalone gift-card instrument
func (h *Handler) purchaseCoupon(c *gin.Context) {
	var req struct {
		BuyerID int64  `json:"buyer_id" binding:"required"`
		Email   string `json:"email"`
		Amount  int64  `json:"amount" binding:"required,min=1"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	code, err := h.couponService.Purchase(c.Request.Context(), req.BuyerID, req.Email, req.Amount, 0)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"code": code})
}

// couponBalance answers a balance inquiry. Code and issue email must both
// match; a miss is indistinguishable from an unknown code.
func (h *Handler) couponBalance(c *gin.Context) {
	var req struct {
		Code  string `json:"code" binding:"required"`
		Email string `json:"email"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	coupon, err := h.couponService.Balance(c.Request.Context(), req.Code, req.Email)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code":    coupon.Code,
		"balance": coupon.Balance,
		"status":  coupon.Status,
	})
}

// setStatus drives the order state machine from the admin surface
func (h *Handler) setStatus(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req struct {
		Status  string `json:"status" binding:"required"`
		Comment string `json:"comment"`
		Notify  bool   `json:"notify"`
		Actor   string `json:"actor"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}
	if req.Actor == "" {
		req.Actor = "admin"
	}

	if err := h.orderService.UpdateStatus(c.Request.Context(), orderID, req.Status, req.Actor, req.Comment, req.Notify); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// listNotifications returns the gateway notification audit trail for an
// order
func (h *Handler) listNotifications(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}

	records, err := h.db.GetNotificationsByOrder(c.Request.Context(), orderID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": records})
}

// recordManualPayment enters a staff-keyed payment
func (h *Handler) recordManualPayment(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req struct {
		Amount  int64  `json:"amount" binding:"required,min=1"`
		Comment string `json:"comment"`
		Actor   string `json:"actor"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}
	if req.Actor == "" {
		req.Actor = "admin"
	}

	payment, err := h.paymentService.RecordManual(c.Request.Context(), orderID, req.Amount, req.Comment, req.Actor)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, payment)
}

// deletePayment removes a ledger row
func (h *Handler) deletePayment(c *gin.Context) {
	paymentID, ok := pathID(c, "id")
	if !ok {
		return
	}

	if err := h.paymentService.Delete(c.Request.Context(), paymentID, "admin"); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// issueCoupon mints a staff-issued instrument in the pending state
func (h *Handler) issueCoupon(c *gin.Context) {
	var req struct {
		BuyerID int64  `json:"buyer_id" binding:"required"`
		Email   string `json:"email"`
		Amount  int64  `json:"amount" binding:"required,min=1"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	code, err := h.couponService.IssuePending(c.Request.Context(), req.BuyerID, req.Email, req.Amount)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"code": code})
}

// activateCoupon flips a pending instrument live
func (h *Handler) activateCoupon(c *gin.Context) {
	if err := h.couponService.Activate(c.Request.Context(), c.Param("code")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// voidCoupon freezes a gift-card instrument
func (h *Handler) voidCoupon(c *gin.Context) {
	if err := h.couponService.Void(c.Request.Context(), c.Param("code"), "admin"); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// unvoidCoupon reactivates a voided instrument
func (h *Handler) unvoidCoupon(c *gin.Context) {
	if err := h.couponService.Unvoid(c.Request.Context(), c.Param("code"), "admin"); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// couponLog returns the audit trail for a code
func (h *Handler) couponLog(c *gin.Context) {
	log, err := h.couponService.History(c.Request.Context(), c.Param("code"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"log": log})
}

// expireCoupons runs the expiry sweep on demand
func (h *Handler) expireCoupons(c *gin.Context) {
	n, err := h.couponService.Expire(c.Request.Context(), "admin")
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"expired": n})
}

// purge wipes all transactional data. Only honored while the shop is
// switched off; a live shop refuses.
func (h *Handler) purge(c *gin.Context) {
	if !h.cfg.Shop.Disabled {
		c.JSON(http.StatusConflict, gin.H{
			"error": "Purge requires the shop to be disabled",
		})
		return
	}
	if err := h.db.Purge(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Purge failed",
			"details": err.Error(),
		})
		return
	}
	c.Status(http.StatusNoContent)
}

// pathID parses an int64 path parameter, writing the 400 itself on failure
func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid " + name,
		})
		return 0, false
	}
	return id, true
}

// respondError maps service and store errors onto HTTP statuses
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	case errors.Is(err, service.ErrOrderNotInCart),
		errors.Is(err, service.ErrOrderNotOpen),
		errors.Is(err, service.ErrNotRefundable),
		errors.Is(err, store.ErrDuplicatePayment),
		errors.Is(err, store.ErrCouponNotVoidable):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrInsufficientBalance):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrUnknownStatus),
		errors.Is(err, service.ErrGuestCredit),
		errors.Is(err, service.ErrCreditExceedsDue):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Internal error",
			"details": err.Error(),
		})
	}
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
