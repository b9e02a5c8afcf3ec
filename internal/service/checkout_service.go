package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"cart-service/internal/models"
	"cart-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Catalog is the source of truth for product prices.
type Catalog interface {
	GetProductsByIDs(ctx context.Context, ids []string) ([]models.Product, error)
}

// CheckoutStore persists checkouts, orders and the processed-event ledger.
type CheckoutStore interface {
	CreateCheckout(ctx context.Context, checkout *models.Checkout) error
	GetCheckout(ctx context.Context, id string) (*models.Checkout, error)
	HasPendingCheckout(ctx context.Context, cartKey string) (bool, error)
	TransitionCheckout(ctx context.Context, id, from, to string) (bool, error)
	ListExpiredCheckouts(ctx context.Context, cutoff time.Time) ([]models.Checkout, error)
	CreateOrder(ctx context.Context, order *models.Order, items []models.OrderItem) error
	GetOrderByID(ctx context.Context, id string) (*models.Order, []models.OrderItem, error)
	GetOrderByCheckoutID(ctx context.Context, checkoutID string) (*models.Order, error)
	GetOrdersByCartKey(ctx context.Context, cartKey string) ([]models.Order, error)
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// PaymentProvider creates charge intents with the external payment
// collaborator. Results arrive asynchronously as payment events.
type PaymentProvider interface {
	CreateIntent(ctx context.Context, amount int64, currency string, metadata map[string]string) (*models.PaymentIntent, error)
}

// Publisher is the slice of the event bus checkout coordination needs.
type Publisher interface {
	PublishCheckoutStarted(ctx context.Context, event *models.CheckoutStartedEvent) error
	PublishCheckoutExpired(ctx context.Context, event *models.CheckoutExpiredEvent) error
	PublishOrderPlaced(ctx context.Context, event *models.OrderPlacedEvent) error
}

// IdempotencyCache deduplicates checkout initiation by client-supplied key.
type IdempotencyCache interface {
	SetIdempotencyKey(ctx context.Context, key, checkoutID string, ttl time.Duration) error
	GetIdempotencyKey(ctx context.Context, key string) (string, error)
}

const idempotencyTTL = 24 * time.Hour

// CheckoutService glues the cart, the ledger, the payment collaborator and
// the order store together. A checkout freezes the cart into a snapshot with
// server-computed prices, asks the provider for an intent, and later converts
// the reservation into an order (payment confirmed) or releases it (payment
// failed, cancelled or swept).
type CheckoutService struct {
	checkouts CheckoutStore
	catalog   Catalog
	carts     *CartService
	ledger    *Ledger
	provider  PaymentProvider
	publisher Publisher
	idem      IdempotencyCache // may be nil
	currency  string
	logger    *zap.Logger
}

// NewCheckoutService creates a new checkout service. idem may be nil to
// disable client idempotency keys.
func NewCheckoutService(
	checkouts CheckoutStore,
	catalog Catalog,
	carts *CartService,
	ledger *Ledger,
	provider PaymentProvider,
	publisher Publisher,
	idem IdempotencyCache,
	currency string,
) *CheckoutService {
	return &CheckoutService{
		checkouts: checkouts,
		catalog:   catalog,
		carts:     carts,
		ledger:    ledger,
		provider:  provider,
		publisher: publisher,
		idem:      idem,
		currency:  currency,
		logger:    util.NamedLogger("checkout"),
	}
}

// StartCheckout snapshots the cart, computes the charge amount from catalog
// prices and requests a payment intent. Client-supplied prices are never
// consulted. A repeated idempotency key returns the original checkout.
func (cs *CheckoutService) StartCheckout(ctx context.Context, cartKey, idempotencyKey string) (*models.Checkout, *models.PaymentIntent, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.StartCheckout")
	defer span.End()

	if cs.idem != nil && idempotencyKey != "" {
		existingID, err := cs.idem.GetIdempotencyKey(ctx, idempotencyKey)
		if err != nil {
			cs.logger.Warn("Idempotency lookup failed", zap.Error(err))
		} else if existingID != "" {
			checkout, err := cs.checkouts.GetCheckout(ctx, existingID)
			if err != nil {
				return nil, nil, err
			}
			cs.logger.Info("Duplicate checkout request",
				zap.String("idempotency_key", idempotencyKey),
				zap.String("checkout_id", existingID))
			// Hand the original intent back so the retrying client can
			// resume the payment it already opened.
			return checkout, &models.PaymentIntent{
				ID:           checkout.IntentID,
				ClientSecret: checkout.IntentSecret,
			}, nil
		}
	}

	cart, err := cs.carts.GetCart(ctx, cartKey)
	if err != nil {
		return nil, nil, err
	}
	if len(cart.Items) == 0 {
		return nil, nil, models.ErrEmptyCart
	}

	// One payment attempt at a time per cart. A second pending checkout
	// would share the same holds, and abandoning either releases them all.
	pending, err := cs.checkouts.HasPendingCheckout(ctx, cartKey)
	if err != nil {
		return nil, nil, err
	}
	if pending {
		return nil, nil, models.ErrCheckoutPending
	}

	ids := make([]string, 0, len(cart.Items))
	for productID := range cart.Items {
		ids = append(ids, productID)
	}
	sort.Strings(ids)

	products, err := cs.catalog.GetProductsByIDs(ctx, ids)
	if err != nil {
		return nil, nil, err
	}
	if len(products) != len(ids) {
		return nil, nil, fmt.Errorf("cart references unknown products: %w", models.ErrNotFound)
	}
	priceByID := make(map[string]int64, len(products))
	for _, p := range products {
		priceByID[p.ID] = p.Price
	}

	// The quantities are already held, so availability cannot have regressed;
	// this re-check guards against counters someone edited out-of-band.
	for _, productID := range ids {
		stock, reserved, err := cs.ledger.Availability(ctx, productID)
		if err != nil {
			return nil, nil, err
		}
		if reserved > stock {
			cs.logger.Error("Inventory counters inconsistent at checkout",
				zap.String("product_id", productID),
				zap.Int("stock", stock),
				zap.Int("reserved", reserved))
			return nil, nil, fmt.Errorf("%w: inventory counters inconsistent for product %s",
				models.ErrTransientConflict, productID)
		}
	}

	var amount int64
	items := make([]models.CheckoutItem, 0, len(ids))
	for _, productID := range ids {
		qty := cart.Items[productID]
		price := priceByID[productID]
		amount += price * int64(qty)
		items = append(items, models.CheckoutItem{
			ProductID: productID,
			Quantity:  qty,
			UnitPrice: price,
		})
	}

	checkout := &models.Checkout{
		ID:       uuid.New().String(),
		CartKey:  cartKey,
		Amount:   amount,
		Currency: cs.currency,
		Status:   models.CheckoutStatusPending,
		Items:    items,
	}

	intent, err := cs.provider.CreateIntent(ctx, amount, cs.currency, map[string]string{
		"checkout_id": checkout.ID,
		"cart_key":    cartKey,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create payment intent: %w", err)
	}
	checkout.IntentID = intent.ID
	checkout.IntentSecret = intent.ClientSecret

	if err := cs.checkouts.CreateCheckout(ctx, checkout); err != nil {
		return nil, nil, fmt.Errorf("failed to persist checkout: %w", err)
	}

	if cs.idem != nil && idempotencyKey != "" {
		if err := cs.idem.SetIdempotencyKey(ctx, idempotencyKey, checkout.ID, idempotencyTTL); err != nil {
			cs.logger.Warn("Failed to store idempotency key", zap.Error(err))
		}
	}

	util.CheckoutsStartedTotal.Inc()

	event := &models.CheckoutStartedEvent{
		BaseEvent:  newBaseEvent(models.EventTypeCheckoutStarted),
		CheckoutID: checkout.ID,
		CartKey:    cartKey,
		Amount:     amount,
		Currency:   cs.currency,
		IntentID:   intent.ID,
		Items:      checkoutItemData(items),
	}
	if err := cs.publisher.PublishCheckoutStarted(ctx, event); err != nil {
		cs.logger.Error("Failed to publish CheckoutStarted event", zap.Error(err))
	}

	cs.logger.Info("Checkout started",
		zap.String("checkout_id", checkout.ID),
		zap.String("cart_key", cartKey),
		zap.Int64("amount", amount))

	return checkout, intent, nil
}

// HandlePaymentSucceeded converts the reservation into a permanent sale: the
// order is persisted from the frozen snapshot, the ledger commits each line
// (no counter movement, reserved and sold share one counter) and the cart is
// emptied without releasing anything.
func (cs *CheckoutService) HandlePaymentSucceeded(ctx context.Context, event *models.PaymentSucceededEvent) error {
	ctx, span := util.StartSpan(ctx, "CheckoutService.HandlePaymentSucceeded")
	defer span.End()

	processed, err := cs.checkouts.IsEventProcessed(ctx, event.EventID)
	if err != nil {
		return fmt.Errorf("failed to check event processed: %w", err)
	}
	if processed {
		cs.logger.Info("Event already processed", zap.String("event_id", event.EventID))
		return nil
	}

	ok, err := cs.checkouts.TransitionCheckout(ctx, event.CheckoutID,
		models.CheckoutStatusPending, models.CheckoutStatusSucceeded)
	if err != nil {
		return fmt.Errorf("failed to transition checkout: %w", err)
	}
	if !ok {
		checkout, err := cs.checkouts.GetCheckout(ctx, event.CheckoutID)
		if err != nil {
			return err
		}
		if checkout.Status != models.CheckoutStatusSucceeded {
			cs.logger.Info("Checkout no longer pending, skipping",
				zap.String("checkout_id", event.CheckoutID),
				zap.String("status", checkout.Status))
			return cs.checkouts.MarkEventProcessed(ctx, event.EventID, event.EventType)
		}

		// Succeeded without an order means an earlier delivery won the
		// transition but died before persisting; finish the job now.
		_, err = cs.checkouts.GetOrderByCheckoutID(ctx, checkout.ID)
		if err == nil {
			return cs.checkouts.MarkEventProcessed(ctx, event.EventID, event.EventType)
		}
		if !errors.Is(err, models.ErrNotFound) {
			return err
		}
		return cs.placeOrder(ctx, checkout, event)
	}

	checkout, err := cs.checkouts.GetCheckout(ctx, event.CheckoutID)
	if err != nil {
		return err
	}
	return cs.placeOrder(ctx, checkout, event)
}

// placeOrder persists the order for a succeeded checkout and runs the
// follow-on effects. The processed-event mark comes last: a failure anywhere
// leaves the event unmarked so redelivery retries the whole tail.
func (cs *CheckoutService) placeOrder(ctx context.Context, checkout *models.Checkout, event *models.PaymentSucceededEvent) error {
	order := &models.Order{
		ID:          uuid.New().String(),
		CheckoutID:  checkout.ID,
		CartKey:     checkout.CartKey,
		TotalAmount: checkout.Amount,
		Currency:    checkout.Currency,
	}
	orderItems := make([]models.OrderItem, 0, len(checkout.Items))
	for _, item := range checkout.Items {
		orderItems = append(orderItems, models.OrderItem{
			OrderID:   order.ID,
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}

	if err := cs.checkouts.CreateOrder(ctx, order, orderItems); err != nil {
		return fmt.Errorf("failed to persist order: %w", err)
	}

	for _, item := range checkout.Items {
		if err := cs.ledger.Commit(ctx, item.ProductID, item.Quantity); err != nil {
			cs.logger.Error("Failed to commit stock",
				zap.String("product_id", item.ProductID), zap.Error(err))
		}
	}

	if err := cs.carts.DetachItems(ctx, checkout.CartKey); err != nil {
		cs.logger.Error("Failed to empty cart after payment",
			zap.String("cart_key", checkout.CartKey), zap.Error(err))
	}

	util.CheckoutsSucceededTotal.Inc()
	util.OrdersPlacedTotal.Inc()

	placed := &models.OrderPlacedEvent{
		BaseEvent:  newBaseEvent(models.EventTypeOrderPlaced),
		OrderID:    order.ID,
		CheckoutID: checkout.ID,
		CartKey:    checkout.CartKey,
		Amount:     checkout.Amount,
	}
	if err := cs.publisher.PublishOrderPlaced(ctx, placed); err != nil {
		cs.logger.Error("Failed to publish OrderPlaced event", zap.Error(err))
	}

	if err := cs.checkouts.MarkEventProcessed(ctx, event.EventID, event.EventType); err != nil {
		cs.logger.Error("Failed to mark event processed", zap.Error(err))
	}

	cs.logger.Info("Order placed",
		zap.String("order_id", order.ID),
		zap.String("checkout_id", checkout.ID))
	return nil
}

// HandlePaymentFailed releases every reservation held by the checkout's cart
// back to the ledger and empties the cart.
func (cs *CheckoutService) HandlePaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error {
	ctx, span := util.StartSpan(ctx, "CheckoutService.HandlePaymentFailed")
	defer span.End()

	processed, err := cs.checkouts.IsEventProcessed(ctx, event.EventID)
	if err != nil {
		return fmt.Errorf("failed to check event processed: %w", err)
	}
	if processed {
		cs.logger.Info("Event already processed", zap.String("event_id", event.EventID))
		return nil
	}

	cs.logger.Warn("Payment failed, releasing reservations",
		zap.String("checkout_id", event.CheckoutID),
		zap.String("reason", event.Reason))

	if err := cs.abandonCheckout(ctx, event.CheckoutID, models.CheckoutStatusFailed, "payment_failed"); err != nil {
		return err
	}

	if err := cs.checkouts.MarkEventProcessed(ctx, event.EventID, event.EventType); err != nil {
		cs.logger.Error("Failed to mark event processed", zap.Error(err))
	}
	return nil
}

// CancelCheckout is the explicit abandon signal: the pending checkout is
// voided and the cart's reservations go back to the ledger.
func (cs *CheckoutService) CancelCheckout(ctx context.Context, checkoutID, cartKey string) error {
	ctx, span := util.StartSpan(ctx, "CheckoutService.CancelCheckout")
	defer span.End()

	checkout, err := cs.checkouts.GetCheckout(ctx, checkoutID)
	if err != nil {
		return err
	}
	if checkout.CartKey != cartKey {
		return models.ErrUnauthorized
	}

	return cs.abandonCheckout(ctx, checkoutID, models.CheckoutStatusCancelled, "cancelled")
}

// ExpireCheckouts sweeps pending checkouts older than maxAge, releasing their
// reservations. Returns how many were expired.
func (cs *CheckoutService) ExpireCheckouts(ctx context.Context, maxAge time.Duration) (int, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.ExpireCheckouts")
	defer span.End()

	stale, err := cs.checkouts.ListExpiredCheckouts(ctx, time.Now().Add(-maxAge))
	if err != nil {
		return 0, err
	}

	expired := 0
	for i := range stale {
		checkout := &stale[i]
		if err := cs.abandonCheckout(ctx, checkout.ID, models.CheckoutStatusExpired, "expired"); err != nil {
			cs.logger.Error("Failed to expire checkout",
				zap.String("checkout_id", checkout.ID), zap.Error(err))
			continue
		}
		expired++

		event := &models.CheckoutExpiredEvent{
			BaseEvent:  newBaseEvent(models.EventTypeCheckoutExpired),
			CheckoutID: checkout.ID,
			CartKey:    checkout.CartKey,
		}
		if err := cs.publisher.PublishCheckoutExpired(ctx, event); err != nil {
			cs.logger.Error("Failed to publish CheckoutExpired event", zap.Error(err))
		}
	}
	return expired, nil
}

// abandonCheckout transitions a pending checkout to a terminal failure status
// and gives the cart's holds back. Exactly one caller wins the transition, so
// the release runs once even when failure paths race.
func (cs *CheckoutService) abandonCheckout(ctx context.Context, checkoutID, toStatus, reason string) error {
	ok, err := cs.checkouts.TransitionCheckout(ctx, checkoutID, models.CheckoutStatusPending, toStatus)
	if err != nil {
		return fmt.Errorf("failed to transition checkout: %w", err)
	}
	if !ok {
		return fmt.Errorf("checkout %s is not pending: %w", checkoutID, models.ErrNotFound)
	}

	checkout, err := cs.checkouts.GetCheckout(ctx, checkoutID)
	if err != nil {
		return err
	}

	_, failures, err := cs.carts.ClearCart(ctx, checkout.CartKey)
	if err != nil {
		return err
	}
	for _, failure := range failures {
		cs.logger.Error("Reservation left unreleased after abandon",
			zap.String("checkout_id", checkoutID),
			zap.String("product_id", failure.ProductID),
			zap.String("reason", failure.Reason))
	}

	util.CheckoutsFailedTotal.WithLabelValues(reason).Inc()
	cs.logger.Info("Checkout abandoned",
		zap.String("checkout_id", checkoutID),
		zap.String("status", toStatus))
	return nil
}

// GetCheckout returns a checkout to its owner.
func (cs *CheckoutService) GetCheckout(ctx context.Context, checkoutID, cartKey string) (*models.Checkout, error) {
	checkout, err := cs.checkouts.GetCheckout(ctx, checkoutID)
	if err != nil {
		return nil, err
	}
	if checkout.CartKey != cartKey {
		return nil, models.ErrUnauthorized
	}
	return checkout, nil
}

// GetOrder returns an order to its owner.
func (cs *CheckoutService) GetOrder(ctx context.Context, orderID, cartKey string) (*models.Order, []models.OrderItem, error) {
	order, items, err := cs.checkouts.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	if order.CartKey != cartKey {
		return nil, nil, models.ErrUnauthorized
	}
	return order, items, nil
}

// ListOrders returns the orders placed under a cart key, newest first.
func (cs *CheckoutService) ListOrders(ctx context.Context, cartKey string) ([]models.Order, error) {
	return cs.checkouts.GetOrdersByCartKey(ctx, cartKey)
}

func newBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now(),
	}
}

func checkoutItemData(items []models.CheckoutItem) []models.CheckoutItemData {
	data := make([]models.CheckoutItemData, 0, len(items))
	for _, item := range items {
		data = append(data, models.CheckoutItemData{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}
	return data
}
