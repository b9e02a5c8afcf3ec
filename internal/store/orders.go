package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"cart-service/internal/models"
)

// CreateCheckout persists a pending checkout together with its frozen item
// snapshot in one transaction.
func (s *Store) CreateCheckout(ctx context.Context, checkout *models.Checkout) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO checkouts (id, cart_key, amount, currency, status, intent_id, intent_secret)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`

	row := tx.QueryRowxContext(ctx, query,
		checkout.ID, checkout.CartKey, checkout.Amount, checkout.Currency,
		checkout.Status, checkout.IntentID, checkout.IntentSecret)
	if err := row.Scan(&checkout.CreatedAt, &checkout.UpdatedAt); err != nil {
		return fmt.Errorf("failed to insert checkout: %w", err)
	}

	for _, item := range checkout.Items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO checkout_items (checkout_id, product_id, quantity, unit_price)
			VALUES ($1, $2, $3, $4)`,
			checkout.ID, item.ProductID, item.Quantity, item.UnitPrice)
		if err != nil {
			return fmt.Errorf("failed to insert checkout item: %w", err)
		}
	}

	return tx.Commit()
}

// GetCheckout retrieves a checkout with its snapshot items.
func (s *Store) GetCheckout(ctx context.Context, id string) (*models.Checkout, error) {
	var checkout models.Checkout
	err := s.db.GetContext(ctx, &checkout, "SELECT * FROM checkouts WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("checkout %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	err = s.db.SelectContext(ctx, &checkout.Items,
		"SELECT checkout_id, product_id, quantity, unit_price FROM checkout_items WHERE checkout_id = $1",
		id)
	if err != nil {
		return nil, err
	}
	return &checkout, nil
}

// HasPendingCheckout reports whether the cart already has a checkout awaiting
// payment. The partial unique index on (cart_key) WHERE status = 'PENDING'
// backs this up against racing initiations.
func (s *Store) HasPendingCheckout(ctx context.Context, cartKey string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM checkouts WHERE cart_key = $1 AND status = $2)",
		cartKey, models.CheckoutStatusPending)
	return exists, err
}

// TransitionCheckout moves a checkout from one status to another. It returns
// false when the checkout was not in the expected status, which makes
// concurrent handlers race safely: exactly one transition wins.
func (s *Store) TransitionCheckout(ctx context.Context, id, from, to string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE checkouts SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3",
		to, id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListExpiredCheckouts returns pending checkouts created before cutoff.
func (s *Store) ListExpiredCheckouts(ctx context.Context, cutoff time.Time) ([]models.Checkout, error) {
	var checkouts []models.Checkout
	err := s.db.SelectContext(ctx, &checkouts,
		"SELECT * FROM checkouts WHERE status = $1 AND created_at < $2 ORDER BY created_at",
		models.CheckoutStatusPending, cutoff)
	return checkouts, err
}

// CreateOrder appends an immutable order record with its items. Orders are
// write-once: there is no update path.
func (s *Store) CreateOrder(ctx context.Context, order *models.Order, items []models.OrderItem) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO orders (id, checkout_id, cart_key, total_amount, currency)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`

	row := tx.QueryRowxContext(ctx, query,
		order.ID, order.CheckoutID, order.CartKey, order.TotalAmount, order.Currency)
	if err := row.Scan(&order.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}

	for _, item := range items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, product_id, quantity, unit_price)
			VALUES ($1, $2, $3, $4)`,
			order.ID, item.ProductID, item.Quantity, item.UnitPrice)
		if err != nil {
			return fmt.Errorf("failed to insert order item: %w", err)
		}
	}

	return tx.Commit()
}

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, id string) (*models.Order, []models.OrderItem, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, nil, fmt.Errorf("order %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, nil, err
	}

	var items []models.OrderItem
	err = s.db.SelectContext(ctx, &items,
		"SELECT * FROM order_items WHERE order_id = $1", id)
	if err != nil {
		return nil, nil, err
	}
	return &order, items, nil
}

// GetOrderByCheckoutID retrieves the order placed for a checkout, if any.
func (s *Store) GetOrderByCheckoutID(ctx context.Context, checkoutID string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order,
		"SELECT * FROM orders WHERE checkout_id = $1", checkoutID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("order for checkout %s: %w", checkoutID, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrdersByCartKey retrieves orders placed under a cart key, newest first.
func (s *Store) GetOrdersByCartKey(ctx context.Context, cartKey string) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders,
		"SELECT * FROM orders WHERE cart_key = $1 ORDER BY created_at DESC", cartKey)
	return orders, err
}

// IsEventProcessed checks if an event has been processed
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)", eventID)
	return exists, err
}

// MarkEventProcessed marks an event as processed
func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		eventID, eventType)
	return err
}
