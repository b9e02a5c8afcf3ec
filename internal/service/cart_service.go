package service

import (
	"context"
	"errors"
	"fmt"

	"cart-service/internal/models"
	"cart-service/internal/store"
	"cart-service/internal/util"

	"go.uber.org/zap"
)

// CartReader provides the read view of carts.
type CartReader interface {
	GetCart(ctx context.Context, cartKey string) (*models.Cart, error)
}

// ReleaseFailure is one product whose reservation could not be released
// during a cart clear. Callers may retry these as a compensating action.
type ReleaseFailure struct {
	ProductID string `json:"product_id"`
	Reason    string `json:"reason"`
}

// CartService maintains per-cart line items consistently with ledger
// reservations. Every mutation runs the availability check and the item-map
// upsert inside one storage transaction, so concurrent mutations of the same
// cart or product serialize instead of losing updates.
type CartService struct {
	storage store.Storage
	carts   CartReader
	ledger  *Ledger
	logger  *zap.Logger
}

// NewCartService creates a new cart service.
func NewCartService(storage store.Storage, carts CartReader, ledger *Ledger) *CartService {
	return &CartService{
		storage: storage,
		carts:   carts,
		ledger:  ledger,
		logger:  util.NamedLogger("cart"),
	}
}

// GetCart reads the current item map. Unknown cart keys return an empty cart.
func (c *CartService) GetCart(ctx context.Context, cartKey string) (*models.Cart, error) {
	ctx, span := util.StartSpan(ctx, "CartService.GetCart")
	defer span.End()

	return c.carts.GetCart(ctx, cartKey)
}

// AddItem reserves quantity additional units and raises the cart's line to
// existing+quantity. On insufficient stock the cart is left unchanged and the
// error carries requested vs available.
func (c *CartService) AddItem(ctx context.Context, cartKey, productID string, quantity int) (*models.Cart, error) {
	ctx, span := util.StartSpan(ctx, "CartService.AddItem")
	defer span.End()

	if quantity <= 0 {
		util.CartMutationsFailedTotal.WithLabelValues("add", "invalid_quantity").Inc()
		return nil, models.ErrInvalidQuantity
	}

	var synced models.Inventory
	err := c.storage.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		items, err := tx.CartItems(ctx, cartKey)
		if err != nil {
			return err
		}

		inv, err := tx.Inventory(ctx, productID)
		if err != nil {
			return err
		}
		if err := inv.Reserve(quantity); err != nil {
			return err
		}
		if err := tx.SaveInventory(ctx, inv); err != nil {
			return err
		}
		synced = *inv

		return tx.SaveCartItem(ctx, cartKey, productID, items[productID]+quantity)
	})
	if err != nil {
		c.countMutationFailure("add", err)
		return nil, err
	}

	util.CartMutationsTotal.WithLabelValues("add").Inc()
	util.StockReservedTotal.Add(float64(quantity))
	c.ledger.syncMirror(ctx, &synced)

	c.logger.Info("Item added",
		zap.String("cart_key", cartKey),
		zap.String("product_id", productID),
		zap.Int("quantity", quantity))

	return c.carts.GetCart(ctx, cartKey)
}

// SetItemQuantity sets a line to an absolute quantity, reserving or releasing
// the difference. A quantity of zero removes the line. Repeating the same
// quantity is a no-op on the ledger.
func (c *CartService) SetItemQuantity(ctx context.Context, cartKey, productID string, quantity int) (*models.Cart, error) {
	ctx, span := util.StartSpan(ctx, "CartService.SetItemQuantity")
	defer span.End()

	if quantity < 0 {
		util.CartMutationsFailedTotal.WithLabelValues("set", "invalid_quantity").Inc()
		return nil, models.ErrInvalidQuantity
	}

	var delta int
	var touched bool
	var synced models.Inventory
	err := c.storage.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		items, err := tx.CartItems(ctx, cartKey)
		if err != nil {
			return err
		}
		current := items[productID]
		delta = quantity - current
		touched = false

		if delta != 0 {
			inv, err := tx.Inventory(ctx, productID)
			if err != nil {
				return err
			}
			if delta > 0 {
				if err := inv.Reserve(delta); err != nil {
					return err
				}
			} else {
				inv.Release(-delta)
			}
			if err := tx.SaveInventory(ctx, inv); err != nil {
				return err
			}
			synced = *inv
			touched = true
		}

		if quantity == 0 && current == 0 {
			// Nothing held and nothing requested: leave the cart untouched.
			return nil
		}
		return tx.SaveCartItem(ctx, cartKey, productID, quantity)
	})
	if err != nil {
		c.countMutationFailure("set", err)
		return nil, err
	}

	util.CartMutationsTotal.WithLabelValues("set").Inc()
	if touched {
		if delta > 0 {
			util.StockReservedTotal.Add(float64(delta))
		} else {
			util.StockReleasedTotal.Add(float64(-delta))
		}
		c.ledger.syncMirror(ctx, &synced)
	}

	c.logger.Info("Item quantity set",
		zap.String("cart_key", cartKey),
		zap.String("product_id", productID),
		zap.Int("quantity", quantity),
		zap.Int("delta", delta))

	return c.carts.GetCart(ctx, cartKey)
}

// RemoveItem releases the full held quantity and deletes the line. It fails
// with models.ErrNotFound when the product is not in the cart.
func (c *CartService) RemoveItem(ctx context.Context, cartKey, productID string) (*models.Cart, error) {
	ctx, span := util.StartSpan(ctx, "CartService.RemoveItem")
	defer span.End()

	var released int
	var synced models.Inventory
	err := c.storage.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		items, err := tx.CartItems(ctx, cartKey)
		if err != nil {
			return err
		}
		current, ok := items[productID]
		if !ok {
			return fmt.Errorf("product %s not in cart: %w", productID, models.ErrNotFound)
		}
		released = current

		inv, err := tx.Inventory(ctx, productID)
		if err != nil {
			return err
		}
		inv.Release(current)
		if err := tx.SaveInventory(ctx, inv); err != nil {
			return err
		}
		synced = *inv

		return tx.SaveCartItem(ctx, cartKey, productID, 0)
	})
	if err != nil {
		c.countMutationFailure("remove", err)
		return nil, err
	}

	util.CartMutationsTotal.WithLabelValues("remove").Inc()
	util.StockReleasedTotal.Add(float64(released))
	c.ledger.syncMirror(ctx, &synced)

	c.logger.Info("Item removed",
		zap.String("cart_key", cartKey),
		zap.String("product_id", productID),
		zap.Int("released", released))

	return c.carts.GetCart(ctx, cartKey)
}

// ClearCart releases every held item and empties the item map. Each item is
// released in its own transaction; one product failing to release does not
// strand the rest, the failures come back for a compensating retry.
func (c *CartService) ClearCart(ctx context.Context, cartKey string) (*models.Cart, []ReleaseFailure, error) {
	ctx, span := util.StartSpan(ctx, "CartService.ClearCart")
	defer span.End()

	cart, err := c.carts.GetCart(ctx, cartKey)
	if err != nil {
		return nil, nil, err
	}

	var failures []ReleaseFailure
	for productID := range cart.Items {
		pid := productID
		var synced models.Inventory
		var released int
		err := c.storage.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
			items, err := tx.CartItems(ctx, cartKey)
			if err != nil {
				return err
			}
			qty, ok := items[pid]
			if !ok {
				return nil // already gone
			}
			released = qty

			inv, err := tx.Inventory(ctx, pid)
			if err != nil {
				return err
			}
			inv.Release(qty)
			if err := tx.SaveInventory(ctx, inv); err != nil {
				return err
			}
			synced = *inv

			return tx.SaveCartItem(ctx, cartKey, pid, 0)
		})
		if err != nil {
			c.logger.Error("Failed to release item during clear",
				zap.String("cart_key", cartKey),
				zap.String("product_id", pid),
				zap.Error(err))
			failures = append(failures, ReleaseFailure{ProductID: pid, Reason: err.Error()})
			continue
		}
		if released > 0 {
			util.StockReleasedTotal.Add(float64(released))
			c.ledger.syncMirror(ctx, &synced)
		}
	}

	util.CartMutationsTotal.WithLabelValues("clear").Inc()
	if len(failures) > 0 {
		util.CartMutationsFailedTotal.WithLabelValues("clear", "partial_release").Inc()
	}

	cart, err = c.carts.GetCart(ctx, cartKey)
	if err != nil {
		return nil, failures, err
	}
	return cart, failures, nil
}

// DetachItems empties the item map without touching the ledger: the holds
// stay on the counters and become the sale. Used after a confirmed payment.
func (c *CartService) DetachItems(ctx context.Context, cartKey string) error {
	ctx, span := util.StartSpan(ctx, "CartService.DetachItems")
	defer span.End()

	return c.storage.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		items, err := tx.CartItems(ctx, cartKey)
		if err != nil {
			return err
		}
		for productID := range items {
			if err := tx.SaveCartItem(ctx, cartKey, productID, 0); err != nil {
				return err
			}
		}
		return nil
	})
}

func (c *CartService) countMutationFailure(op string, err error) {
	reason := "error"
	if _, ok := models.IsInsufficientStock(err); ok {
		reason = "insufficient_stock"
		util.InsufficientStockTotal.Inc()
	} else if errors.Is(err, models.ErrNotFound) {
		reason = "not_found"
	} else if errors.Is(err, models.ErrTransientConflict) {
		reason = "conflict"
		util.TxRetriesTotal.Inc()
	}
	util.CartMutationsFailedTotal.WithLabelValues(op, reason).Inc()
}
