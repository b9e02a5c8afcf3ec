package models

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the service and store layers. They are the
// error kinds the HTTP layer maps to status codes.
var (
	// ErrNotFound means the cart item, product, checkout or order does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidQuantity means a non-positive quantity where a positive one is
	// required, or a negative one where zero is the floor.
	ErrInvalidQuantity = errors.New("invalid quantity")

	// ErrEmptyCart means checkout was attempted on a cart with no items.
	ErrEmptyCart = errors.New("cart is empty")

	// ErrCheckoutPending means the cart already has a checkout awaiting
	// payment; it must resolve or be cancelled before a new one starts.
	ErrCheckoutPending = errors.New("a pending checkout already exists for this cart")

	// ErrTransientConflict means the transaction retry budget was exhausted;
	// the caller may simply try again.
	ErrTransientConflict = errors.New("transient conflict, try again")

	// ErrUnauthenticated means no valid identity was presented.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrUnauthorized means the identity is valid but may not access the resource.
	ErrUnauthorized = errors.New("unauthorized")
)

// InsufficientStockError reports a reservation that exceeds availability,
// with enough detail for the client to adjust the requested quantity.
type InsufficientStockError struct {
	ProductID string `json:"product_id"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: requested=%d available=%d",
		e.ProductID, e.Requested, e.Available)
}

// IsInsufficientStock reports whether err is an InsufficientStockError and
// returns it when so.
func IsInsufficientStock(err error) (*InsufficientStockError, bool) {
	var ise *InsufficientStockError
	if errors.As(err, &ise) {
		return ise, true
	}
	return nil, false
}
