package models

import "time"

// Product represents a product in the catalog
type Product struct {
	ID        string    `db:"id" json:"id"`
	SKU       string    `db:"sku" json:"sku"`
	Name      string    `db:"name" json:"name"`
	Price     int64     `db:"price" json:"price"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Inventory holds the stock counters for a product. Stock is the total number
// of units ever made available; StockReserved counts units held by carts or
// already sold. The two share one counter on purpose: a committed sale stays
// inside StockReserved rather than moving to a separate "sold" bucket.
type Inventory struct {
	ProductID     string    `db:"product_id" json:"product_id"`
	Stock         int       `db:"stock" json:"stock"`
	StockReserved int       `db:"stock_reserved" json:"stock_reserved"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// Available returns the quantity offerable to new reservations.
func (inv *Inventory) Available() int {
	return inv.Stock - inv.StockReserved
}

// Reserve holds quantity units against available stock. The counters are
// mutated only when the full quantity fits; otherwise an
// InsufficientStockError is returned and the counters stay untouched.
func (inv *Inventory) Reserve(quantity int) error {
	if quantity <= 0 {
		return ErrInvalidQuantity
	}
	if inv.StockReserved+quantity > inv.Stock {
		return &InsufficientStockError{
			ProductID: inv.ProductID,
			Requested: quantity,
			Available: inv.Available(),
		}
	}
	inv.StockReserved += quantity
	return nil
}

// Release returns quantity units to available stock, clamping at zero so a
// double release can never drive the counter negative.
func (inv *Inventory) Release(quantity int) {
	if quantity <= 0 {
		return
	}
	inv.StockReserved -= quantity
	if inv.StockReserved < 0 {
		inv.StockReserved = 0
	}
}

// Cart is the read view of a cart: the item map plus the last mutation time.
// An unknown cart reads as an empty map. Carts are never deleted; an empty
// map is the terminal state.
type Cart struct {
	Key       string         `json:"key"`
	Items     map[string]int `json:"items"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Checkout is a pending payment attempt: a frozen snapshot of the cart at
// initiation time together with the server-computed amount.
type Checkout struct {
	ID        string    `db:"id" json:"id"`
	CartKey   string    `db:"cart_key" json:"cart_key"`
	Amount    int64     `db:"amount" json:"amount"`
	Currency  string    `db:"currency" json:"currency"`
	Status    string    `db:"status" json:"status"`
	IntentID  string    `db:"intent_id" json:"intent_id,omitempty"`
	// IntentSecret is kept so a duplicate initiation request can resume the
	// original payment. Never serialized into responses directly.
	IntentSecret string `db:"intent_secret" json:"-"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`

	Items []CheckoutItem `db:"-" json:"items"`
}

// CheckoutItem is one frozen line of a checkout snapshot.
type CheckoutItem struct {
	CheckoutID string `db:"checkout_id" json:"-"`
	ProductID  string `db:"product_id" json:"product_id"`
	Quantity   int    `db:"quantity" json:"quantity"`
	UnitPrice  int64  `db:"unit_price" json:"unit_price"`
}

// Order is the immutable record written once payment is confirmed.
type Order struct {
	ID          string    `db:"id" json:"id"`
	CheckoutID  string    `db:"checkout_id" json:"checkout_id"`
	CartKey     string    `db:"cart_key" json:"cart_key"`
	TotalAmount int64     `db:"total_amount" json:"total_amount"`
	Currency    string    `db:"currency" json:"currency"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// OrderItem represents items in an order
type OrderItem struct {
	ID        int64  `db:"id" json:"id"`
	OrderID   string `db:"order_id" json:"order_id"`
	ProductID string `db:"product_id" json:"product_id"`
	Quantity  int    `db:"quantity" json:"quantity"`
	UnitPrice int64  `db:"unit_price" json:"unit_price"`
}

// PaymentIntent is the client-usable handle returned by the payment provider.
type PaymentIntent struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
}

// Checkout statuses
const (
	CheckoutStatusPending   = "PENDING"
	CheckoutStatusSucceeded = "SUCCEEDED"
	CheckoutStatusFailed    = "FAILED"
	CheckoutStatusCancelled = "CANCELLED"
	CheckoutStatusExpired   = "EXPIRED"
)

// ProcessedEvent for idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}
