package models

import "time"

// Event types
const (
	EventTypeCheckoutStarted  = "CHECKOUT_STARTED"
	EventTypeCheckoutExpired  = "CHECKOUT_EXPIRED"
	EventTypePaymentSucceeded = "PAYMENT_SUCCEEDED"
	EventTypePaymentFailed    = "PAYMENT_FAILED"
	EventTypeOrderPlaced      = "ORDER_PLACED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// CheckoutItemData represents a frozen line item carried inside events.
type CheckoutItemData struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}

// CheckoutStartedEvent published when a payment intent has been created for
// a cart snapshot.
type CheckoutStartedEvent struct {
	BaseEvent
	CheckoutID string             `json:"checkout_id"`
	CartKey    string             `json:"cart_key"`
	Amount     int64              `json:"amount"`
	Currency   string             `json:"currency"`
	IntentID   string             `json:"intent_id"`
	Items      []CheckoutItemData `json:"items"`
}

// CheckoutExpiredEvent published when the sweep releases an abandoned checkout.
type CheckoutExpiredEvent struct {
	BaseEvent
	CheckoutID string `json:"checkout_id"`
	CartKey    string `json:"cart_key"`
}

// PaymentSucceededEvent published by the payment side when a charge confirms.
type PaymentSucceededEvent struct {
	BaseEvent
	CheckoutID string `json:"checkout_id"`
	IntentID   string `json:"intent_id"`
	Amount     int64  `json:"amount"`
	TxID       string `json:"tx_id"`
}

// PaymentFailedEvent published by the payment side when a charge is declined
// or abandoned.
type PaymentFailedEvent struct {
	BaseEvent
	CheckoutID string `json:"checkout_id"`
	IntentID   string `json:"intent_id"`
	Reason     string `json:"reason"`
}

// OrderPlacedEvent published once the order record has been persisted.
type OrderPlacedEvent struct {
	BaseEvent
	OrderID    string `json:"order_id"`
	CheckoutID string `json:"checkout_id"`
	CartKey    string `json:"cart_key"`
	Amount     int64  `json:"amount"`
}
