package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"cart-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCheckoutStore struct {
	mu        sync.Mutex
	checkouts map[string]*models.Checkout
	orders    []*models.Order
	items     map[string][]models.OrderItem
	processed map[string]bool
}

func newFakeCheckoutStore() *fakeCheckoutStore {
	return &fakeCheckoutStore{
		checkouts: make(map[string]*models.Checkout),
		items:     make(map[string][]models.OrderItem),
		processed: make(map[string]bool),
	}
}

func (f *fakeCheckoutStore) CreateCheckout(ctx context.Context, checkout *models.Checkout) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *checkout
	cp.CreatedAt = time.Now()
	f.checkouts[checkout.ID] = &cp
	return nil
}

func (f *fakeCheckoutStore) GetCheckout(ctx context.Context, id string) (*models.Checkout, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	checkout, ok := f.checkouts[id]
	if !ok {
		return nil, fmt.Errorf("checkout %s: %w", id, models.ErrNotFound)
	}
	cp := *checkout
	return &cp, nil
}

func (f *fakeCheckoutStore) HasPendingCheckout(ctx context.Context, cartKey string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.checkouts {
		if c.CartKey == cartKey && c.Status == models.CheckoutStatusPending {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeCheckoutStore) TransitionCheckout(ctx context.Context, id, from, to string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	checkout, ok := f.checkouts[id]
	if !ok || checkout.Status != from {
		return false, nil
	}
	checkout.Status = to
	return true, nil
}

func (f *fakeCheckoutStore) ListExpiredCheckouts(ctx context.Context, cutoff time.Time) ([]models.Checkout, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Checkout
	for _, c := range f.checkouts {
		if c.Status == models.CheckoutStatusPending && c.CreatedAt.Before(cutoff) {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (f *fakeCheckoutStore) CreateOrder(ctx context.Context, order *models.Order, items []models.OrderItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *order
	f.orders = append(f.orders, &cp)
	f.items[order.ID] = items
	return nil
}

func (f *fakeCheckoutStore) GetOrderByID(ctx context.Context, id string) (*models.Order, []models.OrderItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.orders {
		if o.ID == id {
			cp := *o
			return &cp, f.items[id], nil
		}
	}
	return nil, nil, fmt.Errorf("order %s: %w", id, models.ErrNotFound)
}

func (f *fakeCheckoutStore) GetOrderByCheckoutID(ctx context.Context, checkoutID string) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.orders {
		if o.CheckoutID == checkoutID {
			cp := *o
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("order for checkout %s: %w", checkoutID, models.ErrNotFound)
}

func (f *fakeCheckoutStore) GetOrdersByCartKey(ctx context.Context, cartKey string) ([]models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Order
	for _, o := range f.orders {
		if o.CartKey == cartKey {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (f *fakeCheckoutStore) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.processed[eventID], nil
}

func (f *fakeCheckoutStore) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed[eventID] = true
	return nil
}

func (f *fakeCheckoutStore) orderCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.orders)
}

type fakeProvider struct {
	lastAmount   int64
	lastCurrency string
	lastMetadata map[string]string
}

func (f *fakeProvider) CreateIntent(ctx context.Context, amount int64, currency string, metadata map[string]string) (*models.PaymentIntent, error) {
	f.lastAmount = amount
	f.lastCurrency = currency
	f.lastMetadata = metadata
	return &models.PaymentIntent{ID: "pi_test", ClientSecret: "pi_test_secret"}, nil
}

type fakePublisher struct {
	mu      sync.Mutex
	started []*models.CheckoutStartedEvent
	expired []*models.CheckoutExpiredEvent
	placed  []*models.OrderPlacedEvent
}

func (f *fakePublisher) PublishCheckoutStarted(ctx context.Context, e *models.CheckoutStartedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, e)
	return nil
}

func (f *fakePublisher) PublishCheckoutExpired(ctx context.Context, e *models.CheckoutExpiredEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expired = append(f.expired, e)
	return nil
}

func (f *fakePublisher) PublishOrderPlaced(ctx context.Context, e *models.OrderPlacedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placed = append(f.placed, e)
	return nil
}

type checkoutFixture struct {
	mem       *memStorage
	carts     *CartService
	store     *fakeCheckoutStore
	provider  *fakeProvider
	publisher *fakePublisher
	svc       *CheckoutService
}

func newCheckoutFixture() *checkoutFixture {
	mem := newMemStorage()
	ledger := newTestLedger(mem)
	carts := NewCartService(mem, mem, ledger)
	store := newFakeCheckoutStore()
	provider := &fakeProvider{}
	publisher := &fakePublisher{}
	svc := NewCheckoutService(store, mem, carts, ledger, provider, publisher, nil, "usd")
	return &checkoutFixture{
		mem: mem, carts: carts, store: store,
		provider: provider, publisher: publisher, svc: svc,
	}
}

func TestStartCheckoutComputesTotalFromCatalog(t *testing.T) {
	fx := newCheckoutFixture()
	fx.mem.seedProduct("p1", 1000, 10)
	fx.mem.seedProduct("p2", 500, 10)
	ctx := context.Background()

	_, err := fx.carts.AddItem(ctx, "user:42", "p1", 2)
	require.NoError(t, err)
	_, err = fx.carts.AddItem(ctx, "user:42", "p2", 1)
	require.NoError(t, err)

	checkout, intent, err := fx.svc.StartCheckout(ctx, "user:42", "")
	require.NoError(t, err)
	require.NotNil(t, intent)

	assert.Equal(t, int64(2*1000+1*500), checkout.Amount)
	assert.Equal(t, checkout.Amount, fx.provider.lastAmount)
	assert.Equal(t, "usd", fx.provider.lastCurrency)
	assert.Equal(t, checkout.ID, fx.provider.lastMetadata["checkout_id"])
	assert.Equal(t, models.CheckoutStatusPending, checkout.Status)
	assert.Len(t, fx.publisher.started, 1)
	assert.Len(t, checkout.Items, 2)
}

func TestStartCheckoutEmptyCart(t *testing.T) {
	fx := newCheckoutFixture()

	_, _, err := fx.svc.StartCheckout(context.Background(), "user:42", "")
	assert.ErrorIs(t, err, models.ErrEmptyCart)
}

func TestHandlePaymentSucceededPlacesOrder(t *testing.T) {
	fx := newCheckoutFixture()
	fx.mem.seedProduct("p1", 1000, 10)
	ctx := context.Background()

	_, err := fx.carts.AddItem(ctx, "user:42", "p1", 3)
	require.NoError(t, err)
	checkout, _, err := fx.svc.StartCheckout(ctx, "user:42", "")
	require.NoError(t, err)

	event := &models.PaymentSucceededEvent{
		BaseEvent:  newBaseEvent(models.EventTypePaymentSucceeded),
		CheckoutID: checkout.ID,
		IntentID:   checkout.IntentID,
		Amount:     checkout.Amount,
		TxID:       "TXN-1",
	}
	require.NoError(t, fx.svc.HandlePaymentSucceeded(ctx, event))

	require.Equal(t, 1, fx.store.orderCount())
	orders, err := fx.svc.ListOrders(ctx, "user:42")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, checkout.Amount, orders[0].TotalAmount)

	// The reservation stays on the counters: it has become the sale.
	assert.Equal(t, 3, fx.mem.reserved("p1"))

	cart, err := fx.carts.GetCart(ctx, "user:42")
	require.NoError(t, err)
	assert.Empty(t, cart.Items)

	stored, err := fx.store.GetCheckout(ctx, checkout.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CheckoutStatusSucceeded, stored.Status)
	assert.Len(t, fx.publisher.placed, 1)

	// Redelivery of the same event is a no-op.
	require.NoError(t, fx.svc.HandlePaymentSucceeded(ctx, event))
	assert.Equal(t, 1, fx.store.orderCount())
}

func TestHandlePaymentFailedReleasesReservations(t *testing.T) {
	fx := newCheckoutFixture()
	fx.mem.seedProduct("p1", 1000, 10)
	fx.mem.seedProduct("p2", 500, 10)
	ctx := context.Background()

	_, err := fx.carts.AddItem(ctx, "user:42", "p1", 3)
	require.NoError(t, err)
	_, err = fx.carts.AddItem(ctx, "user:42", "p2", 2)
	require.NoError(t, err)
	checkout, _, err := fx.svc.StartCheckout(ctx, "user:42", "")
	require.NoError(t, err)

	event := &models.PaymentFailedEvent{
		BaseEvent:  newBaseEvent(models.EventTypePaymentFailed),
		CheckoutID: checkout.ID,
		Reason:     "card_declined",
	}
	require.NoError(t, fx.svc.HandlePaymentFailed(ctx, event))

	assert.Equal(t, 0, fx.mem.reserved("p1"))
	assert.Equal(t, 0, fx.mem.reserved("p2"))

	cart, err := fx.carts.GetCart(ctx, "user:42")
	require.NoError(t, err)
	assert.Empty(t, cart.Items)

	stored, err := fx.store.GetCheckout(ctx, checkout.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CheckoutStatusFailed, stored.Status)
	assert.Equal(t, 0, fx.store.orderCount())
}

func TestCancelCheckout(t *testing.T) {
	fx := newCheckoutFixture()
	fx.mem.seedProduct("p1", 1000, 10)
	ctx := context.Background()

	_, err := fx.carts.AddItem(ctx, "user:42", "p1", 3)
	require.NoError(t, err)
	checkout, _, err := fx.svc.StartCheckout(ctx, "user:42", "")
	require.NoError(t, err)

	// Only the owner may cancel.
	err = fx.svc.CancelCheckout(ctx, checkout.ID, "user:99")
	assert.ErrorIs(t, err, models.ErrUnauthorized)

	require.NoError(t, fx.svc.CancelCheckout(ctx, checkout.ID, "user:42"))
	assert.Equal(t, 0, fx.mem.reserved("p1"))

	// A second cancel finds nothing pending.
	err = fx.svc.CancelCheckout(ctx, checkout.ID, "user:42")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestExpireCheckoutsReleasesStale(t *testing.T) {
	fx := newCheckoutFixture()
	fx.mem.seedProduct("p1", 1000, 10)
	ctx := context.Background()

	_, err := fx.carts.AddItem(ctx, "user:42", "p1", 3)
	require.NoError(t, err)
	checkout, _, err := fx.svc.StartCheckout(ctx, "user:42", "")
	require.NoError(t, err)

	// Age the checkout past the sweep threshold.
	fx.store.mu.Lock()
	fx.store.checkouts[checkout.ID].CreatedAt = time.Now().Add(-time.Hour)
	fx.store.mu.Unlock()

	expired, err := fx.svc.ExpireCheckouts(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	assert.Equal(t, 0, fx.mem.reserved("p1"))
	stored, err := fx.store.GetCheckout(ctx, checkout.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CheckoutStatusExpired, stored.Status)
	assert.Len(t, fx.publisher.expired, 1)
}

func TestStartCheckoutIdempotencyKey(t *testing.T) {
	fx := newCheckoutFixture()
	fx.mem.seedProduct("p1", 1000, 10)
	idem := &mapIdempotency{keys: make(map[string]string)}
	fx.svc.idem = idem
	ctx := context.Background()

	_, err := fx.carts.AddItem(ctx, "user:42", "p1", 2)
	require.NoError(t, err)

	first, _, err := fx.svc.StartCheckout(ctx, "user:42", "key-1")
	require.NoError(t, err)

	second, intent, err := fx.svc.StartCheckout(ctx, "user:42", "key-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, fx.publisher.started, 1)

	// The retry gets the original intent back so it can resume payment.
	require.NotNil(t, intent)
	assert.Equal(t, first.IntentID, intent.ID)
	assert.Equal(t, first.IntentSecret, intent.ClientSecret)
}

func TestStartCheckoutRejectsSecondPending(t *testing.T) {
	fx := newCheckoutFixture()
	fx.mem.seedProduct("p1", 1000, 10)
	ctx := context.Background()

	_, err := fx.carts.AddItem(ctx, "user:42", "p1", 2)
	require.NoError(t, err)

	checkout, _, err := fx.svc.StartCheckout(ctx, "user:42", "")
	require.NoError(t, err)

	// The holds back one snapshot; a second attempt must wait for the
	// first to resolve or be cancelled.
	_, _, err = fx.svc.StartCheckout(ctx, "user:42", "")
	assert.ErrorIs(t, err, models.ErrCheckoutPending)

	event := &models.PaymentFailedEvent{
		BaseEvent:  newBaseEvent(models.EventTypePaymentFailed),
		CheckoutID: checkout.ID,
		Reason:     "card_declined",
	}
	require.NoError(t, fx.svc.HandlePaymentFailed(ctx, event))

	// Once the pending checkout resolved, a fresh cart can check out again.
	_, err = fx.carts.AddItem(ctx, "user:42", "p1", 1)
	require.NoError(t, err)
	_, _, err = fx.svc.StartCheckout(ctx, "user:42", "")
	assert.NoError(t, err)
}

// flakyOrderStore fails CreateOrder a configured number of times before
// delegating, to exercise recovery from transient persistence failures.
type flakyOrderStore struct {
	*fakeCheckoutStore
	createOrderFailures int
}

func (f *flakyOrderStore) CreateOrder(ctx context.Context, order *models.Order, items []models.OrderItem) error {
	if f.createOrderFailures > 0 {
		f.createOrderFailures--
		return errors.New("connection reset by peer")
	}
	return f.fakeCheckoutStore.CreateOrder(ctx, order, items)
}

func TestHandlePaymentSucceededRecoversAfterOrderInsertFailure(t *testing.T) {
	mem := newMemStorage()
	mem.seedProduct("p1", 1000, 10)
	ledger := newTestLedger(mem)
	carts := NewCartService(mem, mem, ledger)
	flaky := &flakyOrderStore{fakeCheckoutStore: newFakeCheckoutStore(), createOrderFailures: 1}
	publisher := &fakePublisher{}
	svc := NewCheckoutService(flaky, mem, carts, ledger, &fakeProvider{}, publisher, nil, "usd")
	ctx := context.Background()

	_, err := carts.AddItem(ctx, "user:42", "p1", 3)
	require.NoError(t, err)
	checkout, _, err := svc.StartCheckout(ctx, "user:42", "")
	require.NoError(t, err)

	event := &models.PaymentSucceededEvent{
		BaseEvent:  newBaseEvent(models.EventTypePaymentSucceeded),
		CheckoutID: checkout.ID,
		IntentID:   checkout.IntentID,
		Amount:     checkout.Amount,
		TxID:       "TXN-1",
	}

	// First delivery wins the status transition but the order insert dies.
	require.Error(t, svc.HandlePaymentSucceeded(ctx, event))
	assert.Equal(t, 0, flaky.orderCount())

	// The event must not have been marked processed; redelivery finishes
	// the job for the already-succeeded checkout.
	require.NoError(t, svc.HandlePaymentSucceeded(ctx, event))
	require.Equal(t, 1, flaky.orderCount())

	stored, err := flaky.GetCheckout(ctx, checkout.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CheckoutStatusSucceeded, stored.Status)
	assert.Equal(t, 3, mem.reserved("p1"))

	cart, err := carts.GetCart(ctx, "user:42")
	require.NoError(t, err)
	assert.Empty(t, cart.Items)

	// A third delivery is a pure no-op.
	require.NoError(t, svc.HandlePaymentSucceeded(ctx, event))
	assert.Equal(t, 1, flaky.orderCount())
	assert.Len(t, publisher.placed, 1)
}

type mapIdempotency struct {
	mu   sync.Mutex
	keys map[string]string
}

func (m *mapIdempotency) SetIdempotencyKey(ctx context.Context, key, checkoutID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key] = checkoutID
	return nil
}

func (m *mapIdempotency) GetIdempotencyKey(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keys[key], nil
}
