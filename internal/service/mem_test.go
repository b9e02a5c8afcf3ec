package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cart-service/internal/models"
	"cart-service/internal/store"
)

// memStorage is an in-memory stand-in for the Postgres store. RunTx holds one
// mutex for the whole transaction, which gives the same serialization the
// row locks provide, and restores a snapshot on error so failed transactions
// leave nothing behind.
type memStorage struct {
	mu          sync.Mutex
	inventories map[string]models.Inventory
	products    map[string]models.Product
	carts       map[string]map[string]int
	updatedAt   map[string]time.Time

	// failProducts makes Inventory() fail inside transactions for the given
	// products, to exercise partial-failure paths.
	failProducts map[string]error
}

func newMemStorage() *memStorage {
	return &memStorage{
		inventories:  make(map[string]models.Inventory),
		products:     make(map[string]models.Product),
		carts:        make(map[string]map[string]int),
		updatedAt:    make(map[string]time.Time),
		failProducts: make(map[string]error),
	}
}

func (m *memStorage) seedProduct(id string, price int64, stock int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products[id] = models.Product{ID: id, SKU: "sku-" + id, Name: "Product " + id, Price: price}
	m.inventories[id] = models.Inventory{ProductID: id, Stock: stock}
}

func (m *memStorage) reserved(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inventories[id].StockReserved
}

func (m *memStorage) inventoryAvailable(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv := m.inventories[id]
	return inv.Available()
}

func (m *memStorage) RunTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapInv := make(map[string]models.Inventory, len(m.inventories))
	for k, v := range m.inventories {
		snapInv[k] = v
	}
	snapCarts := make(map[string]map[string]int, len(m.carts))
	for k, items := range m.carts {
		cp := make(map[string]int, len(items))
		for p, q := range items {
			cp[p] = q
		}
		snapCarts[k] = cp
	}

	if err := fn(ctx, &memTx{s: m}); err != nil {
		m.inventories = snapInv
		m.carts = snapCarts
		return err
	}
	return nil
}

type memTx struct {
	s *memStorage
}

func (t *memTx) Inventory(ctx context.Context, productID string) (*models.Inventory, error) {
	if err, ok := t.s.failProducts[productID]; ok {
		return nil, err
	}
	inv, ok := t.s.inventories[productID]
	if !ok {
		return nil, fmt.Errorf("product %s: %w", productID, models.ErrNotFound)
	}
	return &inv, nil
}

func (t *memTx) SaveInventory(ctx context.Context, inv *models.Inventory) error {
	t.s.inventories[inv.ProductID] = *inv
	return nil
}

func (t *memTx) CartItems(ctx context.Context, cartKey string) (map[string]int, error) {
	items := make(map[string]int)
	for p, q := range t.s.carts[cartKey] {
		items[p] = q
	}
	return items, nil
}

func (t *memTx) SaveCartItem(ctx context.Context, cartKey, productID string, quantity int) error {
	if t.s.carts[cartKey] == nil {
		t.s.carts[cartKey] = make(map[string]int)
	}
	if quantity == 0 {
		delete(t.s.carts[cartKey], productID)
	} else {
		t.s.carts[cartKey][productID] = quantity
	}
	t.s.updatedAt[cartKey] = time.Now()
	return nil
}

// GetCart implements CartReader.
func (m *memStorage) GetCart(ctx context.Context, cartKey string) (*models.Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cart := &models.Cart{
		Key:       cartKey,
		Items:     make(map[string]int),
		UpdatedAt: m.updatedAt[cartKey],
	}
	for p, q := range m.carts[cartKey] {
		cart.Items[p] = q
	}
	return cart, nil
}

// GetInventory implements InventoryReader.
func (m *memStorage) GetInventory(ctx context.Context, productID string) (*models.Inventory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inv, ok := m.inventories[productID]
	if !ok {
		return nil, fmt.Errorf("inventory for product %s: %w", productID, models.ErrNotFound)
	}
	return &inv, nil
}

// GetInventories implements InventoryReader.
func (m *memStorage) GetInventories(ctx context.Context) ([]models.Inventory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	invs := make([]models.Inventory, 0, len(m.inventories))
	for _, inv := range m.inventories {
		invs = append(invs, inv)
	}
	return invs, nil
}

// GetProductsByIDs implements Catalog.
func (m *memStorage) GetProductsByIDs(ctx context.Context, ids []string) ([]models.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	products := make([]models.Product, 0, len(ids))
	for _, id := range ids {
		if p, ok := m.products[id]; ok {
			products = append(products, p)
		}
	}
	return products, nil
}
