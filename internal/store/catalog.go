package store

import (
	"context"
	"database/sql"
	"fmt"

	"cart-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// GetProductByID retrieves a product by ID
func (s *Store) GetProductByID(ctx context.Context, id string) (*models.Product, error) {
	var product models.Product
	err := s.db.GetContext(ctx, &product, "SELECT * FROM products WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("product %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &product, nil
}

// GetProducts retrieves all products
func (s *Store) GetProducts(ctx context.Context) ([]models.Product, error) {
	var products []models.Product
	err := s.db.SelectContext(ctx, &products, "SELECT * FROM products ORDER BY id")
	return products, err
}

// GetProductsByIDs retrieves multiple products by IDs
func (s *Store) GetProductsByIDs(ctx context.Context, ids []string) ([]models.Product, error) {
	if len(ids) == 0 {
		return []models.Product{}, nil
	}

	query, args, err := sqlx.In("SELECT * FROM products WHERE id IN (?)", ids)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)

	var products []models.Product
	err = s.db.SelectContext(ctx, &products, query, args...)
	return products, err
}

// GetInventory retrieves the current counters for a product without locking.
func (s *Store) GetInventory(ctx context.Context, productID string) (*models.Inventory, error) {
	var inv models.Inventory
	err := s.db.GetContext(ctx, &inv,
		"SELECT product_id, stock, stock_reserved, updated_at FROM inventory WHERE product_id = $1",
		productID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("inventory for product %s: %w", productID, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// GetInventories retrieves all inventory rows, used to warm the mirror on boot.
func (s *Store) GetInventories(ctx context.Context) ([]models.Inventory, error) {
	var invs []models.Inventory
	err := s.db.SelectContext(ctx, &invs,
		"SELECT product_id, stock, stock_reserved, updated_at FROM inventory ORDER BY product_id")
	return invs, err
}
