package store

import (
	"context"
	"database/sql"
	"time"

	"cart-service/internal/models"
)

// GetCart reads the current item map of a cart. An unknown cart key returns
// an empty cart rather than an error.
func (s *Store) GetCart(ctx context.Context, cartKey string) (*models.Cart, error) {
	cart := &models.Cart{
		Key:   cartKey,
		Items: make(map[string]int),
	}

	var updatedAt time.Time
	err := s.db.GetContext(ctx, &updatedAt,
		"SELECT updated_at FROM carts WHERE cart_key = $1", cartKey)
	if err == sql.ErrNoRows {
		return cart, nil
	}
	if err != nil {
		return nil, err
	}
	cart.UpdatedAt = updatedAt

	rows, err := s.db.QueryxContext(ctx,
		"SELECT product_id, quantity FROM cart_items WHERE cart_key = $1", cartKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var productID string
		var quantity int
		if err := rows.Scan(&productID, &quantity); err != nil {
			return nil, err
		}
		cart.Items[productID] = quantity
	}
	return cart, rows.Err()
}
