package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"cart-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const (
	maxTxAttempts  = 3
	retryBaseDelay = 10 * time.Millisecond
)

// Tx is the transactional read-modify-write surface the reservation protocol
// runs on. Reads of inventory rows take row locks, so two transactions
// touching the same product serialize on it.
type Tx interface {
	// Inventory returns the locked counters for a product.
	// Returns models.ErrNotFound for an unknown product.
	Inventory(ctx context.Context, productID string) (*models.Inventory, error)

	// SaveInventory writes back counters previously read in this transaction.
	SaveInventory(ctx context.Context, inv *models.Inventory) error

	// CartItems returns the item map of a cart. Unknown carts read as empty.
	CartItems(ctx context.Context, cartKey string) (map[string]int, error)

	// SaveCartItem upserts one line of a cart's item map and advances the
	// cart's updated_at. A quantity of zero deletes the line.
	SaveCartItem(ctx context.Context, cartKey, productID string, quantity int) error
}

// Storage runs functions inside an atomic transaction with bounded retry on
// concurrency conflicts. The function may be invoked more than once and must
// be side-effect free outside the transaction.
type Storage interface {
	RunTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// RunTx executes fn inside a transaction. Serialization and deadlock failures
// are retried up to maxTxAttempts with a linear backoff before surfacing
// models.ErrTransientConflict. Domain errors pass through untouched and roll
// the transaction back.
func (s *Store) RunTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	var lastErr error

	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryBaseDelay * time.Duration(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := s.runOnce(ctx, fn)
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("%w: %v", models.ErrTransientConflict, lastErr)
}

// Cart item reads take no row locks, so transactions must run serializable:
// a stale read-modify-write of the same cart line then fails with 40001
// instead of committing a lost update, and the retry loop absorbs it.
var txOptions = &sql.TxOptions{Isolation: sql.LevelSerializable}

func (s *Store) runOnce(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, txOptions)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(ctx, &sqlTx{tx: tx}); err != nil {
		return err
	}

	return tx.Commit()
}

// isRetryable reports whether err is a serialization failure (40001) or a
// deadlock (40P01), the two conditions Postgres asks clients to retry.
func isRetryable(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}

// sqlTx implements Tx on top of a sqlx transaction.
type sqlTx struct {
	tx *sqlx.Tx
}

func (t *sqlTx) Inventory(ctx context.Context, productID string) (*models.Inventory, error) {
	var inv models.Inventory
	err := t.tx.GetContext(ctx, &inv,
		"SELECT product_id, stock, stock_reserved, updated_at FROM inventory WHERE product_id = $1 FOR UPDATE",
		productID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("product %s: %w", productID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock inventory: %w", err)
	}
	return &inv, nil
}

func (t *sqlTx) SaveInventory(ctx context.Context, inv *models.Inventory) error {
	_, err := t.tx.ExecContext(ctx,
		"UPDATE inventory SET stock = $1, stock_reserved = $2, updated_at = NOW() WHERE product_id = $3",
		inv.Stock, inv.StockReserved, inv.ProductID)
	if err != nil {
		return fmt.Errorf("failed to save inventory: %w", err)
	}
	return nil
}

func (t *sqlTx) CartItems(ctx context.Context, cartKey string) (map[string]int, error) {
	rows, err := t.tx.QueryxContext(ctx,
		"SELECT product_id, quantity FROM cart_items WHERE cart_key = $1", cartKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make(map[string]int)
	for rows.Next() {
		var productID string
		var quantity int
		if err := rows.Scan(&productID, &quantity); err != nil {
			return nil, err
		}
		items[productID] = quantity
	}
	return items, rows.Err()
}

func (t *sqlTx) SaveCartItem(ctx context.Context, cartKey, productID string, quantity int) error {
	// Carts are created lazily on first write and never deleted.
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO carts (cart_key, updated_at) VALUES ($1, NOW())
		ON CONFLICT (cart_key) DO UPDATE SET updated_at = NOW()`, cartKey)
	if err != nil {
		return fmt.Errorf("failed to touch cart: %w", err)
	}

	if quantity == 0 {
		_, err = t.tx.ExecContext(ctx,
			"DELETE FROM cart_items WHERE cart_key = $1 AND product_id = $2",
			cartKey, productID)
		return err
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO cart_items (cart_key, product_id, quantity)
		VALUES ($1, $2, $3)
		ON CONFLICT (cart_key, product_id) DO UPDATE SET quantity = $3`,
		cartKey, productID, quantity)
	return err
}
