package service

import (
	"context"
	"time"

	"cart-service/internal/models"
	"cart-service/internal/store"
	"cart-service/internal/util"

	"go.uber.org/zap"
)

// Mirror is the fast-path cache the ledger keeps in step with the
// authoritative counters. All mirror writes are best effort: the database
// decides, the mirror follows.
type Mirror interface {
	ReserveStock(ctx context.Context, productID string, quantity int) (available int64, ok bool, err error)
	ReleaseStock(ctx context.Context, productID string, quantity int) error
	CommitStock(ctx context.Context, productID string, quantity int) error
	SetInventory(ctx context.Context, productID string, stock, reserved int) error
	GetInventory(ctx context.Context, productID string) (stock, reserved int, err error)
}

// InventoryReader provides unlocked reads of the authoritative counters.
type InventoryReader interface {
	GetInventory(ctx context.Context, productID string) (*models.Inventory, error)
	GetInventories(ctx context.Context) ([]models.Inventory, error)
}

// Ledger owns the per-product stock counters and serializes every
// reservation mutation through the storage transaction primitive, so two
// concurrent holds on the last unit can never both succeed.
type Ledger struct {
	storage store.Storage
	reader  InventoryReader
	mirror  Mirror // may be nil
	logger  *zap.Logger
}

// NewLedger creates a new inventory ledger. mirror may be nil, in which case
// every read goes to the database.
func NewLedger(storage store.Storage, reader InventoryReader, mirror Mirror) *Ledger {
	return &Ledger{
		storage: storage,
		reader:  reader,
		mirror:  mirror,
		logger:  util.NamedLogger("ledger"),
	}
}

// Reserve atomically holds delta units of a product and returns the new
// available count. The mirror is consulted first so the common case stays off
// the database, but the database transaction remains the source of truth; a
// mirror hold is compensated when the database disagrees.
func (l *Ledger) Reserve(ctx context.Context, productID string, delta int) (int, error) {
	ctx, span := util.StartSpan(ctx, "Ledger.Reserve")
	defer span.End()

	start := time.Now()
	defer func() {
		util.ReserveLatency.Observe(time.Since(start).Seconds())
	}()

	if delta <= 0 {
		return 0, models.ErrInvalidQuantity
	}

	mirrored := false
	if l.mirror != nil {
		if _, ok, err := l.mirror.ReserveStock(ctx, productID, delta); err != nil {
			l.logger.Debug("Mirror reserve unavailable",
				zap.String("product_id", productID), zap.Error(err))
		} else if ok {
			mirrored = true
		}
		// ok=false means the mirror believes stock is short; the database
		// still gets the final word below.
	}

	var available int
	var synced models.Inventory
	err := l.storage.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		inv, err := tx.Inventory(ctx, productID)
		if err != nil {
			return err
		}
		if err := inv.Reserve(delta); err != nil {
			return err
		}
		available = inv.Available()
		synced = *inv
		return tx.SaveInventory(ctx, inv)
	})
	if err != nil {
		if mirrored {
			if relErr := l.mirror.ReleaseStock(ctx, productID, delta); relErr != nil {
				l.logger.Warn("Failed to compensate mirror hold",
					zap.String("product_id", productID), zap.Error(relErr))
			}
		}
		if _, ok := models.IsInsufficientStock(err); ok {
			util.InsufficientStockTotal.Inc()
		}
		return 0, err
	}

	util.StockReservedTotal.Add(float64(delta))
	if !mirrored {
		l.syncMirror(ctx, &synced)
	}
	return available, nil
}

// Release returns delta units to available stock, clamped at zero so a
// double release beyond zero is a no-op rather than an error.
func (l *Ledger) Release(ctx context.Context, productID string, delta int) error {
	ctx, span := util.StartSpan(ctx, "Ledger.Release")
	defer span.End()

	if delta <= 0 {
		return models.ErrInvalidQuantity
	}

	var synced models.Inventory
	err := l.storage.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		inv, err := tx.Inventory(ctx, productID)
		if err != nil {
			return err
		}
		inv.Release(delta)
		synced = *inv
		return tx.SaveInventory(ctx, inv)
	})
	if err != nil {
		return err
	}

	util.StockReleasedTotal.Add(float64(delta))
	l.syncMirror(ctx, &synced)
	return nil
}

// Commit marks delta units as permanently sold. Reserved and sold share one
// counter, so the counters do not move; this is the gate after which the
// corresponding order may be persisted. Only the mirror's sold tally advances.
func (l *Ledger) Commit(ctx context.Context, productID string, delta int) error {
	ctx, span := util.StartSpan(ctx, "Ledger.Commit")
	defer span.End()

	if delta <= 0 {
		return models.ErrInvalidQuantity
	}

	if l.mirror != nil {
		if err := l.mirror.CommitStock(ctx, productID, delta); err != nil {
			l.logger.Debug("Mirror commit unavailable",
				zap.String("product_id", productID), zap.Error(err))
		}
	}

	util.StockCommittedTotal.Add(float64(delta))
	return nil
}

// Availability returns the current counters for a product, mirror first.
func (l *Ledger) Availability(ctx context.Context, productID string) (stock, reserved int, err error) {
	if l.mirror != nil {
		stock, reserved, err = l.mirror.GetInventory(ctx, productID)
		if err == nil {
			return stock, reserved, nil
		}
	}

	inv, err := l.reader.GetInventory(ctx, productID)
	if err != nil {
		return 0, 0, err
	}
	return inv.Stock, inv.StockReserved, nil
}

// WarmMirror pushes every authoritative inventory row into the mirror.
// Called on boot so the fast path starts hot.
func (l *Ledger) WarmMirror(ctx context.Context) error {
	if l.mirror == nil {
		return nil
	}

	invs, err := l.reader.GetInventories(ctx)
	if err != nil {
		return err
	}

	for i := range invs {
		inv := &invs[i]
		if err := l.mirror.SetInventory(ctx, inv.ProductID, inv.Stock, inv.StockReserved); err != nil {
			l.logger.Error("Failed to warm mirror",
				zap.String("product_id", inv.ProductID), zap.Error(err))
		}
	}

	l.logger.Info("Inventory mirror warmed", zap.Int("count", len(invs)))
	return nil
}

func (l *Ledger) syncMirror(ctx context.Context, inv *models.Inventory) {
	if l.mirror == nil {
		return
	}
	if err := l.mirror.SetInventory(ctx, inv.ProductID, inv.Stock, inv.StockReserved); err != nil {
		l.logger.Debug("Mirror sync failed",
			zap.String("product_id", inv.ProductID), zap.Error(err))
	}
}
