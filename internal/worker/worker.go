package worker

import (
	"context"
	"encoding/json"
	"time"

	"cart-service/internal/broker"
	"cart-service/internal/models"
	"cart-service/internal/service"
	"cart-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// CheckoutWorker consumes payment outcome events and drives the checkout
// to its terminal state: order placement on success, reservation release
// on failure.
type CheckoutWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	logger       *zap.Logger
}

// NewCheckoutWorker creates a new checkout worker
func NewCheckoutWorker(
	consumer *broker.Consumer,
	checkouts *service.CheckoutService,
) *CheckoutWorker {
	eventHandler := broker.NewEventHandler()

	eventHandler.OnPaymentSucceeded(checkouts.HandlePaymentSucceeded)
	eventHandler.OnPaymentFailed(checkouts.HandlePaymentFailed)

	return &CheckoutWorker{
		consumer:     consumer,
		eventHandler: eventHandler,
		logger:       util.NamedLogger("checkout-worker"),
	}
}

// Start starts the worker
func (w *CheckoutWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting checkout worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *CheckoutWorker) Stop() error {
	w.logger.Info("Stopping checkout worker")
	return w.consumer.Close()
}

// PaymentWorker consumes CheckoutStarted events and runs the mocked
// provider against each intent.
type PaymentWorker struct {
	consumer *broker.Consumer
	payments *service.PaymentService
	logger   *zap.Logger
}

// NewPaymentWorker creates a new payment worker
func NewPaymentWorker(
	consumer *broker.Consumer,
	payments *service.PaymentService,
) *PaymentWorker {
	return &PaymentWorker{
		consumer: consumer,
		payments: payments,
		logger:   util.NamedLogger("payment-worker"),
	}
}

// Start starts the payment worker
func (pw *PaymentWorker) Start(ctx context.Context) error {
	pw.logger.Info("Starting payment worker")

	return pw.consumer.StartConsuming(ctx, func(ctx context.Context, msg kafka.Message) error {
		var baseEvent models.BaseEvent
		if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
			pw.logger.Error("Failed to unmarshal event", zap.Error(err))
			return err
		}

		if baseEvent.EventType != models.EventTypeCheckoutStarted {
			return nil
		}

		var event models.CheckoutStartedEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			pw.logger.Error("Failed to unmarshal CheckoutStarted event", zap.Error(err))
			return err
		}

		pw.logger.Info("Processing payment for checkout",
			zap.String("checkout_id", event.CheckoutID))

		return pw.payments.ProcessIntent(ctx, &event)
	})
}

// Stop stops the payment worker
func (pw *PaymentWorker) Stop() error {
	pw.logger.Info("Stopping payment worker")
	return pw.consumer.Close()
}

// SweepLocker serializes the sweep across instances.
type SweepLocker interface {
	AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, lockKey string) error
}

const sweepLockKey = "checkout-sweep"

// SweepWorker periodically expires pending checkouts older than maxAge.
// A maxAge of zero disables the sweep entirely and pending checkouts
// hold their reservations until payment resolves or the owner cancels.
type SweepWorker struct {
	checkouts *service.CheckoutService
	locker    SweepLocker // may be nil, sweep then runs unlocked
	maxAge    time.Duration
	interval  time.Duration
	logger    *zap.Logger
	done      chan struct{}
}

// NewSweepWorker creates a new sweep worker
func NewSweepWorker(
	checkouts *service.CheckoutService,
	locker SweepLocker,
	maxAge time.Duration,
	interval time.Duration,
) *SweepWorker {
	return &SweepWorker{
		checkouts: checkouts,
		locker:    locker,
		maxAge:    maxAge,
		interval:  interval,
		logger:    util.NamedLogger("sweep-worker"),
		done:      make(chan struct{}),
	}
}

// Start runs the sweep loop until the context is cancelled. It returns
// immediately when the sweep is disabled.
func (sw *SweepWorker) Start(ctx context.Context) error {
	if sw.maxAge <= 0 {
		sw.logger.Info("Checkout sweep disabled")
		close(sw.done)
		return nil
	}

	sw.logger.Info("Starting sweep worker",
		zap.Duration("max_age", sw.maxAge),
		zap.Duration("interval", sw.interval))

	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()
	defer close(sw.done)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			sw.sweep(ctx)
		}
	}
}

// Done is closed once the sweep loop has exited.
func (sw *SweepWorker) Done() <-chan struct{} {
	return sw.done
}

func (sw *SweepWorker) sweep(ctx context.Context) {
	if sw.locker != nil {
		acquired, err := sw.locker.AcquireLock(ctx, sweepLockKey, sw.interval)
		if err != nil {
			sw.logger.Warn("Failed to acquire sweep lock", zap.Error(err))
			return
		}
		if !acquired {
			return
		}
		defer func() {
			if err := sw.locker.ReleaseLock(ctx, sweepLockKey); err != nil {
				sw.logger.Warn("Failed to release sweep lock", zap.Error(err))
			}
		}()
	}

	expired, err := sw.checkouts.ExpireCheckouts(ctx, sw.maxAge)
	if err != nil {
		sw.logger.Error("Checkout sweep failed", zap.Error(err))
		return
	}
	if expired > 0 {
		sw.logger.Info("Expired stale checkouts", zap.Int("count", expired))
	}
}
