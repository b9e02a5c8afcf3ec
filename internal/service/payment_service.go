package service

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"cart-service/internal/models"
	"cart-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PaymentPublisher is the slice of the event bus the payment side needs.
type PaymentPublisher interface {
	PublishPaymentSucceeded(ctx context.Context, event *models.PaymentSucceededEvent) error
	PublishPaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error
}

// PaymentService is a mocked payment collaborator. It hands out intents
// synchronously and reports the outcome asynchronously as payment events,
// the same shape a real provider's webhook delivery has.
type PaymentService struct {
	publisher   PaymentPublisher
	logger      *zap.Logger
	successRate float64 // 0.0 - 1.0
}

// NewPaymentService creates a new payment service
func NewPaymentService(publisher PaymentPublisher) *PaymentService {
	return &PaymentService{
		publisher:   publisher,
		logger:      util.NamedLogger("payment"),
		successRate: 0.9, // 90% success rate for testing
	}
}

// CreateIntent returns a client-usable payment handle. The metadata travels
// opaquely with the intent, exactly as the provider contract promises.
func (ps *PaymentService) CreateIntent(ctx context.Context, amount int64, currency string, metadata map[string]string) (*models.PaymentIntent, error) {
	util.PaymentAttemptsTotal.Inc()

	intentID := fmt.Sprintf("pi_%s", uuid.New().String()[:8])
	ps.logger.Info("Payment intent created",
		zap.String("intent_id", intentID),
		zap.Int64("amount", amount),
		zap.String("currency", currency),
		zap.String("checkout_id", metadata["checkout_id"]))

	return &models.PaymentIntent{
		ID:           intentID,
		ClientSecret: fmt.Sprintf("%s_secret_%s", intentID, uuid.New().String()[:8]),
	}, nil
}

// ProcessIntent simulates the provider confirming or declining a charge and
// publishes the matching payment event.
func (ps *PaymentService) ProcessIntent(ctx context.Context, event *models.CheckoutStartedEvent) error {
	ctx, span := util.StartSpan(ctx, "PaymentService.ProcessIntent")
	defer span.End()

	start := time.Now()
	defer func() {
		util.PaymentProcessingLatency.Observe(time.Since(start).Seconds())
	}()

	ps.logger.Info("Processing payment",
		zap.String("checkout_id", event.CheckoutID),
		zap.Int64("amount", event.Amount))

	time.Sleep(time.Duration(100+rand.Intn(400)) * time.Millisecond)

	if rand.Float64() < ps.successRate {
		txID := fmt.Sprintf("TXN-%s", uuid.New().String()[:8])
		ps.logger.Info("Payment succeeded",
			zap.String("checkout_id", event.CheckoutID),
			zap.String("tx_id", txID))

		succeeded := &models.PaymentSucceededEvent{
			BaseEvent:  newBaseEvent(models.EventTypePaymentSucceeded),
			CheckoutID: event.CheckoutID,
			IntentID:   event.IntentID,
			Amount:     event.Amount,
			TxID:       txID,
		}
		if err := ps.publisher.PublishPaymentSucceeded(ctx, succeeded); err != nil {
			ps.logger.Error("Failed to publish PaymentSucceeded event", zap.Error(err))
			return err
		}
		return nil
	}

	ps.logger.Warn("Payment declined", zap.String("checkout_id", event.CheckoutID))

	failed := &models.PaymentFailedEvent{
		BaseEvent:  newBaseEvent(models.EventTypePaymentFailed),
		CheckoutID: event.CheckoutID,
		IntentID:   event.IntentID,
		Reason:     "mock_payment_declined",
	}
	if err := ps.publisher.PublishPaymentFailed(ctx, failed); err != nil {
		ps.logger.Error("Failed to publish PaymentFailed event", zap.Error(err))
		return err
	}
	return nil
}
