package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cart-service/config"
	"cart-service/internal/api"
	"cart-service/internal/auth"
	"cart-service/internal/broker"
	"cart-service/internal/redisclient"
	"cart-service/internal/service"
	"cart-service/internal/store"
	"cart-service/internal/util"
	"cart-service/internal/worker"

	"github.com/gin-gonic/gin"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting cart service")

	tp, err := util.InitTracer("cart-service", cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Println("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicCheckout)
	defer producer.Close()
	log.Println("Kafka producer initialized")

	eventPublisher := broker.NewEventPublisher(producer)

	ledger := service.NewLedger(db, db, redisClient)
	cartService := service.NewCartService(db, db, ledger)
	paymentService := service.NewPaymentService(eventPublisher)
	checkoutService := service.NewCheckoutService(
		db, db, cartService, ledger,
		paymentService, eventPublisher, redisClient,
		cfg.Business.Currency,
	)

	ctx := context.Background()
	if err := ledger.WarmMirror(ctx); err != nil {
		log.Printf("Failed to warm inventory mirror: %v", err)
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	checkoutConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicCheckout, cfg.Kafka.ConsumerGroup)
	checkoutWorker := worker.NewCheckoutWorker(checkoutConsumer, checkoutService)
	go func() {
		if err := checkoutWorker.Start(workerCtx); err != nil {
			log.Printf("Checkout worker error: %v", err)
		}
	}()

	paymentConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicCheckout, "payment-service-group")
	paymentWorker := worker.NewPaymentWorker(paymentConsumer, paymentService)
	go func() {
		if err := paymentWorker.Start(workerCtx); err != nil {
			log.Printf("Payment worker error: %v", err)
		}
	}()

	sweepWorker := worker.NewSweepWorker(
		checkoutService,
		redisClient,
		time.Duration(cfg.Business.CheckoutExpirySeconds)*time.Second,
		time.Duration(cfg.Business.SweepIntervalSeconds)*time.Second,
	)
	go func() {
		if err := sweepWorker.Start(workerCtx); err != nil && err != context.Canceled {
			log.Printf("Sweep worker error: %v", err)
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()
	verifier := auth.NewJWTVerifier(cfg.Auth.JWTSecret)
	handler := api.NewHandler(
		cartService, checkoutService, ledger, db,
		verifier, cfg.Auth.GuestCookieName, cfg.Auth.GuestCookieMaxAge,
	)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	workerCancel()
	checkoutWorker.Stop()
	paymentWorker.Stop()
	<-sweepWorker.Done()

	log.Println("Server exited")
}
