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

	"shop-core/config"
	"shop-core/internal/api"
	"shop-core/internal/broker"
	"shop-core/internal/currency"
	"shop-core/internal/gateway"
	"shop-core/internal/notifier"
	"shop-core/internal/redisclient"
	"shop-core/internal/service"
	"shop-core/internal/store"
	"shop-core/internal/util"
	"shop-core/internal/worker"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting shop core")

	tp, err := util.InitTracer("shop-core", cfg.Observ.JaegerEndpoint)
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

	cur, err := currency.Get(cfg.Shop.Currency)
	if err != nil {
		log.Fatalf("Bad shop currency: %v", err)
	}

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	if err := db.EnsureSchema(context.Background()); err != nil {
		log.Fatalf("Failed to ensure schema: %v", err)
	}
	log.Println("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Println("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents)
	defer producer.Close()
	log.Println("Kafka producer initialized")

	eventPublisher := broker.NewEventPublisher(producer)

	seqNode, err := snowflake.NewNode(cfg.Shop.SequenceNode)
	if err != nil {
		log.Fatalf("Failed to create sequence node: %v", err)
	}

	couponService := service.NewCouponService(db, redisClient, eventPublisher, cfg.Coupon)
	orderService := service.NewOrderService(db, eventPublisher, couponService, seqNode, nil, cur.Code, nil)
	paymentService := service.NewPaymentService(db, orderService, eventPublisher)

	processor := gateway.NewProcessor(
		[]gateway.Gateway{
			gateway.NewStripeGateway(cfg.Gateways.StripeSecret, time.Duration(cfg.Gateways.StripeToleranceSecs)*time.Second),
			gateway.NewPaypalGateway(cfg.Gateways.PaypalVerifyURL, time.Duration(cfg.Gateways.PaypalTimeoutSecs)*time.Second),
		},
		db, paymentService, orderService, redisClient,
	)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	// daily sweep; the admin endpoint covers on-demand runs
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C:
				if n, err := couponService.Expire(workerCtx, "system"); err != nil {
					log.Printf("Coupon expiry sweep failed: %v", err)
				} else if n > 0 {
					log.Printf("Coupon expiry sweep zeroed %d instruments", n)
				}
			}
		}
	}()

	eventConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents, cfg.Kafka.ConsumerGroup)
	notifyWorker := worker.NewNotificationWorker(eventConsumer, notifier.NewLogMailer(), cur)
	go func() {
		if err := notifyWorker.Start(workerCtx); err != nil {
			log.Printf("Notification worker error: %v", err)
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()
	handler := api.NewHandler(orderService, paymentService, couponService, processor, db, cfg)
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
	notifyWorker.Stop()

	log.Println("Server exited")
}
