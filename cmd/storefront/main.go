package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jogardn/donut-preorders/internal/cache"
	"github.com/jogardn/donut-preorders/internal/circuitbreaker"
	"github.com/jogardn/donut-preorders/internal/config"
	"github.com/jogardn/donut-preorders/internal/events"
	"github.com/jogardn/donut-preorders/internal/inventory"
	"github.com/jogardn/donut-preorders/internal/preorders"
	"github.com/jogardn/donut-preorders/internal/square"
	"github.com/jogardn/donut-preorders/internal/websocket"
	"github.com/sirupsen/logrus"
)

type store interface {
	inventory.Store
	Ping(ctx context.Context) error
}

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}
	logger.SetLevel(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	breakers := circuitbreaker.NewManager(circuitbreaker.Config{
		MaxFailures: cfg.SquareBreakerMaxFailures,
		Timeout:     cfg.SquareBreakerTimeout,
		IsFailure:   square.IsTransient,
	}, logger)

	squareClient := square.NewClient(square.Options{
		BaseURL:     cfg.SquareURL(),
		AccessToken: cfg.SquareAccessToken,
		Timeout:     cfg.SquareTimeout,
		Breakers:    breakers,
	}, logger)
	logger.WithFields(logrus.Fields{
		"square_env":  cfg.SquareEnv,
		"location_id": cfg.SquareLocationID,
	}).Info("Square client configured")

	inventoryStore, closeStore := openStore(ctx, cfg, logger)
	defer closeStore()

	wsHub := websocket.NewHub(logger)
	var background sync.WaitGroup
	background.Add(1)
	go func() {
		defer background.Done()
		wsHub.Run(ctx)
	}()

	var notifiers []inventory.Notifier
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := events.NewKafkaProducer(cfg.KafkaBrokers, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create Kafka producer")
		}
		defer producer.Close()
		notifiers = append(notifiers, producer)

		consumer, err := events.NewKafkaConsumer(cfg.KafkaBrokers, cfg.KafkaGroup, wsHub, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create Kafka consumer")
		}
		defer consumer.Close()

		background.Add(1)
		go func() {
			defer background.Done()
			if err := consumer.Start(ctx); err != nil {
				logger.WithError(err).Error("Kafka consumer stopped")
			}
		}()
		logger.WithField("brokers", cfg.KafkaBrokers).Info("Inventory changes routed through Kafka")
	} else {
		notifiers = append(notifiers, wsHub)
		logger.Info("Kafka not configured - inventory changes go straight to the live feed")
	}

	counter := inventory.NewCounter(inventoryStore, inventory.Config{
		DailyLimit:     cfg.DailyLimit,
		ReservationTTL: cfg.ReservationTTL,
		StoreTimeout:   cfg.StoreTimeout,
	}, logger, notifiers...)

	background.Add(1)
	go func() {
		defer background.Done()
		counter.RunSweeper(ctx, cfg.SweepInterval)
	}()

	handler := preorders.NewHandler(squareClient, counter, preorders.Config{
		LocationID:          cfg.SquareLocationID,
		TaxPercent:          cfg.TaxPercent,
		PickupUTCOffset:     cfg.PickupUTCOffset,
		WebhookSignatureKey: cfg.WebhookSignatureKey,
		WebhookURL:          cfg.WebhookURL,
		SaleDays:            cfg.SaleDays,
		AdminWindowStart:    cfg.AdminWindowStart,
		AdminWindowEnd:      cfg.AdminWindowEnd,
		AdminToken:          cfg.AdminToken,
		AdminCacheTTL:       cfg.AdminCacheTTL,
		BackfillConcurrency: cfg.BackfillConcurrency,
	}, logger)
	handler.SetHealthSources(inventoryStore, breakers)

	if cfg.RedisAddr != "" {
		client, err := cache.NewRedisClient(ctx, cfg.RedisAddr)
		if err != nil {
			logger.WithError(err).Warn("Redis unavailable - admin report cache disabled")
		} else {
			reportCache := cache.NewReportCache(client, logger)
			defer reportCache.Close()
			handler.SetReportCache(reportCache)
			logger.WithField("addr", cfg.RedisAddr).Info("Admin report cache enabled")
		}
	}
	if cfg.WebhookSignatureKey == "" {
		logger.Warn("SQUARE_WEBHOOK_SIGNATURE_KEY not set - webhook signatures are not verified")
	}

	router := mux.NewRouter()
	handler.RegisterRoutes(router)
	router.HandleFunc("/admin/ws", handler.RequireAdmin(wsHub.HandleWebSocket))

	router.Use(corsMiddleware())
	router.Use(loggingMiddleware(logger))

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.WithField("port", cfg.Port).Info("Starting storefront server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	cancel()
	background.Wait()

	logger.Info("Server gracefully stopped")
}

// openStore connects the configured inventory store. Postgres gets its
// schema applied on start.
func openStore(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (store, func()) {
	switch cfg.StoreDriver {
	case config.StoreDriverREST:
		logger.WithField("url", cfg.StoreURL).Info("Using REST inventory store")
		return inventory.NewRESTStore(cfg.StoreURL, cfg.StoreKey, cfg.StoreTimeout, logger), func() {}

	default:
		db, err := inventory.Open(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to database")
		}
		pg := inventory.NewPostgresStore(db, logger)
		if err := pg.Migrate(ctx); err != nil {
			logger.WithError(err).Fatal("Failed to apply inventory schema")
		}
		logger.Info("Using Postgres inventory store")
		return pg, func() { db.Close() }
	}
}

func loggingMiddleware(logger *logrus.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			next.ServeHTTP(w, r)

			logger.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"remote":   r.RemoteAddr,
				"duration": time.Since(start).Milliseconds(),
			}).Info("Request completed")
		})
	}
}

func corsMiddleware() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Admin-Token")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
