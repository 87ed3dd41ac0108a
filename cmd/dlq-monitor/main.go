package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jogardn/donut-preorders/internal/config"
	"github.com/jogardn/donut-preorders/internal/events"
	"github.com/sirupsen/logrus"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}
	logger.SetLevel(cfg.LogLevel)

	brokers := cfg.KafkaBrokers
	if len(brokers) == 0 {
		brokers = []string{"localhost:9092"}
	}

	monitor, err := events.NewDLQMonitor(brokers, cfg.KafkaDLQGroup, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create DLQ consumer")
	}
	defer monitor.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := monitor.Start(ctx); err != nil {
			logger.WithError(err).Error("Error consuming from DLQ")
		}
	}()

	logger.WithField("topic", events.InventoryChangedDLQTopic).Info("DLQ monitor started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigChan:
	case <-done:
	}

	cancel()
	<-done
	logger.WithField("dead_letters", monitor.Seen()).Info("DLQ monitor stopped")
}
