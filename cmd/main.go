package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"

	"shopimg/internal/blob"
	"shopimg/internal/derivative"
	"shopimg/internal/lock"
	"shopimg/internal/logging"
	"shopimg/internal/metrics"
	"shopimg/internal/models"
	"shopimg/internal/registry"
	"shopimg/internal/server"
	"shopimg/internal/storage"
	"shopimg/internal/transform"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := models.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.NewStorage(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to init storage: %v", err)
	}
	defer db.Close()

	blobs, err := openBlobs(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to init blob storage: %v", err)
	}

	locks, closeLocks, err := openLocks(cfg)
	if err != nil {
		log.Fatalf("failed to init lock manager: %v", err)
	}
	defer closeLocks()

	tr, err := transform.New(transform.Options{
		Quality:       cfg.JPEGQuality,
		WatermarkText: cfg.WatermarkText,
		FontPath:      cfg.FontPath,
	})
	if err != nil {
		log.Fatalf("failed to init transformer: %v", err)
	}

	engine := derivative.New(
		derivative.Config{Sizes: cfg.Sizes, LockWait: cfg.LockWait},
		blobs, locks, registry.New(db), tr,
		derivative.WithMetrics(metrics.NewProm(cfg.MetricsNamespace)),
	)

	// Kafka producer
	var publisher server.Publisher
	if cfg.KafkaBroker != "" {
		producer := &kafka.Writer{
			Addr:                   kafka.TCP(cfg.KafkaBroker),
			Topic:                  cfg.KafkaTopic,
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
		}
		defer producer.Close()
		publisher = producer
	}

	srv := server.NewServer(cfg, db, engine, blobs, publisher)

	// Start Kafka consumer in background
	if cfg.KafkaBroker != "" {
		consumer := kafka.NewReader(kafka.ReaderConfig{
			Brokers: []string{cfg.KafkaBroker},
			Topic:   cfg.KafkaTopic,
			GroupID: cfg.KafkaGroup,
		})
		defer consumer.Close()
		go srv.Consume(ctx, consumer)
	} else {
		logging.Info("main", "kafka_broker not set, background warm-up disabled")
	}

	go func() {
		logging.Info("main", "http server listening", "addr", cfg.ServerAddr)
		if err := srv.Start(); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	// Graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	cancel()
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := srv.Stop(shutdownCtx); err != nil {
		logging.Error("main", "http shutdown failed", "err", err)
	}
}

func openBlobs(ctx context.Context, cfg *models.Config) (blob.Backend, error) {
	switch cfg.StorageDriver {
	case "minio":
		return blob.NewMinio(ctx, cfg.Minio)
	case "fs":
		return blob.NewLocal(cfg.StoragePath)
	}
	return nil, errors.New("unknown storage driver " + cfg.StorageDriver)
}

func openLocks(cfg *models.Config) (lock.Locker, func(), error) {
	switch cfg.LockDriver {
	case "redis":
		r, err := lock.NewRedis(cfg.RedisURL, cfg.LockTTL)
		if err != nil {
			return nil, nil, err
		}
		return r, func() { _ = r.Close() }, nil
	case "memory":
		return lock.NewMemory(), func() {}, nil
	case "file":
		f, err := lock.NewFile(cfg.LocksPath)
		if err != nil {
			return nil, nil, err
		}
		return f, func() {}, nil
	}
	return nil, nil, errors.New("unknown lock driver " + cfg.LockDriver)
}
