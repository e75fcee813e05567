package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xiaot623/rpbridge/internal/adapter/notify"
	"github.com/xiaot623/rpbridge/internal/adapter/partner"
	"github.com/xiaot623/rpbridge/internal/config"
	"github.com/xiaot623/rpbridge/internal/dispatch"
	"github.com/xiaot623/rpbridge/internal/feed"
	"github.com/xiaot623/rpbridge/internal/observability"
	"github.com/xiaot623/rpbridge/internal/policy"
	"github.com/xiaot623/rpbridge/internal/repository"
	"github.com/xiaot623/rpbridge/internal/service"
	"github.com/xiaot623/rpbridge/internal/token"
	handler "github.com/xiaot623/rpbridge/internal/transport/http"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	log := observability.Component(logger, "main")

	log.Info("Starting rpbridge...")
	log.Infof("Public HTTP Port: %d", cfg.HTTPPort)
	log.Infof("Internal HTTP Port: %d", cfg.InternalPort)
	log.Infof("Database: %s", cfg.DatabaseURL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize tracing
	shutdownTracing, err := observability.InitTracing(ctx, "rpbridge", cfg.OTelEndpoint)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize tracing")
	}

	// Initialize store
	db, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize store")
	}
	defer db.Close()

	// Initialize token codec
	codec, err := token.NewCodec([]byte(cfg.LaunchSecret),
		token.WithMaxLifetime(cfg.TokenMaxLifetime),
		token.WithClockSkew(cfg.TokenClockSkew),
	)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize token codec")
	}

	// Initialize policy engine
	policyEngine, err := policy.NewEngine(ctx, policy.DefaultPolicy, policy.Options{
		AllowedHosts:  cfg.PartnerAllowedHosts,
		AllowInsecure: cfg.AllowInsecureURLs,
	})
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize policy engine")
	}

	// Initialize partner client
	partnerClient := partner.NewClient(cfg.PartnerMetadataURL, []byte(cfg.LaunchSecret))

	// Delivery observers
	hub := feed.NewHub(observability.Component(logger, "feed"))
	observers := []dispatch.Observer{hub}
	var notifier *notify.FailureNotifier
	if cfg.AMQPURL != "" {
		publisher, err := notify.NewAMQPPublisher(cfg.AMQPURL)
		if err != nil {
			log.WithError(err).Warn("AMQP unavailable, failure notifications disabled")
		} else {
			defer publisher.Close()
			notifier = notify.NewFailureNotifier(publisher, cfg.AMQPExchange, observability.Component(logger, "notify"))
			observers = append(observers, notifier)
		}
	}

	// Initialize dispatcher
	dispatcher := dispatch.New(db, partnerClient, dispatch.Config{
		Workers:        cfg.DeliveryWorkers,
		QueueSize:      cfg.DeliveryQueueSize,
		MaxAttempts:    cfg.DeliveryMaxAttempts,
		AttemptTimeout: cfg.DeliveryAttemptTimeout,
		InitialBackoff: cfg.DeliveryInitialBackoff,
		MaxBackoff:     cfg.DeliveryMaxBackoff,
		SweepInterval:  cfg.DeliverySweepInterval,
	}, observability.Component(logger, "dispatch"), observers...)

	// Initialize service
	metadata := service.NewMetadataSyncer(partnerClient, cfg.MetadataTimeout, observability.Component(logger, "metadata"))
	svc := service.New(db, codec, policyEngine, dispatcher, metadata, cfg, observability.Component(logger, "service"))

	if cfg.ClusterSeedFile != "" {
		clusters, err := config.LoadClusterSeed(cfg.ClusterSeedFile)
		if err != nil {
			log.WithError(err).Fatal("Failed to load cluster seed")
		}
		if err := svc.SeedClusters(ctx, clusters); err != nil {
			log.WithError(err).Fatal("Failed to seed clusters")
		}
		log.Infof("Seeded %d clusters from %s", len(clusters), cfg.ClusterSeedFile)
	}

	// Start background workers
	go hub.Run(ctx)
	if notifier != nil {
		go notifier.Run(ctx)
	}
	dispatchDone := make(chan struct{})
	go func() {
		dispatcher.Run(ctx)
		close(dispatchDone)
	}()

	publicServer := handler.NewPublicServer(svc)
	internalServer := handler.NewInternalServer(svc, feed.NewServer(hub, observability.Component(logger, "feed")).HandleFeed)

	// Start public server
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := publicServer.Start(addr); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("Failed to start public server")
		}
	}()

	// Start internal server
	go func() {
		addr := fmt.Sprintf(":%d", cfg.InternalPort)
		if err := internalServer.Start(addr); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("Failed to start internal server")
		}
	}()

	log.Infof("Public API started on port %d", cfg.HTTPPort)
	log.Infof("Internal API started on port %d", cfg.InternalPort)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down rpbridge...")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := publicServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Failed to shutdown public server gracefully")
	}
	if err := internalServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Failed to shutdown internal server gracefully")
	}

	// In-flight deliveries stay pending and resume on next start.
	cancel()
	<-dispatchDone
	metadata.Wait()

	if err := shutdownTracing(shutdownCtx); err != nil {
		log.WithError(err).Warn("Failed to flush traces")
	}

	log.Info("rpbridge stopped")
}
