package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"tradeflow/broker"
	"tradeflow/config"
	"tradeflow/internal/metrics"
	"tradeflow/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultConfigPath, "Path to configuration file")
	credentialsPath := flag.String("credentials", "", "Optional path to a credentials file")

	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if *credentialsPath != "" {
		file, err := config.LoadCredentials(*credentialsPath)
		if err != nil {
			log.WithError(err).Error("failed to load credentials")
			os.Exit(1)
		}
		cfg.MergeCredentials(file)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.App.Name,
		"version": cfg.App.Version,
	}).Info("starting tradeflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	if cw := cfg.Metrics.CloudWatch; cw.Enabled {
		logger.InitCloudWatch(ctx, logger.CloudWatchOptions{
			Region:          cw.Region,
			Namespace:       cw.Namespace,
			AccessKeyID:     cw.AccessKeyID,
			SecretAccessKey: cw.SecretAccessKey,
		})
	}

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metrics.Init()
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{Addr: cfg.Metrics.Address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Warn("metrics server stopped")
			}
		}()
	}

	if len(cfg.Credentials) == 0 {
		log.Error("no credentials configured")
		os.Exit(1)
	}

	registry := broker.NewRegistry(cfg)
	for _, entry := range cfg.Credentials {
		entryLog := log.WithFields(logger.Fields{"credential": entry.Masked(), "name": entry.Name})

		client, err := registry.GetOrCreate(entry)
		if err != nil {
			entryLog.WithError(err).Error("invalid credential")
			continue
		}
		if err := client.Initialize(ctx); err != nil {
			entryLog.WithError(err).Error("failed to initialize broker client")
			continue
		}
		if err := client.SubscribeToMarketData(ctx, cfg.Symbols...); err != nil {
			entryLog.WithError(err).Warn("some symbols could not be subscribed")
		}

		sub, err := client.Ticks(ctx)
		if err != nil {
			entryLog.WithError(err).Warn("tick subscription failed")
			continue
		}
		go func() {
			for tick := range sub.C {
				entryLog.WithFields(logger.Fields{
					"epic":   tick.Epic,
					"symbol": tick.Symbol,
					"bid":    tick.Bid,
					"ask":    tick.Ask,
				}).Debug("tick")
			}
		}()
		go func() {
			for ev := range client.StreamEvents() {
				fields := logger.Fields{"state": ev.State.String()}
				if ev.Err != nil {
					entryLog.WithFields(fields).WithError(ev.Err).Warn("market stream state changed")
					continue
				}
				entryLog.WithFields(fields).Info("market stream state changed")
			}
		}()
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		if err := registry.Close(); err != nil {
			log.WithError(err).Warn("broker registry close failed")
		}
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	if metricsServer != nil {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		metricsServer.Shutdown(shutdownCtx)
		stop()
	}

	log.Info("tradeflow stopped")
}
