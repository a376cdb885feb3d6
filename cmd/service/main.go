package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/balloon-tracker-service/internal/cache"
	"github.com/kjstillabower/balloon-tracker-service/internal/circuitbreaker"
	"github.com/kjstillabower/balloon-tracker-service/internal/client"
	"github.com/kjstillabower/balloon-tracker-service/internal/config"
	"github.com/kjstillabower/balloon-tracker-service/internal/events"
	httphandler "github.com/kjstillabower/balloon-tracker-service/internal/http"
	"github.com/kjstillabower/balloon-tracker-service/internal/ingest"
	"github.com/kjstillabower/balloon-tracker-service/internal/lifecycle"
	"github.com/kjstillabower/balloon-tracker-service/internal/mqtt"
	"github.com/kjstillabower/balloon-tracker-service/internal/observability"
	"github.com/kjstillabower/balloon-tracker-service/internal/persist"
	"github.com/kjstillabower/balloon-tracker-service/internal/service"
	"github.com/kjstillabower/balloon-tracker-service/internal/store"
	"github.com/kjstillabower/balloon-tracker-service/internal/submission"
)

const breakerComponent = "aprs_api"

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	st, err := store.Open(startCtx, storeConfig(cfg), logger)
	startCancel()
	if err != nil {
		logger.Fatal("store", zap.Error(err))
	}

	cacheSvc, memcacheCloser, err := newCache(cfg)
	if err != nil {
		logger.Fatal("cache", zap.Error(err))
	}
	logger.Info("cache backend", zap.String("backend", cfg.CacheBackend))
	queries := service.NewTrackingService(st, cacheSvc, cfg.CacheTTL, cfg.CoalesceTimeout, logger)

	notifiers := []persist.Notifier{queries}
	var publisher *events.Publisher
	if cfg.EventsEnabled {
		publisher, err = events.Dial(cfg.AMQPURL, cfg.AMQPExchange, logger)
		if err != nil {
			logger.Fatal("amqp publisher", zap.Error(err))
		}
		notifiers = append(notifiers, publisher)
		logger.Info("record events enabled", zap.String("exchange", cfg.AMQPExchange))
	}
	persister := persist.New(st, logger,
		persist.WithDedupWindow(cfg.DedupWindow),
		persist.WithNotifiers(notifiers...))
	submissions := submission.NewService(persister, logger)

	var loop *ingest.Loop
	if cfg.SyncEnabled {
		fetcher, err := newFetcher(cfg, logger)
		if err != nil {
			logger.Fatal("aprs client", zap.Error(err))
		}
		loop = ingest.New(fetcher, persister, ingest.Options{
			Interval:   cfg.SyncInterval,
			Stagger:    cfg.SyncStagger,
			RunOnStart: cfg.SyncRunOnStart,
		}, logger)
	} else {
		logger.Warn("sync loop disabled; only inbound submissions are stored")
	}

	var subscriber *mqtt.Subscriber
	if cfg.MQTTEnabled {
		subscriber = mqtt.NewSubscriber(mqtt.Config{
			Broker:   cfg.MQTTBroker,
			ClientID: cfg.MQTTClientID,
			Topic:    cfg.MQTTTopic,
			QoS:      cfg.MQTTQoS,
			Username: cfg.MQTTUsername,
			Password: cfg.MQTTPassword,
		}, submissions, logger)
	}

	healthConfig := &httphandler.HealthConfig{
		OverloadWindow:       cfg.OverloadWindow,
		OverloadThresholdPct: cfg.OverloadThresholdPct,
		RateLimitRPS:         cfg.RateLimitRPS,
		RateLimitBurst:       cfg.RateLimitBurst,
		DegradedWindow:       cfg.DegradedWindow,
		DegradedErrorPct:     cfg.DegradedErrorPct,
		SyncEnabled:          cfg.SyncEnabled,
	}
	if memcacheCloser != nil {
		healthConfig.CachePing = memcacheCloser.Ping
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	observability.RegisterRateLimitGauges(cfg.OverloadWindow)

	handler := httphandler.NewHandler(queries, submissions, healthConfig, logger)
	srv := &http.Server{
		Addr: ":" + cfg.ServerPort,
		Handler: httphandler.NewRouter(handler, httphandler.RouterConfig{
			Limiter:        limiter,
			RequestTimeout: cfg.RequestTimeout,
			AllowedOrigins: cfg.AllowedOrigins,
		}, logger),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	if subscriber != nil {
		if err := subscriber.Connect(ctx); err != nil {
			// paho keeps retrying in the background.
			logger.Warn("mqtt not connected yet", zap.Error(err))
		}
	}
	if loop != nil {
		if err := loop.Start(ctx); err != nil {
			logger.Fatal("sync loop", zap.Error(err))
		}
	}
	if cacheSvc != nil {
		warmCache(ctx, cfg, queries, logger)
	}
	lifecycle.MarkStarted(cfg.ReadyDelay)

	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.SetShuttingDown(true)
	if loop != nil {
		loop.Stop()
	}
	if subscriber != nil {
		subscriber.Close()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	inFlight := httphandler.InFlightCount()
	logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight))
	observability.RecordShutdownInFlight(inFlight)
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownInFlightTimeout)
	defer waitCancel()
	if err := httphandler.WaitForInFlight(waitCtx, cfg.ShutdownInFlightCheckInterval); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	if publisher != nil {
		if err := publisher.Close(); err != nil {
			logger.Error("amqp close", zap.Error(err))
		}
	}
	if memcacheCloser != nil {
		if err := memcacheCloser.Close(); err != nil {
			logger.Error("memcached close", zap.Error(err))
		}
	}
	if err := st.Close(); err != nil {
		logger.Error("store close", zap.Error(err))
	}
	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func storeConfig(cfg *config.Config) store.Config {
	return store.Config{
		Backend:         cfg.StoreBackend,
		SQLitePath:      cfg.SQLitePath,
		PostgresURL:     cfg.PostgresURL,
		MaxOpenConns:    cfg.StoreMaxOpenConns,
		ConnMaxLifetime: cfg.StoreConnMaxLifetime,
	}
}

// newCache returns nil for backend "none". The memcached handle is returned separately for
// health pings and Close.
func newCache(cfg *config.Config) (cache.Cache, *cache.MemcachedCache, error) {
	switch cfg.CacheBackend {
	case "none":
		return nil, nil, nil
	case "memcached":
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			return nil, nil, err
		}
		return mc, mc, nil
	default:
		return cache.NewInMemoryCache(), nil, nil
	}
}

// newFetcher builds the aprs.fi client, wrapped in a circuit breaker when enabled.
func newFetcher(cfg *config.Config, logger *zap.Logger) (*client.APRSClient, error) {
	fetcher, err := client.NewAPRSClientWithRetry(
		cfg.APRSAPIKey,
		cfg.APRSAPIURL,
		cfg.StationName,
		cfg.APRSAPITimeout,
		cfg.RetryAttempts,
		cfg.RetryBaseDelay,
		cfg.RetryMaxDelay,
	)
	if err != nil {
		return nil, err
	}
	if cfg.CircuitBreakerEnabled {
		fetcher.WithCircuitBreaker(circuitbreaker.New(breakerConfig(cfg, logger)))
		observability.SetCircuitBreakerStateGauge(breakerComponent, 0)
		logger.Info("circuit breaker enabled",
			zap.Int("failure_threshold", cfg.CircuitBreakerFailureThreshold),
			zap.Duration("timeout", cfg.CircuitBreakerTimeout))
	}
	return fetcher, nil
}

func breakerConfig(cfg *config.Config, logger *zap.Logger) circuitbreaker.Config {
	return circuitbreaker.Config{
		FailureThreshold: cfg.CircuitBreakerFailureThreshold,
		SuccessThreshold: cfg.CircuitBreakerSuccessThreshold,
		Timeout:          cfg.CircuitBreakerTimeout,
		Component:        breakerComponent,
		IsFailure:        client.BreakerFailureFilter(),
		OnStateChange: func(from, to circuitbreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("component", breakerComponent),
				zap.Stringer("from", from),
				zap.Stringer("to", to))
			observability.RecordCircuitBreakerTransition(breakerComponent, from.String(), to.String())
			observability.SetCircuitBreakerStateGauge(breakerComponent, observability.CircuitBreakerStateValue(int(to)))
		},
	}
}

// warmCache primes the latest-record entries, then keeps them warm when an interval is set.
func warmCache(ctx context.Context, cfg *config.Config, queries *service.TrackingService, logger *zap.Logger) {
	warmer := cache.NewCacheWarmer(queries.WarmLoaders(), logger)
	warmCtx, warmCancel := context.WithTimeout(ctx, 30*time.Second)
	if err := warmer.Warm(warmCtx); err != nil {
		logger.Warn("cache warming failed", zap.Error(err))
	}
	warmCancel()
	if cfg.WarmInterval > 0 {
		go func() {
			if err := warmer.WarmPeriodic(ctx, cfg.WarmInterval); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("periodic cache warming stopped", zap.Error(err))
			}
		}()
	}
}
