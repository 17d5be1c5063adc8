package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/charging-platform/charge-point-gateway/internal/admin"
	"github.com/charging-platform/charge-point-gateway/internal/auth"
	"github.com/charging-platform/charge-point-gateway/internal/bridge"
	"github.com/charging-platform/charge-point-gateway/internal/config"
	"github.com/charging-platform/charge-point-gateway/internal/handlers"
	"github.com/charging-platform/charge-point-gateway/internal/liveness"
	"github.com/charging-platform/charge-point-gateway/internal/logger"
	"github.com/charging-platform/charge-point-gateway/internal/projector"
	"github.com/charging-platform/charge-point-gateway/internal/registry"
	"github.com/charging-platform/charge-point-gateway/internal/retryengine"
	"github.com/charging-platform/charge-point-gateway/internal/storage"
	"github.com/charging-platform/charge-point-gateway/internal/wsserver"
)

func main() {
	// 1. Configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Logging
	log, err := logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
		Async:  cfg.Log.Async,
	})
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	log.Infof("central station starting, profile=%s", cfg.App.Profile)

	// 3. Persistence Gateway
	store, err := storage.Open(cfg.SQLite.DatabaseURL, storage.Options{
		BusyTimeout:     cfg.SQLite.BusyTimeout,
		RetryBaseDelay:  cfg.SQLite.RetryBaseDelay,
		RetryMaxDelay:   cfg.SQLite.RetryMaxDelay,
		RetryMaxAttempt: cfg.SQLite.RetryMaxAttempt,
	})
	if err != nil {
		log.Fatalf("failed to open storage: %v", err)
	}
	log.Info("storage opened")

	// 4. Event Bridge (Redis is optional: a nil client still allows HTTP-only
	// delivery, matching bridge.New's documented contract).
	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("invalid redis.url %q: %v", cfg.Redis.URL, err)
		}
		opts.DialTimeout = cfg.Redis.DialTimeout
		opts.ReadTimeout = cfg.Redis.ReadTimeout
		opts.WriteTimeout = cfg.Redis.WriteTimeout
		redisClient = redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			log.Warnf("redis unreachable at startup, continuing with HTTP-only event delivery: %v", err)
		}
		cancel()
	}
	br := bridge.New(bridge.Config{
		APIBaseURL:     cfg.Bridge.APIBaseURL,
		APIKey:         cfg.Bridge.APIKey,
		RedisURL:       cfg.Redis.URL,
		Exchange:       cfg.Bridge.Exchange,
		HTTPTimeout:    cfg.Bridge.HTTPTimeout,
		LivenessPeriod: cfg.Bridge.LivenessPeriod,
	}, redisClient, log)

	// 5. Connection Registry, Retry Engine, Liveness Monitor, Projector
	reg := registry.New(store, log)
	retry := retryengine.New(store, reg, log)
	reg.SetPendingRegistrar(retry)
	live := liveness.New(store, reg, log)
	proj := projector.New(store, reg, log)

	// 6. Handler Set
	handlerSet := handlers.New(store, br, reg, retry, proj, log)

	// 7. Dashboard/Admin JWT verifier
	verifier, err := auth.NewVerifier(cfg.Security.SecretKey, cfg.Security.Algorithm)
	if err != nil {
		log.Fatalf("failed to build JWT verifier: %v", err)
	}

	// 8. WSS listeners (CP, master, dashboard)
	ws := wsserver.New(wsserver.Config{
		Host:             cfg.OCPP.Host,
		Port:             cfg.OCPP.Port,
		Subprotocols:     cfg.OCPP.Subprotocols,
		HandshakeTimeout: cfg.OCPP.HandshakeTimeout,
		PongTimeout:      cfg.OCPP.PongTimeout,
		MaxMessageSize:   cfg.OCPP.MaxMessageSize,
		SSLKeyFile:       cfg.Security.SSLKeyFile,
		SSLCertFile:      cfg.Security.SSLCertFile,
	}, reg, handlerSet, proj, verifier, log)

	// 9. Admin Facade
	facade := admin.New(handlerSet, reg, store, verifier, log)

	ctx, cancel := context.WithCancel(context.Background())

	// 10. Background workers: retry tick loop, liveness passes, projector
	// event loop, event bridge command processor + liveness ticker.
	go retry.Run(ctx)
	go live.Run(ctx)
	go proj.Run(ctx)
	go br.RunCommandProcessor(ctx, commandHandler(handlerSet))
	go br.RunLiveness(ctx)

	// 11. Start listeners
	if err := ws.Start(); err != nil {
		log.Fatalf("failed to start OCPP WSS listener: %v", err)
	}
	adminServer, err := facade.Start(admin.Config{
		Host:        cfg.Server.Host,
		Port:        cfg.Server.Port,
		SSLKeyFile:  cfg.Security.SSLKeyFile,
		SSLCertFile: cfg.Security.SSLCertFile,
	})
	if err != nil {
		log.Fatalf("failed to start admin facade: %v", err)
	}

	metricsServer := &http.Server{Addr: cfg.GetMetricsAddr(), Handler: promhttp.Handler()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("metrics listener failed: %v", err)
		}
	}()

	log.Infof("central station ready: ocpp=%s admin=%s metrics=%s",
		cfg.GetOCPPAddr(), cfg.GetAdminAddr(), cfg.GetMetricsAddr())

	// 12. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutdown signal received")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := ws.Shutdown(shutdownCtx); err != nil {
		log.Errorf("error shutting down OCPP listener: %v", err)
	}
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		log.Errorf("error shutting down admin facade: %v", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Errorf("error shutting down metrics listener: %v", err)
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			log.Errorf("error closing redis client: %v", err)
		}
	}
	if err := store.Close(); err != nil {
		log.Errorf("error closing storage: %v", err)
	}

	log.Info("central station stopped")
}

// commandHandler adapts the Event Bridge's inbound back-office queue to the
// same outbound builder/SendCommand path the Admin Facade's HTTP routes
// use, so a queued command and an HTTP command produce identical behavior.
func commandHandler(h *handlers.Set) bridge.CommandHandler {
	return func(ctx context.Context, cmd bridge.Command) bridge.CommandResponse {
		build, ok := handlers.OutboundBuilders[cmd.Command]
		if !ok {
			return bridge.CommandResponse{Status: "Rejected", Message: "unknown command: " + cmd.Command}
		}
		result, berr := build(ctx, h, cmd.ChargerID, cmd.Payload)
		if berr != nil {
			return bridge.CommandResponse{Status: "Rejected", Message: berr.Detail}
		}
		send := h.SendCommand(ctx, cmd.ChargerID, result)
		msg := send.Detail
		if msg == "" {
			msg = send.MessageID
		}
		return bridge.CommandResponse{Status: send.Status, Message: msg}
	}
}
