package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"relay-go/pkg/auth"
	"relay-go/pkg/backplane"
	"relay-go/pkg/config"
	"relay-go/pkg/gateway"
	httpserver "relay-go/pkg/http"
	"relay-go/pkg/logging"
	"relay-go/pkg/metrics"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting relay gateway",
		zap.String("addr", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("backplane", cfg.Backplane.Driver))

	bp, err := newBackplane(cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to connect backplane: %v", err)
	}

	m := metrics.NewMetrics()
	resolver := auth.NewJWTResolver(cfg.Auth.SecretKey, cfg.Auth.Issuer)

	// The follower graph lives in a separate service; until its client is
	// wired in, presence fan-out is limited to personal rooms users join
	// explicitly.
	followers := gateway.StaticFollowers{}

	gw := gateway.NewGateway(cfg, resolver, followers, bp, m, logger)
	gw.Start()

	server := httpserver.NewServer(cfg, gw, m, logger)
	server.Start()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("error stopping http server", zap.Error(err))
	}
	gw.Stop()
	if err := bp.Close(); err != nil {
		logger.Error("error closing backplane", zap.Error(err))
	}

	logger.Info("stopped cleanly")
}

// newBackplane builds the configured pub/sub driver.
func newBackplane(cfg *config.Config, logger *logging.Logger) (backplane.Backplane, error) {
	switch cfg.Backplane.Driver {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:            cfg.Backplane.RedisAddr,
			DB:              cfg.Backplane.RedisDB,
			MinRetryBackoff: cfg.Backplane.ReconnectMin,
			MaxRetryBackoff: cfg.Backplane.ReconnectMax,
		})
		if err := client.Ping(context.Background()).Err(); err != nil {
			return nil, err
		}
		return backplane.NewRedis(client, logger), nil
	case "nats":
		return backplane.NewNATS(cfg.Backplane.NATSURL, cfg.Backplane.ReconnectMin, logger)
	default:
		return backplane.NewMemory(), nil
	}
}
