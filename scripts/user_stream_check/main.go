// user_stream_check opens the private order stream for one stored user and
// logs every execution report and balance frame until interrupted.
//
// Usage:
//
//	go run ./scripts/user_stream_check -user alice -for 10m
//
// Reads the same environment as the engine (DB_PATH, CREDENTIALS_KEY,
// EXCHANGE_BASE_URL, EXCHANGE_STREAM_URL). Nothing is traded.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"volume-core/internal/credentials"
	"volume-core/internal/tracker"
	"volume-core/pkg/config"
	"volume-core/pkg/crypto"
	"volume-core/pkg/db"
	"volume-core/pkg/exchanges/binance/alpha"
	"volume-core/pkg/exchanges/common"
	"volume-core/pkg/logger"
)

func main() {
	userID := flag.String("user", "", "stored user whose stream to open")
	window := flag.Duration("for", 10*time.Minute, "how long to listen")
	flag.Parse()
	if *userID == "" {
		fmt.Fprintln(os.Stderr, "usage: user_stream_check -user <id> [-for 10m]")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New("debug", "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, *userID, *window, log); err != nil {
		log.Error("stream check failed", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, userID string, window time.Duration, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()

	var sealer credentials.Sealer
	keys, err := crypto.NewKeyManagerFromEnv(cfg.CredentialsKeyEnv)
	if err == nil {
		sealer = keys
	} else if !errors.Is(err, crypto.ErrKeyNotFound) {
		return fmt.Errorf("load credential keys: %w", err)
	}
	creds, err := credentials.NewStore(database.Queries(), sealer, log).Get(ctx, userID)
	if err != nil {
		return fmt.Errorf("credentials for %s: %w", userID, err)
	}

	venue := alpha.New(alpha.Config{BaseURL: cfg.ExchangeBaseURL, Timeout: cfg.HTTPTimeout},
		common.NewUserLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst), log)
	trk := tracker.New(tracker.Deps{Auth: venue, Log: log}, tracker.ConnectorConfig{
		StreamURL:   cfg.ExchangeStreamURL,
		DialTimeout: cfg.WSDialTimeout,
		RenewEvery:  cfg.ListenKeyRenew,
		MaxAttempts: cfg.WSMaxReconnects,
	})
	var updates atomic.Int64
	trk.OnUpdate(func(u common.OrderUpdate) {
		updates.Add(1)
		log.Info("order update",
			zap.String("symbol", u.Symbol),
			zap.String("order_id", u.OrderID),
			zap.String("client_order_id", u.ClientOrderID),
			zap.String("status", string(u.Status)),
			zap.Float64("executed_qty", u.ExecutedQty))
	})
	trk.OnBalance(func(_ string, b common.Balance) {
		log.Info("balance update", zap.String("asset", b.Asset), zap.Float64("available", b.Available), zap.Float64("locked", b.Locked))
	})
	defer trk.StopAll()

	if err := trk.Start(ctx, userID, creds); err != nil {
		return fmt.Errorf("start stream: %w", err)
	}
	log.Info("stream subscribed; place an order on the venue to see reports", zap.String("user", userID), zap.Duration("for", window))

	<-ctx.Done()
	log.Info("stream check finished", zap.Int64("updates", updates.Load()), zap.Bool("healthy", trk.Healthy(userID)))
	return nil
}
