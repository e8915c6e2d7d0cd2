// trading_api_check verifies stored sessions against the venue without
// trading: for each user it reads the quote balance and today's volume on
// the listed tokens, and reports sessions the venue rejects.
//
// Usage:
//
//	go run ./scripts/trading_api_check              # every stored user
//	go run ./scripts/trading_api_check -user alice  # one user
//	go run ./scripts/trading_api_check -token ALPHA_22
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"volume-core/internal/credentials"
	"volume-core/pkg/config"
	"volume-core/pkg/crypto"
	"volume-core/pkg/db"
	"volume-core/pkg/exchanges/binance/alpha"
	"volume-core/pkg/exchanges/common"
	"volume-core/pkg/logger"
)

func main() {
	userID := flag.String("user", "", "check only this user")
	token := flag.String("token", "", "check volume only on this alpha id")
	quote := flag.String("quote", "USDT", "quote asset")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New("info", "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	failed, err := run(cfg, *userID, *token, *quote, log)
	if err != nil {
		log.Error("api check failed", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
	if failed > 0 {
		log.Warn("some sessions failed", zap.Int("users", failed))
		_ = log.Sync()
		os.Exit(3)
	}
}

func run(cfg *config.Config, onlyUser, onlyToken, quote string, log *zap.Logger) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		return 0, fmt.Errorf("open database: %w", err)
	}
	defer database.Close()

	var sealer credentials.Sealer
	keys, err := crypto.NewKeyManagerFromEnv(cfg.CredentialsKeyEnv)
	if err == nil {
		sealer = keys
	} else if !errors.Is(err, crypto.ErrKeyNotFound) {
		return 0, fmt.Errorf("load credential keys: %w", err)
	}
	store := credentials.NewStore(database.Queries(), sealer, log)

	users := []string{onlyUser}
	if onlyUser == "" {
		if users, err = store.Users(ctx); err != nil {
			return 0, fmt.Errorf("list users: %w", err)
		}
	}

	venue := alpha.New(alpha.Config{BaseURL: cfg.ExchangeBaseURL, Timeout: cfg.HTTPTimeout},
		common.NewUserLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst), log)

	tokens := []string{onlyToken}
	if onlyToken == "" {
		list, err := venue.ListTokens(ctx)
		if err != nil {
			return 0, fmt.Errorf("list tokens: %w", err)
		}
		tokens = tokens[:0]
		for _, t := range list {
			tokens = append(tokens, t.AlphaID)
		}
		log.Info("token list ok", zap.Int("tokens", len(tokens)))
	}

	failed := 0
	for _, u := range users {
		if !checkUser(ctx, venue, store, u, quote, tokens, log.With(zap.String("user", u))) {
			failed++
		}
	}
	log.Info("api check finished", zap.Int("users", len(users)), zap.Int("failed", failed))
	return failed, nil
}

func checkUser(ctx context.Context, venue common.Account, store *credentials.Store, userID, quote string, tokens []string, log *zap.Logger) bool {
	creds, err := store.Get(ctx, userID)
	if err != nil {
		log.Error("credentials unavailable", zap.Error(err))
		return false
	}
	bal, err := venue.GetBalance(ctx, creds, quote)
	if err != nil {
		if errors.Is(err, common.ErrAuthentication) {
			log.Error("session rejected by venue; refresh the stored credentials", zap.Error(err))
		} else {
			log.Error("balance read failed", zap.Error(err))
		}
		return false
	}
	log.Info("balance ok", zap.String("asset", quote), zap.Float64("available", bal.Available), zap.Float64("locked", bal.Locked))

	ok := true
	var total float64
	for _, t := range tokens {
		v, err := venue.GetTodayVolume(ctx, creds, t)
		if err != nil {
			log.Warn("volume read failed", zap.String("token", t), zap.Error(err))
			ok = false
			continue
		}
		if v > 0 {
			log.Info("volume today", zap.String("token", t), zap.Float64("volume", v))
		}
		total += v
	}
	log.Info("volume check done", zap.Float64("total", total))
	return ok
}
