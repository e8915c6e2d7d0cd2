package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"volume-core/internal/api"
	"volume-core/internal/balance"
	"volume-core/internal/credentials"
	"volume-core/internal/engine"
	"volume-core/internal/events"
	"volume-core/internal/monitor"
	"volume-core/internal/order"
	"volume-core/internal/persistence"
	"volume-core/internal/reconciliation"
	"volume-core/internal/risk"
	"volume-core/internal/scheduler"
	"volume-core/internal/strategy"
	"volume-core/internal/symbols"
	"volume-core/internal/tracker"
	"volume-core/pkg/config"
	"volume-core/pkg/crypto"
	"volume-core/pkg/db"
	"volume-core/pkg/exchanges/binance/alpha"
	"volume-core/pkg/exchanges/common"
	"volume-core/pkg/exchanges/sim"
	"volume-core/pkg/logger"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "hash" {
		os.Exit(hashCommand(os.Args[2:]))
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Error("volume engine stopped with error", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
}

// hashCommand prints a bcrypt hash for OPERATOR_PASSWORD_HASH.
func hashCommand(args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: volume-core hash <password>")
		return 2
	}
	h, err := api.HashPassword(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "hash: %v\n", err)
		return 1
	}
	fmt.Println(h)
	return 0
}

func run(cfg *config.Config, log *zap.Logger) error {
	log.Info("starting volume engine",
		zap.String("version", version),
		zap.Bool("dry_run", cfg.DryRun),
		zap.String("db", cfg.DBPath))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	// infra lives until run returns, past the shutdown grace.
	infra, cancelInfra := context.WithCancel(context.Background())
	defer cancelInfra()

	loc, err := time.LoadLocation(cfg.RiskLocation)
	if err != nil {
		log.Warn("unknown RISK_LOCATION, using UTC", zap.String("location", cfg.RiskLocation), zap.Error(err))
		loc = time.UTC
	}

	// Storage
	database, err := db.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	// Credentials
	var sealer credentials.Sealer
	keys, err := crypto.NewKeyManagerFromEnv(cfg.CredentialsKeyEnv)
	switch {
	case err == nil:
		sealer = keys
		log.Info("credential encryption enabled", zap.Int("key_version", keys.CurrentVersion()))
	case errors.Is(err, crypto.ErrKeyNotFound):
		log.Warn("no credential key configured, credentials are stored in plaintext", zap.String("env", cfg.CredentialsKeyEnv))
	default:
		return fmt.Errorf("load credential keys: %w", err)
	}
	credStore := credentials.NewStore(database.Queries(), sealer, log)
	if cfg.CredentialsFile != "" {
		users, err := credStore.Import(ctx, cfg.CredentialsFile)
		if err != nil {
			return fmt.Errorf("import credentials: %w", err)
		}
		log.Info("credentials imported", zap.Int("users", len(users)))
	}
	var creds credentials.Source = credStore

	// Venue
	var venue common.Gateway
	venueName := "alpha"
	streamURL := cfg.ExchangeStreamURL
	if cfg.DryRun {
		s := sim.New(sim.Config{
			InitialBalance: cfg.DryRunInitialBalance,
			FeeRate:        0.0001,
			FillDelay:      time.Second,
			PriceDrift:     0.0005,
			LatencyMin:     20 * time.Millisecond,
			LatencyMax:     80 * time.Millisecond,
		}, log)
		defer s.Close()
		streamURL, err = s.ListenStream(infra, "127.0.0.1:0")
		if err != nil {
			return err
		}
		venue, venueName = s, "sim"
		creds = simCredentials{inner: credStore}
		log.Warn("DRY RUN: orders go to the in-process simulator", zap.String("stream", streamURL))
	} else {
		venue = alpha.New(alpha.Config{BaseURL: cfg.ExchangeBaseURL, Timeout: cfg.HTTPTimeout},
			common.NewUserLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst), log)
	}

	resolver, err := symbols.NewResolver(venue, symbols.Config{
		Dir:          cfg.CacheDir,
		TokenTTL:     cfg.TokenTTL,
		PrecisionTTL: cfg.PrecisionTTL,
	}, log)
	if err != nil {
		return fmt.Errorf("init symbol resolver: %w", err)
	}

	// Events and observability
	bus := events.NewBus()
	defer bus.Close()
	metrics := monitor.NewMetrics()
	mon := &monitor.Monitor{Bus: bus, Sink: monitor.LogSink{Log: log.Named("alerts")}, Metrics: metrics, Log: log}
	mon.Start(infra)

	// Risk and balances
	riskMgr := risk.NewMultiUserManager(risk.DefaultProfile(), risk.NewSQLStore(database.DB), loc, log)
	riskMgr.OnAlert(func(userID string, a risk.Alert) {
		bus.Publish(events.EventRiskAlert, events.RiskAlert{
			UserID:    userID,
			Type:      string(a.Type),
			Severity:  string(a.Severity),
			Message:   a.Message,
			Current:   a.Current,
			Threshold: a.Threshold,
		})
	})
	balances := balance.NewMultiUserManager("USDT", venue, riskMgr.UpdateBalance, log)

	// Orders
	blocked := order.NewBlockedUsers(database, bus, log)
	blocked.OnChange(metrics.SetBlockedUsers)
	if err := blocked.Load(ctx); err != nil {
		return fmt.Errorf("load blocked users: %w", err)
	}
	executor := order.NewExecutor(order.Deps{
		Trading: venue,
		Gate:    riskMgr,
		Blocked: blocked,
		Store:   database,
		Bus:     bus,
		Metrics: metrics,
		Log:     log,
	}, order.Config{MaxRetries: cfg.MaxRetries})
	restored, err := executor.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restore pairs: %w", err)
	}
	if restored > 0 {
		log.Info("restored live pairs", zap.Int("count", restored))
	}

	trk := tracker.New(tracker.Deps{Auth: venue, Bus: bus, Metrics: metrics, Log: log}, tracker.ConnectorConfig{
		StreamURL:   streamURL,
		DialTimeout: cfg.WSDialTimeout,
		RenewEvery:  cfg.ListenKeyRenew,
		MaxAttempts: cfg.WSMaxReconnects,
	})
	trk.OnUpdate(func(u common.OrderUpdate) { executor.HandleUpdate(infra, u) })
	trk.OnBalance(func(userID string, b common.Balance) { balances.Apply(infra, userID, b) })
	defer trk.StopAll()

	writer := persistence.NewBatchWriter(database, 50, 5*time.Second, log)
	defer writer.Close()

	recon := reconciliation.NewService(executor, trk, cfg.ReconcileInterval, 2*time.Minute, log)

	// Scheduler
	strategies, err := strategy.LoadConfig(cfg.StrategyFile)
	if err != nil {
		return fmt.Errorf("load strategies: %w", err)
	}
	sched := scheduler.New(scheduler.Deps{
		Market:      venue,
		Account:     venue,
		Resolver:    resolver,
		Credentials: creds,
		Executor:    executor,
		Tracker:     trk,
		Risk:        riskMgr,
		Balances:    balances,
		Progress:    writer,
		Bus:         bus,
		Metrics:     metrics,
		Log:         log,
		Location:    loc,
	}, scheduler.Config{
		PollInterval: cfg.PollInterval,
		JanitorEvery: cfg.JanitorEvery,
	})

	eng := engine.NewImpl(engine.Config{
		Scheduler:  sched,
		Executor:   executor,
		RiskMgr:    riskMgr,
		BalanceMgr: balances,
		Streams:    trk,
		Reconciler: recon,
		Metrics:    metrics,
		DB:         database,
		Location:   loc,
		Meta: engine.SystemStatus{
			Mode:    modeName(cfg.DryRun),
			DryRun:  cfg.DryRun,
			Venue:   venueName,
			Version: version,
		},
	})
	server := api.NewServer(api.Options{
		Engine:     eng,
		Bus:        bus,
		Metrics:    metrics,
		CORSOrigin: cfg.CORSOrigin,
		Auth: api.AuthConfig{
			Secret:       cfg.JWTSecret,
			User:         cfg.OperatorUser,
			PasswordHash: cfg.OperatorPasswordHash,
			TTL:          cfg.JWTExpiry,
		},
		Log: log,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx, cfg.HTTPAddr) })
	recon.Start(gctx)
	g.Go(func() error {
		sweepIdle(gctx, riskMgr, balances, log)
		return nil
	})

	// Units outlive the signal until the Stop grace expires.
	if err := sched.Start(infra, strategies); err != nil {
		if errors.Is(err, scheduler.ErrNoUnits) {
			log.Warn("no runnable strategy units; serving the operator API only")
		} else {
			stop()
			_ = g.Wait()
			return fmt.Errorf("start scheduler: %w", err)
		}
	}

	<-gctx.Done()
	log.Info("shutting down", zap.Duration("grace", cfg.ShutdownGrace))
	if sched.Running() && !sched.Stop(cfg.ShutdownGrace) {
		log.Warn("units did not stop within grace; forced")
	}
	if err := writer.Flush(context.Background()); err != nil {
		log.Warn("final progress flush failed", zap.Error(err))
	}
	err = g.Wait()
	cancelInfra()
	mon.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("volume engine stopped")
	return nil
}

func modeName(dryRun bool) string {
	if dryRun {
		return "DRY_RUN"
	}
	return "LIVE"
}

// sweepIdle drops per-user risk and balance state nobody has touched for a day.
func sweepIdle(ctx context.Context, riskMgr *risk.MultiUserManager, balances *balance.MultiUserManager, log *zap.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r := riskMgr.CleanupIdle(24 * time.Hour)
			b := balances.CleanupIdle(24 * time.Hour)
			if r+b > 0 {
				log.Debug("idle user state evicted", zap.Int("risk", r), zap.Int("balance", b))
			}
		}
	}
}

// simCredentials falls back to simulator credentials for users with no
// stored blob, so dry runs need no real sessions.
type simCredentials struct {
	inner credentials.Source
}

func (s simCredentials) Get(ctx context.Context, userID string) (common.Credentials, error) {
	c, err := s.inner.Get(ctx, userID)
	if errors.Is(err, credentials.ErrNotFound) {
		return sim.Credentials(userID), nil
	}
	if err != nil {
		return c, err
	}
	if c.Headers == nil {
		c.Headers = map[string]string{}
	}
	c.Headers[sim.UserHeader] = userID
	return c, nil
}
