package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/api-sage/ledger-engine/src/internal/adapter/http/controller"
	"github.com/api-sage/ledger-engine/src/internal/adapter/http/middleware"
	"github.com/api-sage/ledger-engine/src/internal/adapter/http/router"
	"github.com/api-sage/ledger-engine/src/internal/adapter/lock"
	"github.com/api-sage/ledger-engine/src/internal/adapter/notification"
	"github.com/api-sage/ledger-engine/src/internal/adapter/repository/implementations"
	"github.com/api-sage/ledger-engine/src/internal/adapter/repository/memory"
	"github.com/api-sage/ledger-engine/src/internal/config"
	"github.com/api-sage/ledger-engine/src/internal/domain"
	"github.com/api-sage/ledger-engine/src/internal/logger"
	"github.com/api-sage/ledger-engine/src/internal/usecase/services"
	goredislib "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if _, err := logger.Init(cfg.LogMode); err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Error("server stopped", err, nil)
		logger.Sync()
		os.Exit(1)
	}
}

type storage struct {
	ledger   domain.LedgerStore
	accounts domain.AccountRepository
	audit    domain.AuditRepository
	health   router.HealthCheck
	close    func() error
}

func openStorage(ctx context.Context, cfg config.Config) (storage, error) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		store := memory.NewStore()
		logger.Warn("using in-memory store; data is lost on restart", nil)
		return storage{ledger: store, accounts: store, audit: store, close: func() error { return nil }}, nil
	}

	if err := implementations.RunMigrations(ctx, cfg.DatabaseDSN, cfg.MigrationsDir); err != nil {
		return storage{}, fmt.Errorf("run migrations: %w", err)
	}
	db, err := implementations.Open(ctx, cfg.DatabaseDSN)
	if err != nil {
		return storage{}, err
	}
	return storage{
		ledger:   implementations.NewLedgerRepository(db),
		accounts: implementations.NewAccountRepository(db),
		audit:    implementations.NewAuditRepository(db),
		health:   pingDB(db),
		close:    db.Close,
	}, nil
}

func pingDB(db *sql.DB) router.HealthCheck {
	return func(ctx context.Context) error {
		return db.PingContext(ctx)
	}
}

// deploymentWarnings lists configuration that is only safe for a single
// server instance.
func deploymentWarnings(cfg config.Config) []string {
	var out []string
	if cfg.StoreDriver == config.StoreDriverPostgres && cfg.RedisAddr == "" {
		out = append(out, "REDIS_ADDR is not set: account holds and reference dedup are per-process, run a single instance")
	}
	return out
}

func newLocker(cfg config.Config) (domain.AccountLocker, io.Closer) {
	if cfg.RedisAddr == "" {
		return lock.NewLocalLocker(), nil
	}
	client := goredislib.NewClient(&goredislib.Options{Addr: cfg.RedisAddr})
	logger.Info("account holds backed by redis", logger.Fields{"addr": cfg.RedisAddr})
	return lock.NewRedisLocker(client, lock.RedisOptions{}), client
}

func newDispatcher(cfg config.Config) (domain.NotificationDispatcher, io.Closer) {
	if len(cfg.KafkaBrokers) == 0 {
		return notification.NewLogDispatcher(), nil
	}
	dispatcher := notification.NewKafkaDispatcher(notification.KafkaConfig{
		Brokers: cfg.KafkaBrokers,
		Topic:   cfg.KafkaTopic,
	})
	logger.Info("transaction events published to kafka", logger.Fields{"topic": cfg.KafkaTopic})
	return dispatcher, dispatcher
}

func feeSchedule(cfg config.Config) services.FeeSchedule {
	return services.FeeSchedule{
		Transfer:   services.FeeRule{Flat: cfg.FeeTransferFlat, Percent: cfg.FeeTransferPercent},
		Deposit:    services.FeeRule{Flat: cfg.FeeDepositFlat, Percent: cfg.FeeDepositPercent},
		Withdrawal: services.FeeRule{Flat: cfg.FeeWithdrawalFlat, Percent: cfg.FeeWithdrawalPercent},
	}
}

func run(ctx context.Context, cfg config.Config) error {
	store, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.close(); err != nil {
			logger.Error("close storage", err, nil)
		}
	}()

	for _, warning := range deploymentWarnings(cfg) {
		logger.Warn(warning, nil)
	}

	locker, lockCloser := newLocker(cfg)
	if lockCloser != nil {
		defer lockCloser.Close()
	}
	dispatcher, dispatchCloser := newDispatcher(cfg)
	if dispatchCloser != nil {
		defer dispatchCloser.Close()
	}

	limits := services.NewLimitsEngine()
	audit := services.NewAuditTrail(store.audit, cfg.AuditExportMaxRows, nil)
	validator := services.NewTransactionValidator(store.ledger, services.NewFeeCalculator(feeSchedule(cfg)), limits, cfg.MaxSingleTransaction, nil)
	engine := services.NewLedgerEngine(
		store.ledger,
		store.accounts,
		validator,
		limits,
		audit,
		locker,
		dispatcher,
		services.LedgerEngineConfig{IdempotencyWindow: cfg.IdempotencyWindow, MaxCommitAttempts: cfg.LedgerCommitMaxAttempts},
		nil,
	)
	reversals := services.NewReversalCoordinator(engine, store.ledger, locker)
	accounts := services.NewAccountService(store.ledger, store.accounts, audit, nil)
	sweeper := services.NewExpirySweeper(engine, store.ledger, audit, cfg.ScheduleGrace, cfg.AuditRetention, cfg.SweepInterval)

	auth := middleware.Chain(middleware.BasicAuth(cfg.ChannelID, cfg.ChannelKey, cfg.ChannelKeyHash), middleware.Actor)
	mux := router.New(
		controller.NewTransactionController(engine, validator, reversals),
		controller.NewAccountController(accounts),
		controller.NewAuditController(audit),
		auth,
		store.health,
	)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("ledger api listening", logger.Fields{"addr": cfg.HTTPAddr, "store": cfg.StoreDriver})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return sweeper.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
