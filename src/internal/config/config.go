package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

type Config struct {
	DatabaseDSN   string `env:"DATABASE_DSN" envDefault:"Host=localhost;Port=5432;Database=ledger_db;Username=postgres;Password=postgres;Timeout=30;CommandTimeout=30"`
	StoreDriver   string `env:"STORE_DRIVER" envDefault:"postgres"`
	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"src/migrations"`
	HTTPAddr      string `env:"HTTP_ADDR" envDefault:":8080"`
	LogMode       string `env:"LOG_MODE" envDefault:"release"`

	ChannelID      string `env:"CHANNEL_ID" envDefault:"LedgerApp"`
	ChannelKey     string `env:"CHANNEL_KEY"`
	ChannelKeyHash string `env:"CHANNEL_KEY_HASH"`

	RedisAddr    string   `env:"REDIS_ADDR"`
	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"transaction_events"`

	MaxSingleTransaction decimal.Decimal `env:"MAX_SINGLE_TRANSACTION" envDefault:"1000000"`

	// Flat fees are minor units of the transaction currency.
	FeeTransferFlat      int64           `env:"FEE_TRANSFER_FLAT" envDefault:"0"`
	FeeTransferPercent   decimal.Decimal `env:"FEE_TRANSFER_PERCENT" envDefault:"1"`
	FeeDepositFlat       int64           `env:"FEE_DEPOSIT_FLAT" envDefault:"0"`
	FeeDepositPercent    decimal.Decimal `env:"FEE_DEPOSIT_PERCENT" envDefault:"0"`
	FeeWithdrawalFlat    int64           `env:"FEE_WITHDRAWAL_FLAT" envDefault:"0"`
	FeeWithdrawalPercent decimal.Decimal `env:"FEE_WITHDRAWAL_PERCENT" envDefault:"0.5"`

	IdempotencyWindow       time.Duration `env:"IDEMPOTENCY_WINDOW" envDefault:"24h"`
	ScheduleGrace           time.Duration `env:"SCHEDULE_GRACE" envDefault:"24h"`
	SweepInterval           time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
	AuditRetention          time.Duration `env:"AUDIT_RETENTION" envDefault:"61320h"`
	AuditExportMaxRows      int           `env:"AUDIT_EXPORT_MAX_ROWS" envDefault:"10000"`
	LedgerCommitMaxAttempts uint          `env:"LEDGER_COMMIT_MAX_ATTEMPTS" envDefault:"5"`
}

// Load reads an optional .env file and then the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	if cfg.StoreDriver != StoreDriverPostgres && cfg.StoreDriver != StoreDriverMemory {
		return Config{}, fmt.Errorf("unsupported STORE_DRIVER %q", cfg.StoreDriver)
	}
	if cfg.LedgerCommitMaxAttempts == 0 {
		return Config{}, errors.New("LEDGER_COMMIT_MAX_ATTEMPTS must be at least 1")
	}
	if cfg.FeeTransferFlat < 0 || cfg.FeeDepositFlat < 0 || cfg.FeeWithdrawalFlat < 0 {
		return Config{}, errors.New("flat fees cannot be negative")
	}
	if cfg.FeeTransferPercent.IsNegative() || cfg.FeeDepositPercent.IsNegative() || cfg.FeeWithdrawalPercent.IsNegative() {
		return Config{}, errors.New("fee percentages cannot be negative")
	}
	if !cfg.MaxSingleTransaction.IsPositive() {
		return Config{}, errors.New("MAX_SINGLE_TRANSACTION must be greater than zero")
	}

	cfg.DatabaseDSN = normalizeConnectionString(strings.TrimSpace(cfg.DatabaseDSN))
	cfg.ChannelID = strings.TrimSpace(cfg.ChannelID)
	cfg.ChannelKey = strings.TrimSpace(cfg.ChannelKey)
	cfg.ChannelKeyHash = strings.TrimSpace(cfg.ChannelKeyHash)

	return cfg, nil
}

func normalizeConnectionString(raw string) string {
	if !strings.Contains(raw, ";") || strings.HasPrefix(raw, "postgres://") || strings.HasPrefix(raw, "postgresql://") {
		return raw
	}

	parts := strings.Split(raw, ";")
	out := make([]string, 0, len(parts))
	hasSSLMode := false

	for _, part := range parts {
		p := strings.TrimSpace(part)
		if p == "" {
			continue
		}

		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}

		key := strings.ToLower(strings.TrimSpace(kv[0]))
		val := strings.TrimSpace(kv[1])

		switch key {
		case "host":
			out = append(out, "host="+val)
		case "port":
			out = append(out, "port="+val)
		case "database":
			out = append(out, "dbname="+val)
		case "username":
			out = append(out, "user="+val)
		case "password":
			out = append(out, "password="+val)
		case "timeout", "connect timeout":
			out = append(out, "connect_timeout="+val)
		case "commandtimeout", "command timeout":
			out = append(out, "statement_timeout="+val+"s")
		case "sslmode":
			hasSSLMode = true
			out = append(out, "sslmode="+val)
		default:
			out = append(out, key+"="+val)
		}
	}

	if len(out) == 0 {
		return raw
	}

	if !hasSSLMode {
		out = append(out, "sslmode=disable")
	}

	return strings.Join(out, " ")
}
