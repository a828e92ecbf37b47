package services_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/api-sage/ledger-engine/src/internal/adapter/http/models"
	"github.com/api-sage/ledger-engine/src/internal/adapter/lock"
	"github.com/api-sage/ledger-engine/src/internal/adapter/repository/memory"
	"github.com/api-sage/ledger-engine/src/internal/domain"
	"github.com/api-sage/ledger-engine/src/internal/usecase/services"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var (
	admin    = domain.Actor{UserID: "admin-1", Role: domain.RoleAdmin}
	ownerOne = domain.Actor{UserID: "owner-1", Role: domain.RoleCustomer}
	ownerTwo = domain.Actor{UserID: "owner-2", Role: domain.RoleCustomer}
	intruder = domain.Actor{UserID: "intruder", Role: domain.RoleCustomer}
)

var (
	onePercentTransfer = services.FeeSchedule{Transfer: services.FeeRule{Percent: decimal.NewFromInt(1)}}
	noFees             = services.FeeSchedule{}
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type captureDispatcher struct {
	mu     sync.Mutex
	events []domain.TransactionEvent
}

func (d *captureDispatcher) Dispatch(_ context.Context, event domain.TransactionEvent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
	return nil
}

func (d *captureDispatcher) ofType(eventType domain.TransactionEventType) []domain.TransactionEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []domain.TransactionEvent
	for _, event := range d.events {
		if event.EventType == eventType {
			out = append(out, event)
		}
	}
	return out
}

type harnessConfig struct {
	start         time.Time
	fees          services.FeeSchedule
	window        time.Duration
	exportMaxRows int
	maxSingle     decimal.Decimal
	grace         time.Duration
	retention     time.Duration
	wrap          func(*memory.Store) domain.LedgerStore
	auditRepo     func(*memory.Store) domain.AuditRepository
}

type harnessOption func(*harnessConfig)

func withFees(schedule services.FeeSchedule) harnessOption {
	return func(c *harnessConfig) { c.fees = schedule }
}

func withStart(start time.Time) harnessOption {
	return func(c *harnessConfig) { c.start = start }
}

func withExportMaxRows(n int) harnessOption {
	return func(c *harnessConfig) { c.exportMaxRows = n }
}

func withMaxSingle(major string) harnessOption {
	return func(c *harnessConfig) { c.maxSingle = decimal.RequireFromString(major) }
}

func withSweeper(grace, retention time.Duration) harnessOption {
	return func(c *harnessConfig) {
		c.grace = grace
		c.retention = retention
	}
}

func withStore(wrap func(*memory.Store) domain.LedgerStore) harnessOption {
	return func(c *harnessConfig) { c.wrap = wrap }
}

func withAuditRepo(repo func(*memory.Store) domain.AuditRepository) harnessOption {
	return func(c *harnessConfig) { c.auditRepo = repo }
}

type harness struct {
	clock     *clock
	store     *memory.Store
	events    *captureDispatcher
	audit     *services.AuditTrail
	validator *services.TransactionValidator
	engine    *services.LedgerEngine
	reversals *services.ReversalCoordinator
	accounts  *services.AccountService
	sweeper   *services.ExpirySweeper
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	cfg := harnessConfig{
		start:         time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC),
		fees:          onePercentTransfer,
		window:        24 * time.Hour,
		exportMaxRows: 1000,
		grace:         6 * time.Hour,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	c := &clock{now: cfg.start}
	store := memory.NewStore()
	var ledger domain.LedgerStore = store
	if cfg.wrap != nil {
		ledger = cfg.wrap(store)
	}

	var auditRepo domain.AuditRepository = store
	if cfg.auditRepo != nil {
		auditRepo = cfg.auditRepo(store)
	}

	events := &captureDispatcher{}
	limits := services.NewLimitsEngine()
	audit := services.NewAuditTrail(auditRepo, cfg.exportMaxRows, c.Now)
	validator := services.NewTransactionValidator(store, services.NewFeeCalculator(cfg.fees), limits, cfg.maxSingle, c.Now)
	engine := services.NewLedgerEngine(
		ledger,
		store,
		validator,
		limits,
		audit,
		lock.NewLocalLocker(),
		events,
		services.LedgerEngineConfig{IdempotencyWindow: cfg.window},
		c.Now,
	)

	return &harness{
		clock:     c,
		store:     store,
		events:    events,
		audit:     audit,
		validator: validator,
		engine:    engine,
		reversals: services.NewReversalCoordinator(engine, ledger, lock.NewLocalLocker()),
		accounts:  services.NewAccountService(ledger, store, audit, c.Now),
		sweeper:   services.NewExpirySweeper(engine, ledger, audit, cfg.grace, cfg.retention, time.Minute),
	}
}

type accountOption func(*domain.Account)

func withLimits(limitType domain.LimitType, caps domain.LimitCaps) accountOption {
	return func(a *domain.Account) {
		if a.Limits == nil {
			a.Limits = make(map[domain.LimitType]domain.LimitCaps)
		}
		a.Limits[limitType] = caps
	}
}

func withCurrency(currency string) accountOption {
	return func(a *domain.Account) { a.Currency = currency }
}

func withTimezone(tz string) accountOption {
	return func(a *domain.Account) { a.Timezone = tz }
}

func inactive() accountOption {
	return func(a *domain.Account) { a.IsActive = false }
}

func frozen(until *time.Time) accountOption {
	return func(a *domain.Account) { a.Frozen = domain.FreezeState{Frozen: true, Reason: "compliance", Until: until} }
}

// seed stores a USD account holding balance minor units.
func (h *harness) seed(t *testing.T, id string, owner string, balance int64, opts ...accountOption) {
	t.Helper()
	account := domain.Account{
		ID:        id,
		OwnerID:   owner,
		Balance:   balance,
		Currency:  "USD",
		IsActive:  true,
		CreatedAt: h.clock.Now(),
	}
	for _, opt := range opts {
		opt(&account)
	}
	require.NoError(t, h.store.CreateAccount(context.Background(), account))
}

func (h *harness) balance(t *testing.T, id string) int64 {
	t.Helper()
	account, err := h.store.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return account.Balance
}

func (h *harness) stored(t *testing.T, id string) domain.Transaction {
	t.Helper()
	txn, err := h.store.GetTransaction(context.Background(), id)
	require.NoError(t, err)
	return txn
}

func (h *harness) auditActions(t *testing.T, resourceID string) []domain.AuditAction {
	t.Helper()
	entries, _, err := h.store.QueryAuditEntries(context.Background(), domain.AuditFilter{ResourceID: resourceID, Ascending: true})
	require.NoError(t, err)
	out := make([]domain.AuditAction, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.Action)
	}
	return out
}

func transferRequest(from, to, amount string) models.CreateTransactionRequest {
	return models.CreateTransactionRequest{
		FromAccountID: from,
		ToAccountID:   to,
		Amount:        decimal.RequireFromString(amount),
		Type:          domain.TransactionTypeTransfer,
	}
}

func (h *harness) transfer(from, to, amount string, actor domain.Actor) (models.TransactionResponse, error) {
	return h.engine.CreateTransaction(context.Background(), transferRequest(from, to, amount), actor)
}

// faultyStore injects failures into the balance writes of each unit of work.
type faultyStore struct {
	*memory.Store

	mu            sync.Mutex
	conflictsLeft int
	creditFault   error
	atFault       func()
	debitAttempts int
}

func (s *faultyStore) WithinTx(ctx context.Context, fn func(tx domain.LedgerTx) error) error {
	return s.Store.WithinTx(ctx, func(tx domain.LedgerTx) error {
		return fn(&faultyTx{LedgerTx: tx, store: s})
	})
}

type faultyTx struct {
	domain.LedgerTx
	store         *faultyStore
	balanceWrites int
}

func (t *faultyTx) UpdateAccountBalance(ctx context.Context, account domain.Account) error {
	t.balanceWrites++
	s := t.store

	s.mu.Lock()
	if t.balanceWrites == 1 {
		s.debitAttempts++
		if s.conflictsLeft > 0 {
			s.conflictsLeft--
			s.mu.Unlock()
			return fmt.Errorf("update account %s: %w", account.ID, domain.ErrConcurrentModification)
		}
	}
	fault := t.balanceWrites == 2 && s.creditFault != nil
	probe := s.atFault
	s.mu.Unlock()

	if fault {
		if probe != nil {
			probe()
		}
		return s.creditFault
	}
	return t.LedgerTx.UpdateAccountBalance(ctx, account)
}
