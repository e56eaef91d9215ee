// Package control wires the payment core together and manages its
// lifecycle: storage, RPC pools, custody, per-chain workers, and the
// health server.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/stablr/paycore/internal/confirm"
	"github.com/stablr/paycore/internal/core/config"
	"github.com/stablr/paycore/internal/core/domain"
	"github.com/stablr/paycore/internal/deposit"
	"github.com/stablr/paycore/internal/executor"
	"github.com/stablr/paycore/internal/health"
	"github.com/stablr/paycore/internal/infra/chain/evm"
	redisclient "github.com/stablr/paycore/internal/infra/redis"
	"github.com/stablr/paycore/internal/infra/rpc"
	"github.com/stablr/paycore/internal/infra/rpc/provider"
	"github.com/stablr/paycore/internal/infra/rpc/routing"
	"github.com/stablr/paycore/internal/infra/storage"
	"github.com/stablr/paycore/internal/infra/storage/memory"
	"github.com/stablr/paycore/internal/infra/storage/postgres"
	"github.com/stablr/paycore/internal/ledger"
	"github.com/stablr/paycore/internal/nonce"
	"github.com/stablr/paycore/internal/reconcile"
	"github.com/stablr/paycore/internal/signer"
)

const rpcTimeout = 10 * time.Second

// Config holds the application configuration.
type Config struct {
	Port     int
	Chains   []config.ChainConfig
	Database postgres.Config
	Redis    redisclient.Config
	Custody  config.CustodyConfig
}

// Engine is the assembled payment core.
type Engine struct {
	cfg Config
	log *slog.Logger

	db          *postgres.DB
	redisClient *redisclient.Client
	pool        *routing.Pool

	accounts storage.AccountRepository
	txRepo   storage.PendingTxRepository
	deposits storage.DepositRepository

	ledgerEngine *ledger.Engine
	nonces       *nonce.Manager
	exec         *executor.Executor
	crediter     *deposit.Crediter

	adapters    map[domain.ChainID]*evm.Adapter
	trackers    map[domain.ChainID]*confirm.Tracker
	monitors    map[domain.ChainID]*deposit.Monitor
	reconcilers map[domain.ChainID]*reconcile.Engine

	healthServer *health.Server
	cancel       context.CancelFunc
	group        *errgroup.Group
}

// NewEngine creates an engine with all dependencies initialized.
func NewEngine(ctx context.Context, cfg Config) (*Engine, error) {
	log := slog.Default()

	e := &Engine{
		cfg:         cfg,
		log:         log,
		adapters:    make(map[domain.ChainID]*evm.Adapter),
		trackers:    make(map[domain.ChainID]*confirm.Tracker),
		monitors:    make(map[domain.ChainID]*deposit.Monitor),
		reconcilers: make(map[domain.ChainID]*reconcile.Engine),
	}

	// Storage.
	var entries storage.LedgerRepository
	var nonceRepo storage.NonceRepository
	if cfg.Database.URL != "" {
		db, err := connectDB(ctx, cfg.Database, log)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		e.db = db
		e.accounts = postgres.NewAccountRepo(db)
		entries = postgres.NewLedgerRepo(db)
		e.txRepo = postgres.NewPendingTxRepo(db)
		nonceRepo = postgres.NewNonceRepo(db)
		e.deposits = postgres.NewDepositRepo(db)
		log.Info("using PostgreSQL storage")
	} else {
		e.accounts = memory.NewAccountRepo()
		entries = memory.NewLedgerRepo()
		e.txRepo = memory.NewPendingTxRepo()
		nonceRepo = memory.NewNonceRepo()
		e.deposits = memory.NewDepositRepo()
		log.Info("using memory storage")
	}

	// Redis markers are optional; without them the ledger idempotency key
	// still guards deposit crediting.
	var markers deposit.SeenMarker
	if cfg.Redis.URL != "" {
		redisClient, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			log.Warn("redis unavailable, deposit markers disabled", "error", err)
		} else {
			e.redisClient = redisClient
			markers = redisClient
		}
	}

	// RPC pool and per-chain adapters.
	e.pool = routing.NewPool(routing.DefaultBreakerConfig)
	for _, chainCfg := range cfg.Chains {
		for _, p := range chainCfg.Providers {
			e.pool.Add(chainCfg.ChainID, provider.NewEndpoint(p.Name, p.URL, rpcTimeout), p.Priority)
		}
	}
	client := rpc.NewClient(e.pool, routing.DefaultRetryPolicy, log)

	readers := make(map[domain.ChainID]nonce.ChainNonceReader, len(cfg.Chains))
	for _, chainCfg := range cfg.Chains {
		adapter := evm.NewAdapter(chainCfg.ChainID, client)
		e.adapters[chainCfg.ChainID] = adapter
		readers[chainCfg.ChainID] = adapter
	}

	custody, err := newCustodySigner(cfg.Custody)
	if err != nil {
		return nil, err
	}

	e.ledgerEngine = ledger.NewEngine(entries, e.accounts, log)
	e.nonces = nonce.NewManager(nonceRepo, e.txRepo, readers, log)
	e.crediter = deposit.NewCrediter(e.accounts, e.deposits, e.ledgerEngine, log)

	backends := make(map[domain.ChainID]executor.ChainBackend, len(cfg.Chains))
	execTrackers := make(map[domain.ChainID]executor.ConfirmationTracker, len(cfg.Chains))
	for _, chainCfg := range cfg.Chains {
		adapter := e.adapters[chainCfg.ChainID]
		tracker := confirm.NewTracker(chainCfg.ChainID, adapter, e.txRepo, chainCfg.Confirm, log)
		e.trackers[chainCfg.ChainID] = tracker
		backends[chainCfg.ChainID] = adapter
		execTrackers[chainCfg.ChainID] = tracker

		e.monitors[chainCfg.ChainID] = deposit.NewMonitor(
			chainCfg.ChainID, adapter, e.deposits, markers, chainCfg.Deposit, log)

		if chainCfg.ReconcileWindow > 0 {
			e.reconcilers[chainCfg.ChainID] = reconcile.NewEngine(
				chainCfg.ChainID, adapter, e.txRepo, e.deposits, entries, chainCfg.Reconcile, log)
		}
	}

	e.exec = executor.New(backends, execTrackers, e.accounts, e.txRepo,
		e.ledgerEngine, e.nonces, custody, log)

	var pinger health.Pinger
	if e.db != nil {
		pinger = e.db
	}
	e.healthServer = health.NewServer(e.pool, pinger, cfg.Port)

	return e, nil
}

// connectDB opens the database with exponential backoff so the service
// survives starting before its database does.
func connectDB(ctx context.Context, cfg postgres.Config, log *slog.Logger) (*postgres.DB, error) {
	var db *postgres.DB
	backoff := retry.WithMaxRetries(5, retry.NewExponential(time.Second))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		db, err = postgres.NewDB(ctx, cfg)
		if err != nil {
			log.Warn("database not ready, retrying", "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	return db, nil
}

func newCustodySigner(cfg config.CustodyConfig) (signer.Signer, error) {
	switch cfg.Provider {
	case "", "turnkey":
		return signer.NewTurnkeyClient(cfg.Turnkey), nil
	case "fireblocks":
		return signer.NewFireblocksClient(cfg.Fireblocks), nil
	default:
		return nil, fmt.Errorf("unknown custody provider %q", cfg.Provider)
	}
}

// Executor returns the transfer executor.
func (e *Engine) Executor() *executor.Executor { return e.exec }

// Ledger returns the ledger engine.
func (e *Engine) Ledger() *ledger.Engine { return e.ledgerEngine }

// Accounts returns the account repository.
func (e *Engine) Accounts() storage.AccountRepository { return e.accounts }

// Start launches background workers and the health server.
func (e *Engine) Start(ctx context.Context) error {
	// Reconcile local nonce state against the chains before accepting
	// transfers; a stale allocator would sign unusable nonces.
	if err := e.nonces.RecoverAll(ctx); err != nil {
		return fmt.Errorf("nonce recovery: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	group, groupCtx := errgroup.WithContext(runCtx)
	e.group = group

	group.Go(func() error {
		if err := e.healthServer.Start(); err != nil {
			e.log.Error("health server failed", "error", err)
			return err
		}
		return nil
	})

	for _, chainCfg := range e.cfg.Chains {
		chainCfg := chainCfg
		chainID := chainCfg.ChainID

		monitor := e.monitors[chainID]
		group.Go(func() error {
			e.log.Info("starting deposit monitor", "chain", chainID)
			return monitor.Run(groupCtx)
		})
		group.Go(func() error {
			return e.crediter.Run(groupCtx, monitor.Records())
		})

		tracker := e.trackers[chainID]
		group.Go(func() error {
			e.runSweepLoop(groupCtx, chainID, tracker, chainCfg.Confirm.PollInterval)
			return nil
		})

		if rec, ok := e.reconcilers[chainID]; ok {
			group.Go(func() error {
				e.runReconcileLoop(groupCtx, chainID, rec, chainCfg.ReconcileWindow)
				return nil
			})
		}
	}

	e.log.Info("payment core started", "chains", len(e.cfg.Chains), "port", e.cfg.Port)
	return nil
}

// runSweepLoop periodically advances non-terminal transactions and
// resolves paused nonce allocators.
func (e *Engine) runSweepLoop(ctx context.Context, chainID domain.ChainID, tracker *confirm.Tracker, interval time.Duration) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := tracker.SweepPending(ctx); err != nil {
				e.log.Error("pending sweep failed", "chain", chainID, "error", err)
			}
			for _, addr := range e.nonces.RecoveringAddresses(chainID) {
				if err := e.nonces.SweepRecovery(ctx, chainID, addr); err != nil {
					e.log.Error("nonce sweep failed", "chain", chainID, "address", addr, "error", err)
				}
			}
		}
	}
}

// runReconcileLoop reconciles trailing block windows against the chain.
func (e *Engine) runReconcileLoop(ctx context.Context, chainID domain.ChainID, rec *reconcile.Engine, window uint64) {
	adapter := e.adapters[chainID]
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	var lastEnd uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			head, err := adapter.BlockNumber(ctx)
			if err != nil {
				e.log.Error("reconcile head fetch failed", "chain", chainID, "error", err)
				continue
			}
			start, end, ok := reconcileWindow(head, window)
			if !ok || end <= lastEnd {
				continue
			}
			if _, err := rec.Reconcile(ctx, start, end); err != nil {
				e.log.Error("reconciliation failed", "chain", chainID, "error", err)
				continue
			}
			lastEnd = end
		}
	}
}

// reconcileWindow derives the trailing block range to reconcile at a
// given head. The window ends half a window behind head so reorgs have
// settled. Not ok until the chain is at least one and a half windows
// tall, which also keeps the start arithmetic from wrapping.
func reconcileWindow(head, window uint64) (start, end uint64, ok bool) {
	if window == 0 || head < window+window/2 {
		return 0, 0, false
	}
	end = head - window/2
	start = end - window + 1
	return start, end, true
}

// Stop shuts down workers and releases resources.
func (e *Engine) Stop(ctx context.Context) error {
	e.log.Info("stopping payment core")
	if e.cancel != nil {
		e.cancel()
	}

	if err := e.healthServer.Stop(ctx); err != nil {
		e.log.Warn("health server shutdown", "error", err)
	}
	if e.group != nil {
		done := make(chan error, 1)
		go func() { done <- e.group.Wait() }()
		select {
		case <-ctx.Done():
			e.log.Warn("shutdown timed out waiting for workers")
		case err := <-done:
			if err != nil && err != context.Canceled {
				e.log.Warn("worker exited with error", "error", err)
			}
		}
	}

	if e.redisClient != nil {
		if err := e.redisClient.Close(); err != nil {
			e.log.Warn("failed to close redis", "error", err)
		}
	}
	if e.db != nil {
		if err := e.db.Close(); err != nil {
			return fmt.Errorf("close database: %w", err)
		}
	}
	return nil
}
