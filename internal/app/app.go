// Package app provides the top-level lifecycle of the arbitrage engine. It
// wires the infrastructure, builds the monitor, evaluator, composer,
// coordinator and ledger, and runs them together with the operator API until
// the context is cancelled.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/flasharb/internal/chain"
	"github.com/alanyoungcy/flasharb/internal/composer"
	"github.com/alanyoungcy/flasharb/internal/config"
	"github.com/alanyoungcy/flasharb/internal/crypto"
	"github.com/alanyoungcy/flasharb/internal/domain"
	"github.com/alanyoungcy/flasharb/internal/evaluator"
	"github.com/alanyoungcy/flasharb/internal/executor"
	"github.com/alanyoungcy/flasharb/internal/ledger"
	"github.com/alanyoungcy/flasharb/internal/monitor"
	"github.com/alanyoungcy/flasharb/internal/pipeline"
	"github.com/alanyoungcy/flasharb/internal/retry"
	"github.com/alanyoungcy/flasharb/internal/server"
	"github.com/alanyoungcy/flasharb/internal/server/handler"
	"github.com/alanyoungcy/flasharb/internal/server/ws"
	"github.com/alanyoungcy/flasharb/internal/venue"
)

// statusInterval is how often the status frame is pushed to dashboards.
const statusInterval = 5 * time.Second

// Options are startup switches that are not part of the config file.
type Options struct {
	// ResetCircuit clears a circuit trip recorded by an earlier run.
	ResetCircuit bool
}

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	opts    Options
	logger  *slog.Logger
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, opts Options, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		opts:   opts,
		logger: logger.With(slog.String("component", "app")),
	}
}

// submission is the optional write path. Both fields are nil when no
// signer or settlement contract is configured.
type submission struct {
	composer    pipeline.Composer
	coordinator *executor.Coordinator
}

// Run wires every component, starts them under one errgroup and blocks until
// the context is cancelled or a component fails.
func (a *App) Run(ctx context.Context) error {
	mode, ok := domain.ParseMode(strings.ToLower(a.cfg.Mode))
	if !ok {
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
	a.logger.InfoContext(ctx, "starting engine",
		slog.String("mode", string(mode)),
		slog.String("ledger_backend", a.cfg.Ledger.Backend),
		slog.Int("pools", len(a.cfg.Pools)),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	registry, err := BuildRegistry(a.cfg)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}

	client, err := chain.Dial(ctx, chain.Config{
		URL:               a.cfg.Chain.RPCURL,
		ChainID:           a.cfg.Chain.ChainID,
		SettlementAddress: a.cfg.Chain.SettlementAddress,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	a.closers = append(a.closers, client.Close)
	deps.Checks["chain"] = func(ctx context.Context) error {
		_, err := client.BlockNumber(ctx)
		return err
	}

	// The hooks fire only once the engine runs, after engine is assigned.
	var engine *Engine
	circuit := executor.NewCircuit(executor.CircuitConfig{
		FailureThreshold: a.cfg.Executor.FailureThreshold,
		Cooldown:         a.cfg.Executor.Cooldown.Duration,
		OnTrip: func(s executor.CircuitSnapshot, o domain.ExecutionOutcome) {
			engine.OnTrip(s, o)
		},
		OnReset: func(source string) { engine.OnReset(source) },
	}, a.logger)

	mon := monitor.New(client, registry, monitor.Config{
		DeltaThresholdBps:  a.cfg.Monitor.DeltaThresholdBps,
		MaxRetries:         a.cfg.Monitor.MaxRetries,
		Backoff:            a.backoff(),
		LivenessAlarmAfter: a.cfg.Monitor.LivenessAlarmAfter,
		RPCTimeout:         a.cfg.Chain.RPCTimeout.Duration,
		RateLimit:          a.cfg.Chain.RPCRateLimit,
		Publish:            a.cfg.Monitor.PublishSnapshots,
	}, a.logger, a.monitorOptions(deps, func() *Engine { return engine })...)

	eval := evaluator.New(evaluator.Config{
		MinInput:         a.cfg.Evaluator.MinInput,
		MaxInput:         a.cfg.Evaluator.MaxInput,
		SearchIterations: a.cfg.Evaluator.SearchIterations,
		BorrowFeeBps:     a.cfg.Evaluator.BorrowFeeBps,
		ExecutionCost:    a.cfg.Evaluator.ExecutionCost,
		SafetyMargin:     a.cfg.Evaluator.SafetyMargin,
		ProfitFloor:      a.cfg.Evaluator.ProfitFloor,
		MaxSnapshotAge:   uint64(a.cfg.Evaluator.MaxSnapshotAge),
		MaxDepthFraction: a.cfg.Evaluator.MaxDepthFraction,
	}, registry, a.logger)

	led := ledger.New(deps.LedgerStore, registry, a.logger, ledgerOptions(deps)...)
	if err := led.Load(ctx); err != nil {
		return fmt.Errorf("app: load ledger: %w", err)
	}

	sub, signer, err := a.buildSubmission(client, registry, deps, circuit, mon, led, mode, func() *Engine { return engine })
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}

	engine = NewEngine(EngineDeps{
		Pools:       mon,
		Circuit:     circuit,
		Coordinator: sub.coordinator,
		Registry:    registry,
		Audit:       deps.AuditStore,
		Notifier:    deps.Notifier,
		Bus:         deps.SignalBus,
	}, mode, a.logger)
	if err := engine.CheckMode(mode); err != nil {
		return fmt.Errorf("app: %w", err)
	}

	restored, err := RestoreCircuit(ctx, deps.AuditStore, circuit, a.opts.ResetCircuit)
	if err != nil {
		a.logger.WarnContext(ctx, "could not restore circuit state", slog.String("error", err.Error()))
	} else if restored {
		a.logger.WarnContext(ctx, "circuit paused by an earlier run; reset with POST /api/circuit/reset or -reset-circuit")
	}

	cycle := pipeline.NewCycle(a.cfg.Monitor.PollInterval.Duration, pipeline.CycleDeps{
		Monitor:   mon,
		Evaluator: eval,
		Composer:  sub.composer,
		Gate:      circuit,
		Mode:      engine,
		Bus:       deps.SignalBus,
	}, a.logger)
	jobs := a.jobs(ctx, client, registry, signer, led, deps, engine)
	orch := pipeline.NewOrchestrator(cycle, jobs, a.logger)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return orch.Run(ctx)
	})

	if sub.coordinator != nil {
		g.Go(func() error {
			err := sub.coordinator.Run(ctx, cycle.Out())
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	} else {
		a.logger.InfoContext(ctx, "no signer or settlement contract; running detection only")
	}

	if a.cfg.Server.Enabled {
		hub := ws.NewHub(deps.SignalBus, ws.Config{
			AllowedOrigins: a.cfg.Server.CORSOrigins,
			Status:         engine.Status,
		}, a.logger)
		srv := server.NewServer(server.Config{
			Port:        a.cfg.Server.Port,
			CORSOrigins: a.cfg.Server.CORSOrigins,
			APIKey:      a.cfg.Server.APIKey,
			RateLimit:   a.cfg.Server.RateLimit,
			RateWindow:  a.cfg.Server.RateWindow.Duration,
		}, server.Handlers{
			Health: handler.NewHealthHandler(deps.Checks, a.logger),
			Engine: handler.NewEngineHandler(engine, a.logger),
			Ledger: handler.NewLedgerHandler(led, a.logger),
		}, hub, deps.RateLimiter, a.logger)

		g.Go(func() error { return hub.Run(ctx) })
		g.Go(func() error { return srv.Run(ctx) })
	}

	return g.Wait()
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down engine")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *App) backoff() retry.Backoff {
	return retry.Backoff{Base: a.cfg.Monitor.BackoffBase.Duration, Max: a.cfg.Monitor.BackoffMax.Duration}
}

func (a *App) monitorOptions(deps *Dependencies, engine func() *Engine) []monitor.Option {
	opts := []monitor.Option{
		monitor.WithAlarm(func(ctx context.Context, consecutive int, err error) {
			engine().OnLivenessAlarm(ctx, consecutive, err)
		}),
	}
	if a.cfg.Chain.RPCRateLimit > 0 {
		opts = append(opts, monitor.WithRateLimiter(deps.RateLimiter))
	}
	if a.cfg.Monitor.PublishSnapshots {
		opts = append(opts, monitor.WithPublishing(deps.SnapshotCache, deps.SignalBus))
	}
	return opts
}

func ledgerOptions(deps *Dependencies) []ledger.Option {
	opts := []ledger.Option{
		ledger.WithAudit(deps.AuditStore),
		ledger.WithBus(deps.SignalBus),
	}
	if deps.Publisher != nil {
		opts = append(opts, ledger.WithPublisher(deps.Publisher))
	}
	if deps.Notifier != nil {
		opts = append(opts, ledger.WithNotifier(deps.Notifier))
	}
	return opts
}

// buildSubmission creates the composer and coordinator when a settlement
// contract and a signing key are configured. Without them the engine can
// only observe.
func (a *App) buildSubmission(
	client *chain.Client,
	registry *venue.Registry,
	deps *Dependencies,
	circuit *executor.Circuit,
	mon *monitor.Monitor,
	led *ledger.Ledger,
	mode domain.Mode,
	engine func() *Engine,
) (submission, *crypto.LocalSigner, error) {
	var sub submission
	if a.cfg.Chain.SettlementAddress == "" {
		return sub, nil, nil
	}
	comp, err := composer.New(composer.Config{
		SettlementAddress: a.cfg.Chain.SettlementAddress,
		GasLimit:          a.cfg.Chain.GasLimit,
		SlippageBps:       a.cfg.Evaluator.SlippageBps,
		ProfitFloor:       a.cfg.Evaluator.ProfitFloor,
	}, registry)
	if err != nil {
		return sub, nil, err
	}
	sub.composer = comp

	if a.cfg.Wallet.PrivateKey == "" && a.cfg.Wallet.EncryptedKeyPath == "" {
		return sub, nil, nil
	}
	key, err := crypto.LoadKey(crypto.KeySource{
		RawPrivateKey: a.cfg.Wallet.PrivateKey,
		KeyFilePath:   a.cfg.Wallet.EncryptedKeyPath,
		Password:      a.cfg.Wallet.KeyPassword,
	})
	if err != nil {
		return sub, nil, err
	}
	signer := crypto.NewLocalSigner(key, client.ChainID())
	a.logger.Info("signer loaded", slog.String("account", signer.Address()))

	nonces := executor.NewNonceManager(signer.Address(), deps.NonceStore, client, a.logger)
	sub.coordinator = executor.NewCoordinator(executor.Config{
		FreshnessBudget:     uint64(a.cfg.Executor.FreshnessBudget),
		SimulateTimeout:     a.cfg.Executor.SimulateTimeout.Duration,
		ConfirmTimeout:      a.cfg.Executor.ConfirmTimeout.Duration,
		ReceiptPollInterval: a.cfg.Executor.ReceiptPollInterval.Duration,
		BroadcastRetries:    a.cfg.Executor.BroadcastRetries,
		Backoff:             a.backoff(),
		TipMultiplier:       a.cfg.Chain.TipMultiplier,
		MaxFeeCap:           gweiToWei(a.cfg.Chain.MaxFeeGwei),
		LockTTL:             a.cfg.Executor.LockTTL.Duration,
		DedupTTL:            a.cfg.Executor.DedupTTL.Duration,

		UnresolvedAlarmAfter: a.cfg.Executor.UnresolvedAlarmAfter,
	}, executor.Deps{
		Chain:    client,
		Signer:   signer,
		Nonces:   nonces,
		Circuit:  circuit,
		Pools:    mon,
		Recorder: led,
		Locks:    deps.LockManager,
		OnNonceStuck: func(ctx context.Context, skips int, rec domain.NonceRecord) {
			engine().OnNonceStuck(ctx, skips, rec)
		},
	}, mode, a.logger)
	return sub, signer, nil
}

// jobs builds the periodic ledger jobs. A job whose prerequisites are not
// configured is left out.
func (a *App) jobs(
	ctx context.Context,
	client *chain.Client,
	registry *venue.Registry,
	signer *crypto.LocalSigner,
	led *ledger.Ledger,
	deps *Dependencies,
	engine *Engine,
) []pipeline.Schedule {
	jobs := []pipeline.Schedule{
		{Job: engine, Interval: statusInterval},
		{Job: pipeline.NewSummary(led, deps.Notifier, a.logger), Interval: a.cfg.Ledger.SummaryInterval.Duration},
	}

	if deps.Archiver != nil {
		jobs = append(jobs, pipeline.Schedule{
			Job:      pipeline.NewArchiver(deps.Archiver, a.cfg.Ledger.ArchiveRetention.Duration, a.logger),
			Interval: a.cfg.Ledger.ArchiveInterval.Duration,
		})
	}

	if rec := a.reconciler(ctx, client, registry, signer, led, deps); rec != nil {
		jobs = append(jobs, pipeline.Schedule{Job: rec, Interval: a.cfg.Ledger.ReconcileInterval.Duration})
	}
	return jobs
}

func (a *App) reconciler(
	ctx context.Context,
	client *chain.Client,
	registry *venue.Registry,
	signer *crypto.LocalSigner,
	led *ledger.Ledger,
	deps *Dependencies,
) *pipeline.Reconciler {
	if signer == nil {
		a.logger.Info("reconciliation disabled: no signer")
		return nil
	}
	assetID, err := pipeline.BorrowAsset(registry.Pairs())
	if err != nil {
		a.logger.Warn("reconciliation disabled", slog.String("error", err.Error()))
		return nil
	}
	asset, err := registry.Asset(assetID)
	if err != nil {
		a.logger.Warn("reconciliation disabled", slog.String("error", err.Error()))
		return nil
	}
	receiver := a.cfg.Chain.ProfitReceiver
	if receiver == "" {
		receiver = a.cfg.Chain.SettlementAddress
	}

	rec := pipeline.NewReconciler(client, led, pipeline.ReconcileTarget{
		Asset:    asset,
		Receiver: receiver,
		Signer:   signer.Address(),
	}, decimal.NewFromFloat(a.cfg.Ledger.ReconcileTolerance), deps.Notifier, deps.AuditStore, a.logger)
	if err := rec.Baseline(ctx); err != nil {
		a.logger.Warn("reconciliation baseline failed; retrying on first run", slog.String("error", err.Error()))
	}
	return rec
}

// gweiToWei converts a fee cap; zero or less means no cap.
func gweiToWei(gwei float64) *big.Int {
	if gwei <= 0 {
		return nil
	}
	return decimal.NewFromFloat(gwei).Shift(9).BigInt()
}
