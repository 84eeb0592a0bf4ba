package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"waterfall-settlement/internal/alerting"
	"waterfall-settlement/internal/config"
	"waterfall-settlement/internal/recovery"
	"waterfall-settlement/internal/server"
	"waterfall-settlement/internal/settlement"
	"waterfall-settlement/internal/storage"
	"waterfall-settlement/internal/xrpl"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newGateway() xrpl.Gateway {
	return xrpl.NewClient(xrpl.ClientOptions{
		RPCURL:    a.Config.Ledger.RPCURL,
		Timeout:   a.Config.Ledger.RequestTimeout,
		UserAgent: a.Config.Ledger.UserAgent,
	}, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Enabled && a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) settlementConfig() settlement.Config {
	return settlement.Config{
		PollInterval:     a.Config.Settlement.PollInterval,
		ConfirmTimeout:   a.Config.Settlement.ConfirmTimeout,
		DistributionWait: a.Config.Settlement.DistributionWait,
		Tolerance:        decimal.NewFromFloat(a.Config.Settlement.ToleranceXRP),
	}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// newEngine assembles the settlement pipeline on top of a durable store.
func (a *App) newEngine(store *storage.Store) (*settlement.Orchestrator, *recovery.Ledger) {
	ledger := recovery.NewLedger(store, a.Logger)
	orch := settlement.New(a.newGateway(), ledger, store, store, a.newNotifier(), a.settlementConfig(), a.Logger)
	return orch, ledger
}

// Run hosts the settlement HTTP API until interrupted.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn not configured; the API requires durable storage")
	}
	defer closeStore()

	orch, ledger := a.newEngine(store)
	handlers := server.NewHandlers(orch, ledger, store, a.Logger)
	srv := server.New(a.Config.Server, handlers, a.Logger)

	a.Logger.Info().Msg("starting settlement service")
	err = srv.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("settlement service stopped")
	return nil
}

// CreateAgreementOptions carry financing terms for a new agreement.
type CreateAgreementOptions struct {
	ID           string
	Principal    decimal.Decimal
	InterestRate decimal.Decimal
	Accounts     settlement.Accounts
}

// SettleOptions configure a one-shot settlement run.
type SettleOptions struct {
	AgreementID string
	Amount      decimal.Decimal
}

// ResumeOptions configure re-driving a pending settlement.
type ResumeOptions struct {
	AgreementID string
	SourceTxRef string
}

// ExportOptions hold parameters for exporting recovery history.
type ExportOptions struct {
	AgreementID string
	PNGPath     string
	CSVPath     string
	MaxPoints   int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}
