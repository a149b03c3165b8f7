package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/coldbell/escrow/backend/internal/apiserver"
	"github.com/coldbell/escrow/backend/internal/config"
	"github.com/coldbell/escrow/backend/internal/genesis"
	"github.com/coldbell/escrow/backend/internal/keeper"
	"github.com/coldbell/escrow/backend/internal/logging"
	"github.com/coldbell/escrow/backend/internal/program"
	"github.com/coldbell/escrow/backend/internal/pyth"
	"github.com/coldbell/escrow/backend/internal/runtime"
	"github.com/coldbell/escrow/backend/internal/store"
	"github.com/coldbell/escrow/backend/internal/tokenprogram"
	"github.com/gagliardetto/solana-go/programs/token"
	_ "github.com/joho/godotenv/autoload"
	"golang.org/x/sync/errgroup"
)

func main() {
	bootstrapLogger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.LoadNodeConfig()
	if err != nil {
		bootstrapLogger.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	logger, closeLogger, err := logging.New("escrow-node", cfg.Log)
	if err != nil {
		bootstrapLogger.Error("failed to initialize logger", "err", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := closeLogger(); closeErr != nil {
			bootstrapLogger.Error("failed to close logger", "err", closeErr)
		}
	}()

	if source, sourceErr := config.CurrentConfigSource(); sourceErr == nil {
		logger.Info("configuration loaded", "phase", source.Phase, "path", source.Path, "loaded", source.Loaded)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("escrow-node exited with error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.NodeConfig, logger *slog.Logger) error {
	accounts, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer func() {
		if err := accounts.Close(); err != nil {
			logger.Error("failed to close store", "err", err)
		}
	}()
	logger.Info("account store opened", "driver", cfg.Store.Driver)

	if cfg.Store.GenesisFile != "" {
		file, err := genesis.Load(cfg.Store.GenesisFile)
		if err != nil {
			return err
		}
		if _, err := genesis.Apply(ctx, accounts, file, cfg.Program.ProgramID, logger); err != nil {
			return fmt.Errorf("apply genesis: %w", err)
		}
	}

	feedID, err := pyth.ParseFeedID(cfg.Oracle.FeedID)
	if err != nil {
		return fmt.Errorf("PYTH_FEED_ID: %w", err)
	}
	prices := pyth.NewSource(accounts, cfg.Oracle.PriceAccount, feedID, cfg.Oracle.MaxPriceAge)

	processor, err := program.NewProcessor(program.Config{
		ProgramID:     cfg.Program.ProgramID,
		Treasury:      cfg.Program.Treasury,
		PriceDecimals: cfg.Program.PriceDecimals,
	}, prices)
	if err != nil {
		return fmt.Errorf("init escrow program: %w", err)
	}

	rt := runtime.New(logger)
	rt.Register(cfg.Program.ProgramID, processor)
	rt.Register(token.ProgramID, tokenprogram.New())
	executor := runtime.NewExecutor(rt, accounts, logger)
	logger.Info("runtime ready",
		"program", cfg.Program.ProgramID,
		"whitelist", processor.WhitelistAddress(),
		"treasury", cfg.Program.Treasury,
		"price_account", prices.Account(),
	)

	api, err := apiserver.New(cfg.API, accounts, executor, apiserver.Options{
		ProgramID:     cfg.Program.ProgramID,
		PriceDecimals: cfg.Program.PriceDecimals,
	}, logger)
	if err != nil {
		return fmt.Errorf("init api: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return api.Run(groupCtx) })

	if cfg.Keeper.Enabled {
		svc, err := keeper.New(cfg.Keeper, cfg.Program.ProgramID, cfg.Oracle.PriceAccount, accounts, executor, logger)
		if err != nil {
			return fmt.Errorf("init keeper: %w", err)
		}
		group.Go(func() error { return svc.Run(groupCtx) })
	}

	return group.Wait()
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.AccountStore, error) {
	switch cfg.Driver {
	case config.StorePostgres:
		return store.NewPostgresStore(ctx, cfg.DatabaseURL)
	case config.StoreBolt:
		return store.NewBoltStore(cfg.BoltPath)
	case config.StoreMemory:
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
}
