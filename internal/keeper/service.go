package keeper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coldbell/escrow/backend/internal/config"
	"github.com/coldbell/escrow/backend/internal/logging"
	"github.com/coldbell/escrow/backend/internal/program"
	"github.com/coldbell/escrow/backend/internal/pyth"
	"github.com/coldbell/escrow/backend/internal/runtime"
	"github.com/coldbell/escrow/backend/internal/store"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// RPC is the part of the Solana RPC client the keeper uses.
type RPC interface {
	GetAccountInfoWithOpts(ctx context.Context, account solana.PublicKey, opts *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error)
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
}

type Executor interface {
	Execute(ctx context.Context, tx *solana.Transaction) (*runtime.Result, error)
}

// Service mirrors the configured Pyth price account into the local store and
// refreshes the price of every configured game.
type Service struct {
	cfg          config.KeeperConfig
	programID    solana.PublicKey
	priceAccount solana.PublicKey
	rpc          RPC
	accounts     store.AccountStore
	executor     Executor
	signer       solana.PrivateKey
	logger       *slog.Logger
}

type tickStats struct {
	refreshed int
	skipped   int
	failed    int
}

func New(
	cfg config.KeeperConfig,
	programID solana.PublicKey,
	priceAccount solana.PublicKey,
	accounts store.AccountStore,
	executor Executor,
	logger *slog.Logger,
) (*Service, error) {
	signer, err := solana.PrivateKeyFromSolanaKeygenFile(cfg.KeypairPath)
	if err != nil {
		return nil, fmt.Errorf("load keypair %q: %w", cfg.KeypairPath, err)
	}
	return newService(cfg, programID, priceAccount, rpc.New(cfg.RPCURL), accounts, executor, signer, logger), nil
}

func newService(
	cfg config.KeeperConfig,
	programID solana.PublicKey,
	priceAccount solana.PublicKey,
	client RPC,
	accounts store.AccountStore,
	executor Executor,
	signer solana.PrivateKey,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{
		cfg:          cfg,
		programID:    programID,
		priceAccount: priceAccount,
		rpc:          client,
		accounts:     accounts,
		executor:     executor,
		signer:       signer,
		logger:       logger.With("component", "keeper"),
	}
}

func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("keeper started",
		"rpc", s.cfg.RPCURL,
		"commitment", s.cfg.Commitment,
		"signer", s.signer.PublicKey(),
		"price_account", s.priceAccount,
		"games", len(s.cfg.Games),
	)

	if err := s.tick(ctx); err != nil {
		s.logger.Error("keeper tick failed", "err", err)
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("keeper stopped")
			return nil
		case <-ticker.C:
			if err := s.tick(ctx); err != nil {
				s.logger.Error("keeper tick failed", "err", err)
			}
		}
	}
}

func (s *Service) tick(ctx context.Context) error {
	if err := s.mirrorPriceAccount(ctx); err != nil {
		return err
	}

	var stats tickStats
	for _, game := range s.cfg.Games {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := s.refresh(ctx, game)
		switch {
		case err == nil:
			stats.refreshed++
		case isSkippable(err):
			stats.skipped++
			s.logger.Debug("refresh skipped", "game", game, "reason", err)
		default:
			stats.failed++
			s.logger.Warn("refresh failed", "game", game, "err", err)
		}
	}

	s.logger.Info("keeper tick complete",
		"games", len(s.cfg.Games),
		"refreshed", stats.refreshed,
		"skipped", stats.skipped,
		"failed", stats.failed,
	)
	return nil
}

// mirrorPriceAccount copies the price account from the cluster into the
// store. Accounts that do not decode as a verified update are not stored.
func (s *Service) mirrorPriceAccount(ctx context.Context) error {
	resp, err := s.rpc.GetAccountInfoWithOpts(ctx, s.priceAccount, &rpc.GetAccountInfoOpts{
		Encoding:   solana.EncodingBase64,
		Commitment: s.cfg.Commitment,
	})
	if err != nil {
		return fmt.Errorf("fetch price account %s: %w", s.priceAccount, err)
	}
	if resp == nil || resp.Value == nil || resp.Value.Data == nil {
		return fmt.Errorf("price account %s not found", s.priceAccount)
	}

	data := resp.Value.Data.GetBinary()
	update, err := pyth.DecodePriceUpdate(resp.Value.Owner, data)
	if err != nil {
		return fmt.Errorf("decode price account %s: %w", s.priceAccount, err)
	}

	current, err := s.accounts.GetAccount(ctx, s.priceAccount)
	switch {
	case errors.Is(err, store.ErrAccountNotFound):
	case err != nil:
		return fmt.Errorf("load mirrored price account: %w", err)
	case current.Owner.Equals(resp.Value.Owner) && bytes.Equal(current.Data, data):
		return nil
	}

	if err := store.Upsert(ctx, s.accounts, store.Account{
		Key:        s.priceAccount,
		Owner:      resp.Value.Owner,
		Lamports:   resp.Value.Lamports,
		Data:       data,
		Executable: resp.Value.Executable,
	}); err != nil {
		return fmt.Errorf("store price account: %w", err)
	}
	s.logger.Debug("price account mirrored",
		"slot", resp.Context.Slot,
		"price", update.Price,
		"expo", update.Exponent,
		"publish_time", update.PublishTime,
	)
	return nil
}

func (s *Service) refresh(ctx context.Context, game solana.PublicKey) error {
	txCtx, cancel := context.WithTimeout(ctx, s.cfg.TxTimeout)
	defer cancel()

	tx, err := s.buildTransaction(txCtx, program.NewRefreshPriceInstruction(s.programID, game))
	if err != nil {
		return err
	}
	result, err := s.executor.Execute(txCtx, tx)
	if result != nil {
		logging.ProgramLogs(s.logger, result.Signature.String(), result.Logs)
	}
	if err != nil {
		return err
	}
	s.logger.Info("price refreshed", "game", game, "signature", result.Signature)
	return nil
}

func (s *Service) buildTransaction(ctx context.Context, instructions ...solana.Instruction) (*solana.Transaction, error) {
	recent, err := s.rpc.GetLatestBlockhash(ctx, s.cfg.Commitment)
	if err != nil {
		return nil, fmt.Errorf("get latest blockhash: %w", err)
	}
	if recent == nil || recent.Value == nil {
		return nil, fmt.Errorf("get latest blockhash: empty response")
	}

	tx, err := solana.NewTransaction(
		instructions,
		recent.Value.Blockhash,
		solana.TransactionPayer(s.signer.PublicKey()),
	)
	if err != nil {
		return nil, fmt.Errorf("build transaction: %w", err)
	}

	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if s.signer.PublicKey().Equals(key) {
			return &s.signer
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	return tx, nil
}

// isSkippable reports refresh outcomes that are expected while the keeper
// runs: sold games and a transaction identical to one already executed.
func isSkippable(err error) bool {
	if errors.Is(err, runtime.ErrAlreadyProcessed) {
		return true
	}
	code, ok := program.CodeOf(err)
	return ok && code == program.ErrInactive
}
