package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/coldbell/escrow/backend/internal/store"
	"github.com/gagliardetto/solana-go"
)

var (
	ErrSignatureVerification = errors.New("transaction signature verification failed")
	ErrAlreadyProcessed      = errors.New("transaction already processed")
	ErrInvalidTransaction    = errors.New("invalid transaction")
)

// Result describes one executed transaction. Err is set when the transaction
// failed; in that case none of its writes were committed.
type Result struct {
	Signature solana.Signature
	Logs      []string
	Updated   []solana.PublicKey
	Err       error
}

// Executor runs signed transactions against an account store with
// all-or-nothing semantics. Transactions are executed one at a time. Every
// executed signature, failed or not, is recorded in the store so it is
// rejected for as long as the store lives.
type Executor struct {
	rt     *Runtime
	store  store.AccountStore
	logger *slog.Logger

	mu sync.Mutex
}

func NewExecutor(rt *Runtime, accounts store.AccountStore, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Executor{
		rt:     rt,
		store:  accounts,
		logger: logger.With("component", "executor"),
	}
}

type loadedAccount struct {
	info     *AccountInfo
	original store.Account
	program  bool
}

func (e *Executor) Execute(ctx context.Context, tx *solana.Transaction) (*Result, error) {
	if tx == nil || len(tx.Signatures) == 0 {
		return nil, fmt.Errorf("%w: no signatures", ErrSignatureVerification)
	}
	if err := tx.VerifySignatures(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureVerification, err)
	}
	result := &Result{Signature: tx.Signatures[0]}

	e.mu.Lock()
	defer e.mu.Unlock()

	recorded, err := e.store.SignatureRecorded(ctx, result.Signature)
	if err != nil {
		return nil, fmt.Errorf("check signature %s: %w", result.Signature, err)
	}
	if recorded {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyProcessed, result.Signature)
	}

	metas, err := tx.Message.AccountMetaList()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTransaction, err)
	}
	loaded, err := e.loadAccounts(ctx, metas)
	if err != nil {
		return nil, err
	}

	for index, compiled := range tx.Message.Instructions {
		programID, err := tx.Message.ResolveProgramIDIndex(compiled.ProgramIDIndex)
		if err != nil {
			return nil, fmt.Errorf("%w: instruction %d: %v", ErrInvalidTransaction, index, err)
		}
		accounts := make([]*AccountInfo, 0, len(compiled.Accounts))
		for _, accountIndex := range compiled.Accounts {
			if int(accountIndex) >= len(loaded) {
				return nil, fmt.Errorf("%w: instruction %d references account %d of %d", ErrInvalidTransaction, index, accountIndex, len(loaded))
			}
			accounts = append(accounts, loaded[accountIndex].info)
		}

		logs, err := e.rt.ProcessInstruction(ctx, programID, accounts, compiled.Data)
		result.Logs = append(result.Logs, logs...)
		if err != nil {
			result.Err = fmt.Errorf("instruction %d: %w", index, err)
			if err := e.store.CommitTransaction(ctx, result.Signature, nil); err != nil {
				return nil, e.commitError(result.Signature, err)
			}
			e.logger.Info("transaction failed", "signature", result.Signature, "err", result.Err)
			return result, result.Err
		}
	}

	writes := make([]store.Account, 0, len(loaded))
	for _, account := range loaded {
		if account.program || !account.info.IsWritable || !changed(account) {
			continue
		}
		writes = append(writes, store.Account{
			Key:        account.info.Key,
			Owner:      account.info.Owner,
			Lamports:   account.info.Lamports,
			Data:       account.info.Data,
			Executable: account.info.Executable,
			Version:    account.original.Version,
		})
		result.Updated = append(result.Updated, account.info.Key)
	}
	if err := e.store.CommitTransaction(ctx, result.Signature, writes); err != nil {
		if errors.Is(err, store.ErrSignatureRecorded) {
			return nil, e.commitError(result.Signature, err)
		}
		result.Err = fmt.Errorf("commit: %w", err)
		result.Updated = nil
		e.logger.Warn("transaction commit failed", "signature", result.Signature, "err", err)
		return result, result.Err
	}

	e.logger.Info("transaction executed", "signature", result.Signature, "updated", len(result.Updated))
	return result, nil
}

func (e *Executor) loadAccounts(ctx context.Context, metas solana.AccountMetaSlice) ([]loadedAccount, error) {
	loaded := make([]loadedAccount, len(metas))
	for i, meta := range metas {
		if e.rt.IsProgram(meta.PublicKey) {
			loaded[i] = loadedAccount{
				info: &AccountInfo{
					Key:        meta.PublicKey,
					Owner:      NativeLoaderID,
					Executable: true,
					IsSigner:   meta.IsSigner,
					IsWritable: meta.IsWritable,
				},
				program: true,
			}
			continue
		}

		account, err := e.store.GetAccount(ctx, meta.PublicKey)
		switch {
		case errors.Is(err, store.ErrAccountNotFound):
			account = store.Account{Key: meta.PublicKey, Owner: solana.SystemProgramID}
		case err != nil:
			return nil, fmt.Errorf("load account %s: %w", meta.PublicKey, err)
		}

		loaded[i] = loadedAccount{
			info: &AccountInfo{
				Key:        account.Key,
				Owner:      account.Owner,
				Lamports:   account.Lamports,
				Data:       bytes.Clone(account.Data),
				Executable: account.Executable,
				IsSigner:   meta.IsSigner,
				IsWritable: meta.IsWritable,
			},
			original: account,
		}
	}
	return loaded, nil
}

// commitError reports a signature another writer on the same store recorded
// first as ErrAlreadyProcessed.
func (e *Executor) commitError(signature solana.Signature, err error) error {
	if errors.Is(err, store.ErrSignatureRecorded) {
		return fmt.Errorf("%w: %s", ErrAlreadyProcessed, signature)
	}
	e.logger.Warn("recording signature failed", "signature", signature, "err", err)
	return fmt.Errorf("record signature %s: %w", signature, err)
}

func changed(account loadedAccount) bool {
	return !bytes.Equal(account.original.Data, account.info.Data) ||
		account.original.Lamports != account.info.Lamports ||
		!account.original.Owner.Equals(account.info.Owner)
}
