package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrVersionConflict = errors.New("account version conflict")
	// ErrSignatureRecorded is returned by CommitTransaction for a signature
	// an earlier commit already recorded.
	ErrSignatureRecorded = errors.New("signature already recorded")
)

// Account is the persisted form of a runtime account. Version is bumped on
// every committed write; zero means the account has never been written.
type Account struct {
	Key        solana.PublicKey
	Owner      solana.PublicKey
	Lamports   uint64
	Data       []byte
	Executable bool
	Version    uint64
}

func (a Account) Clone() Account {
	out := a
	out.Data = append([]byte(nil), a.Data...)
	return out
}

// AccountStore is implemented by every storage driver.
//
// CommitAccounts applies all writes or none. Each account carries the version
// the writer read; the commit fails with ErrVersionConflict when any stored
// version has moved since.
//
// CommitTransaction does the same and records signature in the same atomic
// write, so an executed transaction and its writes survive restarts together.
type AccountStore interface {
	GetAccount(ctx context.Context, key solana.PublicKey) (Account, error)
	CommitAccounts(ctx context.Context, accounts []Account) error
	CommitTransaction(ctx context.Context, signature solana.Signature, accounts []Account) error
	SignatureRecorded(ctx context.Context, signature solana.Signature) (bool, error)
	Close() error
}

// Upsert writes a single account regardless of the version it was read at.
// It is meant for feeds that mirror external state, never for program output.
func Upsert(ctx context.Context, s AccountStore, account Account) error {
	for attempt := 0; attempt < 3; attempt++ {
		current, err := s.GetAccount(ctx, account.Key)
		switch {
		case errors.Is(err, ErrAccountNotFound):
			account.Version = 0
		case err != nil:
			return err
		default:
			account.Version = current.Version
		}

		err = s.CommitAccounts(ctx, []Account{account})
		if !errors.Is(err, ErrVersionConflict) {
			return err
		}
	}
	return fmt.Errorf("%w: upsert %s kept racing", ErrVersionConflict, account.Key)
}

func checkDuplicates(accounts []Account) error {
	seen := make(map[solana.PublicKey]struct{}, len(accounts))
	for _, account := range accounts {
		if _, ok := seen[account.Key]; ok {
			return fmt.Errorf("duplicate account %s in commit", account.Key)
		}
		seen[account.Key] = struct{}{}
	}
	return nil
}
