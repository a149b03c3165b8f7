package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/gagliardetto/solana-go"
)

type MemoryStore struct {
	mu         sync.RWMutex
	accounts   map[solana.PublicKey]Account
	signatures map[solana.Signature]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:   make(map[solana.PublicKey]Account),
		signatures: make(map[solana.Signature]struct{}),
	}
}

func (s *MemoryStore) GetAccount(_ context.Context, key solana.PublicKey) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	account, ok := s.accounts[key]
	if !ok {
		return Account{}, fmt.Errorf("%w: %s", ErrAccountNotFound, key)
	}
	return account.Clone(), nil
}

func (s *MemoryStore) SignatureRecorded(_ context.Context, signature solana.Signature) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.signatures[signature]
	return ok, nil
}

func (s *MemoryStore) CommitAccounts(_ context.Context, accounts []Account) error {
	return s.commit(nil, accounts)
}

func (s *MemoryStore) CommitTransaction(_ context.Context, signature solana.Signature, accounts []Account) error {
	return s.commit(&signature, accounts)
}

func (s *MemoryStore) commit(signature *solana.Signature, accounts []Account) error {
	if err := checkDuplicates(accounts); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if signature != nil {
		if _, ok := s.signatures[*signature]; ok {
			return fmt.Errorf("%w: %s", ErrSignatureRecorded, *signature)
		}
	}
	for _, account := range accounts {
		current := s.accounts[account.Key].Version
		if current != account.Version {
			return fmt.Errorf("%w: %s at version %d, writer read %d", ErrVersionConflict, account.Key, current, account.Version)
		}
	}
	for _, account := range accounts {
		next := account.Clone()
		next.Version = account.Version + 1
		s.accounts[account.Key] = next
	}
	if signature != nil {
		s.signatures[*signature] = struct{}{}
	}
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
