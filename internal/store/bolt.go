package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	bolt "go.etcd.io/bbolt"
)

const (
	accountsBucket   = "escrow:accounts"
	signaturesBucket = "escrow:signatures"
)

var (
	ErrAccountsBucketNotFound   = errors.New("accounts bucket doesn't exist")
	ErrSignaturesBucketNotFound = errors.New("signatures bucket doesn't exist")
)

type BoltStore struct {
	db *bolt.DB
}

type boltAccount struct {
	Owner      solana.PublicKey
	Lamports   uint64
	Executable bool
	Version    uint64
	Data       []byte
}

func NewBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt database %q: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range []string{accountsBucket, signaturesBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return fmt.Errorf("create %s bucket: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) GetAccount(_ context.Context, key solana.PublicKey) (Account, error) {
	var account Account
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(accountsBucket))
		if bucket == nil {
			return ErrAccountsBucketNotFound
		}
		raw := bucket.Get(key[:])
		if raw == nil {
			return fmt.Errorf("%w: %s", ErrAccountNotFound, key)
		}
		decoded, err := decodeBoltAccount(key, raw)
		if err != nil {
			return err
		}
		account = decoded
		return nil
	})
	if err != nil {
		return Account{}, err
	}
	return account, nil
}

func (s *BoltStore) SignatureRecorded(_ context.Context, signature solana.Signature) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(signaturesBucket))
		if bucket == nil {
			return ErrSignaturesBucketNotFound
		}
		found = bucket.Get(signature[:]) != nil
		return nil
	})
	return found, err
}

func (s *BoltStore) CommitAccounts(_ context.Context, accounts []Account) error {
	return s.commit(nil, accounts)
}

func (s *BoltStore) CommitTransaction(_ context.Context, signature solana.Signature, accounts []Account) error {
	return s.commit(&signature, accounts)
}

func (s *BoltStore) commit(signature *solana.Signature, accounts []Account) error {
	if err := checkDuplicates(accounts); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(accountsBucket))
		if bucket == nil {
			return ErrAccountsBucketNotFound
		}

		if signature != nil {
			signatures := tx.Bucket([]byte(signaturesBucket))
			if signatures == nil {
				return ErrSignaturesBucketNotFound
			}
			if signatures.Get(signature[:]) != nil {
				return fmt.Errorf("%w: %s", ErrSignatureRecorded, *signature)
			}
			recordedAt := make([]byte, 8)
			binary.LittleEndian.PutUint64(recordedAt, uint64(time.Now().Unix()))
			if err := signatures.Put(signature[:], recordedAt); err != nil {
				return fmt.Errorf("put signature %s: %w", *signature, err)
			}
		}

		for _, account := range accounts {
			var current uint64
			if raw := bucket.Get(account.Key[:]); raw != nil {
				stored, err := decodeBoltAccount(account.Key, raw)
				if err != nil {
					return err
				}
				current = stored.Version
			}
			if current != account.Version {
				return fmt.Errorf("%w: %s at version %d, writer read %d", ErrVersionConflict, account.Key, current, account.Version)
			}

			encoded, err := bin.MarshalBorsh(&boltAccount{
				Owner:      account.Owner,
				Lamports:   account.Lamports,
				Executable: account.Executable,
				Version:    account.Version + 1,
				Data:       account.Data,
			})
			if err != nil {
				return fmt.Errorf("encode account %s: %w", account.Key, err)
			}
			if err := bucket.Put(account.Key[:], encoded); err != nil {
				return fmt.Errorf("put account %s: %w", account.Key, err)
			}
		}
		return nil
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func decodeBoltAccount(key solana.PublicKey, raw []byte) (Account, error) {
	var stored boltAccount
	if err := bin.UnmarshalBorsh(&stored, raw); err != nil {
		return Account{}, fmt.Errorf("decode account %s: %w", key, err)
	}
	return Account{
		Key:        key,
		Owner:      stored.Owner,
		Lamports:   stored.Lamports,
		Data:       append([]byte(nil), stored.Data...),
		Executable: stored.Executable,
		Version:    stored.Version,
	}, nil
}
