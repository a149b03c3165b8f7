package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type PostgresStore struct {
	db *DB
}

type DB struct {
	raw *sql.DB
}

type Tx struct {
	raw *sql.Tx
}

func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.raw.ExecContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return db.raw.QueryRowContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*Tx, error) {
	tx, err := db.raw.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Tx{raw: tx}, nil
}

func (db *DB) Close() error {
	return db.raw.Close()
}

func (tx *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return tx.raw.ExecContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (tx *Tx) Commit() error {
	return tx.raw.Commit()
}

func (tx *Tx) Rollback() error {
	return tx.raw.Rollback()
}

// rebindPostgresPlaceholders turns `?` placeholders outside string literals
// into `$n` so queries read the same for every driver.
func rebindPostgresPlaceholders(query string) string {
	var out strings.Builder
	out.Grow(len(query) + 16)

	arg := 1
	quoted := false
	for i := 0; i < len(query); i++ {
		ch := query[i]
		switch {
		case ch == '\'' && quoted && i+1 < len(query) && query[i+1] == '\'':
			out.WriteString("''")
			i++
		case ch == '\'':
			quoted = !quoted
			out.WriteByte(ch)
		case ch == '?' && !quoted:
			out.WriteByte('$')
			out.WriteString(strconv.Itoa(arg))
			arg++
		default:
			out.WriteByte(ch)
		}
	}
	return out.String()
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetConnMaxIdleTime(30 * time.Second)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(16)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresStore{db: &DB{raw: db}}
	if err := store.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			pubkey TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			lamports TEXT NOT NULL,
			data BYTEA NOT NULL,
			executable BOOLEAN NOT NULL,
			version BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_accounts_owner ON accounts(owner);`,
		`CREATE TABLE IF NOT EXISTS signatures (
			signature TEXT PRIMARY KEY,
			recorded_at BIGINT NOT NULL
		);`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate accounts: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, key solana.PublicKey) (Account, error) {
	var (
		owner    string
		lamports string
		version  int64
		account  = Account{Key: key}
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT owner, lamports, data, executable, version FROM accounts WHERE pubkey = ?`,
		key.String(),
	).Scan(&owner, &lamports, &account.Data, &account.Executable, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, fmt.Errorf("%w: %s", ErrAccountNotFound, key)
	}
	if err != nil {
		return Account{}, fmt.Errorf("select account %s: %w", key, err)
	}

	account.Owner, err = solana.PublicKeyFromBase58(owner)
	if err != nil {
		return Account{}, fmt.Errorf("account %s has invalid owner %q: %w", key, owner, err)
	}
	account.Lamports, err = strconv.ParseUint(lamports, 10, 64)
	if err != nil {
		return Account{}, fmt.Errorf("account %s has invalid lamports %q: %w", key, lamports, err)
	}
	account.Version = uint64(version)
	return account, nil
}

func (s *PostgresStore) SignatureRecorded(ctx context.Context, signature solana.Signature) (bool, error) {
	var found bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM signatures WHERE signature = ?)`,
		signature.String(),
	).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("select signature %s: %w", signature, err)
	}
	return found, nil
}

func (s *PostgresStore) CommitAccounts(ctx context.Context, accounts []Account) error {
	return s.commit(ctx, nil, accounts)
}

func (s *PostgresStore) CommitTransaction(ctx context.Context, signature solana.Signature, accounts []Account) error {
	return s.commit(ctx, &signature, accounts)
}

func (s *PostgresStore) commit(ctx context.Context, signature *solana.Signature, accounts []Account) error {
	if err := checkDuplicates(accounts); err != nil {
		return err
	}
	now := time.Now().Unix()

	return s.WithTx(ctx, func(tx *Tx) error {
		if signature != nil {
			result, err := tx.ExecContext(ctx,
				`INSERT INTO signatures (signature, recorded_at) VALUES (?, ?) ON CONFLICT (signature) DO NOTHING`,
				signature.String(),
				now,
			)
			if err != nil {
				return fmt.Errorf("record signature %s: %w", *signature, err)
			}
			affected, err := result.RowsAffected()
			if err != nil {
				return fmt.Errorf("record signature %s: %w", *signature, err)
			}
			if affected != 1 {
				return fmt.Errorf("%w: %s", ErrSignatureRecorded, *signature)
			}
		}
		for _, account := range accounts {
			var (
				result sql.Result
				err    error
			)
			if account.Version == 0 {
				result, err = tx.ExecContext(ctx,
					`INSERT INTO accounts (pubkey, owner, lamports, data, executable, version, updated_at)
					VALUES (?, ?, ?, ?, ?, 1, ?)
					ON CONFLICT (pubkey) DO NOTHING`,
					account.Key.String(),
					account.Owner.String(),
					strconv.FormatUint(account.Lamports, 10),
					account.Data,
					account.Executable,
					now,
				)
			} else {
				result, err = tx.ExecContext(ctx,
					`UPDATE accounts
					SET owner = ?, lamports = ?, data = ?, executable = ?, version = version + 1, updated_at = ?
					WHERE pubkey = ? AND version = ?`,
					account.Owner.String(),
					strconv.FormatUint(account.Lamports, 10),
					account.Data,
					account.Executable,
					now,
					account.Key.String(),
					int64(account.Version),
				)
			}
			if err != nil {
				return fmt.Errorf("write account %s: %w", account.Key, err)
			}
			affected, err := result.RowsAffected()
			if err != nil {
				return fmt.Errorf("write account %s: %w", account.Key, err)
			}
			if affected != 1 {
				return fmt.Errorf("%w: %s moved past version %d", ErrVersionConflict, account.Key, account.Version)
			}
		}
		return nil
	})
}
