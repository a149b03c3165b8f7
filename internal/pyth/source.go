package pyth

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/coldbell/escrow/backend/internal/program"
	"github.com/coldbell/escrow/backend/internal/store"
	"github.com/gagliardetto/solana-go"
)

type AccountReader interface {
	GetAccount(ctx context.Context, key solana.PublicKey) (store.Account, error)
}

// Source serves the escrow program from a PriceUpdateV2 account held in the
// local account store.
type Source struct {
	accounts AccountReader
	account  solana.PublicKey
	feedID   [32]byte
	maxAge   time.Duration
	now      func() time.Time
}

func NewSource(accounts AccountReader, account solana.PublicKey, feedID [32]byte, maxAge time.Duration) *Source {
	return &Source{
		accounts: accounts,
		account:  account,
		feedID:   feedID,
		maxAge:   maxAge,
		now:      time.Now,
	}
}

func (s *Source) Account() solana.PublicKey {
	return s.account
}

func (s *Source) Latest(ctx context.Context) (program.Quote, error) {
	account, err := s.accounts.GetAccount(ctx, s.account)
	if err != nil {
		return program.Quote{}, fmt.Errorf("load price account %s: %w", s.account, err)
	}
	update, err := DecodePriceUpdate(account.Owner, account.Data)
	if err != nil {
		return program.Quote{}, err
	}
	if update.FeedID != s.feedID {
		return program.Quote{}, fmt.Errorf("%w: account carries %x", ErrFeedMismatch, update.FeedID)
	}
	if update.Price <= 0 {
		return program.Quote{}, fmt.Errorf("%w: non-positive oracle price %d", ErrInvalidPriceUpdate, update.Price)
	}

	now := s.now().Unix()
	if update.PublishTime < 0 || update.PublishTime > now {
		return program.Quote{}, fmt.Errorf("%w: invalid publish time %d", ErrInvalidPriceUpdate, update.PublishTime)
	}
	if s.maxAge > 0 && time.Duration(now-update.PublishTime)*time.Second > s.maxAge {
		return program.Quote{}, fmt.Errorf("%w: published %ds ago", ErrStalePrice, now-update.PublishTime)
	}

	return program.Quote{
		Price:       uint64(update.Price),
		Expo:        update.Exponent,
		PublishTime: update.PublishTime,
	}, nil
}

func ParseFeedID(raw string) ([32]byte, error) {
	var out [32]byte
	decoded, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	if err != nil {
		return out, fmt.Errorf("decode feed id %q: %w", raw, err)
	}
	if len(decoded) != len(out) {
		return out, fmt.Errorf("feed id %q is %d bytes, want 32", raw, len(decoded))
	}
	copy(out[:], decoded)
	return out, nil
}
