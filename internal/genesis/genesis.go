// Package genesis seeds an account store from a YAML description of the
// initial game records, whitelist, token accounts and oracle accounts.
package genesis

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/coldbell/escrow/backend/internal/program"
	"github.com/coldbell/escrow/backend/internal/pyth"
	"github.com/coldbell/escrow/backend/internal/store"
	"github.com/coldbell/escrow/backend/internal/tokenprogram"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"gopkg.in/yaml.v3"
)

type File struct {
	Whitelist     []string       `yaml:"whitelist"`
	Games         []Game         `yaml:"games"`
	TokenAccounts []TokenAccount `yaml:"token_accounts"`
	PriceUpdates  []PriceUpdate  `yaml:"price_updates"`
	Accounts      []RawAccount   `yaml:"accounts"`
}

// Game is a record. Address defaults to the game PDA for ID.
type Game struct {
	ID         uint64 `yaml:"id"`
	Address    string `yaml:"address"`
	EntryPrice uint64 `yaml:"entry_price"`
	LastPrice  uint64 `yaml:"last_price"`
	Player2    string `yaml:"player2"`
}

type TokenAccount struct {
	Address         string `yaml:"address"`
	Mint            string `yaml:"mint"`
	Owner           string `yaml:"owner"`
	Amount          uint64 `yaml:"amount"`
	Frozen          bool   `yaml:"frozen"`
	Delegate        string `yaml:"delegate"`
	DelegatedAmount uint64 `yaml:"delegated_amount"`
}

type PriceUpdate struct {
	Address        string `yaml:"address"`
	WriteAuthority string `yaml:"write_authority"`
	FeedID         string `yaml:"feed_id"`
	Price          int64  `yaml:"price"`
	Conf           uint64 `yaml:"conf"`
	Exponent       int32  `yaml:"exponent"`
	PublishTime    int64  `yaml:"publish_time"`
	PostedSlot     uint64 `yaml:"posted_slot"`
}

type RawAccount struct {
	Address  string `yaml:"address"`
	Owner    string `yaml:"owner"`
	Lamports uint64 `yaml:"lamports"`
	Data     string `yaml:"data"`
}

func Load(path string) (*File, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis file %q: %w", path, err)
	}
	return Parse(body)
}

func Parse(body []byte) (*File, error) {
	var file File
	if err := yaml.Unmarshal(body, &file); err != nil {
		return nil, fmt.Errorf("parse genesis: %w", err)
	}
	return &file, nil
}

// Accounts builds the store accounts the file describes for programID.
func (f *File) Accounts(programID solana.PublicKey) ([]store.Account, error) {
	var out []store.Account

	if len(f.Whitelist) > 0 {
		buyers := make([]solana.PublicKey, 0, len(f.Whitelist))
		for _, raw := range f.Whitelist {
			buyer, err := parseKey("whitelist", raw)
			if err != nil {
				return nil, err
			}
			buyers = append(buyers, buyer)
		}
		data, err := program.EncodeWhitelist(program.Whitelist{Buyers: buyers})
		if err != nil {
			return nil, fmt.Errorf("whitelist: %w", err)
		}
		address, _, err := program.DeriveWhitelistPDA(programID)
		if err != nil {
			return nil, fmt.Errorf("derive whitelist address: %w", err)
		}
		out = append(out, store.Account{Key: address, Owner: programID, Data: data})
	}

	for i, game := range f.Games {
		account, err := game.account(programID)
		if err != nil {
			return nil, fmt.Errorf("games[%d]: %w", i, err)
		}
		out = append(out, account)
	}
	for i, tokenAccount := range f.TokenAccounts {
		account, err := tokenAccount.account()
		if err != nil {
			return nil, fmt.Errorf("token_accounts[%d]: %w", i, err)
		}
		out = append(out, account)
	}
	for i, update := range f.PriceUpdates {
		account, err := update.account()
		if err != nil {
			return nil, fmt.Errorf("price_updates[%d]: %w", i, err)
		}
		out = append(out, account)
	}
	for i, raw := range f.Accounts {
		account, err := raw.account()
		if err != nil {
			return nil, fmt.Errorf("accounts[%d]: %w", i, err)
		}
		out = append(out, account)
	}
	return out, nil
}

// Apply creates every described account that the store does not hold yet.
// Existing accounts are left alone so restarts keep committed state.
func Apply(ctx context.Context, accounts store.AccountStore, file *File, programID solana.PublicKey, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	described, err := file.Accounts(programID)
	if err != nil {
		return 0, err
	}

	missing := make([]store.Account, 0, len(described))
	for _, account := range described {
		_, err := accounts.GetAccount(ctx, account.Key)
		switch {
		case errors.Is(err, store.ErrAccountNotFound):
			missing = append(missing, account)
		case err != nil:
			return 0, fmt.Errorf("check %s: %w", account.Key, err)
		default:
			logger.Debug("genesis account already present", "account", account.Key)
		}
	}
	if len(missing) == 0 {
		return 0, nil
	}
	if err := accounts.CommitAccounts(ctx, missing); err != nil {
		return 0, fmt.Errorf("commit genesis accounts: %w", err)
	}
	logger.Info("genesis applied", "created", len(missing), "described", len(described))
	return len(missing), nil
}

func (g Game) account(programID solana.PublicKey) (store.Account, error) {
	var address solana.PublicKey
	if strings.TrimSpace(g.Address) != "" {
		key, err := parseKey("address", g.Address)
		if err != nil {
			return store.Account{}, err
		}
		address = key
	} else {
		key, _, err := program.DeriveGamePDA(programID, g.ID)
		if err != nil {
			return store.Account{}, fmt.Errorf("derive game %d address: %w", g.ID, err)
		}
		address = key
	}

	state := program.NewGameState(g.EntryPrice)
	if g.LastPrice != 0 {
		state.LastPrice = g.LastPrice
	}
	if strings.TrimSpace(g.Player2) != "" {
		buyer, err := parseKey("player2", g.Player2)
		if err != nil {
			return store.Account{}, err
		}
		state.GameActive = false
		state.Player2 = program.IdentityOf(buyer)
	}
	data, err := program.EncodeGameState(state)
	if err != nil {
		return store.Account{}, err
	}
	return store.Account{Key: address, Owner: programID, Data: data}, nil
}

func (t TokenAccount) account() (store.Account, error) {
	address, err := parseKey("address", t.Address)
	if err != nil {
		return store.Account{}, err
	}
	mint, err := parseKey("mint", t.Mint)
	if err != nil {
		return store.Account{}, err
	}
	owner, err := parseKey("owner", t.Owner)
	if err != nil {
		return store.Account{}, err
	}

	decoded := token.Account{
		Mint:   mint,
		Owner:  owner,
		Amount: t.Amount,
		State:  token.Initialized,
	}
	if t.Frozen {
		decoded.State = token.Frozen
	}
	if strings.TrimSpace(t.Delegate) != "" {
		delegate, err := parseKey("delegate", t.Delegate)
		if err != nil {
			return store.Account{}, err
		}
		decoded.Delegate = &delegate
		decoded.DelegatedAmount = t.DelegatedAmount
	}

	data, err := tokenprogram.EncodeAccount(decoded)
	if err != nil {
		return store.Account{}, err
	}
	return store.Account{Key: address, Owner: token.ProgramID, Data: data}, nil
}

func (p PriceUpdate) account() (store.Account, error) {
	address, err := parseKey("address", p.Address)
	if err != nil {
		return store.Account{}, err
	}
	feedID, err := pyth.ParseFeedID(p.FeedID)
	if err != nil {
		return store.Account{}, err
	}
	var authority solana.PublicKey
	if strings.TrimSpace(p.WriteAuthority) != "" {
		if authority, err = parseKey("write_authority", p.WriteAuthority); err != nil {
			return store.Account{}, err
		}
	}

	data := pyth.EncodePriceUpdate(pyth.PriceUpdate{
		WriteAuthority:  authority,
		FeedID:          feedID,
		Price:           p.Price,
		Conf:            p.Conf,
		Exponent:        p.Exponent,
		PublishTime:     p.PublishTime,
		PrevPublishTime: p.PublishTime,
		EMAPrice:        p.Price,
		EMAConf:         p.Conf,
		PostedSlot:      p.PostedSlot,
	})
	return store.Account{Key: address, Owner: pyth.ReceiverProgramID, Data: data}, nil
}

func (r RawAccount) account() (store.Account, error) {
	address, err := parseKey("address", r.Address)
	if err != nil {
		return store.Account{}, err
	}
	owner := solana.SystemProgramID
	if strings.TrimSpace(r.Owner) != "" {
		if owner, err = parseKey("owner", r.Owner); err != nil {
			return store.Account{}, err
		}
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(r.Data))
	if err != nil {
		return store.Account{}, fmt.Errorf("decode data of %s: %w", address, err)
	}
	return store.Account{Key: address, Owner: owner, Lamports: r.Lamports, Data: data}, nil
}

func parseKey(field, raw string) (solana.PublicKey, error) {
	key, err := solana.PublicKeyFromBase58(strings.TrimSpace(raw))
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("invalid %s %q: %w", field, raw, err)
	}
	return key, nil
}
