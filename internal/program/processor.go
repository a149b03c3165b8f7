package program

import (
	"context"
	"fmt"
	"sync"

	"github.com/coldbell/escrow/backend/internal/runtime"
	"github.com/gagliardetto/solana-go"
)

// Quote is an authenticated oracle reading: the price is Price * 10^Expo.
type Quote struct {
	Price       uint64
	Expo        int32
	PublishTime int64
}

type PriceSource interface {
	Latest(ctx context.Context) (Quote, error)
}

type Config struct {
	ProgramID solana.PublicKey
	// Treasury is the token account every purchase pays into.
	Treasury solana.PublicKey
	// PriceDecimals is the number of fractional digits record prices carry.
	PriceDecimals uint8
}

// Processor is the escrow program. It is registered with a runtime under
// Config.ProgramID.
type Processor struct {
	cfg       Config
	whitelist solana.PublicKey
	prices    PriceSource
	claims    claimSet
}

func NewProcessor(cfg Config, prices PriceSource) (*Processor, error) {
	if cfg.ProgramID.IsZero() {
		return nil, fmt.Errorf("program id is required")
	}
	if cfg.Treasury.IsZero() {
		return nil, fmt.Errorf("treasury is required")
	}
	if prices == nil {
		return nil, fmt.Errorf("price source is required")
	}
	whitelist, _, err := DeriveWhitelistPDA(cfg.ProgramID)
	if err != nil {
		return nil, fmt.Errorf("derive whitelist PDA: %w", err)
	}
	return &Processor{
		cfg:       cfg,
		whitelist: whitelist,
		prices:    prices,
		claims:    claimSet{held: make(map[solana.PublicKey]struct{})},
	}, nil
}

func (p *Processor) ProgramID() solana.PublicKey {
	return p.cfg.ProgramID
}

func (p *Processor) WhitelistAddress() solana.PublicKey {
	return p.whitelist
}

func (p *Processor) Process(ictx *runtime.InvokeContext, accounts []*runtime.AccountInfo, data []byte) error {
	ix, err := decodeTag(data)
	if err != nil {
		return err
	}
	ictx.Logf("Instruction: %s", ix.Name())

	switch ix.Tag {
	case TagRefreshPrice:
		if _, err := ix.withPayload(data[1:]); err != nil {
			return err
		}
		return p.refreshPrice(ictx, accounts)
	default:
		return p.buy(ictx, accounts, ix, data[1:])
	}
}

func (p *Processor) requireGameAccount(account *runtime.AccountInfo) error {
	if !account.Owner.Equals(p.cfg.ProgramID) {
		return fmt.Errorf("%w: game %s is owned by %s", ErrInvalidAccount, account.Key, account.Owner)
	}
	if !account.IsWritable {
		return fmt.Errorf("%w: game %s is not writable", ErrInvalidAccount, account.Key)
	}
	return nil
}

// claimSet marks records with a handler in flight. A second handler
// reaching the same record while the first is suspended in a cross-program
// call is turned away.
type claimSet struct {
	mu   sync.Mutex
	held map[solana.PublicKey]struct{}
}

func (c *claimSet) acquire(key solana.PublicKey) (func(), bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, busy := c.held[key]; busy {
		return nil, false
	}
	c.held[key] = struct{}{}
	return func() {
		c.mu.Lock()
		delete(c.held, key)
		c.mu.Unlock()
	}, true
}
