package program

import (
	"fmt"

	"github.com/coldbell/escrow/backend/internal/runtime"
	"github.com/coldbell/escrow/backend/internal/tokenprogram"
	"github.com/gagliardetto/solana-go/programs/token"
)

type buyAccounts struct {
	buyer        *runtime.AccountInfo
	whitelist    *runtime.AccountInfo
	funding      *runtime.AccountInfo
	treasury     *runtime.AccountInfo
	tokenProgram *runtime.AccountInfo
	game         *runtime.AccountInfo
	metadata     *runtime.AccountInfo
}

func parseBuyAccounts(accounts []*runtime.AccountInfo) (buyAccounts, error) {
	if len(accounts) < 7 {
		return buyAccounts{}, fmt.Errorf("%w: buy_nft needs 7 accounts, got %d", ErrNotEnoughAccountKeys, len(accounts))
	}
	return buyAccounts{
		buyer:        accounts[0],
		whitelist:    accounts[1],
		funding:      accounts[2],
		treasury:     accounts[3],
		tokenProgram: accounts[4],
		game:         accounts[5],
		metadata:     accounts[6],
	}, nil
}

// buy sells an active game to a whitelisted buyer for its last refreshed
// price. The record is marked sold before the token transfer is invoked;
// the runtime discards that write if the transfer fails.
func (p *Processor) buy(ictx *runtime.InvokeContext, accounts []*runtime.AccountInfo, ix Instruction, payload []byte) error {
	acc, err := parseBuyAccounts(accounts)
	if err != nil {
		return err
	}

	if err := p.authorize(acc.buyer, acc.whitelist); err != nil {
		return err
	}

	ix, err = ix.withPayload(payload)
	if err != nil {
		return err
	}
	price := ix.Price

	if err := p.requireGameAccount(acc.game); err != nil {
		return err
	}
	release, ok := p.claims.acquire(acc.game.Key)
	if !ok {
		return fmt.Errorf("%w: purchase of %s in flight", ErrInactive, acc.game.Key)
	}
	defer release()

	state, err := LoadGameState(acc.game.Data)
	if err != nil {
		return err
	}
	if !state.GameActive {
		return fmt.Errorf("%w: game %s is sold", ErrInactive, acc.game.Key)
	}

	if price != state.LastPrice {
		return fmt.Errorf("%w: claimed %d, record says %d", ErrPriceMismatch, price, state.LastPrice)
	}

	remaining, err := p.checkFunds(acc, price)
	if err != nil {
		return err
	}

	state.GameActive = false
	state.Player2 = IdentityOf(acc.buyer.Key)
	if err := StoreGameState(state, acc.game.Data); err != nil {
		return err
	}

	transferIx, err := token.NewTransferInstruction(price, acc.funding.Key, acc.treasury.Key, acc.buyer.Key, nil).ValidateAndBuild()
	if err != nil {
		return fmt.Errorf("%w: build transfer: %v", ErrTransferFailed, err)
	}
	if err := ictx.Invoke(transferIx, acc.funding, acc.treasury, acc.buyer, acc.tokenProgram); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	after, err := tokenprogram.DecodeAccount(acc.funding.Data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if after.Amount != remaining {
		return fmt.Errorf("%w: funding balance is %d after transfer, want %d", ErrTransferFailed, after.Amount, remaining)
	}

	ictx.Logf("game %s sold to %s for %d (metadata %s)", acc.game.Key, acc.buyer.Key, price, acc.metadata.Key)
	return nil
}

func (p *Processor) authorize(buyer, whitelist *runtime.AccountInfo) error {
	if !buyer.IsSigner {
		return fmt.Errorf("%w: buyer %s did not sign", ErrUnauthorized, buyer.Key)
	}
	if err := RequireIdentityInitialized(buyer.Key); err != nil {
		return err
	}
	if !whitelist.Key.Equals(p.whitelist) {
		return fmt.Errorf("%w: %s is not the program whitelist", ErrUnauthorized, whitelist.Key)
	}
	if !whitelist.Owner.Equals(p.cfg.ProgramID) {
		return fmt.Errorf("%w: whitelist is owned by %s", ErrUnauthorized, whitelist.Owner)
	}
	list, err := LoadWhitelist(whitelist.Data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if !list.Contains(buyer.Key) {
		return fmt.Errorf("%w: buyer %s is not whitelisted", ErrUnauthorized, buyer.Key)
	}
	return nil
}

// checkFunds validates the token accounts of a purchase and returns the
// buyer's balance once price has left it.
func (p *Processor) checkFunds(acc buyAccounts, price uint64) (uint64, error) {
	if !acc.tokenProgram.Key.Equals(token.ProgramID) {
		return 0, fmt.Errorf("%w: %s is not the token program", ErrInvalidAccount, acc.tokenProgram.Key)
	}
	if !acc.treasury.Key.Equals(p.cfg.Treasury) {
		return 0, fmt.Errorf("%w: %s is not the treasury", ErrInvalidAccount, acc.treasury.Key)
	}
	if acc.funding.Key.Equals(acc.treasury.Key) {
		return 0, fmt.Errorf("%w: funding account is the treasury", ErrInvalidAccount)
	}

	funding, err := readTokenAccount(acc.funding)
	if err != nil {
		return 0, err
	}
	treasury, err := readTokenAccount(acc.treasury)
	if err != nil {
		return 0, err
	}
	if !funding.Owner.Equals(acc.buyer.Key) {
		return 0, fmt.Errorf("%w: funding account belongs to %s", ErrUnauthorized, funding.Owner)
	}
	if !funding.Mint.Equals(treasury.Mint) {
		return 0, fmt.Errorf("%w: funding mint %s, treasury mint %s", ErrInvalidAccount, funding.Mint, treasury.Mint)
	}

	remaining, err := CheckedSub(funding.Amount, price)
	if err != nil {
		return 0, fmt.Errorf("%w: balance %d, price %d", ErrInsufficientFunds, funding.Amount, price)
	}
	return remaining, nil
}

func readTokenAccount(info *runtime.AccountInfo) (token.Account, error) {
	if !info.Owner.Equals(token.ProgramID) {
		return token.Account{}, fmt.Errorf("%w: %s is not a token account", ErrInvalidAccount, info.Key)
	}
	if !info.IsWritable {
		return token.Account{}, fmt.Errorf("%w: %s is not writable", ErrInvalidAccount, info.Key)
	}
	account, err := tokenprogram.DecodeAccount(info.Data)
	if err != nil {
		return token.Account{}, fmt.Errorf("%w: %s: %v", ErrInvalidAccount, info.Key, err)
	}
	return account, nil
}

var _ runtime.Program = (*Processor)(nil)
