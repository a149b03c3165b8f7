package program

import (
	"fmt"

	"github.com/coldbell/escrow/backend/internal/runtime"
)

// refreshPrice writes the latest authenticated oracle price into an active
// game record.
func (p *Processor) refreshPrice(ictx *runtime.InvokeContext, accounts []*runtime.AccountInfo) error {
	if len(accounts) < 1 {
		return fmt.Errorf("%w: fetch_price needs the game account", ErrNotEnoughAccountKeys)
	}
	game := accounts[0]
	if err := p.requireGameAccount(game); err != nil {
		return err
	}

	release, ok := p.claims.acquire(game.Key)
	if !ok {
		return fmt.Errorf("%w: purchase of %s in flight", ErrInactive, game.Key)
	}
	defer release()

	state, err := LoadGameState(game.Data)
	if err != nil {
		return err
	}
	if !state.GameActive {
		return fmt.Errorf("%w: game %s is sold", ErrInactive, game.Key)
	}

	quote, err := p.prices.Latest(ictx.Context())
	if err != nil {
		if _, ok := CodeOf(err); ok {
			return err
		}
		return fmt.Errorf("%w: %v", ErrOracleUnavailable, err)
	}
	price, err := ScalePrice(quote.Price, quote.Expo, p.cfg.PriceDecimals)
	if err != nil {
		return err
	}
	if price == 0 {
		return fmt.Errorf("%w: price %de%d rounds to zero", ErrOracleUnavailable, quote.Price, quote.Expo)
	}

	state.LastPrice = price
	if err := StoreGameState(state, game.Data); err != nil {
		return err
	}
	ictx.Logf("game %s last_price=%d publish_time=%d", game.Key, price, quote.PublishTime)
	return nil
}
