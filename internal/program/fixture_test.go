package program

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/coldbell/escrow/backend/internal/runtime"
	"github.com/coldbell/escrow/backend/internal/tokenprogram"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/stretchr/testify/require"
)

type fixedPrice struct {
	quote Quote
	err   error
	calls int
}

func (f *fixedPrice) Latest(context.Context) (Quote, error) {
	f.calls++
	return f.quote, f.err
}

type fixture struct {
	t         *testing.T
	rt        *runtime.Runtime
	processor *Processor
	prices    *fixedPrice
	programID solana.PublicKey
	mint      solana.PublicKey

	buyer        *runtime.AccountInfo
	whitelist    *runtime.AccountInfo
	funding      *runtime.AccountInfo
	treasury     *runtime.AccountInfo
	tokenProgram *runtime.AccountInfo
	game         *runtime.AccountInfo
	metadata     *runtime.AccountInfo
}

func newFixture(t *testing.T, state GameState, balance uint64) *fixture {
	t.Helper()

	programID := solana.NewWallet().PublicKey()
	mint := solana.NewWallet().PublicKey()
	buyer := solana.NewWallet().PublicKey()
	treasuryKey := solana.NewWallet().PublicKey()
	treasuryOwner := solana.NewWallet().PublicKey()

	prices := &fixedPrice{quote: Quote{Price: 100, Expo: 0}}
	processor, err := NewProcessor(Config{ProgramID: programID, Treasury: treasuryKey}, prices)
	require.NoError(t, err)

	rt := runtime.New(nil)
	rt.Register(programID, processor)
	rt.Register(token.ProgramID, tokenprogram.New())

	whitelistData, err := EncodeWhitelist(Whitelist{Buyers: []solana.PublicKey{buyer}})
	require.NoError(t, err)
	gameData, err := EncodeGameState(state)
	require.NoError(t, err)

	return &fixture{
		t:         t,
		rt:        rt,
		processor: processor,
		prices:    prices,
		programID: programID,
		mint:      mint,

		buyer:     &runtime.AccountInfo{Key: buyer, Owner: solana.SystemProgramID, IsSigner: true, IsWritable: true},
		whitelist: &runtime.AccountInfo{Key: processor.WhitelistAddress(), Owner: programID, Data: whitelistData},
		funding:   tokenAccount(t, solana.NewWallet().PublicKey(), mint, buyer, balance),
		treasury:  tokenAccount(t, treasuryKey, mint, treasuryOwner, 0),
		tokenProgram: &runtime.AccountInfo{
			Key:        token.ProgramID,
			Owner:      runtime.NativeLoaderID,
			Executable: true,
		},
		game:     &runtime.AccountInfo{Key: solana.NewWallet().PublicKey(), Owner: programID, Data: gameData, IsWritable: true},
		metadata: &runtime.AccountInfo{Key: solana.NewWallet().PublicKey(), Owner: solana.SystemProgramID},
	}
}

func tokenAccount(t *testing.T, key, mint, owner solana.PublicKey, amount uint64) *runtime.AccountInfo {
	t.Helper()
	data, err := tokenprogram.EncodeAccount(token.Account{
		Mint:   mint,
		Owner:  owner,
		Amount: amount,
		State:  token.Initialized,
	})
	require.NoError(t, err)
	return &runtime.AccountInfo{Key: key, Owner: token.ProgramID, Data: data, IsWritable: true}
}

func buyData(price uint64) []byte {
	data := make([]byte, 9)
	data[0] = TagBuy
	binary.LittleEndian.PutUint64(data[1:], price)
	return data
}

func (f *fixture) buyAccounts() []*runtime.AccountInfo {
	return []*runtime.AccountInfo{f.buyer, f.whitelist, f.funding, f.treasury, f.tokenProgram, f.game, f.metadata}
}

func (f *fixture) run(accounts []*runtime.AccountInfo, data []byte) error {
	_, err := f.rt.ProcessInstruction(context.Background(), f.programID, accounts, data)
	return err
}

func (f *fixture) buy(price uint64) error {
	return f.run(f.buyAccounts(), buyData(price))
}

func (f *fixture) refresh() error {
	return f.run([]*runtime.AccountInfo{f.game}, []byte{TagRefreshPrice})
}

func (f *fixture) state() GameState {
	f.t.Helper()
	state, err := LoadGameState(f.game.Data)
	require.NoError(f.t, err)
	return state
}

func (f *fixture) balance(info *runtime.AccountInfo) uint64 {
	f.t.Helper()
	account, err := tokenprogram.DecodeAccount(info.Data)
	require.NoError(f.t, err)
	return account.Amount
}

func (f *fixture) snapshot() []byte {
	return append([]byte(nil), f.game.Data...)
}
