package program

import (
	"context"
	"testing"

	"github.com/coldbell/escrow/backend/internal/runtime"
	"github.com/coldbell/escrow/backend/internal/store"
	"github.com/coldbell/escrow/backend/internal/tokenprogram"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type node struct {
	t        *testing.T
	store    *store.MemoryStore
	executor *runtime.Executor
	buyer    solana.PrivateKey
	accounts BuyAccounts
	program  solana.PublicKey
	mint     solana.PublicKey
	rt       *runtime.Runtime
	nonce    byte
}

func newNode(t *testing.T, fundingState token.AccountState, balance uint64) *node {
	t.Helper()
	ctx := context.Background()

	programID := solana.NewWallet().PublicKey()
	buyer := solana.NewWallet().PrivateKey
	mint := solana.NewWallet().PublicKey()
	accounts := BuyAccounts{
		Buyer:    buyer.PublicKey(),
		Funding:  solana.NewWallet().PublicKey(),
		Treasury: solana.NewWallet().PublicKey(),
		Metadata: solana.NewWallet().PublicKey(),
	}
	game, _, err := DeriveGamePDA(programID, 1)
	require.NoError(t, err)
	accounts.Game = game

	processor, err := NewProcessor(Config{ProgramID: programID, Treasury: accounts.Treasury}, &fixedPrice{quote: Quote{Price: 100}})
	require.NoError(t, err)
	accounts.Whitelist = processor.WhitelistAddress()

	rt := runtime.New(nil)
	rt.Register(programID, processor)
	rt.Register(token.ProgramID, tokenprogram.New())

	whitelistData, err := EncodeWhitelist(Whitelist{Buyers: []solana.PublicKey{buyer.PublicKey()}})
	require.NoError(t, err)
	gameData, err := EncodeGameState(NewGameState(100))
	require.NoError(t, err)
	fundingData, err := tokenprogram.EncodeAccount(token.Account{Mint: mint, Owner: buyer.PublicKey(), Amount: balance, State: fundingState})
	require.NoError(t, err)
	treasuryData, err := tokenprogram.EncodeAccount(token.Account{Mint: mint, Owner: solana.NewWallet().PublicKey(), State: token.Initialized})
	require.NoError(t, err)

	accountStore := store.NewMemoryStore()
	require.NoError(t, accountStore.CommitAccounts(ctx, []store.Account{
		{Key: accounts.Whitelist, Owner: programID, Data: whitelistData},
		{Key: accounts.Game, Owner: programID, Data: gameData},
		{Key: accounts.Funding, Owner: token.ProgramID, Data: fundingData},
		{Key: accounts.Treasury, Owner: token.ProgramID, Data: treasuryData},
	}))

	return &node{
		t:        t,
		store:    accountStore,
		executor: runtime.NewExecutor(rt, accountStore, nil),
		buyer:    buyer,
		accounts: accounts,
		program:  programID,
		mint:     mint,
		rt:       rt,
	}
}

// buy signs a purchase with a blockhash no earlier call used.
func (n *node) buy(price uint64) (*runtime.Result, error) {
	n.t.Helper()
	return n.executor.Execute(context.Background(), n.buyTx(price))
}

func (n *node) buyTx(price uint64) *solana.Transaction {
	n.t.Helper()
	n.nonce++
	tx, err := solana.NewTransaction(
		[]solana.Instruction{NewBuyInstruction(n.program, n.accounts, price)},
		solana.Hash{n.nonce},
		solana.TransactionPayer(n.buyer.PublicKey()),
	)
	require.NoError(n.t, err)
	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(n.buyer.PublicKey()) {
			return &n.buyer
		}
		return nil
	})
	require.NoError(n.t, err)
	return tx
}

func (n *node) game() GameState {
	n.t.Helper()
	account, err := n.store.GetAccount(context.Background(), n.accounts.Game)
	require.NoError(n.t, err)
	state, err := LoadGameState(account.Data)
	require.NoError(n.t, err)
	return state
}

func (n *node) balance(key solana.PublicKey) uint64 {
	n.t.Helper()
	account, err := n.store.GetAccount(context.Background(), key)
	require.NoError(n.t, err)
	decoded, err := tokenprogram.DecodeAccount(account.Data)
	require.NoError(n.t, err)
	return decoded.Amount
}

func TestExecutedBuyCommitsSaleAndPayment(t *testing.T) {
	n := newNode(t, token.Initialized, 150)

	result, err := n.buy(100)
	require.NoError(t, err)
	assert.ElementsMatch(t, []solana.PublicKey{n.accounts.Funding, n.accounts.Treasury, n.accounts.Game}, result.Updated)

	assert.Equal(t, "sold", n.game().Status())
	assert.Equal(t, uint64(50), n.balance(n.accounts.Funding))
	assert.Equal(t, uint64(100), n.balance(n.accounts.Treasury))

	result, err = n.buy(100)
	require.ErrorIs(t, err, ErrInactive)
	assert.Empty(t, result.Updated)
	assert.Equal(t, uint64(50), n.balance(n.accounts.Funding))
	assert.Equal(t, uint64(100), n.balance(n.accounts.Treasury))
}

func TestReplayedTransferIsRejectedByRestartedExecutor(t *testing.T) {
	n := newNode(t, token.Initialized, 150)
	transfer := token.NewTransferInstruction(40, n.accounts.Funding, n.accounts.Treasury, n.buyer.PublicKey(), nil).Build()
	tx, err := solana.NewTransaction([]solana.Instruction{transfer}, solana.Hash{0xaa}, solana.TransactionPayer(n.buyer.PublicKey()))
	require.NoError(t, err)
	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(n.buyer.PublicKey()) {
			return &n.buyer
		}
		return nil
	})
	require.NoError(t, err)

	_, err = n.executor.Execute(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, uint64(110), n.balance(n.accounts.Funding))

	restarted := runtime.NewExecutor(n.rt, n.store, nil)
	_, err = restarted.Execute(context.Background(), tx)
	require.ErrorIs(t, err, runtime.ErrAlreadyProcessed)

	assert.Equal(t, uint64(110), n.balance(n.accounts.Funding))
	assert.Equal(t, uint64(40), n.balance(n.accounts.Treasury))
}
