package keeper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/coldbell/escrow/backend/internal/config"
	"github.com/coldbell/escrow/backend/internal/program"
	"github.com/coldbell/escrow/backend/internal/pyth"
	"github.com/coldbell/escrow/backend/internal/runtime"
	"github.com/coldbell/escrow/backend/internal/store"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var feedID = [32]byte{0xe6, 0x2d, 0xf6}

type fakeRPC struct {
	owner     solana.PublicKey
	data      []byte
	err       error
	blockhash solana.Hash
	fixed     bool
}

func (f *fakeRPC) GetAccountInfoWithOpts(_ context.Context, _ solana.PublicKey, opts *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	if opts == nil || opts.Encoding != solana.EncodingBase64 {
		return nil, errors.New("expected base64 encoding")
	}
	return &rpc.GetAccountInfoResult{
		RPCContext: rpc.RPCContext{Context: rpc.Context{Slot: 42}},
		Value: &rpc.Account{
			Lamports: 1_000_000,
			Owner:    f.owner,
			Data:     rpc.DataBytesOrJSONFromBytes(f.data),
		},
	}, nil
}

func (f *fakeRPC) GetLatestBlockhash(context.Context, rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	if !f.fixed {
		f.blockhash[0]++
	}
	return &rpc.GetLatestBlockhashResult{Value: &rpc.LatestBlockhashResult{Blockhash: f.blockhash}}, nil
}

type keeperFixture struct {
	t            *testing.T
	service      *Service
	rpc          *fakeRPC
	accounts     *store.MemoryStore
	priceAccount solana.PublicKey
	active       solana.PublicKey
	sold         solana.PublicKey
}

func priceData(price int64) []byte {
	return pyth.EncodePriceUpdate(pyth.PriceUpdate{
		FeedID:      feedID,
		Price:       price,
		Exponent:    0,
		PublishTime: time.Now().Unix() - 1,
	})
}

func newKeeperFixture(t *testing.T) *keeperFixture {
	t.Helper()
	ctx := context.Background()

	programID := solana.NewWallet().PublicKey()
	priceAccount := solana.NewWallet().PublicKey()
	accounts := store.NewMemoryStore()

	processor, err := program.NewProcessor(program.Config{
		ProgramID: programID,
		Treasury:  solana.NewWallet().PublicKey(),
	}, pyth.NewSource(accounts, priceAccount, feedID, time.Minute))
	require.NoError(t, err)
	rt := runtime.New(nil)
	rt.Register(programID, processor)

	active, _, err := program.DeriveGamePDA(programID, 1)
	require.NoError(t, err)
	sold, _, err := program.DeriveGamePDA(programID, 2)
	require.NoError(t, err)

	activeData, err := program.EncodeGameState(program.NewGameState(100))
	require.NoError(t, err)
	soldState := program.NewGameState(100)
	soldState.GameActive = false
	soldState.Player2 = program.IdentityOf(solana.NewWallet().PublicKey())
	soldData, err := program.EncodeGameState(soldState)
	require.NoError(t, err)
	require.NoError(t, accounts.CommitAccounts(ctx, []store.Account{
		{Key: active, Owner: programID, Data: activeData},
		{Key: sold, Owner: programID, Data: soldData},
	}))

	client := &fakeRPC{owner: pyth.ReceiverProgramID, data: priceData(150)}
	cfg := config.KeeperConfig{
		Commitment: rpc.CommitmentConfirmed,
		Interval:   time.Second,
		TxTimeout:  5 * time.Second,
		Games:      []solana.PublicKey{active, sold},
	}
	service := newService(cfg, programID, priceAccount, client, accounts,
		runtime.NewExecutor(rt, accounts, nil), solana.NewWallet().PrivateKey, nil)

	return &keeperFixture{
		t:            t,
		service:      service,
		rpc:          client,
		accounts:     accounts,
		priceAccount: priceAccount,
		active:       active,
		sold:         sold,
	}
}

func (f *keeperFixture) game(key solana.PublicKey) program.GameState {
	f.t.Helper()
	account, err := f.accounts.GetAccount(context.Background(), key)
	require.NoError(f.t, err)
	state, err := program.LoadGameState(account.Data)
	require.NoError(f.t, err)
	return state
}

func TestTickMirrorsPriceAndRefreshesGames(t *testing.T) {
	f := newKeeperFixture(t)

	require.NoError(t, f.service.tick(context.Background()))

	mirrored, err := f.accounts.GetAccount(context.Background(), f.priceAccount)
	require.NoError(t, err)
	assert.Equal(t, pyth.ReceiverProgramID, mirrored.Owner)
	assert.Equal(t, uint64(1_000_000), mirrored.Lamports)
	assert.Equal(t, f.rpc.data, mirrored.Data)

	assert.Equal(t, uint64(150), f.game(f.active).LastPrice)
	assert.Equal(t, uint64(100), f.game(f.sold).LastPrice)
}

func TestTickLeavesUnchangedPriceAccount(t *testing.T) {
	f := newKeeperFixture(t)
	ctx := context.Background()

	require.NoError(t, f.service.tick(ctx))
	require.NoError(t, f.service.tick(ctx))
	mirrored, err := f.accounts.GetAccount(ctx, f.priceAccount)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), mirrored.Version)

	f.rpc.data = priceData(175)
	require.NoError(t, f.service.tick(ctx))
	mirrored, err = f.accounts.GetAccount(ctx, f.priceAccount)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), mirrored.Version)
	assert.Equal(t, uint64(175), f.game(f.active).LastPrice)
}

func TestTickRejectsUnverifiedPriceAccount(t *testing.T) {
	f := newKeeperFixture(t)
	f.rpc.owner = solana.SystemProgramID

	err := f.service.tick(context.Background())
	require.ErrorIs(t, err, pyth.ErrInvalidPriceUpdate)

	_, err = f.accounts.GetAccount(context.Background(), f.priceAccount)
	require.ErrorIs(t, err, store.ErrAccountNotFound)
	assert.Equal(t, uint64(100), f.game(f.active).LastPrice)
}

func TestTickReportsRPCFailure(t *testing.T) {
	f := newKeeperFixture(t)
	f.rpc.err = rpc.ErrNotFound

	require.ErrorIs(t, f.service.tick(context.Background()), rpc.ErrNotFound)
}

func TestRefreshOutcomes(t *testing.T) {
	f := newKeeperFixture(t)
	ctx := context.Background()
	require.NoError(t, f.service.mirrorPriceAccount(ctx))

	err := f.service.refresh(ctx, f.sold)
	require.ErrorIs(t, err, program.ErrInactive)
	assert.True(t, isSkippable(err))

	f.rpc.fixed = true
	require.NoError(t, f.service.refresh(ctx, f.active))
	err = f.service.refresh(ctx, f.active)
	require.ErrorIs(t, err, runtime.ErrAlreadyProcessed)
	assert.True(t, isSkippable(err))

	assert.False(t, isSkippable(program.ErrOracleUnavailable))
}
