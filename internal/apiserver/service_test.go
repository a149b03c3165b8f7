package apiserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coldbell/escrow/backend/internal/config"
	"github.com/coldbell/escrow/backend/internal/program"
	"github.com/coldbell/escrow/backend/internal/runtime"
	"github.com/coldbell/escrow/backend/internal/store"
	"github.com/coldbell/escrow/backend/internal/tokenprogram"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticPrice struct{}

func (staticPrice) Latest(context.Context) (program.Quote, error) {
	return program.Quote{Price: 100}, nil
}

type apiFixture struct {
	t         *testing.T
	server    *httptest.Server
	accounts  *store.MemoryStore
	programID solana.PublicKey
	buyer     solana.PrivateKey
	buy       program.BuyAccounts
	game      solana.PublicKey
}

func newAPIFixture(t *testing.T, origins ...string) *apiFixture {
	t.Helper()
	ctx := context.Background()

	programID := solana.NewWallet().PublicKey()
	buyer := solana.NewWallet().PrivateKey
	mint := solana.NewWallet().PublicKey()
	game, _, err := program.DeriveGamePDA(programID, 7)
	require.NoError(t, err)

	buy := program.BuyAccounts{
		Buyer:    buyer.PublicKey(),
		Funding:  solana.NewWallet().PublicKey(),
		Treasury: solana.NewWallet().PublicKey(),
		Game:     game,
		Metadata: solana.NewWallet().PublicKey(),
	}
	processor, err := program.NewProcessor(program.Config{ProgramID: programID, Treasury: buy.Treasury, PriceDecimals: 2}, staticPrice{})
	require.NoError(t, err)
	buy.Whitelist = processor.WhitelistAddress()

	rt := runtime.New(nil)
	rt.Register(programID, processor)
	rt.Register(token.ProgramID, tokenprogram.New())

	whitelistData, err := program.EncodeWhitelist(program.Whitelist{Buyers: []solana.PublicKey{buyer.PublicKey()}})
	require.NoError(t, err)
	gameData, err := program.EncodeGameState(program.NewGameState(12_345))
	require.NoError(t, err)
	fundingData, err := tokenprogram.EncodeAccount(token.Account{Mint: mint, Owner: buyer.PublicKey(), Amount: 50_000, State: token.Initialized})
	require.NoError(t, err)
	treasuryData, err := tokenprogram.EncodeAccount(token.Account{Mint: mint, Owner: solana.NewWallet().PublicKey(), State: token.Initialized})
	require.NoError(t, err)

	accounts := store.NewMemoryStore()
	require.NoError(t, accounts.CommitAccounts(ctx, []store.Account{
		{Key: buy.Whitelist, Owner: programID, Data: whitelistData},
		{Key: game, Owner: programID, Data: gameData},
		{Key: buy.Funding, Owner: token.ProgramID, Data: fundingData},
		{Key: buy.Treasury, Owner: token.ProgramID, Data: treasuryData},
	}))

	if len(origins) == 0 {
		origins = []string{"*"}
	}
	service, err := New(config.APIConfig{AllowedOrigins: origins}, accounts, runtime.NewExecutor(rt, accounts, nil), Options{
		ProgramID:     programID,
		PriceDecimals: 2,
		PollInterval:  20 * time.Millisecond,
	}, nil)
	require.NoError(t, err)

	server := httptest.NewServer(service.Handler())
	t.Cleanup(server.Close)

	return &apiFixture{
		t:         t,
		server:    server,
		accounts:  accounts,
		programID: programID,
		buyer:     buyer,
		buy:       buy,
		game:      game,
	}
}

func (f *apiFixture) buyTransaction(price uint64) string {
	f.t.Helper()
	tx, err := solana.NewTransaction(
		[]solana.Instruction{program.NewBuyInstruction(f.programID, f.buy, price)},
		solana.Hash{byte(price)},
		solana.TransactionPayer(f.buyer.PublicKey()),
	)
	require.NoError(f.t, err)
	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(f.buyer.PublicKey()) {
			return &f.buyer
		}
		return nil
	})
	require.NoError(f.t, err)
	encoded, err := tx.ToBase64()
	require.NoError(f.t, err)
	return encoded
}

func (f *apiFixture) submit(body string) (*http.Response, map[string]any) {
	f.t.Helper()
	resp, err := http.Post(f.server.URL+"/v1/transactions", "application/json", strings.NewReader(body))
	require.NoError(f.t, err)
	defer resp.Body.Close()
	var decoded map[string]any
	require.NoError(f.t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func (f *apiFixture) get(path string, out any) *http.Response {
	f.t.Helper()
	resp, err := http.Get(f.server.URL + path)
	require.NoError(f.t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(f.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t)
	var body healthResponse
	resp := f.get("/healthz", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, body.OK)
}

func TestGetGame(t *testing.T) {
	f := newAPIFixture(t)

	var game gameResponse
	resp := f.get("/v1/games/"+f.game.String(), &game)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, f.game.String(), game.Address)
	assert.Equal(t, uint64(12_345), game.LastPrice)
	assert.Equal(t, "123.45", game.LastPriceDecimal)
	assert.True(t, game.GameActive)
	assert.Nil(t, game.Player2)
	assert.Equal(t, "active", game.State)

	assert.Equal(t, http.StatusNotFound, f.get("/v1/games/"+solana.NewWallet().PublicKey().String(), nil).StatusCode)
	assert.Equal(t, http.StatusNotFound, f.get("/v1/games/"+f.buy.Funding.String(), nil).StatusCode)
	assert.Equal(t, http.StatusBadRequest, f.get("/v1/games/not-a-key", nil).StatusCode)
}

func TestGetWhitelist(t *testing.T) {
	f := newAPIFixture(t)

	var body whitelistResponse
	resp := f.get("/v1/whitelist", &body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, f.buy.Whitelist.String(), body.Address)
	assert.Equal(t, []string{f.buyer.PublicKey().String()}, body.Buyers)
}

func TestSubmitBuyTransaction(t *testing.T) {
	f := newAPIFixture(t)
	encoded := f.buyTransaction(12_345)

	resp, body := f.submit(`{"transaction":"` + encoded + `"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.NotEmpty(t, body["signature"])
	assert.NotEmpty(t, body["logs"])

	var game gameResponse
	f.get("/v1/games/"+f.game.String(), &game)
	assert.Equal(t, "sold", game.State)
	require.NotNil(t, game.Player2)
	assert.Equal(t, f.buyer.PublicKey().String(), *game.Player2)

	resp, body = f.submit(`{"transaction":"` + encoded + `"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, body)

	resp, body = f.submit(`{"transaction":"` + f.buyTransaction(12_346) + `"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, float64(program.ErrInactive), body["code"])
	assert.Equal(t, "Inactive", body["code_name"])
}

func TestSubmitRejectedTransactionCarriesCode(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.submit(`{"transaction":"` + f.buyTransaction(99) + `"}`)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, float64(program.ErrPriceMismatch), body["code"])
	assert.NotEmpty(t, body["signature"])
}

func TestSubmitForgedSignatureIsUnauthorized(t *testing.T) {
	f := newAPIFixture(t)

	tx, err := solana.TransactionFromBase64(f.buyTransaction(12_345))
	require.NoError(t, err)
	tx.Signatures[0][10] ^= 0xff
	forged, err := tx.ToBase64()
	require.NoError(t, err)

	resp, body := f.submit(`{"transaction":"` + forged + `"}`)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode, body)
	assert.Equal(t, float64(program.ErrUnauthorized), body["code"])
	assert.Equal(t, "Unauthorized", body["code_name"])

	var game gameResponse
	f.get("/v1/games/"+f.game.String(), &game)
	assert.Equal(t, "active", game.State)
}

func TestSubmitMalformedBody(t *testing.T) {
	f := newAPIFixture(t)

	for _, body := range []string{
		``,
		`{"transaction":""}`,
		`{"transaction":"!!!"}`,
		`{"transaction":"AAAA","extra":1}`,
		`{"transaction":"AAAA"}{}`,
	} {
		resp, decoded := f.submit(body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
		assert.NotEmpty(t, decoded["error"], body)
	}

	resp, err := http.Get(f.server.URL + "/v1/transactions")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestRequestID(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.get("/healthz", nil)
	_, err := uuid.Parse(resp.Header.Get(requestIDHeader))
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, f.server.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set(requestIDHeader, "trace-123")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "trace-123", resp.Header.Get(requestIDHeader))
}

func TestCORS(t *testing.T) {
	f := newAPIFixture(t, "https://app.example")

	req, err := http.NewRequest(http.MethodOptions, f.server.URL+"/v1/transactions", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://app.example", resp.Header.Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "https://evil.example")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestWebsocketStreamsGameChanges(t *testing.T) {
	f := newAPIFixture(t)
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws?game=" + f.game.String()

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	first := readGameEnvelope(t, conn)
	assert.Equal(t, "active", first.Data.State)
	assert.Equal(t, "game."+f.game.String(), first.Channel)

	resp, body := f.submit(`{"transaction":"` + f.buyTransaction(12_345) + `"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)

	second := readGameEnvelope(t, conn)
	assert.Equal(t, "sold", second.Data.State)
	assert.Greater(t, second.Data.Version, first.Data.Version)
}

func TestWebsocketRejectsBadGame(t *testing.T) {
	f := newAPIFixture(t)
	var body errorResponse
	resp := f.get("/ws?game=nope", &body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

type gameEnvelope struct {
	Type    string       `json:"type"`
	Channel string       `json:"channel"`
	Data    gameResponse `json:"data"`
}

func readGameEnvelope(t *testing.T, conn *websocket.Conn) gameEnvelope {
	t.Helper()
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var envelope gameEnvelope
	require.NoError(t, json.NewDecoder(bytes.NewReader(raw)).Decode(&envelope))
	require.Equal(t, "game", envelope.Type, string(raw))
	return envelope
}
