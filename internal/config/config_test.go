package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const (
	testProgramID = "Fg6PaFpoGXkYsidMpWTK6W2BeZ7FEfcYkg476zPFsLnS"
	testTreasury  = "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"
	testPriceAcct = "7UVimffxr9ow1uXYxsr4LHAcV58mLzhmwaeKvJ1pjLiE"
	testFeedID    = "0xEF0D8B6FDA2CEBA41DA15D4095D1DA392A0D2F8ED0C6C7BC0F4CFAC8C280B56D"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("ESCROW_PROGRAM_ID", testProgramID)
	t.Setenv("ESCROW_TREASURY", testTreasury)
	t.Setenv("PYTH_PRICE_ACCOUNT", testPriceAcct)
	t.Setenv("PYTH_FEED_ID", testFeedID)
}

func TestLoadNodeConfigDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := LoadNodeConfig()
	require.NoError(t, err)

	assert.Equal(t, solana.MustPublicKeyFromBase58(testProgramID), cfg.Program.ProgramID)
	assert.Equal(t, solana.MustPublicKeyFromBase58(testTreasury), cfg.Program.Treasury)
	assert.Equal(t, uint8(6), cfg.Program.PriceDecimals)

	assert.Equal(t, "ef0d8b6fda2ceba41da15d4095d1da392a0d2f8ed0c6c7bc0f4cfac8c280b56d", cfg.Oracle.FeedID)
	assert.Equal(t, time.Minute, cfg.Oracle.MaxPriceAge)

	assert.Equal(t, StoreMemory, cfg.Store.Driver)
	assert.Equal(t, ":8080", cfg.API.ListenAddr)
	assert.Equal(t, []string{"*"}, cfg.API.AllowedOrigins)

	assert.False(t, cfg.Keeper.Enabled)
	assert.Equal(t, rpc.CommitmentConfirmed, cfg.Keeper.Commitment)
	assert.Equal(t, 10*time.Second, cfg.Keeper.Interval)
	assert.Equal(t, filepath.Join(".docker", "escrow-node", "escrow-node.log"), cfg.Log.FilePath)
}

func TestLoadNodeConfigOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("ESCROW_PRICE_DECIMALS", "9")
	t.Setenv("STORE_DRIVER", "Bolt")
	t.Setenv("BOLT_PATH", "/var/lib/escrow/accounts.db")
	t.Setenv("API_CORS_ORIGIN", "https://a.example, https://b.example")
	t.Setenv("KEEPER_ENABLED", "true")
	t.Setenv("KEEPER_GAMES", testTreasury+","+testPriceAcct+","+testTreasury)
	t.Setenv("KEEPER_INTERVAL", "3s")
	t.Setenv("SOLANA_COMMITMENT", "finalized")
	t.Setenv("ESCROW_NODE_LOG_LEVEL", "debug")

	cfg, err := LoadNodeConfig()
	require.NoError(t, err)

	assert.Equal(t, uint8(9), cfg.Program.PriceDecimals)
	assert.Equal(t, StoreBolt, cfg.Store.Driver)
	assert.Equal(t, "/var/lib/escrow/accounts.db", cfg.Store.BoltPath)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.API.AllowedOrigins)
	assert.True(t, cfg.Keeper.Enabled)
	assert.Equal(t, []solana.PublicKey{
		solana.MustPublicKeyFromBase58(testTreasury),
		solana.MustPublicKeyFromBase58(testPriceAcct),
	}, cfg.Keeper.Games)
	assert.Equal(t, 3*time.Second, cfg.Keeper.Interval)
	assert.Equal(t, rpc.CommitmentFinalized, cfg.Keeper.Commitment)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadNodeConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"missing program id", map[string]string{"ESCROW_PROGRAM_ID": ""}, "ESCROW_PROGRAM_ID is required"},
		{"bad treasury", map[string]string{"ESCROW_TREASURY": "not-a-key"}, "invalid ESCROW_TREASURY"},
		{"missing feed", map[string]string{"PYTH_FEED_ID": ""}, "PYTH_FEED_ID is required"},
		{"decimals too large", map[string]string{"ESCROW_PRICE_DECIMALS": "20"}, "ESCROW_PRICE_DECIMALS"},
		{"unknown driver", map[string]string{"STORE_DRIVER": "redis"}, "invalid STORE_DRIVER"},
		{"postgres without url", map[string]string{"STORE_DRIVER": "postgres"}, "DATABASE_URL is required"},
		{"keeper without games", map[string]string{"KEEPER_ENABLED": "true"}, "KEEPER_GAMES is required"},
		{"bad game key", map[string]string{"KEEPER_GAMES": "abc"}, "invalid pubkey"},
		{"bad commitment", map[string]string{"SOLANA_COMMITMENT": "recent"}, "invalid SOLANA_COMMITMENT"},
		{"non-positive interval", map[string]string{"KEEPER_INTERVAL": "0s"}, "must be > 0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			for key, value := range tt.env {
				t.Setenv(key, value)
			}
			_, err := LoadNodeConfig()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestFlattenConfig(t *testing.T) {
	body := `
escrow:
  program-id: ` + testProgramID + `
  price_decimals: 6
api:
  cors origin:
    - https://a.example
    - https://b.example
keeper:
  enabled: true
  games: []
store: ~
`
	raw := make(map[string]any)
	require.NoError(t, yaml.Unmarshal([]byte(body), &raw))

	flat, err := flattenConfig(raw)
	require.NoError(t, err)
	assert.Equal(t, testProgramID, flat["ESCROW_PROGRAM_ID"])
	assert.Equal(t, "6", flat["ESCROW_PRICE_DECIMALS"])
	assert.Equal(t, "https://a.example,https://b.example", flat["API_CORS_ORIGIN"])
	assert.Equal(t, "true", flat["KEEPER_ENABLED"])
	assert.Equal(t, "", flat["KEEPER_GAMES"])
	assert.NotContains(t, flat, "STORE")
}

func TestExpandHomePath(t *testing.T) {
	t.Setenv("HOME", "/home/escrow")

	path, err := expandHomePath("~/keys/keeper.json")
	require.NoError(t, err)
	assert.Equal(t, "/home/escrow/keys/keeper.json", path)

	path, err = expandHomePath("/etc/keeper.json")
	require.NoError(t, err)
	assert.Equal(t, "/etc/keeper.json", path)
}
