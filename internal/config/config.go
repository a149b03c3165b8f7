package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"gopkg.in/yaml.v3"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreBolt     = "bolt"
)

type LogConfig struct {
	Level    string
	Format   string
	Output   string
	FilePath string
}

type ProgramConfig struct {
	ProgramID     solana.PublicKey
	Treasury      solana.PublicKey
	PriceDecimals uint8
}

type OracleConfig struct {
	PriceAccount solana.PublicKey
	FeedID       string
	MaxPriceAge  time.Duration
}

type StoreConfig struct {
	Driver      string
	DatabaseURL string
	BoltPath    string
	GenesisFile string
}

type APIConfig struct {
	ListenAddr     string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	AllowedOrigins []string
}

type KeeperConfig struct {
	Enabled     bool
	RPCURL      string
	Commitment  rpc.CommitmentType
	Interval    time.Duration
	TxTimeout   time.Duration
	KeypairPath string
	Games       []solana.PublicKey
}

// NodeConfig is everything cmd/escrow-node needs.
type NodeConfig struct {
	Program ProgramConfig
	Oracle  OracleConfig
	Store   StoreConfig
	API     APIConfig
	Keeper  KeeperConfig
	Log     LogConfig
}

func LoadNodeConfig() (NodeConfig, error) {
	if err := ensureRuntimeConfigLoaded(); err != nil {
		return NodeConfig{}, err
	}

	program, err := loadProgramConfig()
	if err != nil {
		return NodeConfig{}, err
	}
	oracle, err := loadOracleConfig()
	if err != nil {
		return NodeConfig{}, err
	}
	storeCfg, err := loadStoreConfig()
	if err != nil {
		return NodeConfig{}, err
	}
	api, err := loadAPIConfig()
	if err != nil {
		return NodeConfig{}, err
	}
	keeper, err := loadKeeperConfig()
	if err != nil {
		return NodeConfig{}, err
	}

	return NodeConfig{
		Program: program,
		Oracle:  oracle,
		Store:   storeCfg,
		API:     api,
		Keeper:  keeper,
		Log:     buildLogConfig("ESCROW_NODE", "escrow-node"),
	}, nil
}

func loadProgramConfig() (ProgramConfig, error) {
	programID, err := envRequiredPubkey("ESCROW_PROGRAM_ID")
	if err != nil {
		return ProgramConfig{}, err
	}
	treasury, err := envRequiredPubkey("ESCROW_TREASURY")
	if err != nil {
		return ProgramConfig{}, err
	}
	decimals, err := envUint8("ESCROW_PRICE_DECIMALS", 6)
	if err != nil {
		return ProgramConfig{}, err
	}
	if decimals > 19 {
		return ProgramConfig{}, fmt.Errorf("invalid ESCROW_PRICE_DECIMALS: %d exceeds 19", decimals)
	}
	return ProgramConfig{
		ProgramID:     programID,
		Treasury:      treasury,
		PriceDecimals: decimals,
	}, nil
}

func loadOracleConfig() (OracleConfig, error) {
	account, err := envRequiredPubkey("PYTH_PRICE_ACCOUNT")
	if err != nil {
		return OracleConfig{}, err
	}
	feedID := strings.ToLower(strings.TrimPrefix(envOrDefault("PYTH_FEED_ID", ""), "0x"))
	if feedID == "" {
		return OracleConfig{}, fmt.Errorf("PYTH_FEED_ID is required")
	}
	maxAge, err := envDuration("PYTH_MAX_PRICE_AGE", time.Minute)
	if err != nil {
		return OracleConfig{}, err
	}
	return OracleConfig{
		PriceAccount: account,
		FeedID:       feedID,
		MaxPriceAge:  maxAge,
	}, nil
}

func loadStoreConfig() (StoreConfig, error) {
	cfg := StoreConfig{
		Driver:      strings.ToLower(envOrDefault("STORE_DRIVER", StoreMemory)),
		DatabaseURL: envOrDefault("DATABASE_URL", ""),
		GenesisFile: envOrDefault("GENESIS_FILE", ""),
	}
	boltPath, err := expandHomePath(envOrDefault("BOLT_PATH", filepath.Join("data", "escrow.db")))
	if err != nil {
		return StoreConfig{}, fmt.Errorf("expand BOLT_PATH: %w", err)
	}
	cfg.BoltPath = boltPath

	switch cfg.Driver {
	case StoreMemory, StoreBolt:
	case StorePostgres:
		if cfg.DatabaseURL == "" {
			return StoreConfig{}, fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=postgres")
		}
	default:
		return StoreConfig{}, fmt.Errorf("invalid STORE_DRIVER: %q (expected memory|postgres|bolt)", cfg.Driver)
	}
	return cfg, nil
}

func loadAPIConfig() (APIConfig, error) {
	readTimeout, err := envDuration("API_READ_TIMEOUT", 10*time.Second)
	if err != nil {
		return APIConfig{}, err
	}
	writeTimeout, err := envDuration("API_WRITE_TIMEOUT", 15*time.Second)
	if err != nil {
		return APIConfig{}, err
	}
	idleTimeout, err := envDuration("API_IDLE_TIMEOUT", 60*time.Second)
	if err != nil {
		return APIConfig{}, err
	}
	return APIConfig{
		ListenAddr:     envOrDefault("API_ADDR", ":8080"),
		ReadTimeout:    readTimeout,
		WriteTimeout:   writeTimeout,
		IdleTimeout:    idleTimeout,
		AllowedOrigins: parseCSVEnv(envOrDefault("API_CORS_ORIGIN", "*"), []string{"*"}),
	}, nil
}

func loadKeeperConfig() (KeeperConfig, error) {
	enabled, err := envBool("KEEPER_ENABLED", false)
	if err != nil {
		return KeeperConfig{}, err
	}
	commitment, err := envCommitment("SOLANA_COMMITMENT", rpc.CommitmentConfirmed)
	if err != nil {
		return KeeperConfig{}, err
	}
	interval, err := envDuration("KEEPER_INTERVAL", 10*time.Second)
	if err != nil {
		return KeeperConfig{}, err
	}
	txTimeout, err := envDuration("KEEPER_TX_TIMEOUT", 30*time.Second)
	if err != nil {
		return KeeperConfig{}, err
	}

	keypairPath := envOrDefault("KEEPER_KEYPAIR_PATH", envOrDefault("SOLANA_KEYPAIR_PATH", "~/.config/solana/id.json"))
	keypairPath = maybeUseLocalSecretKeypair(keypairPath)
	expandedKeypair, err := expandHomePath(keypairPath)
	if err != nil {
		return KeeperConfig{}, fmt.Errorf("expand keypair path: %w", err)
	}

	games, err := parsePubkeyList("KEEPER_GAMES", envOrDefault("KEEPER_GAMES", ""))
	if err != nil {
		return KeeperConfig{}, err
	}
	if enabled && len(games) == 0 {
		return KeeperConfig{}, fmt.Errorf("KEEPER_GAMES is required when KEEPER_ENABLED=true")
	}

	return KeeperConfig{
		Enabled:     enabled,
		RPCURL:      envOrDefault("SOLANA_RPC_URL", "http://127.0.0.1:8899"),
		Commitment:  commitment,
		Interval:    interval,
		TxTimeout:   txTimeout,
		KeypairPath: expandedKeypair,
		Games:       games,
	}, nil
}

type ConfigSource struct {
	Phase  string
	Path   string
	Loaded bool
}

func CurrentConfigSource() (ConfigSource, error) {
	if err := ensureRuntimeConfigLoaded(); err != nil {
		return ConfigSource{}, err
	}
	return ConfigSource{
		Phase:  runtimeConfigPhase,
		Path:   runtimeConfigPath,
		Loaded: runtimeConfigLoaded,
	}, nil
}

func parsePubkeyList(key, raw string) ([]solana.PublicKey, error) {
	parts := parseCSVEnv(raw, nil)
	out := make([]solana.PublicKey, 0, len(parts))
	seen := make(map[solana.PublicKey]struct{}, len(parts))
	for _, part := range parts {
		pk, err := solana.PublicKeyFromBase58(part)
		if err != nil {
			return nil, fmt.Errorf("invalid pubkey %q in %s: %w", part, key, err)
		}
		if _, ok := seen[pk]; ok {
			continue
		}
		seen[pk] = struct{}{}
		out = append(out, pk)
	}
	return out, nil
}

func buildLogConfig(prefix string, serviceName string) LogConfig {
	level := envOrDefault(prefix+"_LOG_LEVEL", envOrDefault("LOG_LEVEL", "info"))
	format := envOrDefault(prefix+"_LOG_FORMAT", envOrDefault("LOG_FORMAT", "text"))
	output := envOrDefault(prefix+"_LOG_OUTPUT", envOrDefault("LOG_OUTPUT", "console"))
	filePath := envOrDefault(prefix+"_LOG_FILE", envOrDefault("LOG_FILE", filepath.Join(".docker", serviceName, serviceName+".log")))

	return LogConfig{
		Level:    level,
		Format:   format,
		Output:   output,
		FilePath: filePath,
	}
}

func envRequiredPubkey(key string) (solana.PublicKey, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return solana.PublicKey{}, fmt.Errorf("%s is required", key)
	}
	pk, err := solana.PublicKeyFromBase58(raw)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("invalid %s: %w", key, err)
	}
	return pk, nil
}

func envCommitment(key string, fallback rpc.CommitmentType) (rpc.CommitmentType, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	switch strings.ToLower(raw) {
	case string(rpc.CommitmentProcessed):
		return rpc.CommitmentProcessed, nil
	case string(rpc.CommitmentConfirmed):
		return rpc.CommitmentConfirmed, nil
	case string(rpc.CommitmentFinalized):
		return rpc.CommitmentFinalized, nil
	default:
		return "", fmt.Errorf("invalid %s: %q (expected processed|confirmed|finalized)", key, raw)
	}
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be > 0", key)
	}
	return d, nil
}

func envUint8(key string, fallback uint8) (uint8, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseUint(raw, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return uint8(v), nil
}

func envBool(key string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(valueForKey(key)); value != "" {
		return value
	}
	return fallback
}

func parseCSVEnv(raw string, fallback []string) []string {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		value := strings.TrimSpace(part)
		if value == "" {
			continue
		}
		out = append(out, value)
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func expandHomePath(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if path == "~" {
			return homeDir, nil
		}
		return filepath.Join(homeDir, strings.TrimPrefix(path, "~/")), nil
	}
	return path, nil
}

var (
	runtimeConfigOnce   sync.Once
	runtimeConfigErr    error
	runtimeConfigValues map[string]string
	runtimeConfigLoaded bool
	runtimeConfigPath   string
	runtimeConfigPhase  string
)

func ensureRuntimeConfigLoaded() error {
	runtimeConfigOnce.Do(func() {
		runtimeConfigValues = make(map[string]string)

		phase := strings.TrimSpace(os.Getenv("CONFIG_PHASE"))
		if phase == "" {
			phase = "local"
		}
		runtimeConfigPhase = phase

		configPath := strings.TrimSpace(os.Getenv("CONFIG_FILE"))
		explicitPath := configPath != ""
		if configPath == "" {
			configPath = filepath.Join("config", "config-"+phase+".yaml")
		}

		body, err := os.ReadFile(configPath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) && !explicitPath {
				return
			}
			runtimeConfigErr = fmt.Errorf("read config file %q: %w", configPath, err)
			return
		}

		raw := make(map[string]any)
		if err := yaml.Unmarshal(body, &raw); err != nil {
			runtimeConfigErr = fmt.Errorf("parse config file %q: %w", configPath, err)
			return
		}

		flattened, err := flattenConfig(raw)
		if err != nil {
			runtimeConfigErr = fmt.Errorf("flatten config file %q: %w", configPath, err)
			return
		}

		runtimeConfigValues = flattened
		runtimeConfigLoaded = true
		if absPath, err := filepath.Abs(configPath); err == nil {
			runtimeConfigPath = absPath
		} else {
			runtimeConfigPath = configPath
		}
	})
	return runtimeConfigErr
}

func flattenConfig(raw map[string]any) (map[string]string, error) {
	out := make(map[string]string)
	for key, value := range raw {
		segment := normalizeKeySegment(key)
		if segment == "" {
			continue
		}
		if err := flattenConfigValue(segment, value, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func flattenConfigValue(prefix string, value any, out map[string]string) error {
	switch typed := value.(type) {
	case map[string]any:
		for key, child := range typed {
			segment := normalizeKeySegment(key)
			if segment == "" {
				continue
			}
			if err := flattenConfigValue(prefix+"_"+segment, child, out); err != nil {
				return err
			}
		}
		return nil
	case map[any]any:
		for keyAny, child := range typed {
			keyText, ok := keyAny.(string)
			if !ok {
				return fmt.Errorf("unsupported map key type %T under %q", keyAny, prefix)
			}
			segment := normalizeKeySegment(keyText)
			if segment == "" {
				continue
			}
			if err := flattenConfigValue(prefix+"_"+segment, child, out); err != nil {
				return err
			}
		}
		return nil
	case []any:
		parts := make([]string, 0, len(typed))
		for _, item := range typed {
			switch scalar := item.(type) {
			case string:
				if strings.TrimSpace(scalar) == "" {
					continue
				}
				parts = append(parts, strings.TrimSpace(scalar))
			case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
				parts = append(parts, fmt.Sprint(scalar))
			default:
				return fmt.Errorf("unsupported list item type %T under %q", item, prefix)
			}
		}
		out[prefix] = strings.Join(parts, ",")
		return nil
	case nil:
		return nil
	default:
		out[prefix] = fmt.Sprint(typed)
		return nil
	}
}

func normalizeKeySegment(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(raw))
	lastUnderscore := false

	for _, r := range raw {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
			lastUnderscore = false
			continue
		}
		if !lastUnderscore && b.Len() > 0 {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}

	return strings.Trim(b.String(), "_")
}

func valueForKey(key string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}

	if err := ensureRuntimeConfigLoaded(); err != nil {
		return ""
	}

	if value := strings.TrimSpace(runtimeConfigValues[key]); value != "" {
		return value
	}
	return ""
}

func maybeUseLocalSecretKeypair(current string) string {
	expandedCurrent, err := expandHomePath(current)
	if err != nil {
		return current
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return current
	}
	defaultHomePath := filepath.Join(homeDir, ".config", "solana", "id.json")
	if filepath.Clean(expandedCurrent) != filepath.Clean(defaultHomePath) {
		return current
	}

	for _, candidate := range []string{
		"../.local/secret/deployer-wallet.json",
		".local/secret/deployer-wallet.json",
	} {
		absoluteCandidate, err := filepath.Abs(candidate)
		if err != nil {
			continue
		}
		info, err := os.Stat(absoluteCandidate)
		if err != nil {
			continue
		}
		if info.IsDir() {
			continue
		}
		return absoluteCandidate
	}

	return current
}
