package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Service struct {
		Name string `yaml:"name"`
		Port int    `yaml:"port"`
	} `yaml:"service"`

	Chain struct {
		RPCURL            string   `yaml:"rpc_url"`
		WSURL             string   `yaml:"ws_url"` // derived from rpc_url when empty
		ProgramID         string   `yaml:"program_id"`
		StakeProgramID    string   `yaml:"stake_program_id"`
		NFTStakeProgramID string   `yaml:"nft_stake_program_id"`
		Pools             []string `yaml:"pools"`
		DiscoverPools     bool     `yaml:"discover_pools"`
		DiscoveryRefresh  int      `yaml:"discovery_refresh_sec"`
	} `yaml:"chain"`

	Vaults []VaultConfig `yaml:"vaults"`

	Ingest struct {
		SignatureLookback  int  `yaml:"signature_lookback"`   // live poll page size
		TradesPollMs       int  `yaml:"trades_poll_ms"`       // live poll cadence
		BackfillMaxPerPool int  `yaml:"backfill_max_per_pool"`
		BackfillPageSize   int  `yaml:"backfill_page_size"`
		SafetyWindowSlots  int   `yaml:"safety_window_slots"` // dedup compaction horizon
		PersistRawTxEvents *bool `yaml:"persist_raw_tx_events"` // nil means default (on)
	} `yaml:"ingest"`

	Candles struct {
		TickMs  int `yaml:"tick_ms"`
		FlushMs int `yaml:"flush_ms"`
	} `yaml:"candles"`

	Fees struct {
		DebounceMs    int `yaml:"debounce_ms"`
		MinIntervalMs int `yaml:"min_interval_ms"`
	} `yaml:"fees"`

	Postgres struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		Database string `yaml:"database"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		SSLMode  string `yaml:"sslmode"`
		MaxConns int    `yaml:"max_conns"`
	} `yaml:"postgres"`

	HTTP struct {
		CORSOrigins    []string `yaml:"cors_origins"`
		WSTicketTtlSec int      `yaml:"ws_ticket_ttl_sec"`
	} `yaml:"http"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// VaultConfig describes one token vault to index for staking balances.
type VaultConfig struct {
	VaultID     string `yaml:"vault_id"`
	TokenMint   string `yaml:"token_mint"`
	ScanAddress string `yaml:"scan_address"`
	Decimals    int    `yaml:"decimals"`
}

// LoadConfig loads configuration from a YAML file, applies environment
// overrides, then fills defaults. A missing file is not an error when every
// required key is provided through the environment.
func LoadConfig(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if cfg.Chain.RPCURL == "" {
		return nil, fmt.Errorf("chain.rpc_url (or RPC_URL) is required")
	}
	if cfg.Chain.ProgramID == "" {
		return nil, fmt.Errorf("chain.program_id (or PROGRAM_ID) is required")
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Chain.RPCURL, "RPC_URL")
	setString(&c.Chain.WSURL, "WS_URL")
	setString(&c.Chain.ProgramID, "PROGRAM_ID")
	setString(&c.Chain.StakeProgramID, "STAKE_PROGRAM_ID")
	setString(&c.Chain.NFTStakeProgramID, "NFT_STAKE_PROGRAM_ID")
	if v := getEnvSlice("POOLS"); len(v) > 0 {
		c.Chain.Pools = v
	}
	setBool(&c.Chain.DiscoverPools, "DISCOVER_POOLS")
	setInt(&c.Chain.DiscoveryRefresh, "DISCOVERY_REFRESH_SEC")

	setInt(&c.Ingest.SignatureLookback, "SIGNATURE_LOOKBACK")
	setInt(&c.Ingest.TradesPollMs, "TRADES_POLL_MS")
	setInt(&c.Ingest.BackfillMaxPerPool, "BACKFILL_MAX_PER_POOL")
	setInt(&c.Ingest.BackfillPageSize, "BACKFILL_PAGE_SIZE")
	setInt(&c.Ingest.SafetyWindowSlots, "SAFETY_WINDOW_SLOTS")
	setBoolPtr(&c.Ingest.PersistRawTxEvents, "PERSIST_RAW_TX_EVENTS")

	setInt(&c.Candles.TickMs, "CANDLES_TICK_MS")
	setInt(&c.Candles.FlushMs, "CANDLES_FLUSH_MS")

	setInt(&c.Fees.DebounceMs, "FEES_DEBOUNCE_MS")
	setInt(&c.Fees.MinIntervalMs, "FEES_MIN_INTERVAL_MS")

	setString(&c.Postgres.Host, "POSTGRES_HOST")
	setInt(&c.Postgres.Port, "POSTGRES_PORT")
	setString(&c.Postgres.Database, "POSTGRES_DB")
	setString(&c.Postgres.User, "POSTGRES_USER")
	setString(&c.Postgres.Password, "POSTGRES_PASSWORD")
	setString(&c.Postgres.SSLMode, "POSTGRES_SSLMODE")

	if v := getEnvSlice("CORS_ORIGINS"); len(v) > 0 {
		c.HTTP.CORSOrigins = v
	}
	setInt(&c.HTTP.WSTicketTtlSec, "WS_TICKET_TTL_SEC")

	setString(&c.Logging.Level, "LOG_LEVEL")
	setString(&c.Logging.Format, "LOG_FORMAT")
}

func (c *Config) applyDefaults() {
	if c.Service.Name == "" {
		c.Service.Name = "orbit-indexer"
	}
	if c.Service.Port == 0 {
		c.Service.Port = 8080
	}
	if c.Chain.WSURL == "" {
		c.Chain.WSURL = deriveWSURL(c.Chain.RPCURL)
	}
	if c.Chain.DiscoveryRefresh == 0 {
		c.Chain.DiscoveryRefresh = 300
	}
	if c.Ingest.SignatureLookback == 0 {
		c.Ingest.SignatureLookback = 25
	}
	if c.Ingest.TradesPollMs == 0 {
		c.Ingest.TradesPollMs = 5000
	}
	if c.Ingest.BackfillMaxPerPool == 0 {
		c.Ingest.BackfillMaxPerPool = 5000
	}
	if c.Ingest.BackfillPageSize == 0 || c.Ingest.BackfillPageSize > 1000 {
		c.Ingest.BackfillPageSize = 1000
	}
	if c.Ingest.SafetyWindowSlots == 0 {
		c.Ingest.SafetyWindowSlots = 10000
	}
	if c.Ingest.PersistRawTxEvents == nil {
		on := true
		c.Ingest.PersistRawTxEvents = &on
	}
	if c.Candles.TickMs == 0 {
		c.Candles.TickMs = 250
	}
	if c.Candles.FlushMs == 0 {
		c.Candles.FlushMs = 1000
	}
	if c.Fees.DebounceMs == 0 {
		c.Fees.DebounceMs = 500
	}
	if c.Fees.MinIntervalMs == 0 {
		c.Fees.MinIntervalMs = 1000
	}
	if c.Postgres.Host == "" {
		c.Postgres.Host = "localhost"
	}
	if c.Postgres.Port == 0 {
		c.Postgres.Port = 5432
	}
	if c.Postgres.SSLMode == "" {
		c.Postgres.SSLMode = "disable"
	}
	if c.Postgres.MaxConns == 0 {
		c.Postgres.MaxConns = 8
	}
	if c.HTTP.WSTicketTtlSec == 0 {
		c.HTTP.WSTicketTtlSec = 30
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// GetPostgresConnectionString returns a connection string for PostgreSQL
func (c *Config) GetPostgresConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Postgres.Host,
		c.Postgres.Port,
		c.Postgres.User,
		c.Postgres.Password,
		c.Postgres.Database,
		c.Postgres.SSLMode,
	)
}

// PersistRawTxEvents reports whether undecoded transactions get a raw "tx"
// event record. On unless explicitly disabled.
func (c *Config) PersistRawTxEvents() bool {
	return c.Ingest.PersistRawTxEvents == nil || *c.Ingest.PersistRawTxEvents
}

func (c *Config) TradesPollInterval() time.Duration {
	return time.Duration(c.Ingest.TradesPollMs) * time.Millisecond
}

func (c *Config) CandlesTick() time.Duration {
	return time.Duration(c.Candles.TickMs) * time.Millisecond
}

func (c *Config) CandlesFlush() time.Duration {
	return time.Duration(c.Candles.FlushMs) * time.Millisecond
}

// deriveWSURL maps an http(s) RPC endpoint to its ws(s) counterpart.
func deriveWSURL(rpcURL string) string {
	switch {
	case strings.HasPrefix(rpcURL, "https://"):
		return "wss://" + strings.TrimPrefix(rpcURL, "https://")
	case strings.HasPrefix(rpcURL, "http://"):
		return "ws://" + strings.TrimPrefix(rpcURL, "http://")
	default:
		return rpcURL
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = strings.EqualFold(v, "true") || v == "1"
	}
}

func setBoolPtr(dst **bool, key string) {
	if v := os.Getenv(key); v != "" {
		b := strings.EqualFold(v, "true") || v == "1"
		*dst = &b
	}
}

func getEnvSlice(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	var out []string
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
