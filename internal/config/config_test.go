package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
chain:
  rpc_url: "https://rpc.example.com"
  program_id: "OrbitAMM1111111111111111111111111111111111"
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}

	if cfg.Chain.WSURL != "wss://rpc.example.com" {
		t.Errorf("ws_url = %q, want derived wss endpoint", cfg.Chain.WSURL)
	}
	if cfg.Ingest.TradesPollMs != 5000 {
		t.Errorf("trades_poll_ms default = %d, want 5000", cfg.Ingest.TradesPollMs)
	}
	if cfg.Ingest.BackfillPageSize != 1000 {
		t.Errorf("backfill_page_size default = %d, want 1000", cfg.Ingest.BackfillPageSize)
	}
	if cfg.Candles.TickMs != 250 || cfg.Candles.FlushMs != 1000 {
		t.Errorf("candle cadence defaults = %d/%d, want 250/1000", cfg.Candles.TickMs, cfg.Candles.FlushMs)
	}
	if cfg.Fees.DebounceMs != 500 || cfg.Fees.MinIntervalMs != 1000 {
		t.Errorf("fee cadence defaults = %d/%d, want 500/1000", cfg.Fees.DebounceMs, cfg.Fees.MinIntervalMs)
	}
	if cfg.Postgres.SSLMode != "disable" {
		t.Errorf("sslmode default = %q, want disable", cfg.Postgres.SSLMode)
	}
	if !cfg.PersistRawTxEvents() {
		t.Error("persist_raw_tx_events should default on")
	}
}

func TestPersistRawTxEventsExplicitFalse(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
chain:
  rpc_url: "http://localhost:8899"
  program_id: "p"
ingest:
  persist_raw_tx_events: false
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.PersistRawTxEvents() {
		t.Error("explicit false overridden by the default")
	}

	t.Setenv("PERSIST_RAW_TX_EVENTS", "true")
	cfg, err = LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.PersistRawTxEvents() {
		t.Error("env override lost")
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
chain:
  rpc_url: "http://localhost:8899"
  program_id: "OrbitAMM1111111111111111111111111111111111"
ingest:
  trades_poll_ms: 2000
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("TRADES_POLL_MS", "750")
	t.Setenv("POOLS", "poolA, poolB ,poolC")
	t.Setenv("DISCOVER_POOLS", "true")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}

	if cfg.Ingest.TradesPollMs != 750 {
		t.Errorf("env override lost: trades_poll_ms = %d, want 750", cfg.Ingest.TradesPollMs)
	}
	if len(cfg.Chain.Pools) != 3 || cfg.Chain.Pools[1] != "poolB" {
		t.Errorf("POOLS csv parsed as %v", cfg.Chain.Pools)
	}
	if !cfg.Chain.DiscoverPools {
		t.Error("DISCOVER_POOLS=true not applied")
	}
}

func TestLoadConfigMissingRequired(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error when rpc_url is missing")
	}
}

func TestBackfillPageSizeClamp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
chain:
  rpc_url: "http://localhost:8899"
  program_id: "p"
ingest:
  backfill_page_size: 5000
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Ingest.BackfillPageSize != 1000 {
		t.Errorf("page size = %d, want clamp to 1000", cfg.Ingest.BackfillPageSize)
	}
}
