// Command orbit-indexer runs the full data plane: on-chain ingestion,
// candle and volume aggregation, fee refresh, staking indexers, postgres
// persistence, and the HTTP/websocket read surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/orbitlabs/orbit-indexer/internal/aggregate"
	"github.com/orbitlabs/orbit-indexer/internal/api"
	"github.com/orbitlabs/orbit-indexer/internal/config"
	"github.com/orbitlabs/orbit-indexer/internal/dex"
	"github.com/orbitlabs/orbit-indexer/internal/fees"
	"github.com/orbitlabs/orbit-indexer/internal/ingest"
	"github.com/orbitlabs/orbit-indexer/internal/metrics"
	"github.com/orbitlabs/orbit-indexer/internal/persist"
	"github.com/orbitlabs/orbit-indexer/internal/solana"
	"github.com/orbitlabs/orbit-indexer/internal/stake"
	"github.com/orbitlabs/orbit-indexer/internal/store"
	"github.com/orbitlabs/orbit-indexer/internal/wshub"
)

const shutdownGrace = 30 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("indexer exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting",
		zap.String("service", cfg.Service.Name),
		zap.String("program", cfg.Chain.ProgramID),
		zap.Int("pools", len(cfg.Chain.Pools)),
		zap.Bool("discovery", cfg.Chain.DiscoverPools))

	pgPool, err := persist.Connect(ctx, cfg.GetPostgresConnectionString(), cfg.Postgres.MaxConns)
	if err != nil {
		return err
	}
	defer pgPool.Close()

	m := metrics.New()
	rpc := solana.NewClient(cfg.Chain.RPCURL, m, logger)
	ws := solana.NewWSClient(cfg.Chain.WSURL, logger)

	db := persist.NewStore(pgPool, rpc, logger)
	if err := db.ValidateSchema(ctx); err != nil {
		return err
	}

	trades := store.NewTradeStore()
	reader := dex.NewReader(rpc, logger)

	// register the configured pools before ingestion starts
	for _, poolID := range cfg.Chain.Pools {
		pool, err := reader.ReadPool(ctx, poolID)
		if err != nil {
			logger.Warn("configured pool not readable yet", zap.String("pool", poolID), zap.Error(err))
			continue
		}
		if err := db.UpsertPool(ctx, cfg.Chain.ProgramID, pool); err != nil {
			logger.Warn("pool registration failed", zap.String("pool", poolID), zap.Error(err))
		}
	}

	refresher := fees.NewRefresher(rpc, reader, db, dex.ParseTokenAccount,
		time.Duration(cfg.Fees.DebounceMs)*time.Millisecond,
		time.Duration(cfg.Fees.MinIntervalMs)*time.Millisecond,
		m, logger)
	defer refresher.Stop()

	candles := aggregate.NewCandleAggregator(trades, db, cfg.CandlesTick(), cfg.CandlesFlush(), m, logger)
	volumes := aggregate.NewVolumeAggregator()

	tickets := wshub.NewTicketStore(time.Duration(cfg.HTTP.WSTicketTtlSec) * time.Second)
	hub := wshub.New(cfg.Chain.ProgramID, trades, tickets, m, logger)

	trades.Subscribe(func(t dex.Trade) {
		refresher.OnTrade(t.PoolID)
		volumes.Apply(&t)
		hub.BroadcastTrade(t)
	})

	engine := ingest.New(ingest.Config{
		ProgramID:          cfg.Chain.ProgramID,
		Pools:              cfg.Chain.Pools,
		PollInterval:       cfg.TradesPollInterval(),
		SignatureLookback:  cfg.Ingest.SignatureLookback,
		BackfillMax:        cfg.Ingest.BackfillMaxPerPool,
		BackfillPageSize:   cfg.Ingest.BackfillPageSize,
		SafetyWindowSlots:  uint64(cfg.Ingest.SafetyWindowSlots),
		PersistRawTxEvents: cfg.PersistRawTxEvents(),
		DiscoverPools:      cfg.Chain.DiscoverPools,
		DiscoveryRefresh:   time.Duration(cfg.Chain.DiscoveryRefresh) * time.Second,
	}, rpc, ws, reader, trades, db, m, logger)
	engine.OnEvent(hub.BroadcastEvent)

	go candles.Run(ctx)
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				volumes.Prune()
			}
		}
	}()

	for _, v := range cfg.Vaults {
		indexer := stake.NewVaultIndexer(stake.VaultConfig{
			VaultID:      v.VaultID,
			TokenMint:    v.TokenMint,
			ScanAddress:  v.ScanAddress,
			StakeProgram: cfg.Chain.StakeProgramID,
			Decimals:     v.Decimals,
		}, rpc, ws, db, m, logger)
		go func(idx *stake.VaultIndexer, id string) {
			if err := idx.Run(ctx); err != nil {
				logger.Error("vault indexer stopped", zap.String("vault", id), zap.Error(err))
			}
		}(indexer, v.VaultID)
	}
	if cfg.Chain.NFTStakeProgramID != "" {
		nft := stake.NewNftIndexer(cfg.Chain.NFTStakeProgramID, ws, db, logger)
		go func() {
			if err := nft.Run(ctx); err != nil {
				logger.Error("nft indexer stopped", zap.Error(err))
			}
		}()
	}

	go func() {
		if err := engine.Run(ctx); err != nil {
			logger.Error("ingest engine stopped", zap.Error(err))
		}
	}()

	server := api.New(cfg.Chain.ProgramID, db, trades, candles, volumes,
		hub, tickets, m, cfg.HTTP.CORSOrigins, logger)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Service.Port),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.Int("port", cfg.Service.Port))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	return nil
}

func buildLogger(level, format string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	var zcfg zap.Config
	if format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}
