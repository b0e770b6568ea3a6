// Package persist is the write-behind sink layer over PostgreSQL: strict
// event appends, slot-gated pool updates, batched candle upserts, and the
// staking tables. It owns no derived in-memory state.
package persist

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// DB is the pgx surface the store uses; satisfied by *pgxpool.Pool.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// BlockFetcher resolves a slot's ordered signature list.
type BlockFetcher interface {
	GetBlockSignatures(ctx context.Context, slot uint64) ([]string, error)
}

const txnIndexCacheTTL = 60 * time.Second

// Store is the persistence layer handle.
type Store struct {
	db       DB
	blocks   BlockFetcher
	txnIndex *lru.LRU[uint64, map[string]int]
	logger   *zap.Logger
}

// NewStore wraps an open pgx pool.
func NewStore(db DB, blocks BlockFetcher, logger *zap.Logger) *Store {
	return &Store{
		db:       db,
		blocks:   blocks,
		txnIndex: lru.NewLRU[uint64, map[string]int](1024, nil, txnIndexCacheTTL),
		logger:   logger.With(zap.String("component", "persist")),
	}
}

// Connect opens a pgx pool against the connection string.
func Connect(ctx context.Context, connString string, maxConns int) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, errors.Wrap(err, "parse postgres config")
	}
	cfg.MaxConns = int32(maxConns)
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "connect postgres")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	return pool, nil
}

// requiredTables are validated at boot; run db/schema.sql when missing.
var requiredTables = []string{
	"dex_pools",
	"dex_trades",
	"dex_events",
	"dex_pool_candles",
	"streamflow_vaults",
	"streamflow_stakes",
	"streamflow_events",
	"nft_stakes",
}

// ValidateSchema verifies every required table exists.
func (s *Store) ValidateSchema(ctx context.Context) error {
	for _, table := range requiredTables {
		var exists bool
		err := s.db.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)`,
			table).Scan(&exists)
		if err != nil {
			return errors.Wrapf(err, "check table %s", table)
		}
		if !exists {
			return fmt.Errorf("missing table %s; run db/schema.sql", table)
		}
	}
	return nil
}

// isUniqueViolation reports a PostgreSQL unique-constraint error.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
