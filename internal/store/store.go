// Package store persists metric records keyed by their natural identity
// (symbol, timestamp) with replace-on-conflict semantics. One long-lived
// connection pool is shared by every writer; replays of the same key
// overwrite in place instead of duplicating.
package store

import (
	"context"
	"fmt"
	"net/url"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"marketpulse/config"
	"marketpulse/internal/bucket"
	"marketpulse/internal/model"
	"marketpulse/logger"
)

// DB is the subset of pgxpool.Pool the store uses. Satisfied by pgxmock in
// tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Store is the keyed time-series upsert store.
type Store struct {
	db  DB
	log *logger.Log
}

// New connects a pool and pings it. Failure here is fatal to the process:
// without storage there is nothing to ingest into.
func New(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(BuildConnString(cfg))
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return NewWithDB(pool), nil
}

// NewWithDB wraps an existing connection; used by tests.
func NewWithDB(db DB) *Store {
	return &Store{db: db, log: logger.GetLogger()}
}

// BuildConnString builds a PostgreSQL connection string from config.
func BuildConnString(cfg config.DatabaseConfig) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "prefer"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User,
		url.QueryEscape(cfg.Password),
		cfg.Host,
		cfg.Port,
		cfg.Name,
		sslMode,
	)
}

// Close releases the pool.
func (s *Store) Close() { s.db.Close() }

// Ping verifies the connection is healthy.
func (s *Store) Ping(ctx context.Context) error { return s.db.Ping(ctx) }

// AggTableName returns the derived aggregate table for a bucket width, e.g.
// candles_900s for a 900000 ms width.
func AggTableName(widthMs int64) string {
	return fmt.Sprintf("candles_%ds", widthMs/1000)
}

// EnsureSchema creates every metric table plus the aggregate table for the
// given bucket width.
func (s *Store) EnsureSchema(ctx context.Context, aggWidthMs int64) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS candles (
			symbol TEXT NOT NULL,
			ts BIGINT NOT NULL,
			open DOUBLE PRECISION NOT NULL,
			high DOUBLE PRECISION NOT NULL,
			low DOUBLE PRECISION NOT NULL,
			close DOUBLE PRECISION NOT NULL,
			volume DOUBLE PRECISION NOT NULL,
			PRIMARY KEY (symbol, ts)
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			symbol TEXT NOT NULL,
			ts BIGINT NOT NULL,
			open DOUBLE PRECISION NOT NULL,
			high DOUBLE PRECISION NOT NULL,
			low DOUBLE PRECISION NOT NULL,
			close DOUBLE PRECISION NOT NULL,
			volume DOUBLE PRECISION NOT NULL,
			PRIMARY KEY (symbol, ts)
		)`, AggTableName(aggWidthMs)),
		`CREATE TABLE IF NOT EXISTS open_interest (
			symbol TEXT NOT NULL,
			ts BIGINT NOT NULL,
			oi DOUBLE PRECISION NOT NULL,
			PRIMARY KEY (symbol, ts)
		)`,
		`CREATE TABLE IF NOT EXISTS funding_rate (
			symbol TEXT NOT NULL,
			ts BIGINT NOT NULL,
			rate DOUBLE PRECISION NOT NULL,
			PRIMARY KEY (symbol, ts)
		)`,
		`CREATE TABLE IF NOT EXISTS ob_imbalance (
			symbol TEXT NOT NULL,
			ts BIGINT NOT NULL,
			bid_vol DOUBLE PRECISION NOT NULL,
			ask_vol DOUBLE PRECISION NOT NULL,
			PRIMARY KEY (symbol, ts)
		)`,
		`CREATE TABLE IF NOT EXISTS daily_indices (
			symbol TEXT NOT NULL,
			ts BIGINT NOT NULL,
			value DOUBLE PRECISION NOT NULL,
			PRIMARY KEY (symbol, ts)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Upsert inserts or fully replaces the row for a record's natural key.
func (s *Store) Upsert(ctx context.Context, rec model.Record) error {
	switch rec.Kind {
	case model.KindCandle:
		return s.upsertCandle(ctx, "candles", rec)
	case model.KindOpenInterest:
		return s.upsertScalar(ctx, "open_interest", "oi", rec)
	case model.KindFundingRate:
		return s.upsertScalar(ctx, "funding_rate", "rate", rec)
	case model.KindMacroIndex:
		return s.upsertScalar(ctx, "daily_indices", "value", rec)
	case model.KindDepth:
		return s.upsertDepth(ctx, rec)
	default:
		return fmt.Errorf("unsupported metric kind %q", rec.Kind)
	}
}

// UpsertAggregate writes one bucket row into the aggregate table for the
// given width.
func (s *Store) UpsertAggregate(ctx context.Context, rec model.Record, widthMs int64) error {
	return s.upsertCandle(ctx, AggTableName(widthMs), rec)
}

func (s *Store) upsertCandle(ctx context.Context, table string, rec model.Record) error {
	sql := fmt.Sprintf(`INSERT INTO %s (symbol, ts, open, high, low, close, volume)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (symbol, ts) DO UPDATE SET
			open = EXCLUDED.open,
			high = EXCLUDED.high,
			low = EXCLUDED.low,
			close = EXCLUDED.close,
			volume = EXCLUDED.volume`, table)
	c := rec.Candle
	if _, err := s.db.Exec(ctx, sql, rec.Symbol, rec.TimestampMs, c.Open, c.High, c.Low, c.Close, c.Volume); err != nil {
		return fmt.Errorf("upsert %s %s@%d: %w", table, rec.Symbol, rec.TimestampMs, err)
	}
	return nil
}

func (s *Store) upsertScalar(ctx context.Context, table, column string, rec model.Record) error {
	sql := fmt.Sprintf(`INSERT INTO %s (symbol, ts, %s)
		VALUES ($1, $2, $3)
		ON CONFLICT (symbol, ts) DO UPDATE SET %s = EXCLUDED.%s`, table, column, column, column)
	if _, err := s.db.Exec(ctx, sql, rec.Symbol, rec.TimestampMs, rec.Value); err != nil {
		return fmt.Errorf("upsert %s %s@%d: %w", table, rec.Symbol, rec.TimestampMs, err)
	}
	return nil
}

func (s *Store) upsertDepth(ctx context.Context, rec model.Record) error {
	sql := `INSERT INTO ob_imbalance (symbol, ts, bid_vol, ask_vol)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (symbol, ts) DO UPDATE SET
			bid_vol = EXCLUDED.bid_vol,
			ask_vol = EXCLUDED.ask_vol`
	if _, err := s.db.Exec(ctx, sql, rec.Symbol, rec.TimestampMs, rec.BidVolume, rec.AskVolume); err != nil {
		return fmt.Errorf("upsert ob_imbalance %s@%d: %w", rec.Symbol, rec.TimestampMs, err)
	}
	return nil
}

// CandleRange returns raw candles for symbol in [fromMs, toMs), ascending.
func (s *Store) CandleRange(ctx context.Context, symbol string, fromMs, toMs int64) ([]model.Record, error) {
	rows, err := s.db.Query(ctx,
		`SELECT ts, open, high, low, close, volume FROM candles
		 WHERE symbol = $1 AND ts >= $2 AND ts < $3 ORDER BY ts ASC`,
		symbol, fromMs, toMs)
	if err != nil {
		return nil, fmt.Errorf("range query candles %s: %w", symbol, err)
	}
	defer rows.Close()
	return scanCandles(rows, symbol)
}

// Candles returns the most recent candles for symbol, newest first. A zero
// widthMs reads the raw 1-minute table; otherwise the aggregate table for
// that width.
func (s *Store) Candles(ctx context.Context, symbol string, widthMs int64, limit int) ([]model.Record, error) {
	table := "candles"
	if widthMs > 0 {
		table = AggTableName(widthMs)
	}
	sql := fmt.Sprintf(
		`SELECT ts, open, high, low, close, volume FROM %s
		 WHERE symbol = $1 ORDER BY ts DESC LIMIT $2`, table)

	rows, err := s.db.Query(ctx, sql, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("query %s %s: %w", table, symbol, err)
	}
	defer rows.Close()
	return scanCandles(rows, symbol)
}

func scanCandles(rows pgx.Rows, symbol string) ([]model.Record, error) {
	var out []model.Record
	for rows.Next() {
		rec := model.Record{Symbol: symbol, Kind: model.KindCandle}
		c := &rec.Candle
		if err := rows.Scan(&rec.TimestampMs, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("scan candle row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candle rows: %w", err)
	}
	return out, nil
}

// LatestCandleTime returns the newest raw candle timestamp across all
// symbols, or zero when the store is empty. Drives the health staleness
// signal.
func (s *Store) LatestCandleTime(ctx context.Context) (int64, error) {
	var ts int64
	err := s.db.QueryRow(ctx, `SELECT COALESCE(MAX(ts), 0) FROM candles`).Scan(&ts)
	if err != nil {
		return 0, fmt.Errorf("query latest candle time: %w", err)
	}
	return ts, nil
}

// RecomputeBucket re-derives one aggregate bucket in full from the raw rows
// it covers. Recomputing from scratch instead of merging makes the
// aggregation idempotent and immune to out-of-order or late-arriving source
// rows. A bucket with no source rows is left untouched.
func (s *Store) RecomputeBucket(ctx context.Context, symbol string, bucketStart, widthMs int64) error {
	rows, err := s.CandleRange(ctx, symbol, bucketStart, bucketStart+widthMs)
	if err != nil {
		return err
	}
	agg, ok := bucket.Aggregate(symbol, bucketStart, rows)
	if !ok {
		return nil
	}
	return s.UpsertAggregate(ctx, agg, widthMs)
}

// RecomputeAll rebuilds every aggregate bucket from the raw candle table,
// the batch equivalent of RecomputeBucket for backfills.
func (s *Store) RecomputeAll(ctx context.Context, widthMs int64) (int, error) {
	rows, err := s.db.Query(ctx,
		`SELECT symbol, ts / $1 * $1 AS bucket_start FROM candles
		 GROUP BY symbol, bucket_start ORDER BY symbol, bucket_start`, widthMs)
	if err != nil {
		return 0, fmt.Errorf("list buckets: %w", err)
	}

	type key struct {
		symbol string
		start  int64
	}
	var keys []key
	for rows.Next() {
		var k key
		if err := rows.Scan(&k.symbol, &k.start); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan bucket key: %w", err)
		}
		keys = append(keys, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate bucket keys: %w", err)
	}

	for _, k := range keys {
		if err := s.RecomputeBucket(ctx, k.symbol, k.start, widthMs); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}
