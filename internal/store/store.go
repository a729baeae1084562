package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Checker-Finance/myconso/internal/auth"
	"github.com/Checker-Finance/myconso/pkg/model"
)

// ErrNotFound is returned by GetJSON for a missing key.
var ErrNotFound = errors.New("store: key not found")

// Store caches API documents and tokens in Redis and keeps meter history in Postgres.
type Store interface {
	auth.TokenStore
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
	GetJSON(ctx context.Context, key string, dest any) error
	RecordMeterReadings(ctx context.Context, readings []model.MeterReading) error
	ListMeterReadings(ctx context.Context, housingID, counter string, from, to time.Time) ([]model.MeterReading, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

type HybridStore struct {
	redis  *redis.Client
	PG     *pgxpool.Pool
	logger *zap.Logger
	// tokenTTL bounds how long a persisted pair survives; 0 keeps it until overwritten.
	tokenTTL time.Duration
}

type PGPoolConfig struct {
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

// NewHybrid creates a Redis-first, Postgres-backed store. An empty pgURL
// disables the history table.
func NewHybrid(redisAddr string, redisDB int, pgURL string, pgPoolConfig PGPoolConfig, logger *zap.Logger) (*HybridStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	rdb := redis.NewClient(&redis.Options{
		Addr: redisAddr,
		DB:   redisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	var pgPool *pgxpool.Pool
	if pgURL != "" {
		cfg, err := pgxpool.ParseConfig(pgURL)
		if err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("invalid pg config: %w", err)
		}
		if pgPoolConfig.MaxConns > 0 {
			cfg.MaxConns = pgPoolConfig.MaxConns
		}
		if pgPoolConfig.MinConns > 0 {
			cfg.MinConns = pgPoolConfig.MinConns
		}
		if pgPoolConfig.MaxConnLifetime > 0 {
			cfg.MaxConnLifetime = pgPoolConfig.MaxConnLifetime
		}
		if pgPoolConfig.MaxConnIdleTime > 0 {
			cfg.MaxConnIdleTime = pgPoolConfig.MaxConnIdleTime
		}
		if pgPoolConfig.HealthCheckPeriod > 0 {
			cfg.HealthCheckPeriod = pgPoolConfig.HealthCheckPeriod
		}
		pgPool, err = pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
	}

	return &HybridStore{redis: rdb, PG: pgPool, logger: logger}, nil
}

// WithTokenTTL sets the expiry of persisted token pairs.
func (s *HybridStore) WithTokenTTL(ttl time.Duration) *HybridStore {
	s.tokenTTL = ttl
	return s
}

func tokenKey(account string) string {
	return "myconso:tokens:" + account
}

// LoadTokens returns the persisted pair for account. ok is false when none is stored.
func (s *HybridStore) LoadTokens(ctx context.Context, account string) (auth.TokenPair, bool, error) {
	var pair auth.TokenPair
	err := s.GetJSON(ctx, tokenKey(account), &pair)
	if errors.Is(err, ErrNotFound) {
		return auth.TokenPair{}, false, nil
	}
	if err != nil {
		return auth.TokenPair{}, false, err
	}
	return pair, true, nil
}

// SaveTokens overwrites the persisted pair for account.
func (s *HybridStore) SaveTokens(ctx context.Context, account string, pair auth.TokenPair) error {
	if err := s.SetJSON(ctx, tokenKey(account), pair, s.tokenTTL); err != nil {
		s.logger.Error("store.redis.save_tokens_failed", zap.Error(err))
		return err
	}
	return nil
}

// RecordMeterReadings upserts daily readings into consumption.meter_reading.
// It is a no-op without Postgres.
func (s *HybridStore) RecordMeterReadings(ctx context.Context, readings []model.MeterReading) error {
	if s.PG == nil || len(readings) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, r := range readings {
		batch.Queue(`
			INSERT INTO consumption.meter_reading (
				housing_id, counter, fluid_type, meter_type, unit,
				day, value, meter_index, fetched_at
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (housing_id, counter, day)
			DO UPDATE SET
				value = EXCLUDED.value,
				meter_index = EXCLUDED.meter_index,
				fetched_at = EXCLUDED.fetched_at;
		`, r.HousingID, r.Counter, r.FluidType, r.MeterType, r.Unit,
			r.Day, r.Value, r.Index, r.FetchedAt)
	}

	if err := s.PG.SendBatch(ctx, batch).Close(); err != nil {
		s.logger.Error("store.pg.insert_readings_failed",
			zap.Int("count", len(readings)),
			zap.Error(err))
		return err
	}
	return nil
}

// ListMeterReadings returns the stored readings of one counter with day in [from, to].
func (s *HybridStore) ListMeterReadings(ctx context.Context, housingID, counter string, from, to time.Time) ([]model.MeterReading, error) {
	if s.PG == nil {
		return nil, fmt.Errorf("postgres unavailable")
	}
	rows, err := s.PG.Query(ctx, `
		SELECT housing_id, counter, fluid_type, meter_type, unit, day, value, meter_index, fetched_at
		FROM consumption.meter_reading
		WHERE housing_id = $1 AND counter = $2 AND day BETWEEN $3 AND $4
		ORDER BY day;
	`, housingID, counter, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []model.MeterReading
	for rows.Next() {
		var r model.MeterReading
		if err := rows.Scan(&r.HousingID, &r.Counter, &r.FluidType, &r.MeterType, &r.Unit,
			&r.Day, &r.Value, &r.Index, &r.FetchedAt); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

func (s *HybridStore) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, key, data, ttl).Err()
}

func (s *HybridStore) GetJSON(ctx context.Context, key string, dest any) error {
	data, err := s.redis.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

func (s *HybridStore) HealthCheck(ctx context.Context) error {
	if s.redis == nil {
		return fmt.Errorf("redis not initialized")
	}
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	if s.PG != nil {
		if err := s.PG.Ping(ctx); err != nil {
			return fmt.Errorf("postgres ping failed: %w", err)
		}
	}
	return nil
}

func (s *HybridStore) Close() error {
	if s.PG != nil {
		s.PG.Close()
	}
	if s.redis != nil {
		return s.redis.Close()
	}
	return nil
}
