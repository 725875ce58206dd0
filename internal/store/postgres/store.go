// Package postgres provides the PostgreSQL implementation of the store
// interfaces.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/soundmesh/fleet/internal/store"
)

// PostgresStore implements the Store interface using PostgreSQL.
type PostgresStore struct {
	db      *sql.DB
	logger  *slog.Logger
	nodes   *NodeConfigStore
	players *PlayerStateStore
}

// Config holds PostgreSQL connection configuration.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(dsn string) *Config {
	return &Config{
		DSN:             dsn,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,
	}
}

// NewPostgresStore opens the database, verifies the connection, and
// ensures the schema exists.
func NewPostgresStore(cfg *Config, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if err := ensureSchema(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}

	s := &PostgresStore{db: db, logger: logger}
	s.nodes = &NodeConfigStore{db: db, logger: logger}
	s.players = &PlayerStateStore{db: db, logger: logger}

	logger.Info("connected to PostgreSQL database")
	return s, nil
}

// NodeConfigs returns the NodeConfigStore.
func (s *PostgresStore) NodeConfigs() store.NodeConfigStore {
	return s.nodes
}

// PlayerStates returns the PlayerStateStore.
func (s *PostgresStore) PlayerStates() store.PlayerStateStore {
	return s.players
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func ensureSchema(ctx context.Context, db *sql.DB) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS node_configs (
		identifier TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		host TEXT NOT NULL,
		port INTEGER NOT NULL,
		password TEXT NOT NULL,
		use_tls BOOLEAN NOT NULL DEFAULT FALSE,
		search_only BOOLEAN NOT NULL DEFAULT FALSE,
		managed BOOLEAN NOT NULL DEFAULT FALSE,
		disabled_sources JSONB NOT NULL DEFAULT '[]',
		resume_timeout INTEGER NOT NULL DEFAULT 600,
		extras JSONB,
		document JSONB,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE TABLE IF NOT EXISTS player_states (
		session_id TEXT PRIMARY KEY,
		node_id TEXT NOT NULL,
		track_b64 TEXT NOT NULL DEFAULT '',
		position_ms BIGINT NOT NULL DEFAULT 0,
		paused BOOLEAN NOT NULL DEFAULT FALSE,
		volume INTEGER NOT NULL DEFAULT 100,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);`
	_, err := db.ExecContext(ctx, schema)
	return err
}
