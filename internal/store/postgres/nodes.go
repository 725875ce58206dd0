package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/soundmesh/fleet/internal/store"
)

// NodeConfigStore implements store.NodeConfigStore using PostgreSQL.
type NodeConfigStore struct {
	db     *sql.DB
	logger *slog.Logger
}

const nodeConfigColumns = `identifier, name, host, port, password, use_tls, search_only, managed,
	disabled_sources, extras, document, resume_timeout, updated_at`

// Get retrieves a node config by identifier.
func (s *NodeConfigStore) Get(ctx context.Context, identifier string) (*store.NodeConfig, error) {
	query := `SELECT ` + nodeConfigColumns + ` FROM node_configs WHERE identifier = $1`
	cfg, err := scanNodeConfig(s.db.QueryRowContext(ctx, query, identifier))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying node config: %w", err)
	}
	return cfg, nil
}

// List retrieves all node configs.
func (s *NodeConfigStore) List(ctx context.Context) ([]*store.NodeConfig, error) {
	query := `SELECT ` + nodeConfigColumns + ` FROM node_configs ORDER BY identifier`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing node configs: %w", err)
	}
	defer rows.Close()

	var out []*store.NodeConfig
	for rows.Next() {
		cfg, err := scanNodeConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning node config: %w", err)
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

// Save upserts a node config as a whole document.
func (s *NodeConfigStore) Save(ctx context.Context, cfg *store.NodeConfig) error {
	disabledJSON, err := json.Marshal(cfg.DisabledSources)
	if err != nil {
		return fmt.Errorf("marshaling disabled sources: %w", err)
	}
	extrasJSON, err := marshalNullable(cfg.Extras)
	if err != nil {
		return fmt.Errorf("marshaling extras: %w", err)
	}
	documentJSON, err := marshalNullable(cfg.Document)
	if err != nil {
		return fmt.Errorf("marshaling document: %w", err)
	}

	query := `
		INSERT INTO node_configs (identifier, name, host, port, password, use_tls, search_only, managed,
			disabled_sources, extras, document, resume_timeout, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
		ON CONFLICT (identifier) DO UPDATE SET
			name = EXCLUDED.name,
			host = EXCLUDED.host,
			port = EXCLUDED.port,
			password = EXCLUDED.password,
			use_tls = EXCLUDED.use_tls,
			search_only = EXCLUDED.search_only,
			managed = EXCLUDED.managed,
			disabled_sources = EXCLUDED.disabled_sources,
			extras = EXCLUDED.extras,
			document = EXCLUDED.document,
			resume_timeout = EXCLUDED.resume_timeout,
			updated_at = NOW()`

	_, err = s.db.ExecContext(ctx, query,
		cfg.Identifier, cfg.Name, cfg.Host, cfg.Port, cfg.Password,
		cfg.UseTLS, cfg.SearchOnly, cfg.Managed,
		disabledJSON, extrasJSON, documentJSON, cfg.ResumeTimeout,
	)
	if err != nil {
		return fmt.Errorf("upserting node config: %w", err)
	}
	return nil
}

// Delete removes a node config.
func (s *NodeConfigStore) Delete(ctx context.Context, identifier string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM node_configs WHERE identifier = $1`, identifier)
	if err != nil {
		return fmt.Errorf("deleting node config: %w", err)
	}
	return nil
}

// Bundled returns the managed node's config, creating the default when
// absent.
func (s *NodeConfigStore) Bundled(ctx context.Context) (*store.NodeConfig, error) {
	cfg, err := s.Get(ctx, store.BundledNodeID)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	cfg = store.DefaultBundledConfig()
	if err := s.Save(ctx, cfg); err != nil {
		return nil, err
	}
	s.logger.Info("created default managed node config")
	return cfg, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNodeConfig(row rowScanner) (*store.NodeConfig, error) {
	var (
		cfg          store.NodeConfig
		disabledJSON []byte
		extrasJSON   []byte
		documentJSON []byte
	)
	err := row.Scan(
		&cfg.Identifier, &cfg.Name, &cfg.Host, &cfg.Port, &cfg.Password,
		&cfg.UseTLS, &cfg.SearchOnly, &cfg.Managed,
		&disabledJSON, &extrasJSON, &documentJSON, &cfg.ResumeTimeout, &cfg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(disabledJSON, &cfg.DisabledSources); err != nil {
		return nil, fmt.Errorf("unmarshaling disabled sources: %w", err)
	}
	if len(extrasJSON) > 0 {
		if err := json.Unmarshal(extrasJSON, &cfg.Extras); err != nil {
			return nil, fmt.Errorf("unmarshaling extras: %w", err)
		}
	}
	if len(documentJSON) > 0 {
		if err := json.Unmarshal(documentJSON, &cfg.Document); err != nil {
			return nil, fmt.Errorf("unmarshaling document: %w", err)
		}
	}
	return &cfg, nil
}

func marshalNullable(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}
