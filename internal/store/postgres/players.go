package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/soundmesh/fleet/internal/store"
)

// PlayerStateStore implements store.PlayerStateStore using PostgreSQL.
type PlayerStateStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// LoadAll retrieves every persisted player state.
func (s *PlayerStateStore) LoadAll(ctx context.Context) ([]*store.PlayerState, error) {
	query := `
		SELECT session_id, node_id, track_b64, position_ms, paused, volume, updated_at
		FROM player_states
		ORDER BY session_id`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing player states: %w", err)
	}
	defer rows.Close()

	var out []*store.PlayerState
	for rows.Next() {
		var st store.PlayerState
		if err := rows.Scan(&st.SessionID, &st.NodeID, &st.TrackB64,
			&st.PositionMS, &st.Paused, &st.Volume, &st.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning player state: %w", err)
		}
		out = append(out, &st)
	}
	return out, rows.Err()
}

// Save upserts a player state.
func (s *PlayerStateStore) Save(ctx context.Context, st *store.PlayerState) error {
	query := `
		INSERT INTO player_states (session_id, node_id, track_b64, position_ms, paused, volume, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (session_id) DO UPDATE SET
			node_id = EXCLUDED.node_id,
			track_b64 = EXCLUDED.track_b64,
			position_ms = EXCLUDED.position_ms,
			paused = EXCLUDED.paused,
			volume = EXCLUDED.volume,
			updated_at = NOW()`
	_, err := s.db.ExecContext(ctx, query,
		st.SessionID, st.NodeID, st.TrackB64, st.PositionMS, st.Paused, st.Volume)
	if err != nil {
		return fmt.Errorf("upserting player state: %w", err)
	}
	return nil
}

// Delete removes a player state.
func (s *PlayerStateStore) Delete(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM player_states WHERE session_id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("deleting player state: %w", err)
	}
	return nil
}
