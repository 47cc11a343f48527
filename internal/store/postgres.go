package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/HaithamMubarak/messaging-platform-sdk-sub003/internal/broker"
)

// PostgresStore is the durable backing store for ChannelState, plain
// database/sql with lib/pq for the text[] allowedAgentNames column.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection pool against the given DSN and creates
// the channels table if it does not already exist.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &PostgresStore{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying pool for health probes.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS channels (
			channel_id              TEXT PRIMARY KEY,
			channel_name            TEXT NOT NULL,
			hashed_channel_password TEXT NOT NULL DEFAULT '',
			dev_key_id              TEXT NOT NULL,
			topic_name              TEXT NOT NULL,
			created_at              TIMESTAMPTZ NOT NULL,
			age_ms                  BIGINT NOT NULL,
			public_flag             BOOLEAN NOT NULL DEFAULT false,
			allowed_agents          TEXT[] NOT NULL DEFAULT '{}',
			original_global_offset  BIGINT NOT NULL DEFAULT 0,
			original_local_offset   BIGINT NOT NULL DEFAULT 0
		)
	`)
	return err
}

// Save upserts a ChannelState by channelId.
func (s *PostgresStore) Save(ctx context.Context, state *broker.ChannelState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channels (
			channel_id, channel_name, hashed_channel_password, dev_key_id,
			topic_name, created_at, age_ms, public_flag, allowed_agents,
			original_global_offset, original_local_offset
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (channel_id) DO UPDATE SET
			hashed_channel_password = EXCLUDED.hashed_channel_password,
			age_ms                  = EXCLUDED.age_ms,
			public_flag             = EXCLUDED.public_flag,
			allowed_agents          = EXCLUDED.allowed_agents
	`,
		state.ChannelID, state.ChannelName, state.HashedChannelPassword, state.DevKeyID,
		state.TopicName, state.CreatedAt, state.AgeMs, state.PublicChannel, pq.Array(state.AllowedAgentNames),
		state.OriginalGlobalOffset, state.OriginalLocalOffset,
	)
	if err != nil {
		return fmt.Errorf("save channel: %w", err)
	}
	return nil
}

// Load fetches a ChannelState by channelId, returning (nil, nil) if absent.
func (s *PostgresStore) Load(ctx context.Context, channelID string) (*broker.ChannelState, error) {
	var state broker.ChannelState
	var allowed pq.StringArray
	err := s.db.QueryRowContext(ctx, `
		SELECT channel_id, channel_name, hashed_channel_password, dev_key_id,
		       topic_name, created_at, age_ms, public_flag, allowed_agents,
		       original_global_offset, original_local_offset
		FROM channels WHERE channel_id = $1
	`, channelID).Scan(
		&state.ChannelID, &state.ChannelName, &state.HashedChannelPassword, &state.DevKeyID,
		&state.TopicName, &state.CreatedAt, &state.AgeMs, &state.PublicChannel, &allowed,
		&state.OriginalGlobalOffset, &state.OriginalLocalOffset,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load channel: %w", err)
	}
	state.AllowedAgentNames = []string(allowed)
	state.GlobalOffset = state.OriginalGlobalOffset
	state.LocalOffset = state.OriginalLocalOffset
	return &state, nil
}

// Delete removes a channel row. Deleting an absent channelId is not an error.
func (s *PostgresStore) Delete(ctx context.Context, channelID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM channels WHERE channel_id = $1`, channelID)
	if err != nil {
		return fmt.Errorf("delete channel: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
