// Package postgres implements the session store on PostgreSQL.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/capitalize-ai/voice-onboarding/internal/model"
	"github.com/capitalize-ai/voice-onboarding/internal/stage"
	"github.com/capitalize-ai/voice-onboarding/internal/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store persists sessions and messages in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to databaseURL and applies pending migrations.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Migrate applies the embedded goose migrations.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const sessionColumns = `id, user_name, user_phone, current_stage_id, status, metadata, created_at, updated_at`

func scanSession(row pgx.Row) (*model.Conversation, error) {
	var (
		conv     model.Conversation
		stageID  string
		status   string
		metadata []byte
	)
	err := row.Scan(&conv.ID, &conv.UserName, &conv.UserPhone, &stageID, &status, &metadata, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	conv.StageID = stage.ID(stageID)
	conv.Status = model.Status(status)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &conv.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	return &conv, nil
}

// CreateConversation inserts a new session at the initial stage.
func (s *Store) CreateConversation(ctx context.Context, userName, userPhone string) (*model.Conversation, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO sessions (id, user_name, user_phone, current_stage_id, status)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+sessionColumns,
		uuid.Must(uuid.NewV7()).String(), userName, userPhone, string(stage.Initial()), string(model.StatusActive),
	)
	conv, err := scanSession(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return conv, nil
}

// GetConversation retrieves a session by ID.
func (s *Store) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	return scanSession(row)
}

// ListConversations returns all sessions, newest first.
func (s *Store) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var convs []model.Conversation
	for rows.Next() {
		conv, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, *conv)
	}
	return convs, rows.Err()
}

// SetConversationStage records the current stage of a session.
func (s *Store) SetConversationStage(ctx context.Context, id string, stageID stage.ID) error {
	if !stage.Valid(stageID) {
		return fmt.Errorf("unknown stage %q", stageID)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET current_stage_id = $2, updated_at = $3 WHERE id = $1`,
		id, string(stageID), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to update stage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// SetConversationStatus moves a session forward in its lifecycle.
func (s *Store) SetConversationStatus(ctx context.Context, id string, status model.Status) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var current string
	err = tx.QueryRow(ctx, `SELECT status FROM sessions WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read status: %w", err)
	}
	if !model.Status(current).CanTransitionTo(status) {
		return fmt.Errorf("%w: %s to %s", store.ErrInvalidTransition, current, status)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE sessions SET status = $2, updated_at = $3 WHERE id = $1`,
		id, string(status), time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	return tx.Commit(ctx)
}

// CreateMessage appends a turn message.
func (s *Store) CreateMessage(ctx context.Context, conversationID string, speaker model.Speaker, text string, audio []byte) (*model.Message, error) {
	msg := &model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conversationID,
		Speaker:        speaker,
		Text:           text,
		Audio:          audio,
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}

	var textArg *string
	if text != "" {
		textArg = &text
	}
	var audioArg []byte
	if len(audio) > 0 {
		audioArg = audio
	}

	err := s.pool.QueryRow(ctx,
		`INSERT INTO messages (id, session_id, role, text, audio)
		 SELECT $1, $2, $3, $4, $5 WHERE EXISTS (SELECT 1 FROM sessions WHERE id = $2)
		 RETURNING seq, created_at`,
		msg.ID, conversationID, string(speaker), textArg, audioArg,
	).Scan(&msg.Sequence, &msg.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}
	return msg, nil
}

// ListRecentMessages returns the newest messages, oldest first.
func (s *Store) ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT seq, id, session_id, role, text, audio, created_at FROM (
			SELECT seq, id, session_id, role, text, audio, created_at
			FROM messages WHERE session_id = $1
			ORDER BY seq DESC LIMIT $2
		) recent ORDER BY seq ASC`,
		conversationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		var (
			msg   model.Message
			role  string
			text  *string
			audio []byte
		)
		if err := rows.Scan(&msg.Sequence, &msg.ID, &msg.ConversationID, &role, &text, &audio, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Speaker = model.Speaker(role)
		if text != nil {
			msg.Text = *text
		}
		msg.Audio = audio
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}
