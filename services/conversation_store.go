package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"workbench/models"
)

var ErrConversationNotFound = errors.New("conversation not found")

// NewMessage is the caller-supplied part of a message; the store assigns
// identity, position and timestamp.
type NewMessage struct {
	Role     string
	Content  string
	Kind     string
	Metadata models.MessageMetadata
}

// ConversationStore owns conversation rows and their append-only, strictly
// ordered messages. Reads are scoped by owner: a conversation owned by
// someone else is indistinguishable from a missing one.
type ConversationStore interface {
	CreateConversation(ctx context.Context, ownerID string, teamID *string, title *string) (models.Conversation, error)
	GetConversation(ctx context.Context, id, ownerID string) (models.Conversation, error)
	// AppendMessage assigns the next position and bumps the conversation's
	// updated_at as one atomic unit. Safe under concurrent turns on the
	// same conversation.
	AppendMessage(ctx context.Context, conversationID string, msg NewMessage) (models.Message, error)
	// ListHistory returns the most recent content-kind messages, ascending
	// by position. Tool-call messages are audit records and never replayed.
	ListHistory(ctx context.Context, conversationID string, limit int) ([]models.Message, error)
	SetTitleIfAbsent(ctx context.Context, conversationID, title string) error
	ListConversations(ctx context.Context, ownerID string) ([]models.Conversation, error)
	ListMessages(ctx context.Context, conversationID, ownerID string) ([]models.Message, error)
	RenameConversation(ctx context.Context, id, ownerID, title string) error
	DeleteConversation(ctx context.Context, id, ownerID string) error
}

// PostgresStore is the production ConversationStore.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(postgresURI string) (*PostgresStore, error) {
	connStr := postgresURI
	if !strings.Contains(postgresURI, "sslmode=") {
		if strings.Contains(postgresURI, "?") {
			connStr += "&sslmode=disable"
		} else {
			connStr += "?sslmode=disable"
		}
	}

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func initSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS conversations (
    id         UUID PRIMARY KEY,
    owner_id   TEXT NOT NULL,
    team_id    TEXT,
    title      TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_conversations_owner ON conversations (owner_id, updated_at DESC);

CREATE TABLE IF NOT EXISTS messages (
    id              UUID PRIMARY KEY,
    conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    parent_id       UUID,
    role            TEXT NOT NULL,
    content         TEXT NOT NULL,
    kind            TEXT NOT NULL,
    metadata        JSONB NOT NULL DEFAULT '{}',
    position        INT NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (conversation_id, position)
);

CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS note_embeddings (
    note_id    TEXT PRIMARY KEY,
    owner_id   TEXT NOT NULL,
    collection TEXT NOT NULL DEFAULT '',
    title      TEXT NOT NULL,
    vector     VECTOR(1536) NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_note_embeddings_owner ON note_embeddings (owner_id, collection);
`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to init schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateConversation(ctx context.Context, ownerID string, teamID *string, title *string) (models.Conversation, error) {
	conv := models.Conversation{
		ID:      uuid.New().String(),
		OwnerID: ownerID,
		TeamID:  teamID,
		Title:   title,
	}

	err := s.db.QueryRowContext(ctx, `
        INSERT INTO conversations (id, owner_id, team_id, title)
        VALUES ($1, $2, $3, $4)
        RETURNING created_at, updated_at
    `, conv.ID, conv.OwnerID, conv.TeamID, conv.Title).Scan(&conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("failed to create conversation: %w", err)
	}
	return conv, nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, id, ownerID string) (models.Conversation, error) {
	var conv models.Conversation
	err := s.db.QueryRowContext(ctx, `
        SELECT id, owner_id, team_id, title, created_at, updated_at
        FROM conversations
        WHERE id = $1 AND owner_id = $2
    `, id, ownerID).Scan(&conv.ID, &conv.OwnerID, &conv.TeamID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	if err != nil {
		return models.Conversation{}, fmt.Errorf("failed to load conversation: %w", err)
	}
	return conv, nil
}

const appendRetries = 3

// AppendMessage inserts the row and computes its position in one statement,
// so two concurrent turns can never read the same max. The unique constraint
// on (conversation_id, position) backstops the subquery; a losing writer
// retries with a freshly computed position.
func (s *PostgresStore) AppendMessage(ctx context.Context, conversationID string, msg NewMessage) (models.Message, error) {
	metadata, err := json.Marshal(msg.Metadata)
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < appendRetries; attempt++ {
		persisted, err := s.appendOnce(ctx, conversationID, msg, metadata)
		if err == nil {
			return persisted, nil
		}
		lastErr = err
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			continue
		}
		return models.Message{}, err
	}
	return models.Message{}, fmt.Errorf("failed to append message after %d attempts: %w", appendRetries, lastErr)
}

func (s *PostgresStore) appendOnce(ctx context.Context, conversationID string, msg NewMessage, metadata []byte) (models.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	persisted := models.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Role:           msg.Role,
		Content:        msg.Content,
		Kind:           msg.Kind,
		Metadata:       msg.Metadata,
	}

	err = tx.QueryRowContext(ctx, `
        INSERT INTO messages (id, conversation_id, role, content, kind, metadata, position)
        SELECT $1, $2, $3, $4, $5, $6, COALESCE(MAX(position) + 1, 0)
        FROM messages WHERE conversation_id = $2
        RETURNING position, created_at
    `, persisted.ID, conversationID, msg.Role, msg.Content, msg.Kind, metadata).
		Scan(&persisted.Position, &persisted.CreatedAt)
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to insert message: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
        UPDATE conversations SET updated_at = now() WHERE id = $1
    `, conversationID); err != nil {
		return models.Message{}, fmt.Errorf("failed to bump conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return models.Message{}, fmt.Errorf("failed to commit message: %w", err)
	}
	return persisted, nil
}

func (s *PostgresStore) ListHistory(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, conversation_id, parent_id, role, content, kind, metadata, position, created_at
        FROM messages
        WHERE conversation_id = $1 AND kind = $2
        ORDER BY position DESC
        LIMIT $3
    `, conversationID, models.KindContent, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	recent, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	// Query returns newest-first; replay order is ascending.
	for i, j := 0, len(recent)-1; i < j; i, j = i+1, j-1 {
		recent[i], recent[j] = recent[j], recent[i]
	}
	return recent, nil
}

func (s *PostgresStore) SetTitleIfAbsent(ctx context.Context, conversationID, title string) error {
	_, err := s.db.ExecContext(ctx, `
        UPDATE conversations SET title = $2 WHERE id = $1 AND title IS NULL
    `, conversationID, title)
	if err != nil {
		return fmt.Errorf("failed to set title: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListConversations(ctx context.Context, ownerID string) ([]models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, owner_id, team_id, title, created_at, updated_at
        FROM conversations
        WHERE owner_id = $1
        ORDER BY updated_at DESC
    `, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	conversations := make([]models.Conversation, 0)
	for rows.Next() {
		var conv models.Conversation
		if err := rows.Scan(&conv.ID, &conv.OwnerID, &conv.TeamID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		conversations = append(conversations, conv)
	}
	return conversations, rows.Err()
}

func (s *PostgresStore) ListMessages(ctx context.Context, conversationID, ownerID string) ([]models.Message, error) {
	if _, err := s.GetConversation(ctx, conversationID, ownerID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
        SELECT id, conversation_id, parent_id, role, content, kind, metadata, position, created_at
        FROM messages
        WHERE conversation_id = $1
        ORDER BY position ASC
    `, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

func (s *PostgresStore) RenameConversation(ctx context.Context, id, ownerID, title string) error {
	result, err := s.db.ExecContext(ctx, `
        UPDATE conversations SET title = $3, updated_at = now()
        WHERE id = $1 AND owner_id = $2
    `, id, ownerID, title)
	if err != nil {
		return fmt.Errorf("failed to rename conversation: %w", err)
	}
	return requireRow(result)
}

func (s *PostgresStore) DeleteConversation(ctx context.Context, id, ownerID string) error {
	result, err := s.db.ExecContext(ctx, `
        DELETE FROM conversations WHERE id = $1 AND owner_id = $2
    `, id, ownerID)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	return requireRow(result)
}

func requireRow(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrConversationNotFound
	}
	return nil
}

func scanMessages(rows *sql.Rows) ([]models.Message, error) {
	messages := make([]models.Message, 0)
	for rows.Next() {
		var msg models.Message
		var metadata []byte
		err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.ParentID, &msg.Role,
			&msg.Content, &msg.Kind, &metadata, &msg.Position, &msg.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &msg.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
			}
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}
