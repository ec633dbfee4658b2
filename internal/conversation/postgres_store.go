package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists conversations in PostgreSQL. The participant set is
// stored sorted, so set equality is plain array equality.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createConversationTablesSQL = `
CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    job_id TEXT NOT NULL DEFAULT '',
    participants TEXT[] NOT NULL,
    last_message TEXT NOT NULL DEFAULT '',
    unread_counts JSONB NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS conversation_messages (
    id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL REFERENCES conversations(id),
    sender_id TEXT NOT NULL,
    body TEXT NOT NULL,
    sent_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_participants ON conversations USING GIN (participants);
`

// NewPostgresStore connects using the DSN and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, createConversationTablesSQL); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) FindOrCreate(ctx context.Context, participants []string, jobID string) (*Conversation, error) {
	normalized, err := NormalizeParticipants(participants)
	if err != nil {
		return nil, err
	}
	jobID = strings.TrimSpace(jobID)

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
SELECT id, job_id, participants, last_message, unread_counts, created_at, updated_at
FROM conversations
WHERE job_id = $1 AND participants = $2
`, jobID, normalized)
	conv, err := scanConversation(row)
	if err == nil {
		return conv, tx.Commit(ctx)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	now := time.Now().UTC()
	conv = &Conversation{
		ID:           uuid.NewString(),
		Participants: normalized,
		JobID:        jobID,
		UnreadCounts: make(map[string]int),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	_, err = tx.Exec(ctx, `
INSERT INTO conversations (id, job_id, participants, last_message, unread_counts, created_at, updated_at)
VALUES ($1, $2, $3, '', '{}', $4, $4)
`, conv.ID, conv.JobID, conv.Participants, now)
	if err != nil {
		return nil, err
	}
	return conv, tx.Commit(ctx)
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Conversation, error) {
	row := p.pool.QueryRow(ctx, `
SELECT id, job_id, participants, last_message, unread_counts, created_at, updated_at
FROM conversations
WHERE id = $1
`, id)
	conv, err := scanConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: id %s", ErrNotFound, id)
	}
	return conv, err
}

func (p *PostgresStore) ListByParticipant(ctx context.Context, userID string) ([]*Conversation, error) {
	rows, err := p.pool.Query(ctx, `
SELECT id, job_id, participants, last_message, unread_counts, created_at, updated_at
FROM conversations
WHERE participants @> ARRAY[$1]::text[]
ORDER BY updated_at DESC
`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

func (p *PostgresStore) RecordMessage(ctx context.Context, conversationID, senderID, text string) (*Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
SELECT id, job_id, participants, last_message, unread_counts, created_at, updated_at
FROM conversations
WHERE id = $1
FOR UPDATE
`, conversationID)
	conv, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: id %s", ErrNotFound, conversationID)
		}
		return nil, err
	}
	if !conv.HasParticipant(senderID) {
		return nil, fmt.Errorf("%w: %s", ErrNotAParticipant, senderID)
	}

	now := time.Now().UTC()
	msg := &Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Text:           text,
		SentAt:         now,
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO conversation_messages (id, conversation_id, sender_id, body, sent_at)
VALUES ($1, $2, $3, $4, $5)
`, msg.ID, msg.ConversationID, msg.SenderID, msg.Text, msg.SentAt); err != nil {
		return nil, err
	}

	for _, participant := range conv.Participants {
		if participant != senderID {
			conv.UnreadCounts[participant]++
		}
	}
	unread, err := json.Marshal(conv.UnreadCounts)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, `
UPDATE conversations SET last_message = $2, unread_counts = $3, updated_at = $4 WHERE id = $1
`, conversationID, text, unread, now); err != nil {
		return nil, err
	}
	return msg, tx.Commit(ctx)
}

func (p *PostgresStore) MarkRead(ctx context.Context, conversationID, userID string) error {
	// A counter already at zero is left untouched, matching the memory store:
	// repeated reads must not move updated_at.
	tag, err := p.pool.Exec(ctx, `
UPDATE conversations
SET unread_counts = jsonb_set(unread_counts, ARRAY[$2], '0'), updated_at = $3
WHERE id = $1 AND COALESCE((unread_counts->>$2)::int, 0) > 0
`, conversationID, userID, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM conversations WHERE id = $1)`, conversationID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: id %s", ErrNotFound, conversationID)
	}
	return nil
}

// Messages returns the recorded messages for a conversation in send order.
func (p *PostgresStore) Messages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := p.pool.Query(ctx, `
SELECT id, conversation_id, sender_id, body, sent_at
FROM conversation_messages
WHERE conversation_id = $1
ORDER BY sent_at
`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Text, &m.SentAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanConversation(row pgx.Row) (*Conversation, error) {
	var (
		conv   Conversation
		unread []byte
	)
	if err := row.Scan(&conv.ID, &conv.JobID, &conv.Participants, &conv.LastMessage,
		&unread, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
		return nil, err
	}
	conv.UnreadCounts = make(map[string]int)
	if len(unread) > 0 {
		if err := json.Unmarshal(unread, &conv.UnreadCounts); err != nil {
			return nil, fmt.Errorf("corrupt unread counts for conversation %s: %w", conv.ID, err)
		}
	}
	return &conv, nil
}
