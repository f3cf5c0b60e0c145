// Package store owns the durable side of the chat subsystem: the messages
// table and the two queries the live layer is built on (backlog reads and
// message creation). Conversation ids are opaque strings; an unknown id is a
// conversation with no history, not an error.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/lo"
)

type Message struct {
	ID             uuid.UUID
	ConversationID string
	Author         string
	AvatarInitials *string
	Content        string
	CreatedAt      time.Time
}

type NewMessage struct {
	ConversationID string
	Author         string
	AvatarInitials *string
	Content        string
}

type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// CreateMessage inserts the message and returns it with the id and the
// database-assigned created_at filled in. The insert must be durable before
// any fan-out happens; callers publish only after this returns nil.
func (s *Store) CreateMessage(ctx context.Context, m NewMessage) (Message, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	id := uuid.New()
	var createdAt time.Time
	err := s.db.QueryRow(ctx, `
		insert into messages (id, conversation_id, author, avatar_initials, content)
		values ($1, $2, $3, $4, $5)
		returning created_at
	`, id, m.ConversationID, m.Author, m.AvatarInitials, m.Content).Scan(&createdAt)
	if err != nil {
		return Message{}, err
	}
	return Message{
		ID:             id,
		ConversationID: m.ConversationID,
		Author:         m.Author,
		AvatarInitials: m.AvatarInitials,
		Content:        m.Content,
		CreatedAt:      createdAt,
	}, nil
}

// RecentMessages returns the most recent limit messages for a conversation in
// ascending created_at order, ties broken by insertion order (seq). The query
// walks the (conversation_id, created_at, seq) index newest-first and the
// result is reversed before returning.
func (s *Store) RecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := s.db.Query(ctx, `
		select id, conversation_id, author, avatar_initials, content, created_at
		from messages
		where conversation_id = $1
		order by created_at desc, seq desc
		limit $2
	`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Author, &m.AvatarInitials, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lo.Reverse(out), nil
}
