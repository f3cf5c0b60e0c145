package httpapi

import (
	"context"
	"time"

	"projectpulse/internal/store"
)

// MessageStore is the persistence collaborator the live layer consumes. The
// pgx-backed implementation lives in internal/store; tests substitute an
// in-memory fake.
type MessageStore interface {
	CreateMessage(ctx context.Context, m store.NewMessage) (store.Message, error)
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]store.Message, error)
}

type Deps struct {
	Store          MessageStore
	AllowedOrigins []string

	ChatBacklogLimit    int
	SSEKeepAlive        time.Duration
	SSESubscriberBuffer int
	RateLimitPerMinute  int
}
