package chatstore

import (
	"context"

	"github.com/agentboard/agentboard/pkg/conversation"
)

// Store persists conversation messages per project. Implementations must
// make Upsert idempotent by (projectID, message id).
type Store interface {
	Upsert(ctx context.Context, projectID string, msg conversation.Message) error
	List(ctx context.Context, projectID string) ([]conversation.Message, error)
	Close() error
}
