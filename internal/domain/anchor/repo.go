package anchor

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// QueueRepository persists anchor requests. UpdateStatus only ever touches
// rows that are still pending and returns ErrStaleRow otherwise.
type QueueRepository interface {
	Enqueue(ctx context.Context, recordID, hash string) (*AnchorRequest, error)
	SelectPending(ctx context.Context, limit, maxRetries int) ([]*AnchorRequest, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, t Transition) error
	GetByID(ctx context.Context, id uuid.UUID) (*AnchorRequest, error)
	List(ctx context.Context, status Status, limit, offset int) ([]*AnchorRequest, int, error)
	LastAnchoredAt(ctx context.Context) (*time.Time, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)
}
