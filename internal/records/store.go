package records

import "context"

// Store is the record store collaborator. Implementations are bound to one
// table at construction; Select returns rows ordered by id ascending and
// Insert/Update echo the affected rows.
type Store interface {
	Select(ctx context.Context) ([]Record, error)
	Lookup(ctx context.Context, id int64) (Record, bool, error)
	Insert(ctx context.Context, fields Fields) ([]Record, error)
	Update(ctx context.Context, id int64, patch Fields) ([]Record, error)
	Delete(ctx context.Context, id int64) error
	Subscribe(ctx context.Context) (Subscription, error)
	Close() error
}

// Subscription is an open change feed. Events are delivered in receipt order;
// the channel is closed when the feed ends, after which Err reports why (nil
// after Close).
type Subscription interface {
	Events() <-chan ChangeEvent
	Err() error
	Close() error
}
