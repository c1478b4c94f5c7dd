package store

import (
	"context"
	"fmt"
	"time"

	"uplinkd/internal/model"
)

// DefaultListLimit caps listing queries to bound memory.
const DefaultListLimit = 1000

// dbTimeout bounds a single statement.
const dbTimeout = 5 * time.Second

// Store is the durable home of transfer records. Implementations must be safe
// for concurrent use; callers list while the engine writes.
type Store interface {
	// Insert persists rec with replace-on-conflict semantics by id. A zero id is
	// assigned by the store and written back into rec.
	Insert(ctx context.Context, rec *model.TransferRecord) error
	// Update writes every mutable column of rec. It returns ErrNotFound when the
	// row is gone.
	Update(ctx context.Context, rec *model.TransferRecord) error
	Delete(ctx context.Context, id int64) error
	Get(ctx context.Context, id int64) (model.TransferRecord, error)
	// List returns records ordered by id descending.
	List(ctx context.Context, f Filter) ([]model.TransferRecord, error)
	// ResetInFlight moves records left in an in-flight status back to idle.
	ResetInFlight(ctx context.Context) (int64, error)
	Close() error
}

// Filter narrows List. Empty Statuses matches every record. A zero Limit means
// DefaultListLimit and a negative one lifts the cap.
type Filter struct {
	Statuses []model.SyncStatus
	Limit    int
}

// limit returns -1 for no cap.
func (f Filter) limit() int {
	if f.Limit < 0 {
		return -1
	}
	if f.Limit == 0 || f.Limit > DefaultListLimit {
		return DefaultListLimit
	}
	return f.Limit
}

// Open returns the store for driver ("sqlite" or "postgres") and makes sure the
// schema exists.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case "", "sqlite":
		s, err := OpenSQLite(dsn)
		if err != nil {
			return nil, err
		}
		if err := s.Init(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil
	case "postgres":
		s, err := NewPostgresStore(ctx, dsn)
		if err != nil {
			return nil, err
		}
		if err := s.Init(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

func statusArgs(statuses []model.SyncStatus) []any {
	out := make([]any, len(statuses))
	for i, s := range statuses {
		out[i] = int(s)
	}
	return out
}
