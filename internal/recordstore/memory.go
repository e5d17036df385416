package recordstore

import (
	"context"
	"sync"

	"github.com/agentworkforce/schoolsync/internal/records"
)

// MemoryStore keeps rows in process and publishes every committed change to
// its subscribers.
type MemoryStore struct {
	mu     sync.Mutex
	rows   map[int64]records.Record
	nextID int64
	hub    *feedHub
	closed bool
}

func NewMemoryStore(opts Options) *MemoryStore {
	opts = opts.withDefaults()
	return &MemoryStore{
		rows: map[int64]records.Record{},
		hub:  newFeedHub(opts.FeedBuffer),
	}
}

// Seed stores rows with their own IDs without publishing events.
func (s *MemoryStore) Seed(rows ...records.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range rows {
		if row.ID <= 0 {
			continue
		}
		s.rows[row.ID] = row
		if row.ID > s.nextID {
			s.nextID = row.ID
		}
	}
}

func (s *MemoryStore) Select(ctx context.Context) ([]records.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	return sortedRows(s.rows), nil
}

func (s *MemoryStore) Lookup(ctx context.Context, id int64) (records.Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return records.Record{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return records.Record{}, false, ErrStoreClosed
	}
	row, ok := s.rows[id]
	return row, ok, nil
}

func (s *MemoryStore) Insert(ctx context.Context, fields records.Fields) ([]records.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fields.NameValue() == "" {
		return nil, records.ErrNameRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	s.nextID++
	row := fields.ApplyTo(records.Record{ID: s.nextID})
	s.rows[row.ID] = row
	s.hub.publish(records.CreatedEvent(row))
	return []records.Record{row}, nil
}

func (s *MemoryStore) Update(ctx context.Context, id int64, patch records.Fields) ([]records.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	current, ok := s.rows[id]
	if !ok {
		return []records.Record{}, nil
	}
	updated := patch.ApplyTo(current)
	s.rows[id] = updated
	s.hub.publish(records.UpdatedEvent(updated))
	return []records.Record{updated}, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.rows[id]; !ok {
		return nil
	}
	delete(s.rows, id)
	s.hub.publish(records.DeletedEvent(id))
	return nil
}

func (s *MemoryStore) Subscribe(ctx context.Context) (records.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub, err := s.hub.subscribe()
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.hub.close()
	return nil
}

func sortedRows(rows map[int64]records.Record) []records.Record {
	out := make([]records.Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, row)
	}
	records.SortByID(out)
	return out
}
