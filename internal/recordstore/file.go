package recordstore

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/agentworkforce/schoolsync/internal/records"
)

type fileStoreState struct {
	NextID  int64            `json:"nextId"`
	Records []records.Record `json:"records"`
}

// FileStore persists rows to a JSON file. Edits made to the file by other
// processes are picked up through fsnotify and published as change events.
type FileStore struct {
	path   string
	logger *slog.Logger

	mu     sync.Mutex
	rows   map[int64]records.Record
	nextID int64
	closed bool

	hub     *feedHub
	watcher *fsnotify.Watcher
	done    chan struct{}
}

func NewFileStore(path string, opts Options) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, records.ErrInvalidInput
	}
	opts = opts.withDefaults()
	s := &FileStore{
		path:   filepath.Clean(path),
		logger: opts.Logger,
		rows:   map[int64]records.Record{},
		hub:    newFeedHub(opts.FeedBuffer),
		done:   make(chan struct{}),
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return nil, err
	}
	state, err := s.readState()
	if err != nil {
		return nil, err
	}
	s.applyStateLocked(state)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Atomic renames replace the inode, so watch the directory instead of the file.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	s.watcher = watcher
	go s.watch()
	return s, nil
}

func (s *FileStore) Select(ctx context.Context) ([]records.Record, error) {
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

func (s *FileStore) Lookup(ctx context.Context, id int64) (records.Record, bool, error) {
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

func (s *FileStore) Insert(ctx context.Context, fields records.Fields) ([]records.Record, error) {
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
	row := fields.ApplyTo(records.Record{ID: s.nextID + 1})
	s.rows[row.ID] = row
	s.nextID = row.ID
	if err := s.saveLocked(); err != nil {
		delete(s.rows, row.ID)
		s.nextID--
		return nil, err
	}
	s.hub.publish(records.CreatedEvent(row))
	return []records.Record{row}, nil
}

func (s *FileStore) Update(ctx context.Context, id int64, patch records.Fields) ([]records.Record, error) {
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
	if err := s.saveLocked(); err != nil {
		s.rows[id] = current
		return nil, err
	}
	s.hub.publish(records.UpdatedEvent(updated))
	return []records.Record{updated}, nil
}

func (s *FileStore) Delete(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	current, ok := s.rows[id]
	if !ok {
		return nil
	}
	delete(s.rows, id)
	if err := s.saveLocked(); err != nil {
		s.rows[id] = current
		return err
	}
	s.hub.publish(records.DeletedEvent(id))
	return nil
}

func (s *FileStore) Subscribe(ctx context.Context) (records.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub, err := s.hub.subscribe()
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.watcher.Close()
	<-s.done
	s.hub.close()
	return err
}

func (s *FileStore) watch() {
	defer close(s.done)
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			s.reload()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("record file watch error", "path", s.path, "error", err)
		}
	}
}

// reload re-reads the file and publishes the difference against memory. Our
// own writes produce an empty difference.
func (s *FileStore) reload() {
	// Read under the lock so the file cannot lag behind our own committed writes.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	state, err := s.readState()
	if err != nil {
		s.logger.Warn("record file reload failed; keeping last good state", "path", s.path, "error", err)
		return
	}
	next := map[int64]records.Record{}
	for _, row := range state.Records {
		if row.ID > 0 {
			next[row.ID] = row
		}
	}
	events := diffRows(s.rows, next)
	s.applyStateLocked(state)
	if len(events) > 0 {
		s.logger.Debug("record file changed externally", "path", s.path, "events", len(events))
	}
	s.hub.publish(events...)
}

func (s *FileStore) readState() (fileStoreState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fileStoreState{}, nil
		}
		return fileStoreState{}, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return fileStoreState{}, nil
	}
	var state fileStoreState
	if err := json.Unmarshal(data, &state); err != nil {
		return fileStoreState{}, err
	}
	return state, nil
}

func (s *FileStore) applyStateLocked(state fileStoreState) {
	s.rows = map[int64]records.Record{}
	maxID := state.NextID
	for _, row := range state.Records {
		if row.ID <= 0 {
			continue
		}
		s.rows[row.ID] = row
		if row.ID > maxID {
			maxID = row.ID
		}
	}
	s.nextID = maxID
}

func (s *FileStore) saveLocked() error {
	state := fileStoreState{
		NextID:  s.nextID,
		Records: sortedRows(s.rows),
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.path, data, 0o644)
}

// diffRows returns the events turning prev into next, ordered by id.
func diffRows(prev, next map[int64]records.Record) []records.ChangeEvent {
	ids := make([]int64, 0, len(prev)+len(next))
	seen := map[int64]struct{}{}
	for id := range prev {
		ids = append(ids, id)
		seen[id] = struct{}{}
	}
	for id := range next {
		if _, ok := seen[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	events := make([]records.ChangeEvent, 0)
	for _, id := range ids {
		before, hadBefore := prev[id]
		after, hasAfter := next[id]
		switch {
		case !hadBefore && hasAfter:
			events = append(events, records.CreatedEvent(after))
		case hadBefore && !hasAfter:
			events = append(events, records.DeletedEvent(id))
		case before != after:
			events = append(events, records.UpdatedEvent(after))
		}
	}
	return events
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
