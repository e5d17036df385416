package recordstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/agentworkforce/schoolsync/internal/records"
)

// SQLiteStore keeps rows in a local SQLite database. The change feed only sees
// writes made through this store instance.
type SQLiteStore struct {
	db      *sql.DB
	table   sqlTable
	timeout time.Duration
	hub     *feedHub

	// writeMu keeps feed order identical to commit order.
	writeMu sync.Mutex
}

func NewSQLiteStore(path string, opts Options) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, records.ErrInvalidInput
	}
	opts = opts.withDefaults()
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps :memory: databases alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{
		db:      db,
		table:   sqlTable{name: opts.Table, placeholder: sqlitePlaceholder},
		timeout: opts.OperationTimeout,
		hub:     newFeedHub(opts.FeedBuffer),
	}
	if err := s.applySchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) applySchema() error {
	stmts := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				name TEXT NOT NULL,
				address TEXT,
				locality TEXT,
				phone TEXT,
				email TEXT,
				founded_on TEXT
			)`, s.table.quoted()),
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute %q: %w", strings.TrimSpace(stmt), err)
		}
	}
	return nil
}

func (s *SQLiteStore) Select(ctx context.Context) ([]records.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return queryRecords(ctx, s.db, s.table.selectAllQuery())
}

func (s *SQLiteStore) Lookup(ctx context.Context, id int64) (records.Record, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return lookupRecord(ctx, s.db, s.table, id)
}

func (s *SQLiteStore) Insert(ctx context.Context, fields records.Fields) ([]records.Record, error) {
	if fields.NameValue() == "" {
		return nil, records.ErrNameRequired
	}
	query, args, err := s.table.insertQuery(fields)
	if err != nil {
		return nil, err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	rows, err := queryRecords(ctx, s.db, query, args...)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		s.hub.publish(records.CreatedEvent(row))
	}
	return rows, nil
}

func (s *SQLiteStore) Update(ctx context.Context, id int64, patch records.Fields) ([]records.Record, error) {
	if patch.IsEmpty() {
		row, ok, err := s.Lookup(ctx, id)
		if err != nil || !ok {
			return []records.Record{}, err
		}
		return []records.Record{row}, nil
	}
	query, args, err := s.table.updateQuery(id, patch)
	if err != nil {
		return nil, err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	rows, err := queryRecords(ctx, s.db, query, args...)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		s.hub.publish(records.UpdatedEvent(row))
	}
	return rows, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	result, err := s.db.ExecContext(ctx, s.table.deleteQuery(), id)
	if err != nil {
		return err
	}
	if affected, err := result.RowsAffected(); err == nil && affected > 0 {
		s.hub.publish(records.DeletedEvent(id))
	}
	return nil
}

func (s *SQLiteStore) Subscribe(ctx context.Context) (records.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub, err := s.hub.subscribe()
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (s *SQLiteStore) Close() error {
	s.hub.close()
	return s.db.Close()
}
