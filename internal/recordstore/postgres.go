package recordstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/agentworkforce/schoolsync/internal/records"
)

const (
	postgresListenerMinReconnect = 100 * time.Millisecond
	postgresListenerMaxReconnect = 10 * time.Second
)

// PostgresStore talks to a postgres table and streams changes through
// LISTEN/NOTIFY. A row trigger installed on first use publishes each change as
// a JSON change event on the "<table>_changes" channel. Notifications carry
// only the row id, since NOTIFY payloads are capped at 8000 bytes; the
// subscription reads the row back before delivering an insert or update.
type PostgresStore struct {
	dsn     string
	table   sqlTable
	channel string
	timeout time.Duration
	buffer  int
	logger  *slog.Logger
	openDB  sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string, opts Options) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, records.ErrInvalidInput
	}
	opts = opts.withDefaults()
	return &PostgresStore{
		dsn:     dsn,
		table:   sqlTable{name: opts.Table, placeholder: postgresPlaceholder},
		channel: opts.Table + "_changes",
		timeout: opts.OperationTimeout,
		buffer:  opts.FeedBuffer,
		logger:  opts.Logger,
		openDB:  sql.Open,
	}, nil
}

func (s *PostgresStore) Select(ctx context.Context) ([]records.Record, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return queryRecords(ctx, s.db, s.table.selectAllQuery())
}

func (s *PostgresStore) Lookup(ctx context.Context, id int64) (records.Record, bool, error) {
	if err := s.ensureReady(); err != nil {
		return records.Record{}, false, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return lookupRecord(ctx, s.db, s.table, id)
}

func (s *PostgresStore) Insert(ctx context.Context, fields records.Fields) ([]records.Record, error) {
	if fields.NameValue() == "" {
		return nil, records.ErrNameRequired
	}
	query, args, err := s.table.insertQuery(fields)
	if err != nil {
		return nil, err
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return queryRecords(ctx, s.db, query, args...)
}

func (s *PostgresStore) Update(ctx context.Context, id int64, patch records.Fields) ([]records.Record, error) {
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
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return queryRecords(ctx, s.db, query, args...)
}

func (s *PostgresStore) Delete(ctx context.Context, id int64) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx, s.table.deleteQuery(), id)
	return err
}

// Subscribe opens a dedicated LISTEN connection. Reconnects are handled by
// pq.Listener; notifications lost while disconnected are not replayed.
func (s *PostgresStore) Subscribe(ctx context.Context) (records.Subscription, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	logger := s.logger.With("channel", s.channel)
	listener := pq.NewListener(s.dsn, postgresListenerMinReconnect, postgresListenerMaxReconnect, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventDisconnected:
			logger.Warn("postgres listener disconnected", "error", err)
		case pq.ListenerEventReconnected:
			logger.Info("postgres listener reconnected")
		case pq.ListenerEventConnectionAttemptFailed:
			logger.Warn("postgres listener connection attempt failed", "error", err)
		}
	})
	if err := listener.Listen(s.channel); err != nil {
		_ = listener.Close()
		return nil, err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	sub := &postgresSubscription{
		listener: listener,
		lookup:   s.Lookup,
		events:   make(chan records.ChangeEvent, s.buffer),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		cancel:   cancel,
		logger:   logger,
	}
	go sub.run(runCtx)
	return sub, nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) ensureReady() error {
	if s == nil {
		return records.ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()

		for _, stmt := range s.schemaStatements() {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				s.initErr = err
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresStore) schemaStatements() []string {
	table := s.table.quoted()
	function := quoteIdentifier(s.table.name + "_notify")
	trigger := quoteIdentifier(s.table.name + "_notify_trigger")
	return []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				name TEXT NOT NULL,
				address TEXT,
				locality TEXT,
				phone TEXT,
				email TEXT,
				founded_on TEXT
			)`, table),
		fmt.Sprintf(`
			CREATE OR REPLACE FUNCTION %s() RETURNS trigger AS $$
			BEGIN
				PERFORM pg_notify(%s, json_build_object(
					'type', TG_OP,
					'schema', TG_TABLE_SCHEMA,
					'table', TG_TABLE_NAME,
					'record', CASE WHEN TG_OP = 'DELETE' THEN NULL ELSE json_build_object('id', NEW.id) END,
					'old_record', CASE WHEN TG_OP = 'INSERT' THEN NULL ELSE json_build_object('id', OLD.id) END
				)::text);
				RETURN NULL;
			END;
			$$ LANGUAGE plpgsql`, function, pq.QuoteLiteral(s.channel)),
		fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s", trigger, table),
		fmt.Sprintf(`
			CREATE TRIGGER %s
			AFTER INSERT OR UPDATE OR DELETE ON %s
			FOR EACH ROW EXECUTE FUNCTION %s()`, trigger, table, function),
	}
}

type postgresSubscription struct {
	listener *pq.Listener
	lookup   func(ctx context.Context, id int64) (records.Record, bool, error)
	events   chan records.ChangeEvent
	stop     chan struct{}
	done     chan struct{}
	cancel   context.CancelFunc
	logger   *slog.Logger

	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

func (s *postgresSubscription) Events() <-chan records.ChangeEvent {
	return s.events
}

func (s *postgresSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *postgresSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		s.cancel()
		err = s.listener.Close()
		<-s.done
	})
	return err
}

func (s *postgresSubscription) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.events)
	for {
		select {
		case <-s.stop:
			return
		case n, ok := <-s.listener.Notify:
			if !ok {
				select {
				case <-s.stop:
				default:
					s.fail(ErrStoreClosed)
				}
				return
			}
			if n == nil {
				// pq sends nil after a reconnect.
				s.logger.Warn("postgres listener resumed; notifications may have been missed")
				continue
			}
			event, ok, err := s.resolve(ctx, []byte(n.Extra))
			if err != nil {
				select {
				case <-s.stop:
				default:
					s.fail(err)
				}
				return
			}
			if !ok {
				continue
			}
			select {
			case s.events <- event:
			case <-s.stop:
				return
			}
		}
	}
}

// resolve turns a notification into a change event carrying the full row. It
// reports false for payloads that should be skipped: malformed ones, and
// inserts or updates whose row is already gone. The delete that removed the
// row has its own notification. A failed read is returned as an error.
func (s *postgresSubscription) resolve(ctx context.Context, payload []byte) (records.ChangeEvent, bool, error) {
	event, err := records.DecodeChangeEvent(payload)
	if err != nil {
		s.logger.Warn("dropping malformed change notification", "error", err)
		return records.ChangeEvent{}, false, nil
	}
	if event.Kind == records.Deleted {
		return event, true, nil
	}
	row, found, err := s.lookup(ctx, event.Key.ID)
	if err != nil {
		return records.ChangeEvent{}, false, fmt.Errorf("read back row %d: %w", event.Key.ID, err)
	}
	if !found {
		s.logger.Debug("changed row no longer exists", "id", event.Key.ID)
		return records.ChangeEvent{}, false, nil
	}
	event.Record = &row
	return event, true, nil
}

func (s *postgresSubscription) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}
