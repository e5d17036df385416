package reconcile

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/schoolsync/internal/records"
)

// State is the engine lifecycle phase.
type State int

const (
	Uninitialized State = iota
	Loading
	Live
	ShutDown
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Loading:
		return "loading"
	case Live:
		return "live"
	case ShutDown:
		return "shutdown"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for candidate := Uninitialized; candidate <= ShutDown; candidate++ {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown engine state %q", text)
}

// Snapshot is one consistent view of the engine. Records is shared and must
// not be modified.
type Snapshot struct {
	Records []records.Record `json:"records"`
	Loading bool             `json:"loading"`
	State   State            `json:"state"`
}

type Options struct {
	Logger  *slog.Logger
	Metrics *Metrics
}

// Engine owns the ordered record collection and merges refresh results,
// change-feed events and local mutation results into it. Merges are
// serialized; store round-trips run outside the lock.
type Engine struct {
	store   records.Store
	logger  *slog.Logger
	metrics *Metrics

	mu          sync.Mutex
	state       State
	inflight    int
	draft       string
	sub         records.Subscription
	feedDone    chan struct{}
	subscribing bool

	view *Value[Snapshot]
}

func New(store records.Store, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Engine{
		store:   store,
		logger:  logger,
		metrics: opts.Metrics,
		view:    NewValue(Snapshot{Records: []records.Record{}, State: Uninitialized}),
	}
}

// Start refreshes the collection and opens the change feed concurrently. It
// returns once both have settled, with the first failure if any. Failures are
// already logged and leave the engine usable.
func (e *Engine) Start(ctx context.Context) error {
	var g errgroup.Group
	g.Go(func() error { return e.Refresh(ctx) })
	g.Go(func() error { return e.OpenChangeFeed(ctx) })
	return g.Wait()
}

// Refresh replaces the collection with a full fetch. A failed fetch empties
// the collection and returns a *records.FetchError.
func (e *Engine) Refresh(ctx context.Context) error {
	e.mu.Lock()
	if e.state == ShutDown {
		e.mu.Unlock()
		return records.ErrShutdown
	}
	if e.state == Uninitialized {
		e.state = Loading
	}
	e.inflight++
	e.publishLocked(e.itemsLocked())
	e.mu.Unlock()

	started := time.Now()
	rows, err := e.store.Select(ctx)
	e.metrics.observeRefresh(started, err)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.inflight--
	if e.state == ShutDown {
		e.logger.Debug("discarding refresh result after shutdown", "rows", len(rows), "error", err)
		e.publishLocked(e.itemsLocked())
		return records.ErrShutdown
	}
	if e.state == Loading {
		e.state = Live
	}
	if err != nil {
		e.publishLocked([]records.Record{})
		fetchErr := &records.FetchError{Err: err}
		e.logger.Error("refresh failed", "error", err)
		return fetchErr
	}
	items := normalize(rows)
	e.publishLocked(items)
	e.logger.Debug("refresh complete", "records", len(items))
	return nil
}

// OpenChangeFeed subscribes to the store's change feed and applies its events
// in receipt order until the feed ends or the engine shuts down. Calling it
// while a feed is open does nothing.
func (e *Engine) OpenChangeFeed(ctx context.Context) error {
	e.mu.Lock()
	if e.state == ShutDown {
		e.mu.Unlock()
		return records.ErrShutdown
	}
	if e.sub != nil || e.subscribing {
		e.mu.Unlock()
		return nil
	}
	e.subscribing = true
	e.mu.Unlock()

	sub, err := e.store.Subscribe(ctx)

	e.mu.Lock()
	e.subscribing = false
	if err != nil {
		e.mu.Unlock()
		e.metrics.observeFeedError()
		subErr := &records.SubscriptionError{Op: "subscribe", Err: err}
		e.logger.Error("change feed subscribe failed", "error", err)
		return subErr
	}
	if e.state == ShutDown {
		e.mu.Unlock()
		e.closeSubscription(sub)
		return records.ErrShutdown
	}
	done := make(chan struct{})
	e.sub = sub
	e.feedDone = done
	e.mu.Unlock()

	go e.consume(sub, done)
	e.logger.Info("change feed open")
	return nil
}

func (e *Engine) consume(sub records.Subscription, done chan struct{}) {
	defer close(done)
	for event := range sub.Events() {
		_ = e.Apply(event)
	}

	e.mu.Lock()
	owned := e.sub == sub
	if owned {
		e.sub = nil
		e.feedDone = nil
	}
	shutdown := e.state == ShutDown
	e.mu.Unlock()

	if err := sub.Err(); err != nil && !shutdown {
		e.metrics.observeFeedError()
		e.logger.Error("change feed ended", "error", &records.SubscriptionError{Op: "feed", Err: err})
	}
	if owned {
		e.closeSubscription(sub)
	}
}

func (e *Engine) closeSubscription(sub records.Subscription) {
	if err := sub.Close(); err != nil {
		e.logger.Warn("change feed unsubscribe failed", "error", &records.SubscriptionError{Op: "unsubscribe", Err: err})
	}
}

// Apply merges one change event. Created inserts an absent id in sorted
// position, Updated replaces a present id in place and Deleted removes it;
// anything else leaves the collection unchanged.
func (e *Engine) Apply(event records.ChangeEvent) error {
	kind := event.Kind.String()
	if err := event.Validate(); err != nil {
		e.metrics.observeEvent(kind, "invalid")
		e.logger.Warn("dropping invalid change event", "error", err)
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == ShutDown {
		e.metrics.observeEvent(kind, "discarded")
		return records.ErrShutdown
	}
	next, changed := applyEvent(e.itemsLocked(), event)
	if !changed {
		e.metrics.observeEvent(kind, "ignored")
		return nil
	}
	e.metrics.observeEvent(kind, "applied")
	e.publishLocked(next)
	return nil
}

// CreateRecord inserts fields and merges the echoed rows. An empty name is
// rejected with records.ErrNameRequired before any store call.
func (e *Engine) CreateRecord(ctx context.Context, fields records.Fields) ([]records.Record, error) {
	if fields.NameValue() == "" {
		return nil, records.ErrNameRequired
	}
	if err := fields.Validate(); err != nil {
		return nil, err
	}
	if e.isShutdown() {
		return nil, records.ErrShutdown
	}

	rows, err := e.store.Insert(ctx, fields)
	e.metrics.observeMutation("create", err)
	if err != nil {
		mutErr := &records.MutationError{Op: "create", Err: err}
		e.logger.Warn("create failed", "error", err)
		return nil, mutErr
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == ShutDown {
		e.logger.Debug("discarding create result after shutdown", "rows", len(rows))
		return rows, nil
	}
	if len(rows) == 0 {
		e.logger.Warn("insert echoed no rows")
	}
	if next, changed := mergeRecords(e.itemsLocked(), rows); changed {
		e.publishLocked(next)
	}
	e.draft = ""
	return rows, nil
}

// UpdateRecord patches the record with id and replaces it in place. When the
// store echoes nothing the row is looked up by id; a record that no longer
// exists yields records.ErrNotFound inside a *records.MutationError.
func (e *Engine) UpdateRecord(ctx context.Context, id int64, patch records.Fields) (records.Record, error) {
	if id <= 0 {
		return records.Record{}, records.ErrInvalidInput
	}
	if patch.Name != nil && patch.NameValue() == "" {
		return records.Record{}, records.ErrNameRequired
	}
	if err := patch.Validate(); err != nil {
		return records.Record{}, err
	}
	if e.isShutdown() {
		return records.Record{}, records.ErrShutdown
	}

	rows, err := e.store.Update(ctx, id, patch)
	if err == nil && len(rows) == 0 {
		e.logger.Debug("update echoed no rows; looking up record", "id", id)
		var (
			row   records.Record
			found bool
		)
		row, found, err = e.store.Lookup(ctx, id)
		if err == nil && found {
			rows = []records.Record{row}
		}
	}
	if err != nil {
		e.metrics.observeMutation("update", err)
		mutErr := &records.MutationError{Op: "update", ID: id, Err: err}
		e.logger.Warn("update failed", "id", id, "error", err)
		return records.Record{}, mutErr
	}

	var updated *records.Record
	for i := range rows {
		if rows[i].ID == id {
			updated = &rows[i]
			break
		}
	}
	if updated == nil {
		e.metrics.observeMutation("update", records.ErrNotFound)
		e.logger.Info("update matched no record", "id", id)
		return records.Record{}, &records.MutationError{Op: "update", ID: id, Err: records.ErrNotFound}
	}
	e.metrics.observeMutation("update", nil)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == ShutDown {
		e.logger.Debug("discarding update result after shutdown", "id", id)
		return *updated, nil
	}
	if next, changed := replaceRecord(e.itemsLocked(), *updated); changed {
		e.publishLocked(next)
	}
	return *updated, nil
}

// DeleteRecord removes the record with id from the store and the collection.
func (e *Engine) DeleteRecord(ctx context.Context, id int64) error {
	if id <= 0 {
		return records.ErrInvalidInput
	}
	if e.isShutdown() {
		return records.ErrShutdown
	}

	err := e.store.Delete(ctx, id)
	e.metrics.observeMutation("delete", err)
	if err != nil {
		mutErr := &records.MutationError{Op: "delete", ID: id, Err: err}
		e.logger.Warn("delete failed", "id", id, "error", err)
		return mutErr
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == ShutDown {
		e.logger.Debug("discarding delete result after shutdown", "id", id)
		return nil
	}
	if next, changed := removeRecord(e.itemsLocked(), id); changed {
		e.publishLocked(next)
	}
	return nil
}

// SetDraft stores the name of the record being composed.
func (e *Engine) SetDraft(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.draft = name
}

func (e *Engine) Draft() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.draft
}

// SubmitDraft creates a record named after the draft and clears the draft on
// success.
func (e *Engine) SubmitDraft(ctx context.Context) ([]records.Record, error) {
	name := e.Draft()
	return e.CreateRecord(ctx, records.Fields{Name: &name})
}

// Shutdown cancels the change feed and clears the collection. It is safe to
// call more than once; unsubscribe failures are logged.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	if e.state == ShutDown {
		e.mu.Unlock()
		return
	}
	e.state = ShutDown
	sub, done := e.sub, e.feedDone
	e.sub, e.feedDone = nil, nil
	e.draft = ""
	e.publishLocked([]records.Record{})
	e.mu.Unlock()

	if sub != nil {
		e.closeSubscription(sub)
		<-done
	}
	e.logger.Info("engine shut down")
}

// Records returns the current collection, sorted by id.
func (e *Engine) Records() []records.Record {
	return e.view.Load().Records
}

func (e *Engine) Loading() bool {
	return e.view.Load().Loading
}

func (e *Engine) State() State {
	return e.view.Load().State
}

func (e *Engine) Snapshot() Snapshot {
	return e.view.Load()
}

// FeedOpen reports whether a change feed is currently delivering events.
func (e *Engine) FeedOpen() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sub != nil
}

// Watch calls fn with every new snapshot, in order, until cancel is called.
// fn runs while merges are blocked, so it must return quickly and must not
// call the engine's mutating methods.
func (e *Engine) Watch(fn func(Snapshot)) (cancel func()) {
	return e.view.Subscribe(fn)
}

func (e *Engine) isShutdown() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == ShutDown
}

func (e *Engine) itemsLocked() []records.Record {
	return e.view.Load().Records
}

func (e *Engine) publishLocked(items []records.Record) {
	e.metrics.setRecords(len(items))
	e.view.Set(Snapshot{
		Records: items,
		Loading: e.inflight > 0,
		State:   e.state,
	})
}
