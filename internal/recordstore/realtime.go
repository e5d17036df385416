package recordstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/schoolsync/internal/records"
)

const (
	phxJoin            = "phx_join"
	phxLeave           = "phx_leave"
	phxReply           = "phx_reply"
	phxError           = "phx_error"
	phxClose           = "phx_close"
	phxHeartbeat       = "heartbeat"
	phxPostgresChanges = "postgres_changes"
	phxSystemTopic     = "phoenix"
	realtimeReadLimit  = 1 << 20
	realtimeDialWait   = 10 * time.Second
)

// phoenixMessage is the JSON frame of the realtime channel protocol.
type phoenixMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     *string         `json:"ref"`
	JoinRef *string         `json:"join_ref,omitempty"`
}

type realtimeConfig struct {
	url             string
	apiKey          string
	schema          string
	table           string
	buffer          int
	heartbeat       time.Duration
	eventsPerSecond float64
	logger          *slog.Logger
	// redials bounds consecutive reconnect attempts after the socket drops.
	redials int
	backoff func(attempt int) time.Duration
}

// realtimeFeed is a records.Subscription backed by a websocket joined to the
// "realtime:<schema>:<table>" topic with a postgres_changes filter on all events.
// A dropped socket or a phx_error/phx_close is redialed and rejoined; the feed
// ends once every attempt in a row has failed.
type realtimeFeed struct {
	cfg       realtimeConfig
	topic     string
	heartbeat time.Duration
	limiter   *rate.Limiter
	logger    *slog.Logger
	events    chan records.ChangeEvent

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	conn    *websocket.Conn
	joinRef string
	closing bool
	err     error
}

func dialRealtime(ctx context.Context, cfg realtimeConfig) (*realtimeFeed, error) {
	eps := cfg.eventsPerSecond
	if eps <= 0 {
		eps = defaultEventsPerSecond
	}
	topic := fmt.Sprintf("realtime:%s:%s", cfg.schema, cfg.table)
	feed := &realtimeFeed{
		cfg:       cfg,
		topic:     topic,
		heartbeat: cfg.heartbeat,
		limiter:   rate.NewLimiter(rate.Limit(eps), 1),
		logger:    cfg.logger.With("topic", topic),
		events:    make(chan records.ChangeEvent, cfg.buffer),
		done:      make(chan struct{}),
	}
	conn, joinRef, err := feed.connect(ctx)
	if err != nil {
		return nil, err
	}
	feed.conn, feed.joinRef = conn, joinRef
	runCtx, cancel := context.WithCancel(context.Background())
	feed.cancel = cancel
	go feed.run(runCtx, conn, joinRef)
	return feed, nil
}

func (f *realtimeFeed) Events() <-chan records.ChangeEvent {
	return f.events
}

func (f *realtimeFeed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *realtimeFeed) Close() error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closing = true
		conn, joinRef := f.conn, f.joinRef
		f.mu.Unlock()

		if conn != nil {
			leaveCtx, cancelLeave := context.WithTimeout(context.Background(), time.Second)
			_ = f.send(leaveCtx, conn, joinRef, f.topic, phxLeave, struct{}{}, uuid.NewString())
			cancelLeave()

			if err := conn.Close(websocket.StatusNormalClosure, ""); err != nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				f.logger.Debug("realtime close handshake incomplete", "error", err)
			}
		}
		f.cancel()
		<-f.done
	})
	return nil
}

// connect dials the socket and joins the topic under a fresh join ref.
func (f *realtimeFeed) connect(ctx context.Context) (*websocket.Conn, string, error) {
	conn, _, err := websocket.Dial(ctx, f.cfg.url, nil)
	if err != nil {
		return nil, "", err
	}
	conn.SetReadLimit(realtimeReadLimit)
	joinRef := uuid.NewString()
	if err := f.join(ctx, conn, joinRef); err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, "join failed")
		return nil, "", err
	}
	return conn, joinRef, nil
}

func (f *realtimeFeed) join(ctx context.Context, conn *websocket.Conn, joinRef string) error {
	payload := map[string]any{
		"config": map[string]any{
			"broadcast": map[string]any{"self": false},
			"presence":  map[string]any{"key": ""},
			"postgres_changes": []map[string]string{
				{"event": "*", "schema": f.cfg.schema, "table": f.cfg.table},
			},
		},
	}
	if f.cfg.apiKey != "" {
		payload["access_token"] = f.cfg.apiKey
	}
	if err := f.send(ctx, conn, joinRef, f.topic, phxJoin, payload, joinRef); err != nil {
		return err
	}
	for {
		var msg phoenixMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return err
		}
		if msg.Event != phxReply || msg.Ref == nil || *msg.Ref != joinRef {
			continue
		}
		var reply struct {
			Status   string          `json:"status"`
			Response json.RawMessage `json:"response"`
		}
		if err := json.Unmarshal(msg.Payload, &reply); err != nil {
			return err
		}
		if reply.Status != "ok" {
			return fmt.Errorf("join %s rejected: %s %s", f.topic, reply.Status, string(reply.Response))
		}
		return nil
	}
}

func (f *realtimeFeed) send(ctx context.Context, conn *websocket.Conn, joinRef, topic, event string, payload any, ref string) error {
	if err := f.limiter.Wait(ctx); err != nil {
		return err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	msg := phoenixMessage{
		Topic:   topic,
		Event:   event,
		Payload: raw,
		Ref:     &ref,
	}
	if topic == f.topic {
		msg.JoinRef = &joinRef
	}
	return wsjson.Write(ctx, conn, msg)
}

func (f *realtimeFeed) run(ctx context.Context, conn *websocket.Conn, joinRef string) {
	defer close(f.done)
	defer close(f.events)
	for {
		err := f.session(ctx, conn, joinRef)
		if ctx.Err() != nil || f.isClosing() {
			return
		}
		_ = conn.Close(websocket.StatusGoingAway, "reconnecting")
		f.logger.Warn("realtime connection lost", "error", err)

		conn, joinRef, err = f.redial(ctx)
		if err != nil {
			if ctx.Err() == nil {
				f.fail(err)
			}
			return
		}
		f.logger.Info("realtime channel rejoined")
	}
}

// session reads one connection until it fails or the channel is closed by the
// server, keeping it alive with heartbeats.
func (f *realtimeFeed) session(ctx context.Context, conn *websocket.Conn, joinRef string) error {
	sessionCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		f.heartbeatLoop(sessionCtx, conn, joinRef)
	}()
	defer wg.Wait()
	defer cancel()

	for {
		var msg phoenixMessage
		if err := wsjson.Read(sessionCtx, conn, &msg); err != nil {
			return err
		}
		if msg.Topic != f.topic {
			continue
		}
		switch msg.Event {
		case phxPostgresChanges:
			var payload struct {
				Data json.RawMessage `json:"data"`
			}
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				f.logger.Warn("dropping undecodable realtime payload", "error", err)
				continue
			}
			event, err := records.DecodeChangeEvent(payload.Data)
			if err != nil {
				f.logger.Warn("dropping malformed change event", "error", err)
				continue
			}
			select {
			case f.events <- event:
			case <-sessionCtx.Done():
				return sessionCtx.Err()
			}
		case phxError, phxClose:
			return fmt.Errorf("realtime channel %s: %s", f.topic, msg.Event)
		default:
			f.logger.Debug("ignoring realtime message", "event", msg.Event)
		}
	}
}

func (f *realtimeFeed) redial(ctx context.Context) (*websocket.Conn, string, error) {
	attempts := f.cfg.redials
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if f.cfg.backoff != nil {
			if err := waitWithContext(ctx, f.cfg.backoff(attempt)); err != nil {
				return nil, "", err
			}
		}
		dialCtx, cancel := context.WithTimeout(ctx, realtimeDialWait)
		conn, joinRef, err := f.connect(dialCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil, "", ctx.Err()
			}
			lastErr = err
			f.logger.Warn("realtime rejoin failed", "attempt", attempt, "error", err)
			continue
		}
		f.mu.Lock()
		if f.closing {
			f.mu.Unlock()
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return nil, "", context.Canceled
		}
		f.conn, f.joinRef = conn, joinRef
		f.mu.Unlock()
		return conn, joinRef, nil
	}
	return nil, "", fmt.Errorf("realtime channel %s: rejoin failed after %d attempts: %w", f.topic, attempts, lastErr)
}

func (f *realtimeFeed) heartbeatLoop(ctx context.Context, conn *websocket.Conn, joinRef string) {
	ticker := time.NewTicker(f.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.send(ctx, conn, joinRef, phxSystemTopic, phxHeartbeat, struct{}{}, uuid.NewString()); err != nil {
				if ctx.Err() == nil {
					f.logger.Warn("realtime heartbeat failed", "error", err)
				}
				return
			}
		}
	}
}

func (f *realtimeFeed) isClosing() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closing
}

// fail records why the feed ended unless the end was requested through Close.
func (f *realtimeFeed) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closing || f.err != nil {
		return
	}
	f.err = err
}
