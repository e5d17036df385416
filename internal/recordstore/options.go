package recordstore

import (
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTable            = "escuela"
	defaultSchema           = "public"
	defaultOperationTimeout = 5 * time.Second
	defaultEventsPerSecond  = 2
)

// Options configures every store implementation. Fields that do not apply to a
// backend are ignored.
type Options struct {
	// Table is the record table; defaults to "escuela".
	Table string
	// Schema is the database schema used by the realtime feed; defaults to "public".
	Schema string
	// FeedBuffer bounds each in-process subscription.
	FeedBuffer int
	// OperationTimeout bounds each SQL statement.
	OperationTimeout time.Duration
	Logger           *slog.Logger

	// APIKey authenticates REST and realtime requests.
	APIKey     string
	HTTPClient *http.Client
	// RequestsPerSecond throttles REST requests; zero disables throttling.
	RequestsPerSecond float64
	// EventsPerSecond throttles realtime client messages.
	EventsPerSecond float64
	// Heartbeat is the realtime keepalive interval.
	Heartbeat time.Duration
}

func (o Options) withDefaults() Options {
	o.Table = strings.TrimSpace(o.Table)
	if o.Table == "" {
		o.Table = defaultTable
	}
	o.Schema = strings.TrimSpace(o.Schema)
	if o.Schema == "" {
		o.Schema = defaultSchema
	}
	if o.FeedBuffer <= 0 {
		o.FeedBuffer = defaultFeedBuffer
	}
	if o.OperationTimeout <= 0 {
		o.OperationTimeout = defaultOperationTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if o.RequestsPerSecond < 0 {
		o.RequestsPerSecond = 0
	}
	if o.EventsPerSecond <= 0 {
		o.EventsPerSecond = defaultEventsPerSecond
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = 25 * time.Second
	}
	return o
}
