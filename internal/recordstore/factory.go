package recordstore

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/agentworkforce/schoolsync/internal/records"
)

var ErrNotImplemented = errors.New("not implemented")

// OpenFromDSN builds a store from a DSN. The scheme selects the backend:
//
//	memory://                    in-process rows
//	file:///path/records.json    JSON file, external edits become events
//	sqlite:///path/records.db    local SQLite database
//	postgres://user@host/db      postgres with LISTEN/NOTIFY feed
//	https://host, supabase://host REST + realtime websocket
//
// A table query parameter overrides Options.Table and a key parameter
// overrides Options.APIKey.
func OpenFromDSN(dsn string, opts Options) (records.Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, records.ErrNotConfigured
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if table := strings.TrimSpace(parsed.Query().Get("table")); table != "" {
		opts.Table = table
	}
	if key := strings.TrimSpace(parsed.Query().Get("key")); key != "" {
		opts.APIKey = key
	}
	if factory, ok := lookupStoreFactory(scheme); ok {
		return factory(dsn, opts)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return asStore(NewFileStore(path, opts))
	case "memory", "mem", "inmem":
		return NewMemoryStore(opts), nil
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return asStore(NewSQLiteStore(path, opts))
	case "postgres", "postgresql":
		// lib/pq forwards unknown parameters to the server as settings.
		return asStore(NewPostgresStore(stripParams(parsed, "table", "key"), opts))
	case "http", "https":
		return asStore(NewRESTStore(baseURL(parsed, scheme), opts))
	case "supabase":
		return asStore(NewRESTStore(baseURL(parsed, "https"), opts))
	case "mysql":
		return nil, fmt.Errorf("%w: record store %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported record store scheme: %s", scheme)
	}
}

// asStore keeps a failed constructor's nil pointer from becoming a non-nil
// records.Store.
func asStore[S records.Store](store S, err error) (records.Store, error) {
	if err != nil {
		return nil, err
	}
	return store, nil
}

func baseURL(parsed *url.URL, scheme string) string {
	out := url.URL{
		Scheme: scheme,
		Host:   parsed.Host,
		Path:   strings.TrimRight(parsed.Path, "/"),
	}
	return out.String()
}

func stripParams(parsed *url.URL, names ...string) string {
	clone := *parsed
	q := clone.Query()
	for _, name := range names {
		q.Del(name)
	}
	clone.RawQuery = q.Encode()
	return clone.String()
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", records.ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", records.ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if host := strings.TrimSpace(parsed.Host); host != "" && path != "" {
		// file://data/schools.json names a relative path.
		path = host + path
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", records.ErrInvalidInput
	}
	return path, nil
}
