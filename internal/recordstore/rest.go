package recordstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/agentworkforce/schoolsync/internal/records"
)

// HTTPError is a non-2xx response from the REST backend.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// RESTStore speaks the PostgREST dialect used by hosted postgres services:
// /rest/v1/<table> with eq filters, order parameters and
// "Prefer: return=representation" echoes. Its change feed is the realtime
// websocket served by the same host.
type RESTStore struct {
	baseURL    string
	apiKey     string
	table      string
	schema     string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration

	feedBuffer      int
	heartbeat       time.Duration
	eventsPerSecond float64
	feedRedials     int
}

func NewRESTStore(baseURL string, opts Options) (*RESTStore, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, records.ErrInvalidInput
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("%w: rest base url must be http or https", records.ErrInvalidInput)
	}
	opts = opts.withDefaults()
	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		burst := int(opts.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return &RESTStore{
		baseURL:         baseURL,
		apiKey:          strings.TrimSpace(opts.APIKey),
		table:           opts.Table,
		schema:          opts.Schema,
		httpClient:      opts.HTTPClient,
		limiter:         limiter,
		logger:          opts.Logger,
		maxRetries:      3,
		baseDelay:       100 * time.Millisecond,
		maxDelay:        2 * time.Second,
		feedBuffer:      opts.FeedBuffer,
		heartbeat:       opts.Heartbeat,
		eventsPerSecond: opts.EventsPerSecond,
		feedRedials:     5,
	}, nil
}

func (s *RESTStore) Select(ctx context.Context) ([]records.Record, error) {
	q := url.Values{}
	q.Set("select", "*")
	q.Set("order", "id.asc")
	var out []records.Record
	err := s.doJSON(ctx, http.MethodGet, s.tablePath(q), nil, nil, &out)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []records.Record{}
	}
	return out, nil
}

func (s *RESTStore) Lookup(ctx context.Context, id int64) (records.Record, bool, error) {
	q := url.Values{}
	q.Set("select", "*")
	q.Set("id", eqFilter(id))
	var out []records.Record
	if err := s.doJSON(ctx, http.MethodGet, s.tablePath(q), nil, nil, &out); err != nil {
		return records.Record{}, false, err
	}
	if len(out) == 0 {
		return records.Record{}, false, nil
	}
	return out[0], true, nil
}

func (s *RESTStore) Insert(ctx context.Context, fields records.Fields) ([]records.Record, error) {
	if fields.NameValue() == "" {
		return nil, records.ErrNameRequired
	}
	q := url.Values{}
	q.Set("select", "*")
	headers := map[string]string{"Prefer": "return=representation"}
	var out []records.Record
	if err := s.doJSON(ctx, http.MethodPost, s.tablePath(q), headers, fields, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *RESTStore) Update(ctx context.Context, id int64, patch records.Fields) ([]records.Record, error) {
	q := url.Values{}
	q.Set("select", "*")
	q.Set("id", eqFilter(id))
	headers := map[string]string{"Prefer": "return=representation"}
	var out []records.Record
	if err := s.doJSON(ctx, http.MethodPatch, s.tablePath(q), headers, patch, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *RESTStore) Delete(ctx context.Context, id int64) error {
	q := url.Values{}
	q.Set("id", eqFilter(id))
	return s.doJSON(ctx, http.MethodDelete, s.tablePath(q), nil, nil, nil)
}

func (s *RESTStore) Subscribe(ctx context.Context) (records.Subscription, error) {
	feed, err := dialRealtime(ctx, realtimeConfig{
		url:             s.realtimeURL(),
		apiKey:          s.apiKey,
		schema:          s.schema,
		table:           s.table,
		buffer:          s.feedBuffer,
		heartbeat:       s.heartbeat,
		eventsPerSecond: s.eventsPerSecond,
		logger:          s.logger,
		redials:         s.feedRedials,
		backoff: func(attempt int) time.Duration {
			return s.retryDelay(attempt, "")
		},
	})
	if err != nil {
		return nil, err
	}
	return feed, nil
}

func (s *RESTStore) Close() error {
	s.httpClient.CloseIdleConnections()
	return nil
}

func (s *RESTStore) tablePath(q url.Values) string {
	return fmt.Sprintf("/rest/v1/%s?%s", url.PathEscape(s.table), q.Encode())
}

func (s *RESTStore) realtimeURL() string {
	wsURL := s.baseURL
	switch {
	case strings.HasPrefix(wsURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	case strings.HasPrefix(wsURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	}
	q := url.Values{}
	if s.apiKey != "" {
		q.Set("apikey", s.apiKey)
	}
	q.Set("vsn", "1.0.0")
	return wsURL + "/realtime/v1/websocket?" + q.Encode()
}

func eqFilter(id int64) string {
	return "eq." + strconv.FormatInt(id, 10)
}

func (s *RESTStore) doJSON(
	ctx context.Context,
	method, requestPath string,
	headers map[string]string,
	body any,
	out any,
) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, s.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if s.apiKey != "" {
			req.Header.Set("apikey", s.apiKey)
			req.Header.Set("Authorization", "Bearer "+s.apiKey)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Correlation-Id", uuid.NewString())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for key, value := range headers {
			req.Header.Set(key, value)
		}

		resp, err := s.httpClient.Do(req)
		if err != nil {
			if attempt < s.maxRetries && method != http.MethodPost {
				if waitErr := waitWithContext(ctx, s.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(bytes.TrimSpace(payloadBytes)) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		// POST is never replayed after a server error.
		retryable := resp.StatusCode == http.StatusTooManyRequests ||
			(resp.StatusCode >= 500 && resp.StatusCode <= 599 && method != http.MethodPost)
		if retryable && attempt < s.maxRetries {
			s.logger.Debug("retrying rest request", "method", method, "status", resp.StatusCode, "attempt", attempt+1)
			if waitErr := waitWithContext(ctx, s.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (s *RESTStore) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := s.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := s.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
