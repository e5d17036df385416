package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/schoolsync/internal/reconcile"
	"github.com/agentworkforce/schoolsync/internal/records"
	"github.com/agentworkforce/schoolsync/internal/recordstore"
)

type request struct {
	method  string
	path    string
	headers map[string]string
	body    any
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	var bodyBytes []byte
	switch body := r.body.(type) {
	case nil:
	case []byte:
		bodyBytes = body
	default:
		data, err := json.Marshal(body)
		require.NoError(t, err)
		bodyBytes = data
	}
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(bodyBytes))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

type errorBody struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlationId"`
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body), rec.Body.String())
	return body
}

func newTestEngine(t *testing.T, store records.Store, rows ...records.Record) *reconcile.Engine {
	t.Helper()
	if mem, ok := store.(*recordstore.MemoryStore); ok {
		mem.Seed(rows...)
	}
	engine := reconcile.New(store, reconcile.Options{})
	require.NoError(t, engine.Refresh(context.Background()))
	t.Cleanup(func() {
		engine.Shutdown()
		_ = store.Close()
	})
	return engine
}

// failingStore rejects every mutation.
type failingStore struct {
	*recordstore.MemoryStore
	err error
}

func (s failingStore) Insert(context.Context, records.Fields) ([]records.Record, error) {
	return nil, s.err
}

func (s failingStore) Update(context.Context, int64, records.Fields) ([]records.Record, error) {
	return nil, s.err
}

func (s failingStore) Delete(context.Context, int64) error {
	return s.err
}

func TestHealthAndNotFound(t *testing.T) {
	server := NewServer(newTestEngine(t, recordstore.NewMemoryStore(recordstore.Options{})))

	resp := doRequest(t, server, request{method: http.MethodGet, path: "/health"})
	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"status":"ok","state":"live"}`, resp.Body.String())

	resp = doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/students",
		headers: map[string]string{"X-Correlation-Id": "corr_404"},
	})
	require.Equal(t, http.StatusNotFound, resp.Code)
	body := decodeError(t, resp)
	assert.Equal(t, "not_found", body.Code)
	assert.Equal(t, "corr_404", body.CorrelationID)
	assert.Equal(t, "corr_404", resp.Header().Get("X-Correlation-Id"))
}

func TestCorrelationIDGeneratedWhenMissing(t *testing.T) {
	server := NewServer(newTestEngine(t, recordstore.NewMemoryStore(recordstore.Options{})))

	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/schools"})
	require.Equal(t, http.StatusOK, resp.Code)
	assert.NotEmpty(t, resp.Header().Get("X-Correlation-Id"))
}

func TestSchoolLifecycle(t *testing.T) {
	store := recordstore.NewMemoryStore(recordstore.Options{})
	engine := newTestEngine(t, store, records.Record{ID: 3, Name: "Escuela 3"})
	server := NewServer(engine)

	list := doRequest(t, server, request{method: http.MethodGet, path: "/v1/schools"})
	require.Equal(t, http.StatusOK, list.Code)
	var snap reconcile.Snapshot
	require.NoError(t, json.NewDecoder(list.Body).Decode(&snap))
	assert.Equal(t, []records.Record{{ID: 3, Name: "Escuela 3"}}, snap.Records)
	assert.False(t, snap.Loading)

	created := doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/v1/schools",
		body:   map[string]any{"name": "Escuela Nueva", "locality": "Rosario"},
	})
	require.Equal(t, http.StatusCreated, created.Code, created.Body.String())
	var createdBody createResponse
	require.NoError(t, json.NewDecoder(created.Body).Decode(&createdBody))
	require.Len(t, createdBody.Records, 1)
	newID := createdBody.Records[0].ID
	assert.Equal(t, int64(4), newID)
	assert.Equal(t, "Rosario", createdBody.Records[0].Locality)

	updated := doRequest(t, server, request{
		method: http.MethodPatch,
		path:   fmt.Sprintf("/v1/schools/%d", newID),
		body:   map[string]any{"phone": "341-555-0100"},
	})
	require.Equal(t, http.StatusOK, updated.Code, updated.Body.String())
	var row records.Record
	require.NoError(t, json.NewDecoder(updated.Body).Decode(&row))
	assert.Equal(t, "Escuela Nueva", row.Name)
	assert.Equal(t, "341-555-0100", row.Phone)

	deleted := doRequest(t, server, request{method: http.MethodDelete, path: "/v1/schools/3"})
	require.Equal(t, http.StatusNoContent, deleted.Code)

	assert.Equal(t, []records.Record{row}, engine.Records())
}

func TestCreateValidation(t *testing.T) {
	server := NewServer(newTestEngine(t, recordstore.NewMemoryStore(recordstore.Options{})))

	resp := doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/v1/schools",
		body:   map[string]any{"name": "   "},
	})
	require.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Equal(t, "name_required", decodeError(t, resp).Code)

	resp = doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/v1/schools",
		body:   map[string]any{"name": "Escuela", "email": "not-an-email"},
	})
	require.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Equal(t, "invalid_input", decodeError(t, resp).Code)

	resp = doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/v1/schools",
		body:   []byte(`{"name":`),
	})
	require.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Equal(t, "bad_request", decodeError(t, resp).Code)
}

func TestUpdateAndDeleteErrors(t *testing.T) {
	server := NewServer(newTestEngine(t, recordstore.NewMemoryStore(recordstore.Options{}), records.Record{ID: 1, Name: "Uno"}))

	resp := doRequest(t, server, request{
		method: http.MethodPatch,
		path:   "/v1/schools/99",
		body:   map[string]any{"name": "Nadie"},
	})
	require.Equal(t, http.StatusNotFound, resp.Code)
	assert.Equal(t, "not_found", decodeError(t, resp).Code)

	resp = doRequest(t, server, request{method: http.MethodDelete, path: "/v1/schools/abc"})
	require.Equal(t, http.StatusBadRequest, resp.Code)

	resp = doRequest(t, server, request{
		method: http.MethodPatch,
		path:   "/v1/schools/1",
		body:   map[string]any{"name": ""},
	})
	require.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Equal(t, "name_required", decodeError(t, resp).Code)
}

func TestMutationFailureIsBadGateway(t *testing.T) {
	store := failingStore{MemoryStore: recordstore.NewMemoryStore(recordstore.Options{}), err: errors.New("backend unavailable")}
	store.Seed(records.Record{ID: 1, Name: "Uno"})
	engine := newTestEngine(t, store)
	server := NewServer(engine)

	resp := doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/v1/schools",
		body:   map[string]any{"name": "Dos"},
	})
	require.Equal(t, http.StatusBadGateway, resp.Code)
	body := decodeError(t, resp)
	assert.Equal(t, "mutation_failed", body.Code)
	assert.Contains(t, body.Message, "backend unavailable")

	resp = doRequest(t, server, request{method: http.MethodDelete, path: "/v1/schools/1"})
	require.Equal(t, http.StatusBadGateway, resp.Code)
	assert.Equal(t, []records.Record{{ID: 1, Name: "Uno"}}, engine.Records())
}

func TestRefreshEndpoint(t *testing.T) {
	store := recordstore.NewMemoryStore(recordstore.Options{})
	engine := newTestEngine(t, store)
	server := NewServer(engine)

	store.Seed(records.Record{ID: 2, Name: "Dos"}, records.Record{ID: 1, Name: "Uno"})
	resp := doRequest(t, server, request{method: http.MethodPost, path: "/v1/schools/refresh"})
	require.Equal(t, http.StatusOK, resp.Code)
	var snap reconcile.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, []records.Record{{ID: 1, Name: "Uno"}, {ID: 2, Name: "Dos"}}, snap.Records)

	engine.Shutdown()
	resp = doRequest(t, server, request{method: http.MethodPost, path: "/v1/schools/refresh"})
	require.Equal(t, http.StatusServiceUnavailable, resp.Code)
	assert.Equal(t, "shut_down", decodeError(t, resp).Code)
}

func TestDraftEndpoints(t *testing.T) {
	engine := newTestEngine(t, recordstore.NewMemoryStore(recordstore.Options{}))
	server := NewServer(engine)

	resp := doRequest(t, server, request{method: http.MethodPost, path: "/v1/draft/submit"})
	require.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Equal(t, "name_required", decodeError(t, resp).Code)

	resp = doRequest(t, server, request{method: http.MethodPut, path: "/v1/draft", body: map[string]any{"name": "Escuela Borrador"}})
	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"name":"Escuela Borrador"}`, resp.Body.String())

	resp = doRequest(t, server, request{method: http.MethodGet, path: "/v1/draft"})
	assert.JSONEq(t, `{"name":"Escuela Borrador"}`, resp.Body.String())

	resp = doRequest(t, server, request{method: http.MethodPost, path: "/v1/draft/submit"})
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	assert.Equal(t, "", engine.Draft())
	require.Len(t, engine.Records(), 1)
	assert.Equal(t, "Escuela Borrador", engine.Records()[0].Name)
}

func TestMaxBodyBytes(t *testing.T) {
	server := NewServerWithConfig(newTestEngine(t, recordstore.NewMemoryStore(recordstore.Options{})), ServerConfig{MaxBodyBytes: 16})

	resp := doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/v1/schools",
		body:   map[string]any{"name": strings.Repeat("x", 64)},
	})
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.Code)
	assert.Equal(t, "payload_too_large", decodeError(t, resp).Code)
}

func TestRateLimitingAppliesToMutations(t *testing.T) {
	server := NewServerWithConfig(newTestEngine(t, recordstore.NewMemoryStore(recordstore.Options{})), ServerConfig{
		RateLimitMax:    2,
		RateLimitWindow: time.Minute,
	})

	for i := 0; i < 2; i++ {
		resp := doRequest(t, server, request{
			method: http.MethodPost,
			path:   "/v1/schools",
			body:   map[string]any{"name": fmt.Sprintf("Escuela %d", i)},
		})
		require.Equal(t, http.StatusCreated, resp.Code, "request %d", i)
	}

	denied := doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/v1/schools",
		body:   map[string]any{"name": "Escuela 3"},
	})
	require.Equal(t, http.StatusTooManyRequests, denied.Code)
	assert.Equal(t, "60", denied.Header().Get("Retry-After"))

	// Reads are never limited.
	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/schools"})
	assert.Equal(t, http.StatusOK, resp.Code)

	// Another client has its own window.
	resp = doRequest(t, server, request{
		method:  http.MethodPut,
		path:    "/v1/draft",
		headers: map[string]string{"X-Forwarded-For": "203.0.113.9, 10.0.0.1"},
		body:    map[string]any{"name": "x"},
	})
	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	store := recordstore.NewMemoryStore(recordstore.Options{})
	store.Seed(records.Record{ID: 1, Name: "Uno"})
	engine := reconcile.New(store, reconcile.Options{Metrics: reconcile.NewMetrics(reg)})
	t.Cleanup(func() {
		engine.Shutdown()
		_ = store.Close()
	})
	require.NoError(t, engine.Refresh(context.Background()))
	server := NewServerWithConfig(engine, ServerConfig{Registry: reg})

	doRequest(t, server, request{method: http.MethodGet, path: "/v1/schools"})
	resp := doRequest(t, server, request{method: http.MethodGet, path: "/metrics"})
	require.Equal(t, http.StatusOK, resp.Code)
	text := resp.Body.String()
	assert.Contains(t, text, `schoolsync_http_requests_total{route="list",status="200"} 1`)
	assert.Contains(t, text, "schoolsync_engine_records 1")
}

func TestSnapshotStream(t *testing.T) {
	store := recordstore.NewMemoryStore(recordstore.Options{})
	engine := newTestEngine(t, store, records.Record{ID: 1, Name: "Uno"})
	ts := httptest.NewServer(NewServer(engine))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/v1/schools/stream", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	var snap reconcile.Snapshot
	require.NoError(t, wsjson.Read(ctx, conn, &snap))
	assert.Equal(t, []records.Record{{ID: 1, Name: "Uno"}}, snap.Records)
	assert.Equal(t, reconcile.Live, snap.State)

	_, err = engine.CreateRecord(ctx, records.Fields{Name: records.String("Dos")})
	require.NoError(t, err)

	// Intermediate snapshots may be coalesced; read until the new row shows up.
	for len(snap.Records) != 2 {
		require.NoError(t, wsjson.Read(ctx, conn, &snap))
	}
	assert.Equal(t, "Dos", snap.Records[1].Name)

	engine.Shutdown()
	for snap.State != reconcile.ShutDown {
		require.NoError(t, wsjson.Read(ctx, conn, &snap))
	}
	assert.Empty(t, snap.Records)
	_, _, err = conn.Read(ctx)
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))
}
