package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/leafsii/stash/pkg/kv"
	"github.com/leafsii/stash/pkg/stash"
)

// Mock metrics for testing
type MockMetrics struct {
	mock.Mock
}

func (m *MockMetrics) RecordHTTPRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
	m.Called(method, path, status)
}

func createTestServer(t *testing.T, cfg RouterConfig) (*httptest.Server, *stash.Stash) {
	t.Helper()
	s, err := stash.NewDefault(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return createServerFor(t, s, nil, cfg), s
}

func createServerFor(t *testing.T, s *stash.Stash, metrics MetricsInterface, cfg RouterConfig) *httptest.Server {
	t.Helper()
	logger := zap.NewNop().Sugar()
	handler := NewHandler(s, logger)
	srv := httptest.NewServer(handler.Routes(NewMiddleware(logger, metrics), cfg))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestPutGetEntry(t *testing.T) {
	srv, _ := createTestServer(t, RouterConfig{})

	resp := do(t, http.MethodPut, srv.URL+"/v1/kv/user:1", []byte(`{"name":"ada"}`))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	set := decode[SetResponse](t, resp)
	assert.Equal(t, "user:1", set.Key)
	assert.False(t, set.Replaced)
	assert.Nil(t, set.Previous)

	resp = do(t, http.MethodPut, srv.URL+"/v1/kv/user:1", []byte(`{"name":"grace"}`))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	set = decode[SetResponse](t, resp)
	assert.True(t, set.Replaced)
	require.NotNil(t, set.Previous)
	assert.JSONEq(t, `{"name":"ada"}`, string(set.Previous.Value))

	resp = do(t, http.MethodGet, srv.URL+"/v1/kv/user:1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[ValueDTO](t, resp)
	assert.JSONEq(t, `{"name":"grace"}`, string(got.Value))
}

func TestPutEntry_EscapedKey(t *testing.T) {
	srv, s := createTestServer(t, RouterConfig{})

	resp := do(t, http.MethodPut, srv.URL+"/v1/kv/a%2Fb", []byte(`1`))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, ok, err := s.Get(context.Background(), "a/b")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPutEntry_TTL(t *testing.T) {
	srv, s := createTestServer(t, RouterConfig{})

	resp := do(t, http.MethodPut, srv.URL+"/v1/kv/session?ttl=60", []byte(`"abc"`))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	entries, err := s.List(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.NotNil(t, entries[0].ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(time.Minute), *entries[0].ExpiresAt, 5*time.Second)
}

func TestPutEntry_ZeroTTLAndNoTTL(t *testing.T) {
	srv, s := createTestServer(t, RouterConfig{})

	resp := do(t, http.MethodPut, srv.URL+"/v1/kv/otp?ttl=0", []byte(`"123"`))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/v1/kv/otp", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, http.MethodPut, srv.URL+"/v1/kv/otp", []byte(`"456"`))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, decode[SetResponse](t, resp).Replaced)

	entries, err := s.List(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Nil(t, entries[0].ExpiresAt)
}

func TestPutEntry_Rejects(t *testing.T) {
	srv, _ := createTestServer(t, RouterConfig{})

	tests := []struct {
		name   string
		path   string
		body   string
		status int
		code   string
	}{
		{"invalid json", "/v1/kv/k", `{"unterminated"`, http.StatusBadRequest, "SERIALIZATION_ERROR"},
		{"empty body", "/v1/kv/k", ``, http.StatusBadRequest, "SERIALIZATION_ERROR"},
		{"negative ttl", "/v1/kv/k?ttl=-1", `1`, http.StatusBadRequest, "INVALID_TTL"},
		{"fractional ttl", "/v1/kv/k?ttl=1.5", `1`, http.StatusBadRequest, "INVALID_TTL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, http.MethodPut, srv.URL+tt.path, []byte(tt.body))
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.code, decode[ErrorResponse](t, resp).Code)
		})
	}
}

func TestGetEntry_NotFound(t *testing.T) {
	srv, _ := createTestServer(t, RouterConfig{})

	resp := do(t, http.MethodGet, srv.URL+"/v1/kv/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", decode[ErrorResponse](t, resp).Code)
}

func TestListRemoveClear(t *testing.T) {
	srv, s := createTestServer(t, RouterConfig{})
	ctx := context.Background()

	for _, key := range []string{"c", "a", "b", "d"} {
		_, err := s.Set(ctx, key, key)
		require.NoError(t, err)
	}

	resp := do(t, http.MethodGet, srv.URL+"/v1/kv", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[ListResponse](t, resp)
	require.Equal(t, 4, list.Count)
	assert.Equal(t, "a", list.Entries[0].Key)
	assert.Equal(t, "d", list.Entries[3].Key)

	resp = do(t, http.MethodDelete, srv.URL+"/v1/kv/a", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	// Removing an absent key is not an error
	resp = do(t, http.MethodDelete, srv.URL+"/v1/kv/a", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, http.MethodPost, srv.URL+"/v1/kv/remove", []byte(`{"keys":["b","c","zz"]}`))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 3, decode[RemoveResponse](t, resp).Requested)

	entries, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "d", entries[0].Key)

	resp = do(t, http.MethodDelete, srv.URL+"/v1/kv", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	entries, err = s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRemoveEntries_InvalidBody(t *testing.T) {
	srv, _ := createTestServer(t, RouterConfig{})

	resp := do(t, http.MethodPost, srv.URL+"/v1/kv/remove", []byte(`["a"]`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_BODY", decode[ErrorResponse](t, resp).Code)
}

// downStore is initialized but reports every call as unavailable.
type downStore struct {
	kv.Store
}

func (downStore) Initialize(context.Context) error { return nil }

func (downStore) Get(context.Context, string) (json.RawMessage, bool, error) {
	return nil, false, kv.UnavailableError("get", kv.ErrBackendIO, errors.New("connection refused"))
}

func (downStore) Ping(context.Context) error {
	return kv.UnavailableError("ping", kv.ErrBackendIO, errors.New("connection refused"))
}

func (downStore) Close() error { return nil }

func TestBackendUnavailable(t *testing.T) {
	s, err := stash.New(context.Background(), downStore{})
	require.NoError(t, err)
	srv := createServerFor(t, s, nil, RouterConfig{})

	resp := do(t, http.MethodGet, srv.URL+"/v1/kv/k", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "BACKEND_UNAVAILABLE", decode[ErrorResponse](t, resp).Code)

	resp = do(t, http.MethodGet, srv.URL+"/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	health := decode[HealthDTO](t, resp)
	assert.Equal(t, "unavailable", health.Status)
	assert.NotEmpty(t, health.Reasons)
}

func TestHealthEndpoints(t *testing.T) {
	srv, _ := createTestServer(t, RouterConfig{})

	resp := do(t, http.MethodGet, srv.URL+"/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/readyz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ready", decode[HealthDTO](t, resp).Status)
}

func TestStatusFor(t *testing.T) {
	cause := errors.New("boom")
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{kv.SerializationError("set", cause), http.StatusBadRequest, "SERIALIZATION_ERROR"},
		{kv.ConfigError("build", cause), http.StatusBadRequest, "INVALID_CONFIG"},
		{kv.NotInitializedError("get"), http.StatusServiceUnavailable, "NOT_INITIALIZED"},
		{kv.UnavailableError("get", kv.ErrBackendIO, cause), http.StatusServiceUnavailable, "BACKEND_UNAVAILABLE"},
		{kv.IOError("set", cause), http.StatusInternalServerError, "STORE_ERROR"},
		{kv.IOError("set", context.DeadlineExceeded), http.StatusGatewayTimeout, "TIMEOUT"},
	}

	for _, tt := range tests {
		status, code := statusFor(tt.err)
		assert.Equal(t, tt.status, status, tt.err.Error())
		assert.Equal(t, tt.code, code, tt.err.Error())
	}
}
