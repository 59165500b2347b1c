package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/merdocx/veil-xray/internal/veild/keys"
	apperrors "github.com/merdocx/veil-xray/pkg/errors"
	applogger "github.com/merdocx/veil-xray/pkg/logger"
)

const testSecret = "test-secret"

type stubKeyService struct {
	keys    map[int64]keys.Key
	created []string
	revoked []int64
	err     error
}

func (s *stubKeyService) Create(_ context.Context, name string) (keys.Key, error) {
	if s.err != nil {
		return keys.Key{}, s.err
	}
	s.created = append(s.created, name)
	key := keys.Key{ID: int64(len(s.created)), UUID: "uuid-" + name, Name: name, Link: "vless://uuid-" + name}
	return key, nil
}

func (s *stubKeyService) Revoke(_ context.Context, id int64) error {
	if s.err != nil {
		return s.err
	}
	s.revoked = append(s.revoked, id)
	return nil
}

func (s *stubKeyService) Get(_ context.Context, id int64) (keys.Key, error) {
	key, ok := s.keys[id]
	if !ok {
		return keys.Key{}, apperrors.NewKeyError(apperrors.ErrCodeKeyNotFound,
			fmt.Sprintf("key %d not found", id), false, nil)
	}
	return key, nil
}

func (s *stubKeyService) List(context.Context) ([]keys.Key, error) {
	out := make([]keys.Key, 0, len(s.keys))
	for _, k := range s.keys {
		out = append(out, k)
	}
	return out, nil
}

func (s *stubKeyService) Traffic(_ context.Context, id int64) (keys.Traffic, error) {
	if _, ok := s.keys[id]; !ok {
		return keys.Traffic{}, apperrors.NewKeyError(apperrors.ErrCodeKeyNotFound, "not found", false, nil)
	}
	return keys.Traffic{KeyID: id, Upload: 10, Download: 20}, nil
}

func (s *stubKeyService) Link(_ context.Context, id int64) (string, error) {
	key, ok := s.keys[id]
	if !ok {
		return "", apperrors.NewKeyError(apperrors.ErrCodeKeyNotFound, "not found", false, nil)
	}
	return key.Link, nil
}

type stubHealth struct{ up bool }

func (h stubHealth) Healthy() bool { return h.up }

func newTestServer(t *testing.T, svc *stubKeyService) *httptest.Server {
	t.Helper()
	log := applogger.New(applogger.LoggerConfig{
		Level:  applogger.LevelError,
		Format: applogger.FormatJSON,
	})

	server := NewServer(ServerConfig{
		Address:     ":0",
		SecretKey:   testSecret,
		CORSOrigins: []string{"*"},
		Version:     "test",
	}, svc, stubHealth{up: true}, log)

	mux := http.NewServeMux()
	ts := httptest.NewServer(server.registerRoutes(mux))
	t.Cleanup(ts.Close)
	return ts
}

func doRequest(t *testing.T, method, url string, body any, authed bool) (*http.Response, envelopeAny) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if authed {
		req.Header.Set("Authorization", "Bearer "+testSecret)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	var env envelopeAny
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp, env
}

type envelopeAny struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *ErrorInfo      `json:"error"`
}

func TestHealthNoAuth(t *testing.T) {
	ts := newTestServer(t, &stubKeyService{})

	resp, env := doRequest(t, http.MethodGet, ts.URL+"/health", nil, false)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, env.Success)
}

func TestKeysRequireAuth(t *testing.T) {
	ts := newTestServer(t, &stubKeyService{})

	resp, env := doRequest(t, http.MethodGet, ts.URL+"/api/keys", nil, false)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, "unauthorized", env.Error.Code)
}

func TestCreateKey(t *testing.T) {
	svc := &stubKeyService{}
	ts := newTestServer(t, svc)

	resp, env := doRequest(t, http.MethodPost, ts.URL+"/api/keys",
		map[string]string{"name": "alice"}, true)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.True(t, env.Success)

	var key keys.Key
	require.NoError(t, json.Unmarshal(env.Data, &key))
	assert.Equal(t, "alice", key.Name)
	assert.Equal(t, []string{"alice"}, svc.created)
}

func TestCreateKeyEmptyBody(t *testing.T) {
	svc := &stubKeyService{}
	ts := newTestServer(t, svc)

	resp, _ := doRequest(t, http.MethodPost, ts.URL+"/api/keys", nil, true)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, []string{""}, svc.created)
}

func TestCreateKeyProvisionFailure(t *testing.T) {
	svc := &stubKeyService{err: apperrors.NewKeyError(
		apperrors.ErrCodeProvisionFailed, "config write failed", true, nil)}
	ts := newTestServer(t, svc)

	resp, env := doRequest(t, http.MethodPost, ts.URL+"/api/keys", nil, true)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, apperrors.ErrCodeProvisionFailed, env.Error.Code)
}

func TestWrappedDomainErrorMapsStatus(t *testing.T) {
	// A domain error further wrapped with fmt.Errorf must still map to
	// its HTTP status, not fall through to 500.
	svc := &stubKeyService{err: fmt.Errorf("create key: %w",
		apperrors.NewKeyError(apperrors.ErrCodeProvisionFailed, "config write failed", true, nil))}
	ts := newTestServer(t, svc)

	resp, env := doRequest(t, http.MethodPost, ts.URL+"/api/keys", nil, true)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, apperrors.ErrCodeProvisionFailed, env.Error.Code)
}

func TestGetKeyNotFound(t *testing.T) {
	ts := newTestServer(t, &stubKeyService{keys: map[int64]keys.Key{}})

	resp, env := doRequest(t, http.MethodGet, ts.URL+"/api/keys/42", nil, true)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, apperrors.ErrCodeKeyNotFound, env.Error.Code)
}

func TestGetKeyBadID(t *testing.T) {
	ts := newTestServer(t, &stubKeyService{})

	resp, env := doRequest(t, http.MethodGet, ts.URL+"/api/keys/banana", nil, true)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, "invalid_key_id", env.Error.Code)
}

func TestDeleteKey(t *testing.T) {
	svc := &stubKeyService{keys: map[int64]keys.Key{7: {ID: 7}}}
	ts := newTestServer(t, svc)

	resp, env := doRequest(t, http.MethodDelete, ts.URL+"/api/keys/7", nil, true)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, env.Success)
	assert.Equal(t, []int64{7}, svc.revoked)
}

func TestTrafficAndLink(t *testing.T) {
	svc := &stubKeyService{keys: map[int64]keys.Key{
		3: {ID: 3, UUID: "u3", Link: "vless://u3@host:443"},
	}}
	ts := newTestServer(t, svc)

	resp, env := doRequest(t, http.MethodGet, ts.URL+"/api/keys/3/traffic", nil, true)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var traffic keys.Traffic
	require.NoError(t, json.Unmarshal(env.Data, &traffic))
	assert.Equal(t, int64(10), traffic.Upload)

	resp, env = doRequest(t, http.MethodGet, ts.URL+"/api/keys/3/link", nil, true)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var link linkResponse
	require.NoError(t, json.Unmarshal(env.Data, &link))
	assert.Equal(t, "vless://u3@host:443", link.Link)
}
