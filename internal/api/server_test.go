package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"gridbot/internal/exchange"
	"gridbot/internal/logger"
	"gridbot/internal/models"
	"gridbot/internal/supervisor"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

type fakeGrids struct {
	mu     sync.Mutex
	grids  map[string]supervisor.Status
	seq    int
	err    error
	paused []string
}

func newFakeGrids() *fakeGrids {
	return &fakeGrids{grids: make(map[string]supervisor.Status)}
}

func (f *fakeGrids) Start(ctx context.Context, userID string, cfg models.GridConfig) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.seq++
	id := fmt.Sprintf("grid-%d", f.seq)
	f.grids[id] = supervisor.Status{ID: id, UserID: userID, Symbol: cfg.Symbol, State: models.GridStateRunning}
	return id, nil
}

func (f *fakeGrids) Pause(ctx context.Context, gridID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	st := f.grids[gridID]
	st.State = models.GridStatePaused
	f.grids[gridID] = st
	f.paused = append(f.paused, gridID)
	return nil
}

func (f *fakeGrids) Resume(ctx context.Context, gridID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	st := f.grids[gridID]
	st.State = models.GridStateRunning
	f.grids[gridID] = st
	return nil
}

func (f *fakeGrids) Stop(ctx context.Context, gridID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.grids[gridID]
	if st.State == models.GridStateStopping {
		st.State = models.GridStateStopped
	} else {
		st.State = models.GridStateStopping
	}
	f.grids[gridID] = st
	return nil
}

func (f *fakeGrids) Status(ctx context.Context, gridID string) (supervisor.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.grids[gridID]
	if !ok {
		return supervisor.Status{}, supervisor.ErrGridNotFound
	}
	return st, nil
}

func (f *fakeGrids) List(ctx context.Context, userID string) ([]supervisor.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []supervisor.Status
	for _, st := range f.grids {
		if st.UserID == userID {
			out = append(out, st)
		}
	}
	return out, nil
}

func (f *fakeGrids) Owner(gridID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.grids[gridID]
	if !ok {
		return "", supervisor.ErrGridNotFound
	}
	return st.UserID, nil
}

func newTestServer(t *testing.T) (*fakeGrids, http.Handler) {
	t.Helper()
	grids := newFakeGrids()
	srv := NewServer(grids, Config{JWTSecret: secret}, logger.Discard())
	return grids, srv.Handler()
}

func token(t *testing.T, user string) string {
	t.Helper()
	tok, err := IssueToken(secret, user, time.Hour)
	require.NoError(t, err)
	return tok
}

func do(t *testing.T, h http.Handler, method, path, user string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, user))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthIsPublic(t *testing.T) {
	_, h := newTestServer(t)
	rec := do(t, h, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRejectsMissingOrForeignToken(t *testing.T) {
	_, h := newTestServer(t)

	rec := do(t, h, http.MethodGet, "/api/v1/grids", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	claims := jwt.MapClaims{"sub": "alice", "exp": time.Now().Add(time.Hour).Unix()}
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("other"))
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/grids", nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	out := httptest.NewRecorder()
	h.ServeHTTP(out, req)
	assert.Equal(t, http.StatusUnauthorized, out.Code)

	expired := jwt.MapClaims{"sub": "alice", "exp": time.Now().Add(-time.Minute).Unix()}
	stale, err := jwt.NewWithClaims(jwt.SigningMethodHS256, expired).SignedString([]byte(secret))
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/api/v1/grids", nil)
	req.Header.Set("Authorization", "Bearer "+stale)
	out = httptest.NewRecorder()
	h.ServeHTTP(out, req)
	assert.Equal(t, http.StatusUnauthorized, out.Code)
}

func TestGridLifecycleOverHTTP(t *testing.T) {
	grids, h := newTestServer(t)

	rec := do(t, h, http.MethodPost, "/api/v1/grids", "alice", models.GridConfig{Symbol: "ETH"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var started StartResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&started))
	require.NotEmpty(t, started.ID)

	rec = do(t, h, http.MethodGet, "/api/v1/grids/"+started.ID, "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st supervisor.Status
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&st))
	assert.Equal(t, "ETH", st.Symbol)
	assert.Equal(t, models.GridStateRunning, st.State)

	rec = do(t, h, http.MethodPost, "/api/v1/grids/"+started.ID+"/pause", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&st))
	assert.Equal(t, models.GridStatePaused, st.State)
	assert.Equal(t, []string{started.ID}, grids.paused)

	rec = do(t, h, http.MethodPost, "/api/v1/grids/"+started.ID+"/resume", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/grids", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []supervisor.Status
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	assert.Len(t, list, 1)

	rec = do(t, h, http.MethodDelete, "/api/v1/grids/"+started.ID, "alice", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&st))
	assert.Equal(t, models.GridStateStopping, st.State)

	rec = do(t, h, http.MethodDelete, "/api/v1/grids/"+started.ID, "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&st))
	assert.Equal(t, models.GridStateStopped, st.State)
}

func TestForeignGridLooksMissing(t *testing.T) {
	_, h := newTestServer(t)

	rec := do(t, h, http.MethodPost, "/api/v1/grids", "alice", models.GridConfig{Symbol: "BTC"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var started StartResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&started))

	rec = do(t, h, http.MethodGet, "/api/v1/grids/"+started.ID, "bob", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, h, http.MethodDelete, "/api/v1/grids/"+started.ID, "bob", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, h, http.MethodGet, "/api/v1/grids/missing", "alice", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"invalid config", fmt.Errorf("%w: spacing", models.ErrInvalidConfig), http.StatusBadRequest},
		{"duplicate", supervisor.ErrGridExists, http.StatusConflict},
		{"session", exchange.NewError("start", exchange.KindSessionExpired, exchange.ErrSessionExpired), http.StatusForbidden},
		{"shutdown", supervisor.ErrShutdown, http.StatusServiceUnavailable},
		{"other", fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			grids, h := newTestServer(t)
			grids.err = tt.err
			rec := do(t, h, http.MethodPost, "/api/v1/grids", "alice", models.GridConfig{Symbol: "ETH"})
			assert.Equal(t, tt.code, rec.Code)

			var body ErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestMalformedBody(t *testing.T) {
	_, h := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/grids", bytes.NewBufferString("{"))
	req.Header.Set("Authorization", "Bearer "+token(t, "alice"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
