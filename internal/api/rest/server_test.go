package rest

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/argon2"

	"github.com/KevinKickass/OpenCellCycler/internal/auth"
	"github.com/KevinKickass/OpenCellCycler/internal/config"
	"github.com/KevinKickass/OpenCellCycler/internal/interfaces"
	"github.com/KevinKickass/OpenCellCycler/internal/status"
	"github.com/KevinKickass/OpenCellCycler/internal/storage"
	"github.com/KevinKickass/OpenCellCycler/internal/types"
)

type fakeLifecycle struct {
	cfg     *config.Config
	store   *status.Store
	history storage.History
	stopped []string
}

func (f *fakeLifecycle) Config() *config.Config         { return f.cfg }
func (f *fakeLifecycle) Store() *status.Store           { return f.store }
func (f *fakeLifecycle) History() storage.History       { return f.history }
func (f *fakeLifecycle) Shutdown(context.Context) error { return nil }

func (f *fakeLifecycle) GetCurrentStatus() interfaces.SystemStatus {
	return interfaces.SystemStatus{State: "RUNNING", Tests: len(f.store.List())}
}

func (f *fakeLifecycle) StopTest(name string) error {
	if _, ok := f.store.Get(name); !ok {
		return fmt.Errorf("%w: %s", interfaces.ErrUnknownTest, name)
	}
	f.stopped = append(f.stopped, name)
	return nil
}

// operatorHash encodes key with cheap argon2id parameters.
func operatorHash(key string) string {
	salt := []byte("0123456789abcdef")
	sum := argon2.IDKey([]byte(key), salt, 1, 1024, 1, 32)
	return fmt.Sprintf("$argon2id$v=%d$m=1024,t=1,p=1$%s$%s", argon2.Version,
		b64(salt), b64(sum))
}

func newTestServer(t *testing.T, history storage.History) (*Server, *fakeLifecycle) {
	t.Helper()
	t.Setenv("OCC_REST_TEST_SECRET", "rest-test-secret-0123456789abcdef")
	cfg := &config.Config{Auth: config.AuthConfig{
		JWTSecretEnv:    "OCC_REST_TEST_SECRET",
		TokenTTL:        time.Hour,
		OperatorKeyHash: operatorHash("letmein"),
	}}

	lm := &fakeLifecycle{cfg: cfg, store: status.NewStore(), history: history}
	lm.store.Publish(types.TestStatus{Test: "cell-a", Device: "sim0", Channels: []uint8{1, 2}, Mode: types.ModeCharge, Cycle: 2})
	lm.store.Publish(types.TestStatus{Test: "cell-b", Device: "sim0", Channels: []uint8{3}})

	authService := auth.NewAuthService(cfg.Auth, zap.NewNop())
	return NewServer(cfg, lm, authService, zap.NewNop()), lm
}

func do(t *testing.T, s *Server, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func TestHealthAndSystemStatus(t *testing.T) {
	s, _ := newTestServer(t, nil)

	w := do(t, s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "RUNNING", decode[map[string]any](t, w)["state"])

	w = do(t, s, http.MethodGet, "/api/v1/system/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, decode[interfaces.SystemStatus](t, w).Tests)
}

func TestListAndGetTests(t *testing.T) {
	s, _ := newTestServer(t, nil)

	w := do(t, s, http.MethodGet, "/api/v1/tests", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[struct {
		Tests []types.TestStatus `json:"tests"`
		Count int                `json:"count"`
	}](t, w)
	assert.Equal(t, 2, list.Count)
	assert.Equal(t, "cell-a", list.Tests[0].Test)

	w = do(t, s, http.MethodGet, "/api/v1/tests/cell-a", nil)
	require.Equal(t, http.StatusOK, w.Code)
	st := decode[types.TestStatus](t, w)
	assert.Equal(t, types.ModeCharge, st.Mode)
	assert.Equal(t, 2, st.Cycle)

	w = do(t, s, http.MethodGet, "/api/v1/tests/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "TEST_404", decode[types.ErrorResponse](t, w).Error.Code)
}

func TestStopRequiresOperatorToken(t *testing.T) {
	s, lm := newTestServer(t, nil)

	w := do(t, s, http.MethodPost, "/api/v1/tests/cell-a/stop", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, s, http.MethodPost, "/api/v1/auth/token", TokenRequest{Key: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, s, http.MethodPost, "/api/v1/auth/token", TokenRequest{Key: "letmein"})
	require.Equal(t, http.StatusOK, w.Code)
	tok := decode[TokenResponse](t, w)
	assert.Equal(t, "Bearer", tok.TokenType)

	w = do(t, s, http.MethodPost, "/api/v1/tests/cell-a/stop", nil, "Authorization", "Bearer "+tok.AccessToken)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{"cell-a"}, lm.stopped)

	w = do(t, s, http.MethodPost, "/api/v1/tests/nope/stop", nil, "Authorization", "Bearer "+tok.AccessToken)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTokenRequestValidation(t *testing.T) {
	s, _ := newTestServer(t, nil)
	w := do(t, s, http.MethodPost, "/api/v1/auth/token", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRunsWithoutDatabase(t *testing.T) {
	s, _ := newTestServer(t, nil)
	w := do(t, s, http.MethodGet, "/api/v1/runs", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRunsFromSQLite(t *testing.T) {
	ctx := context.Background()
	db, err := storage.NewSQLiteRecorder(ctx, filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := &types.TestConfig{Name: "cell-a", Device: "sim0"}
	cfg.SetChannels([]uint8{1, 2})
	run := storage.NewRun(uuid.New(), cfg, []byte(`{}`), time.Now())
	require.NoError(t, db.BeginRun(ctx, run))
	for i := 0; i < 3; i++ {
		require.NoError(t, db.Record(ctx, types.Record{
			RunID:       run.ID,
			TestName:    "cell-a",
			Cycle:       1,
			Timestamp:   run.StartedAt.Add(time.Duration(i) * time.Second),
			Measurement: types.AggregateMeasurement{Mode: types.ModeCharge, Voltage: 3700 + i},
		}))
	}

	s, _ := newTestServer(t, db)

	w := do(t, s, http.MethodGet, "/api/v1/runs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode[map[string]any](t, w)["count"])

	w = do(t, s, http.MethodGet, "/api/v1/runs/"+run.ID.String()+"/measurements?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[struct {
		Measurements []types.Record `json:"measurements"`
	}](t, w)
	require.Len(t, got.Measurements, 2)
	assert.Equal(t, 3701, got.Measurements[0].Measurement.Voltage)
	assert.Equal(t, 3702, got.Measurements[1].Measurement.Voltage)

	w = do(t, s, http.MethodGet, "/api/v1/runs/"+uuid.NewString()+"/measurements", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, s, http.MethodGet, "/api/v1/runs/not-a-uuid/measurements", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodGet, "/api/v1/runs/"+run.ID.String()+"/measurements?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCORSPreflight(t *testing.T) {
	s, _ := newTestServer(t, nil)
	w := do(t, s, http.MethodOptions, "/api/v1/tests", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func b64(b []byte) string {
	return base64.RawStdEncoding.EncodeToString(b)
}
