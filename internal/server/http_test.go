package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noeRls/puppeteer-stream/internal/config"
	"github.com/noeRls/puppeteer-stream/internal/control"
	"github.com/noeRls/puppeteer-stream/internal/session"
)

// fakeController simulates the capture runtime's control surface
type fakeController struct {
	ready bool
}

func (f *fakeController) ProbeCapability(ctx context.Context) (bool, error) {
	return f.ready, nil
}

func (f *fakeController) Start(ctx context.Context, req control.StartRequest) error {
	return nil
}

func (f *fakeController) Stop(ctx context.Context, sessionIndex int64) error {
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func freeBasePort(t *testing.T) int {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	return port
}

func newTestServer(t *testing.T, ready bool) (*httptest.Server, *session.Manager) {
	t.Helper()

	cfg := &config.Config{
		HTTP:    config.HTTPConfig{Port: 8080, Address: "127.0.0.1", Enabled: true},
		Control: config.ControlConfig{Endpoint: "http://127.0.0.1:9222", Timeout: 5},
		Capture: config.CaptureConfig{
			BasePort:         freeBasePort(t),
			HighWaterMarkMB:  1,
			ImmediateResume:  true,
			Retry:            config.RetryConfig{Each: 2, Times: 2},
			SessionRetention: 60,
		},
		Logging: config.LoggingConfig{Level: "info", Format: "text", Output: "stdout"},
	}

	mgr := session.NewManager(cfg.Capture, &fakeController{ready: ready}, testLogger(), nil)
	t.Cleanup(func() {
		_ = mgr.Shutdown(context.Background())
	})

	h := NewHTTPServer(cfg.HTTP, testLogger(), cfg, mgr, nil, nil)
	ts := httptest.NewServer(h.Handler())
	t.Cleanup(ts.Close)

	return ts, mgr
}

func createSession(t *testing.T, ts *httptest.Server, body string) session.Info {
	t.Helper()

	resp, err := http.Post(ts.URL+"/sessions", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var info session.Info
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	return info
}

func TestCreateSessionEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, true)

	info := createSession(t, ts, `{"audio": true, "mimeType": "audio/webm"}`)

	assert.NotEmpty(t, info.ID)
	assert.Equal(t, int64(0), info.Index)
	assert.Equal(t, "audio", info.MediaKind)
	assert.Equal(t, "audio/webm", info.MimeType)
	assert.Equal(t, session.StateActive, info.State)
}

func TestCreateSessionRejectsEmptyMedia(t *testing.T) {
	ts, _ := newTestServer(t, true)

	resp, err := http.Post(ts.URL+"/sessions", "application/json", bytes.NewBufferString(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateSessionRuntimeNotReady(t *testing.T) {
	ts, _ := newTestServer(t, false)

	resp, err := http.Post(ts.URL+"/sessions", "application/json", bytes.NewBufferString(`{"video": true}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestSessionDetailEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, true)
	info := createSession(t, ts, `{"audio": true}`)

	resp, err := http.Get(ts.URL + "/sessions/" + info.ID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got session.Info
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, info.ID, got.ID)
	assert.Equal(t, info.Port, got.Port)

	missing, err := http.Get(ts.URL + "/sessions/nonexistent")
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestListSessionsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, true)
	createSession(t, ts, `{"audio": true}`)
	createSession(t, ts, `{"video": true}`)

	resp, err := http.Get(ts.URL + "/sessions")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var listing struct {
		TotalSessions int            `json:"total_sessions"`
		Sessions      []session.Info `json:"sessions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listing))
	assert.Equal(t, 2, listing.TotalSessions)
	require.Len(t, listing.Sessions, 2)
	assert.Less(t, listing.Sessions[0].Index, listing.Sessions[1].Index)
}

func TestDestroySessionEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, true)
	info := createSession(t, ts, `{"audio": true}`)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/sessions/"+info.ID, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	// Destroy stays idempotent while the closed session remains listed.
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	missing, err := http.NewRequest(http.MethodDelete, ts.URL+"/sessions/unknown", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(missing)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSessionStreamEndpoint(t *testing.T) {
	ts, mgr := newTestServer(t, true)
	info := createSession(t, ts, `{"audio": true}`)

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", info.Port))
	require.NoError(t, err)
	_, err = conn.Write([]byte("captured-bytes"))
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	// Wait for the bytes to cross the bridge before tearing down.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s, ok := mgr.Get(info.ID)
		require.True(t, ok)
		if s.Info().Transport.BytesForwarded >= 14 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.NoError(t, mgr.Destroy(context.Background(), info.ID))

	resp, err := http.Get(ts.URL + "/sessions/" + info.ID + "/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "captured-bytes", string(body))
}

func TestHealthEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, true)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "healthy", health["status"])
}

func TestConfigEndpointOmitsNothingSensitive(t *testing.T) {
	ts, _ := newTestServer(t, true)

	resp, err := http.Get(ts.URL + "/config")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var cfg map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cfg))
	assert.Contains(t, cfg, "capture")
	assert.Contains(t, cfg, "control")
}

func TestStatsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, true)
	createSession(t, ts, `{"audio": true}`)

	resp, err := http.Get(ts.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats struct {
		Sessions session.Stats `json:"sessions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, 1, stats.Sessions.ActiveSessions)
	assert.Equal(t, uint64(1), stats.Sessions.TotalCreated)
}
