package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/noeRls/puppeteer-stream/internal/config"
	"github.com/noeRls/puppeteer-stream/internal/control"
	"github.com/noeRls/puppeteer-stream/internal/readiness"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeController simulates the capture runtime's control surface
type fakeController struct {
	mu         sync.Mutex
	ready      bool
	readyAfter int // probes to fail before reporting ready
	startErr   error
	stopErr    error

	probeCalls int
	startCalls int
	stopCalls  int
	started    []control.StartRequest
}

func (f *fakeController) ProbeCapability(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.probeCalls++
	if f.readyAfter > 0 {
		f.readyAfter--
		return false, nil
	}
	return f.ready, nil
}

func (f *fakeController) Start(ctx context.Context, req control.StartRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.startCalls++
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, req)
	return nil
}

func (f *fakeController) Stop(ctx context.Context, sessionIndex int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.stopCalls++
	return f.stopErr
}

func (f *fakeController) counts() (probes, starts, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probeCalls, f.startCalls, f.stopCalls
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// freeBasePort grabs an ephemeral port to use as the test base port
func freeBasePort(t *testing.T) int {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	return port
}

func testDefaults(t *testing.T) config.CaptureConfig {
	t.Helper()

	return config.CaptureConfig{
		BasePort:         freeBasePort(t),
		HighWaterMarkMB:  1,
		ImmediateResume:  true,
		Retry:            config.RetryConfig{Each: 2, Times: 3},
		SessionRetention: 1,
	}
}

func newTestManager(t *testing.T, ctrl *fakeController) *Manager {
	t.Helper()

	m := NewManager(testDefaults(t), ctrl, testLogger(), nil)
	t.Cleanup(func() {
		_ = m.Shutdown(context.Background())
	})

	return m
}

func TestCreateRejectsEmptyMediaSelection(t *testing.T) {
	ctrl := &fakeController{ready: true}
	m := newTestManager(t, ctrl)

	_, err := m.Create(context.Background(), Options{})
	require.ErrorIs(t, err, ErrInvalidOptions)

	// The request must fail before any probe or allocation happens.
	probes, starts, _ := ctrl.counts()
	assert.Equal(t, 0, probes)
	assert.Equal(t, 0, starts)
	assert.Equal(t, int64(0), m.GetStats().NextIndex)
}

func TestCreateWaitsForCapability(t *testing.T) {
	ctrl := &fakeController{ready: true, readyAfter: 2}
	m := newTestManager(t, ctrl)

	s, err := m.Create(context.Background(), Options{Audio: true})
	require.NoError(t, err)

	probes, starts, _ := ctrl.counts()
	assert.Equal(t, 3, probes)
	assert.Equal(t, 1, starts)
	assert.Equal(t, int64(0), s.Index())
	assert.Equal(t, m.defaults.BasePort, s.Port())
}

func TestCreateReadinessTimeoutLeavesNothingBehind(t *testing.T) {
	ctrl := &fakeController{ready: false}
	m := newTestManager(t, ctrl)

	_, err := m.Create(context.Background(), Options{Audio: true})
	require.Error(t, err)

	var timeoutErr *readiness.TimeoutError
	require.True(t, errors.As(err, &timeoutErr))
	assert.Equal(t, 3, timeoutErr.Attempts)

	// No index was consumed and no listener was bound.
	assert.Equal(t, int64(0), m.GetStats().NextIndex)
	l, lerr := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", m.defaults.BasePort))
	require.NoError(t, lerr)
	require.NoError(t, l.Close())
}

func TestCreateStartFailureReleasesPortWithoutStop(t *testing.T) {
	startErr := errors.New("runtime refused start")
	ctrl := &fakeController{ready: true, startErr: startErr}
	m := newTestManager(t, ctrl)

	_, err := m.Create(context.Background(), Options{Video: true})
	require.ErrorIs(t, err, startErr)

	// The producer never started, so no stop command may be issued.
	_, _, stops := ctrl.counts()
	assert.Equal(t, 0, stops)

	// The listener bound for the failed session must be released.
	l, lerr := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", m.defaults.BasePort))
	require.NoError(t, lerr)
	require.NoError(t, l.Close())
}

func TestCreateAssignsMonotonicPorts(t *testing.T) {
	ctrl := &fakeController{ready: true}
	m := newTestManager(t, ctrl)

	const count = 5
	results := make(chan *Session, count)
	var wg sync.WaitGroup
	for i := 0; i < count; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := m.Create(context.Background(), Options{Audio: true})
			assert.NoError(t, err)
			results <- s
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[int]bool)
	for s := range results {
		assert.Equal(t, m.defaults.BasePort+int(s.Index()), s.Port())
		assert.False(t, seen[s.Port()], "port %d assigned twice", s.Port())
		seen[s.Port()] = true
	}
	assert.Len(t, seen, count)
	assert.Equal(t, int64(count), m.GetStats().NextIndex)
}

func TestDestroyStopsProducerOnce(t *testing.T) {
	ctrl := &fakeController{ready: true}
	m := newTestManager(t, ctrl)

	s, err := m.Create(context.Background(), Options{Audio: true})
	require.NoError(t, err)

	require.NoError(t, m.Destroy(context.Background(), s.ID()))
	require.NoError(t, m.Destroy(context.Background(), s.ID()))

	_, _, stops := ctrl.counts()
	assert.Equal(t, 1, stops)

	// The closed session stays listed until the retention sweep drops it.
	info := s.Info()
	assert.Equal(t, StateClosed, info.State)
	assert.Equal(t, uint64(1), m.GetStats().TotalDestroyed)
}

func TestDestroyUnknownSession(t *testing.T) {
	ctrl := &fakeController{ready: true}
	m := newTestManager(t, ctrl)

	err := m.Destroy(context.Background(), "2f0d8c1e-missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestDestroyReportsStopFailure(t *testing.T) {
	ctrl := &fakeController{ready: true}
	m := newTestManager(t, ctrl)

	s, err := m.Create(context.Background(), Options{Audio: true})
	require.NoError(t, err)

	ctrl.mu.Lock()
	ctrl.stopErr = &control.ProducerStopError{SessionIndex: s.Index(), Err: errors.New("unreachable")}
	ctrl.mu.Unlock()

	err = m.Destroy(context.Background(), s.ID())
	var stopErr *control.ProducerStopError
	require.True(t, errors.As(err, &stopErr))

	// Cleanup proceeded despite the failed stop: the port is free again.
	l, lerr := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.Port()))
	require.NoError(t, lerr)
	require.NoError(t, l.Close())
}

func TestSessionOutputCarriesProducerBytes(t *testing.T) {
	ctrl := &fakeController{ready: true}
	m := newTestManager(t, ctrl)

	s, err := m.Create(context.Background(), Options{Audio: true, MimeType: "audio/webm"})
	require.NoError(t, err)

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", s.Port()))
	require.NoError(t, err)
	_, err = conn.Write([]byte("stream-bytes"))
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	buf := make([]byte, 12)
	_, err = io.ReadFull(s.Output(), buf)
	require.NoError(t, err)
	assert.Equal(t, "stream-bytes", string(buf))

	require.NoError(t, m.Destroy(context.Background(), s.ID()))

	_, err = io.ReadAll(s.Output())
	require.NoError(t, err)
}

func TestSessionOverridesReachProducer(t *testing.T) {
	ctrl := &fakeController{ready: true}
	m := newTestManager(t, ctrl)

	base := freeBasePort(t)
	s, err := m.Create(context.Background(), Options{
		Audio:        true,
		Video:        true,
		MimeType:     "video/webm",
		FrameSize:    40,
		Transmission: &TransmissionOptions{BasePort: base},
	})
	require.NoError(t, err)
	assert.Equal(t, base, s.Port())

	ctrl.mu.Lock()
	req := ctrl.started[0]
	ctrl.mu.Unlock()

	assert.Equal(t, control.StartRequest{
		SessionIndex: s.Index(),
		Audio:        true,
		Video:        true,
		MimeType:     "video/webm",
		FrameSize:    40,
		Port:         base,
	}, req)
	assert.Equal(t, "audio+video", s.Info().MediaKind)
}

func TestShutdownDestroysAllSessions(t *testing.T) {
	ctrl := &fakeController{ready: true}
	m := NewManager(testDefaults(t), ctrl, testLogger(), nil)

	var ids []string
	for i := 0; i < 3; i++ {
		s, err := m.Create(context.Background(), Options{Audio: true})
		require.NoError(t, err)
		ids = append(ids, s.ID())
	}

	require.NoError(t, m.Shutdown(context.Background()))

	_, _, stops := ctrl.counts()
	assert.Equal(t, 3, stops)
	for _, id := range ids {
		s, ok := m.Get(id)
		require.True(t, ok)
		assert.True(t, s.Closed())
	}
}
