package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/noeRls/puppeteer-stream/internal/bridge"
	"github.com/noeRls/puppeteer-stream/internal/config"
	"github.com/noeRls/puppeteer-stream/internal/control"
	"github.com/noeRls/puppeteer-stream/internal/metrics"
	"github.com/noeRls/puppeteer-stream/internal/readiness"
)

// ErrSessionNotFound is returned for operations addressing an unknown session
var ErrSessionNotFound = errors.New("session not found")

// Manager owns the session registry and the process-wide session index. Ports
// are derived, not searched: session k listens on basePort + k, and the index
// never resets or reuses values within the manager's lifetime.
type Manager struct {
	defaults   config.CaptureConfig
	controller control.Controller
	logger     *slog.Logger
	metrics    *metrics.Metrics

	nextIndex atomic.Int64

	mu       sync.RWMutex
	sessions map[string]*Session

	totalCreated   uint64
	totalDestroyed uint64

	retention time.Duration
	ctx       context.Context
	cancel    context.CancelFunc
	cleanup   chan struct{}
}

// Stats represents aggregate session manager statistics
type Stats struct {
	ActiveSessions int    `json:"active_sessions"`
	TotalCreated   uint64 `json:"total_created"`
	TotalDestroyed uint64 `json:"total_destroyed"`
	NextIndex      int64  `json:"next_index"`
}

// NewManager creates a session manager and starts its retention sweep. The
// metrics handle may be nil.
func NewManager(defaults config.CaptureConfig, controller control.Controller, logger *slog.Logger, m *metrics.Metrics) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	mgr := &Manager{
		defaults:   defaults,
		controller: controller,
		logger:     logger,
		metrics:    m,
		sessions:   make(map[string]*Session),
		retention:  defaults.GetSessionRetentionDuration(),
		ctx:        ctx,
		cancel:     cancel,
		cleanup:    make(chan struct{}),
	}

	go mgr.startCleanupRoutine()

	return mgr
}

// Create establishes a new capture session. The request is validated first,
// then the capture runtime is confirmed ready, and only then are the index,
// port, and listener allocated and the producer started. Failures before the
// producer start leave nothing behind; a failed start releases the listener
// without issuing a stop command.
func (m *Manager) Create(ctx context.Context, opts Options) (*Session, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	res := opts.withDefaults(m.defaults)

	gate := readiness.New(control.StartCapability, m.countedProbe, readiness.Policy{
		Base:        res.retryEach,
		MaxAttempts: res.retryTimes,
	}, m.logger)

	if err := gate.Wait(ctx); err != nil {
		if m.metrics != nil {
			var timeoutErr *readiness.TimeoutError
			if errors.As(err, &timeoutErr) {
				m.metrics.RecordReadinessFailure()
			}
		}
		return nil, fmt.Errorf("capture runtime not ready: %w", err)
	}

	index := m.nextIndex.Add(1) - 1
	port := res.basePort + int(index)

	br, err := bridge.Open(bridge.Config{
		Port:           port,
		ThresholdBytes: res.thresholdBytes,
		AutoResume:     res.immediateResume,
	}, m.logger, m.metrics)
	if err != nil {
		return nil, err
	}

	startReq := control.StartRequest{
		SessionIndex: index,
		Audio:        res.audio,
		Video:        res.video,
		MimeType:     res.mimeType,
		FrameSize:    res.frameSize,
		Port:         port,
	}

	if err := m.controller.Start(ctx, startReq); err != nil {
		// The producer never started, so teardown skips the stop command.
		if derr := br.Destroy(ctx); derr != nil {
			m.logger.Warn("failed to release bridge after start failure",
				slog.Int64("session_index", index),
				slog.String("error", derr.Error()),
			)
		}
		return nil, fmt.Errorf("failed to start producer for session %d: %w", index, err)
	}

	br.OnDestroy(func(stopCtx context.Context) error {
		return m.controller.Stop(stopCtx, index)
	})

	s := &Session{
		id:        uuid.NewString(),
		index:     index,
		port:      port,
		mediaKind: res.mediaKind(),
		mimeType:  res.mimeType,
		createdAt: time.Now(),
		bridge:    br,
	}

	m.mu.Lock()
	m.sessions[s.id] = s
	m.totalCreated++
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordSessionCreated()
	}

	m.logger.Info("session created",
		slog.String("session_id", s.id),
		slog.Int64("session_index", index),
		slog.Int("port", port),
		slog.String("media", s.mediaKind),
	)

	return s, nil
}

// countedProbe wraps the controller probe with metrics accounting
func (m *Manager) countedProbe(ctx context.Context) (bool, error) {
	if m.metrics != nil {
		m.metrics.RecordReadinessProbe()
	}
	return m.controller.ProbeCapability(ctx)
}

// Get returns the session with the given public identifier
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	return s, ok
}

// List returns all known sessions ordered by creation index, closed sessions
// included until the retention sweep removes them
func (m *Manager) List() []*Session {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].index < sessions[j].index
	})

	return sessions
}

// Destroy tears down the session with the given identifier. The session stays
// listed in the closed state until the retention sweep drops it, so repeated
// destroy calls stay idempotent rather than failing with ErrSessionNotFound.
func (m *Manager) Destroy(ctx context.Context, id string) error {
	s, ok := m.Get(id)
	if !ok {
		return ErrSessionNotFound
	}

	alreadyClosed := s.Closed()
	lifetime := time.Since(s.createdAt)

	err := s.Destroy(ctx)

	if !alreadyClosed {
		m.mu.Lock()
		m.totalDestroyed++
		m.mu.Unlock()

		if m.metrics != nil {
			m.metrics.RecordSessionDestroyed(lifetime.Seconds())
		}

		m.logger.Info("session destroyed",
			slog.String("session_id", s.id),
			slog.Int64("session_index", s.index),
			slog.Float64("lifetime_seconds", lifetime.Seconds()),
		)
	}

	return err
}

// GetStats returns aggregate manager statistics
func (m *Manager) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	active := 0
	for _, s := range m.sessions {
		if !s.Closed() {
			active++
		}
	}

	return Stats{
		ActiveSessions: active,
		TotalCreated:   m.totalCreated,
		TotalDestroyed: m.totalDestroyed,
		NextIndex:      m.nextIndex.Load(),
	}
}

// Shutdown destroys every remaining session and stops the retention sweep.
// Sessions are torn down concurrently; the first stop failure is returned
// once all teardowns have finished.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("shutting down session manager...")

	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	var g errgroup.Group
	for _, s := range sessions {
		s := s
		g.Go(func() error {
			return m.Destroy(ctx, s.id)
		})
	}
	err := g.Wait()

	m.cancel()
	<-m.cleanup

	stats := m.GetStats()
	m.logger.Info("session manager stopped",
		slog.Uint64("total_created", stats.TotalCreated),
		slog.Uint64("total_destroyed", stats.TotalDestroyed),
	)

	return err
}

// startCleanupRoutine periodically drops closed sessions whose retention
// window has elapsed
func (m *Manager) startCleanupRoutine() {
	defer close(m.cleanup)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.sweepClosedSessions()
		}
	}
}

// sweepClosedSessions removes closed sessions past their retention window
func (m *Manager) sweepClosedSessions() {
	now := time.Now()

	m.mu.Lock()
	var removed int
	for id, s := range m.sessions {
		closedAt := s.closedSince()
		if !closedAt.IsZero() && now.Sub(closedAt) > m.retention {
			delete(m.sessions, id)
			removed++
		}
	}
	m.mu.Unlock()

	if removed > 0 {
		m.logger.Debug("swept closed sessions", slog.Int("removed", removed))
	}
}
