package session

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/noeRls/puppeteer-stream/internal/bridge"
)

// Session states
const (
	StateActive = "active"
	StateClosed = "closed"
)

// Session is one capture stream: an identity, a derived loopback port, and
// the bridge carrying the producer's bytes to the consumer.
type Session struct {
	id        string
	index     int64
	port      int
	mediaKind string
	mimeType  string
	createdAt time.Time

	bridge *bridge.Bridge

	mu       sync.RWMutex
	closedAt time.Time // zero while active
}

// Info is the externally visible snapshot of a session
type Info struct {
	ID        string            `json:"id"`
	Index     int64             `json:"index"`
	Port      int               `json:"port"`
	MediaKind string            `json:"media_kind"`
	MimeType  string            `json:"mime_type,omitempty"`
	State     string            `json:"state"`
	CreatedAt time.Time         `json:"created_at"`
	UptimeSec float64           `json:"uptime_seconds"`
	Transport bridge.Statistics `json:"transport"`
}

// ID returns the session's public identifier
func (s *Session) ID() string {
	return s.id
}

// Index returns the session's monotonic creation index
func (s *Session) Index() int64 {
	return s.index
}

// Port returns the loopback port the session's producer connects to
func (s *Session) Port() int {
	return s.port
}

// Output returns the session's single ordered byte stream. Reading it pulls
// forwarded producer bytes and drains to EOF once the session is destroyed.
func (s *Session) Output() io.Reader {
	return s.bridge.Output()
}

// Destroy tears the session down: the producer is stopped through the control
// channel, then the transport is released. Calls after the first are no-ops.
// A failed stop is returned but never prevents cleanup.
func (s *Session) Destroy(ctx context.Context) error {
	err := s.bridge.Destroy(ctx)

	s.mu.Lock()
	if s.closedAt.IsZero() {
		s.closedAt = time.Now()
	}
	s.mu.Unlock()

	return err
}

// Closed reports whether the session has been destroyed
func (s *Session) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.closedAt.IsZero()
}

// closedSince returns the teardown time, zero while the session is active
func (s *Session) closedSince() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closedAt
}

// Info returns a snapshot of the session for the management API
func (s *Session) Info() Info {
	s.mu.RLock()
	closedAt := s.closedAt
	s.mu.RUnlock()

	state := StateActive
	uptime := time.Since(s.createdAt)
	if !closedAt.IsZero() {
		state = StateClosed
		uptime = closedAt.Sub(s.createdAt)
	}

	return Info{
		ID:        s.id,
		Index:     s.index,
		Port:      s.port,
		MediaKind: s.mediaKind,
		MimeType:  s.mimeType,
		State:     state,
		CreatedAt: s.createdAt,
		UptimeSec: uptime.Seconds(),
		Transport: s.bridge.GetStatistics(),
	}
}
