package bridge

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/noeRls/puppeteer-stream/internal/metrics"
)

// Bridge states
const (
	StateListening = "listening"
	StateClosed    = "closed"
)

// StopFunc is the producer-stop callback invoked as the first phase of
// Destroy. It addresses the external capture runtime through the control
// channel; its failure is reported but never blocks transport teardown.
type StopFunc func(ctx context.Context) error

// PortBindError reports that the derived session port could not be bound.
// Port collisions indicate a flaw in index/port derivation rather than a
// transient condition, so the bind is never retried.
type PortBindError struct {
	Port int
	Err  error
}

func (e *PortBindError) Error() string {
	return fmt.Sprintf("failed to bind tcp port %d: %v", e.Port, e.Err)
}

func (e *PortBindError) Unwrap() error {
	return e.Err
}

// Config contains per-bridge transport configuration
type Config struct {
	Port           int
	ThresholdBytes int
	AutoResume     bool
}

// Bridge owns one session's transport: a loopback-only TCP listener, the set
// of accepted producer connections, and the single output sequence every
// received byte is forwarded into.
//
// Any number of connections may be accepted for one session; all of them feed
// the same output in receipt order. No ordering is imposed across distinct
// connections — producers that reconnect mid-stream get interleaving at chunk
// granularity.
type Bridge struct {
	config   Config
	listener net.Listener
	out      *Output
	logger   *slog.Logger
	metrics  *metrics.Metrics

	// Concurrency management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	destroyOnce sync.Once

	// Connection registry and counters
	mu             sync.RWMutex
	conns          map[int]net.Conn
	nextConnID     int
	closed         bool
	stop           StopFunc
	connsAccepted  uint64
	bytesForwarded uint64
}

// Statistics represents bridge transport statistics
type Statistics struct {
	Port                int         `json:"port"`
	State               string      `json:"state"`
	ConnectionsAccepted uint64      `json:"connections_accepted"`
	BytesForwarded      uint64      `json:"bytes_forwarded"`
	Output              OutputStats `json:"output"`
}

// Open binds a loopback TCP listener on the given port and starts accepting
// producer connections. The listener is bound synchronously: on return the
// bridge is listening and its output exists but is empty. A port already in
// use fails with *PortBindError. The metrics handle may be nil.
func Open(cfg Config, logger *slog.Logger, m *metrics.Metrics) (*Bridge, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", cfg.Port))
	if err != nil {
		if m != nil {
			m.RecordPortBindError()
		}
		return nil, &PortBindError{Port: cfg.Port, Err: err}
	}

	ctx, cancel := context.WithCancel(context.Background())

	b := &Bridge{
		config:   cfg,
		listener: listener,
		out:      newOutput(cfg.ThresholdBytes, cfg.AutoResume),
		logger:   logger,
		metrics:  m,
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[int]net.Conn),
	}

	b.wg.Add(1)
	go b.acceptLoop()

	logger.Info("bridge listening",
		slog.Int("port", cfg.Port),
		slog.Int("threshold_bytes", cfg.ThresholdBytes),
		slog.Bool("auto_resume", cfg.AutoResume),
	)

	return b, nil
}

// OnDestroy registers the producer-stop callback invoked by Destroy. It is
// set by the session layer once the producer has actually been started, so a
// failed start never triggers a spurious stop command.
func (b *Bridge) OnDestroy(stop StopFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stop = stop
}

// Output returns the bridge's single ordered byte sequence
func (b *Bridge) Output() *Output {
	return b.out
}

// Port returns the port the listener is bound to
func (b *Bridge) Port() int {
	return b.config.Port
}

// State returns the current lifecycle state
func (b *Bridge) State() string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return StateClosed
	}
	return StateListening
}

// acceptLoop is the main connection accepting loop
func (b *Bridge) acceptLoop() {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			return
		default:
			// Continue accepting connections
		}

		// Set an accept deadline so shutdown is noticed promptly
		if tl, ok := b.listener.(*net.TCPListener); ok {
			if err := tl.SetDeadline(time.Now().Add(1 * time.Second)); err != nil {
				b.logger.Error("failed to set accept deadline", slog.String("error", err.Error()))
			}
		}

		conn, err := b.listener.Accept()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}

			select {
			case <-b.ctx.Done():
				return
			default:
				b.logger.Error("failed to accept connection",
					slog.Int("port", b.config.Port),
					slog.String("error", err.Error()),
				)
				continue
			}
		}

		b.onConnection(conn)
	}
}

// onConnection registers an accepted producer connection and starts
// forwarding its bytes into the output
func (b *Bridge) onConnection(conn net.Conn) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		conn.Close()
		return
	}
	b.nextConnID++
	id := b.nextConnID
	b.conns[id] = conn
	b.connsAccepted++
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.RecordConnectionAccepted()
	}

	b.logger.Info("producer connection accepted",
		slog.Int("port", b.config.Port),
		slog.Int("conn_id", id),
		slog.String("remote_addr", conn.RemoteAddr().String()),
	)

	b.wg.Add(1)
	go b.readLoop(id, conn)
}

// readLoop forwards every chunk received on one connection into the output
// in receipt order
func (b *Bridge) readLoop(id int, conn net.Conn) {
	defer b.wg.Done()

	// While the output is paused, leave inbound bytes in the kernel socket
	// buffer; the producer stalls on TCP flow control until a consumer reads.
	select {
	case <-b.ctx.Done():
		return
	case <-b.out.Flowing():
	}

	buf := make([]byte, 32*1024)

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if b.isClosed() {
				// Data racing with destroy is dropped, never forwarded.
				return
			}

			if appendErr := b.out.append(buf[:n]); appendErr != nil {
				return
			}

			b.mu.Lock()
			b.bytesForwarded += uint64(n)
			b.mu.Unlock()

			if b.metrics != nil {
				b.metrics.RecordChunkForwarded(n)
			}
		}

		if err != nil {
			if err != io.EOF && !b.isClosed() {
				b.logger.Warn("producer connection read error",
					slog.Int("port", b.config.Port),
					slog.Int("conn_id", id),
					slog.String("error", err.Error()),
				)
			} else {
				// A closing connection ends only its own read loop; the
				// output stays open because the producer may reconnect.
				b.logger.Debug("producer connection closed",
					slog.Int("port", b.config.Port),
					slog.Int("conn_id", id),
				)
			}
			return
		}
	}
}

// isClosed reports whether Destroy has been invoked
func (b *Bridge) isClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

// Destroy tears the bridge down in two phases: first the producer-stop
// callback is invoked and awaited (its failure is logged and returned but
// never blocks cleanup), then every registered socket is half-closed and
// closed, the listener is released, and the output is ended. Destroy is
// idempotent; calls after the first are no-ops returning nil. Forwarding
// ceases the moment Destroy begins.
func (b *Bridge) Destroy(ctx context.Context) error {
	var stopErr error

	b.destroyOnce.Do(func() {
		b.logger.Info("destroying bridge", slog.Int("port", b.config.Port))

		b.mu.Lock()
		b.closed = true
		stop := b.stop
		conns := make(map[int]net.Conn, len(b.conns))
		for id, conn := range b.conns {
			conns[id] = conn
		}
		b.conns = make(map[int]net.Conn)
		b.mu.Unlock()

		// Phase 1: stop the producer through the control channel. Cleanup
		// must not leak when the control channel is unreachable, so a
		// failure here only logs.
		if stop != nil {
			if err := stop(ctx); err != nil {
				stopErr = err
				b.logger.Warn("producer stop failed during teardown",
					slog.Int("port", b.config.Port),
					slog.String("error", err.Error()),
				)
			}
		}

		// Phase 2: release the transport.
		b.cancel()

		if err := b.listener.Close(); err != nil {
			b.logger.Warn("error closing listener",
				slog.Int("port", b.config.Port),
				slog.String("error", err.Error()),
			)
		}

		for id, conn := range conns {
			// Half-close first so in-flight bytes flush instead of being
			// reset on the wire.
			if tc, ok := conn.(*net.TCPConn); ok {
				if err := tc.CloseWrite(); err != nil {
					b.logger.Debug("half-close failed",
						slog.Int("conn_id", id),
						slog.String("error", err.Error()),
					)
				}
			}
			if err := conn.Close(); err != nil {
				b.logger.Warn("error closing connection",
					slog.Int("conn_id", id),
					slog.String("error", err.Error()),
				)
			}
		}

		b.out.close()
		b.wg.Wait()

		b.mu.RLock()
		connsAccepted := b.connsAccepted
		bytesForwarded := b.bytesForwarded
		b.mu.RUnlock()

		b.logger.Info("bridge closed",
			slog.Int("port", b.config.Port),
			slog.Uint64("connections_accepted", connsAccepted),
			slog.Uint64("bytes_forwarded", bytesForwarded),
		)
	})

	return stopErr
}

// GetStatistics returns current bridge statistics
func (b *Bridge) GetStatistics() Statistics {
	b.mu.RLock()
	defer b.mu.RUnlock()

	state := StateListening
	if b.closed {
		state = StateClosed
	}

	return Statistics{
		Port:                b.config.Port,
		State:               state,
		ConnectionsAccepted: b.connsAccepted,
		BytesForwarded:      b.bytesForwarded,
		Output:              b.out.Stats(),
	}
}
