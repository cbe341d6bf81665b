package bridge

import (
	"errors"
	"io"
	"sync"
)

// ErrOutputClosed is returned by append once the bridge has been destroyed.
var ErrOutputClosed = errors.New("output closed")

// Output is the single ordered byte sequence of a bridge. Connection readers
// funnel received chunks into it in receipt order; a consumer drains it
// through the io.Reader contract. Reads block while the buffer is empty and
// only return io.EOF after the owning bridge is destroyed — a quiet producer
// never ends the stream. Appends block while the buffered byte count is at or
// above the configured threshold, which stalls the socket readers and lets
// TCP flow control pause the producer.
type Output struct {
	mu        sync.Mutex
	notEmpty  *sync.Cond
	notFull   *sync.Cond
	buf       []byte
	threshold int
	closed    bool

	resumeOnce sync.Once
	resumed    chan struct{}

	totalBytes uint64
	chunks     uint64
}

// OutputStats represents output buffer statistics for monitoring
type OutputStats struct {
	BytesTotal uint64 `json:"bytes_total"`
	Chunks     uint64 `json:"chunks"`
	Buffered   int    `json:"buffered_bytes"`
}

func newOutput(thresholdBytes int, autoResume bool) *Output {
	if thresholdBytes <= 0 {
		thresholdBytes = 1 << 20
	}

	o := &Output{
		threshold: thresholdBytes,
		resumed:   make(chan struct{}),
	}
	o.notEmpty = sync.NewCond(&o.mu)
	o.notFull = sync.NewCond(&o.mu)

	if autoResume {
		o.Resume()
	}

	return o
}

// Resume marks the output as flowing. Without it (and without a first Read)
// connection readers leave inbound bytes in the kernel socket buffers.
func (o *Output) Resume() {
	o.resumeOnce.Do(func() {
		close(o.resumed)
	})
}

// Flowing returns a channel that is closed once the output is flowing
func (o *Output) Flowing() <-chan struct{} {
	return o.resumed
}

// append adds a received chunk to the buffer in receipt order, blocking while
// the buffer is at or above the threshold
func (o *Output) append(p []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	for !o.closed && len(o.buf) >= o.threshold {
		o.notFull.Wait()
	}

	if o.closed {
		return ErrOutputClosed
	}

	o.buf = append(o.buf, p...)
	o.totalBytes += uint64(len(p))
	o.chunks++
	o.notEmpty.Signal()

	return nil
}

// Read implements io.Reader. The first call resumes a paused output. It
// blocks until bytes are available and returns io.EOF only once the bridge
// has been destroyed and the buffer drained.
func (o *Output) Read(p []byte) (int, error) {
	o.Resume()

	o.mu.Lock()
	defer o.mu.Unlock()

	for len(o.buf) == 0 && !o.closed {
		o.notEmpty.Wait()
	}

	if len(o.buf) == 0 {
		return 0, io.EOF
	}

	n := copy(p, o.buf)
	o.buf = o.buf[n:]
	if len(o.buf) == 0 {
		// Release the drained backing array instead of growing it forever.
		o.buf = nil
	}
	o.notFull.Broadcast()

	return n, nil
}

// close ends the stream: blocked appenders fail with ErrOutputClosed and
// readers observe io.EOF after draining what is buffered
func (o *Output) close() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return
	}

	o.closed = true
	o.notEmpty.Broadcast()
	o.notFull.Broadcast()
}

// Buffered returns the number of bytes currently buffered
func (o *Output) Buffered() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.buf)
}

// Stats returns current output statistics
func (o *Output) Stats() OutputStats {
	o.mu.Lock()
	defer o.mu.Unlock()

	return OutputStats{
		BytesTotal: o.totalBytes,
		Chunks:     o.chunks,
		Buffered:   len(o.buf),
	}
}
