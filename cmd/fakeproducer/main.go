package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/noeRls/puppeteer-stream/internal/control"
)

// fakeProducer simulates the capture runtime's control surface: it reports
// the start capability after a configurable warmup, and on a start command
// dials the session port and pushes a steady byte stream until stopped.
type fakeProducer struct {
	readyAt   time.Time
	chunkSize int
	interval  time.Duration

	mu      sync.Mutex
	streams map[int64]chan struct{}
}

func main() {
	listen := flag.String("listen", "127.0.0.1:9222", "Control surface listen address")
	warmup := flag.Duration("warmup", 2*time.Second, "Delay before the start capability becomes available")
	chunkSize := flag.Int("chunk", 4096, "Bytes per pushed chunk")
	interval := flag.Duration("interval", 100*time.Millisecond, "Delay between pushed chunks")
	flag.Parse()

	p := &fakeProducer{
		readyAt:   time.Now().Add(*warmup),
		chunkSize: *chunkSize,
		interval:  *interval,
		streams:   make(map[int64]chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/capability", p.handleCapability)
	mux.HandleFunc("/start", p.handleStart)
	mux.HandleFunc("/stop", p.handleStop)

	log.Printf("🎥 Fake producer control surface on %s (ready in %s)", *listen, *warmup)
	if err := http.ListenAndServe(*listen, mux); err != nil {
		log.Fatalf("control surface failed: %v", err)
	}
}

func (p *fakeProducer) handleCapability(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	available := name == control.StartCapability && time.Now().After(p.readyAt)

	log.Printf("🔍 Capability probe: %s -> %v", name, available)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"capability": name,
		"available":  available,
	})
}

func (p *fakeProducer) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req control.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid start request", http.StatusBadRequest)
		return
	}

	stop := make(chan struct{})
	p.mu.Lock()
	if _, exists := p.streams[req.SessionIndex]; exists {
		p.mu.Unlock()
		http.Error(w, "Session already started", http.StatusConflict)
		return
	}
	p.streams[req.SessionIndex] = stop
	p.mu.Unlock()

	log.Printf("▶️  Start: session=%d port=%d audio=%v video=%v mime=%q",
		req.SessionIndex, req.Port, req.Audio, req.Video, req.MimeType)

	go p.push(req, stop)

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"status":"started"}`)
}

func (p *fakeProducer) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		SessionIndex int64 `json:"session_index"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid stop request", http.StatusBadRequest)
		return
	}

	p.mu.Lock()
	stop, exists := p.streams[req.SessionIndex]
	if exists {
		delete(p.streams, req.SessionIndex)
		close(stop)
	}
	p.mu.Unlock()

	log.Printf("⏹️  Stop: session=%d known=%v", req.SessionIndex, exists)

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"status":"stopped"}`)
}

// push dials the session's loopback port and writes chunks until stopped.
// Write errors end the push; the bridge tolerates reconnects, but this tool
// keeps a single connection per session.
func (p *fakeProducer) push(req control.StartRequest, stop <-chan struct{}) {
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", req.Port))
	if err != nil {
		log.Printf("❌ session=%d dial failed: %v", req.SessionIndex, err)
		return
	}
	defer conn.Close()

	chunk := make([]byte, p.chunkSize)
	for i := range chunk {
		chunk[i] = byte('a' + i%26)
	}

	var sent uint64
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			log.Printf("✅ session=%d finished, sent %d bytes", req.SessionIndex, sent)
			return
		case <-ticker.C:
			n, err := conn.Write(chunk)
			sent += uint64(n)
			if err != nil {
				log.Printf("❌ session=%d write failed after %d bytes: %v", req.SessionIndex, sent, err)
				return
			}
		}
	}
}
