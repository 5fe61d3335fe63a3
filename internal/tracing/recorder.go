// Package tracing keeps a rolling runtime trace that operators can download
// while diagnosing slow uploads or backups.
package tracing

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"runtime/trace"
	"strconv"
	"sync"
	"time"
)

// DefaultBufferSize is the default size of the trace ring buffer (10MB).
const DefaultBufferSize = 10 << 20

// DefaultMinAge is how much recent history the ring buffer keeps at least.
const DefaultMinAge = 30 * time.Second

// ErrNotRunning is returned by Snapshot before Start or after Stop.
var ErrNotRunning = errors.New("trace recorder not running")

// Recorder wraps a runtime flight recorder. Only one may run per process.
type Recorder struct {
	mu       sync.Mutex
	fr       *trace.FlightRecorder
	maxBytes uint64
	minAge   time.Duration
	now      func() time.Time
}

// NewRecorder creates a stopped recorder. Non-positive values select defaults.
func NewRecorder(bufferSize int64, minAge time.Duration) *Recorder {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if minAge <= 0 {
		minAge = DefaultMinAge
	}
	return &Recorder{maxBytes: uint64(bufferSize), minAge: minAge, now: time.Now}
}

// Start begins recording. Starting a running recorder is a no-op.
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fr != nil {
		return nil
	}
	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{MinAge: r.minAge, MaxBytes: r.maxBytes})
	if err := fr.Start(); err != nil {
		return fmt.Errorf("start flight recorder: %w", err)
	}
	r.fr = fr
	return nil
}

// Running reports whether the recorder is active.
func (r *Recorder) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fr != nil
}

// Snapshot returns the buffered trace in `go tool trace` format.
func (r *Recorder) Snapshot() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fr == nil {
		return nil, ErrNotRunning
	}
	var buf bytes.Buffer
	if _, err := r.fr.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("write trace: %w", err)
	}
	return buf.Bytes(), nil
}

// Stop ends recording. It is safe to call more than once.
func (r *Recorder) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fr != nil {
		r.fr.Stop()
		r.fr = nil
	}
}

// ServeHTTP serves a snapshot as an attachment.
func (r *Recorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	data, err := r.Snapshot()
	if errors.Is(err, ErrNotRunning) {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	name := "filevault-" + r.now().UTC().Format("20060102-150405") + ".trace"
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}
