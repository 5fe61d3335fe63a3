// Package loki provides a zerolog writer that ships server logs to Grafana Loki.
package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzip"
)

const (
	defaultBatchSize     = 100
	defaultMaxBuffer     = 10000
	defaultFlushInterval = 5 * time.Second
	defaultTimeout       = 10 * time.Second
	pushPath             = "/loki/api/v1/push"
)

// Config holds configuration for the Loki writer.
type Config struct {
	URL    string            // Loki base URL, e.g. "http://loki:3100"
	Labels map[string]string // Static stream labels; "service" defaults to "filevault"
	// BatchSize triggers an early flush once this many lines are buffered.
	BatchSize int
	// MaxBuffer caps buffered lines while Loki is unreachable. Oldest lines are dropped.
	MaxBuffer     int
	FlushInterval time.Duration
	Timeout       time.Duration
	// Gzip compresses push bodies.
	Gzip bool
}

// Writer implements io.Writer. Lines are buffered and pushed in batches by a
// background goroutine between Start and Stop.
type Writer struct {
	endpoint string
	labels   map[string]string
	gzip     bool
	client   *http.Client

	mu        sync.Mutex
	lines     []line
	batchSize int
	maxBuffer int

	interval time.Duration
	kick     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	started  atomic.Bool
	flushMu  sync.Mutex

	dropped atomic.Uint64
	failed  atomic.Uint64
}

type line struct {
	ts   time.Time
	text string
}

type pushRequest struct {
	Streams []stream `json:"streams"`
}

type stream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

// NewWriter validates cfg and returns an unstarted writer.
func NewWriter(cfg Config) (*Writer, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("loki url must be absolute: %q", cfg.URL)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.MaxBuffer < cfg.BatchSize {
		cfg.MaxBuffer = max(defaultMaxBuffer, cfg.BatchSize)
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	labels := make(map[string]string, len(cfg.Labels)+1)
	for k, v := range cfg.Labels {
		labels[k] = v
	}
	if _, ok := labels["service"]; !ok {
		labels["service"] = "filevault"
	}

	return &Writer{
		endpoint:  u.JoinPath(pushPath).String(),
		labels:    labels,
		gzip:      cfg.Gzip,
		client:    &http.Client{Timeout: cfg.Timeout},
		lines:     make([]line, 0, cfg.BatchSize),
		batchSize: cfg.BatchSize,
		maxBuffer: cfg.MaxBuffer,
		interval:  cfg.FlushInterval,
		kick:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

// Write buffers one log line. It never fails so that an unreachable Loki
// cannot break logging.
func (w *Writer) Write(p []byte) (int, error) {
	text := string(bytes.TrimSpace(p))
	if text == "" {
		return len(p), nil
	}

	w.mu.Lock()
	if len(w.lines) >= w.maxBuffer {
		n := len(w.lines) - w.maxBuffer + 1
		w.lines = append(w.lines[:0], w.lines[n:]...)
		w.dropped.Add(uint64(n))
	}
	w.lines = append(w.lines, line{ts: time.Now(), text: text})
	full := len(w.lines) >= w.batchSize
	w.mu.Unlock()

	if full {
		select {
		case w.kick <- struct{}{}:
		default:
		}
	}
	return len(p), nil
}

// Start launches the flush loop. Calling it twice has no effect.
func (w *Writer) Start() {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-w.stop:
				return
			case <-ticker.C:
				w.Flush(context.Background())
			case <-w.kick:
				w.Flush(context.Background())
			}
		}
	}()
}

// Stop ends the flush loop and pushes whatever is still buffered.
func (w *Writer) Stop() {
	if w.started.Load() {
		select {
		case <-w.stop:
		default:
			close(w.stop)
		}
		<-w.done
	}
	w.Flush(context.Background())
}

// Flush pushes the buffered lines. Lines that fail to send are put back
// at the head of the buffer, subject to MaxBuffer.
func (w *Writer) Flush(ctx context.Context) {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	batch := w.lines
	w.lines = make([]line, 0, w.batchSize)
	w.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	if err := w.push(ctx, batch); err != nil {
		if w.failed.Add(1) <= 3 {
			// Logging through zerolog here would feed back into this writer.
			fmt.Fprintf(os.Stderr, "loki: %v\n", err)
		}
		w.requeue(batch)
	}
}

func (w *Writer) requeue(batch []line) {
	w.mu.Lock()
	defer w.mu.Unlock()
	merged := append(batch, w.lines...)
	if over := len(merged) - w.maxBuffer; over > 0 {
		merged = merged[over:]
		w.dropped.Add(uint64(over))
	}
	w.lines = merged
}

func (w *Writer) push(ctx context.Context, batch []line) error {
	values := make([][2]string, len(batch))
	for i, l := range batch {
		values[i] = [2]string{strconv.FormatInt(l.ts.UnixNano(), 10), l.text}
	}
	w.mu.Lock()
	labels := make(map[string]string, len(w.labels))
	for k, v := range w.labels {
		labels[k] = v
	}
	w.mu.Unlock()

	data, err := json.Marshal(pushRequest{Streams: []stream{{Stream: labels, Values: values}}})
	if err != nil {
		return fmt.Errorf("marshal push: %w", err)
	}

	var body bytes.Buffer
	if w.gzip {
		zw := gzip.NewWriter(&body)
		if _, err := zw.Write(data); err != nil {
			return fmt.Errorf("compress push: %w", err)
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("compress push: %w", err)
		}
	} else {
		body.Write(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, &body)
	if err != nil {
		return fmt.Errorf("build push: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.gzip {
		req.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("push logs: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push logs: status %d", resp.StatusCode)
	}
	return nil
}

// Dropped is the number of lines discarded because the buffer was full.
func (w *Writer) Dropped() uint64 { return w.dropped.Load() }

// FlushErrors is the number of failed pushes.
func (w *Writer) FlushErrors() uint64 { return w.failed.Load() }

// SetLabels merges labels into the stream labels of future pushes.
func (w *Writer) SetLabels(labels map[string]string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for k, v := range labels {
		w.labels[k] = v
	}
}
