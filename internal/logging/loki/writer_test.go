package loki

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lokiRecorder struct {
	mu       sync.Mutex
	pushes   []pushRequest
	encoding []string
	status   int
}

func (l *lokiRecorder) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, pushPath, r.URL.Path)
		var body io.Reader = r.Body
		if r.Header.Get("Content-Encoding") == "gzip" {
			zr, err := gzip.NewReader(r.Body)
			if !assert.NoError(t, err) {
				return
			}
			body = zr
		}
		var req pushRequest
		if !assert.NoError(t, json.NewDecoder(body).Decode(&req)) {
			return
		}
		l.mu.Lock()
		l.pushes = append(l.pushes, req)
		l.encoding = append(l.encoding, r.Header.Get("Content-Encoding"))
		status := l.status
		l.mu.Unlock()
		if status == 0 {
			status = http.StatusNoContent
		}
		w.WriteHeader(status)
	}
}

func (l *lokiRecorder) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pushes)
}

func newLoki(t *testing.T) (*lokiRecorder, *httptest.Server) {
	rec := &lokiRecorder{}
	srv := httptest.NewServer(rec.handler(t))
	t.Cleanup(srv.Close)
	return rec, srv
}

func TestNewWriter_Defaults(t *testing.T) {
	w, err := NewWriter(Config{URL: "http://localhost:3100"})
	require.NoError(t, err)

	assert.Equal(t, defaultBatchSize, w.batchSize)
	assert.Equal(t, defaultMaxBuffer, w.maxBuffer)
	assert.Equal(t, defaultFlushInterval, w.interval)
	assert.Equal(t, "filevault", w.labels["service"])
	assert.Equal(t, "http://localhost:3100/loki/api/v1/push", w.endpoint)
}

func TestNewWriter_KeepsCallerLabels(t *testing.T) {
	labels := map[string]string{"service": "vault-a", "env": "prod"}
	w, err := NewWriter(Config{URL: "http://localhost:3100/", Labels: labels})
	require.NoError(t, err)

	assert.Equal(t, "vault-a", w.labels["service"])
	assert.Equal(t, "prod", w.labels["env"])

	w.SetLabels(map[string]string{"instance": "a1"})
	assert.NotContains(t, labels, "instance", "caller map must not be mutated")
}

func TestNewWriter_RejectsRelativeURL(t *testing.T) {
	_, err := NewWriter(Config{URL: "loki:3100"})
	assert.Error(t, err)
	_, err = NewWriter(Config{})
	assert.Error(t, err)
}

func TestWriter_SkipsBlankLines(t *testing.T) {
	w, err := NewWriter(Config{URL: "http://localhost:3100"})
	require.NoError(t, err)

	n, err := w.Write([]byte("  \n"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Empty(t, w.lines)
}

func TestWriter_FlushSendsPayload(t *testing.T) {
	rec, srv := newLoki(t)
	w, err := NewWriter(Config{URL: srv.URL, Labels: map[string]string{"env": "test"}})
	require.NoError(t, err)

	_, _ = w.Write([]byte(`{"level":"info","message":"upload stored"}` + "\n"))
	_, _ = w.Write([]byte(`{"level":"warn","message":"share expired"}`))
	w.Flush(context.Background())

	require.Equal(t, 1, rec.count())
	push := rec.pushes[0]
	require.Len(t, push.Streams, 1)
	assert.Equal(t, "filevault", push.Streams[0].Stream["service"])
	assert.Equal(t, "test", push.Streams[0].Stream["env"])
	require.Len(t, push.Streams[0].Values, 2)
	assert.Equal(t, `{"level":"info","message":"upload stored"}`, push.Streams[0].Values[0][1])
	assert.Empty(t, rec.encoding[0])
	assert.Empty(t, w.lines)
}

func TestWriter_GzipBody(t *testing.T) {
	rec, srv := newLoki(t)
	w, err := NewWriter(Config{URL: srv.URL, Gzip: true})
	require.NoError(t, err)

	_, _ = w.Write([]byte("compressed line"))
	w.Flush(context.Background())

	require.Equal(t, 1, rec.count())
	assert.Equal(t, "gzip", rec.encoding[0])
	assert.Equal(t, "compressed line", rec.pushes[0].Streams[0].Values[0][1])
}

func TestWriter_FlushEmptyBufferDoesNothing(t *testing.T) {
	rec, srv := newLoki(t)
	w, err := NewWriter(Config{URL: srv.URL})
	require.NoError(t, err)

	w.Flush(context.Background())
	assert.Zero(t, rec.count())
}

func TestWriter_BatchFullTriggersFlush(t *testing.T) {
	rec, srv := newLoki(t)
	w, err := NewWriter(Config{URL: srv.URL, BatchSize: 3, FlushInterval: time.Hour})
	require.NoError(t, err)
	w.Start()
	defer w.Stop()

	for i := 0; i < 3; i++ {
		_, _ = w.Write([]byte("line"))
	}
	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestWriter_PeriodicFlush(t *testing.T) {
	rec, srv := newLoki(t)
	w, err := NewWriter(Config{URL: srv.URL, FlushInterval: 20 * time.Millisecond})
	require.NoError(t, err)
	w.Start()
	defer w.Stop()

	_, _ = w.Write([]byte("tick"))
	require.Eventually(t, func() bool { return rec.count() >= 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestWriter_StopFlushesRemainder(t *testing.T) {
	rec, srv := newLoki(t)
	w, err := NewWriter(Config{URL: srv.URL, FlushInterval: time.Hour})
	require.NoError(t, err)
	w.Start()

	_, _ = w.Write([]byte("last words"))
	w.Stop()
	w.Stop()

	assert.Equal(t, 1, rec.count())
}

func TestWriter_FailedPushIsRequeued(t *testing.T) {
	rec, srv := newLoki(t)
	rec.status = http.StatusServiceUnavailable
	w, err := NewWriter(Config{URL: srv.URL})
	require.NoError(t, err)

	_, _ = w.Write([]byte("retry me"))
	w.Flush(context.Background())
	assert.Equal(t, uint64(1), w.FlushErrors())
	require.Len(t, w.lines, 1)

	rec.mu.Lock()
	rec.status = 0
	rec.mu.Unlock()
	w.Flush(context.Background())
	assert.Empty(t, w.lines)
	assert.Equal(t, 2, rec.count())
}

func TestWriter_BufferCapDropsOldest(t *testing.T) {
	w, err := NewWriter(Config{URL: "http://127.0.0.1:1", BatchSize: 2, MaxBuffer: 3, Timeout: 100 * time.Millisecond})
	require.NoError(t, err)

	for _, s := range []string{"a", "b", "c", "d", "e"} {
		_, _ = w.Write([]byte(s))
	}
	require.Len(t, w.lines, 3)
	assert.Equal(t, "c", w.lines[0].text)
	assert.Equal(t, uint64(2), w.Dropped())

	// Unreachable Loki: the batch comes back and the cap still holds.
	w.Flush(context.Background())
	assert.Len(t, w.lines, 3)
	assert.Equal(t, uint64(1), w.FlushErrors())
}

func TestWriter_ConcurrentWrites(t *testing.T) {
	rec, srv := newLoki(t)
	w, err := NewWriter(Config{URL: srv.URL, BatchSize: 10, FlushInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	w.Start()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_, _ = w.Write([]byte("concurrent"))
			}
		}()
	}
	wg.Wait()
	w.Stop()

	total := 0
	rec.mu.Lock()
	for _, p := range rec.pushes {
		total += len(p.Streams[0].Values)
	}
	rec.mu.Unlock()
	assert.Equal(t, 400, total)
}
