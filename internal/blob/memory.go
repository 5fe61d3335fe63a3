package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

type memObject struct {
	obj  Object
	data []byte
}

// MemoryBackend keeps objects in process memory.
type MemoryBackend struct {
	baseURL string
	objects map[string]memObject
	mu      sync.RWMutex
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend(baseURL string) *MemoryBackend {
	return &MemoryBackend{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		objects: make(map[string]memObject),
	}
}

// Put implements Backend.
func (m *MemoryBackend) Put(ctx context.Context, key string, r io.Reader, _ int64, contentType string, meta map[string]string) (Object, error) {
	if err := validateKey(key); err != nil {
		return Object{}, err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return Object{}, fmt.Errorf("read body: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}

	md := make(map[string]string, len(meta))
	for k, v := range meta {
		md[k] = v
	}
	obj := Object{
		Key:          key,
		Size:         int64(len(data)),
		ContentType:  contentType,
		LastModified: time.Now().UTC(),
		Metadata:     md,
	}

	m.mu.Lock()
	m.objects[key] = memObject{obj: obj, data: data}
	m.mu.Unlock()
	return obj, nil
}

// Get implements Backend.
func (m *MemoryBackend) Get(_ context.Context, key string) (io.ReadCloser, Object, error) {
	m.mu.RLock()
	o, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, Object{}, notFound(key)
	}
	return io.NopCloser(bytes.NewReader(o.data)), o.obj, nil
}

// Head implements Backend.
func (m *MemoryBackend) Head(_ context.Context, key string) (Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.objects[key]
	if !ok {
		return Object{}, notFound(key)
	}
	return o.obj, nil
}

// Delete implements Backend.
func (m *MemoryBackend) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; !ok {
		return notFound(key)
	}
	delete(m.objects, key)
	return nil
}

// List implements Backend.
func (m *MemoryBackend) List(_ context.Context, prefix string) ([]Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Object
	for k, o := range m.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, o.obj)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// URL implements Backend.
func (m *MemoryBackend) URL(key string) string {
	return m.baseURL + "/blobs/" + key
}
