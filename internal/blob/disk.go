package blob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/forlifetrading/filevault/internal/metrics"
	"github.com/rs/zerolog/log"
)

// diskMeta is the sidecar persisted for each object.
type diskMeta struct {
	Object
	Chunks []string `json:"chunks,omitempty"`
}

// DiskBackend stores objects as deduplicated chunks on the local filesystem.
//
//	<root>/chunks/ab/abcdef...   zstd-compressed chunk
//	<root>/objects/<key>.json    object metadata and ordered chunk list
type DiskBackend struct {
	root    string
	baseURL string
	cas     *cas
	metrics *metrics.Metrics

	// mu serializes metadata writes against chunk collection. Chunks are
	// written without it; pinned counts the in-flight writers of each chunk
	// so collection leaves them alone until their metadata lands.
	mu     sync.Mutex
	pinned map[string]int
}

// NewDiskBackend opens or creates a disk backend under root. URLs are
// "<baseURL>/blobs/<key>".
func NewDiskBackend(root, baseURL string, m *metrics.Metrics) (*DiskBackend, error) {
	c, err := newCAS(filepath.Join(root, "chunks"))
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(root, "objects"), 0755); err != nil {
		return nil, fmt.Errorf("create objects dir: %w", err)
	}
	return &DiskBackend{
		root:    root,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		cas:     c,
		metrics: m,
		pinned:  make(map[string]int),
	}, nil
}

func (d *DiskBackend) metaPath(key string) string {
	return filepath.Join(d.root, "objects", filepath.FromSlash(key)+".json")
}

// Put implements Backend. The body is chunked and stored without holding
// the metadata lock, so a slow upload does not stall other writers.
func (d *DiskBackend) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string, meta map[string]string) (Object, error) {
	if err := validateKey(key); err != nil {
		return Object{}, err
	}

	chunks, written, err := d.writeChunks(ctx, r)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.unpin(chunks)
	if err != nil {
		d.collect(chunks)
		return Object{}, err
	}
	if size >= 0 && written != size {
		log.Debug().Str("key", key).Int64("declared", size).Int64("written", written).Msg("size mismatch on put")
	}

	old, _ := d.readMeta(key)

	m := diskMeta{
		Object: Object{
			Key:          key,
			Size:         written,
			ContentType:  contentType,
			LastModified: time.Now().UTC(),
			Metadata:     meta,
		},
		Chunks: chunks,
	}
	if err := d.writeMeta(key, m); err != nil {
		d.collect(chunks)
		return Object{}, err
	}

	if old != nil {
		d.collect(old.Chunks)
	}
	return m.Object, nil
}

// writeChunks stores r as chunks and returns their hashes in order. Every
// returned hash is pinned, including on error; the caller unpins them.
func (d *DiskBackend) writeChunks(ctx context.Context, r io.Reader) ([]string, int64, error) {
	ch := newChunker(r)
	var chunks []string
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return chunks, written, fmt.Errorf("upload canceled: %w", err)
		}
		chunk, err := ch.next()
		if errors.Is(err, io.EOF) {
			return chunks, written, nil
		}
		if err != nil {
			return chunks, written, fmt.Errorf("read chunk: %w", err)
		}
		hash := contentHash(chunk)
		d.mu.Lock()
		d.pinned[hash]++
		d.mu.Unlock()
		chunks = append(chunks, hash)

		existed, err := d.cas.write(hash, chunk)
		if err != nil {
			return chunks, written, err
		}
		if existed {
			d.metrics.RecordDedup(int64(len(chunk)))
		}
		written += int64(len(chunk))
	}
}

// unpin releases chunks pinned by writeChunks. Caller holds d.mu.
func (d *DiskBackend) unpin(chunks []string) {
	for _, h := range chunks {
		if d.pinned[h]--; d.pinned[h] <= 0 {
			delete(d.pinned, h)
		}
	}
}

func (d *DiskBackend) writeMeta(key string, m diskMeta) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal object meta: %w", err)
	}
	path := d.metaPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create meta dir: %w", err)
	}
	if err := atomicWriteFile(path, data, ".meta-*.tmp"); err != nil {
		return fmt.Errorf("write object meta: %w", err)
	}
	return nil
}

// Get implements Backend. Chunks are read lazily as the caller consumes.
func (d *DiskBackend) Get(ctx context.Context, key string) (io.ReadCloser, Object, error) {
	if err := validateKey(key); err != nil {
		return nil, Object{}, err
	}
	m, err := d.readMeta(key)
	if err != nil {
		return nil, Object{}, err
	}
	return &chunkReader{ctx: ctx, cas: d.cas, chunks: m.Chunks}, m.Object, nil
}

// Head implements Backend.
func (d *DiskBackend) Head(_ context.Context, key string) (Object, error) {
	if err := validateKey(key); err != nil {
		return Object{}, err
	}
	m, err := d.readMeta(key)
	if err != nil {
		return Object{}, err
	}
	return m.Object, nil
}

// Delete implements Backend and removes chunks no other object references.
func (d *DiskBackend) Delete(_ context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	m, err := d.readMeta(key)
	if err != nil {
		return err
	}
	if err := os.Remove(d.metaPath(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete object meta: %w", err)
	}
	d.collect(m.Chunks)
	return nil
}

// List implements Backend.
func (d *DiskBackend) List(ctx context.Context, prefix string) ([]Object, error) {
	objectsDir := filepath.Join(d.root, "objects")
	var out []Object
	err := filepath.WalkDir(objectsDir, func(path string, e os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if e.IsDir() || !strings.HasSuffix(path, ".json") {
			return nil
		}
		rel, err := filepath.Rel(objectsDir, path)
		if err != nil {
			return nil
		}
		key := strings.TrimSuffix(filepath.ToSlash(rel), ".json")
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		m, err := d.readMeta(key)
		if err != nil {
			// Deleted between walk and read.
			return nil
		}
		out = append(out, m.Object)
		return ctx.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// URL implements Backend.
func (d *DiskBackend) URL(key string) string {
	return d.baseURL + "/blobs/" + key
}

func (d *DiskBackend) readMeta(key string) (*diskMeta, error) {
	data, err := os.ReadFile(d.metaPath(key))
	if os.IsNotExist(err) {
		return nil, notFound(key)
	}
	if err != nil {
		return nil, fmt.Errorf("read object meta: %w", err)
	}
	var m diskMeta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse object meta: %w", err)
	}
	return &m, nil
}

// collect deletes candidate chunks that no object references and no
// in-flight Put has pinned. Caller holds d.mu.
func (d *DiskBackend) collect(candidates []string) {
	unreferenced := make(map[string]bool, len(candidates))
	for _, h := range candidates {
		if d.pinned[h] == 0 {
			unreferenced[h] = true
		}
	}
	if len(unreferenced) == 0 {
		return
	}

	objectsDir := filepath.Join(d.root, "objects")
	err := filepath.WalkDir(objectsDir, func(path string, e os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if e.IsDir() || !strings.HasSuffix(path, ".json") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		var m diskMeta
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		for _, h := range m.Chunks {
			delete(unreferenced, h)
		}
		if len(unreferenced) == 0 {
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		// Keep everything when references cannot be determined.
		log.Warn().Err(err).Msg("chunk reference scan failed, skipping collection")
		return
	}

	removed := 0
	for h := range unreferenced {
		if err := d.cas.remove(h); err != nil {
			log.Warn().Err(err).Str("chunk", h).Msg("failed to remove chunk")
			continue
		}
		removed++
	}
	d.metrics.RecordChunkGC(removed)
}

// chunkReader streams an object's chunks in order.
type chunkReader struct {
	ctx    context.Context
	cas    *cas
	chunks []string
	cur    []byte
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for len(r.cur) == 0 {
		if len(r.chunks) == 0 {
			return 0, io.EOF
		}
		if err := r.ctx.Err(); err != nil {
			return 0, err
		}
		data, err := r.cas.read(r.chunks[0])
		if err != nil {
			return 0, err
		}
		r.chunks = r.chunks[1:]
		r.cur = data
	}
	n := copy(p, r.cur)
	r.cur = r.cur[n:]
	return n, nil
}

func (r *chunkReader) Close() error {
	r.chunks = nil
	r.cur = nil
	return nil
}
