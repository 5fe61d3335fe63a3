package blob

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// cas is a content-addressed chunk store. Chunks are named by the SHA-256
// of their plaintext and stored zstd-compressed under a two-level directory.
type cas struct {
	dir string

	encoderPool sync.Pool
	decoderPool sync.Pool
}

func newCAS(dir string) (*cas, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create chunks dir: %w", err)
	}
	c := &cas{dir: dir}
	c.encoderPool = sync.Pool{
		New: func() interface{} {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
			return enc
		},
	}
	c.decoderPool = sync.Pool{
		New: func() interface{} {
			dec, _ := zstd.NewReader(nil)
			return dec
		},
	}
	return c, nil
}

// write stores a chunk under hash, which must be contentHash(data).
// existed is true when an identical chunk was already present.
func (c *cas) write(hash string, data []byte) (existed bool, err error) {
	path := c.path(hash)
	if fileExists(path) {
		return true, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return false, fmt.Errorf("create chunk dir: %w", err)
	}

	enc := c.encoderPool.Get().(*zstd.Encoder)
	compressed := enc.EncodeAll(data, nil)
	c.encoderPool.Put(enc)

	// Identical content compresses identically, so concurrent writers of the
	// same hash race harmlessly on the rename.
	if err := atomicWriteFile(path, compressed, ".chunk-*.tmp"); err != nil {
		return false, fmt.Errorf("write chunk: %w", err)
	}
	return false, nil
}

// read returns a chunk's plaintext and verifies its hash.
func (c *cas) read(hash string) ([]byte, error) {
	compressed, err := os.ReadFile(c.path(hash))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("chunk not found: %s", hash)
	}
	if err != nil {
		return nil, fmt.Errorf("read chunk: %w", err)
	}

	dec := c.decoderPool.Get().(*zstd.Decoder)
	data, err := dec.DecodeAll(compressed, nil)
	c.decoderPool.Put(dec)
	if err != nil {
		return nil, fmt.Errorf("decompress chunk: %w", err)
	}

	if actual := contentHash(data); actual != hash {
		return nil, fmt.Errorf("chunk hash mismatch: expected %s, got %s (data corruption)", hash, actual)
	}
	return data, nil
}

func (c *cas) remove(hash string) error {
	if err := os.Remove(c.path(hash)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete chunk: %w", err)
	}
	return nil
}

func (c *cas) path(hash string) string {
	if len(hash) < 2 {
		return filepath.Join(c.dir, hash)
	}
	return filepath.Join(c.dir, hash[:2], hash)
}

func contentHash(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// atomicWriteFile writes via a temp file in the same directory and renames
// it into place. FILEVAULT_NO_FSYNC=1 skips the fsync.
func atomicWriteFile(path string, data []byte, pattern string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), pattern)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if os.Getenv("FILEVAULT_NO_FSYNC") == "" {
		if err := tmp.Sync(); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
			return err
		}
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}
