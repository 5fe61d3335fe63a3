package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/forlifetrading/filevault/internal/apperr"
	"github.com/forlifetrading/filevault/internal/metrics"
	"github.com/rs/zerolog/log"
)

// Metadata keys recorded with every object.
const (
	metaOwner    = "owner"
	metaCategory = "category"
	metaName     = "name"
)

// Options configure a Store.
type Options struct {
	// Policies override DefaultPolicies per category.
	Policies map[Category]Policy
	// IOTimeout bounds each backend call. Zero disables the bound.
	IOTimeout time.Duration
	Metrics   *metrics.Metrics
	// Now is overridden in tests.
	Now func() time.Time
}

// Store validates and persists blobs on a Backend.
type Store struct {
	backend  Backend
	policies map[Category]Policy
	timeout  time.Duration
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewStore wraps backend with category policies.
func NewStore(backend Backend, opts Options) *Store {
	policies := DefaultPolicies()
	for c, p := range opts.Policies {
		policies[c] = p
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		backend:  backend,
		policies: policies,
		timeout:  opts.IOTimeout,
		metrics:  opts.Metrics,
		now:      now,
	}
}

// Backend returns the underlying backend.
func (s *Store) Backend() Backend { return s.backend }

// Policy returns the effective policy for a category.
func (s *Store) Policy(c Category) Policy { return s.policies[c] }

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Store) observe(op string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	s.metrics.RecordBlobOp(op, status, time.Since(start).Seconds())
}

// Upload validates file against the category policy and stores it.
// It returns the blob's URL.
func (s *Store) Upload(ctx context.Context, file File, category Category, owner string, opts UploadOptions) (url string, err error) {
	if owner == "" {
		return "", fmt.Errorf("owner is required: %w", apperr.ErrInvalidInput)
	}
	if _, err := ParseCategory(string(category)); err != nil {
		return "", err
	}
	policy := s.policies[category]
	if policy.MaxSize > 0 && file.Size > policy.MaxSize {
		s.metrics.RecordRejected("size_exceeded")
		return "", fmt.Errorf("%s is %d bytes, %s limit is %d: %w",
			file.Name, file.Size, category, policy.MaxSize, apperr.ErrSizeExceeded)
	}
	if !policy.Allows(file.ContentType) {
		s.metrics.RecordRejected("type_not_allowed")
		return "", fmt.Errorf("%q not accepted for %s: %w", file.ContentType, category, apperr.ErrTypeNotAllowed)
	}

	start := time.Now()
	defer func() { s.observe("upload", start, err) }()

	name := file.Name
	if opts.Identifier != "" {
		name = opts.Identifier
	}
	key := objectKey(category, owner, name, s.now())
	meta := map[string]string{
		metaOwner:    owner,
		metaCategory: string(category),
		metaName:     file.Name,
	}

	body := file.Body
	if body == nil {
		body = strings.NewReader("")
	}
	var pr *progressReader
	if opts.Progress != nil {
		pr = newProgressReader(body, file.Size, opts.Progress)
		body = pr
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	obj, err := s.backend.Put(ctx, key, body, file.Size, normalizeType(file.ContentType), meta)
	if err != nil {
		return "", apperr.IO("upload "+key, timeoutErr(ctx, err))
	}
	if pr != nil {
		pr.done()
	}
	s.metrics.RecordUpload(obj.Size)

	log.Debug().Str("key", key).Str("owner", owner).Int64("size", obj.Size).Msg("blob uploaded")
	return s.backend.URL(key), nil
}

// UploadProfileImage stores a profile image for userID.
func (s *Store) UploadProfileImage(ctx context.Context, file File, userID string, progress func(int)) (string, error) {
	return s.Upload(ctx, file, CategoryProfile, userID, UploadOptions{Progress: progress})
}

// UploadKYCDocument stores a KYC document, keyed by its document type.
func (s *Store) UploadKYCDocument(ctx context.Context, file File, userID, docType string, progress func(int)) (string, error) {
	return s.Upload(ctx, file, CategoryKYC, userID, UploadOptions{Identifier: docType, Progress: progress})
}

// UploadPaymentScreenshot stores a payment proof, keyed by payment id.
func (s *Store) UploadPaymentScreenshot(ctx context.Context, file File, userID, paymentID string, progress func(int)) (string, error) {
	return s.Upload(ctx, file, CategoryPayment, userID, UploadOptions{Identifier: paymentID, Progress: progress})
}

// Delete removes the blob at url. A blob that is already gone is success.
// Deleting another owner's blob is denied.
func (s *Store) Delete(ctx context.Context, url, owner string) (err error) {
	key, err := s.KeyFromURL(url)
	if err != nil {
		return err
	}
	if _, keyOwner, _, _, ok := parseKey(key); ok && owner != "" && keyOwner != sanitize(owner) {
		return fmt.Errorf("blob %s belongs to another user: %w", key, apperr.ErrPermissionDenied)
	}

	start := time.Now()
	defer func() { s.observe("delete", start, err) }()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.backend.Delete(ctx, key); err != nil {
		if errors.Is(err, apperr.ErrBlobNotFound) {
			log.Debug().Str("key", key).Msg("blob already deleted")
			return nil
		}
		return apperr.IO("delete "+key, timeoutErr(ctx, err))
	}
	return nil
}

// List returns the owner's blobs in storage order, optionally limited to
// one category. An owner without blobs gets an empty slice.
func (s *Store) List(ctx context.Context, owner string, category Category) (blobs []Blob, err error) {
	start := time.Now()
	defer func() { s.observe("list", start, err) }()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cats := Categories
	if category != "" {
		if _, err := ParseCategory(string(category)); err != nil {
			return nil, err
		}
		cats = []Category{category}
	}

	blobs = []Blob{}
	for _, c := range cats {
		objs, err := s.backend.List(ctx, string(c)+"/"+sanitize(owner)+"/")
		if err != nil {
			return nil, apperr.IO("list "+string(c), timeoutErr(ctx, err))
		}
		for _, o := range objs {
			if o.ContentType == "" {
				// Listings from some backends omit headers.
				if full, err := s.backend.Head(ctx, o.Key); err == nil {
					o = full
				}
			}
			blobs = append(blobs, s.toBlob(o))
		}
	}
	return blobs, nil
}

// Head returns metadata for the blob at url.
func (s *Store) Head(ctx context.Context, url string) (Blob, error) {
	key, err := s.KeyFromURL(url)
	if err != nil {
		return Blob{}, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	obj, err := s.backend.Head(ctx, key)
	if err != nil {
		return Blob{}, apperr.IO("head "+key, timeoutErr(ctx, err))
	}
	return s.toBlob(obj), nil
}

// Open streams the blob at url. The caller closes the reader.
func (s *Store) Open(ctx context.Context, url string) (io.ReadCloser, Blob, error) {
	key, err := s.KeyFromURL(url)
	if err != nil {
		return nil, Blob{}, err
	}
	rc, obj, err := s.backend.Get(ctx, key)
	if err != nil {
		return nil, Blob{}, apperr.IO("get "+key, err)
	}
	return rc, s.toBlob(obj), nil
}

// Get reads the whole blob at url.
func (s *Store) Get(ctx context.Context, url string) (data []byte, b Blob, err error) {
	start := time.Now()
	defer func() { s.observe("get", start, err) }()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rc, b, err := s.Open(ctx, url)
	if err != nil {
		return nil, Blob{}, timeoutErr(ctx, err)
	}
	defer func() { _ = rc.Close() }()

	data, err = io.ReadAll(rc)
	if err != nil {
		return nil, Blob{}, apperr.IO("read "+b.Key, timeoutErr(ctx, err))
	}
	s.metrics.RecordDownload(int64(len(data)))
	return data, b, nil
}

// PresignedURL returns a time-limited direct URL when the backend supports it.
func (s *Store) PresignedURL(ctx context.Context, url string, ttl time.Duration) (string, bool, error) {
	p, ok := s.backend.(Presigner)
	if !ok {
		return "", false, nil
	}
	key, err := s.KeyFromURL(url)
	if err != nil {
		return "", false, err
	}
	signed, err := p.PresignGet(ctx, key, ttl)
	if err != nil {
		return "", false, apperr.IO("presign", err)
	}
	return signed, true, nil
}

// KeyFromURL maps a blob URL back to its storage key.
func (s *Store) KeyFromURL(url string) (string, error) {
	base := s.backend.URL("")
	if !strings.HasPrefix(url, base) {
		return "", fmt.Errorf("%q is not a blob url: %w", url, apperr.ErrInvalidInput)
	}
	key := strings.TrimPrefix(url, base)
	if err := validateKey(key); err != nil {
		return "", err
	}
	return key, nil
}

func (s *Store) toBlob(o Object) Blob {
	b := Blob{
		URL:         s.backend.URL(o.Key),
		Key:         o.Key,
		Size:        o.Size,
		ContentType: o.ContentType,
		CreatedAt:   o.LastModified,
	}
	if c, owner, name, created, ok := parseKey(o.Key); ok {
		b.Category, b.Owner, b.Name, b.CreatedAt = c, owner, name, created
	}
	if o.Metadata != nil {
		if v := o.Metadata[metaOwner]; v != "" {
			b.Owner = v
		}
		if v := o.Metadata[metaName]; v != "" {
			b.Name = v
		}
	}
	return b
}

// timeoutErr prefers the context error when the deadline caused err.
func timeoutErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		return fmt.Errorf("%w: %w", ctxErr, err)
	}
	return err
}
