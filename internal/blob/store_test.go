package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/forlifetrading/filevault/internal/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	_ = os.Setenv("FILEVAULT_NO_FSYNC", "1")
	os.Exit(m.Run())
}

const testBaseURL = "http://vault.test"

func backends(t *testing.T) map[string]Backend {
	t.Helper()
	disk, err := NewDiskBackend(t.TempDir(), testBaseURL, nil)
	require.NoError(t, err)
	return map[string]Backend{
		"memory": NewMemoryBackend(testBaseURL),
		"disk":   disk,
	}
}

func jpeg(size int) File {
	return NewFile("photo.jpg", "image/jpeg", bytes.Repeat([]byte{0xFF}, size))
}

func TestUpload_ProfileSizeLimit(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := NewStore(b, Options{})
			ctx := context.Background()

			url, err := s.Upload(ctx, jpeg(2<<20), CategoryProfile, "user-1", UploadOptions{})
			require.NoError(t, err)
			assert.Contains(t, url, testBaseURL+"/blobs/profile/user-1/")

			_, err = s.Upload(ctx, jpeg(6<<20), CategoryProfile, "user-1", UploadOptions{})
			require.Error(t, err)
			assert.ErrorIs(t, err, apperr.ErrSizeExceeded)
			assert.ErrorIs(t, err, apperr.ErrValidation)
		})
	}
}

func TestUpload_TypePolicy(t *testing.T) {
	s := NewStore(NewMemoryBackend(testBaseURL), Options{})
	ctx := context.Background()

	tests := []struct {
		category Category
		mime     string
		allowed  bool
	}{
		{CategoryProfile, "image/webp", true},
		{CategoryProfile, "application/pdf", false},
		{CategoryKYC, "application/pdf", true},
		{CategoryKYC, "image/gif", false},
		{CategoryPayment, "image/png", true},
		{CategoryPayment, "image/webp", false},
		{CategoryUploads, "application/x-anything", true},
		{CategoryProfile, "IMAGE/PNG; charset=binary", true},
	}
	for _, tt := range tests {
		t.Run(string(tt.category)+"/"+tt.mime, func(t *testing.T) {
			_, err := s.Upload(ctx, NewFile("f", tt.mime, []byte("x")), tt.category, "u", UploadOptions{})
			if tt.allowed {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, apperr.ErrTypeNotAllowed)
			}
		})
	}
}

func TestUpload_UnboundedCategory(t *testing.T) {
	s := NewStore(NewMemoryBackend(testBaseURL), Options{})
	_, err := s.Upload(context.Background(), jpeg(12<<20), CategoryBackup, "u", UploadOptions{})
	assert.NoError(t, err)
}

func TestUpload_PolicyOverride(t *testing.T) {
	s := NewStore(NewMemoryBackend(testBaseURL), Options{
		Policies: map[Category]Policy{CategoryUploads: {MaxSize: 10}},
	})
	_, err := s.Upload(context.Background(), jpeg(11), CategoryUploads, "u", UploadOptions{})
	assert.ErrorIs(t, err, apperr.ErrSizeExceeded)
	assert.Equal(t, int64(5<<20), s.Policy(CategoryProfile).MaxSize, "defaults kept for other categories")
}

func TestUpload_InvalidInput(t *testing.T) {
	s := NewStore(NewMemoryBackend(testBaseURL), Options{})
	ctx := context.Background()

	_, err := s.Upload(ctx, jpeg(1), CategoryProfile, "", UploadOptions{})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = s.Upload(ctx, jpeg(1), Category("secret"), "u", UploadOptions{})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestUpload_Progress(t *testing.T) {
	s := NewStore(NewMemoryBackend(testBaseURL), Options{})
	var seen []int
	_, err := s.Upload(context.Background(), jpeg(100_000), CategoryUploads, "u", UploadOptions{
		Progress: func(p int) { seen = append(seen, p) },
	})
	require.NoError(t, err)
	require.NotEmpty(t, seen)
	assert.Equal(t, 0, seen[0])
	assert.Equal(t, 100, seen[len(seen)-1])
	for i := 1; i < len(seen); i++ {
		assert.Greater(t, seen[i], seen[i-1])
	}
}

func TestUpload_Identifier(t *testing.T) {
	now := time.Unix(1700000000, 0)
	s := NewStore(NewMemoryBackend(testBaseURL), Options{Now: func() time.Time { return now }})
	url, err := s.UploadKYCDocument(context.Background(), NewFile("scan.pdf", "application/pdf", []byte("%PDF")), "u1", "passport", nil)
	require.NoError(t, err)
	assert.Equal(t, testBaseURL+"/blobs/kyc/u1/1700000000000000000-passport", url)

	b, err := s.Head(context.Background(), url)
	require.NoError(t, err)
	assert.Equal(t, "scan.pdf", b.Name)
	assert.Equal(t, "u1", b.Owner)
	assert.Equal(t, CategoryKYC, b.Category)
	assert.Equal(t, "application/pdf", b.ContentType)
	assert.True(t, b.CreatedAt.Equal(now))
}

func TestGetAndDelete(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := NewStore(b, Options{})
			ctx := context.Background()
			content := []byte("statement for march")

			url, err := s.Upload(ctx, NewFile("march.txt", "text/plain", content), CategoryUploads, "u1", UploadOptions{})
			require.NoError(t, err)

			data, blob, err := s.Get(ctx, url)
			require.NoError(t, err)
			assert.Equal(t, content, data)
			assert.Equal(t, int64(len(content)), blob.Size)

			assert.ErrorIs(t, s.Delete(ctx, url, "u2"), apperr.ErrAccessDenied)

			require.NoError(t, s.Delete(ctx, url, "u1"))
			require.NoError(t, s.Delete(ctx, url, "u1"), "delete of missing blob is success")

			_, _, err = s.Get(ctx, url)
			assert.ErrorIs(t, err, apperr.ErrBlobNotFound)
			assert.ErrorIs(t, err, apperr.ErrNotFound)
		})
	}
}

func TestList(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := NewStore(b, Options{})
			ctx := context.Background()

			blobs, err := s.List(ctx, "nobody", "")
			require.NoError(t, err)
			assert.NotNil(t, blobs)
			assert.Empty(t, blobs)

			_, err = s.UploadProfileImage(ctx, jpeg(10), "u1", nil)
			require.NoError(t, err)
			_, err = s.UploadPaymentScreenshot(ctx, jpeg(10), "u1", "pay-7", nil)
			require.NoError(t, err)
			_, err = s.UploadProfileImage(ctx, jpeg(10), "u2", nil)
			require.NoError(t, err)

			all, err := s.List(ctx, "u1", "")
			require.NoError(t, err)
			assert.Len(t, all, 2)

			payments, err := s.List(ctx, "u1", CategoryPayment)
			require.NoError(t, err)
			require.Len(t, payments, 1)
			assert.Equal(t, "image/jpeg", payments[0].ContentType)
			assert.Equal(t, "u1", payments[0].Owner)
		})
	}
}

func TestKeyFromURL(t *testing.T) {
	s := NewStore(NewMemoryBackend(testBaseURL), Options{})

	key, err := s.KeyFromURL(testBaseURL + "/blobs/uploads/u/1-a.txt")
	require.NoError(t, err)
	assert.Equal(t, "uploads/u/1-a.txt", key)

	_, err = s.KeyFromURL("https://elsewhere/blobs/x")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = s.KeyFromURL(testBaseURL + "/blobs/../etc/passwd")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

// stallBackend blocks every call until the context ends.
type stallBackend struct{ *MemoryBackend }

func (b stallBackend) Put(ctx context.Context, _ string, _ io.Reader, _ int64, _ string, _ map[string]string) (Object, error) {
	<-ctx.Done()
	return Object{}, ctx.Err()
}

func (b stallBackend) Delete(ctx context.Context, _ string) error {
	<-ctx.Done()
	return errors.New("connection reset")
}

func TestIOTimeoutIsRetryable(t *testing.T) {
	s := NewStore(stallBackend{NewMemoryBackend(testBaseURL)}, Options{IOTimeout: 20 * time.Millisecond})
	ctx := context.Background()

	_, err := s.Upload(ctx, jpeg(10), CategoryUploads, "u", UploadOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrTransientIO)
	assert.True(t, apperr.Retryable(err))

	err = s.Delete(ctx, testBaseURL+"/blobs/uploads/u/1-a", "u")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, err, apperr.ErrTransientIO)
}

func TestPresignedURLUnsupported(t *testing.T) {
	s := NewStore(NewMemoryBackend(testBaseURL), Options{})
	_, ok, err := s.PresignedURL(context.Background(), testBaseURL+"/blobs/uploads/u/1-a", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}
