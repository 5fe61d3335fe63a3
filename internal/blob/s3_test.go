package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/forlifetrading/filevault/internal/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3Object struct {
	data        []byte
	contentType string
	meta        map[string]string
	modified    time.Time
}

// fakeS3 is an in-memory stand-in for the S3 API.
type fakeS3 struct {
	objects map[string]fakeS3Object
	failPut error
	mu      sync.Mutex
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string]fakeS3Object)}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.failPut != nil {
		return nil, f.failPut
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = fakeS3Object{
		data:        data,
		contentType: aws.ToString(in.ContentType),
		meta:        in.Metadata,
		modified:    time.Now().UTC(),
	}
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(o.data)),
		ContentLength: aws.Int64(int64(len(o.data))),
		ContentType:   aws.String(o.contentType),
		LastModified:  aws.Time(o.modified),
		Metadata:      o.meta,
	}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NotFound{}
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(o.data))),
		ContentType:   aws.String(o.contentType),
		LastModified:  aws.Time(o.modified),
		Metadata:      o.meta,
	}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for _, k := range keys {
		o := f.objects[k]
		out.Contents = append(out.Contents, s3types.Object{
			Key:          aws.String(k),
			Size:         aws.Int64(int64(len(o.data))),
			LastModified: aws.Time(o.modified),
		})
	}
	return out, nil
}

type fakePresigner struct{}

func (fakePresigner) PresignGetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	return &v4.PresignedHTTPRequest{URL: "https://signed.test/" + aws.ToString(in.Key) + "?X-Amz-Signature=abc"}, nil
}

func newTestS3Store(t *testing.T) (*Store, *fakeS3) {
	t.Helper()
	fake := newFakeS3()
	b := newS3Backend(fake, fakePresigner{}, "vault", "https://cdn.example.com/vault/")
	return NewStore(b, Options{}), fake
}

func TestS3Backend_UploadListDelete(t *testing.T) {
	s, fake := newTestS3Store(t)
	ctx := context.Background()

	url, err := s.UploadProfileImage(ctx, NewFile("me.png", "image/png", []byte("png-bytes")), "u1", nil)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "https://cdn.example.com/vault/profile/u1/"))
	assert.Len(t, fake.objects, 1)

	blobs, err := s.List(ctx, "u1", "")
	require.NoError(t, err)
	require.Len(t, blobs, 1)
	assert.Equal(t, "image/png", blobs[0].ContentType, "filled from HEAD")
	assert.Equal(t, "me.png", blobs[0].Name)

	data, _, err := s.Get(ctx, url)
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), data)

	require.NoError(t, s.Delete(ctx, url, "u1"))
	require.NoError(t, s.Delete(ctx, url, "u1"))
	assert.Empty(t, fake.objects)

	_, err = s.Head(ctx, url)
	assert.ErrorIs(t, err, apperr.ErrBlobNotFound)
}

func TestS3Backend_PutFailureIsTransient(t *testing.T) {
	s, fake := newTestS3Store(t)
	fake.failPut = errors.New("503 slow down")

	_, err := s.Upload(context.Background(), NewFile("a.txt", "text/plain", []byte("a")), CategoryUploads, "u", UploadOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrTransientIO)
}

func TestS3Backend_NonSeekableBody(t *testing.T) {
	s, fake := newTestS3Store(t)
	body := io.MultiReader(strings.NewReader("hello "), strings.NewReader("world"))

	_, err := s.Upload(context.Background(), File{Name: "a.txt", ContentType: "text/plain", Size: 11, Body: body}, CategoryUploads, "u", UploadOptions{})
	require.NoError(t, err)
	for _, o := range fake.objects {
		assert.Equal(t, "hello world", string(o.data))
	}
}

func TestS3Backend_Presign(t *testing.T) {
	s, _ := newTestS3Store(t)
	signed, ok, err := s.PresignedURL(context.Background(), "https://cdn.example.com/vault/kyc/u1/1-passport", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "https://signed.test/kyc/u1/1-passport?X-Amz-Signature=abc", signed)
}

func TestNewS3Backend_RequiresBucket(t *testing.T) {
	_, err := NewS3Backend(context.Background(), S3Config{})
	assert.Error(t, err)
}

func TestNewS3Backend_DefaultPublicURL(t *testing.T) {
	b, err := NewS3Backend(context.Background(), S3Config{
		Endpoint:        "http://minio:9000",
		Bucket:          "vault",
		AccessKeyID:     "key",
		SecretAccessKey: "secret",
		UsePathStyle:    true,
	})
	require.NoError(t, err)
	assert.Equal(t, "http://minio:9000/vault/a/b", b.URL("a/b"))
}

func TestIsS3NotFound(t *testing.T) {
	assert.True(t, isS3NotFound(&s3types.NoSuchKey{}))
	assert.True(t, isS3NotFound(&s3types.NotFound{}))
	assert.False(t, isS3NotFound(errors.New("boom")))
}
