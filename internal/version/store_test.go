package version

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/forlifetrading/filevault/internal/apperr"
	"github.com/forlifetrading/filevault/internal/blob"
	"github.com/forlifetrading/filevault/internal/events"
	"github.com/forlifetrading/filevault/internal/kv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type fixture struct {
	store *Store
	blobs *blob.Store
	kv    *kv.MemoryStore
	bus   *events.Bus
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	kvs := kv.NewMemoryStore()
	blobs := blob.NewStore(blob.NewMemoryBackend("http://vault.test"), blob.Options{})
	bus := events.NewBus()
	opts.Events = bus
	if opts.Now == nil {
		opts.Now = (&clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}).Now
	}
	return &fixture{store: New(kvs, blobs, opts), blobs: blobs, kv: kvs, bus: bus}
}

func textFile(name, content string) blob.File {
	return blob.NewFile(name, "text/plain", []byte(content))
}

func TestCreateVersion_NumbersAndEviction(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	var first Version
	for i := 1; i <= 11; i++ {
		v, err := f.store.CreateVersion(ctx, "f1", textFile("notes.txt", fmt.Sprintf("rev %d", i)), ChangeUpdate, "u1")
		require.NoError(t, err)
		assert.Equal(t, i, v.Number)
		if i == 1 {
			first = v
		}
	}

	vs, err := f.store.Versions(ctx, "f1")
	require.NoError(t, err)
	require.Len(t, vs, 10)
	for i, v := range vs {
		assert.Equal(t, i+2, v.Number)
	}

	_, err = f.store.Version(ctx, "f1", first.ID)
	assert.ErrorIs(t, err, apperr.ErrVersionNotFound)
	_, _, err = f.blobs.Get(ctx, first.BlobURL)
	assert.ErrorIs(t, err, apperr.ErrBlobNotFound, "evicted blob reclaimed")
}

func TestCreateVersion_NumbersNotReusedAfterDelete(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.store.CreateVersion(ctx, "f1", textFile("a", "1"), ChangeUpload, "u1")
	require.NoError(t, err)
	v2, err := f.store.CreateVersion(ctx, "f1", textFile("a", "2"), ChangeUpdate, "u1")
	require.NoError(t, err)

	ok, err := f.store.DeleteVersion(ctx, "f1", v2.ID, "u1")
	require.NoError(t, err)
	assert.True(t, ok)

	v3, err := f.store.CreateVersion(ctx, "f1", textFile("a", "3"), ChangeUpdate, "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, v3.Number)
}

func TestCreateVersion_ConcurrentSameFile(t *testing.T) {
	f := newFixture(t, Options{MaxVersions: 50})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := f.store.CreateVersion(ctx, "f1", textFile("a", fmt.Sprint(n)), ChangeUpdate, "u1")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	vs, err := f.store.Versions(ctx, "f1")
	require.NoError(t, err)
	require.Len(t, vs, 20)
	for i, v := range vs {
		assert.Equal(t, i+1, v.Number)
	}
}

func TestCreateVersion_Validation(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.store.CreateVersion(ctx, "", textFile("a", "x"), ChangeUpload, "u1")
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = f.store.CreateVersion(ctx, "f1", textFile("a", "x"), ChangeType("rename"), "u1")
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = f.store.CreateVersion(ctx, "f1", textFile("a", "x"), ChangeUpload, "")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestCreateVersion_PublishesEvent(t *testing.T) {
	f := newFixture(t, Options{})
	sub := f.bus.Subscribe(4)
	defer sub.Close()

	v, err := f.store.CreateVersion(context.Background(), "f1", textFile("a", "x"), ChangeUpload, "u1")
	require.NoError(t, err)

	ev := <-sub.C
	assert.Equal(t, events.VersionCreated, ev.Type)
	assert.Equal(t, v, ev.Data)
}

func TestCompression(t *testing.T) {
	f := newFixture(t, Options{Compression: true})
	ctx := context.Background()
	doc := []byte(`{"rows":[` + strings.Repeat(`{"amount":100,"currency":"USD"},`, 200) + `{}]}`)

	v, err := f.store.CreateVersion(ctx, "report", blob.NewFile("report.json", "application/json", doc), ChangeUpload, "u1")
	require.NoError(t, err)
	assert.True(t, v.Compressed)
	assert.Less(t, v.StoredSize, v.FileSize)
	assert.Equal(t, int64(len(doc)), v.FileSize)

	data, _, err := f.store.Content(ctx, "report", v.ID)
	require.NoError(t, err)
	assert.Equal(t, doc, data)

	img := bytes.Repeat([]byte{1, 2, 3}, 1000)
	v2, err := f.store.CreateVersion(ctx, "avatar", blob.NewFile("a.png", "image/png", img), ChangeUpload, "u1")
	require.NoError(t, err)
	assert.False(t, v2.Compressed, "binary types stored raw")
}

func TestCompressionDisabled(t *testing.T) {
	f := newFixture(t, Options{})
	v, err := f.store.CreateVersion(context.Background(), "f", textFile("a.txt", strings.Repeat("a", 4096)), ChangeUpload, "u1")
	require.NoError(t, err)
	assert.False(t, v.Compressed)
	assert.Equal(t, v.FileSize, v.StoredSize)
}

func TestRestoreVersion(t *testing.T) {
	f := newFixture(t, Options{Compression: true})
	ctx := context.Background()
	sub := f.bus.Subscribe(8)
	defer sub.Close()

	v1, err := f.store.CreateVersion(ctx, "f1", textFile("a.txt", strings.Repeat("original ", 100)), ChangeUpload, "u1")
	require.NoError(t, err)
	_, err = f.store.CreateVersion(ctx, "f1", textFile("a.txt", "edited"), ChangeUpdate, "u1")
	require.NoError(t, err)

	url, err := f.store.RestoreVersion(ctx, "f1", v1.ID, "u1")
	require.NoError(t, err)
	assert.Contains(t, url, "/restored/u1/")
	assert.True(t, strings.HasSuffix(url, "f1_restored_"+v1.ID))

	data, b, err := f.blobs.Get(ctx, url)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("original ", 100), string(data))
	assert.Equal(t, "text/plain", b.ContentType)

	vs, err := f.store.Versions(ctx, "f1")
	require.NoError(t, err)
	assert.Len(t, vs, 2, "restore does not add a version")

	var restored *events.Event
	for i := 0; i < 3; i++ {
		ev := <-sub.C
		if ev.Type == events.VersionRestored {
			restored = &ev
		}
	}
	require.NotNil(t, restored)
	assert.Equal(t, Restored{FileID: "f1", VersionID: v1.ID, Version: 1, RestoredURL: url}, restored.Data)
}

func TestRestoreVersion_Errors(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.store.RestoreVersion(ctx, "f1", "missing", "u1")
	assert.ErrorIs(t, err, apperr.ErrVersionNotFound)

	v, err := f.store.CreateVersion(ctx, "f1", textFile("a", "x"), ChangeUpload, "u1")
	require.NoError(t, err)
	require.NoError(t, f.blobs.Delete(ctx, v.BlobURL, "u1"))

	_, err = f.store.RestoreVersion(ctx, "f1", v.ID, "u1")
	assert.ErrorIs(t, err, apperr.ErrContentUnavailable)
	assert.True(t, apperr.Retryable(err))
}

func TestCompareVersions(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	a, err := f.store.CreateVersion(ctx, "f1", textFile("draft.txt", "same"), ChangeUpload, "u1")
	require.NoError(t, err)
	b, err := f.store.CreateVersion(ctx, "f1", textFile("final.txt", "same"), ChangeUpdate, "u1")
	require.NoError(t, err)
	c, err := f.store.CreateVersion(ctx, "f1", textFile("final.txt", "different and longer"), ChangeUpdate, "u1")
	require.NoError(t, err)

	cmp, err := f.store.CompareVersions(ctx, "f1", a.ID, b.ID)
	require.NoError(t, err)
	assert.False(t, cmp.Differences.ContentChanged)
	assert.True(t, cmp.Differences.NameChanged)
	assert.False(t, cmp.Differences.SizeChanged)

	fwd, err := f.store.CompareVersions(ctx, "f1", b.ID, c.ID)
	require.NoError(t, err)
	rev, err := f.store.CompareVersions(ctx, "f1", c.ID, b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(16), fwd.Differences.SizeDifference)
	assert.Equal(t, -fwd.Differences.SizeDifference, rev.Differences.SizeDifference)
	assert.Equal(t, -fwd.Differences.TimeDifference, rev.Differences.TimeDifference)
	assert.Equal(t, fwd.Differences.ContentChanged, rev.Differences.ContentChanged)
	assert.Equal(t, fwd.Differences.NameChanged, rev.Differences.NameChanged)
	assert.True(t, fwd.Differences.ContentChanged)
	assert.Greater(t, fwd.Differences.TimeDifference, time.Duration(0))

	_, err = f.store.CompareVersions(ctx, "f1", a.ID, "nope")
	assert.ErrorIs(t, err, apperr.ErrVersionNotFound)
}

func TestDeleteVersion(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	sub := f.bus.Subscribe(8)
	defer sub.Close()

	ok, err := f.store.DeleteVersion(ctx, "f1", "missing", "u1")
	require.NoError(t, err)
	assert.False(t, ok)

	v, err := f.store.CreateVersion(ctx, "f1", textFile("a", "x"), ChangeUpload, "u1")
	require.NoError(t, err)
	<-sub.C

	ok, err = f.store.DeleteVersion(ctx, "f1", v.ID, "u1")
	require.NoError(t, err)
	assert.True(t, ok)

	ev := <-sub.C
	assert.Equal(t, events.VersionDeleted, ev.Type)
	assert.Equal(t, events.VersionRef{FileID: "f1", VersionID: v.ID}, ev.Data)

	_, _, err = f.blobs.Get(ctx, v.BlobURL)
	assert.ErrorIs(t, err, apperr.ErrBlobNotFound)
}

func TestTimelineAndStats(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	for i, ct := range []ChangeType{ChangeUpload, ChangeUpdate, ChangeUpdate} {
		_, err := f.store.CreateVersion(ctx, "f1", textFile("a", strings.Repeat("x", (i+1)*10)), ct, "u1")
		require.NoError(t, err)
	}

	tl, err := f.store.Timeline(ctx, "f1")
	require.NoError(t, err)
	require.Len(t, tl, 3)
	assert.Equal(t, []int{3, 2, 1}, []int{tl[0].Version, tl[1].Version, tl[2].Version})

	st, err := f.store.Stats(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, 3, st.TotalVersions)
	assert.Equal(t, int64(60), st.TotalSize)
	assert.Equal(t, int64(20), st.AverageSize)
	assert.Equal(t, map[ChangeType]int{ChangeUpload: 1, ChangeUpdate: 2}, st.ChangeTypes)
	assert.True(t, st.NewestVersion.After(*st.OldestVersion))

	empty, err := f.store.Timeline(ctx, "nothing")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestUpdateMetadata(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	v, err := f.store.CreateVersion(ctx, "f1", textFile("a", "x"), ChangeUpload, "u1")
	require.NoError(t, err)

	comment := "signed copy"
	got, err := f.store.UpdateMetadata(ctx, "f1", v.ID, &comment, []string{"final", "final", " legal "})
	require.NoError(t, err)
	assert.Equal(t, "signed copy", got.Comment)
	assert.Equal(t, []string{"final", "legal"}, got.Tags)

	got, err = f.store.UpdateMetadata(ctx, "f1", v.ID, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "signed copy", got.Comment)

	_, err = f.store.UpdateMetadata(ctx, "f1", "missing", &comment, nil)
	assert.ErrorIs(t, err, apperr.ErrVersionNotFound)
}

func TestExportImport(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.store.CreateVersion(ctx, "f1", textFile("a", fmt.Sprint(i)), ChangeUpdate, "u1")
		require.NoError(t, err)
	}

	doc, err := f.store.ExportHistory(ctx, "f1")
	require.NoError(t, err)
	assert.Len(t, doc.Versions, 3)
	assert.Len(t, doc.Timeline, 3)
	assert.Equal(t, 3, doc.Statistics.TotalVersions)
	assert.Equal(t, 4, doc.NextVersion)

	_, err = f.store.ImportHistory(ctx, doc, "u1")
	assert.ErrorIs(t, err, apperr.ErrStateConflict)

	doc.FileID = "f1-copy"
	n, err := f.store.ImportHistory(ctx, doc, "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	orig, err := f.store.Versions(ctx, "f1")
	require.NoError(t, err)
	copied, err := f.store.Versions(ctx, "f1-copy")
	require.NoError(t, err)
	require.Len(t, copied, 3)
	for i := range orig {
		assert.Equal(t, orig[i].Number, copied[i].Number)
		assert.Equal(t, orig[i].Checksum, copied[i].Checksum)
		assert.Equal(t, "f1-copy", copied[i].FileID)
	}

	next, err := f.store.CreateVersion(ctx, "f1-copy", textFile("a", "4"), ChangeUpdate, "u1")
	require.NoError(t, err)
	assert.Equal(t, 4, next.Number)

	_, err = f.store.ExportHistory(ctx, "unknown")
	assert.ErrorIs(t, err, apperr.ErrVersionNotFound)
}

func TestImportHistory_Invalid(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.store.ImportHistory(ctx, Export{FileID: "f"}, "u1")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.store.ImportHistory(ctx, Export{FileID: "f", Versions: []Version{{ID: "x", Number: 1}}}, "u1")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestImportHistory_CopiesContent(t *testing.T) {
	f := newFixture(t, Options{Compression: true})
	ctx := context.Background()

	body := strings.Repeat("commission plan ", 100)
	v1, err := f.store.CreateVersion(ctx, "a", textFile("plan.txt", body), ChangeUpload, "u1")
	require.NoError(t, err)
	require.True(t, v1.Compressed)

	doc, err := f.store.ExportHistory(ctx, "a")
	require.NoError(t, err)
	doc.FileID = "b"
	_, err = f.store.ImportHistory(ctx, doc, "u1")
	require.NoError(t, err)

	copied, err := f.store.Version(ctx, "b", v1.ID)
	require.NoError(t, err)
	assert.NotEqual(t, v1.BlobURL, copied.BlobURL)
	assert.True(t, copied.Compressed)
	assert.Contains(t, copied.BlobURL, "b_v1")

	deleted, err := f.store.DeleteVersion(ctx, "b", v1.ID, "u1")
	require.NoError(t, err)
	assert.True(t, deleted)

	url, err := f.store.RestoreVersion(ctx, "a", v1.ID, "u1")
	require.NoError(t, err)
	data, _, err := f.blobs.Get(ctx, url)
	require.NoError(t, err)
	assert.Equal(t, body, string(data))
}

func TestImportHistory_RejectsForeignOrCorruptContent(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.store.CreateVersion(ctx, "a", textFile("a.txt", "alpha"), ChangeUpload, "u1")
	require.NoError(t, err)
	doc, err := f.store.ExportHistory(ctx, "a")
	require.NoError(t, err)

	foreign := doc
	foreign.FileID = "b"
	foreign.Versions = append([]Version(nil), doc.Versions...)
	foreign.Versions[0].BlobURL = "https://elsewhere.example.com/a.txt"
	_, err = f.store.ImportHistory(ctx, foreign, "u1")
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	corrupt := doc
	corrupt.FileID = "c"
	corrupt.Versions = append([]Version(nil), doc.Versions...)
	corrupt.Versions[0].Checksum = "0000"
	_, err = f.store.ImportHistory(ctx, corrupt, "u1")
	assert.ErrorIs(t, err, apperr.ErrContentUnavailable)

	files, err := f.store.Files(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, files)
}

func TestCompressAll(t *testing.T) {
	kvs := kv.NewMemoryStore()
	blobs := blob.NewStore(blob.NewMemoryBackend("http://vault.test"), blob.Options{})
	plain := New(kvs, blobs, Options{})
	ctx := context.Background()

	body := strings.Repeat("lorem ipsum dolor ", 200)
	v, err := plain.CreateVersion(ctx, "f1", textFile("a.txt", body), ChangeUpload, "u1")
	require.NoError(t, err)
	require.False(t, v.Compressed)

	bus := events.NewBus()
	sub := bus.Subscribe(4)
	defer sub.Close()
	packing := New(kvs, blobs, Options{Compression: true, Events: bus})

	n, err := packing.CompressAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ev := <-sub.C
	assert.Equal(t, events.CompressionProgress, ev.Type)
	assert.Equal(t, events.Compression{Completed: 1, Total: 1, Percentage: 100}, ev.Data)

	got, err := packing.Version(ctx, "f1", v.ID)
	require.NoError(t, err)
	assert.True(t, got.Compressed)
	assert.NotEqual(t, v.BlobURL, got.BlobURL)

	data, _, err := packing.Content(ctx, "f1", v.ID)
	require.NoError(t, err)
	assert.Equal(t, body, string(data))

	_, _, err = blobs.Get(ctx, v.BlobURL)
	assert.ErrorIs(t, err, apperr.ErrBlobNotFound)
}

func TestActionLog(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	v, err := f.store.CreateVersion(ctx, "f1", textFile("a", "x"), ChangeUpload, "u1")
	require.NoError(t, err)
	_, err = f.store.RestoreVersion(ctx, "f1", v.ID, "u2")
	require.NoError(t, err)

	actions, err := f.store.ActionLog(ctx)
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, "created", actions[0].Action)
	assert.Equal(t, "restored", actions[1].Action)
	assert.Equal(t, "u2", actions[1].UserID)
}

func TestFiles(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	for _, id := range []string{"b", "a"} {
		_, err := f.store.CreateVersion(ctx, id, textFile("x", "y"), ChangeUpload, "u1")
		require.NoError(t, err)
	}
	files, err := f.store.Files(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, files)
}
