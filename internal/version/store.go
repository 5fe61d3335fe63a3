package version

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/forlifetrading/filevault/internal/apperr"
	"github.com/forlifetrading/filevault/internal/blob"
	"github.com/forlifetrading/filevault/internal/events"
	"github.com/forlifetrading/filevault/internal/kv"
	"github.com/forlifetrading/filevault/internal/logging/audit"
	"github.com/forlifetrading/filevault/internal/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DefaultMaxVersions is the per-file chain bound.
const DefaultMaxVersions = 10

// maxActionLog bounds the global action log.
const maxActionLog = 1000

// Options configure a Store.
type Options struct {
	MaxVersions int
	// Compression enables zstd for textual MIME types.
	Compression bool
	Events      events.Publisher
	Metrics     *metrics.Metrics
	Audit       *audit.Logger
	Now         func() time.Time
}

// Store manages version chains. Chains live in the kv store, content in
// the blob store under category "versions".
type Store struct {
	kv          kv.Store
	blobs       *blob.Store
	maxVersions int
	compression bool
	events      events.Publisher
	metrics     *metrics.Metrics
	audit       *audit.Logger
	now         func() time.Time
	locks       *keyedMutex
	logMu       sync.Mutex
}

// New creates a version store.
func New(store kv.Store, blobs *blob.Store, opts Options) *Store {
	if opts.MaxVersions <= 0 {
		opts.MaxVersions = DefaultMaxVersions
	}
	if opts.Events == nil {
		opts.Events = events.Nop{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		kv:          store,
		blobs:       blobs,
		maxVersions: opts.MaxVersions,
		compression: opts.Compression,
		events:      opts.Events,
		metrics:     opts.Metrics,
		audit:       opts.Audit,
		now:         opts.Now,
		locks:       newKeyedMutex(),
	}
}

func chainKey(fileID string) string {
	return kv.VersionChainPrefix + fileID
}

func validFileID(fileID string) error {
	if strings.TrimSpace(fileID) == "" {
		return fmt.Errorf("file id is required: %w", apperr.ErrInvalidInput)
	}
	return nil
}

func (s *Store) load(ctx context.Context, fileID string) (*chain, error) {
	c := &chain{FileID: fileID, NextVersion: 1}
	if _, err := kv.Get(ctx, s.kv, chainKey(fileID), c); err != nil {
		return nil, apperr.IO("load version chain", err)
	}
	if c.NextVersion < 1 {
		c.NextVersion = 1
	}
	return c, nil
}

func (s *Store) save(ctx context.Context, c *chain) error {
	if len(c.Versions) == 0 && c.NextVersion <= 1 {
		return apperr.IO("delete version chain", s.kv.Delete(ctx, chainKey(c.FileID)))
	}
	return apperr.IO("save version chain", kv.Put(ctx, s.kv, chainKey(c.FileID), c))
}

// CreateVersion snapshots file as the next version of fileID. When the chain
// exceeds the bound the oldest version is evicted and its blob reclaimed.
func (s *Store) CreateVersion(ctx context.Context, fileID string, file blob.File, changeType ChangeType, creator string) (Version, error) {
	if err := validFileID(fileID); err != nil {
		return Version{}, err
	}
	if _, err := ParseChangeType(string(changeType)); err != nil {
		return Version{}, err
	}
	if creator == "" {
		return Version{}, fmt.Errorf("creator is required: %w", apperr.ErrInvalidInput)
	}

	var content []byte
	if file.Body != nil {
		var err error
		content, err = io.ReadAll(file.Body)
		if err != nil {
			return Version{}, apperr.IO("read version content", err)
		}
	}
	sum := checksum(content)

	stored, compressed := content, false
	if s.compression && compressible(file.ContentType) && len(content) > 0 {
		if packed, err := compress(content); err != nil {
			log.Warn().Err(err).Str("file_id", fileID).Msg("compression failed, storing raw")
		} else if len(packed) < len(content) {
			stored, compressed = packed, true
		}
	}

	unlock := s.locks.lock(fileID)
	defer unlock()

	c, err := s.load(ctx, fileID)
	if err != nil {
		return Version{}, err
	}

	number := c.NextVersion
	v := Version{
		ID:         uuid.NewString(),
		FileID:     fileID,
		Number:     number,
		FileName:   file.Name,
		FileSize:   int64(len(content)),
		FileType:   file.ContentType,
		ChangeType: changeType,
		CreatedBy:  creator,
		CreatedAt:  s.now().UTC(),
		Checksum:   sum,
		Tags:       []string{},
		Compressed: compressed,
		StoredSize: int64(len(stored)),
	}

	v.BlobURL, err = s.blobs.Upload(ctx, blob.NewFile(file.Name, file.ContentType, stored), blob.CategoryVersions, creator,
		blob.UploadOptions{Identifier: fmt.Sprintf("%s_v%d", fileID, number)})
	if err != nil {
		return Version{}, fmt.Errorf("store version content: %w", err)
	}

	c.Versions = append(c.Versions, v)
	c.NextVersion = number + 1

	var evicted []Version
	for len(c.Versions) > s.maxVersions {
		evicted = append(evicted, c.Versions[0])
		c.Versions = c.Versions[1:]
	}

	if err := s.save(ctx, c); err != nil {
		s.reclaim(ctx, v)
		return Version{}, err
	}

	for _, old := range evicted {
		s.reclaim(ctx, old)
		s.metrics.RecordVersionEvicted()
		log.Debug().Str("file_id", fileID).Int("version", old.Number).Msg("evicted oldest version")
	}

	s.metrics.RecordVersionCreated(v.FileSize - v.StoredSize)
	s.appendAction(ctx, "created", v, creator)
	s.events.Publish(events.VersionCreated, v)

	log.Info().Str("file_id", fileID).Int("version", number).Bool("compressed", compressed).Msg("version created")
	return v, nil
}

// reclaim deletes a version's blob. Failures are logged, never returned.
func (s *Store) reclaim(ctx context.Context, v Version) {
	if v.BlobURL == "" {
		return
	}
	if err := s.blobs.Delete(ctx, v.BlobURL, v.CreatedBy); err != nil {
		log.Warn().Err(err).Str("file_id", v.FileID).Str("version_id", v.ID).Msg("failed to reclaim version blob")
	}
}

// Versions returns the chain oldest first.
func (s *Store) Versions(ctx context.Context, fileID string) ([]Version, error) {
	c, err := s.load(ctx, fileID)
	if err != nil {
		return nil, err
	}
	out := make([]Version, len(c.Versions))
	copy(out, c.Versions)
	return out, nil
}

// Version returns one version.
func (s *Store) Version(ctx context.Context, fileID, versionID string) (Version, error) {
	c, err := s.load(ctx, fileID)
	if err != nil {
		return Version{}, err
	}
	i, ok := c.find(versionID)
	if !ok {
		return Version{}, fmt.Errorf("%s of file %s: %w", versionID, fileID, apperr.ErrVersionNotFound)
	}
	return c.Versions[i], nil
}

// LatestVersion returns the newest version.
func (s *Store) LatestVersion(ctx context.Context, fileID string) (Version, error) {
	c, err := s.load(ctx, fileID)
	if err != nil {
		return Version{}, err
	}
	if len(c.Versions) == 0 {
		return Version{}, fmt.Errorf("file %s has no versions: %w", fileID, apperr.ErrVersionNotFound)
	}
	return c.Versions[len(c.Versions)-1], nil
}

// Files lists file ids that have a chain.
func (s *Store) Files(ctx context.Context) ([]string, error) {
	keys, err := s.kv.Keys(ctx, kv.VersionChainPrefix)
	if err != nil {
		return nil, apperr.IO("list version chains", err)
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.TrimPrefix(k, kv.VersionChainPrefix))
	}
	return ids, nil
}

// Content returns the original bytes of a version.
func (s *Store) Content(ctx context.Context, fileID, versionID string) ([]byte, Version, error) {
	v, err := s.Version(ctx, fileID, versionID)
	if err != nil {
		return nil, Version{}, err
	}
	data, err := s.content(ctx, v)
	return data, v, err
}

func (s *Store) content(ctx context.Context, v Version) ([]byte, error) {
	data, _, err := s.blobs.Get(ctx, v.BlobURL)
	if err != nil {
		return nil, fmt.Errorf("version %d of %s: %w: %v", v.Number, v.FileID, apperr.ErrContentUnavailable, err)
	}
	if v.Compressed {
		data, err = decompress(data)
		if err != nil {
			return nil, fmt.Errorf("decompress version %d of %s: %w: %v", v.Number, v.FileID, apperr.ErrContentUnavailable, err)
		}
	}
	if checksum(data) != v.Checksum {
		return nil, fmt.Errorf("version %d of %s failed checksum: %w", v.Number, v.FileID, apperr.ErrContentUnavailable)
	}
	return data, nil
}

// RestoreVersion re-uploads a version's content under category "restored"
// and returns the new URL. The chain is not modified.
func (s *Store) RestoreVersion(ctx context.Context, fileID, versionID, actor string) (string, error) {
	v, err := s.Version(ctx, fileID, versionID)
	if err != nil {
		return "", err
	}
	data, err := s.content(ctx, v)
	if err != nil {
		s.audit.LogVersionOp(actor, "restore", fileID, versionID, audit.Failure, err.Error())
		return "", err
	}

	owner := actor
	if owner == "" {
		owner = v.CreatedBy
	}
	url, err := s.blobs.Upload(ctx, blob.NewFile(v.FileName, v.FileType, data), blob.CategoryRestored, owner,
		blob.UploadOptions{Identifier: fmt.Sprintf("%s_restored_%s", fileID, versionID)})
	if err != nil {
		s.audit.LogVersionOp(actor, "restore", fileID, versionID, audit.Failure, err.Error())
		return "", fmt.Errorf("upload restored content: %w", err)
	}

	s.metrics.RecordVersionRestored()
	s.appendAction(ctx, "restored", v, actor)
	s.audit.LogVersionOp(actor, "restore", fileID, versionID, audit.Success, "")
	s.events.Publish(events.VersionRestored, Restored{FileID: fileID, VersionID: versionID, Version: v.Number, RestoredURL: url})
	return url, nil
}

// CompareVersions reports what changed from v1 to v2.
func (s *Store) CompareVersions(ctx context.Context, fileID, v1, v2 string) (Comparison, error) {
	c, err := s.load(ctx, fileID)
	if err != nil {
		return Comparison{}, err
	}
	i, ok := c.find(v1)
	if !ok {
		return Comparison{}, fmt.Errorf("%s of file %s: %w", v1, fileID, apperr.ErrVersionNotFound)
	}
	j, ok := c.find(v2)
	if !ok {
		return Comparison{}, fmt.Errorf("%s of file %s: %w", v2, fileID, apperr.ErrVersionNotFound)
	}
	a, b := c.Versions[i], c.Versions[j]
	return Comparison{
		Version1: a,
		Version2: b,
		Differences: Differences{
			NameChanged:    a.FileName != b.FileName,
			SizeChanged:    a.FileSize != b.FileSize,
			SizeDifference: b.FileSize - a.FileSize,
			ContentChanged: a.Checksum != b.Checksum,
			TimeDifference: b.CreatedAt.Sub(a.CreatedAt),
		},
	}, nil
}

// DeleteVersion removes a version and reclaims its blob. It reports false
// when the version does not exist.
func (s *Store) DeleteVersion(ctx context.Context, fileID, versionID, actor string) (bool, error) {
	unlock := s.locks.lock(fileID)
	defer unlock()

	c, err := s.load(ctx, fileID)
	if err != nil {
		return false, err
	}
	i, ok := c.find(versionID)
	if !ok {
		return false, nil
	}
	v := c.Versions[i]
	c.Versions = append(c.Versions[:i], c.Versions[i+1:]...)
	if err := s.save(ctx, c); err != nil {
		return false, err
	}
	s.reclaim(ctx, v)

	s.appendAction(ctx, "deleted", v, actor)
	s.audit.LogVersionOp(actor, "delete", fileID, versionID, audit.Success, "")
	s.events.Publish(events.VersionDeleted, events.VersionRef{FileID: fileID, VersionID: versionID})
	return true, nil
}

// UpdateMetadata sets a version's comment and tags. A nil comment or nil
// tags leaves that field unchanged.
func (s *Store) UpdateMetadata(ctx context.Context, fileID, versionID string, comment *string, tags []string) (Version, error) {
	unlock := s.locks.lock(fileID)
	defer unlock()

	c, err := s.load(ctx, fileID)
	if err != nil {
		return Version{}, err
	}
	i, ok := c.find(versionID)
	if !ok {
		return Version{}, fmt.Errorf("%s of file %s: %w", versionID, fileID, apperr.ErrVersionNotFound)
	}
	if comment != nil {
		c.Versions[i].Comment = *comment
	}
	if tags != nil {
		c.Versions[i].Tags = dedupTags(tags)
	}
	if err := s.save(ctx, c); err != nil {
		return Version{}, err
	}
	return c.Versions[i], nil
}

func dedupTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// Timeline returns the chain newest first.
func (s *Store) Timeline(ctx context.Context, fileID string) ([]TimelineEntry, error) {
	c, err := s.load(ctx, fileID)
	if err != nil {
		return nil, err
	}
	return timeline(c.Versions), nil
}

func timeline(versions []Version) []TimelineEntry {
	out := make([]TimelineEntry, 0, len(versions))
	for _, v := range versions {
		out = append(out, TimelineEntry{
			ID:         v.ID,
			Version:    v.Number,
			Timestamp:  v.CreatedAt,
			ChangeType: v.ChangeType,
			CreatedBy:  v.CreatedBy,
			FileSize:   v.FileSize,
			Comment:    v.Comment,
			Tags:       v.Tags,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Version > out[j].Version
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

// Stats aggregates a file's chain.
func (s *Store) Stats(ctx context.Context, fileID string) (Stats, error) {
	c, err := s.load(ctx, fileID)
	if err != nil {
		return Stats{}, err
	}
	return stats(c.Versions), nil
}

func stats(versions []Version) Stats {
	st := Stats{ChangeTypes: map[ChangeType]int{}}
	for i, v := range versions {
		st.TotalVersions++
		st.TotalSize += v.FileSize
		st.StoredSize += v.StoredSize
		st.ChangeTypes[v.ChangeType]++
		t := versions[i].CreatedAt
		if st.OldestVersion == nil || t.Before(*st.OldestVersion) {
			st.OldestVersion = &t
		}
		if st.NewestVersion == nil || t.After(*st.NewestVersion) {
			st.NewestVersion = &t
		}
	}
	if st.TotalVersions > 0 {
		st.AverageSize = st.TotalSize / int64(st.TotalVersions)
	}
	return st
}

// ExportHistory renders the chain metadata, timeline and statistics.
// Content is not included; versions carry their blob URLs.
func (s *Store) ExportHistory(ctx context.Context, fileID string) (Export, error) {
	c, err := s.load(ctx, fileID)
	if err != nil {
		return Export{}, err
	}
	if len(c.Versions) == 0 {
		return Export{}, fmt.Errorf("file %s has no versions: %w", fileID, apperr.ErrVersionNotFound)
	}
	return Export{
		FileID:      fileID,
		ExportedAt:  s.now().UTC(),
		NextVersion: c.NextVersion,
		Versions:    c.Versions,
		Timeline:    timeline(c.Versions),
		Statistics:  stats(c.Versions),
	}, nil
}

// ImportHistory rebuilds a chain from an export. The target file must not
// already have versions. Content is copied into blobs owned by the new chain
// so the source chain and the import never share storage.
func (s *Store) ImportHistory(ctx context.Context, doc Export, actor string) (int, error) {
	if err := validFileID(doc.FileID); err != nil {
		return 0, err
	}
	if len(doc.Versions) == 0 {
		return 0, fmt.Errorf("export has no versions: %w", apperr.ErrInvalidInput)
	}
	versions := make([]Version, len(doc.Versions))
	copy(versions, doc.Versions)
	sort.SliceStable(versions, func(i, j int) bool { return versions[i].Number < versions[j].Number })
	for i, v := range versions {
		if v.ID == "" || v.BlobURL == "" || v.Checksum == "" || v.Number < 1 {
			return 0, fmt.Errorf("version %d is incomplete: %w", i, apperr.ErrInvalidInput)
		}
		if i > 0 && v.Number == versions[i-1].Number {
			return 0, fmt.Errorf("duplicate version number %d: %w", v.Number, apperr.ErrInvalidInput)
		}
		if _, err := s.blobs.KeyFromURL(v.BlobURL); err != nil {
			return 0, fmt.Errorf("version %d: %w", v.Number, err)
		}
		versions[i].FileID = doc.FileID
		if versions[i].Tags == nil {
			versions[i].Tags = []string{}
		}
		if versions[i].CreatedBy == "" {
			versions[i].CreatedBy = actor
		}
	}
	next := versions[len(versions)-1].Number + 1
	if doc.NextVersion > next {
		next = doc.NextVersion
	}
	if len(versions) > s.maxVersions {
		versions = versions[len(versions)-s.maxVersions:]
	}

	unlock := s.locks.lock(doc.FileID)
	defer unlock()

	c, err := s.load(ctx, doc.FileID)
	if err != nil {
		return 0, err
	}
	if len(c.Versions) > 0 {
		return 0, fmt.Errorf("file %s already has versions: %w", doc.FileID, apperr.ErrStateConflict)
	}

	for i := range versions {
		if err := s.copyContent(ctx, &versions[i]); err != nil {
			for _, done := range versions[:i] {
				s.reclaim(ctx, done)
			}
			s.audit.LogVersionOp(actor, "import", doc.FileID, "", audit.Failure, err.Error())
			return 0, err
		}
	}

	if c.NextVersion > next {
		next = c.NextVersion
	}
	c.Versions = versions
	c.NextVersion = next
	if err := s.save(ctx, c); err != nil {
		for _, v := range versions {
			s.reclaim(ctx, v)
		}
		return 0, err
	}

	s.audit.LogVersionOp(actor, "import", doc.FileID, "", audit.Success, fmt.Sprintf("%d versions", len(versions)))
	return len(versions), nil
}

// copyContent verifies the stored bytes of v against its checksum and
// re-uploads them as a blob of v's chain, updating v.BlobURL.
func (s *Store) copyContent(ctx context.Context, v *Version) error {
	stored, _, err := s.blobs.Get(ctx, v.BlobURL)
	if err != nil {
		return fmt.Errorf("version %d: %w: %v", v.Number, apperr.ErrContentUnavailable, err)
	}
	data := stored
	if v.Compressed {
		if data, err = decompress(stored); err != nil {
			return fmt.Errorf("decompress version %d: %w: %v", v.Number, apperr.ErrContentUnavailable, err)
		}
	}
	if checksum(data) != v.Checksum {
		return fmt.Errorf("version %d failed checksum: %w", v.Number, apperr.ErrContentUnavailable)
	}

	url, err := s.blobs.Upload(ctx, blob.NewFile(v.FileName, v.FileType, stored), blob.CategoryVersions, v.CreatedBy,
		blob.UploadOptions{Identifier: fmt.Sprintf("%s_v%d", v.FileID, v.Number)})
	if err != nil {
		return fmt.Errorf("copy version %d: %w", v.Number, err)
	}
	v.BlobURL = url
	v.StoredSize = int64(len(stored))
	return nil
}

// CompressAll compresses stored content of eligible versions that were
// written uncompressed, for example before compression was enabled.
// Progress is published as compressionProgress events.
func (s *Store) CompressAll(ctx context.Context) (int, error) {
	files, err := s.Files(ctx)
	if err != nil {
		return 0, err
	}

	type target struct{ fileID, versionID string }
	var pending []target
	for _, fileID := range files {
		vs, err := s.Versions(ctx, fileID)
		if err != nil {
			return 0, err
		}
		for _, v := range vs {
			if !v.Compressed && compressible(v.FileType) && v.FileSize > 0 {
				pending = append(pending, target{fileID, v.ID})
			}
		}
	}

	done := 0
	for i, t := range pending {
		if err := ctx.Err(); err != nil {
			return done, apperr.IO("compress versions", err)
		}
		ok, err := s.compressOne(ctx, t.fileID, t.versionID)
		if err != nil {
			log.Warn().Err(err).Str("file_id", t.fileID).Str("version_id", t.versionID).Msg("compression skipped")
		} else if ok {
			done++
		}
		s.events.Publish(events.CompressionProgress, events.Compression{
			Completed:  i + 1,
			Total:      len(pending),
			Percentage: (i + 1) * 100 / len(pending),
		})
	}
	return done, nil
}

func (s *Store) compressOne(ctx context.Context, fileID, versionID string) (bool, error) {
	unlock := s.locks.lock(fileID)
	defer unlock()

	c, err := s.load(ctx, fileID)
	if err != nil {
		return false, err
	}
	i, ok := c.find(versionID)
	if !ok {
		return false, nil
	}
	v := c.Versions[i]
	if v.Compressed {
		return false, nil
	}
	data, err := s.content(ctx, v)
	if err != nil {
		return false, err
	}
	packed, err := compress(data)
	if err != nil || len(packed) >= len(data) {
		return false, err
	}
	url, err := s.blobs.Upload(ctx, blob.NewFile(v.FileName, v.FileType, packed), blob.CategoryVersions, v.CreatedBy,
		blob.UploadOptions{Identifier: fmt.Sprintf("%s_v%d", fileID, v.Number)})
	if err != nil {
		return false, err
	}

	old := v
	c.Versions[i].BlobURL = url
	c.Versions[i].Compressed = true
	c.Versions[i].StoredSize = int64(len(packed))
	if err := s.save(ctx, c); err != nil {
		s.reclaim(ctx, c.Versions[i])
		return false, err
	}
	s.reclaim(ctx, old)
	return true, nil
}

// ActionLog returns the global action log, oldest first.
func (s *Store) ActionLog(ctx context.Context) ([]Action, error) {
	var actions []Action
	if _, err := kv.Get(ctx, s.kv, kv.VersionHistoryKey, &actions); err != nil {
		return nil, apperr.IO("load version log", err)
	}
	if actions == nil {
		actions = []Action{}
	}
	return actions, nil
}

func (s *Store) appendAction(ctx context.Context, action string, v Version, actor string) {
	s.logMu.Lock()
	defer s.logMu.Unlock()

	actions, err := s.ActionLog(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to load version action log")
		return
	}
	actions = append(actions, Action{
		Action:    action,
		FileID:    v.FileID,
		VersionID: v.ID,
		Version:   v.Number,
		UserID:    actor,
		Timestamp: s.now().UTC(),
	})
	if len(actions) > maxActionLog {
		actions = actions[len(actions)-maxActionLog:]
	}
	if err := kv.Put(ctx, s.kv, kv.VersionHistoryKey, actions); err != nil {
		log.Warn().Err(err).Msg("failed to save version action log")
	}
}
