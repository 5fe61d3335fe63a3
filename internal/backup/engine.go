package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
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

// Defaults.
const (
	DefaultCheckInterval    = time.Hour
	DefaultInitialDelay     = 5 * time.Second
	DefaultIncrementalDelay = 5 * time.Minute

	// finalizeTimeout bounds the write of a backup's final status, which
	// must outlive a cancelled caller.
	finalizeTimeout = 10 * time.Second
)

// Options configure an Engine.
type Options struct {
	// Owner is the user whose files are backed up.
	Owner string
	// StateKeys are snapshotted verbatim. Defaults to kv.DefaultStateKeys.
	StateKeys []string
	// Mergers reconcile a restored state key with its live value. Keys
	// without a merger are overwritten.
	Mergers map[string]MergeFunc
	Schedules map[Type]Schedule
	// CheckInterval is the scheduler period.
	CheckInterval time.Duration
	// InitialDelay postpones the first scheduled check after Start.
	InitialDelay time.Duration
	// IncrementalDelay is the debounce window of NotifyFilesChanged.
	IncrementalDelay time.Duration
	Events           events.Publisher
	Metrics          *metrics.Metrics
	Audit            *audit.Logger
	Now              func() time.Time
}

// MergeFunc returns the value to store for a state key on restore.
type MergeFunc func(current, archived json.RawMessage) (json.RawMessage, error)

// Engine creates and restores backups for one owner. At most one backup
// runs at a time.
type Engine struct {
	kv               kv.Store
	blobs            *blob.Store
	owner            string
	stateKeys        []string
	mergers          map[string]MergeFunc
	schedules        map[Type]Schedule
	checkInterval    time.Duration
	initialDelay     time.Duration
	incrementalDelay time.Duration
	events           events.Publisher
	metrics          *metrics.Metrics
	audit            *audit.Logger
	now              func() time.Time

	running atomic.Bool
	histMu  sync.Mutex

	// scheduler state
	lifeMu  sync.Mutex
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	timer   *time.Timer
}

// New creates a backup engine.
func New(store kv.Store, blobs *blob.Store, opts Options) *Engine {
	if opts.StateKeys == nil {
		opts.StateKeys = kv.DefaultStateKeys
	}
	if opts.Schedules == nil {
		opts.Schedules = DefaultSchedules()
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = DefaultCheckInterval
	}
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = DefaultInitialDelay
	}
	if opts.IncrementalDelay <= 0 {
		opts.IncrementalDelay = DefaultIncrementalDelay
	}
	if opts.Events == nil {
		opts.Events = events.Nop{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		kv:               store,
		blobs:            blobs,
		owner:            opts.Owner,
		stateKeys:        opts.StateKeys,
		mergers:          opts.Mergers,
		schedules:        opts.Schedules,
		checkInterval:    opts.CheckInterval,
		initialDelay:     opts.InitialDelay,
		incrementalDelay: opts.IncrementalDelay,
		events:           opts.Events,
		metrics:          opts.Metrics,
		audit:            opts.Audit,
		now:              opts.Now,
		baseCtx:          context.Background(),
	}
}

// Running reports whether a backup is in progress.
func (e *Engine) Running() bool { return e.running.Load() }

func (e *Engine) progress(t events.Type, pct int, msg string) {
	e.events.Publish(t, events.Progress{Percentage: pct, Message: msg})
}

// CreateBackup snapshots all of the owner's files and the state keys.
// It fails with ErrBackupInProgress while another backup runs.
func (e *Engine) CreateBackup(ctx context.Context, typ Type, description string) (Record, error) {
	typ, err := ParseType(string(typ))
	if err != nil {
		return Record{}, err
	}
	if !e.running.CompareAndSwap(false, true) {
		return Record{}, apperr.ErrBackupInProgress
	}
	defer e.running.Store(false)

	// Stamp before listing so a file uploaded meanwhile is newer than the
	// record and the next incremental backup picks it up.
	start := e.now()
	files, err := e.ownerFiles(ctx)
	if err != nil {
		return Record{}, err
	}
	return e.run(ctx, start, typ, description, files)
}

// CreateIncrementalBackup backs up files created since the most recent
// completed backup of any type. It returns nil when nothing changed.
func (e *Engine) CreateIncrementalBackup(ctx context.Context) (*Record, error) {
	if !e.running.CompareAndSwap(false, true) {
		return nil, apperr.ErrBackupInProgress
	}
	defer e.running.Store(false)

	hist, err := e.History(ctx)
	if err != nil {
		return nil, err
	}
	var since time.Time
	if last := lastCompleted(hist, ""); last != nil {
		since = last.CreatedAt
	}

	start := e.now()
	files, err := e.ownerFiles(ctx)
	if err != nil {
		return nil, err
	}
	modified := files[:0]
	for _, f := range files {
		if f.CreatedAt.After(since) {
			modified = append(modified, f)
		}
	}
	if len(modified) == 0 {
		log.Debug().Str("owner", e.owner).Msg("no files modified since last backup")
		return nil, nil
	}

	rec, err := e.run(ctx, start, TypeIncremental, fmt.Sprintf("Incremental backup - %d modified files", len(modified)), modified)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ownerFiles lists every blob of the owner except backup archives.
func (e *Engine) ownerFiles(ctx context.Context) ([]blob.Blob, error) {
	all, err := e.blobs.List(ctx, e.owner, "")
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	files := make([]blob.Blob, 0, len(all))
	for _, b := range all {
		if b.Category != blob.CategoryBackup {
			files = append(files, b)
		}
	}
	return files, nil
}

// run performs one backup stamped with start. The caller holds the running
// flag.
func (e *Engine) run(ctx context.Context, start time.Time, typ Type, description string, files []blob.Blob) (Record, error) {
	e.metrics.BackupStarted()
	e.progress(events.BackupProgress, 0, "Initializing backup...")

	rec := Record{
		ID:          fmt.Sprintf("backup_%d_%s", start.UnixMilli(), uuid.NewString()[:8]),
		Type:        typ,
		Description: description,
		Owner:       e.owner,
		Status:      StatusInProgress,
		CreatedAt:   start.UTC(),
		FileCount:   len(files),
	}
	if err := e.updateHistory(ctx, func(h []Record) []Record { return append([]Record{rec}, h...) }); err != nil {
		e.metrics.BackupFinished(string(typ), string(StatusFailed), 0, 0)
		return Record{}, err
	}
	e.progress(events.BackupProgress, 20, "Collecting files...")

	done, err := e.build(ctx, rec, files)
	elapsed := e.now().Sub(start).Seconds()

	// The record must leave in_progress even when ctx was cancelled.
	finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	if err != nil {
		failed := rec
		failed.Status = StatusFailed
		failed.Error = err.Error()
		ended := e.now().UTC()
		failed.CompletedAt = &ended
		if herr := e.replaceRecord(finalCtx, failed); herr != nil {
			log.Warn().Err(herr).Str("backup_id", rec.ID).Msg("failed to record backup failure")
		}
		e.metrics.BackupFinished(string(typ), string(StatusFailed), elapsed, 0)
		e.audit.LogBackup(e.owner, "create", rec.ID, string(typ), audit.Failure, err.Error())
		log.Error().Err(err).Str("backup_id", rec.ID).Msg("backup failed")
		return failed, err
	}

	if err := e.replaceRecord(finalCtx, done); err != nil {
		e.metrics.BackupFinished(string(typ), string(StatusFailed), elapsed, 0)
		return Record{}, err
	}
	e.progress(events.BackupProgress, 100, "Backup completed successfully!")
	e.events.Publish(events.BackupCompleted, done)
	e.metrics.BackupFinished(string(typ), string(StatusCompleted), elapsed, done.Size)
	e.audit.LogBackup(e.owner, "create", done.ID, string(typ), audit.Success, "")
	log.Info().
		Str("backup_id", done.ID).
		Str("type", string(typ)).
		Int("files", done.FileCount).
		Int64("size", done.Size).
		Msg("backup completed")
	return done, nil
}

func (e *Engine) build(ctx context.Context, rec Record, files []blob.Blob) (Record, error) {
	e.progress(events.BackupProgress, 30, "Creating backup archive...")

	a := &archive{
		ID:        rec.ID,
		Type:      rec.Type,
		Owner:     e.owner,
		Timestamp: rec.CreatedAt,
		Files:     make([]archivedFile, 0, len(files)),
		UserData:  map[string]json.RawMessage{},
	}
	for _, f := range files {
		data, _, err := e.blobs.Get(ctx, f.URL)
		if err != nil {
			return Record{}, fmt.Errorf("read %s: %w", f.Key, err)
		}
		a.Files = append(a.Files, archivedFile{Blob: f, Data: data})
	}
	for _, key := range e.stateKeys {
		raw, found, err := e.kv.GetRaw(ctx, key)
		if err != nil {
			return Record{}, apperr.IO("snapshot "+key, err)
		}
		if found {
			a.UserData[key] = raw
		}
	}

	data, err := encodeArchive(a)
	if err != nil {
		return Record{}, err
	}
	e.progress(events.BackupProgress, 70, "Uploading backup...")

	url, err := e.blobs.Upload(ctx,
		blob.NewFile("backup_"+rec.ID+".json.zst", ArchiveContentType, data),
		blob.CategoryBackup, e.owner, blob.UploadOptions{Identifier: rec.ID})
	if err != nil {
		return Record{}, fmt.Errorf("upload archive: %w", err)
	}
	e.progress(events.BackupProgress, 90, "Finalizing backup...")

	done := rec
	done.Status = StatusCompleted
	ended := e.now().UTC()
	done.CompletedAt = &ended
	done.Size = int64(len(data))
	done.URL = url
	done.Checksum = checksum(data)
	return done, nil
}

// RestoreFromBackup overwrites the state keys with the archived snapshot and
// re-uploads archived files under category "restored".
func (e *Engine) RestoreFromBackup(ctx context.Context, backupID, actor string) (RestoreResult, error) {
	rec, err := e.Get(ctx, backupID)
	if err != nil {
		return RestoreResult{}, err
	}
	if rec.Status != StatusCompleted {
		return RestoreResult{}, fmt.Errorf("backup %s is %s: %w", backupID, rec.Status, apperr.ErrBackupIncomplete)
	}

	res, err := e.restore(ctx, rec)
	if err != nil {
		e.metrics.RecordRestore("failed")
		e.audit.LogBackup(actor, "restore", backupID, string(rec.Type), audit.Failure, err.Error())
		return RestoreResult{}, err
	}

	entry := RestoreLog{
		BackupID:      backupID,
		RestoredBy:    actor,
		RestoredAt:    e.now().UTC(),
		FilesRestored: res.FilesRestored,
		FilesFailed:   res.FilesFailed,
		Partial:       res.Partial,
	}
	var logs []RestoreLog
	if _, err := kv.Get(ctx, e.kv, kv.RestoreLogsKey, &logs); err != nil {
		log.Warn().Err(err).Msg("failed to load restore logs")
	}
	if err := kv.Put(ctx, e.kv, kv.RestoreLogsKey, append(logs, entry)); err != nil {
		log.Warn().Err(err).Msg("failed to save restore log")
	}

	status := "completed"
	if res.Partial {
		status = "partial"
	}
	e.metrics.RecordRestore(status)
	e.audit.LogBackup(actor, "restore", backupID, string(rec.Type), audit.Success,
		fmt.Sprintf("%d files restored, %d failed", res.FilesRestored, res.FilesFailed))
	return res, nil
}

func (e *Engine) restore(ctx context.Context, rec Record) (RestoreResult, error) {
	e.progress(events.RestoreProgress, 0, "Downloading backup...")
	data, _, err := e.blobs.Get(ctx, rec.URL)
	if err != nil {
		return RestoreResult{}, fmt.Errorf("download backup %s: %v: %w", rec.ID, err, apperr.ErrContentUnavailable)
	}
	if rec.Checksum != "" && checksum(data) != rec.Checksum {
		return RestoreResult{}, fmt.Errorf("backup %s checksum mismatch: %w", rec.ID, apperr.ErrContentUnavailable)
	}

	e.progress(events.RestoreProgress, 30, "Extracting files...")
	a, err := decodeArchive(data)
	if err != nil {
		return RestoreResult{}, fmt.Errorf("backup %s: %v: %w", rec.ID, err, apperr.ErrContentUnavailable)
	}

	e.progress(events.RestoreProgress, 60, "Restoring files...")
	res := RestoreResult{BackupID: rec.ID, StateKeysRestored: []string{}, RestoredURLs: []string{}}
	keys := make([]string, 0, len(a.UserData))
	for k := range a.UserData {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		value, err := e.mergeState(ctx, k, a.UserData[k])
		if err != nil {
			return res, err
		}
		if err := e.kv.PutRaw(ctx, k, value); err != nil {
			return res, apperr.IO("restore "+k, err)
		}
		res.StateKeysRestored = append(res.StateKeysRestored, k)
	}

	for _, f := range a.Files {
		owner := f.Owner
		if owner == "" {
			owner = e.owner
		}
		url, err := e.blobs.Upload(ctx, blob.NewFile(f.Name, f.ContentType, f.Data),
			blob.CategoryRestored, owner, blob.UploadOptions{})
		if err != nil {
			res.FilesFailed++
			log.Warn().Err(err).Str("backup_id", rec.ID).Str("key", f.Key).Msg("failed to restore file")
			continue
		}
		res.FilesRestored++
		res.RestoredURLs = append(res.RestoredURLs, url)
	}
	res.Partial = res.FilesFailed > 0

	e.progress(events.RestoreProgress, 90, "Updating file index...")
	e.progress(events.RestoreProgress, 100, "Restore completed successfully!")
	return res, nil
}

func (e *Engine) mergeState(ctx context.Context, key string, archived json.RawMessage) (json.RawMessage, error) {
	merge := e.mergers[key]
	if merge == nil {
		return archived, nil
	}
	current, found, err := e.kv.GetRaw(ctx, key)
	if err != nil {
		return nil, apperr.IO("load "+key, err)
	}
	if !found {
		return archived, nil
	}
	merged, err := merge(current, archived)
	if err != nil {
		return nil, fmt.Errorf("merge %s: %w", key, err)
	}
	return merged, nil
}

// DeleteBackup removes a backup's archive and history record.
func (e *Engine) DeleteBackup(ctx context.Context, backupID, actor string) error {
	rec, err := e.Get(ctx, backupID)
	if err != nil {
		return err
	}
	if rec.Status == StatusInProgress {
		return fmt.Errorf("backup %s: %w", backupID, apperr.ErrBackupInProgress)
	}
	if rec.URL != "" {
		if err := e.blobs.Delete(ctx, rec.URL, e.owner); err != nil {
			return fmt.Errorf("delete archive: %w", err)
		}
	}
	err = e.updateHistory(ctx, func(h []Record) []Record {
		out := h[:0]
		for _, r := range h {
			if r.ID != backupID {
				out = append(out, r)
			}
		}
		return out
	})
	if err != nil {
		return err
	}
	e.metrics.RecordBackupDeleted(string(rec.Type))
	e.audit.LogBackup(actor, "delete", backupID, string(rec.Type), audit.Success, "")
	return nil
}

// History returns all backup records, newest first.
func (e *Engine) History(ctx context.Context) ([]Record, error) {
	e.histMu.Lock()
	defer e.histMu.Unlock()
	return e.loadHistory(ctx)
}

// Get returns one backup record.
func (e *Engine) Get(ctx context.Context, backupID string) (Record, error) {
	hist, err := e.History(ctx)
	if err != nil {
		return Record{}, err
	}
	for _, r := range hist {
		if r.ID == backupID {
			return r, nil
		}
	}
	return Record{}, fmt.Errorf("%s: %w", backupID, apperr.ErrBackupNotFound)
}

// RestoreLogs returns the persisted restore log.
func (e *Engine) RestoreLogs(ctx context.Context) ([]RestoreLog, error) {
	logs := []RestoreLog{}
	if _, err := kv.Get(ctx, e.kv, kv.RestoreLogsKey, &logs); err != nil {
		return nil, apperr.IO("load restore logs", err)
	}
	return logs, nil
}

// Stats summarizes the history and the next due time of each enabled
// schedule.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	hist, err := e.History(ctx)
	if err != nil {
		return Stats{}, err
	}
	s := Stats{TotalBackups: len(hist), NextScheduled: map[Type]time.Time{}}
	for _, r := range hist {
		switch r.Status {
		case StatusCompleted:
			s.CompletedBackups++
			s.TotalSize += r.Size
		case StatusFailed:
			s.FailedBackups++
		}
	}
	s.LastBackup = lastCompleted(hist, "")

	now := e.now()
	for typ, sched := range e.schedules {
		if !sched.Enabled {
			continue
		}
		next := now
		if last := lastCompleted(hist, typ); last != nil {
			if due := nextDue(typ, last.CreatedAt); due.After(now) {
				next = due
			}
		}
		s.NextScheduled[typ] = next.UTC()
	}
	return s, nil
}

func (e *Engine) loadHistory(ctx context.Context) ([]Record, error) {
	hist := []Record{}
	if _, err := kv.Get(ctx, e.kv, kv.BackupHistoryKey, &hist); err != nil {
		return nil, apperr.IO("load backup history", err)
	}
	return hist, nil
}

func (e *Engine) updateHistory(ctx context.Context, fn func([]Record) []Record) error {
	e.histMu.Lock()
	defer e.histMu.Unlock()

	hist, err := e.loadHistory(ctx)
	if err != nil {
		return err
	}
	return apperr.IO("save backup history", kv.Put(ctx, e.kv, kv.BackupHistoryKey, fn(hist)))
}

func (e *Engine) replaceRecord(ctx context.Context, rec Record) error {
	found := false
	err := e.updateHistory(ctx, func(h []Record) []Record {
		for i := range h {
			if h[i].ID == rec.ID {
				h[i] = rec
				found = true
			}
		}
		return h
	})
	if err == nil && !found {
		return fmt.Errorf("%s vanished from history: %w", rec.ID, apperr.ErrBackupNotFound)
	}
	return err
}

// lastCompleted returns the newest completed record of typ, or of any type
// when typ is empty.
func lastCompleted(hist []Record, typ Type) *Record {
	var last *Record
	for i := range hist {
		r := &hist[i]
		if r.Status != StatusCompleted || (typ != "" && r.Type != typ) {
			continue
		}
		if last == nil || r.CreatedAt.After(last.CreatedAt) {
			last = r
		}
	}
	if last == nil {
		return nil
	}
	out := *last
	return &out
}
