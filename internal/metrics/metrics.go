// Package metrics provides Prometheus metrics for filevault.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the Prometheus registry served on /metrics.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Metrics holds all file lifecycle metrics.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Blob store
	BlobOps         *prometheus.CounterVec   // filevault_blob_operations_total{operation,status}
	BlobOpDuration  *prometheus.HistogramVec // filevault_blob_operation_duration_seconds{operation}
	BytesUploaded   prometheus.Counter       // filevault_blob_bytes_uploaded_total
	BytesDownloaded prometheus.Counter       // filevault_blob_bytes_downloaded_total
	UploadsRejected *prometheus.CounterVec   // filevault_blob_uploads_rejected_total{reason}
	ChunksCollected prometheus.Counter       // filevault_blob_chunks_collected_total
	DedupBytesSaved prometheus.Counter       // filevault_blob_dedup_bytes_saved_total

	// Versions
	VersionsCreated  prometheus.Counter // filevault_versions_created_total
	VersionsEvicted  prometheus.Counter // filevault_versions_evicted_total
	VersionsRestored prometheus.Counter // filevault_versions_restored_total
	CompressionSaved prometheus.Counter // filevault_version_compression_bytes_saved_total

	// Shares
	SharesCreated    prometheus.Counter     // filevault_shares_created_total
	ShareValidations *prometheus.CounterVec // filevault_share_validations_total{result}
	ShareDownloads   prometheus.Counter     // filevault_share_downloads_total

	// Backups
	Backups        *prometheus.CounterVec // filevault_backups_total{type,status}
	BackupDuration prometheus.Histogram   // filevault_backup_duration_seconds
	BackupBytes    prometheus.Gauge       // filevault_backup_last_size_bytes
	BackupRunning  prometheus.Gauge       // filevault_backup_in_progress
	BackupsDeleted *prometheus.CounterVec // filevault_backups_deleted_total{type}
	Restores       *prometheus.CounterVec // filevault_restores_total{status}

	// CDN
	CDNCache *prometheus.CounterVec // filevault_cdn_cache_total{result}
}

// New registers all metrics with reg. Passing nil uses Registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = Registry
	}
	f := promauto.With(reg)

	return &Metrics{
		BlobOps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "filevault_blob_operations_total",
			Help: "Blob store operations by operation and status",
		}, []string{"operation", "status"}),
		BlobOpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "filevault_blob_operation_duration_seconds",
			Help:    "Blob store operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		BytesUploaded: f.NewCounter(prometheus.CounterOpts{
			Name: "filevault_blob_bytes_uploaded_total",
			Help: "Total bytes uploaded to the blob store",
		}),
		BytesDownloaded: f.NewCounter(prometheus.CounterOpts{
			Name: "filevault_blob_bytes_downloaded_total",
			Help: "Total bytes read from the blob store",
		}),
		UploadsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "filevault_blob_uploads_rejected_total",
			Help: "Uploads rejected by category policy",
		}, []string{"reason"}),
		ChunksCollected: f.NewCounter(prometheus.CounterOpts{
			Name: "filevault_blob_chunks_collected_total",
			Help: "Unreferenced chunks removed from the disk backend",
		}),
		DedupBytesSaved: f.NewCounter(prometheus.CounterOpts{
			Name: "filevault_blob_dedup_bytes_saved_total",
			Help: "Bytes not written because an identical chunk already existed",
		}),

		VersionsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "filevault_versions_created_total",
			Help: "File versions created",
		}),
		VersionsEvicted: f.NewCounter(prometheus.CounterOpts{
			Name: "filevault_versions_evicted_total",
			Help: "File versions evicted by the per-file limit",
		}),
		VersionsRestored: f.NewCounter(prometheus.CounterOpts{
			Name: "filevault_versions_restored_total",
			Help: "File versions restored",
		}),
		CompressionSaved: f.NewCounter(prometheus.CounterOpts{
			Name: "filevault_version_compression_bytes_saved_total",
			Help: "Bytes saved by compressing textual versions",
		}),

		SharesCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "filevault_shares_created_total",
			Help: "Share links created",
		}),
		ShareValidations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "filevault_share_validations_total",
			Help: "Share validations by result",
		}, []string{"result"}),
		ShareDownloads: f.NewCounter(prometheus.CounterOpts{
			Name: "filevault_share_downloads_total",
			Help: "Downloads through share links",
		}),

		Backups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "filevault_backups_total",
			Help: "Backups by type and final status",
		}, []string{"type", "status"}),
		BackupDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "filevault_backup_duration_seconds",
			Help:    "Backup duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		}),
		BackupBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "filevault_backup_last_size_bytes",
			Help: "Compressed size of the last completed backup",
		}),
		BackupRunning: f.NewGauge(prometheus.GaugeOpts{
			Name: "filevault_backup_in_progress",
			Help: "1 while a backup is running",
		}),
		BackupsDeleted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "filevault_backups_deleted_total",
			Help: "Backups removed by retention or explicit deletion",
		}, []string{"type"}),
		Restores: f.NewCounterVec(prometheus.CounterOpts{
			Name: "filevault_restores_total",
			Help: "Restores by status",
		}, []string{"status"}),

		CDNCache: f.NewCounterVec(prometheus.CounterOpts{
			Name: "filevault_cdn_cache_total",
			Help: "CDN URL cache lookups by result",
		}, []string{"result"}),
	}
}

// RecordBlobOp records a blob store operation.
func (m *Metrics) RecordBlobOp(operation, status string, seconds float64) {
	if m == nil {
		return
	}
	m.BlobOps.WithLabelValues(operation, status).Inc()
	m.BlobOpDuration.WithLabelValues(operation).Observe(seconds)
}

// RecordUpload records bytes uploaded.
func (m *Metrics) RecordUpload(bytes int64) {
	if m == nil {
		return
	}
	m.BytesUploaded.Add(float64(bytes))
}

// RecordDownload records bytes downloaded.
func (m *Metrics) RecordDownload(bytes int64) {
	if m == nil {
		return
	}
	m.BytesDownloaded.Add(float64(bytes))
}

// RecordRejected records an upload rejected by policy.
func (m *Metrics) RecordRejected(reason string) {
	if m == nil {
		return
	}
	m.UploadsRejected.WithLabelValues(reason).Inc()
}

// RecordChunkGC records collected chunks.
func (m *Metrics) RecordChunkGC(n int) {
	if m == nil {
		return
	}
	m.ChunksCollected.Add(float64(n))
}

// RecordDedup records bytes skipped by deduplication.
func (m *Metrics) RecordDedup(bytes int64) {
	if m == nil {
		return
	}
	m.DedupBytesSaved.Add(float64(bytes))
}

// RecordVersionCreated records a new version and compression savings.
func (m *Metrics) RecordVersionCreated(saved int64) {
	if m == nil {
		return
	}
	m.VersionsCreated.Inc()
	if saved > 0 {
		m.CompressionSaved.Add(float64(saved))
	}
}

// RecordVersionEvicted records an evicted version.
func (m *Metrics) RecordVersionEvicted() {
	if m == nil {
		return
	}
	m.VersionsEvicted.Inc()
}

// RecordVersionRestored records a restore.
func (m *Metrics) RecordVersionRestored() {
	if m == nil {
		return
	}
	m.VersionsRestored.Inc()
}

// RecordShareCreated records a new share link.
func (m *Metrics) RecordShareCreated() {
	if m == nil {
		return
	}
	m.SharesCreated.Inc()
}

// RecordShareValidation records a validation outcome ("ok" or the denial reason).
func (m *Metrics) RecordShareValidation(result string) {
	if m == nil {
		return
	}
	m.ShareValidations.WithLabelValues(result).Inc()
}

// RecordShareDownload records a download through a share.
func (m *Metrics) RecordShareDownload() {
	if m == nil {
		return
	}
	m.ShareDownloads.Inc()
}

// BackupStarted marks a backup as running.
func (m *Metrics) BackupStarted() {
	if m == nil {
		return
	}
	m.BackupRunning.Set(1)
}

// BackupFinished records a finished backup.
func (m *Metrics) BackupFinished(backupType, status string, seconds float64, size int64) {
	if m == nil {
		return
	}
	m.BackupRunning.Set(0)
	m.Backups.WithLabelValues(backupType, status).Inc()
	m.BackupDuration.Observe(seconds)
	if status == "completed" {
		m.BackupBytes.Set(float64(size))
	}
}

// RecordBackupDeleted records a removed backup.
func (m *Metrics) RecordBackupDeleted(backupType string) {
	if m == nil {
		return
	}
	m.BackupsDeleted.WithLabelValues(backupType).Inc()
}

// RecordRestore records a backup restore.
func (m *Metrics) RecordRestore(status string) {
	if m == nil {
		return
	}
	m.Restores.WithLabelValues(status).Inc()
}

// RecordCDNCache records a URL cache lookup.
func (m *Metrics) RecordCDNCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CDNCache.WithLabelValues("hit").Inc()
		return
	}
	m.CDNCache.WithLabelValues("miss").Inc()
}
