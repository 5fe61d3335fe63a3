package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/forlifetrading/filevault/internal/api"
	"github.com/forlifetrading/filevault/internal/backup"
	"github.com/forlifetrading/filevault/internal/blob"
	"github.com/forlifetrading/filevault/internal/cdn"
	"github.com/forlifetrading/filevault/internal/config"
	"github.com/forlifetrading/filevault/internal/events"
	"github.com/forlifetrading/filevault/internal/kv"
	"github.com/forlifetrading/filevault/internal/logging/audit"
	"github.com/forlifetrading/filevault/internal/logging/loki"
	"github.com/forlifetrading/filevault/internal/metrics"
	"github.com/forlifetrading/filevault/internal/share"
	"github.com/forlifetrading/filevault/internal/tracing"
	"github.com/forlifetrading/filevault/internal/version"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the filevault server",
		Long: `Run the filevault HTTP server.

Configuration is read from --config, then FILEVAULT_* environment variables
(optionally loaded from --env-file) override it. Secrets such as
FILEVAULT_S3_SECRET_ACCESS_KEY and FILEVAULT_SHARE_TOKEN_SECRET are best
supplied through the environment.

Examples:
  filevault serve --config /etc/filevault/filevault.yaml
  FILEVAULT_OWNER=u1 FILEVAULT_STORAGE_BACKEND=memory filevault serve`,
		RunE: runServe,
	}
	serveCmd.Flags().Bool("enable-tracing", false, "enable runtime tracing (exposes /debug/trace endpoint)")
	return serveCmd
}

// app is the wired server. It is built separately from runServe so the
// wiring can be exercised without signals or a listening socket.
type app struct {
	cfg      *config.Config
	kv       kv.Store
	blobs    *blob.Store
	versions *version.Store
	bus      *events.Bus
	backups  *backup.Engine
	cdn      *cdn.Layer
	tracer   *tracing.Recorder
	server   *api.Server
}

func runServe(cmd *cobra.Command, _ []string) error {
	if err := config.LoadEnvFile(envFile); err != nil {
		return err
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if enable, _ := cmd.Flags().GetBool("enable-tracing"); enable {
		cfg.Debug.Trace = true
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	var lokiWriter *loki.Writer
	if cfg.Loki.URL != "" {
		lokiWriter, err = loki.NewWriter(loki.Config{
			URL:           cfg.Loki.URL,
			Labels:        cfg.Loki.Labels,
			BatchSize:     cfg.Loki.BatchSize,
			FlushInterval: config.Duration(cfg.Loki.FlushInterval),
			Gzip:          cfg.Loki.Gzip,
		})
		if err != nil {
			return err
		}
		lokiWriter.Start()
		defer lokiWriter.Stop()
		setupLogging(cfg.LogLevel, lokiWriter)
	} else {
		setupLogging(cfg.LogLevel)
	}
	logStartupBanner()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := buildApp(ctx, cfg, nil)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           a.server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("listen", cfg.Listen).
			Str("base_url", cfg.BaseURL).
			Str("backend", cfg.Storage.Backend).
			Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	if cfg.Backup.Enabled {
		a.backups.Start(ctx)
		log.Info().Str("owner", cfg.Owner).Msg("backup scheduler started")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP server shutdown incomplete")
	}
	a.close()
	cancel()
	log.Info().Msg("filevault stopped")
	return nil
}

// buildApp wires storage and services from cfg. reg receives the metrics;
// nil selects the registry served on /metrics.
func buildApp(ctx context.Context, cfg *config.Config, reg prometheus.Registerer) (*app, error) {
	m := metrics.New(reg)
	auditLog := audit.NewLogger(log.Logger)
	bus := events.NewBus()

	var (
		store   kv.Store
		backend blob.Backend
		err     error
	)
	switch cfg.Storage.Backend {
	case config.BackendMemory:
		store = kv.NewMemoryStore()
		backend = blob.NewMemoryBackend(cfg.BaseURL)
		log.Warn().Msg("memory storage backend selected: files and metadata are lost on exit")
	case config.BackendDisk, config.BackendS3:
		store, err = kv.NewFileStore(cfg.KVDir())
		if err != nil {
			return nil, err
		}
		if cfg.Storage.Backend == config.BackendDisk {
			backend, err = blob.NewDiskBackend(cfg.BlobDir(), cfg.BaseURL, m)
		} else {
			s3cfg := cfg.Storage.S3
			backend, err = blob.NewS3Backend(ctx, blob.S3Config{
				Endpoint:        s3cfg.Endpoint,
				Region:          s3cfg.Region,
				Bucket:          s3cfg.Bucket,
				AccessKeyID:     s3cfg.AccessKeyID,
				SecretAccessKey: s3cfg.SecretAccessKey,
				PublicURL:       s3cfg.PublicURL,
				UsePathStyle:    s3cfg.UsePathStyle,
			})
		}
		if err != nil {
			return nil, fmt.Errorf("open %s backend: %w", cfg.Storage.Backend, err)
		}
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}

	blobs := blob.NewStore(backend, blob.Options{
		Policies:  cfg.Policies(),
		IOTimeout: config.Duration(cfg.Storage.IOTimeout),
		Metrics:   m,
	})

	versions := version.New(store, blobs, version.Options{
		MaxVersions: cfg.Versions.MaxVersions,
		Compression: cfg.Versions.Compression,
		Events:      bus,
		Metrics:     m,
		Audit:       auditLog,
	})

	secret, err := cfg.ShareSecret()
	if err != nil {
		return nil, fmt.Errorf("share token secret: %w", err)
	}
	shares := share.NewRegistry(store, share.Options{
		BaseURL:       cfg.BaseURL,
		DefaultExpiry: config.Duration(cfg.Shares.DefaultExpiry),
		AdminUsers:    cfg.Shares.AdminUsers,
		TokenSecret:   secret,
		TokenTTL:      config.Duration(cfg.Shares.TokenTTL),
		Events:        bus,
		Metrics:       m,
		Audit:         auditLog,
	})

	backups := backup.New(store, blobs, backup.Options{
		Owner:            cfg.Owner,
		Mergers:          map[string]backup.MergeFunc{kv.FileSharesKey: share.MergeRestored},
		Schedules:        cfg.BackupSchedules(),
		CheckInterval:    config.Duration(cfg.Backup.CheckInterval),
		IncrementalDelay: config.Duration(cfg.Backup.IncrementalDelay),
		Events:           bus,
		Metrics:          m,
		Audit:            auditLog,
	})

	layer := cdn.New(cdn.Options{
		Providers: cfg.CDN.Providers,
		Settings:  cfg.CDN.Settings,
		CacheSize: cfg.CDN.CacheSize,
		CacheTTL:  config.Duration(cfg.CDN.CacheTTL),
		Store:     store,
		Metrics:   m,
	})
	if err := layer.LoadSettings(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to load persisted CDN settings, using configured defaults")
	}

	var tracer *tracing.Recorder
	var traceHandler http.Handler
	if cfg.Debug.Trace {
		tracer = tracing.NewRecorder(cfg.Debug.TraceBuffer.Bytes(), 0)
		if err := tracer.Start(); err != nil {
			return nil, err
		}
		traceHandler = tracer
		log.Info().Msg("runtime tracing enabled on /debug/trace")
	}

	server := api.NewServer(api.Options{
		Blobs:          blobs,
		Versions:       versions,
		Shares:         shares,
		Backups:        backups,
		CDN:            layer,
		Bus:            bus,
		Owner:          cfg.Owner,
		AllowedOrigins: cfg.AllowedOrigins,
		ShareRateLimit: cfg.Shares.RateLimit,
		ShareRateBurst: cfg.Shares.RateBurst,
		CleanupHorizon: config.Duration(cfg.Shares.CleanupHorizon),
		PresignTTL:     config.Duration(cfg.Shares.PresignTTL),
		Trace:          traceHandler,
	})

	return &app{
		cfg:      cfg,
		kv:       store,
		blobs:    blobs,
		versions: versions,
		bus:      bus,
		backups:  backups,
		cdn:      layer,
		tracer:   tracer,
		server:   server,
	}, nil
}

// close stops background work. The blob backend holds no resources that
// need releasing.
func (a *app) close() {
	a.backups.Stop()
	if a.tracer != nil {
		a.tracer.Stop()
	}
}
