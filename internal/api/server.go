// Package api exposes the file lifecycle services over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/forlifetrading/filevault/internal/apperr"
	"github.com/forlifetrading/filevault/internal/backup"
	"github.com/forlifetrading/filevault/internal/blob"
	"github.com/forlifetrading/filevault/internal/cdn"
	"github.com/forlifetrading/filevault/internal/events"
	"github.com/forlifetrading/filevault/internal/metrics"
	"github.com/forlifetrading/filevault/internal/share"
	"github.com/forlifetrading/filevault/internal/version"
	"github.com/forlifetrading/filevault/pkg/proto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
)

// maxUploadMemory is the multipart form size held in memory before spilling to disk.
const maxUploadMemory = 32 << 20

// Options configure a Server.
type Options struct {
	Blobs    *blob.Store
	Versions *version.Store
	Shares   *share.Registry
	Backups  *backup.Engine
	CDN      *cdn.Layer
	Bus      *events.Bus

	// Owner receives uploads that do not name one.
	Owner          string
	AllowedOrigins []string

	// ShareRateLimit is requests per second per share on public endpoints.
	ShareRateLimit float64
	ShareRateBurst int
	CleanupHorizon time.Duration
	PresignTTL     time.Duration

	// Trace, when set, serves runtime trace snapshots on /debug/trace.
	Trace http.Handler
}

// Server is the filevault HTTP API.
type Server struct {
	opts     Options
	mux      *http.ServeMux
	handler  http.Handler
	limiters *limiterSet
}

// NewServer creates the API and registers its routes.
func NewServer(opts Options) *Server {
	if opts.Owner == "" {
		opts.Owner = "admin"
	}
	if opts.ShareRateLimit <= 0 {
		opts.ShareRateLimit = 5
	}
	if opts.ShareRateBurst <= 0 {
		opts.ShareRateBurst = 10
	}
	if opts.CleanupHorizon <= 0 {
		opts.CleanupHorizon = 30 * 24 * time.Hour
	}
	if opts.PresignTTL <= 0 {
		opts.PresignTTL = 15 * time.Minute
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}

	s := &Server{
		opts:     opts,
		mux:      http.NewServeMux(),
		limiters: newLimiterSet(opts.ShareRateLimit, opts.ShareRateBurst),
	}
	s.setupRoutes()
	s.watchCDN()

	c := cors.New(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{
			http.MethodGet, http.MethodPost, http.MethodPut,
			http.MethodPatch, http.MethodDelete, http.MethodOptions,
		},
		AllowedHeaders: []string{"*"},
	})
	s.handler = c.Handler(s.mux)
	return s
}

// watchCDN forwards settings changes to event stream clients.
func (s *Server) watchCDN() {
	if s.opts.CDN == nil || s.opts.Bus == nil {
		return
	}
	bus := s.opts.Bus
	for _, flag := range cdn.AllFlags {
		flag := flag
		s.opts.CDN.OnChange(flag, func(st cdn.Settings) {
			bus.Publish(events.CDNSettingsChanged, cdn.SettingsChange{Flag: flag, Settings: st})
		})
	}
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	s.mux.HandleFunc("/api/blobs", s.handleBlobs)
	s.mux.HandleFunc("/blobs/", s.handleBlobContent)

	s.mux.HandleFunc("/api/versions", s.handleVersionFiles)
	s.mux.HandleFunc("/api/versions/", s.handleVersions)

	s.mux.HandleFunc("/api/shares", s.handleShares)
	s.mux.HandleFunc("/api/shares/", s.handleShareByID)
	s.mux.HandleFunc("/share/", s.handlePublicShare)

	s.mux.HandleFunc("/api/backups", s.handleBackups)
	s.mux.HandleFunc("/api/backups/", s.handleBackupByID)

	s.mux.HandleFunc("/api/cdn/", s.handleCDN)

	s.mux.HandleFunc("/api/events", s.handleSSE)
	s.mux.HandleFunc("/api/events/ws", s.handleWebSocket)

	if s.opts.Trace != nil {
		s.mux.Handle("/debug/trace", s.opts.Trace)
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := proto.HealthResponse{Status: "ok"}
	if s.opts.Backups != nil {
		resp.BackupRunning = s.opts.Backups.Running()
	}
	if s.opts.Bus != nil {
		resp.Subscribers = s.opts.Bus.Subscribers()
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// jsonError sends a JSON error response.
func jsonError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, proto.ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

// writeError maps an error kind to its status code.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		log.Warn().Err(err).Str("path", r.URL.Path).Msg("request failed")
	} else {
		log.Debug().Err(err).Str("path", r.URL.Path).Int("status", code).Msg("request rejected")
	}
	writeJSON(w, code, proto.ErrorResponse{
		Error:     http.StatusText(code),
		Code:      code,
		Message:   err.Error(),
		Kind:      kindName(err),
		Retryable: apperr.Retryable(err),
	})
}

func statusFor(err error) int {
	if errors.Is(err, apperr.ErrInvalidPassword) {
		return http.StatusUnauthorized
	}
	switch apperr.Kind(err) {
	case apperr.ErrValidation:
		return http.StatusBadRequest
	case apperr.ErrNotFound:
		return http.StatusNotFound
	case apperr.ErrStateConflict:
		return http.StatusConflict
	case apperr.ErrAccessDenied:
		return http.StatusForbidden
	case apperr.ErrTransientIO:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func kindName(err error) string {
	switch apperr.Kind(err) {
	case apperr.ErrValidation:
		return "validation"
	case apperr.ErrNotFound:
		return "not_found"
	case apperr.ErrStateConflict:
		return "state_conflict"
	case apperr.ErrAccessDenied:
		return "access_denied"
	case apperr.ErrTransientIO:
		return "transient_io"
	}
	return ""
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return invalid("invalid request body: " + err.Error())
}

func invalid(msg string) error {
	return &requestError{msg: msg}
}

type requestError struct{ msg string }

func (e *requestError) Error() string { return e.msg }
func (e *requestError) Unwrap() error { return apperr.ErrInvalidInput }

// pathParts splits the path below prefix into non-empty segments.
func pathParts(path, prefix string) []string {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}

func methodNotAllowed(w http.ResponseWriter) {
	jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
}

// requester identifies the caller of a public endpoint for access logs.
func requester(r *http.Request) string {
	if u := r.Header.Get("X-User-ID"); u != "" {
		return u
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host := r.RemoteAddr
	if i := strings.LastIndexByte(host, ':'); i > 0 {
		host = host[:i]
	}
	return host
}
