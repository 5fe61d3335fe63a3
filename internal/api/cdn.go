package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/forlifetrading/filevault/internal/cdn"
	"github.com/forlifetrading/filevault/pkg/proto"
)

// handleCDN routes everything under /api/cdn/.
//
//	POST  /api/cdn/optimize   OptimizeRequest
//	GET   /api/cdn/provider
//	GET   /api/cdn/settings
//	PATCH /api/cdn/settings   cdn.Patch
//	GET   /api/cdn/stats
//	POST  /api/cdn/purge      {"urls"}
//	GET   /api/cdn/path?name=&base=
func (s *Server) handleCDN(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/api/cdn/")
	if len(parts) != 1 {
		jsonError(w, "not found", http.StatusNotFound)
		return
	}
	switch parts[0] {
	case "optimize":
		s.handleOptimize(w, r)
	case "provider":
		s.handleProvider(w, r)
	case "settings":
		s.handleCDNSettings(w, r)
	case "stats":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		writeJSON(w, http.StatusOK, s.opts.CDN.Stats())
	case "purge":
		s.handlePurge(w, r)
	case "path":
		s.handleCDNPath(w, r)
	default:
		jsonError(w, "not found", http.StatusNotFound)
	}
}

// acceptsWebP reports whether the client advertised WebP support.
func acceptsWebP(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "image/webp")
}

func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req proto.OptimizeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.URL == "" {
		jsonError(w, "url required", http.StatusBadRequest)
		return
	}
	webp := acceptsWebP(r)
	if req.WebP != nil {
		webp = *req.WebP
	}
	resp := proto.OptimizeResponse{
		URL: s.opts.CDN.OptimizedURL(req.URL, cdn.ImageOptions{
			Width:        req.Width,
			Height:       req.Height,
			Quality:      req.Quality,
			Format:       req.Format,
			CacheControl: req.Cache,
		}, webp),
	}
	if len(req.Widths) > 0 {
		resp.SrcSet = s.opts.CDN.ResponsiveSrcSet(req.URL, req.Widths, webp)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleProvider(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	p, ok := s.opts.CDN.ActiveProvider()
	if !ok {
		jsonError(w, "no cdn provider enabled", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleCDNSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.opts.CDN.Settings())

	case http.MethodPatch, http.MethodPut:
		var patch cdn.Patch
		if err := decode(r, &patch); err != nil {
			writeError(w, r, err)
			return
		}
		settings, err := s.opts.CDN.UpdateSettings(r.Context(), patch)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, settings)

	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req proto.PurgeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, proto.CountResponse{Count: s.opts.CDN.Purge(req.URLs)})
}

func (s *Server) handleCDNPath(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		jsonError(w, "name required", http.StatusBadRequest)
		return
	}
	base := r.URL.Query().Get("base")
	if base == "" {
		base = "uploads"
	}
	writeJSON(w, http.StatusOK, proto.CDNPathResponse{Path: cdn.CDNPath(name, base, time.Now())})
}
