package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/forlifetrading/filevault/internal/apperr"
	"github.com/forlifetrading/filevault/internal/share"
	"github.com/forlifetrading/filevault/pkg/proto"
	"github.com/rs/zerolog/log"
)

// publicShare is what an anonymous holder of a link may see.
type publicShare struct {
	ID                string             `json:"id"`
	FileID            string             `json:"fileId"`
	FileName          string             `json:"fileName,omitempty"`
	Permissions       []share.Permission `json:"permissions"`
	PasswordProtected bool               `json:"passwordProtected"`
	ExpiresAt         *time.Time         `json:"expiresAt,omitempty"`
	DownloadsLeft     *int               `json:"downloadsLeft,omitempty"`
	DownloadURL       string             `json:"downloadUrl,omitempty"`
}

// handlePublicShare serves the endpoints behind share URLs.
//
//	GET  /share/{id}            view; password in X-Share-Password or ?password=
//	GET  /share/{id}/download   ?token= or password as above
//	POST /share/{id}/token      {"password"}
//	GET  /share/{id}/qr?size=
func (s *Server) handlePublicShare(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/share/")
	if len(parts) == 0 || len(parts) > 2 {
		jsonError(w, "not found", http.StatusNotFound)
		return
	}
	id := parts[0]
	if s.rateLimited(w, id) {
		return
	}

	if len(parts) == 1 {
		s.handleShareView(w, r, id)
		return
	}
	switch parts[1] {
	case "download":
		s.handleShareDownload(w, r, id)
	case "token":
		s.handleShareToken(w, r, id)
	case "qr":
		s.handleShareQR(w, r, id)
	default:
		jsonError(w, "not found", http.StatusNotFound)
	}
}

func sharePassword(r *http.Request) string {
	if pw := r.Header.Get("X-Share-Password"); pw != "" {
		return pw
	}
	return r.URL.Query().Get("password")
}

func (s *Server) handleShareView(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	g, err := s.opts.Shares.Open(r.Context(), id, sharePassword(r), share.ActionView, requester(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	view := publicShare{
		ID:                g.ID,
		FileID:            g.FileID,
		FileName:          g.FileName,
		Permissions:       g.Permissions,
		PasswordProtected: g.PasswordProtected,
		ExpiresAt:         g.ExpiresAt,
	}
	if g.MaxDownloads > 0 {
		left := g.MaxDownloads - g.DownloadCount
		view.DownloadsLeft = &left
	}
	if g.Has(share.PermDownload) {
		view.DownloadURL = s.opts.Shares.ShareURL(id) + "/download"
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleShareDownload(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	var (
		g   share.Grant
		err error
	)
	if token := r.URL.Query().Get("token"); token != "" {
		var sid string
		sid, err = s.opts.Shares.VerifyDownloadToken(token)
		switch {
		case err != nil:
		case sid != id:
			err = fmt.Errorf("token was issued for another share: %w", apperr.ErrPermissionDenied)
		default:
			g, err = s.opts.Shares.DownloadWithToken(r.Context(), token, requester(r))
		}
	} else {
		g, err = s.opts.Shares.Download(r.Context(), id, sharePassword(r), requester(r))
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	if g.FileURL == "" {
		writeError(w, r, apperr.ErrContentUnavailable)
		return
	}

	signed, ok, err := s.opts.Blobs.PresignedURL(r.Context(), g.FileURL, s.opts.PresignTTL)
	switch {
	case err != nil && !errors.Is(err, apperr.ErrValidation):
		writeError(w, r, err)
		return
	case ok:
		http.Redirect(w, r, signed, http.StatusFound)
		return
	}
	if _, err := s.opts.Blobs.KeyFromURL(g.FileURL); err != nil {
		// Not one of ours; the link points at an external file.
		log.Debug().Str("share_id", id).Msg("redirecting share download to external url")
		http.Redirect(w, r, g.FileURL, http.StatusFound)
		return
	}
	s.streamBlob(w, r, g.FileURL)
}

func (s *Server) handleShareToken(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req proto.ShareTokenRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Password == "" {
		req.Password = sharePassword(r)
	}
	token, expires, err := s.opts.Shares.IssueDownloadToken(r.Context(), id, req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, proto.ShareTokenResponse{
		Token:       token,
		DownloadURL: s.opts.Shares.ShareURL(id) + "/download?token=" + token,
		ExpiresAt:   expires,
	})
}

func (s *Server) handleShareQR(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	size := 0
	if v := r.URL.Query().Get("size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			jsonError(w, "size must be an integer", http.StatusBadRequest)
			return
		}
		size = n
	}
	png, err := s.opts.Shares.QRCode(r.Context(), id, size)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(png)))
	_, _ = w.Write(png)
}
