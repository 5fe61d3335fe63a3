package api

import (
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/forlifetrading/filevault/internal/blob"
	"github.com/forlifetrading/filevault/pkg/proto"
	"github.com/rs/zerolog/log"
)

// handleBlobs uploads, lists and deletes blobs.
//
//	POST   /api/blobs   multipart: file, category, owner, identifier
//	GET    /api/blobs?owner=&category=
//	DELETE /api/blobs   {"url","owner"}
func (s *Server) handleBlobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		file, closeFn, err := formFile(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		defer closeFn()

		category, err := blob.ParseCategory(r.FormValue("category"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		owner := r.FormValue("owner")
		if owner == "" {
			owner = s.opts.Owner
		}

		url, err := s.opts.Blobs.Upload(r.Context(), file, category, owner, blob.UploadOptions{
			Identifier: r.FormValue("identifier"),
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		if s.opts.Backups != nil && owner == s.opts.Owner {
			s.opts.Backups.NotifyFilesChanged()
		}
		writeJSON(w, http.StatusCreated, proto.UploadResponse{URL: url})

	case http.MethodGet:
		owner := r.URL.Query().Get("owner")
		if owner == "" {
			owner = s.opts.Owner
		}
		blobs, err := s.opts.Blobs.List(r.Context(), owner, blob.Category(r.URL.Query().Get("category")))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, blobs)

	case http.MethodDelete:
		var req proto.DeleteBlobRequest
		if err := decode(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		if req.URL == "" {
			jsonError(w, "url required", http.StatusBadRequest)
			return
		}
		if err := s.opts.Blobs.Delete(r.Context(), req.URL, req.Owner); err != nil {
			writeError(w, r, err)
			return
		}
		if s.opts.Backups != nil {
			s.opts.Backups.NotifyFilesChanged()
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		methodNotAllowed(w)
	}
}

// handleBlobContent serves blob URLs of the disk and memory backends.
func (s *Server) handleBlobContent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w)
		return
	}
	key := strings.TrimPrefix(r.URL.Path, "/blobs/")
	if key == "" {
		jsonError(w, "blob key required", http.StatusBadRequest)
		return
	}
	s.streamBlob(w, r, s.opts.Blobs.Backend().URL(key))
}

func (s *Server) streamBlob(w http.ResponseWriter, r *http.Request, url string) {
	rc, b, err := s.opts.Blobs.Open(r.Context(), url)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer func() { _ = rc.Close() }()

	if b.ContentType != "" {
		w.Header().Set("Content-Type", b.ContentType)
	}
	if b.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(b.Size, 10))
	}
	if b.Name != "" {
		w.Header().Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": b.Name}))
	}
	if r.Method == http.MethodHead {
		return
	}
	n, err := io.Copy(w, rc)
	if err != nil {
		log.Debug().Err(err).Str("key", b.Key).Int64("written", n).Msg("blob stream interrupted")
	}
}

// formFile reads the "file" part of a multipart request as a blob.File.
func formFile(r *http.Request) (blob.File, func(), error) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		return blob.File{}, nil, invalid("invalid multipart form: " + err.Error())
	}
	f, hdr, err := r.FormFile("file")
	if err != nil {
		return blob.File{}, nil, invalid("file field required")
	}
	closeFn := func() {
		_ = f.Close()
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}
	name := r.FormValue("name")
	if name == "" {
		name = hdr.Filename
	}
	return blob.File{
		Name:        name,
		ContentType: partType(hdr),
		Size:        hdr.Size,
		Body:        f,
	}, closeFn, nil
}

func partType(hdr *multipart.FileHeader) string {
	if ct := hdr.Header.Get("Content-Type"); ct != "" && ct != "application/octet-stream" {
		return ct
	}
	if ct := mime.TypeByExtension(filepath.Ext(hdr.Filename)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
