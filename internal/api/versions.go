package api

import (
	"net/http"
	"strconv"

	"github.com/forlifetrading/filevault/internal/version"
	"github.com/forlifetrading/filevault/pkg/proto"
)

// handleVersionFiles lists the files that have version chains.
func (s *Server) handleVersionFiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	files, err := s.opts.Versions.Files(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, files)
}

// handleVersions routes everything under /api/versions/.
//
//	GET    /api/versions/actions
//	POST   /api/versions/compress
//	POST   /api/versions/import?actor=
//	GET    /api/versions/{fileId}
//	POST   /api/versions/{fileId}                      multipart: file, changeType, creator
//	GET    /api/versions/{fileId}/latest|timeline|stats|export
//	GET    /api/versions/{fileId}/compare?v1=&v2=
//	GET    /api/versions/{fileId}/{versionId}
//	PATCH  /api/versions/{fileId}/{versionId}          {"comment","tags"}
//	DELETE /api/versions/{fileId}/{versionId}?actor=
//	POST   /api/versions/{fileId}/{versionId}/restore  {"actor"}
//	GET    /api/versions/{fileId}/{versionId}/content
func (s *Server) handleVersions(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/api/versions/")
	switch len(parts) {
	case 0:
		s.handleVersionFiles(w, r)
		return
	case 1:
		switch parts[0] {
		case "actions":
			s.handleVersionActions(w, r)
		case "compress":
			s.handleCompressAll(w, r)
		case "import":
			s.handleImportHistory(w, r)
		default:
			s.handleFileVersions(w, r, parts[0])
		}
		return
	case 2:
		fileID, sub := parts[0], parts[1]
		switch sub {
		case "latest", "timeline", "stats", "export", "compare":
			s.handleFileView(w, r, fileID, sub)
		default:
			s.handleVersion(w, r, fileID, sub)
		}
		return
	case 3:
		switch parts[2] {
		case "restore":
			s.handleRestoreVersion(w, r, parts[0], parts[1])
			return
		case "content":
			s.handleVersionContent(w, r, parts[0], parts[1])
			return
		}
	}
	jsonError(w, "not found", http.StatusNotFound)
}

func (s *Server) handleVersionActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	actions, err := s.opts.Versions.ActionLog(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, actions)
}

func (s *Server) handleCompressAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	n, err := s.opts.Versions.CompressAll(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, proto.CountResponse{Count: n})
}

func (s *Server) handleImportHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var doc version.Export
	if err := decode(r, &doc); err != nil {
		writeError(w, r, err)
		return
	}
	n, err := s.opts.Versions.ImportHistory(r.Context(), doc, r.URL.Query().Get("actor"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, proto.CountResponse{Count: n})
}

func (s *Server) handleFileVersions(w http.ResponseWriter, r *http.Request, fileID string) {
	switch r.Method {
	case http.MethodGet:
		versions, err := s.opts.Versions.Versions(r.Context(), fileID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, versions)

	case http.MethodPost:
		file, closeFn, err := formFile(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		defer closeFn()

		changeType, err := version.ParseChangeType(r.FormValue("changeType"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		creator := r.FormValue("creator")
		if creator == "" {
			creator = s.opts.Owner
		}
		v, err := s.opts.Versions.CreateVersion(r.Context(), fileID, file, changeType, creator)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, v)

	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleFileView(w http.ResponseWriter, r *http.Request, fileID, view string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	ctx := r.Context()
	var (
		resp interface{}
		err  error
	)
	switch view {
	case "latest":
		resp, err = s.opts.Versions.LatestVersion(ctx, fileID)
	case "timeline":
		resp, err = s.opts.Versions.Timeline(ctx, fileID)
	case "stats":
		resp, err = s.opts.Versions.Stats(ctx, fileID)
	case "export":
		var doc version.Export
		doc, err = s.opts.Versions.ExportHistory(ctx, fileID)
		if err == nil {
			w.Header().Set("Content-Disposition",
				`attachment; filename="`+fileID+`_history.json"`)
		}
		resp = doc
	case "compare":
		q := r.URL.Query()
		resp, err = s.opts.Versions.CompareVersions(ctx, fileID, q.Get("v1"), q.Get("v2"))
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request, fileID, versionID string) {
	switch r.Method {
	case http.MethodGet:
		v, err := s.opts.Versions.Version(r.Context(), fileID, versionID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, v)

	case http.MethodPatch:
		var req proto.UpdateMetadataRequest
		if err := decode(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		v, err := s.opts.Versions.UpdateMetadata(r.Context(), fileID, versionID, req.Comment, req.Tags)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, v)

	case http.MethodDelete:
		deleted, err := s.opts.Versions.DeleteVersion(r.Context(), fileID, versionID, r.URL.Query().Get("actor"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, proto.DeletedResponse{Deleted: deleted})

	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleRestoreVersion(w http.ResponseWriter, r *http.Request, fileID, versionID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req proto.RestoreVersionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	url, err := s.opts.Versions.RestoreVersion(r.Context(), fileID, versionID, req.Actor)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, proto.RestoreVersionResponse{RestoredURL: url})
}

func (s *Server) handleVersionContent(w http.ResponseWriter, r *http.Request, fileID, versionID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	data, v, err := s.opts.Versions.Content(r.Context(), fileID, versionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if v.FileType != "" {
		w.Header().Set("Content-Type", v.FileType)
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}
