package api

import (
	"context"
	"net/http"

	"github.com/forlifetrading/filevault/internal/backup"
	"github.com/forlifetrading/filevault/pkg/proto"
)

// handleBackups lists backups and starts manual ones.
//
//	GET  /api/backups
//	POST /api/backups   {"type","description"}
func (s *Server) handleBackups(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		hist, err := s.opts.Backups.History(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, hist)

	case http.MethodPost:
		var req proto.CreateBackupRequest
		if err := decode(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		typ, err := backup.ParseType(req.Type)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if typ == backup.TypeIncremental {
			s.createIncremental(w, r)
			return
		}
		// A client that disconnects does not abort the backup.
		rec, err := s.opts.Backups.CreateBackup(context.WithoutCancel(r.Context()), typ, req.Description)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, rec)

	default:
		methodNotAllowed(w)
	}
}

func (s *Server) createIncremental(w http.ResponseWriter, r *http.Request) {
	rec, err := s.opts.Backups.CreateIncrementalBackup(context.WithoutCancel(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if rec == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// handleBackupByID routes everything under /api/backups/.
//
//	POST   /api/backups/incremental
//	GET    /api/backups/stats
//	POST   /api/backups/check
//	POST   /api/backups/cleanup
//	GET    /api/backups/restore-logs
//	GET    /api/backups/{id}
//	DELETE /api/backups/{id}?actor=
//	POST   /api/backups/{id}/restore  {"actor"}
func (s *Server) handleBackupByID(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/api/backups/")
	switch len(parts) {
	case 0:
		s.handleBackups(w, r)
		return
	case 1:
		switch parts[0] {
		case "incremental":
			if r.Method != http.MethodPost {
				methodNotAllowed(w)
				return
			}
			s.createIncremental(w, r)
		case "stats":
			s.handleBackupStats(w, r)
		case "check":
			s.handleBackupCheck(w, r)
		case "cleanup":
			s.handleBackupCleanup(w, r)
		case "restore-logs":
			s.handleRestoreLogs(w, r)
		default:
			s.handleBackup(w, r, parts[0])
		}
		return
	case 2:
		if parts[1] == "restore" {
			s.handleRestoreBackup(w, r, parts[0])
			return
		}
	}
	jsonError(w, "not found", http.StatusNotFound)
}

func (s *Server) handleBackupStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	st, err := s.opts.Backups.Stats(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleBackupCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	created, err := s.opts.Backups.CheckScheduled(context.WithoutCancel(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if created == nil {
		created = []backup.Record{}
	}
	writeJSON(w, http.StatusOK, created)
}

func (s *Server) handleBackupCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	n, err := s.opts.Backups.CleanupOldBackups(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, proto.CountResponse{Count: n})
}

func (s *Server) handleRestoreLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	logs, err := s.opts.Backups.RestoreLogs(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *Server) handleBackup(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		rec, err := s.opts.Backups.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)

	case http.MethodDelete:
		if err := s.opts.Backups.DeleteBackup(r.Context(), id, r.URL.Query().Get("actor")); err != nil {
			writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleRestoreBackup(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req proto.RestoreBackupRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.opts.Backups.RestoreFromBackup(context.WithoutCancel(r.Context()), id, req.Actor)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
