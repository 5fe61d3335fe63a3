package api

import (
	"net/http"

	"github.com/forlifetrading/filevault/internal/share"
	"github.com/forlifetrading/filevault/pkg/proto"
)

// handleShares creates link grants and lists grants.
//
//	POST /api/shares                  CreateShareRequest
//	GET  /api/shares?user=            grants created by user
//	GET  /api/shares?file=            grants of a file
//	GET  /api/shares?sharedWith=      active direct grants naming the user
func (s *Server) handleShares(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req proto.CreateShareRequest
		if err := decode(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		perms, err := share.ParsePermissions(req.Permissions)
		if err != nil {
			writeError(w, r, err)
			return
		}
		link, err := s.opts.Shares.CreateShareLink(r.Context(), req.FileID, req.Creator, share.LinkOptions{
			ExpiresAt:    req.ExpiresAt,
			Password:     req.Password,
			Permissions:  perms,
			MaxDownloads: req.MaxDownloads,
			FileURL:      req.FileURL,
			FileName:     req.FileName,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, link)

	case http.MethodGet:
		q := r.URL.Query()
		var (
			grants []share.Grant
			err    error
		)
		switch {
		case q.Get("file") != "":
			grants, err = s.opts.Shares.FileShares(r.Context(), q.Get("file"))
		case q.Get("sharedWith") != "":
			grants, err = s.opts.Shares.SharedWith(r.Context(), q.Get("sharedWith"))
		case q.Get("user") != "":
			grants, err = s.opts.Shares.UserShares(r.Context(), q.Get("user"))
		default:
			jsonError(w, "one of user, file or sharedWith is required", http.StatusBadRequest)
			return
		}
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, redactAll(grants))

	default:
		methodNotAllowed(w)
	}
}

// handleShareByID routes everything under /api/shares/.
//
//	POST   /api/shares/users
//	POST   /api/shares/admin
//	GET    /api/shares/tickets
//	POST   /api/shares/cleanup
//	GET    /api/shares/access?file=&user=&permission=
//	GET    /api/shares/{id}
//	DELETE /api/shares/{id}?actor=
//	POST   /api/shares/{id}/validate
//	POST   /api/shares/{id}/track
//	PUT    /api/shares/{id}/permissions
//	GET    /api/shares/{id}/analytics
//	GET    /api/shares/{id}/logs
func (s *Server) handleShareByID(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/api/shares/")
	switch len(parts) {
	case 0:
		s.handleShares(w, r)
		return
	case 1:
		switch parts[0] {
		case "users":
			s.handleShareWithUsers(w, r)
		case "admin":
			s.handleShareWithAdmin(w, r)
		case "tickets":
			s.handleSupportTickets(w, r)
		case "cleanup":
			s.handleShareCleanup(w, r)
		case "access":
			s.handleCheckAccess(w, r)
		default:
			s.handleShare(w, r, parts[0])
		}
		return
	case 2:
		id := parts[0]
		switch parts[1] {
		case "validate":
			s.handleValidateShare(w, r, id)
			return
		case "track":
			s.handleTrackShare(w, r, id)
			return
		case "permissions":
			s.handleSharePermissions(w, r, id)
			return
		case "analytics":
			s.handleShareAnalytics(w, r, id)
			return
		case "logs":
			s.handleShareLogs(w, r, id)
			return
		}
	}
	jsonError(w, "not found", http.StatusNotFound)
}

func (s *Server) handleShareWithUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req proto.ShareUsersRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	perms, err := share.ParsePermissions(req.Permissions)
	if err != nil {
		writeError(w, r, err)
		return
	}
	g, err := s.opts.Shares.ShareWithUsers(r.Context(), req.FileID, req.Creator, req.UserIDs, perms)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (s *Server) handleShareWithAdmin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req proto.ShareAdminRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	g, ticket, err := s.opts.Shares.ShareWithAdmin(r.Context(), req.FileID, req.Creator, req.Message)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"share":  g,
		"ticket": ticket,
	})
}

func (s *Server) handleSupportTickets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	tickets, err := s.opts.Shares.SupportTickets(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tickets)
}

func (s *Server) handleShareCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	n, err := s.opts.Shares.Cleanup(r.Context(), s.opts.CleanupHorizon)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, proto.CountResponse{Count: n})
}

func (s *Server) handleCheckAccess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	perm := share.Permission(q.Get("permission"))
	if perm == "" {
		perm = share.PermView
	}
	if _, err := share.ParsePermissions([]string{string(perm)}); err != nil {
		writeError(w, r, err)
		return
	}
	ok, err := s.opts.Shares.CheckUserAccess(r.Context(), q.Get("file"), q.Get("user"), perm)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"allowed": ok})
}

func (s *Server) handleShare(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		g, err := s.opts.Shares.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, g.Redacted())

	case http.MethodDelete:
		revoked, err := s.opts.Shares.RevokeShare(r.Context(), id, r.URL.Query().Get("actor"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		if !revoked {
			jsonError(w, "share not found", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleValidateShare(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req proto.ValidateShareRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	a, err := s.opts.Shares.ValidateAccess(r.Context(), id, req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleTrackShare(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req proto.TrackShareRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	who := req.Requester
	if who == "" {
		who = requester(r)
	}
	if err := s.opts.Shares.TrackAccess(r.Context(), id, share.Action(req.Action), who); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSharePermissions(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w)
		return
	}
	var req proto.UpdatePermissionsRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	perms, err := share.ParsePermissions(req.Permissions)
	if err != nil {
		writeError(w, r, err)
		return
	}
	g, err := s.opts.Shares.UpdatePermissions(r.Context(), id, perms, req.Actor)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g.Redacted())
}

func (s *Server) handleShareAnalytics(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	a, err := s.opts.Shares.Analytics(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleShareLogs(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	logs, err := s.opts.Shares.AccessLogs(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func redactAll(grants []share.Grant) []share.Grant {
	out := make([]share.Grant, len(grants))
	for i, g := range grants {
		out[i] = g.Redacted()
	}
	return out
}
