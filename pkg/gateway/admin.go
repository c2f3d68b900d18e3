package gateway

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"chatgate/pkg/clock"
	"chatgate/pkg/users"
)

// The administrative surface mutates the user directory and is reachable
// from loopback callers only. There is no physical delete: deactivate with
// POST /admin/users/{name}/active instead.

func (s *Server) loopbackOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ip := net.ParseIP(host)
		if ip == nil || !ip.IsLoopback() {
			s.logger.Warn("non-loopback admin request rejected", "remote", r.RemoteAddr)
			writeAPIError(w, http.StatusForbidden, "forbidden", "admin API is only accessible from localhost")
			return
		}
		next(w, r)
	}
}

type userView struct {
	Name      string `json:"name"`
	Tier      string `json:"tier"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

func viewOf(rec users.Record) userView {
	return userView{
		Name:      rec.Name,
		Tier:      rec.Tier,
		Active:    rec.Active,
		CreatedAt: clock.Format(rec.CreatedAt),
		UpdatedAt: clock.Format(rec.UpdatedAt),
	}
}

// handleAdminUsers serves GET (list) and POST (create) on /admin/users.
func (s *Server) handleAdminUsers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		recs := s.users.List()
		views := make([]userView, 0, len(recs))
		for _, rec := range recs {
			views = append(views, viewOf(rec))
		}
		writeJSON(w, http.StatusOK, map[string]any{"users": views})
	case http.MethodPost:
		s.handleAdminCreateUser(w, r)
	default:
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET or POST")
	}
}

type createUserRequest struct {
	Name       string `json:"name"`
	Credential string `json:"credential"`
	Tier       string `json:"tier"`
}

func (s *Server) handleAdminCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := readJSON(r, &req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Name) == "" || req.Credential == "" {
		writeAPIError(w, http.StatusBadRequest, "bad_request", "name and credential are required")
		return
	}
	if _, exists := s.users.Lookup(req.Name); exists {
		writeAPIError(w, http.StatusConflict, "conflict", fmt.Sprintf("user %s already exists", req.Name))
		return
	}
	digest, err := users.HashCredential(req.Credential)
	if err != nil {
		s.logger.Error("credential hash failed", "error", err.Error())
		writeInternalError(w)
		return
	}
	rec := users.Record{
		Name:       strings.TrimSpace(req.Name),
		Credential: digest,
		Tier:       req.Tier,
		Active:     true,
	}
	if err := s.users.Upsert(rec); err != nil {
		s.logger.Error("user create failed", "user", req.Name, "error", err.Error())
		writeInternalError(w)
		return
	}
	created, _ := s.users.Lookup(rec.Name)
	s.logger.Info("user created", "user", created.Name, "tier", created.Tier)
	writeJSON(w, http.StatusOK, viewOf(created))
}

// handleAdminUser serves GET /admin/users/{name} and
// POST /admin/users/{name}/active.
func (s *Server) handleAdminUser(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/admin/users/")
	parts := strings.Split(rest, "/")
	name := parts[0]
	if name == "" {
		writeAPIError(w, http.StatusNotFound, "not_found", "user name required")
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
			return
		}
		rec, ok := s.users.Lookup(name)
		if !ok {
			writeAPIError(w, http.StatusNotFound, "not_found", fmt.Sprintf("user %s not found", name))
			return
		}
		writeJSON(w, http.StatusOK, viewOf(rec))
		return
	}

	if len(parts) == 2 && parts[1] == "active" {
		if r.Method != http.MethodPost {
			writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST")
			return
		}
		var req struct {
			Active bool `json:"active"`
		}
		if err := readJSON(r, &req); err != nil {
			writeAPIError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		rec, err := s.users.SetActive(name, req.Active)
		if err != nil {
			writeAPIError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		s.logger.Info("user active flag updated", "user", name, "active", fmt.Sprintf("%t", req.Active))
		writeJSON(w, http.StatusOK, viewOf(rec))
		return
	}

	writeAPIError(w, http.StatusNotFound, "not_found", "unknown admin path")
}
