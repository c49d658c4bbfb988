package api

import (
	"net/http"
	"strings"

	"tripnav/internal/auth"
	"tripnav/internal/model"
)

type Principal struct {
	Tenant   string
	Role     string // admin, dispatcher, driver
	DriverID string
}

// getPrincipal extracts tenant and role from a bearer token, or in dev mode
// from X-Tenant-Id / X-Role / X-Driver-Id headers. ok is false when the
// request is not authenticated.
func (s *Server) getPrincipal(r *http.Request) (Principal, bool) {
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(authz), "bearer ") && s.Auth != nil {
		tok := strings.TrimSpace(authz[len("Bearer "):])
		pr, err := s.Auth.Verify(tok)
		if err != nil {
			s.Log.Debug("token rejected", "err", err)
			return Principal{}, false
		}
		return Principal{Tenant: pr.Tenant, Role: pr.Role, DriverID: pr.DriverID}, true
	}
	if s.Auth != nil && s.Auth.Mode != "dev" {
		return Principal{}, false
	}
	tenant := r.Header.Get("X-Tenant-Id")
	role := strings.ToLower(r.Header.Get("X-Role"))
	if tenant == "" {
		tenant = "t_demo"
	}
	if role == "" {
		role = auth.RoleAdmin
	}
	return Principal{Tenant: tenant, Role: role, DriverID: r.Header.Get("X-Driver-Id")}, true
}

// requirePrincipal writes 401 when the request is unauthenticated.
func (s *Server) requirePrincipal(w http.ResponseWriter, r *http.Request) (Principal, bool) {
	p, ok := s.getPrincipal(r)
	if !ok {
		writeProblem(w, http.StatusUnauthorized, "Unauthorized", "valid bearer token required", r.URL.Path)
	}
	return p, ok
}

// IsAdmin reports whether the principal has the admin role.
func (p Principal) IsAdmin() bool { return p.Role == auth.RoleAdmin }

// IsStaff reports admin or dispatcher.
func (p Principal) IsStaff() bool { return p.IsAdmin() || p.Role == auth.RoleDispatcher }

// CanAccessTrip allows staff, and drivers on their own trips.
func (p Principal) CanAccessTrip(t model.Trip) bool {
	if p.IsStaff() {
		return true
	}
	return p.Role == auth.RoleDriver && p.DriverID != "" && p.DriverID == t.DriverID
}
