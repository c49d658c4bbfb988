package api

import (
	"net/http"

	"tripnav/internal/model"
)

// CreateTripHandler handles POST /v1/trips
func (s *Server) CreateTripHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requirePrincipal(w, r)
	if !ok {
		return
	}
	if !p.IsStaff() {
		writeProblem(w, http.StatusForbidden, "Forbidden", "dispatcher or admin required", r.URL.Path)
		return
	}
	var in model.TripIn
	if !decodeJSON(w, r, &in) {
		return
	}
	if err := validateTripIn(&in); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid trip", err.Error(), r.URL.Path)
		return
	}
	t, err := s.Trips.CreateTrip(r.Context(), p.Tenant, in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// ListTripsHandler handles GET /v1/trips?driverId=&cursor=&limit=
// Drivers only ever see their own trips.
func (s *Server) ListTripsHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requirePrincipal(w, r)
	if !ok {
		return
	}
	driverID := r.URL.Query().Get("driverId")
	if !p.IsStaff() {
		if p.DriverID == "" {
			writeProblem(w, http.StatusForbidden, "Forbidden", "driver identity required", r.URL.Path)
			return
		}
		driverID = p.DriverID
	}
	cursor, limit, err := pageParams(r)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid query", err.Error(), r.URL.Path)
		return
	}
	items, next, err := s.Trips.ListTrips(r.Context(), p.Tenant, driverID, cursor, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
}

// GetTripHandler handles GET /v1/trips/{id}
func (s *Server) GetTripHandler(w http.ResponseWriter, r *http.Request) {
	_, t, ok := s.loadTrip(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// ReplaceStopsHandler handles PUT /v1/trips/{id}/stops from the dispatch feed.
func (s *Server) ReplaceStopsHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requirePrincipal(w, r)
	if !ok {
		return
	}
	if !p.IsStaff() {
		writeProblem(w, http.StatusForbidden, "Forbidden", "dispatcher or admin required", r.URL.Path)
		return
	}
	var upd model.StopListUpdate
	if !decodeJSON(w, r, &upd) {
		return
	}
	if err := validateStops(upd.Stops); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid stops", err.Error(), r.URL.Path)
		return
	}
	t, err := s.Trips.ReplaceStops(r.Context(), p.Tenant, r.PathValue("id"), upd)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// ArrivalHandler handles POST /v1/trips/{id}/arrivals
func (s *Server) ArrivalHandler(w http.ResponseWriter, r *http.Request) {
	p, _, ok := s.loadTrip(w, r)
	if !ok {
		return
	}
	var req model.ArrivalRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	// drivers report arrivals by hand; ungated sources are staff only over HTTP,
	// driver geofence arrivals come from the location endpoint
	if req.Source != "" && req.Source != model.ArrivalManual && !p.IsStaff() {
		writeProblem(w, http.StatusForbidden, "Forbidden", req.Source+" arrivals require dispatcher or admin", r.URL.Path)
		return
	}
	res, err := s.Trips.Arrive(r.Context(), p.Tenant, r.PathValue("id"), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// EligibilityHandler handles GET /v1/trips/{id}/eligibility
func (s *Server) EligibilityHandler(w http.ResponseWriter, r *http.Request) {
	p, _, ok := s.loadTrip(w, r)
	if !ok {
		return
	}
	view, err := s.Trips.Eligibility(r.Context(), p.Tenant, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// SubmitFormHandler handles POST /v1/trips/{id}/forms
func (s *Server) SubmitFormHandler(w http.ResponseWriter, r *http.Request) {
	p, _, ok := s.loadTrip(w, r)
	if !ok {
		return
	}
	var sub model.FormSubmission
	if !decodeJSON(w, r, &sub) {
		return
	}
	if sub.FormID == "" {
		writeProblem(w, http.StatusBadRequest, "Invalid form submission", "formId required", r.URL.Path)
		return
	}
	t, err := s.Trips.SubmitForm(r.Context(), p.Tenant, r.PathValue("id"), sub)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// PendingFormsHandler handles GET /v1/trips/{id}/forms/pending
func (s *Server) PendingFormsHandler(w http.ResponseWriter, r *http.Request) {
	p, _, ok := s.loadTrip(w, r)
	if !ok {
		return
	}
	view, err := s.Trips.PendingFormsMessage(r.Context(), p.Tenant, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// CompleteTripHandler handles POST /v1/trips/{id}/complete
func (s *Server) CompleteTripHandler(w http.ResponseWriter, r *http.Request) {
	p, _, ok := s.loadTrip(w, r)
	if !ok {
		return
	}
	t, err := s.Trips.Complete(r.Context(), p.Tenant, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// loadTrip authenticates the caller and checks it may act on the trip in the
// path. It writes the error response itself.
func (s *Server) loadTrip(w http.ResponseWriter, r *http.Request) (Principal, model.Trip, bool) {
	p, ok := s.requirePrincipal(w, r)
	if !ok {
		return Principal{}, model.Trip{}, false
	}
	t, err := s.Trips.GetTrip(r.Context(), p.Tenant, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return Principal{}, model.Trip{}, false
	}
	if !p.CanAccessTrip(t) {
		writeProblem(w, http.StatusForbidden, "Forbidden", "not authorized for this trip", r.URL.Path)
		return Principal{}, model.Trip{}, false
	}
	return p, t, true
}

// ReportLocationHandler handles POST /v1/trips/{id}/locations
func (s *Server) ReportLocationHandler(w http.ResponseWriter, r *http.Request) {
	p, _, ok := s.loadTrip(w, r)
	if !ok {
		return
	}
	var ping model.LocationPing
	if !decodeJSON(w, r, &ping) {
		return
	}
	res, err := s.Trips.ReportLocation(r.Context(), p.Tenant, r.PathValue("id"), p.DriverID, ping)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// LocationsHandler handles GET /v1/trips/{id}/locations
func (s *Server) LocationsHandler(w http.ResponseWriter, r *http.Request) {
	p, _, ok := s.loadTrip(w, r)
	if !ok {
		return
	}
	items, err := s.Trips.Locations(r.Context(), p.Tenant, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}
