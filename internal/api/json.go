package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"tripnav/internal/store"
	"tripnav/internal/trip"
)

// Problem represents an RFC7807 problem details response body.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, title, detail, instance string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Problem{
		Type:     "about:blank",
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: instance,
	})
}

// writeError maps service and store errors to problem responses.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, title := http.StatusInternalServerError, "Internal error"
	switch {
	case errors.Is(err, store.ErrNotFound):
		status, title = http.StatusNotFound, "Not found"
	case errors.Is(err, trip.ErrInvalidTrip):
		status, title = http.StatusBadRequest, "Invalid request"
	case errors.Is(err, trip.ErrStopNotFound):
		status, title = http.StatusNotFound, "Stop not found"
	case errors.Is(err, trip.ErrFormNotFound):
		status, title = http.StatusNotFound, "Form not pending"
	case errors.Is(err, trip.ErrStopNotEligible):
		status, title = http.StatusConflict, "Stop not eligible"
	case errors.Is(err, trip.ErrTripClosed):
		status, title = http.StatusConflict, "Trip completed"
	case errors.Is(err, store.ErrVersionConflict):
		status, title = http.StatusConflict, "Concurrent update"
	case errors.Is(err, trip.ErrSequencingIncomplete):
		status, title = http.StatusUnprocessableEntity, "Sequenced stops incomplete"
	case errors.Is(err, trip.ErrUncompletedForms):
		status, title = http.StatusUnprocessableEntity, "Uncompleted forms"
	}
	writeProblem(w, status, title, err.Error(), r.URL.Path)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return false
	}
	return true
}

// pageParams reads cursor and limit query parameters; limit defaults to 100.
func pageParams(r *http.Request) (string, int, error) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return "", 0, fmt.Errorf("limit must be a positive integer")
		}
		limit = n
	}
	return r.URL.Query().Get("cursor"), limit, nil
}
