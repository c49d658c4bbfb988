package model

import "time"

// Trip statuses
const (
	TripPlanned   = "planned"
	TripActive    = "active"
	TripCompleted = "completed"
)

// Arrival sources. Only manual arrivals are gated by stop eligibility.
const (
	ArrivalManual   = "manual"
	ArrivalGeofence = "geofence"
	ArrivalDispatch = "dispatch"
)

// Event types published to SSE/WebSocket subscribers and webhooks.
const (
	EventEligibilityChanged = "trip.eligibility.changed"
	EventStopArrived        = "stop.arrived"
	EventStopsReplaced      = "trip.stops.replaced"
	EventTripCompleted      = "trip.completed"
	EventFormSubmitted      = "form.submitted"
)

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// FormRef names a form the driver must fill in at a stop.
type FormRef struct {
	FormID string `json:"formId"`
	Name   string `json:"name,omitempty"`
}

type TripStop struct {
	ID           int64      `json:"id"`
	Name         string     `json:"name,omitempty"`
	Sequenced    bool       `json:"sequenced"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	Location     *GeoPoint  `json:"location,omitempty"`
	PendingForms []FormRef  `json:"pendingForms,omitempty"`
}

type Trip struct {
	ID               string     `json:"id"`
	TenantID         string     `json:"tenantId"`
	DriverID         string     `json:"driverId,omitempty"`
	Status           string     `json:"status"`
	Version          int        `json:"version"`
	CurrentStopIndex int        `json:"currentStopIndex"`
	Stops            []TripStop `json:"stops"`
	Eligible         []string   `json:"eligible"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
}

// StopIndex returns the list position of stopID, or -1.
func (t Trip) StopIndex(stopID int64) int {
	for i := range t.Stops {
		if t.Stops[i].ID == stopID {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy so callers can mutate stops without aliasing the
// stored trip.
func (t Trip) Clone() Trip {
	out := t
	out.Stops = make([]TripStop, len(t.Stops))
	for i, s := range t.Stops {
		if s.CompletedAt != nil {
			at := *s.CompletedAt
			s.CompletedAt = &at
		}
		if s.Location != nil {
			loc := *s.Location
			s.Location = &loc
		}
		s.PendingForms = append([]FormRef(nil), s.PendingForms...)
		out.Stops[i] = s
	}
	out.Eligible = append([]string{}, t.Eligible...)
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		out.CompletedAt = &at
	}
	return out
}

// TripIn is the dispatch payload that creates a trip.
type TripIn struct {
	TenantID string     `json:"tenantId,omitempty"`
	DriverID string     `json:"driverId,omitempty"`
	Stops    []TripStop `json:"stops"`
}

// StopListUpdate replaces a trip's stops as received from the dispatch feed.
type StopListUpdate struct {
	Stops []TripStop `json:"stops"`
}

type ArrivalRequest struct {
	StopID int64  `json:"stopId"`
	Source string `json:"source,omitempty"` // manual, geofence, dispatch
	TS     string `json:"ts,omitempty"`
}

type ArrivalResult struct {
	TripID   string   `json:"tripId"`
	StopID   int64    `json:"stopId"`
	Changed  bool     `json:"changed"`
	Eligible []string `json:"eligible"`
	TS       string   `json:"ts"`
}

type FormSubmission struct {
	StopID int64  `json:"stopId"`
	FormID string `json:"formId"`
}

// EligibilityView is the read model the driver app uses to gate navigation.
type EligibilityView struct {
	TripID           string   `json:"tripId"`
	Version          int      `json:"version"`
	Eligible         []string `json:"eligible"`
	AllSequencedDone bool     `json:"allSequencedDone"`
	CurrentStopIndex int      `json:"currentStopIndex"`
}

type PendingFormsView struct {
	TripID  string `json:"tripId"`
	Count   int    `json:"count"`
	Message string `json:"message"`
}

type SubscriptionRequest struct {
	TenantID string   `json:"tenantId"`
	URL      string   `json:"url"`
	Events   []string `json:"events"`
	Secret   string   `json:"secret"`
}

type Subscription struct {
	ID       string   `json:"id"`
	TenantID string   `json:"tenantId"`
	URL      string   `json:"url"`
	Events   []string `json:"events"`
	Secret   string   `json:"secret,omitempty"`
}

// LocationPing is a driver position report.
type LocationPing struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
	TS  string  `json:"ts,omitempty"`
}

// DriverLocation is the latest known position of a driver on a trip.
type DriverLocation struct {
	TenantID string  `json:"tenantId"`
	TripID   string  `json:"tripId"`
	DriverID string  `json:"driverId"`
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	TS       string  `json:"ts"`
}

type LocationResult struct {
	TripID        string   `json:"tripId"`
	ArrivedStopID *int64   `json:"arrivedStopId,omitempty"`
	Eligible      []string `json:"eligible"`
}
