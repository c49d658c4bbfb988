package trip

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"tripnav/internal/model"
)

// LocationCache stores the latest driver position per tenant/trip/driver.
type LocationCache struct {
	mu sync.Mutex
	// key: tenant|tripId|driverId
	m map[string]model.DriverLocation
}

func NewLocationCache() *LocationCache {
	return &LocationCache{m: map[string]model.DriverLocation{}}
}

func (c *LocationCache) key(tenant, tripID, driverID string) string {
	return tenant + "|" + tripID + "|" + driverID
}

// Upsert stores or replaces the position for the location's driver.
func (c *LocationCache) Upsert(loc model.DriverLocation) {
	if loc.TenantID == "" || loc.TripID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[c.key(loc.TenantID, loc.TripID, loc.DriverID)] = loc
}

// ListByTrip returns the latest positions on a trip ordered by driver.
func (c *LocationCache) ListByTrip(tenant, tripID string) []model.DriverLocation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := []model.DriverLocation{}
	for _, v := range c.m {
		if v.TenantID == tenant && v.TripID == tripID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DriverID < out[j].DriverID })
	return out
}

// ReportLocation records a driver position. A ping within the geofence radius
// of a pending stop with a known location arrives the nearest such stop with
// source geofence.
func (s *Service) ReportLocation(ctx context.Context, tenantID, tripID, driverID string, ping model.LocationPing) (model.LocationResult, error) {
	if ping.Lat < -90 || ping.Lat > 90 || ping.Lng < -180 || ping.Lng > 180 {
		return model.LocationResult{}, fmt.Errorf("%w: coordinates out of range", ErrInvalidTrip)
	}
	at := s.now()
	if ping.TS != "" {
		ts, err := time.Parse(time.RFC3339, ping.TS)
		if err != nil {
			return model.LocationResult{}, fmt.Errorf("%w: ts must be RFC3339", ErrInvalidTrip)
		}
		at = ts.UTC()
	}
	t, err := s.GetTrip(ctx, tenantID, tripID)
	if err != nil {
		return model.LocationResult{}, err
	}
	if t.Status == model.TripCompleted {
		return model.LocationResult{}, ErrTripClosed
	}
	if driverID == "" {
		driverID = t.DriverID
	}
	ts := at.Format(time.RFC3339)
	s.locations.Upsert(model.DriverLocation{TenantID: tenantID, TripID: t.ID, DriverID: driverID, Lat: ping.Lat, Lng: ping.Lng, TS: ts})

	res := model.LocationResult{TripID: t.ID, Eligible: t.Eligible}
	stopID, ok := s.nearestPendingStop(t, ping)
	if !ok {
		return res, nil
	}
	arr, err := s.Arrive(ctx, tenantID, tripID, model.ArrivalRequest{StopID: stopID, Source: model.ArrivalGeofence, TS: ts})
	if err != nil {
		return model.LocationResult{}, err
	}
	if arr.Changed {
		res.ArrivedStopID = &stopID
	}
	res.Eligible = arr.Eligible
	return res, nil
}

// Locations returns the latest known driver positions for a trip.
func (s *Service) Locations(ctx context.Context, tenantID, tripID string) ([]model.DriverLocation, error) {
	t, err := s.GetTrip(ctx, tenantID, tripID)
	if err != nil {
		return nil, err
	}
	return s.locations.ListByTrip(tenantID, t.ID), nil
}

func (s *Service) nearestPendingStop(t model.Trip, ping model.LocationPing) (int64, bool) {
	if s.geofence <= 0 {
		return 0, false
	}
	best, found := math.MaxFloat64, false
	var id int64
	for _, st := range t.Stops {
		if st.CompletedAt != nil || st.Location == nil {
			continue
		}
		d := haversineMeters(ping.Lat, ping.Lng, st.Location.Lat, st.Location.Lng)
		if d <= s.geofence && d < best {
			best, id, found = d, st.ID, true
		}
	}
	return id, found
}

func haversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
