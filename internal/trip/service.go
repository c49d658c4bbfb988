// Package trip manages a driver's multi-stop trip: stop-list updates from
// dispatch, arrivals, forms and completion. Every change recomputes which
// sequenced stops are eligible and publishes the result.
package trip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tripnav/internal/config"
	"tripnav/internal/events"
	"tripnav/internal/forms"
	"tripnav/internal/metrics"
	"tripnav/internal/model"
	"tripnav/internal/sequencing"
	"tripnav/internal/store"
)

// Emitter enqueues webhook notifications.
type Emitter interface {
	Emit(ctx context.Context, tenantID, eventType string, data any)
}

type Deps struct {
	Store    store.Store
	Events   events.Publisher
	Webhooks Emitter
	Log      *slog.Logger
	Forms    config.FormsConfig
	// SaveRetries bounds retries after a version conflict; 0 means 3.
	SaveRetries int
	// GeofenceMeters is the arrival radius for location pings; 0 disables it.
	GeofenceMeters float64
	// Locations defaults to a fresh cache.
	Locations *LocationCache
}

type Service struct {
	store     store.Store
	events    events.Publisher
	webhooks  Emitter
	log       *slog.Logger
	forms     config.FormsConfig
	retries   int
	geofence  float64
	locations *LocationCache
	resolver  sequencing.Resolver
	now       func() time.Time
}

func NewService(d Deps) *Service {
	s := &Service{
		store:     d.Store,
		events:    d.Events,
		webhooks:  d.Webhooks,
		log:       d.Log,
		forms:     d.Forms,
		retries:   d.SaveRetries,
		geofence:  d.GeofenceMeters,
		locations: d.Locations,
		now:       func() time.Time { return time.Now().UTC() },
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.locations == nil {
		s.locations = NewLocationCache()
	}
	if s.retries <= 0 {
		s.retries = 3
	}
	if s.forms.OneStopTemplate == "" || s.forms.ManyStopsTemplate == "" {
		s.forms = config.Default().Forms
	}
	s.resolver.OnFailClosed = func(rec any) {
		metrics.EligibilityFailClosed.Inc()
		s.log.Error("eligibility resolution failed closed", "panic", fmt.Sprint(rec))
	}
	return s
}

func (s *Service) CreateTrip(ctx context.Context, tenantID string, in model.TripIn) (model.Trip, error) {
	if err := validateStops(in.Stops); err != nil {
		return model.Trip{}, err
	}
	t := model.Trip{
		TenantID:         tenantID,
		DriverID:         in.DriverID,
		Status:           model.TripPlanned,
		CurrentStopIndex: sequencing.NoCurrentStop,
		Stops:            append([]model.TripStop(nil), in.Stops...),
	}
	if last := sequencing.LastCompleted(toSequencing(t.Stops)); last != sequencing.NoCurrentStop {
		t.Status = model.TripActive
		t.CurrentStopIndex = last
	}
	set := s.resolve(t)
	t.Eligible = set.IDs()
	created, err := s.store.CreateTrip(ctx, t)
	if err != nil {
		return model.Trip{}, fmt.Errorf("create trip: %w", err)
	}
	s.log.Info("trip created", "trip", created.ID, "tenant", tenantID, "stops", len(created.Stops), "eligible", created.Eligible)
	s.afterChange(ctx, nil, created)
	return created, nil
}

func (s *Service) GetTrip(ctx context.Context, tenantID, tripID string) (model.Trip, error) {
	t, err := s.store.GetTrip(ctx, tenantID, tripID)
	if err != nil {
		return model.Trip{}, fmt.Errorf("get trip %s: %w", tripID, err)
	}
	return t, nil
}

func (s *Service) ListTrips(ctx context.Context, tenantID, driverID, cursor string, limit int) ([]model.Trip, string, error) {
	items, next, err := s.store.ListTrips(ctx, tenantID, driverID, cursor, limit)
	if err != nil {
		return nil, "", fmt.Errorf("list trips: %w", err)
	}
	return items, next, nil
}

// ReplaceStops installs a new stop list from dispatch. Stops that keep their
// id keep their completion time unless the update carries one, and keep their
// pending forms unless the update lists forms. The position hint follows the
// current stop to its new position.
func (s *Service) ReplaceStops(ctx context.Context, tenantID, tripID string, upd model.StopListUpdate) (model.Trip, error) {
	if err := validateStops(upd.Stops); err != nil {
		return model.Trip{}, err
	}
	before, after, err := s.update(ctx, tenantID, tripID, func(t *model.Trip) (bool, error) {
		if t.Status == model.TripCompleted {
			return false, ErrTripClosed
		}
		old := make(map[int64]model.TripStop, len(t.Stops))
		for _, st := range t.Stops {
			old[st.ID] = st
		}
		var currentID int64
		hasCurrent := false
		if i := sequencing.NormalizeHint(t.CurrentStopIndex, len(t.Stops)); i != sequencing.NoCurrentStop {
			currentID, hasCurrent = t.Stops[i].ID, true
		}
		next := make([]model.TripStop, len(upd.Stops))
		for i, st := range upd.Stops {
			if prev, ok := old[st.ID]; ok {
				if st.CompletedAt == nil {
					st.CompletedAt = prev.CompletedAt
				}
				if st.PendingForms == nil {
					st.PendingForms = prev.PendingForms
				}
			}
			next[i] = st
		}
		t.Stops = next
		t.CurrentStopIndex = sequencing.NoCurrentStop
		if hasCurrent {
			t.CurrentStopIndex = t.StopIndex(currentID)
		}
		return true, nil
	})
	if err != nil {
		return model.Trip{}, err
	}
	s.publish(after, model.EventStopsReplaced, map[string]any{"stops": len(after.Stops)})
	s.afterChange(ctx, &before, after)
	return after, nil
}

// Arrive records the driver reaching a stop. Manual arrivals at sequenced
// stops must target an eligible stop; geofence and dispatch arrivals are
// accepted as reported. Arriving again at a completed stop changes nothing.
func (s *Service) Arrive(ctx context.Context, tenantID, tripID string, req model.ArrivalRequest) (model.ArrivalResult, error) {
	source := req.Source
	if source == "" {
		source = model.ArrivalManual
	}
	switch source {
	case model.ArrivalManual, model.ArrivalGeofence, model.ArrivalDispatch:
	default:
		return model.ArrivalResult{}, fmt.Errorf("%w: unknown arrival source %q", ErrInvalidTrip, source)
	}
	at := s.now()
	if req.TS != "" {
		ts, err := time.Parse(time.RFC3339, req.TS)
		if err != nil {
			return model.ArrivalResult{}, fmt.Errorf("%w: ts must be RFC3339", ErrInvalidTrip)
		}
		at = ts.UTC()
	}

	result := "error"
	before, after, err := s.update(ctx, tenantID, tripID, func(t *model.Trip) (bool, error) {
		if t.Status == model.TripCompleted {
			return false, ErrTripClosed
		}
		i := t.StopIndex(req.StopID)
		if i < 0 {
			return false, fmt.Errorf("%w: %d", ErrStopNotFound, req.StopID)
		}
		st := &t.Stops[i]
		if st.CompletedAt != nil {
			result = "duplicate"
			return false, nil
		}
		if source == model.ArrivalManual && st.Sequenced {
			if !s.resolve(*t).Contains(sequencing.Stop{ID: st.ID}.Key()) {
				result = "rejected"
				return false, fmt.Errorf("%w: %d", ErrStopNotEligible, req.StopID)
			}
		}
		st.CompletedAt = &at
		t.CurrentStopIndex = i
		t.Status = model.TripActive
		result = "accepted"
		return true, nil
	})
	metrics.Arrivals.WithLabelValues(source, result).Inc()
	if err != nil {
		return model.ArrivalResult{}, err
	}
	res := model.ArrivalResult{
		TripID:   after.ID,
		StopID:   req.StopID,
		Changed:  after.Version != before.Version,
		Eligible: after.Eligible,
		TS:       at.Format(time.RFC3339),
	}
	if res.Changed {
		data := map[string]any{"tripId": after.ID, "stopId": req.StopID, "source": source, "ts": res.TS}
		s.publish(after, model.EventStopArrived, data)
		s.emit(ctx, tenantID, model.EventStopArrived, data)
		s.afterChange(ctx, &before, after)
	}
	return res, nil
}

// Eligibility returns the eligible set computed from the stored stop list.
func (s *Service) Eligibility(ctx context.Context, tenantID, tripID string) (model.EligibilityView, error) {
	t, err := s.GetTrip(ctx, tenantID, tripID)
	if err != nil {
		return model.EligibilityView{}, err
	}
	return model.EligibilityView{
		TripID:           t.ID,
		Version:          t.Version,
		Eligible:         s.resolve(t).IDs(),
		AllSequencedDone: sequencing.AllSequencedStopsSatisfied(toSequencing(t.Stops)),
		CurrentStopIndex: sequencing.NormalizeHint(t.CurrentStopIndex, len(t.Stops)),
	}, nil
}

func (s *Service) SubmitForm(ctx context.Context, tenantID, tripID string, sub model.FormSubmission) (model.Trip, error) {
	_, after, err := s.update(ctx, tenantID, tripID, func(t *model.Trip) (bool, error) {
		i := t.StopIndex(sub.StopID)
		if i < 0 {
			return false, fmt.Errorf("%w: %d", ErrStopNotFound, sub.StopID)
		}
		st := &t.Stops[i]
		for j, f := range st.PendingForms {
			if f.FormID == sub.FormID {
				st.PendingForms = append(st.PendingForms[:j:j], st.PendingForms[j+1:]...)
				return true, nil
			}
		}
		return false, fmt.Errorf("%w: %s", ErrFormNotFound, sub.FormID)
	})
	if err != nil {
		return model.Trip{}, err
	}
	s.publish(after, model.EventFormSubmitted, map[string]any{"stopId": sub.StopID, "formId": sub.FormID})
	return after, nil
}

func (s *Service) PendingFormsMessage(ctx context.Context, tenantID, tripID string) (model.PendingFormsView, error) {
	t, err := s.GetTrip(ctx, tenantID, tripID)
	if err != nil {
		return model.PendingFormsView{}, err
	}
	pending := PendingForms(t)
	return model.PendingFormsView{
		TripID:  t.ID,
		Count:   len(pending),
		Message: forms.UncompletedFormsMessage(pending, s.forms.OneStopTemplate, s.forms.ManyStopsTemplate),
	}, nil
}

// Complete closes the trip once every sequenced stop is completed and no form
// is pending. Completing a completed trip is a no-op.
func (s *Service) Complete(ctx context.Context, tenantID, tripID string) (model.Trip, error) {
	before, after, err := s.update(ctx, tenantID, tripID, func(t *model.Trip) (bool, error) {
		if t.Status == model.TripCompleted {
			return false, nil
		}
		if !sequencing.AllSequencedStopsSatisfied(toSequencing(t.Stops)) {
			return false, ErrSequencingIncomplete
		}
		if pending := PendingForms(*t); len(pending) > 0 {
			msg := forms.UncompletedFormsMessage(pending, s.forms.OneStopTemplate, s.forms.ManyStopsTemplate)
			return false, fmt.Errorf("%w: %s", ErrUncompletedForms, msg)
		}
		now := s.now()
		t.Status = model.TripCompleted
		t.CompletedAt = &now
		return true, nil
	})
	if err != nil {
		return model.Trip{}, err
	}
	if after.Version != before.Version {
		metrics.TripsCompleted.Inc()
		data := map[string]any{"tripId": after.ID, "driverId": after.DriverID, "completedAt": after.CompletedAt}
		s.publish(after, model.EventTripCompleted, data)
		s.emit(ctx, tenantID, model.EventTripCompleted, data)
		s.log.Info("trip completed", "trip", after.ID, "tenant", tenantID)
	}
	return after, nil
}

// PendingForms returns the pending-form stack in trip order; the last element
// is the most recent stop's last form.
func PendingForms(t model.Trip) []forms.PendingForm {
	var out []forms.PendingForm
	for _, st := range t.Stops {
		for _, f := range st.PendingForms {
			out = append(out, forms.PendingForm{FormID: f.FormID, StopID: st.ID, StopName: st.Name})
		}
	}
	return out
}

// update loads the trip, applies fn and saves it with the eligible set
// recomputed, retrying on version conflicts. fn reports whether it changed
// anything; when it did not the stored trip is returned as both values.
func (s *Service) update(ctx context.Context, tenantID, tripID string, fn func(*model.Trip) (bool, error)) (before, after model.Trip, err error) {
	for attempt := 0; ; attempt++ {
		cur, err := s.store.GetTrip(ctx, tenantID, tripID)
		if err != nil {
			return model.Trip{}, model.Trip{}, fmt.Errorf("get trip %s: %w", tripID, err)
		}
		next := cur.Clone()
		changed, err := fn(&next)
		if err != nil {
			return model.Trip{}, model.Trip{}, err
		}
		if !changed {
			return cur, cur, nil
		}
		next.Eligible = s.resolve(next).IDs()
		saved, err := s.store.SaveTrip(ctx, next, cur.Version)
		if err == nil {
			return cur, saved, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) || attempt >= s.retries {
			return model.Trip{}, model.Trip{}, fmt.Errorf("save trip %s: %w", tripID, err)
		}
		metrics.SaveConflicts.Inc()
		s.log.Debug("trip save conflict, retrying", "trip", tripID, "attempt", attempt+1)
	}
}

func (s *Service) resolve(t model.Trip) sequencing.EligibleSet {
	stops := toSequencing(t.Stops)
	hint := sequencing.NormalizeHint(t.CurrentStopIndex, len(stops))
	set := s.resolver.Resolve(hint, stops, sequencing.NewEligibleSet(t.Eligible...))
	metrics.EligibleSetSize.Observe(float64(set.Len()))
	return set
}

// afterChange publishes trip.eligibility.changed when the stored eligible set
// moved. before is nil for a new trip.
func (s *Service) afterChange(ctx context.Context, before *model.Trip, after model.Trip) {
	prev := sequencing.EligibleSet{}
	if before != nil {
		prev = sequencing.NewEligibleSet(before.Eligible...)
	}
	cur := sequencing.NewEligibleSet(after.Eligible...)
	switch {
	case cur.Len() == 0 && sequencing.AllSequencedStopsSatisfied(toSequencing(after.Stops)):
		metrics.EligibilityResolutions.WithLabelValues("exhausted").Inc()
	case prev.Equal(cur):
		metrics.EligibilityResolutions.WithLabelValues("unchanged").Inc()
	default:
		metrics.EligibilityResolutions.WithLabelValues("changed").Inc()
	}
	if prev.Equal(cur) {
		return
	}
	data := map[string]any{
		"tripId":   after.ID,
		"version":  after.Version,
		"eligible": after.Eligible,
		"previous": prev.IDs(),
	}
	s.publish(after, model.EventEligibilityChanged, data)
	s.emit(ctx, after.TenantID, model.EventEligibilityChanged, data)
	s.log.Debug("eligibility changed", "trip", after.ID, "eligible", after.Eligible, "previous", prev.IDs())
}

func (s *Service) publish(t model.Trip, typ string, data map[string]any) {
	if s.events == nil {
		return
	}
	s.events.Publish(t.ID, events.Event{Type: typ, Data: data})
}

func (s *Service) emit(ctx context.Context, tenantID, typ string, data map[string]any) {
	if s.webhooks == nil {
		return
	}
	s.webhooks.Emit(ctx, tenantID, typ, data)
}

func toSequencing(stops []model.TripStop) []sequencing.Stop {
	out := make([]sequencing.Stop, len(stops))
	for i, st := range stops {
		out[i] = sequencing.Stop{ID: st.ID, Sequenced: st.Sequenced, CompletedAt: st.CompletedAt}
	}
	return out
}

func validateStops(stops []model.TripStop) error {
	seen := make(map[int64]struct{}, len(stops))
	for _, st := range stops {
		if _, dup := seen[st.ID]; dup {
			return fmt.Errorf("%w: duplicate stop id %d", ErrInvalidTrip, st.ID)
		}
		seen[st.ID] = struct{}{}
		for _, f := range st.PendingForms {
			if f.FormID == "" {
				return fmt.Errorf("%w: stop %d has a form without formId", ErrInvalidTrip, st.ID)
			}
		}
	}
	return nil
}
