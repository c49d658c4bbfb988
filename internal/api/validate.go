package api

import (
	"fmt"
	"net/url"

	"tripnav/internal/model"
)

const maxStopsPerTrip = 500

var knownEvents = map[string]struct{}{
	model.EventEligibilityChanged: {},
	model.EventStopArrived:        {},
	model.EventTripCompleted:      {},
}

func validateStops(stops []model.TripStop) error {
	if len(stops) > maxStopsPerTrip {
		return fmt.Errorf("at most %d stops per trip", maxStopsPerTrip)
	}
	for _, st := range stops {
		if st.Location != nil {
			if st.Location.Lat < -90 || st.Location.Lat > 90 || st.Location.Lng < -180 || st.Location.Lng > 180 {
				return fmt.Errorf("stop %d: location out of range", st.ID)
			}
		}
	}
	return nil
}

func validateTripIn(in *model.TripIn) error {
	if len(in.Stops) == 0 {
		return fmt.Errorf("stops must not be empty")
	}
	return validateStops(in.Stops)
}

func validateSubscription(req *model.SubscriptionRequest) error {
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("url must be an absolute http(s) URL")
	}
	if len(req.Events) == 0 {
		return fmt.Errorf("events must not be empty")
	}
	for _, e := range req.Events {
		if _, ok := knownEvents[e]; !ok {
			return fmt.Errorf("unknown event type: %s", e)
		}
	}
	return nil
}
