package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tripnav/internal/config"
	"tripnav/internal/events"
	"tripnav/internal/model"
	"tripnav/internal/store"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := NewServer(config.Default(), nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return s
}

type caller struct {
	t       *testing.T
	h       http.Handler
	headers map[string]string
}

func as(t *testing.T, s *Server, role, driverID string) caller {
	return caller{t: t, h: s.Handler(), headers: map[string]string{"X-Tenant-Id": "t_test", "X-Role": role, "X-Driver-Id": driverID}}
}

func (c caller) do(method, path string, body any) *httptest.ResponseRecorder {
	c.t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(c.t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}
	rr := httptest.NewRecorder()
	c.h.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func createTrip(t *testing.T, admin caller, stops ...model.TripStop) model.Trip {
	t.Helper()
	rr := admin.do(http.MethodPost, "/v1/trips", model.TripIn{DriverID: "drv1", Stops: stops})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	return decode[model.Trip](t, rr)
}

func seq(id int64) model.TripStop {
	return model.TripStop{ID: id, Name: "S" + string(rune('0'+id)), Sequenced: true}
}

func free(id int64) model.TripStop {
	return model.TripStop{ID: id, Name: "F" + string(rune('0'+id))}
}

func TestHealthReady(t *testing.T) {
	s := newTestServer(t)
	c := as(t, s, "", "")
	assert.Equal(t, http.StatusOK, c.do(http.MethodGet, "/healthz", nil).Code)
	assert.Equal(t, http.StatusOK, c.do(http.MethodGet, "/readyz", nil).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	c := as(t, s, "admin", "")
	c.do(http.MethodGet, "/healthz", nil)
	rr := c.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "http_requests_total")
}

func TestDebugInfoRequiresAdmin(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusForbidden, as(t, s, "driver", "d").do(http.MethodGet, "/debug/info", nil).Code)
	rr := as(t, s, "admin", "").do(http.MethodGet, "/debug/info", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"authMode":"dev"`)
}

func TestTripLifecycle(t *testing.T) {
	s := newTestServer(t)
	admin := as(t, s, "dispatcher", "")
	driver := as(t, s, "driver", "drv1")

	tr := createTrip(t, admin, seq(1), seq(2), seq(3), seq(4), seq(5))
	assert.Equal(t, []string{"1"}, tr.Eligible)

	// manual arrival at a stop that is not eligible
	rr := driver.do(http.MethodPost, "/v1/trips/"+tr.ID+"/arrivals", model.ArrivalRequest{StopID: 3})
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "Stop not eligible", decode[Problem](t, rr).Title)

	rr = driver.do(http.MethodPost, "/v1/trips/"+tr.ID+"/arrivals", model.ArrivalRequest{StopID: 1})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	// out-of-order geofence arrival relayed by dispatch
	rr = admin.do(http.MethodPost, "/v1/trips/"+tr.ID+"/arrivals", model.ArrivalRequest{StopID: 4, Source: model.ArrivalGeofence})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	res := decode[model.ArrivalResult](t, rr)
	assert.Equal(t, []string{"2", "5"}, res.Eligible)

	rr = driver.do(http.MethodGet, "/v1/trips/"+tr.ID+"/eligibility", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	view := decode[model.EligibilityView](t, rr)
	assert.Equal(t, []string{"2", "5"}, view.Eligible)
	assert.False(t, view.AllSequencedDone)
	assert.Equal(t, 3, view.CurrentStopIndex)

	rr = driver.do(http.MethodPost, "/v1/trips/"+tr.ID+"/complete", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	for _, id := range []int64{2, 3, 5} {
		rr = driver.do(http.MethodPost, "/v1/trips/"+tr.ID+"/arrivals", model.ArrivalRequest{StopID: id})
		require.Equal(t, http.StatusOK, rr.Code, "stop %d: %s", id, rr.Body.String())
	}
	rr = driver.do(http.MethodPost, "/v1/trips/"+tr.ID+"/complete", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, model.TripCompleted, decode[model.Trip](t, rr).Status)
}

func TestDispatchArrivalNeedsStaff(t *testing.T) {
	s := newTestServer(t)
	tr := createTrip(t, as(t, s, "admin", ""), seq(1), seq(2))
	rr := as(t, s, "driver", "drv1").do(http.MethodPost, "/v1/trips/"+tr.ID+"/arrivals", model.ArrivalRequest{StopID: 2, Source: model.ArrivalDispatch})
	assert.Equal(t, http.StatusForbidden, rr.Code)
	rr = as(t, s, "dispatcher", "").do(http.MethodPost, "/v1/trips/"+tr.ID+"/arrivals", model.ArrivalRequest{StopID: 2, Source: model.ArrivalDispatch})
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestDriverCannotSelfReportGeofenceArrival(t *testing.T) {
	s := newTestServer(t)
	tr := createTrip(t, as(t, s, "admin", ""), seq(1), seq(2), seq(3))
	drv := as(t, s, "driver", "drv1")
	path := "/v1/trips/" + tr.ID + "/arrivals"

	assert.Equal(t, http.StatusConflict, drv.do(http.MethodPost, path, model.ArrivalRequest{StopID: 3}).Code)
	assert.Equal(t, http.StatusForbidden, drv.do(http.MethodPost, path, model.ArrivalRequest{StopID: 3, Source: model.ArrivalGeofence}).Code)

	got, err := s.Trips.GetTrip(context.Background(), "t_test", tr.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Stops[2].CompletedAt, "rejected arrival must not complete the stop")

	rr := as(t, s, "dispatcher", "").do(http.MethodPost, path, model.ArrivalRequest{StopID: 3, Source: model.ArrivalGeofence})
	assert.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
}

func TestDriverAccessControl(t *testing.T) {
	s := newTestServer(t)
	admin := as(t, s, "admin", "")
	tr := createTrip(t, admin, seq(1))

	other := as(t, s, "driver", "someone-else")
	assert.Equal(t, http.StatusForbidden, other.do(http.MethodGet, "/v1/trips/"+tr.ID, nil).Code)
	assert.Equal(t, http.StatusForbidden, other.do(http.MethodPost, "/v1/trips", model.TripIn{Stops: []model.TripStop{seq(1)}}).Code)

	rr := other.do(http.MethodGet, "/v1/trips?driverId=drv1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	list := decode[struct{ Items []model.Trip }](t, rr)
	assert.Empty(t, list.Items, "drivers only list their own trips")

	rr = as(t, s, "driver", "drv1").do(http.MethodGet, "/v1/trips", nil)
	list = decode[struct{ Items []model.Trip }](t, rr)
	assert.Len(t, list.Items, 1)
}

func TestTripNotFoundAndBadInput(t *testing.T) {
	s := newTestServer(t)
	admin := as(t, s, "admin", "")
	rr := admin.do(http.MethodGet, "/v1/trips/nope", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))

	assert.Equal(t, http.StatusBadRequest, admin.do(http.MethodPost, "/v1/trips", model.TripIn{}).Code)
	assert.Equal(t, http.StatusBadRequest, admin.do(http.MethodPost, "/v1/trips", model.TripIn{Stops: []model.TripStop{seq(1), seq(1)}}).Code)
	assert.Equal(t, http.StatusBadRequest, admin.do(http.MethodPost, "/v1/trips", map[string]any{"stops": "x"}).Code)
	assert.Equal(t, http.StatusBadRequest, admin.do(http.MethodGet, "/v1/trips?limit=-1", nil).Code)

	tr := createTrip(t, admin, seq(1))
	assert.Equal(t, http.StatusNotFound, admin.do(http.MethodPost, "/v1/trips/"+tr.ID+"/arrivals", model.ArrivalRequest{StopID: 9}).Code)
}

func TestReplaceStopsAndForms(t *testing.T) {
	s := newTestServer(t)
	admin := as(t, s, "dispatcher", "")
	a := seq(1)
	a.PendingForms = []model.FormRef{{FormID: "pod"}}
	tr := createTrip(t, admin, a, seq(2))

	rr := admin.do(http.MethodPost, "/v1/trips/"+tr.ID+"/arrivals", model.ArrivalRequest{StopID: 1})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = admin.do(http.MethodPut, "/v1/trips/"+tr.ID+"/stops", model.StopListUpdate{Stops: []model.TripStop{seq(1), free(7), seq(2)}})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	upd := decode[model.Trip](t, rr)
	require.Len(t, upd.Stops, 3)
	assert.NotNil(t, upd.Stops[0].CompletedAt)
	assert.Equal(t, []model.FormRef{{FormID: "pod"}}, upd.Stops[0].PendingForms)
	assert.Equal(t, []string{"2"}, upd.Eligible)

	rr = admin.do(http.MethodGet, "/v1/trips/"+tr.ID+"/forms/pending", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "You have uncompleted forms for S1.", decode[model.PendingFormsView](t, rr).Message)

	assert.Equal(t, http.StatusBadRequest, admin.do(http.MethodPost, "/v1/trips/"+tr.ID+"/forms", model.FormSubmission{StopID: 1}).Code)
	rr = admin.do(http.MethodPost, "/v1/trips/"+tr.ID+"/forms", model.FormSubmission{StopID: 1, FormID: "pod"})
	require.Equal(t, http.StatusOK, rr.Code)
	rr = admin.do(http.MethodPost, "/v1/trips/"+tr.ID+"/forms", model.FormSubmission{StopID: 1, FormID: "pod"})
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestSubscriptionsAndWebhookAdmin(t *testing.T) {
	s := newTestServer(t)
	admin := as(t, s, "admin", "")

	rr := admin.do(http.MethodPost, "/v1/subscriptions", model.SubscriptionRequest{URL: "ftp://x", Events: []string{model.EventStopArrived}})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	rr = admin.do(http.MethodPost, "/v1/subscriptions", model.SubscriptionRequest{URL: "https://hooks.example.com/x", Events: []string{"route.planned"}})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = admin.do(http.MethodPost, "/v1/subscriptions", model.SubscriptionRequest{URL: "https://hooks.example.com/x", Events: []string{model.EventEligibilityChanged}, Secret: "k"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	sub := decode[model.Subscription](t, rr)
	assert.Equal(t, "t_test", sub.TenantID)

	createTrip(t, admin, seq(1))
	rr = admin.do(http.MethodGet, "/v1/admin/webhook-deliveries", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	deliveries := decode[struct {
		Items []map[string]any
	}](t, rr)
	require.Len(t, deliveries.Items, 1)
	assert.Equal(t, model.EventEligibilityChanged, deliveries.Items[0]["eventType"])

	id := deliveries.Items[0]["id"].(string)
	assert.Equal(t, http.StatusAccepted, admin.do(http.MethodPost, "/v1/admin/webhook-deliveries/"+id+"/retry", nil).Code)
	assert.Equal(t, http.StatusNotFound, admin.do(http.MethodPost, "/v1/admin/webhook-deliveries/missing/retry", nil).Code)
	assert.Equal(t, http.StatusOK, admin.do(http.MethodGet, "/v1/admin/webhook-dlq", nil).Code)
	assert.Equal(t, http.StatusNotFound, admin.do(http.MethodPost, "/v1/admin/webhook-dlq/missing/requeue", nil).Code)

	rr = admin.do(http.MethodGet, "/v1/subscriptions", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, http.StatusNoContent, admin.do(http.MethodDelete, "/v1/subscriptions/"+sub.ID, nil).Code)
	assert.Equal(t, http.StatusNotFound, admin.do(http.MethodDelete, "/v1/subscriptions/"+sub.ID, nil).Code)

	assert.Equal(t, http.StatusForbidden, as(t, s, "dispatcher", "").do(http.MethodGet, "/v1/subscriptions", nil).Code)
}

func TestHMACModeRejectsHeaderAuth(t *testing.T) {
	cfg := config.Default()
	cfg.Auth.Mode = "hmac"
	cfg.Auth.HMACSecret = "k"
	s, err := NewServer(cfg, nil)
	require.NoError(t, err)
	rr := as(t, s, "admin", "").do(http.MethodGet, "/v1/trips", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestRateLimit(t *testing.T) {
	cfg := config.Default()
	cfg.Rate = config.RateConfig{RPS: 0.001, Burst: 2}
	s, err := NewServer(cfg, nil)
	require.NoError(t, err)
	c := as(t, s, "admin", "")
	assert.Equal(t, http.StatusOK, c.do(http.MethodGet, "/healthz", nil).Code)
	assert.Equal(t, http.StatusOK, c.do(http.MethodGet, "/healthz", nil).Code)
	rr := c.do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "1", rr.Header().Get("Retry-After"))
}

func TestSSEStream(t *testing.T) {
	s := newTestServer(t)
	admin := as(t, s, "admin", "")
	tr := createTrip(t, admin, seq(1), seq(2))

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/trips/"+tr.ID+"/events/stream", nil)
	req.Header.Set("X-Tenant-Id", "t_test")
	req.Header.Set("X-Role", "admin")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan string, 32)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()
	waitFor := func(prefix string) string {
		t.Helper()
		deadline := time.After(2 * time.Second)
		for {
			select {
			case l, ok := <-lines:
				require.True(t, ok, "stream closed waiting for %q", prefix)
				if strings.HasPrefix(l, prefix) {
					return l
				}
			case <-deadline:
				t.Fatalf("timeout waiting for %q", prefix)
			}
		}
	}
	waitFor("event: eligibility.snapshot")
	assert.Contains(t, waitFor("data: "), `"eligible":["1"]`)

	_, err = s.Trips.Arrive(req.Context(), "t_test", tr.ID, model.ArrivalRequest{StopID: 1})
	require.NoError(t, err)
	waitFor("event: " + model.EventStopArrived)
	waitFor("event: " + model.EventEligibilityChanged)
	assert.Contains(t, waitFor("data: "), `"eligible":["2"]`)
}

func TestWebSocketStream(t *testing.T) {
	s := newTestServer(t)
	admin := as(t, s, "admin", "")
	tr := createTrip(t, admin, seq(1), seq(2))

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	hdr := http.Header{}
	hdr.Set("X-Tenant-Id", "t_test")
	hdr.Set("X-Role", "driver")
	hdr.Set("X-Driver-Id", "drv1")
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/trips/"+tr.ID+"/ws", hdr)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var msg wsMessage
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "snapshot", msg.Type)
	var view model.EligibilityView
	require.NoError(t, json.Unmarshal(msg.Payload, &view))
	assert.Equal(t, []string{"1"}, view.Eligible)

	require.NoError(t, conn.WriteJSON(wsMessage{Type: "ping"}))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "pong", msg.Type)

	_, err = s.Trips.Arrive(t.Context(), "t_test", tr.ID, model.ArrivalRequest{StopID: 1})
	require.NoError(t, err)
	seen := map[string]bool{}
	for !seen[model.EventEligibilityChanged] {
		require.NoError(t, conn.ReadJSON(&msg))
		require.Equal(t, "next", msg.Type)
		var evt events.Event
		require.NoError(t, json.Unmarshal(msg.Payload, &evt))
		seen[evt.Type] = true
	}
	assert.True(t, seen[model.EventStopArrived])

	require.NoError(t, conn.WriteJSON(wsMessage{Type: "complete"}))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "complete", msg.Type)
}

func TestWebSocketKeepaliveHoldsIdleReader(t *testing.T) {
	s := newTestServer(t)
	s.wsReadTimeout, s.wsPingInterval = 150*time.Millisecond, 50*time.Millisecond
	tr := createTrip(t, as(t, s, "admin", ""), seq(1), seq(2))
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	hdr := http.Header{}
	hdr.Set("X-Tenant-Id", "t_test")
	hdr.Set("X-Role", "driver")
	hdr.Set("X-Driver-Id", "drv1")
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/trips/"+tr.ID+"/ws", hdr)
	require.NoError(t, err)
	defer conn.Close()

	var msg wsMessage
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "snapshot", msg.Type)

	// the client never sends a message; only pong control frames keep it alive
	arrived := time.AfterFunc(400*time.Millisecond, func() {
		_, _ = s.Trips.Arrive(context.Background(), "t_test", tr.ID, model.ArrivalRequest{StopID: 1})
	})
	defer arrived.Stop()
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "next", msg.Type, "stream closed before the first event")
}

func TestWriteErrorMapping(t *testing.T) {
	rr := httptest.NewRecorder()
	writeError(rr, httptest.NewRequest(http.MethodGet, "/x", nil), store.ErrVersionConflict)
	assert.Equal(t, http.StatusConflict, rr.Code)
	rr = httptest.NewRecorder()
	writeError(rr, httptest.NewRequest(http.MethodGet, "/x", nil), io.EOF)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestLocationPingGeofenceArrival(t *testing.T) {
	s := newTestServer(t)
	tr := createTrip(t, as(t, s, "dispatcher", ""),
		model.TripStop{ID: 1, Name: "Depot", Sequenced: true, Location: &model.GeoPoint{Lat: 40.7128, Lng: -74.0060}},
		model.TripStop{ID: 2, Name: "Dock", Sequenced: true, Location: &model.GeoPoint{Lat: 40.7306, Lng: -73.9352}},
	)
	driver := as(t, s, "driver", "drv1")

	assert.Equal(t, http.StatusBadRequest, driver.do(http.MethodPost, "/v1/trips/"+tr.ID+"/locations", model.LocationPing{Lat: 100}).Code)

	rr := driver.do(http.MethodPost, "/v1/trips/"+tr.ID+"/locations", model.LocationPing{Lat: 40.7306, Lng: -73.9352})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	res := decode[model.LocationResult](t, rr)
	require.NotNil(t, res.ArrivedStopID)
	assert.Equal(t, int64(2), *res.ArrivedStopID)
	assert.Equal(t, []string{"1"}, res.Eligible)

	rr = as(t, s, "admin", "").do(http.MethodGet, "/v1/trips/"+tr.ID+"/locations", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	locs := decode[struct{ Items []model.DriverLocation }](t, rr)
	require.Len(t, locs.Items, 1)
	assert.Equal(t, "drv1", locs.Items[0].DriverID)
}
