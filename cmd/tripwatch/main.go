// Command tripwatch follows a trip's live eligibility over WebSocket and
// prints every message. With -arrive it first reports a stop arrival.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"tripnav/internal/logging"
)

type wsMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type options struct {
	base    string
	tripID  string
	tenant  string
	role    string
	driver  string
	token   string
	arrive  int64
	source  string
	timeout time.Duration
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	var o options
	flag.StringVar(&o.base, "base", envOr("TRIPNAV_URL", "http://localhost:"+port), "API base URL")
	flag.StringVar(&o.tripID, "trip", "", "trip id (required)")
	flag.StringVar(&o.tenant, "tenant", envOr("TRIPNAV_TENANT", "t_demo"), "tenant for dev-mode headers")
	flag.StringVar(&o.role, "role", envOr("TRIPNAV_ROLE", "admin"), "role for dev-mode headers")
	flag.StringVar(&o.driver, "driver", os.Getenv("TRIPNAV_DRIVER"), "driver id for dev-mode headers")
	flag.StringVar(&o.token, "token", os.Getenv("TRIPNAV_TOKEN"), "bearer token (overrides dev headers)")
	flag.Int64Var(&o.arrive, "arrive", 0, "report an arrival at this stop id after connecting")
	flag.StringVar(&o.source, "source", "manual", "arrival source: manual, geofence or dispatch")
	flag.DurationVar(&o.timeout, "timeout", 0, "stop after this long (0 runs until interrupted)")
	flag.Parse()

	log := logging.New(logging.Config{Level: os.Getenv("LOG_LEVEL"), Format: "text", ServiceName: "tripwatch"})
	if o.tripID == "" {
		log.Error("-trip is required")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}
	if err := run(ctx, o, log); err != nil {
		log.Error("tripwatch failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, o options, log *slog.Logger) error {
	wsURL, err := streamURL(o.base, o.tripID)
	if err != nil {
		return err
	}
	c, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, o.headers())
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %d)", wsURL, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}
	defer func() { _ = c.Close() }()
	log.Info("connected", "url", wsURL)

	// the server's keepalive pings are answered by the default ping handler
	// while this loop reads
	done := make(chan error, 1)
	go func() {
		for {
			var m wsMessage
			if err := c.ReadJSON(&m); err != nil {
				done <- err
				return
			}
			fmt.Printf("%s %s\n", m.Type, string(m.Payload))
			if m.Type == "complete" {
				done <- nil
				return
			}
		}
	}()

	if o.arrive != 0 {
		if err := postArrival(ctx, o); err != nil {
			log.Warn("arrival not recorded", "stop", o.arrive, "err", err)
		}
	}

	select {
	case err := <-done:
		if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			return fmt.Errorf("read: %w", err)
		}
		return nil
	case <-ctx.Done():
		_ = c.WriteJSON(wsMessage{Type: "complete"})
		select {
		case <-done:
		case <-time.After(time.Second):
		}
		return nil
	}
}

func (o options) headers() http.Header {
	hdr := http.Header{}
	if o.token != "" {
		hdr.Set("Authorization", "Bearer "+o.token)
		return hdr
	}
	hdr.Set("X-Tenant-Id", o.tenant)
	hdr.Set("X-Role", o.role)
	if o.driver != "" {
		hdr.Set("X-Driver-Id", o.driver)
	}
	return hdr
}

// streamURL maps an http(s) base URL to the trip's ws(s) endpoint.
func streamURL(base, tripID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path += "/v1/trips/" + url.PathEscape(tripID) + "/ws"
	return u.String(), nil
}

func postArrival(ctx context.Context, o options) error {
	body, _ := json.Marshal(map[string]any{"stopId": o.arrive, "source": o.source})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(o.base, "/")+"/v1/trips/"+url.PathEscape(o.tripID)+"/arrivals", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range o.headers() {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		var p struct {
			Title  string `json:"title"`
			Detail string `json:"detail"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&p)
		return fmt.Errorf("status %d: %s %s", resp.StatusCode, p.Title, p.Detail)
	}
	return nil
}

func envOr(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}
