package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tripnav/internal/events"
)

// Trip events over WebSocket. Server messages: "snapshot" (eligibility view),
// "next" (an event), "pong" and "complete". The client may send "ping" and
// "complete". Keepalive uses control frames: the server pings periodically and
// a pong from the client extends the read deadline.

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

type wsMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// TripWSHandler handles GET /v1/trips/{id}/ws
func (s *Server) TripWSHandler(w http.ResponseWriter, r *http.Request) {
	p, t, ok := s.loadTrip(w, r)
	if !ok {
		return
	}
	view, err := s.Trips.Eligibility(r.Context(), p.Tenant, t.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	readTimeout, pingInterval := s.wsReadTimeout, s.wsPingInterval
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	// gorilla allows one concurrent writer
	var wmu sync.Mutex
	write := func(typ string, v any) error {
		msg := wsMessage{Type: typ}
		if v != nil {
			b, err := json.Marshal(v)
			if err != nil {
				return err
			}
			msg.Payload = b
		}
		wmu.Lock()
		defer wmu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(msg)
	}

	ch := s.Broker.Subscribe(t.ID)
	var once sync.Once
	unsubscribe := func() { once.Do(func() { s.Broker.Unsubscribe(t.ID, ch) }) }
	defer unsubscribe()

	if err := write("snapshot", view); err != nil {
		return
	}

	// fan-out: ends when the channel is closed by unsubscribe
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case evt, open := <-ch:
				if !open {
					_ = write("complete", nil)
					return
				}
				if err := write("next", events.Event{Type: evt.Type, Data: evt.Data}); err != nil {
					return
				}
			case <-ticker.C:
				wmu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
				wmu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	conn.SetReadLimit(1 << 16)
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		switch msg.Type {
		case "ping":
			_ = write("pong", nil)
		case "pong":
		case "complete":
			unsubscribe()
			<-done
			return
		}
	}
	unsubscribe()
	<-done
}
