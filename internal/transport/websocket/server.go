// Package websocket streams bus topics to WebSocket clients.
//
// Clients open a WebSocket connection to:
//
//	GET /topics/{topic}/ws
//
// Every event published on the topic while the connection is open is pushed
// as one text frame. Delivery is best-effort: when a client falls behind by
// more than bufferSize events, further events are dropped and the count is
// reported in the next frame.
//
// Server → client frame:
//
//	{"type":"event","topic":"TermCmdStateChanged","tm":1700000000000,"data":{...},"dropped":0}
//
// Client frames are read only to detect disconnects.
package websocket

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/snehjoshi/gnssbus/internal/eventbus"
)

const (
	bufferSize   = 256
	writeTimeout = 5 * time.Second
	pingEvery    = 30 * time.Second
)

var upgrader = gorillaws.Upgrader{
	// A request is same-origin when its Origin host matches the Host header.
	// Requests without an Origin header (native clients, curl) are allowed.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		parsed, err := parseHost(origin)
		if err != nil {
			return false
		}
		return parsed == r.Host
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// parseHost returns the host:port (or just host) portion of a URL string.
func parseHost(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid origin %q", rawURL)
	}
	return u.Host, nil
}

// Handler serves the stream endpoint. TopicOf extracts the topic from the
// request (the router's path parameter).
type Handler struct {
	Bus     *eventbus.Bus
	TopicOf func(r *http.Request) string
	Logger  *slog.Logger
}

// Frame is the JSON structure the server sends to the client.
type Frame struct {
	Type    string          `json:"type"` // "event"
	Topic   string          `json:"topic"`
	Tm      int64           `json:"tm"`
	Data    json.RawMessage `json:"data"`
	Dropped int             `json:"dropped,omitempty"`
}

// ServeHTTP upgrades the connection and starts the push loop.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	topic := h.TopicOf(r)
	if !eventbus.IsKnownTopic(topic) {
		http.Error(w, `{"error":"unknown topic"}`, http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()
	// Clear the server's request read deadline; pings keep the link alive.
	_ = conn.SetReadDeadline(time.Time{})

	// The listener runs on the bus goroutine and must never block.
	events := make(chan any, bufferSize)
	var missed atomic.Int64
	sub, err := h.Bus.Register(topic, func(payload any) {
		select {
		case events <- payload:
		default:
			missed.Add(1)
		}
	})
	if err != nil {
		logger.Warn("websocket subscribe failed", "topic", topic, "err", err)
		return
	}
	defer func() { _ = sub.Unregister() }()
	logger.Debug("websocket stream opened", "topic", topic, "remote", r.RemoteAddr)

	// Read client frames only to notice the disconnect.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingEvery)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case <-ping.C:
			if err := conn.WriteControl(gorillaws.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case payload := <-events:
			data, err := json.Marshal(payload)
			if err != nil {
				logger.Warn("websocket encode failed", "topic", topic, "err", err)
				continue
			}
			frame, _ := json.Marshal(Frame{
				Type:    "event",
				Topic:   topic,
				Tm:      time.Now().UnixMilli(),
				Data:    data,
				Dropped: int(missed.Swap(0)),
			})
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(gorillaws.TextMessage, frame); err != nil {
				return
			}
		}
	}
}
