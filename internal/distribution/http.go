package distribution

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"taxifleet/go-fleet-server/internal/model"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Message is the push frame sent to WebSocket viewers.
type Message struct {
	Type        string `json:"type"`
	GeneratedAt int64  `json:"generatedAt"`
	Data        any    `json:"data"`
}

// FleetMessage wraps a snapshot in the frame shared by every push transport.
func FleetMessage(snap Snapshot) Message {
	vehicles := snap.Vehicles
	if vehicles == nil {
		vehicles = []model.FleetVehicle{}
	}
	return Message{Type: "fleet", GeneratedAt: snap.GeneratedAt.UnixMilli(), Data: vehicles}
}

// PollHandler serves the current fleet view as a JSON array and advertises
// the interval clients should poll at.
func PollHandler(src Source, interval time.Duration, logger *slog.Logger) http.Handler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		snap := src.Poll(r.Context())

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("X-Poll-Interval", strconv.Itoa(int(interval/time.Millisecond)))
		if err := json.NewEncoder(w).Encode(snap.Vehicles); err != nil {
			logger.Error("failed to encode fleet locations", "error", err)
		}
	})
}

// WebSocketHandler upgrades viewers to a WebSocket and forwards every snapshot
// from subs until the viewer goes away.
type WebSocketHandler struct {
	subs     Subscriber
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewWebSocketHandler returns a handler streaming from subs.
func NewWebSocketHandler(subs Subscriber, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &WebSocketHandler{
		subs:   subs,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
	}
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go readPump(conn, cancel)

	updates := h.subs.Subscribe(ctx)
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	h.logger.Info("fleet viewer connected", "remote", r.RemoteAddr)
	defer h.logger.Info("fleet viewer disconnected", "remote", r.RemoteAddr)

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(FleetMessage(snap)); err != nil {
				h.logger.Debug("ws write failed", "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// checkOrigin accepts any origin for clients that present an Authorization
// header, which a browser page cannot attach to a WebSocket handshake.
// Cookie sessions must come from a page served by this host.
func checkOrigin(r *http.Request) bool {
	if r.Header.Get("Authorization") != "" {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// readPump discards viewer messages and cancels once the connection fails.
func readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
