// Package websocket streams monitoring events to dashboard connections.
package websocket

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/marcus-qen/connwatch/internal/controlplane/events"
	"go.uber.org/zap"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 90 * time.Second
	pingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Dashboards connect from arbitrary origins; authentication runs before
	// the upgrade via Authenticator.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Viewer is one connected event stream.
type Viewer struct {
	ID        string
	Instance  string
	Types     map[events.EventType]bool
	Conn      *websocket.Conn
	Connected time.Time
	LastSeen  time.Time
	mu        sync.Mutex
}

func (v *Viewer) wants(evt events.Event) bool {
	if v.Instance != "" && evt.InstanceID != v.Instance {
		return false
	}
	return len(v.Types) == 0 || v.Types[evt.Type]
}

// Authenticator validates the bearer token of a viewer.
type Authenticator func(bearerToken string) bool

// Hub fans bus events out to websocket viewers.
type Hub struct {
	bus           *events.Bus
	viewers       map[string]*Viewer
	mu            sync.RWMutex
	logger        *zap.Logger
	authenticator Authenticator // nil = no auth
}

// NewHub creates a hub reading from bus.
func NewHub(bus *events.Bus, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		bus:     bus,
		viewers: make(map[string]*Viewer),
		logger:  logger.Named("ws"),
	}
}

// SetAuthenticator installs a token check that runs before the upgrade.
func (h *Hub) SetAuthenticator(auth Authenticator) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.authenticator = auth
}

// HandleEvents serves GET /ws/events. The optional instance query parameter
// limits the stream to one instance; types takes a comma-separated list of
// event types.
func (h *Hub) HandleEvents(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	auth := h.authenticator
	h.mu.RUnlock()

	if auth != nil {
		token := extractBearerToken(r)
		if token == "" {
			http.Error(w, `{"error":"missing authorization","code":"unauthorized"}`, http.StatusUnauthorized)
			h.logger.Warn("viewer rejected: no bearer token", zap.String("remote_addr", r.RemoteAddr))
			return
		}
		if !auth(token) {
			http.Error(w, `{"error":"invalid credentials","code":"forbidden"}`, http.StatusForbidden)
			h.logger.Warn("viewer rejected: invalid credentials", zap.String("remote_addr", r.RemoteAddr))
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("upgrade failed", zap.Error(err))
		return
	}

	now := time.Now().UTC()
	v := &Viewer{
		ID:        uuid.NewString(),
		Instance:  strings.TrimSpace(r.URL.Query().Get("instance")),
		Types:     parseTypes(r.URL.Query().Get("types")),
		Conn:      conn,
		Connected: now,
		LastSeen:  now,
	}

	stream := h.bus.Subscribe("ws:" + v.ID)
	h.mu.Lock()
	h.viewers[v.ID] = v
	h.mu.Unlock()

	h.logger.Info("viewer connected", zap.String("viewer_id", v.ID), zap.String("instance_id", v.Instance))

	done := make(chan struct{})
	defer func() {
		close(done)
		h.bus.Unsubscribe("ws:" + v.ID)
		conn.Close()
		h.mu.Lock()
		delete(h.viewers, v.ID)
		h.mu.Unlock()
		h.logger.Info("viewer disconnected", zap.String("viewer_id", v.ID))
	}()

	go h.writeLoop(v, stream, done)

	conn.SetPongHandler(func(string) error {
		v.mu.Lock()
		v.LastSeen = time.Now().UTC()
		v.mu.Unlock()
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))

	// Viewers only read; the loop exists to notice close frames and pongs.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		v.mu.Lock()
		v.LastSeen = time.Now().UTC()
		v.mu.Unlock()
	}
}

func (h *Hub) writeLoop(v *Viewer, stream <-chan events.Event, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case evt, ok := <-stream:
			if !ok {
				return
			}
			if !v.wants(evt) {
				continue
			}
			v.mu.Lock()
			_ = v.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := v.Conn.WriteMessage(websocket.TextMessage, evt.JSON())
			v.mu.Unlock()
			if err != nil {
				h.logger.Debug("event write failed", zap.String("viewer_id", v.ID), zap.Error(err))
				v.Conn.Close()
				return
			}
		case <-ticker.C:
			v.mu.Lock()
			err := v.Conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			v.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Connected returns the ids of connected viewers, sorted.
func (h *Hub) Connected() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.viewers))
	for id := range h.viewers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ViewerInfo describes one connected viewer.
type ViewerInfo struct {
	ID        string    `json:"id"`
	Instance  string    `json:"instance,omitempty"`
	Connected time.Time `json:"connected"`
	LastSeen  time.Time `json:"last_seen"`
}

// List returns info about all connected viewers.
func (h *Hub) List() []ViewerInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make([]ViewerInfo, 0, len(h.viewers))
	for _, v := range h.viewers {
		v.mu.Lock()
		result = append(result, ViewerInfo{
			ID:        v.ID,
			Instance:  v.Instance,
			Connected: v.Connected,
			LastSeen:  v.LastSeen,
		})
		v.mu.Unlock()
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Connected.Before(result[j].Connected) })
	return result
}

// CloseAll disconnects every viewer.
func (h *Hub) CloseAll() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, v := range h.viewers {
		v.mu.Lock()
		_ = v.Conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		v.mu.Unlock()
		v.Conn.Close()
	}
	return len(h.viewers)
}

func parseTypes(raw string) map[events.EventType]bool {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	out := make(map[events.EventType]bool)
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out[events.EventType(p)] = true
		}
	}
	return out
}

// extractBearerToken pulls the token from "Authorization: Bearer <token>" header.
func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	const prefix = "Bearer "
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}
