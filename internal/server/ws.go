package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"nhooyr.io/websocket"

	"github.com/joshp123/pecronhub/internal/fleet"
)

// WireEvent is the JSON frame pushed to websocket clients.
type WireEvent struct {
	Type          string               `json:"type"`
	Account       string               `json:"account"`
	DeviceID      string               `json:"device_id,omitempty"`
	Device        *fleet.Device        `json:"device,omitempty"`
	Devices       []fleet.Device       `json:"devices,omitempty"`
	Notifications []fleet.Notification `json:"notifications,omitempty"`
	Error         string               `json:"error,omitempty"`
	At            *time.Time           `json:"at,omitempty"`
}

func wireEvent(ev fleet.Event) WireEvent {
	out := WireEvent{
		Type:     ev.Kind.String(),
		Account:  ev.Account,
		DeviceID: ev.DeviceID,
		Error:    ev.TickError,
	}
	switch ev.Kind {
	case fleet.DeviceUpdated:
		d := ev.Device
		out.Device = &d
	case fleet.TickCompleted:
		out.Devices = ev.Devices
		at := ev.At
		out.At = &at
	case fleet.NotificationsChanged:
		out.Notifications = ev.Notifications
		if out.Notifications == nil {
			out.Notifications = []fleet.Notification{}
		}
	}
	return out
}

type frame struct {
	account string
	data    []byte
}

type wsClient struct {
	conn     *websocket.Conn
	send     chan []byte
	accounts map[string]bool
}

func (c *wsClient) wants(account string) bool {
	return len(c.accounts) == 0 || c.accounts[account]
}

// Hub fans store events out to websocket clients. Slow clients are evicted
// instead of blocking the stores.
type Hub struct {
	fleet *Fleet
	log   logr.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}

	broadcast chan frame
	done      chan struct{}
	stopOnce  sync.Once
	unsub     func()
}

// NewHub subscribes to every account immediately; events queue until Run.
func NewHub(f *Fleet, log logr.Logger) *Hub {
	h := &Hub{
		fleet:     f,
		log:       log.WithName("ws"),
		clients:   make(map[*wsClient]struct{}),
		broadcast: make(chan frame, 256),
		done:      make(chan struct{}),
	}
	h.unsub, _ = f.Subscribe(h.publish)
	return h
}

// Run delivers frames until Stop.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			h.unsub()
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return
		case f := <-h.broadcast:
			h.deliver(f)
		}
	}
}

func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

func (h *Hub) publish(ev fleet.Event) {
	data, err := json.Marshal(wireEvent(ev))
	if err != nil {
		h.log.Error(err, "encode event", "kind", ev.Kind.String())
		return
	}
	select {
	case h.broadcast <- frame{account: ev.Account, data: data}:
	default:
		h.log.Info("broadcast queue full, dropping event", "kind", ev.Kind.String())
	}
}

func (h *Hub) deliver(f frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		if !client.wants(f.account) {
			continue
		}
		select {
		case client.send <- f.data:
		default:
			delete(h.clients, client)
			close(client.send)
			h.log.Info("ws client evicted (too slow)")
		}
	}
}

func (h *Hub) register(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.done:
		return false
	default:
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// ServeHTTP upgrades the request. ?account=a,b limits the feed; the
// current snapshots of the selected accounts are sent first.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	client := &wsClient{send: make(chan []byte, 64), accounts: make(map[string]bool)}
	if raw := r.URL.Query().Get("account"); raw != "" {
		for _, id := range strings.Split(raw, ",") {
			if _, err := h.fleet.account(id); err != nil {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
				return
			}
			client.accounts[id] = true
		}
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Error(err, "ws accept")
		return
	}
	conn.SetReadLimit(4096)
	client.conn = conn

	for _, summary := range h.fleet.Accounts() {
		if !client.wants(summary.ID) {
			continue
		}
		devices, _ := h.fleet.Devices(summary.ID)
		data, _ := json.Marshal(WireEvent{Type: "snapshot", Account: summary.ID, Devices: devices})
		client.send <- data
	}

	if !h.register(client) {
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}
	go h.writePump(client)
	h.readPump(r.Context(), client)
}

func (h *Hub) writePump(c *wsClient) {
	for msg := range c.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	c.conn.Close(websocket.StatusNormalClosure, "")
}

func (h *Hub) readPump(ctx context.Context, c *wsClient) {
	defer h.unregister(c)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-h.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	// Clients only listen; reads exist to notice the close frame.
	for {
		if _, _, err := c.conn.Read(ctx); err != nil {
			return
		}
	}
}
