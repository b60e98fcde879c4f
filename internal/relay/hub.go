// Package relay is the server side of the transport channel. It accepts
// websocket clients, tracks room membership and fans events out to rooms.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/example/cleaner-tracking/internal/channel"
	"github.com/example/cleaner-tracking/internal/geo"
	"github.com/example/cleaner-tracking/internal/models"
	"github.com/example/cleaner-tracking/internal/observability"
)

// LocationPublisher receives every accepted cleaner location, e.g. a Kafka
// producer feeding downstream consumers.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, s models.LocationSample) error
}

type Config struct {
	// LocationRate and LocationBurst bound inbound update_cleaner_location
	// frames per connection.
	LocationRate  float64
	LocationBurst int
	SendBuffer    int
}

func DefaultConfig() Config {
	return Config{LocationRate: 1, LocationBurst: 5, SendBuffer: 64}
}

type Hub struct {
	cfg       Config
	locations geo.Store
	publisher LocationPublisher
	guard     *channel.Guard
	logger    *slog.Logger
	upgrader  websocket.Upgrader

	mu      sync.RWMutex
	clients map[*Client]struct{}
	rooms   map[string]map[*Client]struct{}
}

// NewHub builds a hub. publisher may be nil.
func NewHub(cfg Config, locations geo.Store, publisher LocationPublisher, logger *slog.Logger) *Hub {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	if cfg.LocationBurst <= 0 {
		cfg.LocationBurst = 1
	}
	return &Hub{
		cfg:       cfg,
		locations: locations,
		publisher: publisher,
		guard:     channel.NewGuard(),
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*Client]struct{}),
		rooms:   make(map[string]map[*Client]struct{}),
	}
}

// ServeWS upgrades the request and runs the client until it disconnects.
// The user query parameter identifies the connecting party.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &Client{
		hub:     h,
		conn:    conn,
		send:    make(chan models.Frame, h.cfg.SendBuffer),
		id:      uuid.NewString(),
		userID:  r.URL.Query().Get("user"),
		rooms:   make(map[string]struct{}),
		limiter: rate.NewLimiter(rate.Limit(h.cfg.LocationRate), h.cfg.LocationBurst),
	}
	h.register(c)
	c.enqueue(models.EventConnect, models.ConnectAck{SessionID: c.id})
	go c.writePump()
	c.readPump()
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	observability.RelayConnections.Inc()
	h.logger.Info("relay client connected", "client_id", c.id, "user_id", c.userID)
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	for room := range c.rooms {
		h.removeFromRoomLocked(room, c)
	}
	h.mu.Unlock()
	c.closeSend()
	observability.RelayConnections.Dec()
	h.logger.Info("relay client disconnected", "client_id", c.id, "user_id", c.userID)
}

func (h *Hub) join(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	c.rooms[room] = struct{}{}
}

func (h *Hub) leave(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeFromRoomLocked(room, c)
	delete(c.rooms, room)
}

func (h *Hub) removeFromRoomLocked(room string, c *Client) {
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// Publish sends event to every member of room and returns how many clients
// it was queued for.
func (h *Hub) Publish(room, event string, payload interface{}) int {
	return h.broadcast(room, event, payload, nil)
}

// SendToUser delivers event to every connection in the user's room.
func (h *Hub) SendToUser(userID, event string, payload interface{}) int {
	return h.broadcast(channel.UserRoom(userID), event, payload, nil)
}

// RoomSize reports the number of clients in room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

func (h *Hub) broadcast(room, event string, payload interface{}, except *Client) int {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("relay encode failed", "event", event, "error", err)
		return 0
	}
	f := models.Frame{Event: event, Data: data}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		if c != except {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if c.trySend(f) {
			delivered++
			continue
		}
		observability.SlowClientsDropped.Inc()
		h.logger.Warn("dropping slow relay client", "client_id", c.id, "room", room)
		_ = c.conn.Close()
	}
	return delivered
}

// Shutdown closes every client connection.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		_ = c.conn.Close()
	}
}

func (h *Hub) relayLocation(c *Client, u models.LocationUpdate) {
	if !c.limiter.Allow() {
		observability.LocationsThrottled.Inc()
		return
	}
	coord, ok := geo.Normalize(models.Coord{Lat: u.Latitude, Lng: u.Longitude})
	if !ok || u.JobID == "" {
		observability.LocationsInvalid.Inc()
		c.sendError("invalid location update")
		return
	}
	now := time.Now().UTC()
	sample := models.LocationSample{JobID: u.JobID, CleanerID: c.userID, Coord: coord, CapturedAt: now}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.locations.Save(ctx, sample); err != nil {
		h.logger.Warn("save last known location failed", "job_id", u.JobID, "error", err)
	}
	if h.publisher != nil {
		if err := h.publisher.PublishLocation(ctx, sample); err != nil {
			h.logger.Warn("publish location failed", "job_id", u.JobID, "error", err)
		}
	}

	h.broadcast(channel.JobRoom(u.JobID), models.EventCleanerLocationUpdate, models.CleanerLocation{
		JobID:     u.JobID,
		CleanerID: c.userID,
		Latitude:  coord.Lat,
		Longitude: coord.Lng,
		Timestamp: now,
	}, c)
	observability.LocationsRelayed.Inc()
}

// lastKnown sends the latest stored location of jobID to c, if any.
func (h *Hub) lastKnown(c *Client, jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s, ok, err := h.locations.Latest(ctx, jobID)
	if err != nil {
		h.logger.Warn("load last known location failed", "job_id", jobID, "error", err)
		return
	}
	if !ok {
		return
	}
	c.enqueue(models.EventCleanerLocationUpdate, models.CleanerLocation{
		JobID:     jobID,
		CleanerID: s.CleanerID,
		Latitude:  s.Coord.Lat,
		Longitude: s.Coord.Lng,
		Timestamp: s.CapturedAt,
	})
}
