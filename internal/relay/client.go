package relay

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/example/cleaner-tracking/internal/channel"
	"github.com/example/cleaner-tracking/internal/models"
	"github.com/example/cleaner-tracking/internal/observability"
)

// gorilla chat example timings
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Client is one relay websocket connection.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan models.Frame
	id      string
	userID  string
	rooms   map[string]struct{} // guarded by hub.mu
	limiter *rate.Limiter

	sendMu sync.Mutex
	closed bool
}

func (c *Client) trySend(f models.Frame) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- f:
		return true
	default:
		return false
	}
}

func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) enqueue(event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if !c.trySend(models.Frame{Event: event, Data: data}) {
		_ = c.conn.Close()
	}
}

func (c *Client) sendError(msg string) {
	c.enqueue(models.EventError, models.ErrorMessage{Message: msg})
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f models.Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNoStatusReceived) {
				c.hub.logger.Warn("relay read error", "client_id", c.id, "error", err)
			}
			return
		}
		c.route(f)
	}
}

func (c *Client) route(f models.Frame) {
	switch f.Event {
	case models.EventJoinJobRoom:
		var ref models.JobRoomRef
		if err := json.Unmarshal(f.Data, &ref); err != nil || ref.JobID == "" {
			c.sendError("join_job_room requires jobId")
			return
		}
		c.hub.join(c, channel.JobRoom(ref.JobID))
		c.enqueue(models.EventJobRoomJoined, ref)
		c.hub.lastKnown(c, ref.JobID)
	case models.EventLeaveJobRoom:
		var ref models.JobRoomRef
		if err := json.Unmarshal(f.Data, &ref); err != nil || ref.JobID == "" {
			c.sendError("leave_job_room requires jobId")
			return
		}
		c.hub.leave(c, channel.JobRoom(ref.JobID))
	case models.EventJoinUserRoom:
		var ref models.UserRoomRef
		if err := json.Unmarshal(f.Data, &ref); err != nil || ref.UserID == "" {
			c.sendError("join_user_room requires userId")
			return
		}
		if c.userID != "" && ref.UserID != c.userID {
			c.sendError("cannot join another user's room")
			return
		}
		c.hub.join(c, channel.UserRoom(ref.UserID))
	case models.EventLeaveUserRoom:
		var ref models.UserRoomRef
		if err := json.Unmarshal(f.Data, &ref); err != nil || ref.UserID == "" {
			c.sendError("leave_user_room requires userId")
			return
		}
		c.hub.leave(c, channel.UserRoom(ref.UserID))
	case models.EventUpdateCleanerLocation:
		var u models.LocationUpdate
		if err := json.Unmarshal(f.Data, &u); err != nil {
			c.sendError("malformed update_cleaner_location")
			return
		}
		c.hub.relayLocation(c, u)
	case models.EventExtraTimeRequest:
		var req models.ExtraTimeRequest
		if err := json.Unmarshal(f.Data, &req); err != nil || req.CustomerID == "" {
			c.sendError("extra_time_request requires customer_id")
			return
		}
		if err := c.hub.guard.Check(req.Reason); err != nil {
			observability.PolicyViolations.Inc()
			c.sendError("policy_violation")
			return
		}
		if req.CleanerID == "" {
			req.CleanerID = c.userID
		}
		c.hub.SendToUser(req.CustomerID, models.EventExtraTimeRequest, req)
	case models.EventChatMessage:
		var msg models.ChatMessage
		if err := json.Unmarshal(f.Data, &msg); err != nil || msg.Room == "" {
			c.sendError("chat_message requires room")
			return
		}
		if !c.inRoom(msg.Room) {
			c.sendError("not a member of " + msg.Room)
			return
		}
		if err := c.hub.guard.Check(msg.Text); err != nil {
			observability.PolicyViolations.Inc()
			c.sendError("policy_violation")
			return
		}
		msg.SenderID = c.userID
		msg.Text = strings.TrimSpace(msg.Text)
		if msg.SentAt.IsZero() {
			msg.SentAt = time.Now().UTC()
		}
		c.hub.broadcast(msg.Room, models.EventChatMessage, msg, c)
	default:
		c.hub.logger.Debug("unknown relay event", "event", f.Event, "client_id", c.id)
		c.sendError("unknown event " + f.Event)
	}
}

func (c *Client) inRoom(room string) bool {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	_, ok := c.rooms[room]
	return ok
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case f, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(f); err != nil {
				c.hub.logger.Debug("relay write error", "client_id", c.id, "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
