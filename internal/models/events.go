package models

import (
	"encoding/json"
	"time"
)

// Event names carried on the transport relay.
const (
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
	EventError      = "error"

	EventJoinJobRoom   = "join_job_room"
	EventLeaveJobRoom  = "leave_job_room"
	EventJobRoomJoined = "job_room_joined"
	EventJoinUserRoom  = "join_user_room"
	EventLeaveUserRoom = "leave_user_room"

	EventUpdateCleanerLocation = "update_cleaner_location"
	EventCleanerLocationUpdate = "cleaner_location_update"
	EventExtraTimeRequest      = "extra_time_request"
	EventChatMessage           = "chat_message"
	EventJobStatus             = "job_status"
	EventOccurrenceStatus      = "occurrence_status"

	// EventPolicyViolation never crosses the wire; it is raised locally when
	// outbound content is suppressed.
	EventPolicyViolation = "policy_violation"
)

// Frame is the JSON envelope of every message on the relay connection.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type ConnectAck struct {
	SessionID string `json:"sid"`
}

type JobRoomRef struct {
	JobID string `json:"jobId"`
}

type UserRoomRef struct {
	UserID string `json:"userId"`
}

// LocationUpdate is what the cleaner's device sends.
type LocationUpdate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	JobID     string  `json:"jobId"`
}

// CleanerLocation is what the relay fans out to the job room.
type CleanerLocation struct {
	JobID     string    `json:"jobId"`
	CleanerID string    `json:"cleanerId,omitempty"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Timestamp time.Time `json:"timestamp"`
}

func (c CleanerLocation) Coord() Coord { return Coord{Lat: c.Latitude, Lng: c.Longitude} }

type ChatMessage struct {
	Room     string    `json:"room"`
	SenderID string    `json:"senderId,omitempty"`
	Text     string    `json:"text"`
	SentAt   time.Time `json:"sentAt"`
}

type ErrorMessage struct {
	Message string `json:"message"`
}

type JobStatusEvent struct {
	JobID     string    `json:"jobId"`
	Status    JobStatus `json:"status"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type OccurrenceStatusEvent struct {
	JobID        string           `json:"jobId"`
	OccurrenceID string           `json:"occurrenceId"`
	Status       OccurrenceStatus `json:"status"`
	UpdatedAt    time.Time        `json:"updatedAt"`
}

// PolicyViolation describes suppressed outbound content.
type PolicyViolation struct {
	Event  string `json:"event"`
	Reason string `json:"reason"`
}
