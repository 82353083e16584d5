package realtime

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Sender queues a frame for one connection. It must not block; false means
// the frame was dropped.
type Sender interface {
	Send(frame []byte) bool
}

// Relay forwards room frames to other instances.
type Relay interface {
	Publish(ctx context.Context, msg RoomMessage) error
}

// RoomMessage is a frame addressed to a workspace room. Exclude names a
// connection that must not receive it.
type RoomMessage struct {
	Origin      string `json:"origin"`
	WorkspaceID string `json:"workspaceId"`
	Exclude     string `json:"exclude,omitempty"`
	Frame       []byte `json:"frame"`
}

// Hub routes frames to the connections joined to a workspace room.
type Hub struct {
	relay Relay
	log   *log.Logger

	mu    sync.RWMutex
	rooms map[string]map[string]Sender
}

// NewHub returns a hub. relay may be nil for a single instance deployment.
func NewHub(relay Relay, logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Hub{relay: relay, log: logger, rooms: make(map[string]map[string]Sender)}
}

// Attach adds a connection to a room.
func (h *Hub) Attach(workspaceID, connectionID string, s Sender) {
	h.mu.Lock()
	room, ok := h.rooms[workspaceID]
	if !ok {
		room = make(map[string]Sender)
		h.rooms[workspaceID] = room
	}
	room[connectionID] = s
	h.mu.Unlock()
}

// Detach removes a connection from a room.
func (h *Hub) Detach(workspaceID, connectionID string) {
	h.mu.Lock()
	if room, ok := h.rooms[workspaceID]; ok {
		delete(room, connectionID)
		if len(room) == 0 {
			delete(h.rooms, workspaceID)
		}
	}
	h.mu.Unlock()
}

// Deliver hands frame to every local connection in the room except exclude
// and returns how many accepted it.
func (h *Hub) Deliver(workspaceID, exclude string, frame []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for id, s := range h.rooms[workspaceID] {
		if id == exclude {
			continue
		}
		if s.Send(frame) {
			n++
		} else {
			h.log.WithFields(log.Fields{"workspace": workspaceID, "connection": id}).Warn("dropping frame for slow connection")
		}
	}
	return n
}

// Broadcast delivers frame locally and relays it to other instances.
// Relay failures are logged; local delivery has already happened.
func (h *Hub) Broadcast(ctx context.Context, workspaceID, exclude string, frame []byte) {
	h.Deliver(workspaceID, exclude, frame)
	if h.relay == nil {
		return
	}
	msg := RoomMessage{WorkspaceID: workspaceID, Exclude: exclude, Frame: frame}
	if err := h.relay.Publish(ctx, msg); err != nil {
		h.log.WithError(err).WithField("workspace", workspaceID).Error("relay room frame")
	}
}

// Size reports the number of local connections in a room.
func (h *Hub) Size(workspaceID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[workspaceID])
}
