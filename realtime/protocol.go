package realtime

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"board-api/domain"
)

// Inbound events.
const (
	EventJoin         = "workspace:join"
	EventLeave        = "workspace:leave"
	EventMoveRequest  = "card:move:request"
	EventEditingStart = "card:editing:start"
	EventEditingStop  = "card:editing:stop"
)

// Outbound events.
const (
	EventUsers          = "workspace:users"
	EventUserJoined     = "user:joined"
	EventUserLeft       = "user:left"
	EventMoveAccepted   = "card:move:accepted"
	EventMoveRejected   = "card:move:rejected"
	EventMoved          = "card:moved"
	EventEditingStarted = "card:editing:started"
	EventEditingStopped = "card:editing:stopped"
	EventError          = "error"
)

// envelope is the shape of every frame on the socket.
type envelope struct {
	Event string                 `json:"event"`
	Data  sonic.NoCopyRawMessage `json:"data,omitempty"`
}

// Inbound is a decoded client message. The set of implementations is closed.
type Inbound interface {
	event() string
}

// JoinWorkspace asks to enter a workspace room.
type JoinWorkspace struct {
	WorkspaceID string  `json:"workspaceId"`
	Username    string  `json:"username"`
	UserID      *string `json:"userId,omitempty"`
}

// LeaveWorkspace leaves the current room while keeping the socket open.
type LeaveWorkspace struct {
	WorkspaceID string `json:"workspaceId"`
}

// MoveRequest asks to place a card between two neighbours.
type MoveRequest struct {
	OperationID     string  `json:"operationId"`
	CardID          string  `json:"cardId"`
	TargetListID    string  `json:"targetListId"`
	BeforeCardID    *string `json:"beforeCardId,omitempty"`
	AfterCardID     *string `json:"afterCardId,omitempty"`
	ExpectedVersion *int64  `json:"expectedVersion"`
	WorkspaceID     string  `json:"workspaceId"`
}

// EditingMarker says who is editing which card. It is used in both
// directions.
type EditingMarker struct {
	CardID      string `json:"cardId"`
	Username    string `json:"username"`
	WorkspaceID string `json:"workspaceId"`
}

// EditingStart marks a card as being edited by the sender.
type EditingStart struct{ EditingMarker }

// EditingStop clears the sender's editing marker on a card.
type EditingStop struct{ EditingMarker }

func (*JoinWorkspace) event() string  { return EventJoin }
func (*LeaveWorkspace) event() string { return EventLeave }
func (*MoveRequest) event() string    { return EventMoveRequest }
func (*EditingStart) event() string   { return EventEditingStart }
func (*EditingStop) event() string    { return EventEditingStop }

// WorkspaceUsers is the roster of a room.
type WorkspaceUsers struct {
	WorkspaceID string            `json:"workspaceId"`
	Users       []domain.Presence `json:"users"`
}

// UserPresence announces a join or departure to peers.
type UserPresence struct {
	Username    string  `json:"username"`
	UserID      *string `json:"userId,omitempty"`
	WorkspaceID string  `json:"workspaceId"`
}

// MoveAccepted is sent to the requester and broadcast as card:moved.
type MoveAccepted struct {
	OperationID string    `json:"operationId"`
	CardID      string    `json:"cardId"`
	ListID      string    `json:"listId"`
	Order       string    `json:"order"`
	Version     int64     `json:"version"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// MoveRejected answers a move that was not applied.
type MoveRejected struct {
	OperationID string               `json:"operationId,omitempty"`
	Reason      domain.ErrorCode     `json:"reason"`
	Message     string               `json:"message"`
	CurrentCard *domain.CardSnapshot `json:"currentCard,omitempty"`
}

// ErrorMessage reports a frame that could not be handled.
type ErrorMessage struct {
	Reason  domain.ErrorCode `json:"reason,omitempty"`
	Message string           `json:"message"`
}

// DecodeError describes an inbound frame that could not be decoded. For
// move requests OperationID holds whatever id could be recovered so the
// rejection can be correlated.
type DecodeError struct {
	Event       string
	OperationID string
	Err         error
}

func (e *DecodeError) Error() string {
	if e.Event == "" {
		return "malformed frame: " + e.Err.Error()
	}
	return fmt.Sprintf("malformed %s payload: %v", e.Event, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

var errUnknownEvent = errors.New("unknown event")

// DecodeInbound parses one text frame into its typed message.
func DecodeInbound(raw []byte) (Inbound, error) {
	var env envelope
	if err := sonic.Unmarshal(raw, &env); err != nil {
		return nil, &DecodeError{Err: err}
	}
	var msg Inbound
	switch env.Event {
	case EventJoin:
		msg = &JoinWorkspace{}
	case EventLeave:
		msg = &LeaveWorkspace{}
	case EventMoveRequest:
		msg = &MoveRequest{}
	case EventEditingStart:
		msg = &EditingStart{}
	case EventEditingStop:
		msg = &EditingStop{}
	default:
		return nil, &DecodeError{Event: env.Event, Err: errUnknownEvent}
	}
	if len(env.Data) == 0 {
		return nil, &DecodeError{Event: env.Event, Err: errors.New("data is required")}
	}
	if err := sonic.Unmarshal(env.Data, msg); err != nil {
		derr := &DecodeError{Event: env.Event, Err: err}
		if env.Event == EventMoveRequest {
			var partial struct {
				OperationID string `json:"operationId"`
			}
			if sonic.Unmarshal(env.Data, &partial) == nil {
				derr.OperationID = partial.OperationID
			}
		}
		return nil, derr
	}
	return msg, nil
}

// Encode builds an outbound frame.
func Encode(event string, data any) ([]byte, error) {
	payload, err := sonic.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event, err)
	}
	return sonic.Marshal(envelope{Event: event, Data: payload})
}

func (m *JoinWorkspace) validate() error {
	if strings.TrimSpace(m.WorkspaceID) == "" {
		return domain.Validation("workspaceId is required")
	}
	if strings.TrimSpace(m.Username) == "" {
		return domain.Validation("username is required")
	}
	return nil
}

// validate checks the request before anything else looks at it. A missing
// operationId is reported first so no dedup lookup happens for it.
func (m *MoveRequest) validate() error {
	if strings.TrimSpace(m.OperationID) == "" {
		return domain.Validation("operationId is required")
	}
	if strings.TrimSpace(m.WorkspaceID) == "" {
		return domain.Validation("workspaceId is required")
	}
	if !isUUID(m.CardID) {
		return domain.Validation("cardId must be a uuid")
	}
	if strings.TrimSpace(m.TargetListID) == "" {
		return domain.Validation("targetListId is required")
	}
	if m.BeforeCardID != nil && *m.BeforeCardID != "" && !isUUID(*m.BeforeCardID) {
		return domain.Validation("beforeCardId must be a uuid")
	}
	if m.AfterCardID != nil && *m.AfterCardID != "" && !isUUID(*m.AfterCardID) {
		return domain.Validation("afterCardId must be a uuid")
	}
	if m.ExpectedVersion == nil || *m.ExpectedVersion < 0 {
		return domain.Validation("expectedVersion must be a non-negative integer")
	}
	return nil
}

func (m *EditingMarker) validate() error {
	if strings.TrimSpace(m.WorkspaceID) == "" {
		return domain.Validation("workspaceId is required")
	}
	if !isUUID(m.CardID) {
		return domain.Validation("cardId must be a uuid")
	}
	return nil
}

func isUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
