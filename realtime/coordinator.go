// Package realtime implements the websocket protocol for live card moves,
// presence rosters and editing markers.
package realtime

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"

	"board-api/cards"
	"board-api/domain"
)

// Mover performs version-gated moves.
type Mover interface {
	MoveRealtime(ctx context.Context, sc cards.Scope, in cards.RealtimeMoveInput) (*domain.MoveResult, error)
}

// RoleResolver returns a user's role in a workspace.
type RoleResolver interface {
	Role(ctx context.Context, workspaceID, userID string) (domain.Role, error)
}

// Session is the per-connection state. It is only touched by the goroutine
// reading that connection.
type Session struct {
	ID     string
	UserID string

	send      Sender
	workspace string
	username  string
	presentAs *string
	editing   map[string]struct{}
}

// NewSession returns a session for an authenticated connection.
func NewSession(id, userID string, send Sender) *Session {
	return &Session{ID: id, UserID: userID, send: send, editing: make(map[string]struct{})}
}

// Workspace returns the joined workspace or "".
func (s *Session) Workspace() string { return s.workspace }

// Coordinator owns the dedup cache, presence registry and room hub shared
// by every connection.
type Coordinator struct {
	moves    Mover
	roles    RoleResolver
	dedup    *DedupCache
	presence *Registry
	hub      *Hub
	status   *StatusSender
	log      *log.Logger
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithRoles enables role checks on join and move.
func WithRoles(r RoleResolver) Option { return func(c *Coordinator) { c.roles = r } }

// WithStatus enables best-effort user status updates on join and leave.
func WithStatus(s *StatusSender) Option { return func(c *Coordinator) { c.status = s } }

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option { return func(c *Coordinator) { c.log = l } }

// WithRegistry replaces the presence registry.
func WithRegistry(r *Registry) Option { return func(c *Coordinator) { c.presence = r } }

// NewCoordinator wires the protocol handler.
func NewCoordinator(moves Mover, dedup *DedupCache, hub *Hub, opts ...Option) *Coordinator {
	c := &Coordinator{
		moves:    moves,
		dedup:    dedup,
		hub:      hub,
		presence: NewRegistry(),
		log:      log.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Presence exposes the registry.
func (c *Coordinator) Presence() *Registry { return c.presence }

// Handle processes one inbound frame. Every request gets an answer: a
// move is either accepted or rejected, anything unparseable gets an error
// frame.
func (c *Coordinator) Handle(ctx context.Context, s *Session, raw []byte) {
	msg, err := DecodeInbound(raw)
	if err != nil {
		c.decodeFailed(s, err)
		return
	}
	switch m := msg.(type) {
	case *JoinWorkspace:
		c.join(ctx, s, m)
	case *LeaveWorkspace:
		if m.WorkspaceID != "" && m.WorkspaceID != s.workspace {
			c.sendError(s, domain.Validation("not joined to workspace %s", m.WorkspaceID))
			return
		}
		c.leave(ctx, s)
	case *MoveRequest:
		c.move(ctx, s, m)
	case *EditingStart:
		c.editing(ctx, s, m.EditingMarker, true)
	case *EditingStop:
		c.editing(ctx, s, m.EditingMarker, false)
	}
}

// Disconnect cleans up after a closed connection.
func (c *Coordinator) Disconnect(ctx context.Context, s *Session) {
	c.leave(ctx, s)
}

func (c *Coordinator) decodeFailed(s *Session, err error) {
	var derr *DecodeError
	if errors.As(err, &derr) && derr.Event == EventMoveRequest {
		c.send(s, EventMoveRejected, MoveRejected{
			OperationID: derr.OperationID,
			Reason:      domain.CodeValidation,
			Message:     "invalid move request",
		})
		return
	}
	c.log.WithError(err).WithField("connection", s.ID).Debug("unreadable frame")
	c.sendError(s, domain.Validation("%s", err.Error()))
}

func (c *Coordinator) join(ctx context.Context, s *Session, m *JoinWorkspace) {
	if err := m.validate(); err != nil {
		c.sendError(s, err)
		return
	}
	userID := m.UserID
	if s.UserID != "" {
		uid := s.UserID
		userID = &uid
	}
	if c.roles != nil {
		if _, err := c.roles.Role(ctx, m.WorkspaceID, deref(userID)); err != nil {
			c.sendError(s, err)
			return
		}
	}

	previous, left := c.presence.Join(m.WorkspaceID, s.ID, m.Username, userID)
	if left != nil {
		c.departed(ctx, s, previous, *left)
	}
	c.hub.Attach(m.WorkspaceID, s.ID, s.send)
	s.workspace, s.username, s.presentAs = m.WorkspaceID, m.Username, userID

	c.roster(m.WorkspaceID)
	c.deliver(m.WorkspaceID, s.ID, EventUserJoined, UserPresence{Username: m.Username, UserID: userID, WorkspaceID: m.WorkspaceID})
	c.status.Submit(deref(userID), domain.StatusActive)
	c.log.WithFields(log.Fields{"connection": s.ID, "workspace": m.WorkspaceID}).Debug("joined workspace")
}

func (c *Coordinator) leave(ctx context.Context, s *Session) {
	if s.workspace == "" {
		return
	}
	ws := s.workspace
	p, ok := c.presence.Leave(ws, s.ID)
	if !ok {
		p = domain.Presence{ConnectionID: s.ID, Username: s.username, UserID: s.presentAs}
	}
	c.departed(ctx, s, ws, p)
	s.workspace, s.username, s.presentAs = "", "", nil
	if uid := deref(p.UserID); uid != "" && !c.presence.Connected(uid) {
		c.status.Submit(uid, domain.StatusOffline)
	}
	c.log.WithFields(log.Fields{"connection": s.ID, "workspace": ws}).Debug("left workspace")
}

// departed announces that s is no longer in ws: its editing markers are
// cleared, the roster is refreshed and peers are told.
func (c *Coordinator) departed(ctx context.Context, s *Session, ws string, p domain.Presence) {
	for cardID := range s.editing {
		c.broadcast(ctx, ws, s.ID, EventEditingStopped, EditingMarker{CardID: cardID, Username: p.Username, WorkspaceID: ws})
		delete(s.editing, cardID)
	}
	c.hub.Detach(ws, s.ID)
	c.roster(ws)
	c.deliver(ws, s.ID, EventUserLeft, UserPresence{Username: p.Username, UserID: p.UserID, WorkspaceID: ws})
}

func (c *Coordinator) move(ctx context.Context, s *Session, m *MoveRequest) {
	if err := m.validate(); err != nil {
		c.reject(s, m.OperationID, err)
		return
	}
	if m.WorkspaceID != s.workspace {
		c.reject(s, m.OperationID, domain.Validation("join workspace %s before moving its cards", m.WorkspaceID))
		return
	}
	if err := c.authorize(ctx, m.WorkspaceID, deref(s.presentAs)); err != nil {
		c.reject(s, m.OperationID, err)
		return
	}
	if reply, ok := c.dedup.Lookup(m.OperationID); ok {
		c.log.WithFields(log.Fields{"operation": m.OperationID, "card": reply.CardID}).Debug("replaying move")
		c.send(s, EventMoveAccepted, reply)
		return
	}

	// The write outlives the socket: a disconnect does not cancel it.
	mctx := context.WithoutCancel(ctx)
	performedBy := deref(s.presentAs)
	if performedBy == "" {
		performedBy = s.username
	}
	res, err := c.moves.MoveRealtime(mctx, cards.Scope{WorkspaceID: m.WorkspaceID, PerformedBy: performedBy}, cards.RealtimeMoveInput{
		CardID:          m.CardID,
		TargetListID:    m.TargetListID,
		BeforeCardID:    deref(m.BeforeCardID),
		AfterCardID:     deref(m.AfterCardID),
		ExpectedVersion: *m.ExpectedVersion,
	})
	if err != nil {
		c.reject(s, m.OperationID, err)
		return
	}
	reply := MoveAccepted{
		OperationID: m.OperationID,
		CardID:      res.CardID,
		ListID:      res.ListID,
		Order:       res.Order,
		Version:     res.Version,
		UpdatedAt:   res.UpdatedAt,
	}
	c.dedup.Record(m.OperationID, reply)
	c.send(s, EventMoveAccepted, reply)
	c.broadcast(mctx, m.WorkspaceID, "", EventMoved, reply)
}

func (c *Coordinator) authorize(ctx context.Context, ws, userID string) error {
	if c.roles == nil {
		return nil
	}
	role, err := c.roles.Role(ctx, ws, userID)
	if err != nil {
		return err
	}
	if !role.CanWrite() {
		return domain.NewError(domain.CodeForbidden, "role %s cannot move cards", role)
	}
	return nil
}

func (c *Coordinator) editing(ctx context.Context, s *Session, m EditingMarker, start bool) {
	if err := m.validate(); err != nil {
		c.sendError(s, err)
		return
	}
	if m.WorkspaceID != s.workspace {
		c.sendError(s, domain.Validation("not joined to workspace %s", m.WorkspaceID))
		return
	}
	if m.Username == "" {
		m.Username = s.username
	}
	event := EventEditingStarted
	if start {
		s.editing[m.CardID] = struct{}{}
	} else {
		delete(s.editing, m.CardID)
		event = EventEditingStopped
	}
	c.broadcast(ctx, m.WorkspaceID, s.ID, event, m)
}

func (c *Coordinator) reject(s *Session, operationID string, err error) {
	code := domain.CodeOf(err)
	fields := log.Fields{"connection": s.ID, "operation": operationID, "reason": code}
	if code == domain.CodeInternal {
		c.log.WithFields(fields).WithError(err).Error("move failed")
	} else {
		c.log.WithFields(fields).Info("move rejected")
	}
	c.send(s, EventMoveRejected, MoveRejected{
		OperationID: operationID,
		Reason:      code,
		Message:     domain.PublicMessage(err),
		CurrentCard: domain.CurrentCard(err),
	})
}

func (c *Coordinator) roster(ws string) {
	users := c.presence.List(ws)
	if len(users) == 0 {
		return
	}
	c.deliver(ws, "", EventUsers, WorkspaceUsers{WorkspaceID: ws, Users: users})
}

func (c *Coordinator) sendError(s *Session, err error) {
	c.send(s, EventError, ErrorMessage{Reason: domain.CodeOf(err), Message: domain.PublicMessage(err)})
}

func (c *Coordinator) send(s *Session, event string, data any) {
	frame, err := Encode(event, data)
	if err != nil {
		c.log.WithError(err).Error("encode frame")
		return
	}
	s.send.Send(frame)
}

// deliver reaches local room members only. Presence is per instance so
// rosters are not relayed.
func (c *Coordinator) deliver(ws, exclude, event string, data any) {
	frame, err := Encode(event, data)
	if err != nil {
		c.log.WithError(err).Error("encode frame")
		return
	}
	c.hub.Deliver(ws, exclude, frame)
}

func (c *Coordinator) broadcast(ctx context.Context, ws, exclude, event string, data any) {
	frame, err := Encode(event, data)
	if err != nil {
		c.log.WithError(err).Error("encode frame")
		return
	}
	c.hub.Broadcast(ctx, ws, exclude, frame)
}
