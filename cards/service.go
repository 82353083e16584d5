// Package cards applies card mutations under optimistic concurrency control.
package cards

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"board-api/domain"
	"board-api/rank"
)

const (
	tracerName = "board-api/cards"

	DefaultAuditLimit = 100
	MaxAuditLimit     = 500
)

// ErrAuditUnsupported is returned by ListAudit when the sink cannot be read.
var ErrAuditUnsupported = errors.New("audit sink does not support listing")

// Scope identifies the workspace a call runs in and who performs it.
type Scope struct {
	WorkspaceID string
	PerformedBy string
}

// CreateInput holds the fields of a new card.
type CreateInput struct {
	ListID string
	Title  string
	Task   string
}

// MoveInput positions a card by the ranks of its new neighbours. Empty
// orders mean "no neighbour on that side".
type MoveInput struct {
	CardID    string
	ListID    string
	PrevOrder string
	NextOrder string
}

// RealtimeMoveInput positions a card by neighbour ids. BeforeCardID is the
// card that ends up directly above, AfterCardID the one directly below.
type RealtimeMoveInput struct {
	CardID          string
	TargetListID    string
	BeforeCardID    string
	AfterCardID     string
	ExpectedVersion int64
}

// Service implements list, create, update, delete and move for cards.
type Service struct {
	store       Store
	audit       AuditSink
	log         *log.Logger
	tracer      trace.Tracer
	now         func() time.Time
	newID       func() string
	moveRetries int
}

// Option customises a Service.
type Option func(*Service)

// WithLogger sets the logger used for mutation traces.
func WithLogger(l *log.Logger) Option { return func(s *Service) { s.log = l } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithIDs overrides id generation for new cards and audit records.
func WithIDs(newID func() string) Option { return func(s *Service) { s.newID = newID } }

// WithMoveRetries bounds the extra conditional writes MoveRealtime attempts
// when a write loses a race but the stored version did not advance.
func WithMoveRetries(n int) Option {
	return func(s *Service) {
		if n >= 0 {
			s.moveRetries = n
		}
	}
}

// New returns a Service backed by store that reports to audit.
func New(store Store, audit AuditSink, opts ...Option) *Service {
	s := &Service{
		store:       store,
		audit:       audit,
		log:         log.StandardLogger(),
		tracer:      otel.Tracer(tracerName),
		now:         func() time.Time { return time.Now().UTC() },
		newID:       uuid.NewString,
		moveRetries: 1,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// List returns the cards of a list in display order.
func (s *Service) List(ctx context.Context, sc Scope, listID string) (_ []domain.Card, err error) {
	ctx, span := s.start(ctx, "cards.List", sc, attribute.String("card.list_id", listID))
	defer func() { finish(span, err) }()

	if err := requireScope(sc); err != nil {
		return nil, err
	}
	if strings.TrimSpace(listID) == "" {
		return nil, domain.Validation("listId is required")
	}
	out, err := s.store.ListCards(ctx, sc.WorkspaceID, listID)
	if err != nil {
		return nil, s.internal(err, "list cards", log.Fields{"workspace": sc.WorkspaceID, "list": listID})
	}
	return out, nil
}

// Get returns one card of the workspace.
func (s *Service) Get(ctx context.Context, sc Scope, id string) (_ *domain.Card, err error) {
	ctx, span := s.start(ctx, "cards.Get", sc, attribute.String("card.id", id))
	defer func() { finish(span, err) }()

	if err := requireScope(sc); err != nil {
		return nil, err
	}
	return s.get(ctx, sc, id)
}

// Create appends a new card at the end of its list with version 0.
func (s *Service) Create(ctx context.Context, sc Scope, in CreateInput) (_ *domain.Card, err error) {
	ctx, span := s.start(ctx, "cards.Create", sc, attribute.String("card.list_id", in.ListID))
	defer func() { finish(span, err) }()

	if err := requireScope(sc); err != nil {
		return nil, err
	}
	listID := strings.TrimSpace(in.ListID)
	title := strings.TrimSpace(in.Title)
	task := strings.TrimSpace(in.Task)
	if listID == "" || title == "" || task == "" {
		return nil, domain.Validation("listId, title and task are required")
	}

	last, err := s.store.LastCard(ctx, sc.WorkspaceID, listID)
	if err != nil {
		return nil, s.internal(err, "read last card", log.Fields{"workspace": sc.WorkspaceID, "list": listID})
	}
	order := rank.Middle()
	if last != nil {
		if order, err = rank.Next(last.Order); err != nil {
			return nil, s.internal(err, "rank after last card", log.Fields{"card": last.ID, "order": last.Order})
		}
	}

	now := s.now()
	card := domain.Card{
		ID:          s.newID(),
		WorkspaceID: sc.WorkspaceID,
		ListID:      listID,
		Title:       title,
		Task:        task,
		Order:       order,
		Version:     0,
		Labels:      []domain.Label{},
		Style:       domain.Style{BackgroundType: domain.BackgroundDefault},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.InsertCard(ctx, card); err != nil {
		return nil, s.internal(err, "insert card", log.Fields{"card": card.ID})
	}
	if err := s.record(ctx, sc, domain.AuditCreate, fmt.Sprintf("card %q created in list %s", card.Title, card.ListID)); err != nil {
		return nil, err
	}
	s.log.WithFields(log.Fields{"card": card.ID, "list": listID, "order": order}).Debug("card created")
	return &card, nil
}

// Update applies a partial change when the caller's expected version is
// still the stored one. A stale version fails with a conflict carrying the
// live card.
func (s *Service) Update(ctx context.Context, sc Scope, id string, in UpdateInput) (_ *domain.Card, err error) {
	ctx, span := s.start(ctx, "cards.Update", sc, attribute.String("card.id", id))
	defer func() { finish(span, err) }()

	if err := requireScope(sc); err != nil {
		return nil, err
	}
	patch, err := in.toPatch()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(id) == "" {
		return nil, domain.Validation("card id is required")
	}
	patch.UpdatedAt = s.now()

	expected := *in.ExpectedVersion
	updated, err := s.store.UpdateCardIfVersion(ctx, sc.WorkspaceID, id, expected, patch)
	if err != nil {
		if !errors.Is(err, domain.ErrVersionMismatch) {
			return nil, s.storeErr(err, "update card", id)
		}
		return nil, s.conflict(ctx, sc, id, expected)
	}
	if err := s.record(ctx, sc, domain.AuditUpdate, fmt.Sprintf("card %q updated", updated.Title)); err != nil {
		return nil, err
	}
	s.log.WithFields(log.Fields{"card": id, "version": updated.Version}).Debug("card updated")
	return updated, nil
}

// Delete removes a card and returns its last state.
func (s *Service) Delete(ctx context.Context, sc Scope, id string) (_ *domain.Card, err error) {
	ctx, span := s.start(ctx, "cards.Delete", sc, attribute.String("card.id", id))
	defer func() { finish(span, err) }()

	if err := requireScope(sc); err != nil {
		return nil, err
	}
	if strings.TrimSpace(id) == "" {
		return nil, domain.Validation("card id is required")
	}
	deleted, err := s.store.DeleteCard(ctx, sc.WorkspaceID, id)
	if err != nil {
		return nil, s.storeErr(err, "delete card", id)
	}
	if err := s.record(ctx, sc, domain.AuditDelete, fmt.Sprintf("card %q deleted from list %s", deleted.Title, deleted.ListID)); err != nil {
		return nil, err
	}
	s.log.WithField("card", id).Debug("card deleted")
	return deleted, nil
}

// Move relocates a card by neighbour ranks without a version check.
func (s *Service) Move(ctx context.Context, sc Scope, in MoveInput) (_ *domain.Card, err error) {
	ctx, span := s.start(ctx, "cards.Move", sc, attribute.String("card.id", in.CardID))
	defer func() { finish(span, err) }()

	if err := requireScope(sc); err != nil {
		return nil, err
	}
	if in.CardID == "" || in.ListID == "" {
		return nil, domain.Validation("cardId and listId are required")
	}
	before, err := s.get(ctx, sc, in.CardID)
	if err != nil {
		return nil, err
	}

	var order string
	switch {
	case in.PrevOrder == "" && in.NextOrder == "":
		occupied, err := s.store.HasOtherCards(ctx, sc.WorkspaceID, in.ListID, in.CardID)
		if err != nil {
			return nil, s.internal(err, "check destination list", log.Fields{"list": in.ListID})
		}
		if occupied {
			return nil, domain.Validation("prevOrder or nextOrder is required when the destination list is not empty")
		}
		order = rank.Middle()
	case in.PrevOrder == "":
		order, err = rank.Previous(in.NextOrder)
	case in.NextOrder == "":
		order, err = rank.Next(in.PrevOrder)
	default:
		order, err = rank.Between(in.PrevOrder, in.NextOrder)
	}
	if err != nil {
		return nil, domain.Validation("invalid neighbour orders: %v", err)
	}

	listID := in.ListID
	updated, err := s.store.UpdateCard(ctx, sc.WorkspaceID, in.CardID, domain.CardPatch{ListID: &listID, Order: &order, UpdatedAt: s.now()})
	if err != nil {
		return nil, s.storeErr(err, "move card", in.CardID)
	}
	if err := s.record(ctx, sc, domain.AuditMove, fmt.Sprintf("card %q moved to %s", before.Title, listID)); err != nil {
		return nil, err
	}
	return updated, nil
}

// MoveRealtime relocates a card between neighbour cards with a
// version-gated write. When the write loses but the stored version still
// equals ExpectedVersion, the same conditional write is retried up to the
// configured bound. Any advanced version is reported as a conflict.
func (s *Service) MoveRealtime(ctx context.Context, sc Scope, in RealtimeMoveInput) (_ *domain.MoveResult, err error) {
	ctx, span := s.start(ctx, "cards.MoveRealtime", sc,
		attribute.String("card.id", in.CardID),
		attribute.String("card.list_id", in.TargetListID),
		attribute.Int64("card.expected_version", in.ExpectedVersion),
	)
	defer func() { finish(span, err) }()

	if err := requireScope(sc); err != nil {
		return nil, err
	}
	if in.CardID == "" || in.TargetListID == "" {
		return nil, domain.Validation("cardId and targetListId are required")
	}
	if in.ExpectedVersion < 0 {
		return nil, domain.Validation("expectedVersion must be a non-negative integer")
	}
	card, err := s.get(ctx, sc, in.CardID)
	if err != nil {
		return nil, err
	}
	if in.BeforeCardID != "" && in.BeforeCardID == in.AfterCardID {
		return nil, domain.NewError(domain.CodeInvalidNeighbors, "beforeCardId and afterCardId must differ")
	}
	if in.BeforeCardID == in.CardID || in.AfterCardID == in.CardID {
		return nil, domain.NewError(domain.CodeInvalidNeighbor, "a card cannot be its own neighbour")
	}

	order, err := s.neighbourRank(ctx, sc, in)
	if err != nil {
		return nil, err
	}

	listID := in.TargetListID
	patch := domain.CardPatch{ListID: &listID, Order: &order, UpdatedAt: s.now()}
	fields := log.Fields{"card": in.CardID, "expected": in.ExpectedVersion, "list": listID}

	var updated *domain.Card
	for attempt := 0; ; attempt++ {
		updated, err = s.store.UpdateCardIfVersion(ctx, sc.WorkspaceID, in.CardID, in.ExpectedVersion, patch)
		if err == nil {
			break
		}
		if !errors.Is(err, domain.ErrVersionMismatch) {
			return nil, s.storeErr(err, "move card", in.CardID)
		}
		fresh, getErr := s.get(ctx, sc, in.CardID)
		if getErr != nil {
			return nil, getErr
		}
		if fresh.Version != in.ExpectedVersion || attempt >= s.moveRetries {
			s.log.WithFields(fields).WithField("current", fresh.Version).Info("realtime move conflict")
			return nil, domain.Conflict(fresh.Snapshot())
		}
		s.log.WithFields(fields).WithField("attempt", attempt+1).Info("retrying realtime move")
	}

	if err := s.record(ctx, sc, domain.AuditMove, fmt.Sprintf("card %q moved to %s", card.Title, listID)); err != nil {
		return nil, err
	}
	s.log.WithFields(fields).WithField("version", updated.Version).Debug("realtime move accepted")
	return &domain.MoveResult{
		CardID:    updated.ID,
		ListID:    updated.ListID,
		Order:     updated.Order,
		Version:   updated.Version,
		UpdatedAt: updated.UpdatedAt,
	}, nil
}

// ListAudit returns audit records of a workspace, newest first. A zero
// limit selects the default page size.
func (s *Service) ListAudit(ctx context.Context, sc Scope, limit, offset int) ([]domain.AuditRecord, error) {
	if err := requireScope(sc); err != nil {
		return nil, err
	}
	if limit == 0 {
		limit = DefaultAuditLimit
	}
	if limit < 1 || limit > MaxAuditLimit {
		return nil, domain.Validation("limit must be between 1 and %d", MaxAuditLimit)
	}
	if offset < 0 {
		return nil, domain.Validation("offset must be a non-negative integer")
	}
	lister, ok := s.audit.(AuditLister)
	if !ok {
		return nil, ErrAuditUnsupported
	}
	out, err := lister.ListAudit(ctx, sc.WorkspaceID, limit, offset)
	if err != nil {
		return nil, s.internal(err, "list audit", log.Fields{"workspace": sc.WorkspaceID})
	}
	return out, nil
}

func (s *Service) neighbourRank(ctx context.Context, sc Scope, in RealtimeMoveInput) (string, error) {
	switch {
	case in.BeforeCardID == "" && in.AfterCardID == "":
		occupied, err := s.store.HasOtherCards(ctx, sc.WorkspaceID, in.TargetListID, in.CardID)
		if err != nil {
			return "", s.internal(err, "check destination list", log.Fields{"list": in.TargetListID})
		}
		if occupied {
			return "", domain.NewError(domain.CodeMissingNeighbors, "beforeCardId or afterCardId is required when the destination list is not empty")
		}
		return rank.Middle(), nil
	case in.BeforeCardID == "":
		after, err := s.neighbour(ctx, sc, in.AfterCardID, in.TargetListID)
		if err != nil {
			return "", err
		}
		return s.rankOf(rank.Previous(after.Order))
	case in.AfterCardID == "":
		before, err := s.neighbour(ctx, sc, in.BeforeCardID, in.TargetListID)
		if err != nil {
			return "", err
		}
		return s.rankOf(rank.Next(before.Order))
	default:
		before, err := s.neighbour(ctx, sc, in.BeforeCardID, in.TargetListID)
		if err != nil {
			return "", err
		}
		after, err := s.neighbour(ctx, sc, in.AfterCardID, in.TargetListID)
		if err != nil {
			return "", err
		}
		order, err := rank.Between(before.Order, after.Order)
		if errors.Is(err, rank.ErrInvalidRange) {
			return "", domain.NewError(domain.CodeInvalidNeighbors, "beforeCardId must be ranked above afterCardId")
		}
		return s.rankOf(order, err)
	}
}

func (s *Service) rankOf(order string, err error) (string, error) {
	if err != nil {
		return "", s.internal(err, "compute rank", nil)
	}
	return order, nil
}

func (s *Service) neighbour(ctx context.Context, sc Scope, id, listID string) (*domain.Card, error) {
	c, err := s.store.GetCard(ctx, sc.WorkspaceID, id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.NewError(domain.CodeInvalidNeighbor, "neighbour card %s not found", id)
	}
	if err != nil {
		return nil, s.internal(err, "read neighbour", log.Fields{"card": id})
	}
	if c.ListID != listID {
		return nil, domain.NewError(domain.CodeInvalidNeighborList, "neighbour card %s is not in list %s", id, listID)
	}
	return c, nil
}

func (s *Service) get(ctx context.Context, sc Scope, id string) (*domain.Card, error) {
	if strings.TrimSpace(id) == "" {
		return nil, domain.Validation("card id is required")
	}
	c, err := s.store.GetCard(ctx, sc.WorkspaceID, id)
	if err != nil {
		return nil, s.storeErr(err, "read card", id)
	}
	return c, nil
}

func (s *Service) conflict(ctx context.Context, sc Scope, id string, expected int64) error {
	fresh, err := s.get(ctx, sc, id)
	if err != nil {
		return err
	}
	s.log.WithFields(log.Fields{"card": id, "expected": expected, "current": fresh.Version}).Info("card update conflict")
	return domain.Conflict(fresh.Snapshot())
}

func (s *Service) record(ctx context.Context, sc Scope, action domain.AuditAction, details string) error {
	rec := domain.AuditRecord{
		ID:          s.newID(),
		Action:      action,
		Details:     details,
		PerformedBy: sc.PerformedBy,
		WorkspaceID: sc.WorkspaceID,
		Timestamp:   s.now(),
	}
	if err := s.audit.AppendAudit(ctx, rec); err != nil {
		return s.internal(err, "append audit", log.Fields{"action": action})
	}
	return nil
}

func (s *Service) storeErr(err error, op, id string) error {
	if errors.Is(err, domain.ErrNotFound) {
		return domain.NewError(domain.CodeNotFound, "card not found")
	}
	return s.internal(err, op, log.Fields{"card": id})
}

func (s *Service) internal(err error, op string, fields log.Fields) error {
	s.log.WithFields(fields).WithError(err).Error(op)
	return domain.Internal(fmt.Errorf("%s: %w", op, err))
}

func (s *Service) start(ctx context.Context, name string, sc Scope, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("workspace.id", sc.WorkspaceID))
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(domain.CodeOf(err)))
	}
	span.End()
}

func requireScope(sc Scope) error {
	if strings.TrimSpace(sc.WorkspaceID) == "" {
		return domain.Validation("workspaceId is required")
	}
	return nil
}
