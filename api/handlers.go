// Package api exposes the card service over HTTP and upgrades realtime
// connections.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"board-api/cards"
	"board-api/domain"
)

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, deps Deps, logger *log.Logger) {
	if logger == nil {
		panic("Logger is not initialized")
	}
	if deps.Upgrader == nil {
		deps.Upgrader = &websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	}
	h := &handlers{deps: deps, log: logger}

	e.GET("/healthz", healthz)
	e.GET("/api/lists/:listId/cards", h.instrument("/api/lists/:listId/cards", false, h.listCards))
	e.POST("/api/cards", h.instrument("/api/cards", true, h.createCard))
	e.PUT("/api/cards/move", h.instrument("/api/cards/move", true, h.moveCard))
	e.PUT("/api/cards/:id", h.instrument("/api/cards/:id", true, h.updateCard))
	e.DELETE("/api/cards/:id", h.instrument("/api/cards/:id", true, h.deleteCard))
	e.POST("/api/cards/:id/background-upload", h.instrument("/api/cards/:id/background-upload", true, h.backgroundUpload))
	e.GET("/api/audit", h.instrument("/api/audit", false, h.listAudit))
	if deps.Realtime != nil {
		e.GET("/ws", h.serveWS)
	}
}

type handlers struct {
	deps Deps
	log  *log.Logger
}

// call carries what instrument resolved for a request.
type call struct {
	ctx     context.Context
	metrics *requestMetrics
	scope   cards.Scope
}

type routeFunc func(c echo.Context, rc *call) error

func healthz(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

// instrument authenticates the caller, resolves the workspace and its role
// and records request metrics around fn.
func (h *handlers) instrument(route string, write bool, fn routeFunc) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, ctx := newRequestMetrics(c.Request().Context(), h.log, route)
		c.SetRequest(c.Request().WithContext(ctx))
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		userID, authErr := h.deps.Auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			return c.JSON(http.StatusUnauthorized, errorResponse{Message: authErr.Error()})
		}

		workspaceID := workspaceFrom(c)
		if workspaceID == "" {
			metrics.SetErrorStage("workspace")
			return c.JSON(http.StatusBadRequest, errorResponse{Message: "workspaceId is required", Reason: domain.CodeValidation})
		}
		metrics.SetWorkspace(workspaceID)

		if roleErr := h.authorize(ctx, workspaceID, userID, write); roleErr != nil {
			metrics.SetErrorStage("authorize")
			return h.fail(c, roleErr)
		}
		return fn(c, &call{ctx: ctx, metrics: metrics, scope: cards.Scope{WorkspaceID: workspaceID, PerformedBy: userID}})
	}
}

func (h *handlers) authorize(ctx context.Context, workspaceID, userID string, write bool) error {
	if h.deps.Roles == nil {
		return nil
	}
	role, err := h.deps.Roles.Role(ctx, workspaceID, userID)
	if err != nil {
		return err
	}
	if write && !role.CanWrite() {
		return domain.NewError(domain.CodeForbidden, "role %s cannot modify cards", role)
	}
	return nil
}

func (h *handlers) listCards(c echo.Context, rc *call) error {
	start := time.Now()
	out, err := h.deps.Cards.List(rc.ctx, rc.scope, c.Param("listId"))
	rc.metrics.ObserveService(time.Since(start))
	if err != nil {
		rc.metrics.SetErrorStage("service")
		return h.fail(c, err)
	}
	if out == nil {
		out = []domain.Card{}
	}
	rc.metrics.SetCardsReturned(len(out))
	return h.respond(c, rc, http.StatusOK, out)
}

func (h *handlers) createCard(c echo.Context, rc *call) error {
	var req createCardRequest
	if err := decodeBody(c, &req); err != nil {
		rc.metrics.SetErrorStage("decode")
		return h.fail(c, err)
	}
	start := time.Now()
	card, err := h.deps.Cards.Create(rc.ctx, rc.scope, cards.CreateInput{ListID: req.ListID, Title: req.Title, Task: req.Task})
	rc.metrics.ObserveService(time.Since(start))
	if err != nil {
		rc.metrics.SetErrorStage("service")
		return h.fail(c, err)
	}
	return h.respond(c, rc, http.StatusCreated, card)
}

func (h *handlers) moveCard(c echo.Context, rc *call) error {
	var req moveCardRequest
	if err := decodeBody(c, &req); err != nil {
		rc.metrics.SetErrorStage("decode")
		return h.fail(c, err)
	}
	start := time.Now()
	card, err := h.deps.Cards.Move(rc.ctx, rc.scope, cards.MoveInput{
		CardID:    req.CardID,
		ListID:    req.ListID,
		PrevOrder: req.PrevOrder,
		NextOrder: req.NextOrder,
	})
	rc.metrics.ObserveService(time.Since(start))
	if err != nil {
		rc.metrics.SetErrorStage("service")
		return h.fail(c, err)
	}
	return h.respond(c, rc, http.StatusOK, card)
}

func (h *handlers) updateCard(c echo.Context, rc *call) error {
	var req updateCardRequest
	if err := decodeBody(c, &req); err != nil {
		rc.metrics.SetErrorStage("decode")
		return h.fail(c, err)
	}
	start := time.Now()
	card, err := h.deps.Cards.Update(rc.ctx, rc.scope, c.Param("id"), req.input())
	rc.metrics.ObserveService(time.Since(start))
	if err != nil {
		rc.metrics.SetErrorStage("service")
		return h.fail(c, err)
	}
	return h.respond(c, rc, http.StatusOK, card)
}

func (h *handlers) deleteCard(c echo.Context, rc *call) error {
	start := time.Now()
	card, err := h.deps.Cards.Delete(rc.ctx, rc.scope, c.Param("id"))
	rc.metrics.ObserveService(time.Since(start))
	if err != nil {
		rc.metrics.SetErrorStage("service")
		return h.fail(c, err)
	}
	return h.respond(c, rc, http.StatusOK, deleteResponse{ID: card.ID})
}

func (h *handlers) listAudit(c echo.Context, rc *call) error {
	limit, err := intQuery(c, "limit")
	if err == nil && limit == 0 && c.QueryParam("limit") != "" {
		err = domain.Validation("limit must be between 1 and %d", cards.MaxAuditLimit)
	}
	if err != nil {
		rc.metrics.SetErrorStage("invalid_limit")
		return h.fail(c, err)
	}
	offset, err := intQuery(c, "offset")
	if err != nil {
		rc.metrics.SetErrorStage("invalid_offset")
		return h.fail(c, err)
	}
	start := time.Now()
	records, err := h.deps.Cards.ListAudit(rc.ctx, rc.scope, limit, offset)
	rc.metrics.ObserveService(time.Since(start))
	if errors.Is(err, cards.ErrAuditUnsupported) {
		rc.metrics.SetErrorStage("unsupported")
		return c.JSON(http.StatusNotImplemented, errorResponse{Message: err.Error()})
	}
	if err != nil {
		rc.metrics.SetErrorStage("service")
		return h.fail(c, err)
	}
	if records == nil {
		records = []domain.AuditRecord{}
	}
	return h.respond(c, rc, http.StatusOK, records)
}

func (h *handlers) backgroundUpload(c echo.Context, rc *call) error {
	if h.deps.Uploads == nil {
		rc.metrics.SetErrorStage("unsupported")
		return c.JSON(http.StatusNotImplemented, errorResponse{Message: "image uploads are not configured"})
	}
	cardID := strings.TrimSpace(c.Param("id"))
	if cardID == "" {
		return h.fail(c, domain.Validation("card id is required"))
	}
	start := time.Now()
	if _, err := h.deps.Cards.Get(rc.ctx, rc.scope, cardID); err != nil {
		rc.metrics.ObserveService(time.Since(start))
		rc.metrics.SetErrorStage("service")
		return h.fail(c, err)
	}
	key, url, err := h.deps.Uploads.PresignBackgroundUpload(rc.ctx, rc.scope.WorkspaceID, cardID)
	rc.metrics.ObserveService(time.Since(start))
	if err != nil {
		rc.metrics.SetErrorStage("presign")
		return h.fail(c, domain.Internal(err))
	}
	return h.respond(c, rc, http.StatusOK, uploadResponse{Key: key, URL: url})
}

func (h *handlers) serveWS(c echo.Context) error {
	req := c.Request()
	header := wsAuthHeader(req.Header.Get(echo.HeaderAuthorization), c.QueryParam("token"))
	userID, err := h.deps.Auth.UserIDFromAuthHeader(header)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, errorResponse{Message: err.Error()})
	}
	conn, err := h.deps.Upgrader.Upgrade(c.Response(), req, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return nil
	}
	h.deps.Realtime.Serve(req.Context(), conn, userID)
	return nil
}

func (h *handlers) respond(c echo.Context, rc *call, status int, body any) error {
	start := time.Now()
	err := c.JSON(status, body)
	rc.metrics.ObserveEncode(time.Since(start))
	if err != nil {
		rc.metrics.SetErrorStage("encode_response")
	}
	return err
}

// fail writes err using the status its code maps to. Internal details are
// logged, never returned.
func (h *handlers) fail(c echo.Context, err error) error {
	code := domain.CodeOf(err)
	status := statusFor(code)
	if status == http.StatusInternalServerError {
		h.log.WithError(err).WithField("path", c.Path()).Error("request failed")
	}
	return c.JSON(status, errorResponse{
		Message:     domain.PublicMessage(err),
		Reason:      code,
		CurrentCard: domain.CurrentCard(err),
	})
}

func statusFor(code domain.ErrorCode) int {
	switch {
	case domain.IsValidationClass(code):
		return http.StatusBadRequest
	case code == domain.CodeNotFound:
		return http.StatusNotFound
	case code == domain.CodeConflict:
		return http.StatusConflict
	case code == domain.CodeForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(c echo.Context, v any) error {
	dec := sonic.ConfigStd.NewDecoder(io.LimitReader(c.Request().Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domain.Validation("invalid body")
	}
	return nil
}

func workspaceFrom(c echo.Context) string {
	if ws := strings.TrimSpace(c.QueryParam("workspaceId")); ws != "" {
		return ws
	}
	return strings.TrimSpace(c.Request().Header.Get(headerWorkspaceID))
}

func intQuery(c echo.Context, name string) (int, error) {
	raw := strings.TrimSpace(c.QueryParam(name))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, domain.Validation("%s must be an integer", name)
	}
	return n, nil
}
