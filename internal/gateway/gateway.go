// Package gateway реализует WebSocket-шлюз сессий сервиса partnerlink.
//
// Подключение аутентифицируется один раз при рукопожатии с ограниченным
// таймаутом; без валидного удостоверения в заголовке или query-параметре
// соединение отклоняется. Разрешённая личность живёт столько же, сколько
// соединение, и подставляется в каждое действие.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"partnerlink/internal/event"
	"partnerlink/internal/middleware"
	"partnerlink/internal/model"
	"partnerlink/internal/repository"
	"partnerlink/internal/service"
	"partnerlink/internal/validation"
)

// Имена клиентских действий.
const (
	ActionSend           = "chat.send"
	ActionPropose        = "chat.propose"
	ActionProposalAccept = "chat.proposal.accept"
	ActionProposalReject = "chat.proposal.reject"
	ActionProposalStatus = "chat.proposal.status"
	ActionRequestAccept  = "chat.request.accept"
	ActionRequestReject  = "chat.request.reject"
	ActionJoin           = "chat.join"
	ActionLeave          = "chat.leave"
	ActionRead           = "chat.read"
)

// Engine описывает операции переговоров, доступные по WebSocket.
type Engine interface {
	AcceptRequest(ctx context.Context, roomID string, actorID int64) (*model.Room, error)
	RejectRequest(ctx context.Context, roomID string, actorID int64, reason string) (*model.Room, error)
	SendText(ctx context.Context, roomID string, senderID int64, text string) (*model.Message, error)
	Propose(ctx context.Context, roomID string, proposerID int64, terms model.ProposalTerms) (*model.CouponTemplate, error)
	AcceptProposal(ctx context.Context, templateID, accepterID int64) (*repository.AcceptResult, error)
	RejectProposal(ctx context.Context, templateID, rejecterID int64, reason string) (*model.CouponTemplate, error)
	GetRoom(ctx context.Context, roomID string, actorID int64) (*model.Room, error)
	MarkDelivered(ctx context.Context, roomID string, readerID int64) error
	MarkRead(ctx context.Context, roomID string, readerID int64) error
}

// Gateway принимает WebSocket-подключения и доставляет им события шины.
type Gateway struct {
	engine           Engine
	auth             *middleware.Authenticator
	hub              *Hub
	logger           *zap.Logger
	validate         *validator.Validate
	handshakeTimeout time.Duration
	upgrader         websocket.Upgrader
}

// NewGateway создаёт шлюз сессий.
func NewGateway(engine Engine, auth *middleware.Authenticator, hub *Hub, handshakeTimeout time.Duration, logger *zap.Logger) *Gateway {
	if handshakeTimeout <= 0 {
		handshakeTimeout = 5 * time.Second
	}

	return &Gateway{
		engine:           engine,
		auth:             auth,
		hub:              hub,
		logger:           logger,
		validate:         validator.New(),
		handshakeTimeout: handshakeTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// HandleConnection обслуживает рукопожатие WebSocket. Аутентификация
// выполняется до апгрейда с ограниченным таймаутом; неудача фатальна
// только для этой попытки подключения.
func (g *Gateway) HandleConnection(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), g.handshakeTimeout)
	defer cancel()

	id, err := g.auth.ResolveIdentity(ctx, middleware.TokenFromRequest(r))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade", zap.Error(err))
		return
	}

	// Контекст запроса умирает вместе с обработчиком рукопожатия, поэтому
	// сессия получает собственный, отменяемый при снятии подключения.
	connCtx, connCancel := context.WithCancel(context.Background())

	client := &Client{
		gw:      g,
		conn:    conn,
		send:    make(chan []byte, 256),
		ctx:     connCtx,
		cancel:  connCancel,
		partyID: id.PartyID,
		role:    id.Role,
		rooms:   make(map[string]bool),
	}

	g.hub.register <- client

	go client.readPump()
	go client.writePump()
}

// Dispatch доставляет событие шины локальным подписчикам комнаты.
// Передаётся подписке FanoutBus при старте экземпляра.
func (g *Gateway) Dispatch(ev event.Envelope) {
	g.hub.Deliver(ev)
}

type actionFrame struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload"`
}

type roomPayload struct {
	RoomID string `json:"room_id" validate:"required"`
	Reason string `json:"reason"`
}

type sendPayload struct {
	RoomID  string `json:"room_id" validate:"required"`
	Content string `json:"content" validate:"required"`
}

type proposePayload struct {
	RoomID string              `json:"room_id" validate:"required"`
	Terms  model.ProposalTerms `json:"terms" validate:"required"`
}

type proposalDecisionPayload struct {
	TemplateID int64  `json:"template_id" validate:"required"`
	Status     string `json:"status"`
	Reason     string `json:"reason"`
}

// handleAction разбирает входящий кадр и выполняет действие от имени
// личности подключения. Ошибка уходит приватным ответом только инициатору;
// третьи стороны не получают событий по отклонённому действию.
func (g *Gateway) handleAction(c *Client, raw []byte) {
	if c.partyID == 0 {
		// Сессия без привязанной личности: ошибка уровня соединения, не тихий дроп.
		g.sendError(c, "", middleware.ErrInvalidCredential)
		c.conn.Close()
		return
	}

	var frame actionFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		g.sendError(c, "", errors.New("malformed action frame"))
		return
	}

	// Действия наследуют контекст подключения: закрытие сокета
	// останавливает и начатую от его имени работу.
	ctx := c.ctx

	var err error
	switch frame.Action {
	case ActionJoin:
		err = g.handleJoin(ctx, c, frame.Payload)
	case ActionLeave:
		var p roomPayload
		if err = g.decode(frame.Payload, &p); err == nil {
			c.leaveRoom(p.RoomID)
		}
	case ActionRead:
		var p roomPayload
		if err = g.decode(frame.Payload, &p); err == nil {
			err = g.engine.MarkRead(ctx, p.RoomID, c.partyID)
		}
	case ActionSend:
		var p sendPayload
		if err = g.decode(frame.Payload, &p); err == nil {
			_, err = g.engine.SendText(ctx, p.RoomID, c.partyID, p.Content)
		}
	case ActionPropose:
		var p proposePayload
		if err = g.decode(frame.Payload, &p); err == nil {
			_, err = g.engine.Propose(ctx, p.RoomID, c.partyID, p.Terms)
		}
	case ActionProposalAccept:
		var p proposalDecisionPayload
		if err = g.decode(frame.Payload, &p); err == nil {
			_, err = g.engine.AcceptProposal(ctx, p.TemplateID, c.partyID)
		}
	case ActionProposalReject:
		var p proposalDecisionPayload
		if err = g.decode(frame.Payload, &p); err == nil {
			_, err = g.engine.RejectProposal(ctx, p.TemplateID, c.partyID, p.Reason)
		}
	case ActionProposalStatus:
		err = g.handleProposalStatus(ctx, c, frame.Payload)
	case ActionRequestAccept:
		var p roomPayload
		if err = g.decode(frame.Payload, &p); err == nil {
			_, err = g.engine.AcceptRequest(ctx, p.RoomID, c.partyID)
		}
	case ActionRequestReject:
		var p roomPayload
		if err = g.decode(frame.Payload, &p); err == nil {
			_, err = g.engine.RejectRequest(ctx, p.RoomID, c.partyID, p.Reason)
		}
	default:
		err = errors.New("unknown action " + frame.Action)
	}

	if err != nil {
		g.sendError(c, frame.Action, err)
	}
}

// handleJoin подписывает подключение на комнату после проверки участия
// и помечает входящие сообщения доставленными.
func (g *Gateway) handleJoin(ctx context.Context, c *Client, payload json.RawMessage) error {
	var p roomPayload
	if err := g.decode(payload, &p); err != nil {
		return err
	}

	if _, err := g.engine.GetRoom(ctx, p.RoomID, c.partyID); err != nil {
		return err
	}

	c.joinRoom(p.RoomID)

	if err := g.engine.MarkDelivered(ctx, p.RoomID, c.partyID); err != nil {
		g.logger.Warn("mark delivered on join",
			zap.String("room", p.RoomID), zap.Int64("party", c.partyID), zap.Error(err))
	}
	return nil
}

// handleProposalStatus маршрутизирует статусное действие в принятие или
// отклонение по полю status.
func (g *Gateway) handleProposalStatus(ctx context.Context, c *Client, payload json.RawMessage) error {
	var p proposalDecisionPayload
	if err := g.decode(payload, &p); err != nil {
		return err
	}

	switch p.Status {
	case string(model.RoomStatusAccepted), "ACCEPT":
		_, err := g.engine.AcceptProposal(ctx, p.TemplateID, c.partyID)
		return err
	case string(model.RoomStatusRejected), "REJECT":
		_, err := g.engine.RejectProposal(ctx, p.TemplateID, c.partyID, p.Reason)
		return err
	default:
		return errors.New("unknown proposal status " + p.Status)
	}
}

func (g *Gateway) decode(raw json.RawMessage, dst any) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return errors.New("malformed payload")
	}
	if err := g.validate.Struct(dst); err != nil {
		return errors.Join(errors.New("invalid payload"), err)
	}
	return nil
}

type errorFrame struct {
	Type    string `json:"type"`
	Action  string `json:"action,omitempty"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// sendError отправляет структурированный отказ только инициатору действия.
func (g *Gateway) sendError(c *Client, action string, err error) {
	frame := errorFrame{
		Type:    "error",
		Action:  action,
		Kind:    errorKind(err),
		Message: err.Error(),
	}

	data, merr := json.Marshal(frame)
	if merr != nil {
		return
	}

	select {
	case c.send <- data:
	default:
	}
}

// errorKind сопоставляет ошибку с видом из таксономии протокола.
func errorKind(err error) string {
	switch {
	case errors.Is(err, repository.ErrRoomNotFound),
		errors.Is(err, repository.ErrTemplateNotFound),
		errors.Is(err, repository.ErrCouponNotFound):
		return "NOT_FOUND"
	case errors.Is(err, service.ErrForbidden):
		return "FORBIDDEN"
	case errors.Is(err, service.ErrInvalidParty):
		return "INVALID_PARTY"
	case errors.Is(err, repository.ErrDuplicateRoom):
		return "DUPLICATE_ROOM"
	case errors.Is(err, repository.ErrInvalidTransition),
		errors.Is(err, repository.ErrProposalPending):
		return "INVALID_TRANSITION"
	case errors.Is(err, repository.ErrOutOfStock):
		return "OUT_OF_STOCK"
	case errors.Is(err, repository.ErrTemplateNotAccepted):
		return "TEMPLATE_NOT_ACCEPTED"
	case errors.Is(err, repository.ErrSelfAcceptance):
		return "SELF_ACCEPTANCE"
	case errors.Is(err, validation.ErrInvalidTerms):
		return "INVALID_TERMS"
	case errors.Is(err, middleware.ErrInvalidCredential):
		return "INVALID_CREDENTIAL"
	default:
		return "BAD_REQUEST"
	}
}
