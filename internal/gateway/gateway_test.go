package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"partnerlink/internal/event"
	"partnerlink/internal/middleware"
	"partnerlink/internal/model"
	"partnerlink/internal/repository"
	"partnerlink/internal/service"
	"partnerlink/internal/validation"
)

// stubEngine записывает вызовы операций переговоров.
type stubEngine struct {
	getRoomErr error

	lastCtx         context.Context
	sentTexts       []string
	acceptedRooms   []string
	rejectedRooms   []string
	acceptedTpls    []int64
	rejectedTpls    []int64
	rejectReasons   []string
	markedDelivered []string
	markedRead      []string
}

func (s *stubEngine) AcceptRequest(_ context.Context, roomID string, _ int64) (*model.Room, error) {
	s.acceptedRooms = append(s.acceptedRooms, roomID)
	return &model.Room{ID: roomID, Status: model.RoomStatusInNegotiation}, nil
}

func (s *stubEngine) RejectRequest(_ context.Context, roomID string, _ int64, reason string) (*model.Room, error) {
	s.rejectedRooms = append(s.rejectedRooms, roomID)
	s.rejectReasons = append(s.rejectReasons, reason)
	return &model.Room{ID: roomID, Status: model.RoomStatusRejected}, nil
}

func (s *stubEngine) SendText(ctx context.Context, roomID string, senderID int64, text string) (*model.Message, error) {
	s.lastCtx = ctx
	s.sentTexts = append(s.sentTexts, text)
	return &model.Message{ID: 1, RoomID: roomID, SenderID: &senderID, Content: text}, nil
}

func (s *stubEngine) Propose(_ context.Context, roomID string, proposerID int64, _ model.ProposalTerms) (*model.CouponTemplate, error) {
	return &model.CouponTemplate{ID: 1, RoomID: roomID, ProposerID: proposerID}, nil
}

func (s *stubEngine) AcceptProposal(_ context.Context, templateID, _ int64) (*repository.AcceptResult, error) {
	s.acceptedTpls = append(s.acceptedTpls, templateID)
	return &repository.AcceptResult{
		Template: &model.CouponTemplate{ID: templateID},
		Room:     &model.Room{Status: model.RoomStatusAccepted},
	}, nil
}

func (s *stubEngine) RejectProposal(_ context.Context, templateID, _ int64, reason string) (*model.CouponTemplate, error) {
	s.rejectedTpls = append(s.rejectedTpls, templateID)
	s.rejectReasons = append(s.rejectReasons, reason)
	return &model.CouponTemplate{ID: templateID, Rejected: true}, nil
}

func (s *stubEngine) GetRoom(_ context.Context, roomID string, _ int64) (*model.Room, error) {
	if s.getRoomErr != nil {
		return nil, s.getRoomErr
	}
	return &model.Room{ID: roomID, Status: model.RoomStatusInNegotiation}, nil
}

func (s *stubEngine) MarkDelivered(_ context.Context, roomID string, _ int64) error {
	s.markedDelivered = append(s.markedDelivered, roomID)
	return nil
}

func (s *stubEngine) MarkRead(_ context.Context, roomID string, _ int64) error {
	s.markedRead = append(s.markedRead, roomID)
	return nil
}

func newTestGateway(engine Engine) (*Gateway, *Hub) {
	logger := zap.NewNop()
	hub := NewHub(logger)
	auth := middleware.NewAuthenticator("test-secret")
	return NewGateway(engine, auth, hub, time.Second, logger), hub
}

func newTestClient(gw *Gateway, partyID int64) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		gw:      gw,
		send:    make(chan []byte, 16),
		ctx:     ctx,
		cancel:  cancel,
		partyID: partyID,
		rooms:   make(map[string]bool),
	}
}

func frame(t *testing.T, action string, payload any) []byte {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	data, err := json.Marshal(actionFrame{Action: action, Payload: raw})
	require.NoError(t, err)
	return data
}

// readFrame достаёт следующий кадр из буфера подключения без блокировки.
func readFrame(t *testing.T, c *Client) map[string]any {
	t.Helper()
	select {
	case data := <-c.send:
		var decoded map[string]any
		require.NoError(t, json.Unmarshal(data, &decoded))
		return decoded
	default:
		t.Fatal("no frame queued for client")
		return nil
	}
}

func TestHubDeliver(t *testing.T) {
	gw, _ := newTestGateway(&stubEngine{})

	initiator := newTestClient(gw, 1)
	counterparty := newTestClient(gw, 2)
	outsider := newTestClient(gw, 3)

	initiator.joinRoom("room-1")
	counterparty.joinRoom("room-1")
	outsider.joinRoom("room-2")

	ev, err := event.New(event.TypeCouponProposal, "room-1", 1, event.ProposalPayload{TemplateID: 5, ProposerID: 1})
	require.NoError(t, err)
	gw.Dispatch(ev)

	// Инициатор получает эхо без требования действий.
	got := readFrame(t, initiator)
	assert.Equal(t, "COUPON_PROPOSAL", got["type"])
	assert.Equal(t, false, got["actionable"])

	// Контрагент получает то же событие с требованием решения.
	got = readFrame(t, counterparty)
	assert.Equal(t, "COUPON_PROPOSAL", got["type"])
	assert.Equal(t, true, got["actionable"])

	// Подписчик другой комнаты не получает ничего.
	select {
	case data := <-outsider.send:
		t.Fatalf("outsider received %s", data)
	default:
	}
}

func TestHubDeliver_AfterLeave(t *testing.T) {
	gw, _ := newTestGateway(&stubEngine{})

	c := newTestClient(gw, 2)
	c.joinRoom("room-1")
	c.leaveRoom("room-1")

	ev, err := event.New(event.TypeMessage, "room-1", 1, event.MessagePayload{Content: "hi"})
	require.NoError(t, err)
	gw.Dispatch(ev)

	select {
	case data := <-c.send:
		t.Fatalf("client received %s after leaving", data)
	default:
	}
}

func TestHubDeliver_SlowClientEvicted(t *testing.T) {
	gw, hub := newTestGateway(&stubEngine{})

	done := make(chan struct{})
	defer close(done)
	go hub.Run(done)

	slowCtx, slowCancel := context.WithCancel(context.Background())
	slow := &Client{
		gw:      gw,
		send:    make(chan []byte), // буфера нет: любая доставка переполняет
		ctx:     slowCtx,
		cancel:  slowCancel,
		partyID: 2,
		rooms:   make(map[string]bool),
	}
	hub.register <- slow
	slow.joinRoom("room-1")
	slow.joinRoom("room-2")

	healthy := newTestClient(gw, 3)
	hub.register <- healthy
	healthy.joinRoom("room-1")

	ev1, err := event.New(event.TypeMessage, "room-1", 1, event.MessagePayload{Content: "hi"})
	require.NoError(t, err)
	gw.Dispatch(ev1)

	// Доставка во вторую комнату не должна паниковать, даже если снятие
	// медленного подключения ещё не завершилось.
	ev2, err := event.New(event.TypeMessage, "room-2", 1, event.MessagePayload{Content: "hi again"})
	require.NoError(t, err)
	gw.Dispatch(ev2)

	// Остальные подписчики комнаты не пострадали.
	readFrame(t, healthy)

	// Цикл хаба снимает медленное подключение из всех комнат.
	require.Eventually(t, func() bool {
		hub.roomsMux.RLock()
		defer hub.roomsMux.RUnlock()
		_, in1 := hub.rooms["room-1"][slow]
		_, in2 := hub.rooms["room-2"][slow]
		return !in1 && !in2
	}, time.Second, 5*time.Millisecond)

	select {
	case <-slow.ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("evicted client context must be cancelled")
	}
}

func TestHandleAction_Send(t *testing.T) {
	engine := &stubEngine{}
	gw, _ := newTestGateway(engine)
	c := newTestClient(gw, 1)

	gw.handleAction(c, frame(t, ActionSend, sendPayload{RoomID: "room-1", Content: "hello"}))

	require.Equal(t, []string{"hello"}, engine.sentTexts)
	select {
	case data := <-c.send:
		t.Fatalf("unexpected frame: %s", data)
	default:
	}
}

func TestHandleAction_ConnectionScopedContext(t *testing.T) {
	engine := &stubEngine{}
	gw, _ := newTestGateway(engine)
	c := newTestClient(gw, 1)

	gw.handleAction(c, frame(t, ActionSend, sendPayload{RoomID: "room-1", Content: "hello"}))

	require.NotNil(t, engine.lastCtx)
	require.NoError(t, engine.lastCtx.Err())

	// Закрытие сессии отменяет контекст, унаследованный её действиями.
	c.cancel()
	assert.Error(t, engine.lastCtx.Err())
}

func TestHandleAction_Join(t *testing.T) {
	engine := &stubEngine{}
	gw, hub := newTestGateway(engine)
	c := newTestClient(gw, 1)

	gw.handleAction(c, frame(t, ActionJoin, roomPayload{RoomID: "room-1"}))

	assert.True(t, c.inRoom("room-1"))
	assert.Contains(t, hub.rooms["room-1"], c)
	assert.Equal(t, []string{"room-1"}, engine.markedDelivered)
}

func TestHandleAction_JoinForbidden(t *testing.T) {
	engine := &stubEngine{getRoomErr: service.ErrForbidden}
	gw, hub := newTestGateway(engine)
	c := newTestClient(gw, 9)

	gw.handleAction(c, frame(t, ActionJoin, roomPayload{RoomID: "room-1"}))

	assert.False(t, c.inRoom("room-1"))
	assert.NotContains(t, hub.rooms, "room-1")

	got := readFrame(t, c)
	assert.Equal(t, "error", got["type"])
	assert.Equal(t, "FORBIDDEN", got["kind"])
	assert.Equal(t, ActionJoin, got["action"])
}

func TestHandleAction_ProposalStatusRouting(t *testing.T) {
	tests := []struct {
		name         string
		status       string
		wantAccepted bool
		wantRejected bool
	}{
		{"accepted", "ACCEPTED", true, false},
		{"accept shorthand", "ACCEPT", true, false},
		{"rejected", "REJECTED", false, true},
		{"reject shorthand", "REJECT", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := &stubEngine{}
			gw, _ := newTestGateway(engine)
			c := newTestClient(gw, 1)

			gw.handleAction(c, frame(t, ActionProposalStatus, proposalDecisionPayload{
				TemplateID: 5,
				Status:     tt.status,
			}))

			if tt.wantAccepted {
				assert.Equal(t, []int64{5}, engine.acceptedTpls)
			} else {
				assert.Empty(t, engine.acceptedTpls)
			}
			if tt.wantRejected {
				assert.Equal(t, []int64{5}, engine.rejectedTpls)
			} else {
				assert.Empty(t, engine.rejectedTpls)
			}
		})
	}
}

func TestHandleAction_ProposalStatusUnknown(t *testing.T) {
	engine := &stubEngine{}
	gw, _ := newTestGateway(engine)
	c := newTestClient(gw, 1)

	gw.handleAction(c, frame(t, ActionProposalStatus, proposalDecisionPayload{
		TemplateID: 5,
		Status:     "MAYBE",
	}))

	got := readFrame(t, c)
	assert.Equal(t, "error", got["type"])
	assert.Empty(t, engine.acceptedTpls)
	assert.Empty(t, engine.rejectedTpls)
}

func TestHandleAction_InvalidFrames(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"malformed json", []byte("{broken")},
		{"unknown action", frameBytes(`{"action":"chat.unknown","payload":{}}`)},
		{"missing required field", frameBytes(`{"action":"chat.send","payload":{"room_id":"room-1"}}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := &stubEngine{}
			gw, _ := newTestGateway(engine)
			c := newTestClient(gw, 1)

			gw.handleAction(c, tt.raw)

			got := readFrame(t, c)
			assert.Equal(t, "error", got["type"])
			assert.Empty(t, engine.sentTexts)
		})
	}
}

func frameBytes(s string) []byte { return []byte(s) }

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{repository.ErrRoomNotFound, "NOT_FOUND"},
		{repository.ErrTemplateNotFound, "NOT_FOUND"},
		{repository.ErrCouponNotFound, "NOT_FOUND"},
		{service.ErrForbidden, "FORBIDDEN"},
		{service.ErrInvalidParty, "INVALID_PARTY"},
		{repository.ErrDuplicateRoom, "DUPLICATE_ROOM"},
		{repository.ErrInvalidTransition, "INVALID_TRANSITION"},
		{repository.ErrProposalPending, "INVALID_TRANSITION"},
		{repository.ErrOutOfStock, "OUT_OF_STOCK"},
		{repository.ErrTemplateNotAccepted, "TEMPLATE_NOT_ACCEPTED"},
		{repository.ErrSelfAcceptance, "SELF_ACCEPTANCE"},
		{validation.ErrInvalidTerms, "INVALID_TERMS"},
		{middleware.ErrInvalidCredential, "INVALID_CREDENTIAL"},
		{errors.New("anything else"), "BAD_REQUEST"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, errorKind(tt.err))
		})
	}
}
