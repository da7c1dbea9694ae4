// Package event определяет события комнаты, публикуемые в шину фан-аута.
//
// Каждому типу события соответствует своя структура полезной нагрузки;
// конверт несёт тип и данные и декодируется один раз на границе. Поле
// ActorID позволяет при доставке вычислить, является ли получатель
// контрагентом события (признак actionable).
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"partnerlink/internal/model"
)

// Type определяет вид события комнаты.
type Type string

const (
	TypeMessage            Type = "MESSAGE"
	TypePartnershipRequest Type = "PARTNERSHIP_REQUEST"
	TypeRequestAccepted    Type = "REQUEST_ACCEPTED"
	TypeRequestRejected    Type = "REQUEST_REJECTED"
	TypeCouponProposal     Type = "COUPON_PROPOSAL"
	TypeProposalAccepted   Type = "PROPOSAL_ACCEPTED"
	TypeProposalRejected   Type = "PROPOSAL_REJECTED"
	TypeCouponsIssued      Type = "COUPONS_ISSUED"
)

// Envelope является каноническим представлением события комнаты на проводе.
// ActorID — инициатор действия (0 для системных событий).
type Envelope struct {
	Type    Type            `json:"type"`
	RoomID  string          `json:"room_id"`
	ActorID int64           `json:"actor_id,omitempty"`
	SentAt  time.Time       `json:"sent_at"`
	Payload json.RawMessage `json:"payload"`
}

// MessagePayload несёт одно сообщение ленты комнаты.
type MessagePayload struct {
	MessageID      int64  `json:"message_id"`
	SenderID       *int64 `json:"sender_id,omitempty"`
	MessageType    string `json:"message_type"`
	Content        string `json:"content"`
	DeliveryStatus string `json:"delivery_status"`
}

// StatusPayload несёт смену статуса комнаты вместе с системным сообщением.
type StatusPayload struct {
	Status    string         `json:"status"`
	Reason    string         `json:"reason,omitempty"`
	SystemMsg MessagePayload `json:"system_message"`
}

// ProposalPayload несёт предложенные условия купона.
type ProposalPayload struct {
	TemplateID int64               `json:"template_id"`
	ProposerID int64               `json:"proposer_id"`
	Terms      model.ProposalTerms `json:"terms"`
	Message    MessagePayload      `json:"message"`
}

// ProposalDecisionPayload несёт решение стороны по предложению.
type ProposalDecisionPayload struct {
	TemplateID    int64  `json:"template_id"`
	DeciderID     int64  `json:"decider_id"`
	Reason        string `json:"reason,omitempty"`
	FullyAccepted bool   `json:"fully_accepted"`
	RoomStatus    string `json:"room_status"`
}

// IssuedCoupon описывает один выпущенный купон в событии выдачи.
type IssuedCoupon struct {
	CouponID   int64     `json:"coupon_id"`
	OwnerID    int64     `json:"owner_id"`
	CouponCode string    `json:"coupon_code"`
	ExpireDate time.Time `json:"expire_date"`
}

// CouponsIssuedPayload несёт список купонов, выпущенных при полном согласии.
type CouponsIssuedPayload struct {
	TemplateID int64          `json:"template_id"`
	Coupons    []IssuedCoupon `json:"coupons"`
}

// New собирает конверт события с сериализованной полезной нагрузкой.
func New(t Type, roomID string, actorID int64, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Envelope{
		Type:    t,
		RoomID:  roomID,
		ActorID: actorID,
		SentAt:  time.Now().UTC(),
		Payload: raw,
	}, nil
}

// Decode разбирает полезную нагрузку конверта в указанную структуру.
func (e Envelope) Decode(dst any) error {
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// MessageOf преобразует доменное сообщение в полезную нагрузку события.
func MessageOf(m model.Message) MessagePayload {
	return MessagePayload{
		MessageID:      m.ID,
		SenderID:       m.SenderID,
		MessageType:    string(m.Type),
		Content:        m.Content,
		DeliveryStatus: string(m.DeliveryStatus),
	}
}

// Delivery — событие в том виде, в котором оно уходит конкретному
// подключению: канонический конверт плюс признак, требует ли событие
// действий от этого получателя. Признак вычисляется при доставке,
// содержимое события для обеих сторон одинаково.
type Delivery struct {
	Envelope
	Actionable bool `json:"actionable"`
}

// ForRecipient размечает событие для конкретного получателя.
// Действия требуются только от контрагента инициатора и только для
// событий, по которым ожидается решение.
func ForRecipient(e Envelope, recipientID int64) Delivery {
	actionable := false
	switch e.Type {
	case TypePartnershipRequest, TypeCouponProposal:
		actionable = e.ActorID != 0 && e.ActorID != recipientID
	}
	return Delivery{Envelope: e, Actionable: actionable}
}
