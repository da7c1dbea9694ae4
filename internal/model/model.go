// Package model содержит доменные сущности сервиса partnerlink.
package model

import "time"

// RoomStatus описывает статус переговоров в комнате.
type RoomStatus string

const (
	RoomStatusWaiting       RoomStatus = "WAITING"
	RoomStatusInNegotiation RoomStatus = "IN_NEGOTIATION"
	RoomStatusAccepted      RoomStatus = "ACCEPTED"
	RoomStatusRejected      RoomStatus = "REJECTED"
	RoomStatusCompleted     RoomStatus = "COMPLETED"
)

// Terminal сообщает, является ли статус конечным: из него нет переходов.
func (s RoomStatus) Terminal() bool {
	return s == RoomStatusRejected || s == RoomStatusCompleted
}

// Room представляет двустороннюю переговорную комнату между бизнесами.
type Room struct {
	ID            string
	RequesterID   int64
	RecipientID   int64
	Status        RoomStatus
	PartnershipID *int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// IsParty сообщает, является ли бизнес участником комнаты.
func (r *Room) IsParty(partyID int64) bool {
	return partyID == r.RequesterID || partyID == r.RecipientID
}

// CounterpartyOf возвращает идентификатор второго участника комнаты.
func (r *Room) CounterpartyOf(partyID int64) int64 {
	if partyID == r.RequesterID {
		return r.RecipientID
	}
	return r.RequesterID
}

// MessageType описывает тип события в ленте комнаты.
type MessageType string

const (
	MessageTypeText               MessageType = "TEXT"
	MessageTypeSystem             MessageType = "SYSTEM"
	MessageTypePartnershipRequest MessageType = "PARTNERSHIP_REQUEST"
	MessageTypeCouponProposal     MessageType = "COUPON_PROPOSAL"
)

// DeliveryStatus описывает статус доставки сообщения получателю.
// Продвигается только вперёд: SENT -> DELIVERED -> READ.
type DeliveryStatus string

const (
	DeliveryStatusSent      DeliveryStatus = "SENT"
	DeliveryStatusDelivered DeliveryStatus = "DELIVERED"
	DeliveryStatusRead      DeliveryStatus = "READ"
)

// Rank возвращает порядковый номер статуса для проверки монотонности.
func (s DeliveryStatus) Rank() int {
	switch s {
	case DeliveryStatusSent:
		return 0
	case DeliveryStatusDelivered:
		return 1
	case DeliveryStatusRead:
		return 2
	}
	return -1
}

// Message представляет одно событие в ленте комнаты.
// SenderID равен nil для системных сообщений.
type Message struct {
	ID             int64
	RoomID         string
	SenderID       *int64
	Type           MessageType
	Content        string
	DeliveryStatus DeliveryStatus
	SentAt         time.Time
}

// ProposalTerms описывает условия купона, предлагаемые в переговорах.
type ProposalTerms struct {
	ApplicableBusinessID int64     `json:"applicable_business_id" validate:"required"`
	DiscountValue        int64     `json:"discount_value" validate:"required,gt=0"`
	TotalQuantity        int       `json:"total_quantity" validate:"required,gt=0"`
	StartDate            time.Time `json:"start_date" validate:"required"`
	EndDate              time.Time `json:"end_date" validate:"required"`
	Description          string    `json:"description"`
}

// CouponTemplate представляет согласуемые условия купона, привязанные к комнате.
type CouponTemplate struct {
	ID                   int64
	RoomID               string
	PartnershipID        *int64
	ProposerID           int64
	ApplicableBusinessID int64
	DiscountValue        int64
	TotalQuantity        int
	CurrentQuantity      int
	StartDate            time.Time
	EndDate              time.Time
	Description          string
	AcceptedByRequester  bool
	AcceptedByRecipient  bool
	Rejected             bool
	CreatedAt            time.Time
}

// FullyAccepted сообщает, согласованы ли условия обеими сторонами.
// Только у полностью согласованного шаблона можно получать купоны.
func (t *CouponTemplate) FullyAccepted() bool {
	return t.AcceptedByRequester && t.AcceptedByRecipient && !t.Rejected
}

// Pending сообщает, находится ли предложение на рассмотрении:
// не отклонено и ещё не согласовано обеими сторонами.
func (t *CouponTemplate) Pending() bool {
	return !t.Rejected && !(t.AcceptedByRequester && t.AcceptedByRecipient)
}

// CouponStatus описывает статус выпущенного купона.
type CouponStatus string

const (
	CouponStatusIssued    CouponStatus = "ISSUED"
	CouponStatusUsed      CouponStatus = "USED"
	CouponStatusExpired   CouponStatus = "EXPIRED"
	CouponStatusCancelled CouponStatus = "CANCELLED"
)

// Coupon представляет один выпущенный экземпляр купона.
type Coupon struct {
	ID         int64
	TemplateID int64
	OwnerID    int64
	CouponCode string
	Status     CouponStatus
	IssuedAt   time.Time
	ExpireDate time.Time
	UsedAt     *time.Time
}

// RoomSummary содержит краткую информацию о комнате для ответа истории.
type RoomSummary struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	CurrentUserID int64  `json:"current_user_id"`
	RequesterID   int64  `json:"requester_id"`
	RecipientID   int64  `json:"recipient_id"`
}

// MessagePage содержит страницу истории сообщений комнаты.
type MessagePage struct {
	Messages   []Message
	Total      int64
	TotalPages int
	Room       RoomSummary
}
