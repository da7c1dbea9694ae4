// Package service реализует машину состояний переговоров сервиса partnerlink.
//
// Сервис — единственный писатель статусов комнат, шаблонов и купонов.
// Проверки, зависящие только от неизменяемых полей (состав участников,
// автор предложения), выполняются здесь до обращения к хранилищу;
// проверки, зависящие от изменяемого состояния, повторяются хранилищем
// внутри транзакции с блокировкой строки комнаты.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"partnerlink/internal/event"
	"partnerlink/internal/model"
	"partnerlink/internal/repository"
	"partnerlink/internal/validation"
)

// ErrForbidden возвращается, когда актор не вправе выполнять действие в комнате.
var (
	ErrForbidden = errors.New("actor is not allowed to perform this action")
	// ErrInvalidParty возвращается при попытке открыть переговоры с самим собой.
	ErrInvalidParty = errors.New("requester and recipient must differ")
)

// DefaultRejectReason используется, когда сторона не указала причину отклонения.
const DefaultRejectReason = "no reason given"

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateRoomWithRequest(ctx context.Context, requesterID, recipientID int64, content string) (*model.Room, *model.Message, error)
	GetRoom(ctx context.Context, roomID string) (*model.Room, error)
	GetRoomsByParty(ctx context.Context, partyID int64) ([]model.Room, error)
	TransitionRoom(ctx context.Context, roomID string, from []model.RoomStatus, to model.RoomStatus, sysContent string) (*model.Room, *model.Message, error)
	AppendMessage(ctx context.Context, roomID string, senderID *int64, mtype model.MessageType, content string) (*model.Message, error)
	CreateTemplate(ctx context.Context, roomID string, proposerID int64, terms model.ProposalTerms, msgContent string) (*model.CouponTemplate, *model.Message, error)
	GetTemplate(ctx context.Context, templateID int64) (*model.CouponTemplate, error)
	AcceptProposal(ctx context.Context, templateID, accepterID int64) (*repository.AcceptResult, error)
	RejectProposal(ctx context.Context, templateID int64) (*model.CouponTemplate, *model.Room, error)
	ClaimCoupon(ctx context.Context, templateID, ownerID int64) (*model.Coupon, error)
	GetCouponByCode(ctx context.Context, code string) (*model.Coupon, error)
	UseCoupon(ctx context.Context, code string, ownerID int64) (*model.Coupon, error)
	CancelCoupon(ctx context.Context, code string, ownerID int64) (*model.Coupon, error)
	ExpireCoupons(ctx context.Context, now time.Time) (int64, error)
	AdvanceDeliveryStatus(ctx context.Context, roomID string, readerID int64, to model.DeliveryStatus) error
	GetMessagesPage(ctx context.Context, roomID string, page, pageSize int) ([]model.Message, int64, error)
}

// Publisher описывает шину фан-аута событий комнат.
type Publisher interface {
	Publish(ctx context.Context, ev event.Envelope) error
}

// Notifier описывает внешний сервис push-уведомлений.
type Notifier interface {
	Notify(ctx context.Context, ownerToken, title, body string) bool
}

// Service содержит бизнес-логику переговоров и купонов.
type Service struct {
	repo     Repository
	bus      Publisher
	notifier Notifier
	logger   *zap.Logger
}

// NewService создаёт сервис с указанными хранилищем, шиной и отправителем уведомлений.
func NewService(repo Repository, bus Publisher, notifier Notifier, logger *zap.Logger) *Service {
	return &Service{
		repo:     repo,
		bus:      bus,
		notifier: notifier,
		logger:   logger,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// publish отправляет событие в шину. Сбой публикации не откатывает уже
// зафиксированное изменение состояния и отражается только в логе.
func (s *Service) publish(ctx context.Context, ev event.Envelope) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, ev); err != nil {
		s.logger.Warn("degraded delivery: publish failed",
			zap.String("room", ev.RoomID), zap.String("type", string(ev.Type)), zap.Error(err))
	}
}

func (s *Service) notify(partyID int64, title, body string) {
	if s.notifier == nil {
		return
	}
	// Токен владельца разрешает внешний сервис уведомлений по идентификатору.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.notifier.Notify(ctx, fmt.Sprintf("party:%d", partyID), title, body)
	}()
}

// CreateRequest открывает переговоры: создаёт комнату в статусе WAITING и
// сообщение-запрос, публикует событие и уведомляет получателя.
func (s *Service) CreateRequest(ctx context.Context, requesterID, recipientID int64, message string) (*model.Room, error) {
	if requesterID == recipientID {
		return nil, ErrInvalidParty
	}

	room, msg, err := s.repo.CreateRoomWithRequest(ctx, requesterID, recipientID, message)
	if err != nil {
		return nil, err
	}

	ev, err := event.New(event.TypePartnershipRequest, room.ID, requesterID, event.MessageOf(*msg))
	if err == nil {
		s.publish(ctx, ev)
	}
	s.notify(recipientID, "New partnership request", message)

	return room, nil
}

// AcceptRequest принимает запрос на партнёрство. Принять может только
// получатель запроса и только из статуса WAITING.
func (s *Service) AcceptRequest(ctx context.Context, roomID string, actorID int64) (*model.Room, error) {
	room, err := s.repo.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if actorID != room.RecipientID {
		return nil, ErrForbidden
	}

	room, msg, err := s.repo.TransitionRoom(ctx, roomID,
		[]model.RoomStatus{model.RoomStatusWaiting},
		model.RoomStatusInNegotiation,
		"partnership request accepted")
	if err != nil {
		return nil, err
	}

	ev, err := event.New(event.TypeRequestAccepted, roomID, actorID, event.StatusPayload{
		Status:    string(room.Status),
		SystemMsg: event.MessageOf(*msg),
	})
	if err == nil {
		s.publish(ctx, ev)
	}
	s.notify(room.RequesterID, "Partnership request accepted", "")

	return room, nil
}

// RejectRequest отклоняет переговоры. Из WAITING отклонить может только
// получатель запроса, из IN_NEGOTIATION — любая из сторон. REJECTED — конечный статус.
func (s *Service) RejectRequest(ctx context.Context, roomID string, actorID int64, reason string) (*model.Room, error) {
	room, err := s.repo.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !room.IsParty(actorID) {
		return nil, ErrForbidden
	}
	if room.Status == model.RoomStatusWaiting && actorID != room.RecipientID {
		return nil, ErrForbidden
	}

	if reason == "" {
		reason = DefaultRejectReason
	}

	room, msg, err := s.repo.TransitionRoom(ctx, roomID,
		[]model.RoomStatus{model.RoomStatusWaiting, model.RoomStatusInNegotiation},
		model.RoomStatusRejected,
		"partnership rejected: "+reason)
	if err != nil {
		return nil, err
	}

	ev, err := event.New(event.TypeRequestRejected, roomID, actorID, event.StatusPayload{
		Status:    string(room.Status),
		Reason:    reason,
		SystemMsg: event.MessageOf(*msg),
	})
	if err == nil {
		s.publish(ctx, ev)
	}
	s.notify(room.CounterpartyOf(actorID), "Partnership rejected", reason)

	return room, nil
}

// SendText добавляет текстовое сообщение в комнату. Разрешено любой из
// сторон в любом неконечном статусе.
func (s *Service) SendText(ctx context.Context, roomID string, senderID int64, text string) (*model.Message, error) {
	room, err := s.repo.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !room.IsParty(senderID) {
		return nil, ErrForbidden
	}

	msg, err := s.repo.AppendMessage(ctx, roomID, &senderID, model.MessageTypeText, text)
	if err != nil {
		return nil, err
	}

	ev, err := event.New(event.TypeMessage, roomID, senderID, event.MessageOf(*msg))
	if err == nil {
		s.publish(ctx, ev)
	}

	return msg, nil
}

// Propose создаёт предложение условий купона. Допустимо только в статусе
// IN_NEGOTIATION и пока в комнате нет другого нерешённого предложения.
func (s *Service) Propose(ctx context.Context, roomID string, proposerID int64, terms model.ProposalTerms) (*model.CouponTemplate, error) {
	if err := validation.ValidateTerms(terms); err != nil {
		return nil, err
	}

	room, err := s.repo.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !room.IsParty(proposerID) {
		return nil, ErrForbidden
	}
	if !room.IsParty(terms.ApplicableBusinessID) {
		return nil, validation.ErrInvalidTerms
	}

	serialized, err := json.Marshal(terms)
	if err != nil {
		return nil, fmt.Errorf("serialize terms: %w", err)
	}

	tpl, msg, err := s.repo.CreateTemplate(ctx, roomID, proposerID, terms, string(serialized))
	if err != nil {
		return nil, err
	}

	ev, err := event.New(event.TypeCouponProposal, roomID, proposerID, event.ProposalPayload{
		TemplateID: tpl.ID,
		ProposerID: proposerID,
		Terms:      terms,
		Message:    event.MessageOf(*msg),
	})
	if err == nil {
		s.publish(ctx, ev)
	}
	s.notify(room.CounterpartyOf(proposerID), "New coupon proposal", terms.Description)

	return tpl, nil
}

// AcceptProposal фиксирует согласие стороны с предложением. При полном
// согласии обеих сторон выпускается по купону каждой из них и комната
// завершается статусом COMPLETED.
func (s *Service) AcceptProposal(ctx context.Context, templateID, accepterID int64) (*repository.AcceptResult, error) {
	tpl, err := s.repo.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}

	room, err := s.repo.GetRoom(ctx, tpl.RoomID)
	if err != nil {
		return nil, err
	}
	if !room.IsParty(accepterID) {
		return nil, ErrForbidden
	}

	res, err := s.repo.AcceptProposal(ctx, templateID, accepterID)
	if err != nil {
		return nil, err
	}

	ev, err := event.New(event.TypeProposalAccepted, tpl.RoomID, accepterID, event.ProposalDecisionPayload{
		TemplateID:    templateID,
		DeciderID:     accepterID,
		FullyAccepted: res.Template.FullyAccepted(),
		RoomStatus:    string(res.Room.Status),
	})
	if err == nil {
		s.publish(ctx, ev)
	}

	if len(res.Coupons) > 0 {
		issued := make([]event.IssuedCoupon, 0, len(res.Coupons))
		for _, c := range res.Coupons {
			issued = append(issued, event.IssuedCoupon{
				CouponID:   c.ID,
				OwnerID:    c.OwnerID,
				CouponCode: c.CouponCode,
				ExpireDate: c.ExpireDate,
			})
		}
		ev, err := event.New(event.TypeCouponsIssued, tpl.RoomID, 0, event.CouponsIssuedPayload{
			TemplateID: templateID,
			Coupons:    issued,
		})
		if err == nil {
			s.publish(ctx, ev)
		}
	}

	s.notify(room.CounterpartyOf(accepterID), "Coupon proposal accepted", "")

	return res, nil
}

// RejectProposal отклоняет предложение. Комната остаётся в IN_NEGOTIATION,
// и стороны могут предложить новые условия; отклонённый шаблон больше не
// участвует в выпуске купонов.
func (s *Service) RejectProposal(ctx context.Context, templateID, rejecterID int64, reason string) (*model.CouponTemplate, error) {
	tpl, err := s.repo.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}

	room, err := s.repo.GetRoom(ctx, tpl.RoomID)
	if err != nil {
		return nil, err
	}
	if !room.IsParty(rejecterID) {
		return nil, ErrForbidden
	}

	if reason == "" {
		reason = DefaultRejectReason
	}

	tpl, room, err = s.repo.RejectProposal(ctx, templateID)
	if err != nil {
		return nil, err
	}

	ev, err := event.New(event.TypeProposalRejected, tpl.RoomID, rejecterID, event.ProposalDecisionPayload{
		TemplateID: templateID,
		DeciderID:  rejecterID,
		Reason:     reason,
		RoomStatus: string(room.Status),
	})
	if err == nil {
		s.publish(ctx, ev)
	}
	s.notify(room.CounterpartyOf(rejecterID), "Coupon proposal rejected", reason)

	return tpl, nil
}

// Claim обменивает единицу остатка полностью согласованного шаблона на один
// выпущенный купон. Используется и клиентским получением купона.
func (s *Service) Claim(ctx context.Context, templateID, ownerID int64) (*model.Coupon, error) {
	return s.repo.ClaimCoupon(ctx, templateID, ownerID)
}

// UseCoupon погашает купон владельца: ISSUED -> USED.
func (s *Service) UseCoupon(ctx context.Context, code string, ownerID int64) (*model.Coupon, error) {
	return s.repo.UseCoupon(ctx, code, ownerID)
}

// CancelCoupon отменяет погашение купона: USED -> CANCELLED.
func (s *Service) CancelCoupon(ctx context.Context, code string, ownerID int64) (*model.Coupon, error) {
	return s.repo.CancelCoupon(ctx, code, ownerID)
}

// GetRoomsByParty возвращает комнаты участника.
func (s *Service) GetRoomsByParty(ctx context.Context, partyID int64) ([]model.Room, error) {
	return s.repo.GetRoomsByParty(ctx, partyID)
}

// GetHistory возвращает страницу истории комнаты вместе с её кратким
// описанием. Доступ только участникам; входящие сообщения читателя
// помечаются доставленными.
func (s *Service) GetHistory(ctx context.Context, roomID string, readerID int64, page, pageSize int) (*model.MessagePage, error) {
	room, err := s.repo.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !room.IsParty(readerID) {
		return nil, ErrForbidden
	}

	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	if err := s.repo.AdvanceDeliveryStatus(ctx, roomID, readerID, model.DeliveryStatusDelivered); err != nil {
		s.logger.Warn("advance delivery status", zap.String("room", roomID), zap.Error(err))
	}

	messages, total, err := s.repo.GetMessagesPage(ctx, roomID, page, pageSize)
	if err != nil {
		return nil, err
	}

	return &model.MessagePage{
		Messages:   messages,
		Total:      total,
		TotalPages: int(math.Ceil(float64(total) / float64(pageSize))),
		Room: model.RoomSummary{
			ID:            room.ID,
			Status:        string(room.Status),
			CurrentUserID: readerID,
			RequesterID:   room.RequesterID,
			RecipientID:   room.RecipientID,
		},
	}, nil
}

// MarkDelivered помечает входящие сообщения комнаты доставленными читателю.
func (s *Service) MarkDelivered(ctx context.Context, roomID string, readerID int64) error {
	return s.advanceDelivery(ctx, roomID, readerID, model.DeliveryStatusDelivered)
}

// MarkRead помечает входящие сообщения комнаты прочитанными читателем.
func (s *Service) MarkRead(ctx context.Context, roomID string, readerID int64) error {
	return s.advanceDelivery(ctx, roomID, readerID, model.DeliveryStatusRead)
}

func (s *Service) advanceDelivery(ctx context.Context, roomID string, readerID int64, to model.DeliveryStatus) error {
	room, err := s.repo.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if !room.IsParty(readerID) {
		return ErrForbidden
	}
	return s.repo.AdvanceDeliveryStatus(ctx, roomID, readerID, to)
}

// GetRoom возвращает комнату, если актор является её участником.
func (s *Service) GetRoom(ctx context.Context, roomID string, actorID int64) (*model.Room, error) {
	room, err := s.repo.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !room.IsParty(actorID) {
		return nil, ErrForbidden
	}
	return room, nil
}

// RunExpirySweep периодически переводит просроченные купоны в EXPIRED.
// Блокирует вызывающего до отмены контекста, поэтому процессом владеет
// супервизор приложения, а не скрытая горутина.
func (s *Service) RunExpirySweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.repo.ExpireCoupons(ctx, time.Now().UTC())
			if err != nil {
				s.logger.Warn("expire coupons sweep", zap.Error(err))
				continue
			}
			if n > 0 {
				s.logger.Info("coupons expired", zap.Int64("count", n))
			}
		}
	}
}
