// Package handler содержит HTTP-обработчики API сервиса partnerlink.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"partnerlink/internal/middleware"
	"partnerlink/internal/model"
	"partnerlink/internal/repository"
	"partnerlink/internal/service"
	"partnerlink/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	CreateRequest(ctx context.Context, requesterID, recipientID int64, message string) (*model.Room, error)
	GetRoomsByParty(ctx context.Context, partyID int64) ([]model.Room, error)
	GetHistory(ctx context.Context, roomID string, readerID int64, page, pageSize int) (*model.MessagePage, error)
	Claim(ctx context.Context, templateID, ownerID int64) (*model.Coupon, error)
	UseCoupon(ctx context.Context, code string, ownerID int64) (*model.Coupon, error)
	CancelCoupon(ctx context.Context, code string, ownerID int64) (*model.Coupon, error)
}

// Handler реализует HTTP-обработчики API сервиса partnerlink.
type Handler struct {
	service Service
	logger  *zap.Logger
	auth    *middleware.Authenticator
	ws      http.HandlerFunc
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
// ws — обработчик рукопожатия WebSocket, монтируемый роутером.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.Authenticator, ws http.HandlerFunc) *Handler {
	return &Handler{
		service: s,
		logger:  logger,
		auth:    auth,
		ws:      ws,
	}
}

// statusFromError сопоставляет ошибку таксономии с HTTP-статусом.
func statusFromError(err error) int {
	switch {
	case errors.Is(err, repository.ErrRoomNotFound),
		errors.Is(err, repository.ErrTemplateNotFound),
		errors.Is(err, repository.ErrCouponNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, service.ErrInvalidParty),
		errors.Is(err, validation.ErrInvalidTerms):
		return http.StatusBadRequest
	case errors.Is(err, repository.ErrDuplicateRoom),
		errors.Is(err, repository.ErrInvalidTransition),
		errors.Is(err, repository.ErrProposalPending),
		errors.Is(err, repository.ErrOutOfStock),
		errors.Is(err, repository.ErrTemplateNotAccepted),
		errors.Is(err, repository.ErrSelfAcceptance):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (h *Handler) writeError(w http.ResponseWriter, err error, fields ...zap.Field) {
	status := statusFromError(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", append(fields, zap.Error(err))...)
		http.Error(w, http.StatusText(status), status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Kind: http.StatusText(status), Message: err.Error()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response", zap.Error(err))
	}
}

type roomResponse struct {
	ID            string `json:"id"`
	RequesterID   int64  `json:"requester_id"`
	RecipientID   int64  `json:"recipient_id"`
	Status        string `json:"status"`
	PartnershipID *int64 `json:"partnership_id,omitempty"`
	CreatedAt     string `json:"created_at"`
}

func toRoomResponse(r model.Room) roomResponse {
	return roomResponse{
		ID:            r.ID,
		RequesterID:   r.RequesterID,
		RecipientID:   r.RecipientID,
		Status:        string(r.Status),
		PartnershipID: r.PartnershipID,
		CreatedAt:     r.CreatedAt.Format(time.RFC3339),
	}
}

type createRoomRequest struct {
	RecipientID int64  `json:"recipient_id"`
	Message     string `json:"message"`
}

// CreateRoom открывает переговоры с другим бизнесом.
func (h *Handler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req createRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.RecipientID == 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	room, err := h.service.CreateRequest(r.Context(), id.PartyID, req.RecipientID, req.Message)
	if err != nil {
		h.writeError(w, err, zap.Int64("requester", id.PartyID))
		return
	}

	h.writeJSON(w, http.StatusCreated, toRoomResponse(*room))
}

// GetRooms возвращает комнаты текущего участника.
func (h *Handler) GetRooms(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	rooms, err := h.service.GetRoomsByParty(r.Context(), id.PartyID)
	if err != nil {
		h.writeError(w, err, zap.Int64("party", id.PartyID))
		return
	}

	if len(rooms) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	h.writeJSON(w, http.StatusOK, lo.Map(rooms, func(room model.Room, _ int) roomResponse {
		return toRoomResponse(room)
	}))
}

type messageResponse struct {
	ID             int64  `json:"id"`
	SenderID       *int64 `json:"sender_id,omitempty"`
	Type           string `json:"type"`
	Content        string `json:"content"`
	DeliveryStatus string `json:"delivery_status"`
	SentAt         string `json:"sent_at"`
}

type historyResponse struct {
	Messages   []messageResponse `json:"messages"`
	Total      int64             `json:"total"`
	TotalPages int               `json:"total_pages"`
	Page       int               `json:"page"`
	Room       model.RoomSummary `json:"room"`
}

// GetHistory возвращает страницу истории комнаты с её кратким описанием.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	roomID := chi.URLParam(r, "roomID")

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))

	pageData, err := h.service.GetHistory(r.Context(), roomID, id.PartyID, page, pageSize)
	if err != nil {
		h.writeError(w, err, zap.String("room", roomID))
		return
	}

	h.writeJSON(w, http.StatusOK, historyResponse{
		Messages: lo.Map(pageData.Messages, func(m model.Message, _ int) messageResponse {
			return messageResponse{
				ID:             m.ID,
				SenderID:       m.SenderID,
				Type:           string(m.Type),
				Content:        m.Content,
				DeliveryStatus: string(m.DeliveryStatus),
				SentAt:         m.SentAt.Format(time.RFC3339),
			}
		}),
		Total:      pageData.Total,
		TotalPages: pageData.TotalPages,
		Page:       page,
		Room:       pageData.Room,
	})
}

type couponResponse struct {
	ID         int64  `json:"id"`
	TemplateID int64  `json:"template_id"`
	OwnerID    int64  `json:"owner_id"`
	CouponCode string `json:"coupon_code"`
	Status     string `json:"status"`
	IssuedAt   string `json:"issued_at"`
	ExpireDate string `json:"expire_date"`
	UsedAt     string `json:"used_at,omitempty"`
}

func toCouponResponse(c model.Coupon) couponResponse {
	resp := couponResponse{
		ID:         c.ID,
		TemplateID: c.TemplateID,
		OwnerID:    c.OwnerID,
		CouponCode: c.CouponCode,
		Status:     string(c.Status),
		IssuedAt:   c.IssuedAt.Format(time.RFC3339),
		ExpireDate: c.ExpireDate.Format(time.RFC3339),
	}
	if c.UsedAt != nil {
		resp.UsedAt = c.UsedAt.Format(time.RFC3339)
	}
	return resp
}

// ClaimCoupon обменивает единицу остатка шаблона на купон для текущего участника.
func (h *Handler) ClaimCoupon(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	templateID, err := strconv.ParseInt(chi.URLParam(r, "templateID"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	coupon, err := h.service.Claim(r.Context(), templateID, id.PartyID)
	if err != nil {
		h.writeError(w, err, zap.Int64("template", templateID), zap.Int64("owner", id.PartyID))
		return
	}

	h.writeJSON(w, http.StatusCreated, toCouponResponse(*coupon))
}

type couponCodeRequest struct {
	Code string `json:"code"`
}

// UseCoupon погашает купон текущего участника.
func (h *Handler) UseCoupon(w http.ResponseWriter, r *http.Request) {
	h.couponStatusChange(w, r, h.service.UseCoupon)
}

// CancelCoupon отменяет погашение купона текущего участника.
func (h *Handler) CancelCoupon(w http.ResponseWriter, r *http.Request) {
	h.couponStatusChange(w, r, h.service.CancelCoupon)
}

func (h *Handler) couponStatusChange(w http.ResponseWriter, r *http.Request, op func(context.Context, string, int64) (*model.Coupon, error)) {
	id, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req couponCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	coupon, err := op(r.Context(), req.Code, id.PartyID)
	if err != nil {
		h.writeError(w, err, zap.Int64("owner", id.PartyID))
		return
	}

	h.writeJSON(w, http.StatusOK, toCouponResponse(*coupon))
}
