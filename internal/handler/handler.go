// Package handler содержит HTTP-обработчики API подсистемы платежей.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/fleetpay-system/internal/middleware"
	"github.com/mmeshcher/fleetpay-system/internal/model"
	"github.com/mmeshcher/fleetpay-system/internal/repository"
	"github.com/mmeshcher/fleetpay-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, login, password string) (model.Actor, error)
	AuthenticateUser(ctx context.Context, login, password string) (model.Actor, error)
	CreatePayment(ctx context.Context, actor model.Actor, in model.CreatePaymentInput) (*model.Payment, error)
	GetPayment(ctx context.Context, actor model.Actor, paymentID int64) (*model.Payment, error)
	ListPayments(ctx context.Context, actor model.Actor) ([]model.Payment, error)
	UpdatePayment(ctx context.Context, actor model.Actor, paymentID int64, in model.UpdatePaymentInput) (*model.Payment, error)
	DeletePayment(ctx context.Context, actor model.Actor, paymentID int64) (*model.Payment, error)
	AddAllocation(ctx context.Context, actor model.Actor, paymentID int64, in model.AllocationInput) (*model.Payment, *model.PaymentAllocation, error)
	BulkAllocate(ctx context.Context, actor model.Actor, paymentID int64, items []model.AllocationInput) (*model.Payment, []model.PaymentAllocation, error)
	UpdateAllocation(ctx context.Context, actor model.Actor, allocationID int64, in model.UpdateAllocationInput) (*model.Payment, *model.PaymentAllocation, error)
	RemoveAllocation(ctx context.Context, actor model.Actor, allocationID int64) (*model.Payment, error)
	GetReservationPaymentSummary(ctx context.Context, actor model.Actor, reservationID int64) (*model.ReservationSummary, error)
	GetUnallocatedReservations(ctx context.Context, actor model.Actor) ([]model.UnallocatedReservation, error)
}

// Handler реализует HTTP-обработчики API подсистемы платежей.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// Register обрабатывает регистрацию нового пользователя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	actor, err := h.service.RegisterUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("register user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, actor)
	w.WriteHeader(http.StatusOK)
}

// Login выполняет аутентификацию пользователя и установку cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	actor, err := h.service.AuthenticateUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) || errors.Is(err, service.ErrInvalidCredentials) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, actor)
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (model.Actor, bool) {
	actor, ok := middleware.GetActorFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
	}
	return actor, ok
}

func pathID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, name), 10, 64)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response", zap.Error(err))
	}
}

type validationErrorResponse struct {
	Errors model.FieldErrors `json:"errors"`
}

// writeError переводит типизированные ошибки ядра в HTTP-статусы.
// Ошибки валидации возвращаются с картой поле→сообщения для повторного
// отображения формы.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var fieldErrs model.FieldErrors
	switch {
	case errors.As(err, &fieldErrs):
		h.writeJSON(w, http.StatusUnprocessableEntity, validationErrorResponse{Errors: fieldErrs})
	case errors.Is(err, repository.ErrPaymentNotFound),
		errors.Is(err, repository.ErrReservationNotFound),
		errors.Is(err, repository.ErrAllocationNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case errors.Is(err, service.ErrPermissionDenied):
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
	default:
		h.logger.Error("internal error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

// CreatePayment создаёт платёж, при необходимости со встроенными распределениями.
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var in model.CreatePaymentInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	p, err := h.service.CreatePayment(r.Context(), actor, in)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, p)
}

// GetPayment возвращает платёж по идентификатору.
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	id, err := pathID(r, "id")
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	p, err := h.service.GetPayment(r.Context(), actor, id)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, p)
}

// ListPayments возвращает список платежей, новые первыми.
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	payments, err := h.service.ListPayments(r.Context(), actor)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if len(payments) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	h.writeJSON(w, http.StatusOK, payments)
}

// UpdatePayment изменяет заголовок платежа.
func (h *Handler) UpdatePayment(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	id, err := pathID(r, "id")
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var in model.UpdatePaymentInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	p, err := h.service.UpdatePayment(r.Context(), actor, id, in)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, p)
}

// DeletePayment удаляет платёж и возвращает его снимок на момент удаления.
func (h *Handler) DeletePayment(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	id, err := pathID(r, "id")
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	p, err := h.service.DeletePayment(r.Context(), actor, id)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, p)
}

type allocationResponse struct {
	Payment    *model.Payment           `json:"payment"`
	Allocation *model.PaymentAllocation `json:"allocation"`
}

type bulkAllocationResponse struct {
	Payment     *model.Payment            `json:"payment"`
	Allocations []model.PaymentAllocation `json:"allocations"`
}

// AddAllocation применяет часть платежа к закрытой брони.
func (h *Handler) AddAllocation(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	id, err := pathID(r, "id")
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var in model.AllocationInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	p, a, err := h.service.AddAllocation(r.Context(), actor, id, in)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, allocationResponse{Payment: p, Allocation: a})
}

type bulkAllocationRequest struct {
	Allocations []model.AllocationInput `json:"allocations"`
}

// BulkAllocate применяет пакет распределений к платежу; пакет атомарен.
func (h *Handler) BulkAllocate(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	id, err := pathID(r, "id")
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req bulkAllocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	p, created, err := h.service.BulkAllocate(r.Context(), actor, id, req.Allocations)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, bulkAllocationResponse{Payment: p, Allocations: created})
}

// UpdateAllocation изменяет сумму распределения.
func (h *Handler) UpdateAllocation(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	id, err := pathID(r, "id")
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var in model.UpdateAllocationInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	p, a, err := h.service.UpdateAllocation(r.Context(), actor, id, in)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, allocationResponse{Payment: p, Allocation: a})
}

// RemoveAllocation удаляет распределение и возвращает платёж-владельца
// с пересчитанным статусом.
func (h *Handler) RemoveAllocation(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	id, err := pathID(r, "id")
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	p, err := h.service.RemoveAllocation(r.Context(), actor, id)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, p)
}

// GetReservationPaymentSummary возвращает расчёт оплаченности брони.
func (h *Handler) GetReservationPaymentSummary(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	id, err := pathID(r, "id")
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	summary, err := h.service.GetReservationPaymentSummary(r.Context(), actor, id)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, summary)
}

// GetUnallocatedReservations возвращает закрытые брони с остатком к оплате.
func (h *Handler) GetUnallocatedReservations(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	reservations, err := h.service.GetUnallocatedReservations(r.Context(), actor)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if len(reservations) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	h.writeJSON(w, http.StatusOK, reservations)
}
