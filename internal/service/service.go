// Package service реализует бизнес-логику подсистемы учёта платежей:
// проверку прав, схемную валидацию и уведомления вокруг транзакционных
// операций хранилища.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/mmeshcher/fleetpay-system/internal/model"
	"github.com/mmeshcher/fleetpay-system/internal/validation"
)

// ErrPermissionDenied возвращается, если роль пользователя ниже минимальной для операции.
var ErrPermissionDenied = errors.New("permission denied")

// ErrInvalidCredentials возвращается при неверном логине или пароле.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, login string, passwordHash []byte, role model.Role) (int64, error)
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)
	CreatePayment(ctx context.Context, in model.CreatePaymentInput) (*model.Payment, error)
	GetPayment(ctx context.Context, paymentID int64) (*model.Payment, error)
	ListPayments(ctx context.Context) ([]model.Payment, error)
	UpdatePayment(ctx context.Context, paymentID int64, in model.UpdatePaymentInput) (*model.Payment, error)
	DeletePayment(ctx context.Context, paymentID int64) (*model.Payment, error)
	AddAllocation(ctx context.Context, paymentID int64, in model.AllocationInput) (*model.Payment, *model.PaymentAllocation, error)
	BulkAllocate(ctx context.Context, paymentID int64, items []model.AllocationInput) (*model.Payment, []model.PaymentAllocation, error)
	UpdateAllocation(ctx context.Context, allocationID int64, in model.UpdateAllocationInput) (*model.Payment, *model.PaymentAllocation, error)
	RemoveAllocation(ctx context.Context, allocationID int64) (*model.Payment, error)
	GetReservationPaymentSummary(ctx context.Context, reservationID int64) (*model.ReservationSummary, error)
	GetUnallocatedReservations(ctx context.Context) ([]model.UnallocatedReservation, error)
}

// Notifier описывает контракт публикации событий после успешной операции.
type Notifier interface {
	Emit(ctx context.Context, event string, payload any)
}

// События, публикуемые сервисом.
const (
	EventPaymentCreated   = "payment.created"
	EventPaymentUpdated   = "payment.updated"
	EventPaymentDeleted   = "payment.deleted"
	EventPaymentAllocated = "payment.allocated"
)

// PaymentEvent — полезная нагрузка уведомления об операции над платежом.
type PaymentEvent struct {
	ActorID     int64                     `json:"actorId"`
	Payment     *model.Payment            `json:"payment"`
	Allocation  *model.PaymentAllocation  `json:"allocation,omitempty"`
	Allocations []model.PaymentAllocation `json:"allocations,omitempty"`
}

// Service содержит бизнес-логику подсистемы учёта платежей.
type Service struct {
	repo     Repository
	notifier Notifier
}

// NewService создаёт новый сервис с указанным репозиторием и нотификатором.
func NewService(repo Repository, notifier Notifier) *Service {
	return &Service{
		repo:     repo,
		notifier: notifier,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

func requireRole(actor model.Actor, min model.Role) error {
	if !actor.Role.AtLeast(min) {
		return ErrPermissionDenied
	}
	return nil
}

func (s *Service) emit(ctx context.Context, event string, payload PaymentEvent) {
	if s.notifier != nil {
		s.notifier.Emit(ctx, event, payload)
	}
}

// RegisterUser регистрирует нового пользователя с базовой ролью.
func (s *Service) RegisterUser(ctx context.Context, login, password string) (model.Actor, error) {
	hashed := hashPassword(login, password)
	id, err := s.repo.CreateUser(ctx, login, hashed, model.RoleMember)
	if err != nil {
		return model.Actor{}, err
	}
	return model.Actor{ID: id, Login: login, Role: model.RoleMember}, nil
}

// AuthenticateUser проверяет логин и пароль пользователя и возвращает его как актора.
func (s *Service) AuthenticateUser(ctx context.Context, login, password string) (model.Actor, error) {
	u, err := s.repo.GetUserByLogin(ctx, login)
	if err != nil {
		return model.Actor{}, err
	}

	hashed := hashPassword(login, password)
	if hex.EncodeToString(hashed) != hex.EncodeToString(u.PasswordHash) {
		return model.Actor{}, ErrInvalidCredentials
	}

	return model.Actor{ID: u.ID, Login: u.Login, Role: u.Role}, nil
}

func hashPassword(login, password string) []byte {
	sum := sha256.Sum256([]byte(login + ":" + password))
	return sum[:]
}

// CreatePayment создаёт платёж и публикует событие о создании.
func (s *Service) CreatePayment(ctx context.Context, actor model.Actor, in model.CreatePaymentInput) (*model.Payment, error) {
	if err := requireRole(actor, model.RoleMember); err != nil {
		return nil, err
	}
	if errs := validation.ValidateCreatePayment(in); errs != nil {
		return nil, errs
	}

	p, err := s.repo.CreatePayment(ctx, in)
	if err != nil {
		return nil, err
	}

	s.emit(ctx, EventPaymentCreated, PaymentEvent{ActorID: actor.ID, Payment: p})
	return p, nil
}

// GetPayment возвращает платёж по идентификатору.
func (s *Service) GetPayment(ctx context.Context, actor model.Actor, paymentID int64) (*model.Payment, error) {
	if err := requireRole(actor, model.RoleMember); err != nil {
		return nil, err
	}
	return s.repo.GetPayment(ctx, paymentID)
}

// ListPayments возвращает список платежей.
func (s *Service) ListPayments(ctx context.Context, actor model.Actor) ([]model.Payment, error) {
	if err := requireRole(actor, model.RoleMember); err != nil {
		return nil, err
	}
	return s.repo.ListPayments(ctx)
}

// UpdatePayment изменяет заголовок платежа и публикует событие об изменении.
func (s *Service) UpdatePayment(ctx context.Context, actor model.Actor, paymentID int64, in model.UpdatePaymentInput) (*model.Payment, error) {
	if err := requireRole(actor, model.RoleMember); err != nil {
		return nil, err
	}
	if errs := validation.ValidateUpdatePayment(in); errs != nil {
		return nil, errs
	}

	p, err := s.repo.UpdatePayment(ctx, paymentID, in)
	if err != nil {
		return nil, err
	}

	s.emit(ctx, EventPaymentUpdated, PaymentEvent{ActorID: actor.ID, Payment: p})
	return p, nil
}

// DeletePayment удаляет платёж. Доступно только роли менеджера.
func (s *Service) DeletePayment(ctx context.Context, actor model.Actor, paymentID int64) (*model.Payment, error) {
	if err := requireRole(actor, model.RoleManager); err != nil {
		return nil, err
	}

	p, err := s.repo.DeletePayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	s.emit(ctx, EventPaymentDeleted, PaymentEvent{ActorID: actor.ID, Payment: p})
	return p, nil
}

// AddAllocation применяет часть платежа к брони и публикует событие.
func (s *Service) AddAllocation(ctx context.Context, actor model.Actor, paymentID int64, in model.AllocationInput) (*model.Payment, *model.PaymentAllocation, error) {
	if err := requireRole(actor, model.RoleMember); err != nil {
		return nil, nil, err
	}
	if errs := validation.ValidateAllocation(in); errs != nil {
		return nil, nil, errs
	}

	p, a, err := s.repo.AddAllocation(ctx, paymentID, in)
	if err != nil {
		return nil, nil, err
	}

	s.emit(ctx, EventPaymentAllocated, PaymentEvent{ActorID: actor.ID, Payment: p, Allocation: a})
	return p, a, nil
}

// BulkAllocate применяет пакет распределений к платежу атомарно.
func (s *Service) BulkAllocate(ctx context.Context, actor model.Actor, paymentID int64, items []model.AllocationInput) (*model.Payment, []model.PaymentAllocation, error) {
	if err := requireRole(actor, model.RoleMember); err != nil {
		return nil, nil, err
	}
	if errs := validation.ValidateBulkAllocation(items); errs != nil {
		return nil, nil, errs
	}

	p, created, err := s.repo.BulkAllocate(ctx, paymentID, items)
	if err != nil {
		return nil, nil, err
	}

	s.emit(ctx, EventPaymentAllocated, PaymentEvent{ActorID: actor.ID, Payment: p, Allocations: created})
	return p, created, nil
}

// UpdateAllocation изменяет сумму распределения.
func (s *Service) UpdateAllocation(ctx context.Context, actor model.Actor, allocationID int64, in model.UpdateAllocationInput) (*model.Payment, *model.PaymentAllocation, error) {
	if err := requireRole(actor, model.RoleMember); err != nil {
		return nil, nil, err
	}
	if errs := validation.ValidateUpdateAllocation(in); errs != nil {
		return nil, nil, errs
	}

	p, a, err := s.repo.UpdateAllocation(ctx, allocationID, in)
	if err != nil {
		return nil, nil, err
	}

	s.emit(ctx, EventPaymentAllocated, PaymentEvent{ActorID: actor.ID, Payment: p, Allocation: a})
	return p, a, nil
}

// RemoveAllocation удаляет распределение.
func (s *Service) RemoveAllocation(ctx context.Context, actor model.Actor, allocationID int64) (*model.Payment, error) {
	if err := requireRole(actor, model.RoleMember); err != nil {
		return nil, err
	}

	p, err := s.repo.RemoveAllocation(ctx, allocationID)
	if err != nil {
		return nil, err
	}

	s.emit(ctx, EventPaymentAllocated, PaymentEvent{ActorID: actor.ID, Payment: p})
	return p, nil
}

// GetReservationPaymentSummary возвращает расчёт оплаченности брони.
func (s *Service) GetReservationPaymentSummary(ctx context.Context, actor model.Actor, reservationID int64) (*model.ReservationSummary, error) {
	if err := requireRole(actor, model.RoleMember); err != nil {
		return nil, err
	}
	return s.repo.GetReservationPaymentSummary(ctx, reservationID)
}

// GetUnallocatedReservations возвращает закрытые брони с остатком к оплате.
func (s *Service) GetUnallocatedReservations(ctx context.Context, actor model.Actor) ([]model.UnallocatedReservation, error) {
	if err := requireRole(actor, model.RoleMember); err != nil {
		return nil, err
	}
	return s.repo.GetUnallocatedReservations(ctx)
}
