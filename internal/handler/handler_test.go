package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/fleetpay-system/internal/middleware"
	"github.com/mmeshcher/fleetpay-system/internal/model"
	"github.com/mmeshcher/fleetpay-system/internal/repository"
	"github.com/mmeshcher/fleetpay-system/internal/service"
)

type stubService struct {
	registerActor model.Actor
	registerErr   error

	authActor model.Actor
	authErr   error

	payment     *model.Payment
	allocation  *model.PaymentAllocation
	allocations []model.PaymentAllocation
	payments    []model.Payment
	summary     *model.ReservationSummary
	unallocated []model.UnallocatedReservation
	err         error
}

func (s *stubService) RegisterUser(ctx context.Context, login, password string) (model.Actor, error) {
	return s.registerActor, s.registerErr
}

func (s *stubService) AuthenticateUser(ctx context.Context, login, password string) (model.Actor, error) {
	return s.authActor, s.authErr
}

func (s *stubService) CreatePayment(ctx context.Context, actor model.Actor, in model.CreatePaymentInput) (*model.Payment, error) {
	return s.payment, s.err
}

func (s *stubService) GetPayment(ctx context.Context, actor model.Actor, paymentID int64) (*model.Payment, error) {
	return s.payment, s.err
}

func (s *stubService) ListPayments(ctx context.Context, actor model.Actor) ([]model.Payment, error) {
	return s.payments, s.err
}

func (s *stubService) UpdatePayment(ctx context.Context, actor model.Actor, paymentID int64, in model.UpdatePaymentInput) (*model.Payment, error) {
	return s.payment, s.err
}

func (s *stubService) DeletePayment(ctx context.Context, actor model.Actor, paymentID int64) (*model.Payment, error) {
	return s.payment, s.err
}

func (s *stubService) AddAllocation(ctx context.Context, actor model.Actor, paymentID int64, in model.AllocationInput) (*model.Payment, *model.PaymentAllocation, error) {
	return s.payment, s.allocation, s.err
}

func (s *stubService) BulkAllocate(ctx context.Context, actor model.Actor, paymentID int64, items []model.AllocationInput) (*model.Payment, []model.PaymentAllocation, error) {
	return s.payment, s.allocations, s.err
}

func (s *stubService) UpdateAllocation(ctx context.Context, actor model.Actor, allocationID int64, in model.UpdateAllocationInput) (*model.Payment, *model.PaymentAllocation, error) {
	return s.payment, s.allocation, s.err
}

func (s *stubService) RemoveAllocation(ctx context.Context, actor model.Actor, allocationID int64) (*model.Payment, error) {
	return s.payment, s.err
}

func (s *stubService) GetReservationPaymentSummary(ctx context.Context, actor model.Actor, reservationID int64) (*model.ReservationSummary, error) {
	return s.summary, s.err
}

func (s *stubService) GetUnallocatedReservations(ctx context.Context, actor model.Actor) ([]model.UnallocatedReservation, error) {
	return s.unallocated, s.err
}

func newTestHandler(t *testing.T, svc Service) *Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	auth := middleware.NewAuthMiddleware("test-secret")

	return NewHandler(svc, logger, auth)
}

func authedRequest(method, target string, body []byte) *http.Request {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	actor := model.Actor{ID: 1, Login: "clerk", Role: model.RoleMember}
	return req.WithContext(middleware.WithActor(req.Context(), actor))
}

// withPathID подкладывает параметр пути chi, чтобы вызывать обработчики напрямую.
func withPathID(req *http.Request, id string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", id)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestRegister_Success(t *testing.T) {
	svc := &stubService{
		registerActor: model.Actor{ID: 42, Login: "user", Role: model.RoleMember},
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(credentialsRequest{
		Login:    "user",
		Password: "pass",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/user/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Register(rec, req)

	res := rec.Result()
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	cookies := res.Cookies()
	if len(cookies) == 0 {
		t.Fatalf("expected auth cookie to be set")
	}
}

func TestRegister_Conflict(t *testing.T) {
	svc := &stubService{registerErr: repository.ErrUserExists}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(credentialsRequest{Login: "user", Password: "pass"})
	req := httptest.NewRequest(http.MethodPost, "/api/user/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Register(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
}

func TestCreatePayment_Success(t *testing.T) {
	svc := &stubService{
		payment: &model.Payment{
			ID:     10,
			Code:   "PM-00010",
			Amount: 110000,
			Status: model.PaymentStatusUnallocated,
			PaidAt: time.Now(),
		},
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(model.CreatePaymentInput{
		PaidAt:    time.Now(),
		Amount:    110000,
		Category:  model.PaymentCategoryBankTransfer,
		PayerName: "Acme Logistics",
	})

	rec := httptest.NewRecorder()
	h.CreatePayment(rec, authedRequest(http.MethodPost, "/api/payments", body))

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusCreated)
	}

	var resp model.Payment
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Code != "PM-00010" || resp.Status != model.PaymentStatusUnallocated {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestCreatePayment_Unauthorized(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	req := httptest.NewRequest(http.MethodPost, "/api/payments", bytes.NewReader([]byte("{}")))
	rec := httptest.NewRecorder()
	h.CreatePayment(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestCreatePayment_ValidationError(t *testing.T) {
	svc := &stubService{
		err: model.NewFieldError("amount", "amount must not be negative"),
	}
	h := newTestHandler(t, svc)

	rec := httptest.NewRecorder()
	h.CreatePayment(rec, authedRequest(http.MethodPost, "/api/payments", []byte(`{"amount":-1}`)))

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnprocessableEntity)
	}

	var resp validationErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Errors["amount"]) == 0 {
		t.Fatalf("expected amount error in response, got %+v", resp)
	}
}

func TestGetPayment_NotFound(t *testing.T) {
	svc := &stubService{err: repository.ErrPaymentNotFound}
	h := newTestHandler(t, svc)

	req := withPathID(authedRequest(http.MethodGet, "/api/payments/99", nil), "99")
	rec := httptest.NewRecorder()

	h.GetPayment(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestDeletePayment_Forbidden(t *testing.T) {
	svc := &stubService{err: service.ErrPermissionDenied}
	h := newTestHandler(t, svc)

	req := withPathID(authedRequest(http.MethodDelete, "/api/payments/10", nil), "10")
	rec := httptest.NewRecorder()

	h.DeletePayment(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusForbidden)
	}
}

func TestGetReservationPaymentSummary(t *testing.T) {
	svc := &stubService{
		summary: &model.ReservationSummary{
			TotalAmount:     110000,
			AllocatedAmount: 60000,
			RemainingAmount: 50000,
		},
	}
	h := newTestHandler(t, svc)

	req := withPathID(authedRequest(http.MethodGet, "/api/reservations/3/payment-summary", nil), "3")
	rec := httptest.NewRecorder()

	h.GetReservationPaymentSummary(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp model.ReservationSummary
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.RemainingAmount != 50000 {
		t.Fatalf("remaining = %d, want 50000", resp.RemainingAmount)
	}
}

func TestListPayments_Empty(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	rec := httptest.NewRecorder()
	h.ListPayments(rec, authedRequest(http.MethodGet, "/api/payments", nil))

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
}
