package repository

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/mmeshcher/fleetpay-system/internal/model"
)

// Тесты в этом файле требуют реальной базы и запускаются только при
// установленной переменной окружения DATABASE_URI.

func newTestRepository(t *testing.T) *PostgresRepository {
	t.Helper()

	dsn := os.Getenv("DATABASE_URI")
	if dsn == "" {
		t.Skip("DATABASE_URI is not set")
	}

	r, err := NewPostgresRepository(dsn)
	if err != nil {
		t.Fatalf("connect to database: %v", err)
	}
	t.Cleanup(func() { r.Close() })

	_, err = r.pool.Exec(context.Background(),
		`TRUNCATE payment_allocations, invoices, payments, reservations, users RESTART IDENTITY CASCADE`)
	if err != nil {
		t.Fatalf("truncate tables: %v", err)
	}

	return r
}

func seedReservation(t *testing.T, r *PostgresRepository, actual *int64, tax int64) int64 {
	t.Helper()

	var id int64
	err := r.pool.QueryRow(context.Background(),
		`INSERT INTO reservations (renter_name, actual_amount, tax_amount) VALUES ($1, $2, $3) RETURNING id`,
		"Test Renter", actual, tax,
	).Scan(&id)
	if err != nil {
		t.Fatalf("seed reservation: %v", err)
	}
	return id
}

func seedPayment(t *testing.T, r *PostgresRepository, amount int64) *model.Payment {
	t.Helper()

	p, err := r.CreatePayment(context.Background(), model.CreatePaymentInput{
		PaidAt:    time.Now().UTC(),
		Amount:    amount,
		Category:  model.PaymentCategoryBankTransfer,
		PayerName: "Test Payer",
	})
	if err != nil {
		t.Fatalf("seed payment: %v", err)
	}
	return p
}

func requireFieldError(t *testing.T, err error, field, want string) {
	t.Helper()

	var fe model.FieldErrors
	if !errors.As(err, &fe) {
		t.Fatalf("expected field errors, got %v", err)
	}
	msgs, ok := fe[field]
	if !ok || len(msgs) == 0 {
		t.Fatalf("no error for field %q, got %v", field, fe)
	}
	if msgs[0] != want {
		t.Errorf("field %q: got %q, want %q", field, msgs[0], want)
	}
}

func countAllocations(t *testing.T, r *PostgresRepository, paymentID int64) int {
	t.Helper()

	var n int
	err := r.pool.QueryRow(context.Background(),
		`SELECT COUNT(*) FROM payment_allocations WHERE payment_id = $1`, paymentID,
	).Scan(&n)
	if err != nil {
		t.Fatalf("count allocations: %v", err)
	}
	return n
}

func int64ptr(v int64) *int64 { return &v }

func TestCreatePaymentInlineAllocationsExceedAmount(t *testing.T) {
	r := newTestRepository(t)
	ctx := context.Background()
	resA := seedReservation(t, r, int64ptr(600), 0)
	resB := seedReservation(t, r, int64ptr(600), 0)

	_, err := r.CreatePayment(ctx, model.CreatePaymentInput{
		PaidAt:    time.Now().UTC(),
		Amount:    1000,
		Category:  model.PaymentCategoryCash,
		PayerName: "Test Payer",
		Allocations: []model.AllocationInput{
			{ReservationID: resA, Amount: 600},
			{ReservationID: resB, Amount: 500},
		},
	})
	requireFieldError(t, err, "allocations.1.allocatedAmount",
		"allocated total exceeds payment amount (1000)")

	// Транзакция откатывается целиком: ни платёж, ни первое распределение не сохраняются.
	var payments int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM payments`).Scan(&payments); err != nil {
		t.Fatalf("count payments: %v", err)
	}
	if payments != 0 {
		t.Errorf("payments after rollback: got %d, want 0", payments)
	}
}

func TestCreatePaymentInlineAllocationReservationMissing(t *testing.T) {
	r := newTestRepository(t)

	_, err := r.CreatePayment(context.Background(), model.CreatePaymentInput{
		PaidAt:    time.Now().UTC(),
		Amount:    1000,
		Category:  model.PaymentCategoryCash,
		PayerName: "Test Payer",
		Allocations: []model.AllocationInput{
			{ReservationID: 9999, Amount: 100},
		},
	})
	requireFieldError(t, err, "allocations.0.reservationId", "reservation not found")
}

func TestAddAllocationPaymentResidual(t *testing.T) {
	r := newTestRepository(t)
	ctx := context.Background()
	resA := seedReservation(t, r, int64ptr(5000), 0)
	resB := seedReservation(t, r, int64ptr(5000), 0)
	p := seedPayment(t, r, 1000)

	if _, _, err := r.AddAllocation(ctx, p.ID, model.AllocationInput{ReservationID: resA, Amount: 600}); err != nil {
		t.Fatalf("first allocation: %v", err)
	}

	_, _, err := r.AddAllocation(ctx, p.ID, model.AllocationInput{ReservationID: resB, Amount: 500})
	requireFieldError(t, err, "allocatedAmount",
		"allocated amount exceeds payment's remaining balance (400)")

	if n := countAllocations(t, r, p.ID); n != 1 {
		t.Errorf("allocations after rejection: got %d, want 1", n)
	}
}

func TestAddAllocationReservationResidual(t *testing.T) {
	r := newTestRepository(t)
	ctx := context.Background()
	res := seedReservation(t, r, int64ptr(400), 100)
	first := seedPayment(t, r, 10000)
	second := seedPayment(t, r, 10000)

	if _, _, err := r.AddAllocation(ctx, first.ID, model.AllocationInput{ReservationID: res, Amount: 300}); err != nil {
		t.Fatalf("first allocation: %v", err)
	}

	_, _, err := r.AddAllocation(ctx, second.ID, model.AllocationInput{ReservationID: res, Amount: 300})
	requireFieldError(t, err, "allocatedAmount",
		"allocated amount exceeds reservation's remaining balance (200)")

	if n := countAllocations(t, r, second.ID); n != 0 {
		t.Errorf("allocations after rejection: got %d, want 0", n)
	}
}

func TestAddAllocationUnsettledReservation(t *testing.T) {
	r := newTestRepository(t)
	res := seedReservation(t, r, nil, 100)
	p := seedPayment(t, r, 1000)

	_, _, err := r.AddAllocation(context.Background(), p.ID, model.AllocationInput{ReservationID: res, Amount: 100})
	requireFieldError(t, err, "reservationId", "reservation is not settled")
}

func TestUpdatePaymentAmountFloor(t *testing.T) {
	r := newTestRepository(t)
	ctx := context.Background()
	res := seedReservation(t, r, int64ptr(5000), 0)
	p := seedPayment(t, r, 1000)

	if _, _, err := r.AddAllocation(ctx, p.ID, model.AllocationInput{ReservationID: res, Amount: 600}); err != nil {
		t.Fatalf("allocation: %v", err)
	}

	in := model.UpdatePaymentInput{
		PaidAt:    p.PaidAt,
		Amount:    500,
		Category:  p.Category,
		PayerName: p.PayerName,
	}
	_, err := r.UpdatePayment(ctx, p.ID, in)
	requireFieldError(t, err, "amount", "amount must not be less than the allocated total (600)")

	// Точно на уровне распределённого итога сумма допустима, статус становится полным.
	in.Amount = 600
	updated, err := r.UpdatePayment(ctx, p.ID, in)
	if err != nil {
		t.Fatalf("update to allocated total: %v", err)
	}
	if updated.Status != model.PaymentStatusFullyAllocated {
		t.Errorf("status: got %s, want %s", updated.Status, model.PaymentStatusFullyAllocated)
	}
}

func TestUpdateAllocationExcludesOwnAmount(t *testing.T) {
	r := newTestRepository(t)
	ctx := context.Background()
	res := seedReservation(t, r, int64ptr(900), 100)
	p := seedPayment(t, r, 1000)

	_, a, err := r.AddAllocation(ctx, p.ID, model.AllocationInput{ReservationID: res, Amount: 600})
	if err != nil {
		t.Fatalf("allocation: %v", err)
	}

	// Остатки считаются без текущей суммы распределения: рост с 600 до 1000
	// укладывается и в платёж, и в бронь.
	payment, updated, err := r.UpdateAllocation(ctx, a.ID, model.UpdateAllocationInput{Amount: 1000})
	if err != nil {
		t.Fatalf("raise to full amount: %v", err)
	}
	if updated.Amount != 1000 {
		t.Errorf("allocation amount: got %d, want 1000", updated.Amount)
	}
	if payment.Status != model.PaymentStatusFullyAllocated {
		t.Errorf("status: got %s, want %s", payment.Status, model.PaymentStatusFullyAllocated)
	}

	_, _, err = r.UpdateAllocation(ctx, a.ID, model.UpdateAllocationInput{Amount: 1001})
	requireFieldError(t, err, "allocatedAmount",
		"allocated amount exceeds payment's remaining balance (1000)")
}

func TestBulkAllocateRollsBackOnFailure(t *testing.T) {
	r := newTestRepository(t)
	ctx := context.Background()
	resA := seedReservation(t, r, int64ptr(5000), 0)
	resB := seedReservation(t, r, int64ptr(100), 0)
	p := seedPayment(t, r, 1000)

	_, _, err := r.BulkAllocate(ctx, p.ID, []model.AllocationInput{
		{ReservationID: resA, Amount: 400},
		{ReservationID: resB, Amount: 300},
	})
	requireFieldError(t, err, "allocations.1.allocatedAmount",
		"allocated amount exceeds reservation's remaining balance (100)")

	// Пакет применяется целиком или не применяется вовсе.
	if n := countAllocations(t, r, p.ID); n != 0 {
		t.Errorf("allocations after rollback: got %d, want 0", n)
	}
	got, err := r.GetPayment(ctx, p.ID)
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if got.Status != model.PaymentStatusUnallocated {
		t.Errorf("status after rollback: got %s, want %s", got.Status, model.PaymentStatusUnallocated)
	}
}

func TestBulkAllocateSucceedsAcrossReservations(t *testing.T) {
	r := newTestRepository(t)
	ctx := context.Background()
	resA := seedReservation(t, r, int64ptr(5000), 0)
	resB := seedReservation(t, r, int64ptr(5000), 0)
	p := seedPayment(t, r, 1000)

	payment, created, err := r.BulkAllocate(ctx, p.ID, []model.AllocationInput{
		{ReservationID: resB, Amount: 400},
		{ReservationID: resA, Amount: 600},
	})
	if err != nil {
		t.Fatalf("bulk allocate: %v", err)
	}
	if len(created) != 2 {
		t.Fatalf("created allocations: got %d, want 2", len(created))
	}
	// Результат следует порядку входа независимо от порядка блокировок.
	if created[0].ReservationID != resB || created[1].ReservationID != resA {
		t.Errorf("allocation order: got %d,%d, want %d,%d",
			created[0].ReservationID, created[1].ReservationID, resB, resA)
	}
	if payment.Status != model.PaymentStatusFullyAllocated {
		t.Errorf("status: got %s, want %s", payment.Status, model.PaymentStatusFullyAllocated)
	}
}
