// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/mmeshcher/fleetpay-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с уже существующим логином.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrPaymentNotFound возвращается, если платёж не найден.
	ErrPaymentNotFound = errors.New("payment not found")
	// ErrReservationNotFound возвращается, если бронь не найдена.
	ErrReservationNotFound = errors.New("reservation not found")
	// ErrAllocationNotFound возвращается, если распределение не найдено.
	ErrAllocationNotFound = errors.New("allocation not found")
)

const paymentCodePrefix = "PM-"

// Ключ advisory-блокировки, сериализующей выдачу кодов платежей.
const paymentCodeLockKey = 743928156

// FormatPaymentCode форматирует человекочитаемый код платежа по его порядковому номеру.
func FormatPaymentCode(n int64) string {
	return fmt.Sprintf("%s%05d", paymentCodePrefix, n)
}

// querier объединяет pgxpool.Pool и pgx.Tx для переиспользования запросов.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет транзакцию при конфликте сериализации или дедлоке.
// Бизнес-ошибки и ошибки контекста не ретраятся.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewExponential(500*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				return retry.RetryableError(err)
			}
		}

		return err
	})
}

// translateUnique переводит нарушение уникального ограничения в ошибку
// валидации по конкретному полю. Возвращает nil для остальных ошибок.
func translateUnique(err error) model.FieldErrors {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgerrcode.UniqueViolation {
		return nil
	}

	switch pgErr.ConstraintName {
	case "payments_external_id_key":
		return model.NewFieldError("externalId", "payment with this external id already exists")
	case "payment_allocations_pair_key":
		return model.NewFieldError("reservationId", "allocation for this reservation already exists")
	}

	return model.NewFieldError("general", "duplicate value violates a unique constraint")
}

func prefixFieldErrors(prefix string, fe model.FieldErrors) model.FieldErrors {
	out := model.FieldErrors{}
	for field, msgs := range fe {
		for _, m := range msgs {
			out.Add(prefix+field, m)
		}
	}
	return out
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового пользователя с указанной ролью.
func (r *PostgresRepository) CreateUser(ctx context.Context, login string, passwordHash []byte, role model.Role) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (login, password_hash, role) VALUES ($1, $2, $3) RETURNING id`,
		login, passwordHash, string(role),
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, login)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

// GetUserByLogin возвращает пользователя по логину.
func (r *PostgresRepository) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, role, created_at FROM users WHERE login = $1`,
		login,
	)

	var u model.User
	var role string
	err := row.Scan(&u.ID, &u.Login, &u.PasswordHash, &role, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.Role = model.Role(role)

	return &u, nil
}

// nextPaymentCode выдаёт следующий код платежа. Advisory-блокировка на время
// транзакции не даёт двум параллельным созданиям получить один номер.
func (r *PostgresRepository) nextPaymentCode(ctx context.Context, q querier) (string, error) {
	if _, err := q.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, paymentCodeLockKey); err != nil {
		return "", fmt.Errorf("lock payment numbering: %w", err)
	}

	var last int64
	err := q.QueryRow(ctx,
		`SELECT COALESCE(MAX(CAST(SUBSTRING(code FROM 4) AS BIGINT)), 0) FROM payments`,
	).Scan(&last)
	if err != nil {
		return "", fmt.Errorf("read last payment code: %w", err)
	}

	return FormatPaymentCode(last + 1), nil
}

// lockPayment блокирует строку платежа на время транзакции и возвращает его сумму.
func (r *PostgresRepository) lockPayment(ctx context.Context, q querier, paymentID int64) (int64, error) {
	var amount int64
	err := q.QueryRow(ctx, `SELECT amount FROM payments WHERE id = $1 FOR UPDATE`, paymentID).Scan(&amount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrPaymentNotFound
		}
		return 0, fmt.Errorf("lock payment: %w", err)
	}
	return amount, nil
}

// lockReservation блокирует строку брони на время транзакции и возвращает её.
func (r *PostgresRepository) lockReservation(ctx context.Context, q querier, reservationID int64) (model.Reservation, error) {
	var res model.Reservation
	err := q.QueryRow(ctx,
		`SELECT id, renter_name, actual_amount, tax_amount FROM reservations WHERE id = $1 FOR UPDATE`,
		reservationID,
	).Scan(&res.ID, &res.RenterName, &res.ActualAmount, &res.TaxAmount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Reservation{}, ErrReservationNotFound
		}
		return model.Reservation{}, fmt.Errorf("lock reservation: %w", err)
	}
	return res, nil
}

// sumPaymentAllocations возвращает сумму распределений платежа.
// excludeID исключает одну строку, ноль — ничего не исключает.
func (r *PostgresRepository) sumPaymentAllocations(ctx context.Context, q querier, paymentID, excludeID int64) (int64, error) {
	var total int64
	err := q.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0)
		 FROM payment_allocations
		 WHERE payment_id = $1 AND id <> $2`,
		paymentID, excludeID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum payment allocations: %w", err)
	}
	return total, nil
}

// sumReservationAllocations возвращает сумму распределений, ссылающихся на бронь.
func (r *PostgresRepository) sumReservationAllocations(ctx context.Context, q querier, reservationID, excludeID int64) (int64, error) {
	var total int64
	err := q.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0)
		 FROM payment_allocations
		 WHERE reservation_id = $1 AND id <> $2`,
		reservationID, excludeID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum reservation allocations: %w", err)
	}
	return total, nil
}

// recomputeStatus пересчитывает производный статус платежа внутри той же транзакции,
// что и вызвавшая его запись.
func (r *PostgresRepository) recomputeStatus(ctx context.Context, q querier, paymentID int64) error {
	var amount int64
	err := q.QueryRow(ctx, `SELECT amount FROM payments WHERE id = $1`, paymentID).Scan(&amount)
	if err != nil {
		return fmt.Errorf("read payment amount: %w", err)
	}

	allocated, err := r.sumPaymentAllocations(ctx, q, paymentID, 0)
	if err != nil {
		return err
	}

	_, err = q.Exec(ctx,
		`UPDATE payments SET status = $2 WHERE id = $1`,
		paymentID, string(model.ComputeStatus(amount, allocated)),
	)
	if err != nil {
		return fmt.Errorf("update payment status: %w", err)
	}

	return nil
}

func (r *PostgresRepository) insertAllocation(ctx context.Context, q querier, paymentID int64, in model.AllocationInput) (*model.PaymentAllocation, error) {
	a := model.PaymentAllocation{
		PaymentID:     paymentID,
		ReservationID: in.ReservationID,
		InvoiceID:     in.InvoiceID,
		Amount:        in.Amount,
		Note:          in.Note,
	}

	err := q.QueryRow(ctx,
		`INSERT INTO payment_allocations (payment_id, reservation_id, invoice_id, amount, note)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		paymentID, in.ReservationID, in.InvoiceID, in.Amount, in.Note,
	).Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		return nil, err
	}

	return &a, nil
}

const paymentColumns = `p.id, p.code, p.paid_at, p.amount, p.category, p.provider, p.payer_name,
	 p.terminal, p.external_id, p.note, p.status, p.created_at,
	 COALESCE((SELECT SUM(a.amount) FROM payment_allocations a WHERE a.payment_id = p.id), 0)`

func scanPayment(row pgx.Row) (*model.Payment, error) {
	var p model.Payment
	var category, status string
	err := row.Scan(&p.ID, &p.Code, &p.PaidAt, &p.Amount, &category, &p.Provider, &p.PayerName,
		&p.Terminal, &p.ExternalID, &p.Note, &status, &p.CreatedAt, &p.AllocatedTotal)
	if err != nil {
		return nil, err
	}
	p.Category = model.PaymentCategory(category)
	p.Status = model.PaymentStatus(status)
	return &p, nil
}

// getPayment загружает платёж вместе с его распределениями.
func (r *PostgresRepository) getPayment(ctx context.Context, q querier, paymentID int64) (*model.Payment, error) {
	row := q.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments p WHERE p.id = $1`,
		paymentID,
	)

	p, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, fmt.Errorf("get payment: %w", err)
	}

	rows, err := q.Query(ctx,
		`SELECT id, payment_id, reservation_id, invoice_id, amount, note, created_at
		 FROM payment_allocations
		 WHERE payment_id = $1
		 ORDER BY id`,
		paymentID,
	)
	if err != nil {
		return nil, fmt.Errorf("select allocations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var a model.PaymentAllocation
		if err := rows.Scan(&a.ID, &a.PaymentID, &a.ReservationID, &a.InvoiceID, &a.Amount, &a.Note, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan allocation: %w", err)
		}
		p.Allocations = append(p.Allocations, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return p, nil
}

// GetPayment возвращает платёж по идентификатору вместе с распределениями.
func (r *PostgresRepository) GetPayment(ctx context.Context, paymentID int64) (*model.Payment, error) {
	return r.getPayment(ctx, r.pool, paymentID)
}

// ListPayments возвращает все платежи, новые первыми.
func (r *PostgresRepository) ListPayments(ctx context.Context) ([]model.Payment, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+paymentColumns+` FROM payments p ORDER BY p.id DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("select payments: %w", err)
	}
	defer rows.Close()

	var payments []model.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		payments = append(payments, *p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return payments, nil
}

// CreatePayment создаёт платёж, выдаёт ему код и применяет встроенные
// распределения в порядке их следования. Брони блокируются в порядке
// возрастания идентификаторов, как и в пакетном распределении. Нарушение
// любого инварианта откатывает транзакцию целиком.
func (r *PostgresRepository) CreatePayment(ctx context.Context, in model.CreatePaymentInput) (*model.Payment, error) {
	var created *model.Payment

	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		code, err := r.nextPaymentCode(ctx, tx)
		if err != nil {
			return err
		}

		var paymentID int64
		err = tx.QueryRow(ctx,
			`INSERT INTO payments (code, paid_at, amount, category, provider, payer_name, terminal, external_id, note, status)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			 RETURNING id`,
			code, in.PaidAt, in.Amount, string(in.Category), in.Provider, in.PayerName,
			in.Terminal, in.ExternalID, in.Note, string(model.PaymentStatusUnallocated),
		).Scan(&paymentID)
		if err != nil {
			if fe := translateUnique(err); fe != nil {
				return fe
			}
			return fmt.Errorf("insert payment: %w", err)
		}

		var reservations map[int64]model.Reservation
		if len(in.Allocations) > 0 {
			reservations, err = r.lockReservations(ctx, tx, in.Allocations)
			if err != nil {
				return err
			}
		}

		var running int64
		for i, a := range in.Allocations {
			path := fmt.Sprintf("allocations.%d", i)

			if running+a.Amount > in.Amount {
				return model.NewFieldError(path+".allocatedAmount",
					fmt.Sprintf("allocated total exceeds payment amount (%d)", in.Amount))
			}

			res, ok := reservations[a.ReservationID]
			if !ok {
				return model.NewFieldError(path+".reservationId", "reservation not found")
			}
			if !res.Settled() {
				return model.NewFieldError(path+".reservationId", "reservation is not settled")
			}

			allocated, err := r.sumReservationAllocations(ctx, tx, res.ID, 0)
			if err != nil {
				return err
			}
			if residual := res.TotalDue() - allocated; a.Amount > residual {
				return model.NewFieldError(path+".allocatedAmount",
					fmt.Sprintf("allocated amount exceeds reservation's remaining balance (%d)", residual))
			}

			if _, err := r.insertAllocation(ctx, tx, paymentID, a); err != nil {
				if fe := translateUnique(err); fe != nil {
					return prefixFieldErrors(path+".", fe)
				}
				return fmt.Errorf("insert allocation: %w", err)
			}
			running += a.Amount
		}

		if err := r.recomputeStatus(ctx, tx, paymentID); err != nil {
			return err
		}

		p, err := r.getPayment(ctx, tx, paymentID)
		if err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		created = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	return created, nil
}

// UpdatePayment изменяет заголовок платежа. Новая сумма не может быть
// меньше уже распределённого итога.
func (r *PostgresRepository) UpdatePayment(ctx context.Context, paymentID int64, in model.UpdatePaymentInput) (*model.Payment, error) {
	var updated *model.Payment

	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if _, err := r.lockPayment(ctx, tx, paymentID); err != nil {
			return err
		}

		allocated, err := r.sumPaymentAllocations(ctx, tx, paymentID, 0)
		if err != nil {
			return err
		}
		if in.Amount < allocated {
			return model.NewFieldError("amount",
				fmt.Sprintf("amount must not be less than the allocated total (%d)", allocated))
		}

		_, err = tx.Exec(ctx,
			`UPDATE payments
			 SET paid_at = $2, amount = $3, category = $4, provider = $5, payer_name = $6,
			     terminal = $7, external_id = $8, note = $9
			 WHERE id = $1`,
			paymentID, in.PaidAt, in.Amount, string(in.Category), in.Provider, in.PayerName,
			in.Terminal, in.ExternalID, in.Note,
		)
		if err != nil {
			if fe := translateUnique(err); fe != nil {
				return fe
			}
			return fmt.Errorf("update payment: %w", err)
		}

		if err := r.recomputeStatus(ctx, tx, paymentID); err != nil {
			return err
		}

		p, err := r.getPayment(ctx, tx, paymentID)
		if err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		updated = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

// DeletePayment удаляет платёж вместе с его распределениями (каскад в БД)
// и возвращает снимок на момент удаления.
func (r *PostgresRepository) DeletePayment(ctx context.Context, paymentID int64) (*model.Payment, error) {
	var deleted *model.Payment

	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if _, err := r.lockPayment(ctx, tx, paymentID); err != nil {
			return err
		}

		p, err := r.getPayment(ctx, tx, paymentID)
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `DELETE FROM payments WHERE id = $1`, paymentID); err != nil {
			return fmt.Errorf("delete payment: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		deleted = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	return deleted, nil
}

// AddAllocation применяет часть платежа к закрытой брони. Остатки обеих
// сторон проверяются под блокировками соответствующих строк.
func (r *PostgresRepository) AddAllocation(ctx context.Context, paymentID int64, in model.AllocationInput) (*model.Payment, *model.PaymentAllocation, error) {
	var (
		payment    *model.Payment
		allocation *model.PaymentAllocation
	)

	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		amount, err := r.lockPayment(ctx, tx, paymentID)
		if err != nil {
			return err
		}

		res, err := r.lockReservation(ctx, tx, in.ReservationID)
		if err != nil {
			return err
		}
		if !res.Settled() {
			return model.NewFieldError("reservationId", "reservation is not settled")
		}

		paymentAllocated, err := r.sumPaymentAllocations(ctx, tx, paymentID, 0)
		if err != nil {
			return err
		}
		if paymentAllocated+in.Amount > amount {
			return model.NewFieldError("allocatedAmount",
				fmt.Sprintf("allocated amount exceeds payment's remaining balance (%d)", amount-paymentAllocated))
		}

		reservationAllocated, err := r.sumReservationAllocations(ctx, tx, res.ID, 0)
		if err != nil {
			return err
		}
		if residual := res.TotalDue() - reservationAllocated; in.Amount > residual {
			return model.NewFieldError("allocatedAmount",
				fmt.Sprintf("allocated amount exceeds reservation's remaining balance (%d)", residual))
		}

		a, err := r.insertAllocation(ctx, tx, paymentID, in)
		if err != nil {
			if fe := translateUnique(err); fe != nil {
				return fe
			}
			return fmt.Errorf("insert allocation: %w", err)
		}

		if err := r.recomputeStatus(ctx, tx, paymentID); err != nil {
			return err
		}

		p, err := r.getPayment(ctx, tx, paymentID)
		if err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		payment = p
		allocation = a
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	return payment, allocation, nil
}

// BulkAllocate применяет пакет распределений к одному платежу за одну
// транзакцию. Брони блокируются в порядке возрастания идентификаторов,
// чтобы параллельные пакеты не взаимоблокировались. Ошибка любого элемента
// откатывает весь пакет.
func (r *PostgresRepository) BulkAllocate(ctx context.Context, paymentID int64, items []model.AllocationInput) (*model.Payment, []model.PaymentAllocation, error) {
	var (
		payment *model.Payment
		created []model.PaymentAllocation
	)

	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		amount, err := r.lockPayment(ctx, tx, paymentID)
		if err != nil {
			return err
		}

		reservations, err := r.lockReservations(ctx, tx, items)
		if err != nil {
			return err
		}

		running, err := r.sumPaymentAllocations(ctx, tx, paymentID, 0)
		if err != nil {
			return err
		}

		allocations := make([]model.PaymentAllocation, 0, len(items))
		for i, item := range items {
			path := fmt.Sprintf("allocations.%d", i)

			res, ok := reservations[item.ReservationID]
			if !ok {
				return model.NewFieldError(path+".reservationId", "reservation not found")
			}
			if !res.Settled() {
				return model.NewFieldError(path+".reservationId", "reservation is not settled")
			}

			if running+item.Amount > amount {
				return model.NewFieldError(path+".allocatedAmount",
					fmt.Sprintf("allocated amount exceeds payment's remaining balance (%d)", amount-running))
			}

			reservationAllocated, err := r.sumReservationAllocations(ctx, tx, res.ID, 0)
			if err != nil {
				return err
			}
			if residual := res.TotalDue() - reservationAllocated; item.Amount > residual {
				return model.NewFieldError(path+".allocatedAmount",
					fmt.Sprintf("allocated amount exceeds reservation's remaining balance (%d)", residual))
			}

			a, err := r.insertAllocation(ctx, tx, paymentID, item)
			if err != nil {
				if fe := translateUnique(err); fe != nil {
					return prefixFieldErrors(path+".", fe)
				}
				return fmt.Errorf("insert allocation: %w", err)
			}

			allocations = append(allocations, *a)
			running += item.Amount
		}

		if err := r.recomputeStatus(ctx, tx, paymentID); err != nil {
			return err
		}

		p, err := r.getPayment(ctx, tx, paymentID)
		if err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		payment = p
		created = allocations
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	return payment, created, nil
}

// lockReservations блокирует все брони пакета в порядке возрастания id
// и возвращает их по идентификатору. Отсутствующие брони не попадают в результат.
func (r *PostgresRepository) lockReservations(ctx context.Context, q querier, items []model.AllocationInput) (map[int64]model.Reservation, error) {
	ids := make([]int64, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ReservationID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	rows, err := q.Query(ctx,
		`SELECT id, renter_name, actual_amount, tax_amount
		 FROM reservations
		 WHERE id = ANY($1)
		 ORDER BY id
		 FOR UPDATE`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("lock reservations: %w", err)
	}
	defer rows.Close()

	reservations := make(map[int64]model.Reservation, len(ids))
	for rows.Next() {
		var res model.Reservation
		if err := rows.Scan(&res.ID, &res.RenterName, &res.ActualAmount, &res.TaxAmount); err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		reservations[res.ID] = res
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return reservations, nil
}

// UpdateAllocation меняет сумму распределения. Остатки платежа и брони
// пересчитываются без учёта текущей суммы этого распределения.
func (r *PostgresRepository) UpdateAllocation(ctx context.Context, allocationID int64, in model.UpdateAllocationInput) (*model.Payment, *model.PaymentAllocation, error) {
	var (
		payment    *model.Payment
		allocation *model.PaymentAllocation
	)

	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		a, err := r.lockAllocation(ctx, tx, allocationID)
		if err != nil {
			return err
		}

		amount, err := r.lockPayment(ctx, tx, a.PaymentID)
		if err != nil {
			return err
		}

		res, err := r.lockReservation(ctx, tx, a.ReservationID)
		if err != nil {
			return err
		}

		paymentAllocated, err := r.sumPaymentAllocations(ctx, tx, a.PaymentID, a.ID)
		if err != nil {
			return err
		}
		if paymentAllocated+in.Amount > amount {
			return model.NewFieldError("allocatedAmount",
				fmt.Sprintf("allocated amount exceeds payment's remaining balance (%d)", amount-paymentAllocated))
		}

		reservationAllocated, err := r.sumReservationAllocations(ctx, tx, res.ID, a.ID)
		if err != nil {
			return err
		}
		if residual := res.TotalDue() - reservationAllocated; in.Amount > residual {
			return model.NewFieldError("allocatedAmount",
				fmt.Sprintf("allocated amount exceeds reservation's remaining balance (%d)", residual))
		}

		err = tx.QueryRow(ctx,
			`UPDATE payment_allocations
			 SET amount = $2, note = COALESCE($3, note)
			 WHERE id = $1
			 RETURNING amount, note`,
			a.ID, in.Amount, in.Note,
		).Scan(&a.Amount, &a.Note)
		if err != nil {
			return fmt.Errorf("update allocation: %w", err)
		}

		if err := r.recomputeStatus(ctx, tx, a.PaymentID); err != nil {
			return err
		}

		p, err := r.getPayment(ctx, tx, a.PaymentID)
		if err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		payment = p
		allocation = a
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	return payment, allocation, nil
}

// RemoveAllocation удаляет распределение и пересчитывает статус платежа-владельца.
func (r *PostgresRepository) RemoveAllocation(ctx context.Context, allocationID int64) (*model.Payment, error) {
	var payment *model.Payment

	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		a, err := r.lockAllocation(ctx, tx, allocationID)
		if err != nil {
			return err
		}

		if _, err := r.lockPayment(ctx, tx, a.PaymentID); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `DELETE FROM payment_allocations WHERE id = $1`, a.ID); err != nil {
			return fmt.Errorf("delete allocation: %w", err)
		}

		if err := r.recomputeStatus(ctx, tx, a.PaymentID); err != nil {
			return err
		}

		p, err := r.getPayment(ctx, tx, a.PaymentID)
		if err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		payment = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	return payment, nil
}

// lockAllocation блокирует строку распределения и возвращает её.
func (r *PostgresRepository) lockAllocation(ctx context.Context, q querier, allocationID int64) (*model.PaymentAllocation, error) {
	var a model.PaymentAllocation
	err := q.QueryRow(ctx,
		`SELECT id, payment_id, reservation_id, invoice_id, amount, note, created_at
		 FROM payment_allocations
		 WHERE id = $1
		 FOR UPDATE`,
		allocationID,
	).Scan(&a.ID, &a.PaymentID, &a.ReservationID, &a.InvoiceID, &a.Amount, &a.Note, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAllocationNotFound
		}
		return nil, fmt.Errorf("lock allocation: %w", err)
	}
	return &a, nil
}

// GetReservationPaymentSummary возвращает расчёт оплаченности брони.
// Для незакрытой брони фактическая сумма считается нулевой, ошибки нет:
// формы ввода опрашивают брони и до закрытия.
func (r *PostgresRepository) GetReservationPaymentSummary(ctx context.Context, reservationID int64) (*model.ReservationSummary, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT r.actual_amount, r.tax_amount, COALESCE(SUM(a.amount), 0)
		 FROM reservations r
		 LEFT JOIN payment_allocations a ON a.reservation_id = r.id
		 WHERE r.id = $1
		 GROUP BY r.id`,
		reservationID,
	)

	var (
		actualAmount *int64
		taxAmount    int64
		allocated    int64
	)
	if err := row.Scan(&actualAmount, &taxAmount, &allocated); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrReservationNotFound
		}
		return nil, fmt.Errorf("reservation summary: %w", err)
	}

	res := model.Reservation{ActualAmount: actualAmount, TaxAmount: taxAmount}
	total := res.TotalDue()

	remaining := total - allocated
	if remaining < 0 {
		remaining = 0
	}

	return &model.ReservationSummary{
		TotalAmount:     total,
		AllocatedAmount: allocated,
		RemainingAmount: remaining,
	}, nil
}

// GetUnallocatedReservations возвращает закрытые брони с положительным
// остатком к оплате и их открытые счета.
func (r *PostgresRepository) GetUnallocatedReservations(ctx context.Context) ([]model.UnallocatedReservation, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT r.id, r.renter_name, r.actual_amount, r.tax_amount, COALESCE(SUM(a.amount), 0)
		 FROM reservations r
		 LEFT JOIN payment_allocations a ON a.reservation_id = r.id
		 WHERE r.actual_amount IS NOT NULL
		 GROUP BY r.id
		 HAVING r.actual_amount + r.tax_amount > COALESCE(SUM(a.amount), 0)
		 ORDER BY r.id`,
	)
	if err != nil {
		return nil, fmt.Errorf("select unallocated reservations: %w", err)
	}
	defer rows.Close()

	var result []model.UnallocatedReservation
	var ids []int64
	index := make(map[int64]int)

	for rows.Next() {
		var res model.Reservation
		var allocated int64
		if err := rows.Scan(&res.ID, &res.RenterName, &res.ActualAmount, &res.TaxAmount, &allocated); err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}

		index[res.ID] = len(result)
		ids = append(ids, res.ID)
		result = append(result, model.UnallocatedReservation{
			Reservation: res,
			Residual:    res.TotalDue() - allocated,
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	if len(ids) == 0 {
		return result, nil
	}

	invRows, err := r.pool.Query(ctx,
		`SELECT id, reservation_id, number, amount, status, due_date
		 FROM invoices
		 WHERE reservation_id = ANY($1) AND status IN ($2, $3)
		 ORDER BY id`,
		ids, string(model.InvoiceStatusIssued), string(model.InvoiceStatusOverdue),
	)
	if err != nil {
		return nil, fmt.Errorf("select open invoices: %w", err)
	}
	defer invRows.Close()

	for invRows.Next() {
		var inv model.Invoice
		var status string
		if err := invRows.Scan(&inv.ID, &inv.ReservationID, &inv.Number, &inv.Amount, &status, &inv.DueDate); err != nil {
			return nil, fmt.Errorf("scan invoice: %w", err)
		}
		inv.Status = model.InvoiceStatus(status)

		if i, ok := index[inv.ReservationID]; ok {
			result[i].OpenInvoices = append(result[i].OpenInvoices, inv)
		}
	}

	if err := invRows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return result, nil
}
