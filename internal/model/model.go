// Package model содержит доменные сущности подсистемы учёта платежей автопарка.
package model

import "time"

// Role определяет уровень доступа пользователя бэк-офиса.
type Role string

const (
	RoleMember  Role = "member"
	RoleManager Role = "manager"
)

var roleRank = map[Role]int{
	RoleMember:  1,
	RoleManager: 2,
}

// AtLeast сообщает, достаточен ли уровень роли для операции с минимальной ролью min.
func (r Role) AtLeast(min Role) bool {
	return roleRank[r] >= roleRank[min]
}

// Valid сообщает, является ли значение известной ролью.
func (r Role) Valid() bool {
	_, ok := roleRank[r]
	return ok
}

// User представляет зарегистрированного пользователя бэк-офиса.
type User struct {
	ID           int64
	Login        string
	PasswordHash []byte
	Role         Role
	CreatedAt    time.Time
}

// Actor описывает аутентифицированного пользователя, выполняющего операцию.
type Actor struct {
	ID    int64
	Login string
	Role  Role
}

// PaymentStatus описывает производный статус распределения платежа.
type PaymentStatus string

const (
	PaymentStatusUnallocated        PaymentStatus = "UNALLOCATED"
	PaymentStatusPartiallyAllocated PaymentStatus = "PARTIALLY_ALLOCATED"
	PaymentStatusFullyAllocated     PaymentStatus = "FULLY_ALLOCATED"
)

// ComputeStatus вычисляет статус платежа как чистую функцию от его суммы
// и суммы всех его распределений. Статус нигде не выставляется напрямую.
func ComputeStatus(amount, allocated int64) PaymentStatus {
	switch {
	case allocated == 0:
		return PaymentStatusUnallocated
	case allocated < amount:
		return PaymentStatusPartiallyAllocated
	default:
		return PaymentStatusFullyAllocated
	}
}

// PaymentCategory описывает способ поступления платежа.
type PaymentCategory string

const (
	PaymentCategoryBankTransfer    PaymentCategory = "BANK_TRANSFER"
	PaymentCategoryCash            PaymentCategory = "CASH"
	PaymentCategoryCreditCard      PaymentCategory = "CREDIT_CARD"
	PaymentCategoryElectronicMoney PaymentCategory = "ELECTRONIC_MONEY"
	PaymentCategoryQR              PaymentCategory = "QR"
	PaymentCategoryCheck           PaymentCategory = "CHECK"
	PaymentCategoryOther           PaymentCategory = "OTHER"
)

// Valid сообщает, является ли значение известной категорией платежа.
func (c PaymentCategory) Valid() bool {
	switch c {
	case PaymentCategoryBankTransfer, PaymentCategoryCash, PaymentCategoryCreditCard,
		PaymentCategoryElectronicMoney, PaymentCategoryQR, PaymentCategoryCheck,
		PaymentCategoryOther:
		return true
	}
	return false
}

// Payment представляет один входящий платёж. Все суммы хранятся
// в минимальных единицах валюты.
type Payment struct {
	ID             int64               `json:"id"`
	Code           string              `json:"code"`
	PaidAt         time.Time           `json:"paidAt"`
	Amount         int64               `json:"amount"`
	Category       PaymentCategory     `json:"category"`
	Provider       *string             `json:"provider,omitempty"`
	PayerName      string              `json:"payerName"`
	Terminal       *string             `json:"terminal,omitempty"`
	ExternalID     *string             `json:"externalId,omitempty"`
	Note           *string             `json:"note,omitempty"`
	Status         PaymentStatus       `json:"status"`
	AllocatedTotal int64               `json:"allocatedTotal"`
	CreatedAt      time.Time           `json:"createdAt"`
	Allocations    []PaymentAllocation `json:"allocations,omitempty"`
}

// PaymentAllocation описывает часть платежа, применённую к одной брони.
type PaymentAllocation struct {
	ID            int64     `json:"id"`
	PaymentID     int64     `json:"paymentId"`
	ReservationID int64     `json:"reservationId"`
	InvoiceID     *int64    `json:"invoiceId,omitempty"`
	Amount        int64     `json:"allocatedAmount"`
	Note          *string   `json:"note,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Reservation — частичное представление завершённой аренды, которой
// причитаются деньги. Подсистема платежей только читает эти поля.
type Reservation struct {
	ID           int64  `json:"id"`
	RenterName   string `json:"renterName"`
	ActualAmount *int64 `json:"actualAmount,omitempty"`
	TaxAmount    int64  `json:"taxAmount"`
}

// Settled сообщает, зафиксирована ли итоговая сумма аренды.
func (r Reservation) Settled() bool {
	return r.ActualAmount != nil
}

// TotalDue возвращает полную сумму к оплате. Для незакрытой брони
// фактическая сумма считается нулевой.
func (r Reservation) TotalDue() int64 {
	if r.ActualAmount == nil {
		return r.TaxAmount
	}
	return *r.ActualAmount + r.TaxAmount
}

// InvoiceStatus описывает состояние счёта на оплату.
type InvoiceStatus string

const (
	InvoiceStatusIssued  InvoiceStatus = "ISSUED"
	InvoiceStatusOverdue InvoiceStatus = "OVERDUE"
	InvoiceStatusPaid    InvoiceStatus = "PAID"
)

// Invoice — частичное представление счёта, привязанного к брони.
type Invoice struct {
	ID            int64         `json:"id"`
	ReservationID int64         `json:"reservationId"`
	Number        string        `json:"number"`
	Amount        int64         `json:"amount"`
	Status        InvoiceStatus `json:"status"`
	DueDate       *time.Time    `json:"dueDate,omitempty"`
}

// ReservationSummary содержит расчёт оплаченности одной брони.
type ReservationSummary struct {
	TotalAmount     int64 `json:"totalAmount"`
	AllocatedAmount int64 `json:"allocatedAmount"`
	RemainingAmount int64 `json:"remainingAmount"`
}

// UnallocatedReservation — закрытая бронь с положительным остатком к оплате
// и её открытые счета, для форм ввода распределений.
type UnallocatedReservation struct {
	Reservation  Reservation `json:"reservation"`
	Residual     int64       `json:"residual"`
	OpenInvoices []Invoice   `json:"openInvoices,omitempty"`
}

// AllocationInput описывает одно распределение во входных данных операции.
type AllocationInput struct {
	ReservationID int64   `json:"reservationId"`
	InvoiceID     *int64  `json:"invoiceId,omitempty"`
	Amount        int64   `json:"allocatedAmount"`
	Note          *string `json:"note,omitempty"`
}

// CreatePaymentInput содержит данные для создания платежа.
type CreatePaymentInput struct {
	PaidAt      time.Time         `json:"paidAt"`
	Amount      int64             `json:"amount"`
	Category    PaymentCategory   `json:"category"`
	Provider    *string           `json:"provider,omitempty"`
	PayerName   string            `json:"payerName"`
	Terminal    *string           `json:"terminal,omitempty"`
	ExternalID  *string           `json:"externalId,omitempty"`
	Note        *string           `json:"note,omitempty"`
	Allocations []AllocationInput `json:"allocations,omitempty"`
}

// UpdatePaymentInput содержит данные для изменения заголовка платежа.
type UpdatePaymentInput struct {
	PaidAt     time.Time       `json:"paidAt"`
	Amount     int64           `json:"amount"`
	Category   PaymentCategory `json:"category"`
	Provider   *string         `json:"provider,omitempty"`
	PayerName  string          `json:"payerName"`
	Terminal   *string         `json:"terminal,omitempty"`
	ExternalID *string         `json:"externalId,omitempty"`
	Note       *string         `json:"note,omitempty"`
}

// UpdateAllocationInput содержит данные для изменения распределения.
type UpdateAllocationInput struct {
	Amount int64   `json:"allocatedAmount"`
	Note   *string `json:"note,omitempty"`
}
