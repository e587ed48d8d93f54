// Package validation содержит схемные проверки входных данных операций
// над платежами. Проверки не обращаются к хранилищу: кросс-сущностные
// инварианты (остатки, закрытость брони) проверяются внутри транзакции.
package validation

import (
	"fmt"
	"time"

	"github.com/mmeshcher/fleetpay-system/internal/model"
)

const maxNoteLength = 1000

// ValidateCreatePayment проверяет входные данные создания платежа.
// Возвращает nil, если данные корректны.
func ValidateCreatePayment(in model.CreatePaymentInput) model.FieldErrors {
	errs := model.FieldErrors{}

	validatePaymentHeader(errs, in.PaidAt, in.Amount, in.Category, in.PayerName, in.Note)
	validateAllocationList(errs, "allocations", in.Allocations)

	if len(errs) == 0 {
		return nil
	}
	return errs
}

// ValidateUpdatePayment проверяет входные данные изменения заголовка платежа.
func ValidateUpdatePayment(in model.UpdatePaymentInput) model.FieldErrors {
	errs := model.FieldErrors{}

	validatePaymentHeader(errs, in.PaidAt, in.Amount, in.Category, in.PayerName, in.Note)

	if len(errs) == 0 {
		return nil
	}
	return errs
}

// ValidateAllocation проверяет входные данные одного распределения.
func ValidateAllocation(in model.AllocationInput) model.FieldErrors {
	errs := model.FieldErrors{}

	validateAllocationItem(errs, "", in)

	if len(errs) == 0 {
		return nil
	}
	return errs
}

// ValidateBulkAllocation проверяет список распределений пакетной операции.
func ValidateBulkAllocation(items []model.AllocationInput) model.FieldErrors {
	errs := model.FieldErrors{}

	if len(items) == 0 {
		errs.Add("allocations", "at least one allocation is required")
	}
	validateAllocationList(errs, "allocations", items)

	if len(errs) == 0 {
		return nil
	}
	return errs
}

// ValidateUpdateAllocation проверяет входные данные изменения распределения.
func ValidateUpdateAllocation(in model.UpdateAllocationInput) model.FieldErrors {
	errs := model.FieldErrors{}

	if in.Amount <= 0 {
		errs.Add("allocatedAmount", "allocated amount must be positive")
	}
	if in.Note != nil && len(*in.Note) > maxNoteLength {
		errs.Add("note", "note is too long")
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

func validatePaymentHeader(errs model.FieldErrors, paidAt time.Time, amount int64, category model.PaymentCategory, payerName string, note *string) {
	if paidAt.IsZero() {
		errs.Add("paidAt", "payment date is required")
	}
	if amount < 0 {
		errs.Add("amount", "amount must not be negative")
	}
	if category == "" {
		errs.Add("category", "category is required")
	} else if !category.Valid() {
		errs.Add("category", "unknown payment category")
	}
	if payerName == "" {
		errs.Add("payerName", "payer name is required")
	}
	if note != nil && len(*note) > maxNoteLength {
		errs.Add("note", "note is too long")
	}
}

func validateAllocationList(errs model.FieldErrors, prefix string, items []model.AllocationInput) {
	seen := make(map[int64]bool, len(items))
	for i, item := range items {
		path := fmt.Sprintf("%s.%d", prefix, i)
		validateAllocationItem(errs, path+".", item)

		if item.ReservationID > 0 {
			if seen[item.ReservationID] {
				errs.Add(path+".reservationId", "duplicate reservation in request")
			}
			seen[item.ReservationID] = true
		}
	}
}

func validateAllocationItem(errs model.FieldErrors, prefix string, in model.AllocationInput) {
	if in.ReservationID <= 0 {
		errs.Add(prefix+"reservationId", "reservation is required")
	}
	if in.Amount <= 0 {
		errs.Add(prefix+"allocatedAmount", "allocated amount must be positive")
	}
	if in.InvoiceID != nil && *in.InvoiceID <= 0 {
		errs.Add(prefix+"invoiceId", "invalid invoice reference")
	}
	if in.Note != nil && len(*in.Note) > maxNoteLength {
		errs.Add(prefix+"note", "note is too long")
	}
}
