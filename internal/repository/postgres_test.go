package repository

import (
	"errors"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mmeshcher/fleetpay-system/internal/model"
)

func TestFormatPaymentCode(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{n: 1, want: "PM-00001"},
		{n: 42, want: "PM-00042"},
		{n: 99999, want: "PM-99999"},
		{n: 100000, want: "PM-100000"},
	}

	for _, tt := range tests {
		if got := FormatPaymentCode(tt.n); got != tt.want {
			t.Fatalf("FormatPaymentCode(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

func TestTranslateUnique(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantField string
		wantNilFE bool
	}{
		{
			name: "external id collision",
			err: &pgconn.PgError{
				Code:           pgerrcode.UniqueViolation,
				ConstraintName: "payments_external_id_key",
			},
			wantField: "externalId",
		},
		{
			name: "allocation pair collision",
			err: &pgconn.PgError{
				Code:           pgerrcode.UniqueViolation,
				ConstraintName: "payment_allocations_pair_key",
			},
			wantField: "reservationId",
		},
		{
			name: "unknown unique constraint",
			err: &pgconn.PgError{
				Code:           pgerrcode.UniqueViolation,
				ConstraintName: "something_else_key",
			},
			wantField: "general",
		},
		{
			name:      "not a unique violation",
			err:       &pgconn.PgError{Code: pgerrcode.SerializationFailure},
			wantNilFE: true,
		},
		{
			name:      "not a pg error",
			err:       errors.New("connection refused"),
			wantNilFE: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fe := translateUnique(tt.err)

			if tt.wantNilFE {
				if fe != nil {
					t.Fatalf("expected nil, got %v", fe)
				}
				return
			}

			if fe == nil || len(fe[tt.wantField]) == 0 {
				t.Fatalf("expected error for field %q, got %v", tt.wantField, fe)
			}
		})
	}
}

func TestPrefixFieldErrors(t *testing.T) {
	fe := model.NewFieldError("reservationId", "allocation for this reservation already exists")

	got := prefixFieldErrors("allocations.2.", fe)

	if len(got["allocations.2.reservationId"]) != 1 {
		t.Fatalf("expected prefixed field, got %v", got)
	}
	if len(got["reservationId"]) != 0 {
		t.Fatalf("unprefixed field must not remain, got %v", got)
	}
}
