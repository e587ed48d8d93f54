package model

import "testing"

func TestComputeStatus(t *testing.T) {
	tests := []struct {
		name      string
		amount    int64
		allocated int64
		want      PaymentStatus
	}{
		{name: "nothing allocated", amount: 110000, allocated: 0, want: PaymentStatusUnallocated},
		{name: "partially allocated", amount: 110000, allocated: 50000, want: PaymentStatusPartiallyAllocated},
		{name: "fully allocated", amount: 110000, allocated: 110000, want: PaymentStatusFullyAllocated},
		{name: "over allocated still full", amount: 110000, allocated: 120000, want: PaymentStatusFullyAllocated},
		{name: "zero amount zero allocated", amount: 0, allocated: 0, want: PaymentStatusUnallocated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ComputeStatus(tt.amount, tt.allocated); got != tt.want {
				t.Fatalf("ComputeStatus(%d, %d) = %s, want %s", tt.amount, tt.allocated, got, tt.want)
			}
		})
	}
}

func TestRoleAtLeast(t *testing.T) {
	if !RoleManager.AtLeast(RoleMember) {
		t.Fatalf("manager must satisfy member minimum")
	}
	if RoleMember.AtLeast(RoleManager) {
		t.Fatalf("member must not satisfy manager minimum")
	}
	if !RoleMember.AtLeast(RoleMember) {
		t.Fatalf("member must satisfy its own minimum")
	}
	if Role("intruder").AtLeast(RoleMember) {
		t.Fatalf("unknown role must not satisfy any minimum")
	}
}

func TestReservationTotalDue(t *testing.T) {
	actual := int64(100000)

	settled := Reservation{ActualAmount: &actual, TaxAmount: 10000}
	if !settled.Settled() {
		t.Fatalf("reservation with actual amount must be settled")
	}
	if got := settled.TotalDue(); got != 110000 {
		t.Fatalf("TotalDue = %d, want 110000", got)
	}

	open := Reservation{TaxAmount: 10000}
	if open.Settled() {
		t.Fatalf("reservation without actual amount must not be settled")
	}
	if got := open.TotalDue(); got != 10000 {
		t.Fatalf("TotalDue for unsettled = %d, want 10000", got)
	}
}

func TestFieldErrors(t *testing.T) {
	errs := FieldErrors{}
	errs.Add("amount", "amount must not be negative")
	errs.Addf("allocations.0.allocatedAmount", "allocated amount exceeds payment's remaining balance (%d)", 50000)

	if len(errs["amount"]) != 1 {
		t.Fatalf("expected one message for amount, got %d", len(errs["amount"]))
	}

	want := "allocations.0.allocatedAmount: allocated amount exceeds payment's remaining balance (50000); amount: amount must not be negative"
	if got := errs.Error(); got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}
