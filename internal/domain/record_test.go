package domain

import (
	"testing"
	"time"
)

func TestDecodeInvoiceValid(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"id":"inv-1","contract_id":"c-1","amount":1200.5,"status":"OVERDUE","due_date":"2026-01-10T00:00:00Z"}`)
	record, err := DecodeInvoice(raw)
	if err != nil {
		t.Fatalf("decode invoice: %v", err)
	}
	if record.ID != "inv-1" || record.Status != InvoiceOverdue {
		t.Fatalf("unexpected record %+v", record)
	}
}

func TestDecodeInvoiceRejectsBadStatus(t *testing.T) {
	t.Parallel()

	if _, err := DecodeInvoice([]byte(`{"id":"inv-1","amount":1,"status":"LOST"}`)); err == nil {
		t.Fatalf("expected status validation error")
	}
}

func TestInvoicePaidRequiresPaymentDate(t *testing.T) {
	t.Parallel()

	record := InvoiceRecord{ID: "inv-2", Amount: 10, Status: InvoicePaid}
	if err := record.Validate(); err == nil {
		t.Fatalf("expected payment_date validation error")
	}
	paidAt := time.Now().UTC()
	record.PaymentDate = &paidAt
	if err := record.Validate(); err != nil {
		t.Fatalf("expected valid record, got %v", err)
	}
}

func TestDecodeContractRejectsEmptyID(t *testing.T) {
	t.Parallel()

	if _, err := DecodeContract([]byte(`{"id":"  ","status":"ACTIVE"}`)); err == nil {
		t.Fatalf("expected id validation error")
	}
}

func TestTupleKeyString(t *testing.T) {
	t.Parallel()

	global := TupleKey{Kpi: KpiOverdueRate, Dimension: DimensionGlobal}
	if global.String() != "OVERDUE_RATE/GLOBAL" {
		t.Fatalf("unexpected global key %q", global.String())
	}
	scoped := TupleKey{Kpi: KpiOverdueRate, Dimension: DimensionZone, DimensionValue: "Sfax"}
	if scoped.String() != "OVERDUE_RATE/GEOGRAPHIC_ZONE/Sfax" {
		t.Fatalf("unexpected scoped key %q", scoped.String())
	}
}

func TestAlertStatusTerminal(t *testing.T) {
	t.Parallel()

	for _, status := range []AlertStatus{StatusPendingDecision, StatusDelegated, StatusInProgress} {
		if status.Terminal() {
			t.Fatalf("%s must not be terminal", status)
		}
	}
	for _, status := range []AlertStatus{StatusResolved, StatusArchived} {
		if !status.Terminal() {
			t.Fatalf("%s must be terminal", status)
		}
	}
}

func TestErrorKindClassification(t *testing.T) {
	t.Parallel()

	err := InvalidStateError("cannot delegate from %s", StatusResolved)
	if !IsKind(err, KindInvalidState) {
		t.Fatalf("expected invalid-state kind, got %v", KindOf(err))
	}
	wrapped := DependencyError("store unavailable", err)
	if KindOf(wrapped) != KindDependency {
		t.Fatalf("expected dependency kind, got %v", KindOf(wrapped))
	}
}
