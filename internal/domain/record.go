package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// InvoiceStatus is billing state of one invoice record.
type InvoiceStatus string

const (
	// InvoicePending means issued and not yet due or paid.
	InvoicePending InvoiceStatus = "PENDING"
	// InvoicePaid means fully paid.
	InvoicePaid InvoiceStatus = "PAID"
	// InvoiceOverdue means past due date and unpaid.
	InvoiceOverdue InvoiceStatus = "OVERDUE"
)

// InvoiceRecord is one ingested invoice snapshot read by the KPI calculator.
// Params: identity, amount, billing status, and lifecycle dates.
// Returns: validated business record for KPI computation.
type InvoiceRecord struct {
	ID          string        `json:"id"`
	ContractID  string        `json:"contract_id"`
	Number      string        `json:"number,omitempty"`
	Amount      float64       `json:"amount"`
	Status      InvoiceStatus `json:"status"`
	IssueDate   *time.Time    `json:"issue_date,omitempty"`
	DueDate     *time.Time    `json:"due_date,omitempty"`
	PaymentDate *time.Time    `json:"payment_date,omitempty"`
	Regularized bool          `json:"regularized,omitempty"`
}

// Validate checks invoice record contract.
// Params: fields parsed from transport.
// Returns: validation error on schema violation.
func (r InvoiceRecord) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("invoice id is required")
	}
	if r.Amount < 0 {
		return errors.New("invoice amount must be >=0")
	}
	switch r.Status {
	case InvoicePending, InvoicePaid, InvoiceOverdue:
	default:
		return fmt.Errorf("unsupported invoice status %q", r.Status)
	}
	if r.Status == InvoicePaid && r.PaymentDate == nil {
		return errors.New("payment_date is required for status=PAID")
	}
	return nil
}

// ContractStatus is lifecycle state of one contract record.
type ContractStatus string

const (
	// ContractDraft means not yet signed.
	ContractDraft ContractStatus = "DRAFT"
	// ContractActive means signed and running.
	ContractActive ContractStatus = "ACTIVE"
	// ContractClosed means finished or cancelled.
	ContractClosed ContractStatus = "CLOSED"
)

// ContractRecord is one ingested contract snapshot carrying dimension scopes.
// Params: identity, state, and zone/structure attribution.
// Returns: validated business record for dimensioned KPI computation.
type ContractRecord struct {
	ID          string         `json:"id"`
	Reference   string         `json:"reference,omitempty"`
	Status      ContractStatus `json:"status"`
	Governorate string         `json:"governorate,omitempty"`
	StructureID string         `json:"structure_id,omitempty"`
	Commercial  string         `json:"commercial,omitempty"`
}

// Validate checks contract record contract.
// Params: fields parsed from transport.
// Returns: validation error on schema violation.
func (r ContractRecord) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("contract id is required")
	}
	switch r.Status {
	case ContractDraft, ContractActive, ContractClosed:
	default:
		return fmt.Errorf("unsupported contract status %q", r.Status)
	}
	return nil
}

// DecodeInvoice decodes and validates one invoice payload.
// Params: JSON document bytes.
// Returns: validated record or decode/validation error.
func DecodeInvoice(raw []byte) (InvoiceRecord, error) {
	var record InvoiceRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return InvoiceRecord{}, fmt.Errorf("decode invoice: %w", err)
	}
	if err := record.Validate(); err != nil {
		return InvoiceRecord{}, err
	}
	return record, nil
}

// DecodeContract decodes and validates one contract payload.
// Params: JSON document bytes.
// Returns: validated record or decode/validation error.
func DecodeContract(raw []byte) (ContractRecord, error) {
	var record ContractRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return ContractRecord{}, fmt.Errorf("decode contract: %w", err)
	}
	if err := record.Validate(); err != nil {
		return ContractRecord{}, err
	}
	return record, nil
}

// KpiResult is one computed KPI value with rendering metadata.
// Params: numeric value, unit, sample size, and insufficient-data marker.
// Returns: calculator output consumed by the evaluator.
type KpiResult struct {
	Value        float64 `json:"value"`
	Unit         string  `json:"unit"`
	SampleSize   int     `json:"sample_size"`
	Detail       string  `json:"detail,omitempty"`
	Insufficient bool    `json:"insufficient,omitempty"`
}
