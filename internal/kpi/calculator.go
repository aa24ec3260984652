package kpi

import (
	"fmt"
	"math"

	"kpialert/internal/clock"
	"kpialert/internal/domain"
)

// RecordReader is the read-only business record surface of the calculator.
// Params: snapshot accessors for invoices and contracts.
// Returns: record sets for KPI computation.
type RecordReader interface {
	Invoices() []domain.InvoiceRecord
	Contracts() []domain.ContractRecord
	InvoicesByContract() map[string][]domain.InvoiceRecord
}

// Calculator computes KPI values from the current record snapshot.
// Params: record reader and clock for due-date comparison.
// Returns: pure computation without side effects.
type Calculator struct {
	reader RecordReader
	clock  clock.Clock
}

// NewCalculator creates a KPI calculator.
// Params: record reader and clock.
// Returns: initialized calculator.
func NewCalculator(reader RecordReader, clk clock.Clock) *Calculator {
	return &Calculator{reader: reader, clock: clk}
}

// ComputeGlobal computes the unscoped KPI set.
// Params: none.
// Returns: KPI result per metric name.
func (c *Calculator) ComputeGlobal() map[domain.KpiName]domain.KpiResult {
	invoices := c.reader.Invoices()
	contracts := c.reader.Contracts()
	return c.computeSet(invoices, contracts)
}

// ComputeByDimension computes per-scope KPI sets for one dimension kind.
// Params: dimension kind (geographic zone or structure).
// Returns: scope value to KPI result map; empty map for the global kind.
func (c *Calculator) ComputeByDimension(kind domain.Dimension) map[string]map[domain.KpiName]domain.KpiResult {
	out := make(map[string]map[domain.KpiName]domain.KpiResult)
	if kind == domain.DimensionGlobal {
		return out
	}

	byContract := c.reader.InvoicesByContract()
	grouped := make(map[string][]domain.ContractRecord)
	for _, contract := range c.reader.Contracts() {
		scope := dimensionValue(contract, kind)
		if scope == "" {
			continue
		}
		grouped[scope] = append(grouped[scope], contract)
	}

	for scope, contracts := range grouped {
		invoices := make([]domain.InvoiceRecord, 0)
		for _, contract := range contracts {
			invoices = append(invoices, byContract[contract.ID]...)
		}
		out[scope] = c.computeSet(invoices, contracts)
	}
	return out
}

// dimensionValue extracts the scope value of one contract for a dimension kind.
// Params: contract record and dimension kind.
// Returns: scope value or empty string when unattributed.
func dimensionValue(contract domain.ContractRecord, kind domain.Dimension) string {
	switch kind {
	case domain.DimensionZone:
		return contract.Governorate
	case domain.DimensionStructure:
		return contract.StructureID
	default:
		return ""
	}
}

// computeSet computes all KPI metrics over one record subset.
// Params: invoice and contract subsets.
// Returns: KPI result per metric name.
func (c *Calculator) computeSet(invoices []domain.InvoiceRecord, contracts []domain.ContractRecord) map[domain.KpiName]domain.KpiResult {
	return map[domain.KpiName]domain.KpiResult{
		domain.KpiOverdueRate:        c.overdueRate(invoices),
		domain.KpiPaymentRate:        paymentRate(invoices),
		domain.KpiUnpaidAmount:       unpaidAmountPercent(invoices),
		domain.KpiPaymentDelay:       averagePaymentDelay(invoices),
		domain.KpiRegularizationRate: regularizationRate(invoices),
		domain.KpiConversionRate:     conversionRate(contracts),
	}
}

// overdueRate computes percentage of invoices past due and unpaid.
// Params: invoice subset.
// Returns: rate result; zero with insufficient marker on empty input.
func (c *Calculator) overdueRate(invoices []domain.InvoiceRecord) domain.KpiResult {
	if len(invoices) == 0 {
		return insufficientResult("%", "no invoices")
	}
	now := c.clock.Now()
	overdue := 0
	for _, invoice := range invoices {
		if invoice.Status == domain.InvoicePaid {
			continue
		}
		if invoice.Status == domain.InvoiceOverdue {
			overdue++
			continue
		}
		if invoice.DueDate != nil && invoice.DueDate.Before(now) {
			overdue++
		}
	}
	return rateResult(overdue, len(invoices), fmt.Sprintf("%d overdue of %d invoices", overdue, len(invoices)))
}

// paymentRate computes percentage of fully paid invoices.
// Params: invoice subset.
// Returns: rate result; zero with insufficient marker on empty input.
func paymentRate(invoices []domain.InvoiceRecord) domain.KpiResult {
	if len(invoices) == 0 {
		return insufficientResult("%", "no invoices")
	}
	paid := 0
	for _, invoice := range invoices {
		if invoice.Status == domain.InvoicePaid {
			paid++
		}
	}
	return rateResult(paid, len(invoices), fmt.Sprintf("%d paid of %d invoices", paid, len(invoices)))
}

// unpaidAmountPercent computes unpaid share of the total billed amount.
// Params: invoice subset.
// Returns: rate result; zero with insufficient marker on zero total.
func unpaidAmountPercent(invoices []domain.InvoiceRecord) domain.KpiResult {
	if len(invoices) == 0 {
		return insufficientResult("%", "no invoices")
	}
	var total, unpaid float64
	for _, invoice := range invoices {
		total += invoice.Amount
		if invoice.Status != domain.InvoicePaid {
			unpaid += invoice.Amount
		}
	}
	if total == 0 {
		return insufficientResult("%", "total billed amount is zero")
	}
	return domain.KpiResult{
		Value:      round1(unpaid * 100 / total),
		Unit:       "%",
		SampleSize: len(invoices),
		Detail:     fmt.Sprintf("%.2f unpaid of %.2f billed", unpaid, total),
	}
}

// averagePaymentDelay computes mean days between issue and payment.
// Params: invoice subset.
// Returns: day-count result over paid invoices with both dates.
func averagePaymentDelay(invoices []domain.InvoiceRecord) domain.KpiResult {
	var totalDays float64
	sample := 0
	for _, invoice := range invoices {
		if invoice.Status != domain.InvoicePaid || invoice.IssueDate == nil || invoice.PaymentDate == nil {
			continue
		}
		totalDays += invoice.PaymentDate.Sub(*invoice.IssueDate).Hours() / 24
		sample++
	}
	if sample == 0 {
		return insufficientResult("days", "no paid invoices with dates")
	}
	return domain.KpiResult{
		Value:      round1(totalDays / float64(sample)),
		Unit:       "days",
		SampleSize: sample,
		Detail:     fmt.Sprintf("based on %d paid invoices", sample),
	}
}

// regularizationRate computes share of overdue invoices later regularized.
// Params: invoice subset.
// Returns: rate over regularized plus still-overdue invoices.
func regularizationRate(invoices []domain.InvoiceRecord) domain.KpiResult {
	regularized := 0
	denominator := 0
	for _, invoice := range invoices {
		if invoice.Regularized {
			regularized++
			denominator++
			continue
		}
		if invoice.Status == domain.InvoiceOverdue {
			denominator++
		}
	}
	if denominator == 0 {
		return insufficientResult("%", "no overdue history")
	}
	return rateResult(regularized, denominator, fmt.Sprintf("%d regularized of %d", regularized, denominator))
}

// conversionRate computes percentage of active contracts.
// Params: contract subset.
// Returns: rate result; zero with insufficient marker on empty input.
func conversionRate(contracts []domain.ContractRecord) domain.KpiResult {
	if len(contracts) == 0 {
		return insufficientResult("%", "no contracts")
	}
	active := 0
	for _, contract := range contracts {
		if contract.Status == domain.ContractActive {
			active++
		}
	}
	return rateResult(active, len(contracts), fmt.Sprintf("%d active of %d contracts", active, len(contracts)))
}

// rateResult builds one percentage result with rounding.
// Params: numerator, denominator, and detail text.
// Returns: rounded percentage result.
func rateResult(numerator, denominator int, detail string) domain.KpiResult {
	return domain.KpiResult{
		Value:      round1(float64(numerator) * 100 / float64(denominator)),
		Unit:       "%",
		SampleSize: denominator,
		Detail:     detail,
	}
}

// insufficientResult builds a zero result with insufficient-data marker.
// Params: unit and detail text.
// Returns: zero-valued result flagged insufficient.
func insufficientResult(unit, detail string) domain.KpiResult {
	return domain.KpiResult{Unit: unit, Detail: detail, Insufficient: true}
}

// round1 rounds to one decimal place.
// Params: raw value.
// Returns: rounded value.
func round1(value float64) float64 {
	return math.Round(value*10) / 10
}
