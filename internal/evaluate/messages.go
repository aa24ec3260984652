package evaluate

import (
	"fmt"

	"kpialert/internal/domain"
	"kpialert/internal/templatefmt"
)

// kpiLabels maps metric keys to human message fragments.
var kpiLabels = map[domain.KpiName]string{
	domain.KpiOverdueRate:        "Overdue invoice rate",
	domain.KpiPaymentRate:        "Invoice payment rate",
	domain.KpiUnpaidAmount:       "Unpaid amount share",
	domain.KpiPaymentDelay:       "Average payment delay",
	domain.KpiRegularizationRate: "Overdue regularization rate",
	domain.KpiConversionRate:     "Contract conversion rate",
}

// kpiRecommendations maps metric keys to the suggested follow-up.
var kpiRecommendations = map[domain.KpiName]string{
	domain.KpiOverdueRate:        "Prioritize collection of overdue invoices and contact the clients with the largest outstanding amounts.",
	domain.KpiPaymentRate:        "Review the payment follow-up process and send reminders for pending invoices.",
	domain.KpiUnpaidAmount:       "Escalate the largest unpaid invoices and review the credit terms of the concerned contracts.",
	domain.KpiPaymentDelay:       "Shorten the invoicing cycle and add earlier payment reminders.",
	domain.KpiRegularizationRate: "Audit the regularization workflow for overdue invoices that remain unprocessed.",
	domain.KpiConversionRate:     "Review stalled draft contracts and follow up with the assigned commercials.",
}

// buildMessage renders the human alert message for one breach.
// Params: metric, measured result, breached bound, and scope.
// Returns: message string embedded in the alert.
func buildMessage(kpi domain.KpiName, value float64, bound float64, unit string, dimension domain.Dimension, dimensionValue string) string {
	label, ok := kpiLabels[kpi]
	if !ok {
		label = string(kpi)
	}
	message := fmt.Sprintf("%s reached %s against threshold %s",
		label,
		templatefmt.FormatValue(value, unit),
		templatefmt.FormatValue(bound, unit))
	if dimension != domain.DimensionGlobal && dimensionValue != "" {
		message += fmt.Sprintf(" for %s %s", scopeLabel(dimension), dimensionValue)
	}
	return message
}

// buildRecommendation resolves the follow-up text for one metric.
// Params: metric key.
// Returns: recommendation string; empty for unknown metrics.
func buildRecommendation(kpi domain.KpiName) string {
	return kpiRecommendations[kpi]
}

// scopeLabel renders one dimension kind in message form.
// Params: dimension kind.
// Returns: lower-case scope label.
func scopeLabel(dimension domain.Dimension) string {
	switch dimension {
	case domain.DimensionZone:
		return "zone"
	case domain.DimensionStructure:
		return "structure"
	default:
		return "scope"
	}
}
