package domain

import (
	"strings"
	"time"
)

// KpiName identifies one computed business indicator.
// Params: metric name constants shared by calculator, thresholds, and alerts.
// Returns: stable metric key used across the pipeline.
type KpiName string

const (
	// KpiOverdueRate is percentage of invoices past due date and unpaid.
	KpiOverdueRate KpiName = "OVERDUE_RATE"
	// KpiPaymentRate is percentage of invoices fully paid.
	KpiPaymentRate KpiName = "PAYMENT_RATE"
	// KpiUnpaidAmount is percentage of billed amount still unpaid.
	KpiUnpaidAmount KpiName = "UNPAID_AMOUNT"
	// KpiPaymentDelay is average days between invoice issue and payment.
	KpiPaymentDelay KpiName = "PAYMENT_DELAY"
	// KpiRegularizationRate is percentage of overdue invoices later regularized.
	KpiRegularizationRate KpiName = "REGULARIZATION_RATE"
	// KpiConversionRate is percentage of contracts in active state.
	KpiConversionRate KpiName = "CONVERSION_RATE"
)

// KpiNames returns all known metric keys in deterministic order.
// Params: none.
// Returns: ordered KPI name slice.
func KpiNames() []KpiName {
	return []KpiName{
		KpiOverdueRate,
		KpiPaymentRate,
		KpiUnpaidAmount,
		KpiPaymentDelay,
		KpiRegularizationRate,
		KpiConversionRate,
	}
}

// Dimension is the optional scoping axis of one KPI computation.
// Params: global/zone/structure constants.
// Returns: dimension kind for threshold lookup and alert identity.
type Dimension string

const (
	// DimensionGlobal marks an unscoped computation.
	DimensionGlobal Dimension = "GLOBAL"
	// DimensionZone scopes a computation to one geographic zone.
	DimensionZone Dimension = "GEOGRAPHIC_ZONE"
	// DimensionStructure scopes a computation to one organizational structure.
	DimensionStructure Dimension = "STRUCTURE"
)

// Severity is the computed urgency class derived from threshold distance.
// Params: low/medium/high constants.
// Returns: severity ranking for alerts.
type Severity string

const (
	// SeverityLow marks values inside the normal band.
	SeverityLow Severity = "LOW"
	// SeverityMedium marks values beyond the warning threshold.
	SeverityMedium Severity = "MEDIUM"
	// SeverityHigh marks values beyond the critical threshold.
	SeverityHigh Severity = "HIGH"
)

// Priority is business urgency, settable independently of severity.
// Params: ranking constants up to CRITICAL.
// Returns: priority used for channel escalation.
type Priority string

const (
	// PriorityLow marks routine alerts.
	PriorityLow Priority = "LOW"
	// PriorityMedium marks default urgency.
	PriorityMedium Priority = "MEDIUM"
	// PriorityHigh marks elevated urgency.
	PriorityHigh Priority = "HIGH"
	// PriorityUrgent escalates delegation to SMS.
	PriorityUrgent Priority = "URGENT"
	// PriorityCritical is the highest urgency.
	PriorityCritical Priority = "CRITICAL"
)

// Escalates reports whether priority requires SMS escalation on delegation.
// Params: none.
// Returns: true for URGENT and CRITICAL.
func (p Priority) Escalates() bool {
	return p == PriorityUrgent || p == PriorityCritical
}

// AlertStatus is the lifecycle state of one alert.
// Params: state constants of the delegation workflow.
// Returns: lifecycle state stored on the alert.
type AlertStatus string

const (
	// StatusPendingDecision is the initial state awaiting a decision-maker.
	StatusPendingDecision AlertStatus = "PENDING_DECISION"
	// StatusDelegated means a decision-maker routed the alert to a project manager.
	StatusDelegated AlertStatus = "DELEGATED"
	// StatusInProgress means the assignee started working on the alert.
	StatusInProgress AlertStatus = "IN_PROGRESS"
	// StatusResolved is terminal and requires a resolution comment.
	StatusResolved AlertStatus = "RESOLVED"
	// StatusArchived is terminal and reachable from every other state.
	StatusArchived AlertStatus = "ARCHIVED"
)

// Terminal reports whether the status ends the active lifecycle.
// Params: none.
// Returns: true for RESOLVED and ARCHIVED.
func (s AlertStatus) Terminal() bool {
	return s == StatusResolved || s == StatusArchived
}

// ActionType labels one entry of the alert audit trail.
type ActionType string

const (
	// ActionCreated records automatic alert creation.
	ActionCreated ActionType = "CREATED"
	// ActionRefreshed records a severity change during re-evaluation.
	ActionRefreshed ActionType = "REFRESHED"
	// ActionDelegated records delegation to a project manager.
	ActionDelegated ActionType = "DELEGATED"
	// ActionSentToPM records a broadcast send to all project managers.
	ActionSentToPM ActionType = "SENT_TO_PM"
	// ActionInProgress records start of handling.
	ActionInProgress ActionType = "IN_PROGRESS"
	// ActionAcknowledged records project-manager acknowledgement.
	ActionAcknowledged ActionType = "ACKNOWLEDGED"
	// ActionResolved records resolution with a mandatory comment.
	ActionResolved ActionType = "RESOLVED"
	// ActionArchived records archival.
	ActionArchived ActionType = "ARCHIVED"
	// ActionCommented records a free-form comment without state change.
	ActionCommented ActionType = "COMMENTED"
)

// AlertAction is one immutable audit-trail entry.
// Params: action type, performer identity, timestamp, and optional comment.
// Returns: append-only history element.
type AlertAction struct {
	ActionType      ActionType  `json:"action_type"`
	PerformedBy     string      `json:"performed_by"`
	PerformedByName string      `json:"performed_by_name"`
	PerformedAt     time.Time   `json:"performed_at"`
	Comment         string      `json:"comment,omitempty"`
	PreviousStatus  AlertStatus `json:"previous_status,omitempty"`
	NewStatus       AlertStatus `json:"new_status,omitempty"`
}

// TupleKey is the uniqueness key of one alert condition.
// Params: KPI name plus optional dimension scope.
// Returns: identity for the one-active-alert-per-condition invariant.
type TupleKey struct {
	Kpi            KpiName   `json:"kpi"`
	Dimension      Dimension `json:"dimension"`
	DimensionValue string    `json:"dimension_value,omitempty"`
}

// String renders the tuple as a stable lookup token.
// Params: none.
// Returns: "kpi/dimension/value" with empty value collapsed.
func (k TupleKey) String() string {
	var b strings.Builder
	b.Grow(len(k.Kpi) + len(k.Dimension) + len(k.DimensionValue) + 2)
	b.WriteString(string(k.Kpi))
	b.WriteByte('/')
	b.WriteString(string(k.Dimension))
	if k.DimensionValue != "" {
		b.WriteByte('/')
		b.WriteString(k.DimensionValue)
	}
	return b.String()
}

// Alert is the persisted record of one detected KPI anomaly and its lifecycle.
// Params: detection snapshot, routing fields, lifecycle timestamps, and history.
// Returns: central entity mutated only through lifecycle transitions.
type Alert struct {
	ID             string  `json:"id"`
	Kpi            KpiName `json:"kpi_name"`
	CurrentValue   float64 `json:"current_value"`
	ThresholdValue float64 `json:"threshold_value"`
	Unit           string  `json:"unit,omitempty"`

	Severity Severity `json:"severity"`
	Priority Priority `json:"priority"`

	Dimension      Dimension `json:"dimension"`
	DimensionValue string    `json:"dimension_value,omitempty"`

	Message        string `json:"message"`
	Recommendation string `json:"recommendation,omitempty"`

	Status     AlertStatus `json:"alert_status"`
	Recipients []string    `json:"recipients,omitempty"`

	AssignedProjectManagerID string `json:"assigned_project_manager_id,omitempty"`

	RelatedInvoiceID  string `json:"related_invoice_id,omitempty"`
	RelatedContractID string `json:"related_contract_id,omitempty"`

	ActionHistory []AlertAction `json:"action_history"`

	DetectedAt             time.Time  `json:"detected_at"`
	SentToProjectManagerAt *time.Time `json:"sent_to_project_manager_at,omitempty"`
	AcknowledgedAt         *time.Time `json:"acknowledged_at,omitempty"`
	AcknowledgedBy         string     `json:"acknowledged_by,omitempty"`
	ResolvedAt             *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy             string     `json:"resolved_by,omitempty"`
	ResolutionComment      string     `json:"resolution_comment,omitempty"`
	ActionsTaken           string     `json:"actions_taken,omitempty"`
	ArchivedAt             *time.Time `json:"archived_at,omitempty"`
	ArchivedBy             string     `json:"archived_by,omitempty"`

	NotificationSent   bool       `json:"notification_sent"`
	NotificationSentAt *time.Time `json:"notification_sent_at,omitempty"`
}

// Tuple returns the uniqueness key of the alert condition.
// Params: none.
// Returns: tuple identity of this alert.
func (a Alert) Tuple() TupleKey {
	return TupleKey{Kpi: a.Kpi, Dimension: a.Dimension, DimensionValue: a.DimensionValue}
}

// VisibleTo reports whether one user may see this alert in active queries.
// Params: user identifier.
// Returns: true when user is recipient or the assigned project manager.
func (a Alert) VisibleTo(userID string) bool {
	if userID == "" {
		return false
	}
	if a.AssignedProjectManagerID == userID {
		return true
	}
	for _, recipient := range a.Recipients {
		if recipient == userID {
			return true
		}
	}
	return false
}

// NotificationEvent names the lifecycle event carried by one notification.
type NotificationEvent string

const (
	// EventDetected is sent on alert creation.
	EventDetected NotificationEvent = "DETECTED"
	// EventDelegated is sent to the assignee after delegation.
	EventDelegated NotificationEvent = "DELEGATED"
	// EventResolved is sent when the alert is resolved.
	EventResolved NotificationEvent = "RESOLVED"
)

// NewAlertNotification snapshots one alert into an outbound payload.
// Params: alert snapshot, event kind, and optional comment.
// Returns: notification payload for the dispatcher.
func NewAlertNotification(alert Alert, event NotificationEvent, comment string) AlertNotification {
	return AlertNotification{
		Event:          event,
		AlertID:        alert.ID,
		Kpi:            alert.Kpi,
		Severity:       alert.Severity,
		Priority:       alert.Priority,
		Status:         alert.Status,
		Dimension:      alert.Dimension,
		DimensionValue: alert.DimensionValue,
		CurrentValue:   alert.CurrentValue,
		ThresholdValue: alert.ThresholdValue,
		Unit:           alert.Unit,
		Message:        alert.Message,
		Recommendation: alert.Recommendation,
		Comment:        comment,
		Timestamp:      alert.DetectedAt,
	}
}

// AlertNotification is one outbound channel payload.
// Params: alert snapshot fields needed for template rendering.
// Returns: notification request for the dispatcher.
type AlertNotification struct {
	Event          NotificationEvent `json:"event"`
	AlertID        string            `json:"alert_id"`
	Kpi            KpiName           `json:"kpi_name"`
	Severity       Severity          `json:"severity"`
	Priority       Priority          `json:"priority"`
	Status         AlertStatus       `json:"alert_status"`
	Dimension      Dimension         `json:"dimension"`
	DimensionValue string            `json:"dimension_value,omitempty"`
	CurrentValue   float64           `json:"current_value"`
	ThresholdValue float64           `json:"threshold_value"`
	Unit           string            `json:"unit,omitempty"`
	Message        string            `json:"message"`
	Recommendation string            `json:"recommendation,omitempty"`
	Comment        string            `json:"comment,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
}
