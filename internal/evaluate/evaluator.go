package evaluate

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"kpialert/internal/alertstore"
	"kpialert/internal/clock"
	"kpialert/internal/config"
	"kpialert/internal/directory"
	"kpialert/internal/domain"
	"kpialert/internal/kpi"
	"kpialert/internal/notify"
	"kpialert/internal/threshold"
)

const casAttempts = 3

// systemUser marks actions performed by the evaluation cycle itself.
const systemUser = "system"

// Report summarizes one analysis cycle.
// Params: per-outcome alert id lists and counters.
// Returns: cycle summary exposed on the analyze endpoint.
type Report struct {
	StartedAt time.Time `json:"started_at"`
	Evaluated int       `json:"evaluated"`
	Skipped   int       `json:"skipped"`
	Created   []string  `json:"created"`
	Refreshed []string  `json:"refreshed"`
	Closed    []string  `json:"closed"`
	Failures  []string  `json:"failures,omitempty"`
}

// Evaluator runs the KPI analysis cycle and maintains alert uniqueness.
// Params: calculator, threshold registry, alert store, dispatcher, and directory.
// Returns: cycle runner with single-flight guard.
type Evaluator struct {
	calc       *kpi.Calculator
	thresholds *threshold.Store
	store      alertstore.Store
	dispatcher *notify.Dispatcher
	directory  *directory.Directory
	clock      clock.Clock
	logger     *slog.Logger
	running    atomic.Bool
}

// NewEvaluator wires the analysis cycle dependencies.
// Params: computation, persistence, and notification collaborators.
// Returns: initialized evaluator.
func NewEvaluator(
	calc *kpi.Calculator,
	thresholds *threshold.Store,
	store alertstore.Store,
	dispatcher *notify.Dispatcher,
	dir *directory.Directory,
	clk clock.Clock,
	logger *slog.Logger,
) *Evaluator {
	return &Evaluator{
		calc:       calc,
		thresholds: thresholds,
		store:      store,
		dispatcher: dispatcher,
		directory:  dir,
		clock:      clk,
		logger:     logger,
	}
}

// measurement is one evaluated KPI value with its scope.
type measurement struct {
	tuple  domain.TupleKey
	result domain.KpiResult
}

// AnalyzeAll runs one full analysis cycle over every metric and scope.
// Params: cycle context.
// Returns: cycle report; invalid-state error when a cycle is already running.
func (e *Evaluator) AnalyzeAll(ctx context.Context) (Report, error) {
	if !e.running.CompareAndSwap(false, true) {
		return Report{}, domain.InvalidStateError("analysis cycle is already running")
	}
	defer e.running.Store(false)

	report := Report{
		StartedAt: e.clock.Now(),
		Created:   make([]string, 0),
		Refreshed: make([]string, 0),
		Closed:    make([]string, 0),
	}

	measurements := e.collectMeasurements()
	breached := make(map[string]struct{})
	evaluated := make(map[string]struct{}, len(measurements))

	for _, m := range measurements {
		if m.result.Insufficient {
			report.Skipped++
			continue
		}
		band, ok := e.thresholds.Lookup(m.tuple.Kpi, m.tuple.Dimension, m.tuple.DimensionValue)
		if !ok {
			report.Skipped++
			continue
		}
		evaluated[m.tuple.String()] = struct{}{}
		report.Evaluated++

		severity, isBreach := band.Evaluate(m.result.Value)
		if !isBreach {
			continue
		}
		breached[m.tuple.String()] = struct{}{}
		e.handleBreach(ctx, &report, m, band, severity)
	}

	e.closeRecovered(ctx, &report, evaluated, breached)

	e.logger.Info("analysis cycle finished",
		"evaluated", report.Evaluated,
		"skipped", report.Skipped,
		"created", len(report.Created),
		"refreshed", len(report.Refreshed),
		"closed", len(report.Closed),
		"failures", len(report.Failures))
	return report, nil
}

// collectMeasurements computes every metric for the global and scoped dimensions.
// Params: none.
// Returns: flat measurement list.
func (e *Evaluator) collectMeasurements() []measurement {
	out := make([]measurement, 0)
	for kpiName, result := range e.calc.ComputeGlobal() {
		out = append(out, measurement{
			tuple:  domain.TupleKey{Kpi: kpiName, Dimension: domain.DimensionGlobal},
			result: result,
		})
	}
	for _, dimension := range []domain.Dimension{domain.DimensionZone, domain.DimensionStructure} {
		for scope, results := range e.calc.ComputeByDimension(dimension) {
			for kpiName, result := range results {
				out = append(out, measurement{
					tuple:  domain.TupleKey{Kpi: kpiName, Dimension: dimension, DimensionValue: scope},
					result: result,
				})
			}
		}
	}
	return out
}

// handleBreach creates a new alert or refreshes the active one for the tuple.
// Params: mutable report, measurement, band, and computed severity.
// Returns: report mutated with the outcome.
func (e *Evaluator) handleBreach(ctx context.Context, report *Report, m measurement, band threshold.Threshold, severity domain.Severity) {
	ownerID, err := e.store.ActiveTupleAlertID(ctx, m.tuple)
	switch {
	case err == nil:
		e.refreshAlert(ctx, report, ownerID, m, band, severity)
	case errors.Is(err, alertstore.ErrNotFound):
		e.createAlert(ctx, report, m, band, severity)
	default:
		report.Failures = append(report.Failures, m.tuple.String())
		e.logger.Error("tuple lookup failed", "tuple", m.tuple.String(), "error", err.Error())
	}
}

// createAlert persists one new alert, claims its tuple, and notifies recipients.
// Params: mutable report, measurement, band, and severity.
// Returns: report mutated with the created alert id.
func (e *Evaluator) createAlert(ctx context.Context, report *Report, m measurement, band threshold.Threshold, severity domain.Severity) {
	now := e.clock.Now()
	recipients := e.directory.DecisionMakers()
	recipientIDs := make([]string, 0, len(recipients))
	for _, user := range recipients {
		recipientIDs = append(recipientIDs, user.ID)
	}

	alert := domain.Alert{
		ID:             uuid.NewString(),
		Kpi:            m.tuple.Kpi,
		CurrentValue:   m.result.Value,
		ThresholdValue: band.BreachedBound(severity),
		Unit:           band.Unit,
		Severity:       severity,
		Priority:       derivePriority(severity, band.Priority),
		Dimension:      m.tuple.Dimension,
		DimensionValue: m.tuple.DimensionValue,
		Message:        buildMessage(m.tuple.Kpi, m.result.Value, band.BreachedBound(severity), band.Unit, m.tuple.Dimension, m.tuple.DimensionValue),
		Recommendation: buildRecommendation(m.tuple.Kpi),
		Status:         domain.StatusPendingDecision,
		Recipients:     recipientIDs,
		DetectedAt:     now,
		ActionHistory: []domain.AlertAction{{
			ActionType:  domain.ActionCreated,
			PerformedBy: systemUser,
			PerformedAt: now,
			NewStatus:   domain.StatusPendingDecision,
		}},
	}

	if err := e.store.ClaimTuple(ctx, m.tuple, alert.ID); err != nil {
		if errors.Is(err, alertstore.ErrConflict) {
			// Lost the race to a concurrent cycle; the owner refreshes next run.
			return
		}
		report.Failures = append(report.Failures, m.tuple.String())
		e.logger.Error("tuple claim failed", "tuple", m.tuple.String(), "error", err.Error())
		return
	}
	revision, err := e.store.Put(ctx, alert)
	if err != nil {
		report.Failures = append(report.Failures, m.tuple.String())
		e.logger.Error("alert write failed", "alert_id", alert.ID, "error", err.Error())
		return
	}
	report.Created = append(report.Created, alert.ID)
	e.logger.Info("alert created",
		"alert_id", alert.ID,
		"kpi", alert.Kpi,
		"severity", alert.Severity,
		"tuple", m.tuple.String())

	e.notifyDetected(ctx, alert, revision, recipients)
}

// notifyDetected delivers the creation notification after the alert is stored.
// Params: persisted alert, its revision, and resolved recipients.
// Returns: nothing; delivery failures are logged only.
func (e *Evaluator) notifyDetected(ctx context.Context, alert domain.Alert, revision uint64, recipients []directory.User) {
	channels := []string{config.ChannelEmail, config.ChannelInApp, config.ChannelWebsocket}
	if alert.Severity == domain.SeverityHigh {
		channels = append(channels, config.ChannelSMS, config.ChannelTelegram)
	}
	failures := e.dispatcher.Broadcast(ctx, channels, recipients, domain.NewAlertNotification(alert, domain.EventDetected, ""))
	if failures > 0 {
		return
	}

	now := e.clock.Now()
	alert.NotificationSent = true
	alert.NotificationSentAt = &now
	if _, err := e.store.Update(ctx, revision, alert); err != nil {
		e.logger.Warn("notification flag update failed", "alert_id", alert.ID, "error", err.Error())
	}
}

// refreshAlert updates the active alert for a still-breached tuple.
// Params: mutable report, owning alert id, measurement, band, and severity.
// Returns: report mutated when the alert changed.
func (e *Evaluator) refreshAlert(ctx context.Context, report *Report, alertID string, m measurement, band threshold.Threshold, severity domain.Severity) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		alert, revision, err := e.store.Get(ctx, alertID)
		if err != nil {
			if errors.Is(err, alertstore.ErrNotFound) {
				// Stale tuple claim without a backing alert.
				_ = e.store.ReleaseTuple(ctx, m.tuple, alertID)
				e.createAlert(ctx, report, m, band, severity)
				return
			}
			report.Failures = append(report.Failures, m.tuple.String())
			e.logger.Error("alert read failed", "alert_id", alertID, "error", err.Error())
			return
		}
		if alert.Status.Terminal() {
			_ = e.store.ReleaseTuple(ctx, m.tuple, alertID)
			e.createAlert(ctx, report, m, band, severity)
			return
		}

		severityChanged := alert.Severity != severity
		valueChanged := alert.CurrentValue != m.result.Value || alert.ThresholdValue != band.BreachedBound(severity)
		if !severityChanged && !valueChanged {
			return
		}

		alert.CurrentValue = m.result.Value
		alert.ThresholdValue = band.BreachedBound(severity)
		alert.Message = buildMessage(m.tuple.Kpi, m.result.Value, band.BreachedBound(severity), band.Unit, m.tuple.Dimension, m.tuple.DimensionValue)
		if severityChanged {
			previousSeverity := alert.Severity
			alert.Severity = severity
			alert.Priority = derivePriority(severity, band.Priority)
			alert.ActionHistory = append(alert.ActionHistory, domain.AlertAction{
				ActionType:  domain.ActionRefreshed,
				PerformedBy: systemUser,
				PerformedAt: e.clock.Now(),
				Comment:     "severity " + string(previousSeverity) + " -> " + string(severity),
			})
		}

		if _, err := e.store.Update(ctx, revision, alert); err != nil {
			if errors.Is(err, alertstore.ErrConflict) {
				continue
			}
			report.Failures = append(report.Failures, m.tuple.String())
			e.logger.Error("alert refresh failed", "alert_id", alertID, "error", err.Error())
			return
		}
		if severityChanged {
			report.Refreshed = append(report.Refreshed, alertID)
			e.logger.Info("alert severity refreshed", "alert_id", alertID, "severity", severity)
		}
		return
	}
	report.Failures = append(report.Failures, m.tuple.String())
	e.logger.Error("alert refresh exhausted CAS attempts", "alert_id", alertID)
}

// closeRecovered resolves active alerts whose tuple recovered this cycle.
// Params: mutable report, evaluated tuple set, and breached tuple set.
// Returns: report mutated with closed alert ids.
func (e *Evaluator) closeRecovered(ctx context.Context, report *Report, evaluated, breached map[string]struct{}) {
	active, err := e.store.ListByStatuses(ctx,
		domain.StatusPendingDecision, domain.StatusDelegated, domain.StatusInProgress)
	if err != nil {
		e.logger.Error("active alert listing failed", "error", err.Error())
		return
	}

	for _, candidate := range active {
		token := candidate.Tuple().String()
		if _, wasEvaluated := evaluated[token]; !wasEvaluated {
			// Scope not measurable this cycle; leave the alert alone.
			continue
		}
		if _, stillBreached := breached[token]; stillBreached {
			continue
		}
		if e.resolveRecovered(ctx, candidate.ID, candidate.Tuple()) {
			report.Closed = append(report.Closed, candidate.ID)
		}
	}
}

// resolveRecovered marks one recovered alert resolved on behalf of the system.
// Params: alert id and its tuple.
// Returns: true when the alert transitioned to resolved.
func (e *Evaluator) resolveRecovered(ctx context.Context, alertID string, tuple domain.TupleKey) bool {
	for attempt := 0; attempt < casAttempts; attempt++ {
		alert, revision, err := e.store.Get(ctx, alertID)
		if err != nil {
			e.logger.Error("recovered alert read failed", "alert_id", alertID, "error", err.Error())
			return false
		}
		if alert.Status.Terminal() {
			return false
		}

		now := e.clock.Now()
		previous := alert.Status
		alert.Status = domain.StatusResolved
		alert.ResolvedAt = &now
		alert.ResolvedBy = systemUser
		alert.ResolutionComment = "KPI value returned within threshold"
		alert.ActionHistory = append(alert.ActionHistory, domain.AlertAction{
			ActionType:     domain.ActionResolved,
			PerformedBy:    systemUser,
			PerformedAt:    now,
			Comment:        alert.ResolutionComment,
			PreviousStatus: previous,
			NewStatus:      domain.StatusResolved,
		})

		if _, err := e.store.Update(ctx, revision, alert); err != nil {
			if errors.Is(err, alertstore.ErrConflict) {
				continue
			}
			e.logger.Error("recovered alert update failed", "alert_id", alertID, "error", err.Error())
			return false
		}
		_ = e.store.ReleaseTuple(ctx, tuple, alertID)
		e.logger.Info("alert auto-resolved", "alert_id", alertID, "tuple", tuple.String())
		return true
	}
	e.logger.Error("recovered alert exhausted CAS attempts", "alert_id", alertID)
	return false
}

// derivePriority maps severity and band priority to the alert priority.
// Params: computed severity and configured band priority.
// Returns: CRITICAL for high severity, band priority or MEDIUM otherwise.
func derivePriority(severity domain.Severity, bandPriority domain.Priority) domain.Priority {
	if severity == domain.SeverityHigh {
		return domain.PriorityCritical
	}
	if bandPriority != "" {
		return bandPriority
	}
	return domain.PriorityMedium
}
