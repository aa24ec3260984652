package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"kpialert/internal/alertstore"
	"kpialert/internal/clock"
	"kpialert/internal/config"
	"kpialert/internal/directory"
	"kpialert/internal/domain"
	"kpialert/internal/notify"
)

const casAttempts = 3

// Statistics aggregates the alert population for the dashboard endpoint.
// Params: totals plus per-status, per-severity, and per-metric counts.
// Returns: query result of GetStatistics.
type Statistics struct {
	Total      int                        `json:"total"`
	Active     int                        `json:"active"`
	ByStatus   map[domain.AlertStatus]int `json:"by_status"`
	BySeverity map[domain.Severity]int    `json:"by_severity"`
	ByKpi      map[domain.KpiName]int     `json:"by_kpi"`
}

// Manager executes alert lifecycle transitions with CAS-guarded persistence.
// Params: alert store, dispatcher, directory, and clock.
// Returns: transition and query surface consumed by the HTTP layer.
type Manager struct {
	store      alertstore.Store
	dispatcher *notify.Dispatcher
	directory  *directory.Directory
	clock      clock.Clock
	logger     *slog.Logger
}

// NewManager wires the lifecycle collaborators.
// Params: persistence, notification, directory, clock, and logger.
// Returns: initialized manager.
func NewManager(store alertstore.Store, dispatcher *notify.Dispatcher, dir *directory.Directory, clk clock.Clock, logger *slog.Logger) *Manager {
	return &Manager{
		store:      store,
		dispatcher: dispatcher,
		directory:  dir,
		clock:      clk,
		logger:     logger,
	}
}

// GetAlert returns one alert by id.
// Params: alert identifier.
// Returns: alert or not-found error.
func (m *Manager) GetAlert(ctx context.Context, alertID string) (domain.Alert, error) {
	alert, _, err := m.store.Get(ctx, alertID)
	if err != nil {
		if errors.Is(err, alertstore.ErrNotFound) {
			return domain.Alert{}, domain.NotFoundError("alert %q does not exist", alertID)
		}
		return domain.Alert{}, domain.DependencyError("alert read failed", err)
	}
	return alert, nil
}

// Delegate assigns one pending alert to a project manager.
// Params: alert id, acting decision maker, target project manager, comment,
// and optional priority upgrade (empty keeps the detected priority).
// Returns: updated alert or validation/state error.
func (m *Manager) Delegate(ctx context.Context, alertID, actorID, projectManagerID, comment string, priority domain.Priority) (domain.Alert, error) {
	actor, err := m.requireDecisionMaker(actorID)
	if err != nil {
		return domain.Alert{}, err
	}
	assignee, err := m.directory.Lookup(projectManagerID)
	if err != nil {
		return domain.Alert{}, err
	}
	if !assignee.ProjectManager {
		return domain.Alert{}, domain.ValidationError("user %q is not a project manager", projectManagerID)
	}
	switch priority {
	case "", domain.PriorityLow, domain.PriorityMedium, domain.PriorityHigh, domain.PriorityUrgent, domain.PriorityCritical:
	default:
		return domain.Alert{}, domain.ValidationError("unsupported priority %q", priority)
	}

	alert, err := m.mutate(ctx, alertID, func(alert *domain.Alert) error {
		if alert.Status != domain.StatusPendingDecision {
			return domain.InvalidStateError("alert %q cannot be delegated from status %s", alertID, alert.Status)
		}
		now := m.clock.Now()
		previous := alert.Status
		alert.Status = domain.StatusDelegated
		alert.AssignedProjectManagerID = assignee.ID
		alert.SentToProjectManagerAt = &now
		if priority != "" {
			alert.Priority = priority
		}
		alert.ActionHistory = append(alert.ActionHistory, domain.AlertAction{
			ActionType:      domain.ActionDelegated,
			PerformedBy:     actor.ID,
			PerformedByName: actor.Name,
			PerformedAt:     now,
			Comment:         comment,
			PreviousStatus:  previous,
			NewStatus:       domain.StatusDelegated,
		})
		return nil
	})
	if err != nil {
		return domain.Alert{}, err
	}

	m.logger.Info("alert delegated", "alert_id", alert.ID, "assignee", assignee.ID, "by", actor.ID)
	m.notifyDelegation(ctx, alert, []directory.User{assignee}, comment)
	return alert, nil
}

// SendToProjectManager broadcasts one pending alert to every project manager.
// Params: alert id, acting decision maker, and comment.
// Returns: updated alert without a specific assignee.
func (m *Manager) SendToProjectManager(ctx context.Context, alertID, actorID, comment string) (domain.Alert, error) {
	actor, err := m.requireDecisionMaker(actorID)
	if err != nil {
		return domain.Alert{}, err
	}
	managers := m.directory.ProjectManagers()
	if len(managers) == 0 {
		return domain.Alert{}, domain.ValidationError("no project managers are configured")
	}

	alert, err := m.mutate(ctx, alertID, func(alert *domain.Alert) error {
		if alert.Status != domain.StatusPendingDecision {
			return domain.InvalidStateError("alert %q cannot be sent from status %s", alertID, alert.Status)
		}
		now := m.clock.Now()
		previous := alert.Status
		alert.Status = domain.StatusDelegated
		alert.AssignedProjectManagerID = ""
		alert.SentToProjectManagerAt = &now
		alert.ActionHistory = append(alert.ActionHistory, domain.AlertAction{
			ActionType:      domain.ActionSentToPM,
			PerformedBy:     actor.ID,
			PerformedByName: actor.Name,
			PerformedAt:     now,
			Comment:         comment,
			PreviousStatus:  previous,
			NewStatus:       domain.StatusDelegated,
		})
		return nil
	})
	if err != nil {
		return domain.Alert{}, err
	}

	m.logger.Info("alert sent to all project managers", "alert_id", alert.ID, "by", actor.ID)
	m.notifyDelegation(ctx, alert, managers, comment)
	return alert, nil
}

// MarkInProgress records that the assignee started handling the alert.
// Params: alert id, acting project manager, and optional comment.
// Returns: updated alert; a broadcast or pending alert is claimed by the actor.
func (m *Manager) MarkInProgress(ctx context.Context, alertID, actorID, comment string) (domain.Alert, error) {
	actor, err := m.requireProjectManager(actorID)
	if err != nil {
		return domain.Alert{}, err
	}

	alert, err := m.mutate(ctx, alertID, func(alert *domain.Alert) error {
		if alert.Status != domain.StatusPendingDecision && alert.Status != domain.StatusDelegated {
			return domain.InvalidStateError("alert %q cannot start from status %s", alertID, alert.Status)
		}
		if alert.AssignedProjectManagerID != "" && alert.AssignedProjectManagerID != actor.ID {
			return domain.ValidationError("alert %q is assigned to %q", alertID, alert.AssignedProjectManagerID)
		}
		now := m.clock.Now()
		previous := alert.Status
		alert.Status = domain.StatusInProgress
		alert.AssignedProjectManagerID = actor.ID
		alert.ActionHistory = append(alert.ActionHistory, domain.AlertAction{
			ActionType:      domain.ActionInProgress,
			PerformedBy:     actor.ID,
			PerformedByName: actor.Name,
			PerformedAt:     now,
			Comment:         comment,
			PreviousStatus:  previous,
			NewStatus:       domain.StatusInProgress,
		})
		return nil
	})
	if err != nil {
		return domain.Alert{}, err
	}

	m.logger.Info("alert in progress", "alert_id", alert.ID, "assignee", actor.ID)
	return alert, nil
}

// Acknowledge flags one active alert as seen without changing its status.
// Params: alert id and acting project manager.
// Returns: updated alert; repeated acknowledgement is a no-op.
func (m *Manager) Acknowledge(ctx context.Context, alertID, actorID string) (domain.Alert, error) {
	actor, err := m.requireProjectManager(actorID)
	if err != nil {
		return domain.Alert{}, err
	}

	acknowledged := false
	alert, err := m.mutate(ctx, alertID, func(alert *domain.Alert) error {
		if alert.Status.Terminal() {
			return domain.InvalidStateError("alert %q cannot be acknowledged from status %s", alertID, alert.Status)
		}
		if alert.AcknowledgedAt != nil {
			return nil
		}
		now := m.clock.Now()
		alert.AcknowledgedAt = &now
		alert.AcknowledgedBy = actor.ID
		alert.ActionHistory = append(alert.ActionHistory, domain.AlertAction{
			ActionType:      domain.ActionAcknowledged,
			PerformedBy:     actor.ID,
			PerformedByName: actor.Name,
			PerformedAt:     now,
		})
		acknowledged = true
		return nil
	})
	if err != nil {
		return domain.Alert{}, err
	}
	if acknowledged {
		m.logger.Info("alert acknowledged", "alert_id", alert.ID, "by", actor.ID)
	}
	return alert, nil
}

// Resolve closes one active alert with a mandatory resolution comment.
// Params: alert id, acting user, resolution comment, and actions taken.
// Returns: updated alert; the condition tuple becomes available again.
func (m *Manager) Resolve(ctx context.Context, alertID, actorID, comment, actionsTaken string) (domain.Alert, error) {
	if strings.TrimSpace(comment) == "" {
		return domain.Alert{}, domain.ValidationError("resolution comment is required")
	}
	actor, err := m.directory.Lookup(actorID)
	if err != nil {
		return domain.Alert{}, err
	}

	alert, err := m.mutate(ctx, alertID, func(alert *domain.Alert) error {
		if alert.Status.Terminal() {
			return domain.InvalidStateError("alert %q is already %s", alertID, alert.Status)
		}
		if alert.AssignedProjectManagerID != "" && alert.AssignedProjectManagerID != actor.ID && !actor.DecisionMaker {
			return domain.ValidationError("alert %q is assigned to %q", alertID, alert.AssignedProjectManagerID)
		}
		now := m.clock.Now()
		previous := alert.Status
		alert.Status = domain.StatusResolved
		alert.ResolvedAt = &now
		alert.ResolvedBy = actor.ID
		alert.ResolutionComment = comment
		alert.ActionsTaken = actionsTaken
		alert.ActionHistory = append(alert.ActionHistory, domain.AlertAction{
			ActionType:      domain.ActionResolved,
			PerformedBy:     actor.ID,
			PerformedByName: actor.Name,
			PerformedAt:     now,
			Comment:         comment,
			PreviousStatus:  previous,
			NewStatus:       domain.StatusResolved,
		})
		return nil
	})
	if err != nil {
		return domain.Alert{}, err
	}

	if err := m.store.ReleaseTuple(ctx, alert.Tuple(), alert.ID); err != nil {
		m.logger.Warn("tuple release failed", "alert_id", alert.ID, "error", err.Error())
	}
	m.logger.Info("alert resolved", "alert_id", alert.ID, "by", actor.ID)

	channels := []string{config.ChannelEmail, config.ChannelInApp, config.ChannelWebsocket}
	m.dispatcher.Broadcast(ctx, channels, m.directory.DecisionMakers(),
		domain.NewAlertNotification(alert, domain.EventResolved, comment))
	return alert, nil
}

// Archive moves one alert to the terminal archived state.
// Params: alert id and acting decision maker.
// Returns: updated alert; archiving an active alert releases its tuple.
func (m *Manager) Archive(ctx context.Context, alertID, actorID string) (domain.Alert, error) {
	actor, err := m.requireDecisionMaker(actorID)
	if err != nil {
		return domain.Alert{}, err
	}

	wasActive := false
	alert, err := m.mutate(ctx, alertID, func(alert *domain.Alert) error {
		if alert.Status == domain.StatusArchived {
			return domain.InvalidStateError("alert %q is already archived", alertID)
		}
		wasActive = alert.Status != domain.StatusResolved
		now := m.clock.Now()
		previous := alert.Status
		alert.Status = domain.StatusArchived
		alert.ArchivedAt = &now
		alert.ArchivedBy = actor.ID
		alert.ActionHistory = append(alert.ActionHistory, domain.AlertAction{
			ActionType:      domain.ActionArchived,
			PerformedBy:     actor.ID,
			PerformedByName: actor.Name,
			PerformedAt:     now,
			PreviousStatus:  previous,
			NewStatus:       domain.StatusArchived,
		})
		return nil
	})
	if err != nil {
		return domain.Alert{}, err
	}

	if wasActive {
		if err := m.store.ReleaseTuple(ctx, alert.Tuple(), alert.ID); err != nil {
			m.logger.Warn("tuple release failed", "alert_id", alert.ID, "error", err.Error())
		}
	}
	m.logger.Info("alert archived", "alert_id", alert.ID, "by", actor.ID)
	return alert, nil
}

// Purge physically removes one archived alert. Administrative escape hatch;
// the normal lifecycle ends at ARCHIVED.
// Params: alert id and acting decision maker.
// Returns: invalid-state error unless the alert is archived.
func (m *Manager) Purge(ctx context.Context, alertID, actorID string) error {
	actor, err := m.requireDecisionMaker(actorID)
	if err != nil {
		return err
	}
	alert, err := m.GetAlert(ctx, alertID)
	if err != nil {
		return err
	}
	if alert.Status != domain.StatusArchived {
		return domain.InvalidStateError("alert %q must be archived before purging", alertID)
	}
	if err := m.store.Delete(ctx, alertID); err != nil {
		return domain.DependencyError("alert delete failed", err)
	}
	m.logger.Info("alert purged", "alert_id", alertID, "by", actor.ID)
	return nil
}

// AddComment appends one free-form comment without a state change.
// Params: alert id, acting user, and comment.
// Returns: updated alert or validation error on empty comment.
func (m *Manager) AddComment(ctx context.Context, alertID, actorID, comment string) (domain.Alert, error) {
	if strings.TrimSpace(comment) == "" {
		return domain.Alert{}, domain.ValidationError("comment is required")
	}
	actor, err := m.directory.Lookup(actorID)
	if err != nil {
		return domain.Alert{}, err
	}

	return m.mutate(ctx, alertID, func(alert *domain.Alert) error {
		alert.ActionHistory = append(alert.ActionHistory, domain.AlertAction{
			ActionType:      domain.ActionCommented,
			PerformedBy:     actor.ID,
			PerformedByName: actor.Name,
			PerformedAt:     m.clock.Now(),
			Comment:         comment,
		})
		return nil
	})
}

// GetActiveAlerts lists the non-terminal alerts visible to one user.
// Params: requesting user id.
// Returns: decision makers see everything; project managers see their
// assignments plus unassigned delegated alerts.
func (m *Manager) GetActiveAlerts(ctx context.Context, userID string) ([]domain.Alert, error) {
	user, err := m.directory.Lookup(userID)
	if err != nil {
		return nil, err
	}
	active, err := m.store.ListByStatuses(ctx,
		domain.StatusPendingDecision, domain.StatusDelegated, domain.StatusInProgress)
	if err != nil {
		return nil, domain.DependencyError("alert listing failed", err)
	}
	if user.DecisionMaker {
		return active, nil
	}

	visible := make([]domain.Alert, 0, len(active))
	for _, alert := range active {
		if alert.VisibleTo(user.ID) {
			visible = append(visible, alert)
			continue
		}
		if user.ProjectManager && alert.Status == domain.StatusDelegated && alert.AssignedProjectManagerID == "" {
			visible = append(visible, alert)
		}
	}
	return visible, nil
}

// GetResolvedAlerts lists resolved alerts.
// Params: none beyond context.
// Returns: resolved alert slice newest first.
func (m *Manager) GetResolvedAlerts(ctx context.Context) ([]domain.Alert, error) {
	alerts, err := m.store.ListByStatuses(ctx, domain.StatusResolved)
	if err != nil {
		return nil, domain.DependencyError("alert listing failed", err)
	}
	return alerts, nil
}

// GetArchivedAlerts lists archived alerts.
// Params: none beyond context.
// Returns: archived alert slice newest first.
func (m *Manager) GetArchivedAlerts(ctx context.Context) ([]domain.Alert, error) {
	alerts, err := m.store.ListByStatuses(ctx, domain.StatusArchived)
	if err != nil {
		return nil, domain.DependencyError("alert listing failed", err)
	}
	return alerts, nil
}

// GetHistory returns the audit trail of one alert.
// Params: alert identifier.
// Returns: action history or not-found error.
func (m *Manager) GetHistory(ctx context.Context, alertID string) ([]domain.AlertAction, error) {
	alert, err := m.GetAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}
	return alert.ActionHistory, nil
}

// GetStatistics aggregates counts across the whole alert population.
// Params: none beyond context.
// Returns: statistics snapshot.
func (m *Manager) GetStatistics(ctx context.Context) (Statistics, error) {
	alerts, err := m.store.List(ctx)
	if err != nil {
		return Statistics{}, domain.DependencyError("alert listing failed", err)
	}

	stats := Statistics{
		ByStatus:   make(map[domain.AlertStatus]int),
		BySeverity: make(map[domain.Severity]int),
		ByKpi:      make(map[domain.KpiName]int),
	}
	for _, alert := range alerts {
		stats.Total++
		if !alert.Status.Terminal() {
			stats.Active++
		}
		stats.ByStatus[alert.Status]++
		stats.BySeverity[alert.Severity]++
		stats.ByKpi[alert.Kpi]++
	}
	return stats, nil
}

// mutate applies one transition under CAS with bounded retries.
// Params: alert id and mutation callback.
// Returns: updated alert; conflict exhaustion maps to a dependency error.
func (m *Manager) mutate(ctx context.Context, alertID string, apply func(*domain.Alert) error) (domain.Alert, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		alert, revision, err := m.store.Get(ctx, alertID)
		if err != nil {
			if errors.Is(err, alertstore.ErrNotFound) {
				return domain.Alert{}, domain.NotFoundError("alert %q does not exist", alertID)
			}
			return domain.Alert{}, domain.DependencyError("alert read failed", err)
		}
		if err := apply(&alert); err != nil {
			return domain.Alert{}, err
		}
		if _, err := m.store.Update(ctx, revision, alert); err != nil {
			if errors.Is(err, alertstore.ErrConflict) {
				continue
			}
			return domain.Alert{}, domain.DependencyError("alert update failed", err)
		}
		return alert, nil
	}
	return domain.Alert{}, domain.DependencyError("alert update exhausted retries", alertstore.ErrConflict)
}

// notifyDelegation delivers the delegation notification after persistence.
// Params: updated alert, target users, and comment.
// Returns: nothing; delivery failures are logged only.
func (m *Manager) notifyDelegation(ctx context.Context, alert domain.Alert, targets []directory.User, comment string) {
	channels := []string{config.ChannelInApp, config.ChannelWebsocket, config.ChannelEmail}
	if alert.Priority.Escalates() {
		channels = append(channels, config.ChannelSMS)
	}
	m.dispatcher.Broadcast(ctx, channels, targets,
		domain.NewAlertNotification(alert, domain.EventDelegated, comment))
}

// requireDecisionMaker resolves the actor and checks the decision-maker role.
// Params: acting user id.
// Returns: directory user or validation error.
func (m *Manager) requireDecisionMaker(actorID string) (directory.User, error) {
	actor, err := m.directory.Lookup(actorID)
	if err != nil {
		return directory.User{}, err
	}
	if !actor.DecisionMaker {
		return directory.User{}, domain.ValidationError("user %q is not a decision maker", actorID)
	}
	return actor, nil
}

// requireProjectManager resolves the actor and checks the project-manager role.
// Params: acting user id.
// Returns: directory user or validation error.
func (m *Manager) requireProjectManager(actorID string) (directory.User, error) {
	actor, err := m.directory.Lookup(actorID)
	if err != nil {
		return directory.User{}, err
	}
	if !actor.ProjectManager {
		return directory.User{}, domain.ValidationError("user %q is not a project manager", actorID)
	}
	return actor, nil
}
