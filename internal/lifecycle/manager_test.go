package lifecycle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"kpialert/internal/alertstore"
	"kpialert/internal/clock"
	"kpialert/internal/config"
	"kpialert/internal/directory"
	"kpialert/internal/domain"
	"kpialert/internal/notify"
)

type managerFixture struct {
	store   *alertstore.MemoryStore
	clock   *clock.FixedClock
	manager *Manager
}

func newFixture(t *testing.T) *managerFixture {
	t.Helper()

	store := alertstore.NewMemoryStore()
	clk := clock.NewFixedClock(time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	dir := directory.New([]config.UserConfig{
		{ID: "dm1", Name: "Decision Maker One", Email: "dm1@example.org", Roles: []string{config.RoleDecisionMaker}},
		{ID: "dm2", Name: "Decision Maker Two", Email: "dm2@example.org", Roles: []string{config.RoleDecisionMaker}},
		{ID: "pm1", Name: "Project Manager One", Email: "pm1@example.org", Roles: []string{config.RoleProjectManager}},
		{ID: "pm2", Name: "Project Manager Two", Email: "pm2@example.org", Roles: []string{config.RoleProjectManager}},
	})
	dispatcher, err := notify.NewDispatcher(config.NotifyConfig{}, logger)
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}

	return &managerFixture{
		store:   store,
		clock:   clk,
		manager: NewManager(store, dispatcher, dir, clk, logger),
	}
}

func (f *managerFixture) seedAlert(t *testing.T, id string, status domain.AlertStatus) domain.Alert {
	t.Helper()
	ctx := context.Background()
	alert := domain.Alert{
		ID:             id,
		Kpi:            domain.KpiOverdueRate,
		CurrentValue:   58.3,
		ThresholdValue: 15.0,
		Unit:           "%",
		Severity:       domain.SeverityHigh,
		Priority:       domain.PriorityCritical,
		Dimension:      domain.DimensionZone,
		DimensionValue: "Sfax-" + id,
		Message:        "Overdue invoice rate reached 58.3% against threshold 15.0%",
		Status:         status,
		Recipients:     []string{"dm1", "dm2"},
		DetectedAt:     f.clock.Now(),
		ActionHistory: []domain.AlertAction{{
			ActionType:  domain.ActionCreated,
			PerformedBy: "system",
			PerformedAt: f.clock.Now(),
			NewStatus:   domain.StatusPendingDecision,
		}},
	}
	if _, err := f.store.Put(ctx, alert); err != nil {
		t.Fatalf("seed alert: %v", err)
	}
	if !status.Terminal() {
		if err := f.store.ClaimTuple(ctx, alert.Tuple(), alert.ID); err != nil {
			t.Fatalf("seed tuple: %v", err)
		}
	}
	return alert
}

func TestDelegateAssignsProjectManager(t *testing.T) {
	t.Parallel()

	fixture := newFixture(t)
	fixture.seedAlert(t, "a-1", domain.StatusPendingDecision)

	alert, err := fixture.manager.Delegate(context.Background(), "a-1", "dm1", "pm1", "please handle", domain.PriorityUrgent)
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}
	if alert.Status != domain.StatusDelegated || alert.AssignedProjectManagerID != "pm1" {
		t.Fatalf("expected delegated to pm1, got %+v", alert)
	}
	if alert.Priority != domain.PriorityUrgent {
		t.Fatalf("expected priority upgraded to URGENT, got %s", alert.Priority)
	}
	if alert.SentToProjectManagerAt == nil {
		t.Fatalf("expected delegation timestamp")
	}
	last := alert.ActionHistory[len(alert.ActionHistory)-1]
	if last.ActionType != domain.ActionDelegated || last.PerformedBy != "dm1" || last.PerformedByName != "Decision Maker One" {
		t.Fatalf("expected DELEGATED action by dm1, got %+v", last)
	}
	if last.PreviousStatus != domain.StatusPendingDecision || last.NewStatus != domain.StatusDelegated {
		t.Fatalf("expected status transition in history, got %+v", last)
	}
}

func TestDelegateRejectsWrongRoles(t *testing.T) {
	t.Parallel()

	fixture := newFixture(t)
	fixture.seedAlert(t, "a-1", domain.StatusPendingDecision)
	ctx := context.Background()

	if _, err := fixture.manager.Delegate(ctx, "a-1", "pm1", "pm2", "", ""); domain.KindOf(err) != domain.KindValidation {
		t.Fatalf("expected validation error for non decision maker, got %v", err)
	}
	if _, err := fixture.manager.Delegate(ctx, "a-1", "dm1", "dm2", "", ""); domain.KindOf(err) != domain.KindValidation {
		t.Fatalf("expected validation error for non project manager target, got %v", err)
	}
	if _, err := fixture.manager.Delegate(ctx, "a-1", "ghost", "pm1", "", ""); domain.KindOf(err) != domain.KindNotFound {
		t.Fatalf("expected not-found error for unknown actor, got %v", err)
	}
}

func TestDelegateRejectsTerminalStatus(t *testing.T) {
	t.Parallel()

	fixture := newFixture(t)
	fixture.seedAlert(t, "a-1", domain.StatusResolved)

	_, err := fixture.manager.Delegate(context.Background(), "a-1", "dm1", "pm1", "", "")
	if domain.KindOf(err) != domain.KindInvalidState {
		t.Fatalf("expected invalid-state error, got %v", err)
	}
}

func TestSendToProjectManagerBroadcasts(t *testing.T) {
	t.Parallel()

	fixture := newFixture(t)
	fixture.seedAlert(t, "a-1", domain.StatusPendingDecision)
	ctx := context.Background()

	alert, err := fixture.manager.SendToProjectManager(ctx, "a-1", "dm1", "anyone available")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if alert.Status != domain.StatusDelegated || alert.AssignedProjectManagerID != "" {
		t.Fatalf("expected unassigned delegated alert, got %+v", alert)
	}
	last := alert.ActionHistory[len(alert.ActionHistory)-1]
	if last.ActionType != domain.ActionSentToPM {
		t.Fatalf("expected SENT_TO_PM action, got %+v", last)
	}

	// Broadcast alerts are only sendable once.
	if _, err := fixture.manager.SendToProjectManager(ctx, "a-1", "dm1", ""); domain.KindOf(err) != domain.KindInvalidState {
		t.Fatalf("expected invalid-state error, got %v", err)
	}
}

func TestMarkInProgressClaimsBroadcastAlert(t *testing.T) {
	t.Parallel()

	fixture := newFixture(t)
	fixture.seedAlert(t, "a-1", domain.StatusPendingDecision)
	ctx := context.Background()

	if _, err := fixture.manager.SendToProjectManager(ctx, "a-1", "dm1", ""); err != nil {
		t.Fatalf("send: %v", err)
	}
	alert, err := fixture.manager.MarkInProgress(ctx, "a-1", "pm2", "taking this")
	if err != nil {
		t.Fatalf("mark in progress: %v", err)
	}
	if alert.Status != domain.StatusInProgress || alert.AssignedProjectManagerID != "pm2" {
		t.Fatalf("expected pm2 to claim the alert, got %+v", alert)
	}
}

func TestMarkInProgressRejectsForeignAssignee(t *testing.T) {
	t.Parallel()

	fixture := newFixture(t)
	fixture.seedAlert(t, "a-1", domain.StatusPendingDecision)
	ctx := context.Background()

	if _, err := fixture.manager.Delegate(ctx, "a-1", "dm1", "pm1", "", ""); err != nil {
		t.Fatalf("delegate: %v", err)
	}
	if _, err := fixture.manager.MarkInProgress(ctx, "a-1", "pm2", ""); domain.KindOf(err) != domain.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestAcknowledgeIsIdempotent(t *testing.T) {
	t.Parallel()

	fixture := newFixture(t)
	fixture.seedAlert(t, "a-1", domain.StatusPendingDecision)
	ctx := context.Background()

	if _, err := fixture.manager.Delegate(ctx, "a-1", "dm1", "pm1", "", ""); err != nil {
		t.Fatalf("delegate: %v", err)
	}
	first, err := fixture.manager.Acknowledge(ctx, "a-1", "pm1")
	if err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if first.AcknowledgedAt == nil || first.AcknowledgedBy != "pm1" {
		t.Fatalf("expected acknowledgement metadata, got %+v", first)
	}
	if first.Status != domain.StatusDelegated {
		t.Fatalf("expected status unchanged, got %s", first.Status)
	}

	fixture.clock.Advance(time.Minute)
	second, err := fixture.manager.Acknowledge(ctx, "a-1", "pm1")
	if err != nil {
		t.Fatalf("second acknowledge: %v", err)
	}
	if !second.AcknowledgedAt.Equal(*first.AcknowledgedAt) {
		t.Fatalf("expected acknowledgement timestamp kept, got %v", second.AcknowledgedAt)
	}
	if len(second.ActionHistory) != len(first.ActionHistory) {
		t.Fatalf("expected no extra history entry, got %+v", second.ActionHistory)
	}
}

func TestResolveRequiresComment(t *testing.T) {
	t.Parallel()

	fixture := newFixture(t)
	fixture.seedAlert(t, "a-1", domain.StatusPendingDecision)

	_, err := fixture.manager.Resolve(context.Background(), "a-1", "dm1", "  ", "")
	if domain.KindOf(err) != domain.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestResolveReleasesTuple(t *testing.T) {
	t.Parallel()

	fixture := newFixture(t)
	seeded := fixture.seedAlert(t, "a-1", domain.StatusPendingDecision)
	ctx := context.Background()

	alert, err := fixture.manager.Resolve(ctx, "a-1", "dm1", "collection campaign finished", "called top debtors")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if alert.Status != domain.StatusResolved || alert.ResolvedBy != "dm1" {
		t.Fatalf("expected resolved by dm1, got %+v", alert)
	}
	if alert.ResolutionComment != "collection campaign finished" || alert.ActionsTaken != "called top debtors" {
		t.Fatalf("expected resolution metadata, got %+v", alert)
	}
	if _, err := fixture.store.ActiveTupleAlertID(ctx, seeded.Tuple()); !errors.Is(err, alertstore.ErrNotFound) {
		t.Fatalf("expected released tuple, got %v", err)
	}
}

func TestResolveRejectsForeignProjectManager(t *testing.T) {
	t.Parallel()

	fixture := newFixture(t)
	fixture.seedAlert(t, "a-1", domain.StatusPendingDecision)
	ctx := context.Background()

	if _, err := fixture.manager.Delegate(ctx, "a-1", "dm1", "pm1", "", ""); err != nil {
		t.Fatalf("delegate: %v", err)
	}
	if _, err := fixture.manager.Resolve(ctx, "a-1", "pm2", "done", ""); domain.KindOf(err) != domain.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	// The assignee and any decision maker may resolve.
	if _, err := fixture.manager.Resolve(ctx, "a-1", "pm1", "done", ""); err != nil {
		t.Fatalf("resolve by assignee: %v", err)
	}
}

func TestArchiveFromAnyNonTerminalState(t *testing.T) {
	t.Parallel()

	fixture := newFixture(t)
	seeded := fixture.seedAlert(t, "a-1", domain.StatusPendingDecision)
	fixture.seedAlert(t, "a-2", domain.StatusResolved)
	ctx := context.Background()

	archived, err := fixture.manager.Archive(ctx, "a-1", "dm1")
	if err != nil {
		t.Fatalf("archive active: %v", err)
	}
	if archived.Status != domain.StatusArchived || archived.ArchivedBy != "dm1" {
		t.Fatalf("expected archived alert, got %+v", archived)
	}
	if _, err := fixture.store.ActiveTupleAlertID(ctx, seeded.Tuple()); !errors.Is(err, alertstore.ErrNotFound) {
		t.Fatalf("expected released tuple after archive, got %v", err)
	}

	if _, err := fixture.manager.Archive(ctx, "a-2", "dm1"); err != nil {
		t.Fatalf("archive resolved: %v", err)
	}
	if _, err := fixture.manager.Archive(ctx, "a-2", "dm1"); domain.KindOf(err) != domain.KindInvalidState {
		t.Fatalf("expected invalid-state error on double archive, got %v", err)
	}
}

func TestPurgeRequiresArchivedStatus(t *testing.T) {
	t.Parallel()

	fixture := newFixture(t)
	fixture.seedAlert(t, "a-1", domain.StatusPendingDecision)
	fixture.seedAlert(t, "a-2", domain.StatusArchived)
	ctx := context.Background()

	if err := fixture.manager.Purge(ctx, "a-1", "dm1"); domain.KindOf(err) != domain.KindInvalidState {
		t.Fatalf("expected invalid-state error for active alert, got %v", err)
	}
	if err := fixture.manager.Purge(ctx, "a-2", "pm1"); domain.KindOf(err) != domain.KindValidation {
		t.Fatalf("expected validation error for non decision maker, got %v", err)
	}
	if err := fixture.manager.Purge(ctx, "a-2", "dm1"); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if _, err := fixture.manager.GetAlert(ctx, "a-2"); domain.KindOf(err) != domain.KindNotFound {
		t.Fatalf("expected purged alert to be gone, got %v", err)
	}
}

func TestAddCommentWorksInAnyState(t *testing.T) {
	t.Parallel()

	fixture := newFixture(t)
	fixture.seedAlert(t, "a-1", domain.StatusArchived)
	ctx := context.Background()

	alert, err := fixture.manager.AddComment(ctx, "a-1", "pm1", "context for the audit")
	if err != nil {
		t.Fatalf("comment: %v", err)
	}
	last := alert.ActionHistory[len(alert.ActionHistory)-1]
	if last.ActionType != domain.ActionCommented || last.Comment != "context for the audit" {
		t.Fatalf("expected COMMENTED action, got %+v", last)
	}
	if alert.Status != domain.StatusArchived {
		t.Fatalf("expected status unchanged, got %s", alert.Status)
	}

	if _, err := fixture.manager.AddComment(ctx, "a-1", "pm1", ""); domain.KindOf(err) != domain.KindValidation {
		t.Fatalf("expected validation error on empty comment, got %v", err)
	}
}

func TestGetActiveAlertsVisibility(t *testing.T) {
	t.Parallel()

	fixture := newFixture(t)
	ctx := context.Background()
	fixture.seedAlert(t, "a-1", domain.StatusPendingDecision)
	fixture.seedAlert(t, "a-2", domain.StatusPendingDecision)
	fixture.seedAlert(t, "a-3", domain.StatusPendingDecision)
	fixture.seedAlert(t, "a-4", domain.StatusResolved)

	if _, err := fixture.manager.Delegate(ctx, "a-1", "dm1", "pm1", "", ""); err != nil {
		t.Fatalf("delegate: %v", err)
	}
	if _, err := fixture.manager.SendToProjectManager(ctx, "a-2", "dm1", ""); err != nil {
		t.Fatalf("send: %v", err)
	}

	dmView, err := fixture.manager.GetActiveAlerts(ctx, "dm2")
	if err != nil {
		t.Fatalf("dm view: %v", err)
	}
	if len(dmView) != 3 {
		t.Fatalf("expected decision maker to see 3 active alerts, got %d", len(dmView))
	}

	pm1View, err := fixture.manager.GetActiveAlerts(ctx, "pm1")
	if err != nil {
		t.Fatalf("pm1 view: %v", err)
	}
	// pm1 sees the direct assignment and the broadcast alert, not a-3.
	if len(pm1View) != 2 {
		t.Fatalf("expected pm1 to see 2 alerts, got %d", len(pm1View))
	}

	pm2View, err := fixture.manager.GetActiveAlerts(ctx, "pm2")
	if err != nil {
		t.Fatalf("pm2 view: %v", err)
	}
	if len(pm2View) != 1 || pm2View[0].ID != "a-2" {
		t.Fatalf("expected pm2 to see only the broadcast alert, got %+v", pm2View)
	}

	if _, err := fixture.manager.GetActiveAlerts(ctx, "ghost"); domain.KindOf(err) != domain.KindNotFound {
		t.Fatalf("expected not-found error for unknown user, got %v", err)
	}
}

func TestGetStatistics(t *testing.T) {
	t.Parallel()

	fixture := newFixture(t)
	ctx := context.Background()
	fixture.seedAlert(t, "a-1", domain.StatusPendingDecision)
	fixture.seedAlert(t, "a-2", domain.StatusResolved)
	fixture.seedAlert(t, "a-3", domain.StatusArchived)

	stats, err := fixture.manager.GetStatistics(ctx)
	if err != nil {
		t.Fatalf("statistics: %v", err)
	}
	if stats.Total != 3 || stats.Active != 1 {
		t.Fatalf("expected 3 total 1 active, got %+v", stats)
	}
	if stats.ByStatus[domain.StatusResolved] != 1 || stats.ByKpi[domain.KpiOverdueRate] != 3 {
		t.Fatalf("unexpected aggregation: %+v", stats)
	}
	if stats.BySeverity[domain.SeverityHigh] != 3 {
		t.Fatalf("unexpected severity aggregation: %+v", stats)
	}
}

func TestGetHistoryUnknownAlert(t *testing.T) {
	t.Parallel()

	fixture := newFixture(t)
	if _, err := fixture.manager.GetHistory(context.Background(), "nope"); domain.KindOf(err) != domain.KindNotFound {
		t.Fatalf("expected not-found error, got %v", err)
	}
}
