package evaluate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"kpialert/internal/alertstore"
	"kpialert/internal/clock"
	"kpialert/internal/config"
	"kpialert/internal/directory"
	"kpialert/internal/domain"
	"kpialert/internal/kpi"
	"kpialert/internal/notify"
	"kpialert/internal/records"
	"kpialert/internal/threshold"
)

var sfaxOverdueTuple = domain.TupleKey{
	Kpi:            domain.KpiOverdueRate,
	Dimension:      domain.DimensionZone,
	DimensionValue: "Sfax",
}

type evaluatorFixture struct {
	records   *records.Store
	store     *alertstore.MemoryStore
	clock     *clock.FixedClock
	evaluator *Evaluator
}

func newFixture(t *testing.T) *evaluatorFixture {
	t.Helper()

	recordStore := records.NewStore()
	alertStore := alertstore.NewMemoryStore()
	clk := clock.NewFixedClock(time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	dir := directory.New([]config.UserConfig{
		{ID: "dm1", Name: "Decision Maker One", Email: "dm1@example.org", Roles: []string{config.RoleDecisionMaker}},
		{ID: "dm2", Name: "Decision Maker Two", Email: "dm2@example.org", Roles: []string{config.RoleDecisionMaker}},
		{ID: "pm1", Name: "Project Manager", Email: "pm1@example.org", Roles: []string{config.RoleProjectManager}},
	})

	dispatcher, err := notify.NewDispatcher(config.NotifyConfig{}, logger)
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}

	evaluator := NewEvaluator(
		kpi.NewCalculator(recordStore, clk),
		threshold.NewStore(config.DefaultThresholds(), clk),
		alertStore,
		dispatcher,
		dir,
		clk,
		logger,
	)
	return &evaluatorFixture{
		records:   recordStore,
		store:     alertStore,
		clock:     clk,
		evaluator: evaluator,
	}
}

// seedSfaxInvoices fills one active Sfax contract with the given overdue mix.
func (f *evaluatorFixture) seedSfaxInvoices(overdue, total int) {
	now := f.clock.Now()
	f.records.UpsertContract(domain.ContractRecord{
		ID: "c-1", Status: domain.ContractActive, Governorate: "Sfax", StructureID: "st-1",
	})
	for i := 0; i < total; i++ {
		issue := now.AddDate(0, 0, -30)
		record := domain.InvoiceRecord{
			ID:         fmt.Sprintf("inv-%d", i),
			ContractID: "c-1",
			Amount:     1000,
			IssueDate:  &issue,
		}
		if i < overdue {
			record.Status = domain.InvoiceOverdue
		} else {
			payment := now.AddDate(0, 0, -20)
			record.Status = domain.InvoicePaid
			record.PaymentDate = &payment
		}
		f.records.UpsertInvoice(record)
	}
}

func (f *evaluatorFixture) sfaxAlert(t *testing.T) domain.Alert {
	t.Helper()
	ctx := context.Background()
	ownerID, err := f.store.ActiveTupleAlertID(ctx, sfaxOverdueTuple)
	if err != nil {
		t.Fatalf("tuple lookup: %v", err)
	}
	alert, _, err := f.store.Get(ctx, ownerID)
	if err != nil {
		t.Fatalf("alert read: %v", err)
	}
	return alert
}

func TestAnalyzeAllCreatesPendingAlert(t *testing.T) {
	t.Parallel()

	fixture := newFixture(t)
	fixture.seedSfaxInvoices(7, 12)

	report, err := fixture.evaluator.AnalyzeAll(context.Background())
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(report.Created) == 0 {
		t.Fatalf("expected created alerts, got %+v", report)
	}

	alert := fixture.sfaxAlert(t)
	if alert.CurrentValue != 58.3 {
		t.Fatalf("expected current value 58.3, got %v", alert.CurrentValue)
	}
	if alert.ThresholdValue != 15.0 {
		t.Fatalf("expected critical bound 15.0, got %v", alert.ThresholdValue)
	}
	if alert.Severity != domain.SeverityHigh || alert.Priority != domain.PriorityCritical {
		t.Fatalf("expected HIGH/CRITICAL, got %s/%s", alert.Severity, alert.Priority)
	}
	if alert.Status != domain.StatusPendingDecision {
		t.Fatalf("expected pending decision, got %s", alert.Status)
	}
	if len(alert.Recipients) != 2 || alert.Recipients[0] != "dm1" || alert.Recipients[1] != "dm2" {
		t.Fatalf("expected decision-maker recipients, got %v", alert.Recipients)
	}
	if len(alert.ActionHistory) != 1 || alert.ActionHistory[0].ActionType != domain.ActionCreated {
		t.Fatalf("expected single CREATED action, got %+v", alert.ActionHistory)
	}
	if !alert.NotificationSent || alert.NotificationSentAt == nil {
		t.Fatalf("expected notification flag set, got %+v", alert)
	}
}

func TestAnalyzeAllIsIdempotentForUnchangedBreach(t *testing.T) {
	t.Parallel()

	fixture := newFixture(t)
	fixture.seedSfaxInvoices(7, 12)
	ctx := context.Background()

	if _, err := fixture.evaluator.AnalyzeAll(ctx); err != nil {
		t.Fatalf("first analyze: %v", err)
	}
	first := fixture.sfaxAlert(t)

	fixture.clock.Advance(5 * time.Minute)
	report, err := fixture.evaluator.AnalyzeAll(ctx)
	if err != nil {
		t.Fatalf("second analyze: %v", err)
	}
	if len(report.Created) != 0 {
		t.Fatalf("expected no new alerts on unchanged breach, got %v", report.Created)
	}

	second := fixture.sfaxAlert(t)
	if second.ID != first.ID {
		t.Fatalf("expected same alert, got %s and %s", first.ID, second.ID)
	}
	if len(second.ActionHistory) != 1 {
		t.Fatalf("expected history untouched, got %+v", second.ActionHistory)
	}
}

func TestAnalyzeAllRefreshesSeverityChange(t *testing.T) {
	t.Parallel()

	fixture := newFixture(t)
	fixture.seedSfaxInvoices(5, 8)
	ctx := context.Background()

	if _, err := fixture.evaluator.AnalyzeAll(ctx); err != nil {
		t.Fatalf("first analyze: %v", err)
	}
	created := fixture.sfaxAlert(t)
	if created.Severity != domain.SeverityHigh {
		t.Fatalf("expected initial HIGH severity, got %s", created.Severity)
	}

	// 1 overdue of 8 lands in the warning band at 12.5%.
	fixture.seedSfaxInvoices(1, 8)
	fixture.clock.Advance(5 * time.Minute)
	report, err := fixture.evaluator.AnalyzeAll(ctx)
	if err != nil {
		t.Fatalf("second analyze: %v", err)
	}

	refreshed := fixture.sfaxAlert(t)
	if refreshed.ID != created.ID {
		t.Fatalf("expected same alert, got %s and %s", created.ID, refreshed.ID)
	}
	if refreshed.Severity != domain.SeverityMedium {
		t.Fatalf("expected severity downgrade, got %s", refreshed.Severity)
	}
	if refreshed.CurrentValue != 12.5 || refreshed.ThresholdValue != 10.0 {
		t.Fatalf("expected refreshed values 12.5/10.0, got %v/%v", refreshed.CurrentValue, refreshed.ThresholdValue)
	}
	last := refreshed.ActionHistory[len(refreshed.ActionHistory)-1]
	if last.ActionType != domain.ActionRefreshed || last.PerformedBy != "system" {
		t.Fatalf("expected system REFRESHED action, got %+v", last)
	}
	found := false
	for _, id := range report.Refreshed {
		if id == created.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected alert in refreshed report, got %v", report.Refreshed)
	}
}

func TestAnalyzeAllAutoResolvesRecoveredTuple(t *testing.T) {
	t.Parallel()

	fixture := newFixture(t)
	fixture.seedSfaxInvoices(5, 8)
	ctx := context.Background()

	if _, err := fixture.evaluator.AnalyzeAll(ctx); err != nil {
		t.Fatalf("first analyze: %v", err)
	}
	created := fixture.sfaxAlert(t)

	fixture.seedSfaxInvoices(0, 8)
	fixture.clock.Advance(5 * time.Minute)
	report, err := fixture.evaluator.AnalyzeAll(ctx)
	if err != nil {
		t.Fatalf("second analyze: %v", err)
	}

	resolved, _, err := fixture.store.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("alert read: %v", err)
	}
	if resolved.Status != domain.StatusResolved || resolved.ResolvedBy != "system" {
		t.Fatalf("expected system resolution, got %+v", resolved)
	}
	if resolved.ResolvedAt == nil || resolved.ResolutionComment == "" {
		t.Fatalf("expected resolution metadata, got %+v", resolved)
	}
	if _, err := fixture.store.ActiveTupleAlertID(ctx, sfaxOverdueTuple); !errors.Is(err, alertstore.ErrNotFound) {
		t.Fatalf("expected released tuple, got %v", err)
	}
	found := false
	for _, id := range report.Closed {
		if id == created.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected alert in closed report, got %v", report.Closed)
	}
}

func TestAnalyzeAllNewAlertAfterRecoveredBreach(t *testing.T) {
	t.Parallel()

	fixture := newFixture(t)
	fixture.seedSfaxInvoices(5, 8)
	ctx := context.Background()

	if _, err := fixture.evaluator.AnalyzeAll(ctx); err != nil {
		t.Fatalf("first analyze: %v", err)
	}
	first := fixture.sfaxAlert(t)

	fixture.seedSfaxInvoices(0, 8)
	if _, err := fixture.evaluator.AnalyzeAll(ctx); err != nil {
		t.Fatalf("second analyze: %v", err)
	}

	fixture.seedSfaxInvoices(5, 8)
	if _, err := fixture.evaluator.AnalyzeAll(ctx); err != nil {
		t.Fatalf("third analyze: %v", err)
	}

	second := fixture.sfaxAlert(t)
	if second.ID == first.ID {
		t.Fatalf("expected a fresh alert after recovery, got same id %s", first.ID)
	}
	if second.Status != domain.StatusPendingDecision {
		t.Fatalf("expected new pending alert, got %s", second.Status)
	}
}

func TestAnalyzeAllRejectsOverlappingCycle(t *testing.T) {
	t.Parallel()

	fixture := newFixture(t)
	fixture.evaluator.running.Store(true)

	_, err := fixture.evaluator.AnalyzeAll(context.Background())
	if err == nil || domain.KindOf(err) != domain.KindInvalidState {
		t.Fatalf("expected invalid-state error, got %v", err)
	}
}

func TestAnalyzeAllSkipsInsufficientData(t *testing.T) {
	t.Parallel()

	fixture := newFixture(t)
	report, err := fixture.evaluator.AnalyzeAll(context.Background())
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(report.Created) != 0 {
		t.Fatalf("expected no alerts from empty data, got %v", report.Created)
	}
	if report.Skipped == 0 {
		t.Fatalf("expected skipped insufficient measurements, got %+v", report)
	}
}
