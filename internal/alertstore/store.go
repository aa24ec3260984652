package alertstore

import (
	"context"
	"errors"

	"kpialert/internal/domain"
)

var (
	// ErrNotFound indicates absent alert or tuple key.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates revision mismatch for CAS update or taken tuple.
	ErrConflict = errors.New("revision conflict")
)

// Store provides alert persistence with revision-based concurrency control.
// Params: CRUD operations for alerts plus the active-tuple index.
// Returns: backend persistence behavior.
type Store interface {
	Get(ctx context.Context, alertID string) (domain.Alert, uint64, error)
	Put(ctx context.Context, alert domain.Alert) (uint64, error)
	Update(ctx context.Context, expectedRevision uint64, alert domain.Alert) (uint64, error)
	Delete(ctx context.Context, alertID string) error
	List(ctx context.Context) ([]domain.Alert, error)
	ListByStatuses(ctx context.Context, statuses ...domain.AlertStatus) ([]domain.Alert, error)
	ClaimTuple(ctx context.Context, tuple domain.TupleKey, alertID string) error
	ActiveTupleAlertID(ctx context.Context, tuple domain.TupleKey) (string, error)
	ReleaseTuple(ctx context.Context, tuple domain.TupleKey, alertID string) error
	Close() error
}

// filterByStatuses keeps alerts matching any of the given statuses.
// Params: alert slice and status set.
// Returns: filtered slice; all alerts when the set is empty.
func filterByStatuses(alerts []domain.Alert, statuses []domain.AlertStatus) []domain.Alert {
	if len(statuses) == 0 {
		return alerts
	}
	wanted := make(map[domain.AlertStatus]struct{}, len(statuses))
	for _, status := range statuses {
		wanted[status] = struct{}{}
	}
	out := make([]domain.Alert, 0, len(alerts))
	for _, alert := range alerts {
		if _, ok := wanted[alert.Status]; ok {
			out = append(out, alert)
		}
	}
	return out
}
