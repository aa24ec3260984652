package alertstore

import (
	"context"
	"sort"
	"sync"

	"kpialert/internal/domain"
)

// MemoryStore keeps alerts in process memory for single-instance mode.
// Params: in-memory alert and tuple maps guarded by RWMutex.
// Returns: store implementation without external dependencies.
type MemoryStore struct {
	mu     sync.RWMutex
	alerts map[string]memoryAlert
	tuples map[string]string
}

type memoryAlert struct {
	alert    domain.Alert
	revision uint64
}

// NewMemoryStore creates an in-memory alert store.
// Params: none.
// Returns: initialized in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		alerts: make(map[string]memoryAlert),
		tuples: make(map[string]string),
	}
}

// Get returns alert payload and revision.
// Params: alert ID key.
// Returns: stored alert, revision, or ErrNotFound.
func (s *MemoryStore) Get(_ context.Context, alertID string) (domain.Alert, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.alerts[alertID]
	if !ok {
		return domain.Alert{}, 0, ErrNotFound
	}
	return entry.alert, entry.revision, nil
}

// Put writes alert payload unconditionally.
// Params: alert payload carrying its ID.
// Returns: new revision.
func (s *MemoryStore) Put(_ context.Context, alert domain.Alert) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rev := s.alerts[alert.ID].revision + 1
	s.alerts[alert.ID] = memoryAlert{alert: alert, revision: rev}
	return rev, nil
}

// Update replaces alert payload using expected revision CAS.
// Params: expected revision and replacement payload.
// Returns: new revision, ErrNotFound, or ErrConflict.
func (s *MemoryStore) Update(_ context.Context, expectedRevision uint64, alert domain.Alert) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.alerts[alert.ID]
	if !ok {
		return 0, ErrNotFound
	}
	if entry.revision != expectedRevision {
		return 0, ErrConflict
	}
	rev := expectedRevision + 1
	s.alerts[alert.ID] = memoryAlert{alert: alert, revision: rev}
	return rev, nil
}

// Delete removes one alert by ID.
// Params: alert ID key.
// Returns: nil (in-memory delete).
func (s *MemoryStore) Delete(_ context.Context, alertID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.alerts, alertID)
	return nil
}

// List returns all alerts ordered by detection time descending.
// Params: none.
// Returns: detached alert slice.
func (s *MemoryStore) List(_ context.Context) ([]domain.Alert, error) {
	s.mu.RLock()
	out := make([]domain.Alert, 0, len(s.alerts))
	for _, entry := range s.alerts {
		out = append(out, entry.alert)
	}
	s.mu.RUnlock()
	sortByDetectedAt(out)
	return out, nil
}

// ListByStatuses returns alerts matching any of the given statuses.
// Params: status filter set.
// Returns: filtered alert slice ordered by detection time descending.
func (s *MemoryStore) ListByStatuses(ctx context.Context, statuses ...domain.AlertStatus) ([]domain.Alert, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	return filterByStatuses(all, statuses), nil
}

// ClaimTuple records alert ID as owner of the active tuple.
// Params: tuple key and alert ID.
// Returns: ErrConflict when another alert already owns the tuple.
func (s *MemoryStore) ClaimTuple(_ context.Context, tuple domain.TupleKey, alertID string) error {
	key := tuple.String()
	s.mu.Lock()
	defer s.mu.Unlock()
	if owner, taken := s.tuples[key]; taken && owner != alertID {
		return ErrConflict
	}
	s.tuples[key] = alertID
	return nil
}

// ActiveTupleAlertID resolves the alert currently owning one tuple.
// Params: tuple key.
// Returns: owning alert ID or ErrNotFound.
func (s *MemoryStore) ActiveTupleAlertID(_ context.Context, tuple domain.TupleKey) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	owner, ok := s.tuples[tuple.String()]
	if !ok {
		return "", ErrNotFound
	}
	return owner, nil
}

// ReleaseTuple removes the tuple claim when held by the given alert.
// Params: tuple key and releasing alert ID.
// Returns: nil even when the claim is absent.
func (s *MemoryStore) ReleaseTuple(_ context.Context, tuple domain.TupleKey, alertID string) error {
	key := tuple.String()
	s.mu.Lock()
	defer s.mu.Unlock()
	if owner, ok := s.tuples[key]; ok && owner == alertID {
		delete(s.tuples, key)
	}
	return nil
}

// Close releases memory store resources.
// Params: none.
// Returns: nil.
func (s *MemoryStore) Close() error {
	return nil
}

// sortByDetectedAt orders alerts newest first with ID tiebreak.
// Params: mutable alert slice.
// Returns: slice sorted in place.
func sortByDetectedAt(alerts []domain.Alert) {
	sort.Slice(alerts, func(i, j int) bool {
		if !alerts[i].DetectedAt.Equal(alerts[j].DetectedAt) {
			return alerts[i].DetectedAt.After(alerts[j].DetectedAt)
		}
		return alerts[i].ID < alerts[j].ID
	})
}
