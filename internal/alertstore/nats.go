package alertstore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"

	"kpialert/internal/config"
	"kpialert/internal/domain"
)

// NATSStore persists alerts in JetStream KV buckets.
// Params: NATS connection, JetStream context, and KV bucket handles.
// Returns: KV-backed alert store implementation.
type NATSStore struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	alertKV nats.KeyValue
	tupleKV nats.KeyValue
}

// NewNATSStore connects, opens or creates KV buckets, and returns the backend.
// Params: store settings from config.
// Returns: initialized NATS store or setup error.
func NewNATSStore(settings config.StoreConfig) (*NATSStore, error) {
	nc, err := nats.Connect(strings.Join(settings.URL, ","))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	alertKV, err := openBucket(js, settings.AlertBucket, settings.AllowCreateBuckets)
	if err != nil {
		nc.Close()
		return nil, err
	}
	tupleKV, err := openBucket(js, settings.TupleBucket, settings.AllowCreateBuckets)
	if err != nil {
		nc.Close()
		return nil, err
	}

	return &NATSStore{
		nc:      nc,
		js:      js,
		alertKV: alertKV,
		tupleKV: tupleKV,
	}, nil
}

// openBucket opens one KV bucket, creating it when allowed.
// Params: JetStream context, bucket name, and create permission.
// Returns: bucket handle or setup error.
func openBucket(js nats.JetStreamContext, bucket string, allowCreate bool) (nats.KeyValue, error) {
	kv, err := js.KeyValue(bucket)
	if err == nil {
		return kv, nil
	}
	if !allowCreate {
		return nil, fmt.Errorf("open bucket %q: %w", bucket, err)
	}
	kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: bucket})
	if err != nil {
		return nil, fmt.Errorf("create bucket %q: %w", bucket, err)
	}
	return kv, nil
}

// tupleKey encodes one tuple as a KV-safe key.
// Params: tuple key.
// Returns: base64 token valid for any dimension value.
func tupleKey(tuple domain.TupleKey) string {
	return base64.RawURLEncoding.EncodeToString([]byte(tuple.String()))
}

// Get reads one alert and its KV revision.
// Params: alert ID key.
// Returns: alert payload, revision, or ErrNotFound.
func (s *NATSStore) Get(_ context.Context, alertID string) (domain.Alert, uint64, error) {
	entry, err := s.alertKV.Get(alertID)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return domain.Alert{}, 0, ErrNotFound
		}
		return domain.Alert{}, 0, fmt.Errorf("get alert: %w", err)
	}

	var alert domain.Alert
	if err := json.Unmarshal(entry.Value(), &alert); err != nil {
		return domain.Alert{}, 0, fmt.Errorf("decode alert: %w", err)
	}
	return alert, entry.Revision(), nil
}

// Put writes alert payload unconditionally.
// Params: alert payload carrying its ID.
// Returns: new KV revision.
func (s *NATSStore) Put(_ context.Context, alert domain.Alert) (uint64, error) {
	body, err := json.Marshal(alert)
	if err != nil {
		return 0, fmt.Errorf("encode alert: %w", err)
	}
	rev, err := s.alertKV.Put(alert.ID, body)
	if err != nil {
		return 0, fmt.Errorf("put alert: %w", err)
	}
	return rev, nil
}

// Update replaces alert payload using expected revision CAS.
// Params: expected revision and replacement payload.
// Returns: new KV revision or ErrConflict.
func (s *NATSStore) Update(_ context.Context, expectedRevision uint64, alert domain.Alert) (uint64, error) {
	body, err := json.Marshal(alert)
	if err != nil {
		return 0, fmt.Errorf("encode alert: %w", err)
	}
	rev, err := s.alertKV.Update(alert.ID, body, expectedRevision)
	if err != nil {
		if errors.Is(err, nats.ErrKeyExists) || strings.Contains(strings.ToLower(err.Error()), "wrong last sequence") {
			return 0, ErrConflict
		}
		return 0, fmt.Errorf("update alert: %w", err)
	}
	return rev, nil
}

// Delete removes one alert by ID.
// Params: alert ID key.
// Returns: delete error; absent key is not an error.
func (s *NATSStore) Delete(_ context.Context, alertID string) error {
	if err := s.alertKV.Delete(alertID); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("delete alert: %w", err)
	}
	return nil
}

// List returns all alerts ordered by detection time descending.
// Params: none.
// Returns: decoded alert slice.
func (s *NATSStore) List(ctx context.Context) ([]domain.Alert, error) {
	keys, err := s.alertKV.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}
	out := make([]domain.Alert, 0, len(keys))
	for _, key := range keys {
		alert, _, err := s.Get(ctx, key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, alert)
	}
	sortByDetectedAt(out)
	return out, nil
}

// ListByStatuses returns alerts matching any of the given statuses.
// Params: status filter set.
// Returns: filtered alert slice ordered by detection time descending.
func (s *NATSStore) ListByStatuses(ctx context.Context, statuses ...domain.AlertStatus) ([]domain.Alert, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	return filterByStatuses(all, statuses), nil
}

// ClaimTuple records alert ID as owner of the active tuple via atomic create.
// Params: tuple key and alert ID.
// Returns: ErrConflict when another alert already owns the tuple.
func (s *NATSStore) ClaimTuple(ctx context.Context, tuple domain.TupleKey, alertID string) error {
	key := tupleKey(tuple)
	_, err := s.tupleKV.Create(key, []byte(alertID))
	if err == nil {
		return nil
	}
	if errors.Is(err, nats.ErrKeyExists) {
		owner, lookupErr := s.ActiveTupleAlertID(ctx, tuple)
		if lookupErr == nil && owner == alertID {
			return nil
		}
		return ErrConflict
	}
	return fmt.Errorf("claim tuple: %w", err)
}

// ActiveTupleAlertID resolves the alert currently owning one tuple.
// Params: tuple key.
// Returns: owning alert ID or ErrNotFound.
func (s *NATSStore) ActiveTupleAlertID(_ context.Context, tuple domain.TupleKey) (string, error) {
	entry, err := s.tupleKV.Get(tupleKey(tuple))
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get tuple: %w", err)
	}
	return string(entry.Value()), nil
}

// ReleaseTuple removes the tuple claim when held by the given alert.
// Params: tuple key and releasing alert ID.
// Returns: delete error; absent or foreign claims are left untouched.
func (s *NATSStore) ReleaseTuple(ctx context.Context, tuple domain.TupleKey, alertID string) error {
	owner, err := s.ActiveTupleAlertID(ctx, tuple)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if owner != alertID {
		return nil
	}
	if err := s.tupleKV.Delete(tupleKey(tuple)); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("release tuple: %w", err)
	}
	return nil
}

// Close closes the underlying NATS connection.
// Params: none.
// Returns: nil after connection close.
func (s *NATSStore) Close() error {
	s.nc.Close()
	return nil
}
