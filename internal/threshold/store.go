package threshold

import (
	"sort"
	"strings"
	"sync"
	"time"

	"kpialert/internal/clock"
	"kpialert/internal/config"
	"kpialert/internal/domain"
)

// Threshold is one KPI alert band with optional dimension scope.
// Params: metric name, warning/critical bounds, direction, and scope.
// Returns: evaluation band consumed by the evaluator.
type Threshold struct {
	Metric         domain.KpiName   `json:"metric"`
	Description    string           `json:"description,omitempty"`
	Warning        float64          `json:"warning"`
	Critical       float64          `json:"critical"`
	Direction      string           `json:"direction"`
	Unit           string           `json:"unit,omitempty"`
	Enabled        bool             `json:"enabled"`
	Priority       domain.Priority  `json:"priority,omitempty"`
	Dimension      domain.Dimension `json:"dimension,omitempty"`
	DimensionValue string           `json:"dimension_value,omitempty"`
	UpdatedAt      time.Time        `json:"updated_at"`
	UpdatedBy      string           `json:"updated_by,omitempty"`
}

// Evaluate classifies one KPI value against the band.
// Bounds are exclusive: a value sitting exactly on a bound stays in the lower band.
// Params: computed KPI value.
// Returns: severity and true when the warning bound is crossed.
func (t Threshold) Evaluate(value float64) (domain.Severity, bool) {
	switch t.Direction {
	case config.ThresholdDirectionBelow:
		if value < t.Critical {
			return domain.SeverityHigh, true
		}
		if value < t.Warning {
			return domain.SeverityMedium, true
		}
	default:
		if value > t.Critical {
			return domain.SeverityHigh, true
		}
		if value > t.Warning {
			return domain.SeverityMedium, true
		}
	}
	return domain.SeverityLow, false
}

// BreachedBound returns the bound the value crossed for message rendering.
// Params: severity resolved by Evaluate.
// Returns: critical bound for high severity, warning bound otherwise.
func (t Threshold) BreachedBound(severity domain.Severity) float64 {
	if severity == domain.SeverityHigh {
		return t.Critical
	}
	return t.Warning
}

// scopeKey identifies one threshold scope inside the store.
type scopeKey struct {
	metric domain.KpiName
	scope  string
}

// Store keeps threshold bands with scope override and global fallback.
// Params: band map guarded by RWMutex, clock for update stamps.
// Returns: mutable threshold registry seeded from configuration.
type Store struct {
	mu    sync.RWMutex
	bands map[scopeKey]Threshold
	clock clock.Clock
}

// NewStore builds a threshold registry from validated config seeds.
// Params: threshold seeds and clock.
// Returns: initialized store.
func NewStore(seeds []config.ThresholdConfig, clk clock.Clock) *Store {
	store := &Store{
		bands: make(map[scopeKey]Threshold, len(seeds)),
		clock: clk,
	}
	now := clk.Now()
	for _, seed := range seeds {
		direction := seed.Direction
		if direction == "" {
			direction = config.ThresholdDirectionAbove
		}
		band := Threshold{
			Metric:         domain.KpiName(seed.Metric),
			Description:    seed.Description,
			Warning:        seed.Warning,
			Critical:       seed.Critical,
			Direction:      direction,
			Unit:           seed.Unit,
			Enabled:        seed.ThresholdEnabled(),
			Priority:       domain.Priority(strings.ToUpper(seed.Priority)),
			Dimension:      domain.Dimension(seed.Dimension),
			DimensionValue: seed.DimensionValue,
			UpdatedAt:      now,
			UpdatedBy:      "config",
		}
		store.bands[store.key(band)] = band
	}
	return store
}

// key derives the map key of one band.
// Params: band with scope fields set.
// Returns: metric plus scope token.
func (s *Store) key(band Threshold) scopeKey {
	return scopeKey{metric: band.Metric, scope: scopeToken(band.Dimension, band.DimensionValue)}
}

// scopeToken renders one scope pair as a lookup token.
// Params: dimension kind and value.
// Returns: empty token for the global scope.
func scopeToken(dimension domain.Dimension, value string) string {
	if dimension == "" || dimension == domain.DimensionGlobal {
		return ""
	}
	return string(dimension) + "/" + value
}

// Lookup resolves the effective band for one metric and scope.
// Params: metric name, dimension kind, and dimension value.
// Returns: band and true when an enabled band exists; scoped bands win over global.
func (s *Store) Lookup(metric domain.KpiName, dimension domain.Dimension, dimensionValue string) (Threshold, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if band, ok := s.bands[scopeKey{metric: metric, scope: scopeToken(dimension, dimensionValue)}]; ok {
		if !band.Enabled {
			return Threshold{}, false
		}
		return band, true
	}
	band, ok := s.bands[scopeKey{metric: metric, scope: ""}]
	if !ok || !band.Enabled {
		return Threshold{}, false
	}
	return band, true
}

// Put stores or replaces one band and stamps the update.
// Params: band definition and updating user id.
// Returns: validation error on inconsistent bounds.
func (s *Store) Put(band Threshold, updatedBy string) error {
	if strings.TrimSpace(string(band.Metric)) == "" {
		return domain.ValidationError("threshold metric is required")
	}
	switch band.Direction {
	case config.ThresholdDirectionAbove:
		if band.Critical < band.Warning {
			return domain.ValidationError("critical must be >= warning for direction=above")
		}
	case config.ThresholdDirectionBelow:
		if band.Critical > band.Warning {
			return domain.ValidationError("critical must be <= warning for direction=below")
		}
	default:
		return domain.ValidationError("unsupported threshold direction %q", band.Direction)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	band.UpdatedAt = s.clock.Now()
	band.UpdatedBy = updatedBy
	s.bands[s.key(band)] = band
	return nil
}

// List returns all bands in deterministic order.
// Params: none.
// Returns: bands sorted by metric then scope.
func (s *Store) List() []Threshold {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Threshold, 0, len(s.bands))
	for _, band := range s.bands {
		out = append(out, band)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Metric != out[j].Metric {
			return out[i].Metric < out[j].Metric
		}
		return scopeToken(out[i].Dimension, out[i].DimensionValue) < scopeToken(out[j].Dimension, out[j].DimensionValue)
	})
	return out
}
