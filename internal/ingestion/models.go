package ingestion

import (
	"time"

	"github.com/google/uuid"
)

// GeoLevel is a tier of the geographic hierarchy.
type GeoLevel string

const (
	GeoLevelNational GeoLevel = "NATIONAL"
	GeoLevelState    GeoLevel = "STATE"
	GeoLevelCounty   GeoLevel = "COUNTY"
	GeoLevelPlace    GeoLevel = "PLACE"
)

// AggregationWeightedBinAverage labels values estimated from bucketed counts.
const AggregationWeightedBinAverage = "WEIGHTED_BIN_AVERAGE"

// Fact is a single (metric, source, geography, period) observation.
// The store keeps at most one Fact per Key(); a newer upsert overwrites it.
type Fact struct {
	MetricID    string    `json:"metricId"`
	SourceID    string    `json:"sourceId"`
	GeoLevel    GeoLevel  `json:"geoLevel"`
	GeoID       string    `json:"geoId"`
	PeriodStart time.Time `json:"periodStart"`
	PeriodEnd   time.Time `json:"periodEnd"`

	Value             float64    `json:"value"`
	RetrievedAt       time.Time  `json:"retrievedAt"`
	SourcePublishedAt *time.Time `json:"sourcePublishedAt,omitempty"`
	IsAggregated      bool       `json:"isAggregated"`
	AggregationMethod string     `json:"aggregationMethod,omitempty"`
	PayloadID         *uuid.UUID `json:"payloadId,omitempty"`
}

// FactKey is the natural key of a Fact.
type FactKey struct {
	MetricID    string
	SourceID    string
	GeoLevel    GeoLevel
	GeoID       string
	PeriodStart string
	PeriodEnd   string
}

// Key returns the natural key. Periods are compared at day granularity.
func (f Fact) Key() FactKey {
	return FactKey{
		MetricID:    f.MetricID,
		SourceID:    f.SourceID,
		GeoLevel:    f.GeoLevel,
		GeoID:       f.GeoID,
		PeriodStart: f.PeriodStart.Format(time.DateOnly),
		PeriodEnd:   f.PeriodEnd.Format(time.DateOnly),
	}
}

// FactQuery selects facts for one metric/source/level over an inclusive period range.
// GeoID takes precedence over GeoIDPrefix when both are set.
type FactQuery struct {
	MetricID    string
	SourceID    string
	GeoLevel    GeoLevel
	GeoID       string
	GeoIDPrefix string
	From        time.Time
	To          time.Time
}

// Region is a geographic entity. (GeoLevel, GeoID) is unique.
type Region struct {
	ID          uuid.UUID  `json:"id"`
	GeoLevel    GeoLevel   `json:"geoLevel"`
	GeoID       string     `json:"geoId"`
	Name        string     `json:"name"`
	ParentID    *uuid.UUID `json:"parentId,omitempty"`
	CentroidLat *float64   `json:"centroidLat,omitempty"`
	CentroidLon *float64   `json:"centroidLon,omitempty"`
}

// RunStatus is the state of an ingestion run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "RUNNING"
	RunStatusSuccess  RunStatus = "SUCCESS"
	RunStatusNoChange RunStatus = "NO_CHANGE"
	RunStatusFailed   RunStatus = "FAILED"
)

// Terminal reports whether no further transition is allowed.
func (s RunStatus) Terminal() bool {
	return s != RunStatusRunning
}

// Run is one dispatch attempt for one source.
type Run struct {
	ID           uuid.UUID  `json:"runId"`
	SourceID     string     `json:"sourceId"`
	StartedAt    time.Time  `json:"startedAt"`
	EndedAt      *time.Time `json:"endedAt,omitempty"`
	Status       RunStatus  `json:"status"`
	RowsUpserted int        `json:"rowsUpserted"`
	ErrorSummary string     `json:"errorSummary,omitempty"`
}

// NewRun starts a run in RUNNING state.
func NewRun(sourceID string, startedAt time.Time) Run {
	return Run{
		ID:        uuid.New(),
		SourceID:  sourceID,
		StartedAt: startedAt,
		Status:    RunStatusRunning,
	}
}

// Finish moves a RUNNING run to a terminal status.
func (r *Run) Finish(status RunStatus, rows int, errSummary string, endedAt time.Time) error {
	if r.Status.Terminal() {
		return ErrRunFinalized
	}
	if !status.Terminal() {
		return ErrInvalidTransition
	}
	r.Status = status
	r.RowsUpserted = rows
	r.ErrorSummary = errSummary
	r.EndedAt = &endedAt
	return nil
}

// MetricDefinition describes a metric a source writes.
type MetricDefinition struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Unit        string `json:"unit"`
	Description string `json:"description"`
}
