package ingestion

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Clock abstracts time so plugins can be tested deterministically.
type Clock interface {
	Now() time.Time
}

// SystemClock reports the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock always reports the same instant.
type FixedClock time.Time

func (c FixedClock) Now() time.Time { return time.Time(c) }

// FactStore is the persisted table of observations.
type FactStore interface {
	Upsert(ctx context.Context, fact Fact) error
	FindByPeriod(ctx context.Context, q FactQuery) ([]Fact, error)
	// FindLatestPeriod returns the greatest PeriodStart stored for metric/source.
	FindLatestPeriod(ctx context.Context, metricID, sourceID string) (time.Time, bool, error)
}

// RegionDirectory stores geographic entities.
type RegionDirectory interface {
	FindByLevelAndID(ctx context.Context, level GeoLevel, geoID string) (Region, error)
	FindChildren(ctx context.Context, parentID uuid.UUID) ([]Region, error)
	// Save inserts the region unless one with the same (level, geoID) already
	// exists; either way the persisted row is returned.
	Save(ctx context.Context, region Region) (Region, error)
}

// RunLedger is the append-only audit trail of ingestion attempts.
type RunLedger interface {
	Insert(ctx context.Context, run Run) error
	Finish(ctx context.Context, run Run) error
	Recent(ctx context.Context, sourceID string, limit int) ([]Run, error)
	Latest(ctx context.Context, sourceID string) (Run, error)
	LatestWithStatus(ctx context.Context, sourceID string, status RunStatus) (Run, error)
}

// Locker hands out non-blocking named locks. When acquired is false the
// returned release func is nil.
type Locker interface {
	TryLock(ctx context.Context, key string) (release func(context.Context) error, acquired bool, err error)
}

// Stores is the data access handle passed to plugins.
type Stores struct {
	Facts   FactStore
	Regions RegionDirectory
}

// SourceContext is what a plugin receives for one dispatch attempt.
type SourceContext struct {
	Now    time.Time
	Clock  Clock
	Stores Stores
}

// CheckResult is the outcome of Plugin.CheckForUpdates.
type CheckResult struct {
	HasUpdates  bool
	UpdateToken string
	PublishedAt *time.Time
}

// IngestResult is the outcome of Plugin.Ingest.
type IngestResult struct {
	RowsUpserted int
	PayloadID    uuid.UUID
	NoChange     bool
}

// Plugin is implemented once per external data source.
//
// CheckForUpdates must not write anything. Ingest must be safe to call
// repeatedly; it relies on FactStore.Upsert being idempotent.
type Plugin interface {
	SourceID() string
	CheckForUpdates(ctx context.Context, sc SourceContext) (CheckResult, error)
	Ingest(ctx context.Context, sc SourceContext, check CheckResult) (IngestResult, error)
}

// MetricCatalog is implemented by plugins that advertise their metrics.
type MetricCatalog interface {
	Metrics() []MetricDefinition
}
