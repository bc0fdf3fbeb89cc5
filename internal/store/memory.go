package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/i474232898/utility-data-ingestion/internal/ingestion"
)

// Memory is a concurrency-safe in-memory implementation of the fact store,
// region directory and run ledger. It is used for local runs and tests.
type Memory struct {
	mu sync.RWMutex

	facts map[ingestion.FactKey]ingestion.Fact

	regions       map[uuid.UUID]ingestion.Region
	regionsByGeo  map[string]uuid.UUID // key: level:geoID
	runs          []ingestion.Run
	runIndex      map[uuid.UUID]int
	maxRunHistory int
}

// NewMemory creates an empty store. If maxRunHistory is <= 0 the run ledger
// is an unbounded append-only audit trail. A positive cap trims that trail:
// the oldest finished runs are dropped first and RUNNING rows are never dropped.
func NewMemory(maxRunHistory int) *Memory {
	return &Memory{
		facts:         make(map[ingestion.FactKey]ingestion.Fact),
		regions:       make(map[uuid.UUID]ingestion.Region),
		regionsByGeo:  make(map[string]uuid.UUID),
		runIndex:      make(map[uuid.UUID]int),
		maxRunHistory: maxRunHistory,
	}
}

// Upsert replaces any fact sharing the natural key.
func (m *Memory) Upsert(_ context.Context, fact ingestion.Fact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.facts[fact.Key()] = fact
	return nil
}

// FindByPeriod returns facts inside [From, To] ordered by period start.
func (m *Memory) FindByPeriod(_ context.Context, q ingestion.FactQuery) ([]ingestion.Fact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []ingestion.Fact
	for _, f := range m.facts {
		if f.MetricID != q.MetricID || f.SourceID != q.SourceID || f.GeoLevel != q.GeoLevel {
			continue
		}
		switch {
		case q.GeoID != "":
			if f.GeoID != q.GeoID {
				continue
			}
		case q.GeoIDPrefix != "":
			if !strings.HasPrefix(f.GeoID, q.GeoIDPrefix) {
				continue
			}
		}
		if !q.From.IsZero() && f.PeriodStart.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && f.PeriodEnd.After(q.To) {
			continue
		}
		result = append(result, f)
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].PeriodStart.Equal(result[j].PeriodStart) {
			return result[i].PeriodStart.Before(result[j].PeriodStart)
		}
		return result[i].GeoID < result[j].GeoID
	})
	return result, nil
}

// FindLatestPeriod returns the greatest period start for metric/source.
func (m *Memory) FindLatestPeriod(_ context.Context, metricID, sourceID string) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest time.Time
	found := false
	for _, f := range m.facts {
		if f.MetricID != metricID || f.SourceID != sourceID {
			continue
		}
		if !found || f.PeriodStart.After(latest) {
			latest = f.PeriodStart
			found = true
		}
	}
	return latest, found, nil
}

// FactCount returns the number of stored facts.
func (m *Memory) FactCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.facts)
}

func geoKey(level ingestion.GeoLevel, geoID string) string {
	return string(level) + ":" + geoID
}

func (m *Memory) FindByLevelAndID(_ context.Context, level ingestion.GeoLevel, geoID string) (ingestion.Region, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.regionsByGeo[geoKey(level, geoID)]
	if !ok {
		return ingestion.Region{}, ingestion.ErrNotFound
	}
	return m.regions[id], nil
}

func (m *Memory) FindChildren(_ context.Context, parentID uuid.UUID) ([]ingestion.Region, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var children []ingestion.Region
	for _, r := range m.regions {
		if r.ParentID != nil && *r.ParentID == parentID {
			children = append(children, r)
		}
	}
	sort.Slice(children, func(i, j int) bool {
		if children[i].GeoLevel != children[j].GeoLevel {
			return children[i].GeoLevel < children[j].GeoLevel
		}
		return children[i].GeoID < children[j].GeoID
	})
	return children, nil
}

// Save inserts the region unless (level, geoID) already exists.
func (m *Memory) Save(_ context.Context, region ingestion.Region) (ingestion.Region, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := geoKey(region.GeoLevel, region.GeoID)
	if id, ok := m.regionsByGeo[key]; ok {
		return m.regions[id], nil
	}
	if region.ID == uuid.Nil {
		region.ID = uuid.New()
	}
	m.regions[region.ID] = region
	m.regionsByGeo[key] = region.ID
	return region, nil
}

// RegionCount returns the number of stored regions.
func (m *Memory) RegionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.regions)
}

// Insert appends a run to the ledger and, when a cap is set, trims the
// oldest finished runs from the audit trail.
func (m *Memory) Insert(_ context.Context, run ingestion.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.runs = append(m.runs, run)
	m.runIndex[run.ID] = len(m.runs) - 1

	if m.maxRunHistory > 0 && len(m.runs) > m.maxRunHistory {
		over := len(m.runs) - m.maxRunHistory
		kept := make([]ingestion.Run, 0, m.maxRunHistory)
		for i, r := range m.runs {
			if i < over && r.Status.Terminal() {
				continue
			}
			kept = append(kept, r)
		}
		m.runs = kept
		m.reindexRuns()
	}
	return nil
}

func (m *Memory) reindexRuns() {
	m.runIndex = make(map[uuid.UUID]int, len(m.runs))
	for i, r := range m.runs {
		m.runIndex[r.ID] = i
	}
}

// Finish overwrites the stored run with its final state.
func (m *Memory) Finish(_ context.Context, run ingestion.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i, ok := m.runIndex[run.ID]
	if !ok {
		return ingestion.ErrNotFound
	}
	m.runs[i] = run
	return nil
}

// Recent returns up to limit runs, newest first. An empty sourceID matches all sources.
func (m *Memory) Recent(_ context.Context, sourceID string, limit int) ([]ingestion.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []ingestion.Run
	for i := len(m.runs) - 1; i >= 0; i-- {
		r := m.runs[i]
		if sourceID != "" && !strings.EqualFold(r.SourceID, sourceID) {
			continue
		}
		result = append(result, r)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *Memory) Latest(ctx context.Context, sourceID string) (ingestion.Run, error) {
	runs, _ := m.Recent(ctx, sourceID, 1)
	if len(runs) == 0 {
		return ingestion.Run{}, ingestion.ErrNotFound
	}
	return runs[0], nil
}

func (m *Memory) LatestWithStatus(_ context.Context, sourceID string, status ingestion.RunStatus) (ingestion.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := len(m.runs) - 1; i >= 0; i-- {
		r := m.runs[i]
		if strings.EqualFold(r.SourceID, sourceID) && r.Status == status {
			return r, nil
		}
	}
	return ingestion.Run{}, ingestion.ErrNotFound
}

// MemoryLocker is a process-local Locker. It only excludes dispatchers that
// share the same instance.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]struct{})}
}

func (l *MemoryLocker) TryLock(_ context.Context, key string) (func(context.Context) error, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[key]; ok {
		return nil, false, nil
	}
	l.held[key] = struct{}{}

	var once sync.Once
	release := func(context.Context) error {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
		return nil
	}
	return release, true, nil
}

// Held reports whether key is currently locked.
func (l *MemoryLocker) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key]
	return ok
}
