package plugins

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/i474232898/utility-data-ingestion/internal/ingestion"
	"github.com/i474232898/utility-data-ingestion/internal/store"
)

type acsRequest struct {
	year  int
	get   string
	tier  string
	inArg string
}

// fakeCensus serves ACS tables keyed by year and tier. Years or tiers with no
// table return notFoundStatus.
type fakeCensus struct {
	mu             sync.Mutex
	requests       []acsRequest
	published      map[int]bool
	tables         map[int]map[string][][]any
	tierStatus     map[string]int
	notFoundStatus int
}

func (f *fakeCensus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 3 || parts[1] != "acs" || parts[2] != "acs5" {
		http.NotFound(w, r)
		return
	}
	year, err := strconv.Atoi(parts[0])
	if err != nil {
		http.NotFound(w, r)
		return
	}
	q := r.URL.Query()
	if q.Get("key") == "" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	tier := strings.TrimSuffix(q.Get("for"), ":*")

	f.mu.Lock()
	f.requests = append(f.requests, acsRequest{year: year, get: q.Get("get"), tier: tier, inArg: q.Get("in")})
	f.mu.Unlock()

	status := f.notFoundStatus
	if status == 0 {
		status = http.StatusNotFound
	}
	if !f.published[year] {
		w.WriteHeader(status)
		return
	}
	if q.Get("get") == "NAME" {
		_ = json.NewEncoder(w).Encode([][]any{{"NAME", "state"}, {"Kansas", "20"}})
		return
	}
	if s, ok := f.tierStatus[tier]; ok {
		w.WriteHeader(s)
		return
	}
	table, ok := f.tables[year][tier]
	if !ok {
		w.WriteHeader(status)
		return
	}
	_ = json.NewEncoder(w).Encode(table)
}

func (f *fakeCensus) dataYears() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := map[int]bool{}
	var years []int
	for _, r := range f.requests {
		if r.get != "NAME" && !seen[r.year] {
			seen[r.year] = true
			years = append(years, r.year)
		}
	}
	return years
}

func (f *fakeCensus) probeYears() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var years []int
	for _, r := range f.requests {
		if r.get == "NAME" {
			years = append(years, r.year)
		}
	}
	return years
}

var acsHeader = []any{"NAME", "B25132_004E", "B25132_005E", "B25132_006E", "B25132_007E", "B25132_008E", "B25132_009E"}

func header(extra ...any) []any {
	return append(append([]any{}, acsHeader...), extra...)
}

func kansasTables() map[string][][]any {
	return map[string][][]any{
		"state": {
			header("state"),
			{"Kansas", "10", "10", "10", "10", "10", "10", "20"},
			{"Nowhere", "0", "0", "0", "0", "0", "0", "99"},
			// annotation sentinel drives the total negative
			{"Texas", "10", "-666666666", "0", "0", "0", "0", "48"},
		},
		"county": {
			// columns in a different order than the state table
			{"county", "state", "NAME", "B25132_009E", "B25132_008E", "B25132_007E", "B25132_006E", "B25132_005E", "B25132_004E"},
			{"45", "20", "Douglas County, Kansas", "0", "0", "0", "0", "10", "0"},
			{nil, "20", "Broken County, Kansas", "1", "1", "1", "1", "1", "1"},
			{"45", nil, "Orphan County", "0", "0", "0", "0", "10", "0"},
		},
		"place": {
			header("state", "place"),
			{"Lawrence city, Kansas", "0", "0", "10", "0", "", nil, "20", "38900"},
		},
	}
}

func newHousingPlugin(t *testing.T, srv *httptest.Server, cfg HousingCostConfig, geocoder Geocoder) *HousingCostPlugin {
	t.Helper()
	cfg.APIKey = "k"
	cfg.BaseURL = srv.URL
	return NewHousingCostPlugin(cfg, testHTTPConfig(srv), geocoder, nil)
}

func TestHousingCostYearProbeAndRange(t *testing.T) {
	census := &fakeCensus{
		published: map[int]bool{2022: true},
		tables:    map[int]map[string][][]any{2022: kansasTables()},
	}
	srv := httptest.NewServer(census)
	defer srv.Close()

	mem := store.NewMemory(0)
	// current year 2025: preferred = 2024, default minYear = 2020
	p := newHousingPlugin(t, srv, HousingCostConfig{YearsBack: 6}, nil)
	sc := testSourceContext(time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC), mem)

	res, err := p.Ingest(context.Background(), sc, ingestion.CheckResult{HasUpdates: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := census.probeYears(); len(got) != 3 || got[0] != 2024 || got[1] != 2023 || got[2] != 2022 {
		t.Fatalf("unexpected probe sequence %v", got)
	}
	if got := census.dataYears(); len(got) != 3 || got[0] != 2020 || got[2] != 2022 {
		t.Fatalf("expected ingest range 2020..2022, got %v", got)
	}
	if res.RowsUpserted != 3 || res.NoChange {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestHousingCostBucketAggregationAndRegions(t *testing.T) {
	census := &fakeCensus{
		published: map[int]bool{2022: true},
		tables:    map[int]map[string][][]any{2022: kansasTables()},
	}
	srv := httptest.NewServer(census)
	defer srv.Close()

	mem := store.NewMemory(0)
	p := newHousingPlugin(t, srv, HousingCostConfig{MinYear: 2022, MaxYear: 2022}, nil)
	sc := testSourceContext(time.Date(2024, time.January, 10, 0, 0, 0, 0, time.UTC), mem)
	ctx := context.Background()

	if _, err := p.Ingest(ctx, sc, ingestion.CheckResult{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := map[ingestion.GeoLevel]struct {
		geoID string
		value float64
	}{
		ingestion.GeoLevelState:  {"20", 150},
		ingestion.GeoLevelCounty: {"20045", 75},
		ingestion.GeoLevelPlace:  {"2038900", 125},
	}
	for level, w := range want {
		facts, err := mem.FindByPeriod(ctx, ingestion.FactQuery{
			MetricID: HousingCostMetricID,
			SourceID: HousingCostSourceID,
			GeoLevel: level,
		})
		if err != nil {
			t.Fatalf("query %s: %v", level, err)
		}
		if len(facts) != 1 {
			t.Fatalf("%s: expected 1 fact, got %d", level, len(facts))
		}
		f := facts[0]
		if f.GeoID != w.geoID || f.Value != w.value {
			t.Fatalf("%s: unexpected fact %+v", level, f)
		}
		if !f.IsAggregated || f.AggregationMethod != ingestion.AggregationWeightedBinAverage {
			t.Fatalf("%s: expected aggregated fact, got %+v", level, f)
		}
		if f.PeriodStart.Format(time.DateOnly) != "2022-01-01" || f.PeriodEnd.Format(time.DateOnly) != "2022-12-31" {
			t.Fatalf("%s: unexpected period %v..%v", level, f.PeriodStart, f.PeriodEnd)
		}
	}

	if _, err := mem.FindByLevelAndID(ctx, ingestion.GeoLevelState, "99"); !errors.Is(err, ingestion.ErrNotFound) {
		t.Fatalf("all-zero row must not create a region, got %v", err)
	}
	if _, err := mem.FindByLevelAndID(ctx, ingestion.GeoLevelState, "48"); !errors.Is(err, ingestion.ErrNotFound) {
		t.Fatalf("row with negative total must be skipped, got %v", err)
	}
	if _, err := mem.FindByLevelAndID(ctx, ingestion.GeoLevelCounty, "045"); !errors.Is(err, ingestion.ErrNotFound) {
		t.Fatalf("county row without state must be skipped, got %v", err)
	}

	state, err := mem.FindByLevelAndID(ctx, ingestion.GeoLevelState, "20")
	if err != nil {
		t.Fatalf("state region missing: %v", err)
	}
	if state.Name != "Kansas" || state.ParentID != nil {
		t.Fatalf("unexpected state region %+v", state)
	}
	children, err := mem.FindChildren(ctx, state.ID)
	if err != nil {
		t.Fatalf("children: %v", err)
	}
	if len(children) != 2 || children[0].GeoID != "20045" || children[1].GeoID != "2038900" {
		t.Fatalf("unexpected children %+v", children)
	}

	// Second run overwrites in place.
	if _, err := p.Ingest(ctx, sc, ingestion.CheckResult{}); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if mem.FactCount() != 3 || mem.RegionCount() != 3 {
		t.Fatalf("expected 3 facts and 3 regions, got %d and %d", mem.FactCount(), mem.RegionCount())
	}
}

func TestHousingCostFallsBackToPreferredYear(t *testing.T) {
	census := &fakeCensus{published: map[int]bool{}}
	srv := httptest.NewServer(census)
	defer srv.Close()

	p := newHousingPlugin(t, srv, HousingCostConfig{MinYear: 2021, MaxYear: 2030, YearsBack: 1}, nil)
	sc := testSourceContext(time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC), store.NewMemory(0))

	res, err := p.Ingest(context.Background(), sc, ingestion.CheckResult{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.NoChange || res.RowsUpserted != 0 {
		t.Fatalf("expected no change, got %+v", res)
	}
	if got := census.probeYears(); len(got) != 3 || got[0] != 2023 || got[2] != 2021 {
		t.Fatalf("unexpected probes %v", got)
	}
	// fallback latest = 2023, range [max(2021, 2022), 2023]
	if got := census.dataYears(); len(got) != 2 || got[0] != 2022 || got[1] != 2023 {
		t.Fatalf("unexpected data years %v", got)
	}
}

func TestHousingCostInvertedRangeIsEmpty(t *testing.T) {
	census := &fakeCensus{published: map[int]bool{}}
	srv := httptest.NewServer(census)
	defer srv.Close()

	p := newHousingPlugin(t, srv, HousingCostConfig{MinYear: 2030, MaxYear: 2025}, nil)
	sc := testSourceContext(time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC), store.NewMemory(0))

	res, err := p.Ingest(context.Background(), sc, ingestion.CheckResult{})
	if err != nil {
		t.Fatalf("inverted range must not error: %v", err)
	}
	if !res.NoChange || res.RowsUpserted != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(census.dataYears()) != 0 {
		t.Fatalf("expected no data requests, got %v", census.dataYears())
	}
}

func TestHousingCostFatalStatusAbortsIngest(t *testing.T) {
	census := &fakeCensus{
		published:  map[int]bool{2022: true},
		tables:     map[int]map[string][][]any{2022: kansasTables()},
		tierStatus: map[string]int{"county": http.StatusForbidden},
	}
	srv := httptest.NewServer(census)
	defer srv.Close()

	mem := store.NewMemory(0)
	p := newHousingPlugin(t, srv, HousingCostConfig{MinYear: 2022, MaxYear: 2022}, nil)
	sc := testSourceContext(time.Date(2024, time.January, 10, 0, 0, 0, 0, time.UTC), mem)

	_, err := p.Ingest(context.Background(), sc, ingestion.CheckResult{})
	if !errors.Is(err, ingestion.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	// state rows written before the failure stay committed
	if mem.FactCount() != 1 {
		t.Fatalf("expected 1 committed fact, got %d", mem.FactCount())
	}
}

func TestHousingCostMalformedCountIsParseError(t *testing.T) {
	tables := kansasTables()
	tables["state"] = [][]any{header("state"), {"Kansas", "ten", "0", "0", "0", "0", "0", "20"}}
	census := &fakeCensus{
		published: map[int]bool{2022: true},
		tables:    map[int]map[string][][]any{2022: tables},
	}
	srv := httptest.NewServer(census)
	defer srv.Close()

	p := newHousingPlugin(t, srv, HousingCostConfig{MinYear: 2022, MaxYear: 2022}, nil)
	sc := testSourceContext(time.Date(2024, time.January, 10, 0, 0, 0, 0, time.UTC), store.NewMemory(0))

	if _, err := p.Ingest(context.Background(), sc, ingestion.CheckResult{}); !errors.Is(err, ingestion.ErrParse) {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestHousingCostMissingAPIKey(t *testing.T) {
	p := NewHousingCostPlugin(HousingCostConfig{}, DefaultHTTPClientConfig(nil, 0), nil, nil)
	_, err := p.Ingest(context.Background(), testSourceContext(time.Now().UTC(), store.NewMemory(0)), ingestion.CheckResult{})
	if !errors.Is(err, ingestion.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

type fakeGeocoder struct{ calls int }

func (g *fakeGeocoder) Locate(_ context.Context, query string) (float64, float64, error) {
	g.calls++
	if strings.HasPrefix(query, "Kansas") {
		return 38.5, -98.0, nil
	}
	return 0, 0, errors.New("no result")
}

func TestHousingCostGeocodesNewRegions(t *testing.T) {
	census := &fakeCensus{
		published: map[int]bool{2022: true},
		tables:    map[int]map[string][][]any{2022: kansasTables()},
	}
	srv := httptest.NewServer(census)
	defer srv.Close()

	mem := store.NewMemory(0)
	geo := &fakeGeocoder{}
	p := newHousingPlugin(t, srv, HousingCostConfig{MinYear: 2022, MaxYear: 2022}, geo)
	sc := testSourceContext(time.Date(2024, time.January, 10, 0, 0, 0, 0, time.UTC), mem)

	if _, err := p.Ingest(context.Background(), sc, ingestion.CheckResult{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	state, err := mem.FindByLevelAndID(context.Background(), ingestion.GeoLevelState, "20")
	if err != nil {
		t.Fatalf("state region missing: %v", err)
	}
	if state.CentroidLat == nil || *state.CentroidLat != 38.5 {
		t.Fatalf("expected centroid on state region, got %+v", state)
	}
	county, _ := mem.FindByLevelAndID(context.Background(), ingestion.GeoLevelCounty, "20045")
	if county.CentroidLat != nil {
		t.Fatalf("failed geocode must leave centroid empty, got %+v", county)
	}
	if geo.calls != 3 {
		t.Fatalf("expected one geocode per new region, got %d", geo.calls)
	}
}

func TestWeightedBinAverage(t *testing.T) {
	if v, ok := WeightedBinAverage([6]float64{10, 10, 10, 10, 10, 10}); !ok || v != 150 {
		t.Fatalf("equal counts: got %v ok=%v", v, ok)
	}
	if _, ok := WeightedBinAverage([6]float64{}); ok {
		t.Fatalf("all-zero counts must be skipped")
	}
	if v, ok := WeightedBinAverage([6]float64{0, 0, 0, 0, 0, 4}); !ok || v != 275 {
		t.Fatalf("single bucket: got %v ok=%v", v, ok)
	}
	if _, ok := WeightedBinAverage([6]float64{10, -666666666, 0, 0, 0, 0}); ok {
		t.Fatalf("negative total must be skipped")
	}
}
