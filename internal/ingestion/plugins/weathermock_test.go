package plugins

import (
	"context"
	"testing"
	"time"

	"github.com/i474232898/utility-data-ingestion/internal/ingestion"
	"github.com/i474232898/utility-data-ingestion/internal/store"
)

func TestWeatherMockWritesNationalAndStateFacts(t *testing.T) {
	mem := store.NewMemory(0)
	p := NewWeatherMockPlugin(42, nil)
	now := time.Date(2024, time.July, 4, 15, 30, 0, 0, time.UTC)
	sc := testSourceContext(now, mem)
	ctx := context.Background()

	check, err := p.CheckForUpdates(ctx, sc)
	if err != nil || !check.HasUpdates {
		t.Fatalf("expected updates, got %+v err=%v", check, err)
	}
	res, err := p.Ingest(ctx, sc, check)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	perMetric := 1 + len(StateFIPSCodes())
	if res.RowsUpserted != 3*perMetric {
		t.Fatalf("expected %d rows, got %d", 3*perMetric, res.RowsUpserted)
	}

	ranges := map[string][2]float64{
		WeatherStressID: {0, 1},
		TempCurrentID:   {20, 100},
		TempAnomalyID:   {-10, 10},
	}
	day := time.Date(2024, time.July, 4, 0, 0, 0, 0, time.UTC)
	for metric, r := range ranges {
		national, err := mem.FindByPeriod(ctx, ingestion.FactQuery{
			MetricID: metric, SourceID: WeatherSourceID, GeoLevel: ingestion.GeoLevelNational,
			GeoID: NationalGeoID, From: day, To: day,
		})
		if err != nil || len(national) != 1 {
			t.Fatalf("%s: expected one national fact, got %d err=%v", metric, len(national), err)
		}
		states, _ := mem.FindByPeriod(ctx, ingestion.FactQuery{
			MetricID: metric, SourceID: WeatherSourceID, GeoLevel: ingestion.GeoLevelState,
		})
		if len(states) != perMetric-1 {
			t.Fatalf("%s: expected %d state facts, got %d", metric, perMetric-1, len(states))
		}
		for _, f := range append(national, states...) {
			if f.Value < r[0] || f.Value >= r[1] {
				t.Fatalf("%s: value %v outside [%v, %v)", metric, f.Value, r[0], r[1])
			}
			if !f.PeriodStart.Equal(day) || !f.PeriodEnd.Equal(day) {
				t.Fatalf("%s: expected single-day period, got %v..%v", metric, f.PeriodStart, f.PeriodEnd)
			}
		}
	}

	// A second run on the same day overwrites rather than appends.
	if _, err := p.Ingest(ctx, sc, check); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if mem.FactCount() != 3*perMetric {
		t.Fatalf("expected %d facts after rerun, got %d", 3*perMetric, mem.FactCount())
	}
}

func TestWeatherMockSeedIsDeterministic(t *testing.T) {
	a := NewWeatherMockPlugin(7, nil)
	b := NewWeatherMockPlugin(7, nil)
	for i := 0; i < 10; i++ {
		if a.sample(0, 1) != b.sample(0, 1) {
			t.Fatalf("same seed produced different samples at %d", i)
		}
	}
}

func TestPluginsAdvertiseMetrics(t *testing.T) {
	var catalogs []ingestion.MetricCatalog
	catalogs = append(catalogs,
		NewWeatherMockPlugin(1, nil),
		NewRetailPricePlugin(RetailPriceConfig{}, DefaultHTTPClientConfig(nil, 0), nil),
		NewHousingCostPlugin(HousingCostConfig{}, DefaultHTTPClientConfig(nil, 0), nil, nil),
	)
	want := []int{3, 1, 1}
	for i, c := range catalogs {
		if got := len(c.Metrics()); got != want[i] {
			t.Fatalf("catalog %d: expected %d metrics, got %d", i, want[i], got)
		}
	}
}
