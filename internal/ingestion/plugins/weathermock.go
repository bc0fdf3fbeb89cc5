package plugins

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/i474232898/utility-data-ingestion/internal/common"
	"github.com/i474232898/utility-data-ingestion/internal/ingestion"
)

const (
	WeatherSourceID   = "WEATHER_INSIGHTS"
	NationalGeoID     = "US-TOTAL"
	WeatherStressID   = "WEATHER_STRESS_INDEX"
	TempCurrentID     = "TEMP_CURRENT_F"
	TempAnomalyID     = "TEMP_ANOMALY_F"
	weatherTokenLabel = "weather"
)

type weatherMetric struct {
	def      ingestion.MetricDefinition
	min, max float64
}

var weatherMetrics = []weatherMetric{
	{
		def: ingestion.MetricDefinition{ID: WeatherStressID, Name: "Weather Stress Index", Unit: "index",
			Description: "Synthetic 0-1 index of weather-driven grid stress."},
		min: 0, max: 1,
	},
	{
		def: ingestion.MetricDefinition{ID: TempCurrentID, Name: "Current Temperature", Unit: "°F",
			Description: "Synthetic current air temperature."},
		min: 20, max: 100,
	},
	{
		def: ingestion.MetricDefinition{ID: TempAnomalyID, Name: "Temperature Anomaly", Unit: "°F",
			Description: "Synthetic deviation from the seasonal normal."},
		min: -10, max: 10,
	},
}

// WeatherMockPlugin writes synthetic weather facts for the nation and every
// state on each run. It keeps no state between runs.
type WeatherMockPlugin struct {
	mu     sync.Mutex
	rng    *rand.Rand
	logger *zap.Logger
}

// NewWeatherMockPlugin seeds the generator with seed. A zero seed draws a random one.
func NewWeatherMockPlugin(seed uint64, logger *zap.Logger) *WeatherMockPlugin {
	if seed == 0 {
		seed = rand.Uint64()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WeatherMockPlugin{
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		logger: logger.With(zap.String("source", WeatherSourceID)),
	}
}

func (p *WeatherMockPlugin) SourceID() string { return WeatherSourceID }

func (p *WeatherMockPlugin) Metrics() []ingestion.MetricDefinition {
	defs := make([]ingestion.MetricDefinition, 0, len(weatherMetrics))
	for _, m := range weatherMetrics {
		defs = append(defs, m.def)
	}
	return defs
}

func (p *WeatherMockPlugin) CheckForUpdates(_ context.Context, sc ingestion.SourceContext) (ingestion.CheckResult, error) {
	now := referenceTime(sc)
	return ingestion.CheckResult{
		HasUpdates:  true,
		UpdateToken: fmt.Sprintf("%s-%d", weatherTokenLabel, now.UnixMilli()),
		PublishedAt: &now,
	}, nil
}

func (p *WeatherMockPlugin) Ingest(ctx context.Context, sc ingestion.SourceContext, check ingestion.CheckResult) (ingestion.IngestResult, error) {
	day := common.DayStart(referenceTime(sc))
	retrievedAt := retrievalTime(sc)
	payloadID := uuid.New()

	type target struct {
		level ingestion.GeoLevel
		geoID string
	}
	targets := []target{{ingestion.GeoLevelNational, NationalGeoID}}
	for _, code := range StateFIPSCodes() {
		targets = append(targets, target{ingestion.GeoLevelState, code})
	}

	upserted := 0
	for _, m := range weatherMetrics {
		for _, t := range targets {
			fact := ingestion.Fact{
				MetricID:          m.def.ID,
				SourceID:          WeatherSourceID,
				GeoLevel:          t.level,
				GeoID:             t.geoID,
				PeriodStart:       day,
				PeriodEnd:         day,
				Value:             p.sample(m.min, m.max),
				RetrievedAt:       retrievedAt,
				SourcePublishedAt: check.PublishedAt,
				PayloadID:         &payloadID,
			}
			if err := sc.Stores.Facts.Upsert(ctx, fact); err != nil {
				return ingestion.IngestResult{}, fmt.Errorf("upsert weather fact: %w", err)
			}
			upserted++
		}
	}

	p.logger.Debug("weather mock ingest complete", zap.Int("rows_upserted", upserted))
	return ingestion.IngestResult{RowsUpserted: upserted, PayloadID: payloadID}, nil
}

func (p *WeatherMockPlugin) sample(lo, hi float64) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return lo + p.rng.Float64()*(hi-lo)
}
