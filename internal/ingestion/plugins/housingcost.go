package plugins

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/i474232898/utility-data-ingestion/internal/common"
	"github.com/i474232898/utility-data-ingestion/internal/ingestion"
)

const (
	HousingCostSourceID = "CENSUS_ACS"
	HousingCostMetricID = "ELECTRICITY_MONTHLY_COST_USD_ACS"

	defaultCensusBaseURL  = "https://api.census.gov/data"
	defaultACSYearsBack   = 6
	defaultACSMinYearSpan = 5
	acsProbeFloorYear     = 1990
)

var acsBucketFields = [6]string{
	"B25132_004E", "B25132_005E", "B25132_006E",
	"B25132_007E", "B25132_008E", "B25132_009E",
}

// acsTiers is the ingest order. STATE comes first so county and place rows
// can attach to their parent region.
var acsTiers = []ingestion.GeoLevel{
	ingestion.GeoLevelState,
	ingestion.GeoLevelCounty,
	ingestion.GeoLevelPlace,
}

// Geocoder resolves a display name to a centroid.
type Geocoder interface {
	Locate(ctx context.Context, query string) (lat, lon float64, err error)
}

// HousingCostConfig configures the ACS monthly electricity cost source.
// Zero MinYear/MaxYear are derived from the current year at ingest time.
type HousingCostConfig struct {
	APIKey    string
	BaseURL   string
	MinYear   int
	MaxYear   int
	YearsBack int
}

// HousingCostPlugin ingests ACS 5-year electricity cost brackets and reduces
// them to a single estimated monthly cost per geography.
type HousingCostPlugin struct {
	cfg      HousingCostConfig
	httpCfg  HTTPClientConfig
	circuit  *gobreaker.CircuitBreaker
	geocoder Geocoder
	logger   *zap.Logger
}

func NewHousingCostPlugin(cfg HousingCostConfig, httpCfg HTTPClientConfig, geocoder Geocoder, logger *zap.Logger) *HousingCostPlugin {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultCensusBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.YearsBack < 0 {
		cfg.YearsBack = defaultACSYearsBack
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HousingCostPlugin{
		cfg:      cfg,
		httpCfg:  httpCfg,
		circuit:  newCircuitBreaker("census-acs"),
		geocoder: geocoder,
		logger:   logger.With(zap.String("source", HousingCostSourceID)),
	}
}

func (p *HousingCostPlugin) SourceID() string { return HousingCostSourceID }

func (p *HousingCostPlugin) Metrics() []ingestion.MetricDefinition {
	return []ingestion.MetricDefinition{{
		ID:          HousingCostMetricID,
		Name:        "Monthly Electricity Cost (ACS)",
		Unit:        "USD/month",
		Description: "Estimated average monthly household electricity cost from ACS 5-year cost brackets.",
	}}
}

func (p *HousingCostPlugin) CheckForUpdates(_ context.Context, sc ingestion.SourceContext) (ingestion.CheckResult, error) {
	now := referenceTime(sc)
	return ingestion.CheckResult{
		HasUpdates:  true,
		UpdateToken: fmt.Sprintf("acs-%d", now.UnixMilli()),
		PublishedAt: &now,
	}, nil
}

// yearWindow is the resolved configuration for one run.
type yearWindow struct {
	currentYear int
	minYear     int
	maxYear     int
	yearsBack   int
}

func (p *HousingCostPlugin) window(currentYear int) yearWindow {
	w := yearWindow{currentYear: currentYear, minYear: p.cfg.MinYear, maxYear: p.cfg.MaxYear, yearsBack: p.cfg.YearsBack}
	if w.minYear <= 0 {
		w.minYear = currentYear - defaultACSMinYearSpan
	}
	if w.maxYear <= 0 {
		w.maxYear = currentYear
	}
	return w
}

func (p *HousingCostPlugin) Ingest(ctx context.Context, sc ingestion.SourceContext, check ingestion.CheckResult) (ingestion.IngestResult, error) {
	if strings.TrimSpace(p.cfg.APIKey) == "" {
		return ingestion.IngestResult{}, fmt.Errorf("%w: census api key is not set", ingestion.ErrConfiguration)
	}

	w := p.window(referenceTime(sc).Year())
	latest := p.discoverLatestYear(ctx, w)
	startYear := max(w.minYear, latest-w.yearsBack)

	payloadID := uuid.New()
	result := ingestion.IngestResult{PayloadID: payloadID}
	if startYear > latest {
		p.logger.Info("census year range is empty", zap.Int("start_year", startYear), zap.Int("end_year", latest))
		result.NoChange = true
		return result, nil
	}

	resolver := newRegionResolver(sc.Stores.Regions, p.geocoder, p.logger)
	retrievedAt := retrievalTime(sc)

	for year := startYear; year <= latest; year++ {
		for _, tier := range acsTiers {
			n, err := p.ingestTier(ctx, sc, resolver, year, tier, retrievedAt, check.PublishedAt, payloadID)
			if err != nil {
				return ingestion.IngestResult{}, err
			}
			result.RowsUpserted += n
		}
	}

	p.logger.Info("census ingest complete",
		zap.Int("start_year", startYear),
		zap.Int("end_year", latest),
		zap.Int("rows_upserted", result.RowsUpserted),
	)
	result.NoChange = result.RowsUpserted == 0
	return result, nil
}

// discoverLatestYear walks backwards from the preferred year and returns the
// first year whose state-level table is published.
func (p *HousingCostPlugin) discoverLatestYear(ctx context.Context, w yearWindow) int {
	preferred := min(w.maxYear, w.currentYear-1)
	floor := max(acsProbeFloorYear, w.minYear)

	for year := preferred; year >= floor; year-- {
		published, err := p.probeYear(ctx, year)
		if err != nil {
			p.logger.Warn("census year probe failed", zap.Int("year", year), zap.Error(err))
			continue
		}
		if published {
			return year
		}
	}
	p.logger.Warn("no published census year found; using preferred year", zap.Int("year", preferred))
	return preferred
}

func (p *HousingCostPlugin) probeYear(ctx context.Context, year int) (bool, error) {
	values := url.Values{}
	values.Set("get", "NAME")
	values.Set("for", "state:*")

	status, table, err := p.fetchTable(ctx, year, values)
	if err != nil {
		return false, err
	}
	if isNotPublished(status) {
		return false, nil
	}
	if !isSuccess(status) {
		return false, &StatusError{Op: fmt.Sprintf("census probe %d", year), StatusCode: status}
	}
	return len(table) > 1, nil
}

func (p *HousingCostPlugin) tierQuery(tier ingestion.GeoLevel) url.Values {
	values := url.Values{}
	values.Set("get", "NAME,"+strings.Join(acsBucketFields[:], ","))
	switch tier {
	case ingestion.GeoLevelState:
		values.Set("for", "state:*")
	case ingestion.GeoLevelCounty:
		values.Set("for", "county:*")
		values.Set("in", "state:*")
	case ingestion.GeoLevelPlace:
		values.Set("for", "place:*")
		values.Set("in", "state:*")
	}
	return values
}

func (p *HousingCostPlugin) ingestTier(
	ctx context.Context,
	sc ingestion.SourceContext,
	resolver *regionResolver,
	year int,
	tier ingestion.GeoLevel,
	retrievedAt time.Time,
	publishedAt *time.Time,
	payloadID uuid.UUID,
) (int, error) {
	status, table, err := p.fetchTable(ctx, year, p.tierQuery(tier))
	if err != nil {
		return 0, err
	}
	if isNotPublished(status) {
		p.logger.Info("census table not available", zap.Int("year", year), zap.String("tier", string(tier)), zap.Int("status", status))
		return 0, nil
	}
	if !isSuccess(status) {
		return 0, &StatusError{Op: fmt.Sprintf("census %d %s", year, strings.ToLower(string(tier))), StatusCode: status}
	}
	if len(table) < 2 {
		return 0, nil
	}

	cols, err := newColumnIndex(table[0])
	if err != nil {
		return 0, err
	}
	periodStart, periodEnd := common.YearBounds(year)

	upserted := 0
	for _, row := range table[1:] {
		geoID, stateID, ok := cols.geoID(row, tier)
		if !ok {
			continue
		}

		counts, err := cols.counts(row)
		if err != nil {
			return upserted, fmt.Errorf("census %d %s %s: %w", year, tier, geoID, err)
		}
		value, ok := WeightedBinAverage(counts)
		if !ok {
			continue
		}

		if _, err := resolver.resolve(ctx, tier, geoID, cols.text(row, "NAME"), stateID); err != nil {
			return upserted, fmt.Errorf("resolve region %s %s: %w", tier, geoID, err)
		}

		fact := ingestion.Fact{
			MetricID:          HousingCostMetricID,
			SourceID:          HousingCostSourceID,
			GeoLevel:          tier,
			GeoID:             geoID,
			PeriodStart:       periodStart,
			PeriodEnd:         periodEnd,
			Value:             value,
			RetrievedAt:       retrievedAt,
			SourcePublishedAt: publishedAt,
			IsAggregated:      true,
			AggregationMethod: ingestion.AggregationWeightedBinAverage,
			PayloadID:         &payloadID,
		}
		if err := sc.Stores.Facts.Upsert(ctx, fact); err != nil {
			return upserted, fmt.Errorf("upsert census fact: %w", err)
		}
		upserted++
	}
	return upserted, nil
}

// fetchTable returns the status and, for 2xx responses, the decoded table.
func (p *HousingCostPlugin) fetchTable(ctx context.Context, year int, values url.Values) (int, [][]any, error) {
	values.Set("key", p.cfg.APIKey)
	op := fmt.Sprintf("census acs5 %d", year)

	buildRequest := func(ctx context.Context) (*http.Request, error) {
		u := fmt.Sprintf("%s/%d/acs/acs5?%s", p.cfg.BaseURL, year, values.Encode())
		return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	}

	resp, err := doRequestWithResilience(ctx, op, p.httpCfg, p.circuit, buildRequest)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		return resp.StatusCode, nil, nil
	}

	var table [][]any
	if err := json.NewDecoder(resp.Body).Decode(&table); err != nil {
		return resp.StatusCode, nil, fmt.Errorf("%w: decode %s: %v", ingestion.ErrParse, op, err)
	}
	return resp.StatusCode, table, nil
}

// columnIndex resolves census columns by header name.
type columnIndex map[string]int

func newColumnIndex(header []any) (columnIndex, error) {
	idx := make(columnIndex, len(header))
	for i, h := range header {
		if s, ok := h.(string); ok {
			idx[strings.TrimSpace(s)] = i
		}
	}
	for _, f := range acsBucketFields {
		if _, ok := idx[f]; !ok {
			return nil, fmt.Errorf("%w: census header missing %s", ingestion.ErrParse, f)
		}
	}
	return idx, nil
}

func (c columnIndex) text(row []any, name string) string {
	i, ok := c[name]
	if !ok || i >= len(row) || row[i] == nil {
		return ""
	}
	switch v := row[i].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// geoID builds the geographic code for the tier. ok is false when the row
// lacks its state code or its own tier code.
func (c columnIndex) geoID(row []any, tier ingestion.GeoLevel) (geoID, stateID string, ok bool) {
	stateID = common.PadCode(c.text(row, "state"), 2)
	if stateID == "" {
		return "", "", false
	}
	switch tier {
	case ingestion.GeoLevelState:
		return stateID, stateID, stateID != ""
	case ingestion.GeoLevelCounty:
		county := common.PadCode(c.text(row, "county"), 3)
		if county == "" {
			return "", stateID, false
		}
		return stateID + county, stateID, true
	case ingestion.GeoLevelPlace:
		place := common.PadCode(c.text(row, "place"), 5)
		if place == "" {
			return "", stateID, false
		}
		return stateID + place, stateID, true
	}
	return "", stateID, false
}

// counts reads the six bucket counts as published. Blank cells count as zero;
// negative annotation values are kept so they drive the total non-positive.
func (c columnIndex) counts(row []any) ([6]float64, error) {
	var counts [6]float64
	for i, f := range acsBucketFields {
		raw := c.text(row, f)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return counts, fmt.Errorf("%w: %s value %q", ingestion.ErrParse, f, raw)
		}
		counts[i] = v
	}
	return counts, nil
}

// regionResolver creates missing regions and caches lookups for the lifetime
// of one ingest call.
type regionResolver struct {
	regions  ingestion.RegionDirectory
	geocoder Geocoder
	logger   *zap.Logger
	cache    map[string]ingestion.Region
}

func newRegionResolver(regions ingestion.RegionDirectory, geocoder Geocoder, logger *zap.Logger) *regionResolver {
	return &regionResolver{
		regions:  regions,
		geocoder: geocoder,
		logger:   logger,
		cache:    make(map[string]ingestion.Region),
	}
}

func (r *regionResolver) lookup(ctx context.Context, level ingestion.GeoLevel, geoID string) (ingestion.Region, bool, error) {
	key := string(level) + ":" + geoID
	if region, ok := r.cache[key]; ok {
		return region, true, nil
	}
	region, err := r.regions.FindByLevelAndID(ctx, level, geoID)
	if errors.Is(err, ingestion.ErrNotFound) {
		return ingestion.Region{}, false, nil
	}
	if err != nil {
		return ingestion.Region{}, false, err
	}
	r.cache[key] = region
	return region, true, nil
}

func (r *regionResolver) resolve(ctx context.Context, level ingestion.GeoLevel, geoID, name, stateID string) (ingestion.Region, error) {
	region, found, err := r.lookup(ctx, level, geoID)
	if err != nil || found {
		return region, err
	}

	region = ingestion.Region{GeoLevel: level, GeoID: geoID, Name: name}
	if name == "" {
		region.Name = geoID
	}
	if level != ingestion.GeoLevelState {
		parent, ok, err := r.lookup(ctx, ingestion.GeoLevelState, stateID)
		if err != nil {
			return ingestion.Region{}, err
		}
		if ok {
			parentID := parent.ID
			region.ParentID = &parentID
		} else {
			r.logger.Warn("parent state region missing", zap.String("geo_level", string(level)), zap.String("geo_id", geoID), zap.String("state", stateID))
		}
	}
	if r.geocoder != nil && name != "" {
		lat, lon, err := r.geocoder.Locate(ctx, name)
		if err != nil {
			r.logger.Warn("geocode failed", zap.String("name", name), zap.Error(err))
		} else {
			region.CentroidLat = &lat
			region.CentroidLon = &lon
		}
	}

	saved, err := r.regions.Save(ctx, region)
	if err != nil {
		return ingestion.Region{}, err
	}
	r.cache[string(level)+":"+geoID] = saved
	return saved, nil
}
