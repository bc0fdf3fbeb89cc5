package plugins

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/i474232898/utility-data-ingestion/internal/common"
	"github.com/i474232898/utility-data-ingestion/internal/ingestion"
)

const (
	RetailPriceSourceID = "EIA"
	RetailPriceMetricID = "ELECTRICITY_RETAIL_PRICE_CENTS_PER_KWH"

	defaultRetailPriceBaseURL = "https://api.eia.gov/v2/electricity/retail-sales/data/"
	defaultRetailMonthsBack   = 72
	defaultRetailSector       = "ALL"
	retailPageLength          = 5000
)

// RetailPriceConfig configures the retail electricity price source.
type RetailPriceConfig struct {
	APIKey     string
	BaseURL    string
	MonthsBack int
	Sector     string
}

// RetailPricePlugin replays a trailing window of monthly state-level retail
// electricity prices on every run.
type RetailPricePlugin struct {
	cfg     RetailPriceConfig
	httpCfg HTTPClientConfig
	circuit *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

func NewRetailPricePlugin(cfg RetailPriceConfig, httpCfg HTTPClientConfig, logger *zap.Logger) *RetailPricePlugin {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultRetailPriceBaseURL
	}
	if cfg.MonthsBack <= 0 {
		cfg.MonthsBack = defaultRetailMonthsBack
	}
	if strings.TrimSpace(cfg.Sector) == "" {
		cfg.Sector = defaultRetailSector
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetailPricePlugin{
		cfg:     cfg,
		httpCfg: httpCfg,
		circuit: newCircuitBreaker("eia"),
		logger:  logger.With(zap.String("source", RetailPriceSourceID)),
	}
}

func (p *RetailPricePlugin) SourceID() string { return RetailPriceSourceID }

func (p *RetailPricePlugin) Metrics() []ingestion.MetricDefinition {
	return []ingestion.MetricDefinition{{
		ID:          RetailPriceMetricID,
		Name:        "Electricity Retail Price",
		Unit:        "cents/kWh",
		Description: "Average monthly retail price of electricity by state.",
	}}
}

// CheckForUpdates always reports new data; the replay window makes staleness
// detection unnecessary.
func (p *RetailPricePlugin) CheckForUpdates(_ context.Context, sc ingestion.SourceContext) (ingestion.CheckResult, error) {
	now := referenceTime(sc)
	return ingestion.CheckResult{
		HasUpdates:  true,
		UpdateToken: fmt.Sprintf("eia-%d", now.UnixMilli()),
		PublishedAt: &now,
	}, nil
}

type retailPriceRow struct {
	Period   flexString `json:"period"`
	StateID  flexString `json:"stateid"`
	SectorID flexString `json:"sectorid"`
	Price    flexString `json:"price"`
}

type retailPriceResponse struct {
	Response *struct {
		Data json.RawMessage `json:"data"`
	} `json:"response"`
}

func (p *RetailPricePlugin) Ingest(ctx context.Context, sc ingestion.SourceContext, check ingestion.CheckResult) (ingestion.IngestResult, error) {
	if strings.TrimSpace(p.cfg.APIKey) == "" {
		return ingestion.IngestResult{}, fmt.Errorf("%w: EIA api key is not set", ingestion.ErrConfiguration)
	}

	end := common.MonthStart(referenceTime(sc))
	start := end.AddDate(0, -(p.cfg.MonthsBack - 1), 0)

	rows, err := p.fetch(ctx, common.FormatYearMonth(start), common.FormatYearMonth(end))
	if err != nil {
		return ingestion.IngestResult{}, err
	}

	payloadID := uuid.New()
	retrievedAt := retrievalTime(sc)
	upserted := 0

	for _, row := range rows {
		if !strings.EqualFold(row.SectorID.String(), p.cfg.Sector) {
			continue
		}
		geoID, ok := StateFIPS(row.StateID.String())
		if !ok {
			continue
		}
		if row.Period.String() == "" || row.Price.String() == "" {
			continue
		}

		price, err := strconv.ParseFloat(row.Price.String(), 64)
		if err != nil || math.IsNaN(price) || math.IsInf(price, 0) {
			return ingestion.IngestResult{}, fmt.Errorf("%w: price %q for %s %s", ingestion.ErrParse, row.Price, row.StateID, row.Period)
		}
		month, err := common.ParseYearMonth(row.Period.String())
		if err != nil {
			return ingestion.IngestResult{}, fmt.Errorf("%w: %v", ingestion.ErrParse, err)
		}
		periodStart, periodEnd := common.MonthBounds(month)

		fact := ingestion.Fact{
			MetricID:          RetailPriceMetricID,
			SourceID:          RetailPriceSourceID,
			GeoLevel:          ingestion.GeoLevelState,
			GeoID:             geoID,
			PeriodStart:       periodStart,
			PeriodEnd:         periodEnd,
			Value:             price,
			RetrievedAt:       retrievedAt,
			SourcePublishedAt: check.PublishedAt,
			PayloadID:         &payloadID,
		}
		if err := sc.Stores.Facts.Upsert(ctx, fact); err != nil {
			return ingestion.IngestResult{}, fmt.Errorf("upsert retail price fact: %w", err)
		}
		upserted++
	}

	p.logger.Info("retail price ingest complete",
		zap.String("start", common.FormatYearMonth(start)),
		zap.String("end", common.FormatYearMonth(end)),
		zap.Int("rows_received", len(rows)),
		zap.Int("rows_upserted", upserted),
	)

	return ingestion.IngestResult{
		RowsUpserted: upserted,
		PayloadID:    payloadID,
		NoChange:     upserted == 0,
	}, nil
}

func (p *RetailPricePlugin) fetch(ctx context.Context, start, end string) ([]retailPriceRow, error) {
	buildRequest := func(ctx context.Context) (*http.Request, error) {
		values := url.Values{}
		values.Set("api_key", p.cfg.APIKey)
		values.Set("data[0]", "price")
		values.Set("frequency", "monthly")
		values.Set("facets[sectorid][]", p.cfg.Sector)
		values.Set("start", start)
		values.Set("end", end)
		values.Set("length", strconv.Itoa(retailPageLength))

		u := fmt.Sprintf("%s?%s", p.cfg.BaseURL, values.Encode())
		return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	}

	resp, err := doRequestWithResilience(ctx, "eia retail sales", p.httpCfg, p.circuit, buildRequest)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		return nil, &StatusError{Op: "eia retail sales", StatusCode: resp.StatusCode}
	}

	var payload retailPriceResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: decode eia response: %v", ingestion.ErrParse, err)
	}
	if payload.Response == nil || !isJSONArray(payload.Response.Data) {
		return nil, fmt.Errorf("%w: eia response missing response.data array", ingestion.ErrTransport)
	}

	var rows []retailPriceRow
	if err := json.Unmarshal(payload.Response.Data, &rows); err != nil {
		return nil, fmt.Errorf("%w: decode eia rows: %v", ingestion.ErrParse, err)
	}
	return rows, nil
}

// flexString accepts a JSON string, number or null.
type flexString string

func (s *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*s = ""
		return nil
	}
	if b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = flexString(strings.TrimSpace(v))
		return nil
	}
	*s = flexString(b)
	return nil
}

func (s flexString) String() string { return string(s) }

func isJSONArray(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '['
}
