package plugins

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/i474232898/utility-data-ingestion/internal/ingestion"
	"github.com/i474232898/utility-data-ingestion/internal/store"
)

func testHTTPConfig(srv *httptest.Server) HTTPClientConfig {
	return HTTPClientConfig{
		Client: srv.Client(),
		Backoff: BackoffConfig{
			MaxRetries:      0,
			InitialInterval: time.Millisecond,
			MaxInterval:     time.Millisecond,
		},
	}
}

func testSourceContext(now time.Time, mem *store.Memory) ingestion.SourceContext {
	return ingestion.SourceContext{
		Now:    now,
		Clock:  ingestion.FixedClock(now),
		Stores: ingestion.Stores{Facts: mem, Regions: mem},
	}
}

const retailBody = `{"response":{"total":5,"data":[
	{"period":"2024-02","stateid":"KS","stateDescription":"Kansas","sectorid":"ALL","price":"15.50"},
	{"period":"2024-02","stateid":"XX","sectorid":"ALL","price":"9.10"},
	{"period":"2024-02","stateid":"MO","sectorid":"RES","price":"13.00"},
	{"period":"2024-02","stateid":"NE","sectorid":"ALL","price":null},
	{"period":"","stateid":"IA","sectorid":"ALL","price":"11.00"}
]}}`

func TestRetailPriceIngestWindowAndRowFiltering(t *testing.T) {
	var gotQuery atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery.Store(r.URL.Query())
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(retailBody))
	}))
	defer srv.Close()

	mem := store.NewMemory(0)
	p := NewRetailPricePlugin(RetailPriceConfig{APIKey: "k", BaseURL: srv.URL, MonthsBack: 3}, testHTTPConfig(srv), nil)
	now := time.Date(2024, time.March, 15, 10, 0, 0, 0, time.UTC)
	sc := testSourceContext(now, mem)

	check, err := p.CheckForUpdates(context.Background(), sc)
	if err != nil || !check.HasUpdates {
		t.Fatalf("expected updates, got %+v err=%v", check, err)
	}

	res, err := p.Ingest(context.Background(), sc, check)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.RowsUpserted != 1 || res.NoChange {
		t.Fatalf("unexpected result %+v", res)
	}

	q := gotQuery.Load().(url.Values)
	if q.Get("start") != "2024-01" || q.Get("end") != "2024-03" {
		t.Fatalf("unexpected window start=%s end=%s", q.Get("start"), q.Get("end"))
	}
	if q.Get("facets[sectorid][]") != "ALL" || q.Get("data[0]") != "price" || q.Get("frequency") != "monthly" {
		t.Fatalf("unexpected query %v", q)
	}

	facts, err := mem.FindByPeriod(context.Background(), ingestion.FactQuery{
		MetricID: RetailPriceMetricID,
		SourceID: RetailPriceSourceID,
		GeoLevel: ingestion.GeoLevelState,
	})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(facts) != 1 {
		t.Fatalf("expected 1 fact, got %d", len(facts))
	}
	f := facts[0]
	if f.GeoID != "20" || f.Value != 15.50 {
		t.Fatalf("unexpected fact %+v", f)
	}
	if f.PeriodStart.Format(time.DateOnly) != "2024-02-01" || f.PeriodEnd.Format(time.DateOnly) != "2024-02-29" {
		t.Fatalf("unexpected period %v..%v", f.PeriodStart, f.PeriodEnd)
	}
	if f.IsAggregated || f.PayloadID == nil || *f.PayloadID != res.PayloadID {
		t.Fatalf("unexpected fact metadata %+v", f)
	}
}

func TestRetailPriceIngestIsIdempotent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"response":{"data":[
			{"period":"2024-01","stateid":"KS","sectorid":"ALL","price":14.2},
			{"period":"2024-02","stateid":"KS","sectorid":"ALL","price":"15.50"},
			{"period":"2024-02","stateid":"CA","sectorid":"ALL","price":"30.01"}
		]}}`))
	}))
	defer srv.Close()

	mem := store.NewMemory(0)
	p := NewRetailPricePlugin(RetailPriceConfig{APIKey: "k", BaseURL: srv.URL, MonthsBack: 3}, testHTTPConfig(srv), nil)
	sc := testSourceContext(time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC), mem)

	for i := 0; i < 2; i++ {
		res, err := p.Ingest(context.Background(), sc, ingestion.CheckResult{HasUpdates: true})
		if err != nil {
			t.Fatalf("run %d: unexpected error: %v", i, err)
		}
		if res.RowsUpserted != 3 {
			t.Fatalf("run %d: expected 3 rows, got %d", i, res.RowsUpserted)
		}
	}
	if got := mem.FactCount(); got != 3 {
		t.Fatalf("expected 3 stored facts after two runs, got %d", got)
	}
}

func TestRetailPriceUnknownAbbreviationIsSkipped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"response":{"data":[{"period":"2024-02","stateid":"PR","sectorid":"ALL","price":"20.0"}]}}`))
	}))
	defer srv.Close()

	mem := store.NewMemory(0)
	p := NewRetailPricePlugin(RetailPriceConfig{APIKey: "k", BaseURL: srv.URL}, testHTTPConfig(srv), nil)
	res, err := p.Ingest(context.Background(), testSourceContext(time.Now().UTC(), mem), ingestion.CheckResult{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.RowsUpserted != 0 || !res.NoChange {
		t.Fatalf("expected no change, got %+v", res)
	}
	if mem.FactCount() != 0 {
		t.Fatalf("expected no facts")
	}
}

func TestRetailPriceParseFailureAborts(t *testing.T) {
	for _, price := range []string{"n/a", "NaN", "Inf", "-Inf"} {
		t.Run(price, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"response":{"data":[{"period":"2024-02","stateid":"KS","sectorid":"ALL","price":"` + price + `"}]}}`))
			}))
			defer srv.Close()

			mem := store.NewMemory(0)
			p := NewRetailPricePlugin(RetailPriceConfig{APIKey: "k", BaseURL: srv.URL}, testHTTPConfig(srv), nil)
			_, err := p.Ingest(context.Background(), testSourceContext(time.Now().UTC(), mem), ingestion.CheckResult{})
			if !errors.Is(err, ingestion.ErrParse) {
				t.Fatalf("expected parse error, got %v", err)
			}
			if mem.FactCount() != 0 {
				t.Fatalf("no fact may be stored for price %q", price)
			}
		})
	}
}

func TestRetailPriceMissingAPIKey(t *testing.T) {
	p := NewRetailPricePlugin(RetailPriceConfig{}, DefaultHTTPClientConfig(nil, 0), nil)
	_, err := p.Ingest(context.Background(), testSourceContext(time.Now().UTC(), store.NewMemory(0)), ingestion.CheckResult{})
	if !errors.Is(err, ingestion.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestRetailPriceNonSuccessStatusIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	p := NewRetailPricePlugin(RetailPriceConfig{APIKey: "bad", BaseURL: srv.URL}, testHTTPConfig(srv), nil)
	_, err := p.Ingest(context.Background(), testSourceContext(time.Now().UTC(), store.NewMemory(0)), ingestion.CheckResult{})
	if !errors.Is(err, ingestion.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusForbidden {
		t.Fatalf("expected status error 403, got %v", err)
	}
}

func TestRetailPriceMissingDataArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"response":{"data":{}}}`))
	}))
	defer srv.Close()

	p := NewRetailPricePlugin(RetailPriceConfig{APIKey: "k", BaseURL: srv.URL}, testHTTPConfig(srv), nil)
	_, err := p.Ingest(context.Background(), testSourceContext(time.Now().UTC(), store.NewMemory(0)), ingestion.CheckResult{})
	if !errors.Is(err, ingestion.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
}
