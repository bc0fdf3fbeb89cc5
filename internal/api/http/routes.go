package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	"github.com/i474232898/utility-data-ingestion/internal/ingestion"
)

var validate = validator.New()

const defaultRunsLimit = 50

// Dispatcher is the trigger surface the routes drive.
type Dispatcher interface {
	RunAll(ctx context.Context) []ingestion.Outcome
	RunSource(ctx context.Context, sourceID string) (ingestion.Outcome, error)
	Registry() *ingestion.Registry
}

// Schedule reports the next scheduled cycle.
type Schedule interface {
	NextRun() (time.Time, bool)
}

// Deps bundles what the routes need. Schedule and Metrics are optional.
type Deps struct {
	Dispatcher Dispatcher
	Enabled    bool
	Ledger     ingestion.RunLedger
	Facts      ingestion.FactStore
	Schedule   Schedule
	Metrics    http.Handler
}

// RegisterRoutes wires the HTTP handlers into the Fiber app.
func RegisterRoutes(app *fiber.App, deps Deps) {
	if deps.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(deps.Metrics))
	}

	v1 := app.Group("/api/v1/ingestion")

	v1.Post("/run", func(c *fiber.Ctx) error {
		if !deps.Enabled {
			return fiber.NewError(fiber.StatusConflict, "ingestion dispatcher is disabled")
		}
		outcomes := deps.Dispatcher.RunAll(c.UserContext())
		return c.JSON(fiber.Map{"outcomes": outcomes})
	})

	v1.Post("/run/:sourceId", func(c *fiber.Ctx) error {
		if !deps.Enabled {
			return fiber.NewError(fiber.StatusConflict, "ingestion dispatcher is disabled")
		}
		outcome, err := deps.Dispatcher.RunSource(c.UserContext(), c.Params("sourceId"))
		if err != nil {
			if errors.Is(err, ingestion.ErrUnknownSource) {
				return fiber.NewError(fiber.StatusNotFound, err.Error())
			}
			return fiber.NewError(fiber.StatusInternalServerError, "failed to run ingestion")
		}
		return c.JSON(outcome)
	})

	v1.Get("/runs", func(c *fiber.Ctx) error {
		var req runsQuery
		if err := req.bind(c); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if err := validate.Struct(req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		runs, err := deps.Ledger.Recent(c.UserContext(), req.SourceID, req.Limit)
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "failed to fetch ingestion runs")
		}
		if runs == nil {
			runs = []ingestion.Run{}
		}
		return c.JSON(fiber.Map{
			"sourceId": req.SourceID,
			"limit":    req.Limit,
			"runs":     runs,
		})
	})

	v1.Get("/status", func(c *fiber.Ctx) error {
		statuses, err := collectStatus(c, deps)
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "failed to compute ingestion status")
		}
		resp := fiber.Map{
			"enabled": deps.Enabled,
			"sources": statuses,
		}
		if deps.Schedule != nil {
			if next, ok := deps.Schedule.NextRun(); ok {
				resp["nextRunAt"] = next.UTC()
			}
		}
		return c.JSON(resp)
	})
}

// runsQuery holds query parameters for the runs endpoint.
type runsQuery struct {
	SourceID string `validate:"omitempty,max=64"`
	Limit    int    `validate:"min=1,max=500"`
}

func (q *runsQuery) bind(c *fiber.Ctx) error {
	q.SourceID = c.Query("sourceId")
	q.Limit = defaultRunsLimit
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return errors.New("limit must be an integer")
		}
		q.Limit = n
	}
	return nil
}

type metricStatus struct {
	MetricID     string     `json:"metricId"`
	Name         string     `json:"name"`
	Unit         string     `json:"unit"`
	LatestPeriod *time.Time `json:"latestPeriod,omitempty"`
}

type sourceStatus struct {
	SourceID      string         `json:"sourceId"`
	LastRun       *ingestion.Run `json:"lastRun,omitempty"`
	LastSuccessAt *time.Time     `json:"lastSuccessAt,omitempty"`
	Metrics       []metricStatus `json:"metrics"`
}

func collectStatus(c *fiber.Ctx, deps Deps) ([]sourceStatus, error) {
	ctx := c.UserContext()
	plugins := deps.Dispatcher.Registry().Plugins()
	out := make([]sourceStatus, 0, len(plugins))

	for _, p := range plugins {
		st := sourceStatus{SourceID: p.SourceID(), Metrics: []metricStatus{}}

		last, err := deps.Ledger.Latest(ctx, p.SourceID())
		switch {
		case err == nil:
			st.LastRun = &last
		case !errors.Is(err, ingestion.ErrNotFound):
			return nil, err
		}

		success, err := deps.Ledger.LatestWithStatus(ctx, p.SourceID(), ingestion.RunStatusSuccess)
		switch {
		case err == nil:
			st.LastSuccessAt = success.EndedAt
		case !errors.Is(err, ingestion.ErrNotFound):
			return nil, err
		}

		if catalog, ok := p.(ingestion.MetricCatalog); ok {
			for _, def := range catalog.Metrics() {
				ms := metricStatus{MetricID: def.ID, Name: def.Name, Unit: def.Unit}
				latest, found, err := deps.Facts.FindLatestPeriod(ctx, def.ID, p.SourceID())
				if err != nil {
					return nil, err
				}
				if found {
					ms.LatestPeriod = &latest
				}
				st.Metrics = append(st.Metrics, ms)
			}
		}
		out = append(out, st)
	}
	return out, nil
}
