package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	httpapi "github.com/i474232898/utility-data-ingestion/internal/api/http"
	"github.com/i474232898/utility-data-ingestion/internal/config"
	"github.com/i474232898/utility-data-ingestion/internal/geo"
	"github.com/i474232898/utility-data-ingestion/internal/ingestion"
	"github.com/i474232898/utility-data-ingestion/internal/ingestion/plugins"
	"github.com/i474232898/utility-data-ingestion/internal/metrics"
	"github.com/i474232898/utility-data-ingestion/internal/notify"
	"github.com/i474232898/utility-data-ingestion/internal/scheduler"
	"github.com/i474232898/utility-data-ingestion/internal/store"
)

// backend is the persistence wiring chosen at startup.
type backend struct {
	facts   ingestion.FactStore
	regions ingestion.RegionDirectory
	ledger  ingestion.RunLedger
	locker  ingestion.Locker
	close   func()
}

func main() {
	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("failed to load config", zap.Error(err))
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(cfg.ZapLevel())
	logger, err := zcfg.Build()
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	be, err := openBackend(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to open store", zap.String("driver", cfg.Store.Driver), zap.Error(err))
	}
	defer be.close()

	// Shared HTTP client for outbound source calls.
	httpClient := &http.Client{Timeout: cfg.HTTP.Timeout}
	httpCfg := plugins.DefaultHTTPClientConfig(httpClient, cfg.HTTP.MaxRetries)

	// Geocoding is optional; regions are stored without centroids when it is off.
	var locator plugins.Geocoder
	if cfg.GeocoderAPIKey != "" {
		locator = geo.NewGoogleGeocoder(cfg.GeocoderAPIKey)
	}

	registry := ingestion.NewRegistry()
	sources := []ingestion.Plugin{
		plugins.NewRetailPricePlugin(plugins.RetailPriceConfig{
			APIKey:     cfg.EIA.APIKey,
			BaseURL:    cfg.EIA.BaseURL,
			MonthsBack: cfg.EIA.MonthsBack,
			Sector:     cfg.EIA.Sector,
		}, httpCfg, logger.Named("eia")),
		plugins.NewHousingCostPlugin(plugins.HousingCostConfig{
			APIKey:    cfg.Census.APIKey,
			BaseURL:   cfg.Census.BaseURL,
			MinYear:   cfg.Census.MinYear,
			MaxYear:   cfg.Census.MaxYear,
			YearsBack: cfg.Census.YearsBack,
		}, httpCfg, locator, logger.Named("census")),
	}
	if cfg.WeatherMock.Enabled {
		sources = append(sources, plugins.NewWeatherMockPlugin(cfg.WeatherMock.Seed, logger.Named("weather")))
	}
	for _, p := range sources {
		if err := registry.Register(p); err != nil {
			logger.Fatal("failed to register plugin", zap.Error(err))
		}
	}

	m := metrics.New()
	listeners := []ingestion.RunListener{m}
	if cfg.NATS.URL != "" {
		nc, err := notify.Connect(cfg.NATS.URL, logger)
		if err != nil {
			logger.Fatal("failed to connect to NATS", zap.Error(err))
		}
		defer nc.Drain() //nolint:errcheck
		listeners = append(listeners, notify.NewRunPublisher(nc, cfg.NATS.SubjectPrefix, logger))
	}

	dispatcher := ingestion.NewDispatcher(ingestion.DispatcherConfig{
		Registry:  registry,
		Ledger:    be.ledger,
		Locker:    be.locker,
		Stores:    ingestion.Stores{Facts: be.facts, Regions: be.regions},
		Listeners: listeners,
		Logger:    logger.Named("dispatcher"),
	})

	deps := httpapi.Deps{
		Dispatcher: dispatcher,
		Enabled:    cfg.Ingestion.Enabled,
		Ledger:     be.ledger,
		Facts:      be.facts,
		Metrics:    m.Handler(),
	}

	if cfg.Ingestion.Enabled {
		sched := scheduler.New(scheduler.Config{
			Interval: cfg.Ingestion.TickInterval,
			Cron:     cfg.Ingestion.Cron,
		}, dispatcher, logger.Named("scheduler"))
		if err := sched.Start(ctx); err != nil {
			logger.Fatal("failed to start scheduler", zap.Error(err))
		}
		defer sched.Stop()
		deps.Schedule = sched
	} else {
		logger.Info("ingestion dispatcher disabled")
	}

	app := fiber.New(fiber.Config{
		AppName:               "utility-data-ingestion",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		// Manual runs are synchronous and may take minutes.
		WriteTimeout: 15 * time.Minute,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error":   true,
				"message": err.Error(),
			})
		},
	})

	app.Use(fiberlogger.New())
	app.Use(recover.New())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"service": "utility-data-ingestion",
			"store":   cfg.Store.Driver,
		})
	})

	httpapi.RegisterRoutes(app, deps)

	go func() {
		logger.Info("http server listening", zap.String("port", cfg.Port))
		if err := app.Listen(":" + cfg.Port); err != nil {
			logger.Error("fiber server stopped", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("error during shutdown", zap.Error(err))
	}
}

func openBackend(ctx context.Context, cfg *config.AppConfig, logger *zap.Logger) (*backend, error) {
	if cfg.Store.Driver == config.DriverMemory {
		logger.Warn("using in-memory store; data is lost on restart")
		mem := store.NewMemory(cfg.Store.MaxRunHistory)
		return &backend{
			facts:   mem,
			regions: mem,
			ledger:  mem,
			locker:  store.NewMemoryLocker(),
			close:   func() {},
		}, nil
	}

	pg, err := store.NewPostgres(ctx, cfg.Store.DatabaseURL, logger.Named("store"))
	if err != nil {
		return nil, err
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, err
	}
	return &backend{
		facts:   pg,
		regions: pg,
		ledger:  pg,
		locker:  store.NewAdvisoryLocker(pg),
		close:   pg.Close,
	}, nil
}
