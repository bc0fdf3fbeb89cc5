package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type AppConfig struct {
	Port     string `yaml:"port" validate:"required"`
	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn error"`

	Store       StoreConfig       `yaml:"store"`
	Ingestion   IngestionConfig   `yaml:"ingestion"`
	HTTP        HTTPConfig        `yaml:"http"`
	NATS        NATSConfig        `yaml:"nats"`
	EIA         EIAConfig         `yaml:"eia"`
	Census      CensusConfig      `yaml:"census"`
	WeatherMock WeatherMockConfig `yaml:"weather_mock"`

	GeocoderAPIKey string `yaml:"geocoder_api_key"`
}

type StoreConfig struct {
	// Driver defaults to postgres when DatabaseURL is set, memory otherwise.
	Driver      string `yaml:"driver" validate:"oneof=postgres memory"`
	DatabaseURL string `yaml:"database_url" validate:"required_if=Driver postgres"`
	// MaxRunHistory caps terminal runs kept by the memory store (0 = unlimited).
	// A positive cap trims the run audit trail; the ledger is no longer append-only.
	MaxRunHistory int `yaml:"max_run_history" validate:"min=0"`
}

type IngestionConfig struct {
	Enabled      bool          `yaml:"enabled"`
	TickInterval time.Duration `yaml:"tick_interval" validate:"gt=0"`
	// Cron overrides TickInterval when set.
	Cron string `yaml:"cron"`
}

type HTTPConfig struct {
	// Timeout of 0 leaves the transport default in place.
	Timeout    time.Duration `yaml:"timeout" validate:"min=0"`
	MaxRetries int           `yaml:"max_retries" validate:"min=0,max=10"`
}

type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix" validate:"required"`
}

type EIAConfig struct {
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url" validate:"omitempty,url"`
	MonthsBack int    `yaml:"months_back" validate:"min=1"`
	Sector     string `yaml:"sector" validate:"required"`
}

type CensusConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url" validate:"omitempty,url"`
	// MinYear and MaxYear of 0 mean "derive from the current year".
	MinYear   int `yaml:"min_year" validate:"min=0"`
	MaxYear   int `yaml:"max_year" validate:"min=0"`
	YearsBack int `yaml:"years_back" validate:"min=0"`
}

type WeatherMockConfig struct {
	Enabled bool `yaml:"enabled"`
	// Seed of 0 draws a random seed.
	Seed uint64 `yaml:"seed"`
}

var validate = validator.New()

// Defaults returns the configuration used when nothing is overridden.
func Defaults() *AppConfig {
	return &AppConfig{
		Port:     "8080",
		LogLevel: "info",
		Ingestion: IngestionConfig{
			Enabled:      true,
			TickInterval: 10 * time.Minute,
		},
		HTTP:        HTTPConfig{MaxRetries: 2},
		NATS:        NATSConfig{SubjectPrefix: "ingestion.run"},
		EIA:         EIAConfig{MonthsBack: 72, Sector: "ALL"},
		Census:      CensusConfig{YearsBack: 6},
		WeatherMock: WeatherMockConfig{Enabled: true},
	}
}

// Load reads configuration from an optional .env file, an optional YAML file
// named by INGESTION_CONFIG_FILE and the environment, in increasing order of
// precedence.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv builds the configuration without touching .env files.
func FromEnv() (*AppConfig, error) {
	cfg := Defaults()

	if path := os.Getenv("INGESTION_CONFIG_FILE"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.mergeEnv(); err != nil {
		return nil, err
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = DriverMemory
		if cfg.Store.DatabaseURL != "" {
			cfg.Store.Driver = DriverPostgres
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *AppConfig) mergeEnv() error {
	var e envReader
	e.setString("PORT", &c.Port)
	e.setString("LOG_LEVEL", &c.LogLevel)

	e.setString("STORE_DRIVER", &c.Store.Driver)
	e.setString("DATABASE_URL", &c.Store.DatabaseURL)
	e.setInt("STORE_MAX_RUN_HISTORY", &c.Store.MaxRunHistory)

	e.setBool("INGESTION_DISPATCHER_ENABLED", &c.Ingestion.Enabled)
	e.setDuration("INGESTION_TICK_INTERVAL", &c.Ingestion.TickInterval)
	e.setString("INGESTION_CRON", &c.Ingestion.Cron)

	e.setDuration("HTTP_TIMEOUT", &c.HTTP.Timeout)
	e.setInt("HTTP_MAX_RETRIES", &c.HTTP.MaxRetries)

	e.setString("NATS_URL", &c.NATS.URL)
	e.setString("NATS_SUBJECT_PREFIX", &c.NATS.SubjectPrefix)

	e.setString("GEOCODER_API_KEY", &c.GeocoderAPIKey)

	e.setString("EIA_API_KEY", &c.EIA.APIKey)
	e.setString("EIA_BASE_URL", &c.EIA.BaseURL)
	e.setInt("EIA_MONTHS_BACK", &c.EIA.MonthsBack)
	e.setString("EIA_SECTOR", &c.EIA.Sector)

	e.setString("CENSUS_API_KEY", &c.Census.APIKey)
	e.setString("CENSUS_BASE_URL", &c.Census.BaseURL)
	e.setInt("CENSUS_ACS_MIN_YEAR", &c.Census.MinYear)
	e.setInt("CENSUS_ACS_MAX_YEAR", &c.Census.MaxYear)
	e.setInt("CENSUS_ACS_YEARS_BACK", &c.Census.YearsBack)

	e.setBool("WEATHER_MOCK_ENABLED", &c.WeatherMock.Enabled)
	e.setUint64("WEATHER_MOCK_SEED", &c.WeatherMock.Seed)

	return e.err
}

// Validate checks field constraints and cross-field rules.
func (c *AppConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Ingestion.Cron != "" {
		if _, err := cron.ParseStandard(c.Ingestion.Cron); err != nil {
			return fmt.Errorf("invalid INGESTION_CRON %q: %w", c.Ingestion.Cron, err)
		}
	}
	if c.Census.MinYear > 0 && c.Census.MaxYear > 0 && c.Census.MinYear > c.Census.MaxYear {
		return fmt.Errorf("invalid config: census min year %d after max year %d", c.Census.MinYear, c.Census.MaxYear)
	}
	return nil
}

// ZapLevel maps LogLevel to a zap level, defaulting to info.
func (c *AppConfig) ZapLevel() zapcore.Level {
	lvl, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

// envReader applies set environment variables and collects parse errors.
type envReader struct {
	err error
}

func (r *envReader) lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (r *envReader) fail(key string, err error) {
	r.err = errors.Join(r.err, fmt.Errorf("invalid %s: %w", key, err))
}

func (r *envReader) setString(key string, dst *string) {
	if v, ok := r.lookup(key); ok {
		*dst = v
	}
}

func (r *envReader) setInt(key string, dst *int) {
	if v, ok := r.lookup(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			r.fail(key, err)
			return
		}
		*dst = n
	}
}

func (r *envReader) setUint64(key string, dst *uint64) {
	if v, ok := r.lookup(key); ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			r.fail(key, err)
			return
		}
		*dst = n
	}
}

func (r *envReader) setBool(key string, dst *bool) {
	if v, ok := r.lookup(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			r.fail(key, err)
			return
		}
		*dst = b
	}
}

func (r *envReader) setDuration(key string, dst *time.Duration) {
	if v, ok := r.lookup(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			r.fail(key, err)
			return
		}
		*dst = d
	}
}
