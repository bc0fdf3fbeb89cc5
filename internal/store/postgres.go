package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/i474232898/utility-data-ingestion/internal/ingestion"
)

const schema = `
CREATE TABLE IF NOT EXISTS region (
	id           UUID PRIMARY KEY,
	geo_level    TEXT NOT NULL,
	geo_id       TEXT NOT NULL,
	name         TEXT NOT NULL,
	parent_id    UUID REFERENCES region(id),
	centroid_lat DOUBLE PRECISION,
	centroid_lon DOUBLE PRECISION,
	UNIQUE (geo_level, geo_id)
);

CREATE INDEX IF NOT EXISTS region_parent_idx ON region (parent_id);

CREATE TABLE IF NOT EXISTS fact_value (
	metric_id           TEXT NOT NULL,
	source_id           TEXT NOT NULL,
	geo_level           TEXT NOT NULL,
	geo_id              TEXT NOT NULL,
	period_start        DATE NOT NULL,
	period_end          DATE NOT NULL,
	value               DOUBLE PRECISION NOT NULL,
	retrieved_at        TIMESTAMPTZ NOT NULL,
	source_published_at TIMESTAMPTZ,
	is_aggregated       BOOLEAN NOT NULL DEFAULT FALSE,
	aggregation_method  TEXT,
	payload_id          UUID,
	PRIMARY KEY (metric_id, source_id, geo_level, geo_id, period_start, period_end)
);

CREATE INDEX IF NOT EXISTS fact_value_period_idx ON fact_value (metric_id, source_id, geo_level, period_start);

CREATE TABLE IF NOT EXISTS source_run (
	id            UUID PRIMARY KEY,
	source_id     TEXT NOT NULL,
	started_at    TIMESTAMPTZ NOT NULL,
	ended_at      TIMESTAMPTZ,
	status        TEXT NOT NULL,
	rows_upserted INTEGER NOT NULL DEFAULT 0,
	error_summary TEXT
);

CREATE INDEX IF NOT EXISTS source_run_source_started_idx ON source_run (source_id, started_at DESC);
`

// Postgres persists facts, regions and runs in PostgreSQL.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewPostgres(ctx context.Context, databaseURL string, logger *zap.Logger) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	return &Postgres{pool: pool, logger: logger}, nil
}

func (s *Postgres) Close() {
	s.pool.Close()
}

// Migrate creates the tables if they do not exist.
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	s.logger.Info("database schema ready")
	return nil
}

func (s *Postgres) Upsert(ctx context.Context, f ingestion.Fact) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO fact_value (
			metric_id, source_id, geo_level, geo_id, period_start, period_end,
			value, retrieved_at, source_published_at, is_aggregated, aggregation_method, payload_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (metric_id, source_id, geo_level, geo_id, period_start, period_end) DO UPDATE SET
			value = EXCLUDED.value,
			retrieved_at = EXCLUDED.retrieved_at,
			source_published_at = EXCLUDED.source_published_at,
			is_aggregated = EXCLUDED.is_aggregated,
			aggregation_method = EXCLUDED.aggregation_method,
			payload_id = EXCLUDED.payload_id
	`,
		f.MetricID, f.SourceID, string(f.GeoLevel), f.GeoID, f.PeriodStart, f.PeriodEnd,
		f.Value, f.RetrievedAt, f.SourcePublishedAt, f.IsAggregated, nullString(f.AggregationMethod), f.PayloadID,
	)
	if err != nil {
		return fmt.Errorf("upsert fact %s/%s/%s: %w", f.MetricID, f.GeoLevel, f.GeoID, err)
	}
	return nil
}

func (s *Postgres) FindByPeriod(ctx context.Context, q ingestion.FactQuery) ([]ingestion.Fact, error) {
	var (
		sb   strings.Builder
		args = []any{q.MetricID, q.SourceID, string(q.GeoLevel)}
	)
	sb.WriteString(`
		SELECT metric_id, source_id, geo_level, geo_id, period_start, period_end,
			value, retrieved_at, source_published_at, is_aggregated, aggregation_method, payload_id
		FROM fact_value
		WHERE metric_id = $1 AND source_id = $2 AND geo_level = $3`)

	switch {
	case q.GeoID != "":
		args = append(args, q.GeoID)
		fmt.Fprintf(&sb, " AND geo_id = $%d", len(args))
	case q.GeoIDPrefix != "":
		args = append(args, q.GeoIDPrefix+"%")
		fmt.Fprintf(&sb, " AND geo_id LIKE $%d", len(args))
	}
	if !q.From.IsZero() {
		args = append(args, q.From)
		fmt.Fprintf(&sb, " AND period_start >= $%d", len(args))
	}
	if !q.To.IsZero() {
		args = append(args, q.To)
		fmt.Fprintf(&sb, " AND period_end <= $%d", len(args))
	}
	sb.WriteString(" ORDER BY period_start, geo_id")

	rows, err := s.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query facts: %w", err)
	}
	defer rows.Close()

	var result []ingestion.Fact
	for rows.Next() {
		var (
			f      ingestion.Fact
			level  string
			method *string
		)
		if err := rows.Scan(&f.MetricID, &f.SourceID, &level, &f.GeoID, &f.PeriodStart, &f.PeriodEnd,
			&f.Value, &f.RetrievedAt, &f.SourcePublishedAt, &f.IsAggregated, &method, &f.PayloadID); err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		f.GeoLevel = ingestion.GeoLevel(level)
		if method != nil {
			f.AggregationMethod = *method
		}
		result = append(result, f)
	}
	return result, rows.Err()
}

func (s *Postgres) FindLatestPeriod(ctx context.Context, metricID, sourceID string) (time.Time, bool, error) {
	var latest *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT max(period_start) FROM fact_value WHERE metric_id = $1 AND source_id = $2`,
		metricID, sourceID,
	).Scan(&latest)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("query latest period: %w", err)
	}
	if latest == nil {
		return time.Time{}, false, nil
	}
	return *latest, true, nil
}

const regionColumns = `id, geo_level, geo_id, name, parent_id, centroid_lat, centroid_lon`

func scanRegion(row pgx.Row) (ingestion.Region, error) {
	var (
		r     ingestion.Region
		level string
	)
	if err := row.Scan(&r.ID, &level, &r.GeoID, &r.Name, &r.ParentID, &r.CentroidLat, &r.CentroidLon); err != nil {
		return ingestion.Region{}, err
	}
	r.GeoLevel = ingestion.GeoLevel(level)
	return r, nil
}

func (s *Postgres) FindByLevelAndID(ctx context.Context, level ingestion.GeoLevel, geoID string) (ingestion.Region, error) {
	r, err := scanRegion(s.pool.QueryRow(ctx,
		`SELECT `+regionColumns+` FROM region WHERE geo_level = $1 AND geo_id = $2`,
		string(level), geoID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return ingestion.Region{}, ingestion.ErrNotFound
	}
	if err != nil {
		return ingestion.Region{}, fmt.Errorf("query region: %w", err)
	}
	return r, nil
}

func (s *Postgres) FindChildren(ctx context.Context, parentID uuid.UUID) ([]ingestion.Region, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+regionColumns+` FROM region WHERE parent_id = $1 ORDER BY geo_level, geo_id`,
		parentID,
	)
	if err != nil {
		return nil, fmt.Errorf("query child regions: %w", err)
	}
	defer rows.Close()

	var result []ingestion.Region
	for rows.Next() {
		r, err := scanRegion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan region: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// Save inserts the region or returns the existing row with the same natural key.
func (s *Postgres) Save(ctx context.Context, r ingestion.Region) (ingestion.Region, error) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	saved, err := scanRegion(s.pool.QueryRow(ctx, `
		INSERT INTO region (id, geo_level, geo_id, name, parent_id, centroid_lat, centroid_lon)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (geo_level, geo_id) DO UPDATE SET geo_id = region.geo_id
		RETURNING `+regionColumns,
		r.ID, string(r.GeoLevel), r.GeoID, r.Name, r.ParentID, r.CentroidLat, r.CentroidLon,
	))
	if err != nil {
		return ingestion.Region{}, fmt.Errorf("save region %s/%s: %w", r.GeoLevel, r.GeoID, err)
	}
	return saved, nil
}

func (s *Postgres) Insert(ctx context.Context, run ingestion.Run) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO source_run (id, source_id, started_at, ended_at, status, rows_upserted, error_summary)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, run.ID, run.SourceID, run.StartedAt, run.EndedAt, string(run.Status), run.RowsUpserted, nullString(run.ErrorSummary))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// Finish writes the terminal state. Rows already finalized are left untouched.
func (s *Postgres) Finish(ctx context.Context, run ingestion.Run) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE source_run
		SET ended_at = $2, status = $3, rows_upserted = $4, error_summary = $5
		WHERE id = $1 AND status = $6
	`, run.ID, run.EndedAt, string(run.Status), run.RowsUpserted, nullString(run.ErrorSummary), string(ingestion.RunStatusRunning))
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finish run %s: %w", run.ID, ingestion.ErrRunFinalized)
	}
	return nil
}

const runColumns = `id, source_id, started_at, ended_at, status, rows_upserted, error_summary`

func scanRun(row pgx.Row) (ingestion.Run, error) {
	var (
		r       ingestion.Run
		status  string
		summary *string
	)
	if err := row.Scan(&r.ID, &r.SourceID, &r.StartedAt, &r.EndedAt, &status, &r.RowsUpserted, &summary); err != nil {
		return ingestion.Run{}, err
	}
	r.Status = ingestion.RunStatus(status)
	if summary != nil {
		r.ErrorSummary = *summary
	}
	return r, nil
}

func (s *Postgres) Recent(ctx context.Context, sourceID string, limit int) ([]ingestion.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+runColumns+` FROM source_run
		WHERE ($1 = '' OR upper(source_id) = upper($1))
		ORDER BY started_at DESC
		LIMIT $2
	`, sourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var result []ingestion.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (s *Postgres) Latest(ctx context.Context, sourceID string) (ingestion.Run, error) {
	r, err := scanRun(s.pool.QueryRow(ctx, `
		SELECT `+runColumns+` FROM source_run
		WHERE upper(source_id) = upper($1)
		ORDER BY started_at DESC LIMIT 1
	`, sourceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return ingestion.Run{}, ingestion.ErrNotFound
	}
	if err != nil {
		return ingestion.Run{}, fmt.Errorf("query latest run: %w", err)
	}
	return r, nil
}

func (s *Postgres) LatestWithStatus(ctx context.Context, sourceID string, status ingestion.RunStatus) (ingestion.Run, error) {
	r, err := scanRun(s.pool.QueryRow(ctx, `
		SELECT `+runColumns+` FROM source_run
		WHERE upper(source_id) = upper($1) AND status = $2
		ORDER BY started_at DESC LIMIT 1
	`, sourceID, string(status)))
	if errors.Is(err, pgx.ErrNoRows) {
		return ingestion.Run{}, ingestion.ErrNotFound
	}
	if err != nil {
		return ingestion.Run{}, fmt.Errorf("query latest %s run: %w", status, err)
	}
	return r, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// AdvisoryLocker hands out session-level PostgreSQL advisory locks. Each held
// lock pins one pooled connection until released.
type AdvisoryLocker struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewAdvisoryLocker(s *Postgres) *AdvisoryLocker {
	return &AdvisoryLocker{pool: s.pool, logger: s.logger}
}

func (l *AdvisoryLocker) TryLock(ctx context.Context, key string) (func(context.Context) error, bool, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection for lock %q: %w", key, err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock %q: %w", key, err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	var (
		once       sync.Once
		releaseErr error
	)
	release := func(ctx context.Context) error {
		once.Do(func() {
			defer conn.Release()
			var unlocked bool
			err := conn.QueryRow(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, key).Scan(&unlocked)
			if err == nil && !unlocked {
				err = fmt.Errorf("advisory lock %q was not held", key)
			}
			if err != nil {
				// Closing the session drops any lock it still holds.
				_ = conn.Conn().Close(context.Background())
				releaseErr = fmt.Errorf("release advisory lock %q: %w", key, err)
			}
		})
		return releaseErr
	}
	return release, true, nil
}
