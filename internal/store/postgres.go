package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lvonguyen/threatlens/internal/indicator"
)

// PostgresConfig configures the PostgreSQL store.
type PostgresConfig struct {
	URL             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// PostgresStore persists indicators in PostgreSQL. Per-key atomicity comes
// from the single-statement INSERT ... ON CONFLICT merge, which holds the row
// lock for the duration of the update.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresStore connects, verifies and migrates the database.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	poolCfg.MaxConns = 25
	poolCfg.MinConns = 5
	poolCfg.MaxConnLifetime = 5 * time.Minute
	poolCfg.MaxConnIdleTime = 1 * time.Minute
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: database unreachable: %w", ErrUnavailable, err)
	}

	s := &PostgresStore{pool: pool, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS indicators (
			id          UUID PRIMARY KEY,
			type        TEXT NOT NULL,
			value       TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			confidence  DOUBLE PRECISION NOT NULL DEFAULT 0,
			severity    SMALLINT NOT NULL DEFAULT 1,
			tags        TEXT[] NOT NULL DEFAULT '{}',
			sources     TEXT[] NOT NULL DEFAULT '{}',
			first_seen  TIMESTAMPTZ NOT NULL,
			last_seen   TIMESTAMPTZ NOT NULL,
			is_active   BOOLEAN NOT NULL DEFAULT TRUE,
			metadata    JSONB NOT NULL DEFAULT '{}'::jsonb,
			UNIQUE (type, value)
		);
		CREATE INDEX IF NOT EXISTS idx_indicators_last_seen ON indicators (last_seen DESC);
		CREATE INDEX IF NOT EXISTS idx_indicators_type_last_seen ON indicators (type, last_seen DESC);

		CREATE TABLE IF NOT EXISTS alerts (
			id               UUID PRIMARY KEY,
			title            TEXT NOT NULL,
			severity         SMALLINT NOT NULL,
			source           TEXT NOT NULL DEFAULT '',
			indicator_values TEXT[] NOT NULL DEFAULT '{}',
			created_at       TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_alerts_created_at ON alerts (created_at DESC);
	`)
	return err
}

const indicatorColumns = `id, type, value, description, confidence, severity, tags, sources,
	first_seen, last_seen, is_active, metadata`

// Upsert applies the merge rule in a single statement.
func (s *PostgresStore) Upsert(ctx context.Context, c indicator.Candidate, source string) (UpsertResult, error) {
	if err := checkCandidate(c); err != nil {
		return UpsertResult{}, err
	}

	rec := NewRecord(c, source, s.now())
	meta, err := marshalMetadata(rec.Metadata)
	if err != nil {
		return UpsertResult{}, err
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO indicators (`+indicatorColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12::jsonb)
		ON CONFLICT (type, value) DO UPDATE SET
			description = CASE WHEN indicators.description = '' THEN EXCLUDED.description ELSE indicators.description END,
			confidence  = GREATEST(indicators.confidence, EXCLUDED.confidence),
			severity    = GREATEST(indicators.severity, EXCLUDED.severity),
			tags        = ARRAY(SELECT DISTINCT t FROM unnest(indicators.tags || EXCLUDED.tags) AS t ORDER BY t),
			sources     = ARRAY(SELECT DISTINCT x FROM unnest(indicators.sources || EXCLUDED.sources) AS x ORDER BY x),
			first_seen  = LEAST(indicators.first_seen, EXCLUDED.first_seen),
			last_seen   = GREATEST(indicators.last_seen, EXCLUDED.last_seen),
			is_active   = EXCLUDED.is_active,
			metadata    = indicators.metadata || EXCLUDED.metadata
		RETURNING `+indicatorColumns+`, (xmax = 0) AS inserted`,
		rec.ID, string(rec.Type), rec.Value, rec.Description, rec.Confidence, int16(rec.Severity.Rank()),
		rec.Tags, rec.Sources, rec.FirstSeen, rec.LastSeen, rec.IsActive, meta,
	)

	var (
		out      indicator.Indicator
		inserted bool
	)
	if err := scanIndicator(row, &out, &inserted); err != nil {
		return UpsertResult{}, classify("upsert indicator", err)
	}
	return UpsertResult{Indicator: out, Created: inserted}, nil
}

// Get returns one indicator.
func (s *PostgresStore) Get(ctx context.Context, t indicator.Type, value string) (indicator.Indicator, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+indicatorColumns+` FROM indicators WHERE type = $1 AND value = $2`,
		string(t), indicator.Canonical(t, value))

	var out indicator.Indicator
	if err := scanIndicator(row, &out, nil); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return indicator.Indicator{}, ErrNotFound
		}
		return indicator.Indicator{}, classify("get indicator", err)
	}
	return out, nil
}

// Recent returns the most recently seen indicators.
func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]indicator.Indicator, error) {
	return s.queryIndicators(ctx,
		`SELECT `+indicatorColumns+` FROM indicators ORDER BY last_seen DESC, type, value LIMIT $1`,
		clampLimit(limit))
}

// RecentByType returns the most recently seen indicators of one type.
func (s *PostgresStore) RecentByType(ctx context.Context, t indicator.Type, limit int) ([]indicator.Indicator, error) {
	return s.queryIndicators(ctx,
		`SELECT `+indicatorColumns+` FROM indicators WHERE type = $1 ORDER BY last_seen DESC, value LIMIT $2`,
		string(t), clampLimit(limit))
}

func (s *PostgresStore) queryIndicators(ctx context.Context, sql string, args ...any) ([]indicator.Indicator, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify("query indicators", err)
	}
	defer rows.Close()

	out := make([]indicator.Indicator, 0)
	for rows.Next() {
		var ind indicator.Indicator
		if err := scanIndicator(rows, &ind, nil); err != nil {
			return nil, classify("scan indicator", err)
		}
		out = append(out, ind)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate indicators", err)
	}
	return out, nil
}

// Deactivate marks an indicator inactive.
func (s *PostgresStore) Deactivate(ctx context.Context, t indicator.Type, value string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE indicators SET is_active = FALSE WHERE type = $1 AND value = $2`,
		string(t), indicator.Canonical(t, value))
	if err != nil {
		return classify("deactivate indicator", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Count returns the number of stored indicators.
func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM indicators`).Scan(&n); err != nil {
		return 0, classify("count indicators", err)
	}
	return n, nil
}

// AddAlert stores an alert.
func (s *PostgresStore) AddAlert(ctx context.Context, a indicator.Alert) (indicator.Alert, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now().UTC()
	}
	if !a.Severity.Valid() {
		a.Severity = indicator.SeverityLow
	}
	if a.IndicatorValues == nil {
		a.IndicatorValues = []string{}
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO alerts (id, title, severity, source, indicator_values, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.Title, int16(a.Severity.Rank()), a.Source, a.IndicatorValues, a.CreatedAt)
	if err != nil {
		return indicator.Alert{}, classify("insert alert", err)
	}
	return a, nil
}

// RecentAlerts returns the newest alerts first.
func (s *PostgresStore) RecentAlerts(ctx context.Context, limit int) ([]indicator.Alert, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, title, severity, source, indicator_values, created_at
		 FROM alerts ORDER BY created_at DESC LIMIT $1`, clampLimit(limit))
	if err != nil {
		return nil, classify("query alerts", err)
	}
	defer rows.Close()

	out := make([]indicator.Alert, 0)
	for rows.Next() {
		var (
			a   indicator.Alert
			id  uuid.UUID
			sev int16
		)
		if err := rows.Scan(&id, &a.Title, &sev, &a.Source, &a.IndicatorValues, &a.CreatedAt); err != nil {
			return nil, classify("scan alert", err)
		}
		a.ID = id.String()
		a.Severity = indicator.SeverityFromRank(int(sev))
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate alerts", err)
	}
	return out, nil
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanIndicator(row pgx.Row, out *indicator.Indicator, inserted *bool) error {
	var (
		id   uuid.UUID
		typ  string
		sev  int16
		meta []byte
	)
	dest := []any{&id, &typ, &out.Value, &out.Description, &out.Confidence, &sev,
		&out.Tags, &out.Sources, &out.FirstSeen, &out.LastSeen, &out.IsActive, &meta}
	if inserted != nil {
		dest = append(dest, inserted)
	}
	if err := row.Scan(dest...); err != nil {
		return err
	}
	out.ID = id.String()
	out.Type = indicator.Type(typ)
	out.Severity = indicator.SeverityFromRank(int(sev))
	out.FirstSeen = out.FirstSeen.UTC()
	out.LastSeen = out.LastSeen.UTC()
	if len(meta) > 0 {
		var m map[string]string
		if err := json.Unmarshal(meta, &m); err != nil {
			return fmt.Errorf("decoding metadata: %w", err)
		}
		if len(m) > 0 {
			out.Metadata = m
		}
	}
	return nil
}

func marshalMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encoding metadata: %w", err)
	}
	return string(b), nil
}

func clampLimit(limit int) int {
	if limit < 0 {
		return 0
	}
	return limit
}

// classify wraps errors that did not come back from the server as
// ErrUnavailable. Server-side errors (constraint, syntax) are returned as is.
func classify(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) || errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}
