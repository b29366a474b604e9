package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/taskrouter/internal/metrics"
	"github.com/Kocoro-lab/taskrouter/internal/state"
)

var (
	ErrRunNotFound       = errors.New("run not found")
	ErrUnsupportedDriver = errors.New("unsupported archive driver")
)

// Config holds archive database configuration
type Config struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxConnections  int           `mapstructure:"max_connections"`
	IdleConnections int           `mapstructure:"idle_connections"`
	MaxLifetime     time.Duration `mapstructure:"max_lifetime"`
}

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

var schemas = map[string]string{
	DriverPostgres: `
		CREATE TABLE IF NOT EXISTS orchestration_runs (
			run_id TEXT PRIMARY KEY,
			task TEXT NOT NULL,
			mode TEXT NOT NULL,
			status TEXT NOT NULL,
			round INTEGER NOT NULL DEFAULT 0,
			max_rounds INTEGER NOT NULL DEFAULT 0,
			current_agent_index INTEGER NOT NULL DEFAULT 0,
			is_complete BOOLEAN NOT NULL DEFAULT FALSE,
			error TEXT,
			started_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			agents JSONB NOT NULL DEFAULT '[]',
			messages JSONB NOT NULL DEFAULT '[]',
			agent_errors JSONB NOT NULL DEFAULT '{}',
			debug JSONB,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
	DriverSQLite: `
		CREATE TABLE IF NOT EXISTS orchestration_runs (
			run_id TEXT PRIMARY KEY,
			task TEXT NOT NULL,
			mode TEXT NOT NULL,
			status TEXT NOT NULL,
			round INTEGER NOT NULL DEFAULT 0,
			max_rounds INTEGER NOT NULL DEFAULT 0,
			current_agent_index INTEGER NOT NULL DEFAULT 0,
			is_complete BOOLEAN NOT NULL DEFAULT 0,
			error TEXT,
			started_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			agents TEXT NOT NULL DEFAULT '[]',
			messages TEXT NOT NULL DEFAULT '[]',
			agent_errors TEXT NOT NULL DEFAULT '{}',
			debug TEXT,
			updated_at TIMESTAMP NOT NULL
		)`,
}

const upsertRun = `
	INSERT INTO orchestration_runs (
		run_id, task, mode, status, round, max_rounds, current_agent_index,
		is_complete, error, started_at, finished_at, input_tokens, output_tokens,
		agents, messages, agent_errors, debug, updated_at
	) VALUES (
		:run_id, :task, :mode, :status, :round, :max_rounds, :current_agent_index,
		:is_complete, :error, :started_at, :finished_at, :input_tokens, :output_tokens,
		:agents, :messages, :agent_errors, :debug, :updated_at
	)
	ON CONFLICT (run_id) DO UPDATE SET
		status = EXCLUDED.status,
		round = EXCLUDED.round,
		current_agent_index = EXCLUDED.current_agent_index,
		is_complete = EXCLUDED.is_complete,
		error = EXCLUDED.error,
		finished_at = EXCLUDED.finished_at,
		input_tokens = EXCLUDED.input_tokens,
		output_tokens = EXCLUDED.output_tokens,
		agents = EXCLUDED.agents,
		messages = EXCLUDED.messages,
		agent_errors = EXCLUDED.agent_errors,
		debug = EXCLUDED.debug,
		updated_at = EXCLUDED.updated_at`

const runColumns = `run_id, task, mode, status, round, max_rounds, current_agent_index,
	is_complete, error, started_at, finished_at, input_tokens, output_tokens,
	agents, messages, agent_errors, debug, updated_at`

// Archive stores terminal orchestration run states
type Archive struct {
	db     *sqlx.DB
	logger *zap.Logger
	now    func() time.Time
}

// Open connects to the configured database and ensures the schema exists
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Archive, error) {
	schema, ok := schemas[cfg.Driver]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, cfg.Driver)
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 10
	}
	if cfg.IdleConnections == 0 {
		cfg.IdleConnections = 2
	}
	if cfg.MaxLifetime == 0 {
		cfg.MaxLifetime = 5 * time.Minute
	}
	if cfg.Driver == DriverSQLite {
		// one writer; also keeps an in-memory database on a single connection
		cfg.MaxConnections = 1
		cfg.IdleConnections = 1
	}

	dbx, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive database: %w", err)
	}
	dbx.SetMaxOpenConns(cfg.MaxConnections)
	dbx.SetMaxIdleConns(cfg.IdleConnections)
	dbx.SetConnMaxLifetime(cfg.MaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := dbx.PingContext(pingCtx); err != nil {
		dbx.Close()
		return nil, fmt.Errorf("failed to ping archive database: %w", err)
	}
	if _, err := dbx.ExecContext(ctx, schema); err != nil {
		dbx.Close()
		return nil, fmt.Errorf("failed to create archive schema: %w", err)
	}

	a := New(dbx, logger)
	a.logger.Info("Run archive initialized", zap.String("driver", cfg.Driver))
	return a, nil
}

// New wraps an existing connection; the schema must already exist
func New(dbx *sqlx.DB, logger *zap.Logger) *Archive {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archive{db: dbx, logger: logger, now: time.Now}
}

// SaveRun upserts the run by id, so saving the same run twice is harmless
func (a *Archive) SaveRun(ctx context.Context, st *state.AgentState) error {
	rec, err := recordFromState(st, a.now().UTC())
	if err != nil {
		metrics.ArchiveWrites.WithLabelValues("error").Inc()
		return err
	}
	if _, err := a.db.NamedExecContext(ctx, upsertRun, rec); err != nil {
		metrics.ArchiveWrites.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to save run %s: %w", st.RunID, err)
	}
	metrics.ArchiveWrites.WithLabelValues("success").Inc()
	a.logger.Debug("Run archived",
		zap.String("run_id", st.RunID),
		zap.String("status", string(st.Status)),
		zap.Int("messages", len(st.Messages)),
	)
	return nil
}

// LoadRun returns the archived state of a run
func (a *Archive) LoadRun(ctx context.Context, runID string) (*state.AgentState, error) {
	var rec RunRecord
	query := a.db.Rebind(`SELECT ` + runColumns + ` FROM orchestration_runs WHERE run_id = ?`)
	if err := a.db.GetContext(ctx, &rec, query, runID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	return rec.State()
}

// RecentRuns lists the newest runs first, without decoding their messages
func (a *Archive) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	var recs []RunRecord
	query := a.db.Rebind(`SELECT ` + runColumns + ` FROM orchestration_runs ORDER BY started_at DESC LIMIT ?`)
	if err := a.db.SelectContext(ctx, &recs, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return recs, nil
}

// Close closes the underlying connection pool
func (a *Archive) Close() error {
	return a.db.Close()
}

// Ping checks the database connection
func (a *Archive) Ping(ctx context.Context) error {
	return a.db.PingContext(ctx)
}
