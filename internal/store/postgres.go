package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/bellwether-tech/rfi-cli/internal/db"
	"github.com/bellwether-tech/rfi-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the most frequently used store operations.
var preparedStatements = map[string]string{
	"insert_run":        `INSERT INTO runs (id, deal_id, deal_name, company_name, status, source_names, transcript_ids, baseline_run_id, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
	"update_run_status": `UPDATE runs SET status = $1 WHERE id = $2`,
	"complete_run":      `UPDATE runs SET status = $1, answers = $2, stats = $3, completed_at = $4 WHERE id = $5`,
	"get_run":           `SELECT id, deal_id, deal_name, company_name, status, source_names, transcript_ids, answers, stats, baseline_run_id, error_message, created_at, completed_at FROM runs WHERE id = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepare frequently-used statements on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool. Tests use it with pgxmock.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id              TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	deal_id         TEXT NOT NULL,
	deal_name       TEXT NOT NULL DEFAULT '',
	company_name    TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT 'pending',
	source_names    JSONB,
	transcript_ids  JSONB,
	answers         JSONB,
	stats           JSONB,
	baseline_run_id TEXT,
	error_message   TEXT,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at    TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS run_sources (
	run_id   TEXT NOT NULL REFERENCES runs(id),
	position INTEGER NOT NULL,
	name     TEXT NOT NULL,
	kind     TEXT NOT NULL,
	body     TEXT NOT NULL,
	taken_at TIMESTAMPTZ,
	PRIMARY KEY (run_id, position)
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_deal ON runs(deal_id);
CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_run_sources_run ON run_sources(run_id);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, run *model.Run) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = model.RunStatusPending
	}

	sourceNames, err := json.Marshal(run.SourceNames)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal source names")
	}
	transcriptIDs, err := json.Marshal(run.TranscriptIDs)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal transcript ids")
	}

	var baseline *string
	if run.BaselineRunID != "" {
		baseline = &run.BaselineRunID
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (id, deal_id, deal_name, company_name, status, source_names, transcript_ids, baseline_run_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		run.ID, run.DealID, run.DealName, run.CompanyName, string(run.Status),
		sourceNames, transcriptIDs, baseline, run.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert run")
}

func (s *PostgresStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1 WHERE id = $2`,
		string(status), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run status %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", runID)
	}
	return nil
}

func (s *PostgresStore) CompleteRun(ctx context.Context, runID string, answers model.AnswerSet, stats model.RunStats) error {
	answersJSON, err := json.Marshal(answers)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal answers")
	}
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal stats")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, answers = $2, stats = $3, completed_at = $4 WHERE id = $5`,
		string(model.RunStatusCompleted), answersJSON, statsJSON, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", runID)
	}
	return nil
}

func (s *PostgresStore) FailRun(ctx context.Context, runID string, message string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, error_message = $2, completed_at = $3 WHERE id = $4`,
		string(model.RunStatusFailed), message, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", runID)
	}
	return nil
}

func (s *PostgresStore) PatchRunAnswer(ctx context.Context, runID string, answer model.FinalAnswer) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin patch")
	}
	defer tx.Rollback(ctx)

	// Lock the row so two concurrent patches can't overwrite each other's
	// rewrite of the answers blob.
	var answersJSON []byte
	err = tx.QueryRow(ctx, `SELECT answers FROM runs WHERE id = $1 FOR UPDATE`, runID).Scan(&answersJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return eris.Errorf("run not found: %s", runID)
		}
		return eris.Wrapf(err, "postgres: lock run %s", runID)
	}

	answers := model.AnswerSet{}
	if len(answersJSON) > 0 {
		if err := json.Unmarshal(answersJSON, &answers); err != nil {
			return eris.Wrapf(err, "postgres: unmarshal answers %s", runID)
		}
	}
	answers[answer.FieldKey] = answer
	stats := answers.Stats()

	updatedJSON, err := json.Marshal(answers)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal answers")
	}
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal stats")
	}

	if _, err := tx.Exec(ctx,
		`UPDATE runs SET answers = $1, stats = $2 WHERE id = $3`,
		updatedJSON, statsJSON, runID,
	); err != nil {
		return eris.Wrapf(err, "postgres: patch answer %s", runID)
	}
	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "postgres: commit patch")
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, deal_id, deal_name, company_name, status, source_names, transcript_ids,
		        answers, stats, baseline_run_id, error_message, created_at, completed_at
		 FROM runs WHERE id = $1`,
		runID,
	)
	r, err := scanPgRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Errorf("run not found: %s", runID)
		}
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, deal_id, deal_name, company_name, status, source_names, transcript_ids,
	                 answers, stats, baseline_run_id, error_message, created_at, completed_at
	          FROM runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.DealID != "" {
		query += fmt.Sprintf(` AND deal_id = $%d`, argIdx)
		args = append(args, filter.DealID)
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanPgRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) SaveSources(ctx context.Context, runID string, units []model.SourceUnit) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM run_sources WHERE run_id = $1`, runID); err != nil {
		return eris.Wrap(err, "postgres: clear sources")
	}

	rows := make([][]any, len(units))
	for i, u := range units {
		rows[i] = []any{runID, i, u.Name, string(u.Kind), u.Text, u.Timestamp}
	}
	_, err := db.CopyFrom(ctx, s.pool, "run_sources",
		[]string{"run_id", "position", "name", "kind", "body", "taken_at"}, rows)
	return eris.Wrap(err, "postgres: save sources")
}

func (s *PostgresStore) GetSources(ctx context.Context, runID string) ([]model.SourceUnit, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT name, kind, body, taken_at FROM run_sources WHERE run_id = $1 ORDER BY position`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get sources")
	}
	defer rows.Close()

	var units []model.SourceUnit
	for rows.Next() {
		var u model.SourceUnit
		var kind string
		if err := rows.Scan(&u.Name, &kind, &u.Text, &u.Timestamp); err != nil {
			return nil, eris.Wrap(err, "postgres: scan source")
		}
		u.Kind = model.SourceKind(kind)
		units = append(units, u)
	}
	return units, eris.Wrap(rows.Err(), "postgres: get sources iterate")
}

func scanPgRun(row pgx.Row) (*model.Run, error) {
	var r model.Run
	var sourceNames, transcriptIDs, answersJSON, statsJSON []byte
	var baseline, errMsg *string

	err := row.Scan(&r.ID, &r.DealID, &r.DealName, &r.CompanyName, &r.Status,
		&sourceNames, &transcriptIDs, &answersJSON, &statsJSON,
		&baseline, &errMsg, &r.CreatedAt, &r.CompletedAt)
	if err != nil {
		return nil, err
	}

	if baseline != nil {
		r.BaselineRunID = *baseline
	}
	if errMsg != nil {
		r.ErrorMessage = *errMsg
	}
	if len(sourceNames) > 0 {
		if err := json.Unmarshal(sourceNames, &r.SourceNames); err != nil {
			return nil, eris.Wrap(err, "unmarshal source names")
		}
	}
	if len(transcriptIDs) > 0 {
		if err := json.Unmarshal(transcriptIDs, &r.TranscriptIDs); err != nil {
			return nil, eris.Wrap(err, "unmarshal transcript ids")
		}
	}
	if len(answersJSON) > 0 {
		if err := json.Unmarshal(answersJSON, &r.Answers); err != nil {
			return nil, eris.Wrap(err, "unmarshal answers")
		}
	}
	if len(statsJSON) > 0 {
		r.Stats = &model.RunStats{}
		if err := json.Unmarshal(statsJSON, r.Stats); err != nil {
			return nil, eris.Wrap(err, "unmarshal stats")
		}
	}
	return &r, nil
}
