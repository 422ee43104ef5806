package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/bellwether-tech/rfi-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One connection serializes writers, so a read-then-write transaction
	// never hits SQLITE_BUSY from a sibling connection.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id              TEXT PRIMARY KEY,
	deal_id         TEXT NOT NULL,
	deal_name       TEXT NOT NULL DEFAULT '',
	company_name    TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT 'pending',
	source_names    TEXT,
	transcript_ids  TEXT,
	answers         TEXT,
	stats           TEXT,
	baseline_run_id TEXT,
	error_message   TEXT,
	created_at      DATETIME NOT NULL DEFAULT (datetime('now')),
	completed_at    DATETIME
);

CREATE TABLE IF NOT EXISTS run_sources (
	run_id    TEXT NOT NULL REFERENCES runs(id),
	position  INTEGER NOT NULL,
	name      TEXT NOT NULL,
	kind      TEXT NOT NULL,
	body      TEXT NOT NULL,
	taken_at  DATETIME,
	PRIMARY KEY (run_id, position)
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_deal ON runs(deal_id);
CREATE INDEX IF NOT EXISTS idx_run_sources_run ON run_sources(run_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run *model.Run) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = model.RunStatusPending
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, deal_id, deal_name, company_name, status, source_names, transcript_ids, baseline_run_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.DealID, run.DealName, run.CompanyName, string(run.Status),
		joinList(run.SourceNames), joinList(run.TranscriptIDs),
		nullable(run.BaselineRunID), run.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: insert run")
}

func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ? WHERE id = ?`,
		string(status), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run status %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, runID string, answers model.AnswerSet, stats model.RunStats) error {
	answersJSON, err := json.Marshal(answers)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal answers")
	}
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal stats")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, answers = ?, stats = ?, completed_at = ? WHERE id = ?`,
		string(model.RunStatusCompleted), string(answersJSON), string(statsJSON),
		time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) FailRun(ctx context.Context, runID string, message string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error_message = ?, completed_at = ? WHERE id = ?`,
		string(model.RunStatusFailed), message, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) PatchRunAnswer(ctx context.Context, runID string, answer model.FinalAnswer) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin patch")
	}
	defer tx.Rollback()

	// Read and rewrite the answers blob inside one transaction so two
	// concurrent patches can't drop each other's field.
	var answersJSON sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT answers FROM runs WHERE id = ?`, runID).Scan(&answersJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return eris.Errorf("run not found: %s", runID)
		}
		return eris.Wrapf(err, "sqlite: read answers %s", runID)
	}

	answers := model.AnswerSet{}
	if answersJSON.Valid && answersJSON.String != "" {
		if err := json.Unmarshal([]byte(answersJSON.String), &answers); err != nil {
			return eris.Wrapf(err, "sqlite: unmarshal answers %s", runID)
		}
	}
	answers[answer.FieldKey] = answer
	stats := answers.Stats()

	updatedJSON, err := json.Marshal(answers)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal answers")
	}
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal stats")
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE runs SET answers = ?, stats = ? WHERE id = ?`,
		string(updatedJSON), string(statsJSON), runID,
	); err != nil {
		return eris.Wrapf(err, "sqlite: patch answer %s", runID)
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit patch")
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, deal_id, deal_name, company_name, status, source_names, transcript_ids,
		        answers, stats, baseline_run_id, error_message, created_at, completed_at
		 FROM runs WHERE id = ?`,
		runID,
	)
	return scanRun(row)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, deal_id, deal_name, company_name, status, source_names, transcript_ids,
	                 answers, stats, baseline_run_id, error_message, created_at, completed_at
	          FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.DealID != "" {
		query += ` AND deal_id = ?`
		args = append(args, filter.DealID)
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) SaveSources(ctx context.Context, runID string, units []model.SourceUnit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin save sources")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM run_sources WHERE run_id = ?`, runID); err != nil {
		return eris.Wrap(err, "sqlite: clear sources")
	}
	for i, u := range units {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO run_sources (run_id, position, name, kind, body, taken_at) VALUES (?, ?, ?, ?, ?, ?)`,
			runID, i, u.Name, string(u.Kind), u.Text, u.Timestamp,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert source %s", u.Name)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit sources")
}

func (s *SQLiteStore) GetSources(ctx context.Context, runID string) ([]model.SourceUnit, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, kind, body, taken_at FROM run_sources WHERE run_id = ? ORDER BY position`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get sources")
	}
	defer rows.Close()

	var units []model.SourceUnit
	for rows.Next() {
		var u model.SourceUnit
		var kind string
		var takenAt sql.NullTime
		if err := rows.Scan(&u.Name, &kind, &u.Text, &takenAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan source")
		}
		u.Kind = model.SourceKind(kind)
		if takenAt.Valid {
			t := takenAt.Time
			u.Timestamp = &t
		}
		units = append(units, u)
	}
	return units, eris.Wrap(rows.Err(), "sqlite: get sources iterate")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

func joinList(items []string) any {
	if len(items) == 0 {
		return nil
	}
	return strings.Join(items, "\x1f")
}

func splitList(s sql.NullString) []string {
	if !s.Valid || s.String == "" {
		return nil
	}
	return strings.Split(s.String, "\x1f")
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.Run, error) {
	var r model.Run
	var sourceNames, transcriptIDs, answersJSON, statsJSON, baselineID, errMsg sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(&r.ID, &r.DealID, &r.DealName, &r.CompanyName, &r.Status,
		&sourceNames, &transcriptIDs, &answersJSON, &statsJSON,
		&baselineID, &errMsg, &r.CreatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, eris.New("run not found")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}

	r.SourceNames = splitList(sourceNames)
	r.TranscriptIDs = splitList(transcriptIDs)
	r.BaselineRunID = baselineID.String
	r.ErrorMessage = errMsg.String
	if completedAt.Valid {
		t := completedAt.Time
		r.CompletedAt = &t
	}
	if answersJSON.Valid && answersJSON.String != "" {
		if err := json.Unmarshal([]byte(answersJSON.String), &r.Answers); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal answers")
		}
	}
	if statsJSON.Valid && statsJSON.String != "" {
		r.Stats = &model.RunStats{}
		if err := json.Unmarshal([]byte(statsJSON.String), r.Stats); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal stats")
		}
	}
	return &r, nil
}
