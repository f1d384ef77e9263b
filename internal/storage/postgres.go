package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/ignatij/gobuild/pkg/models"
	"github.com/ignatij/gobuild/pkg/storage"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	Exec(query string, args ...interface{}) (sql.Result, error)
}

// PostgresStore keeps run history and task records in PostgreSQL. The schema
// lives in migrations/.
type PostgresStore struct {
	db        DBInterface
	retention int // runs kept by SaveRun; <= 0 keeps all
}

func NewPostgresStore(connStr string, retention int) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return &PostgresStore{db: db, retention: retention}, nil
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx, retention: s.retention}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

type runRow struct {
	ID         string         `db:"id"`
	Targets    pq.StringArray `db:"targets"`
	Tasks      pq.StringArray `db:"tasks"`
	Status     string         `db:"status"`
	StartedAt  time.Time      `db:"started_at"`
	FinishedAt *time.Time     `db:"finished_at"`
}

func (r runRow) model() models.Run {
	return models.Run{
		ID:         r.ID,
		Targets:    []string(r.Targets),
		Tasks:      []string(r.Tasks),
		Status:     models.RunStatus(r.Status),
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}
}

type resultRow struct {
	Task       string         `db:"task"`
	Status     string         `db:"status"`
	Invoked    bool           `db:"invoked"`
	Reason     string         `db:"reason"`
	ErrorMsg   string         `db:"error_msg"`
	Outputs    pq.StringArray `db:"outputs"`
	StartedAt  *time.Time     `db:"started_at"`
	FinishedAt *time.Time     `db:"finished_at"`
}

type recordRow struct {
	Task        string         `db:"task"`
	Fingerprint string         `db:"fingerprint"`
	Outputs     pq.StringArray `db:"outputs"`
	SucceededAt time.Time      `db:"succeeded_at"`
}

func (r recordRow) model() models.TaskRecord {
	return models.TaskRecord{
		Task:        r.Task,
		Fingerprint: r.Fingerprint,
		Outputs:     []string(r.Outputs),
		SucceededAt: r.SucceededAt,
	}
}

func stringArray(s []string) pq.StringArray {
	if s == nil {
		return pq.StringArray{}
	}
	return pq.StringArray(s)
}

// SaveRun inserts a new run without results and drops the runs beyond the
// retention, results included
func (s *PostgresStore) SaveRun(run models.Run) error {
	_, err := s.db.Exec("INSERT INTO runs (id, targets, tasks, status, started_at, finished_at) VALUES ($1, $2, $3, $4, $5, $6)",
		run.ID, stringArray(run.Targets), stringArray(run.Tasks), run.Status, run.StartedAt, run.FinishedAt)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	if s.retention > 0 {
		_, err = s.db.Exec("DELETE FROM runs WHERE id IN (SELECT id FROM runs ORDER BY started_at DESC OFFSET $1)", s.retention)
		if err != nil {
			return fmt.Errorf("trim runs: %w", err)
		}
	}
	return nil
}

// UpdateRun updates the status and end time of a run
func (s *PostgresStore) UpdateRun(run models.Run) error {
	res, err := s.db.Exec("UPDATE runs SET status = $1, finished_at = $2 WHERE id = $3", run.Status, run.FinishedAt, run.ID)
	if err != nil {
		return fmt.Errorf("update run %s: %w", run.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %s: %w", run.ID, storage.ErrNotFound)
	}
	return nil
}

// GetRun retrieves a run by ID, including its task results in execution order
func (s *PostgresStore) GetRun(id string) (models.Run, error) {
	var row runRow
	err := s.db.Get(&row, "SELECT id, targets, tasks, status, started_at, finished_at FROM runs WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Run{}, fmt.Errorf("run %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return models.Run{}, err
	}
	run := row.model()

	var results []resultRow
	err = s.db.Select(&results, `
		SELECT task, status, invoked, reason, error_msg, outputs, started_at, finished_at
		FROM task_results WHERE run_id = $1 ORDER BY seq`, id)
	if err != nil {
		return models.Run{}, fmt.Errorf("get run %s: %w", id, err)
	}
	for _, r := range results {
		run.Results = append(run.Results, models.TaskResult{
			Task:       r.Task,
			Status:     models.TaskStatus(r.Status),
			Invoked:    r.Invoked,
			Reason:     r.Reason,
			ErrorMsg:   r.ErrorMsg,
			Outputs:    []string(r.Outputs),
			StartedAt:  r.StartedAt,
			FinishedAt: r.FinishedAt,
		})
	}
	return run, nil
}

// ListRuns returns runs without results, newest first
func (s *PostgresStore) ListRuns(limit int) ([]models.Run, error) {
	rows := []runRow{}
	query := "SELECT id, targets, tasks, status, started_at, finished_at FROM runs ORDER BY started_at DESC"
	var err error
	if limit > 0 {
		err = s.db.Select(&rows, query+" LIMIT $1", limit)
	} else {
		err = s.db.Select(&rows, query)
	}
	if err != nil {
		return nil, err
	}
	runs := make([]models.Run, len(rows))
	for i, r := range rows {
		runs[i] = r.model()
	}
	return runs, nil
}

// SaveTaskResult appends the result of a task to a run
func (s *PostgresStore) SaveTaskResult(runID string, res models.TaskResult) error {
	_, err := s.db.Exec(`
		INSERT INTO task_results (run_id, task, status, invoked, reason, error_msg, outputs, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		runID, res.Task, res.Status, res.Invoked, res.Reason, res.ErrorMsg, stringArray(res.Outputs), res.StartedAt, res.FinishedAt)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23503" {
		// foreign_key_violation
		return fmt.Errorf("run %s: %w", runID, storage.ErrNotFound)
	}
	return err
}

// SaveTaskRecord inserts or replaces the last-success record of a task
func (s *PostgresStore) SaveTaskRecord(rec models.TaskRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO task_records (task, fingerprint, outputs, succeeded_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (task) DO UPDATE
		SET fingerprint = EXCLUDED.fingerprint, outputs = EXCLUDED.outputs, succeeded_at = EXCLUDED.succeeded_at`,
		rec.Task, rec.Fingerprint, stringArray(rec.Outputs), rec.SucceededAt)
	return err
}

// DeleteTaskRecord removes the last-success record of a task, if any
func (s *PostgresStore) DeleteTaskRecord(task string) error {
	if _, err := s.db.Exec("DELETE FROM task_records WHERE task = $1", task); err != nil {
		return fmt.Errorf("delete record for task %s: %w", task, err)
	}
	return nil
}

// GetTaskRecord retrieves the last-success record of a task
func (s *PostgresStore) GetTaskRecord(task string) (models.TaskRecord, error) {
	var row recordRow
	err := s.db.Get(&row, "SELECT task, fingerprint, outputs, succeeded_at FROM task_records WHERE task = $1", task)
	if err == sql.ErrNoRows {
		return models.TaskRecord{}, fmt.Errorf("record for task %s: %w", task, storage.ErrNotFound)
	}
	if err != nil {
		return models.TaskRecord{}, err
	}
	return row.model(), nil
}

// ListTaskRecords returns every record ordered by task name
func (s *PostgresStore) ListTaskRecords() ([]models.TaskRecord, error) {
	rows := []recordRow{}
	if err := s.db.Select(&rows, "SELECT task, fingerprint, outputs, succeeded_at FROM task_records ORDER BY task"); err != nil {
		return nil, err
	}
	records := make([]models.TaskRecord, len(rows))
	for i, r := range rows {
		records[i] = r.model()
	}
	return records, nil
}
