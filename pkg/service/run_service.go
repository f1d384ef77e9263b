package service

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ignatij/gobuild/pkg/models"
	"github.com/ignatij/gobuild/pkg/storage"
	"github.com/pkg/errors"
)

// RunService persists runs, their task results and the last-success record
// of every task. All writes are serialized.
type RunService struct {
	store  storage.Store
	logger Logger
	mu     sync.Mutex
}

func NewRunService(store storage.Store, logger Logger) *RunService {
	return &RunService{
		store:  store,
		logger: logger,
	}
}

// withTx runs fn in a store transaction, committing when fn succeeds.
func (rs *RunService) withTx(op string, fn func(tx storage.Store) error) (err error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	txStore, err := rs.store.Begin()
	if err != nil {
		rs.logger.Errorf("Failed to begin transaction for %s: %v", op, err)
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				rs.logger.Errorf("Failed to rollback %s: %v", op, rollbackErr)
			}
		} else {
			if commitErr := txStore.Commit(); commitErr != nil {
				rs.logger.Errorf("Failed to commit %s: %v", op, commitErr)
				err = errors.Wrap(commitErr, "failed to commit")
			}
		}
	}()

	return fn(txStore)
}

// StartRun creates a RUNNING run for the given targets and expanded task set.
func (rs *RunService) StartRun(targets, tasks []string) (*models.Run, error) {
	run := &models.Run{
		ID:        uuid.NewString(),
		Targets:   append([]string(nil), targets...),
		Tasks:     append([]string(nil), tasks...),
		Status:    models.RunningRunStatus,
		StartedAt: time.Now(),
	}
	err := rs.withTx("StartRun", func(tx storage.Store) error {
		return tx.SaveRun(*run)
	})
	if err != nil {
		return run, errors.Wrapf(err, "failed to save run %s", run.ID)
	}
	return run, nil
}

// SaveResult appends a task result to a run.
func (rs *RunService) SaveResult(runID string, res models.TaskResult) error {
	err := rs.withTx("SaveResult", func(tx storage.Store) error {
		return tx.SaveTaskResult(runID, res)
	})
	return errors.Wrapf(err, "failed to save result of task %s", res.Task)
}

// FinishRun stamps the end time of run and persists its final status.
func (rs *RunService) FinishRun(run *models.Run, status models.RunStatus) error {
	finishedAt := time.Now()
	run.Status = status
	run.FinishedAt = &finishedAt
	err := rs.withTx("FinishRun", func(tx storage.Store) error {
		return tx.UpdateRun(*run)
	})
	return errors.Wrapf(err, "failed to update run %s", run.ID)
}

// RecordSuccess replaces the last-success record of a task.
func (rs *RunService) RecordSuccess(rec models.TaskRecord) error {
	err := rs.withTx("RecordSuccess", func(tx storage.Store) error {
		return tx.SaveTaskRecord(rec)
	})
	return errors.Wrapf(err, "failed to save record of task %s", rec.Task)
}

// InvalidateRecord drops the last-success record of a task so its next run
// rebuilds it whatever its inputs look like.
func (rs *RunService) InvalidateRecord(task string) error {
	err := rs.withTx("InvalidateRecord", func(tx storage.Store) error {
		return tx.DeleteTaskRecord(task)
	})
	return errors.Wrapf(err, "failed to delete record of task %s", task)
}

// Records returns the last-success records of the named tasks. Tasks without
// a record are absent from the map.
func (rs *RunService) Records(names []string) (map[string]*models.TaskRecord, error) {
	records := make(map[string]*models.TaskRecord, len(names))
	for _, name := range names {
		rec, err := rs.store.GetTaskRecord(name)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load record of task %s", name)
		}
		records[name] = &rec
	}
	return records, nil
}

// GetRun returns a run with its task results.
func (rs *RunService) GetRun(id string) (models.Run, error) {
	return rs.store.GetRun(id)
}

// ListRuns returns up to limit runs, newest first.
func (rs *RunService) ListRuns(limit int) ([]models.Run, error) {
	runs, err := rs.store.ListRuns(limit)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })
	return runs, nil
}
