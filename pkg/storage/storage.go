package storage

import (
	"github.com/ignatij/gobuild/pkg/models"
	"github.com/pkg/errors"
)

var ErrNotFound = errors.New("not found")

// DefaultRetention is how many runs a store keeps unless told otherwise.
const DefaultRetention = 100

// Store persists run history and the last-success record of every task.
// Writes go through a transaction obtained from Begin.
type Store interface {
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Run operations
	SaveRun(run models.Run) error // drops the oldest runs beyond the store's retention
	UpdateRun(run models.Run) error
	GetRun(id string) (models.Run, error)
	ListRuns(limit int) ([]models.Run, error) // newest first; limit <= 0 means all

	// Task result operations
	SaveTaskResult(runID string, res models.TaskResult) error

	// Task record operations
	SaveTaskRecord(rec models.TaskRecord) error
	GetTaskRecord(task string) (models.TaskRecord, error)
	ListTaskRecords() ([]models.TaskRecord, error)
	DeleteTaskRecord(task string) error // a missing record is not an error
}
