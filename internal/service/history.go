package service

import (
	"github.com/google/uuid"
	"github.com/ignatij/gobuild/internal/log"
	"github.com/ignatij/gobuild/pkg/models"
	"github.com/ignatij/gobuild/pkg/storage"
	"github.com/pkg/errors"
)

// MaxListLimit caps how many runs one listing returns.
const MaxListLimit = 500

var ErrInvalidRunID = errors.New("invalid run id")

// HistoryService answers questions about past runs for the CLI and the
// status server.
type HistoryService struct {
	store storage.Store
}

func NewHistoryService(store storage.Store) *HistoryService {
	return &HistoryService{store: store}
}

// ListRuns returns up to limit runs, newest first. A non-positive limit or
// one above MaxListLimit is clamped to MaxListLimit.
func (s *HistoryService) ListRuns(limit int) ([]models.Run, error) {
	if limit <= 0 || limit > MaxListLimit {
		limit = MaxListLimit
	}
	runs, err := s.store.ListRuns(limit)
	if err != nil {
		log.GetLogger().Errorf("Failed to list runs: %v", err)
		return nil, errors.Wrap(err, "failed to list runs")
	}
	return runs, nil
}

// GetRun returns a run with its task results.
func (s *HistoryService) GetRun(id string) (models.Run, error) {
	if _, err := uuid.Parse(id); err != nil {
		return models.Run{}, errors.Wrapf(ErrInvalidRunID, "%q", id)
	}
	run, err := s.store.GetRun(id)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.GetLogger().Errorf("Failed to get run %s: %v", id, err)
		}
		return models.Run{}, err
	}
	return run, nil
}

// LastRun returns the most recent run, or nil when nothing ran yet.
func (s *HistoryService) LastRun() (*models.Run, error) {
	runs, err := s.ListRuns(1)
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	run, err := s.store.GetRun(runs[0].ID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load run %s", runs[0].ID)
	}
	return &run, nil
}
