package storage

import (
	"sort"
	"sync"

	"github.com/ignatij/gobuild/pkg/models"
	"github.com/pkg/errors"
)

// state is the whole content of a memory or file store.
type state struct {
	Runs    []models.Run                 `json:"runs"`
	Records map[string]models.TaskRecord `json:"records"`
}

func newState() *state {
	return &state{Records: make(map[string]models.TaskRecord)}
}

func (s *state) clone() *state {
	c := &state{
		Runs:    make([]models.Run, len(s.Runs)),
		Records: make(map[string]models.TaskRecord, len(s.Records)),
	}
	for i, r := range s.Runs {
		c.Runs[i] = cloneRun(r)
	}
	for k, v := range s.Records {
		v.Outputs = append([]string(nil), v.Outputs...)
		c.Records[k] = v
	}
	return c
}

func cloneRun(r models.Run) models.Run {
	r.Targets = append([]string(nil), r.Targets...)
	r.Tasks = append([]string(nil), r.Tasks...)
	r.Results = append([]models.TaskResult(nil), r.Results...)
	return r
}

// trim keeps the keep most recently started runs. keep <= 0 keeps all.
func (s *state) trim(keep int) {
	if keep <= 0 || len(s.Runs) <= keep {
		return
	}
	sort.SliceStable(s.Runs, func(i, j int) bool { return s.Runs[i].StartedAt.Before(s.Runs[j].StartedAt) })
	s.Runs = append([]models.Run(nil), s.Runs[len(s.Runs)-keep:]...)
}

func (s *state) runIndex(id string) int {
	for i, r := range s.Runs {
		if r.ID == id {
			return i
		}
	}
	return -1
}

// memoryStore keeps everything in process memory. A transaction records its
// writes against a private view and replays them onto the committed state on
// Commit, so concurrent transactions never overwrite each other.
type memoryStore struct {
	mu        *sync.Mutex
	committed **state
	onCommit  func(*state) error
	retention int

	view *state // nil outside a transaction
	ops  []func(*state) error
	done bool
}

// Option configures a memory or file store.
type Option func(*memoryStore)

// WithRetention sets how many runs are kept; older runs are dropped when a
// new one is saved. n <= 0 keeps every run.
func WithRetention(n int) Option {
	return func(m *memoryStore) { m.retention = n }
}

func newMemoryStore(s *state, opts []Option) *memoryStore {
	m := &memoryStore{mu: &sync.Mutex{}, committed: &s, retention: DefaultRetention}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewMemoryStore returns an empty store that lives as long as the process.
func NewMemoryStore(opts ...Option) Store {
	return newMemoryStore(newState(), opts)
}

func (m *memoryStore) Begin() (Store, error) {
	if m.view != nil {
		return nil, errors.New("transaction already started")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return &memoryStore{
		mu:        m.mu,
		committed: m.committed,
		onCommit:  m.onCommit,
		retention: m.retention,
		view:      (*m.committed).clone(),
	}, nil
}

func (m *memoryStore) Commit() error {
	if m.view == nil {
		return errors.New("cannot commit: not a transaction")
	}
	if m.done {
		return errors.New("transaction already finished")
	}
	m.done = true
	return m.apply(m.ops...)
}

func (m *memoryStore) Rollback() error {
	if m.view == nil {
		return errors.New("cannot rollback: not a transaction")
	}
	if m.done {
		return errors.New("transaction already finished")
	}
	m.done = true
	return nil
}

func (m *memoryStore) Close() error {
	return nil
}

// apply runs ops against a copy of the committed state and swaps it in when
// all of them, and the commit hook, succeed.
func (m *memoryStore) apply(ops ...func(*state) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := (*m.committed).clone()
	for _, op := range ops {
		if err := op(next); err != nil {
			return err
		}
	}
	if m.onCommit != nil {
		if err := m.onCommit(next); err != nil {
			return err
		}
	}
	*m.committed = next
	return nil
}

// write applies op inside the transaction, or directly to the committed state
// when called outside one.
func (m *memoryStore) write(op func(*state) error) error {
	if m.view == nil {
		return m.apply(op)
	}
	if m.done {
		return errors.New("transaction already finished")
	}
	if err := op(m.view); err != nil {
		return err
	}
	m.ops = append(m.ops, op)
	return nil
}

func (m *memoryStore) read(fn func(*state)) {
	if m.view != nil {
		fn(m.view)
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(*m.committed)
}

func (m *memoryStore) SaveRun(run models.Run) error {
	retention := m.retention
	return m.write(func(s *state) error {
		if s.runIndex(run.ID) >= 0 {
			return errors.Errorf("run %s already exists", run.ID)
		}
		s.Runs = append(s.Runs, cloneRun(run))
		s.trim(retention)
		return nil
	})
}

func (m *memoryStore) UpdateRun(run models.Run) error {
	return m.write(func(s *state) error {
		i := s.runIndex(run.ID)
		if i < 0 {
			return errors.Wrapf(ErrNotFound, "run %s", run.ID)
		}
		// results are appended through SaveTaskResult
		results := s.Runs[i].Results
		s.Runs[i] = cloneRun(run)
		s.Runs[i].Results = results
		return nil
	})
}

func (m *memoryStore) GetRun(id string) (models.Run, error) {
	var (
		run   models.Run
		found bool
	)
	m.read(func(s *state) {
		if i := s.runIndex(id); i >= 0 {
			run, found = cloneRun(s.Runs[i]), true
		}
	})
	if !found {
		return models.Run{}, errors.Wrapf(ErrNotFound, "run %s", id)
	}
	return run, nil
}

func (m *memoryStore) ListRuns(limit int) ([]models.Run, error) {
	runs := []models.Run{}
	m.read(func(s *state) {
		for _, r := range s.Runs {
			r = cloneRun(r)
			r.Results = nil
			runs = append(runs, r)
		}
	})
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (m *memoryStore) SaveTaskResult(runID string, res models.TaskResult) error {
	res.Err = nil
	return m.write(func(s *state) error {
		i := s.runIndex(runID)
		if i < 0 {
			return errors.Wrapf(ErrNotFound, "run %s", runID)
		}
		for _, existing := range s.Runs[i].Results {
			if existing.Task == res.Task {
				return errors.Errorf("result for task %s already saved in run %s", res.Task, runID)
			}
		}
		s.Runs[i].Results = append(s.Runs[i].Results, res)
		return nil
	})
}

func (m *memoryStore) SaveTaskRecord(rec models.TaskRecord) error {
	rec.Outputs = append([]string(nil), rec.Outputs...)
	return m.write(func(s *state) error {
		s.Records[rec.Task] = rec
		return nil
	})
}

func (m *memoryStore) DeleteTaskRecord(task string) error {
	return m.write(func(s *state) error {
		delete(s.Records, task)
		return nil
	})
}

func (m *memoryStore) GetTaskRecord(task string) (models.TaskRecord, error) {
	var (
		rec   models.TaskRecord
		found bool
	)
	m.read(func(s *state) {
		rec, found = s.Records[task]
	})
	if !found {
		return models.TaskRecord{}, errors.Wrapf(ErrNotFound, "record for task %s", task)
	}
	rec.Outputs = append([]string(nil), rec.Outputs...)
	return rec, nil
}

func (m *memoryStore) ListTaskRecords() ([]models.TaskRecord, error) {
	var records []models.TaskRecord
	m.read(func(s *state) {
		for _, rec := range s.Records {
			rec.Outputs = append([]string(nil), rec.Outputs...)
			records = append(records, rec)
		}
	})
	sort.Slice(records, func(i, j int) bool { return records[i].Task < records[j].Task })
	return records, nil
}
