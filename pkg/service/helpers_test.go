package service_test

import (
	"context"
	"path"
	"sync"
	"testing"

	"github.com/ignatij/gobuild/internal/testutil"
	"github.com/ignatij/gobuild/pkg/artifact"
	"github.com/ignatij/gobuild/pkg/graph"
	"github.com/ignatij/gobuild/pkg/models"
	"github.com/ignatij/gobuild/pkg/service"
	"github.com/ignatij/gobuild/pkg/storage"
	"github.com/ignatij/gobuild/pkg/transform"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

// testLogger implements Logger interface for testing
type testLogger struct{}

func (testLogger) Debugf(format string, args ...interface{}) {}
func (testLogger) Infof(format string, args ...interface{})  {}
func (testLogger) Warnf(format string, args ...interface{})  {}
func (testLogger) Errorf(format string, args ...interface{}) {}

// project is a small site build: css and js are independent, html needs both.
type project struct {
	fs    afero.Fs
	graph *graph.Graph
	store storage.Store
	runs  *service.RunService

	mu      sync.Mutex
	invoked []string
	hooks   map[string]func(ctx context.Context) error
}

func newProject(t *testing.T) *project {
	t.Helper()
	p := &project{
		fs:    testutil.NewFs(t),
		graph: graph.New(),
		store: storage.NewMemoryStore(),
		hooks: make(map[string]func(ctx context.Context) error),
	}
	p.runs = service.NewRunService(p.store, testLogger{})

	for _, f := range []string{"src/scss/main.scss", "src/scss/partials/_vars.scss", "src/js/app.js", "src/js/util.js", "src/html/index.html"} {
		testutil.WriteFile(t, p.fs, f, f, testutil.BaseTime)
	}

	p.add(t, "css", []string{"src/scss/**/*.scss"}, "dist/css")
	p.add(t, "js", []string{"src/js/*.js"}, "dist/js")
	p.add(t, "html", []string{"src/html/*.html"}, "dist/html", "css", "js")
	require.NoError(t, p.graph.Build())
	return p
}

func (p *project) add(t *testing.T, name string, inputs []string, output string, deps ...string) {
	t.Helper()
	task := &models.Task{
		Name:          name,
		Inputs:        inputs,
		Output:        output,
		Deps:          deps,
		TransformName: "test",
		Transform:     p.transform(name),
	}
	require.NoError(t, p.graph.AddTask(task))
}

// transform records the call, runs the task's hook and writes one output file.
func (p *project) transform(name string) transform.Transform {
	return transform.Func(func(ctx context.Context, inputs []string, outputDir string) (transform.Result, error) {
		p.mu.Lock()
		p.invoked = append(p.invoked, name)
		hook := p.hooks[name]
		p.mu.Unlock()

		if hook != nil {
			if err := hook(ctx); err != nil {
				return transform.Result{}, err
			}
		}
		out := path.Join(outputDir, name+".out")
		if err := p.fs.MkdirAll(outputDir, 0o755); err != nil {
			return transform.Result{}, err
		}
		if err := afero.WriteFile(p.fs, out, []byte(name), 0o644); err != nil {
			return transform.Result{}, err
		}
		return transform.Result{Produced: []string{out}}, nil
	})
}

func (p *project) hook(name string, fn func(ctx context.Context) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hooks[name] = fn
}

func (p *project) takeInvoked() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.invoked
	p.invoked = nil
	return out
}

func (p *project) scheduler(opts ...service.SchedulerOption) *service.Scheduler {
	return service.NewScheduler(p.graph, artifact.NewStore(p.fs), p.runs, testLogger{}, opts...)
}

func statuses(run *models.Run) map[string]models.TaskStatus {
	out := make(map[string]models.TaskStatus, len(run.Results))
	for _, res := range run.Results {
		out[res.Task] = res.Status
	}
	return out
}
