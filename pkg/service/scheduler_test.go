package service_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ignatij/gobuild/internal/testutil"
	"github.com/ignatij/gobuild/pkg/artifact"
	"github.com/ignatij/gobuild/pkg/graph"
	"github.com/ignatij/gobuild/pkg/models"
	"github.com/ignatij/gobuild/pkg/service"
	"github.com/ignatij/gobuild/pkg/storage"
	"github.com/ignatij/gobuild/pkg/transform"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_Run(t *testing.T) {
	ctx := context.Background()

	t.Run("DependenciesRunFirst", func(t *testing.T) {
		p := newProject(t)
		run, err := p.scheduler().Run(ctx, service.RunRequest{Targets: []string{"html"}})
		require.NoError(t, err)

		assert.Equal(t, models.SucceededRunStatus, run.Status)
		assert.NoError(t, run.Err())
		assert.Equal(t, []string{"css", "html", "js"}, run.Tasks)
		invoked := p.takeInvoked()
		require.Len(t, invoked, 3)
		assert.ElementsMatch(t, []string{"css", "js"}, invoked[:2])
		assert.Equal(t, "html", invoked[2])
		for _, res := range run.Results {
			assert.Equal(t, models.SucceededTaskStatus, res.Status, res.Task)
			assert.True(t, res.Invoked)
		}
		assert.Equal(t, "never run", mustResult(t, run, "css").Reason)
		assert.Equal(t, "dependency css was rebuilt", mustResult(t, run, "html").Reason)
		assert.Equal(t, []string{"dist/html/html.out"}, mustResult(t, run, "html").Outputs)
	})

	t.Run("OnlyTargetClosureRuns", func(t *testing.T) {
		p := newProject(t)
		run, err := p.scheduler().Run(ctx, service.RunRequest{Targets: []string{"js"}})
		require.NoError(t, err)
		assert.Equal(t, []string{"js"}, run.Tasks)
		assert.Equal(t, []string{"js"}, p.takeInvoked())
	})

	t.Run("FailureIsContained", func(t *testing.T) {
		p := newProject(t)
		p.hook("js", func(context.Context) error { return errors.New("syntax error in app.js") })

		run, err := p.scheduler().Run(ctx, service.RunRequest{Targets: []string{"html"}})
		require.NoError(t, err)

		assert.Equal(t, models.FailedRunStatus, run.Status)
		assert.Equal(t, map[string]models.TaskStatus{
			"css":  models.SucceededTaskStatus,
			"js":   models.FailedTaskStatus,
			"html": models.FailedTaskStatus,
		}, statuses(run))
		assert.ElementsMatch(t, []string{"css", "js"}, p.takeInvoked(), "html is never invoked")
		assert.Equal(t, []string{"html", "js"}, run.Failed())

		js := mustResult(t, run, "js")
		assert.ErrorIs(t, js.Err, service.ErrTransformFailure)
		assert.Equal(t, "transform failed: syntax error in app.js", js.ErrorMsg)
		html := mustResult(t, run, "html")
		assert.ErrorIs(t, html.Err, service.ErrDependencyFailed)
		assert.False(t, html.Invoked)

		assert.ErrorIs(t, run.Err(), service.ErrTransformFailure)
		assert.Contains(t, run.Err().Error(), "syntax error in app.js")
	})

	t.Run("SecondRunSkipsEverything", func(t *testing.T) {
		p := newProject(t)
		sched := p.scheduler()
		_, err := sched.Run(ctx, service.RunRequest{Targets: []string{"html"}})
		require.NoError(t, err)
		p.takeInvoked()

		run, err := sched.Run(ctx, service.RunRequest{Targets: []string{"html"}})
		require.NoError(t, err)
		assert.Equal(t, models.SucceededRunStatus, run.Status)
		assert.Empty(t, p.takeInvoked())
		for _, res := range run.Results {
			assert.Equal(t, models.SkippedTaskStatus, res.Status, res.Task)
			assert.Equal(t, "up to date", res.Reason)
		}
	})

	t.Run("ChangedInputRebuildsDependents", func(t *testing.T) {
		p := newProject(t)
		sched := p.scheduler()
		_, err := sched.Run(ctx, service.RunRequest{Targets: []string{"html"}})
		require.NoError(t, err)
		p.takeInvoked()

		testutil.Touch(t, p.fs, "src/js/app.js", time.Now().Add(time.Hour))
		run, err := sched.Run(ctx, service.RunRequest{Targets: []string{"html"}})
		require.NoError(t, err)

		assert.Equal(t, []string{"js", "html"}, p.takeInvoked())
		assert.Equal(t, map[string]models.TaskStatus{
			"css":  models.SkippedTaskStatus,
			"js":   models.SucceededTaskStatus,
			"html": models.SucceededTaskStatus,
		}, statuses(run))
		assert.Equal(t, "input src/js/app.js is newer than outputs", mustResult(t, run, "js").Reason)
		assert.Equal(t, "dependency js was rebuilt", mustResult(t, run, "html").Reason)
	})

	t.Run("NewInputRebuilds", func(t *testing.T) {
		p := newProject(t)
		sched := p.scheduler()
		_, err := sched.Run(ctx, service.RunRequest{Targets: []string{"css"}})
		require.NoError(t, err)
		p.takeInvoked()

		// older than the output, but it changes the input set
		testutil.WriteFile(t, p.fs, "src/scss/extra.scss", "x", testutil.BaseTime)
		run, err := sched.Run(ctx, service.RunRequest{Targets: []string{"css"}})
		require.NoError(t, err)
		assert.Equal(t, []string{"css"}, p.takeInvoked())
		assert.Equal(t, "task definition or input set changed", mustResult(t, run, "css").Reason)
	})

	t.Run("DeletedOutputRebuilds", func(t *testing.T) {
		p := newProject(t)
		sched := p.scheduler()
		_, err := sched.Run(ctx, service.RunRequest{Targets: []string{"html"}})
		require.NoError(t, err)
		p.takeInvoked()

		require.NoError(t, p.fs.Remove("dist/css/css.out"))
		_, err = sched.Run(ctx, service.RunRequest{Targets: []string{"html"}})
		require.NoError(t, err)
		assert.Equal(t, []string{"css", "html"}, p.takeInvoked())
	})

	t.Run("Force", func(t *testing.T) {
		p := newProject(t)
		sched := p.scheduler()
		_, err := sched.Run(ctx, service.RunRequest{Targets: []string{"html"}})
		require.NoError(t, err)
		p.takeInvoked()

		run, err := sched.Run(ctx, service.RunRequest{Targets: []string{"html"}, Force: []string{"css"}})
		require.NoError(t, err)
		assert.Equal(t, []string{"css", "html"}, p.takeInvoked())
		assert.Equal(t, "forced", mustResult(t, run, "css").Reason)
	})

	t.Run("FailedTaskRunsAgain", func(t *testing.T) {
		p := newProject(t)
		sched := p.scheduler()
		p.hook("js", func(context.Context) error { return errors.New("boom") })
		_, err := sched.Run(ctx, service.RunRequest{Targets: []string{"html"}})
		require.NoError(t, err)
		p.takeInvoked()

		p.hook("js", nil)
		run, err := sched.Run(ctx, service.RunRequest{Targets: []string{"html"}})
		require.NoError(t, err)
		assert.Equal(t, models.SucceededRunStatus, run.Status)
		assert.Equal(t, []string{"js", "html"}, p.takeInvoked())
		assert.Equal(t, models.SkippedTaskStatus, mustResult(t, run, "css").Status)
	})

	t.Run("FailedDependentRebuildsAfterDependency", func(t *testing.T) {
		p := newProject(t)
		sched := p.scheduler()
		_, err := sched.Run(ctx, service.RunRequest{Targets: []string{"html"}})
		require.NoError(t, err)
		p.takeInvoked()

		testutil.Touch(t, p.fs, "dist/css/css.out", testutil.BaseTime.Add(-time.Hour))
		p.hook("html", func(context.Context) error { return errors.New("boom") })
		run, err := sched.Run(ctx, service.RunRequest{Targets: []string{"html"}})
		require.NoError(t, err)
		assert.Equal(t, []string{"css", "html"}, p.takeInvoked())
		assert.Equal(t, models.FailedTaskStatus, mustResult(t, run, "html").Status)

		p.hook("html", nil)
		run, err = sched.Run(ctx, service.RunRequest{Targets: []string{"html"}})
		require.NoError(t, err)
		assert.Equal(t, []string{"html"}, p.takeInvoked())
		assert.Equal(t, map[string]models.TaskStatus{
			"css":  models.SkippedTaskStatus,
			"js":   models.SkippedTaskStatus,
			"html": models.SucceededTaskStatus,
		}, statuses(run))
		assert.Equal(t, "never run", mustResult(t, run, "html").Reason)
	})

	t.Run("CanceledDependentRebuildsAfterDependency", func(t *testing.T) {
		p := newProject(t)
		sched := p.scheduler()
		_, err := sched.Run(ctx, service.RunRequest{Targets: []string{"html"}})
		require.NoError(t, err)
		p.takeInvoked()

		testutil.Touch(t, p.fs, "dist/css/css.out", testutil.BaseTime.Add(-time.Hour))
		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		p.hook("css", func(context.Context) error {
			cancel()
			return nil
		})
		run, err := sched.Run(runCtx, service.RunRequest{Targets: []string{"html"}})
		require.NoError(t, err)
		assert.Equal(t, []string{"css"}, p.takeInvoked())
		assert.Equal(t, models.SucceededTaskStatus, mustResult(t, run, "css").Status)
		assert.Equal(t, models.CanceledTaskStatus, mustResult(t, run, "html").Status)

		p.hook("css", nil)
		run, err = sched.Run(ctx, service.RunRequest{Targets: []string{"html"}})
		require.NoError(t, err)
		assert.Equal(t, []string{"html"}, p.takeInvoked())
		assert.Equal(t, models.SucceededRunStatus, run.Status)
		assert.Equal(t, "never run", mustResult(t, run, "html").Reason)
	})

	t.Run("PanicIsContained", func(t *testing.T) {
		p := newProject(t)
		p.hook("css", func(context.Context) error { panic("nil map") })

		run, err := p.scheduler().Run(ctx, service.RunRequest{Targets: []string{"html"}})
		require.NoError(t, err)
		css := mustResult(t, run, "css")
		assert.Equal(t, models.FailedTaskStatus, css.Status)
		assert.ErrorIs(t, css.Err, service.ErrTransformFailure)
		assert.Contains(t, css.ErrorMsg, "panic: nil map")
		assert.Equal(t, models.SucceededTaskStatus, mustResult(t, run, "js").Status)
	})

	t.Run("Timeout", func(t *testing.T) {
		p := newProject(t)
		task, ok := p.graph.Task("js")
		require.True(t, ok)
		task.Timeout = 20 * time.Millisecond
		p.hook("js", func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})

		run, err := p.scheduler().Run(ctx, service.RunRequest{Targets: []string{"js"}})
		require.NoError(t, err)
		js := mustResult(t, run, "js")
		assert.Equal(t, models.FailedTaskStatus, js.Status)
		assert.ErrorIs(t, js.Err, context.DeadlineExceeded)
		assert.Equal(t, models.FailedRunStatus, run.Status)
	})

	t.Run("Cancellation", func(t *testing.T) {
		p := newProject(t)
		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		p.hook("css", func(ctx context.Context) error {
			cancel()
			<-ctx.Done()
			return ctx.Err()
		})

		run, err := p.scheduler(service.WithWorkers(1)).Run(runCtx, service.RunRequest{Targets: []string{"html"}})
		require.NoError(t, err)

		assert.Equal(t, models.CanceledRunStatus, run.Status)
		assert.Equal(t, []string{"css"}, p.takeInvoked(), "nothing starts after cancellation")
		assert.Equal(t, map[string]models.TaskStatus{
			"css":  models.CanceledTaskStatus,
			"js":   models.CanceledTaskStatus,
			"html": models.CanceledTaskStatus,
		}, statuses(run))
		assert.True(t, mustResult(t, run, "css").Invoked)
		assert.False(t, mustResult(t, run, "js").Invoked)
	})

	t.Run("UnknownTarget", func(t *testing.T) {
		p := newProject(t)
		run, err := p.scheduler().Run(ctx, service.RunRequest{Targets: []string{"fonts"}})
		assert.ErrorIs(t, err, graph.ErrUnknownTask)
		assert.Nil(t, run)
		assert.Empty(t, p.takeInvoked())

		runs, err := p.runs.ListRuns(0)
		require.NoError(t, err)
		assert.Empty(t, runs)
	})

	t.Run("HistoryIsPersisted", func(t *testing.T) {
		p := newProject(t)
		p.hook("js", func(context.Context) error { return errors.New("boom") })
		run, err := p.scheduler().Run(ctx, service.RunRequest{Targets: []string{"html"}})
		require.NoError(t, err)

		saved, err := p.runs.GetRun(run.ID)
		require.NoError(t, err)
		assert.Equal(t, models.FailedRunStatus, saved.Status)
		assert.NotNil(t, saved.FinishedAt)
		assert.Equal(t, statuses(run), statuses(&saved))
		assert.EqualError(t, saved.Err(), run.Err().Error())

		_, err = p.store.GetTaskRecord("css")
		assert.NoError(t, err)
		_, err = p.store.GetTaskRecord("js")
		assert.ErrorIs(t, err, storage.ErrNotFound, "failures leave no record")
	})
}

func TestScheduler_WorkerBound(t *testing.T) {
	fs := testutil.NewFs(t)
	g := graph.New()
	var running, peak atomic.Int32
	for _, name := range []string{"a", "b", "c", "d", "e", "f"} {
		require.NoError(t, g.AddTask(&models.Task{
			Name:   name,
			Output: "out/" + name,
			Transform: transform.Func(func(ctx context.Context, inputs []string, outputDir string) (transform.Result, error) {
				n := running.Add(1)
				defer running.Add(-1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				return transform.Result{}, nil
			}),
		}))
	}
	require.NoError(t, g.Build())

	runs := service.NewRunService(storage.NewMemoryStore(), testLogger{})
	sched := service.NewScheduler(g, artifact.NewStore(fs), runs, testLogger{}, service.WithWorkers(2))
	run, err := sched.Run(context.Background(), service.RunRequest{Targets: g.Names()})
	require.NoError(t, err)

	assert.Equal(t, models.SucceededRunStatus, run.Status)
	assert.Len(t, run.Invoked(), 6)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, int32(2), peak.Load(), "independent tasks run in parallel")
}

func mustResult(t *testing.T, run *models.Run, task string) models.TaskResult {
	t.Helper()
	res, ok := run.Result(task)
	require.True(t, ok, "no result for %s", task)
	return res
}
