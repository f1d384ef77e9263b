package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/ignatij/gobuild/pkg/models"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopLogger struct{}

func (nopLogger) Debugf(format string, args ...interface{}) {}
func (nopLogger) Infof(format string, args ...interface{})  {}
func (nopLogger) Warnf(format string, args ...interface{})  {}

var siteTasks = []*models.Task{
	{Name: "css", Inputs: []string{"src/scss/**/*.scss"}},
	{Name: "js", Inputs: []string{"src/js/*.js", "./src/vendor/**/*.js"}},
	{Name: "lint", Inputs: []string{"src/js/*.js"}},
	{Name: "html", Inputs: []string{"src/html/*.html"}, Deps: []string{"css", "js"}},
}

func TestSubscriptions(t *testing.T) {
	subs := Subscriptions(siteTasks)
	assert.Equal(t, []Subscription{
		{Pattern: "src/html/*.html", Root: "src/html", Tasks: []string{"html"}},
		{Pattern: "src/js/*.js", Root: "src/js", Tasks: []string{"js", "lint"}},
		{Pattern: "src/scss/**/*.scss", Root: "src/scss", Tasks: []string{"css"}},
		{Pattern: "src/vendor/**/*.js", Root: "src/vendor", Tasks: []string{"js"}},
	}, subs)
}

func TestWatcher_Match(t *testing.T) {
	w, err := NewWatcher("/project", Subscriptions(siteTasks), nopLogger{})
	require.NoError(t, err)

	tests := []struct {
		path string
		want []string
	}{
		{"src/js/app.js", []string{"js", "lint"}},
		{"src/scss/partials/_vars.scss", []string{"css"}},
		{"src/scss/main.scss", []string{"css"}},
		{"src/vendor/jquery/jquery.js", []string{"js"}},
		{"src/js/lib/deep.js", nil},
		{"src/html/index.html", []string{"html"}},
		{"README.md", nil},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, w.Match(tt.path))
		})
	}
}

// recorder collects triggers.
type recorder struct {
	mu    sync.Mutex
	calls [][]string
	ch    chan []string
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan []string, 16)}
}

func (r *recorder) trigger(tasks []string) {
	r.mu.Lock()
	r.calls = append(r.calls, tasks)
	r.mu.Unlock()
	r.ch <- tasks
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *recorder) next(t *testing.T) []string {
	t.Helper()
	select {
	case tasks := <-r.ch:
		return tasks
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a trigger")
		return nil
	}
}

type loopHarness struct {
	events chan fsnotify.Event
	errs   chan error
	rec    *recorder
	cancel context.CancelFunc
	done   chan error
}

func startLoop(t *testing.T, debounce time.Duration, addDir func(string)) *loopHarness {
	t.Helper()
	w, err := NewWatcher("/project", Subscriptions(siteTasks), nopLogger{}, WithDebounce(debounce))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	h := &loopHarness{
		events: make(chan fsnotify.Event),
		errs:   make(chan error),
		rec:    newRecorder(),
		cancel: cancel,
		done:   make(chan error, 1),
	}
	go func() { h.done <- w.loop(ctx, h.events, h.errs, h.rec.trigger, addDir) }()
	t.Cleanup(func() {
		cancel()
		<-h.done
	})
	return h
}

func (h *loopHarness) send(name string, op fsnotify.Op) {
	h.events <- fsnotify.Event{Name: filepath.FromSlash("/project/" + name), Op: op}
}

func TestWatcher_DebounceCoalescesBurst(t *testing.T) {
	h := startLoop(t, 50*time.Millisecond, nil)

	for i := 0; i < 5; i++ {
		h.send("src/js/app.js", fsnotify.Write)
		time.Sleep(5 * time.Millisecond)
	}
	h.send("src/scss/main.scss", fsnotify.Write)

	assert.Equal(t, []string{"css", "js", "lint"}, h.rec.next(t))
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, h.rec.count(), "one burst, one trigger")

	// the pending set was cleared
	h.send("src/html/index.html", fsnotify.Create)
	assert.Equal(t, []string{"html"}, h.rec.next(t))
}

func TestWatcher_IgnoredEvents(t *testing.T) {
	h := startLoop(t, 20*time.Millisecond, nil)

	h.send("src/js/app.js", fsnotify.Chmod)
	h.send("README.md", fsnotify.Write)
	h.errs <- errors.New("queue overflow")
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, h.rec.count())

	h.send("src/js/app.js", fsnotify.Remove)
	assert.Equal(t, []string{"js", "lint"}, h.rec.next(t))
	h.send("src/scss/old.scss", fsnotify.Rename)
	assert.Equal(t, []string{"css"}, h.rec.next(t))
}

func TestWatcher_CreatedDirectoriesAreAdded(t *testing.T) {
	dir := t.TempDir()
	var mu sync.Mutex
	var added []string
	h := startLoop(t, 20*time.Millisecond, func(d string) {
		mu.Lock()
		defer mu.Unlock()
		added = append(added, d)
	})

	// only directories that exist are handed to addDir
	h.events <- fsnotify.Event{Name: dir, Op: fsnotify.Create}
	h.send("src/scss/missing", fsnotify.Create)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{dir}, added)
}

func TestWatcher_StopsOnCancel(t *testing.T) {
	w, err := NewWatcher("/project", nil, nopLogger{})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, w.loop(ctx, make(chan fsnotify.Event), make(chan error), func([]string) {}, nil))
}

func TestWatcher_ClosedEvents(t *testing.T) {
	w, err := NewWatcher("/project", nil, nopLogger{})
	require.NoError(t, err)
	events := make(chan fsnotify.Event)
	close(events)
	assert.Error(t, w.loop(context.Background(), events, nil, func([]string) {}, nil))
}

func TestWatcher_Run(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src", "scss", "partials"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src", "js"), 0o755))

	// src/html and src/vendor do not exist and are skipped
	w, err := NewWatcher(root, Subscriptions(siteTasks), nopLogger{}, WithDebounce(20*time.Millisecond))
	require.NoError(t, err)

	rec := newRecorder()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, rec.trigger) }()

	// give the watcher time to subscribe
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(root, "src", "scss", "partials", "_vars.scss"), []byte("$c: red;"), 0o644))
	assert.Equal(t, []string{"css"}, rec.next(t))

	require.NoError(t, os.WriteFile(filepath.Join(root, "src", "js", "app.js"), []byte("x"), 0o644))
	assert.Equal(t, []string{"js", "lint"}, rec.next(t))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestWatcher_Dirs(t *testing.T) {
	root := t.TempDir()
	for _, d := range []string{".git/objects", "dist/html", "src/html/partials", "src/.cache", "node_modules/x", "distant"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, filepath.FromSlash(d)), 0o755))
	}

	w, err := NewWatcher(root, nil, nopLogger{}, WithIgnore("./dist/", "node_modules", ".", "../elsewhere"))
	require.NoError(t, err)

	dirs, err := w.dirs(root)
	require.NoError(t, err)
	var rel []string
	for _, d := range dirs {
		r, err := filepath.Rel(root, d)
		require.NoError(t, err)
		rel = append(rel, filepath.ToSlash(r))
	}
	assert.ElementsMatch(t, []string{".", "distant", "src", "src/html", "src/html/partials"}, rel)

	// an explicitly subscribed root is walked even when hidden
	dirs, err = w.dirs(filepath.Join(root, ".git"))
	require.NoError(t, err)
	assert.Len(t, dirs, 2)

	assert.True(t, w.skipDir(filepath.Join(root, "dist", "html", "new")))
	assert.True(t, w.skipDir(filepath.Join(root, "src", ".tmp")))
	assert.False(t, w.skipDir(filepath.Join(root, "src", "html", "new")))
}

func TestSubscriptionError(t *testing.T) {
	err := error(&SubscriptionError{Pattern: "src/html/*.html", Root: "src/html", Err: os.ErrNotExist})
	assert.ErrorIs(t, err, ErrWatchSubscription)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Contains(t, err.Error(), "src/html/*.html")
}
