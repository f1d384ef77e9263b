// Package watch turns filesystem events into task triggers. Every input glob
// of every task becomes a subscription; matching events are coalesced over a
// debounce window and handed over as one set of task names.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/ignatij/gobuild/pkg/artifact"
	"github.com/ignatij/gobuild/pkg/models"
	"github.com/pkg/errors"
)

// DefaultDebounce is how long the watcher waits for quiet before triggering.
const DefaultDebounce = 200 * time.Millisecond

// ErrWatchSubscription is matched by every SubscriptionError.
var ErrWatchSubscription = errors.New("watch subscription failed")

// SubscriptionError reports a glob whose directory could not be watched.
type SubscriptionError struct {
	Pattern string
	Root    string
	Err     error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("%v: %s (root %s): %v", ErrWatchSubscription, e.Pattern, e.Root, e.Err)
}

func (e *SubscriptionError) Unwrap() []error { return []error{ErrWatchSubscription, e.Err} }

// Logger is the logging the watcher needs.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
}

// Subscription maps one input glob to the tasks that read it.
type Subscription struct {
	Pattern string   // normalized glob, relative to the project root
	Root    string   // static directory prefix of Pattern
	Tasks   []string // sorted
}

// Subscriptions builds the subscription table for tasks, one entry per
// distinct pattern, sorted by pattern.
func Subscriptions(tasks []*models.Task) []Subscription {
	byPattern := make(map[string]map[string]struct{})
	for _, task := range tasks {
		for _, in := range task.Inputs {
			p := artifact.Normalize(in)
			if byPattern[p] == nil {
				byPattern[p] = make(map[string]struct{})
			}
			byPattern[p][task.Name] = struct{}{}
		}
	}

	subs := make([]Subscription, 0, len(byPattern))
	for p, names := range byPattern {
		root, _ := doublestar.SplitPattern(p)
		sub := Subscription{Pattern: p, Root: root}
		for n := range names {
			sub.Tasks = append(sub.Tasks, n)
		}
		sort.Strings(sub.Tasks)
		subs = append(subs, sub)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].Pattern < subs[j].Pattern })
	return subs
}

// Watcher watches the roots of its subscriptions. Hidden directories and
// ignored directories below a root are not watched.
type Watcher struct {
	root     string
	subs     []Subscription
	logger   Logger
	debounce time.Duration
	ignore   []string // absolute
}

type Option func(*Watcher)

// WithDebounce sets the quiet period before pending triggers fire.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithIgnore excludes directories, relative to the project root, from
// watching. Task outputs belong here so that writing them does not trigger
// another build. Paths at or above the root are dropped.
func WithIgnore(dirs ...string) Option {
	return func(w *Watcher) {
		for _, d := range dirs {
			d = artifact.Normalize(d)
			if d == "." || d == ".." || strings.HasPrefix(d, "../") || strings.HasPrefix(d, "/") {
				continue
			}
			w.ignore = append(w.ignore, filepath.Join(w.root, filepath.FromSlash(d)))
		}
	}
}

// NewWatcher returns a watcher for subs; root is the project root the
// subscription patterns are relative to.
func NewWatcher(root string, subs []Subscription, logger Logger, opts ...Option) (*Watcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving project root %s", root)
	}
	w := &Watcher{root: abs, subs: subs, logger: logger, debounce: DefaultDebounce}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// skipDir reports whether the directory p is left out when walking a root.
func (w *Watcher) skipDir(p string) bool {
	if strings.HasPrefix(filepath.Base(p), ".") {
		return true
	}
	for _, ig := range w.ignore {
		if p == ig || strings.HasPrefix(p, ig+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// dirs lists dir and the directories below it that are watched.
func (w *Watcher) dirs(dir string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != dir && w.skipDir(p) {
			return filepath.SkipDir
		}
		out = append(out, p)
		return nil
	})
	return out, err
}

// Match returns the sorted tasks subscribed to the root relative path p.
func (w *Watcher) Match(p string) []string {
	p = artifact.Normalize(p)
	set := make(map[string]struct{})
	for _, sub := range w.subs {
		if ok, _ := doublestar.Match(sub.Pattern, p); ok {
			for _, t := range sub.Tasks {
				set[t] = struct{}{}
			}
		}
	}
	if len(set) == 0 {
		return nil
	}
	tasks := make([]string, 0, len(set))
	for t := range set {
		tasks = append(tasks, t)
	}
	sort.Strings(tasks)
	return tasks
}

// Run subscribes to every root and calls trigger with the tasks affected by
// each burst of changes until ctx is done. Roots that cannot be watched are
// logged and skipped.
func (w *Watcher) Run(ctx context.Context, trigger func(tasks []string)) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "creating filesystem watcher")
	}
	defer fsw.Close()

	watched := make(map[string]struct{})
	addTree := func(dir string) error {
		dirs, err := w.dirs(dir)
		if err != nil {
			return err
		}
		for _, p := range dirs {
			if _, ok := watched[p]; ok {
				continue
			}
			if err := fsw.Add(p); err != nil {
				return err
			}
			watched[p] = struct{}{}
		}
		return nil
	}

	active := 0
	for _, sub := range w.subs {
		dir := filepath.Join(w.root, filepath.FromSlash(sub.Root))
		if err := addTree(dir); err != nil {
			serr := &SubscriptionError{Pattern: sub.Pattern, Root: sub.Root, Err: err}
			w.logger.Warnf("Skipping subscription: %v", serr)
			continue
		}
		active++
	}
	w.logger.Infof("Watching %d of %d patterns (%d directories)", active, len(w.subs), len(watched))

	return w.loop(ctx, fsw.Events, fsw.Errors, trigger, func(dir string) {
		if w.skipDir(dir) {
			return
		}
		if err := addTree(dir); err != nil {
			w.logger.Warnf("Cannot watch new directory %s: %v", dir, err)
		}
	})
}

// loop coalesces events into triggers. addDir is called for every created
// directory.
func (w *Watcher) loop(ctx context.Context, events <-chan fsnotify.Event, errs <-chan error, trigger func([]string), addDir func(string)) error {
	pending := make(map[string]struct{})
	timer := time.NewTimer(w.debounce)
	stopTimer := func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
	stopTimer()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			w.logger.Warnf("Filesystem watcher error: %v", err)

		case ev, ok := <-events:
			if !ok {
				return errors.New("filesystem watcher closed")
			}
			if !ev.Has(fsnotify.Create | fsnotify.Write | fsnotify.Remove | fsnotify.Rename) {
				continue
			}
			if ev.Has(fsnotify.Create) && addDir != nil {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					addDir(ev.Name)
				}
			}
			rel, err := filepath.Rel(w.root, ev.Name)
			if err != nil {
				continue
			}
			tasks := w.Match(filepath.ToSlash(rel))
			if len(tasks) == 0 {
				continue
			}
			w.logger.Debugf("%s %s affects %v", ev.Op, rel, tasks)
			for _, t := range tasks {
				pending[t] = struct{}{}
			}
			stopTimer()
			timer.Reset(w.debounce)

		case <-timer.C:
			if len(pending) == 0 {
				continue
			}
			tasks := make([]string, 0, len(pending))
			for t := range pending {
				tasks = append(tasks, t)
			}
			sort.Strings(tasks)
			pending = make(map[string]struct{})
			trigger(tasks)
		}
	}
}
