package rules

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/singleflight"

	"github.com/msageha/imewatch/internal/logging"
	"github.com/msageha/imewatch/internal/model"
)

// ApplyFunc installs a freshly loaded rule list and returns per-rule errors.
type ApplyFunc func(rules []model.Rule) []error

// ReloadResult describes one reload attempt.
type ReloadResult struct {
	Rules   int  `json:"rules"`
	Skipped int  `json:"skipped"`
	Changed bool `json:"changed"`
}

// Reloader loads the rule file and hands it to an ApplyFunc. Concurrent
// reload requests (file events, control socket) are coalesced.
type Reloader struct {
	path  string
	apply ApplyFunc
	log   *logging.Logger

	group singleflight.Group

	mu      sync.Mutex
	lastSum string

	debounce time.Duration
}

func NewReloader(path string, apply ApplyFunc, logger *logging.Logger) *Reloader {
	return &Reloader{
		path:     path,
		apply:    apply,
		log:      logger.With("rules"),
		debounce: 200 * time.Millisecond,
	}
}

func (r *Reloader) Path() string { return r.path }

// Reload re-reads the rule file. Unless force is set, an unchanged file is
// not recompiled.
func (r *Reloader) Reload(force bool) (ReloadResult, error) {
	v, err, _ := r.group.Do("reload", func() (any, error) {
		return r.reload(force)
	})
	if err != nil {
		return ReloadResult{}, err
	}
	return v.(ReloadResult), nil
}

func (r *Reloader) reload(force bool) (ReloadResult, error) {
	rules, sum, err := LoadFile(r.path)
	if err != nil {
		return ReloadResult{}, err
	}

	r.mu.Lock()
	unchanged := sum == r.lastSum
	r.mu.Unlock()
	if unchanged && !force {
		r.log.Debugf("rules unchanged (%s)", sum[:12])
		return ReloadResult{Rules: len(rules)}, nil
	}

	errs := r.apply(rules)
	for _, e := range errs {
		r.log.Warnf("skipped %v", e)
	}

	r.mu.Lock()
	r.lastSum = sum
	r.mu.Unlock()

	r.log.Infof("loaded %d rules from %s (%d skipped)", len(rules), r.path, len(errs))
	return ReloadResult{Rules: len(rules), Skipped: len(errs), Changed: true}, nil
}

// Watch reloads the rule file whenever it changes until ctx is done.
// The parent directory is watched so editor-style replace-by-rename works.
func (r *Reloader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	dir := filepath.Dir(r.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(r.path)

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			r.log.Debugf("fsnotify event=%s file=%s", event.Op, event.Name)
			if timer == nil {
				timer = time.NewTimer(r.debounce)
			} else {
				timer.Reset(r.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			if _, err := r.Reload(false); err != nil {
				r.log.Warnf("reload %s: %v", r.path, err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.log.Errorf("fsnotify error=%v", err)
		}
	}
}
