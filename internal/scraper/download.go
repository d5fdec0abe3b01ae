package scraper

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Chrome writes in-progress downloads as <name>.crdownload and renames on
// completion; the others cover Firefox and generic writers.
var defaultPartialSuffixes = []string{".crdownload", ".tmp", ".part"}

// WatchOptions configures a Watcher.
type WatchOptions struct {
	Pattern         string        // glob matched case-insensitively, default *.csv
	Interval        time.Duration // poll interval, default 500ms
	Timeout         time.Duration // default 30s
	PartialSuffixes []string
}

func (o WatchOptions) withDefaults() WatchOptions {
	if o.Pattern == "" {
		o.Pattern = "*.csv"
	}
	if o.Interval <= 0 {
		o.Interval = 500 * time.Millisecond
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.PartialSuffixes == nil {
		o.PartialSuffixes = defaultPartialSuffixes
	}
	return o
}

// Artifact is a downloaded file that stopped changing.
type Artifact struct {
	Name    string // file name as the browser saved it
	Path    string
	Size    int64
	ModTime time.Time
}

// Watcher waits for a finished download to appear in a directory.
type Watcher struct {
	dir    string
	opts   WatchOptions
	logger *zap.Logger
	used   atomic.Bool

	mu       sync.Mutex
	baseline map[string]observation
}

// NewWatcher returns a watcher for dir.
func NewWatcher(dir string, opts WatchOptions, logger *zap.Logger) *Watcher {
	return &Watcher{
		dir:    dir,
		opts:   opts.withDefaults(),
		logger: logger.Named("download"),
	}
}

type observation struct {
	size    int64
	modTime time.Time
}

// Mark records the matching files already in the directory. Await never
// returns a file that is still exactly as it was when Mark ran.
func (w *Watcher) Mark() {
	baseline := make(map[string]observation)
	entries, _ := os.ReadDir(w.dir)
	for _, e := range entries {
		if e.IsDir() || !w.matches(e.Name()) {
			continue
		}
		if info, err := e.Info(); err == nil {
			baseline[e.Name()] = observation{size: info.Size(), modTime: info.ModTime()}
		}
	}

	w.mu.Lock()
	w.baseline = baseline
	w.mu.Unlock()
}

// Await polls the directory, and rescans whenever it changes, until a file
// matching the pattern is complete, is fresh and kept the same size and
// mtime across two consecutive scans. A file is fresh when it was modified
// at or after startedAfter. On filesystems that store whole seconds, a file
// stamped with startedAfter's second also counts, unless Mark saw it. A
// watcher can be awaited once.
func (w *Watcher) Await(ctx context.Context, startedAfter time.Time) (*Artifact, error) {
	if !w.used.CompareAndSwap(false, true) {
		return nil, NewError(KindInvalidState, PhaseDownload, "download already awaited", nil)
	}

	timer := time.NewTimer(w.opts.Timeout)
	defer timer.Stop()
	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	var events <-chan fsnotify.Event
	var watchErrs <-chan error
	if fw, err := fsnotify.NewWatcher(); err != nil {
		w.logger.Debug("Filesystem notifications unavailable, polling only.", zap.Error(err))
	} else {
		defer fw.Close()
		if err := fw.Add(w.dir); err != nil {
			w.logger.Debug("Could not watch download directory, polling only.", zap.Error(err))
		} else {
			events, watchErrs = fw.Events, fw.Errors
		}
	}

	w.logger.Debug("Waiting for download.",
		zap.String("dir", w.dir),
		zap.String("pattern", w.opts.Pattern),
		zap.Time("started_after", startedAfter),
		zap.Duration("timeout", w.opts.Timeout))

	seen := make(map[string]observation)
	for {
		if a := w.scan(startedAfter, seen); a != nil {
			w.logger.Info("Download complete.", zap.String("file", a.Name), zap.Int64("size", a.Size))
			return a, nil
		}

		select {
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		case <-timer.C:
			return nil, NewError(KindDownloadTimeout, PhaseDownload,
				fmt.Sprintf("no completed %s in %s after %s", w.opts.Pattern, w.dir, w.opts.Timeout), nil)
		case <-ticker.C:
		case <-events:
		case err := <-watchErrs:
			w.logger.Debug("Filesystem watch error.", zap.Error(err))
		}
	}
}

// scan records every candidate and returns the newest one that did not
// change since the previous scan.
func (w *Watcher) scan(startedAfter time.Time, seen map[string]observation) *Artifact {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Debug("Reading download directory failed.", zap.Error(err))
		return nil
	}

	w.mu.Lock()
	baseline := w.baseline
	w.mu.Unlock()

	var best *Artifact
	current := make(map[string]observation, len(seen))
	for _, e := range entries {
		if e.IsDir() || !w.matches(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		obs := observation{size: info.Size(), modTime: info.ModTime()}
		if old, ok := baseline[e.Name()]; ok && old == obs {
			continue
		}
		if !fresh(obs.modTime, startedAfter) {
			continue
		}

		current[e.Name()] = obs
		prev, ok := seen[e.Name()]
		if !ok || prev != obs {
			continue
		}
		if best == nil || obs.modTime.After(best.ModTime) {
			best = &Artifact{
				Name:    e.Name(),
				Path:    filepath.Join(w.dir, e.Name()),
				Size:    obs.size,
				ModTime: obs.modTime,
			}
		}
	}

	clear(seen)
	for k, v := range current {
		seen[k] = v
	}
	return best
}

func fresh(modTime, startedAfter time.Time) bool {
	if !modTime.Before(startedAfter) {
		return true
	}
	return modTime.Nanosecond() == 0 && modTime.Equal(startedAfter.Truncate(time.Second))
}

func (w *Watcher) matches(name string) bool {
	lower := strings.ToLower(name)
	for _, suffix := range w.opts.PartialSuffixes {
		if strings.HasSuffix(lower, strings.ToLower(suffix)) {
			return false
		}
	}
	ok, err := filepath.Match(strings.ToLower(w.opts.Pattern), lower)
	return err == nil && ok
}

// CheckUserID rejects user ids that cannot be used as a file name prefix.
func CheckUserID(userID string) error {
	switch {
	case userID == "":
		return errors.New("user id is empty")
	case strings.ContainsAny(userID, `/\`) || strings.Contains(userID, ".."):
		return fmt.Errorf("user id %q must not contain path separators or \"..\"", userID)
	}
	return nil
}

// MoveTo moves the artifact to dir as <userID>_<name> and returns the new
// path.
func (a *Artifact) MoveTo(dir, userID string) (string, error) {
	if err := CheckUserID(userID); err != nil {
		return "", NewError(KindIO, PhaseRename, "naming "+a.Name, err)
	}
	src := NormalizePath(a.Path)
	dst := filepath.Join(NormalizePath(dir), userID+"_"+a.Name)
	if err := os.Rename(src, dst); err != nil {
		return "", NewError(KindIO, PhaseRename, fmt.Sprintf("renaming %s", a.Name), err)
	}
	a.Path = dst
	return dst, nil
}

// NormalizePath strips a Windows extended-length prefix (\\?\ or \\?\UNC\).
func NormalizePath(p string) string {
	switch {
	case strings.HasPrefix(p, `\\?\UNC\`):
		return `\\` + p[len(`\\?\UNC\`):]
	case strings.HasPrefix(p, `\\?\`):
		return p[len(`\\?\`):]
	default:
		return p
	}
}
