package plot

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/shizukutanaka/Karite/internal/poc"
)

// Snapshot is one consistent view of all valid plot files, grouped by the
// drive they live on. Snapshots are immutable; the scanner swaps in a new one
// atomically and in-flight readers keep the one they started with.
type Snapshot struct {
	Drives      map[string][]*File
	Files       int
	TotalNonces uint64
	Taken       time.Time
}

// TotalBytes returns the committed capacity in bytes.
func (s *Snapshot) TotalBytes() uint64 { return poc.CapacityBytes(s.TotalNonces) }

// Scanner discovers plot files and keeps the active set fresh. A full pass
// runs every interval; fsnotify events on the plot directories pull the next
// pass forward so added drives are picked up without waiting hours.
type Scanner struct {
	logger   *zap.Logger
	dirs     []string
	directIO bool
	interval time.Duration

	active  atomic.Pointer[Snapshot]
	watcher *fsnotify.Watcher
}

const rescanDebounce = 5 * time.Second

// NewScanner creates a scanner over the configured directories. The watcher
// is best effort: directories that cannot be watched still get periodic
// passes.
func NewScanner(logger *zap.Logger, dirs []string, directIO bool, interval time.Duration) *Scanner {
	s := &Scanner{
		logger:   logger,
		dirs:     dirs,
		directIO: directIO,
		interval: interval,
	}
	if w, err := fsnotify.NewWatcher(); err == nil {
		s.watcher = w
		for _, dir := range dirs {
			if err := w.Add(dir); err != nil {
				logger.Debug("cannot watch plot directory", zap.String("dir", dir), zap.Error(err))
			}
		}
	} else {
		logger.Debug("fsnotify unavailable, relying on periodic rescan", zap.Error(err))
	}
	return s
}

// Scan walks every configured directory once and publishes the result as the
// active snapshot. Malformed files are logged and skipped, never fatal.
func (s *Scanner) Scan() *Snapshot {
	snap := &Snapshot{
		Drives: make(map[string][]*File),
		Taken:  time.Now(),
	}

	for _, dir := range s.dirs {
		removable := isRemovable(dir)
		var dirNonces uint64
		var dirFiles int

		entries, err := os.ReadDir(dir)
		if err != nil {
			s.logger.Warn("cannot read plot directory", zap.String("dir", dir), zap.Error(err))
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			path := filepath.Join(dir, e.Name())
			info, err := e.Info()
			if err != nil {
				continue
			}
			f, err := Parse(path, info)
			if err != nil {
				s.logger.Warn("skipping plot file", zap.Error(err))
				continue
			}
			f.DirectIO = s.directIO && !removable
			f.Drive = deviceForPath(path)
			snap.Drives[f.Drive] = append(snap.Drives[f.Drive], f)
			dirNonces += f.Nonces
			dirFiles++
		}

		s.logger.Info("plot directory scanned",
			zap.String("dir", dir),
			zap.Int("files", dirFiles),
			zap.String("capacity", humanize.IBytes(poc.CapacityBytes(dirNonces))),
			zap.Bool("removable", removable),
		)
		if dirFiles == 0 {
			s.logger.Warn("no plots found", zap.String("dir", dir))
		}
		snap.TotalNonces += dirNonces
		snap.Files += dirFiles
	}

	// Newest files first within a drive so recently plotted data is
	// scanned early.
	for _, files := range snap.Drives {
		sort.Slice(files, func(i, j int) bool {
			return files[i].ModTime.After(files[j].ModTime)
		})
	}

	s.logger.Info("plot scan complete",
		zap.Int("drives", len(snap.Drives)),
		zap.Int("files", snap.Files),
		zap.String("capacity", humanize.IBytes(snap.TotalBytes())),
	)
	s.active.Store(snap)
	return snap
}

// Current returns the latest snapshot, or nil before the first scan.
func (s *Scanner) Current() *Snapshot { return s.active.Load() }

// Run rescans on the capacity check interval and on debounced directory
// events until ctx is done. onChange fires whenever total capacity moved.
func (s *Scanner) Run(ctx context.Context, onChange func(*Snapshot)) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var events <-chan fsnotify.Event
	if s.watcher != nil {
		events = s.watcher.Events
		defer s.watcher.Close()
	}

	var debounce *time.Timer
	var pending <-chan time.Time
	rescan := func() {
		old := s.Current()
		snap := s.Scan()
		if old != nil && old.TotalNonces != snap.TotalNonces {
			s.logger.Info("total capacity changed",
				zap.String("before", humanize.IBytes(poc.CapacityBytes(old.TotalNonces))),
				zap.String("after", humanize.IBytes(snap.TotalBytes())),
			)
		}
		if onChange != nil {
			onChange(snap)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rescan()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(rescanDebounce)
			} else {
				debounce.Reset(rescanDebounce)
			}
			pending = debounce.C
		case <-pending:
			pending = nil
			rescan()
		}
	}
}
