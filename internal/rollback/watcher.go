package rollback

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher watches a Manager's PatchesDir for externally-dropped
// "*_v{ts}.go" files (e.g. a patch copied in by an out-of-process
// synthesis step) and registers them as new versions once writes
// settle. Debounce shape grounded on codenerd's
// internal/core/mangle_watcher.go.
type Watcher struct {
	mu          sync.Mutex
	mgr         *Manager
	fsw         *fsnotify.Watcher
	debounceMap map[string]time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
	log         *zap.Logger
}

// NewWatcher constructs a Watcher over mgr's PatchesDir.
func NewWatcher(mgr *Manager, log *zap.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Watcher{
		mgr:         mgr,
		fsw:         fsw,
		debounceMap: make(map[string]time.Time),
		debounceDur: 300 * time.Millisecond,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		log:         log,
	}, nil
}

// Start begins watching PatchesDir in a background goroutine. Start is
// non-blocking; call Stop to shut it down.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.fsw.Add(w.mgr.cfg.PatchesDir); err != nil {
		w.log.Warn("rollback watcher: add patches dir failed", zap.Error(err))
	}

	go w.run()
	return nil
}

// Stop halts the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	_ = w.fsw.Close()
}

func (w *Watcher) run() {
	defer close(w.doneCh)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("rollback watcher: fsnotify error", zap.Error(err))
		case <-ticker.C:
			w.processSettled()
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if !strings.HasSuffix(ev.Name, ".go") {
		return
	}
	if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	w.mu.Lock()
	w.debounceMap[ev.Name] = time.Now()
	w.mu.Unlock()
}

func (w *Watcher) processSettled() {
	w.mu.Lock()
	now := time.Now()
	var settled []string
	for path, t := range w.debounceMap {
		if now.Sub(t) >= w.debounceDur {
			settled = append(settled, path)
			delete(w.debounceMap, path)
		}
	}
	w.mu.Unlock()

	for _, path := range settled {
		w.registerDropped(path)
	}
}

// registerDropped picks up an externally-written version file that
// the startup scan didn't already know about and folds it into the
// in-memory version list, respecting genetic memory the same way
// SaveVersionedPatch does.
func (w *Watcher) registerDropped(path string) {
	skill, ts, ok := parseVersionFileName(filepath.Base(path))
	if !ok {
		return
	}

	w.mgr.mu.Lock()
	defer w.mgr.mu.Unlock()
	if w.mgr.findLocked(skill, ts) != nil {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		w.log.Warn("rollback watcher: read dropped file failed", zap.String("path", path), zap.Error(err))
		return
	}
	hash := ComputeHash(string(data))
	if d, dead := w.mgr.genetic.IsDeadEnd(hash); dead {
		w.log.Warn("rollback watcher: ignoring dropped dead-end patch",
			zap.String("skill", skill), zap.String("hash", hash), zap.String("reason", d.Reason))
		return
	}

	pv := &PatchVersion{
		Skill:       skill,
		TimestampMs: ts,
		CodeHash:    hash,
		SourcePath:  path,
		Status:      StatusPending,
	}
	w.mgr.versions[skill] = append(w.mgr.versions[skill], pv)
	w.mgr.genetic.RegisterDNA(hash, skill)
	w.log.Info("rollback watcher: registered dropped patch", zap.String("skill", skill), zap.Int64("ts", ts))
}
